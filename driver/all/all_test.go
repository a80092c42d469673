package all

import (
	"context"
	"reflect"
	"testing"

	"github.com/gobeaver/dal"
)

func TestRegistry(t *testing.T) {
	want := []string{"azblob", "fs", "gcs", "local", "memory", "mongodb", "postgres", "s3", "sftp", "sqlite", "zip"}
	if got := Registry().Schemes(); !reflect.DeepEqual(got, want) {
		t.Errorf("Schemes() = %v, want %v", got, want)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	reg := Registry()

	tests := []struct {
		scheme  string
		options map[string]string
	}{
		{"memory", nil},
		{"fs", map[string]string{"root": t.TempDir()}},
		{"local", map[string]string{"root": t.TempDir()}},
		{"sqlite", map[string]string{"root": "data"}},
	}
	for _, tt := range tests {
		t.Run(tt.scheme, func(t *testing.T) {
			acc, err := reg.Open(ctx, tt.scheme, tt.options)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if closer, ok := acc.(interface{ Close() error }); ok {
				t.Cleanup(func() { closer.Close() })
			}
			op := dal.NewOperator(acc)
			if _, err := op.Write(ctx, "probe.txt", []byte("ok")); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			got, err := op.Read(ctx, "probe.txt")
			if err != nil || string(got) != "ok" {
				t.Errorf("Read() = %q, %v", got, err)
			}
		})
	}

	t.Run("unknown scheme", func(t *testing.T) {
		_, err := reg.Open(ctx, "ftp", nil)
		if dal.KindOf(err) != dal.KindInvalidInput {
			t.Errorf("Open() error = %v, want InvalidInput", err)
		}
	})

	t.Run("missing required option", func(t *testing.T) {
		for _, scheme := range []string{"s3", "gcs", "azblob", "sftp", "mongodb", "postgres", "zip"} {
			if _, err := reg.Open(ctx, scheme, nil); dal.KindOf(err) != dal.KindInvalidInput {
				t.Errorf("Open(%s) error = %v, want InvalidInput", scheme, err)
			}
		}
	})
}
