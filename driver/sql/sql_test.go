package sql

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/gobeaver/dal"
	"github.com/gobeaver/dal/daltest"
	"github.com/lib/pq"
)

func openSQLite(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	a, err := Open(context.Background(), SQLite, ":memory:", cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestConformance(t *testing.T) {
	daltest.TestAccessor(t, dal.NewOperator(openSQLite(t, Config{})))
}

func TestConformanceWithRoot(t *testing.T) {
	daltest.TestAccessor(t, dal.NewOperator(openSQLite(t, Config{Root: "/tenant/a", Table: "tenant_objects"})))
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y IN (?, ?)"
	if got := SQLite.rebind(q); got != q {
		t.Errorf("SQLite.rebind() = %q", got)
	}
	want := "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)"
	if got := Postgres.rebind(q); got != want {
		t.Errorf("Postgres.rebind() = %q, want %q", got, want)
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := map[string]string{"": "", "a/": "a0", "a/b/": "a/b0"}
	for in, want := range tests {
		if got := prefixEnd(in); got != want {
			t.Errorf("prefixEnd(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      dal.Kind
		retryable bool
	}{
		{"connection failure", &pq.Error{Code: "08006"}, dal.KindUnavailable, true},
		{"serialization", &pq.Error{Code: "40001"}, dal.KindUnavailable, true},
		{"too many connections", &pq.Error{Code: "53300"}, dal.KindRateLimited, true},
		{"privilege", &pq.Error{Code: "42501"}, dal.KindPermissionDenied, false},
		{"syntax", &pq.Error{Code: "42601"}, dal.KindUnexpected, false},
		{"context", context.DeadlineExceeded, dal.KindTimeout, false},
		{"wrapped", fmt.Errorf("exec: %w", &pq.Error{Code: "08001"}), dal.KindUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError("write", "p", tt.err)
			if dal.KindOf(err) != tt.kind {
				t.Errorf("kind = %v, want %v", dal.KindOf(err), tt.kind)
			}
			if dal.IsRetryable(err) != tt.retryable {
				t.Errorf("retryable = %v, want %v", dal.IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("rejects bad table name", func(t *testing.T) {
		_, err := Open(context.Background(), SQLite, ":memory:", Config{Table: "objects; DROP TABLE x"})
		if dal.KindOf(err) != dal.KindInvalidInput {
			t.Errorf("expected InvalidInput, got %v", err)
		}
	})

	t.Run("postgres factory requires dsn", func(t *testing.T) {
		_, err := PostgresFactory(context.Background(), map[string]string{})
		if dal.KindOf(err) != dal.KindInvalidInput {
			t.Errorf("expected InvalidInput, got %v", err)
		}
	})

	t.Run("sqlite factory defaults to memory", func(t *testing.T) {
		acc, err := SQLiteFactory(context.Background(), map[string]string{"root": "data"})
		if err != nil {
			t.Fatalf("SQLiteFactory() error = %v", err)
		}
		defer acc.(*Adapter).Close()
		if info := acc.Info(); info.Scheme != "sqlite" || info.Root != "/data/" {
			t.Errorf("unexpected info %+v", info)
		}
	})
}

func TestWriteHeaders(t *testing.T) {
	ctx := context.Background()
	op := dal.NewOperator(openSQLite(t, Config{}))

	_, err := op.Write(ctx, "page.html", []byte("<p>"), dal.WithCacheControl("no-cache"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	md, err := op.Stat(ctx, "page.html")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if md.ContentType != "text/html; charset=utf-8" || md.CacheControl != "no-cache" {
		t.Errorf("got content type %q cache control %q", md.ContentType, md.CacheControl)
	}

	if _, err := op.Append(ctx, "page.html", []byte("</p>")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	got, err := op.Read(ctx, "page.html")
	if err != nil || string(got) != "<p></p>" {
		t.Errorf("Read() = %q, %v", got, err)
	}
}

func TestListing(t *testing.T) {
	ctx := context.Background()
	op := dal.NewOperator(openSQLite(t, Config{}))
	for _, p := range []string{"docs/a.md", "docs/deep/b.md", "docs/deep/c.md", "docs/z.md", "images/logo.png", "readme"} {
		if _, err := op.Write(ctx, p, []byte(p)); err != nil {
			t.Fatalf("Write(%s) error = %v", p, err)
		}
	}
	if err := op.CreateDir(ctx, "empty/"); err != nil {
		t.Fatalf("CreateDir() error = %v", err)
	}

	paths := func(entries []dal.Entry) string {
		var out []string
		for _, e := range entries {
			out = append(out, e.Path)
		}
		return strings.Join(out, ",")
	}

	tests := []struct {
		name string
		dir  string
		opts []dal.ListOption
		want string
	}{
		{"top level", "/", nil, "docs/,empty/,images/,readme"},
		{"non-recursive skips nested", "docs/", nil, "docs/a.md,docs/deep/,docs/z.md"},
		{"recursive adds implicit dirs", "docs/", []dal.ListOption{dal.WithRecursive(true)}, "docs/a.md,docs/deep/,docs/deep/b.md,docs/deep/c.md,docs/z.md"},
		{"small pages", "docs/", []dal.ListOption{dal.WithRecursive(true), dal.WithLimit(2)}, "docs/a.md,docs/deep/,docs/deep/b.md,docs/deep/c.md,docs/z.md"},
		{"start after directory", "docs/", []dal.ListOption{dal.WithStartAfter("docs/deep/")}, "docs/z.md"},
		{"missing dir", "nothing/", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := op.ListAll(ctx, tt.dir, tt.opts...)
			if err != nil {
				t.Fatalf("ListAll() error = %v", err)
			}
			if got := paths(entries); got != tt.want {
				t.Errorf("ListAll(%s) = %s, want %s", tt.dir, got, tt.want)
			}
		})
	}
}

func TestBatchDelete(t *testing.T) {
	ctx := context.Background()
	a := openSQLite(t, Config{})
	op := dal.NewOperator(a)
	for _, p := range []string{"x/1", "x/2", "x/3"} {
		if _, err := op.Write(ctx, p, []byte("v")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	results, err := op.Batch(ctx, []string{"x/1", "x/2", "x/missing"})
	if err != nil {
		t.Fatalf("Batch() error = %v", err)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("Batch(%s) error = %v", r.Path, r.Err)
		}
	}
	entries, err := op.ListAll(ctx, "x/")
	if err != nil || len(entries) != 1 || entries[0].Path != "x/3" {
		t.Errorf("ListAll(x/) = %v, %v", entries, err)
	}
}

func TestMultipart(t *testing.T) {
	ctx := context.Background()
	a := openSQLite(t, Config{})
	op := dal.NewOperator(a)

	t.Run("upload in parts", func(t *testing.T) {
		data := bytes.Repeat([]byte("0123456789"), 100)
		md, err := op.Upload(ctx, "big.bin", bytes.NewReader(data), int64(len(data)), &dal.UploadOptions{
			ChunkSize:   256,
			ContentType: "application/x-test",
		})
		if err != nil {
			t.Fatalf("Upload() error = %v", err)
		}
		if md.Size != int64(len(data)) || md.ContentType != "application/x-test" {
			t.Errorf("unexpected metadata %+v", md)
		}
		got, err := op.Read(ctx, "big.bin")
		if err != nil || !bytes.Equal(got, data) {
			t.Errorf("content mismatch: %v", err)
		}
	})

	t.Run("unknown part and abort", func(t *testing.T) {
		id, err := a.InitiateMultipart(ctx, "p", dal.OpWrite{})
		if err != nil {
			t.Fatalf("InitiateMultipart() error = %v", err)
		}
		if _, err := a.WritePart(ctx, "other", id, 1, strings.NewReader("x"), 1); !dal.IsNotFound(err) {
			t.Errorf("WritePart(other path) error = %v, want NotFound", err)
		}
		_, err = a.CompleteMultipart(ctx, "p", id, []dal.Part{{Number: 2}})
		if dal.KindOf(err) != dal.KindInvalidInput {
			t.Errorf("expected InvalidInput, got %v", err)
		}
		if err := a.AbortMultipart(ctx, "p", id); err != nil {
			t.Errorf("AbortMultipart() error = %v", err)
		}
		if err := a.AbortMultipart(ctx, "p", id); !dal.IsNotFound(err) {
			t.Errorf("second abort error = %v, want NotFound", err)
		}
	})
}

func TestRenameMissing(t *testing.T) {
	op := dal.NewOperator(openSQLite(t, Config{}))
	err := op.Rename(context.Background(), "nope", "dst")
	if !dal.IsNotFound(err) {
		t.Errorf("Rename(missing) error = %v, want NotFound", err)
	}
	var de *dal.Error
	if errors.As(err, &de) && de.Op != "rename" {
		t.Errorf("error op = %q, want rename", de.Op)
	}
}
