package dal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gobeaver/dal"
	"github.com/gobeaver/dal/daltest"
	"github.com/gobeaver/dal/driver/memory"
)

func TestOperatorConformance(t *testing.T) {
	op := dal.NewOperator(memory.New()).
		Layer(dal.NewRetryLayer(dal.DefaultRetryConfig())).
		Layer(dal.NewConcurrentLimitLayer(dal.ConcurrentLimitConfig{MaxInFlight: 4})).
		Layer(dal.NewLoggingLayer(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	daltest.TestAccessor(t, op)
}

func TestOperatorPathValidation(t *testing.T) {
	ctx := context.Background()
	op := seeded(t, map[string]string{"a.txt": "a"})

	tests := []struct {
		name string
		err  error
	}{
		{"escape", func() error { _, err := op.Stat(ctx, "../x"); return err }()},
		{"read dir", func() error { _, err := op.Read(ctx, "dir/"); return err }()},
		{"write dir", func() error { _, err := op.Write(ctx, "dir/", []byte("x")); return err }()},
		{"copy same", op.Copy(ctx, "a.txt", "/a.txt")},
		{"copy dir", op.Copy(ctx, "a.txt", "dir/")},
		{"rename same", op.Rename(ctx, "a.txt", "./a.txt")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if dal.KindOf(tt.err) != dal.KindInvalidInput {
				t.Errorf("error = %v, want InvalidInput", tt.err)
			}
		})
	}
}

func TestOperatorStatRoot(t *testing.T) {
	stub := &daltest.Stub{Capability: dal.Capability{Stat: true}}
	md, err := dal.NewOperator(stub).Stat(context.Background(), "/")
	if err != nil || !md.IsDir() {
		t.Errorf("Stat(/) = %+v, %v", md, err)
	}
	if stub.Calls("stat") != 0 {
		t.Error("Stat(/) reached the backend")
	}
}

func TestOperatorIsExist(t *testing.T) {
	ctx := context.Background()
	op := seeded(t, map[string]string{"a.txt": "a"})
	if ok, err := op.IsExist(ctx, "a.txt"); !ok || err != nil {
		t.Errorf("IsExist(a.txt) = %v, %v", ok, err)
	}
	if ok, err := op.IsExist(ctx, "b.txt"); ok || err != nil {
		t.Errorf("IsExist(b.txt) = %v, %v", ok, err)
	}
}

func TestOperatorAppend(t *testing.T) {
	ctx := context.Background()
	op := seeded(t, nil)
	for _, s := range []string{"a", "b", "c"} {
		if _, err := op.Append(ctx, "log", []byte(s)); err != nil {
			t.Fatalf("Append(%s) error = %v", s, err)
		}
	}
	if got, _ := op.Read(ctx, "log"); string(got) != "abc" {
		t.Errorf("Read() = %q", got)
	}
}

func TestOperatorWriteEmpty(t *testing.T) {
	stub := &daltest.Stub{Capability: dal.Capability{Write: true}}
	_, err := dal.NewOperator(stub).Write(context.Background(), "empty", nil)
	if !dal.IsUnsupported(err) {
		t.Errorf("Write(empty) error = %v, want Unsupported", err)
	}
}

func TestRemoveAll(t *testing.T) {
	ctx := context.Background()
	op := seeded(t, map[string]string{
		"tree/a.txt":     "a",
		"tree/x/b.txt":   "b",
		"tree/x/y/c.txt": "c",
		"treehouse/keep": "k",
		"other/file.txt": "o",
	})
	if err := op.CreateDir(ctx, "tree/empty"); err != nil {
		t.Fatalf("CreateDir() error = %v", err)
	}

	if err := op.RemoveAll(ctx, "tree"); err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}
	left, err := op.ListAll(ctx, "/", dal.WithRecursive(true))
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	var files []string
	for _, e := range left {
		if strings.HasPrefix(e.Path, "tree/") {
			t.Errorf("%s survived RemoveAll", e.Path)
		}
		if !e.IsDir() {
			files = append(files, e.Path)
		}
	}
	if strings.Join(files, ",") != "other/file.txt,treehouse/keep" {
		t.Errorf("remaining files = %v", files)
	}

	if err := op.RemoveAll(ctx, "missing/"); err != nil {
		t.Errorf("RemoveAll(missing) error = %v", err)
	}
	if err := op.RemoveAll(ctx, "other/file.txt"); err != nil {
		t.Errorf("RemoveAll(file) error = %v", err)
	}
	if ok, _ := op.IsExist(ctx, "other/file.txt"); ok {
		t.Error("RemoveAll(file) left the file")
	}
}

func TestPresignValidation(t *testing.T) {
	ctx := context.Background()
	stub := &daltest.Stub{
		Capability: dal.Capability{Presign: true, PresignRead: true},
		PresignFunc: func(ctx context.Context, p string, op dal.OpPresign) (*dal.PresignedRequest, error) {
			return &dal.PresignedRequest{Method: "GET", URL: "https://cdn.example.com/" + p, Expires: time.Now().Add(op.Expire)}, nil
		},
	}
	op := dal.NewOperator(stub)

	req, err := op.PresignRead(ctx, "/img/cat.png", time.Minute)
	if err != nil {
		t.Fatalf("PresignRead() error = %v", err)
	}
	if req.URL != "https://cdn.example.com/img/cat.png" {
		t.Errorf("URL = %s, want a normalized path", req.URL)
	}
	if _, err := op.PresignRead(ctx, "a", 0); dal.KindOf(err) != dal.KindInvalidInput {
		t.Errorf("PresignRead(0) error = %v, want InvalidInput", err)
	}
	if _, err := op.PresignWrite(ctx, "a", time.Minute); !dal.IsUnsupported(err) {
		t.Errorf("PresignWrite() error = %v, want Unsupported", err)
	}
	if _, err := op.PresignStat(ctx, "a", time.Minute); !dal.IsUnsupported(err) {
		t.Errorf("PresignStat() error = %v, want Unsupported", err)
	}
}

func TestLayerOrder(t *testing.T) {
	var order []string
	mark := func(name string) dal.Layer {
		return dal.LayerFunc(func(inner dal.Accessor) dal.Accessor {
			return statHook{Accessor: inner, before: func() { order = append(order, name) }}
		})
	}
	stub := &daltest.Stub{
		Capability: dal.Capability{Stat: true},
		StatFunc: func(ctx context.Context, p string, _ dal.OpStat) (*dal.Metadata, error) {
			order = append(order, "backend")
			return dal.NewMetadata(p), nil
		},
	}
	base := dal.NewOperator(stub)
	op := base.Layer(mark("inner")).Layer(mark("outer"))
	if _, err := op.Stat(context.Background(), "f"); err != nil {
		t.Fatal(err)
	}
	if strings.Join(order, ",") != "outer,inner,backend" {
		t.Errorf("order = %v", order)
	}

	order = nil
	base.Stat(context.Background(), "f")
	if strings.Join(order, ",") != "backend" {
		t.Errorf("Layer() changed the base operator: %v", order)
	}
}

type statHook struct {
	dal.Accessor
	before func()
}

func (s statHook) Stat(ctx context.Context, p string, op dal.OpStat) (*dal.Metadata, error) {
	s.before()
	return s.Accessor.Stat(ctx, p, op)
}

type closingStub struct {
	daltest.Stub
	closed bool
}

func (c *closingStub) Close() error {
	c.closed = true
	return nil
}

func TestOperatorClose(t *testing.T) {
	base := &closingStub{}
	op := dal.NewOperator(base).Layer(dal.NewReadOnlyLayer())
	if err := op.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !base.closed {
		t.Error("Close() did not reach the base accessor")
	}
	if err := dal.NewOperator(&daltest.Stub{}).Close(); err != nil {
		t.Errorf("Close() without io.Closer error = %v", err)
	}
}

func TestLoggingLayer(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	op := seeded(t, map[string]string{"a.txt": "hello"}).Layer(dal.NewLoggingLayer(logger))

	if _, err := op.Read(ctx, "a.txt"); err != nil {
		t.Fatal(err)
	}
	op.Stat(ctx, "missing.txt")
	op.Copy(ctx, "missing.txt", "b.txt")

	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("Unmarshal(%q) error = %v", line, err)
		}
		records = append(records, rec)
	}
	if len(records) < 3 {
		t.Fatalf("got %d records:\n%s", len(records), buf.String())
	}

	find := func(op string) map[string]any {
		for _, r := range records {
			if r["op"] == op {
				return r
			}
		}
		t.Fatalf("no record for %s:\n%s", op, buf.String())
		return nil
	}
	if r := find("read"); r["level"] != "DEBUG" || r["scheme"] != "memory" || r["path"] != "a.txt" {
		t.Errorf("read record = %v", r)
	}
	if r := find("stat"); r["level"] != "DEBUG" || r["kind"] != "NotFound" {
		t.Errorf("stat record = %v, want a debug level miss", r)
	}
	if r := find("copy"); r["kind"] != "NotFound" {
		t.Errorf("copy record = %v", r)
	}
}
