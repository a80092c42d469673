package dal_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/gobeaver/dal"
	"github.com/gobeaver/dal/daltest"
	"github.com/gobeaver/dal/driver/memory"
)

// narrowed hides capability bits of the accessor it wraps
type narrowed struct {
	dal.Accessor
	clear func(*dal.Capability)
}

func (n narrowed) Info() dal.AccessorInfo {
	info := n.Accessor.Info()
	n.clear(&info.Capability)
	return info
}

func without(clear func(*dal.Capability)) dal.Layer {
	return dal.LayerFunc(func(inner dal.Accessor) dal.Accessor {
		return narrowed{Accessor: inner, clear: clear}
	})
}

func seeded(t *testing.T, files map[string]string, opts ...dal.OperatorOption) *dal.Operator {
	t.Helper()
	op := dal.NewOperator(memory.New(), opts...)
	for p, body := range files {
		if _, err := op.Write(context.Background(), p, []byte(body)); err != nil {
			t.Fatalf("Write(%s) error = %v", p, err)
		}
	}
	return op
}

func TestRangeReadFallback(t *testing.T) {
	ctx := context.Background()
	op := seeded(t, map[string]string{"digits.txt": "0123456789"}).
		Layer(without(func(c *dal.Capability) { c.ReadWithRange = false }))

	got, err := op.ReadRange(ctx, "digits.txt", 2, 3)
	if err != nil {
		t.Fatalf("ReadRange() error = %v", err)
	}
	if string(got) != "234" {
		t.Errorf("ReadRange() = %q", got)
	}

	_, md, err := op.Reader(ctx, "digits.txt", dal.WithRange(8, 0))
	if err != nil {
		t.Fatalf("Reader() error = %v", err)
	}
	if md.Size != 2 {
		t.Errorf("metadata size = %d, want the size of the returned range", md.Size)
	}

	bounded := seeded(t, map[string]string{"digits.txt": "0123456789"}, dal.WithMaxFallbackReadSize(4)).
		Layer(without(func(c *dal.Capability) { c.ReadWithRange = false }))
	if _, err := bounded.ReadRange(ctx, "digits.txt", 0, 2); !dal.IsUnsupported(err) {
		t.Errorf("ReadRange(over limit) error = %v, want Unsupported", err)
	}
}

func TestRecursiveListFallback(t *testing.T) {
	ctx := context.Background()
	files := map[string]string{"a/1.txt": "1", "a/b/2.txt": "2", "a/b/c/3.txt": "3", "z.txt": "z"}
	native := seeded(t, files)
	walked := native.Layer(without(func(c *dal.Capability) { c.ListWithRecursive = false }))

	paths := func(op *dal.Operator) []string {
		entries, err := op.ListAll(ctx, "a/", dal.WithRecursive(true))
		if err != nil {
			t.Fatalf("ListAll() error = %v", err)
		}
		var out []string
		for _, e := range entries {
			if !e.IsDir() {
				out = append(out, e.Path)
			}
		}
		return out
	}
	want := fmt.Sprint(paths(native))
	if got := fmt.Sprint(paths(walked)); got != want {
		t.Errorf("walked files = %s, native = %s", got, want)
	}
	if want != "[a/1.txt a/b/2.txt a/b/c/3.txt]" {
		t.Errorf("native files = %s", want)
	}
}

func TestStartAfterAndLimitFallback(t *testing.T) {
	ctx := context.Background()
	files := map[string]string{"d/a": "", "d/b": "", "d/c": "", "d/d": ""}
	op := seeded(t, files).Layer(without(func(c *dal.Capability) {
		c.ListWithStartAfter = false
		c.ListWithLimit = false
	}))
	entries, err := op.ListAll(ctx, "d/", dal.WithStartAfter("d/b"), dal.WithLimit(1))
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Path)
	}
	if fmt.Sprint(got) != "[d/c d/d]" {
		t.Errorf("ListAll() = %v", got)
	}
}

func TestCopyRenameFallback(t *testing.T) {
	ctx := context.Background()
	op := seeded(t, map[string]string{"src.txt": "payload"}).Layer(without(func(c *dal.Capability) {
		c.Copy = false
		c.Rename = false
	}))

	if err := op.Copy(ctx, "src.txt", "copy.txt"); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if got, _ := op.Read(ctx, "copy.txt"); string(got) != "payload" {
		t.Errorf("copy content = %q", got)
	}

	if err := op.Rename(ctx, "copy.txt", "moved.txt"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if ok, _ := op.IsExist(ctx, "copy.txt"); ok {
		t.Error("rename source still exists")
	}
	if got, _ := op.Read(ctx, "moved.txt"); string(got) != "payload" {
		t.Errorf("moved content = %q", got)
	}
}

func TestFallbackUnsupported(t *testing.T) {
	ctx := context.Background()
	op := dal.NewOperator(&daltest.Stub{Capability: dal.Capability{Stat: true, Read: true}})

	tests := []struct {
		name string
		err  error
	}{
		{"copy", op.Copy(ctx, "a", "b")},
		{"rename", op.Rename(ctx, "a", "b")},
		{"create dir", op.CreateDir(ctx, "d")},
		{"delete", op.Delete(ctx, "a")},
		{"write", func() error { _, err := op.Write(ctx, "a", []byte("x")); return err }()},
		{"list", func() error { _, err := op.List(ctx, "/"); return err }()},
		{"batch", func() error { _, err := op.Batch(ctx, []string{"a"}); return err }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !dal.IsUnsupported(tt.err) {
				t.Errorf("error = %v, want Unsupported", tt.err)
			}
		})
	}

	_, err := op.Batch(ctx, []string{"a", "b"})
	var de *dal.Error
	if !errors.As(err, &de) || de.Path != "a" {
		t.Errorf("Batch() error = %v, want the refused path", err)
	}
}

func TestCreateDirFallback(t *testing.T) {
	var written []string
	stub := &daltest.Stub{
		Capability: dal.Capability{Write: true, WriteCanEmpty: true},
		WriteFunc: func(ctx context.Context, p string, r io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
			written = append(written, p)
			return dal.NewMetadata(p), nil
		},
	}
	if err := dal.NewOperator(stub).CreateDir(context.Background(), "logs/2024"); err != nil {
		t.Fatalf("CreateDir() error = %v", err)
	}
	if len(written) != 1 || written[0] != "logs/2024/" {
		t.Errorf("written = %v, want an empty directory marker", written)
	}
}

func TestBatchChunking(t *testing.T) {
	var sizes []int
	stub := &daltest.Stub{
		Capability: dal.Capability{Delete: true, Batch: true, BatchMaxOperations: 2},
		BatchFunc: func(ctx context.Context, op dal.OpBatch) ([]dal.BatchResult, error) {
			sizes = append(sizes, len(op.Paths))
			out := make([]dal.BatchResult, len(op.Paths))
			for i, p := range op.Paths {
				out[i] = dal.BatchResult{Path: p}
			}
			return out, nil
		},
	}
	results, err := dal.NewOperator(stub).Batch(context.Background(), []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatalf("Batch() error = %v", err)
	}
	if fmt.Sprint(sizes) != "[2 2 1]" {
		t.Errorf("chunk sizes = %v", sizes)
	}
	if len(results) != 5 || results[4].Path != "e" {
		t.Errorf("results = %v", results)
	}
}

func TestBatchFallbackDeletesOneByOne(t *testing.T) {
	var deleted []string
	stub := &daltest.Stub{
		Capability: dal.Capability{Delete: true},
		DeleteFunc: func(ctx context.Context, p string) error {
			deleted = append(deleted, p)
			if p == "locked" {
				return dal.Errorf(dal.KindPermissionDenied, "delete", p, "locked")
			}
			return nil
		},
	}
	results, err := dal.NewOperator(stub).Batch(context.Background(), []string{"/a", "locked", "b//c"})
	if err != nil {
		t.Fatalf("Batch() error = %v", err)
	}
	if strings.Join(deleted, ",") != "a,locked,b/c" {
		t.Errorf("deleted = %v", deleted)
	}
	if results[0].Err != nil || !dal.IsPermission(results[1].Err) || results[2].Err != nil {
		t.Errorf("results = %v", results)
	}
}
