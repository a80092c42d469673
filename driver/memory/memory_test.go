package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gobeaver/dal"
	"github.com/gobeaver/dal/daltest"
)

func TestConformance(t *testing.T) {
	daltest.TestAccessor(t, dal.NewOperator(New()))
}

func TestConformanceWithRoot(t *testing.T) {
	daltest.TestAccessor(t, dal.NewOperator(New(Config{Root: "/tenant/a"})))
}

func TestNew(t *testing.T) {
	t.Run("creates adapter with default config", func(t *testing.T) {
		a := New()
		if a.maxSize != 0 {
			t.Errorf("expected maxSize=0, got %d", a.maxSize)
		}
		if a.Info().Root != "/" {
			t.Errorf("expected root /, got %q", a.Info().Root)
		}
	})

	t.Run("factory parses options", func(t *testing.T) {
		acc, err := Factory(context.Background(), map[string]string{"root": "data", "max_size": "1024"})
		if err != nil {
			t.Fatalf("Factory() error = %v", err)
		}
		a := acc.(*Adapter)
		if a.maxSize != 1024 || a.root != "/data/" {
			t.Errorf("got maxSize=%d root=%q", a.maxSize, a.root)
		}
	})

	t.Run("factory rejects bad max_size", func(t *testing.T) {
		_, err := Factory(context.Background(), map[string]string{"max_size": "lots"})
		if dal.KindOf(err) != dal.KindInvalidInput {
			t.Errorf("expected InvalidInput, got %v", err)
		}
	})
}

func TestWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("tracks size", func(t *testing.T) {
		a := New()
		op := dal.NewOperator(a)
		if _, err := op.Write(ctx, "test.txt", []byte("hello world")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.Size() != 11 {
			t.Errorf("expected size=11, got %d", a.Size())
		}
		if _, err := op.Write(ctx, "test.txt", []byte("hi")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.Size() != 2 || a.FileCount() != 1 {
			t.Errorf("expected size=2 count=1, got %d %d", a.Size(), a.FileCount())
		}
	})

	t.Run("respects max size limit", func(t *testing.T) {
		op := dal.NewOperator(New(Config{MaxSize: 10}))
		_, err := op.Write(ctx, "large.txt", []byte("this is too large"))
		if dal.KindOf(err) != dal.KindInvalidInput {
			t.Fatalf("expected InvalidInput, got %v", err)
		}
	})

	t.Run("rejects path traversal", func(t *testing.T) {
		op := dal.NewOperator(New())
		_, err := op.Write(ctx, "../etc/passwd", []byte("malicious"))
		if dal.KindOf(err) != dal.KindInvalidInput {
			t.Fatalf("expected InvalidInput, got %v", err)
		}
	})

	t.Run("stores content headers", func(t *testing.T) {
		op := dal.NewOperator(New())
		_, err := op.Write(ctx, "page", []byte("<p>"),
			dal.WithContentType("text/html"), dal.WithCacheControl("no-cache"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		md, err := op.Stat(ctx, "page")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if md.ContentType != "text/html" || md.CacheControl != "no-cache" {
			t.Errorf("got content type %q cache control %q", md.ContentType, md.CacheControl)
		}
	})

	t.Run("guesses content type", func(t *testing.T) {
		op := dal.NewOperator(New())
		md, err := op.Write(ctx, "data.json", []byte(`{}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if md.ContentType != "application/json" {
			t.Errorf("expected application/json, got %q", md.ContentType)
		}
	})
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	op := dal.NewOperator(New())

	for _, line := range []string{"one\n", "two\n"} {
		if _, err := op.Append(ctx, "log.txt", []byte(line)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	got, err := op.Read(ctx, "log.txt")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "one\ntwo\n" {
		t.Errorf("expected both lines, got %q", got)
	}
}

func TestStatConditions(t *testing.T) {
	ctx := context.Background()
	op := dal.NewOperator(New())
	md, err := op.Write(ctx, "f", []byte("x"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if _, err := op.Stat(ctx, "f", dal.StatIfNoneMatch(md.ETag)); dal.KindOf(err) != dal.KindConditionNotMatch {
		t.Errorf("IfNoneMatch(current) error = %v, want ConditionNotMatch", err)
	}
	if _, err := op.Stat(ctx, "f", dal.StatIfMatch(md.ETag)); err != nil {
		t.Errorf("IfMatch(current) error = %v", err)
	}
}

func TestDirectories(t *testing.T) {
	ctx := context.Background()
	op := dal.NewOperator(New())

	t.Run("implicit directories", func(t *testing.T) {
		if _, err := op.Write(ctx, "x/y/z.txt", []byte("z")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		for _, dir := range []string{"x/", "x/y/"} {
			md, err := op.Stat(ctx, dir)
			if err != nil || !md.IsDir() {
				t.Errorf("Stat(%s) = %v, %v", dir, md, err)
			}
		}
	})

	t.Run("explicit empty directory lists", func(t *testing.T) {
		if err := op.CreateDir(ctx, "empty"); err != nil {
			t.Fatalf("CreateDir() error = %v", err)
		}
		entries, err := op.ListAll(ctx, "/")
		if err != nil {
			t.Fatalf("ListAll() error = %v", err)
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Path)
		}
		if strings.Join(names, ",") != "empty/,x/" {
			t.Errorf("expected [empty/ x/], got %v", names)
		}
	})

	t.Run("remove all", func(t *testing.T) {
		if err := op.RemoveAll(ctx, "x"); err != nil {
			t.Fatalf("RemoveAll() error = %v", err)
		}
		if ok, _ := op.IsExist(ctx, "x/y/z.txt"); ok {
			t.Error("expected file to be removed")
		}
		if ok, _ := op.IsExist(ctx, "x/"); ok {
			t.Error("expected directory to be removed")
		}
	})
}

func TestListPaging(t *testing.T) {
	ctx := context.Background()
	op := dal.NewOperator(New())
	for i := 0; i < 25; i++ {
		p := "items/" + string(rune('a'+i))
		if _, err := op.Write(ctx, p, []byte(p)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	l, err := op.List(ctx, "items/", dal.WithLimit(10))
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	entries, err := l.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(entries) != 25 {
		t.Fatalf("expected 25 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Path >= entries[i].Path {
			t.Fatalf("entries out of order at %d: %s >= %s", i, entries[i-1].Path, entries[i].Path)
		}
	}
	if _, err := l.Next(ctx); err != dal.Done {
		t.Errorf("expected Done after exhaustion, got %v", err)
	}
}

func TestMultipart(t *testing.T) {
	ctx := context.Background()
	a := New()
	op := dal.NewOperator(a)

	t.Run("upload in parts", func(t *testing.T) {
		data := bytes.Repeat([]byte("0123456789"), 100)
		var progress int64
		md, err := op.Upload(ctx, "big.bin", bytes.NewReader(data), int64(len(data)), &dal.UploadOptions{
			ChunkSize: 128,
			Progress:  func(done, _ int64) { progress = done },
		})
		if err != nil {
			t.Fatalf("Upload() error = %v", err)
		}
		if md.Size != int64(len(data)) {
			t.Errorf("expected size %d, got %d", len(data), md.Size)
		}
		got, err := op.Read(ctx, "big.bin")
		if err != nil || !bytes.Equal(got, data) {
			t.Errorf("content mismatch: %v", err)
		}
		if progress != int64(len(data)) {
			t.Errorf("expected progress %d, got %d", len(data), progress)
		}
		if len(a.uploads) != 0 {
			t.Errorf("expected no pending uploads, got %d", len(a.uploads))
		}
	})

	t.Run("complete with unknown part fails", func(t *testing.T) {
		id, err := a.InitiateMultipart(ctx, "p", dal.OpWrite{})
		if err != nil {
			t.Fatalf("InitiateMultipart() error = %v", err)
		}
		_, err = a.CompleteMultipart(ctx, "p", id, []dal.Part{{Number: 3}})
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

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	op := dal.NewOperator(New())

	token, err := op.Watch(ctx, "logs/*.txt")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	fired := make(chan struct{})
	token.RegisterChangeCallback(func() { close(fired) })

	if _, err := op.Write(ctx, "other/file.txt", []byte("x")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if token.HasChanged() {
		t.Fatal("token fired for a path outside the pattern")
	}
	if _, err := op.Write(ctx, "logs/today.txt", []byte("x")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("token did not fire")
	}
}
