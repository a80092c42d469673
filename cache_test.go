package dal_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/gobeaver/dal"
	"github.com/gobeaver/dal/daltest"
)

func TestMemoryCache(t *testing.T) {
	c := dal.NewMemoryCache()
	c.Set("a", 1, 0)
	c.Set("b", 2, 10*time.Millisecond)
	c.Set("dir/x", 3, 0)
	c.Set("dir/y", 4, 0)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = %v, %v", v, ok)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("b"); ok {
		t.Error("Get(b) after expiry = found")
	}

	c.DeletePrefix("dir/")
	if _, ok := c.Get("dir/x"); ok {
		t.Error("DeletePrefix left dir/x")
	}
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("Delete left a")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 3 || stats.Size != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.HitRate != 0.25 {
		t.Errorf("HitRate = %v", stats.HitRate)
	}

	c.Set("z", 1, 0)
	c.Clear()
	if c.Stats().Size != 0 {
		t.Error("Clear() left entries")
	}
}

// cachedStub is a backend serving one file and one directory listing
func cachedStub() *daltest.Stub {
	return &daltest.Stub{
		Capability: dal.Capability{Stat: true, List: true, Write: true, Delete: true, Rename: true},
		StatFunc: func(ctx context.Context, p string, _ dal.OpStat) (*dal.Metadata, error) {
			if p == "missing" {
				return nil, dal.Errorf(dal.KindNotFound, "stat", p, "gone")
			}
			md := dal.NewMetadata(p)
			md.Size = 42
			return md, nil
		},
		ListFunc: func(ctx context.Context, p string, op dal.OpList) (dal.Pager, error) {
			return dal.NewSlicePager([]dal.Entry{dal.NewEntry(p+"a", nil), dal.NewEntry(p+"b", nil)}, 1), nil
		},
		WriteFunc: func(ctx context.Context, p string, r io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
			return dal.NewMetadata(p), nil
		},
		DeleteFunc: func(ctx context.Context, p string) error { return nil },
		RenameFunc: func(ctx context.Context, from, to string) error { return nil },
	}
}

func TestCacheStat(t *testing.T) {
	ctx := context.Background()
	stub := cachedStub()
	var hits, misses int
	acc := dal.NewCacheLayer(dal.NewMemoryCache(),
		dal.WithCacheHitCallback(func(op, p string) { hits++ }),
		dal.WithCacheMissCallback(func(op, p string) { misses++ }),
	).Layer(stub)

	for range 3 {
		md, err := acc.Stat(ctx, "docs/a.txt", dal.OpStat{})
		if err != nil || md.Size != 42 {
			t.Fatalf("Stat() = %+v, %v", md, err)
		}
		md.Size = 0 // callers may mutate their copy
	}
	if stub.Calls("stat") != 1 || hits != 2 || misses != 1 {
		t.Errorf("backend stats = %d, hits = %d, misses = %d", stub.Calls("stat"), hits, misses)
	}
	if md, _ := acc.Stat(ctx, "docs/a.txt", dal.OpStat{}); md.Size != 42 {
		t.Error("cached metadata was shared with a caller")
	}

	// conditional stats bypass the cache
	acc.Stat(ctx, "docs/a.txt", dal.OpStat{IfMatch: "x"})
	if stub.Calls("stat") != 2 {
		t.Errorf("conditional stat served from cache")
	}

	// errors are not cached
	acc.Stat(ctx, "missing", dal.OpStat{})
	acc.Stat(ctx, "missing", dal.OpStat{})
	if stub.Calls("stat") != 4 {
		t.Errorf("backend stats = %d, want misses not cached", stub.Calls("stat"))
	}
}

func TestCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		mutate func(acc dal.Accessor)
	}{
		{"write", func(acc dal.Accessor) { acc.Write(ctx, "docs/a.txt", bytes.NewReader(nil), dal.OpWrite{}) }},
		{"delete", func(acc dal.Accessor) { acc.Delete(ctx, "docs/a.txt", dal.OpDelete{}) }},
		{"rename away", func(acc dal.Accessor) { acc.Rename(ctx, "docs/a.txt", "b.txt", dal.OpRename{}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := cachedStub()
			acc := dal.NewCacheLayer(dal.NewMemoryCache(), dal.WithCacheList(true)).Layer(stub)

			acc.Stat(ctx, "docs/a.txt", dal.OpStat{})
			drain(t, acc, "docs/")
			drain(t, acc, "/")
			tt.mutate(acc)
			acc.Stat(ctx, "docs/a.txt", dal.OpStat{})
			drain(t, acc, "docs/")
			drain(t, acc, "/")

			if stub.Calls("stat") != 2 {
				t.Errorf("backend stats = %d, want 2", stub.Calls("stat"))
			}
			if stub.Calls("list") != 4 {
				t.Errorf("backend lists = %d, want parent listings invalidated", stub.Calls("list"))
			}
		})
	}
}

func drain(t *testing.T, acc dal.Accessor, dir string) []dal.Entry {
	t.Helper()
	p, err := acc.List(context.Background(), dir, dal.OpList{})
	if err != nil {
		t.Fatalf("List(%s) error = %v", dir, err)
	}
	entries, err := dal.NewLister(p, dir).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect(%s) error = %v", dir, err)
	}
	return entries
}

func TestCacheList(t *testing.T) {
	ctx := context.Background()
	stub := cachedStub()
	acc := dal.NewCacheLayer(dal.NewMemoryCache(), dal.WithCacheList(true)).Layer(stub)

	first := drain(t, acc, "docs/")
	second := drain(t, acc, "docs/")
	if len(first) != 2 || len(second) != 2 || second[1].Path != "docs/b" {
		t.Errorf("listings = %v and %v", first, second)
	}
	if stub.Calls("list") != 1 {
		t.Errorf("backend lists = %d, want 1", stub.Calls("list"))
	}

	// a partially consumed listing is not stored
	p, _ := acc.List(ctx, "other/", dal.OpList{})
	p.NextPage(ctx)
	drain(t, acc, "other/")
	if stub.Calls("list") != 3 {
		t.Errorf("backend lists = %d, want the partial listing uncached", stub.Calls("list"))
	}

	// recursive and limited listings bypass the cache
	acc.List(ctx, "docs/", dal.OpList{Recursive: true})
	acc.List(ctx, "docs/", dal.OpList{Limit: 1})
	if stub.Calls("list") != 5 {
		t.Errorf("backend lists = %d, want bypass", stub.Calls("list"))
	}
}

func TestCacheListWrappedDone(t *testing.T) {
	stub := &daltest.Stub{
		Capability: dal.Capability{List: true},
		ListFunc: func(ctx context.Context, p string, op dal.OpList) (dal.Pager, error) {
			served := false
			return dal.PagerFunc(func(ctx context.Context) ([]dal.Entry, error) {
				if served {
					return nil, fmt.Errorf("inner layer: %w", dal.Done)
				}
				served = true
				return []dal.Entry{dal.NewEntry("logs/a", nil)}, nil
			}), nil
		},
	}
	acc := dal.NewCacheLayer(dal.NewMemoryCache(), dal.WithCacheList(true)).Layer(stub)

	drain(t, acc, "logs/")
	if got := drain(t, acc, "logs/"); len(got) != 1 || got[0].Path != "logs/a" {
		t.Errorf("cached listing = %v", got)
	}
	if stub.Calls("list") != 1 {
		t.Errorf("backend lists = %d, want a wrapped Done to complete the listing", stub.Calls("list"))
	}
}

func TestCacheTTL(t *testing.T) {
	ctx := context.Background()
	stub := cachedStub()
	acc := dal.NewCacheLayer(dal.NewMemoryCache(), dal.WithCacheTTL(10*time.Millisecond)).Layer(stub)
	acc.Stat(ctx, "a", dal.OpStat{})
	time.Sleep(20 * time.Millisecond)
	acc.Stat(ctx, "a", dal.OpStat{})
	if stub.Calls("stat") != 2 {
		t.Errorf("backend stats = %d, want the entry expired", stub.Calls("stat"))
	}
}

func TestWarmCache(t *testing.T) {
	ctx := context.Background()
	mem := seeded(t, map[string]string{"w/a.txt": "a", "w/b.txt": "b"})
	var misses int
	layer := dal.NewCacheLayer(dal.NewMemoryCache(), dal.WithCacheMissCallback(func(op, p string) { misses++ }))
	op := mem.Layer(layer)

	if err := dal.WarmCache(ctx, op, layer, "w/"); err != nil {
		t.Fatalf("WarmCache() error = %v", err)
	}
	for _, p := range []string{"w/a.txt", "w/b.txt"} {
		if _, err := op.Stat(ctx, p); err != nil {
			t.Fatalf("Stat(%s) error = %v", p, err)
		}
	}
	if misses != 0 {
		t.Errorf("misses = %d after warming", misses)
	}
}
