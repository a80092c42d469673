package dal_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobeaver/dal"
	"github.com/gobeaver/dal/daltest"
)

func TestConcurrentLimit(t *testing.T) {
	var inFlight, peak atomic.Int64
	stub := &daltest.Stub{
		StatFunc: func(ctx context.Context, p string, _ dal.OpStat) (*dal.Metadata, error) {
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return dal.NewMetadata(p), nil
		},
	}
	acc := dal.NewConcurrentLimitLayer(dal.ConcurrentLimitConfig{MaxInFlight: 2}).Layer(stub)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := acc.Stat(context.Background(), "p", dal.OpStat{}); err != nil {
				t.Errorf("Stat() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Errorf("peak in flight = %d, want at most 2", peak.Load())
	}
	if stub.Calls("stat") != 10 {
		t.Errorf("calls = %d, want all 10 admitted eventually", stub.Calls("stat"))
	}
}

func TestConcurrentLimitAdmitsExactly(t *testing.T) {
	const limit = 2
	var inFlight, arrived atomic.Int64
	release := make(chan struct{})
	stub := &daltest.Stub{
		StatFunc: func(ctx context.Context, p string, _ dal.OpStat) (*dal.Metadata, error) {
			inFlight.Add(1)
			arrived.Add(1)
			<-release
			inFlight.Add(-1)
			return dal.NewMetadata(p), nil
		},
	}
	acc := dal.NewConcurrentLimitLayer(dal.ConcurrentLimitConfig{MaxInFlight: limit}).Layer(stub)

	var wg sync.WaitGroup
	for range limit + 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := acc.Stat(context.Background(), "p", dal.OpStat{}); err != nil {
				t.Errorf("Stat() error = %v", err)
			}
		}()
	}
	waitFor(t, "the gate to fill", func() bool { return inFlight.Load() == limit })
	time.Sleep(20 * time.Millisecond)
	if n := arrived.Load(); n != limit {
		t.Fatalf("arrived = %d before any release, want %d", n, limit)
	}

	release <- struct{}{}
	waitFor(t, "the waiter to be admitted", func() bool { return arrived.Load() == limit+1 })
	if n := inFlight.Load(); n != limit {
		t.Errorf("in flight = %d after one release, want %d", n, limit)
	}
	close(release)
	wg.Wait()
}

func TestConcurrentLimitWaitCanceled(t *testing.T) {
	release := make(chan struct{})
	stub := &daltest.Stub{
		StatFunc: func(ctx context.Context, p string, _ dal.OpStat) (*dal.Metadata, error) {
			<-release
			return dal.NewMetadata(p), nil
		},
	}
	acc := dal.NewConcurrentLimitLayer(dal.ConcurrentLimitConfig{MaxInFlight: 1}).Layer(stub)

	done := make(chan struct{})
	go func() {
		acc.Stat(context.Background(), "holder", dal.OpStat{})
		close(done)
	}()
	for stub.Calls("stat") == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := acc.Stat(ctx, "waiter", dal.OpStat{})
	if dal.KindOf(err) != dal.KindTimeout {
		t.Errorf("Stat() error = %v, want Timeout", err)
	}
	close(release)
	<-done
}

func TestConcurrentLimitSharedAcrossAccessors(t *testing.T) {
	layer := dal.NewConcurrentLimitLayer(dal.ConcurrentLimitConfig{MaxInFlight: 1})
	release := make(chan struct{})
	first := &daltest.Stub{StatFunc: func(ctx context.Context, p string, _ dal.OpStat) (*dal.Metadata, error) {
		<-release
		return dal.NewMetadata(p), nil
	}}
	second := &daltest.Stub{StatFunc: func(ctx context.Context, p string, _ dal.OpStat) (*dal.Metadata, error) {
		return dal.NewMetadata(p), nil
	}}
	a, b := layer.Layer(first), layer.Layer(second)

	go a.Stat(context.Background(), "p", dal.OpStat{})
	for first.Calls("stat") == 0 {
		time.Sleep(time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Stat(ctx, "p", dal.OpStat{}); err == nil {
		t.Error("second accessor got a slot while the gate was full")
	}
	close(release)
}

func TestRateLimit(t *testing.T) {
	ctx := context.Background()
	stub := &daltest.Stub{StatFunc: func(ctx context.Context, p string, _ dal.OpStat) (*dal.Metadata, error) {
		return dal.NewMetadata(p), nil
	}}
	layer := dal.NewRateLimitLayer(dal.RateLimitConfig{Burst: 2, RefillRate: 0.001})
	acc := layer.Layer(stub)

	for i := range 2 {
		if _, err := acc.Stat(ctx, "p", dal.OpStat{}); err != nil {
			t.Fatalf("Stat(%d) error = %v", i, err)
		}
	}
	if tokens := layer.Tokens(); tokens >= 1 {
		t.Errorf("Tokens() = %v after draining the burst", tokens)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := acc.Stat(short, "p", dal.OpStat{})
	if dal.KindOf(err) != dal.KindTimeout {
		t.Errorf("Stat() error = %v, want Timeout", err)
	}
	if stub.Calls("stat") != 2 {
		t.Errorf("backend calls = %d, want 2", stub.Calls("stat"))
	}
}

func TestRateLimitCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stub := &daltest.Stub{}
	layer := dal.NewRateLimitLayer(dal.RateLimitConfig{Burst: 5, RefillRate: 0.001})
	acc := layer.Layer(stub)
	if _, err := acc.Stat(ctx, "p", dal.OpStat{}); !dal.IsCanceled(err) {
		t.Errorf("Stat() error = %v, want Canceled", err)
	}
	if stub.Calls("stat") != 0 {
		t.Error("backend reached with a canceled context")
	}
	if tokens := layer.Tokens(); tokens < 4.99 {
		t.Errorf("Tokens() = %v, want the canceled wait to consume nothing", tokens)
	}
}

func TestRateLimitCanceledWhileWaiting(t *testing.T) {
	stub := &daltest.Stub{StatFunc: func(ctx context.Context, p string, _ dal.OpStat) (*dal.Metadata, error) {
		return dal.NewMetadata(p), nil
	}}
	layer := dal.NewRateLimitLayer(dal.RateLimitConfig{Burst: 1, RefillRate: 0.5})
	acc := layer.Layer(stub)
	if _, err := acc.Stat(context.Background(), "p", dal.OpStat{}); err != nil {
		t.Fatalf("Stat() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(20*time.Millisecond, cancel)
	defer timer.Stop()
	before := layer.Tokens()
	start := time.Now()
	_, err := acc.Stat(ctx, "p", dal.OpStat{})
	elapsed := time.Since(start)

	if !dal.IsCanceled(err) {
		t.Errorf("Stat() error = %v, want Canceled", err)
	}
	if elapsed > time.Second {
		t.Errorf("canceled wait returned after %v", elapsed)
	}
	if stub.Calls("stat") != 1 {
		t.Errorf("backend calls = %d, want only the first", stub.Calls("stat"))
	}
	if after := layer.Tokens(); after < before {
		t.Errorf("Tokens() = %v after the canceled wait, was %v", after, before)
	}
}

func fullCapability() dal.Capability {
	return dal.Capability{
		Stat: true, Read: true, Write: true, WriteCanAppend: true, WriteCanMulti: true,
		CreateDir: true, Delete: true, Copy: true, Rename: true, List: true,
		Presign: true, PresignRead: true, PresignWrite: true, Batch: true, Multipart: true,
	}
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	stub := &daltest.Stub{
		Capability: fullCapability(),
		StatFunc: func(ctx context.Context, p string, _ dal.OpStat) (*dal.Metadata, error) {
			return dal.NewMetadata(p), nil
		},
		PresignFunc: func(ctx context.Context, p string, op dal.OpPresign) (*dal.PresignedRequest, error) {
			return &dal.PresignedRequest{Method: "GET", URL: "https://example.com/" + p}, nil
		},
	}
	acc := dal.NewReadOnlyLayer().Layer(stub)

	c := acc.Info().Capability
	if c.Write || c.Delete || c.Copy || c.Rename || c.Multipart || c.PresignWrite || c.Batch || c.CreateDir {
		t.Errorf("Capability = %v, want every mutating bit cleared", c)
	}
	if !c.Read || !c.List || !c.PresignRead {
		t.Errorf("Capability = %v, want read bits kept", c)
	}

	denied := map[string]error{
		"write":     func() error { _, err := acc.Write(ctx, "f", bytes.NewReader(nil), dal.OpWrite{}); return err }(),
		"delete":    acc.Delete(ctx, "f", dal.OpDelete{}),
		"copy":      acc.Copy(ctx, "f", "g", dal.OpCopy{}),
		"rename":    acc.Rename(ctx, "f", "g", dal.OpRename{}),
		"mkdir":     acc.CreateDir(ctx, "d/", dal.OpCreateDir{}),
		"multipart": func() error { _, err := acc.InitiateMultipart(ctx, "f", dal.OpWrite{}); return err }(),
		"presign": func() error {
			_, err := acc.Presign(ctx, "f", dal.OpPresign{Operation: dal.PresignWrite})
			return err
		}(),
		"batch": func() error { _, err := acc.Batch(ctx, dal.OpBatch{Paths: []string{"f"}}); return err }(),
	}
	for name, err := range denied {
		if !dal.IsPermission(err) || !dal.IsReadOnlyError(err) {
			t.Errorf("%s error = %v, want PermissionDenied wrapping ErrReadOnly", name, err)
		}
	}

	if _, err := acc.Stat(ctx, "f", dal.OpStat{}); err != nil {
		t.Errorf("Stat() error = %v", err)
	}
	if _, err := acc.Presign(ctx, "f", dal.OpPresign{Operation: dal.PresignRead}); err != nil {
		t.Errorf("Presign(read) error = %v", err)
	}
	for _, op := range []string{"write", "delete", "copy", "rename", "create_dir", "batch", "initiate_multipart"} {
		if stub.Calls(op) != 0 {
			t.Errorf("backend %s reached through the read-only layer", op)
		}
	}
}

func TestReadOnlyOptions(t *testing.T) {
	ctx := context.Background()
	stub := &daltest.Stub{
		Capability:    fullCapability(),
		DeleteFunc:    func(ctx context.Context, p string) error { return nil },
		CreateDirFunc: func(ctx context.Context, p string) error { return nil },
		WriteFunc: func(ctx context.Context, p string, r io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
			return dal.NewMetadata(p), nil
		},
	}
	allowTmp := func(op, p string) error {
		if op == "write" && p == "tmp/scratch" {
			return nil
		}
		return errors.New("denied")
	}
	acc := dal.NewReadOnlyLayer(dal.WithAllowDelete(true), dal.WithAllowCreateDir(true), dal.WithWriteAttemptHandler(allowTmp)).Layer(stub)

	if err := acc.Delete(ctx, "f", dal.OpDelete{}); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if err := acc.CreateDir(ctx, "d/", dal.OpCreateDir{}); err != nil {
		t.Errorf("CreateDir() error = %v", err)
	}
	if c := acc.Info().Capability; !c.Delete || !c.CreateDir {
		t.Errorf("Capability = %v, want Delete and CreateDir kept", c)
	}
	if _, err := acc.Write(ctx, "tmp/scratch", bytes.NewReader(nil), dal.OpWrite{}); err != nil {
		t.Errorf("Write(allowed) error = %v", err)
	}
	if _, err := acc.Write(ctx, "data/x", bytes.NewReader(nil), dal.OpWrite{}); !dal.IsReadOnlyError(err) {
		t.Errorf("Write(denied) error = %v", err)
	}
}
