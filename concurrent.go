package dal

import (
	"context"
	"io"

	"golang.org/x/sync/semaphore"
)

// ============================================================================
// Concurrent Limit Layer
// ============================================================================

// ConcurrentLimitConfig configures the concurrency limit layer.
type ConcurrentLimitConfig struct {
	// MaxInFlight is the number of operations admitted at once.
	MaxInFlight int64
}

// ConcurrentLimitLayer bounds the number of in-flight operations. Callers
// beyond the bound wait for a free slot; nothing is rejected. A slot is held
// while the backend call runs; streams returned by Read are consumed outside
// the gate, so a caller holding an open stream can still write.
type ConcurrentLimitLayer struct {
	sem *semaphore.Weighted
}

// NewConcurrentLimitLayer creates the layer. Every accessor it wraps shares
// the same gate.
func NewConcurrentLimitLayer(cfg ConcurrentLimitConfig) *ConcurrentLimitLayer {
	n := cfg.MaxInFlight
	if n <= 0 {
		n = 1
	}
	return &ConcurrentLimitLayer{sem: semaphore.NewWeighted(n)}
}

// Layer implements Layer
func (l *ConcurrentLimitLayer) Layer(inner Accessor) Accessor {
	return &concurrentAccessor{Accessor: inner, sem: l.sem}
}

type concurrentAccessor struct {
	Accessor
	sem *semaphore.Weighted
}

func (c *concurrentAccessor) acquire(ctx context.Context, op, path string) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return FromContext(op, path, err)
	}
	return nil
}

func (c *concurrentAccessor) CreateDir(ctx context.Context, path string, op OpCreateDir) error {
	if err := c.acquire(ctx, "create_dir", path); err != nil {
		return err
	}
	defer c.sem.Release(1)
	return c.Accessor.CreateDir(ctx, path, op)
}

func (c *concurrentAccessor) Stat(ctx context.Context, path string, op OpStat) (*Metadata, error) {
	if err := c.acquire(ctx, "stat", path); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	return c.Accessor.Stat(ctx, path, op)
}

func (c *concurrentAccessor) Read(ctx context.Context, path string, op OpRead) (io.ReadCloser, *Metadata, error) {
	if err := c.acquire(ctx, "read", path); err != nil {
		return nil, nil, err
	}
	defer c.sem.Release(1)
	return c.Accessor.Read(ctx, path, op)
}

func (c *concurrentAccessor) Write(ctx context.Context, path string, r io.Reader, op OpWrite) (*Metadata, error) {
	if err := c.acquire(ctx, "write", path); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	return c.Accessor.Write(ctx, path, r, op)
}

func (c *concurrentAccessor) Delete(ctx context.Context, path string, op OpDelete) error {
	if err := c.acquire(ctx, "delete", path); err != nil {
		return err
	}
	defer c.sem.Release(1)
	return c.Accessor.Delete(ctx, path, op)
}

func (c *concurrentAccessor) List(ctx context.Context, path string, op OpList) (Pager, error) {
	if err := c.acquire(ctx, "list", path); err != nil {
		return nil, err
	}
	p, err := c.Accessor.List(ctx, path, op)
	c.sem.Release(1)
	if err != nil {
		return nil, err
	}
	return &concurrentPager{inner: p, c: c, path: path}, nil
}

func (c *concurrentAccessor) Copy(ctx context.Context, from, to string, op OpCopy) error {
	if err := c.acquire(ctx, "copy", from); err != nil {
		return err
	}
	defer c.sem.Release(1)
	return c.Accessor.Copy(ctx, from, to, op)
}

func (c *concurrentAccessor) Rename(ctx context.Context, from, to string, op OpRename) error {
	if err := c.acquire(ctx, "rename", from); err != nil {
		return err
	}
	defer c.sem.Release(1)
	return c.Accessor.Rename(ctx, from, to, op)
}

func (c *concurrentAccessor) Presign(ctx context.Context, path string, op OpPresign) (*PresignedRequest, error) {
	if err := c.acquire(ctx, "presign", path); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	return c.Accessor.Presign(ctx, path, op)
}

func (c *concurrentAccessor) Batch(ctx context.Context, op OpBatch) ([]BatchResult, error) {
	if err := c.acquire(ctx, "batch", ""); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	return c.Accessor.Batch(ctx, op)
}

func (c *concurrentAccessor) InitiateMultipart(ctx context.Context, path string, op OpWrite) (string, error) {
	if err := c.acquire(ctx, "initiate_multipart", path); err != nil {
		return "", err
	}
	defer c.sem.Release(1)
	return c.Accessor.InitiateMultipart(ctx, path, op)
}

func (c *concurrentAccessor) WritePart(ctx context.Context, path, uploadID string, partNumber int, r io.Reader, size int64) (Part, error) {
	if err := c.acquire(ctx, "write_part", path); err != nil {
		return Part{}, err
	}
	defer c.sem.Release(1)
	return c.Accessor.WritePart(ctx, path, uploadID, partNumber, r, size)
}

func (c *concurrentAccessor) CompleteMultipart(ctx context.Context, path, uploadID string, parts []Part) (*Metadata, error) {
	if err := c.acquire(ctx, "complete_multipart", path); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	return c.Accessor.CompleteMultipart(ctx, path, uploadID, parts)
}

func (c *concurrentAccessor) AbortMultipart(ctx context.Context, path, uploadID string) error {
	if err := c.acquire(ctx, "abort_multipart", path); err != nil {
		return err
	}
	defer c.sem.Release(1)
	return c.Accessor.AbortMultipart(ctx, path, uploadID)
}

// concurrentPager holds a slot for the duration of each page fetch.
type concurrentPager struct {
	inner Pager
	c     *concurrentAccessor
	path  string
}

func (p *concurrentPager) NextPage(ctx context.Context) ([]Entry, error) {
	if err := p.c.acquire(ctx, "list", p.path); err != nil {
		return nil, err
	}
	defer p.c.sem.Release(1)
	return p.inner.NextPage(ctx)
}
