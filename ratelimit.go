package dal

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// ============================================================================
// Rate Limit Layer
// ============================================================================

// RateLimitConfig configures the token bucket.
type RateLimitConfig struct {
	// Burst is the bucket capacity.
	Burst int
	// RefillRate is the number of tokens added per second.
	RefillRate float64
}

// RateLimitLayer makes every operation take one token from a shared bucket.
// An operation waits until a token is available or its context is done. A
// canceled wait returns its reservation, so it consumes nothing.
type RateLimitLayer struct {
	limiter *rate.Limiter
}

// NewRateLimitLayer creates the layer with a full bucket.
func NewRateLimitLayer(cfg RateLimitConfig) *RateLimitLayer {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(cfg.RefillRate)
	if cfg.RefillRate <= 0 {
		limit = rate.Inf
	}
	return &RateLimitLayer{limiter: rate.NewLimiter(limit, burst)}
}

// Tokens reports the tokens currently in the bucket.
func (l *RateLimitLayer) Tokens() float64 {
	return l.limiter.Tokens()
}

// Layer implements Layer
func (l *RateLimitLayer) Layer(inner Accessor) Accessor {
	return &rateLimitAccessor{Accessor: inner, limiter: l.limiter}
}

type rateLimitAccessor struct {
	Accessor
	limiter *rate.Limiter
}

func (r *rateLimitAccessor) wait(ctx context.Context, op, path string) error {
	if err := CheckContext(ctx, op, path); err != nil {
		return err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		if ce := FromContext(op, path, ctx.Err()); ce != nil {
			return ce
		}
		// would exceed the context deadline
		return NewError(KindTimeout, op, path, err)
	}
	return nil
}

func (r *rateLimitAccessor) CreateDir(ctx context.Context, path string, op OpCreateDir) error {
	if err := r.wait(ctx, "create_dir", path); err != nil {
		return err
	}
	return r.Accessor.CreateDir(ctx, path, op)
}

func (r *rateLimitAccessor) Stat(ctx context.Context, path string, op OpStat) (*Metadata, error) {
	if err := r.wait(ctx, "stat", path); err != nil {
		return nil, err
	}
	return r.Accessor.Stat(ctx, path, op)
}

func (r *rateLimitAccessor) Read(ctx context.Context, path string, op OpRead) (io.ReadCloser, *Metadata, error) {
	if err := r.wait(ctx, "read", path); err != nil {
		return nil, nil, err
	}
	return r.Accessor.Read(ctx, path, op)
}

func (r *rateLimitAccessor) Write(ctx context.Context, path string, body io.Reader, op OpWrite) (*Metadata, error) {
	if err := r.wait(ctx, "write", path); err != nil {
		return nil, err
	}
	return r.Accessor.Write(ctx, path, body, op)
}

func (r *rateLimitAccessor) Delete(ctx context.Context, path string, op OpDelete) error {
	if err := r.wait(ctx, "delete", path); err != nil {
		return err
	}
	return r.Accessor.Delete(ctx, path, op)
}

func (r *rateLimitAccessor) List(ctx context.Context, path string, op OpList) (Pager, error) {
	if err := r.wait(ctx, "list", path); err != nil {
		return nil, err
	}
	p, err := r.Accessor.List(ctx, path, op)
	if err != nil {
		return nil, err
	}
	return PagerFunc(func(ctx context.Context) ([]Entry, error) {
		if err := r.wait(ctx, "list", path); err != nil {
			return nil, err
		}
		return p.NextPage(ctx)
	}), nil
}

func (r *rateLimitAccessor) Copy(ctx context.Context, from, to string, op OpCopy) error {
	if err := r.wait(ctx, "copy", from); err != nil {
		return err
	}
	return r.Accessor.Copy(ctx, from, to, op)
}

func (r *rateLimitAccessor) Rename(ctx context.Context, from, to string, op OpRename) error {
	if err := r.wait(ctx, "rename", from); err != nil {
		return err
	}
	return r.Accessor.Rename(ctx, from, to, op)
}

func (r *rateLimitAccessor) Presign(ctx context.Context, path string, op OpPresign) (*PresignedRequest, error) {
	if err := r.wait(ctx, "presign", path); err != nil {
		return nil, err
	}
	return r.Accessor.Presign(ctx, path, op)
}

func (r *rateLimitAccessor) Batch(ctx context.Context, op OpBatch) ([]BatchResult, error) {
	if err := r.wait(ctx, "batch", ""); err != nil {
		return nil, err
	}
	return r.Accessor.Batch(ctx, op)
}

func (r *rateLimitAccessor) InitiateMultipart(ctx context.Context, path string, op OpWrite) (string, error) {
	if err := r.wait(ctx, "initiate_multipart", path); err != nil {
		return "", err
	}
	return r.Accessor.InitiateMultipart(ctx, path, op)
}

func (r *rateLimitAccessor) WritePart(ctx context.Context, path, uploadID string, partNumber int, body io.Reader, size int64) (Part, error) {
	if err := r.wait(ctx, "write_part", path); err != nil {
		return Part{}, err
	}
	return r.Accessor.WritePart(ctx, path, uploadID, partNumber, body, size)
}

func (r *rateLimitAccessor) CompleteMultipart(ctx context.Context, path, uploadID string, parts []Part) (*Metadata, error) {
	if err := r.wait(ctx, "complete_multipart", path); err != nil {
		return nil, err
	}
	return r.Accessor.CompleteMultipart(ctx, path, uploadID, parts)
}

func (r *rateLimitAccessor) AbortMultipart(ctx context.Context, path, uploadID string) error {
	if err := r.wait(ctx, "abort_multipart", path); err != nil {
		return err
	}
	return r.Accessor.AbortMultipart(ctx, path, uploadID)
}
