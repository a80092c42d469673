package dal

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"time"
)

// ============================================================================
// Retry Layer
// ============================================================================

// RetryConfig configures the retry layer.
type RetryConfig struct {
	// MaxTimes is the number of retries after the first attempt.
	MaxTimes int
	// MinDelay is the delay before the first retry.
	MinDelay time.Duration
	// MaxDelay caps a single delay.
	MaxDelay time.Duration
	// Factor multiplies the delay after every retry.
	Factor float64
	// Jitter scales each delay by a random factor in [0.75, 1.25).
	Jitter bool
	// MaxElapsed caps the total time spent on one logical operation.
	// Zero means no cap.
	MaxElapsed time.Duration
	// Notify is called before every retry sleep.
	Notify func(err error, delay time.Duration)
}

// DefaultRetryConfig returns three retries starting at 100ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxTimes: 3,
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 10 * time.Second,
		Factor:   2,
		Jitter:   true,
	}
}

// RetryLayer retries operations that fail with a transient error.
//
// Attempts of one call are strictly sequential. Writes are repeated only
// when the body can be rewound, and appends only when the backend declares
// them retryable.
type RetryLayer struct {
	cfg RetryConfig
}

// NewRetryLayer creates a retry layer. Zero fields take their defaults.
func NewRetryLayer(cfg RetryConfig) *RetryLayer {
	def := DefaultRetryConfig()
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = def.MinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Factor < 1 {
		cfg.Factor = def.Factor
	}
	if cfg.MaxTimes < 0 {
		cfg.MaxTimes = 0
	}
	return &RetryLayer{cfg: cfg}
}

// Layer implements Layer
func (l *RetryLayer) Layer(inner Accessor) Accessor {
	return &retryAccessor{Accessor: inner, cfg: l.cfg}
}

type retryAccessor struct {
	Accessor
	cfg RetryConfig
}

// backoff returns the delay before retry number n (1-based):
// MinDelay * Factor^(n-1), capped at MaxDelay, with optional jitter.
func (r *retryAccessor) backoff(n int) time.Duration {
	d := time.Duration(float64(r.cfg.MinDelay) * math.Pow(r.cfg.Factor, float64(n-1)))
	if d > r.cfg.MaxDelay || d <= 0 {
		d = r.cfg.MaxDelay
	}
	if r.cfg.Jitter {
		d = time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
	}
	return d
}

// do runs fn until it succeeds, fails with a non transient error, or the
// budget is spent.
func (r *retryAccessor) do(ctx context.Context, op, path string, fn func() error) error {
	start := time.Now()
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt > r.cfg.MaxTimes {
			return exhausted(op, path, err, attempt)
		}
		delay := r.backoff(attempt)
		if r.cfg.MaxElapsed > 0 && time.Since(start)+delay > r.cfg.MaxElapsed {
			return exhausted(op, path, err, attempt)
		}
		if r.cfg.Notify != nil {
			r.cfg.Notify(err, delay)
		}
		if err := sleepContext(ctx, delay); err != nil {
			return FromContext(op, path, err)
		}
	}
}

func exhausted(op, path string, err error, attempts int) error {
	var de *Error
	if !errors.As(err, &de) {
		de = NewError(KindUnexpected, op, path, err)
	}
	cp := *de
	cp.RetryExhausted = true
	cp.Attempts = attempts
	return &cp
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// rewinder returns a function resetting r to its current offset, or nil
// when r cannot be rewound.
func rewinder(r io.Reader) func() error {
	s, ok := r.(io.Seeker)
	if !ok {
		return nil
	}
	pos, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil
	}
	return func() error {
		_, err := s.Seek(pos, io.SeekStart)
		return err
	}
}

func (r *retryAccessor) CreateDir(ctx context.Context, path string, op OpCreateDir) error {
	return r.do(ctx, "create_dir", path, func() error {
		return r.Accessor.CreateDir(ctx, path, op)
	})
}

func (r *retryAccessor) Stat(ctx context.Context, path string, op OpStat) (*Metadata, error) {
	var md *Metadata
	err := r.do(ctx, "stat", path, func() error {
		var err error
		md, err = r.Accessor.Stat(ctx, path, op)
		return err
	})
	return md, err
}

func (r *retryAccessor) Read(ctx context.Context, path string, op OpRead) (io.ReadCloser, *Metadata, error) {
	var (
		rc io.ReadCloser
		md *Metadata
	)
	err := r.do(ctx, "read", path, func() error {
		var err error
		rc, md, err = r.Accessor.Read(ctx, path, op)
		return err
	})
	return rc, md, err
}

func (r *retryAccessor) Write(ctx context.Context, path string, body io.Reader, op OpWrite) (*Metadata, error) {
	rewind := rewinder(body)
	if rewind == nil || (op.Append && !r.Info().Capability.AppendRetryable) {
		return r.Accessor.Write(ctx, path, body, op)
	}
	var md *Metadata
	first := true
	err := r.do(ctx, "write", path, func() error {
		if !first {
			if err := rewind(); err != nil {
				return NewError(KindUnexpected, "write", path, err)
			}
		}
		first = false
		var err error
		md, err = r.Accessor.Write(ctx, path, body, op)
		return err
	})
	return md, err
}

func (r *retryAccessor) Delete(ctx context.Context, path string, op OpDelete) error {
	return r.do(ctx, "delete", path, func() error {
		return r.Accessor.Delete(ctx, path, op)
	})
}

func (r *retryAccessor) List(ctx context.Context, path string, op OpList) (Pager, error) {
	var p Pager
	err := r.do(ctx, "list", path, func() error {
		var err error
		p, err = r.Accessor.List(ctx, path, op)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &retryPager{inner: p, r: r, path: path}, nil
}

func (r *retryAccessor) Copy(ctx context.Context, from, to string, op OpCopy) error {
	return r.do(ctx, "copy", from, func() error {
		return r.Accessor.Copy(ctx, from, to, op)
	})
}

func (r *retryAccessor) Rename(ctx context.Context, from, to string, op OpRename) error {
	return r.do(ctx, "rename", from, func() error {
		return r.Accessor.Rename(ctx, from, to, op)
	})
}

func (r *retryAccessor) Presign(ctx context.Context, path string, op OpPresign) (*PresignedRequest, error) {
	var req *PresignedRequest
	err := r.do(ctx, "presign", path, func() error {
		var err error
		req, err = r.Accessor.Presign(ctx, path, op)
		return err
	})
	return req, err
}

// Batch retries the whole call on a transient failure, then retries the
// individual paths that failed transiently.
func (r *retryAccessor) Batch(ctx context.Context, op OpBatch) ([]BatchResult, error) {
	var results []BatchResult
	err := r.do(ctx, "batch", "", func() error {
		var err error
		results, err = r.Accessor.Batch(ctx, op)
		return err
	})
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= r.cfg.MaxTimes; attempt++ {
		var again []string
		var slots []int
		for i, res := range results {
			if res.Err != nil && IsRetryable(res.Err) {
				again = append(again, res.Path)
				slots = append(slots, i)
			}
		}
		if len(again) == 0 {
			break
		}
		if err := sleepContext(ctx, r.backoff(attempt)); err != nil {
			return results, FromContext("batch", "", err)
		}
		retried, err := r.Accessor.Batch(ctx, OpBatch{Paths: again})
		if err != nil {
			return results, WrapError("batch", "", err)
		}
		for i, res := range retried {
			if i < len(slots) {
				results[slots[i]] = res
			}
		}
	}
	return results, nil
}

func (r *retryAccessor) InitiateMultipart(ctx context.Context, path string, op OpWrite) (string, error) {
	var id string
	err := r.do(ctx, "initiate_multipart", path, func() error {
		var err error
		id, err = r.Accessor.InitiateMultipart(ctx, path, op)
		return err
	})
	return id, err
}

func (r *retryAccessor) WritePart(ctx context.Context, path, uploadID string, partNumber int, body io.Reader, size int64) (Part, error) {
	rewind := rewinder(body)
	if rewind == nil {
		return r.Accessor.WritePart(ctx, path, uploadID, partNumber, body, size)
	}
	var part Part
	first := true
	err := r.do(ctx, "write_part", path, func() error {
		if !first {
			if err := rewind(); err != nil {
				return NewError(KindUnexpected, "write_part", path, err)
			}
		}
		first = false
		var err error
		part, err = r.Accessor.WritePart(ctx, path, uploadID, partNumber, body, size)
		return err
	})
	return part, err
}

func (r *retryAccessor) CompleteMultipart(ctx context.Context, path, uploadID string, parts []Part) (*Metadata, error) {
	var md *Metadata
	err := r.do(ctx, "complete_multipart", path, func() error {
		var err error
		md, err = r.Accessor.CompleteMultipart(ctx, path, uploadID, parts)
		return err
	})
	return md, err
}

func (r *retryAccessor) AbortMultipart(ctx context.Context, path, uploadID string) error {
	return r.do(ctx, "abort_multipart", path, func() error {
		return r.Accessor.AbortMultipart(ctx, path, uploadID)
	})
}

// retryPager retries page fetches. Pagers only advance on success, so a
// failed page is fetched again with the same continuation state.
type retryPager struct {
	inner Pager
	r     *retryAccessor
	path  string
}

func (p *retryPager) NextPage(ctx context.Context) ([]Entry, error) {
	var page []Entry
	err := p.r.do(ctx, "list", p.path, func() error {
		var err error
		page, err = p.inner.NextPage(ctx)
		return err
	})
	return page, err
}
