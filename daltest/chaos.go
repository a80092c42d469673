package daltest

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/gobeaver/dal"
)

// ChaosConfig configures fault injection.
type ChaosConfig struct {
	// ErrorRatio is the probability in [0, 1] that a call fails.
	ErrorRatio float64
	// Latency is added before every call.
	Latency time.Duration
	// Seed makes the failure sequence reproducible.
	Seed int64
}

// Chaos is a layer that fails a share of calls with a temporary
// KindUnavailable error. It is meant to test retry behaviour and is not for
// production use.
type Chaos struct {
	cfg ChaosConfig

	mu       sync.Mutex
	rnd      *rand.Rand
	injected int
}

// NewChaos creates the layer
func NewChaos(cfg ChaosConfig) *Chaos {
	return &Chaos{cfg: cfg, rnd: rand.New(rand.NewSource(cfg.Seed))} //nolint:gosec
}

// Injected returns how many failures have been injected so far
func (c *Chaos) Injected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.injected
}

// Layer implements dal.Layer
func (c *Chaos) Layer(inner dal.Accessor) dal.Accessor {
	return &chaosAccessor{Accessor: inner, chaos: c}
}

func (c *Chaos) fault(ctx context.Context, op, path string) error {
	if c.cfg.Latency > 0 {
		t := time.NewTimer(c.cfg.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return dal.FromContext(op, path, ctx.Err())
		case <-t.C:
		}
	}
	c.mu.Lock()
	fail := c.rnd.Float64() < c.cfg.ErrorRatio
	if fail {
		c.injected++
	}
	c.mu.Unlock()
	if !fail {
		return nil
	}
	return &dal.Error{
		Kind:      dal.KindUnavailable,
		Op:        op,
		Path:      path,
		Message:   "chaos: injected failure",
		Temporary: true,
	}
}

type chaosAccessor struct {
	dal.Accessor
	chaos *Chaos
}

func (a *chaosAccessor) Stat(ctx context.Context, path string, op dal.OpStat) (*dal.Metadata, error) {
	if err := a.chaos.fault(ctx, "stat", path); err != nil {
		return nil, err
	}
	return a.Accessor.Stat(ctx, path, op)
}

func (a *chaosAccessor) Read(ctx context.Context, path string, op dal.OpRead) (io.ReadCloser, *dal.Metadata, error) {
	if err := a.chaos.fault(ctx, "read", path); err != nil {
		return nil, nil, err
	}
	return a.Accessor.Read(ctx, path, op)
}

func (a *chaosAccessor) Write(ctx context.Context, path string, r io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
	if err := a.chaos.fault(ctx, "write", path); err != nil {
		return nil, err
	}
	return a.Accessor.Write(ctx, path, r, op)
}

func (a *chaosAccessor) Delete(ctx context.Context, path string, op dal.OpDelete) error {
	if err := a.chaos.fault(ctx, "delete", path); err != nil {
		return err
	}
	return a.Accessor.Delete(ctx, path, op)
}

func (a *chaosAccessor) CreateDir(ctx context.Context, path string, op dal.OpCreateDir) error {
	if err := a.chaos.fault(ctx, "create_dir", path); err != nil {
		return err
	}
	return a.Accessor.CreateDir(ctx, path, op)
}

func (a *chaosAccessor) List(ctx context.Context, path string, op dal.OpList) (dal.Pager, error) {
	if err := a.chaos.fault(ctx, "list", path); err != nil {
		return nil, err
	}
	pager, err := a.Accessor.List(ctx, path, op)
	if err != nil {
		return nil, err
	}
	return dal.PagerFunc(func(ctx context.Context) ([]dal.Entry, error) {
		if err := a.chaos.fault(ctx, "list", path); err != nil {
			return nil, err
		}
		return pager.NextPage(ctx)
	}), nil
}

func (a *chaosAccessor) Copy(ctx context.Context, from, to string, op dal.OpCopy) error {
	if err := a.chaos.fault(ctx, "copy", from); err != nil {
		return err
	}
	return a.Accessor.Copy(ctx, from, to, op)
}

func (a *chaosAccessor) Rename(ctx context.Context, from, to string, op dal.OpRename) error {
	if err := a.chaos.fault(ctx, "rename", from); err != nil {
		return err
	}
	return a.Accessor.Rename(ctx, from, to, op)
}

func (a *chaosAccessor) Batch(ctx context.Context, op dal.OpBatch) ([]dal.BatchResult, error) {
	if err := a.chaos.fault(ctx, "batch", ""); err != nil {
		return nil, err
	}
	return a.Accessor.Batch(ctx, op)
}
