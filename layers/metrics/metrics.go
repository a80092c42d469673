// Package metrics provides a dal layer exporting Prometheus metrics for
// every accessor call.
package metrics

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gobeaver/dal"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dal"

// Collectors holds the metric vectors shared by every wrapped accessor
type Collectors struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	Bytes      *prometheus.HistogramVec
	Errors     *prometheus.CounterVec
}

func newCollectors() *Collectors {
	return &Collectors{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Accessor operations by outcome.",
		}, []string{"scheme", "operation", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Accessor operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scheme", "operation"}),
		Bytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_bytes",
			Help:      "Bytes moved by read and write operations.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"scheme", "operation"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Failed accessor operations by error kind.",
		}, []string{"scheme", "operation", "kind"}),
	}
}

// register adds c to reg. Collectors registered earlier under the same
// names are reused, so several layers may share one registry.
func (c *Collectors) register(reg prometheus.Registerer) error {
	var are prometheus.AlreadyRegisteredError
	if err := reg.Register(c.Operations); err != nil {
		if !errors.As(err, &are) {
			return err
		}
		c.Operations = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(c.Duration); err != nil {
		if !errors.As(err, &are) {
			return err
		}
		c.Duration = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	if err := reg.Register(c.Bytes); err != nil {
		if !errors.As(err, &are) {
			return err
		}
		c.Bytes = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	if err := reg.Register(c.Errors); err != nil {
		if !errors.As(err, &are) {
			return err
		}
		c.Errors = are.ExistingCollector.(*prometheus.CounterVec)
	}
	return nil
}

// Layer wraps accessors with metrics
type Layer struct {
	collectors *Collectors
}

// New registers the collectors on reg and returns the layer. A nil reg
// uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Layer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := newCollectors()
	if err := c.register(reg); err != nil {
		return nil, dal.NewError(dal.KindInvalidInput, "metrics", "", err)
	}
	return &Layer{collectors: c}, nil
}

// Collectors returns the registered collectors
func (l *Layer) Collectors() *Collectors {
	return l.collectors
}

// Layer implements dal.Layer
func (l *Layer) Layer(inner dal.Accessor) dal.Accessor {
	return &accessor{Accessor: inner, c: l.collectors, scheme: inner.Info().Scheme}
}

type accessor struct {
	dal.Accessor
	c      *Collectors
	scheme string
}

func (a *accessor) observe(op string, start time.Time, err error) {
	a.c.Duration.WithLabelValues(a.scheme, op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, dal.Done) {
		a.c.Operations.WithLabelValues(a.scheme, op, "error").Inc()
		a.c.Errors.WithLabelValues(a.scheme, op, dal.KindOf(err).String()).Inc()
		return
	}
	a.c.Operations.WithLabelValues(a.scheme, op, "ok").Inc()
}

func (a *accessor) bytes(op string, n int64) {
	a.c.Bytes.WithLabelValues(a.scheme, op).Observe(float64(n))
}

func (a *accessor) CreateDir(ctx context.Context, path string, op dal.OpCreateDir) error {
	start := time.Now()
	err := a.Accessor.CreateDir(ctx, path, op)
	a.observe("create_dir", start, err)
	return err
}

func (a *accessor) Stat(ctx context.Context, path string, op dal.OpStat) (*dal.Metadata, error) {
	start := time.Now()
	md, err := a.Accessor.Stat(ctx, path, op)
	a.observe("stat", start, err)
	return md, err
}

// countingReader reports the bytes actually read when closed
type countingReader struct {
	io.ReadCloser
	n    int64
	done func(int64)
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *countingReader) Close() error {
	if r.done != nil {
		r.done(r.n)
		r.done = nil
	}
	return r.ReadCloser.Close()
}

func (a *accessor) Read(ctx context.Context, path string, op dal.OpRead) (io.ReadCloser, *dal.Metadata, error) {
	start := time.Now()
	rc, md, err := a.Accessor.Read(ctx, path, op)
	a.observe("read", start, err)
	if err != nil {
		return nil, md, err
	}
	return &countingReader{ReadCloser: rc, done: func(n int64) { a.bytes("read", n) }}, md, nil
}

func (a *accessor) Write(ctx context.Context, path string, r io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
	start := time.Now()
	md, err := a.Accessor.Write(ctx, path, r, op)
	a.observe("write", start, err)
	if md != nil {
		a.bytes("write", md.Size)
	}
	return md, err
}

func (a *accessor) Delete(ctx context.Context, path string, op dal.OpDelete) error {
	start := time.Now()
	err := a.Accessor.Delete(ctx, path, op)
	a.observe("delete", start, err)
	return err
}

func (a *accessor) List(ctx context.Context, path string, op dal.OpList) (dal.Pager, error) {
	start := time.Now()
	p, err := a.Accessor.List(ctx, path, op)
	a.observe("list", start, err)
	if err != nil {
		return nil, err
	}
	return dal.PagerFunc(func(ctx context.Context) ([]dal.Entry, error) {
		start := time.Now()
		entries, err := p.NextPage(ctx)
		a.observe("list_page", start, err)
		return entries, err
	}), nil
}

func (a *accessor) Copy(ctx context.Context, from, to string, op dal.OpCopy) error {
	start := time.Now()
	err := a.Accessor.Copy(ctx, from, to, op)
	a.observe("copy", start, err)
	return err
}

func (a *accessor) Rename(ctx context.Context, from, to string, op dal.OpRename) error {
	start := time.Now()
	err := a.Accessor.Rename(ctx, from, to, op)
	a.observe("rename", start, err)
	return err
}

func (a *accessor) Presign(ctx context.Context, path string, op dal.OpPresign) (*dal.PresignedRequest, error) {
	start := time.Now()
	req, err := a.Accessor.Presign(ctx, path, op)
	a.observe("presign", start, err)
	return req, err
}

func (a *accessor) Batch(ctx context.Context, op dal.OpBatch) ([]dal.BatchResult, error) {
	start := time.Now()
	res, err := a.Accessor.Batch(ctx, op)
	a.observe("batch", start, err)
	return res, err
}

func (a *accessor) InitiateMultipart(ctx context.Context, path string, op dal.OpWrite) (string, error) {
	start := time.Now()
	id, err := a.Accessor.InitiateMultipart(ctx, path, op)
	a.observe("initiate_multipart", start, err)
	return id, err
}

func (a *accessor) WritePart(ctx context.Context, path, uploadID string, n int, r io.Reader, size int64) (dal.Part, error) {
	start := time.Now()
	part, err := a.Accessor.WritePart(ctx, path, uploadID, n, r, size)
	a.observe("write_part", start, err)
	if err == nil {
		a.bytes("write_part", part.Size)
	}
	return part, err
}

func (a *accessor) CompleteMultipart(ctx context.Context, path, uploadID string, parts []dal.Part) (*dal.Metadata, error) {
	start := time.Now()
	md, err := a.Accessor.CompleteMultipart(ctx, path, uploadID, parts)
	a.observe("complete_multipart", start, err)
	return md, err
}

func (a *accessor) AbortMultipart(ctx context.Context, path, uploadID string) error {
	start := time.Now()
	err := a.Accessor.AbortMultipart(ctx, path, uploadID)
	a.observe("abort_multipart", start, err)
	return err
}
