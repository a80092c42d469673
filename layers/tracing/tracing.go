// Package tracing provides a dal layer that records an OpenTelemetry span
// for every accessor call.
package tracing

import (
	"context"
	"errors"
	"io"

	"github.com/gobeaver/dal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/gobeaver/dal/layers/tracing"

// Attribute keys set on every span
const (
	SchemeKey    = attribute.Key("dal.scheme")
	PathKey      = attribute.Key("dal.path")
	BytesKey     = attribute.Key("dal.bytes")
	ErrorKindKey = attribute.Key("dal.error_kind")
)

// Option configures the layer
type Option func(*Layer)

// WithTracerProvider uses tp instead of the global provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Layer) {
		l.provider = tp
	}
}

// Layer wraps accessors with tracing
type Layer struct {
	provider trace.TracerProvider
}

// New creates a tracing layer
func New(opts ...Option) *Layer {
	l := &Layer{}
	for _, opt := range opts {
		opt(l)
	}
	if l.provider == nil {
		l.provider = otel.GetTracerProvider()
	}
	return l
}

// Layer implements dal.Layer
func (l *Layer) Layer(inner dal.Accessor) dal.Accessor {
	return &accessor{
		Accessor: inner,
		tracer:   l.provider.Tracer(instrumentationName),
		scheme:   inner.Info().Scheme,
	}
}

type accessor struct {
	dal.Accessor
	tracer trace.Tracer
	scheme string
}

func (a *accessor) start(ctx context.Context, op, path string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, SchemeKey.String(a.scheme), PathKey.String(path))
	return a.tracer.Start(ctx, "dal."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

// end records err on span. Done is not an error.
func end(span trace.Span, err error) {
	if err != nil && !errors.Is(err, dal.Done) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(ErrorKindKey.String(dal.KindOf(err).String()))
	}
	span.End()
}

func (a *accessor) CreateDir(ctx context.Context, path string, op dal.OpCreateDir) error {
	ctx, span := a.start(ctx, "create_dir", path)
	err := a.Accessor.CreateDir(ctx, path, op)
	end(span, err)
	return err
}

func (a *accessor) Stat(ctx context.Context, path string, op dal.OpStat) (*dal.Metadata, error) {
	ctx, span := a.start(ctx, "stat", path)
	md, err := a.Accessor.Stat(ctx, path, op)
	end(span, err)
	return md, err
}

func (a *accessor) Read(ctx context.Context, path string, op dal.OpRead) (io.ReadCloser, *dal.Metadata, error) {
	var attrs []attribute.KeyValue
	if !op.Range.IsFull() {
		attrs = append(attrs, attribute.String("dal.range", op.Range.Header()))
	}
	ctx, span := a.start(ctx, "read", path, attrs...)
	rc, md, err := a.Accessor.Read(ctx, path, op)
	if md != nil {
		span.SetAttributes(BytesKey.Int64(md.Size))
	}
	end(span, err)
	return rc, md, err
}

func (a *accessor) Write(ctx context.Context, path string, r io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
	ctx, span := a.start(ctx, "write", path, attribute.Bool("dal.append", op.Append))
	md, err := a.Accessor.Write(ctx, path, r, op)
	if md != nil {
		span.SetAttributes(BytesKey.Int64(md.Size))
	}
	end(span, err)
	return md, err
}

func (a *accessor) Delete(ctx context.Context, path string, op dal.OpDelete) error {
	ctx, span := a.start(ctx, "delete", path)
	err := a.Accessor.Delete(ctx, path, op)
	end(span, err)
	return err
}

func (a *accessor) List(ctx context.Context, path string, op dal.OpList) (dal.Pager, error) {
	ctx, span := a.start(ctx, "list", path, attribute.Bool("dal.recursive", op.Recursive))
	p, err := a.Accessor.List(ctx, path, op)
	end(span, err)
	if err != nil {
		return nil, err
	}
	return &pager{Pager: p, a: a, path: path}, nil
}

// pager records a span per page fetch
type pager struct {
	dal.Pager
	a    *accessor
	path string
}

func (p *pager) NextPage(ctx context.Context) ([]dal.Entry, error) {
	ctx, span := p.a.start(ctx, "list_page", p.path)
	entries, err := p.Pager.NextPage(ctx)
	span.SetAttributes(attribute.Int("dal.entries", len(entries)))
	end(span, err)
	return entries, err
}

func (a *accessor) Copy(ctx context.Context, from, to string, op dal.OpCopy) error {
	ctx, span := a.start(ctx, "copy", from, attribute.String("dal.to", to))
	err := a.Accessor.Copy(ctx, from, to, op)
	end(span, err)
	return err
}

func (a *accessor) Rename(ctx context.Context, from, to string, op dal.OpRename) error {
	ctx, span := a.start(ctx, "rename", from, attribute.String("dal.to", to))
	err := a.Accessor.Rename(ctx, from, to, op)
	end(span, err)
	return err
}

func (a *accessor) Presign(ctx context.Context, path string, op dal.OpPresign) (*dal.PresignedRequest, error) {
	ctx, span := a.start(ctx, "presign", path, attribute.String("dal.presign", string(op.Operation)))
	req, err := a.Accessor.Presign(ctx, path, op)
	end(span, err)
	return req, err
}

func (a *accessor) Batch(ctx context.Context, op dal.OpBatch) ([]dal.BatchResult, error) {
	ctx, span := a.start(ctx, "batch", "", attribute.Int("dal.paths", len(op.Paths)))
	res, err := a.Accessor.Batch(ctx, op)
	end(span, err)
	return res, err
}

func (a *accessor) InitiateMultipart(ctx context.Context, path string, op dal.OpWrite) (string, error) {
	ctx, span := a.start(ctx, "initiate_multipart", path)
	id, err := a.Accessor.InitiateMultipart(ctx, path, op)
	end(span, err)
	return id, err
}

func (a *accessor) WritePart(ctx context.Context, path, uploadID string, n int, r io.Reader, size int64) (dal.Part, error) {
	ctx, span := a.start(ctx, "write_part", path, attribute.Int("dal.part", n), BytesKey.Int64(size))
	part, err := a.Accessor.WritePart(ctx, path, uploadID, n, r, size)
	end(span, err)
	return part, err
}

func (a *accessor) CompleteMultipart(ctx context.Context, path, uploadID string, parts []dal.Part) (*dal.Metadata, error) {
	ctx, span := a.start(ctx, "complete_multipart", path, attribute.Int("dal.parts", len(parts)))
	md, err := a.Accessor.CompleteMultipart(ctx, path, uploadID, parts)
	if md != nil {
		span.SetAttributes(BytesKey.Int64(md.Size))
	}
	end(span, err)
	return md, err
}

func (a *accessor) AbortMultipart(ctx context.Context, path, uploadID string) error {
	ctx, span := a.start(ctx, "abort_multipart", path)
	err := a.Accessor.AbortMultipart(ctx, path, uploadID)
	end(span, err)
	return err
}
