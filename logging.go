package dal

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// LoggingLayer logs every operation through slog. Successful calls and
// expected misses log at debug level, failures at warn.
type LoggingLayer struct {
	logger *slog.Logger
}

// NewLoggingLayer creates the layer. A nil logger uses slog.Default.
func NewLoggingLayer(logger *slog.Logger) *LoggingLayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingLayer{logger: logger}
}

// Layer implements Layer
func (l *LoggingLayer) Layer(inner Accessor) Accessor {
	info := inner.Info()
	return &loggingAccessor{
		Accessor: inner,
		logger:   l.logger.With("scheme", info.Scheme, "root", info.Root),
	}
}

type loggingAccessor struct {
	Accessor
	logger *slog.Logger
}

func (l *loggingAccessor) log(ctx context.Context, op, path string, start time.Time, err error, attrs ...any) {
	attrs = append(attrs, "op", op, "path", path, "duration", time.Since(start))
	switch {
	case err == nil:
		l.logger.DebugContext(ctx, "dal: operation finished", attrs...)
	case IsNotFound(err) || IsCanceled(err):
		l.logger.DebugContext(ctx, "dal: operation failed", append(attrs, "kind", KindOf(err).String(), "error", err)...)
	default:
		l.logger.WarnContext(ctx, "dal: operation failed", append(attrs, "kind", KindOf(err).String(), "error", err)...)
	}
}

func (l *loggingAccessor) CreateDir(ctx context.Context, path string, op OpCreateDir) error {
	start := time.Now()
	err := l.Accessor.CreateDir(ctx, path, op)
	l.log(ctx, "create_dir", path, start, err)
	return err
}

func (l *loggingAccessor) Stat(ctx context.Context, path string, op OpStat) (*Metadata, error) {
	start := time.Now()
	md, err := l.Accessor.Stat(ctx, path, op)
	l.log(ctx, "stat", path, start, err)
	return md, err
}

func (l *loggingAccessor) Read(ctx context.Context, path string, op OpRead) (io.ReadCloser, *Metadata, error) {
	start := time.Now()
	rc, md, err := l.Accessor.Read(ctx, path, op)
	l.log(ctx, "read", path, start, err, "range", op.Range.Header())
	return rc, md, err
}

func (l *loggingAccessor) Write(ctx context.Context, path string, r io.Reader, op OpWrite) (*Metadata, error) {
	start := time.Now()
	md, err := l.Accessor.Write(ctx, path, r, op)
	var size int64
	if md != nil {
		size = md.Size
	}
	l.log(ctx, "write", path, start, err, "size", size, "append", op.Append)
	return md, err
}

func (l *loggingAccessor) Delete(ctx context.Context, path string, op OpDelete) error {
	start := time.Now()
	err := l.Accessor.Delete(ctx, path, op)
	l.log(ctx, "delete", path, start, err)
	return err
}

func (l *loggingAccessor) List(ctx context.Context, path string, op OpList) (Pager, error) {
	start := time.Now()
	p, err := l.Accessor.List(ctx, path, op)
	l.log(ctx, "list", path, start, err, "recursive", op.Recursive)
	return p, err
}

func (l *loggingAccessor) Copy(ctx context.Context, from, to string, op OpCopy) error {
	start := time.Now()
	err := l.Accessor.Copy(ctx, from, to, op)
	l.log(ctx, "copy", from, start, err, "to", to)
	return err
}

func (l *loggingAccessor) Rename(ctx context.Context, from, to string, op OpRename) error {
	start := time.Now()
	err := l.Accessor.Rename(ctx, from, to, op)
	l.log(ctx, "rename", from, start, err, "to", to)
	return err
}

func (l *loggingAccessor) Presign(ctx context.Context, path string, op OpPresign) (*PresignedRequest, error) {
	start := time.Now()
	req, err := l.Accessor.Presign(ctx, path, op)
	l.log(ctx, "presign", path, start, err, "operation", string(op.Operation))
	return req, err
}

func (l *loggingAccessor) Batch(ctx context.Context, op OpBatch) ([]BatchResult, error) {
	start := time.Now()
	res, err := l.Accessor.Batch(ctx, op)
	l.log(ctx, "batch", "", start, err, "paths", len(op.Paths))
	return res, err
}

func (l *loggingAccessor) CompleteMultipart(ctx context.Context, path, uploadID string, parts []Part) (*Metadata, error) {
	start := time.Now()
	md, err := l.Accessor.CompleteMultipart(ctx, path, uploadID, parts)
	l.log(ctx, "complete_multipart", path, start, err, "upload_id", uploadID, "parts", len(parts))
	return md, err
}
