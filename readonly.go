package dal

import (
	"context"
	"errors"
	"io"
)

// ErrReadOnly is wrapped by every error the read-only layer returns.
var ErrReadOnly = errors.New("accessor is read-only")

// ============================================================================
// ReadOnlyLayer
// ============================================================================

// ReadOnlyLayer rejects every mutating operation and narrows the reported
// capability accordingly, so the Operator never tries a write fallback.
//
// Example:
//
//	op := dal.NewOperator(acc).Layer(dal.NewReadOnlyLayer())
//
//	// Reads work normally
//	data, _ := op.Read(ctx, "file.txt")
//
//	// Writes fail with KindPermissionDenied wrapping ErrReadOnly
//	_, err := op.Write(ctx, "file.txt", data)
type ReadOnlyLayer struct {
	opts ReadOnlyOptions
}

// ReadOnlyOptions configures the ReadOnlyLayer behavior.
type ReadOnlyOptions struct {
	// AllowCreateDir permits directory creation even in read-only mode.
	// Default: false
	AllowCreateDir bool

	// AllowDelete permits deletion in read-only mode.
	// Default: false
	AllowDelete bool

	// OnWriteAttempt is called when a mutating operation is attempted.
	// If it returns nil the operation is allowed.
	OnWriteAttempt func(op, path string) error
}

// ReadOnlyOption is a functional option for configuring ReadOnlyLayer.
type ReadOnlyOption func(*ReadOnlyOptions)

// WithAllowCreateDir allows directory creation in read-only mode.
func WithAllowCreateDir(allow bool) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.AllowCreateDir = allow
	}
}

// WithAllowDelete allows deletion in read-only mode.
func WithAllowDelete(allow bool) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.AllowDelete = allow
	}
}

// WithWriteAttemptHandler sets a custom handler for write attempts.
func WithWriteAttemptHandler(handler func(op, path string) error) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.OnWriteAttempt = handler
	}
}

// NewReadOnlyLayer creates a read-only layer.
func NewReadOnlyLayer(opts ...ReadOnlyOption) *ReadOnlyLayer {
	options := ReadOnlyOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return &ReadOnlyLayer{opts: options}
}

// Layer implements Layer
func (l *ReadOnlyLayer) Layer(inner Accessor) Accessor {
	return &readOnlyAccessor{Accessor: inner, opts: l.opts}
}

type readOnlyAccessor struct {
	Accessor
	opts ReadOnlyOptions
}

func (r *readOnlyAccessor) Info() AccessorInfo {
	info := r.Accessor.Info()
	c := info.Capability
	c.Write = false
	c.WriteCanEmpty = false
	c.WriteCanAppend = false
	c.WriteCanMulti = false
	c.Multipart = false
	c.Copy = false
	c.Rename = false
	c.PresignWrite = false
	if !r.opts.AllowCreateDir {
		c.CreateDir = false
	}
	if !r.opts.AllowDelete {
		c.Delete = false
		c.Batch = false
	}
	info.Capability = c
	return info
}

// deny returns nil when the handler lets the operation through.
func (r *readOnlyAccessor) deny(op, path string) error {
	if r.opts.OnWriteAttempt != nil {
		if err := r.opts.OnWriteAttempt(op, path); err == nil {
			return nil
		}
	}
	return NewError(KindPermissionDenied, op, path, ErrReadOnly)
}

func (r *readOnlyAccessor) Write(ctx context.Context, path string, rd io.Reader, op OpWrite) (*Metadata, error) {
	if err := r.deny("write", path); err != nil {
		return nil, err
	}
	return r.Accessor.Write(ctx, path, rd, op)
}

func (r *readOnlyAccessor) Delete(ctx context.Context, path string, op OpDelete) error {
	if !r.opts.AllowDelete {
		if err := r.deny("delete", path); err != nil {
			return err
		}
	}
	return r.Accessor.Delete(ctx, path, op)
}

func (r *readOnlyAccessor) Batch(ctx context.Context, op OpBatch) ([]BatchResult, error) {
	if !r.opts.AllowDelete {
		if err := r.deny("batch", ""); err != nil {
			return nil, err
		}
	}
	return r.Accessor.Batch(ctx, op)
}

func (r *readOnlyAccessor) CreateDir(ctx context.Context, path string, op OpCreateDir) error {
	if !r.opts.AllowCreateDir {
		if err := r.deny("create_dir", path); err != nil {
			return err
		}
	}
	return r.Accessor.CreateDir(ctx, path, op)
}

func (r *readOnlyAccessor) Copy(ctx context.Context, from, to string, op OpCopy) error {
	if err := r.deny("copy", to); err != nil {
		return err
	}
	return r.Accessor.Copy(ctx, from, to, op)
}

func (r *readOnlyAccessor) Rename(ctx context.Context, from, to string, op OpRename) error {
	if err := r.deny("rename", from); err != nil {
		return err
	}
	return r.Accessor.Rename(ctx, from, to, op)
}

func (r *readOnlyAccessor) Presign(ctx context.Context, path string, op OpPresign) (*PresignedRequest, error) {
	if op.Operation == PresignWrite {
		if err := r.deny("presign", path); err != nil {
			return nil, err
		}
	}
	return r.Accessor.Presign(ctx, path, op)
}

func (r *readOnlyAccessor) InitiateMultipart(ctx context.Context, path string, op OpWrite) (string, error) {
	if err := r.deny("initiate_multipart", path); err != nil {
		return "", err
	}
	return r.Accessor.InitiateMultipart(ctx, path, op)
}

// IsReadOnlyError reports whether err came from the read-only layer.
func IsReadOnlyError(err error) bool {
	return errors.Is(err, ErrReadOnly)
}
