package dal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// DefaultMaxFallbackReadSize bounds how much a range read fallback may load
// into memory.
const DefaultMaxFallbackReadSize int64 = 64 << 20

// Operator is the caller facing handle over a fully layered Accessor.
//
// It normalises paths, negotiates capabilities and synthesises operations
// the backend lacks from the primitives it has. An Operator is safe for
// concurrent use.
type Operator struct {
	base   Accessor
	acc    Accessor
	logger *slog.Logger

	maxFallbackRead int64
	watchInterval   time.Duration
}

// OperatorOption configures an Operator
type OperatorOption func(*Operator)

// WithLogger sets the logger used for fallback diagnostics
func WithLogger(logger *slog.Logger) OperatorOption {
	return func(o *Operator) {
		o.logger = logger
	}
}

// WithMaxFallbackReadSize bounds the object size a range read fallback
// loads into memory
func WithMaxFallbackReadSize(n int64) OperatorOption {
	return func(o *Operator) {
		o.maxFallbackRead = n
	}
}

// WithWatchInterval sets the polling period of Watch on backends without
// native notifications
func WithWatchInterval(d time.Duration) OperatorOption {
	return func(o *Operator) {
		if d > 0 {
			o.watchInterval = d
		}
	}
}

// NewOperator creates an Operator over acc.
func NewOperator(acc Accessor, opts ...OperatorOption) *Operator {
	o := &Operator{
		base:            acc,
		acc:             acc,
		logger:          slog.Default(),
		maxFallbackRead: DefaultMaxFallbackReadSize,
		watchInterval:   DefaultWatchInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// With returns a copy of the Operator with opts applied.
func (o *Operator) With(opts ...OperatorOption) *Operator {
	cp := *o
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

// Layer returns a new Operator with l wrapped around the current chain.
// op.Layer(l1).Layer(l2) dispatches calls through l2, then l1.
func (o *Operator) Layer(l Layer) *Operator {
	cp := *o
	cp.acc = l.Layer(o.acc)
	return &cp
}

// Accessor returns the outermost accessor of the chain
func (o *Operator) Accessor() Accessor {
	return o.acc
}

// Info returns the outermost accessor's info
func (o *Operator) Info() AccessorInfo {
	return o.acc.Info()
}

func (o *Operator) capability() Capability {
	return o.acc.Info().Capability
}

// Close releases the backend if it holds resources.
func (o *Operator) Close() error {
	if c, ok := o.base.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ============================================================================
// Stat
// ============================================================================

// Stat returns metadata for path.
func (o *Operator) Stat(ctx context.Context, path string, opts ...StatOption) (*Metadata, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	op := buildStat(opts)
	if err := ValidateStat(o.capability(), op); err != nil {
		return nil, pathed(err, p)
	}
	if p == "/" {
		return NewMetadata("/"), nil
	}
	return o.acc.Stat(ctx, p, op)
}

// IsExist reports whether path exists.
func (o *Operator) IsExist(ctx context.Context, path string) (bool, error) {
	_, err := o.Stat(ctx, path)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ============================================================================
// Read
// ============================================================================

// Read returns the whole content of path, or the selected range.
func (o *Operator) Read(ctx context.Context, path string, opts ...ReadOption) ([]byte, error) {
	rc, md, err := o.Reader(ctx, path, opts...)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if md != nil && md.Size > 0 {
		buf.Grow(int(md.Size))
	}
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, WrapError("read", path, err)
	}
	return buf.Bytes(), nil
}

// ReadRange reads size bytes starting at offset. A size of zero or less
// reads to the end.
func (o *Operator) ReadRange(ctx context.Context, path string, offset, size int64) ([]byte, error) {
	return o.Read(ctx, path, WithRange(offset, size))
}

// Reader opens a stream on path. The caller must close it.
func (o *Operator) Reader(ctx context.Context, path string, opts ...ReadOption) (io.ReadCloser, *Metadata, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return nil, nil, err
	}
	if IsDirPath(p) {
		return nil, nil, Errorf(KindInvalidInput, "read", p, "cannot read a directory")
	}
	return o.read(ctx, p, buildRead(opts))
}

// ============================================================================
// Write
// ============================================================================

// Write stores data at path, replacing any existing object.
func (o *Operator) Write(ctx context.Context, path string, data []byte, opts ...WriteOption) (*Metadata, error) {
	opts = append(opts, WithSize(int64(len(data))))
	return o.WriteFrom(ctx, path, bytes.NewReader(data), opts...)
}

// WriteFrom stores the content of r at path.
func (o *Operator) WriteFrom(ctx context.Context, path string, r io.Reader, opts ...WriteOption) (*Metadata, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	return o.write(ctx, p, r, buildWrite(opts))
}

// Append adds data to the end of path, creating it when missing.
func (o *Operator) Append(ctx context.Context, path string, data []byte, opts ...WriteOption) (*Metadata, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	op := buildWrite(opts)
	op.Append = true
	op.Size = int64(len(data))
	return o.write(ctx, p, bytes.NewReader(data), op)
}

func (o *Operator) write(ctx context.Context, p string, r io.Reader, op OpWrite) (*Metadata, error) {
	if IsDirPath(p) {
		return nil, Errorf(KindInvalidInput, "write", p, "cannot write to a directory path")
	}
	if err := ValidateWrite(o.capability(), op); err != nil {
		return nil, pathed(err, p)
	}
	if op.Size == 0 && !o.capability().WriteCanEmpty {
		return nil, pathed(Unsupported("write", "WriteCanEmpty"), p)
	}
	return o.acc.Write(ctx, p, r, op)
}

// ============================================================================
// Delete
// ============================================================================

// Delete removes path. Missing paths are not an error.
func (o *Operator) Delete(ctx context.Context, path string) error {
	p, err := NormalizePath(path)
	if err != nil {
		return err
	}
	if !o.capability().Delete {
		return pathed(Unsupported("delete", "Delete"), p)
	}
	return o.acc.Delete(ctx, p, OpDelete{})
}

// RemoveAll deletes path and, for a directory, everything below it.
// Files are removed before the directories that contain them.
func (o *Operator) RemoveAll(ctx context.Context, path string) error {
	p, err := NormalizePath(path)
	if err != nil {
		return err
	}
	if !IsDirPath(p) {
		md, err := o.Stat(ctx, p)
		switch {
		case err == nil && !md.IsDir():
			return o.Delete(ctx, p)
		case err != nil && !IsNotFound(err):
			return err
		}
		// not a file; it may still be a directory
		p += "/"
	}

	entries, err := o.ListAll(ctx, p, WithRecursive(true))
	if err != nil && !IsNotFound(err) {
		return err
	}
	var files, dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Path)
		} else {
			files = append(files, e.Path)
		}
	}
	// deepest directories first
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], "/") > strings.Count(dirs[j], "/")
	})
	if p != "/" {
		dirs = append(dirs, p)
	}

	for _, group := range [][]string{files, dirs} {
		if len(group) == 0 {
			continue
		}
		results, err := o.batch(ctx, group)
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.Err != nil && !IsNotFound(r.Err) {
				return r.Err
			}
		}
	}
	return nil
}

// Batch deletes every path. The returned slice has one result per path in
// input order.
func (o *Operator) Batch(ctx context.Context, paths []string) ([]BatchResult, error) {
	normalized := make([]string, 0, len(paths))
	for _, p := range paths {
		np, err := NormalizePath(p)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, np)
	}
	return o.batch(ctx, normalized)
}

// ============================================================================
// List
// ============================================================================

// List returns a lazy listing of the directory at path. A missing trailing
// "/" is added.
func (o *Operator) List(ctx context.Context, path string, opts ...ListOption) (*Lister, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if !IsDirPath(p) {
		p += "/"
	}
	return o.list(ctx, p, buildList(opts))
}

// ListAll drains a listing into a slice.
func (o *Operator) ListAll(ctx context.Context, path string, opts ...ListOption) ([]Entry, error) {
	l, err := o.List(ctx, path, opts...)
	if err != nil {
		return nil, err
	}
	return l.Collect(ctx)
}

// ============================================================================
// Directories, copy and rename
// ============================================================================

// CreateDir creates the directory at path. A missing trailing "/" is added.
func (o *Operator) CreateDir(ctx context.Context, path string) error {
	p, err := NormalizePath(path)
	if err != nil {
		return err
	}
	if !IsDirPath(p) {
		p += "/"
	}
	if p == "/" {
		return nil
	}
	return o.createDir(ctx, p)
}

// Copy copies the file at from to to.
func (o *Operator) Copy(ctx context.Context, from, to string) error {
	f, t, err := normalizePair("copy", from, to)
	if err != nil {
		return err
	}
	return o.copy(ctx, f, t)
}

// Rename moves the file at from to to.
func (o *Operator) Rename(ctx context.Context, from, to string) error {
	f, t, err := normalizePair("rename", from, to)
	if err != nil {
		return err
	}
	return o.rename(ctx, f, t)
}

func normalizePair(op, from, to string) (string, string, error) {
	f, err := NormalizePath(from)
	if err != nil {
		return "", "", err
	}
	t, err := NormalizePath(to)
	if err != nil {
		return "", "", err
	}
	if IsDirPath(f) || IsDirPath(t) {
		return "", "", Errorf(KindInvalidInput, op, f, "source and target must be files")
	}
	if f == t {
		return "", "", Errorf(KindInvalidInput, op, f, "source and target are the same")
	}
	return f, t, nil
}

// ============================================================================
// Presign
// ============================================================================

// PresignStat returns a signed request for the metadata of path.
func (o *Operator) PresignStat(ctx context.Context, path string, expire time.Duration) (*PresignedRequest, error) {
	return o.presign(ctx, path, OpPresign{Operation: PresignStat, Expire: expire})
}

// PresignRead returns a signed download request for path.
func (o *Operator) PresignRead(ctx context.Context, path string, expire time.Duration) (*PresignedRequest, error) {
	return o.presign(ctx, path, OpPresign{Operation: PresignRead, Expire: expire})
}

// PresignWrite returns a signed upload request for path.
func (o *Operator) PresignWrite(ctx context.Context, path string, expire time.Duration, opts ...WriteOption) (*PresignedRequest, error) {
	return o.presign(ctx, path, OpPresign{Operation: PresignWrite, Expire: expire, Write: buildWrite(opts)})
}

func (o *Operator) presign(ctx context.Context, path string, op OpPresign) (*PresignedRequest, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	c := o.capability()
	var ok bool
	var name string
	switch op.Operation {
	case PresignStat:
		ok, name = c.PresignStat, "PresignStat"
	case PresignRead:
		ok, name = c.PresignRead, "PresignRead"
	case PresignWrite:
		ok, name = c.PresignWrite, "PresignWrite"
	default:
		return nil, Errorf(KindInvalidInput, "presign", p, "unknown presign operation %q", op.Operation)
	}
	if !c.Presign || !ok {
		return nil, pathed(Unsupported("presign", name), p)
	}
	if op.Expire <= 0 {
		return nil, Errorf(KindInvalidInput, "presign", p, "expire must be positive")
	}
	return o.acc.Presign(ctx, p, op)
}

// pathed fills in the path of a classified error.
func pathed(err error, p string) error {
	var de *Error
	if errors.As(err, &de) && de.Path == "" {
		cp := *de
		cp.Path = p
		return &cp
	}
	return err
}
