package dal

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// ============================================================================
// Accessor contract
// ============================================================================

// Accessor is the contract every storage backend implements once.
//
// Paths passed to an Accessor are already normalised by NormalizePath.
// Implementations must translate every native failure into an *Error and
// return KindUnsupported for operations their Capability does not declare.
// An Accessor is shared by concurrent callers and must be safe for that.
type Accessor interface {
	// Info reports scheme, root, name and native capability.
	Info() AccessorInfo

	// CreateDir creates the directory at path, which ends in "/".
	CreateDir(ctx context.Context, path string, op OpCreateDir) error

	// Stat returns metadata for path. Stat of "/" is always a directory.
	Stat(ctx context.Context, path string, op OpStat) (*Metadata, error)

	// Read opens a stream on path. The returned metadata describes the
	// stream; for ranged reads Size is the length of the range.
	Read(ctx context.Context, path string, op OpRead) (io.ReadCloser, *Metadata, error)

	// Write stores the content of r at path.
	Write(ctx context.Context, path string, r io.Reader, op OpWrite) (*Metadata, error)

	// Delete removes path. Deleting a missing path succeeds.
	Delete(ctx context.Context, path string, op OpDelete) error

	// List returns a pager over the entries under path, which ends in "/".
	List(ctx context.Context, path string, op OpList) (Pager, error)

	Copy(ctx context.Context, from, to string, op OpCopy) error
	Rename(ctx context.Context, from, to string, op OpRename) error

	// Presign returns a request a third party can perform without
	// credentials.
	Presign(ctx context.Context, path string, op OpPresign) (*PresignedRequest, error)

	// Batch deletes many paths in one call. Results are in input order.
	Batch(ctx context.Context, op OpBatch) ([]BatchResult, error)

	Multipart
}

// Multipart is the chunked upload half of the Accessor contract.
type Multipart interface {
	// InitiateMultipart starts an upload to path and returns its ID.
	InitiateMultipart(ctx context.Context, path string, op OpWrite) (string, error)

	// WritePart uploads one part. Part numbers start at 1.
	WritePart(ctx context.Context, path, uploadID string, partNumber int, r io.Reader, size int64) (Part, error)

	// CompleteMultipart assembles parts in order into the final object.
	CompleteMultipart(ctx context.Context, path, uploadID string, parts []Part) (*Metadata, error)

	// AbortMultipart discards an upload and every part written so far.
	AbortMultipart(ctx context.Context, path, uploadID string) error
}

// Part identifies an uploaded multipart part.
type Part struct {
	Number int
	ETag   string
	Size   int64
}

// BatchResult is the outcome for one path of a Batch call.
type BatchResult struct {
	Path string
	Err  error
}

// PresignedRequest is a request signed by the backend.
type PresignedRequest struct {
	Method  string
	URL     string
	Header  http.Header
	Expires time.Time
}

// ============================================================================
// Shared helpers for Accessor implementations
// ============================================================================

// CheckContext returns a Canceled or Timeout error if ctx is done.
func CheckContext(ctx context.Context, op, path string) error {
	select {
	case <-ctx.Done():
		return FromContext(op, path, ctx.Err())
	default:
		return nil
	}
}

// ValidateWrite rejects write options the capability cannot honour.
func ValidateWrite(c Capability, op OpWrite) error {
	switch {
	case !c.Write:
		return Unsupported("write", "Write")
	case op.Append && !c.WriteCanAppend:
		return Unsupported("write", "WriteCanAppend")
	case op.ContentType != "" && !c.WriteWithContentType:
		return Unsupported("write", "WriteWithContentType")
	case op.CacheControl != "" && !c.WriteWithCacheControl:
		return Unsupported("write", "WriteWithCacheControl")
	case op.ContentDisposition != "" && !c.WriteWithContentDisposition:
		return Unsupported("write", "WriteWithContentDisposition")
	}
	return nil
}

// ValidateRead rejects read options the capability cannot honour.
func ValidateRead(c Capability, op OpRead) error {
	switch {
	case !c.Read:
		return Unsupported("read", "Read")
	case !op.Range.IsFull() && !c.ReadWithRange:
		return Unsupported("read", "ReadWithRange")
	case op.IfMatch != "" && !c.ReadWithIfMatch:
		return Unsupported("read", "ReadWithIfMatch")
	case op.IfNoneMatch != "" && !c.ReadWithIfNoneMatch:
		return Unsupported("read", "ReadWithIfNoneMatch")
	}
	return nil
}

// ValidateStat rejects stat options the capability cannot honour.
func ValidateStat(c Capability, op OpStat) error {
	switch {
	case !c.Stat:
		return Unsupported("stat", "Stat")
	case op.IfMatch != "" && !c.StatWithIfMatch:
		return Unsupported("stat", "StatWithIfMatch")
	case op.IfNoneMatch != "" && !c.StatWithIfNoneMatch:
		return Unsupported("stat", "StatWithIfNoneMatch")
	}
	return nil
}

// CheckCondition evaluates If-Match and If-None-Match against etag.
func CheckCondition(op, path, etag, ifMatch, ifNoneMatch string) error {
	if ifMatch != "" && ifMatch != "*" && ifMatch != etag {
		return Errorf(KindConditionNotMatch, op, path, "etag %q does not match %q", etag, ifMatch)
	}
	if ifNoneMatch != "" && (ifNoneMatch == "*" || ifNoneMatch == etag) {
		return Errorf(KindConditionNotMatch, op, path, "etag %q matches %q", etag, ifNoneMatch)
	}
	return nil
}

// RangeReader wraps data sliced by r with a matching metadata copy.
// Unsatisfiable ranges produce an empty body.
func RangeReader(data []byte, r BytesRange, md *Metadata) (io.ReadCloser, *Metadata) {
	body := r.Apply(data)
	out := md.Clone()
	out.Size = int64(len(body))
	return io.NopCloser(bytes.NewReader(body)), out
}
