package dal

import (
	"fmt"
	"time"
)

// ============================================================================
// Byte ranges
// ============================================================================

// BytesRange selects part of an object. A Size of zero or less reads to the
// end, so the zero value is the full object.
type BytesRange struct {
	Offset int64
	Size   int64
}

// FullRange selects the whole object.
var FullRange = BytesRange{Offset: 0, Size: -1}

// NewBytesRange returns a range of size bytes starting at offset.
func NewBytesRange(offset, size int64) BytesRange {
	return BytesRange{Offset: offset, Size: size}
}

// IsFull reports whether r covers the whole object.
func (r BytesRange) IsFull() bool {
	return r.Offset == 0 && r.Size <= 0
}

// Header renders r as an HTTP Range header value.
func (r BytesRange) Header() string {
	if r.Size <= 0 {
		return fmt.Sprintf("bytes=%d-", r.Offset)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Size-1)
}

// Apply slices data by r. Ranges beyond the end yield an empty slice.
func (r BytesRange) Apply(data []byte) []byte {
	n := int64(len(data))
	if r.IsFull() {
		return data
	}
	if r.Offset >= n {
		return []byte{}
	}
	end := n
	if r.Size > 0 && r.Offset+r.Size < n {
		end = r.Offset + r.Size
	}
	return data[r.Offset:end]
}

// ============================================================================
// Operation requests
// ============================================================================
// Each Accessor method takes one of these by value. They are built fresh per
// call and never mutated after dispatch.

// OpStat configures Stat.
type OpStat struct {
	IfMatch     string
	IfNoneMatch string
}

// OpRead configures Read.
type OpRead struct {
	Range       BytesRange
	IfMatch     string
	IfNoneMatch string
}

// OpWrite configures Write and InitiateMultipart.
type OpWrite struct {
	ContentType        string
	CacheControl       string
	ContentDisposition string
	// Append adds to the end of an existing object instead of replacing it.
	Append bool
	// Size is the body length when known, -1 or 0 otherwise.
	Size int64
}

// OpList configures List.
type OpList struct {
	Recursive bool
	// Limit is a page size hint. Zero lets the backend choose.
	Limit int
	// StartAfter skips every entry up to and including this path.
	StartAfter string
}

// OpDelete configures Delete.
type OpDelete struct{}

// OpCreateDir configures CreateDir.
type OpCreateDir struct{}

// OpCopy configures Copy.
type OpCopy struct{}

// OpRename configures Rename.
type OpRename struct{}

// PresignOperation names the operation a presigned request performs.
type PresignOperation string

const (
	PresignStat  PresignOperation = "stat"
	PresignRead  PresignOperation = "read"
	PresignWrite PresignOperation = "write"
)

// OpPresign configures Presign.
type OpPresign struct {
	Operation PresignOperation
	Expire    time.Duration
	// Write is used when Operation is PresignWrite.
	Write OpWrite
}

// OpBatch configures Batch. Only deletes are batched.
type OpBatch struct {
	Paths []string
}

// ============================================================================
// Operator functional options
// ============================================================================

// StatOption configures an Operator stat
type StatOption func(*OpStat)

// ReadOption configures an Operator read
type ReadOption func(*OpRead)

// WriteOption configures an Operator write
type WriteOption func(*OpWrite)

// ListOption configures an Operator listing
type ListOption func(*OpList)

// StatIfMatch fails the stat unless the ETag matches
func StatIfMatch(etag string) StatOption {
	return func(o *OpStat) {
		o.IfMatch = etag
	}
}

// StatIfNoneMatch fails the stat if the ETag matches
func StatIfNoneMatch(etag string) StatOption {
	return func(o *OpStat) {
		o.IfNoneMatch = etag
	}
}

// WithRange reads size bytes starting at offset. A size of zero or less
// reads to the end.
func WithRange(offset, size int64) ReadOption {
	return func(o *OpRead) {
		o.Range = NewBytesRange(offset, size)
	}
}

// WithIfMatch fails the read unless the ETag matches
func WithIfMatch(etag string) ReadOption {
	return func(o *OpRead) {
		o.IfMatch = etag
	}
}

// WithIfNoneMatch fails the read if the ETag matches
func WithIfNoneMatch(etag string) ReadOption {
	return func(o *OpRead) {
		o.IfNoneMatch = etag
	}
}

// WithContentType sets the content type of the file
func WithContentType(contentType string) WriteOption {
	return func(o *OpWrite) {
		o.ContentType = contentType
	}
}

// WithCacheControl sets the Cache-Control header
func WithCacheControl(cacheControl string) WriteOption {
	return func(o *OpWrite) {
		o.CacheControl = cacheControl
	}
}

// WithContentDisposition sets the Content-Disposition header
func WithContentDisposition(disposition string) WriteOption {
	return func(o *OpWrite) {
		o.ContentDisposition = disposition
	}
}

// WithSize declares the body length of a streamed write
func WithSize(size int64) WriteOption {
	return func(o *OpWrite) {
		o.Size = size
	}
}

// WithRecursive lists every descendant instead of one level
func WithRecursive(recursive bool) ListOption {
	return func(o *OpList) {
		o.Recursive = recursive
	}
}

// WithLimit sets the page size hint
func WithLimit(limit int) ListOption {
	return func(o *OpList) {
		o.Limit = limit
	}
}

// WithStartAfter skips entries up to and including path
func WithStartAfter(path string) ListOption {
	return func(o *OpList) {
		o.StartAfter = path
	}
}

func buildStat(opts []StatOption) OpStat {
	var op OpStat
	for _, o := range opts {
		o(&op)
	}
	return op
}

func buildRead(opts []ReadOption) OpRead {
	op := OpRead{Range: FullRange}
	for _, o := range opts {
		o(&op)
	}
	return op
}

func buildWrite(opts []WriteOption) OpWrite {
	op := OpWrite{Size: -1}
	for _, o := range opts {
		o(&op)
	}
	return op
}

func buildList(opts []ListOption) OpList {
	var op OpList
	for _, o := range opts {
		o(&op)
	}
	return op
}
