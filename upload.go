package dal

import (
	"bytes"
	"context"
	"errors"
	"io"
)

// DefaultChunkSize is the part size used when UploadOptions.ChunkSize is 0.
const DefaultChunkSize int64 = 8 << 20

// ProgressFunc is a callback function for upload progress
type ProgressFunc func(bytesTransferred int64, totalBytes int64)

// UploadOptions contains options for uploading files
type UploadOptions struct {
	ContentType string

	// ChunkSize is the part size of a multipart upload. It is raised to
	// the backend minimum and lowered to its maximum.
	ChunkSize int64

	// Progress is called as bytes are consumed from the source.
	Progress ProgressFunc
}

// Upload writes r to path. Backends with multipart support receive the
// stream in parts; others get a single write. size may be -1 when unknown.
func (o *Operator) Upload(ctx context.Context, path string, r io.Reader, size int64, opts *UploadOptions) (*Metadata, error) {
	if opts == nil {
		opts = &UploadOptions{}
	}
	p, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}

	if opts.Progress != nil {
		r = &progressReader{reader: r, progress: opts.Progress, size: size, reportingStep: 64 << 10}
	}
	op := OpWrite{ContentType: opts.ContentType, Size: size}

	c := o.capability()
	if !c.Multipart || !c.WriteCanMulti {
		return o.write(ctx, p, r, op)
	}

	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if c.WriteMultiMinSize > 0 && chunk < c.WriteMultiMinSize {
		chunk = c.WriteMultiMinSize
	}
	if c.WriteMultiMaxSize > 0 && chunk > c.WriteMultiMaxSize {
		chunk = c.WriteMultiMaxSize
	}
	if size >= 0 && size <= chunk {
		return o.write(ctx, p, r, op)
	}
	if err := ValidateWrite(c, op); err != nil {
		return nil, pathed(err, p)
	}
	return o.uploadMultipart(ctx, p, r, chunk, op)
}

func (o *Operator) uploadMultipart(ctx context.Context, p string, r io.Reader, chunk int64, op OpWrite) (md *Metadata, err error) {
	uploadID, err := o.acc.InitiateMultipart(ctx, p, op)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			// use a fresh context so a canceled upload still cleans up
			_ = o.acc.AbortMultipart(context.WithoutCancel(ctx), p, uploadID)
		}
	}()

	var parts []Part
	buffer := make([]byte, chunk)
	for number := 1; ; number++ {
		n, rerr := io.ReadFull(r, buffer)
		if rerr != nil && rerr != io.EOF && !errors.Is(rerr, io.ErrUnexpectedEOF) {
			return nil, WrapError("write_part", p, rerr)
		}
		if n > 0 {
			part, err := o.acc.WritePart(ctx, p, uploadID, number, bytes.NewReader(buffer[:n]), int64(n))
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		if rerr != nil {
			break
		}
	}
	if len(parts) == 0 {
		return nil, Errorf(KindInvalidInput, "complete_multipart", p, "no parts uploaded")
	}
	return o.acc.CompleteMultipart(ctx, p, uploadID, parts)
}

// progressReader is a reader that reports progress
type progressReader struct {
	reader        io.Reader
	progress      ProgressFunc
	size          int64
	bytesRead     int64
	lastReported  int64
	reportingStep int64
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.bytesRead += int64(n)
	}
	if r.bytesRead-r.lastReported >= r.reportingStep || (err == io.EOF && r.bytesRead != r.lastReported) {
		r.progress(r.bytesRead, r.size)
		r.lastReported = r.bytesRead
	}
	return n, err
}
