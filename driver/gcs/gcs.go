// Package gcs implements dal.Accessor on Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gobeaver/dal"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// Scheme is the registry key of this backend
const Scheme = "gcs"

const (
	// uploadsDir holds the part objects of unfinished uploads
	uploadsDir     = ".dal-uploads/"
	maxCompose     = 32
	dirContentType = "application/x-directory"
	defaultPage    = 1000
)

// Adapter provides a Google Cloud Storage implementation of dal.Accessor
type Adapter struct {
	client *storage.Client
	bucket string
	root   string
	// signing overrides the credentials detected from the client
	signing *storage.SignedURLOptions
}

// AdapterOption is a function that configures Adapter
type AdapterOption func(*Adapter)

// WithRoot places every object under root inside the bucket
func WithRoot(root string) AdapterOption {
	return func(a *Adapter) {
		a.root = dal.NormalizeRoot(root)
	}
}

// WithSigner signs presigned URLs with an explicit service account key
// instead of the client's credentials.
func WithSigner(googleAccessID string, privateKey []byte) AdapterOption {
	return func(a *Adapter) {
		a.signing = &storage.SignedURLOptions{GoogleAccessID: googleAccessID, PrivateKey: privateKey}
	}
}

// New creates a new GCS adapter
func New(client *storage.Client, bucket string, options ...AdapterOption) *Adapter {
	a := &Adapter{client: client, bucket: bucket, root: "/"}
	for _, option := range options {
		option(a)
	}
	return a
}

// Info implements dal.Accessor
func (a *Adapter) Info() dal.AccessorInfo {
	return dal.AccessorInfo{
		Scheme: Scheme,
		Root:   a.root,
		Name:   a.bucket,
		Capability: dal.Capability{
			Stat:                        true,
			StatWithIfMatch:             true,
			StatWithIfNoneMatch:         true,
			Read:                        true,
			ReadWithRange:               true,
			ReadWithIfMatch:             true,
			ReadWithIfNoneMatch:         true,
			Write:                       true,
			WriteCanEmpty:               true,
			WriteCanMulti:               true,
			WriteWithContentType:        true,
			WriteWithCacheControl:       true,
			WriteWithContentDisposition: true,
			CreateDir:                   true,
			Delete:                      true,
			Copy:                        true,
			List:                        true,
			ListWithLimit:               true,
			ListWithStartAfter:          true,
			ListWithRecursive:           true,
			Presign:                     true,
			PresignStat:                 true,
			PresignRead:                 true,
			PresignWrite:                true,
			Multipart:                   true,
		},
	}
}

func (a *Adapter) key(p string) string {
	return dal.BuildAbsPath(a.root, p)
}

func (a *Adapter) object(p string) *storage.ObjectHandle {
	return a.client.Bucket(a.bucket).Object(a.key(p))
}

func metadataOf(p string, attrs *storage.ObjectAttrs) *dal.Metadata {
	md := dal.NewMetadata(p)
	md.LastModified = attrs.Updated
	if md.IsDir() {
		return md
	}
	md.Size = attrs.Size
	md.ETag = attrs.Etag
	md.ContentType = attrs.ContentType
	md.CacheControl = attrs.CacheControl
	md.ContentDisposition = attrs.ContentDisposition
	md.ContentMD5 = fmt.Sprintf("%x", attrs.MD5)
	md.UserMetadata = attrs.Metadata
	return md
}

// Stat implements dal.Accessor. A directory exists when its marker object
// or any object below it exists.
func (a *Adapter) Stat(ctx context.Context, path string, op dal.OpStat) (*dal.Metadata, error) {
	if path == "/" {
		return dal.NewMetadata("/"), nil
	}
	attrs, err := a.object(path).Attrs(ctx)
	if err == nil {
		if err := dal.CheckCondition("stat", path, attrs.Etag, op.IfMatch, op.IfNoneMatch); err != nil {
			return nil, err
		}
		return metadataOf(path, attrs), nil
	}
	err = mapError("stat", path, err)
	if !dal.IsNotFound(err) || !dal.IsDirPath(path) {
		return nil, err
	}

	it := a.client.Bucket(a.bucket).Objects(ctx, &storage.Query{Prefix: a.key(path)})
	if _, ierr := it.Next(); ierr != nil {
		if errors.Is(ierr, iterator.Done) {
			return nil, err
		}
		return nil, mapError("stat", path, ierr)
	}
	return dal.NewMetadata(path), nil
}

// Read implements dal.Accessor. Conditions are checked against the
// object's attributes and the read is pinned to the generation they
// describe.
func (a *Adapter) Read(ctx context.Context, path string, op dal.OpRead) (io.ReadCloser, *dal.Metadata, error) {
	obj := a.object(path)
	var etag string
	if op.IfMatch != "" || op.IfNoneMatch != "" {
		attrs, err := obj.Attrs(ctx)
		if err != nil {
			return nil, nil, mapError("read", path, err)
		}
		if err := dal.CheckCondition("read", path, attrs.Etag, op.IfMatch, op.IfNoneMatch); err != nil {
			return nil, nil, err
		}
		etag = attrs.Etag
		obj = obj.Generation(attrs.Generation)
	}

	length := int64(-1)
	if op.Range.Size > 0 {
		length = op.Range.Size
	}
	r, err := obj.NewRangeReader(ctx, op.Range.Offset, length)
	if err != nil {
		if op.Range.Offset > 0 && statusOf(err) == http.StatusRequestedRangeNotSatisfiable {
			return io.NopCloser(bytes.NewReader(nil)), dal.NewMetadata(path), nil
		}
		return nil, nil, mapError("read", path, err)
	}

	md := dal.NewMetadata(path)
	md.Size = r.Remain()
	md.ETag = etag
	md.ContentType = r.Attrs.ContentType
	md.CacheControl = r.Attrs.CacheControl
	md.LastModified = r.Attrs.LastModified
	return r, md, nil
}

// Write implements dal.Accessor
func (a *Adapter) Write(ctx context.Context, path string, content io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
	if op.Append {
		return nil, dal.Unsupported("write", "WriteCanAppend")
	}
	if dal.IsDirPath(path) {
		return dal.NewMetadata(path), a.CreateDir(ctx, path, dal.OpCreateDir{})
	}

	w := a.object(path).NewWriter(ctx)
	w.ContentType = op.ContentType
	if w.ContentType == "" {
		w.ContentType = dal.GuessContentType(path, nil)
	}
	w.CacheControl = op.CacheControl
	w.ContentDisposition = op.ContentDisposition
	if op.Size > 0 && op.Size < googleapi.DefaultUploadChunkSize {
		// single request upload
		w.ChunkSize = 0
	}

	if _, err := io.Copy(w, content); err != nil {
		w.Close()
		return nil, mapError("write", path, err)
	}
	if err := w.Close(); err != nil {
		return nil, mapError("write", path, err)
	}
	return metadataOf(path, w.Attrs()), nil
}

// CreateDir implements dal.Accessor with an empty marker object
func (a *Adapter) CreateDir(ctx context.Context, path string, _ dal.OpCreateDir) error {
	if path == "/" {
		return nil
	}
	w := a.object(path).NewWriter(ctx)
	w.ContentType = dirContentType
	return mapError("create_dir", path, w.Close())
}

// Delete implements dal.Accessor
func (a *Adapter) Delete(ctx context.Context, path string, _ dal.OpDelete) error {
	if path == "/" {
		return nil
	}
	err := mapError("delete", path, a.object(path).Delete(ctx))
	if dal.IsNotFound(err) {
		return nil
	}
	return err
}

// List implements dal.Accessor with iterator.Pager tokens. Staged multipart
// parts are hidden.
func (a *Adapter) List(ctx context.Context, path string, op dal.OpList) (dal.Pager, error) {
	prefix := a.key(path)
	hidden := a.key(uploadsDir)
	after := ""
	q := &storage.Query{Prefix: prefix, Projection: storage.ProjectionNoACL}
	if !op.Recursive {
		q.Delimiter = "/"
	}
	if op.StartAfter != "" {
		after = a.key(op.StartAfter)
		q.StartOffset = after
	}
	pageSize := op.Limit
	if pageSize <= 0 || pageSize > defaultPage {
		pageSize = defaultPage
	}

	return dal.NewTokenPager(func(ctx context.Context, token string) ([]dal.Entry, string, bool, error) {
		it := a.client.Bucket(a.bucket).Objects(ctx, q)
		var page []*storage.ObjectAttrs
		next, err := iterator.NewPager(it, pageSize, token).NextPage(&page)
		if err != nil {
			return nil, "", false, mapError("list", path, err)
		}

		entries := make([]dal.Entry, 0, len(page))
		for _, attrs := range page {
			name := attrs.Name
			if attrs.Prefix != "" {
				name = attrs.Prefix
			}
			if name == prefix || name == after || strings.HasPrefix(name, hidden) {
				continue
			}
			rel := dal.BuildRelPath(a.root, name)
			entries = append(entries, dal.NewEntry(rel, metadataOf(rel, attrs)))
		}
		return entries, next, next == "", nil
	}), nil
}

// Copy implements dal.Accessor using the native CopierFrom
func (a *Adapter) Copy(ctx context.Context, from, to string, _ dal.OpCopy) error {
	_, err := a.object(to).CopierFrom(a.object(from)).Run(ctx)
	return mapError("copy", from, err)
}

// Rename implements dal.Accessor. The operator falls back to copy and
// delete.
func (a *Adapter) Rename(context.Context, string, string, dal.OpRename) error {
	return dal.Unsupported("rename", "Rename")
}

// Presign implements dal.Accessor with V4 signed URLs
func (a *Adapter) Presign(_ context.Context, path string, op dal.OpPresign) (*dal.PresignedRequest, error) {
	opts := &storage.SignedURLOptions{Scheme: storage.SigningSchemeV4}
	if a.signing != nil {
		opts.GoogleAccessID = a.signing.GoogleAccessID
		opts.PrivateKey = a.signing.PrivateKey
	}
	header := http.Header{}
	switch op.Operation {
	case dal.PresignStat:
		opts.Method = http.MethodHead
	case dal.PresignRead:
		opts.Method = http.MethodGet
	case dal.PresignWrite:
		opts.Method = http.MethodPut
		opts.ContentType = op.Write.ContentType
		if op.Write.ContentType != "" {
			header.Set("Content-Type", op.Write.ContentType)
		}
	default:
		return nil, dal.Errorf(dal.KindInvalidInput, "presign", path, "unknown presign operation %q", op.Operation)
	}
	opts.Expires = time.Now().Add(op.Expire)

	u, err := a.client.Bucket(a.bucket).SignedURL(a.key(path), opts)
	if err != nil {
		return nil, mapError("presign", path, err)
	}
	return &dal.PresignedRequest{Method: opts.Method, URL: u, Header: header, Expires: opts.Expires}, nil
}

// Batch implements dal.Accessor. The client has no batch delete, so the
// operator deletes one path at a time.
func (a *Adapter) Batch(context.Context, dal.OpBatch) ([]dal.BatchResult, error) {
	return nil, dal.Unsupported("batch", "Batch")
}

// ============================================================================
// Multipart
// ============================================================================

// Parts are stored as objects .dal-uploads/{id}/{n} and composed into the
// target on completion. The upload marker .dal-uploads/{id}/ carries the
// target path and headers, so no state is kept in memory.

func partsPrefix(uploadID string) string {
	return uploadsDir + uploadID + "/"
}

func partPath(uploadID string, n int) string {
	return partsPrefix(uploadID) + strconv.Itoa(n)
}

// InitiateMultipart implements dal.Multipart
func (a *Adapter) InitiateMultipart(ctx context.Context, path string, op dal.OpWrite) (string, error) {
	id := uuid.NewString()
	w := a.object(partsPrefix(id)).NewWriter(ctx)
	w.ContentType = dirContentType
	w.Metadata = map[string]string{
		"target":              path,
		"content-type":        op.ContentType,
		"cache-control":       op.CacheControl,
		"content-disposition": op.ContentDisposition,
	}
	if err := w.Close(); err != nil {
		return "", mapError("initiate_multipart", path, err)
	}
	return id, nil
}

func (a *Adapter) upload(ctx context.Context, op, path, uploadID string) (map[string]string, error) {
	attrs, err := a.object(partsPrefix(uploadID)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || (err == nil && attrs.Metadata["target"] != path) {
		return nil, dal.Errorf(dal.KindNotFound, op, path, "upload %s not found", uploadID)
	}
	if err != nil {
		return nil, mapError(op, path, err)
	}
	return attrs.Metadata, nil
}

// WritePart implements dal.Multipart
func (a *Adapter) WritePart(ctx context.Context, path, uploadID string, partNumber int, r io.Reader, _ int64) (dal.Part, error) {
	if partNumber < 1 {
		return dal.Part{}, dal.Errorf(dal.KindInvalidInput, "write_part", path, "part number must be >= 1, got %d", partNumber)
	}
	if _, err := a.upload(ctx, "write_part", path, uploadID); err != nil {
		return dal.Part{}, err
	}
	w := a.object(partPath(uploadID, partNumber)).NewWriter(ctx)
	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return dal.Part{}, mapError("write_part", path, err)
	}
	if err := w.Close(); err != nil {
		return dal.Part{}, mapError("write_part", path, err)
	}
	return dal.Part{Number: partNumber, ETag: w.Attrs().Etag, Size: n}, nil
}

// CompleteMultipart implements dal.Multipart. GCS composes at most 32
// sources per call, so larger uploads are composed in rounds.
func (a *Adapter) CompleteMultipart(ctx context.Context, path, uploadID string, parts []dal.Part) (*dal.Metadata, error) {
	meta, err := a.upload(ctx, "complete_multipart", path, uploadID)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, dal.Errorf(dal.KindInvalidInput, "complete_multipart", path, "no parts uploaded")
	}
	sorted := append([]dal.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	sources := make([]string, len(sorted))
	for i, p := range sorted {
		sources[i] = partPath(uploadID, p.Number)
	}
	attrs, err := a.compose(ctx, uploadID, sources, path, storage.ObjectAttrs{
		ContentType:        meta["content-type"],
		CacheControl:       meta["cache-control"],
		ContentDisposition: meta["content-disposition"],
	})
	if err != nil {
		return nil, mapError("complete_multipart", path, err)
	}
	a.cleanup(ctx, uploadID)
	return metadataOf(path, attrs), nil
}

func (a *Adapter) compose(ctx context.Context, uploadID string, sources []string, target string, final storage.ObjectAttrs) (*storage.ObjectAttrs, error) {
	if final.ContentType == "" {
		final.ContentType = dal.GuessContentType(target, nil)
	}
	for round := 0; ; round++ {
		if len(sources) <= maxCompose {
			return a.composeInto(ctx, sources, target, final)
		}
		var merged []string
		for i := 0; i < len(sources); i += maxCompose {
			batch := sources[i:min(i+maxCompose, len(sources))]
			if len(batch) == 1 {
				merged = append(merged, batch[0])
				continue
			}
			name := fmt.Sprintf("%sround-%d-%d", partsPrefix(uploadID), round, i/maxCompose)
			if _, err := a.composeInto(ctx, batch, name, storage.ObjectAttrs{}); err != nil {
				return nil, err
			}
			merged = append(merged, name)
		}
		sources = merged
	}
}

func (a *Adapter) composeInto(ctx context.Context, sources []string, target string, attrs storage.ObjectAttrs) (*storage.ObjectAttrs, error) {
	handles := make([]*storage.ObjectHandle, len(sources))
	for i, s := range sources {
		handles[i] = a.object(s)
	}
	c := a.object(target).ComposerFrom(handles...)
	c.ObjectAttrs = attrs
	return c.Run(ctx)
}

// cleanup removes every staged object of an upload, marker included
func (a *Adapter) cleanup(ctx context.Context, uploadID string) error {
	it := a.client.Bucket(a.bucket).Objects(ctx, &storage.Query{Prefix: a.key(partsPrefix(uploadID))})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := a.client.Bucket(a.bucket).Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return err
		}
	}
}

// AbortMultipart implements dal.Multipart
func (a *Adapter) AbortMultipart(ctx context.Context, path, uploadID string) error {
	if _, err := a.upload(ctx, "abort_multipart", path, uploadID); err != nil {
		return err
	}
	return mapError("abort_multipart", path, a.cleanup(ctx, uploadID))
}

// ============================================================================
// Errors
// ============================================================================

func statusOf(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// mapError maps GCS errors to dal errors
func mapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return dal.NewError(dal.KindNotFound, op, path, err)
	}
	if ce := dal.FromContext(op, path, err); ce != nil {
		return ce
	}

	var kind dal.Kind
	switch status := statusOf(err); {
	case status == 0:
		return dal.WrapError(op, path, err)
	case status == http.StatusNotFound:
		kind = dal.KindNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = dal.KindPermissionDenied
	case status == http.StatusPreconditionFailed, status == http.StatusNotModified:
		kind = dal.KindConditionNotMatch
	case status == http.StatusConflict:
		kind = dal.KindAlreadyExists
	case status == http.StatusTooManyRequests:
		kind = dal.KindRateLimited
	case status == http.StatusRequestTimeout:
		kind = dal.KindTimeout
	case status == http.StatusBadRequest, status == http.StatusRequestedRangeNotSatisfiable:
		kind = dal.KindInvalidInput
	case status >= 500:
		kind = dal.KindUnavailable
	default:
		return dal.WrapError(op, path, err)
	}
	e := dal.NewError(kind, op, path, err)
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		e.Message = gerr.Message
	}
	return e
}

var _ dal.Accessor = (*Adapter)(nil)
