// Package azure implements dal.Accessor on Azure Blob Storage.
package azure

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/gobeaver/dal"
	"github.com/google/uuid"
)

// Scheme is the registry key of this backend
const Scheme = "azblob"

const (
	dirContentType = "application/x-directory"
	// maxBatch is the blob batch request limit
	maxBatch       = 256
	maxBlockSize   = 4000 << 20
	maxBlocks      = 50000
	copyPollPeriod = 200 * time.Millisecond
)

// Adapter provides an Azure Blob Storage implementation of dal.Accessor.
// Staged block lists of unfinished uploads live in memory, so an upload
// must be completed by the adapter that started it.
type Adapter struct {
	client *container.Client
	// cred signs SAS URLs; presign is unavailable without it
	cred *azblob.SharedKeyCredential
	root string

	mu      sync.Mutex
	uploads map[string]*uploadInfo
}

type uploadInfo struct {
	path    string
	headers blob.HTTPHeaders
}

// AdapterOption is a function that configures Adapter
type AdapterOption func(*Adapter)

// WithRoot places every blob under root inside the container
func WithRoot(root string) AdapterOption {
	return func(a *Adapter) {
		a.root = dal.NormalizeRoot(root)
	}
}

// WithSharedKey enables SAS presigning with the account key
func WithSharedKey(cred *azblob.SharedKeyCredential) AdapterOption {
	return func(a *Adapter) {
		a.cred = cred
	}
}

// New creates a new Azure adapter on a container client
func New(client *container.Client, options ...AdapterOption) *Adapter {
	a := &Adapter{client: client, root: "/", uploads: make(map[string]*uploadInfo)}
	for _, option := range options {
		option(a)
	}
	return a
}

func (a *Adapter) containerName() string {
	u := a.client.URL()
	for i := len(u) - 1; i >= 0; i-- {
		if u[i] == '/' {
			return u[i+1:]
		}
	}
	return u
}

// Info implements dal.Accessor
func (a *Adapter) Info() dal.AccessorInfo {
	presign := a.cred != nil
	return dal.AccessorInfo{
		Scheme: Scheme,
		Root:   a.root,
		Name:   a.containerName(),
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
			WriteMultiMaxSize:           maxBlockSize,
			CreateDir:                   true,
			Delete:                      true,
			Copy:                        true,
			List:                        true,
			ListWithLimit:               true,
			ListWithRecursive:           true,
			Presign:                     presign,
			PresignStat:                 presign,
			PresignRead:                 presign,
			PresignWrite:                presign,
			Batch:                       true,
			BatchMaxOperations:          maxBatch,
			Multipart:                   true,
		},
	}
}

func (a *Adapter) key(p string) string {
	return dal.BuildAbsPath(a.root, p)
}

func (a *Adapter) blob(p string) *blob.Client {
	return a.client.NewBlobClient(a.key(p))
}

func conditions(ifMatch, ifNoneMatch string) *blob.AccessConditions {
	if ifMatch == "" && ifNoneMatch == "" {
		return nil
	}
	mac := &blob.ModifiedAccessConditions{}
	if ifMatch != "" {
		etag := azcore.ETag(ifMatch)
		mac.IfMatch = &etag
	}
	if ifNoneMatch != "" {
		etag := azcore.ETag(ifNoneMatch)
		mac.IfNoneMatch = &etag
	}
	return &blob.AccessConditions{ModifiedAccessConditions: mac}
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}

func etagOf(v *azcore.ETag) string {
	return string(deref(v))
}

func userMetadata(m map[string]*string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = deref(v)
	}
	return out
}

// Stat implements dal.Accessor. A directory exists when its marker blob or
// any blob below it exists.
func (a *Adapter) Stat(ctx context.Context, path string, op dal.OpStat) (*dal.Metadata, error) {
	if path == "/" {
		return dal.NewMetadata("/"), nil
	}
	props, err := a.blob(path).GetProperties(ctx, &blob.GetPropertiesOptions{
		AccessConditions: conditions(op.IfMatch, op.IfNoneMatch),
	})
	if err == nil {
		md := dal.NewMetadata(path)
		md.LastModified = deref(props.LastModified)
		if md.IsFile() {
			md.Size = deref(props.ContentLength)
			md.ETag = etagOf(props.ETag)
			md.ContentType = deref(props.ContentType)
			md.CacheControl = deref(props.CacheControl)
			md.ContentDisposition = deref(props.ContentDisposition)
			md.ContentMD5 = fmt.Sprintf("%x", props.ContentMD5)
			md.UserMetadata = userMetadata(props.Metadata)
		}
		return md, nil
	}
	err = mapError("stat", path, err)
	if !dal.IsNotFound(err) || !dal.IsDirPath(path) {
		return nil, err
	}

	prefix := a.key(path)
	pager := a.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix, MaxResults: ptr(int32(1))})
	page, lerr := pager.NextPage(ctx)
	if lerr != nil {
		return nil, mapError("stat", path, lerr)
	}
	if page.Segment == nil || len(page.Segment.BlobItems) == 0 {
		return nil, err
	}
	return dal.NewMetadata(path), nil
}

func ptr[T any](v T) *T {
	return &v
}

// Read implements dal.Accessor
func (a *Adapter) Read(ctx context.Context, path string, op dal.OpRead) (io.ReadCloser, *dal.Metadata, error) {
	resp, err := a.blob(path).DownloadStream(ctx, &blob.DownloadStreamOptions{
		Range:            blob.HTTPRange{Offset: op.Range.Offset, Count: op.Range.Size},
		AccessConditions: conditions(op.IfMatch, op.IfNoneMatch),
	})
	if err != nil {
		if op.Range.Offset > 0 && bloberror.HasCode(err, bloberror.InvalidRange) {
			return io.NopCloser(http.NoBody), dal.NewMetadata(path), nil
		}
		return nil, nil, mapError("read", path, err)
	}

	md := dal.NewMetadata(path)
	md.Size = deref(resp.ContentLength)
	md.ETag = etagOf(resp.ETag)
	md.LastModified = deref(resp.LastModified)
	md.ContentType = deref(resp.ContentType)
	md.CacheControl = deref(resp.CacheControl)
	md.ContentDisposition = deref(resp.ContentDisposition)
	md.UserMetadata = userMetadata(resp.Metadata)
	return resp.Body, md, nil
}

func headers(path string, op dal.OpWrite) blob.HTTPHeaders {
	contentType := op.ContentType
	if contentType == "" {
		contentType = dal.GuessContentType(path, nil)
	}
	h := blob.HTTPHeaders{BlobContentType: ptr(contentType)}
	if op.CacheControl != "" {
		h.BlobCacheControl = ptr(op.CacheControl)
	}
	if op.ContentDisposition != "" {
		h.BlobContentDisposition = ptr(op.ContentDisposition)
	}
	return h
}

// countingReader counts the bytes UploadStream consumed
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Write implements dal.Accessor with a streamed block upload
func (a *Adapter) Write(ctx context.Context, path string, content io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
	if op.Append {
		return nil, dal.Unsupported("write", "WriteCanAppend")
	}
	if dal.IsDirPath(path) {
		return dal.NewMetadata(path), a.CreateDir(ctx, path, dal.OpCreateDir{})
	}

	h := headers(path, op)
	cr := &countingReader{r: content}
	resp, err := a.client.NewBlockBlobClient(a.key(path)).UploadStream(ctx, cr, &blockblob.UploadStreamOptions{
		HTTPHeaders: &h,
	})
	if err != nil {
		return nil, mapError("write", path, err)
	}

	md := dal.NewMetadata(path)
	md.Size = cr.n
	md.ETag = etagOf(resp.ETag)
	md.LastModified = deref(resp.LastModified)
	md.ContentType = deref(h.BlobContentType)
	md.CacheControl = op.CacheControl
	md.ContentDisposition = op.ContentDisposition
	return md, nil
}

// CreateDir implements dal.Accessor. Blob storage has no directories, so
// an empty blob with a trailing slash marks one.
func (a *Adapter) CreateDir(ctx context.Context, path string, _ dal.OpCreateDir) error {
	if path == "/" {
		return nil
	}
	_, err := a.client.NewBlockBlobClient(a.key(path)).UploadBuffer(ctx, nil, &blockblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: ptr(dirContentType)},
	})
	return mapError("create_dir", path, err)
}

// Delete implements dal.Accessor
func (a *Adapter) Delete(ctx context.Context, path string, _ dal.OpDelete) error {
	if path == "/" {
		return nil
	}
	_, err := a.blob(path).Delete(ctx, nil)
	err = mapError("delete", path, err)
	if dal.IsNotFound(err) {
		return nil
	}
	return err
}

// List implements dal.Accessor with the flat pager when recursive and the
// hierarchy pager otherwise.
func (a *Adapter) List(ctx context.Context, path string, op dal.OpList) (dal.Pager, error) {
	prefix := a.key(path)
	var maxResults *int32
	if op.Limit > 0 {
		maxResults = ptr(int32(min(op.Limit, 5000))) //nolint:gosec // bounded above
	}

	entry := func(name string) dal.Entry {
		rel := dal.BuildRelPath(a.root, name)
		return dal.NewEntry(rel, dal.NewMetadata(rel))
	}
	blobEntry := func(item *container.BlobItem) dal.Entry {
		e := entry(deref(item.Name))
		if props := item.Properties; props != nil {
			e.Metadata.LastModified = deref(props.LastModified)
			if e.Metadata.IsFile() {
				e.Metadata.Size = deref(props.ContentLength)
				e.Metadata.ETag = etagOf(props.ETag)
				e.Metadata.ContentType = deref(props.ContentType)
			}
		}
		return e
	}

	return dal.NewTokenPager(func(ctx context.Context, token string) ([]dal.Entry, string, bool, error) {
		marker := optional(token)
		var entries []dal.Entry
		var next *string

		if op.Recursive {
			pager := a.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
				Prefix:     &prefix,
				Marker:     marker,
				MaxResults: maxResults,
			})
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, "", false, mapError("list", path, err)
			}
			next = page.NextMarker
			if page.Segment != nil {
				for _, item := range page.Segment.BlobItems {
					if name := deref(item.Name); name != prefix {
						entries = append(entries, blobEntry(item))
					}
				}
			}
		} else {
			pager := a.client.NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
				Prefix:     &prefix,
				Marker:     marker,
				MaxResults: maxResults,
			})
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, "", false, mapError("list", path, err)
			}
			next = page.NextMarker
			if page.Segment != nil {
				for _, p := range page.Segment.BlobPrefixes {
					entries = append(entries, entry(deref(p.Name)))
				}
				for _, item := range page.Segment.BlobItems {
					if name := deref(item.Name); name != prefix {
						entries = append(entries, blobEntry(item))
					}
				}
			}
		}

		sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
		n := deref(next)
		return entries, n, n == "", nil
	}), nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Copy implements dal.Accessor with a server side copy. The source URL is
// SAS signed when a shared key is configured.
func (a *Adapter) Copy(ctx context.Context, from, to string, _ dal.OpCopy) error {
	src := a.blob(from).URL()
	if a.cred != nil {
		signed, err := a.sign(from, sas.BlobPermissions{Read: true}, 15*time.Minute)
		if err != nil {
			return mapError("copy", from, err)
		}
		src = signed
	}

	dst := a.blob(to)
	resp, err := dst.StartCopyFromURL(ctx, src, nil)
	if err != nil {
		return mapError("copy", from, err)
	}
	status := deref(resp.CopyStatus)
	for status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return dal.FromContext("copy", from, ctx.Err())
		case <-time.After(copyPollPeriod):
		}
		props, err := dst.GetProperties(ctx, nil)
		if err != nil {
			return mapError("copy", to, err)
		}
		status = deref(props.CopyStatus)
	}
	if status != blob.CopyStatusTypeSuccess {
		return dal.Errorf(dal.KindUnexpected, "copy", from, "copy finished with status %q", status)
	}
	return nil
}

// Rename implements dal.Accessor. The operator falls back to copy and
// delete.
func (a *Adapter) Rename(context.Context, string, string, dal.OpRename) error {
	return dal.Unsupported("rename", "Rename")
}

func (a *Adapter) sign(path string, perms sas.BlobPermissions, expire time.Duration) (string, error) {
	now := time.Now().UTC()
	qp, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPSandHTTP,
		StartTime:     now.Add(-5 * time.Minute),
		ExpiryTime:    now.Add(expire),
		Permissions:   perms.String(),
		ContainerName: a.containerName(),
		BlobName:      a.key(path),
	}.SignWithSharedKey(a.cred)
	if err != nil {
		return "", err
	}
	return a.blob(path).URL() + "?" + qp.Encode(), nil
}

// Presign implements dal.Accessor with SAS URLs
func (a *Adapter) Presign(_ context.Context, path string, op dal.OpPresign) (*dal.PresignedRequest, error) {
	if a.cred == nil {
		return nil, dal.Unsupported("presign", "Presign")
	}
	var method string
	var perms sas.BlobPermissions
	header := http.Header{}
	switch op.Operation {
	case dal.PresignStat:
		method, perms = http.MethodHead, sas.BlobPermissions{Read: true}
	case dal.PresignRead:
		method, perms = http.MethodGet, sas.BlobPermissions{Read: true}
	case dal.PresignWrite:
		method, perms = http.MethodPut, sas.BlobPermissions{Create: true, Write: true}
		header.Set("x-ms-blob-type", "BlockBlob")
		if op.Write.ContentType != "" {
			header.Set("x-ms-blob-content-type", op.Write.ContentType)
		}
	default:
		return nil, dal.Errorf(dal.KindInvalidInput, "presign", path, "unknown presign operation %q", op.Operation)
	}
	u, err := a.sign(path, perms, op.Expire)
	if err != nil {
		return nil, mapError("presign", path, err)
	}
	return &dal.PresignedRequest{Method: method, URL: u, Header: header, Expires: time.Now().Add(op.Expire)}, nil
}

// Batch implements dal.Accessor with a blob batch delete
func (a *Adapter) Batch(ctx context.Context, op dal.OpBatch) ([]dal.BatchResult, error) {
	if len(op.Paths) > maxBatch {
		return nil, dal.Errorf(dal.KindInvalidInput, "batch", "", "batch of %d paths exceeds %d", len(op.Paths), maxBatch)
	}
	results := make([]dal.BatchResult, len(op.Paths))
	if len(op.Paths) == 0 {
		return results, nil
	}
	bb, err := a.client.NewBatchBuilder()
	if err != nil {
		return nil, mapError("batch", "", err)
	}
	index := make(map[string]int, len(op.Paths))
	for i, p := range op.Paths {
		results[i] = dal.BatchResult{Path: p}
		index[a.key(p)] = i
		if err := bb.Delete(a.key(p), nil); err != nil {
			return nil, mapError("batch", p, err)
		}
	}
	resp, err := a.client.SubmitBatch(ctx, bb, nil)
	if err != nil {
		return nil, mapError("batch", "", err)
	}
	for _, item := range resp.Responses {
		i, ok := index[deref(item.BlobName)]
		if !ok || item.Error == nil || bloberror.HasCode(item.Error, bloberror.BlobNotFound) {
			continue
		}
		results[i].Err = mapError("delete", results[i].Path, item.Error)
	}
	return results, nil
}

// ============================================================================
// Multipart
// ============================================================================

// blockID returns a base64 block ID. IDs embed the upload ID so concurrent
// uploads to one blob never share blocks, and all have the same length.
func blockID(uploadID string, partNumber int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s-%06d", uploadID, partNumber)))
}

// InitiateMultipart implements dal.Multipart
func (a *Adapter) InitiateMultipart(_ context.Context, path string, op dal.OpWrite) (string, error) {
	id := uuid.NewString()
	a.mu.Lock()
	a.uploads[id] = &uploadInfo{path: path, headers: headers(path, op)}
	a.mu.Unlock()
	return id, nil
}

func (a *Adapter) upload(op, path, uploadID string) (*uploadInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.uploads[uploadID]
	if !ok || info.path != path {
		return nil, dal.Errorf(dal.KindNotFound, op, path, "upload %s not found", uploadID)
	}
	return info, nil
}

// WritePart implements dal.Multipart with StageBlock
func (a *Adapter) WritePart(ctx context.Context, path, uploadID string, partNumber int, r io.Reader, _ int64) (dal.Part, error) {
	if partNumber < 1 || partNumber > maxBlocks {
		return dal.Part{}, dal.Errorf(dal.KindInvalidInput, "write_part", path, "part number must be between 1 and %d, got %d", maxBlocks, partNumber)
	}
	if _, err := a.upload("write_part", path, uploadID); err != nil {
		return dal.Part{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return dal.Part{}, dal.WrapError("write_part", path, err)
	}
	id := blockID(uploadID, partNumber)
	body := streaming.NopCloser(bytes.NewReader(data))
	if _, err := a.client.NewBlockBlobClient(a.key(path)).StageBlock(ctx, id, body, nil); err != nil {
		return dal.Part{}, mapError("write_part", path, err)
	}
	return dal.Part{Number: partNumber, ETag: id, Size: int64(len(data))}, nil
}

// CompleteMultipart implements dal.Multipart by committing the block list
func (a *Adapter) CompleteMultipart(ctx context.Context, path, uploadID string, parts []dal.Part) (*dal.Metadata, error) {
	info, err := a.upload("complete_multipart", path, uploadID)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, dal.Errorf(dal.KindInvalidInput, "complete_multipart", path, "no parts uploaded")
	}
	sorted := append([]dal.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	ids := make([]string, len(sorted))
	var size int64
	for i, p := range sorted {
		ids[i] = blockID(uploadID, p.Number)
		size += p.Size
	}

	h := info.headers
	resp, err := a.client.NewBlockBlobClient(a.key(path)).CommitBlockList(ctx, ids, &blockblob.CommitBlockListOptions{
		HTTPHeaders: &h,
	})
	if err != nil {
		return nil, mapError("complete_multipart", path, err)
	}
	a.mu.Lock()
	delete(a.uploads, uploadID)
	a.mu.Unlock()

	md := dal.NewMetadata(path)
	md.Size = size
	md.ETag = etagOf(resp.ETag)
	md.LastModified = deref(resp.LastModified)
	md.ContentType = deref(h.BlobContentType)
	return md, nil
}

// AbortMultipart implements dal.Multipart. Uncommitted blocks are garbage
// collected by the service after seven days.
func (a *Adapter) AbortMultipart(_ context.Context, path, uploadID string) error {
	if _, err := a.upload("abort_multipart", path, uploadID); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.uploads, uploadID)
	a.mu.Unlock()
	return nil
}

// ============================================================================
// Errors
// ============================================================================

// mapError maps Azure errors to dal errors, by storage error code first
// and HTTP status second.
func mapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if ce := dal.FromContext(op, path, err); ce != nil {
		return ce
	}

	kind, temporary := dal.KindUnexpected, false
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound):
		kind = dal.KindNotFound
	case bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.TargetConditionNotMet, bloberror.SourceConditionNotMet):
		kind = dal.KindConditionNotMatch
	case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch, bloberror.InsufficientAccountPermissions):
		kind = dal.KindPermissionDenied
	case bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ContainerAlreadyExists):
		kind = dal.KindAlreadyExists
	case bloberror.HasCode(err, bloberror.ServerBusy):
		kind, temporary = dal.KindRateLimited, true
	case bloberror.HasCode(err, bloberror.OperationTimedOut):
		kind, temporary = dal.KindTimeout, true
	case bloberror.HasCode(err, bloberror.InternalError):
		kind, temporary = dal.KindUnavailable, true
	case bloberror.HasCode(err, bloberror.InvalidRange, bloberror.InvalidBlockList, bloberror.InvalidBlobOrBlock,
		bloberror.RequestBodyTooLarge, bloberror.InvalidQueryParameterValue):
		kind = dal.KindInvalidInput
	case bloberror.HasCode(err, bloberror.UnsupportedHeader, bloberror.FeatureVersionMismatch):
		kind = dal.KindUnsupported
	}

	var respErr *azcore.ResponseError
	if kind == dal.KindUnexpected && errors.As(err, &respErr) {
		switch status := respErr.StatusCode; {
		case status == http.StatusNotFound:
			kind = dal.KindNotFound
		case status == http.StatusForbidden, status == http.StatusUnauthorized:
			kind = dal.KindPermissionDenied
		case status == http.StatusPreconditionFailed, status == http.StatusNotModified:
			kind = dal.KindConditionNotMatch
		case status == http.StatusConflict:
			kind = dal.KindAlreadyExists
		case status == http.StatusTooManyRequests:
			kind, temporary = dal.KindRateLimited, true
		case status >= 500:
			kind, temporary = dal.KindUnavailable, true
		}
	}
	if kind == dal.KindUnexpected {
		return dal.WrapError(op, path, err)
	}
	e := dal.NewError(kind, op, path, err)
	e.Temporary = temporary
	if respErr != nil {
		e.Message = respErr.ErrorCode
	}
	return e
}

var _ dal.Accessor = (*Adapter)(nil)
