// Package s3 implements dal.Accessor on Amazon S3 and S3 compatible stores.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/gobeaver/dal"
)

// Scheme is the registry key of this backend
const Scheme = "s3"

const (
	minPartSize = 5 << 20
	maxPartSize = 5 << 30
	maxParts    = 10000
	// maxDeleteKeys is the DeleteObjects limit
	maxDeleteKeys  = 1000
	dirContentType = "application/x-directory"
)

// api is the subset of *s3.Client the adapter calls
type api interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

type presigner interface {
	PresignHeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Adapter provides an S3 implementation of dal.Accessor
type Adapter struct {
	client  api
	presign presigner
	bucket  string
	root    string
}

// AdapterOption is a function that configures Adapter
type AdapterOption func(*Adapter)

// WithRoot places every key under root inside the bucket
func WithRoot(root string) AdapterOption {
	return func(a *Adapter) {
		a.root = dal.NormalizeRoot(root)
	}
}

// New creates a new S3 adapter
func New(client *s3.Client, bucket string, options ...AdapterOption) *Adapter {
	return newAdapter(client, s3.NewPresignClient(client), bucket, options...)
}

func newAdapter(client api, p presigner, bucket string, options ...AdapterOption) *Adapter {
	a := &Adapter{
		client:  client,
		presign: p,
		bucket:  bucket,
		root:    "/",
	}
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
			WriteMultiMinSize:           minPartSize,
			WriteMultiMaxSize:           maxPartSize,
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
			Batch:                       true,
			BatchMaxOperations:          maxDeleteKeys,
			Multipart:                   true,
		},
	}
}

func (a *Adapter) key(p string) string {
	return dal.BuildAbsPath(a.root, p)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// Stat implements dal.Accessor. A directory exists when its marker object
// or any object below it exists.
func (a *Adapter) Stat(ctx context.Context, path string, op dal.OpStat) (*dal.Metadata, error) {
	if path == "/" {
		return dal.NewMetadata("/"), nil
	}
	k := a.key(path)
	resp, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(k),
		IfMatch:     optional(op.IfMatch),
		IfNoneMatch: optional(op.IfNoneMatch),
	})
	if err == nil {
		md := dal.NewMetadata(path)
		if md.IsFile() {
			md.Size = aws.ToInt64(resp.ContentLength)
			md.ETag = aws.ToString(resp.ETag)
			md.ContentType = aws.ToString(resp.ContentType)
			md.CacheControl = aws.ToString(resp.CacheControl)
			md.ContentDisposition = aws.ToString(resp.ContentDisposition)
			md.UserMetadata = resp.Metadata
		}
		md.LastModified = aws.ToTime(resp.LastModified)
		return md, nil
	}
	err = mapError("stat", path, err)
	if !dal.IsNotFound(err) || !dal.IsDirPath(path) {
		return nil, err
	}

	list, lerr := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		Prefix:  aws.String(k),
		MaxKeys: aws.Int32(1),
	})
	if lerr != nil {
		return nil, mapError("stat", path, lerr)
	}
	if len(list.Contents) == 0 && len(list.CommonPrefixes) == 0 {
		return nil, err
	}
	return dal.NewMetadata(path), nil
}

// Read implements dal.Accessor
func (a *Adapter) Read(ctx context.Context, path string, op dal.OpRead) (io.ReadCloser, *dal.Metadata, error) {
	in := &s3.GetObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.key(path)),
		IfMatch:     optional(op.IfMatch),
		IfNoneMatch: optional(op.IfNoneMatch),
	}
	if !op.Range.IsFull() {
		in.Range = aws.String(op.Range.Header())
	}
	resp, err := a.client.GetObject(ctx, in)
	if err != nil {
		if op.Range.Offset > 0 && isStatus(err, http.StatusRequestedRangeNotSatisfiable) {
			// ranges starting at or past the end read as empty
			return io.NopCloser(bytes.NewReader(nil)), dal.NewMetadata(path), nil
		}
		return nil, nil, mapError("read", path, err)
	}

	md := dal.NewMetadata(path)
	md.Size = aws.ToInt64(resp.ContentLength)
	md.ETag = aws.ToString(resp.ETag)
	md.LastModified = aws.ToTime(resp.LastModified)
	md.ContentType = aws.ToString(resp.ContentType)
	md.CacheControl = aws.ToString(resp.CacheControl)
	md.ContentDisposition = aws.ToString(resp.ContentDisposition)
	md.UserMetadata = resp.Metadata
	return resp.Body, md, nil
}

// body returns a PutObject body and its length. S3 needs the length up
// front, so unknown streams are buffered.
func body(content io.Reader, size int64) (io.Reader, int64, error) {
	switch r := content.(type) {
	case *bytes.Reader:
		return r, int64(r.Len()), nil
	case *bytes.Buffer:
		return r, int64(r.Len()), nil
	case *strings.Reader:
		return r, int64(r.Len()), nil
	case *os.File:
		if info, err := r.Stat(); err == nil {
			pos, _ := r.Seek(0, io.SeekCurrent)
			return r, info.Size() - pos, nil
		}
	case io.ReadSeeker:
		pos, err := r.Seek(0, io.SeekCurrent)
		if err == nil {
			end, err := r.Seek(0, io.SeekEnd)
			if err == nil {
				if _, err := r.Seek(pos, io.SeekStart); err == nil {
					return r, end - pos, nil
				}
			}
		}
	}
	if size > 0 {
		return io.LimitReader(content, size), size, nil
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, 0, err
	}
	return bytes.NewReader(data), int64(len(data)), nil
}

// Write implements dal.Accessor
func (a *Adapter) Write(ctx context.Context, path string, content io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
	if op.Append {
		return nil, dal.Unsupported("write", "WriteCanAppend")
	}
	if dal.IsDirPath(path) {
		return dal.NewMetadata(path), a.CreateDir(ctx, path, dal.OpCreateDir{})
	}
	r, n, err := body(content, op.Size)
	if err != nil {
		return nil, dal.WrapError("write", path, err)
	}
	contentType := op.ContentType
	if contentType == "" {
		contentType = dal.GuessContentType(path, nil)
	}

	resp, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(a.bucket),
		Key:                aws.String(a.key(path)),
		Body:               r,
		ContentLength:      aws.Int64(n),
		ContentType:        aws.String(contentType),
		CacheControl:       optional(op.CacheControl),
		ContentDisposition: optional(op.ContentDisposition),
	})
	if err != nil {
		return nil, mapError("write", path, err)
	}

	md := dal.NewMetadata(path)
	md.Size = n
	md.ETag = aws.ToString(resp.ETag)
	md.LastModified = time.Now().UTC()
	md.ContentType = contentType
	md.CacheControl = op.CacheControl
	md.ContentDisposition = op.ContentDisposition
	return md, nil
}

// CreateDir implements dal.Accessor. S3 has no directories, so an empty
// object with a trailing slash marks one.
func (a *Adapter) CreateDir(ctx context.Context, path string, _ dal.OpCreateDir) error {
	if path == "/" {
		return nil
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.key(path)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(dirContentType),
	})
	return mapError("create_dir", path, err)
}

// Delete implements dal.Accessor. S3 reports success for missing keys.
func (a *Adapter) Delete(ctx context.Context, path string, _ dal.OpDelete) error {
	if path == "/" {
		return nil
	}
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(path)),
	})
	err = mapError("delete", path, err)
	if dal.IsNotFound(err) {
		return nil
	}
	return err
}

// List implements dal.Accessor on ListObjectsV2. Non-recursive listings use
// "/" as delimiter and report common prefixes as directories.
func (a *Adapter) List(ctx context.Context, path string, op dal.OpList) (dal.Pager, error) {
	prefix := a.key(path)
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	}
	if !op.Recursive {
		in.Delimiter = aws.String("/")
	}
	if op.Limit > 0 {
		in.MaxKeys = aws.Int32(int32(min(op.Limit, maxDeleteKeys))) //nolint:gosec // bounded above
	}
	if op.StartAfter != "" {
		in.StartAfter = aws.String(a.key(op.StartAfter))
	}

	return dal.NewTokenPager(func(ctx context.Context, token string) ([]dal.Entry, string, bool, error) {
		page := *in
		page.ContinuationToken = optional(token)
		resp, err := a.client.ListObjectsV2(ctx, &page)
		if err != nil {
			return nil, "", false, mapError("list", path, err)
		}

		entries := make([]dal.Entry, 0, len(resp.Contents)+len(resp.CommonPrefixes))
		for _, cp := range resp.CommonPrefixes {
			rel := dal.BuildRelPath(a.root, aws.ToString(cp.Prefix))
			entries = append(entries, dal.NewEntry(rel, dal.NewMetadata(rel)))
		}
		for _, obj := range resp.Contents {
			k := aws.ToString(obj.Key)
			if k == prefix {
				continue
			}
			rel := dal.BuildRelPath(a.root, k)
			md := dal.NewMetadata(rel)
			md.LastModified = aws.ToTime(obj.LastModified)
			if md.IsFile() {
				md.Size = aws.ToInt64(obj.Size)
				md.ETag = aws.ToString(obj.ETag)
			}
			entries = append(entries, dal.NewEntry(rel, md))
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

		next := aws.ToString(resp.NextContinuationToken)
		return entries, next, !aws.ToBool(resp.IsTruncated) || next == "", nil
	}), nil
}

// copySource is the URL-encoded "bucket/key" CopyObject expects
func (a *Adapter) copySource(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return a.bucket + "/" + strings.Join(segments, "/")
}

// Copy implements dal.Accessor using the native CopyObject API
func (a *Adapter) Copy(ctx context.Context, from, to string, _ dal.OpCopy) error {
	_, err := a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(a.bucket),
		CopySource: aws.String(a.copySource(a.key(from))),
		Key:        aws.String(a.key(to)),
	})
	return mapError("copy", from, err)
}

// Rename implements dal.Accessor. S3 has no rename; the operator falls
// back to copy and delete.
func (a *Adapter) Rename(context.Context, string, string, dal.OpRename) error {
	return dal.Unsupported("rename", "Rename")
}

// Presign implements dal.Accessor
func (a *Adapter) Presign(ctx context.Context, path string, op dal.OpPresign) (*dal.PresignedRequest, error) {
	bucket, key := aws.String(a.bucket), aws.String(a.key(path))
	expires := func(o *s3.PresignOptions) { o.Expires = op.Expire }

	var req *v4.PresignedHTTPRequest
	var err error
	switch op.Operation {
	case dal.PresignStat:
		req, err = a.presign.PresignHeadObject(ctx, &s3.HeadObjectInput{Bucket: bucket, Key: key}, expires)
	case dal.PresignRead:
		req, err = a.presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: bucket, Key: key}, expires)
	case dal.PresignWrite:
		req, err = a.presign.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket:             bucket,
			Key:                key,
			ContentType:        optional(op.Write.ContentType),
			CacheControl:       optional(op.Write.CacheControl),
			ContentDisposition: optional(op.Write.ContentDisposition),
		}, expires)
	default:
		return nil, dal.Errorf(dal.KindInvalidInput, "presign", path, "unknown presign operation %q", op.Operation)
	}
	if err != nil {
		return nil, mapError("presign", path, err)
	}
	return &dal.PresignedRequest{
		Method:  req.Method,
		URL:     req.URL,
		Header:  req.SignedHeader,
		Expires: time.Now().Add(op.Expire),
	}, nil
}

// Batch implements dal.Accessor with DeleteObjects
func (a *Adapter) Batch(ctx context.Context, op dal.OpBatch) ([]dal.BatchResult, error) {
	if len(op.Paths) > maxDeleteKeys {
		return nil, dal.Errorf(dal.KindInvalidInput, "batch", "", "batch of %d paths exceeds %d", len(op.Paths), maxDeleteKeys)
	}
	results := make([]dal.BatchResult, len(op.Paths))
	if len(op.Paths) == 0 {
		return results, nil
	}
	objects := make([]types.ObjectIdentifier, len(op.Paths))
	index := make(map[string]int, len(op.Paths))
	for i, p := range op.Paths {
		k := a.key(p)
		objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
		index[k] = i
		results[i] = dal.BatchResult{Path: p}
	}

	resp, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(a.bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return nil, mapError("batch", "", err)
	}
	for _, e := range resp.Errors {
		i, ok := index[aws.ToString(e.Key)]
		if !ok || aws.ToString(e.Code) == "NoSuchKey" {
			continue
		}
		results[i].Err = mapError("delete", results[i].Path, &smithy.GenericAPIError{
			Code:    aws.ToString(e.Code),
			Message: aws.ToString(e.Message),
		})
	}
	return results, nil
}

// ============================================================================
// Multipart
// ============================================================================

// InitiateMultipart implements dal.Multipart
func (a *Adapter) InitiateMultipart(ctx context.Context, path string, op dal.OpWrite) (string, error) {
	contentType := op.ContentType
	if contentType == "" {
		contentType = dal.GuessContentType(path, nil)
	}
	resp, err := a.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:             aws.String(a.bucket),
		Key:                aws.String(a.key(path)),
		ContentType:        aws.String(contentType),
		CacheControl:       optional(op.CacheControl),
		ContentDisposition: optional(op.ContentDisposition),
	})
	if err != nil {
		return "", mapError("initiate_multipart", path, err)
	}
	return aws.ToString(resp.UploadId), nil
}

// WritePart implements dal.Multipart
func (a *Adapter) WritePart(ctx context.Context, path, uploadID string, partNumber int, r io.Reader, size int64) (dal.Part, error) {
	if partNumber < 1 || partNumber > maxParts {
		return dal.Part{}, dal.Errorf(dal.KindInvalidInput, "write_part", path, "part number must be between 1 and %d, got %d", maxParts, partNumber)
	}
	b, n, err := body(r, size)
	if err != nil {
		return dal.Part{}, dal.WrapError("write_part", path, err)
	}
	resp, err := a.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.key(path)),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)), //nolint:gosec // validated above
		Body:          b,
		ContentLength: aws.Int64(n),
	})
	if err != nil {
		return dal.Part{}, mapError("write_part", path, err)
	}
	return dal.Part{Number: partNumber, ETag: aws.ToString(resp.ETag), Size: n}, nil
}

// CompleteMultipart implements dal.Multipart
func (a *Adapter) CompleteMultipart(ctx context.Context, path, uploadID string, parts []dal.Part) (*dal.Metadata, error) {
	sorted := append([]dal.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	completed := make([]types.CompletedPart, len(sorted))
	var size int64
	for i, p := range sorted {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.Number)), //nolint:gosec // bounded by WritePart
		}
		size += p.Size
	}
	resp, err := a.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(a.key(path)),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, mapError("complete_multipart", path, err)
	}
	md := dal.NewMetadata(path)
	md.Size = size
	md.ETag = aws.ToString(resp.ETag)
	md.LastModified = time.Now().UTC()
	return md, nil
}

// AbortMultipart implements dal.Multipart
func (a *Adapter) AbortMultipart(ctx context.Context, path, uploadID string) error {
	_, err := a.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(a.bucket),
		Key:      aws.String(a.key(path)),
		UploadId: aws.String(uploadID),
	})
	return mapError("abort_multipart", path, err)
}

// ============================================================================
// Errors
// ============================================================================

func isStatus(err error, status int) bool {
	var re *smithyhttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == status
}

// mapError maps S3 errors to dal errors, first by API error code and then
// by HTTP status for responses without a body such as HEAD.
func mapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if ce := dal.FromContext(op, path, err); ce != nil {
		return ce
	}

	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	var noUpload *types.NoSuchUpload
	var noBucket *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &notFound) || errors.As(err, &noUpload) || errors.As(err, &noBucket) {
		return dal.NewError(dal.KindNotFound, op, path, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if kind, temporary, ok := kindOfCode(apiErr.ErrorCode()); ok {
			e := dal.NewError(kind, op, path, err)
			e.Temporary = temporary
			e.Message = apiErr.ErrorMessage()
			return e
		}
	}

	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		status := re.HTTPStatusCode()
		var kind dal.Kind
		switch {
		case status == http.StatusNotFound:
			kind = dal.KindNotFound
		case status == http.StatusForbidden, status == http.StatusUnauthorized:
			kind = dal.KindPermissionDenied
		case status == http.StatusPreconditionFailed, status == http.StatusNotModified:
			kind = dal.KindConditionNotMatch
		case status == http.StatusTooManyRequests:
			kind = dal.KindRateLimited
		case status == http.StatusRequestTimeout:
			kind = dal.KindTimeout
		case status >= 500:
			kind = dal.KindUnavailable
		default:
			return dal.WrapError(op, path, err)
		}
		return dal.NewError(kind, op, path, err)
	}
	return dal.WrapError(op, path, err)
}

func kindOfCode(code string) (dal.Kind, bool, bool) {
	switch code {
	case "NoSuchKey", "NotFound", "NoSuchUpload", "NoSuchBucket":
		return dal.KindNotFound, false, true
	case "PreconditionFailed", "NotModified":
		return dal.KindConditionNotMatch, false, true
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
		return dal.KindPermissionDenied, false, true
	case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequestsException":
		return dal.KindRateLimited, true, true
	case "InternalError", "ServiceUnavailable", "Busy":
		return dal.KindUnavailable, true, true
	case "RequestTimeout", "RequestTimeTooSkewed":
		return dal.KindTimeout, true, true
	case "InvalidRange", "EntityTooSmall", "EntityTooLarge", "InvalidPart", "InvalidPartOrder", "KeyTooLongError", "InvalidArgument":
		return dal.KindInvalidInput, false, true
	case "NotImplemented":
		return dal.KindUnsupported, false, true
	case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
		return dal.KindAlreadyExists, false, true
	}
	return 0, false, false
}

var _ dal.Accessor = (*Adapter)(nil)
