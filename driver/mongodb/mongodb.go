// Package mongodb stores objects as documents of a MongoDB collection.
package mongodb

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // etag only
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobeaver/dal"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Scheme is the registry key of this backend
const Scheme = "mongodb"

const (
	defaultDatabase   = "dal"
	defaultCollection = "objects"
	defaultPageSize   = 1000
	// appendAttempts bounds the optimistic read-modify-write loop
	appendAttempts = 5
)

// objectDocument is one object or directory marker
type objectDocument struct {
	Key                string    `bson:"_id"`
	Content            []byte    `bson:"content"`
	Size               int64     `bson:"size"`
	ETag               string    `bson:"etag"`
	ContentType        string    `bson:"content_type,omitempty"`
	CacheControl       string    `bson:"cache_control,omitempty"`
	ContentDisposition string    `bson:"content_disposition,omitempty"`
	Modified           time.Time `bson:"modified"`
}

type uploadDocument struct {
	ID                 string `bson:"_id"`
	Key                string `bson:"key"`
	ContentType        string `bson:"content_type,omitempty"`
	CacheControl       string `bson:"cache_control,omitempty"`
	ContentDisposition string `bson:"content_disposition,omitempty"`
}

type partDocument struct {
	ID         string `bson:"_id"`
	UploadID   string `bson:"upload_id"`
	PartNumber int    `bson:"part_number"`
	Content    []byte `bson:"content"`
	ETag       string `bson:"etag"`
}

// Config holds configuration for the mongodb adapter
type Config struct {
	URI        string
	Database   string
	Collection string
	Root       string
}

// Adapter is a dal.Accessor over a MongoDB collection. Uploads are staged
// in the sibling collections <collection>_uploads and <collection>_parts.
type Adapter struct {
	client  *mongo.Client
	objects *mongo.Collection
	uploads *mongo.Collection
	parts   *mongo.Collection
	root    string
	owned   bool
}

// New uses an existing client
func New(client *mongo.Client, cfg Config) *Adapter {
	db := cfg.Database
	if db == "" {
		db = defaultDatabase
	}
	coll := cfg.Collection
	if coll == "" {
		coll = defaultCollection
	}
	d := client.Database(db)
	return &Adapter{
		client:  client,
		objects: d.Collection(coll),
		uploads: d.Collection(coll + "_uploads"),
		parts:   d.Collection(coll + "_parts"),
		root:    dal.NormalizeRoot(cfg.Root),
	}
}

// Connect dials cfg.URI, verifies the connection and creates the part index.
func Connect(ctx context.Context, cfg Config) (*Adapter, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, mapError("open", "", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, mapError("open", "", err)
	}
	a := New(client, cfg)
	a.owned = true

	_, err = a.parts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "upload_id", Value: 1}, {Key: "part_number", Value: 1}},
	})
	if err != nil {
		a.Close(context.Background())
		return nil, mapError("open", "", err)
	}
	return a, nil
}

// Factory builds an Adapter from the options "uri" (required), "database",
// "collection" and "root".
func Factory(ctx context.Context, opts map[string]string) (dal.Accessor, error) {
	uri, err := dal.RequireOption(opts, Scheme, "uri")
	if err != nil {
		return nil, err
	}
	return Connect(ctx, Config{
		URI:        uri,
		Database:   opts["database"],
		Collection: opts["collection"],
		Root:       opts["root"],
	})
}

// Close disconnects the client when the adapter created it
func (a *Adapter) Close(ctx context.Context) error {
	if !a.owned {
		return nil
	}
	return a.client.Disconnect(ctx)
}

// Info implements dal.Accessor
func (a *Adapter) Info() dal.AccessorInfo {
	return dal.AccessorInfo{
		Scheme: Scheme,
		Root:   a.root,
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
			WriteCanAppend:              true,
			WriteCanMulti:               true,
			WriteWithContentType:        true,
			WriteWithCacheControl:       true,
			WriteWithContentDisposition: true,
			// documents are capped at 16 MiB
			WriteMultiMaxSize:  16 << 20,
			CreateDir:          true,
			Delete:             true,
			Copy:               true,
			Rename:             true,
			List:               true,
			ListWithLimit:      true,
			ListWithStartAfter: true,
			ListWithRecursive:  true,
			Batch:              true,
			BatchMaxOperations: defaultPageSize,
			Multipart:          true,
		},
	}
}

func (a *Adapter) key(p string) string {
	return dal.BuildAbsPath(a.root, p)
}

func (a *Adapter) rel(key string) string {
	return dal.BuildRelPath(a.root, key)
}

// prefixEnd returns the smallest string greater than every string with
// the given "/" terminated prefix.
func prefixEnd(prefix string) string {
	if prefix == "" {
		return ""
	}
	return prefix[:len(prefix)-1] + string(prefix[len(prefix)-1]+1)
}

func etagOf(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (d *objectDocument) metadata(p string) *dal.Metadata {
	md := dal.NewMetadata(p)
	md.LastModified = d.Modified
	if md.IsDir() {
		return md
	}
	md.Size = d.Size
	md.ETag = d.ETag
	md.ContentType = d.ContentType
	md.CacheControl = d.CacheControl
	md.ContentDisposition = d.ContentDisposition
	return md
}

// metaProjection leaves the content out of stat and list queries
var metaProjection = bson.M{"content": 0}

func (a *Adapter) find(ctx context.Context, key string, withContent bool) (*objectDocument, error) {
	opts := options.FindOne()
	if !withContent {
		opts.SetProjection(metaProjection)
	}
	var doc objectDocument
	if err := a.objects.FindOne(ctx, bson.M{"_id": key}, opts).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Stat implements dal.Accessor
func (a *Adapter) Stat(ctx context.Context, path string, op dal.OpStat) (*dal.Metadata, error) {
	if path == "/" {
		return dal.NewMetadata("/"), nil
	}
	k := a.key(path)
	if dal.IsDirPath(path) {
		n, err := a.objects.CountDocuments(ctx, bson.M{"_id": bson.M{"$gte": k, "$lt": prefixEnd(k)}}, options.Count().SetLimit(1))
		if err != nil {
			return nil, mapError("stat", path, err)
		}
		if n == 0 {
			return nil, dal.Errorf(dal.KindNotFound, "stat", path, "directory not found")
		}
		return dal.NewMetadata(path), nil
	}
	doc, err := a.find(ctx, k, false)
	if err != nil {
		return nil, mapError("stat", path, err)
	}
	if err := dal.CheckCondition("stat", path, doc.ETag, op.IfMatch, op.IfNoneMatch); err != nil {
		return nil, err
	}
	return doc.metadata(path), nil
}

// Read implements dal.Accessor
func (a *Adapter) Read(ctx context.Context, path string, op dal.OpRead) (io.ReadCloser, *dal.Metadata, error) {
	if dal.IsDirPath(path) {
		return nil, nil, dal.Errorf(dal.KindInvalidInput, "read", path, "cannot read a directory")
	}
	doc, err := a.find(ctx, a.key(path), true)
	if err != nil {
		return nil, nil, mapError("read", path, err)
	}
	if err := dal.CheckCondition("read", path, doc.ETag, op.IfMatch, op.IfNoneMatch); err != nil {
		return nil, nil, err
	}
	rc, md := dal.RangeReader(doc.Content, op.Range, doc.metadata(path))
	return rc, md, nil
}

func (a *Adapter) replace(ctx context.Context, doc *objectDocument) error {
	_, err := a.objects.ReplaceOne(ctx, bson.M{"_id": doc.Key}, doc, options.Replace().SetUpsert(true))
	return err
}

// Write implements dal.Accessor. Appends are an optimistic read-modify-write
// guarded by the previous etag, so no replica set is required.
func (a *Adapter) Write(ctx context.Context, path string, content io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, dal.WrapError("write", path, err)
	}
	if dal.IsDirPath(path) {
		if len(data) > 0 {
			return nil, dal.Errorf(dal.KindInvalidInput, "write", path, "directory paths cannot hold content")
		}
		return dal.NewMetadata(path), a.CreateDir(ctx, path, dal.OpCreateDir{})
	}

	doc := &objectDocument{
		Key:                a.key(path),
		ContentType:        op.ContentType,
		CacheControl:       op.CacheControl,
		ContentDisposition: op.ContentDisposition,
	}
	if !op.Append {
		doc.fill(path, data)
		if err := a.replace(ctx, doc); err != nil {
			return nil, mapError("write", path, err)
		}
		return doc.metadata(path), nil
	}

	for attempt := 0; attempt < appendAttempts; attempt++ {
		existing, err := a.find(ctx, doc.Key, true)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			doc.fill(path, data)
			_, err = a.objects.InsertOne(ctx, doc)
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
		case err == nil:
			if doc.ContentType == "" {
				doc.ContentType = existing.ContentType
			}
			doc.fill(path, append(existing.Content, data...))
			var res *mongo.UpdateResult
			res, err = a.objects.ReplaceOne(ctx, bson.M{"_id": doc.Key, "etag": existing.ETag}, doc)
			if err == nil && res.MatchedCount == 0 {
				continue
			}
		}
		if err != nil {
			return nil, mapError("write", path, err)
		}
		return doc.metadata(path), nil
	}
	return nil, &dal.Error{
		Kind:      dal.KindConditionNotMatch,
		Op:        "write",
		Path:      path,
		Message:   "concurrent appends kept changing the object",
		Temporary: true,
	}
}

func (d *objectDocument) fill(path string, data []byte) {
	d.Content = data
	d.Size = int64(len(data))
	d.ETag = etagOf(data)
	d.Modified = time.Now().UTC().Truncate(time.Millisecond)
	if d.ContentType == "" {
		d.ContentType = dal.GuessContentType(path, data)
	}
}

// CreateDir implements dal.Accessor
func (a *Adapter) CreateDir(ctx context.Context, path string, _ dal.OpCreateDir) error {
	if path == "/" {
		return nil
	}
	k := a.key(path)
	_, err := a.objects.UpdateOne(ctx,
		bson.M{"_id": k},
		bson.M{"$setOnInsert": bson.M{
			"content":  []byte{},
			"size":     0,
			"etag":     "",
			"modified": time.Now().UTC().Truncate(time.Millisecond),
		}},
		options.Update().SetUpsert(true),
	)
	return mapError("create_dir", path, err)
}

// Delete implements dal.Accessor
func (a *Adapter) Delete(ctx context.Context, path string, _ dal.OpDelete) error {
	_, err := a.objects.DeleteOne(ctx, bson.M{"_id": a.key(path)})
	return mapError("delete", path, err)
}

// List implements dal.Accessor. Documents are read in _id order; a
// non-recursive listing jumps over each child directory.
func (a *Adapter) List(ctx context.Context, path string, op dal.OpList) (dal.Pager, error) {
	prefix := a.key(path)
	end := prefixEnd(prefix)
	limit := op.Limit
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	// tokens are "e<key>" for $gte and "g<key>" for $gt
	start := "e" + prefix
	if op.StartAfter != "" {
		if k := a.key(op.StartAfter); k >= prefix {
			start = "g" + k
		}
	}
	seen := make(map[string]bool)

	return dal.NewTokenPager(func(ctx context.Context, token string) ([]dal.Entry, string, bool, error) {
		if token == "" {
			token = start
		}
		cmp := "$gt"
		if token[0] == 'e' {
			cmp = "$gte"
		}
		bounds := bson.M{cmp: token[1:]}
		if end != "" {
			bounds["$lt"] = end
		}
		cur, err := a.objects.Find(ctx, bson.M{"_id": bounds}, options.Find().
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetLimit(int64(limit)).
			SetProjection(metaProjection))
		if err != nil {
			return nil, "", false, mapError("list", path, err)
		}
		defer cur.Close(ctx)

		var entries []dal.Entry
		emit := func(key string, doc *objectDocument) {
			if seen[key] {
				return
			}
			seen[key] = true
			rel := a.rel(key)
			if op.StartAfter != "" && rel <= op.StartAfter {
				return
			}
			md := dal.NewMetadata(rel)
			if doc != nil {
				md = doc.metadata(rel)
			}
			entries = append(entries, dal.NewEntry(rel, md))
		}

		n := 0
		next := ""
		jumped := false
		for cur.Next(ctx) {
			var doc objectDocument
			if err := cur.Decode(&doc); err != nil {
				return nil, "", false, mapError("list", path, err)
			}
			n++
			next = "g" + doc.Key
			rest := strings.TrimPrefix(doc.Key, prefix)
			if rest == "" {
				continue
			}
			if slash := strings.IndexByte(rest, '/'); slash >= 0 && slash < len(rest)-1 {
				if !op.Recursive {
					child := prefix + rest[:slash+1]
					emit(child, nil)
					next = "e" + prefixEnd(child)
					jumped = true
					break
				}
				for i, r := range rest[:len(rest)-1] {
					if r == '/' {
						emit(prefix+rest[:i+1], nil)
					}
				}
			}
			emit(doc.Key, &doc)
		}
		if err := cur.Err(); err != nil {
			return nil, "", false, mapError("list", path, err)
		}
		if n == 0 {
			return entries, "", true, nil
		}
		return entries, next, n < limit && !jumped, nil
	}), nil
}

// Copy implements dal.Accessor
func (a *Adapter) Copy(ctx context.Context, from, to string, _ dal.OpCopy) error {
	doc, err := a.find(ctx, a.key(from), true)
	if err != nil {
		return mapError("copy", from, err)
	}
	doc.Key = a.key(to)
	doc.Modified = time.Now().UTC().Truncate(time.Millisecond)
	return mapError("copy", to, a.replace(ctx, doc))
}

// Rename implements dal.Accessor as copy then delete. _id is immutable in
// MongoDB, so the document cannot be updated in place.
func (a *Adapter) Rename(ctx context.Context, from, to string, _ dal.OpRename) error {
	if err := a.Copy(ctx, from, to, dal.OpCopy{}); err != nil {
		return err
	}
	return a.Delete(ctx, from, dal.OpDelete{})
}

// Presign implements dal.Accessor
func (a *Adapter) Presign(context.Context, string, dal.OpPresign) (*dal.PresignedRequest, error) {
	return nil, dal.Unsupported("presign", "Presign")
}

// Batch implements dal.Accessor using DeleteMany
func (a *Adapter) Batch(ctx context.Context, op dal.OpBatch) ([]dal.BatchResult, error) {
	keys := make([]string, len(op.Paths))
	for i, p := range op.Paths {
		keys[i] = a.key(p)
	}
	if _, err := a.objects.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": keys}}); err != nil {
		return nil, mapError("batch", "", err)
	}
	results := make([]dal.BatchResult, len(op.Paths))
	for i, p := range op.Paths {
		results[i] = dal.BatchResult{Path: p}
	}
	return results, nil
}

// ============================================================================
// Multipart
// ============================================================================

// InitiateMultipart implements dal.Multipart
func (a *Adapter) InitiateMultipart(ctx context.Context, path string, op dal.OpWrite) (string, error) {
	id := uuid.NewString()
	_, err := a.uploads.InsertOne(ctx, uploadDocument{
		ID:                 id,
		Key:                a.key(path),
		ContentType:        op.ContentType,
		CacheControl:       op.CacheControl,
		ContentDisposition: op.ContentDisposition,
	})
	if err != nil {
		return "", mapError("initiate_multipart", path, err)
	}
	return id, nil
}

func (a *Adapter) upload(ctx context.Context, op, path, id string) (*uploadDocument, error) {
	var u uploadDocument
	err := a.uploads.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) || (err == nil && u.Key != a.key(path)) {
		return nil, dal.Errorf(dal.KindNotFound, op, path, "upload %s not found", id)
	}
	if err != nil {
		return nil, mapError(op, path, err)
	}
	return &u, nil
}

func partID(uploadID string, n int) string {
	return uploadID + ":" + strconv.Itoa(n)
}

// WritePart implements dal.Multipart
func (a *Adapter) WritePart(ctx context.Context, path, uploadID string, partNumber int, r io.Reader, _ int64) (dal.Part, error) {
	if partNumber < 1 {
		return dal.Part{}, dal.Errorf(dal.KindInvalidInput, "write_part", path, "part number %d is below 1", partNumber)
	}
	if _, err := a.upload(ctx, "write_part", path, uploadID); err != nil {
		return dal.Part{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return dal.Part{}, dal.WrapError("write_part", path, err)
	}
	part := partDocument{
		ID:         partID(uploadID, partNumber),
		UploadID:   uploadID,
		PartNumber: partNumber,
		Content:    data,
		ETag:       etagOf(data),
	}
	if _, err := a.parts.ReplaceOne(ctx, bson.M{"_id": part.ID}, part, options.Replace().SetUpsert(true)); err != nil {
		return dal.Part{}, mapError("write_part", path, err)
	}
	return dal.Part{Number: partNumber, ETag: part.ETag, Size: int64(len(data))}, nil
}

// CompleteMultipart implements dal.Multipart
func (a *Adapter) CompleteMultipart(ctx context.Context, path, uploadID string, parts []dal.Part) (*dal.Metadata, error) {
	u, err := a.upload(ctx, "complete_multipart", path, uploadID)
	if err != nil {
		return nil, err
	}
	sorted := append([]dal.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	var buf bytes.Buffer
	for _, p := range sorted {
		var part partDocument
		err := a.parts.FindOne(ctx, bson.M{"_id": partID(uploadID, p.Number)}).Decode(&part)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, dal.Errorf(dal.KindInvalidInput, "complete_multipart", path, "part %d was never uploaded", p.Number)
		}
		if err != nil {
			return nil, mapError("complete_multipart", path, err)
		}
		buf.Write(part.Content)
	}

	doc := &objectDocument{
		Key:                u.Key,
		ContentType:        u.ContentType,
		CacheControl:       u.CacheControl,
		ContentDisposition: u.ContentDisposition,
	}
	doc.fill(path, buf.Bytes())
	if err := a.replace(ctx, doc); err != nil {
		return nil, mapError("complete_multipart", path, err)
	}
	if err := a.dropUpload(ctx, uploadID); err != nil {
		return nil, mapError("complete_multipart", path, err)
	}
	return doc.metadata(path), nil
}

func (a *Adapter) dropUpload(ctx context.Context, uploadID string) error {
	if _, err := a.parts.DeleteMany(ctx, bson.M{"upload_id": uploadID}); err != nil {
		return err
	}
	_, err := a.uploads.DeleteOne(ctx, bson.M{"_id": uploadID})
	return err
}

// AbortMultipart implements dal.Multipart
func (a *Adapter) AbortMultipart(ctx context.Context, path, uploadID string) error {
	if _, err := a.upload(ctx, "abort_multipart", path, uploadID); err != nil {
		return err
	}
	return mapError("abort_multipart", path, a.dropUpload(ctx, uploadID))
}

// MongoDB server error codes
const (
	codeUnauthorized       = 13
	codeExceededTimeLimit  = 50
	codeSocketException    = 9001
	codeNotPrimary         = 10107
	codeDocumentTooLarge   = 10334
	codeInterrupted        = 11602
	codeBSONObjectTooLarge = 17419
)

// mapError classifies driver errors
func mapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return dal.NewError(dal.KindNotFound, op, path, err)
	}
	if ce := dal.FromContext(op, path, err); ce != nil {
		return ce
	}
	switch {
	case mongo.IsDuplicateKeyError(err):
		return dal.NewError(dal.KindAlreadyExists, op, path, err)
	case mongo.IsTimeout(err):
		e := dal.NewError(dal.KindTimeout, op, path, err)
		e.Temporary = true
		return e
	case mongo.IsNetworkError(err):
		e := dal.NewError(dal.KindUnavailable, op, path, err)
		e.Temporary = true
		return e
	case errors.Is(err, mongo.ErrClientDisconnected):
		return dal.NewError(dal.KindUnavailable, op, path, err)
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case se.HasErrorCode(codeUnauthorized):
			return dal.NewError(dal.KindPermissionDenied, op, path, err)
		case se.HasErrorCode(codeDocumentTooLarge), se.HasErrorCode(codeBSONObjectTooLarge):
			return dal.NewError(dal.KindInvalidInput, op, path, err)
		case se.HasErrorCode(codeNotPrimary), se.HasErrorCode(codeInterrupted),
			se.HasErrorCode(codeSocketException), se.HasErrorCode(codeExceededTimeLimit):
			e := dal.NewError(dal.KindUnavailable, op, path, err)
			e.Temporary = true
			return e
		case se.HasErrorLabel("TransientTransactionError"), se.HasErrorLabel("RetryableWriteError"):
			e := dal.NewError(dal.KindUnavailable, op, path, err)
			e.Temporary = true
			return e
		}
	}
	return dal.WrapError(op, path, err)
}

var _ dal.Accessor = (*Adapter)(nil)
