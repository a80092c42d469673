// Package memory provides an in-memory dal.Accessor. It supports every
// operation except presigning and is the reference backend for tests.
package memory

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // etag only
	"encoding/hex"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/dal"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// Scheme is the registry key of this backend
const Scheme = "memory"

// memoryFile represents a file stored in memory
type memoryFile struct {
	content            []byte
	contentType        string
	cacheControl       string
	contentDisposition string
	etag               string
	modTime            time.Time
}

type upload struct {
	path  string
	op    dal.OpWrite
	parts map[int][]byte
}

// watchEntry represents a single watch subscription
type watchEntry struct {
	filter glob.Glob
	token  *dal.CallbackChangeToken
}

// Adapter is an in-memory implementation of dal.Accessor.
// Useful for testing and caching scenarios
type Adapter struct {
	root string

	mu      sync.RWMutex
	files   map[string]*memoryFile
	dirs    map[string]time.Time
	uploads map[string]*upload
	maxSize int64 // Maximum total storage size (0 = unlimited)
	size    int64 // Current total size

	watchMu sync.RWMutex
	watches []*watchEntry
}

// Config holds configuration for the memory adapter
type Config struct {
	// Root prefixes every key
	Root string
	// MaxSize is the maximum total storage size in bytes (0 = unlimited)
	MaxSize int64
}

// New creates a new in-memory adapter
func New(cfg ...Config) *Adapter {
	var c Config
	if len(cfg) > 0 {
		c = cfg[0]
	}
	return &Adapter{
		root:    dal.NormalizeRoot(c.Root),
		files:   make(map[string]*memoryFile),
		dirs:    make(map[string]time.Time),
		uploads: make(map[string]*upload),
		maxSize: c.MaxSize,
	}
}

// Factory builds an Adapter from the options "root" and "max_size".
func Factory(_ context.Context, options map[string]string) (dal.Accessor, error) {
	cfg := Config{Root: options["root"]}
	if v := options["max_size"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, dal.Errorf(dal.KindInvalidInput, "open", "", "memory: invalid max_size %q", v)
		}
		cfg.MaxSize = n
	}
	return New(cfg), nil
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
			CreateDir:                   true,
			Delete:                      true,
			Copy:                        true,
			Rename:                      true,
			List:                        true,
			ListWithLimit:               true,
			ListWithStartAfter:          true,
			ListWithRecursive:           true,
			Batch:                       true,
			BatchMaxOperations:          1000,
			Multipart:                   true,
		},
	}
}

func (a *Adapter) key(p string) string {
	return dal.BuildAbsPath(a.root, p)
}

func (a *Adapter) rel(key string) string {
	return dal.BuildRelPath(a.root, key)
}

func etagOf(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (f *memoryFile) metadata(p string) *dal.Metadata {
	md := dal.NewMetadata(p)
	md.Mode = dal.ModeFile
	md.Size = int64(len(f.content))
	md.LastModified = f.modTime
	md.ETag = f.etag
	md.ContentType = f.contentType
	md.CacheControl = f.cacheControl
	md.ContentDisposition = f.contentDisposition
	return md
}

// dirExists reports an explicit marker or any key below the prefix.
// Callers hold a.mu.
func (a *Adapter) dirExists(prefix string) bool {
	if prefix == "" {
		return true
	}
	if _, ok := a.dirs[prefix]; ok {
		return true
	}
	for k := range a.files {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	for k := range a.dirs {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Stat implements dal.Accessor
func (a *Adapter) Stat(ctx context.Context, path string, op dal.OpStat) (*dal.Metadata, error) {
	if err := dal.CheckContext(ctx, "stat", path); err != nil {
		return nil, err
	}
	if path == "/" {
		return dal.NewMetadata("/"), nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	k := a.key(path)
	if dal.IsDirPath(path) {
		if !a.dirExists(k) {
			return nil, dal.Errorf(dal.KindNotFound, "stat", path, "directory not found")
		}
		md := dal.NewMetadata(path)
		md.LastModified = a.dirs[k]
		return md, nil
	}
	f, ok := a.files[k]
	if !ok {
		return nil, dal.Errorf(dal.KindNotFound, "stat", path, "file not found")
	}
	if err := dal.CheckCondition("stat", path, f.etag, op.IfMatch, op.IfNoneMatch); err != nil {
		return nil, err
	}
	return f.metadata(path), nil
}

// Read implements dal.Accessor
func (a *Adapter) Read(ctx context.Context, path string, op dal.OpRead) (io.ReadCloser, *dal.Metadata, error) {
	if err := dal.CheckContext(ctx, "read", path); err != nil {
		return nil, nil, err
	}
	if dal.IsDirPath(path) {
		return nil, nil, dal.Errorf(dal.KindInvalidInput, "read", path, "cannot read a directory")
	}
	a.mu.RLock()
	f, ok := a.files[a.key(path)]
	a.mu.RUnlock()
	if !ok {
		return nil, nil, dal.Errorf(dal.KindNotFound, "read", path, "file not found")
	}
	if err := dal.CheckCondition("read", path, f.etag, op.IfMatch, op.IfNoneMatch); err != nil {
		return nil, nil, err
	}
	// content slices are never mutated in place, so sharing is safe
	rc, md := dal.RangeReader(f.content, op.Range, f.metadata(path))
	return rc, md, nil
}

// Write implements dal.Accessor
func (a *Adapter) Write(ctx context.Context, path string, r io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
	if err := dal.CheckContext(ctx, "write", path); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, dal.WrapError("write", path, err)
	}
	if dal.IsDirPath(path) {
		if len(data) > 0 {
			return nil, dal.Errorf(dal.KindInvalidInput, "write", path, "directory paths cannot hold content")
		}
		return dal.NewMetadata(path), a.CreateDir(ctx, path, dal.OpCreateDir{})
	}

	a.mu.Lock()
	k := a.key(path)
	existing, exists := a.files[k]
	if op.Append && exists {
		merged := make([]byte, 0, len(existing.content)+len(data))
		merged = append(merged, existing.content...)
		data = append(merged, data...)
	}
	newSize := a.size + int64(len(data))
	if exists {
		newSize -= int64(len(existing.content))
	}
	if a.maxSize > 0 && newSize > a.maxSize {
		a.mu.Unlock()
		return nil, dal.Errorf(dal.KindInvalidInput, "write", path, "storage limit of %d bytes exceeded", a.maxSize)
	}
	f := &memoryFile{
		content:            data,
		contentType:        op.ContentType,
		cacheControl:       op.CacheControl,
		contentDisposition: op.ContentDisposition,
		etag:               etagOf(data),
		modTime:            time.Now(),
	}
	if f.contentType == "" {
		if op.Append && exists {
			f.contentType = existing.contentType
		} else {
			f.contentType = dal.GuessContentType(path, data)
		}
	}
	a.files[k] = f
	a.size = newSize
	md := f.metadata(path)
	a.mu.Unlock()

	a.notifyWatchers(path)
	return md, nil
}

// CreateDir implements dal.Accessor
func (a *Adapter) CreateDir(ctx context.Context, path string, _ dal.OpCreateDir) error {
	if err := dal.CheckContext(ctx, "create_dir", path); err != nil {
		return err
	}
	if path == "/" {
		return nil
	}
	a.mu.Lock()
	if _, ok := a.dirs[a.key(path)]; !ok {
		a.dirs[a.key(path)] = time.Now()
	}
	a.mu.Unlock()
	return nil
}

// Delete implements dal.Accessor. Deleting a directory removes only its
// marker; the Operator's RemoveAll deletes the contents first.
func (a *Adapter) Delete(ctx context.Context, path string, _ dal.OpDelete) error {
	if err := dal.CheckContext(ctx, "delete", path); err != nil {
		return err
	}
	a.mu.Lock()
	k := a.key(path)
	if f, ok := a.files[k]; ok {
		a.size -= int64(len(f.content))
		delete(a.files, k)
	}
	delete(a.dirs, k)
	a.mu.Unlock()

	a.notifyWatchers(path)
	return nil
}

// List implements dal.Accessor. Entries are sorted by path and snapshot at
// the time of the call.
func (a *Adapter) List(ctx context.Context, path string, op dal.OpList) (dal.Pager, error) {
	if err := dal.CheckContext(ctx, "list", path); err != nil {
		return nil, err
	}
	prefix := a.key(path)

	a.mu.RLock()
	seen := make(map[string]*dal.Metadata)
	add := func(key string, md *dal.Metadata) {
		rest := strings.TrimPrefix(key, prefix)
		if rest == "" {
			return
		}
		for i := 0; i < len(rest)-1; i++ {
			if rest[i] != '/' {
				continue
			}
			dirKey := prefix + rest[:i+1]
			if _, ok := seen[dirKey]; !ok {
				seen[dirKey] = nil
			}
			if !op.Recursive {
				return
			}
		}
		seen[key] = md
	}
	for k, f := range a.files {
		if strings.HasPrefix(k, prefix) {
			add(k, f.metadata(a.rel(k)))
		}
	}
	for k, mod := range a.dirs {
		if strings.HasPrefix(k, prefix) {
			md := dal.NewMetadata(a.rel(k))
			md.LastModified = mod
			add(k, md)
		}
	}
	a.mu.RUnlock()

	entries := make([]dal.Entry, 0, len(seen))
	for k, md := range seen {
		p := a.rel(k)
		if op.StartAfter != "" && p <= op.StartAfter {
			continue
		}
		entries = append(entries, dal.NewEntry(p, md))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return dal.NewSlicePager(entries, op.Limit), nil
}

// Copy implements dal.Accessor
func (a *Adapter) Copy(ctx context.Context, from, to string, _ dal.OpCopy) error {
	if err := dal.CheckContext(ctx, "copy", from); err != nil {
		return err
	}
	a.mu.Lock()
	src, ok := a.files[a.key(from)]
	if !ok {
		a.mu.Unlock()
		return dal.Errorf(dal.KindNotFound, "copy", from, "source not found")
	}
	if old, ok := a.files[a.key(to)]; ok {
		a.size -= int64(len(old.content))
	}
	cp := *src
	cp.modTime = time.Now()
	a.files[a.key(to)] = &cp
	a.size += int64(len(cp.content))
	a.mu.Unlock()

	a.notifyWatchers(to)
	return nil
}

// Rename implements dal.Accessor
func (a *Adapter) Rename(ctx context.Context, from, to string, _ dal.OpRename) error {
	if err := dal.CheckContext(ctx, "rename", from); err != nil {
		return err
	}
	a.mu.Lock()
	src, ok := a.files[a.key(from)]
	if !ok {
		a.mu.Unlock()
		return dal.Errorf(dal.KindNotFound, "rename", from, "source not found")
	}
	if old, ok := a.files[a.key(to)]; ok {
		a.size -= int64(len(old.content))
	}
	delete(a.files, a.key(from))
	a.files[a.key(to)] = src
	a.mu.Unlock()

	a.notifyWatchers(from)
	a.notifyWatchers(to)
	return nil
}

// Presign implements dal.Accessor
func (a *Adapter) Presign(context.Context, string, dal.OpPresign) (*dal.PresignedRequest, error) {
	return nil, dal.Unsupported("presign", "Presign")
}

// Batch implements dal.Accessor
func (a *Adapter) Batch(ctx context.Context, op dal.OpBatch) ([]dal.BatchResult, error) {
	results := make([]dal.BatchResult, len(op.Paths))
	for i, p := range op.Paths {
		results[i] = dal.BatchResult{Path: p, Err: a.Delete(ctx, p, dal.OpDelete{})}
	}
	return results, nil
}

// InitiateMultipart implements dal.Multipart
func (a *Adapter) InitiateMultipart(ctx context.Context, path string, op dal.OpWrite) (string, error) {
	if err := dal.CheckContext(ctx, "initiate_multipart", path); err != nil {
		return "", err
	}
	id := uuid.NewString()
	a.mu.Lock()
	a.uploads[id] = &upload{path: path, op: op, parts: make(map[int][]byte)}
	a.mu.Unlock()
	return id, nil
}

func (a *Adapter) upload(op, path, id string) (*upload, error) {
	u, ok := a.uploads[id]
	if !ok || u.path != path {
		return nil, dal.Errorf(dal.KindNotFound, op, path, "upload %s not found", id)
	}
	return u, nil
}

// WritePart implements dal.Multipart
func (a *Adapter) WritePart(ctx context.Context, path, uploadID string, partNumber int, r io.Reader, _ int64) (dal.Part, error) {
	if err := dal.CheckContext(ctx, "write_part", path); err != nil {
		return dal.Part{}, err
	}
	if partNumber < 1 {
		return dal.Part{}, dal.Errorf(dal.KindInvalidInput, "write_part", path, "part number %d is below 1", partNumber)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return dal.Part{}, dal.WrapError("write_part", path, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	u, err := a.upload("write_part", path, uploadID)
	if err != nil {
		return dal.Part{}, err
	}
	u.parts[partNumber] = data
	return dal.Part{Number: partNumber, ETag: etagOf(data), Size: int64(len(data))}, nil
}

// CompleteMultipart implements dal.Multipart
func (a *Adapter) CompleteMultipart(ctx context.Context, path, uploadID string, parts []dal.Part) (*dal.Metadata, error) {
	if err := dal.CheckContext(ctx, "complete_multipart", path); err != nil {
		return nil, err
	}
	a.mu.Lock()
	u, err := a.upload("complete_multipart", path, uploadID)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	sorted := append([]dal.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	var buf bytes.Buffer
	for _, p := range sorted {
		data, ok := u.parts[p.Number]
		if !ok {
			a.mu.Unlock()
			return nil, dal.Errorf(dal.KindInvalidInput, "complete_multipart", path, "part %d was never uploaded", p.Number)
		}
		buf.Write(data)
	}
	delete(a.uploads, uploadID)
	a.mu.Unlock()

	op := u.op
	op.Append = false
	return a.Write(ctx, path, &buf, op)
}

// AbortMultipart implements dal.Multipart
func (a *Adapter) AbortMultipart(_ context.Context, path, uploadID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.upload("abort_multipart", path, uploadID); err != nil {
		return err
	}
	delete(a.uploads, uploadID)
	return nil
}

// Clear removes all content
func (a *Adapter) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = make(map[string]*memoryFile)
	a.dirs = make(map[string]time.Time)
	a.size = 0
}

// Size returns the total bytes stored
func (a *Adapter) Size() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

// FileCount returns the number of files stored
func (a *Adapter) FileCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.files)
}

// Watch implements dal.Watcher. Patterns are globs over relative paths
// with "/" as separator, e.g. "**.txt" or "config/*".
func (a *Adapter) Watch(ctx context.Context, pattern string) (dal.ChangeToken, error) {
	if err := dal.CheckContext(ctx, "watch", pattern); err != nil {
		return nil, err
	}
	g, err := glob.Compile(strings.TrimPrefix(pattern, "/"), '/')
	if err != nil {
		return nil, dal.Errorf(dal.KindInvalidInput, "watch", pattern, "bad pattern: %v", err)
	}

	token := dal.NewCallbackChangeToken()
	a.watchMu.Lock()
	a.watches = append(a.watches, &watchEntry{filter: g, token: token})
	a.watchMu.Unlock()

	// Clean up when context is cancelled
	go func() {
		<-ctx.Done()
		a.removeWatch(token)
	}()
	return token, nil
}

// notifyWatchers signals all watchers whose filter matches the given path
func (a *Adapter) notifyWatchers(path string) {
	a.watchMu.RLock()
	var fire []*dal.CallbackChangeToken
	for _, entry := range a.watches {
		if entry.filter.Match(path) {
			fire = append(fire, entry.token)
		}
	}
	a.watchMu.RUnlock()
	for _, t := range fire {
		go t.SignalChange()
	}
}

// removeWatch removes a watch entry by token
func (a *Adapter) removeWatch(token *dal.CallbackChangeToken) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()

	for i, entry := range a.watches {
		if entry.token == token {
			// Remove by swapping with last element
			a.watches[i] = a.watches[len(a.watches)-1]
			a.watches = a.watches[:len(a.watches)-1]
			return
		}
	}
}

var (
	_ dal.Accessor = (*Adapter)(nil)
	_ dal.Watcher  = (*Adapter)(nil)
)
