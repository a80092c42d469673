// Package local provides a dal.Accessor over a directory of the local
// filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gobeaver/dal"
	"github.com/google/uuid"
)

// Scheme is the registry key of this backend
const Scheme = "fs"

// Adapter provides a local filesystem implementation of dal.Accessor
type Adapter struct {
	root string

	mu      sync.Mutex
	uploads map[string]*uploadInfo
}

// uploadInfo stores metadata for an in-progress multipart upload.
type uploadInfo struct {
	path     string // Target path for the final file
	partsDir string // Directory storing uploaded parts
}

// New creates a new local filesystem adapter rooted at root. The directory
// is created when missing.
func New(root string) (*Adapter, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, dal.FromOS("open", root, err)
	}

	// Ensure the root directory exists
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, dal.FromOS("open", root, err)
	}

	return &Adapter{
		root:    absRoot,
		uploads: make(map[string]*uploadInfo),
	}, nil
}

// Factory builds an Adapter from the "root" option.
func Factory(_ context.Context, options map[string]string) (dal.Accessor, error) {
	root, err := dal.RequireOption(options, Scheme, "root")
	if err != nil {
		return nil, err
	}
	return New(root)
}

// Info implements dal.Accessor
func (a *Adapter) Info() dal.AccessorInfo {
	return dal.AccessorInfo{
		Scheme: Scheme,
		Root:   dal.NormalizeRoot(filepath.ToSlash(a.root)),
		Capability: dal.Capability{
			Stat:                true,
			StatWithIfMatch:     true,
			StatWithIfNoneMatch: true,
			Read:                true,
			ReadWithRange:       true,
			ReadWithIfMatch:     true,
			ReadWithIfNoneMatch: true,
			Write:               true,
			WriteCanEmpty:       true,
			WriteCanAppend:      true,
			WriteCanMulti:       true,
			CreateDir:           true,
			Delete:              true,
			Copy:                true,
			Rename:              true,
			List:                true,
			ListWithStartAfter:  true,
			ListWithRecursive:   true,
			Multipart:           true,
		},
	}
}

// full maps a relative dal path onto the filesystem. Paths that leave the
// root are rejected.
func (a *Adapter) full(op, p string) (string, error) {
	if p == "/" || p == "" {
		return a.root, nil
	}
	fullPath := filepath.Join(a.root, filepath.FromSlash(strings.TrimSuffix(p, "/")))
	if !isPathUnderRoot(a.root, fullPath) {
		return "", dal.Errorf(dal.KindInvalidInput, op, p, "path escapes root")
	}
	return fullPath, nil
}

// etagOf derives a validator from size and modification time. The local
// filesystem keeps no content hash.
func etagOf(info fs.FileInfo) string {
	return `"` + strconv.FormatInt(info.ModTime().UnixNano(), 16) + "-" + strconv.FormatInt(info.Size(), 16) + `"`
}

func metadataOf(p string, info fs.FileInfo) *dal.Metadata {
	if info.IsDir() && !dal.IsDirPath(p) {
		p += "/"
	}
	md := dal.NewMetadata(p)
	md.LastModified = info.ModTime()
	md.UserMetadata = platformMetadata(info)
	if info.IsDir() {
		return md
	}
	md.Size = info.Size()
	md.ETag = etagOf(info)
	md.ContentType = dal.GuessContentType(p, nil)
	return md
}

// Stat implements dal.Accessor
func (a *Adapter) Stat(ctx context.Context, path string, op dal.OpStat) (*dal.Metadata, error) {
	if err := dal.CheckContext(ctx, "stat", path); err != nil {
		return nil, err
	}
	fullPath, err := a.full("stat", path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, dal.FromOS("stat", path, err)
	}
	if dal.IsDirPath(path) && !info.IsDir() {
		return nil, dal.Errorf(dal.KindNotFound, "stat", path, "not a directory")
	}
	if !info.IsDir() {
		if err := dal.CheckCondition("stat", path, etagOf(info), op.IfMatch, op.IfNoneMatch); err != nil {
			return nil, err
		}
	}
	return metadataOf(path, info), nil
}

// Read implements dal.Accessor
func (a *Adapter) Read(ctx context.Context, path string, op dal.OpRead) (io.ReadCloser, *dal.Metadata, error) {
	if err := dal.CheckContext(ctx, "read", path); err != nil {
		return nil, nil, err
	}
	if dal.IsDirPath(path) {
		return nil, nil, dal.Errorf(dal.KindInvalidInput, "read", path, "cannot read a directory")
	}
	fullPath, err := a.full("read", path)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, nil, dal.FromOS("read", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, dal.FromOS("read", path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, dal.Errorf(dal.KindInvalidInput, "read", path, "cannot read a directory")
	}
	if err := dal.CheckCondition("read", path, etagOf(info), op.IfMatch, op.IfNoneMatch); err != nil {
		f.Close()
		return nil, nil, err
	}

	md := metadataOf(path, info)
	if op.Range.IsFull() {
		return f, md, nil
	}
	offset := op.Range.Offset
	if offset > info.Size() {
		offset = info.Size()
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, dal.FromOS("read", path, err)
	}
	n := info.Size() - offset
	if op.Range.Size > 0 && op.Range.Size < n {
		n = op.Range.Size
	}
	md.Size = n
	return &rangeFile{Reader: io.LimitReader(f, n), f: f}, md, nil
}

type rangeFile struct {
	io.Reader
	f *os.File
}

func (r *rangeFile) Close() error { return r.f.Close() }

// Write implements dal.Accessor. Replacing writes go through a temporary
// file in the target directory so readers never see partial content.
func (a *Adapter) Write(ctx context.Context, path string, content io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
	if err := dal.CheckContext(ctx, "write", path); err != nil {
		return nil, err
	}
	if dal.IsDirPath(path) {
		var probe [1]byte
		if n, _ := content.Read(probe[:]); n > 0 {
			return nil, dal.Errorf(dal.KindInvalidInput, "write", path, "directory paths cannot hold content")
		}
		if err := a.CreateDir(ctx, path, dal.OpCreateDir{}); err != nil {
			return nil, err
		}
		return dal.NewMetadata(path), nil
	}
	fullPath, err := a.full("write", path)
	if err != nil {
		return nil, err
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, dal.FromOS("write", path, err)
	}

	if op.Append {
		f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, dal.FromOS("write", path, err)
		}
		if _, err := io.Copy(f, content); err != nil {
			f.Close()
			return nil, dal.FromOS("write", path, err)
		}
		if err := f.Close(); err != nil {
			return nil, dal.FromOS("write", path, err)
		}
	} else if err := writeAtomic(fullPath, content); err != nil {
		return nil, dal.FromOS("write", path, err)
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, dal.FromOS("write", path, err)
	}
	return metadataOf(path, info), nil
}

func writeAtomic(fullPath string, content io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".dal-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fullPath)
}

// CreateDir implements dal.Accessor
func (a *Adapter) CreateDir(ctx context.Context, path string, _ dal.OpCreateDir) error {
	if err := dal.CheckContext(ctx, "create_dir", path); err != nil {
		return err
	}
	fullPath, err := a.full("create_dir", path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return dal.FromOS("create_dir", path, err)
	}
	return nil
}

// Delete implements dal.Accessor. Missing paths are not an error and only
// empty directories are removed.
func (a *Adapter) Delete(ctx context.Context, path string, _ dal.OpDelete) error {
	if err := dal.CheckContext(ctx, "delete", path); err != nil {
		return err
	}
	if path == "/" {
		return nil
	}
	fullPath, err := a.full("delete", path)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return dal.FromOS("delete", path, err)
	}
	return nil
}

// List implements dal.Accessor. A missing directory lists as empty.
func (a *Adapter) List(ctx context.Context, path string, op dal.OpList) (dal.Pager, error) {
	if err := dal.CheckContext(ctx, "list", path); err != nil {
		return nil, err
	}
	fullPath, err := a.full("list", path)
	if err != nil {
		return nil, err
	}
	prefix := path
	if prefix == "/" {
		prefix = ""
	}

	var entries []dal.Entry
	add := func(rel string, info fs.FileInfo) {
		md := metadataOf(rel, info)
		if op.StartAfter != "" && md.Path <= op.StartAfter {
			return
		}
		entries = append(entries, dal.NewEntry(md.Path, md))
	}

	if op.Recursive {
		err = filepath.WalkDir(fullPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == fullPath {
				return nil
			}
			if isTempName(d.Name()) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(fullPath, p)
			if err != nil {
				return err
			}
			add(prefix+filepath.ToSlash(rel), info)
			return nil
		})
	} else {
		var dirEntries []fs.DirEntry
		dirEntries, err = os.ReadDir(fullPath)
		for _, d := range dirEntries {
			if isTempName(d.Name()) {
				continue
			}
			info, ierr := d.Info()
			if ierr != nil {
				// removed between readdir and stat
				continue
			}
			add(prefix+d.Name(), info)
		}
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, dal.FromOS("list", path, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return dal.NewSlicePager(entries, op.Limit), nil
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".dal-") && strings.HasSuffix(name, ".tmp")
}

// Copy implements dal.Accessor
func (a *Adapter) Copy(ctx context.Context, from, to string, _ dal.OpCopy) error {
	if err := dal.CheckContext(ctx, "copy", from); err != nil {
		return err
	}
	src, err := a.full("copy", from)
	if err != nil {
		return err
	}
	dst, err := a.full("copy", to)
	if err != nil {
		return err
	}

	// Open source file
	srcFile, err := os.Open(src)
	if err != nil {
		return dal.FromOS("copy", from, err)
	}
	defer srcFile.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return dal.FromOS("copy", to, err)
	}
	if err := writeAtomic(dst, srcFile); err != nil {
		return dal.FromOS("copy", to, err)
	}
	return nil
}

// Rename implements dal.Accessor
func (a *Adapter) Rename(ctx context.Context, from, to string, _ dal.OpRename) error {
	if err := dal.CheckContext(ctx, "rename", from); err != nil {
		return err
	}
	src, err := a.full("rename", from)
	if err != nil {
		return err
	}
	dst, err := a.full("rename", to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return dal.FromOS("rename", from, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return dal.FromOS("rename", to, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return dal.FromOS("rename", from, err)
	}
	return nil
}

// Presign implements dal.Accessor
func (a *Adapter) Presign(context.Context, string, dal.OpPresign) (*dal.PresignedRequest, error) {
	return nil, dal.Unsupported("presign", "Presign")
}

// Batch implements dal.Accessor. The Operator falls back to single deletes.
func (a *Adapter) Batch(context.Context, dal.OpBatch) ([]dal.BatchResult, error) {
	return nil, dal.Unsupported("batch", "Batch")
}

// ============================================================================
// Multipart Implementation
// ============================================================================

// InitiateMultipart starts a staged upload. Parts are stored in a temporary
// directory until CompleteMultipart is called.
func (a *Adapter) InitiateMultipart(ctx context.Context, path string, _ dal.OpWrite) (string, error) {
	if err := dal.CheckContext(ctx, "initiate_multipart", path); err != nil {
		return "", err
	}
	if _, err := a.full("initiate_multipart", path); err != nil {
		return "", err
	}

	uploadID := uuid.NewString()
	partsDir, err := os.MkdirTemp("", "dal-upload-"+uploadID+"-")
	if err != nil {
		return "", dal.FromOS("initiate_multipart", path, err)
	}

	a.mu.Lock()
	a.uploads[uploadID] = &uploadInfo{path: path, partsDir: partsDir}
	a.mu.Unlock()
	return uploadID, nil
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

func partFile(partsDir string, n int) string {
	return filepath.Join(partsDir, strconv.Itoa(n))
}

// WritePart stores a part as a numbered file in the staging directory.
func (a *Adapter) WritePart(ctx context.Context, path, uploadID string, partNumber int, r io.Reader, _ int64) (dal.Part, error) {
	if err := dal.CheckContext(ctx, "write_part", path); err != nil {
		return dal.Part{}, err
	}
	if partNumber < 1 {
		return dal.Part{}, dal.Errorf(dal.KindInvalidInput, "write_part", path, "part number %d is below 1", partNumber)
	}
	info, err := a.upload("write_part", path, uploadID)
	if err != nil {
		return dal.Part{}, err
	}

	f, err := os.OpenFile(partFile(info.partsDir, partNumber), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return dal.Part{}, dal.FromOS("write_part", path, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return dal.Part{}, dal.FromOS("write_part", path, err)
	}
	return dal.Part{Number: partNumber, Size: n}, nil
}

// CompleteMultipart concatenates the listed parts in part-number order into
// the target file.
func (a *Adapter) CompleteMultipart(ctx context.Context, path, uploadID string, parts []dal.Part) (*dal.Metadata, error) {
	if err := dal.CheckContext(ctx, "complete_multipart", path); err != nil {
		return nil, err
	}
	info, err := a.upload("complete_multipart", path, uploadID)
	if err != nil {
		return nil, err
	}

	sorted := append([]dal.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	readers := make([]io.Reader, 0, len(sorted))
	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range sorted {
		f, err := os.Open(partFile(info.partsDir, p.Number))
		if os.IsNotExist(err) {
			return nil, dal.Errorf(dal.KindInvalidInput, "complete_multipart", path, "part %d was never uploaded", p.Number)
		}
		if err != nil {
			return nil, dal.FromOS("complete_multipart", path, fmt.Errorf("open part %d: %w", p.Number, err))
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	md, err := a.Write(ctx, path, io.MultiReader(readers...), dal.OpWrite{})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	delete(a.uploads, uploadID)
	a.mu.Unlock()
	os.RemoveAll(info.partsDir)
	return md, nil
}

// AbortMultipart cancels an upload and removes its staged parts.
func (a *Adapter) AbortMultipart(_ context.Context, path, uploadID string) error {
	info, err := a.upload("abort_multipart", path, uploadID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.uploads, uploadID)
	a.mu.Unlock()

	// Clean up parts directory
	if err := os.RemoveAll(info.partsDir); err != nil {
		return dal.FromOS("abort_multipart", path, err)
	}
	return nil
}

// isPathUnderRoot checks if a path is under the root directory
func isPathUnderRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

var (
	_ dal.Accessor = (*Adapter)(nil)
	_ dal.Watcher  = (*Adapter)(nil)
)
