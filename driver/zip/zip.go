// Package zip provides a read-only dal.Accessor over a ZIP archive.
package zip

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobeaver/dal"
)

// Scheme is the registry key of this backend
const Scheme = "zip"

// Adapter serves the entries of a ZIP archive. The archive index is built
// once when the adapter opens and never changes.
type Adapter struct {
	root   string
	closer io.Closer
	files  map[string]*zipEntry // keyed by path without the leading "/"
}

// zipEntry represents a file or directory in the ZIP
type zipEntry struct {
	file    *zip.File // nil for directories implied by a nested file
	modTime time.Time
}

func (e *zipEntry) isDir() bool {
	return e.file == nil || e.file.FileInfo().IsDir()
}

// Open opens an existing ZIP file. Close releases it.
func Open(zipPath string, root ...string) (*Adapter, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, openError(zipPath, err)
	}
	a := newAdapter(&reader.Reader, rootOf(root))
	a.closer = reader
	return a, nil
}

// NewFromReader serves an archive held in r, which is size bytes long.
func NewFromReader(r io.ReaderAt, size int64, root ...string) (*Adapter, error) {
	reader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, openError("", err)
	}
	return newAdapter(reader, rootOf(root)), nil
}

// Factory opens the archive named by the "path" option. "root" selects a
// directory inside the archive.
func Factory(_ context.Context, options map[string]string) (dal.Accessor, error) {
	p, err := dal.RequireOption(options, Scheme, "path")
	if err != nil {
		return nil, err
	}
	return Open(p, options["root"])
}

func openError(zipPath string, err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return dal.FromOS("open", zipPath, err)
	}
	// archive/zip reports malformed input with zip.ErrFormat and friends
	return dal.NewError(dal.KindInvalidInput, "open", zipPath, err)
}

func rootOf(root []string) string {
	if len(root) == 0 {
		return "/"
	}
	return dal.NormalizeRoot(root[0])
}

func newAdapter(r *zip.Reader, root string) *Adapter {
	a := &Adapter{root: root, files: make(map[string]*zipEntry)}
	for _, f := range r.File {
		name := normalizePath(f.Name)
		if name == "" || !isValidPath(name) {
			continue
		}
		if f.FileInfo().IsDir() && !strings.HasSuffix(name, "/") {
			name += "/"
		}
		a.files[name] = &zipEntry{file: f, modTime: f.Modified}
		a.ensureParentDirs(name, f.Modified)
	}
	return a
}

// ensureParentDirs adds implicit entries for every ancestor of name
func (a *Adapter) ensureParentDirs(name string, mod time.Time) {
	for dir := dal.ParentDir(name); dir != "/"; dir = dal.ParentDir(dir) {
		if _, ok := a.files[dir]; ok {
			return
		}
		a.files[dir] = &zipEntry{modTime: mod}
	}
}

// normalizePath converts an archive member name to dal form
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	dir := strings.HasSuffix(p, "/")
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if dir && p != "" {
		p += "/"
	}
	return p
}

// isValidPath rejects member names that climb out of the archive
func isValidPath(p string) bool {
	return !strings.HasPrefix(p, "../") && p != ".."
}

// Close releases the archive file
func (a *Adapter) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

// Info implements dal.Accessor
func (a *Adapter) Info() dal.AccessorInfo {
	return dal.AccessorInfo{
		Scheme: Scheme,
		Root:   a.root,
		Capability: dal.Capability{
			Stat:                true,
			StatWithIfMatch:     true,
			StatWithIfNoneMatch: true,
			Read:                true,
			ReadWithRange:       true,
			ReadWithIfMatch:     true,
			ReadWithIfNoneMatch: true,
			List:                true,
			ListWithStartAfter:  true,
			ListWithRecursive:   true,
		},
	}
}

func (a *Adapter) key(p string) string {
	return dal.BuildAbsPath(a.root, p)
}

func etagOf(f *zip.File) string {
	return `"` + strconv.FormatUint(uint64(f.CRC32), 16) + "-" + strconv.FormatUint(f.UncompressedSize64, 16) + `"`
}

func (e *zipEntry) metadata(p string) *dal.Metadata {
	md := dal.NewMetadata(p)
	md.LastModified = e.modTime
	if e.isDir() {
		md.Mode = dal.ModeDir
		return md
	}
	md.Size = int64(e.file.UncompressedSize64)
	md.ETag = etagOf(e.file)
	md.ContentType = dal.GuessContentType(p, nil)
	if e.file.Comment != "" {
		md.UserMetadata = map[string]string{"comment": e.file.Comment}
	}
	return md
}

// Stat implements dal.Accessor
func (a *Adapter) Stat(ctx context.Context, p string, op dal.OpStat) (*dal.Metadata, error) {
	if err := dal.CheckContext(ctx, "stat", p); err != nil {
		return nil, err
	}
	if p == "/" {
		return dal.NewMetadata("/"), nil
	}
	entry, ok := a.files[a.key(p)]
	if !ok {
		return nil, dal.Errorf(dal.KindNotFound, "stat", p, "no such entry in archive")
	}
	if !entry.isDir() {
		if err := dal.CheckCondition("stat", p, etagOf(entry.file), op.IfMatch, op.IfNoneMatch); err != nil {
			return nil, err
		}
	}
	return entry.metadata(p), nil
}

// Read implements dal.Accessor. Members are compressed, so ranged reads
// decompress and discard the bytes before the offset.
func (a *Adapter) Read(ctx context.Context, p string, op dal.OpRead) (io.ReadCloser, *dal.Metadata, error) {
	if err := dal.CheckContext(ctx, "read", p); err != nil {
		return nil, nil, err
	}
	if dal.IsDirPath(p) {
		return nil, nil, dal.Errorf(dal.KindInvalidInput, "read", p, "cannot read a directory")
	}
	entry, ok := a.files[a.key(p)]
	if !ok || entry.isDir() {
		return nil, nil, dal.Errorf(dal.KindNotFound, "read", p, "no such file in archive")
	}
	if err := dal.CheckCondition("read", p, etagOf(entry.file), op.IfMatch, op.IfNoneMatch); err != nil {
		return nil, nil, err
	}

	rc, err := entry.file.Open()
	if err != nil {
		return nil, nil, dal.NewError(dal.KindUnexpected, "read", p, err)
	}
	md := entry.metadata(p)
	if op.Range.IsFull() {
		return rc, md, nil
	}

	size := md.Size
	offset := op.Range.Offset
	if offset > size {
		offset = size
	}
	if _, err := io.CopyN(io.Discard, rc, offset); err != nil {
		rc.Close()
		return nil, nil, dal.NewError(dal.KindUnexpected, "read", p, err)
	}
	n := size - offset
	if op.Range.Size > 0 && op.Range.Size < n {
		n = op.Range.Size
	}
	md.Size = n
	return &limitedReadCloser{Reader: io.LimitReader(rc, n), Closer: rc}, md, nil
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// List implements dal.Accessor
func (a *Adapter) List(ctx context.Context, p string, op dal.OpList) (dal.Pager, error) {
	if err := dal.CheckContext(ctx, "list", p); err != nil {
		return nil, err
	}
	prefix := a.key(p)

	var entries []dal.Entry
	for k, e := range a.files {
		if !strings.HasPrefix(k, prefix) || k == prefix {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if !op.Recursive && strings.Contains(strings.TrimSuffix(rest, "/"), "/") {
			// nested; its ancestor directory is listed instead
			continue
		}
		rel := dal.BuildRelPath(a.root, k)
		if op.StartAfter != "" && rel <= op.StartAfter {
			continue
		}
		entries = append(entries, dal.NewEntry(rel, e.metadata(rel)))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return dal.NewSlicePager(entries, op.Limit), nil
}

// Write implements dal.Accessor
func (a *Adapter) Write(context.Context, string, io.Reader, dal.OpWrite) (*dal.Metadata, error) {
	return nil, dal.Unsupported("write", "Write")
}

// CreateDir implements dal.Accessor
func (a *Adapter) CreateDir(context.Context, string, dal.OpCreateDir) error {
	return dal.Unsupported("create_dir", "CreateDir")
}

// Delete implements dal.Accessor
func (a *Adapter) Delete(context.Context, string, dal.OpDelete) error {
	return dal.Unsupported("delete", "Delete")
}

// Copy implements dal.Accessor
func (a *Adapter) Copy(context.Context, string, string, dal.OpCopy) error {
	return dal.Unsupported("copy", "Copy")
}

// Rename implements dal.Accessor
func (a *Adapter) Rename(context.Context, string, string, dal.OpRename) error {
	return dal.Unsupported("rename", "Rename")
}

// Presign implements dal.Accessor
func (a *Adapter) Presign(context.Context, string, dal.OpPresign) (*dal.PresignedRequest, error) {
	return nil, dal.Unsupported("presign", "Presign")
}

// Batch implements dal.Accessor
func (a *Adapter) Batch(context.Context, dal.OpBatch) ([]dal.BatchResult, error) {
	return nil, dal.Unsupported("batch", "Batch")
}

// InitiateMultipart implements dal.Multipart
func (a *Adapter) InitiateMultipart(context.Context, string, dal.OpWrite) (string, error) {
	return "", dal.Unsupported("initiate_multipart", "Multipart")
}

// WritePart implements dal.Multipart
func (a *Adapter) WritePart(context.Context, string, string, int, io.Reader, int64) (dal.Part, error) {
	return dal.Part{}, dal.Unsupported("write_part", "Multipart")
}

// CompleteMultipart implements dal.Multipart
func (a *Adapter) CompleteMultipart(context.Context, string, string, []dal.Part) (*dal.Metadata, error) {
	return nil, dal.Unsupported("complete_multipart", "Multipart")
}

// AbortMultipart implements dal.Multipart
func (a *Adapter) AbortMultipart(context.Context, string, string) error {
	return dal.Unsupported("abort_multipart", "Multipart")
}

var _ dal.Accessor = (*Adapter)(nil)
