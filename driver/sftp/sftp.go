// Package sftp implements dal.Accessor over an SSH file transfer session.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/dal"
	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Scheme is the registry key of this backend
const Scheme = "sftp"

// uploadsDir holds staged multipart uploads below the root
const uploadsDir = ".dal-uploads"

// Config holds SFTP connection configuration
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte // PEM encoded private key
	Passphrase string
	// KnownHostsFile verifies the server key. Without it any host key is
	// accepted.
	KnownHostsFile string
	// Root is the remote directory all paths resolve under. It defaults to
	// the login directory.
	Root    string
	Timeout time.Duration
}

// Adapter provides an SFTP implementation of dal.Accessor. A lost session
// is redialed on the next call when the adapter owns the connection.
type Adapter struct {
	mu      sync.Mutex
	client  *sftp.Client
	sshConn *ssh.Client
	config  Config
	dial    bool
	root    string

	uploadsMu sync.Mutex
	uploads   map[string]string
}

// New dials the server described by cfg
func New(cfg Config) (*Adapter, error) {
	a := &Adapter{config: cfg, dial: true, root: cleanRoot(cfg.Root), uploads: make(map[string]string)}
	if _, err := a.session(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewWithClient wraps an established client. root is a remote directory.
func NewWithClient(client *sftp.Client, root string) *Adapter {
	return &Adapter{client: client, root: cleanRoot(root), uploads: make(map[string]string)}
}

func cleanRoot(root string) string {
	if root == "" {
		return "."
	}
	return path.Clean(root)
}

func (a *Adapter) clientConfig() (*ssh.ClientConfig, error) {
	hostKey := ssh.InsecureIgnoreHostKey()
	if a.config.KnownHostsFile != "" {
		cb, err := knownhosts.New(a.config.KnownHostsFile)
		if err != nil {
			return nil, dal.FromOS("open", a.config.KnownHostsFile, err)
		}
		hostKey = cb
	}
	sshConfig := &ssh.ClientConfig{
		User:            a.config.Username,
		HostKeyCallback: hostKey,
		Timeout:         a.config.Timeout,
	}

	if len(a.config.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if a.config.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(a.config.PrivateKey, []byte(a.config.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(a.config.PrivateKey)
		}
		if err != nil {
			return nil, dal.NewError(dal.KindInvalidInput, "open", "", fmt.Errorf("sftp: parsing private key: %w", err))
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}
	if a.config.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(a.config.Password))
	}
	if len(sshConfig.Auth) == 0 {
		return nil, dal.Errorf(dal.KindInvalidInput, "open", "", "sftp: no authentication method provided")
	}
	return sshConfig, nil
}

// session returns the live client, dialing when there is none.
func (a *Adapter) session() (*sftp.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	if !a.dial {
		return nil, dal.Errorf(dal.KindUnavailable, "open", "", "sftp: session closed")
	}

	sshConfig, err := a.clientConfig()
	if err != nil {
		return nil, err
	}
	port := a.config.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(a.config.Host, strconv.Itoa(port))
	sshConn, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		e := dal.NewError(dal.KindUnavailable, "open", "", fmt.Errorf("sftp: connecting to %s: %w", addr, err))
		e.Temporary = true
		return nil, e
	}
	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, dal.NewError(dal.KindUnavailable, "open", "", fmt.Errorf("sftp: starting subsystem: %w", err))
	}
	a.sshConn = sshConn
	a.client = client
	return client, nil
}

// drop discards the session after a connection failure
func (a *Adapter) drop(err error) {
	if !isConnectionLost(err) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.dial {
		return
	}
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	if a.sshConn != nil {
		a.sshConn.Close()
		a.sshConn = nil
	}
}

// Close closes the SFTP and SSH connections
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dial = false

	var errs []error
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			errs = append(errs, err)
		}
		a.client = nil
	}
	if a.sshConn != nil {
		if err := a.sshConn.Close(); err != nil {
			errs = append(errs, err)
		}
		a.sshConn = nil
	}
	return errors.Join(errs...)
}

// Info implements dal.Accessor
func (a *Adapter) Info() dal.AccessorInfo {
	return dal.AccessorInfo{
		Scheme: Scheme,
		Root:   dal.NormalizeRoot(a.root),
		Name:   a.config.Host,
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

// full maps a relative dal path onto the remote tree
func (a *Adapter) full(op, p string) (string, error) {
	if p == "/" || p == "" {
		return a.root, nil
	}
	fullPath := path.Join(a.root, strings.TrimSuffix(p, "/"))
	if a.root != "." && !strings.HasPrefix(fullPath, strings.TrimSuffix(a.root, "/")+"/") {
		return "", dal.Errorf(dal.KindInvalidInput, op, p, "path escapes root")
	}
	if a.root == "." && (fullPath == ".." || strings.HasPrefix(fullPath, "../")) {
		return "", dal.Errorf(dal.KindInvalidInput, op, p, "path escapes root")
	}
	return fullPath, nil
}

// etagOf derives a validator from size and modification time
func etagOf(info os.FileInfo) string {
	return `"` + strconv.FormatInt(info.ModTime().Unix(), 16) + "-" + strconv.FormatInt(info.Size(), 16) + `"`
}

func metadataOf(p string, info os.FileInfo) *dal.Metadata {
	if info.IsDir() && !dal.IsDirPath(p) {
		p += "/"
	}
	md := dal.NewMetadata(p)
	md.LastModified = info.ModTime()
	if info.IsDir() {
		return md
	}
	md.Size = info.Size()
	md.ETag = etagOf(info)
	md.ContentType = dal.GuessContentType(p, nil)
	return md
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".dal-")
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
	client, err := a.session()
	if err != nil {
		return nil, err
	}
	info, err := client.Stat(fullPath)
	if err != nil {
		return nil, a.mapError("stat", path, err)
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

type rangeFile struct {
	io.Reader
	f *sftp.File
}

func (r *rangeFile) Close() error { return r.f.Close() }

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
	client, err := a.session()
	if err != nil {
		return nil, nil, err
	}

	f, err := client.Open(fullPath)
	if err != nil {
		return nil, nil, a.mapError("read", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, a.mapError("read", path, err)
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
	offset := min(op.Range.Offset, info.Size())
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, a.mapError("read", path, err)
	}
	n := info.Size() - offset
	if op.Range.Size > 0 && op.Range.Size < n {
		n = op.Range.Size
	}
	md.Size = n
	return &rangeFile{Reader: io.LimitReader(f, n), f: f}, md, nil
}

// Write implements dal.Accessor. Replacing writes upload to a temporary
// file and rename it over the target.
func (a *Adapter) Write(ctx context.Context, path string, content io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
	if err := dal.CheckContext(ctx, "write", path); err != nil {
		return nil, err
	}
	if dal.IsDirPath(path) {
		if err := a.CreateDir(ctx, path, dal.OpCreateDir{}); err != nil {
			return nil, err
		}
		return dal.NewMetadata(path), nil
	}
	fullPath, err := a.full("write", path)
	if err != nil {
		return nil, err
	}
	client, err := a.session()
	if err != nil {
		return nil, err
	}

	// Ensure the directory exists
	if err := client.MkdirAll(pathDir(fullPath)); err != nil {
		return nil, a.mapError("write", path, err)
	}

	if op.Append {
		err = appendTo(client, fullPath, content)
	} else {
		err = writeAtomic(client, fullPath, content)
	}
	if err != nil {
		return nil, a.mapError("write", path, err)
	}

	info, err := client.Stat(fullPath)
	if err != nil {
		return nil, a.mapError("write", path, err)
	}
	return metadataOf(path, info), nil
}

func pathDir(p string) string {
	return path.Dir(p)
}

func pathBase(p string) string {
	return path.Base(p)
}

// appendTo writes at the current end of the file. Servers differ in how
// they treat the append open flag, so the offset is set explicitly.
func appendTo(client *sftp.Client, fullPath string, content io.Reader) error {
	f, err := client.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.Seek(info.Size(), io.SeekStart); err != nil {
		f.Close()
		return err
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeAtomic(client *sftp.Client, fullPath string, content io.Reader) error {
	tmp := path.Join(pathDir(fullPath), ".dal-"+uuid.NewString()+".tmp")
	f, err := client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	defer client.Remove(tmp)

	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return replace(client, tmp, fullPath)
}

// replace renames from over to. The posix-rename extension overwrites
// atomically; plain SFTP rename refuses an existing target.
func replace(client *sftp.Client, from, to string) error {
	err := client.PosixRename(from, to)
	if err == nil || !isUnsupported(err) {
		return err
	}
	if err := client.Remove(to); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return client.Rename(from, to)
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
	client, err := a.session()
	if err != nil {
		return err
	}
	if err := client.MkdirAll(fullPath); err != nil {
		return a.mapError("create_dir", path, err)
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
	client, err := a.session()
	if err != nil {
		return err
	}
	if dal.IsDirPath(path) {
		err = client.RemoveDirectory(fullPath)
	} else {
		err = client.Remove(fullPath)
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return a.mapError("delete", path, err)
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
	client, err := a.session()
	if err != nil {
		return nil, err
	}
	prefix := path
	if prefix == "/" {
		prefix = ""
	}

	var entries []dal.Entry
	add := func(rel string, info os.FileInfo) {
		md := metadataOf(rel, info)
		if op.StartAfter != "" && md.Path <= op.StartAfter {
			return
		}
		entries = append(entries, dal.NewEntry(md.Path, md))
	}

	if op.Recursive {
		walker := client.Walk(fullPath)
		for walker.Step() {
			if err = walker.Err(); err != nil {
				break
			}
			if walker.Path() == fullPath {
				continue
			}
			if isHidden(pathBase(walker.Path())) {
				if walker.Stat().IsDir() {
					walker.SkipDir()
				}
				continue
			}
			rel := strings.TrimPrefix(walker.Path(), fullPath+"/")
			add(prefix+rel, walker.Stat())
		}
	} else {
		var infos []os.FileInfo
		infos, err = client.ReadDir(fullPath)
		for _, info := range infos {
			if !isHidden(info.Name()) {
				add(prefix+info.Name(), info)
			}
		}
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, a.mapError("list", path, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return dal.NewSlicePager(entries, op.Limit), nil
}

// Copy implements dal.Accessor. SFTP has no server side copy, so the
// content streams through the client.
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
	client, err := a.session()
	if err != nil {
		return err
	}

	srcFile, err := client.Open(src)
	if err != nil {
		return a.mapError("copy", from, err)
	}
	defer srcFile.Close()

	if err := client.MkdirAll(pathDir(dst)); err != nil {
		return a.mapError("copy", to, err)
	}
	if err := writeAtomic(client, dst, srcFile); err != nil {
		return a.mapError("copy", to, err)
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
	client, err := a.session()
	if err != nil {
		return err
	}
	if _, err := client.Stat(src); err != nil {
		return a.mapError("rename", from, err)
	}
	if err := client.MkdirAll(pathDir(dst)); err != nil {
		return a.mapError("rename", to, err)
	}
	if err := replace(client, src, dst); err != nil {
		return a.mapError("rename", from, err)
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
// Multipart
// ============================================================================

func (a *Adapter) partsDir(uploadID string) string {
	return path.Join(a.root, uploadsDir, uploadID)
}

// InitiateMultipart starts a staged upload in a hidden directory below
// the root.
func (a *Adapter) InitiateMultipart(ctx context.Context, path string, _ dal.OpWrite) (string, error) {
	if err := dal.CheckContext(ctx, "initiate_multipart", path); err != nil {
		return "", err
	}
	if _, err := a.full("initiate_multipart", path); err != nil {
		return "", err
	}
	client, err := a.session()
	if err != nil {
		return "", err
	}

	uploadID := uuid.NewString()
	if err := client.MkdirAll(a.partsDir(uploadID)); err != nil {
		return "", a.mapError("initiate_multipart", path, err)
	}
	a.uploadsMu.Lock()
	a.uploads[uploadID] = path
	a.uploadsMu.Unlock()
	return uploadID, nil
}

func (a *Adapter) upload(op, path, uploadID string) error {
	a.uploadsMu.Lock()
	defer a.uploadsMu.Unlock()
	if target, ok := a.uploads[uploadID]; !ok || target != path {
		return dal.Errorf(dal.KindNotFound, op, path, "upload %s not found", uploadID)
	}
	return nil
}

func (a *Adapter) partFile(uploadID string, n int) string {
	return path.Join(a.partsDir(uploadID), strconv.Itoa(n))
}

// WritePart stores a part as a numbered remote file
func (a *Adapter) WritePart(ctx context.Context, path, uploadID string, partNumber int, r io.Reader, _ int64) (dal.Part, error) {
	if err := dal.CheckContext(ctx, "write_part", path); err != nil {
		return dal.Part{}, err
	}
	if partNumber < 1 {
		return dal.Part{}, dal.Errorf(dal.KindInvalidInput, "write_part", path, "part number %d is below 1", partNumber)
	}
	if err := a.upload("write_part", path, uploadID); err != nil {
		return dal.Part{}, err
	}
	client, err := a.session()
	if err != nil {
		return dal.Part{}, err
	}

	f, err := client.OpenFile(a.partFile(uploadID, partNumber), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return dal.Part{}, a.mapError("write_part", path, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return dal.Part{}, a.mapError("write_part", path, err)
	}
	return dal.Part{Number: partNumber, Size: n}, nil
}

// CompleteMultipart concatenates the listed parts in part-number order
// into the target file.
func (a *Adapter) CompleteMultipart(ctx context.Context, path, uploadID string, parts []dal.Part) (*dal.Metadata, error) {
	if err := dal.CheckContext(ctx, "complete_multipart", path); err != nil {
		return nil, err
	}
	if err := a.upload("complete_multipart", path, uploadID); err != nil {
		return nil, err
	}
	client, err := a.session()
	if err != nil {
		return nil, err
	}

	sorted := append([]dal.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	readers := make([]io.Reader, 0, len(sorted))
	var files []*sftp.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range sorted {
		f, err := client.Open(a.partFile(uploadID, p.Number))
		if errors.Is(err, os.ErrNotExist) {
			return nil, dal.Errorf(dal.KindInvalidInput, "complete_multipart", path, "part %d was never uploaded", p.Number)
		}
		if err != nil {
			return nil, a.mapError("complete_multipart", path, fmt.Errorf("open part %d: %w", p.Number, err))
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	md, err := a.Write(ctx, path, io.MultiReader(readers...), dal.OpWrite{})
	if err != nil {
		return nil, err
	}

	a.uploadsMu.Lock()
	delete(a.uploads, uploadID)
	a.uploadsMu.Unlock()
	a.removeParts(client, uploadID)
	return md, nil
}

// AbortMultipart cancels an upload and removes its staged parts
func (a *Adapter) AbortMultipart(_ context.Context, path, uploadID string) error {
	if err := a.upload("abort_multipart", path, uploadID); err != nil {
		return err
	}
	a.uploadsMu.Lock()
	delete(a.uploads, uploadID)
	a.uploadsMu.Unlock()

	client, err := a.session()
	if err != nil {
		return err
	}
	return a.mapError("abort_multipart", path, a.removeParts(client, uploadID))
}

func (a *Adapter) removeParts(client *sftp.Client, uploadID string) error {
	dir := a.partsDir(uploadID)
	infos, err := client.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, info := range infos {
		if err := client.Remove(path.Join(dir, info.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return client.RemoveDirectory(dir)
}

// ============================================================================
// Errors
// ============================================================================

func isUnsupported(err error) bool {
	var se *sftp.StatusError
	return errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxOpUnsupported
}

func isConnectionLost(err error) bool {
	var se *sftp.StatusError
	if errors.As(err, &se) {
		code := se.FxCode()
		return code == sftp.ErrSSHFxConnectionLost || code == sftp.ErrSSHFxNoConnection
	}
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, sftp.ErrSSHFxNoConnection) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// mapError translates client errors and drops a dead session
func (a *Adapter) mapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	a.drop(err)
	return mapError(op, path, err)
}

func mapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if ce := dal.FromContext(op, path, err); ce != nil {
		return ce
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return dal.NewError(dal.KindNotFound, op, path, err)
	case errors.Is(err, os.ErrPermission):
		return dal.NewError(dal.KindPermissionDenied, op, path, err)
	case isUnsupported(err):
		return dal.NewError(dal.KindUnsupported, op, path, err)
	case isConnectionLost(err):
		e := dal.NewError(dal.KindUnavailable, op, path, err)
		e.Temporary = true
		return e
	}
	var se *sftp.StatusError
	if errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxBadMessage {
		return dal.NewError(dal.KindInvalidInput, op, path, err)
	}
	return dal.FromOS(op, path, err)
}

var _ dal.Accessor = (*Adapter)(nil)
