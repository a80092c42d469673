// Package daltest provides helpers for testing dal layers and backends: a
// scripted Stub accessor, a Chaos fault injection layer and TestAccessor,
// the conformance suite every driver runs.
package daltest

import (
	"context"
	"io"
	"sync"

	"github.com/gobeaver/dal"
)

// Stub is a scripted dal.Accessor. Each operation calls the matching hook
// when set and returns Unsupported otherwise. Calls are counted per
// operation name ("stat", "read", ...).
type Stub struct {
	Scheme     string
	Root       string
	Capability dal.Capability

	StatFunc      func(ctx context.Context, path string, op dal.OpStat) (*dal.Metadata, error)
	ReadFunc      func(ctx context.Context, path string, op dal.OpRead) (io.ReadCloser, *dal.Metadata, error)
	WriteFunc     func(ctx context.Context, path string, r io.Reader, op dal.OpWrite) (*dal.Metadata, error)
	DeleteFunc    func(ctx context.Context, path string) error
	CreateDirFunc func(ctx context.Context, path string) error
	ListFunc      func(ctx context.Context, path string, op dal.OpList) (dal.Pager, error)
	CopyFunc      func(ctx context.Context, from, to string) error
	RenameFunc    func(ctx context.Context, from, to string) error
	PresignFunc   func(ctx context.Context, path string, op dal.OpPresign) (*dal.PresignedRequest, error)
	BatchFunc     func(ctx context.Context, op dal.OpBatch) ([]dal.BatchResult, error)

	InitiateMultipartFunc func(ctx context.Context, path string, op dal.OpWrite) (string, error)
	WritePartFunc         func(ctx context.Context, path, uploadID string, n int, r io.Reader, size int64) (dal.Part, error)
	CompleteMultipartFunc func(ctx context.Context, path, uploadID string, parts []dal.Part) (*dal.Metadata, error)
	AbortMultipartFunc    func(ctx context.Context, path, uploadID string) error

	mu    sync.Mutex
	calls map[string]int
}

func (s *Stub) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[op]++
}

// Calls returns how many times op was invoked
func (s *Stub) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Reset clears the call counters
func (s *Stub) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Stub) Info() dal.AccessorInfo {
	scheme := s.Scheme
	if scheme == "" {
		scheme = "stub"
	}
	return dal.AccessorInfo{Scheme: scheme, Root: dal.NormalizeRoot(s.Root), Capability: s.Capability}
}

func (s *Stub) Stat(ctx context.Context, path string, op dal.OpStat) (*dal.Metadata, error) {
	s.record("stat")
	if s.StatFunc == nil {
		return nil, dal.Unsupported("stat", "Stat")
	}
	return s.StatFunc(ctx, path, op)
}

func (s *Stub) Read(ctx context.Context, path string, op dal.OpRead) (io.ReadCloser, *dal.Metadata, error) {
	s.record("read")
	if s.ReadFunc == nil {
		return nil, nil, dal.Unsupported("read", "Read")
	}
	return s.ReadFunc(ctx, path, op)
}

func (s *Stub) Write(ctx context.Context, path string, r io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
	s.record("write")
	if s.WriteFunc == nil {
		return nil, dal.Unsupported("write", "Write")
	}
	return s.WriteFunc(ctx, path, r, op)
}

func (s *Stub) Delete(ctx context.Context, path string, _ dal.OpDelete) error {
	s.record("delete")
	if s.DeleteFunc == nil {
		return dal.Unsupported("delete", "Delete")
	}
	return s.DeleteFunc(ctx, path)
}

func (s *Stub) CreateDir(ctx context.Context, path string, _ dal.OpCreateDir) error {
	s.record("create_dir")
	if s.CreateDirFunc == nil {
		return dal.Unsupported("create_dir", "CreateDir")
	}
	return s.CreateDirFunc(ctx, path)
}

func (s *Stub) List(ctx context.Context, path string, op dal.OpList) (dal.Pager, error) {
	s.record("list")
	if s.ListFunc == nil {
		return nil, dal.Unsupported("list", "List")
	}
	return s.ListFunc(ctx, path, op)
}

func (s *Stub) Copy(ctx context.Context, from, to string, _ dal.OpCopy) error {
	s.record("copy")
	if s.CopyFunc == nil {
		return dal.Unsupported("copy", "Copy")
	}
	return s.CopyFunc(ctx, from, to)
}

func (s *Stub) Rename(ctx context.Context, from, to string, _ dal.OpRename) error {
	s.record("rename")
	if s.RenameFunc == nil {
		return dal.Unsupported("rename", "Rename")
	}
	return s.RenameFunc(ctx, from, to)
}

func (s *Stub) Presign(ctx context.Context, path string, op dal.OpPresign) (*dal.PresignedRequest, error) {
	s.record("presign")
	if s.PresignFunc == nil {
		return nil, dal.Unsupported("presign", "Presign")
	}
	return s.PresignFunc(ctx, path, op)
}

func (s *Stub) Batch(ctx context.Context, op dal.OpBatch) ([]dal.BatchResult, error) {
	s.record("batch")
	if s.BatchFunc == nil {
		return nil, dal.Unsupported("batch", "Batch")
	}
	return s.BatchFunc(ctx, op)
}

func (s *Stub) InitiateMultipart(ctx context.Context, path string, op dal.OpWrite) (string, error) {
	s.record("initiate_multipart")
	if s.InitiateMultipartFunc == nil {
		return "", dal.Unsupported("initiate_multipart", "Multipart")
	}
	return s.InitiateMultipartFunc(ctx, path, op)
}

func (s *Stub) WritePart(ctx context.Context, path, uploadID string, n int, r io.Reader, size int64) (dal.Part, error) {
	s.record("write_part")
	if s.WritePartFunc == nil {
		return dal.Part{}, dal.Unsupported("write_part", "Multipart")
	}
	return s.WritePartFunc(ctx, path, uploadID, n, r, size)
}

func (s *Stub) CompleteMultipart(ctx context.Context, path, uploadID string, parts []dal.Part) (*dal.Metadata, error) {
	s.record("complete_multipart")
	if s.CompleteMultipartFunc == nil {
		return nil, dal.Unsupported("complete_multipart", "Multipart")
	}
	return s.CompleteMultipartFunc(ctx, path, uploadID, parts)
}

func (s *Stub) AbortMultipart(ctx context.Context, path, uploadID string) error {
	s.record("abort_multipart")
	if s.AbortMultipartFunc == nil {
		return dal.Unsupported("abort_multipart", "Multipart")
	}
	return s.AbortMultipartFunc(ctx, path, uploadID)
}

var _ dal.Accessor = (*Stub)(nil)
