package dal

import (
	"time"
)

// EntryMode tells files and directories apart.
type EntryMode int

const (
	ModeUnknown EntryMode = iota
	ModeFile
	ModeDir
)

func (m EntryMode) String() string {
	switch m {
	case ModeFile:
		return "file"
	case ModeDir:
		return "dir"
	default:
		return "unknown"
	}
}

// Metadata describes a file or directory.
//
// When returned together with a read stream, Size and ETag describe the bytes
// of that stream.
type Metadata struct {
	Path               string
	Mode               EntryMode
	Size               int64
	LastModified       time.Time
	ETag               string
	ContentType        string
	ContentMD5         string
	CacheControl       string
	ContentDisposition string
	// UserMetadata holds backend specific key/value pairs.
	UserMetadata map[string]string
}

// NewMetadata returns metadata for path with its mode inferred from the
// trailing "/" convention.
func NewMetadata(p string) *Metadata {
	mode := ModeFile
	if IsDirPath(p) {
		mode = ModeDir
	}
	return &Metadata{Path: p, Mode: mode}
}

// IsDir reports whether m describes a directory
func (m *Metadata) IsDir() bool {
	return m.Mode == ModeDir
}

// IsFile reports whether m describes a file
func (m *Metadata) IsFile() bool {
	return m.Mode == ModeFile
}

// Clone returns a deep copy of m
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	cp := *m
	if m.UserMetadata != nil {
		cp.UserMetadata = make(map[string]string, len(m.UserMetadata))
		for k, v := range m.UserMetadata {
			cp.UserMetadata[k] = v
		}
	}
	return &cp
}

// Entry is one item produced by a listing.
type Entry struct {
	// Path is relative to the accessor root; directories end in "/".
	Path     string
	Metadata *Metadata
}

// NewEntry builds an Entry whose metadata carries the same path.
func NewEntry(p string, md *Metadata) Entry {
	if md == nil {
		md = NewMetadata(p)
	}
	md.Path = p
	return Entry{Path: p, Metadata: md}
}

// Name returns the last element of the entry path.
func (e Entry) Name() string {
	return BaseName(e.Path)
}

// IsDir reports whether the entry is a directory
func (e Entry) IsDir() bool {
	if e.Metadata != nil && e.Metadata.Mode != ModeUnknown {
		return e.Metadata.IsDir()
	}
	return IsDirPath(e.Path)
}
