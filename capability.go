package dal

import (
	"reflect"
	"strings"
)

// Capability describes which operations and operation variants an Accessor
// supports natively. A backend must never report a bit it cannot honour.
//
// The zero value supports nothing.
type Capability struct {
	Stat                bool
	StatWithIfMatch     bool
	StatWithIfNoneMatch bool

	Read                bool
	ReadWithRange       bool
	ReadWithIfMatch     bool
	ReadWithIfNoneMatch bool

	Write                       bool
	WriteCanEmpty               bool
	WriteCanAppend              bool
	WriteCanMulti               bool
	WriteWithContentType        bool
	WriteWithCacheControl       bool
	WriteWithContentDisposition bool
	// WriteMultiMinSize and WriteMultiMaxSize bound the size of a single
	// multipart part. Zero means no limit.
	WriteMultiMinSize int64
	WriteMultiMaxSize int64
	// AppendRetryable reports that repeating an append after a transient
	// failure does not duplicate data.
	AppendRetryable bool

	CreateDir bool
	Delete    bool
	Copy      bool
	Rename    bool

	List               bool
	ListWithLimit      bool
	ListWithStartAfter bool
	ListWithRecursive  bool

	Presign      bool
	PresignStat  bool
	PresignRead  bool
	PresignWrite bool

	Batch              bool
	BatchMaxOperations int

	Multipart bool
}

// Narrow returns the capability supported by both c and other.
// Boolean bits are AND-ed, size limits take the stricter value.
func (c Capability) Narrow(other Capability) Capability {
	out := c
	cv := reflect.ValueOf(c)
	ov := reflect.ValueOf(other)
	rv := reflect.ValueOf(&out).Elem()
	for i := 0; i < cv.NumField(); i++ {
		f := rv.Field(i)
		switch f.Kind() {
		case reflect.Bool:
			f.SetBool(cv.Field(i).Bool() && ov.Field(i).Bool())
		case reflect.Int, reflect.Int64:
			f.SetInt(stricter(cv.Field(i).Int(), ov.Field(i).Int(), rv.Type().Field(i).Name))
		}
	}
	return out
}

func stricter(a, b int64, name string) int64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	// a minimum grows, every other limit shrinks
	if strings.HasSuffix(name, "MinSize") {
		return max(a, b)
	}
	return min(a, b)
}

// String lists the enabled boolean bits separated by "|".
func (c Capability) String() string {
	var parts []string
	v := reflect.ValueOf(c)
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		if v.Field(i).Kind() == reflect.Bool && v.Field(i).Bool() {
			parts = append(parts, t.Field(i).Name)
		}
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// AccessorInfo describes a constructed Accessor.
type AccessorInfo struct {
	// Scheme is the registry key the backend was built from, e.g. "s3".
	Scheme string
	// Root is the normalised root every path is resolved against.
	Root string
	// Name is the bucket, container or database name, if any.
	Name       string
	Capability Capability
}
