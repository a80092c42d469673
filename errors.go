package dal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// Kind classifies an error. The set is closed: every error produced behind
// an Accessor is translated into one of these kinds.
type Kind int

const (
	// KindUnexpected is a backend-internal failure that fits no other kind.
	KindUnexpected Kind = iota
	KindNotFound
	KindAlreadyExists
	KindPermissionDenied
	KindUnsupported
	KindInvalidInput
	KindConditionNotMatch
	KindRateLimited
	KindUnavailable
	KindTimeout
	KindCanceled
)

var kindNames = [...]string{
	KindUnexpected:        "Unexpected",
	KindNotFound:          "NotFound",
	KindAlreadyExists:     "AlreadyExists",
	KindPermissionDenied:  "PermissionDenied",
	KindUnsupported:       "Unsupported",
	KindInvalidInput:      "InvalidInput",
	KindConditionNotMatch: "ConditionNotMatch",
	KindRateLimited:       "RateLimited",
	KindUnavailable:       "Unavailable",
	KindTimeout:           "Timeout",
	KindCanceled:          "Canceled",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Transient reports whether errors of this kind are eligible for retry.
func (k Kind) Transient() bool {
	return k == KindRateLimited || k == KindUnavailable || k == KindTimeout
}

// Sentinel errors, one per kind. errors.Is(err, ErrNotFound) is true for any
// *Error of KindNotFound.
var (
	ErrUnexpected        = errors.New("unexpected error")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrUnsupported       = errors.New("operation not supported")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConditionNotMatch = errors.New("condition not match")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnavailable       = errors.New("service unavailable")
	ErrTimeout           = errors.New("timeout")
	ErrCanceled          = errors.New("canceled")
)

var kindSentinels = [...]error{
	KindUnexpected:        ErrUnexpected,
	KindNotFound:          ErrNotFound,
	KindAlreadyExists:     ErrAlreadyExists,
	KindPermissionDenied:  ErrPermissionDenied,
	KindUnsupported:       ErrUnsupported,
	KindInvalidInput:      ErrInvalidInput,
	KindConditionNotMatch: ErrConditionNotMatch,
	KindRateLimited:       ErrRateLimited,
	KindUnavailable:       ErrUnavailable,
	KindTimeout:           ErrTimeout,
	KindCanceled:          ErrCanceled,
}

// Error records a classified failure together with the operation and path
// that caused it.
type Error struct {
	Kind Kind
	Op   string
	Path string
	// Message is an optional backend-native diagnostic, for logs only.
	Message string
	// Temporary marks an error retryable regardless of its kind.
	Temporary bool
	// RetryExhausted is set by the retry layer when it gave up.
	RetryExhausted bool
	Attempts       int
	Err            error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	switch {
	case e.Message != "":
		b.WriteString(": ")
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.RetryExhausted {
		fmt.Fprintf(&b, " (retry exhausted after %d attempts)", e.Attempts)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of e's kind.
func (e *Error) Is(target error) bool {
	if int(e.Kind) < len(kindSentinels) && kindSentinels[e.Kind] == target {
		return true
	}
	return false
}

// Retryable reports whether the retry layer may repeat the call.
func (e *Error) Retryable() bool {
	if e.RetryExhausted {
		return false
	}
	return e.Temporary || e.Kind.Transient()
}

// NewError builds a classified error.
func NewError(kind Kind, op, path string, err error) *Error {
	e := &Error{Kind: kind, Op: op, Path: path, Err: err}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, op, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Message: fmt.Sprintf(format, args...)}
}

// Unsupported reports that op needs a capability the accessor does not have.
func Unsupported(op, capability string) *Error {
	return &Error{
		Kind:    KindUnsupported,
		Op:      op,
		Message: "missing capability " + capability,
	}
}

// WrapError classifies err for op and path. An existing *Error keeps its
// kind and only gains the missing op or path. Context errors become
// Canceled or Timeout. Anything else is Unexpected.
func WrapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Op != "" && de.Path != "" {
			return err
		}
		cp := *de
		if cp.Op == "" {
			cp.Op = op
		}
		if cp.Path == "" {
			cp.Path = path
		}
		return &cp
	}
	if ce := FromContext(op, path, err); ce != nil {
		return ce
	}
	return NewError(KindUnexpected, op, path, err)
}

// FromContext returns a Canceled or Timeout error when err is, or wraps, a
// context error. It returns nil otherwise.
func FromContext(op, path string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return NewError(KindCanceled, op, path, err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, op, path, err)
	}
	return nil
}

// FromOS translates an error from the os and io/fs packages.
func FromOS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if ce := FromContext(op, path, err); ce != nil {
		return ce
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return NewError(KindNotFound, op, path, err)
	case errors.Is(err, fs.ErrExist):
		return NewError(KindAlreadyExists, op, path, err)
	case errors.Is(err, fs.ErrPermission):
		return NewError(KindPermissionDenied, op, path, err)
	case errors.Is(err, fs.ErrInvalid):
		return NewError(KindInvalidInput, op, path, err)
	case os.IsTimeout(err):
		e := NewError(KindTimeout, op, path, err)
		e.Temporary = true
		return e
	}
	return WrapError(op, path, err)
}

// KindOf returns the kind of err. Bare context errors are classified too.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnexpected
}

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}

// IsNotFound reports whether err is of KindNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err is of KindAlreadyExists
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsPermission reports whether err is of KindPermissionDenied
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsUnsupported reports whether err is of KindUnsupported
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsCanceled reports whether err is of KindCanceled
func IsCanceled(err error) bool {
	return KindOf(err) == KindCanceled
}
