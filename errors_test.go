package dal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"with path", Errorf(KindNotFound, "stat", "a/b.txt", "no such key"), "stat a/b.txt: NotFound: no such key"},
		{"without path", Unsupported("presign", "Presign"), "presign: Unsupported: missing capability Presign"},
		{"wrapped", NewError(KindUnexpected, "read", "x", errors.New("boom")), "read x: Unexpected: boom"},
		{"exhausted", &Error{Kind: KindUnavailable, Op: "write", RetryExhausted: true, Attempts: 4}, "write: Unavailable (retry exhausted after 4 attempts)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("layer: %w", NewError(KindNotFound, "stat", "p", os.ErrNotExist))
	if !errors.Is(err, ErrNotFound) {
		t.Error("errors.Is(ErrNotFound) = false")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("errors.Is(os.ErrNotExist) = false, want the cause reachable")
	}
	if errors.Is(err, ErrAlreadyExists) {
		t.Error("errors.Is(ErrAlreadyExists) = true")
	}
	if !IsNotFound(err) || IsUnsupported(err) {
		t.Error("helpers disagree with the kind")
	}
}

func TestKindString(t *testing.T) {
	if KindConditionNotMatch.String() != "ConditionNotMatch" {
		t.Errorf("String() = %q", KindConditionNotMatch.String())
	}
	if got := Kind(99).String(); got != "Kind(99)" {
		t.Errorf("String() = %q", got)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &Error{Kind: KindRateLimited}, true},
		{"unavailable", &Error{Kind: KindUnavailable}, true},
		{"timeout", &Error{Kind: KindTimeout}, true},
		{"temporary", &Error{Kind: KindUnexpected, Temporary: true}, true},
		{"not found", &Error{Kind: KindNotFound}, false},
		{"exhausted", &Error{Kind: KindUnavailable, RetryExhausted: true}, false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapError(t *testing.T) {
	if WrapError("read", "p", nil) != nil {
		t.Fatal("WrapError(nil) != nil")
	}

	t.Run("keeps kind", func(t *testing.T) {
		inner := &Error{Kind: KindPermissionDenied, Message: "denied"}
		err := WrapError("read", "p", inner)
		var de *Error
		if !errors.As(err, &de) {
			t.Fatal("not an *Error")
		}
		if de.Kind != KindPermissionDenied || de.Op != "read" || de.Path != "p" {
			t.Errorf("WrapError() = %+v", de)
		}
		if inner.Op != "" {
			t.Error("WrapError() mutated its input")
		}
	})

	t.Run("complete error unchanged", func(t *testing.T) {
		inner := Errorf(KindNotFound, "stat", "x", "gone")
		if err := WrapError("read", "p", inner); err != error(inner) {
			t.Errorf("WrapError() = %v, want the same error", err)
		}
	})

	t.Run("context", func(t *testing.T) {
		if KindOf(WrapError("read", "p", context.Canceled)) != KindCanceled {
			t.Error("canceled context not classified")
		}
		if KindOf(WrapError("read", "p", fmt.Errorf("x: %w", context.DeadlineExceeded))) != KindTimeout {
			t.Error("deadline not classified")
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if KindOf(WrapError("read", "p", errors.New("boom"))) != KindUnexpected {
			t.Error("plain error not Unexpected")
		}
	})
}

func TestFromOS(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"not exist", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}, KindNotFound},
		{"exist", fs.ErrExist, KindAlreadyExists},
		{"permission", fs.ErrPermission, KindPermissionDenied},
		{"invalid", fs.ErrInvalid, KindInvalidInput},
		{"deadline", os.ErrDeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindCanceled},
		{"other", errors.New("disk on fire"), KindUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromOS("open", "x", tt.err)
			if KindOf(err) != tt.kind {
				t.Errorf("KindOf() = %v, want %v (%v)", KindOf(err), tt.kind, err)
			}
			if !strings.HasPrefix(err.Error(), "open x: ") {
				t.Errorf("Error() = %q", err.Error())
			}
		})
	}
	if FromOS("open", "x", nil) != nil {
		t.Error("FromOS(nil) != nil")
	}
}

func TestKindOfBareContext(t *testing.T) {
	if KindOf(context.Canceled) != KindCanceled || !IsCanceled(context.Canceled) {
		t.Error("bare context.Canceled not classified")
	}
	if KindOf(context.DeadlineExceeded) != KindTimeout {
		t.Error("bare DeadlineExceeded not classified")
	}
}
