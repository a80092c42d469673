package dal

import (
	"context"
	"errors"
)

// ListerState is the position of a Lister in its state machine.
//
//	Idle -> Fetching -> HasBuffer -> Idle | Exhausted
type ListerState int

const (
	// ListerIdle has an empty buffer and more pages may follow.
	ListerIdle ListerState = iota
	// ListerFetching is waiting on the backend for a page.
	ListerFetching
	// ListerHasBuffer serves entries without touching the backend.
	ListerHasBuffer
	// ListerExhausted is terminal, with or without a sticky error.
	ListerExhausted
)

func (s ListerState) String() string {
	switch s {
	case ListerIdle:
		return "idle"
	case ListerFetching:
		return "fetching"
	case ListerHasBuffer:
		return "has-buffer"
	case ListerExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Lister is a lazy, pull based sequence of entries over a Pager.
//
// A Lister is not safe for concurrent use and cannot be restarted. Once it
// fails, every later call to Next returns the same error.
type Lister struct {
	pager Pager
	path  string

	state ListerState
	buf   []Entry
	pos   int
	err   error

	// startAfter is applied here when the backend cannot do it natively.
	startAfter string
}

// NewLister wraps p. path is only used to annotate errors.
func NewLister(p Pager, path string) *Lister {
	return &Lister{pager: p, path: path}
}

// skipThrough drops every entry up to and including path. Backends are
// expected to list in lexicographic order for this to be meaningful.
func (l *Lister) skipThrough(path string) *Lister {
	l.startAfter = path
	return l
}

// Next returns the next entry, or Done when the listing is finished.
func (l *Lister) Next(ctx context.Context) (Entry, error) {
	for {
		switch l.state {
		case ListerExhausted:
			if l.err != nil {
				return Entry{}, l.err
			}
			return Entry{}, Done

		case ListerHasBuffer:
			e := l.buf[l.pos]
			l.pos++
			if l.pos == len(l.buf) {
				l.buf, l.pos = nil, 0
				l.state = ListerIdle
			}
			if l.startAfter != "" && e.Path <= l.startAfter {
				continue
			}
			return e, nil

		case ListerIdle, ListerFetching:
			l.fetch(ctx)
		}
	}
}

func (l *Lister) fetch(ctx context.Context) {
	if err := CheckContext(ctx, "list", l.path); err != nil {
		l.fail(err)
		return
	}
	l.state = ListerFetching
	page, err := l.pager.NextPage(ctx)
	switch {
	case errors.Is(err, Done):
		l.state = ListerExhausted
	case err != nil:
		l.fail(err)
	case len(page) == 0:
		l.state = ListerIdle
	default:
		l.buf, l.pos = page, 0
		l.state = ListerHasBuffer
	}
}

func (l *Lister) fail(err error) {
	l.err = WrapError("list", l.path, err)
	l.buf, l.pos = nil, 0
	l.state = ListerExhausted
}

// State reports the current state.
func (l *Lister) State() ListerState {
	return l.state
}

// Err returns the sticky error, if any.
func (l *Lister) Err() error {
	return l.err
}

// Collect drains the lister into a slice.
func (l *Lister) Collect(ctx context.Context) ([]Entry, error) {
	var out []Entry
	for {
		e, err := l.Next(ctx)
		if errors.Is(err, Done) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
