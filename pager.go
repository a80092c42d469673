package dal

import (
	"context"
	"errors"
	"strings"
)

// Done is returned by Pager.NextPage and Lister.Next when no entries remain.
var Done = errors.New("no more entries")

// Pager is the backend side of a listing. Each call returns the next page
// of entries, or Done once the listing is complete. A page may be empty
// without signalling the end.
type Pager interface {
	NextPage(ctx context.Context) ([]Entry, error)
}

// PagerFunc adapts a function to the Pager interface.
type PagerFunc func(ctx context.Context) ([]Entry, error)

// NextPage implements Pager
func (f PagerFunc) NextPage(ctx context.Context) ([]Entry, error) {
	return f(ctx)
}

// ============================================================================
// Continuation token pager
// ============================================================================

// PageFetcher fetches one page starting at token, the empty string for the
// first page. It returns the token of the following page and whether the
// listing is complete.
type PageFetcher func(ctx context.Context, token string) (entries []Entry, next string, done bool, err error)

type tokenPager struct {
	fetch PageFetcher
	token string
	done  bool
}

// NewTokenPager builds a Pager over a token paginated API. The token only
// advances when a fetch succeeds, so a failed page can be fetched again.
func NewTokenPager(fetch PageFetcher) Pager {
	return &tokenPager{fetch: fetch}
}

func (p *tokenPager) NextPage(ctx context.Context) ([]Entry, error) {
	if p.done {
		return nil, Done
	}
	if err := CheckContext(ctx, "list", ""); err != nil {
		return nil, err
	}
	entries, next, done, err := p.fetch(ctx, p.token)
	if err != nil {
		return nil, err
	}
	p.token = next
	p.done = done
	return entries, nil
}

// ============================================================================
// Slice pager
// ============================================================================

type slicePager struct {
	entries  []Entry
	pageSize int
}

// NewSlicePager serves entries already held in memory in pages of
// pageSize. A pageSize of zero or less returns everything in one page.
func NewSlicePager(entries []Entry, pageSize int) Pager {
	return &slicePager{entries: entries, pageSize: pageSize}
}

func (p *slicePager) NextPage(ctx context.Context) ([]Entry, error) {
	if len(p.entries) == 0 {
		return nil, Done
	}
	if err := CheckContext(ctx, "list", ""); err != nil {
		return nil, err
	}
	n := len(p.entries)
	if p.pageSize > 0 && p.pageSize < n {
		n = p.pageSize
	}
	page := p.entries[:n:n]
	p.entries = p.entries[n:]
	return page, nil
}

// ============================================================================
// Walking pager
// ============================================================================

// walkPager emulates a recursive listing on top of one level listings. It
// keeps an explicit FIFO of directories still to visit instead of
// recursing, so depth does not grow the stack.
type walkPager struct {
	acc     Accessor
	op      OpList
	pending []string
	current Pager
	dir     string
}

// NewWalkPager lists everything below dir by listing one directory at a
// time through acc. acc should be the full layered chain so that every
// directory fetch passes through retry and limit layers.
func NewWalkPager(acc Accessor, dir string, op OpList) Pager {
	op.Recursive = false
	op.StartAfter = ""
	return &walkPager{acc: acc, op: op, pending: []string{dir}}
}

func (w *walkPager) NextPage(ctx context.Context) ([]Entry, error) {
	for {
		if w.current == nil {
			if len(w.pending) == 0 {
				return nil, Done
			}
			w.dir = w.pending[0]
			w.pending = w.pending[1:]
			p, err := w.acc.List(ctx, w.dir, w.op)
			if err != nil {
				if IsNotFound(err) {
					// removed after it was queued
					continue
				}
				return nil, err
			}
			w.current = p
		}

		page, err := w.current.NextPage(ctx)
		if errors.Is(err, Done) {
			w.current = nil
			continue
		}
		if err != nil {
			return nil, err
		}

		out := page[:0:0]
		for _, e := range page {
			if e.Path == w.dir {
				continue
			}
			if strings.HasSuffix(e.Path, "/") {
				w.pending = append(w.pending, e.Path)
			}
			out = append(out, e)
		}
		return out, nil
	}
}
