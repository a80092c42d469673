package dal

import (
	"context"
	"path"
	"strings"
)

// ============================================================================
// Selector Interface
// ============================================================================

// Selector filters entries during Operator.Select.
type Selector interface {
	// Match reports whether a file entry is included in the results.
	Match(e Entry) bool

	// TraverseDescendants reports whether the children of a directory
	// entry are visited. Returning false prunes the whole subtree.
	TraverseDescendants(e Entry) bool
}

// Select walks the directory at dir and returns every file the selector
// matches. Directories are visited breadth first through a queue; only the
// subtrees the selector allows are listed.
func (o *Operator) Select(ctx context.Context, dir string, sel Selector, recursive bool) ([]Entry, error) {
	if sel == nil {
		sel = All()
	}
	p, err := NormalizePath(dir)
	if err != nil {
		return nil, err
	}
	if !IsDirPath(p) {
		p += "/"
	}

	var results []Entry
	queue := []string{p}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		l, err := o.list(ctx, current, OpList{})
		if err != nil {
			return nil, err
		}
		entries, err := l.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				if recursive && sel.TraverseDescendants(e) {
					queue = append(queue, e.Path)
				}
				continue
			}
			if sel.Match(e) {
				results = append(results, e)
			}
		}
	}
	return results, nil
}

// ============================================================================
// Built-in Selectors
// ============================================================================

type allSelector struct{}

func (allSelector) Match(Entry) bool               { return true }
func (allSelector) TraverseDescendants(Entry) bool { return true }

// All matches every file and visits every directory.
func All() Selector {
	return allSelector{}
}

type globSelector struct {
	pattern string
}

// Glob matches file names against a path.Match pattern, e.g. "*.txt".
func Glob(pattern string) Selector {
	return &globSelector{pattern: pattern}
}

func (s *globSelector) Match(e Entry) bool {
	ok, err := path.Match(s.pattern, e.Name())
	return err == nil && ok
}

func (s *globSelector) TraverseDescendants(Entry) bool { return true }

type depthSelector struct {
	maxDepth int
	base     string
}

// Depth limits the walk to maxDepth levels below base. Depth 1 is the
// immediate children.
func Depth(maxDepth int, base string) Selector {
	base = strings.Trim(base, "/")
	if base != "" {
		base += "/"
	}
	return &depthSelector{maxDepth: maxDepth, base: base}
}

func (s *depthSelector) depth(p string) int {
	rel := strings.Trim(strings.TrimPrefix(p, s.base), "/")
	if rel == "" {
		return 0
	}
	return strings.Count(rel, "/") + 1
}

func (s *depthSelector) Match(e Entry) bool {
	return s.depth(e.Path) <= s.maxDepth
}

func (s *depthSelector) TraverseDescendants(e Entry) bool {
	return s.depth(e.Path) < s.maxDepth
}

// ============================================================================
// Composition
// ============================================================================

type andSelector []Selector

// And matches when every selector matches. A directory is visited when
// every selector allows it.
func And(selectors ...Selector) Selector {
	return andSelector(selectors)
}

func (s andSelector) Match(e Entry) bool {
	for _, sel := range s {
		if !sel.Match(e) {
			return false
		}
	}
	return true
}

func (s andSelector) TraverseDescendants(e Entry) bool {
	for _, sel := range s {
		if !sel.TraverseDescendants(e) {
			return false
		}
	}
	return true
}

type orSelector []Selector

// Or matches when any selector matches.
func Or(selectors ...Selector) Selector {
	return orSelector(selectors)
}

func (s orSelector) Match(e Entry) bool {
	for _, sel := range s {
		if sel.Match(e) {
			return true
		}
	}
	return false
}

func (s orSelector) TraverseDescendants(e Entry) bool {
	for _, sel := range s {
		if sel.TraverseDescendants(e) {
			return true
		}
	}
	return false
}

type notSelector struct {
	sel Selector
}

// Not inverts the match of sel and visits every directory.
func Not(sel Selector) Selector {
	return notSelector{sel: sel}
}

func (s notSelector) Match(e Entry) bool             { return !s.sel.Match(e) }
func (s notSelector) TraverseDescendants(Entry) bool { return true }

type funcSelector struct {
	match    func(Entry) bool
	traverse func(Entry) bool
}

// SelectFunc builds a selector from a match function. Every directory is
// visited.
func SelectFunc(match func(Entry) bool) Selector {
	return funcSelector{match: match, traverse: func(Entry) bool { return true }}
}

func (s funcSelector) Match(e Entry) bool               { return s.match(e) }
func (s funcSelector) TraverseDescendants(e Entry) bool { return s.traverse(e) }
