package dal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
)

// ============================================================================
// Change tokens
// ============================================================================

// ChangeToken signals that something under a watched pattern changed.
// A token is single use: once HasChanged is true it stays true.
type ChangeToken interface {
	HasChanged() bool
	// RegisterChangeCallback calls fn once when the token fires. The
	// returned function unregisters it.
	RegisterChangeCallback(fn func()) (unregister func())
}

// Watcher is implemented by backends with native change notification.
// It is optional and sits outside the Accessor contract.
type Watcher interface {
	Watch(ctx context.Context, pattern string) (ChangeToken, error)
}

// CallbackChangeToken is a ChangeToken fired by the backend itself.
type CallbackChangeToken struct {
	mu        sync.Mutex
	changed   atomic.Bool
	callbacks map[int]func()
	next      int
}

// NewCallbackChangeToken creates an unfired token.
func NewCallbackChangeToken() *CallbackChangeToken {
	return &CallbackChangeToken{callbacks: make(map[int]func())}
}

func (t *CallbackChangeToken) HasChanged() bool {
	return t.changed.Load()
}

func (t *CallbackChangeToken) RegisterChangeCallback(fn func()) func() {
	t.mu.Lock()
	if t.changed.Load() {
		t.mu.Unlock()
		fn()
		return func() {}
	}
	id := t.next
	t.next++
	t.callbacks[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.callbacks, id)
		t.mu.Unlock()
	}
}

// SignalChange fires the token. Only the first call has an effect.
func (t *CallbackChangeToken) SignalChange() {
	if t.changed.Swap(true) {
		return
	}
	t.mu.Lock()
	fns := make([]func(), 0, len(t.callbacks))
	for _, fn := range t.callbacks {
		fns = append(fns, fn)
	}
	t.callbacks = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// NeverChangeToken never fires.
type NeverChangeToken struct{}

func (NeverChangeToken) HasChanged() bool                    { return false }
func (NeverChangeToken) RegisterChangeCallback(func()) func() { return func() {} }

// ============================================================================
// Polling fallback
// ============================================================================

// PollingToken fires when a check function reports a change. The polling
// goroutine exits when the token fires, Stop is called or ctx is done.
type PollingToken struct {
	*CallbackChangeToken
	cancel context.CancelFunc
}

// NewPollingToken polls check every interval.
func NewPollingToken(ctx context.Context, interval time.Duration, check func(context.Context) bool) *PollingToken {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &PollingToken{CallbackChangeToken: NewCallbackChangeToken(), cancel: cancel}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if check(ctx) {
					t.SignalChange()
					return
				}
			}
		}
	}()
	return t
}

// Stop ends polling. It is safe to call more than once.
func (t *PollingToken) Stop() {
	t.cancel()
}

// DefaultWatchInterval is the polling period used when the backend has no
// native notifications and WithWatchInterval is not given.
const DefaultWatchInterval = 5 * time.Second

// Watch returns a token that fires when any file matching pattern changes.
// Patterns use glob syntax with "/" as separator, e.g. "logs/**.json".
//
// The outermost accessor that implements Watcher serves the watch. When
// only the base accessor does, its notifications bypass the layers above
// it. Backends without native notification are polled by listing through
// the full layer chain.
func (o *Operator) Watch(ctx context.Context, pattern string) (ChangeToken, error) {
	if w, ok := o.watcher(); ok {
		return w.Watch(ctx, pattern)
	}

	g, err := glob.Compile(strings.TrimPrefix(pattern, "/"), '/')
	if err != nil {
		return nil, Errorf(KindInvalidInput, "watch", pattern, "bad pattern: %v", err)
	}
	if !o.capability().List {
		return nil, pathed(Unsupported("watch", "List"), pattern)
	}
	snapshot := func(ctx context.Context) (string, error) {
		entries, err := o.ListAll(ctx, "/", WithRecursive(true))
		if err != nil {
			return "", err
		}
		var lines []string
		for _, e := range entries {
			if e.IsDir() || !g.Match(e.Path) {
				continue
			}
			md := e.Metadata
			if md == nil {
				md = NewMetadata(e.Path)
			}
			lines = append(lines, fmt.Sprintf("%s|%d|%s|%d", e.Path, md.Size, md.ETag, md.LastModified.UnixNano()))
		}
		sort.Strings(lines)
		return strings.Join(lines, "\n"), nil
	}

	initial, err := snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return NewPollingToken(ctx, o.watchInterval, func(ctx context.Context) bool {
		now, err := snapshot(ctx)
		return err == nil && now != initial
	}), nil
}

func (o *Operator) watcher() (Watcher, bool) {
	if w, ok := o.acc.(Watcher); ok {
		return w, true
	}
	w, ok := o.base.(Watcher)
	return w, ok
}

// OnChange calls action every time a token from produce fires, asking for
// a new token each time. It stops when produce fails or cancel is called.
func OnChange(produce func() (ChangeToken, error), action func()) (cancel func()) {
	ctx, cancelFunc := context.WithCancel(context.Background())
	go func() {
		for {
			token, err := produce()
			if err != nil {
				return
			}
			done := make(chan struct{})
			var once sync.Once
			unregister := token.RegisterChangeCallback(func() { once.Do(func() { close(done) }) })
			select {
			case <-ctx.Done():
				unregister()
				if s, ok := token.(interface{ Stop() }); ok {
					s.Stop()
				}
				return
			case <-done:
				unregister()
				action()
			}
		}
	}()
	return cancelFunc
}
