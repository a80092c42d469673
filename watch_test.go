package dal_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobeaver/dal"
	"github.com/gobeaver/dal/daltest"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCallbackChangeToken(t *testing.T) {
	token := dal.NewCallbackChangeToken()
	var fired, removed int
	token.RegisterChangeCallback(func() { fired++ })
	unregister := token.RegisterChangeCallback(func() { removed++ })
	unregister()

	token.SignalChange()
	token.SignalChange()
	if !token.HasChanged() || fired != 1 || removed != 0 {
		t.Errorf("HasChanged = %v, fired = %d, removed = %d", token.HasChanged(), fired, removed)
	}

	late := 0
	token.RegisterChangeCallback(func() { late++ })
	if late != 1 {
		t.Error("callback registered on a fired token was not called")
	}
}

func TestPollingToken(t *testing.T) {
	var checks atomic.Int64
	token := dal.NewPollingToken(context.Background(), time.Millisecond, func(context.Context) bool {
		return checks.Add(1) == 3
	})
	waitFor(t, "token to fire", token.HasChanged)
	time.Sleep(10 * time.Millisecond)
	if n := checks.Load(); n != 3 {
		t.Errorf("checks = %d, want polling to stop after firing", n)
	}

	stopped := dal.NewPollingToken(context.Background(), time.Millisecond, func(context.Context) bool { return false })
	stopped.Stop()
	stopped.Stop()
	if stopped.HasChanged() {
		t.Error("stopped token fired")
	}
}

// listing is a stub backend whose listing can be changed between polls
type listing struct {
	mu      sync.Mutex
	entries []dal.Entry
}

func (l *listing) set(entries ...dal.Entry) {
	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
}

func (l *listing) stub() *daltest.Stub {
	return &daltest.Stub{
		Capability: dal.Capability{List: true, ListWithRecursive: true},
		ListFunc: func(ctx context.Context, p string, op dal.OpList) (dal.Pager, error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			return dal.NewSlicePager(append([]dal.Entry(nil), l.entries...), 10), nil
		},
	}
}

func file(p string, size int64) dal.Entry {
	md := dal.NewMetadata(p)
	md.Size = size
	return dal.NewEntry(p, md)
}

func TestWatchPolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := &listing{}
	l.set(file("logs/a.json", 1), file("other.txt", 1))
	op := dal.NewOperator(l.stub(), dal.WithWatchInterval(time.Millisecond))

	token, err := op.Watch(ctx, "logs/*.json")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// changes outside the pattern are ignored
	l.set(file("logs/a.json", 1), file("other.txt", 99))
	time.Sleep(20 * time.Millisecond)
	if token.HasChanged() {
		t.Fatal("token fired for a path outside the pattern")
	}

	l.set(file("logs/a.json", 2), file("other.txt", 99))
	waitFor(t, "size change", token.HasChanged)
}

func TestWatchErrors(t *testing.T) {
	ctx := context.Background()
	op := dal.NewOperator(&daltest.Stub{Capability: dal.Capability{List: true}})
	if _, err := op.Watch(ctx, "[bad"); dal.KindOf(err) != dal.KindInvalidInput {
		t.Errorf("Watch(bad pattern) error = %v, want InvalidInput", err)
	}
	noList := dal.NewOperator(&daltest.Stub{Capability: dal.Capability{Stat: true}})
	if _, err := noList.Watch(ctx, "*"); !dal.IsUnsupported(err) {
		t.Errorf("Watch(no list) error = %v, want Unsupported", err)
	}
}

func TestWatchNative(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	op := seeded(t, nil)
	token, err := op.Watch(ctx, "**.txt")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	op.Write(ctx, "skip.bin", []byte("x"))
	if token.HasChanged() {
		t.Error("token fired for a non matching write")
	}
	op.Write(ctx, "a/b.txt", []byte("x"))
	waitFor(t, "native notification", token.HasChanged)
}

// watchingLayer serves watches itself
type watchingLayer struct {
	dal.Accessor
	patterns []string
}

func (w *watchingLayer) Watch(ctx context.Context, pattern string) (dal.ChangeToken, error) {
	w.patterns = append(w.patterns, pattern)
	return dal.NewCallbackChangeToken(), nil
}

func TestWatchPrefersOutermostWatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &watchingLayer{}
	op := seeded(t, nil).Layer(dal.LayerFunc(func(inner dal.Accessor) dal.Accessor {
		w.Accessor = inner
		return w
	}))
	if _, err := op.Watch(ctx, "**.txt"); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if len(w.patterns) != 1 || w.patterns[0] != "**.txt" {
		t.Errorf("layer watches = %v, want the layer to serve the watch", w.patterns)
	}
}

func TestWatchIntervalPerOperator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := &listing{}
	l.set(file("a.json", 1))
	slow := dal.NewOperator(l.stub())
	fast := slow.With(dal.WithWatchInterval(time.Millisecond))

	slowToken, err := slow.Watch(ctx, "*.json")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	fastToken, err := fast.Watch(ctx, "*.json")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	l.set(file("a.json", 2))
	waitFor(t, "fast poll", fastToken.HasChanged)
	if slowToken.HasChanged() {
		t.Error("operator without the option polled at the fast interval")
	}
}

func TestOnChange(t *testing.T) {
	var tokens []*dal.CallbackChangeToken
	var mu sync.Mutex
	produce := func() (dal.ChangeToken, error) {
		mu.Lock()
		defer mu.Unlock()
		tok := dal.NewCallbackChangeToken()
		tokens = append(tokens, tok)
		return tok, nil
	}
	current := func() *dal.CallbackChangeToken {
		mu.Lock()
		defer mu.Unlock()
		return tokens[len(tokens)-1]
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(tokens)
	}

	var actions atomic.Int64
	cancel := dal.OnChange(produce, func() { actions.Add(1) })
	for i := 1; i <= 3; i++ {
		waitFor(t, "a fresh token", func() bool { return count() == i })
		current().SignalChange()
		waitFor(t, "the action", func() bool { return actions.Load() == int64(i) })
	}
	cancel()
	time.Sleep(10 * time.Millisecond)
	if last := current(); last.HasChanged() {
		t.Error("token produced after cancel was already fired")
	}
	if actions.Load() != 3 {
		t.Errorf("actions = %d, want 3", actions.Load())
	}
}
