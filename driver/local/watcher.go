package local

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/gobeaver/dal"
	"github.com/gobwas/glob"
)

// fsWatcher wraps fsnotify.Watcher with a simpler interface
type fsWatcher interface {
	Add(path string) error
	Close() error
	Events() <-chan fsEvent
	Errors() <-chan error
}

type fsEvent struct {
	Name string
	Op   fsnotify.Op
}

// fsnotifyWatcher wraps fsnotify.Watcher to implement fsWatcher interface
type fsnotifyWatcher struct {
	watcher *fsnotify.Watcher
	events  chan fsEvent
	errors  chan error
	done    chan struct{}
}

// newFSWatcher creates a new file system watcher using fsnotify
func newFSWatcher() (fsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &fsnotifyWatcher{
		watcher: w,
		events:  make(chan fsEvent),
		errors:  make(chan error),
		done:    make(chan struct{}),
	}

	// Forward events until Close
	go func() {
		defer close(fw.events)
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				select {
				case fw.events <- fsEvent{Name: event.Name, Op: event.Op}:
				case <-fw.done:
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				select {
				case fw.errors <- err:
				case <-fw.done:
					return
				}
			case <-fw.done:
				return
			}
		}
	}()

	return fw, nil
}

func (w *fsnotifyWatcher) Add(path string) error {
	return w.watcher.Add(path)
}

func (w *fsnotifyWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *fsnotifyWatcher) Events() <-chan fsEvent {
	return w.events
}

func (w *fsnotifyWatcher) Errors() <-chan error {
	return w.errors
}

// watchBase returns the static directory prefix of a glob pattern, with a
// trailing "/" or empty for the root.
func watchBase(pattern string) string {
	idx := strings.IndexAny(pattern, "*?[{")
	if idx < 0 {
		idx = len(pattern)
	}
	if i := strings.LastIndex(pattern[:idx], "/"); i >= 0 {
		return pattern[:i+1]
	}
	return ""
}

// Watch implements dal.Watcher using fsnotify. The token fires once, on the
// first event whose path matches pattern, and the watch is then released.
func (a *Adapter) Watch(ctx context.Context, pattern string) (dal.ChangeToken, error) {
	if err := dal.CheckContext(ctx, "watch", pattern); err != nil {
		return nil, err
	}
	pattern = strings.TrimPrefix(pattern, "/")
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, dal.Errorf(dal.KindInvalidInput, "watch", pattern, "bad pattern: %v", err)
	}

	base := watchBase(pattern)
	watchPath, err := a.full("watch", base)
	if err != nil {
		return nil, err
	}
	if err := a.CreateDir(ctx, base, dal.OpCreateDir{}); err != nil {
		return nil, err
	}

	watcher, err := newFSWatcher()
	if err != nil {
		return nil, dal.FromOS("watch", pattern, err)
	}
	if err := watcher.Add(watchPath); err != nil {
		watcher.Close()
		return nil, dal.FromOS("watch", pattern, err)
	}

	// For recursive patterns (**), add all subdirectories
	recursive := strings.Contains(pattern, "**")
	if recursive {
		filepath.WalkDir(watchPath, func(p string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() && p != watchPath {
				watcher.Add(p)
			}
			return nil
		})
	}

	token := dal.NewCallbackChangeToken()
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events():
				if !ok {
					return
				}
				rel, err := filepath.Rel(a.root, event.Name)
				if err != nil {
					continue
				}
				rel = filepath.ToSlash(rel)
				if isTempName(filepath.Base(rel)) {
					continue
				}
				// new subdirectories of a recursive watch are followed
				if recursive && event.Op.Has(fsnotify.Create) {
					watcher.Add(event.Name)
				}
				if g.Match(rel) {
					token.SignalChange()
					return
				}
			case _, ok := <-watcher.Errors():
				if !ok {
					return
				}
			}
		}
	}()
	return token, nil
}
