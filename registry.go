package dal

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Factory builds an Accessor from a flat option map such as
// {"root": "/data", "bucket": "logs"}.
type Factory func(ctx context.Context, options map[string]string) (Accessor, error)

// Registry maps schemes to backend factories. There is no package level
// registry; callers build one explicitly, usually with driver/all.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for scheme.
func (r *Registry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(scheme)] = f
}

// Lookup returns the factory for scheme
func (r *Registry) Lookup(scheme string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[strings.ToLower(scheme)]
	return f, ok
}

// Schemes returns every registered scheme in sorted order
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open builds the Accessor registered for scheme.
func (r *Registry) Open(ctx context.Context, scheme string, options map[string]string) (Accessor, error) {
	f, ok := r.Lookup(scheme)
	if !ok {
		return nil, Errorf(KindInvalidInput, "open", "", "unknown scheme %q (registered: %s)",
			scheme, strings.Join(r.Schemes(), ", "))
	}
	if options == nil {
		options = map[string]string{}
	}
	acc, err := f(ctx, options)
	if err != nil {
		return nil, WrapError("open", "", err)
	}
	return acc, nil
}

// RequireOption returns options[key] or an InvalidInput error naming it.
func RequireOption(options map[string]string, scheme, key string) (string, error) {
	v := strings.TrimSpace(options[key])
	if v == "" {
		return "", Errorf(KindInvalidInput, "open", "", "%s: option %q is required", scheme, key)
	}
	return v, nil
}

// BoolOption parses options[key] as a boolean. Missing keys give def.
func BoolOption(options map[string]string, key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(options[key])) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
