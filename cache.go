package dal

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Cache Interface
// ============================================================================

// Cache defines the interface for cache backends used by CacheLayer.
//
// Implementations should be thread-safe.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns the value and true if found, nil and false otherwise.
	Get(key string) (any, bool)

	// Set stores a value in the cache with the given TTL.
	// A TTL of 0 means no expiration.
	Set(key string, value any, ttl time.Duration)

	// Delete removes a value from the cache.
	Delete(key string)

	// DeletePrefix removes every value whose key starts with prefix.
	DeletePrefix(prefix string)

	// Clear removes all values from the cache.
	Clear()
}

// CacheStatistics contains cache performance metrics.
type CacheStatistics struct {
	Hits    int64
	Misses  int64
	Size    int64
	HitRate float64
}

// ============================================================================
// In-Memory Cache Implementation
// ============================================================================

type cacheEntry struct {
	value      any
	expiration time.Time
	hasExpiry  bool
}

// MemoryCache is a simple in-memory cache implementation.
// It is thread-safe and supports TTL-based expiration.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	hits    int64
	misses  int64
	now     func() time.Time
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Get retrieves a value from the cache.
func (c *MemoryCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		c.misses++
		return nil, false
	}
	if entry.hasExpiry && c.now().After(entry.expiration) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.value, true
}

// Set stores a value in the cache.
func (c *MemoryCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &cacheEntry{value: value}
	if ttl > 0 {
		entry.expiration = c.now().Add(ttl)
		entry.hasExpiry = true
	}
	c.entries[key] = entry
}

// Delete removes a value from the cache.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeletePrefix removes every value whose key starts with prefix.
func (c *MemoryCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// Clear removes all values from the cache.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() CacheStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return CacheStatistics{
		Hits:    c.hits,
		Misses:  c.misses,
		Size:    int64(len(c.entries)),
		HitRate: hitRate,
	}
}

var _ Cache = (*MemoryCache)(nil)

// ============================================================================
// CacheLayer
// ============================================================================

// CacheLayer caches stat metadata and complete non-recursive listings.
// Content is never cached. Every mutation through the layer invalidates the
// affected path and the listings of its parent directories.
//
// Example:
//
//	op := dal.NewOperator(acc).Layer(dal.NewCacheLayer(dal.NewMemoryCache(),
//	    dal.WithCacheTTL(5*time.Minute),
//	    dal.WithCacheList(true),
//	))
type CacheLayer struct {
	cache Cache
	opts  CacheOptions
}

// CacheOptions configures the CacheLayer behavior.
type CacheOptions struct {
	// TTL is the time-to-live for cache entries.
	// Default: 5 minutes
	TTL time.Duration

	// CacheStat enables caching of Stat results.
	// Default: true
	CacheStat bool

	// CacheList enables caching of non-recursive listings.
	// Default: false
	CacheList bool

	// KeyPrefix is prepended to all cache keys.
	// Default: "dal:"
	KeyPrefix string

	// OnCacheHit and OnCacheMiss are called with the operation and path.
	OnCacheHit  func(op, path string)
	OnCacheMiss func(op, path string)
}

// CacheOption is a functional option for configuring CacheLayer.
type CacheOption func(*CacheOptions)

// WithCacheTTL sets the TTL for cache entries.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(o *CacheOptions) {
		o.TTL = ttl
	}
}

// WithCacheStat enables or disables stat caching.
func WithCacheStat(enabled bool) CacheOption {
	return func(o *CacheOptions) {
		o.CacheStat = enabled
	}
}

// WithCacheList enables or disables listing caching.
func WithCacheList(enabled bool) CacheOption {
	return func(o *CacheOptions) {
		o.CacheList = enabled
	}
}

// WithCacheKeyPrefix sets the prefix for cache keys.
func WithCacheKeyPrefix(prefix string) CacheOption {
	return func(o *CacheOptions) {
		o.KeyPrefix = prefix
	}
}

// WithCacheHitCallback sets a callback for cache hits.
func WithCacheHitCallback(callback func(op, path string)) CacheOption {
	return func(o *CacheOptions) {
		o.OnCacheHit = callback
	}
}

// WithCacheMissCallback sets a callback for cache misses.
func WithCacheMissCallback(callback func(op, path string)) CacheOption {
	return func(o *CacheOptions) {
		o.OnCacheMiss = callback
	}
}

// NewCacheLayer creates a caching layer backed by cache.
func NewCacheLayer(cache Cache, opts ...CacheOption) *CacheLayer {
	options := CacheOptions{
		TTL:       5 * time.Minute,
		CacheStat: true,
		KeyPrefix: "dal:",
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &CacheLayer{cache: cache, opts: options}
}

// Layer implements Layer
func (l *CacheLayer) Layer(inner Accessor) Accessor {
	info := inner.Info()
	return &cacheAccessor{
		Accessor: inner,
		cache:    l.cache,
		opts:     l.opts,
		prefix:   l.opts.KeyPrefix + info.Scheme + ":" + info.Root + ":",
	}
}

type cacheAccessor struct {
	Accessor
	cache  Cache
	opts   CacheOptions
	prefix string
}

func (c *cacheAccessor) key(op, path string) string {
	return c.prefix + op + ":" + path
}

func (c *cacheAccessor) hit(op, path string) {
	if c.opts.OnCacheHit != nil {
		c.opts.OnCacheHit(op, path)
	}
}

func (c *cacheAccessor) miss(op, path string) {
	if c.opts.OnCacheMiss != nil {
		c.opts.OnCacheMiss(op, path)
	}
}

// invalidate drops path, everything below it and each ancestor listing.
func (c *cacheAccessor) invalidate(path string) {
	c.cache.DeletePrefix(c.key("stat", path))
	c.cache.DeletePrefix(c.key("list", path))
	for dir := ParentDir(path); ; dir = ParentDir(dir) {
		c.cache.Delete(c.key("list", dir))
		if dir == "/" {
			return
		}
	}
}

func (c *cacheAccessor) Stat(ctx context.Context, path string, op OpStat) (*Metadata, error) {
	if !c.opts.CacheStat || op.IfMatch != "" || op.IfNoneMatch != "" {
		return c.Accessor.Stat(ctx, path, op)
	}
	key := c.key("stat", path)
	if cached, ok := c.cache.Get(key); ok {
		c.hit("stat", path)
		return cached.(*Metadata).Clone(), nil
	}
	c.miss("stat", path)

	md, err := c.Accessor.Stat(ctx, path, op)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, md.Clone(), c.opts.TTL)
	return md, nil
}

func (c *cacheAccessor) List(ctx context.Context, path string, op OpList) (Pager, error) {
	if !c.opts.CacheList || op.Recursive || op.StartAfter != "" || op.Limit > 0 {
		return c.Accessor.List(ctx, path, op)
	}
	key := c.key("list", path)
	if cached, ok := c.cache.Get(key); ok {
		c.hit("list", path)
		entries := cached.([]Entry)
		return NewSlicePager(append([]Entry(nil), entries...), 0), nil
	}
	c.miss("list", path)

	pager, err := c.Accessor.List(ctx, path, op)
	if err != nil {
		return nil, err
	}
	return &cachingPager{Pager: pager, store: func(entries []Entry) {
		c.cache.Set(key, entries, c.opts.TTL)
	}}, nil
}

// cachingPager records pages as they pass and stores them once the
// listing completes without error.
type cachingPager struct {
	Pager
	seen  []Entry
	store func([]Entry)
}

func (p *cachingPager) NextPage(ctx context.Context) ([]Entry, error) {
	page, err := p.Pager.NextPage(ctx)
	if errors.Is(err, Done) {
		if p.store != nil {
			p.store(p.seen)
			p.store = nil
		}
		return nil, Done
	}
	if err != nil {
		p.store = nil
		return nil, err
	}
	p.seen = append(p.seen, page...)
	return page, nil
}

func (c *cacheAccessor) Write(ctx context.Context, path string, r io.Reader, op OpWrite) (*Metadata, error) {
	defer c.invalidate(path)
	return c.Accessor.Write(ctx, path, r, op)
}

func (c *cacheAccessor) Delete(ctx context.Context, path string, op OpDelete) error {
	defer c.invalidate(path)
	return c.Accessor.Delete(ctx, path, op)
}

func (c *cacheAccessor) CreateDir(ctx context.Context, path string, op OpCreateDir) error {
	defer c.invalidate(path)
	return c.Accessor.CreateDir(ctx, path, op)
}

func (c *cacheAccessor) Copy(ctx context.Context, from, to string, op OpCopy) error {
	defer c.invalidate(to)
	return c.Accessor.Copy(ctx, from, to, op)
}

func (c *cacheAccessor) Rename(ctx context.Context, from, to string, op OpRename) error {
	defer c.invalidate(to)
	defer c.invalidate(from)
	return c.Accessor.Rename(ctx, from, to, op)
}

func (c *cacheAccessor) Batch(ctx context.Context, op OpBatch) ([]BatchResult, error) {
	defer func() {
		for _, p := range op.Paths {
			c.invalidate(p)
		}
	}()
	return c.Accessor.Batch(ctx, op)
}

func (c *cacheAccessor) CompleteMultipart(ctx context.Context, path, uploadID string, parts []Part) (*Metadata, error) {
	defer c.invalidate(path)
	return c.Accessor.CompleteMultipart(ctx, path, uploadID, parts)
}

// WarmCache pre-populates stat entries for every entry under dir.
func WarmCache(ctx context.Context, op *Operator, l *CacheLayer, dir string) error {
	entries, err := op.ListAll(ctx, dir, WithRecursive(true))
	if err != nil {
		return err
	}
	info := op.Info()
	prefix := l.opts.KeyPrefix + info.Scheme + ":" + info.Root + ":"
	for _, e := range entries {
		if e.Metadata == nil {
			continue
		}
		l.cache.Set(prefix+"stat:"+e.Path, e.Metadata.Clone(), l.opts.TTL)
	}
	return nil
}
