package managers

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrCacheClosed is returned by Acquire after Close.
var ErrCacheClosed = errors.New("managers: cache closed")

// Factory builds a bundle for a config.
type Factory func(ctx context.Context, cfg Config) (*Bundle, error)

// DefaultFactory returns a Factory calling NewBundle with opts.
func DefaultFactory(opts ...BundleOption) Factory {
	return func(_ context.Context, cfg Config) (*Bundle, error) {
		return NewBundle(cfg, opts...)
	}
}

type entry struct {
	bundle   *Bundle
	refCount int
	ready    chan struct{}
	err      error
}

// Cache hands out reference-counted bundles keyed by Config.CacheKey.
// Concurrent Acquires for the same key share a single construction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	factory Factory
	logger  zerolog.Logger
	closed  bool
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithFactory replaces DefaultFactory().
func WithFactory(f Factory) CacheOption {
	return func(c *Cache) {
		c.factory = f
	}
}

// WithCacheLogger sets the cache's logger.
func WithCacheLogger(logger zerolog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache creates an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		factory: DefaultFactory(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire returns the bundle for cfg and takes a reference to it. Every
// successful Acquire must be paired with a Release.
func (c *Cache) Acquire(ctx context.Context, cfg Config) (*Bundle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := cfg.CacheKey()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrCacheClosed
		}
		e, ok := c.entries[key]
		if !ok {
			e = &entry{ready: make(chan struct{})}
			c.entries[key] = e
			c.mu.Unlock()
			return c.build(ctx, key, cfg, e)
		}
		if e.bundle != nil {
			e.refCount++
			c.mu.Unlock()
			return e.bundle, nil
		}
		c.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		// The entry may have been released between construction and now;
		// look it up again.
	}
}

func (c *Cache) build(ctx context.Context, key string, cfg Config, e *entry) (*Bundle, error) {
	bundle, err := c.factory(ctx, cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(e.ready)

	if err == nil && c.closed {
		err = ErrCacheClosed
		_ = bundle.Close()
	}
	if err != nil {
		e.err = err
		if c.entries[key] == e {
			delete(c.entries, key)
		}
		c.logger.Warn().Err(err).Str("server", cfg.ServerURL).Msg("failed to build manager bundle")
		return nil, err
	}

	e.bundle = bundle
	e.refCount = 1
	c.logger.Debug().Str("server", cfg.ServerURL).Msg("created manager bundle")
	return bundle, nil
}

// Release drops a reference taken by Acquire. The bundle is closed when its
// last reference is released.
func (c *Cache) Release(cfg Config) {
	key := cfg.CacheKey()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.bundle == nil {
		c.mu.Unlock()
		c.logger.Warn().Str("server", cfg.ServerURL).Msg("release of unknown manager bundle")
		return
	}
	e.refCount--
	if e.refCount > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.entries, key)
	c.mu.Unlock()

	if err := e.bundle.Close(); err != nil {
		c.logger.Error().Err(err).Str("server", cfg.ServerURL).Msg("failed to close manager bundle")
	}
}

// RefCount returns the number of outstanding references for cfg.
func (c *Cache) RefCount(cfg Config) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[cfg.CacheKey()]; ok {
		return e.refCount
	}
	return 0
}

// Len returns the number of cached bundles, including ones under construction.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close closes every cached bundle regardless of references. Later Acquires
// fail with ErrCacheClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	entries := c.entries
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if e.bundle == nil {
			continue
		}
		if err := e.bundle.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
