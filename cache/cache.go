// Package cache provides the TTL response cache shared by all
// coordinator connection handlers.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/context-coordinator/protocol"
	"github.com/wolfeidau/context-coordinator/telemetry"
)

const (
	// DefaultTTL is the entry lifetime used when no TTL is given.
	DefaultTTL = 5 * time.Minute

	// DefaultSweepInterval is how often the background sweeper removes
	// expired entries.
	DefaultSweepInterval = 60 * time.Second
)

// Config holds cache configuration.
type Config struct {
	// DefaultTTL is applied by SetDefault. Zero means DefaultTTL.
	DefaultTTL time.Duration

	// SweepInterval is how often Start's background sweep runs.
	// Zero means DefaultSweepInterval.
	SweepInterval time.Duration

	// Logger for sweep events.
	Logger *slog.Logger
}

type entry struct {
	value     *protocol.QueryResult
	expiresAt time.Time
}

// Cache is a TTL-keyed response cache with hit/miss accounting.
// It is safe for concurrent use. Lookups and stores on the same key are
// serialized with last-writer-wins semantics; there are no cross-key
// transactions.
type Cache struct {
	defaultTTL    time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	entries map[string]entry

	hits   atomic.Uint64
	misses atomic.Uint64

	lifecycle sync.Mutex
	running   bool
	stopped   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a cache.
func New(cfg Config) *Cache {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Cache{
		defaultTTL:    cfg.DefaultTTL,
		sweepInterval: cfg.SweepInterval,
		logger:        cfg.Logger,
		now:           time.Now,
		entries:       make(map[string]entry),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Get returns the cached value for key when present and not expired.
// A stale entry is evicted on the way through. Every call increments
// exactly one of the hit or miss counters.
func (c *Cache) Get(key string) (*protocol.QueryResult, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.expiresAt.After(c.now()) {
		c.mu.Unlock()
		c.hits.Add(1)
		telemetry.RecordCacheLookup(context.Background(), true)
		return e.value, true
	}
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	c.misses.Add(1)
	telemetry.RecordCacheLookup(context.Background(), false)
	return nil, false
}

// Set inserts or unconditionally overwrites an entry with expiry
// now+ttl. A zero ttl produces an entry that is already expired.
func (c *Cache) Set(key string, value *protocol.QueryResult, ttl time.Duration) {
	expiresAt := c.now().Add(ttl)

	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

// SetDefault inserts or overwrites an entry using the default TTL.
func (c *Cache) SetDefault(key string, value *protocol.QueryResult) {
	c.Set(key, value, c.defaultTTL)
}

// CleanupExpired removes every entry whose expiry has passed and
// returns the number removed.
func (c *Cache) CleanupExpired() int {
	now := c.now()

	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("removed expired cache entries", "count", removed)
	}
	return removed
}

// Clear removes all entries. Counters are not reset.
func (c *Cache) Clear() {
	c.mu.Lock()
	count := len(c.entries)
	c.entries = make(map[string]entry)
	c.mu.Unlock()

	c.logger.Info("cleared cache", "entries", count)
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Hits returns the number of Get calls answered from the cache.
func (c *Cache) Hits() uint64 { return c.hits.Load() }

// Misses returns the number of Get calls that found nothing live.
func (c *Cache) Misses() uint64 { return c.misses.Load() }

// Start begins the background expiry sweep. It runs until Stop is
// called or ctx is canceled.
func (c *Cache) Start(ctx context.Context) {
	c.lifecycle.Lock()
	if c.running || c.stopped {
		c.lifecycle.Unlock()
		return
	}
	c.running = true
	c.lifecycle.Unlock()

	go c.run(ctx)
}

// Stop halts the background sweep and waits for it to finish.
func (c *Cache) Stop() {
	c.lifecycle.Lock()
	if !c.running || c.stopped {
		c.lifecycle.Unlock()
		return
	}
	c.stopped = true
	c.lifecycle.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

func (c *Cache) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Cache) sweep(ctx context.Context) {
	start := time.Now()
	removed := c.CleanupExpired()
	telemetry.RecordCacheSweep(ctx, removed, time.Since(start))
	telemetry.RecordCacheSize(ctx, int64(c.Len()))
}
