// Package cache memoizes archive listings per Location with LRU eviction and expiry.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/zipview/pkg/models"
)

// FetchFunc produces the listing for a Location on a cache miss.
type FetchFunc func(ctx context.Context, loc models.Location) (*models.Node, error)

type entry struct {
	root       *models.Node
	insertedAt time.Time
}

// Cache holds listing trees keyed by the full Location, credentials included.
// It is safe for concurrent use.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu  sync.Mutex
	lru *simplelru.LRU[models.Location, *entry]

	group singleflight.Group

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
	fetches     atomic.Uint64
	failures    atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache holding at most capacity listings, each served for ttl
// after it was stored. A ttl of zero disables expiry.
func New(capacity int, ttl time.Duration, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	if ttl < 0 {
		return nil, fmt.Errorf("cache ttl must not be negative, got %s", ttl)
	}
	l, err := simplelru.NewLRU[models.Location, *entry](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}

	c := &Cache{
		ttl: ttl,
		now: time.Now,
		lru: l,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetOrFetch returns the listing for loc, calling fetch on a miss or after
// expiry. Concurrent misses for the same Location share a single fetch.
// Failed fetches are not stored. A caller whose ctx ends stops waiting; the
// shared fetch continues for the others.
func (c *Cache) GetOrFetch(ctx context.Context, loc models.Location, fetch FetchFunc) (*models.Node, error) {
	if root, ok := c.get(loc); ok {
		c.hits.Add(1)
		return root, nil
	}
	c.misses.Add(1)

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey(loc), func() (any, error) {
		// A flight that finished between our miss and now may have stored it.
		if root, ok := c.get(loc); ok {
			return root, nil
		}
		c.fetches.Add(1)
		root, err := fetch(fetchCtx, loc)
		if err != nil {
			c.failures.Add(1)
			return nil, err
		}
		c.put(loc, root)
		return root, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Node), nil
	}
}

// Get returns a stored, unexpired listing without fetching.
func (c *Cache) Get(loc models.Location) (*models.Node, bool) {
	return c.get(loc)
}

func (c *Cache) get(loc models.Location) (*models.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(loc)
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(e.insertedAt) >= c.ttl {
		c.lru.Remove(loc)
		c.expirations.Add(1)
		return nil, false
	}
	return e.root, true
}

func (c *Cache) put(loc models.Location, root *models.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if evicted := c.lru.Add(loc, &entry{root: root, insertedAt: c.now()}); evicted {
		c.evictions.Add(1)
	}
}

// Invalidate drops the listing stored for loc, if any.
func (c *Cache) Invalidate(loc models.Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(loc)
}

// Purge drops every stored listing.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len returns the number of stored listings, including expired ones not yet dropped.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries     int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Fetches     uint64
	Failures    uint64
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:     c.Len(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Fetches:     c.fetches.Load(),
		Failures:    c.failures.Load(),
	}
}

// flightKey encodes every Location field unambiguously.
func flightKey(loc models.Location) string {
	return fmt.Sprintf("%q %t %q %q", loc.URL, loc.VerifyTLS, loc.Credentials.Username, loc.Credentials.Password)
}
