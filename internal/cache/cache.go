// Package cache provides the gateway's bounded in-memory response cache.
// Entries live in a map fronted by an access-ordered list; inserting past
// either the entry-count or byte-size limit evicts least-recently-accessed
// entries until both bounds hold again. Every entry carries an absolute
// expiry; expired entries are never served and are dropped on access or by
// the periodic sweep.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Entry is a cached HTTP response.
type Entry struct {
	Status      int         `json:"status"`
	Headers     http.Header `json:"headers"`
	Body        []byte      `json:"body"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	AccessCount int64       `json:"access_count"`
	LastAccess  time.Time   `json:"last_access"`
	Size        int64       `json:"size"`
}

// entryOverhead approximates the fixed per-entry bookkeeping cost counted
// toward the byte budget.
const entryOverhead = 256

// estimateSize computes the byte cost of an entry: body plus header text
// plus fixed overhead.
func estimateSize(key string, e *Entry) int64 {
	size := int64(len(key)) + int64(len(e.Body)) + entryOverhead
	for k, vv := range e.Headers {
		size += int64(len(k))
		for _, v := range vv {
			size += int64(len(v))
		}
	}
	return size
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Entries    int     `json:"entries"`
	Bytes      int64   `json:"bytes"`
	MaxEntries int     `json:"maxEntries"`
	MaxBytes   int64   `json:"maxBytes"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Evictions  int64   `json:"evictions"`
	Expired    int64   `json:"expired"`
	HitRate    float64 `json:"hitRate"`
}

type lruItem struct {
	key   string
	entry *Entry
}

// Cache is the bounded LRU+TTL store. All mutation happens under mu; no I/O
// is performed while it is held.
type Cache struct {
	mu    sync.Mutex
	ll    *list.List // front = most recently accessed
	items map[string]*list.Element
	bytes int64

	maxEntries int
	maxBytes   int64
	defaultTTL time.Duration

	hits      int64
	misses    int64
	evictions int64
	expired   int64

	logger *slog.Logger
	now    func() time.Time // overridable in tests
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for debug messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a cache bounded by maxEntries and maxBytes, with the given
// default TTL for entries stored without an explicit one.
func New(maxEntries int, maxBytes int64, defaultTTL time.Duration, opts ...Option) *Cache {
	c := &Cache{
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the entry for key, or nil, false on miss. An entry at or past
// its expiry is removed and reported as a miss.
func (c *Cache) Get(key string) (*Entry, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}

	item := el.Value.(*lruItem)
	if !now.Before(item.entry.ExpiresAt) {
		c.removeElement(el)
		c.expired++
		c.misses++
		return nil, false
	}

	c.ll.MoveToFront(el)
	item.entry.AccessCount++
	item.entry.LastAccess = now
	c.hits++
	return item.entry, true
}

// Set stores an entry under key. A ttl of 0 applies the default TTL. When
// inserting would exceed either bound, least-recently-accessed entries are
// evicted until both bounds are satisfied. An entry larger than the whole
// byte budget is not stored.
func (c *Cache) Set(key string, entry *Entry, ttl time.Duration) {
	now := c.now()
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)
	entry.LastAccess = now
	if entry.Size == 0 {
		entry.Size = estimateSize(key, entry)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.Size > c.maxBytes {
		c.logger.Debug("cache: entry exceeds byte budget, skipping", "key", key, "size", entry.Size)
		return
	}

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}

	for len(c.items) >= c.maxEntries || c.bytes+entry.Size > c.maxBytes {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
	}

	el := c.ll.PushFront(&lruItem{key: key, entry: entry})
	c.items[key] = el
	c.bytes += entry.Size
}

// Has reports whether an unexpired entry exists without touching its access
// recency.
func (c *Cache) Has(key string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	return now.Before(el.Value.(*lruItem).entry.ExpiresAt)
}

// Delete removes an entry by key. Returns false when absent.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.bytes = 0
}

// GetOrSet returns the cached entry for key, or invokes producer to create
// and store one. The producer runs outside the cache lock; concurrent
// callers for the same key may race and both produce, with the last store
// winning.
func (c *Cache) GetOrSet(key string, producer func() (*Entry, error), ttl time.Duration) (*Entry, error) {
	if e, ok := c.Get(key); ok {
		return e, nil
	}

	e, err := producer()
	if err != nil {
		return nil, err
	}
	c.Set(key, e, ttl)
	return e, nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:    len(c.items),
		Bytes:      c.bytes,
		MaxEntries: c.maxEntries,
		MaxBytes:   c.maxBytes,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Expired:    c.expired,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*lruItem).entry.ExpiresAt) {
			c.removeElement(el)
			c.expired++
			dropped++
		}
		el = prev
	}
	return dropped
}

// RunSweeper removes expired entries on the given interval until the context
// is canceled.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := c.Sweep(); dropped > 0 {
				c.logger.Debug("cache sweep", "dropped", dropped)
			}
		}
	}
}

// removeElement drops an entry. Caller holds mu.
func (c *Cache) removeElement(el *list.Element) {
	item := el.Value.(*lruItem)
	c.ll.Remove(el)
	delete(c.items, item.key)
	c.bytes -= item.entry.Size
}
