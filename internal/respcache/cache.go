// Package respcache caches generated responses by request fingerprint.
//
// Two equivalent queries from customers with the same profile shape should
// not pay for two generations: lookups that miss are collapsed through
// singleflight so concurrent identical requests share one computation.
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

// Entry is a cached generation result.
type Entry struct {
	Response  string
	Strategy  model.Strategy
	CreatedAt time.Time
}

// Cache is a TTL cache over response fingerprints. Expired entries are
// dropped lazily on read and swept periodically in the background.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration

	group singleflight.Group

	hits   metric.Int64Counter
	misses metric.Int64Counter

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a cache whose entries expire after ttl. Call Close to stop
// the background sweep.
func New(ttl time.Duration) *Cache {
	meter := telemetry.Meter("kaiwa/respcache")
	hits, _ := meter.Int64Counter("kaiwa.respcache.hits")
	misses, _ := meter.Int64Counter("kaiwa.respcache.misses")

	c := &Cache{
		entries: make(map[string]Entry),
		ttl:     ttl,
		hits:    hits,
		misses:  misses,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Fingerprint derives the cache key for a request: the normalized query
// text plus the profile attributes that change which response is
// appropriate. Customer identity is deliberately excluded so equivalent
// requests share entries.
func Fingerprint(query string, style model.CommunicationStyle, urgency model.UrgencyLevel, tier model.Tier) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")

	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(style))
	h.Write([]byte{0})
	h.Write([]byte(urgency))
	h.Write([]byte{0})
	h.Write([]byte(tier))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the live entry for key, if any.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && time.Since(e.CreatedAt) < c.ttl {
		c.hits.Add(ctx, 1)
		return e, true
	}
	if ok {
		c.mu.Lock()
		// Recheck under the write lock: a concurrent computation may
		// have refreshed the entry.
		if cur, still := c.entries[key]; still && time.Since(cur.CreatedAt) >= c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
	}
	c.misses.Add(ctx, 1)
	return Entry{}, false
}

// GetOrCompute returns the cached entry for key, computing and storing it
// on a miss. Concurrent callers with the same key share one computation;
// the hit flag is true only for callers served from the cache without
// waiting on a computation. Failed computations are not cached.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (Entry, error)) (Entry, bool, error) {
	if e, ok := c.Get(ctx, key); ok {
		return e, true, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		e, err := compute(ctx)
		if err != nil {
			return Entry{}, err
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return v.(Entry), false, nil
}

// Put stores an entry directly, replacing any existing one. Used to seed
// or refresh entries outside the computation path.
func (c *Cache) Put(key string, e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Len returns the number of stored entries, counting expired ones not yet
// swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.Lock()
	for k, e := range c.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}
