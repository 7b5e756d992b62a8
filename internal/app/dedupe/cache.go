package dedupe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/featherwire/aviary/internal/infra/config"
	"github.com/featherwire/aviary/internal/infra/telemetry"
)

// Cache suppresses duplicate events by fingerprint within a sliding window.
// It is bounded: capacity overflow evicts the oldest first-seen entries, and
// entries past their TTL are evicted lazily when their fingerprint recurs.
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	// order holds fingerprints in first-seen order for capacity eviction.
	// Records whose timestamp no longer matches the map are stale and skipped.
	order []seenRecord

	maxEntries int
	ttl        time.Duration
	clock      func() time.Time

	hitCounter      metric.Int64Counter
	insertCounter   metric.Int64Counter
	evictionCounter metric.Int64Counter
}

type seenRecord struct {
	fingerprint string
	seenAt      time.Time
}

// NewCache constructs a duplicate-suppression cache. A nil clock uses time.Now.
func NewCache(cfg config.DedupeConfig, clock func() time.Time) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = config.Duration(24 * time.Hour)
	}
	if clock == nil {
		clock = time.Now
	}

	cache := new(Cache)
	cache.entries = make(map[string]time.Time, 1024)
	cache.maxEntries = cfg.MaxEntries
	cache.ttl = cfg.TTL.StdDuration()
	cache.clock = clock

	meter := otel.Meter("dedupe")
	cache.hitCounter, _ = meter.Int64Counter("dedupe.hits",
		metric.WithDescription("Number of duplicate events suppressed"),
		metric.WithUnit("{event}"))
	cache.insertCounter, _ = meter.Int64Counter("dedupe.inserts",
		metric.WithDescription("Number of fingerprints recorded"),
		metric.WithUnit("{event}"))
	cache.evictionCounter, _ = meter.Int64Counter("dedupe.evictions",
		metric.WithDescription("Number of cache entries evicted"),
		metric.WithUnit("{event}"))

	return cache
}

// Seen reports whether the fingerprint was recorded within the TTL window.
// When it was not, Seen records it as a side effect, so under concurrent
// calls with the same fingerprint exactly one caller observes false.
func (c *Cache) Seen(fingerprint string) bool {
	if fingerprint == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock().UTC()
	if ts, ok := c.entries[fingerprint]; ok {
		if now.Sub(ts) < c.ttl {
			c.countHit()
			return true
		}
		// Expired: drop the record and treat the fingerprint as fresh.
		delete(c.entries, fingerprint)
		c.countEviction("expired")
	}

	c.entries[fingerprint] = now
	c.order = append(c.order, seenRecord{fingerprint: fingerprint, seenAt: now})
	c.countInsert()

	if len(c.entries) > c.maxEntries {
		c.evictOldestLocked()
	}
	if len(c.order) > c.maxEntries*2 {
		c.compactLocked()
	}
	return false
}

// Clear removes every recorded fingerprint.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]time.Time, 1024)
	c.order = nil
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldestLocked() {
	for len(c.entries) > c.maxEntries && len(c.order) > 0 {
		rec := c.order[0]
		c.order = c.order[1:]
		ts, ok := c.entries[rec.fingerprint]
		if !ok || !ts.Equal(rec.seenAt) {
			continue
		}
		delete(c.entries, rec.fingerprint)
		c.countEviction("capacity")
	}
}

func (c *Cache) compactLocked() {
	live := make([]seenRecord, 0, len(c.entries))
	for _, rec := range c.order {
		if ts, ok := c.entries[rec.fingerprint]; ok && ts.Equal(rec.seenAt) {
			live = append(live, rec)
		}
	}
	c.order = live
}

func (c *Cache) countHit() {
	if c.hitCounter == nil {
		return
	}
	c.hitCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment())))
}

func (c *Cache) countInsert() {
	if c.insertCounter == nil {
		return
	}
	c.insertCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment())))
}

func (c *Cache) countEviction(reason string) {
	if c.evictionCounter == nil {
		return
	}
	c.evictionCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("reason", reason)))
}
