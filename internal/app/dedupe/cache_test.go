package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/featherwire/aviary/internal/infra/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCacheSeenRecordsFirstObservation(t *testing.T) {
	cache := NewCache(config.DedupeConfig{}, nil)

	if cache.Seen("fp-1") {
		t.Fatal("first observation should not be seen")
	}
	if !cache.Seen("fp-1") {
		t.Fatal("second observation should be seen")
	}
	if cache.Seen("fp-2") {
		t.Fatal("distinct fingerprint should not be seen")
	}
}

func TestCacheEmptyFingerprintBypasses(t *testing.T) {
	cache := NewCache(config.DedupeConfig{}, nil)

	if cache.Seen("") {
		t.Fatal("empty fingerprint should never be seen")
	}
	if cache.Seen("") {
		t.Fatal("empty fingerprint should never be recorded")
	}
	if cache.Len() != 0 {
		t.Fatalf("empty fingerprint should not occupy an entry, len=%d", cache.Len())
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(config.DedupeConfig{TTL: config.Duration(time.Hour)}, clock.Now)

	if cache.Seen("fp-1") {
		t.Fatal("first observation should not be seen")
	}
	clock.Advance(59 * time.Minute)
	if !cache.Seen("fp-1") {
		t.Fatal("observation within TTL should be seen")
	}
	clock.Advance(2 * time.Minute)
	if cache.Seen("fp-1") {
		t.Fatal("observation past TTL should be treated as fresh")
	}
	if !cache.Seen("fp-1") {
		t.Fatal("re-recorded fingerprint should be seen again")
	}
}

func TestCacheCapacityEvictsOldestFirstSeen(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(config.DedupeConfig{MaxEntries: 3}, clock.Now)

	for i := 0; i < 3; i++ {
		cache.Seen(fmt.Sprintf("fp-%d", i))
		clock.Advance(time.Second)
	}
	if cache.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", cache.Len())
	}

	// Fourth insert must push out fp-0, the oldest first-seen entry.
	cache.Seen("fp-3")
	if cache.Len() != 3 {
		t.Fatalf("expected capacity bound 3, got %d", cache.Len())
	}
	if cache.Seen("fp-0") {
		t.Fatal("evicted fingerprint should read as unseen")
	}
	if !cache.Seen("fp-2") {
		t.Fatal("recent fingerprint should survive eviction")
	}
	if !cache.Seen("fp-3") {
		t.Fatal("newest fingerprint should survive eviction")
	}
}

func TestCacheEvictionSkipsReRecordedEntries(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(config.DedupeConfig{MaxEntries: 2, TTL: config.Duration(time.Minute)}, clock.Now)

	cache.Seen("fp-old")
	clock.Advance(2 * time.Minute)

	// fp-old expired; re-recording it leaves a stale slot in the eviction order.
	cache.Seen("fp-old")
	clock.Advance(time.Second)
	cache.Seen("fp-mid")
	clock.Advance(time.Second)
	cache.Seen("fp-new")

	if cache.Len() != 2 {
		t.Fatalf("expected capacity bound 2, got %d", cache.Len())
	}
	// fp-old was re-recorded after fp-mid's slot position, so fp-mid goes first.
	if cache.Seen("fp-mid") {
		t.Fatal("fp-mid should have been evicted")
	}
}

func TestCacheClear(t *testing.T) {
	cache := NewCache(config.DedupeConfig{}, nil)

	cache.Seen("fp-1")
	cache.Seen("fp-2")
	cache.Clear()

	if cache.Len() != 0 {
		t.Fatalf("expected empty cache after clear, got %d", cache.Len())
	}
	if cache.Seen("fp-1") {
		t.Fatal("cleared fingerprint should read as unseen")
	}
}

func TestCacheConcurrentSameFingerprint(t *testing.T) {
	cache := NewCache(config.DedupeConfig{}, nil)

	const goroutines = 32
	var unseen atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if !cache.Seen("shared") {
				unseen.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := unseen.Load(); got != 1 {
		t.Fatalf("expected exactly one caller to observe unseen, got %d", got)
	}
}

func TestCacheConcurrentDistinctFingerprintsStayBounded(t *testing.T) {
	cache := NewCache(config.DedupeConfig{MaxEntries: 50}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cache.Seen(fmt.Sprintf("w%d-fp-%d", worker, j))
			}
		}(i)
	}
	wg.Wait()

	if got := cache.Len(); got > 50 {
		t.Fatalf("cache exceeded capacity: %d", got)
	}
}
