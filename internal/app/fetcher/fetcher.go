// Package fetcher keeps the set of interesting user handles fresh against
// the companion active-users endpoint, with stale-cache fallback.
package fetcher

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/featherwire/aviary/internal/infra/config"
	"github.com/featherwire/aviary/internal/infra/telemetry"
)

// UserSource fetches the active-users list from the companion service.
type UserSource interface {
	ActiveUsers(ctx context.Context) ([]string, error)
}

// ActiveUsers caches the most recent successful fetch. Any failure keeps the
// previous list so consumers never observe a regression to empty.
type ActiveUsers struct {
	source   UserSource
	cfg      config.FetcherConfig
	onUpdate func(users []string)

	mu        sync.RWMutex
	cached    []string
	fetchedAt time.Time

	refreshMu   sync.Mutex
	refreshStop chan struct{}
	refreshDone chan struct{}

	fetchCounter  metric.Int64Counter
	fetchDuration metric.Float64Histogram
	usersGauge    metric.Int64Gauge
}

// NewActiveUsers constructs the fetcher. onUpdate, when non-nil, observes
// every successful fetch with the new list.
func NewActiveUsers(source UserSource, cfg config.FetcherConfig, onUpdate func(users []string)) *ActiveUsers {
	f := new(ActiveUsers)
	f.source = source
	f.cfg = cfg
	f.onUpdate = onUpdate

	meter := otel.Meter("fetcher")
	f.fetchCounter, _ = meter.Int64Counter("fetcher.requests",
		metric.WithDescription("Number of active-users fetch attempts"),
		metric.WithUnit("{request}"))
	f.fetchDuration, _ = meter.Float64Histogram("fetcher.request.duration",
		metric.WithDescription("Latency of active-users fetches"),
		metric.WithUnit("ms"))
	f.usersGauge, _ = meter.Int64Gauge("fetcher.users.active",
		metric.WithDescription("Size of the active-users cache"),
		metric.WithUnit("{user}"))

	return f
}

// Fetch performs one refresh. On success it replaces the cache and returns
// the new list; on any failure it returns the last cached list, empty when
// nothing was ever fetched.
func (f *ActiveUsers) Fetch(ctx context.Context) []string {
	start := time.Now()
	users, err := f.source.ActiveUsers(ctx)
	f.recordFetch(ctx, err, time.Since(start))

	if err != nil {
		log.Printf("fetcher: active-users fetch failed, serving cached list err=%v", err)
		return f.Cached()
	}

	snapshot := make([]string, len(users))
	copy(snapshot, users)

	f.mu.Lock()
	f.cached = snapshot
	f.fetchedAt = time.Now().UTC()
	f.mu.Unlock()

	if f.usersGauge != nil {
		f.usersGauge.Record(ctx, int64(len(snapshot)), metric.WithAttributes(
			attribute.String("environment", telemetry.Environment())))
	}
	if f.onUpdate != nil {
		f.onUpdate(f.Cached())
	}
	return f.Cached()
}

// Cached returns a defensive copy of the current list.
func (f *ActiveUsers) Cached() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.cached))
	copy(out, f.cached)
	return out
}

// FetchedAt returns when the cache was last replaced, zero when never.
func (f *ActiveUsers) FetchedAt() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fetchedAt
}

// StartPeriodicRefresh fetches immediately, then repeats at the interval
// until the context ends or StopPeriodicRefresh is called. A non-positive
// interval falls back to the configured refresh interval. Calling while a
// refresh loop is already running is a no-op.
func (f *ActiveUsers) StartPeriodicRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = f.cfg.RefreshInterval.StdDuration()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}

	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()
	if f.refreshStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	f.refreshStop = stop
	f.refreshDone = done
	go f.refreshLoop(ctx, interval, stop, done)
}

// StopPeriodicRefresh cancels the next wake-up and waits for an in-flight
// fetch to complete. Safe to call without a running loop.
func (f *ActiveUsers) StopPeriodicRefresh() {
	f.refreshMu.Lock()
	stop := f.refreshStop
	done := f.refreshDone
	f.refreshStop = nil
	f.refreshDone = nil
	f.refreshMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (f *ActiveUsers) refreshLoop(ctx context.Context, interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	f.Fetch(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			f.Fetch(ctx)
		}
	}
}

func (f *ActiveUsers) recordFetch(ctx context.Context, err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		telemetry.AttrResult.String(result))
	if f.fetchCounter != nil {
		f.fetchCounter.Add(ctx, 1, attrs)
	}
	if f.fetchDuration != nil {
		f.fetchDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}
