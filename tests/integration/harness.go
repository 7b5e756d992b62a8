package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/featherwire/aviary/internal/app/dedupe"
	"github.com/featherwire/aviary/internal/app/engine"
	"github.com/featherwire/aviary/internal/app/filter"
	"github.com/featherwire/aviary/internal/domain/schema"
	"github.com/featherwire/aviary/internal/infra/adapters/apify"
	"github.com/featherwire/aviary/internal/infra/bus/eventbus"
	"github.com/featherwire/aviary/internal/infra/config"
)

// harness assembles a full streaming stack against a fake upstream: client,
// dedup cache, filter pipeline, bus and engine core.
type harness struct {
	upstream *fakeUpstream
	bus      *eventbus.MemoryBus
	pipeline *filter.Pipeline
	core     *engine.Core

	events *eventCollector
	alerts *eventCollector
}

func newHarness(t *testing.T, channels ...string) *harness {
	t.Helper()

	up := newFakeUpstream()
	t.Cleanup(up.Close)

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{FanoutWorkers: 2})
	t.Cleanup(bus.Close)

	events := new(eventCollector)
	alerts := new(eventCollector)
	if _, err := bus.Subscribe(eventbus.ChannelEvents, events.handle); err != nil {
		t.Fatalf("subscribe events: %v", err)
	}
	if _, err := bus.Subscribe(eventbus.ChannelAlerts, alerts.handle); err != nil {
		t.Fatalf("subscribe alerts: %v", err)
	}

	pipeline := filter.NewPipeline()
	cache := dedupe.NewCache(config.DedupeConfig{MaxEntries: 256, TTL: config.Duration(time.Hour)}, nil)

	sub, err := config.SubscriptionFromStrings(channels, nil)
	if err != nil {
		t.Fatalf("build subscription: %v", err)
	}
	sub.Source = config.SourceConfig
	sub.Mode = config.ModeIdle
	store, err := config.NewSubscriptionStore(sub)
	if err != nil {
		t.Fatalf("subscription store: %v", err)
	}

	client := apify.NewStreamClient(config.UpstreamConfig{
		BaseURL:         up.URL(),
		Token:           fakeToken,
		ConnectTimeout:  config.Duration(5 * time.Second),
		IdleReadTimeout: config.Duration(30 * time.Second),
	})

	core := engine.NewCore(config.EngineConfig{RecentEvents: 16, MaxRetriesPerEndpoint: 3},
		client, bus, cache, pipeline, store)

	return &harness{
		upstream: up,
		bus:      bus,
		pipeline: pipeline,
		core:     core,
		events:   events,
		alerts:   alerts,
	}
}

// start launches the engine and registers a cleanup stop.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := h.core.Start(ctx); err != nil {
		t.Fatalf("core.Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer stopCancel()
		_ = h.core.Stop(stopCtx)
	})
}

// eventCollector records bus deliveries for assertions.
type eventCollector struct {
	mu     sync.Mutex
	events []schema.Event
}

func (c *eventCollector) handle(_ context.Context, evt *schema.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, *evt)
	return nil
}

func (c *eventCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *eventCollector) snapshot() []schema.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.Event, len(c.events))
	copy(out, c.events)
	return out
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func postEvent(id, username, body string) schema.Event {
	return schema.Event{
		Type:      schema.EventTypePostCreated,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		PrimaryID: id,
		User:      schema.UserRef{Username: username},
		Data: &schema.PostData{
			TweetID:  id,
			Username: username,
			Action:   "created",
			Tweet: &schema.Tweet{
				ID:   id,
				Body: &schema.RichText{Text: body},
			},
		},
	}
}
