package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/featherwire/aviary/errs"
	"github.com/featherwire/aviary/internal/domain/schema"
)

func testEvent(id string) *schema.Event {
	return &schema.Event{
		Type:      schema.EventTypePostCreated,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		PrimaryID: id,
		User:      schema.UserRef{Username: "alice", UserID: "u1"},
		Data: &schema.PostData{
			TweetID: id,
			Tweet:   &schema.Tweet{ID: id, Body: &schema.RichText{Text: "hello"}},
		},
	}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	if err := bus.Publish(context.Background(), ChannelEvents, testEvent("t1")); err != nil {
		t.Fatalf("publish without subscribers: %v", err)
	}
}

func TestMemoryBusPublishValidation(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	if err := bus.Publish(context.Background(), "", testEvent("t1")); !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for empty channel, got %v", err)
	}
	if err := bus.Publish(context.Background(), ChannelEvents, &schema.Event{}); !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for missing type, got %v", err)
	}
	if err := bus.Publish(context.Background(), ChannelEvents, nil); err != nil {
		t.Fatalf("nil event should be a no-op, got %v", err)
	}
}

func TestMemoryBusSubscribeAndPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{FanoutWorkers: 2})
	defer bus.Close()

	var count atomic.Int64
	id, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if id != "sub-1" {
		t.Fatalf("expected first id sub-1, got %s", id)
	}

	if err := bus.Publish(context.Background(), ChannelEvents, testEvent("t1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := count.Load(); got != 1 {
		t.Fatalf("expected 1 delivery after publish returned, got %d", got)
	}
}

func TestMemoryBusPublishWaitsForHandlers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{FanoutWorkers: 4})
	defer bus.Close()

	var done atomic.Bool
	if _, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error {
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), ChannelEvents, testEvent("t1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !done.Load() {
		t.Fatal("publish returned before handler finished")
	}
}

func TestMemoryBusFanoutToAllSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{FanoutWorkers: 4})
	defer bus.Close()

	var count atomic.Int64
	for i := 0; i < 5; i++ {
		if _, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error {
			count.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	if err := bus.Publish(context.Background(), ChannelEvents, testEvent("t1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := count.Load(); got != 5 {
		t.Fatalf("expected 5 deliveries, got %d", got)
	}
}

func TestMemoryBusChannelIsolation(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	var events, alerts atomic.Int64
	if _, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error {
		events.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("subscribe events: %v", err)
	}
	if _, err := bus.Subscribe(ChannelAlerts, func(ctx context.Context, evt *schema.Event) error {
		alerts.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("subscribe alerts: %v", err)
	}

	if err := bus.Publish(context.Background(), ChannelEvents, testEvent("t1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if events.Load() != 1 || alerts.Load() != 0 {
		t.Fatalf("expected events=1 alerts=0, got events=%d alerts=%d", events.Load(), alerts.Load())
	}
}

func TestMemoryBusHandlerErrorDoesNotFailPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	var healthy atomic.Int64
	if _, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error {
		return fmt.Errorf("boom")
	}); err != nil {
		t.Fatalf("subscribe failing: %v", err)
	}
	if _, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error {
		healthy.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("subscribe healthy: %v", err)
	}

	if err := bus.Publish(context.Background(), ChannelEvents, testEvent("t1")); err != nil {
		t.Fatalf("publish should not surface handler errors: %v", err)
	}
	if healthy.Load() != 1 {
		t.Fatalf("healthy subscriber should still run, got %d deliveries", healthy.Load())
	}
}

func TestMemoryBusHandlerPanicIsolated(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	var healthy atomic.Int64
	if _, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error {
		panic("handler exploded")
	}); err != nil {
		t.Fatalf("subscribe panicking: %v", err)
	}
	if _, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error {
		healthy.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("subscribe healthy: %v", err)
	}

	if err := bus.Publish(context.Background(), ChannelEvents, testEvent("t1")); err != nil {
		t.Fatalf("publish should survive handler panic: %v", err)
	}
	if healthy.Load() != 1 {
		t.Fatalf("healthy subscriber should still run, got %d deliveries", healthy.Load())
	}
}

func TestMemoryBusSubscriberMutationIsolated(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{FanoutWorkers: 1})
	defer bus.Close()

	seen := make(chan string, 2)
	if _, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error {
		evt.PrimaryID = "mutated"
		seen <- evt.PrimaryID
		return nil
	}); err != nil {
		t.Fatalf("subscribe mutating: %v", err)
	}
	if _, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error {
		seen <- evt.PrimaryID
		return nil
	}); err != nil {
		t.Fatalf("subscribe observing: %v", err)
	}

	evt := testEvent("original")
	if err := bus.Publish(context.Background(), ChannelEvents, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	close(seen)

	sawOriginal := false
	for got := range seen {
		if got == "original" {
			sawOriginal = true
		}
	}
	if !sawOriginal {
		t.Fatal("mutating handler leaked its change into another subscriber's copy")
	}
	if evt.PrimaryID != "original" {
		t.Fatalf("publisher's event was mutated to %q", evt.PrimaryID)
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	var count atomic.Int64
	id, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Unsubscribe(id)
	if err := bus.Publish(context.Background(), ChannelEvents, testEvent("t1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if count.Load() != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", count.Load())
	}

	// Unknown and repeated ids are no-ops.
	bus.Unsubscribe(id)
	bus.Unsubscribe("sub-999")
}

func TestMemoryBusUnsubscribeDrainsInFlight(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{FanoutWorkers: 1})
	defer bus.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	id, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = bus.Publish(context.Background(), ChannelEvents, testEvent("t1"))
	}()

	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	bus.Unsubscribe(id)
	if !finished.Load() {
		t.Fatal("unsubscribe returned while a delivery was still running")
	}
	wg.Wait()
}

func TestMemoryBusClear(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	var count atomic.Int64
	for i := 0; i < 3; i++ {
		if _, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error {
			count.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	bus.Clear()
	if err := bus.Publish(context.Background(), ChannelEvents, testEvent("t1")); err != nil {
		t.Fatalf("publish after clear: %v", err)
	}
	if count.Load() != 0 {
		t.Fatalf("expected no deliveries after clear, got %d", count.Load())
	}

	// Bus stays usable: new subscriptions receive events again.
	if _, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error {
		count.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("subscribe after clear: %v", err)
	}
	if err := bus.Publish(context.Background(), ChannelEvents, testEvent("t2")); err != nil {
		t.Fatalf("publish after resubscribe: %v", err)
	}
	if count.Load() != 1 {
		t.Fatalf("expected 1 delivery after resubscribe, got %d", count.Load())
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	bus.Close()
	bus.Close()

	if err := bus.Publish(context.Background(), ChannelEvents, testEvent("t1")); !errs.HasCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
	if _, err := bus.Subscribe(ChannelEvents, func(ctx context.Context, evt *schema.Event) error { return nil }); !errs.HasCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable subscribe after close, got %v", err)
	}
}

func TestMemoryBusSequentialIDs(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	handler := func(ctx context.Context, evt *schema.Event) error { return nil }
	for i := 1; i <= 3; i++ {
		id, err := bus.Subscribe(ChannelEvents, handler)
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		want := SubscriptionID(fmt.Sprintf("sub-%d", i))
		if id != want {
			t.Fatalf("expected %s, got %s", want, id)
		}
	}
}
