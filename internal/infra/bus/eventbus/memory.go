package eventbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/featherwire/aviary/errs"
	"github.com/featherwire/aviary/internal/domain/schema"
	"github.com/featherwire/aviary/internal/infra/telemetry"
)

// MemoryBus is an in-memory implementation of the event bus. Publish invokes
// every handler bound to the channel and returns once all of them finished,
// so sequential publishes preserve per-subscription delivery order.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[string]map[SubscriptionID]*subscription
	shutdownOnce sync.Once
	nextID       uint64
	workers      int

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	deliveryErrorCounter   metric.Int64Counter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
}

type subscription struct {
	id      SubscriptionID
	channel string
	handler Handler

	// mu serialises handler invocation against removal so no delivery can
	// start after Unsubscribe has returned.
	mu      sync.Mutex
	removed bool
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[string]map[SubscriptionID]*subscription)
	bus.workers = cfg.FanoutWorkers

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryErrorCounter, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of handler delivery failures"),
		metric.WithUnit("{error}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))

	return bus
}

// Publish fan-outs the event to all handlers subscribed to the channel.
// Route-first: counts subscribers before any fanout work, short-circuits when n==0.
func (b *MemoryBus) Publish(ctx context.Context, channel string, evt *schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if channel == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if err := b.ctx.Err(); err != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	eventType := string(evt.Type)
	start := time.Now()
	result := "success"

	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), channel, "eventbus.publish", result)
			if eventType != "" {
				attrs = append(attrs, telemetry.AttrEventType.String(eventType))
			}
			b.publishDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
		}
	}()

	// ROUTE FIRST: snapshot subscribers before any fanout work.
	b.mu.RLock()
	subMap := b.subscribers[channel]
	n := len(subMap)
	subs := make([]*subscription, 0, n)
	for _, sub := range subMap {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(n), metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("event_type", eventType),
			attribute.String("channel", channel)))
	}

	// SHORT-CIRCUIT: no subscribers means no fanout work.
	if n == 0 {
		result = "no_subscribers"
		return nil
	}

	workerLimit := b.workers
	if workerLimit <= 0 {
		workerLimit = 1
	}

	p := concpool.New().WithMaxGoroutines(workerLimit)
	for _, target := range subs {
		sub := target
		// Each handler gets its own deep copy so no subscriber can mutate
		// another's view of the event.
		clone := schema.CloneEvent(evt)
		p.Go(func() {
			b.deliver(ctx, channel, sub, clone)
		})
	}
	p.Wait()

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("event_type", eventType),
			attribute.String("channel", channel)))
	}
	return nil
}

// deliver invokes a single handler, isolating failures and panics so one
// subscriber can never affect another or fail the publish.
func (b *MemoryBus) deliver(ctx context.Context, channel string, sub *subscription, evt *schema.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.removed {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("eventbus: handler panic sub=%s channel=%s type=%s recovered=%v", sub.id, channel, evt.Type, r)
			b.countDeliveryError(ctx, channel, "handler_panic")
		}
	}()

	if err := sub.handler(ctx, evt); err != nil {
		log.Printf("eventbus: handler failure sub=%s channel=%s type=%s err=%v", sub.id, channel, evt.Type, err)
		b.countDeliveryError(ctx, channel, "handler_error")
	}
}

func (b *MemoryBus) countDeliveryError(ctx context.Context, channel, class string) {
	if b.deliveryErrorCounter == nil {
		return
	}
	b.deliveryErrorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("error", class),
		attribute.String("channel", channel)))
}

// Subscribe registers a handler for the given channel and returns a subscription ID.
func (b *MemoryBus) Subscribe(channel string, h Handler) (SubscriptionID, error) {
	if channel == "" {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	if h == nil {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	if err := b.ctx.Err(); err != nil {
		return "", errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))
	sub := &subscription{id: id, channel: channel, handler: h}

	b.mu.Lock()
	if _, ok := b.subscribers[channel]; !ok {
		b.subscribers[channel] = make(map[SubscriptionID]*subscription)
	}
	b.subscribers[channel][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("channel", channel)))
	}
	return id, nil
}

// Unsubscribe removes the subscription. Unknown ids are a no-op. When it
// returns, no in-flight delivery for the id remains and none can start.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	var found *subscription
	for channel, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, channel)
			}
			found = sub
			break
		}
	}
	b.mu.Unlock()

	if found == nil {
		return
	}

	// Taking the delivery lock drains any invocation already running.
	found.mu.Lock()
	found.removed = true
	found.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("channel", found.channel)))
	}
}

// Clear removes every subscription. The bus remains usable afterwards.
func (b *MemoryBus) Clear() {
	b.mu.Lock()
	removed := make([]*subscription, 0)
	for channel, subs := range b.subscribers {
		for id, sub := range subs {
			removed = append(removed, sub)
			delete(subs, id)
		}
		delete(b.subscribers, channel)
	}
	b.mu.Unlock()

	for _, sub := range removed {
		sub.mu.Lock()
		sub.removed = true
		sub.mu.Unlock()
		if b.subscriberGauge != nil {
			b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
				attribute.String("environment", telemetry.Environment()),
				attribute.String("channel", sub.channel)))
		}
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.Clear()
	})
}
