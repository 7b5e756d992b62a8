// Package engine hosts the stream core: it owns one connection loop per
// subscribed channel, runs every received event through dedup and filtering,
// and publishes survivors to the event bus.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/featherwire/aviary/errs"
	"github.com/featherwire/aviary/internal/app/dedupe"
	"github.com/featherwire/aviary/internal/app/filter"
	"github.com/featherwire/aviary/internal/domain/schema"
	"github.com/featherwire/aviary/internal/infra/adapters/apify"
	"github.com/featherwire/aviary/internal/infra/bus/eventbus"
	"github.com/featherwire/aviary/internal/infra/config"
)

// stopGrace bounds how long Stop waits for loop goroutines to drain.
const stopGrace = time.Second

// Status is the aggregate connection state across all channel loops.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
)

// Stats is a point-in-time snapshot of the engine counters and connectivity.
type Stats struct {
	ConnectionStatus Status    `json:"connectionStatus"`
	CurrentEndpoint  string    `json:"currentEndpoint"`
	TotalEvents      uint64    `json:"totalEvents"`
	DeliveredEvents  uint64    `json:"deliveredEvents"`
	DedupedEvents    uint64    `json:"dedupedEvents"`
	SkippedEvents    uint64    `json:"skippedEvents"`
	StartTime        time.Time `json:"startTime"`
}

// streamLoop abstracts one running channel connection.
type streamLoop interface {
	Start() error
	Stop()
	Done() <-chan struct{}
	CurrentEndpoint() string
}

// loopFactory builds the connection loop for one channel. Tests substitute it
// to drive the engine without a live upstream.
type loopFactory func(ctx context.Context, client *apify.StreamClient, cfg apify.LoopConfig) streamLoop

func defaultLoopFactory(ctx context.Context, client *apify.StreamClient, cfg apify.LoopConfig) streamLoop {
	return apify.NewStreamLoop(ctx, client, cfg)
}

type loopStatus struct {
	state    apify.ConnState
	endpoint string
}

// Core coordinates the channel loops and the per-event pipeline
// (dedup, filters, recent ring, bus fanout).
type Core struct {
	cfg     config.EngineConfig
	client  *apify.StreamClient
	bus     eventbus.Bus
	dedupe  *dedupe.Cache
	filters *filter.Pipeline
	subs    *config.SubscriptionStore

	newLoop loopFactory

	// mu guards the run lifecycle: running flag, loop set and contexts.
	mu        sync.Mutex
	running   bool
	baseCtx   context.Context
	runCancel context.CancelFunc
	loops     map[schema.Channel]streamLoop

	// stateMu guards connection states and run metadata read by Stats.
	stateMu    sync.RWMutex
	loopStates map[schema.Channel]loopStatus
	startTime  time.Time
	lastErr    error

	// onSubscription observes runtime subscription changes. The listener must
	// not call back into the core.
	onSubscription func(config.RuntimeSubscription)

	total     atomic.Uint64
	delivered atomic.Uint64
	deduped   atomic.Uint64
	skipped   atomic.Uint64

	ring    *eventRing
	metrics *coreMetrics
}

// NewCore wires the engine to its collaborators. Call Start to begin
// streaming.
func NewCore(cfg config.EngineConfig, client *apify.StreamClient, bus eventbus.Bus, cache *dedupe.Cache, filters *filter.Pipeline, subs *config.SubscriptionStore) *Core {
	return &Core{
		cfg:     cfg,
		client:  client,
		bus:     bus,
		dedupe:  cache,
		filters: filters,
		subs:    subs,
		newLoop: defaultLoopFactory,
		ring:    newEventRing(cfg.RecentEvents),
		metrics: newCoreMetrics(),
	}
}

// SetSubscriptionListener registers a callback invoked after every applied
// runtime subscription change. Set it before Start.
func (c *Core) SetSubscriptionListener(fn func(config.RuntimeSubscription)) {
	c.mu.Lock()
	c.onSubscription = fn
	c.mu.Unlock()
}

// Start launches one stream loop per subscribed channel and waits for the
// initial connect probe. It is idempotent: a second call while running
// returns nil without side effects. Loops inherit ctx, so cancelling it
// stops the engine.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	sub := c.subs.Snapshot()
	runCtx, cancel := context.WithCancel(ctx)
	loops, err := c.launchLoops(runCtx, sub.Channels)
	if err != nil {
		cancel()
		c.markAllDisconnected()
		return err
	}

	c.baseCtx = ctx
	c.runCancel = cancel
	c.loops = loops
	c.running = true

	c.stateMu.Lock()
	c.startTime = time.Now().UTC()
	c.lastErr = nil
	c.stateMu.Unlock()

	c.setMode(config.ModeActive)
	return nil
}

// Stop cancels all loops and waits for them to drain, bounded by stopGrace.
// It is idempotent and safe to call while loops are mid-backoff.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	loops := c.loops
	cancel := c.runCancel
	c.loops = nil
	c.runCancel = nil
	c.mu.Unlock()

	cancel()
	for _, loop := range loops {
		loop.Stop()
	}
	err := waitLoops(ctx, loops)

	c.markAllDisconnected()
	c.setMode(config.ModeIdle)
	return err
}

// Stats returns a snapshot of the engine counters and aggregate connectivity.
func (c *Core) Stats() Stats {
	c.stateMu.RLock()
	status := aggregateStatus(c.loopStates)
	endpoint := currentEndpoint(c.loopStates)
	started := c.startTime
	c.stateMu.RUnlock()

	return Stats{
		ConnectionStatus: status,
		CurrentEndpoint:  endpoint,
		TotalEvents:      c.total.Load(),
		DeliveredEvents:  c.delivered.Load(),
		DedupedEvents:    c.deduped.Load(),
		SkippedEvents:    c.skipped.Load(),
		StartTime:        started,
	}
}

// LastError reports the most recent fatal stream error, if any.
func (c *Core) LastError() error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastErr
}

// Recent returns the retained delivered events, newest first.
func (c *Core) Recent() []schema.Event {
	return c.ring.Snapshot()
}

// RuntimeSubscription returns the current subscription state.
func (c *Core) RuntimeSubscription() config.RuntimeSubscription {
	return c.subs.Snapshot()
}

// SetRuntimeSubscription validates and applies a new channel/user selection.
// While the engine runs, current loops are drained first and fresh loops are
// launched for the new channel set. Validation failures leave the previous
// subscription and loops untouched.
func (c *Core) SetRuntimeSubscription(ctx context.Context, channels, users []string) (config.RuntimeSubscription, error) {
	requested, err := config.SubscriptionFromStrings(channels, users)
	if err != nil {
		return config.RuntimeSubscription{}, err
	}
	requested.Source = config.SourceRuntime

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		requested.Mode = config.ModeIdle
		applied, replaceErr := c.subs.Replace(requested)
		if replaceErr != nil {
			return config.RuntimeSubscription{}, replaceErr
		}
		c.notifySubscription(applied)
		return applied, nil
	}

	// Drain the current loops before retargeting so a dying loop cannot
	// clobber the fresh connection states.
	oldLoops := c.loops
	c.runCancel()
	for _, loop := range oldLoops {
		loop.Stop()
	}
	if waitErr := waitLoops(ctx, oldLoops); waitErr != nil {
		log.Printf("engine: loop drain incomplete during resubscribe err=%v", waitErr)
	}

	requested.Mode = config.ModeActive
	applied, replaceErr := c.subs.Replace(requested)
	if replaceErr != nil {
		return config.RuntimeSubscription{}, replaceErr
	}

	runCtx, cancel := context.WithCancel(c.baseCtx)
	loops, launchErr := c.launchLoops(runCtx, applied.Channels)
	if launchErr != nil {
		cancel()
		c.running = false
		c.loops = nil
		c.runCancel = nil
		c.markAllDisconnected()
		return applied, launchErr
	}

	c.loops = loops
	c.runCancel = cancel
	c.notifySubscription(applied)
	return applied, nil
}

// launchLoops builds and starts one loop per channel, tearing everything
// down again when any initial probe fails.
func (c *Core) launchLoops(ctx context.Context, channels []schema.Channel) (map[schema.Channel]streamLoop, error) {
	states := make(map[schema.Channel]loopStatus, len(channels))
	for _, ch := range channels {
		states[ch] = loopStatus{state: apify.StateConnecting, endpoint: ""}
	}
	c.stateMu.Lock()
	c.loopStates = states
	c.stateMu.Unlock()

	loops := make(map[schema.Channel]streamLoop, len(channels))
	for _, ch := range channels {
		loop := c.newLoop(ctx, c.client, apify.LoopConfig{
			Channel:               ch,
			MaxRetriesPerEndpoint: c.cfg.MaxRetriesPerEndpoint,
			OnEvent:               c.handleEvent,
			OnState:               c.handleState,
			OnParseError:          c.handleParseError,
			OnFatal:               c.handleFatal,
		})
		if err := loop.Start(); err != nil {
			loop.Stop()
			for _, started := range loops {
				started.Stop()
			}
			failed := make(map[schema.Channel]streamLoop, len(loops)+1)
			for key, started := range loops {
				failed[key] = started
			}
			failed[ch] = loop
			if waitErr := waitLoops(ctx, failed); waitErr != nil {
				log.Printf("engine: loop drain incomplete after failed start err=%v", waitErr)
			}
			return nil, err
		}
		loops[ch] = loop
	}
	return loops, nil
}

func (c *Core) handleEvent(ctx context.Context, channel schema.Channel, evt *schema.Event) {
	if evt == nil {
		return
	}
	started := time.Now()
	c.total.Add(1)
	c.metrics.count(ctx, c.metrics.ingested, string(evt.Type), string(channel))

	result := "delivered"
	defer func() {
		c.metrics.recordProcessing(ctx, string(channel), result, time.Since(started))
	}()

	if c.dedupe.Seen(evt.Fingerprint()) {
		c.deduped.Add(1)
		c.metrics.count(ctx, c.metrics.deduped, string(evt.Type), string(channel))
		result = "deduped"
		return
	}

	if !c.filters.ShouldDisplay(evt) {
		c.metrics.count(ctx, c.metrics.filtered, string(evt.Type), string(channel))
		result = "filtered"
		return
	}

	c.ring.Insert(evt)
	if err := c.bus.Publish(ctx, eventbus.ChannelEvents, evt); err != nil {
		log.Printf("engine: publish failed channel=%s type=%s err=%v", eventbus.ChannelEvents, evt.Type, err)
	}
	if err := c.bus.Publish(ctx, eventbus.ChannelAlerts, evt); err != nil {
		log.Printf("engine: publish failed channel=%s type=%s err=%v", eventbus.ChannelAlerts, evt.Type, err)
	}
	c.delivered.Add(1)
	c.metrics.count(ctx, c.metrics.delivered, string(evt.Type), string(channel))
}

func (c *Core) handleParseError(channel schema.Channel, err error) {
	c.skipped.Add(1)
	c.metrics.count(context.Background(), c.metrics.skipped, "unknown", string(channel))
	log.Printf("engine: skipping malformed frame channel=%s err=%v", channel, err)
}

func (c *Core) handleState(channel schema.Channel, state apify.ConnState, endpoint string) {
	c.stateMu.Lock()
	if c.loopStates == nil {
		c.loopStates = make(map[schema.Channel]loopStatus)
	}
	c.loopStates[channel] = loopStatus{state: state, endpoint: endpoint}
	c.stateMu.Unlock()
}

// handleFatal runs on the failing loop's goroutine; the shutdown happens on a
// fresh one so the loop can finish exiting.
func (c *Core) handleFatal(channel schema.Channel, err error) {
	log.Printf("engine: fatal stream error channel=%s err=%v", channel, err)
	c.stateMu.Lock()
	c.lastErr = err
	c.stateMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		if stopErr := c.Stop(ctx); stopErr != nil {
			log.Printf("engine: stop after fatal error failed err=%v", stopErr)
		}
	}()
}

func (c *Core) markAllDisconnected() {
	c.stateMu.Lock()
	for ch, st := range c.loopStates {
		st.state = apify.StateDisconnected
		c.loopStates[ch] = st
	}
	c.stateMu.Unlock()
}

func (c *Core) setMode(mode config.SubscriptionMode) {
	snap := c.subs.Snapshot()
	if snap.Mode == mode {
		return
	}
	snap.Mode = mode
	if _, err := c.subs.Replace(snap); err != nil {
		log.Printf("engine: subscription mode update failed err=%v", err)
	}
}

func (c *Core) notifySubscription(sub config.RuntimeSubscription) {
	if c.onSubscription == nil {
		return
	}
	c.onSubscription(sub)
}

// waitLoops blocks until every loop goroutine exits, up to stopGrace total.
func waitLoops(ctx context.Context, loops map[schema.Channel]streamLoop) error {
	deadline := time.NewTimer(stopGrace)
	defer deadline.Stop()

	for ch, loop := range loops {
		select {
		case <-loop.Done():
		case <-deadline.C:
			return errs.New("engine/core", errs.CodeUnavailable,
				errs.WithMessage(fmt.Sprintf("stream loop %s did not stop within %s", ch, stopGrace)))
		case <-ctx.Done():
			return errs.New("engine/core", errs.CodeUnavailable,
				errs.WithMessage("stop canceled while draining stream loops"), errs.WithCause(ctx.Err()))
		}
	}
	return nil
}

func aggregateStatus(states map[schema.Channel]loopStatus) Status {
	anyConnected := false
	anyReconnecting := false
	for _, st := range states {
		switch st.state {
		case apify.StateReconnecting:
			anyReconnecting = true
		case apify.StateConnected:
			anyConnected = true
		}
	}
	switch {
	case anyReconnecting:
		return StatusReconnecting
	case anyConnected:
		return StatusConnected
	default:
		return StatusDisconnected
	}
}

// currentEndpoint prefers a connected loop's endpoint; otherwise it reports
// the first loop in canonical channel order.
func currentEndpoint(states map[schema.Channel]loopStatus) string {
	fallback := ""
	for _, ch := range schema.AllChannels() {
		st, ok := states[ch]
		if !ok {
			continue
		}
		if st.state == apify.StateConnected {
			return st.endpoint
		}
		if fallback == "" {
			fallback = st.endpoint
		}
	}
	return fallback
}
