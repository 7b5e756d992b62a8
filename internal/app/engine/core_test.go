package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/featherwire/aviary/errs"
	"github.com/featherwire/aviary/internal/app/dedupe"
	"github.com/featherwire/aviary/internal/app/filter"
	"github.com/featherwire/aviary/internal/domain/schema"
	"github.com/featherwire/aviary/internal/infra/adapters/apify"
	"github.com/featherwire/aviary/internal/infra/bus/eventbus"
	"github.com/featherwire/aviary/internal/infra/config"
)

type fakeLoop struct {
	cfg      apify.LoopConfig
	endpoint string
	startErr error
	done     chan struct{}
	stopOnce sync.Once
}

func (f *fakeLoop) Start() error {
	if f.startErr != nil {
		f.Stop()
		return f.startErr
	}
	return nil
}

func (f *fakeLoop) Stop()                   { f.stopOnce.Do(func() { close(f.done) }) }
func (f *fakeLoop) Done() <-chan struct{}   { return f.done }
func (f *fakeLoop) CurrentEndpoint() string { return f.endpoint }

func (f *fakeLoop) stopped() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// fakeUpstream hands out fake loops and keeps them for the test to drive.
type fakeUpstream struct {
	mu       sync.Mutex
	loops    []*fakeLoop
	startErr error
}

func (u *fakeUpstream) factory(ctx context.Context, client *apify.StreamClient, cfg apify.LoopConfig) streamLoop {
	_ = ctx
	_ = client
	u.mu.Lock()
	defer u.mu.Unlock()
	loop := &fakeLoop{
		cfg:      cfg,
		endpoint: "http://upstream.test/sse/" + string(cfg.Channel),
		startErr: u.startErr,
		done:     make(chan struct{}),
	}
	u.loops = append(u.loops, loop)
	return loop
}

func (u *fakeUpstream) setStartErr(err error) {
	u.mu.Lock()
	u.startErr = err
	u.mu.Unlock()
}

func (u *fakeUpstream) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.loops)
}

func (u *fakeUpstream) loop(i int) *fakeLoop {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.loops[i]
}

func (u *fakeUpstream) byChannel(ch schema.Channel) *fakeLoop {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := len(u.loops) - 1; i >= 0; i-- {
		if u.loops[i].cfg.Channel == ch {
			return u.loops[i]
		}
	}
	return nil
}

func newTestCore(t *testing.T, upstream *fakeUpstream, channels ...schema.Channel) (*Core, *eventbus.MemoryBus, *filter.Pipeline) {
	t.Helper()
	if len(channels) == 0 {
		channels = []schema.Channel{schema.ChannelAll}
	}
	subs, err := config.NewSubscriptionStore(config.RuntimeSubscription{
		Channels: channels,
		Users:    nil,
		Mode:     config.ModeIdle,
		Source:   config.SourceConfig,
	})
	if err != nil {
		t.Fatalf("NewSubscriptionStore: %v", err)
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{FanoutWorkers: 2})
	t.Cleanup(bus.Close)

	cache := dedupe.NewCache(config.DedupeConfig{MaxEntries: 100, TTL: config.Duration(time.Hour)}, nil)
	pipeline := filter.NewPipeline()

	core := NewCore(config.EngineConfig{RecentEvents: 10, MaxRetriesPerEndpoint: 3}, nil, bus, cache, pipeline, subs)
	core.newLoop = upstream.factory
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = core.Stop(ctx)
	})
	return core, bus, pipeline
}

func coreEvent(id, username string) *schema.Event {
	return &schema.Event{
		Type:      schema.EventTypePostCreated,
		Timestamp: "2026-03-01T10:00:00Z",
		PrimaryID: id,
		User:      schema.UserRef{Username: username, UserID: "u-" + username},
		Data: &schema.PostData{
			TweetID: id,
			Tweet:   &schema.Tweet{ID: id, Body: &schema.RichText{Text: "body " + id}},
		},
	}
}

func collectOn(t *testing.T, bus *eventbus.MemoryBus, channel string) *eventCollector {
	t.Helper()
	col := &eventCollector{mu: sync.Mutex{}, events: nil}
	id, err := bus.Subscribe(channel, func(ctx context.Context, evt *schema.Event) error {
		col.mu.Lock()
		col.events = append(col.events, evt)
		col.mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe(%s): %v", channel, err)
	}
	t.Cleanup(func() { bus.Unsubscribe(id) })
	return col
}

type eventCollector struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (c *eventCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestCoreStartIdempotent(t *testing.T) {
	upstream := &fakeUpstream{}
	core, _, _ := newTestCore(t, upstream)

	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := upstream.count(); got != 1 {
		t.Fatalf("loops created = %d, want 1", got)
	}
	if mode := core.RuntimeSubscription().Mode; mode != config.ModeActive {
		t.Fatalf("subscription mode = %q, want active", mode)
	}
}

func TestCoreStartProbeFailure(t *testing.T) {
	upstream := &fakeUpstream{}
	upstream.setStartErr(errs.New("apify/stream", errs.CodeConfig,
		errs.WithMessage("upstream unreachable after probing 3 endpoints")))
	core, _, _ := newTestCore(t, upstream)

	err := core.Start(context.Background())
	if err == nil {
		t.Fatal("Start should fail when the probe fails")
	}
	if !errs.HasCode(err, errs.CodeConfig) {
		t.Fatalf("Start error = %v, want config scope", err)
	}
	if status := core.Stats().ConnectionStatus; status != StatusDisconnected {
		t.Fatalf("status after failed start = %q, want disconnected", status)
	}

	// A later Start probes again from scratch.
	upstream.setStartErr(nil)
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	if got := upstream.count(); got != 2 {
		t.Fatalf("loops created = %d, want 2", got)
	}
}

func TestCoreStatsBeforeStart(t *testing.T) {
	core, _, _ := newTestCore(t, &fakeUpstream{})

	stats := core.Stats()
	if stats.ConnectionStatus != StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", stats.ConnectionStatus)
	}
	if stats.TotalEvents != 0 || stats.DeliveredEvents != 0 || stats.DedupedEvents != 0 || stats.SkippedEvents != 0 {
		t.Fatalf("counters should be zero before start: %+v", stats)
	}
	if !stats.StartTime.IsZero() {
		t.Fatalf("start time should be zero before start")
	}
}

func TestCoreDeliversEvent(t *testing.T) {
	upstream := &fakeUpstream{}
	core, bus, _ := newTestCore(t, upstream)
	events := collectOn(t, bus, eventbus.ChannelEvents)
	alerts := collectOn(t, bus, eventbus.ChannelAlerts)

	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	loop := upstream.loop(0)
	loop.cfg.OnState(schema.ChannelAll, apify.StateConnected, loop.endpoint)
	loop.cfg.OnEvent(context.Background(), schema.ChannelAll, coreEvent("t1", "alice"))

	stats := core.Stats()
	if stats.TotalEvents != 1 || stats.DeliveredEvents != 1 || stats.DedupedEvents != 0 {
		t.Fatalf("stats = %+v, want total=1 delivered=1 deduped=0", stats)
	}
	if stats.ConnectionStatus != StatusConnected {
		t.Fatalf("status = %q, want connected", stats.ConnectionStatus)
	}
	if stats.CurrentEndpoint != loop.endpoint {
		t.Fatalf("endpoint = %q, want %q", stats.CurrentEndpoint, loop.endpoint)
	}
	if events.len() != 1 || alerts.len() != 1 {
		t.Fatalf("deliveries events=%d alerts=%d, want 1 and 1", events.len(), alerts.len())
	}
	recent := core.Recent()
	if len(recent) != 1 || recent[0].PrimaryID != "t1" {
		t.Fatalf("recent ring = %+v, want single t1", recent)
	}
}

func TestCoreDuplicateSuppressed(t *testing.T) {
	upstream := &fakeUpstream{}
	core, bus, _ := newTestCore(t, upstream)
	events := collectOn(t, bus, eventbus.ChannelEvents)

	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	loop := upstream.loop(0)
	loop.cfg.OnEvent(context.Background(), schema.ChannelAll, coreEvent("t1", "alice"))
	loop.cfg.OnEvent(context.Background(), schema.ChannelAll, coreEvent("t1", "alice"))

	stats := core.Stats()
	if stats.TotalEvents != 2 {
		t.Fatalf("total = %d, want 2", stats.TotalEvents)
	}
	if stats.DeliveredEvents != 1 {
		t.Fatalf("delivered = %d, want 1", stats.DeliveredEvents)
	}
	if stats.DedupedEvents != 1 {
		t.Fatalf("deduped = %d, want 1", stats.DedupedEvents)
	}
	if events.len() != 1 {
		t.Fatalf("bus deliveries = %d, want 1", events.len())
	}
	if got := len(core.Recent()); got != 1 {
		t.Fatalf("ring length = %d, want 1", got)
	}
}

func TestCoreFilterRejectsWithoutDelivery(t *testing.T) {
	upstream := &fakeUpstream{}
	core, bus, pipeline := newTestCore(t, upstream)
	events := collectOn(t, bus, eventbus.ChannelEvents)
	pipeline.SetUsers([]string{"bob"})

	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	loop := upstream.loop(0)
	loop.cfg.OnEvent(context.Background(), schema.ChannelAll, coreEvent("t1", "alice"))

	stats := core.Stats()
	if stats.TotalEvents != 1 {
		t.Fatalf("total = %d, want 1", stats.TotalEvents)
	}
	if stats.DeliveredEvents != 0 {
		t.Fatalf("delivered = %d, want 0", stats.DeliveredEvents)
	}
	if events.len() != 0 {
		t.Fatalf("bus deliveries = %d, want 0", events.len())
	}
	if got := len(core.Recent()); got != 0 {
		t.Fatalf("ring length = %d, want 0", got)
	}
}

func TestCoreParseErrorCountsSkipped(t *testing.T) {
	upstream := &fakeUpstream{}
	core, _, _ := newTestCore(t, upstream)

	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	loop := upstream.loop(0)
	loop.cfg.OnParseError(schema.ChannelAll, errs.New("apify/parse", errs.CodeParse,
		errs.WithMessage("malformed event payload")))

	if got := core.Stats().SkippedEvents; got != 1 {
		t.Fatalf("skipped = %d, want 1", got)
	}
}

func TestCoreStopDrainsLoops(t *testing.T) {
	upstream := &fakeUpstream{}
	core, _, _ := newTestCore(t, upstream, schema.ChannelTweets, schema.ChannelProfile)

	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := upstream.count(); got != 2 {
		t.Fatalf("loops created = %d, want 2", got)
	}

	begun := time.Now()
	if err := core.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(begun); elapsed > time.Second {
		t.Fatalf("Stop took %s, want under 1s", elapsed)
	}
	for i := 0; i < upstream.count(); i++ {
		if !upstream.loop(i).stopped() {
			t.Fatalf("loop %d still running after Stop", i)
		}
	}
	if status := core.Stats().ConnectionStatus; status != StatusDisconnected {
		t.Fatalf("status after Stop = %q, want disconnected", status)
	}
	if mode := core.RuntimeSubscription().Mode; mode != config.ModeIdle {
		t.Fatalf("subscription mode after Stop = %q, want idle", mode)
	}

	if err := core.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestCoreCountersSurviveRestart(t *testing.T) {
	upstream := &fakeUpstream{}
	core, _, _ := newTestCore(t, upstream)

	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	upstream.loop(0).cfg.OnEvent(context.Background(), schema.ChannelAll, coreEvent("t1", "alice"))
	if err := core.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}

	if got := core.Stats().TotalEvents; got != 1 {
		t.Fatalf("total after restart = %d, want 1", got)
	}
}

func TestCoreStatusAggregation(t *testing.T) {
	upstream := &fakeUpstream{}
	core, _, _ := newTestCore(t, upstream, schema.ChannelTweets, schema.ChannelFollowing)

	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tweets := upstream.byChannel(schema.ChannelTweets)
	following := upstream.byChannel(schema.ChannelFollowing)

	// Both still connecting counts as disconnected.
	if status := core.Stats().ConnectionStatus; status != StatusDisconnected {
		t.Fatalf("status while connecting = %q, want disconnected", status)
	}

	tweets.cfg.OnState(schema.ChannelTweets, apify.StateConnected, tweets.endpoint)
	if status := core.Stats().ConnectionStatus; status != StatusConnected {
		t.Fatalf("status with one connected = %q, want connected", status)
	}

	following.cfg.OnState(schema.ChannelFollowing, apify.StateReconnecting, following.endpoint)
	if status := core.Stats().ConnectionStatus; status != StatusReconnecting {
		t.Fatalf("status with one reconnecting = %q, want reconnecting", status)
	}

	following.cfg.OnState(schema.ChannelFollowing, apify.StateConnected, following.endpoint)
	if status := core.Stats().ConnectionStatus; status != StatusConnected {
		t.Fatalf("status with both connected = %q, want connected", status)
	}
}

func TestCoreCurrentEndpointPrefersConnected(t *testing.T) {
	upstream := &fakeUpstream{}
	core, _, _ := newTestCore(t, upstream, schema.ChannelTweets, schema.ChannelProfile)

	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tweets := upstream.byChannel(schema.ChannelTweets)
	profile := upstream.byChannel(schema.ChannelProfile)

	tweets.cfg.OnState(schema.ChannelTweets, apify.StateReconnecting, tweets.endpoint)
	profile.cfg.OnState(schema.ChannelProfile, apify.StateConnected, profile.endpoint)

	if got := core.Stats().CurrentEndpoint; got != profile.endpoint {
		t.Fatalf("endpoint = %q, want connected loop %q", got, profile.endpoint)
	}
}

func TestCoreSetRuntimeSubscriptionRestartsLoops(t *testing.T) {
	upstream := &fakeUpstream{}
	core, _, _ := newTestCore(t, upstream)

	var notifiedMu sync.Mutex
	var notified []config.RuntimeSubscription
	core.SetSubscriptionListener(func(sub config.RuntimeSubscription) {
		notifiedMu.Lock()
		notified = append(notified, sub)
		notifiedMu.Unlock()
	})

	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := upstream.loop(0)

	applied, err := core.SetRuntimeSubscription(context.Background(),
		[]string{"tweets", "profile"}, []string{"@Alice"})
	if err != nil {
		t.Fatalf("SetRuntimeSubscription: %v", err)
	}

	if !first.stopped() {
		t.Fatal("previous loop should be stopped after resubscribe")
	}
	if got := upstream.count(); got != 3 {
		t.Fatalf("loops created = %d, want 3 (1 old + 2 new)", got)
	}
	if len(applied.Channels) != 2 || applied.Channels[0] != schema.ChannelTweets || applied.Channels[1] != schema.ChannelProfile {
		t.Fatalf("applied channels = %v", applied.Channels)
	}
	if len(applied.Users) != 1 || applied.Users[0] != "alice" {
		t.Fatalf("applied users = %v, want normalised [alice]", applied.Users)
	}
	if applied.Source != config.SourceRuntime {
		t.Fatalf("applied source = %q, want runtime", applied.Source)
	}
	if applied.Mode != config.ModeActive {
		t.Fatalf("applied mode = %q, want active", applied.Mode)
	}

	current := core.RuntimeSubscription()
	if len(current.Channels) != 2 {
		t.Fatalf("stored channels = %v", current.Channels)
	}

	notifiedMu.Lock()
	defer notifiedMu.Unlock()
	if len(notified) != 1 {
		t.Fatalf("listener notified %d times, want 1", len(notified))
	}
}

func TestCoreSetRuntimeSubscriptionValidation(t *testing.T) {
	upstream := &fakeUpstream{}
	core, _, _ := newTestCore(t, upstream)
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := upstream.count()

	_, err := core.SetRuntimeSubscription(context.Background(), []string{"nope"}, nil)
	if err == nil || !strings.Contains(err.Error(), "Invalid channel: nope") {
		t.Fatalf("error = %v, want invalid channel message", err)
	}

	_, err = core.SetRuntimeSubscription(context.Background(), []string{"all"}, []string{"not a user!"})
	if err == nil || !strings.Contains(err.Error(), "Invalid user: not a user!") {
		t.Fatalf("error = %v, want invalid user message", err)
	}

	if got := upstream.count(); got != before {
		t.Fatalf("loops created = %d, want unchanged %d", got, before)
	}
	if got := core.RuntimeSubscription().Channels; len(got) != 1 || got[0] != schema.ChannelAll {
		t.Fatalf("subscription mutated on validation failure: %v", got)
	}
}

func TestCoreSetRuntimeSubscriptionWhileStopped(t *testing.T) {
	upstream := &fakeUpstream{}
	core, _, _ := newTestCore(t, upstream)

	applied, err := core.SetRuntimeSubscription(context.Background(), []string{"tweets"}, nil)
	if err != nil {
		t.Fatalf("SetRuntimeSubscription: %v", err)
	}
	if applied.Mode != config.ModeIdle {
		t.Fatalf("mode = %q, want idle while stopped", applied.Mode)
	}
	if got := upstream.count(); got != 0 {
		t.Fatalf("loops created = %d, want 0 while stopped", got)
	}

	// The stored selection drives the next Start.
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := upstream.loop(0).cfg.Channel; got != schema.ChannelTweets {
		t.Fatalf("started channel = %q, want tweets", got)
	}
}

func TestCoreFatalStopsEngine(t *testing.T) {
	upstream := &fakeUpstream{}
	core, _, _ := newTestCore(t, upstream)

	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	loop := upstream.loop(0)
	authErr := errs.New("apify/stream", errs.CodeAuth, errs.WithMessage("upstream rejected credentials"))
	loop.cfg.OnFatal(schema.ChannelAll, authErr)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if loop.stopped() && core.Stats().ConnectionStatus == StatusDisconnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine did not stop after fatal error")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if lastErr := core.LastError(); !errs.HasCode(lastErr, errs.CodeAuth) {
		t.Fatalf("last error = %v, want auth scope", lastErr)
	}
}
