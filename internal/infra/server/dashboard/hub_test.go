package dashboard

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/featherwire/aviary/internal/app/engine"
	"github.com/featherwire/aviary/internal/domain/schema"
	"github.com/featherwire/aviary/internal/infra/bus/eventbus"
	"github.com/featherwire/aviary/internal/infra/config"
)

// fakeEngine backs the hub with an in-memory subscription store.
type fakeEngine struct {
	mu        sync.Mutex
	sub       config.RuntimeSubscription
	recent    []schema.Event
	onApplied func(config.RuntimeSubscription)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sub: config.RuntimeSubscription{
			Channels:  []schema.Channel{schema.ChannelAll},
			Users:     nil,
			Mode:      config.ModeActive,
			Source:    config.SourceConfig,
			UpdatedAt: time.Now().UTC(),
		},
	}
}

func (f *fakeEngine) Stats() engine.Stats {
	return engine.Stats{ConnectionStatus: engine.StatusConnected, CurrentEndpoint: "http://upstream.test/sse/all"}
}

func (f *fakeEngine) Recent() []schema.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.Event, len(f.recent))
	copy(out, f.recent)
	return out
}

func (f *fakeEngine) RuntimeSubscription() config.RuntimeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sub.Clone()
}

func (f *fakeEngine) SetRuntimeSubscription(_ context.Context, channels, users []string) (config.RuntimeSubscription, error) {
	requested, err := config.SubscriptionFromStrings(channels, users)
	if err != nil {
		return config.RuntimeSubscription{}, err
	}
	requested.Source = config.SourceRuntime
	requested.UpdatedAt = time.Now().UTC()

	f.mu.Lock()
	f.sub = requested
	applied := requested.Clone()
	callback := f.onApplied
	f.mu.Unlock()

	if callback != nil {
		callback(applied)
	}
	return applied, nil
}

func setupHub(t *testing.T, core Engine) (*Hub, *eventbus.MemoryBus, string) {
	t.Helper()

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{FanoutWorkers: 2})
	t.Cleanup(bus.Close)

	hub := NewHub(config.DashboardConfig{Enabled: true, SendBuffer: 16, RPCTimeout: config.Duration(2 * time.Second)}, core, bus)
	if err := hub.Start(); err != nil {
		t.Fatalf("hub.Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Stop(ctx)
	})

	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	return hub, bus, url
}

func dialTestClient(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := DialClient(ctx, url, 2*time.Second)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitNotice(t *testing.T, client *Client, msgType string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-client.Notices():
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			t.Fatalf("no %q notice within deadline", msgType)
		}
	}
}

func TestHubPushesStateOnConnect(t *testing.T) {
	core := newFakeEngine()
	core.recent = []schema.Event{{
		Type:      schema.EventTypePostCreated,
		Timestamp: "2025-06-01T12:00:00Z",
		PrimaryID: "t1",
		User:      schema.UserRef{Username: "elonmusk"},
		Data:      nil,
	}}
	_, _, url := setupHub(t, core)

	client := dialTestClient(t, url)
	env := waitNotice(t, client, MsgState)

	var state StatePayload
	if err := json.Unmarshal(env.Payload, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(state.Events) != 1 || state.Events[0].PrimaryID != "t1" {
		t.Fatalf("unexpected state events: %+v", state.Events)
	}
	if state.Stats.ConnectionStatus != engine.StatusConnected {
		t.Fatalf("unexpected state stats: %+v", state.Stats)
	}
}

func TestHubBroadcastsBusEvents(t *testing.T) {
	_, bus, url := setupHub(t, newFakeEngine())
	client := dialTestClient(t, url)
	waitNotice(t, client, MsgState)

	evt := &schema.Event{
		Type:      schema.EventTypePostCreated,
		Timestamp: "2025-06-01T12:00:00Z",
		PrimaryID: "t2",
		User:      schema.UserRef{Username: "jack"},
		Data:      nil,
	}
	if err := bus.Publish(context.Background(), eventbus.ChannelEvents, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	env := waitNotice(t, client, MsgEvent)
	var received schema.Event
	if err := json.Unmarshal(env.Payload, &received); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if received.PrimaryID != "t2" || received.User.Username != "jack" {
		t.Fatalf("unexpected event: %+v", received)
	}
}

func TestHubGetRuntimeSubscription(t *testing.T) {
	_, _, url := setupHub(t, newFakeEngine())
	client := dialTestClient(t, url)

	sub, err := client.GetRuntimeSubscription(context.Background())
	if err != nil {
		t.Fatalf("GetRuntimeSubscription: %v", err)
	}
	if len(sub.Channels) != 1 || sub.Channels[0] != schema.ChannelAll {
		t.Fatalf("unexpected channels: %v", sub.Channels)
	}
	if sub.Source != config.SourceConfig {
		t.Fatalf("unexpected source: %s", sub.Source)
	}
}

func TestHubSetRuntimeSubscriptionAppliesAndBroadcasts(t *testing.T) {
	core := newFakeEngine()
	hub, _, url := setupHub(t, core)
	core.onApplied = hub.BroadcastSubscription

	actor := dialTestClient(t, url)
	observer := dialTestClient(t, url)
	waitNotice(t, observer, MsgState)

	applied, err := actor.SetRuntimeSubscription(context.Background(),
		[]string{"tweets", "following"}, []string{"User1", "@user1", "user2"})
	if err != nil {
		t.Fatalf("SetRuntimeSubscription: %v", err)
	}
	if len(applied.Channels) != 2 || applied.Channels[0] != schema.ChannelTweets || applied.Channels[1] != schema.ChannelFollowing {
		t.Fatalf("unexpected channels: %v", applied.Channels)
	}
	if len(applied.Users) != 2 || applied.Users[0] != "user1" || applied.Users[1] != "user2" {
		t.Fatalf("users not normalised: %v", applied.Users)
	}
	if applied.Source != config.SourceRuntime {
		t.Fatalf("unexpected source: %s", applied.Source)
	}

	env := waitNotice(t, observer, MsgSubscriptionUpdated)
	var broadcast config.RuntimeSubscription
	if err := json.Unmarshal(env.Payload, &broadcast); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if len(broadcast.Users) != 2 || broadcast.Users[0] != "user1" {
		t.Fatalf("unexpected broadcast users: %v", broadcast.Users)
	}
}

func TestHubRejectsInvalidChannel(t *testing.T) {
	_, _, url := setupHub(t, newFakeEngine())
	client := dialTestClient(t, url)

	_, err := client.SetRuntimeSubscription(context.Background(), []string{"everything"}, nil)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if err.Error() != "Invalid channel: everything" {
		t.Fatalf("unexpected error string: %q", err.Error())
	}
}

func TestHubRejectsInvalidUser(t *testing.T) {
	_, _, url := setupHub(t, newFakeEngine())
	client := dialTestClient(t, url)

	_, err := client.SetRuntimeSubscription(context.Background(), []string{"tweets"}, []string{"not a handle!"})
	if err == nil {
		t.Fatal("expected rejection")
	}
	if err.Error() != "Invalid user: not a handle!" {
		t.Fatalf("unexpected error string: %q", err.Error())
	}
}

func TestHubWithoutCoreReportsNotInitialized(t *testing.T) {
	_, _, url := setupHub(t, nil)
	client := dialTestClient(t, url)

	_, err := client.GetRuntimeSubscription(context.Background())
	if err == nil || err.Error() != ErrCoreNotInitialized {
		t.Fatalf("expected %q, got %v", ErrCoreNotInitialized, err)
	}
}

func TestHubUnknownRequestType(t *testing.T) {
	_, _, url := setupHub(t, newFakeEngine())
	client := dialTestClient(t, url)

	_, err := client.Call(context.Background(), "renameTheMoon", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown request type") {
		t.Fatalf("expected unknown-type rejection, got %v", err)
	}
}

func TestHubClientCountTracksConnections(t *testing.T) {
	hub, _, url := setupHub(t, newFakeEngine())

	first := dialTestClient(t, url)
	waitNotice(t, first, MsgState)
	second := dialTestClient(t, url)
	waitNotice(t, second, MsgState)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("ClientCount = %d, want 2", got)
	}

	second.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want 1 after disconnect", hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
