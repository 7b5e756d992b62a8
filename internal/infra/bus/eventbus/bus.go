// Package eventbus defines pub/sub interfaces for activity events.
package eventbus

import (
	"context"

	"github.com/featherwire/aviary/internal/domain/schema"
)

// Reserved channels used by the stream engine.
const (
	// ChannelEvents carries every event that passed dedup and filtering.
	ChannelEvents = "events"
	// ChannelAlerts mirrors ChannelEvents for alert-oriented consumers.
	ChannelAlerts = "alerts"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Handler consumes one delivered event. Handlers run on bus fanout workers;
// long-running work belongs on the handler's own goroutines.
type Handler func(ctx context.Context, evt *schema.Event) error

// Bus delivers activity events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, channel string, evt *schema.Event) error
	Subscribe(channel string, h Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID)
	Clear()
	Close()
}

// MemoryConfig configures the in-memory bus fanout.
type MemoryConfig struct {
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
