package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/featherwire/aviary/internal/domain/schema"
)

// SubscriptionMode reports whether the engine is actively streaming.
type SubscriptionMode string

const (
	// ModeActive indicates the engine is streaming the subscribed channels.
	ModeActive SubscriptionMode = "active"
	// ModeIdle indicates the engine is constructed but not streaming.
	ModeIdle SubscriptionMode = "idle"
)

// SubscriptionSource records which actor produced the current subscription.
type SubscriptionSource string

const (
	// SourceConfig marks a subscription derived from startup configuration.
	SourceConfig SubscriptionSource = "config"
	// SourceRuntime marks a subscription applied through the control plane.
	SourceRuntime SubscriptionSource = "runtime"
)

// RuntimeSubscription captures the live upstream subscription managed at runtime.
type RuntimeSubscription struct {
	Channels  []schema.Channel   `json:"channels" yaml:"channels"`
	Users     []string           `json:"users" yaml:"users"`
	Mode      SubscriptionMode   `json:"mode" yaml:"mode"`
	Source    SubscriptionSource `json:"source" yaml:"source"`
	UpdatedAt time.Time          `json:"updatedAt" yaml:"updatedAt"`
}

// SubscriptionFromStrings builds a subscription from wire-level channel and
// user values. The error strings are part of the control-plane protocol.
func SubscriptionFromStrings(channels, users []string) (RuntimeSubscription, error) {
	sub := RuntimeSubscription{Mode: ModeActive}
	for _, raw := range channels {
		ch, err := schema.ParseChannel(raw)
		if err != nil {
			return RuntimeSubscription{}, fmt.Errorf("Invalid channel: %s", strings.TrimSpace(raw))
		}
		sub.Channels = append(sub.Channels, ch)
	}
	for _, raw := range users {
		handle := normalizeUserHandle(raw)
		if !validUserHandle(handle) {
			return RuntimeSubscription{}, fmt.Errorf("Invalid user: %s", strings.TrimSpace(raw))
		}
		sub.Users = append(sub.Users, handle)
	}
	sub.Normalise()
	if err := sub.Validate(); err != nil {
		return RuntimeSubscription{}, err
	}
	return sub, nil
}

// Clone returns a deep copy of the subscription.
func (s RuntimeSubscription) Clone() RuntimeSubscription {
	cloned := s
	if len(s.Channels) > 0 {
		cloned.Channels = append([]schema.Channel(nil), s.Channels...)
	} else {
		cloned.Channels = nil
	}
	if len(s.Users) > 0 {
		cloned.Users = append([]string(nil), s.Users...)
	} else {
		cloned.Users = nil
	}
	return cloned
}

// Normalise deduplicates channels and users and applies the channel
// exclusivity rule: "all" supersedes any narrower channel.
func (s *RuntimeSubscription) Normalise() {
	if s == nil {
		return
	}

	seen := make(map[schema.Channel]struct{}, len(s.Channels))
	hasAll := false
	for _, ch := range s.Channels {
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		if ch == schema.ChannelAll {
			hasAll = true
		}
	}
	if hasAll {
		s.Channels = []schema.Channel{schema.ChannelAll}
	} else {
		ordered := make([]schema.Channel, 0, len(seen))
		for _, ch := range schema.AllChannels() {
			if _, ok := seen[ch]; ok {
				ordered = append(ordered, ch)
			}
		}
		s.Channels = ordered
	}

	if len(s.Users) > 0 {
		out := make([]string, 0, len(s.Users))
		seenUsers := make(map[string]struct{}, len(s.Users))
		for _, raw := range s.Users {
			handle := normalizeUserHandle(raw)
			if handle == "" {
				continue
			}
			if _, dup := seenUsers[handle]; dup {
				continue
			}
			seenUsers[handle] = struct{}{}
			out = append(out, handle)
		}
		s.Users = out
	}

	if s.Mode == "" {
		s.Mode = ModeIdle
	}
}

// Validate performs semantic validation on the subscription. The channel and
// user error strings are part of the control-plane protocol.
func (s RuntimeSubscription) Validate() error {
	if len(s.Channels) == 0 {
		return fmt.Errorf("channels must not be empty")
	}
	for _, ch := range s.Channels {
		if !ch.Valid() {
			return fmt.Errorf("Invalid channel: %s", ch)
		}
	}
	for _, user := range s.Users {
		if !validUserHandle(user) {
			return fmt.Errorf("Invalid user: %s", user)
		}
	}
	switch s.Mode {
	case ModeActive, ModeIdle:
	default:
		return fmt.Errorf("mode must be active or idle")
	}
	switch s.Source {
	case SourceConfig, SourceRuntime, "":
	default:
		return fmt.Errorf("source must be config or runtime")
	}
	return nil
}

// SubscriptionStore provides concurrency-safe access to the runtime subscription.
type SubscriptionStore struct {
	mu  sync.RWMutex
	sub RuntimeSubscription
}

// NewSubscriptionStore constructs a store seeded with the supplied subscription.
func NewSubscriptionStore(initial RuntimeSubscription) (*SubscriptionStore, error) {
	sub := initial.Clone()
	sub.Normalise()
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}
	return &SubscriptionStore{mu: sync.RWMutex{}, sub: sub}, nil
}

// Snapshot returns a copy of the current subscription.
func (s *SubscriptionStore) Snapshot() RuntimeSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sub.Clone()
}

// Replace swaps the current subscription with the supplied payload after
// validation and stamps the update time.
func (s *SubscriptionStore) Replace(sub RuntimeSubscription) (RuntimeSubscription, error) {
	updated := sub.Clone()
	updated.Normalise()
	if err := updated.Validate(); err != nil {
		return RuntimeSubscription{}, err
	}
	updated.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	s.sub = updated
	s.mu.Unlock()

	return updated.Clone(), nil
}
