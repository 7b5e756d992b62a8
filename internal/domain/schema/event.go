// Package schema defines the canonical Twitter-activity event model and payload types.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/featherwire/aviary/errs"
)

// EventType enumerates the canonical Twitter-activity event categories.
type EventType string

const (
	// EventTypePostCreated identifies newly published tweets.
	EventTypePostCreated EventType = "post_created"
	// EventTypePostUpdated identifies edits or metric refreshes on existing tweets.
	EventTypePostUpdated EventType = "post_updated"
	// EventTypeProfileUpdated identifies profile field changes.
	EventTypeProfileUpdated EventType = "profile_updated"
	// EventTypeProfilePinned identifies pinned-tweet changes.
	EventTypeProfilePinned EventType = "profile_pinned"
	// EventTypeFollowCreated identifies new follow edges.
	EventTypeFollowCreated EventType = "follow_created"
	// EventTypeFollowUpdated identifies follow edge changes, including unfollows.
	EventTypeFollowUpdated EventType = "follow_updated"
	// EventTypeUserUpdated identifies account-level changes outside the profile card.
	EventTypeUserUpdated EventType = "user_updated"
)

var allEventTypes = []EventType{
	EventTypePostCreated,
	EventTypePostUpdated,
	EventTypeProfileUpdated,
	EventTypeProfilePinned,
	EventTypeFollowCreated,
	EventTypeFollowUpdated,
	EventTypeUserUpdated,
}

// AllEventTypes returns the canonical event categories in stable order.
func AllEventTypes() []EventType {
	out := make([]EventType, len(allEventTypes))
	copy(out, allEventTypes)
	return out
}

// Valid reports whether the event type is one of the canonical categories.
func (t EventType) Valid() bool {
	for _, known := range allEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsPost reports whether the type carries a PostData payload.
func (t EventType) IsPost() bool {
	return t == EventTypePostCreated || t == EventTypePostUpdated
}

// IsProfile reports whether the type carries a ProfileData payload.
func (t EventType) IsProfile() bool {
	return t == EventTypeProfileUpdated || t == EventTypeProfilePinned || t == EventTypeUserUpdated
}

// IsFollow reports whether the type carries a FollowData payload.
func (t EventType) IsFollow() bool {
	return t == EventTypeFollowCreated || t == EventTypeFollowUpdated
}

// ParseEventType normalises and validates a wire-level event type string.
func ParseEventType(raw string) (EventType, error) {
	trimmed := EventType(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", errs.New("schema/event-type", errs.CodeParse, errs.WithMessage("event type required"))
	}
	if !trimmed.Valid() {
		return "", errs.New("schema/event-type", errs.CodeParse,
			errs.WithMessage("unknown event type"), errs.WithRawCode(string(trimmed)))
	}
	return trimmed, nil
}

// UserRef identifies the account an event is about.
type UserRef struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	UserID      string `json:"userId,omitempty"`
}

// RichText carries a text fragment from the upstream payload.
type RichText struct {
	Text string `json:"text,omitempty"`
}

// Profile carries the subset of profile fields the pipeline inspects.
type Profile struct {
	Name        string    `json:"name,omitempty"`
	Description *RichText `json:"description,omitempty"`
}

// UserSnapshot is a point-in-time view of an account inside a payload.
type UserSnapshot struct {
	Handle  string   `json:"handle,omitempty"`
	Profile *Profile `json:"profile,omitempty"`
}

// Tweet carries tweet content referenced by post events. Metrics and media
// pass through opaquely.
type Tweet struct {
	ID      string          `json:"id,omitempty"`
	Body    *RichText       `json:"body,omitempty"`
	Author  *UserSnapshot   `json:"author,omitempty"`
	Metrics json.RawMessage `json:"metrics,omitempty"`
	Media   json.RawMessage `json:"media,omitempty"`
}

// PostData is the payload variant for post_created and post_updated events.
type PostData struct {
	TweetID  string `json:"tweetId,omitempty"`
	Username string `json:"username,omitempty"`
	Action   string `json:"action,omitempty"`
	Tweet    *Tweet `json:"tweet,omitempty"`
}

// ProfileData is the payload variant for profile_updated, profile_pinned and
// user_updated events.
type ProfileData struct {
	Username string        `json:"username,omitempty"`
	Action   string        `json:"action,omitempty"`
	User     *UserSnapshot `json:"user,omitempty"`
	Before   *UserSnapshot `json:"before,omitempty"`
	Pinned   []string      `json:"pinned,omitempty"`
}

// FollowData is the payload variant for follow_created and follow_updated events.
type FollowData struct {
	Username  string        `json:"username,omitempty"`
	Action    string        `json:"action,omitempty"`
	User      *UserSnapshot `json:"user,omitempty"`
	Following *UserSnapshot `json:"following,omitempty"`
}

// Event is the canonical activity event flowing through the pipeline.
// Data holds exactly one payload variant determined by Type; consumers match
// on the variant through the typed accessors rather than casting.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp string    `json:"timestamp"`
	PrimaryID string    `json:"primaryId,omitempty"`
	User      UserRef   `json:"user"`
	Data      any       `json:"data,omitempty"`
}

// Post returns the post payload when the event carries one.
func (e *Event) Post() (*PostData, bool) {
	if e == nil {
		return nil, false
	}
	data, ok := e.Data.(*PostData)
	return data, ok && data != nil
}

// Profile returns the profile payload when the event carries one.
func (e *Event) Profile() (*ProfileData, bool) {
	if e == nil {
		return nil, false
	}
	data, ok := e.Data.(*ProfileData)
	return data, ok && data != nil
}

// Follow returns the follow payload when the event carries one.
func (e *Event) Follow() (*FollowData, bool) {
	if e == nil {
		return nil, false
	}
	data, ok := e.Data.(*FollowData)
	return data, ok && data != nil
}

// Time parses the event timestamp. The second return is false when the
// timestamp is absent or not RFC3339.
func (e *Event) Time() (time.Time, bool) {
	if e == nil || strings.TrimSpace(e.Timestamp) == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

type fingerprintInput struct {
	Type      EventType `json:"type"`
	UserID    string    `json:"userId"`
	Timestamp string    `json:"timestamp"`
	Data      any       `json:"data"`
}

// Fingerprint returns the identity used for duplicate suppression: the
// primary id when present, otherwise a content hash over the identifying
// fields and payload.
func (e *Event) Fingerprint() string {
	if e == nil {
		return ""
	}
	if id := strings.TrimSpace(e.PrimaryID); id != "" {
		return id
	}
	raw, err := json.Marshal(fingerprintInput{
		Type:      e.Type,
		UserID:    e.User.UserID,
		Timestamp: e.Timestamp,
		Data:      e.Data,
	})
	if err != nil {
		raw = []byte(string(e.Type) + "|" + e.User.UserID + "|" + e.Timestamp)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
