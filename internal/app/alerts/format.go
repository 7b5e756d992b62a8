// Package alerts fans delivered events out to notification sinks with
// per-sink pacing, bounded queues and a dead-letter buffer for failures.
package alerts

import (
	"fmt"
	"strings"

	"github.com/featherwire/aviary/internal/domain/schema"
)

// excerptLimit bounds the tweet body fragment included in alert text.
const excerptLimit = 140

// FormatAlertMessage renders a one-line human-readable summary of an event.
// It returns the empty string for nil events.
func FormatAlertMessage(evt *schema.Event) string {
	if evt == nil {
		return ""
	}

	who := describeUser(evt.User)
	switch evt.Type {
	case schema.EventTypePostCreated:
		if body := postBody(evt); body != "" {
			return fmt.Sprintf("New tweet from %s: %s", who, body)
		}
		return fmt.Sprintf("New tweet from %s", who)
	case schema.EventTypePostUpdated:
		if body := postBody(evt); body != "" {
			return fmt.Sprintf("Tweet updated by %s: %s", who, body)
		}
		return fmt.Sprintf("Tweet updated by %s", who)
	case schema.EventTypeProfileUpdated:
		return fmt.Sprintf("Profile updated: %s", who)
	case schema.EventTypeProfilePinned:
		return fmt.Sprintf("Pinned tweet changed: %s", who)
	case schema.EventTypeUserUpdated:
		return fmt.Sprintf("Account updated: %s", who)
	case schema.EventTypeFollowCreated:
		return fmt.Sprintf("%s followed %s", who, describeFollowTarget(evt))
	case schema.EventTypeFollowUpdated:
		if isUnfollow(evt) {
			return fmt.Sprintf("%s unfollowed %s", who, describeFollowTarget(evt))
		}
		return fmt.Sprintf("Follow change for %s: %s", who, describeFollowTarget(evt))
	default:
		return fmt.Sprintf("%s: %s", evt.Type, who)
	}
}

func describeUser(user schema.UserRef) string {
	handle := strings.TrimSpace(user.Username)
	display := strings.TrimSpace(user.DisplayName)
	switch {
	case handle != "" && display != "":
		return fmt.Sprintf("%s (@%s)", display, handle)
	case handle != "":
		return "@" + handle
	case display != "":
		return display
	default:
		return "unknown user"
	}
}

func postBody(evt *schema.Event) string {
	post, ok := evt.Post()
	if !ok || post.Tweet == nil || post.Tweet.Body == nil {
		return ""
	}
	return excerpt(post.Tweet.Body.Text, excerptLimit)
}

func describeFollowTarget(evt *schema.Event) string {
	follow, ok := evt.Follow()
	if !ok || follow.Following == nil {
		return "an account"
	}
	if handle := strings.TrimSpace(follow.Following.Handle); handle != "" {
		return "@" + handle
	}
	if follow.Following.Profile != nil {
		if name := strings.TrimSpace(follow.Following.Profile.Name); name != "" {
			return name
		}
	}
	return "an account"
}

func isUnfollow(evt *schema.Event) bool {
	follow, ok := evt.Follow()
	if !ok {
		return false
	}
	action := strings.ToLower(strings.TrimSpace(follow.Action))
	return action == "unfollow" || action == "deleted" || action == "delete"
}

// excerpt collapses whitespace and truncates to limit runes.
func excerpt(text string, limit int) string {
	flattened := strings.Join(strings.Fields(text), " ")
	runes := []rune(flattened)
	if len(runes) <= limit {
		return flattened
	}
	return string(runes[:limit]) + "..."
}
