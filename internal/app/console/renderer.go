// Package console renders delivered events as one-line feed entries.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/featherwire/aviary/errs"
	"github.com/featherwire/aviary/internal/domain/schema"
	"github.com/featherwire/aviary/internal/infra/bus/eventbus"
)

// summaryLimit bounds the body fragment included in a feed line.
const summaryLimit = 80

// Renderer subscribes to the events channel and writes one line per event.
// Write failures surface through the bus handler error path and never stall
// other subscribers.
type Renderer struct {
	out io.Writer
	bus eventbus.Bus

	mu      sync.Mutex
	subID   eventbus.SubscriptionID
	running bool
}

// NewRenderer builds a renderer targeting out. A nil writer uses stdout.
func NewRenderer(out io.Writer, bus eventbus.Bus) *Renderer {
	if out == nil {
		out = os.Stdout
	}
	return &Renderer{out: out, bus: bus}
}

// Start subscribes to the events channel. Idempotent while running.
func (r *Renderer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	if r.bus == nil {
		return errs.New("console/renderer", errs.CodeInvalid, errs.WithMessage("bus required"))
	}
	id, err := r.bus.Subscribe(eventbus.ChannelEvents, r.handleEvent)
	if err != nil {
		return err
	}
	r.subID = id
	r.running = true
	return nil
}

// Stop unsubscribes from the bus.
func (r *Renderer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	id := r.subID
	r.mu.Unlock()

	r.bus.Unsubscribe(id)
}

func (r *Renderer) handleEvent(_ context.Context, evt *schema.Event) error {
	line := RenderLine(evt)
	if line == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := fmt.Fprintln(r.out, line)
	return err
}

// RenderLine formats one event as a feed line: timestamp, type tag, user and
// a short summary. Nil events render empty.
func RenderLine(evt *schema.Event) string {
	if evt == nil {
		return ""
	}
	stamp := "--:--:--"
	if ts, ok := evt.Time(); ok {
		stamp = ts.UTC().Format("15:04:05")
	}

	who := feedUser(evt.User)
	if summary := summarize(evt); summary != "" {
		return fmt.Sprintf("[%s] %-7s %s %s", stamp, typeTag(evt.Type), who, summary)
	}
	return fmt.Sprintf("[%s] %-7s %s", stamp, typeTag(evt.Type), who)
}

func typeTag(t schema.EventType) string {
	switch t {
	case schema.EventTypePostCreated:
		return "TWEET"
	case schema.EventTypePostUpdated:
		return "EDIT"
	case schema.EventTypeProfileUpdated:
		return "PROFILE"
	case schema.EventTypeProfilePinned:
		return "PINNED"
	case schema.EventTypeFollowCreated, schema.EventTypeFollowUpdated:
		return "FOLLOW"
	case schema.EventTypeUserUpdated:
		return "ACCOUNT"
	default:
		return strings.ToUpper(string(t))
	}
}

func feedUser(user schema.UserRef) string {
	if handle := strings.TrimSpace(user.Username); handle != "" {
		return "@" + handle
	}
	if display := strings.TrimSpace(user.DisplayName); display != "" {
		return display
	}
	return "@?"
}

func summarize(evt *schema.Event) string {
	switch {
	case evt.Type.IsPost():
		post, ok := evt.Post()
		if !ok || post.Tweet == nil || post.Tweet.Body == nil {
			return ""
		}
		return shorten(post.Tweet.Body.Text, summaryLimit)
	case evt.Type.IsFollow():
		follow, ok := evt.Follow()
		if !ok {
			return ""
		}
		target := "an account"
		if follow.Following != nil {
			if handle := strings.TrimSpace(follow.Following.Handle); handle != "" {
				target = "@" + handle
			}
		}
		action := strings.ToLower(strings.TrimSpace(follow.Action))
		if action == "unfollow" || action == "deleted" || action == "delete" {
			return "unfollowed " + target
		}
		return "followed " + target
	case evt.Type == schema.EventTypeProfilePinned:
		return "changed pinned tweets"
	case evt.Type == schema.EventTypeProfileUpdated:
		return "updated their profile"
	case evt.Type == schema.EventTypeUserUpdated:
		return "account settings changed"
	default:
		return ""
	}
}

// shorten collapses whitespace and truncates to limit runes.
func shorten(text string, limit int) string {
	flattened := strings.Join(strings.Fields(text), " ")
	runes := []rune(flattened)
	if len(runes) <= limit {
		return flattened
	}
	return string(runes[:limit]) + "..."
}
