package schema

import (
	"strings"

	"github.com/featherwire/aviary/errs"
)

// Channel identifies an upstream SSE feed.
type Channel string

const (
	// ChannelAll multiplexes every activity category onto one feed.
	ChannelAll Channel = "all"
	// ChannelTweets carries post_created and post_updated events.
	ChannelTweets Channel = "tweets"
	// ChannelFollowing carries follow_created and follow_updated events.
	ChannelFollowing Channel = "following"
	// ChannelProfile carries profile and user account events.
	ChannelProfile Channel = "profile"
)

var allChannels = []Channel{ChannelAll, ChannelTweets, ChannelFollowing, ChannelProfile}

// AllChannels returns the upstream channels in canonical order.
func AllChannels() []Channel {
	out := make([]Channel, len(allChannels))
	copy(out, allChannels)
	return out
}

// Valid reports whether the channel is one of the canonical feeds.
func (c Channel) Valid() bool {
	for _, known := range allChannels {
		if c == known {
			return true
		}
	}
	return false
}

// ParseChannel normalises and validates a channel name.
func ParseChannel(raw string) (Channel, error) {
	trimmed := Channel(strings.ToLower(strings.TrimSpace(raw)))
	if trimmed == "" {
		return "", errs.New("schema/channel", errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	if !trimmed.Valid() {
		return "", errs.New("schema/channel", errs.CodeInvalid,
			errs.WithMessage("unknown channel"), errs.WithRawCode(string(trimmed)))
	}
	return trimmed, nil
}
