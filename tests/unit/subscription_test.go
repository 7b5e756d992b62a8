package unit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/featherwire/aviary/internal/domain/schema"
	"github.com/featherwire/aviary/internal/infra/config"
)

func TestSubscriptionFromStringsNormalises(t *testing.T) {
	sub, err := config.SubscriptionFromStrings(
		[]string{" Tweets ", "following", "tweets"},
		[]string{"@ElonMusk", "elonmusk", " jack "})
	require.NoError(t, err)

	require.Equal(t, []schema.Channel{schema.ChannelTweets, schema.ChannelFollowing}, sub.Channels,
		"channels deduplicate into canonical order")
	require.Equal(t, []string{"elonmusk", "jack"}, sub.Users,
		"handles are lowercased, trimmed, @-stripped and deduplicated")
}

func TestSubscriptionAllSupersedesNarrowerChannels(t *testing.T) {
	sub, err := config.SubscriptionFromStrings([]string{"tweets", "all", "profile"}, nil)
	require.NoError(t, err)
	require.Equal(t, []schema.Channel{schema.ChannelAll}, sub.Channels)
}

func TestSubscriptionFromStringsProtocolErrors(t *testing.T) {
	_, err := config.SubscriptionFromStrings([]string{"everything"}, nil)
	require.EqualError(t, err, "Invalid channel: everything")

	_, err = config.SubscriptionFromStrings([]string{"tweets"}, []string{"not a handle!"})
	require.EqualError(t, err, "Invalid user: not a handle!")

	_, err = config.SubscriptionFromStrings([]string{"tweets"}, []string{"sixteen_chars_xx"})
	require.Error(t, err, "handles longer than 15 characters are rejected")

	_, err = config.SubscriptionFromStrings(nil, nil)
	require.Error(t, err, "empty channel sets are rejected")
}

func TestSubscriptionNormaliseIsIdempotent(t *testing.T) {
	sub, err := config.SubscriptionFromStrings([]string{"tweets", "profile"}, []string{"Jack", "@jack"})
	require.NoError(t, err)

	once := sub.Clone()
	once.Normalise()
	twice := once.Clone()
	twice.Normalise()
	require.Equal(t, once, twice)
}

func TestSubscriptionStoreReplaceRoundtrip(t *testing.T) {
	initial, err := config.SubscriptionFromStrings([]string{"all"}, nil)
	require.NoError(t, err)
	initial.Source = config.SourceConfig
	initial.Mode = config.ModeIdle

	store, err := config.NewSubscriptionStore(initial)
	require.NoError(t, err)

	snap := store.Snapshot()
	require.Equal(t, []schema.Channel{schema.ChannelAll}, snap.Channels)
	require.False(t, snap.UpdatedAt.IsZero(), "the store stamps an initial update time")

	next, err := config.SubscriptionFromStrings([]string{"tweets"}, []string{"jack"})
	require.NoError(t, err)
	next.Source = config.SourceRuntime

	applied, err := store.Replace(next)
	require.NoError(t, err)
	require.Equal(t, []schema.Channel{schema.ChannelTweets}, applied.Channels)
	require.Equal(t, config.SourceRuntime, applied.Source)
	require.True(t, applied.UpdatedAt.After(snap.UpdatedAt) || applied.UpdatedAt.Equal(snap.UpdatedAt))

	require.Equal(t, applied, store.Snapshot())
}

func TestSubscriptionStoreRejectsInvalidReplacement(t *testing.T) {
	initial, err := config.SubscriptionFromStrings([]string{"all"}, nil)
	require.NoError(t, err)
	store, err := config.NewSubscriptionStore(initial)
	require.NoError(t, err)

	before := store.Snapshot()
	_, err = store.Replace(config.RuntimeSubscription{Mode: config.ModeActive})
	require.Error(t, err, "channel-less subscriptions are rejected")
	require.Equal(t, before, store.Snapshot(), "a rejected replace leaves the store untouched")
}

func TestSubscriptionSnapshotIsDefensiveCopy(t *testing.T) {
	initial, err := config.SubscriptionFromStrings([]string{"tweets"}, []string{"jack"})
	require.NoError(t, err)
	store, err := config.NewSubscriptionStore(initial)
	require.NoError(t, err)

	snap := store.Snapshot()
	snap.Users[0] = "mallory"
	snap.Channels[0] = schema.ChannelProfile

	fresh := store.Snapshot()
	require.Equal(t, []string{"jack"}, fresh.Users)
	require.Equal(t, []schema.Channel{schema.ChannelTweets}, fresh.Channels)
}
