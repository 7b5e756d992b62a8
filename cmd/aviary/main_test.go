package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/featherwire/aviary/internal/app/filter"
	"github.com/featherwire/aviary/internal/domain/schema"
	"github.com/featherwire/aviary/internal/infra/config"
)

func TestResolveConfigPathPrefersFlag(t *testing.T) {
	require.Equal(t, "/etc/aviary.yaml", resolveConfigPath("/etc/aviary.yaml"))
	require.Equal(t, "config/app.yaml", resolveConfigPath(""))
}

func TestBuildSubscriptionStoreFromConfig(t *testing.T) {
	store, err := buildSubscriptionStore(config.UpstreamConfig{
		Channels: []string{"tweets", "all"},
		Users:    []string{"@ElonMusk", "elonmusk"},
	})
	require.NoError(t, err)

	sub := store.Snapshot()
	require.Equal(t, []schema.Channel{schema.ChannelAll}, sub.Channels)
	require.Equal(t, []string{"elonmusk"}, sub.Users)
	require.Equal(t, config.SourceConfig, sub.Source)
	require.Equal(t, config.ModeIdle, sub.Mode)
}

func TestBuildSubscriptionStoreRejectsBadChannel(t *testing.T) {
	_, err := buildSubscriptionStore(config.UpstreamConfig{Channels: []string{"everything"}})
	require.Error(t, err)
	require.EqualError(t, err, "Invalid channel: everything")
}

func TestUserSetMergerUnionsSources(t *testing.T) {
	pipeline := filter.NewPipeline()
	merger := &userSetMerger{pipeline: pipeline, configured: []string{"alice"}}
	merger.apply()
	require.Equal(t, []string{"alice"}, pipeline.Config().Users)

	merger.setActive([]string{"Bob", "alice"})
	require.Equal(t, []string{"alice", "bob"}, pipeline.Config().Users)

	merger.setRuntime([]string{"carol"})
	require.Equal(t, []string{"alice", "carol", "bob"}, pipeline.Config().Users)

	merger.setActive(nil)
	require.Equal(t, []string{"alice", "carol"}, pipeline.Config().Users)
}
