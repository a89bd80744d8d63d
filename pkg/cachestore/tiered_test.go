package cachestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-cache/pkg/cachestore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTieredStore builds a composite over two in-process tiers, which keeps
// the promotion and fan-out behavior observable without a server.
func newTieredStore(t *testing.T, cfg cachestore.TieredConfig) (tiered *cachestore.TieredStore, local, remote *cachestore.MemoryStore) {
	t.Helper()
	local = cachestore.NewMemoryStore(cachestore.MemoryConfig{}, zerolog.Nop())
	remote = cachestore.NewMemoryStore(cachestore.MemoryConfig{}, zerolog.Nop())
	tiered = cachestore.NewTieredStore(local, remote, cfg, zerolog.Nop())
	t.Cleanup(func() { _ = tiered.Close() })
	return tiered, local, remote
}

func TestTieredStore_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("a remote hit is promoted into the local tier", func(t *testing.T) {
		tiered, local, remote := newTieredStore(t, cachestore.TieredConfig{})
		require.NoError(t, remote.Set(ctx, "post:1", []byte("shared"), time.Minute))

		value, found, err := tiered.Get(ctx, "post:1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("shared"), value)

		// Promotion happens off the read path.
		require.Eventually(t, func() bool {
			exists, _ := local.Exists(ctx, "post:1")
			return exists
		}, time.Second, 10*time.Millisecond, "the remote hit should appear in the local tier")
	})

	t.Run("a full miss stays a miss", func(t *testing.T) {
		tiered, _, _ := newTieredStore(t, cachestore.TieredConfig{})

		_, found, err := tiered.Get(ctx, "absent")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestTieredStore_WritesReachBothTiers(t *testing.T) {
	ctx := context.Background()
	tiered, local, remote := newTieredStore(t, cachestore.TieredConfig{})

	require.NoError(t, tiered.Set(ctx, "post:2", []byte("both"), time.Minute))

	_, found, _ := local.Get(ctx, "post:2")
	assert.True(t, found, "the write should mirror into the local tier")
	_, found, _ = remote.Get(ctx, "post:2")
	assert.True(t, found, "the write should land in the remote tier")
}

func TestTieredStore_LocalCopiesHonorTheLocalCap(t *testing.T) {
	ctx := context.Background()
	tiered, local, _ := newTieredStore(t, cachestore.TieredConfig{LocalTTL: 60 * time.Millisecond})

	require.NoError(t, tiered.Set(ctx, "post:3", []byte("capped"), time.Hour))
	time.Sleep(100 * time.Millisecond)

	exists, _ := local.Exists(ctx, "post:3")
	assert.False(t, exists, "the local mirror must expire at the local cap")

	// The authoritative copy is still served, and re-promoted.
	value, found, err := tiered.Get(ctx, "post:3")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("capped"), value)
}

func TestTieredStore_InvalidationCoversBothTiers(t *testing.T) {
	ctx := context.Background()
	tiered, local, remote := newTieredStore(t, cachestore.TieredConfig{})

	require.NoError(t, tiered.SetTagged(ctx, "post:4", []byte("x"), time.Minute, []string{"posts"}))
	require.NoError(t, tiered.Set(ctx, "category:1", []byte("y"), time.Minute))

	removed, err := tiered.InvalidateByTags(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	for name, tier := range map[string]*cachestore.MemoryStore{"local": local, "remote": remote} {
		_, found, _ := tier.Get(ctx, "post:4")
		assert.False(t, found, "post:4 should be gone from the %s tier", name)
	}

	removed, err = tiered.RemoveByPattern(ctx, "category:*")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	exists, _ := local.Exists(ctx, "category:1")
	assert.False(t, exists)
}

func TestTieredStore_Statistics(t *testing.T) {
	ctx := context.Background()
	tiered, _, remote := newTieredStore(t, cachestore.TieredConfig{})

	require.NoError(t, remote.Set(ctx, "warm", []byte("x"), time.Minute))

	_, found, _ := tiered.Get(ctx, "warm")
	require.True(t, found)
	_, found, _ = tiered.Get(ctx, "cold")
	require.False(t, found)

	stats, err := tiered.Statistics(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Connected)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Keys, "the remote tier's key count is authoritative")
}
