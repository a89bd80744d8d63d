package config_test

import (
	"context"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-cache/pkg/cachemanager"
	"github.com/illmade-knight/go-cache/pkg/cachestore"
	"github.com/illmade-knight/go-cache/pkg/config"
	"github.com/illmade-knight/go-cache/pkg/responsecache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildComponents assembles and tears down a subsystem for one test.
func buildComponents(t *testing.T, cfg config.Config, opts ...config.BuildOption) *config.Components {
	t.Helper()

	components, err := cfg.Build(context.Background(), zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = components.Stop(ctx)
	})
	return components
}

func TestBuild_MemoryMode(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.ContentTypes = map[string]cachemanager.Mapping{
		"post": {Patterns: []string{"post:*"}, Tags: []string{"posts"}},
	}
	cfg.Rules = []config.Rule{{
		Name:        "posts",
		PathPattern: "/api/posts/*",
		Duration:    config.Duration(15 * time.Minute),
		Priority:    100,
	}}

	components := buildComponents(t, cfg)
	require.NotNil(t, components.Store)
	require.NotNil(t, components.Manager)
	require.NotNil(t, components.Engine)
	require.NotNil(t, components.Monitor, "maintenance defaults to enabled")
	assert.Nil(t, components.Relay, "the relay defaults to disabled")
	assert.Equal(t, "json", components.Codec.Name())

	// The assembled pieces work together end to end.
	require.NoError(t, components.Store.Set(ctx, "post:42", []byte("v"), time.Minute))
	components.Manager.Invalidate(ctx, "post", "42")
	_, found, _ := components.Store.Get(ctx, "post:42")
	assert.False(t, found)

	rule, ok := components.Engine.Rule("/api/posts/42", http.MethodGet)
	require.True(t, ok)
	assert.Equal(t, "posts", rule.Name)
}

func TestBuild_DisabledComposesNoopStore(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Enabled = false

	components := buildComponents(t, cfg)

	require.NoError(t, components.Store.Set(ctx, "anything", []byte("v"), time.Minute))
	_, found, err := components.Store.Get(ctx, "anything")
	require.NoError(t, err)
	assert.False(t, found, "a disabled cache stores nothing")

	_, ok := components.Manager.Statistics(ctx)
	assert.False(t, ok, "the no-op store has no statistics capability")
}

func TestBuild_SingleFlightWrap(t *testing.T) {
	cfg := config.Default()
	cfg.SingleFlight = true

	components := buildComponents(t, cfg)

	_, ok := components.Store.(*cachestore.SingleFlightStore)
	assert.True(t, ok, "single_flight should wrap the composed store")
}

func TestBuild_MaintenanceCanBeDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Maintenance.Enabled = false

	components := buildComponents(t, cfg)
	assert.Nil(t, components.Monitor)
}

func TestBuild_CustomKeyBuilderReachesEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Rules = []config.Rule{{
		Name:        "tenanted",
		PathPattern: "/api/*",
		Duration:    config.Duration(time.Minute),
		KeyStrategy: "custom",
	}}

	builders := map[string]responsecache.KeyBuilder{
		"tenanted": func(path string, _ url.Values, headers http.Header) string {
			return "tenant:" + headers.Get("X-Tenant") + ":" + path
		},
	}
	components := buildComponents(t, cfg, config.WithKeyBuilders(builders))

	rule, ok := components.Engine.Rule("/api/posts", http.MethodGet)
	require.True(t, ok)

	headers := http.Header{}
	headers.Set("X-Tenant", "acme")
	key := components.Engine.CacheKey("/api/posts", nil, headers, rule)
	assert.Equal(t, "response:tenant:acme:/api/posts", key)
}

func TestBuild_EvictionCallbackReachesStore(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Memory.MaxEntries = 1

	var evicted atomic.Int32
	components := buildComponents(t, cfg, config.WithEvictionCallback(func(_ string, _ *cachestore.Entry) {
		evicted.Add(1)
	}))

	require.NoError(t, components.Store.Set(ctx, "first", []byte("1"), time.Minute))
	require.NoError(t, components.Store.Set(ctx, "second", []byte("2"), time.Minute))

	assert.Equal(t, int32(1), evicted.Load(), "inserting past the cap should evict through the callback")
}

func TestBuild_InvalidConfigurationFails(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeRedis // no address configured

	_, err := cfg.Build(context.Background(), zerolog.Nop())
	require.Error(t, err)
}

func TestComponents_StartStop(t *testing.T) {
	cfg := config.Default()
	cfg.Maintenance.Interval = config.Duration(10 * time.Millisecond)

	components, err := cfg.Build(context.Background(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, components.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, components.Stop(stopCtx))
}
