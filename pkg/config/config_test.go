package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/illmade-knight/go-cache/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig drops a YAML document into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FullDocument(t *testing.T) {
	path := writeConfig(t, `
enabled: true
mode: tiered
codec: msgpack
single_flight: true
default_ttl: 10m
source: blog-api

memory:
  cleanup_interval: 5m
  max_entries: 10000
  sliding_expiry: true
  tag_ttl: 24h

redis:
  addr: cache.internal:6379
  password: file-secret
  db: 2
  key_prefix: "blog:"
  tag_ttl: 24h
  scan_count: 200

tiered:
  local_ttl: 5m
  promote_timeout: 10s

rules:
  - name: posts
    path_pattern: "/api/posts/*"
    methods: [GET, HEAD]
    duration: 15m
    priority: 100
    generate_etag: true
  - name: feeds
    path_pattern: '^/feeds/[a-z]+\.xml$'
    is_regex: true
    duration: 1h
    priority: 50
    vary_headers: [Accept-Language]
    key_strategy: path

never_cache:
  - "/api/posts/*/views"
  - "/admin/*"

response:
  default_duration: 60
  default_vary: [Accept, Accept-Encoding]
  key_prefix: "response:"

content_types:
  post:
    patterns: ["posts:*", "post:*"]
    tags: [posts, homepage, stats]
  category:
    patterns: ["categories:*"]
    tags: [categories]

warming:
  enabled: true
  delay: 3s
  timeout: 20s

maintenance:
  enabled: true
  interval: 30m
  hit_ratio_threshold: 0.75
  backoff: 10s
  warm_content_types: [post]

relay:
  enabled: true
  channel: "blog:invalidation"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, config.ModeTiered, cfg.Mode)
	assert.Equal(t, "msgpack", cfg.Codec)
	assert.True(t, cfg.SingleFlight)
	assert.Equal(t, 10*time.Minute, cfg.DefaultTTL.Std())
	assert.Equal(t, "blog-api", cfg.Source)

	assert.Equal(t, 10000, cfg.Memory.MaxEntries)
	assert.True(t, cfg.Memory.SlidingExpiry)
	assert.Equal(t, 24*time.Hour, cfg.Memory.TagTTL.Std())

	assert.Equal(t, "cache.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, int64(200), cfg.Redis.ScanCount)

	assert.Equal(t, 5*time.Minute, cfg.Tiered.LocalTTL.Std())

	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, "posts", cfg.Rules[0].Name)
	assert.Equal(t, 15*time.Minute, cfg.Rules[0].Duration.Std())
	assert.Equal(t, []string{"GET", "HEAD"}, cfg.Rules[0].Methods)
	assert.True(t, cfg.Rules[0].GenerateETag)
	assert.True(t, cfg.Rules[1].IsRegex)
	assert.Equal(t, "path", cfg.Rules[1].KeyStrategy)

	assert.Equal(t, []string{"/api/posts/*/views", "/admin/*"}, cfg.NeverCache)
	// A bare integer duration is read as seconds.
	assert.Equal(t, time.Minute, cfg.Response.DefaultDuration.Std())

	require.Contains(t, cfg.ContentTypes, "post")
	assert.Equal(t, []string{"posts:*", "post:*"}, cfg.ContentTypes["post"].Patterns)
	assert.Equal(t, []string{"posts", "homepage", "stats"}, cfg.ContentTypes["post"].Tags)

	assert.True(t, cfg.Warming.Enabled)
	assert.Equal(t, 3*time.Second, cfg.Warming.Delay.Std())
	assert.Equal(t, 30*time.Minute, cfg.Maintenance.Interval.Std())
	assert.InDelta(t, 0.75, cfg.Maintenance.HitRatioThreshold, 1e-9)
	assert.Equal(t, []string{"post"}, cfg.Maintenance.WarmContentTypes)

	assert.True(t, cfg.Relay.Enabled)
	assert.Equal(t, "blog:invalidation", cfg.Relay.Channel)
}

func TestLoad_AbsentKeysKeepDefaults(t *testing.T) {
	path := writeConfig(t, `
content_types:
  post:
    patterns: ["posts:*"]
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	defaults := config.Default()
	assert.True(t, cfg.Enabled, "caching defaults to enabled")
	assert.Equal(t, config.ModeMemory, cfg.Mode)
	assert.Equal(t, defaults.Codec, cfg.Codec)
	assert.Equal(t, defaults.Warming.Delay, cfg.Warming.Delay)
	assert.True(t, cfg.Maintenance.Enabled)
	assert.Equal(t, time.Hour, cfg.Maintenance.Interval.Std())
	assert.InDelta(t, 0.80, cfg.Maintenance.HitRatioThreshold, 1e-9)
	assert.False(t, cfg.Relay.Enabled)
}

func TestLoad_ExplicitDisableWins(t *testing.T) {
	path := writeConfig(t, `
enabled: false
maintenance:
  enabled: false
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.False(t, cfg.Maintenance.Enabled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CACHE_REDIS_ADDR", "env.internal:6380")
	t.Setenv("CACHE_REDIS_PASSWORD", "env-secret")
	t.Setenv("CACHE_REDIS_DB", "5")

	path := writeConfig(t, `
mode: redis
redis:
  addr: file.internal:6379
  password: file-secret
  db: 1
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env.internal:6380", cfg.Redis.Addr, "the environment outranks the file")
	assert.Equal(t, "env-secret", cfg.Redis.Password)
	assert.Equal(t, 5, cfg.Redis.DB)
}

func TestLoad_UnparseableEnvDBKeepsFileValue(t *testing.T) {
	t.Setenv("CACHE_REDIS_DB", "not-a-number")

	path := writeConfig(t, `
mode: redis
redis:
  addr: file.internal:6379
  db: 1
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Redis.DB)
}

func TestLoad_Failures(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := config.Load(writeConfig(t, "rules: [unclosed"))
		require.Error(t, err)
	})

	t.Run("malformed duration", func(t *testing.T) {
		_, err := config.Load(writeConfig(t, "default_ttl: soon"))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		cfg := config.Default()
		cfg.Redis.Addr = "localhost:6379"
		return cfg
	}

	t.Run("accepts the defaults", func(t *testing.T) {
		cfg := config.Default()
		require.NoError(t, cfg.Validate())
	})

	t.Run("rejects an unknown mode", func(t *testing.T) {
		cfg := valid()
		cfg.Mode = "memcached"
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects an unknown codec", func(t *testing.T) {
		cfg := valid()
		cfg.Codec = "protobuf"
		require.Error(t, cfg.Validate())
	})

	t.Run("redis mode requires an address", func(t *testing.T) {
		cfg := config.Default()
		cfg.Mode = config.ModeRedis
		require.Error(t, cfg.Validate())
	})

	t.Run("the relay requires an address even in memory mode", func(t *testing.T) {
		cfg := config.Default()
		cfg.Relay.Enabled = true
		require.Error(t, cfg.Validate())
	})

	t.Run("a disabled cache skips connection checks", func(t *testing.T) {
		cfg := config.Default()
		cfg.Enabled = false
		cfg.Mode = config.ModeRedis
		require.NoError(t, cfg.Validate())
	})

	t.Run("rejects a threshold above one", func(t *testing.T) {
		cfg := valid()
		cfg.Maintenance.HitRatioThreshold = 1.5
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects a rule that does not compile", func(t *testing.T) {
		cfg := valid()
		cfg.Rules = []config.Rule{{
			Name:        "broken",
			PathPattern: "([",
			IsRegex:     true,
			Duration:    config.Duration(time.Minute),
		}}
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects a malformed never-cache pattern", func(t *testing.T) {
		cfg := valid()
		cfg.NeverCache = []string{"["}
		require.Error(t, cfg.Validate())
	})
}

func TestEngineRules_ConvertsEveryField(t *testing.T) {
	cfg := config.Default()
	cfg.Rules = []config.Rule{{
		Name:                "posts",
		PathPattern:         "/api/posts/*",
		Methods:             []string{"GET"},
		Duration:            config.Duration(15 * time.Minute),
		CacheControl:        "public, max-age=900",
		Priority:            100,
		VaryHeaders:         []string{"Accept"},
		KeyStrategy:         "path_query_headers",
		KeyHeaders:          []string{"Accept-Language"},
		GenerateETag:        true,
		IncludeLastModified: true,
	}}

	rules := cfg.EngineRules()
	require.Len(t, rules, 1)
	assert.Equal(t, "posts", rules[0].Name)
	assert.Equal(t, 15*time.Minute, rules[0].Duration)
	assert.Equal(t, "public, max-age=900", rules[0].CacheControl)
	assert.Equal(t, 100, rules[0].Priority)
	assert.Equal(t, []string{"Accept-Language"}, rules[0].KeyHeaders)
	assert.True(t, rules[0].GenerateETag)
	assert.True(t, rules[0].IncludeLastModified)
}
