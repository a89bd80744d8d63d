// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-cache/pkg/cachemanager"
	"github.com/illmade-knight/go-cache/pkg/cachestore"
	"github.com/illmade-knight/go-cache/pkg/responsecache"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Store modes selectable via the top-level "mode" key.
const (
	// ModeMemory runs the in-process tier alone.
	ModeMemory = "memory"
	// ModeRedis runs the shared remote tier alone.
	ModeRedis = "redis"
	// ModeTiered layers the in-process tier in front of the remote one.
	ModeTiered = "tiered"
)

// Duration is a time.Duration that unmarshals from YAML either as a Go
// duration string ("15m", "2h30m") or as a bare integer number of seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string or a number: %w", err)
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("malformed duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full configuration for the cache subsystem. Load starts from
// Default and overlays the YAML document, so absent keys keep their defaults.
type Config struct {
	// Enabled is the global switch. When false, Build composes a store that
	// caches nothing, so callers need no branches of their own.
	Enabled bool `yaml:"enabled"`
	// Mode selects the active store: memory, redis, or tiered.
	Mode string `yaml:"mode"`
	// Codec names the payload serializer for typed helpers: json or msgpack.
	Codec string `yaml:"codec"`
	// SingleFlight collapses concurrent GetOrSet computations per key. The
	// base contract permits duplicate work; this is the stricter opt-in.
	SingleFlight bool `yaml:"single_flight"`
	// DefaultTTL applies to writes with no explicit ttl. Zero keeps entries
	// until they are removed or evicted.
	DefaultTTL Duration `yaml:"default_ttl"`
	// Source labels the invalidation events this process publishes.
	Source string `yaml:"source"`

	Memory MemorySection `yaml:"memory"`
	Redis  RedisSection  `yaml:"redis"`
	Tiered TieredSection `yaml:"tiered"`

	// Rules is the response-cache policy table, ordered by priority at load.
	Rules []Rule `yaml:"rules"`
	// NeverCache lists path globs that are never cached, whatever the rules say.
	NeverCache []string        `yaml:"never_cache"`
	Response   ResponseSection `yaml:"response"`

	// ContentTypes maps each invalidation content type to the key patterns
	// and tags it clears. Domain services own the table's meaning.
	ContentTypes map[string]cachemanager.Mapping `yaml:"content_types"`

	Warming     WarmingSection     `yaml:"warming"`
	Maintenance MaintenanceSection `yaml:"maintenance"`
	Relay       RelaySection       `yaml:"relay"`
}

// MemorySection configures the in-process tier.
type MemorySection struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	// MaxEntries is the soft entry cap; zero disables it.
	MaxEntries    int      `yaml:"max_entries"`
	SlidingExpiry bool     `yaml:"sliding_expiry"`
	TagTTL        Duration `yaml:"tag_ttl"`
}

// RedisSection configures the remote tier and the relay connection.
type RedisSection struct {
	Addr      string   `yaml:"addr"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
	TagTTL    Duration `yaml:"tag_ttl"`
	ScanCount int64    `yaml:"scan_count"`
}

// TieredSection configures the two-tier composite.
type TieredSection struct {
	LocalTTL       Duration `yaml:"local_ttl"`
	PromoteTimeout Duration `yaml:"promote_timeout"`
}

// Rule is the YAML form of one response-cache rule.
type Rule struct {
	Name                string   `yaml:"name"`
	PathPattern         string   `yaml:"path_pattern"`
	IsRegex             bool     `yaml:"is_regex"`
	Methods             []string `yaml:"methods"`
	Duration            Duration `yaml:"duration"`
	CacheControl        string   `yaml:"cache_control"`
	Priority            int      `yaml:"priority"`
	VaryHeaders         []string `yaml:"vary_headers"`
	KeyStrategy         string   `yaml:"key_strategy"`
	KeyHeaders          []string `yaml:"key_headers"`
	GenerateETag        bool     `yaml:"generate_etag"`
	IncludeLastModified bool     `yaml:"include_last_modified"`
}

// ResponseSection configures rule-engine behavior beyond the rule list.
type ResponseSection struct {
	// DefaultDuration, when positive, caches unmatched GET paths for that
	// long. Leaving it zero keeps the usual policy: no rule, no caching.
	DefaultDuration Duration `yaml:"default_duration"`
	// DefaultVary applies to rules without their own vary_headers.
	DefaultVary []string `yaml:"default_vary"`
	// KeyPrefix namespaces generated response cache keys.
	KeyPrefix string `yaml:"key_prefix"`
}

// WarmingSection configures post-invalidation cache warming.
type WarmingSection struct {
	Enabled bool `yaml:"enabled"`
	// Delay lets the write that triggered the invalidation settle before the
	// warmer runs.
	Delay Duration `yaml:"delay"`
	// Timeout bounds a single warming routine.
	Timeout Duration `yaml:"timeout"`
}

// MaintenanceSection configures the background health monitor.
type MaintenanceSection struct {
	Enabled           bool     `yaml:"enabled"`
	Interval          Duration `yaml:"interval"`
	HitRatioThreshold float64  `yaml:"hit_ratio_threshold"`
	Backoff           Duration `yaml:"backoff"`
	// WarmContentTypes are re-warmed on every maintenance cycle.
	WarmContentTypes []string `yaml:"warm_content_types"`
}

// RelaySection configures cross-instance invalidation propagation.
type RelaySection struct {
	Enabled bool `yaml:"enabled"`
	// Channel is the Redis pub/sub channel events travel on.
	Channel string `yaml:"channel"`
}

// Default returns the configuration used when a key is absent from the file:
// an enabled in-process cache with warming and maintenance on.
func Default() Config {
	return Config{
		Enabled: true,
		Mode:    ModeMemory,
		Codec:   "json",
		Warming: WarmingSection{
			Enabled: true,
			Delay:   Duration(2 * time.Second),
			Timeout: Duration(30 * time.Second),
		},
		Maintenance: MaintenanceSection{
			Enabled:           true,
			Interval:          Duration(time.Hour),
			HitRatioThreshold: 0.80,
			Backoff:           Duration(30 * time.Second),
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnvOverrides lets deployment environments supply connection settings
// without writing secrets into the config file. Unparseable values keep the
// file's setting.
func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CACHE_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if password := os.Getenv("CACHE_REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}
	if db := os.Getenv("CACHE_REDIS_DB"); db != "" {
		if val, err := strconv.Atoi(db); err == nil {
			c.Redis.DB = val
		}
	}
}

// Validate fails fast on configuration a running process could not honor:
// unknown enum values, missing connection settings, and rules that do not
// compile. Runtime code never re-checks these.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeMemory, ModeRedis, ModeTiered:
	case "":
		c.Mode = ModeMemory
	default:
		return fmt.Errorf("unknown cache mode %q", c.Mode)
	}

	if _, err := cachestore.CodecByName(c.Codec); err != nil {
		return err
	}

	needsRedis := c.Mode == ModeRedis || c.Mode == ModeTiered || c.Relay.Enabled
	if c.Enabled && needsRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required for mode %q", c.Mode)
	}

	if t := c.Maintenance.HitRatioThreshold; t < 0 || t > 1 {
		return fmt.Errorf("hit ratio threshold %v is outside [0, 1]", t)
	}

	// Compiling the engine is the rule check; a throwaway build here means a
	// malformed pattern can never surface mid-request.
	if _, err := responsecache.NewEngine(c.EngineRules(), c.EngineOptions(), zerolog.Nop()); err != nil {
		return err
	}
	return nil
}

// EngineRules converts the YAML rule list into the engine's form.
func (c *Config) EngineRules() []responsecache.Rule {
	rules := make([]responsecache.Rule, len(c.Rules))
	for i, r := range c.Rules {
		rules[i] = responsecache.Rule{
			Name:                r.Name,
			PathPattern:         r.PathPattern,
			IsRegex:             r.IsRegex,
			Methods:             r.Methods,
			Duration:            r.Duration.Std(),
			CacheControl:        r.CacheControl,
			Priority:            r.Priority,
			VaryHeaders:         r.VaryHeaders,
			KeyStrategy:         r.KeyStrategy,
			KeyHeaders:          r.KeyHeaders,
			GenerateETag:        r.GenerateETag,
			IncludeLastModified: r.IncludeLastModified,
		}
	}
	return rules
}

// EngineOptions converts the response section into engine options. Custom key
// builders are code, not configuration; Build attaches them separately.
func (c *Config) EngineOptions() responsecache.Options {
	return responsecache.Options{
		NeverCache:      c.NeverCache,
		DefaultVary:     c.Response.DefaultVary,
		DefaultDuration: c.Response.DefaultDuration.Std(),
		KeyPrefix:       c.Response.KeyPrefix,
	}
}
