// config/build.go
package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-cache/pkg/cachemanager"
	"github.com/illmade-knight/go-cache/pkg/cachestore"
	"github.com/illmade-knight/go-cache/pkg/maintenance"
	"github.com/illmade-knight/go-cache/pkg/responsecache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// BuildOption attaches the pieces that are code rather than configuration.
type BuildOption func(*buildOptions)

type buildOptions struct {
	keyBuilders map[string]responsecache.KeyBuilder
	onEvicted   func(key string, entry *cachestore.Entry)
}

// WithKeyBuilders supplies the key builders for rules whose key strategy is
// custom, by rule name.
func WithKeyBuilders(builders map[string]responsecache.KeyBuilder) BuildOption {
	return func(o *buildOptions) { o.keyBuilders = builders }
}

// WithEvictionCallback observes entries the in-process tier evicts under
// memory pressure or expiry. It has no effect in redis mode.
func WithEvictionCallback(cb func(key string, entry *cachestore.Entry)) BuildOption {
	return func(o *buildOptions) { o.onEvicted = cb }
}

// Components is the assembled cache subsystem. Start launches the background
// pieces; Stop shuts everything down in reverse order.
type Components struct {
	// Store is the active cache store, already wrapped per configuration.
	Store cachestore.TaggedStore
	// Codec is the configured payload codec for the typed helpers.
	Codec cachestore.Codec
	// Manager orchestrates invalidation, events, and warming over Store.
	Manager *cachemanager.Manager
	// Engine decides response-cache policy; nil only when construction was
	// skipped entirely (it never is today).
	Engine *responsecache.Engine
	// Monitor is the maintenance loop, nil when maintenance is disabled.
	Monitor *maintenance.Monitor
	// Relay propagates invalidations across instances, nil when disabled.
	Relay *cachemanager.RedisRelay

	relayClient *redis.Client
	logger      zerolog.Logger
}

// Build assembles the configured store, manager, rule engine, monitor, and
// relay. The caller owns the result and must Stop it on shutdown.
func (c *Config) Build(ctx context.Context, logger zerolog.Logger, opts ...BuildOption) (*Components, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var options buildOptions
	for _, opt := range opts {
		opt(&options)
	}

	codec, err := cachestore.CodecByName(c.Codec)
	if err != nil {
		return nil, err
	}

	store, localTier, err := c.buildStore(ctx, logger, options.onEvicted)
	if err != nil {
		return nil, err
	}
	if c.SingleFlight {
		store = cachestore.NewSingleFlightStore(store)
	}

	manager, err := cachemanager.NewManager(cachemanager.Config{
		Mappings:       c.ContentTypes,
		WarmingEnabled: c.Warming.Enabled,
		WarmingDelay:   c.Warming.Delay.Std(),
		WarmingTimeout: c.Warming.Timeout.Std(),
		Source:         c.Source,
	}, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	engineOpts := c.EngineOptions()
	engineOpts.KeyBuilders = options.keyBuilders
	engine, err := responsecache.NewEngine(c.EngineRules(), engineOpts, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	components := &Components{
		Store:   store,
		Codec:   codec,
		Manager: manager,
		Engine:  engine,
		logger:  logger.With().Str("component", "CacheComponents").Logger(),
	}

	if c.Maintenance.Enabled {
		monitor, err := maintenance.NewMonitor(maintenance.Config{
			Interval:          c.Maintenance.Interval.Std(),
			HitRatioThreshold: c.Maintenance.HitRatioThreshold,
			Backoff:           c.Maintenance.Backoff.Std(),
			WarmContentTypes:  c.Maintenance.WarmContentTypes,
		}, manager, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		components.Monitor = monitor
	}

	// The relay applies inbound invalidations to the local tier only: the
	// instance that originated them already updated the shared remote tier.
	if c.Enabled && c.Relay.Enabled {
		relayStore := store
		if localTier != nil {
			relayStore = localTier
		}
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		relay, err := cachemanager.NewRedisRelay(cachemanager.RelayConfig{
			Channel: c.Relay.Channel,
		}, client, manager, relayStore, logger)
		if err != nil {
			_ = client.Close()
			_ = store.Close()
			return nil, err
		}
		components.Relay = relay
		components.relayClient = client
	}

	return components, nil
}

// buildStore composes the configured store. For the tiered mode it also
// returns the local tier, which the relay targets directly.
func (c *Config) buildStore(ctx context.Context, logger zerolog.Logger, onEvicted func(string, *cachestore.Entry)) (cachestore.TaggedStore, cachestore.TaggedStore, error) {
	if !c.Enabled {
		logger.Info().Msg("Caching is disabled; composing the no-op store.")
		return cachestore.NewNoopStore(), nil, nil
	}

	memoryCfg := cachestore.MemoryConfig{
		DefaultTTL:      c.DefaultTTL.Std(),
		CleanupInterval: c.Memory.CleanupInterval.Std(),
		MaxEntries:      c.Memory.MaxEntries,
		SlidingExpiry:   c.Memory.SlidingExpiry,
		TagTTL:          c.Memory.TagTTL.Std(),
		OnEvicted:       onEvicted,
	}
	redisCfg := cachestore.RedisConfig{
		Addr:       c.Redis.Addr,
		Password:   c.Redis.Password,
		DB:         c.Redis.DB,
		DefaultTTL: c.DefaultTTL.Std(),
		KeyPrefix:  c.Redis.KeyPrefix,
		TagTTL:     c.Redis.TagTTL.Std(),
		ScanCount:  c.Redis.ScanCount,
	}

	switch c.Mode {
	case ModeMemory:
		return cachestore.NewMemoryStore(memoryCfg, logger), nil, nil
	case ModeRedis:
		store, err := cachestore.NewRedisStore(ctx, redisCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case ModeTiered:
		remote, err := cachestore.NewRedisStore(ctx, redisCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		local := cachestore.NewMemoryStore(memoryCfg, logger)
		tiered := cachestore.NewTieredStore(local, remote, cachestore.TieredConfig{
			LocalTTL:       c.Tiered.LocalTTL.Std(),
			PromoteTimeout: c.Tiered.PromoteTimeout.Std(),
		}, logger)
		return tiered, local, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache mode %q", c.Mode)
	}
}

// Start launches the relay and the maintenance monitor.
func (c *Components) Start(ctx context.Context) error {
	if c.Relay != nil {
		if err := c.Relay.Start(ctx); err != nil {
			return fmt.Errorf("failed to start invalidation relay: %w", err)
		}
	}
	if c.Monitor != nil {
		if err := c.Monitor.Start(ctx); err != nil {
			return err
		}
	}
	c.logger.Info().Msg("Cache subsystem started.")
	return nil
}

// Stop shuts the subsystem down in reverse dependency order, continuing past
// individual failures so every piece gets its chance to clean up.
func (c *Components) Stop(ctx context.Context) error {
	var errs []error
	if c.Monitor != nil {
		if err := c.Monitor.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Relay != nil {
		if err := c.Relay.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Manager.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.relayClient != nil {
		if err := c.relayClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.logger.Info().Msg("Cache subsystem stopped.")
	return nil
}
