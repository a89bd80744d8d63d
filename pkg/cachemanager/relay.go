package cachemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-cache/pkg/cachestore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRelayChannel is the pub/sub channel invalidation events travel on.
const DefaultRelayChannel = "cache:invalidation"

// RelaySource marks events that arrived from another instance.
const RelaySource = "relay"

// RelayConfig configures the cross-instance invalidation relay.
type RelayConfig struct {
	// Channel is the Redis pub/sub channel name.
	Channel string
}

// RedisRelay propagates invalidation events between process instances over
// Redis pub/sub. Events the local manager publishes are forwarded to the
// channel; events arriving from other instances are applied to the given
// store and republished on the local bus with Source set to RelaySource.
//
// Composition chooses the store the relay applies inbound events to. In a
// tiered deployment that is typically the local tier only, since the
// originating instance already modified the shared remote tier. The relay
// does not own the Redis client.
type RedisRelay struct {
	client  *redis.Client
	manager *Manager
	store   cachestore.TaggedStore
	cfg     RelayConfig
	logger  zerolog.Logger

	sub         *redis.PubSub
	unsubscribe func()
	stopOnce    sync.Once
	doneChan    chan struct{}
}

// NewRedisRelay creates a relay between the manager's bus and the channel.
func NewRedisRelay(cfg RelayConfig, client *redis.Client, manager *Manager, store cachestore.TaggedStore, logger zerolog.Logger) (*RedisRelay, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRelayChannel
	}

	return &RedisRelay{
		client:   client,
		manager:  manager,
		store:    store,
		cfg:      cfg,
		logger:   logger.With().Str("component", "RedisRelay").Str("channel", cfg.Channel).Logger(),
		doneChan: make(chan struct{}),
	}, nil
}

// Start subscribes to the channel and begins forwarding in both directions.
func (r *RedisRelay) Start(ctx context.Context) error {
	r.logger.Info().Msg("Starting invalidation relay...")

	sub := r.client.Subscribe(ctx, r.cfg.Channel)
	// Receive confirms the subscription is active before Start returns.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.cfg.Channel, err)
	}
	r.sub = sub
	r.unsubscribe = r.manager.Subscribe(EventTypeAll, r.forward)

	go r.listen(ctx, sub.Channel())

	r.logger.Info().Msg("Invalidation relay started.")
	return nil
}

// Stop detaches from both buses and waits for the listener to exit.
func (r *RedisRelay) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		r.logger.Info().Msg("Stopping invalidation relay...")
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
		if r.sub == nil {
			// Start never ran; there is no listener to wait for.
			return
		}
		// Closing the subscription closes the message channel the listener
		// ranges over.
		_ = r.sub.Close()

		select {
		case <-r.doneChan:
			r.logger.Info().Msg("Invalidation relay stopped.")
		case <-ctx.Done():
			r.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for relay listener to stop.")
			err = ctx.Err()
		}
	})
	return err
}

// forward publishes one locally-originated event to the channel. Events that
// arrived through the relay carry a foreign origin and are not re-forwarded.
func (r *RedisRelay) forward(ctx context.Context, event Event) {
	if event.Origin != r.manager.Origin() {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to encode invalidation event.")
		return
	}
	if err := r.client.Publish(ctx, r.cfg.Channel, payload).Err(); err != nil {
		r.logger.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to relay invalidation event.")
	}
}

// listen consumes channel messages until the subscription closes or the
// context is cancelled.
func (r *RedisRelay) listen(ctx context.Context, messages <-chan *redis.Message) {
	defer close(r.doneChan)
	defer r.logger.Info().Msg("Invalidation relay listener stopped.")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

// handle applies one inbound event to the local store and republishes it on
// the local bus so in-process subscribers hear relayed invalidations too.
func (r *RedisRelay) handle(ctx context.Context, payload string) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.logger.Warn().Err(err).Msg("Discarding undecodable relay message.")
		return
	}
	if event.Origin == r.manager.Origin() {
		// Our own publication echoed back by the broker.
		return
	}

	r.logger.Debug().
		Str("event_id", event.ID).
		Str("content_type", event.ContentType).
		Msg("Applying relayed invalidation.")

	for _, pattern := range event.Patterns {
		if _, err := r.store.RemoveByPattern(ctx, pattern); err != nil {
			r.logger.Warn().Err(err).Str("pattern", pattern).Msg("Relayed pattern invalidation failed; continuing.")
		}
	}
	if len(event.Tags) > 0 {
		if _, err := r.store.InvalidateByTags(ctx, event.Tags...); err != nil {
			r.logger.Warn().Err(err).Strs("tags", event.Tags).Msg("Relayed tag invalidation failed; continuing.")
		}
	}

	event.Source = RelaySource
	r.manager.Publish(ctx, event)
}
