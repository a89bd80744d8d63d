// cachemanager/manager.go
package cachemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-cache/pkg/cachestore"
	"github.com/rs/zerolog"
)

// Mapping lists the key patterns and tags one content type invalidates.
// Domain services supply the full table at startup; it is immutable after.
type Mapping struct {
	Patterns []string `json:"patterns" yaml:"patterns"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// Config holds the Manager's invalidation mapping and warming policy.
type Config struct {
	// Mappings is the static content-type to patterns/tags table.
	Mappings map[string]Mapping
	// WarmingEnabled gates scheduled warming after Invalidate calls.
	WarmingEnabled bool
	// WarmingDelay is how long a warm-up waits before running, letting the
	// write that triggered the invalidation settle.
	WarmingDelay time.Duration
	// WarmingTimeout bounds a single warming routine.
	WarmingTimeout time.Duration
	// Source labels events published by this manager.
	Source string
}

// Manager translates domain invalidation intents into pattern and tag
// operations on the composed store, publishes events to its subscribers, and
// schedules warming. Every public method is best-effort: a cache failure is
// logged and swallowed, never propagated to the write path that triggered it.
type Manager struct {
	store   cachestore.TaggedStore
	stats   cachestore.StatsProvider
	cfg     Config
	bus     *eventBus
	warmers *warmerRegistry
	logger  zerolog.Logger

	origin string

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager composes a Manager over the given store. The store's statistics
// capability is resolved here, once, never by downcasting at call time.
func NewManager(cfg Config, store cachestore.TaggedStore, logger zerolog.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.WarmingDelay <= 0 {
		cfg.WarmingDelay = 2 * time.Second
	}
	if cfg.WarmingTimeout <= 0 {
		cfg.WarmingTimeout = 30 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "cachemanager"
	}

	managerLogger := logger.With().Str("component", "CacheManager").Logger()

	m := &Manager{
		store:    store,
		cfg:      cfg,
		bus:      newEventBus(managerLogger),
		warmers:  newWarmerRegistry(),
		logger:   managerLogger,
		origin:   uuid.NewString(),
		shutdown: make(chan struct{}),
	}
	if provider, ok := store.(cachestore.StatsProvider); ok {
		m.stats = provider
	}
	return m, nil
}

// Origin identifies this manager instance in the events it publishes.
func (m *Manager) Origin() string { return m.origin }

// RegisterWarmer installs the warming routine for a content type.
func (m *Manager) RegisterWarmer(contentType string, warmer Warmer) {
	m.warmers.register(contentType, warmer)
}

// Invalidate resolves the configured patterns and tags for contentType,
// removes the matching entries, then publishes the event, then schedules a
// warm-up when warming is enabled. An unknown content type is a logged no-op.
// When entityID is non-empty, the entity tag "{contentType}:{entityID}" is
// invalidated as well.
func (m *Manager) Invalidate(ctx context.Context, contentType, entityID string) {
	mapping, ok := m.cfg.Mappings[contentType]
	if !ok {
		m.logger.Debug().Str("content_type", contentType).Msg("No invalidation mapping for content type; nothing to do.")
		return
	}

	tags := make([]string, 0, len(mapping.Tags)+1)
	tags = append(tags, mapping.Tags...)
	if entityID != "" {
		tags = append(tags, contentType+":"+entityID)
	}

	removedByPattern, removedByTag := m.apply(ctx, mapping.Patterns, tags)
	m.logger.Info().
		Str("content_type", contentType).
		Str("entity_id", entityID).
		Int("removed_by_pattern", removedByPattern).
		Int("removed_by_tag", removedByTag).
		Msg("Cache invalidated for content type.")

	m.Publish(ctx, m.newEvent(contentType, entityID, mapping.Patterns, tags, m.cfg.WarmingEnabled))

	if m.cfg.WarmingEnabled {
		var params []string
		if entityID != "" {
			params = []string{entityID}
		}
		m.scheduleWarmUp(contentType, params...)
	}
}

// InvalidateByPattern removes every key matching the glob and publishes the
// event. Administrative invalidations never trigger warming.
func (m *Manager) InvalidateByPattern(ctx context.Context, pattern string) {
	removed, err := m.store.RemoveByPattern(ctx, pattern)
	if err != nil {
		m.logger.Warn().Err(err).Str("pattern", pattern).Msg("Pattern invalidation failed; continuing.")
	}
	m.logger.Info().Str("pattern", pattern).Int("removed", removed).Msg("Cache invalidated by pattern.")

	m.Publish(ctx, m.newEvent("", "", []string{pattern}, nil, false))
}

// InvalidateByTags removes every key under any of the tags and publishes the
// event. Administrative invalidations never trigger warming.
func (m *Manager) InvalidateByTags(ctx context.Context, tags ...string) {
	removed, err := m.store.InvalidateByTags(ctx, tags...)
	if err != nil {
		m.logger.Warn().Err(err).Strs("tags", tags).Msg("Tag invalidation failed; continuing.")
	}
	m.logger.Info().Strs("tags", tags).Int("removed", removed).Msg("Cache invalidated by tags.")

	m.Publish(ctx, m.newEvent("", "", nil, tags, false))
}

// ClearAll flushes the whole store and publishes the event. The event carries
// the match-everything pattern so relayed instances flush their own tiers.
func (m *Manager) ClearAll(ctx context.Context) {
	if err := m.store.ClearAll(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Cache flush failed; continuing.")
	} else {
		m.logger.Info().Msg("Cache cleared.")
	}

	m.Publish(ctx, m.newEvent("", "", []string{"*"}, nil, false))
}

// WarmUp waits the configured delay, then runs the registered warmer for
// contentType. A content type without a warmer is a logged no-op. The wait is
// abandoned on caller cancellation or manager shutdown.
func (m *Manager) WarmUp(ctx context.Context, contentType string, params ...string) {
	timer := time.NewTimer(m.cfg.WarmingDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		m.logger.Debug().Str("content_type", contentType).Msg("Warm-up cancelled before it began.")
		return
	case <-m.shutdown:
		m.logger.Debug().Str("content_type", contentType).Msg("Warm-up abandoned; manager is shutting down.")
		return
	}

	warmer, ok := m.warmers.lookup(contentType)
	if !ok {
		m.logger.Debug().Str("content_type", contentType).Msg("No warmer registered for content type.")
		return
	}

	m.logger.Info().Str("content_type", contentType).Strs("params", params).Msg("Running cache warm-up.")
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("content_type", contentType).Msg("Cache warmer panicked.")
		}
	}()
	if err := warmer(ctx, params...); err != nil {
		m.logger.Warn().Err(err).Str("content_type", contentType).Msg("Cache warm-up failed.")
	}
}

// Subscribe registers handler for events of eventType; EventTypeAll receives
// every event. The returned func removes the subscription.
func (m *Manager) Subscribe(eventType string, handler Handler) func() {
	return m.bus.subscribe(eventType, handler)
}

// Publish delivers the event to matching subscribers. Handler failures are
// isolated per handler; Publish itself never fails.
func (m *Manager) Publish(ctx context.Context, event Event) {
	m.bus.publish(ctx, event)
}

// Statistics reports a snapshot from the composed store, or false when the
// store does not expose statistics.
func (m *Manager) Statistics(ctx context.Context) (*cachestore.Statistics, bool) {
	if m.stats == nil {
		return nil, false
	}
	snap, err := m.stats.Statistics(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to gather cache statistics.")
		return nil, false
	}
	return snap, true
}

// Close stops scheduling new warm-ups and waits for in-flight warmers and
// event handlers to finish, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.shutdown) })

	warmersDone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(warmersDone)
	}()
	select {
	case <-warmersDone:
	case <-ctx.Done():
		m.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for warm-up goroutines to finish.")
		return ctx.Err()
	}

	if err := m.bus.drain(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Timeout waiting for event handlers to finish.")
		return err
	}

	m.logger.Info().Msg("Cache manager closed.")
	return nil
}

// apply issues pattern removals then tag invalidation, logging and absorbing
// every failure.
func (m *Manager) apply(ctx context.Context, patterns, tags []string) (int, int) {
	removedByPattern := 0
	for _, pattern := range patterns {
		n, err := m.store.RemoveByPattern(ctx, pattern)
		if err != nil {
			m.logger.Warn().Err(err).Str("pattern", pattern).Msg("Pattern invalidation failed; continuing.")
			continue
		}
		removedByPattern += n
	}

	removedByTag := 0
	if len(tags) > 0 {
		n, err := m.store.InvalidateByTags(ctx, tags...)
		if err != nil {
			m.logger.Warn().Err(err).Strs("tags", tags).Msg("Tag invalidation failed; continuing.")
		} else {
			removedByTag = n
		}
	}
	return removedByPattern, removedByTag
}

// scheduleWarmUp runs WarmUp on a tracked goroutine, detached from the
// caller's context so a finished request cannot cancel its own warm-up.
func (m *Manager) scheduleWarmUp(contentType string, params ...string) {
	select {
	case <-m.shutdown:
		return
	default:
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WarmingDelay+m.cfg.WarmingTimeout)
		defer cancel()
		m.WarmUp(ctx, contentType, params...)
	}()
}

func (m *Manager) newEvent(contentType, entityID string, patterns, tags []string, warm bool) Event {
	return Event{
		ID:            uuid.NewString(),
		ContentType:   contentType,
		EntityID:      entityID,
		Patterns:      patterns,
		Tags:          tags,
		Timestamp:     time.Now().UTC(),
		Source:        m.cfg.Source,
		EnableWarming: warm,
		Origin:        m.origin,
	}
}
