package cachemanager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventTypeAll subscribes a handler to every published event regardless of
// content type.
const EventTypeAll = "*"

// Event describes one invalidation that already happened. Store removal
// completes before the event is published, so a subscriber re-reading the
// cache observes post-invalidation state.
type Event struct {
	ID          string    `json:"id"`
	ContentType string    `json:"content_type"`
	EntityID    string    `json:"entity_id,omitempty"`
	Patterns    []string  `json:"patterns,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source,omitempty"`
	// EnableWarming signals subscribers that a warm-up was scheduled for this
	// invalidation. Administrative invalidations leave it false.
	EnableWarming bool `json:"enable_warming"`
	// Origin identifies the publishing process instance so the cross-instance
	// relay can discard its own echoes.
	Origin string `json:"origin,omitempty"`
}

// Handler consumes published invalidation events. Handlers for one event run
// concurrently with each other; a panic in one handler never reaches its
// siblings or the publisher.
type Handler func(ctx context.Context, event Event)

// eventBus is the manager-owned subscription table. Each Manager owns exactly
// one bus; there is no process-global registry.
type eventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func newEventBus(logger zerolog.Logger) *eventBus {
	return &eventBus{
		subs:   make(map[string]map[int]Handler),
		logger: logger,
	}
}

// subscribe registers a handler for eventType and returns a func that removes
// the subscription. Unsubscribing twice is harmless.
func (b *eventBus) subscribe(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[int]Handler)
	}
	b.subs[eventType][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[eventType], id)
		if len(b.subs[eventType]) == 0 {
			delete(b.subs, eventType)
		}
	}
}

// publish invokes every handler matching the event's content type, plus all
// wildcard handlers, each on its own goroutine. The subscriber snapshot is
// taken under the read lock; handlers run outside it.
func (b *eventBus) publish(ctx context.Context, event Event) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs[event.ContentType])+len(b.subs[EventTypeAll]))
	for _, handler := range b.subs[event.ContentType] {
		matched = append(matched, handler)
	}
	if event.ContentType != EventTypeAll {
		for _, handler := range b.subs[EventTypeAll] {
			matched = append(matched, handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range matched {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().
						Interface("panic", r).
						Str("content_type", event.ContentType).
						Str("event_id", event.ID).
						Msg("Event handler panicked; sibling handlers are unaffected.")
				}
			}()
			handler(ctx, event)
		}()
	}
}

// drain waits for all in-flight handlers to return, bounded by ctx.
func (b *eventBus) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
