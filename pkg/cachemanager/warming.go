package cachemanager

import (
	"context"
	"sync"
)

// Warmer repopulates cache entries for one content type after an
// invalidation. Params carry caller context such as entity identifiers.
// Warming is pluggable per content type and may be absent entirely.
type Warmer func(ctx context.Context, params ...string) error

// warmerRegistry maps content types to their warming routines.
type warmerRegistry struct {
	mu      sync.RWMutex
	warmers map[string]Warmer
}

func newWarmerRegistry() *warmerRegistry {
	return &warmerRegistry{warmers: make(map[string]Warmer)}
}

// register installs warmer for contentType, replacing any previous one.
func (r *warmerRegistry) register(contentType string, warmer Warmer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warmers[contentType] = warmer
}

func (r *warmerRegistry) lookup(contentType string) (Warmer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	warmer, ok := r.warmers[contentType]
	return warmer, ok
}
