package cachestore

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// SingleFlightStore wraps a TaggedStore so concurrent GetOrSet callers on
// the same missing key share a single factory invocation. Every other
// operation passes straight through. This is a strictly tighter behavior
// than the base contract, which permits duplicate computation; opt in when
// factories are expensive and not idempotent-cheap.
type SingleFlightStore struct {
	TaggedStore
	group singleflight.Group
}

// NewSingleFlightStore wraps inner with stampede suppression.
func NewSingleFlightStore(inner TaggedStore) *SingleFlightStore {
	return &SingleFlightStore{TaggedStore: inner}
}

// GetOrSet collapses concurrent computations for one key. The first caller's
// context governs the shared factory run; later callers receive its result.
func (s *SingleFlightStore) GetOrSet(ctx context.Context, key string, factory Factory, ttl time.Duration) ([]byte, error) {
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.TaggedStore.GetOrSet(ctx, key, factory, ttl)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
