package cachestore

import (
	"context"
	"io"
	"time"
)

// Factory computes the value for a key on a cache miss.
type Factory func(ctx context.Context) ([]byte, error)

// Store is the uniform contract shared by every cache tier. Implementations
// are safe for concurrent use, and a failure talking to a backend is degraded
// to a miss or a no-op, never a hard dependency for the caller.
//
// A ttl of zero means "use the store's configured default TTL"; a store whose
// default is itself zero keeps the entry with no expiry.
type Store interface {
	// Get retrieves the payload for key. A missing key is a normal outcome,
	// reported as found == false with a nil error.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set stores the payload under key, overwriting any existing entry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Remove deletes a single key. Removing an absent key is a no-op.
	Remove(ctx context.Context, key string) error
	// RemoveByPattern deletes every key matching the glob pattern
	// ('*' matches any run of characters) and returns the number removed.
	RemoveByPattern(ctx context.Context, pattern string) (int, error)
	// Exists reports whether key is present without touching its metadata.
	Exists(ctx context.Context, key string) (bool, error)
	// Refresh extends the TTL of an existing key without re-fetching its
	// value. A missing key yields ErrKeyNotFound.
	Refresh(ctx context.Context, key string, ttl time.Duration) error
	// GetOrSet returns the cached payload for key, or on a miss invokes
	// factory, stores the result, and returns it. A factory error is
	// propagated unmodified and nothing is stored. Concurrent callers racing
	// on the same missing key may each invoke factory; wrap the store with
	// NewSingleFlightStore when duplicate computation is unacceptable.
	GetOrSet(ctx context.Context, key string, factory Factory, ttl time.Duration) ([]byte, error)
	// GetMany retrieves the payloads for the given keys. Missing keys are
	// simply absent from the result map.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	// SetMany stores every entry in the map under one ttl. A batch failure
	// degrades to independent per-key writes rather than failing the batch.
	SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error
	// Keys returns every key matching the glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// ClearAll removes every key the store is aware of, best-effort.
	ClearAll(ctx context.Context) error
	io.Closer
}

// TaggedStore is a Store that additionally tracks invalidation tags per key.
type TaggedStore interface {
	Store
	// SetTagged stores the payload as Set does and registers the key under
	// each tag, as one logical unit where the backend allows it.
	SetTagged(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error
	// InvalidateByTags removes every key currently indexed under any of the
	// given tags, clears those tag entries, and returns the number of keys
	// removed. A key gone mid-invalidation is not double-counted.
	InvalidateByTags(ctx context.Context, tags ...string) (int, error)
}

// StatsProvider is an optional capability for stores that can report runtime
// statistics and per-key metadata. Callers select it once at composition time
// rather than downcasting on the hot path.
type StatsProvider interface {
	// Statistics returns a point-in-time snapshot; it is never authoritative
	// and is recomputed on every call.
	Statistics(ctx context.Context) (*Statistics, error)
	// KeyInfo returns observability metadata for one key, or ErrKeyNotFound.
	KeyInfo(ctx context.Context, key string) (*KeyInfo, error)
}
