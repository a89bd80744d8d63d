// cachestore/memory.go
package cachestore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// MemoryConfig holds the configuration for the in-process cache tier.
type MemoryConfig struct {
	// DefaultTTL applies when Set is called with a zero ttl. Zero keeps
	// entries until they are removed or evicted.
	DefaultTTL time.Duration
	// CleanupInterval is the cadence of the expired-entry sweep.
	CleanupInterval time.Duration
	// MaxEntries is a soft cap on the number of entries. When an insert
	// would breach it, expired entries are purged first and then the least
	// recently accessed entry is evicted. Zero disables the cap.
	MaxEntries int
	// SlidingExpiry re-arms an entry's TTL on every hit, so only idle
	// entries expire.
	SlidingExpiry bool
	// TagTTL bounds the lifetime of tag index entries.
	TagTTL time.Duration
	// OnEvicted is invoked after an entry is removed by expiry or by the
	// capacity policy, never by an explicit Remove or an overwrite.
	OnEvicted func(key string, entry *Entry)
}

// MemoryStore is the process-local cache tier. It keeps serialized payloads
// in a TTL map with a janitor sweep, tracks per-key access metadata, and
// maintains a companion tag index for bulk invalidation.
type MemoryStore struct {
	backend *gocache.Cache
	index   *tagIndex
	logger  zerolog.Logger
	cfg     MemoryConfig

	stats counters
	bytes atomic.Int64

	// explicit marks keys mid-removal so the backend's eviction hook can
	// tell deliberate deletes from evictions.
	explicit sync.Map

	mu sync.Mutex // serializes capacity eviction scans
}

// NewMemoryStore creates the local tier. It cannot fail; zero config fields
// fall back to defaults.
func NewMemoryStore(cfg MemoryConfig, logger zerolog.Logger) *MemoryStore {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.TagTTL <= 0 {
		cfg.TagTTL = DefaultTagTTL
	}

	s := &MemoryStore{
		backend: gocache.New(gocache.NoExpiration, cfg.CleanupInterval),
		index:   newTagIndex(cfg.TagTTL),
		logger:  logger.With().Str("component", "MemoryStore").Logger(),
		cfg:     cfg,
	}
	s.backend.OnEvicted(s.handleEviction)
	return s
}

// Get retrieves the payload for key and records the access.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, found := s.backend.Get(key)
	if !found {
		s.stats.misses.Add(1)
		return nil, false, nil
	}
	e, ok := v.(*Entry)
	if !ok {
		s.stats.misses.Add(1)
		return nil, false, nil
	}

	e.touch()
	s.stats.hits.Add(1)
	if s.cfg.SlidingExpiry {
		if ttl := e.ttl(); ttl > 0 {
			s.backend.Set(key, e, ttl)
		}
	}
	return e.Payload, true, nil
}

// Set stores the payload under key with no tags.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.SetTagged(ctx, key, value, ttl, nil)
}

// SetTagged stores the payload and registers the key under each tag. The
// write and the index update are applied sequentially; the window between
// them is an accepted inconsistency for an in-process tier.
func (s *MemoryStore) SetTagged(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	// An overwrite bypasses the eviction hook, and the backend hides expired
	// entries from reads until the janitor sweep, so the previous entry is
	// retired with an expiry-blind delete before the write.
	s.removeExplicit(key)
	s.evictForCapacity()

	e := newEntry(value, tags, ttl)
	s.backend.Set(key, e, backendExpiration(ttl))
	s.bytes.Add(e.SizeBytes())
	for _, tag := range tags {
		s.index.add(tag, key)
	}
	s.stats.sets.Add(1)
	return nil
}

// Remove deletes a single key.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.removeExplicit(key)
	s.stats.removals.Add(1)
	return nil
}

// RemoveByPattern deletes every key matching the glob pattern and returns
// how many keys the scan matched.
func (s *MemoryStore) RemoveByPattern(ctx context.Context, pattern string) (int, error) {
	keys, err := s.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		s.removeExplicit(key)
	}
	s.stats.removals.Add(int64(len(keys)))
	return len(keys), nil
}

// Exists reports presence without touching access metadata.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	_, found := s.backend.Get(key)
	return found, nil
}

// Refresh re-arms the TTL of an existing entry.
func (s *MemoryStore) Refresh(_ context.Context, key string, ttl time.Duration) error {
	v, found := s.backend.Get(key)
	if !found {
		return ErrKeyNotFound
	}
	e, ok := v.(*Entry)
	if !ok {
		return ErrKeyNotFound
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	e.setTTL(ttl)
	s.backend.Set(key, e, backendExpiration(ttl))
	return nil
}

// GetOrSet returns the cached payload or computes, stores, and returns it.
// A failed store write is logged and the computed value still returned;
// caching stays best-effort.
func (s *MemoryStore) GetOrSet(ctx context.Context, key string, factory Factory, ttl time.Duration) ([]byte, error) {
	if data, found, err := s.Get(ctx, key); err == nil && found {
		return data, nil
	}
	if factory == nil {
		return nil, ErrNilFactory
	}

	value, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	if setErr := s.Set(ctx, key, value, ttl); setErr != nil {
		s.logger.Warn().Err(setErr).Str("key", key).Msg("Failed to store computed value.")
	}
	return value, nil
}

// GetMany retrieves the payloads present for the given keys.
func (s *MemoryStore) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if data, found, _ := s.Get(ctx, key); found {
			result[key] = data
		}
	}
	return result, nil
}

// SetMany stores every entry under one ttl.
func (s *MemoryStore) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	for key, value := range entries {
		if err := s.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns every unexpired key matching the glob pattern.
func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	re, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	var keys []string
	for key := range s.backend.Items() {
		if re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// InvalidateByTags removes every key indexed under any of the given tags and
// clears those tag entries.
func (s *MemoryStore) InvalidateByTags(_ context.Context, tags ...string) (int, error) {
	removed := 0
	seen := make(map[string]struct{})
	for _, tag := range tags {
		for _, key := range s.index.keys(tag) {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if _, found := s.backend.Get(key); !found {
				continue
			}
			s.removeExplicit(key)
			s.stats.removals.Add(1)
			removed++
		}
		s.index.drop(tag)
	}
	return removed, nil
}

// ClearAll drops every entry and the whole tag index.
func (s *MemoryStore) ClearAll(_ context.Context) error {
	n := s.backend.ItemCount()
	s.backend.Flush()
	s.index.clear()
	s.bytes.Store(0)
	s.stats.removals.Add(int64(n))
	return nil
}

// Statistics returns a snapshot of the tier's traffic and footprint.
func (s *MemoryStore) Statistics(_ context.Context) (*Statistics, error) {
	snap := &Statistics{
		Connected:   true,
		Keys:        int64(s.backend.ItemCount()),
		MemoryBytes: s.bytes.Load(),
	}
	s.stats.fill(snap)
	return snap, nil
}

// KeyInfo returns observability metadata for one key.
func (s *MemoryStore) KeyInfo(_ context.Context, key string) (*KeyInfo, error) {
	v, expiresAt, found := s.backend.GetWithExpiration(key)
	if !found {
		return nil, ErrKeyNotFound
	}
	e, ok := v.(*Entry)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return e.info(key, expiresAt), nil
}

// Close releases the tier's contents.
func (s *MemoryStore) Close() error {
	s.backend.Flush()
	s.index.clear()
	s.bytes.Store(0)
	return nil
}

// removeExplicit deletes key while suppressing the eviction callback and
// eviction counting; index and size bookkeeping still run through the hook.
func (s *MemoryStore) removeExplicit(key string) {
	s.explicit.Store(key, struct{}{})
	s.backend.Delete(key)
	s.explicit.Delete(key)
}

// handleEviction is the backend hook for every delete and expiry sweep.
func (s *MemoryStore) handleEviction(key string, value interface{}) {
	e, ok := value.(*Entry)
	if !ok {
		return
	}
	s.bytes.Add(-e.SizeBytes())
	s.index.removeKey(key, e.Tags)

	if _, deliberate := s.explicit.Load(key); deliberate {
		return
	}
	s.stats.evictions.Add(1)
	if s.cfg.OnEvicted != nil {
		s.cfg.OnEvicted(key, e)
	}
}

// evictForCapacity enforces the soft entry cap before an insert. Expired
// entries go first; if the store is still full the least recently accessed
// entry is evicted. The caller has already retired any previous entry under
// the incoming key, so a full store here means real growth.
func (s *MemoryStore) evictForCapacity() {
	if s.cfg.MaxEntries <= 0 || s.backend.ItemCount() < s.cfg.MaxEntries {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.backend.DeleteExpired()
	if s.backend.ItemCount() < s.cfg.MaxEntries {
		return
	}

	victim := ""
	var oldest time.Time
	for key, item := range s.backend.Items() {
		e, ok := item.Object.(*Entry)
		if !ok {
			continue
		}
		if accessed := e.LastAccessedAt(); victim == "" || accessed.Before(oldest) {
			victim = key
			oldest = accessed
		}
	}
	if victim == "" {
		return
	}
	s.logger.Debug().Str("key", victim).Int("max_entries", s.cfg.MaxEntries).Msg("Evicting least recently accessed entry.")
	s.backend.Delete(victim)
}

// backendExpiration maps the contract's ttl semantics onto the backend's
// sentinel values.
func backendExpiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}
