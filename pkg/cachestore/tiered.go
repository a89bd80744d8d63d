// cachestore/tiered.go
package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// TieredConfig holds the configuration for the two-tier composite.
type TieredConfig struct {
	// LocalTTL caps how long a payload promoted from the remote tier lives
	// locally, keeping the local tier fresher than the shared one.
	LocalTTL time.Duration
	// PromoteTimeout bounds the background local write after a remote hit.
	PromoteTimeout time.Duration
}

// TieredStore layers a fast local tier in front of a shared remote tier. The
// remote tier is authoritative: writes land there first, reads fall back to
// it on a local miss, and remote hits are promoted into the local tier in
// the background.
type TieredStore struct {
	local  TaggedStore
	remote TaggedStore
	logger zerolog.Logger
	cfg    TieredConfig
	stats  counters

	// Capability views of the tiers, resolved once at composition.
	localStats  StatsProvider
	remoteStats StatsProvider
}

// NewTieredStore composes the two tiers.
func NewTieredStore(local, remote TaggedStore, cfg TieredConfig, logger zerolog.Logger) *TieredStore {
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = 5 * time.Minute
	}
	if cfg.PromoteTimeout <= 0 {
		cfg.PromoteTimeout = 10 * time.Second
	}
	s := &TieredStore{
		local:  local,
		remote: remote,
		logger: logger.With().Str("component", "TieredStore").Logger(),
		cfg:    cfg,
	}
	s.localStats, _ = local.(StatsProvider)
	s.remoteStats, _ = remote.(StatsProvider)
	return s
}

// Get checks the local tier first and falls back to the remote tier,
// promoting remote hits locally off the request path.
func (s *TieredStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if data, found, err := s.local.Get(ctx, key); err == nil && found {
		s.stats.hits.Add(1)
		return data, true, nil
	}

	data, found, err := s.remote.Get(ctx, key)
	if err != nil || !found {
		s.stats.misses.Add(1)
		return nil, false, err
	}

	s.stats.hits.Add(1)
	s.promote(key, data)
	return data, true, nil
}

// promote writes a remote hit into the local tier in the background so the
// read path never waits on the second write.
func (s *TieredStore) promote(key string, data []byte) {
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.PromoteTimeout)
		defer cancel()
		if err := s.local.Set(writeCtx, key, data, s.cfg.LocalTTL); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Failed to promote key into local tier.")
		}
	}()
}

// Set writes to the remote tier first, then mirrors locally. The remote
// error, if any, is returned; the local write is best-effort.
func (s *TieredStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	remoteErr := s.remote.Set(ctx, key, value, ttl)
	if err := s.local.Set(ctx, key, value, localTTL(ttl, s.cfg.LocalTTL)); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to mirror key into local tier.")
	}
	if remoteErr == nil {
		s.stats.sets.Add(1)
	}
	return remoteErr
}

// SetTagged writes to both tiers with tags so tag invalidation clears each.
func (s *TieredStore) SetTagged(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	remoteErr := s.remote.SetTagged(ctx, key, value, ttl, tags)
	if err := s.local.SetTagged(ctx, key, value, localTTL(ttl, s.cfg.LocalTTL), tags); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to mirror tagged key into local tier.")
	}
	if remoteErr == nil {
		s.stats.sets.Add(1)
	}
	return remoteErr
}

// Remove deletes the key from both tiers.
func (s *TieredStore) Remove(ctx context.Context, key string) error {
	localErr := s.local.Remove(ctx, key)
	remoteErr := s.remote.Remove(ctx, key)
	s.stats.removals.Add(1)
	return errors.Join(localErr, remoteErr)
}

// RemoveByPattern clears matches from both tiers; the remote count is the
// authoritative one.
func (s *TieredStore) RemoveByPattern(ctx context.Context, pattern string) (int, error) {
	if _, err := s.local.RemoveByPattern(ctx, pattern); err != nil {
		s.logger.Warn().Err(err).Str("pattern", pattern).Msg("Local pattern removal failed.")
	}
	removed, err := s.remote.RemoveByPattern(ctx, pattern)
	s.stats.removals.Add(int64(removed))
	return removed, err
}

// Exists consults the local tier before the remote one.
func (s *TieredStore) Exists(ctx context.Context, key string) (bool, error) {
	if found, err := s.local.Exists(ctx, key); err == nil && found {
		return true, nil
	}
	return s.remote.Exists(ctx, key)
}

// Refresh re-arms the key in both tiers. A key only present remotely is not
// an error locally.
func (s *TieredStore) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.local.Refresh(ctx, key, localTTL(ttl, s.cfg.LocalTTL)); err != nil && !errors.Is(err, ErrKeyNotFound) {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to refresh key in local tier.")
	}
	return s.remote.Refresh(ctx, key, ttl)
}

// GetOrSet reads through both tiers, computing and storing on a full miss.
func (s *TieredStore) GetOrSet(ctx context.Context, key string, factory Factory, ttl time.Duration) ([]byte, error) {
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

// GetMany serves what it can locally and fetches the remainder remotely in
// one batch, promoting those hits in the background.
func (s *TieredStore) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	result, err := s.local.GetMany(ctx, keys)
	if err != nil {
		result = make(map[string][]byte)
	}

	var missing []string
	for _, key := range keys {
		if _, found := result[key]; !found {
			missing = append(missing, key)
		}
	}
	s.stats.hits.Add(int64(len(result)))

	if len(missing) == 0 {
		return result, nil
	}

	remote, err := s.remote.GetMany(ctx, missing)
	if err != nil {
		s.stats.misses.Add(int64(len(missing)))
		return result, err
	}
	for key, data := range remote {
		result[key] = data
		s.promote(key, data)
	}
	s.stats.hits.Add(int64(len(remote)))
	s.stats.misses.Add(int64(len(missing) - len(remote)))
	return result, nil
}

// SetMany writes the batch to both tiers.
func (s *TieredStore) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	remoteErr := s.remote.SetMany(ctx, entries, ttl)
	if err := s.local.SetMany(ctx, entries, localTTL(ttl, s.cfg.LocalTTL)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to mirror batch into local tier.")
	}
	if remoteErr == nil {
		s.stats.sets.Add(int64(len(entries)))
	}
	return remoteErr
}

// Keys enumerates the remote tier's key space, falling back to the local
// tier when the remote one is unreachable.
func (s *TieredStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.remote.Keys(ctx, pattern)
	if err != nil {
		s.logger.Warn().Err(err).Str("pattern", pattern).Msg("Remote key enumeration failed; using local tier.")
		return s.local.Keys(ctx, pattern)
	}
	return keys, nil
}

// InvalidateByTags clears the tags from both tiers; the remote count is the
// authoritative one.
func (s *TieredStore) InvalidateByTags(ctx context.Context, tags ...string) (int, error) {
	if _, err := s.local.InvalidateByTags(ctx, tags...); err != nil {
		s.logger.Warn().Err(err).Msg("Local tag invalidation failed.")
	}
	removed, err := s.remote.InvalidateByTags(ctx, tags...)
	s.stats.removals.Add(int64(removed))
	return removed, err
}

// ClearAll flushes both tiers.
func (s *TieredStore) ClearAll(ctx context.Context) error {
	localErr := s.local.ClearAll(ctx)
	remoteErr := s.remote.ClearAll(ctx)
	return errors.Join(localErr, remoteErr)
}

// Statistics merges the composite's own traffic counters with the remote
// tier's footprint and the local tier's eviction pressure.
func (s *TieredStore) Statistics(ctx context.Context) (*Statistics, error) {
	snap := &Statistics{}
	s.stats.fill(snap)

	if s.remoteStats != nil {
		if remote, err := s.remoteStats.Statistics(ctx); err == nil {
			snap.Connected = remote.Connected
			snap.Keys = remote.Keys
			snap.MemoryBytes = remote.MemoryBytes
		}
	} else {
		snap.Connected = true
	}
	if s.localStats != nil {
		if local, err := s.localStats.Statistics(ctx); err == nil {
			snap.Evictions = local.Evictions
		}
	}
	return snap, nil
}

// KeyInfo prefers the local tier, which carries access metadata, and falls
// back to the remote tier's size and expiry view.
func (s *TieredStore) KeyInfo(ctx context.Context, key string) (*KeyInfo, error) {
	if s.localStats != nil {
		if info, err := s.localStats.KeyInfo(ctx, key); err == nil {
			return info, nil
		}
	}
	if s.remoteStats != nil {
		return s.remoteStats.KeyInfo(ctx, key)
	}
	return nil, ErrKeyNotFound
}

// Close closes both tiers.
func (s *TieredStore) Close() error {
	return errors.Join(s.local.Close(), s.remote.Close())
}

// localTTL keeps local copies from outliving the remote entry or the local
// cap, whichever is shorter.
func localTTL(ttl, limit time.Duration) time.Duration {
	if ttl <= 0 || ttl > limit {
		return limit
	}
	return ttl
}
