package cachestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the remote cache tier.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// DefaultTTL applies when Set is called with a zero ttl. Zero keeps
	// entries without expiry.
	DefaultTTL time.Duration
	// KeyPrefix namespaces every key and tag set, letting the store share a
	// database. Leave empty to own the whole database.
	KeyPrefix string
	// TagTTL bounds the lifetime of tag sets.
	TagTTL time.Duration
	// ScanCount is the COUNT hint for key-space scans.
	ScanCount int64
}

// RedisStore is the network-backed cache tier. Payloads are stored as plain
// byte strings; tag membership uses native sets with a bounded lifetime.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
	cfg    RedisConfig
	stats  counters
}

// NewRedisStore creates and connects the remote tier. It pings the server to
// ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	if cfg.TagTTL <= 0 {
		cfg.TagTTL = DefaultTagTTL
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 100
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisStore{
		client: rdb,
		logger: logger.With().Str("component", "RedisStore").Logger(),
		cfg:    cfg,
	}, nil
}

func (s *RedisStore) k(key string) string {
	return s.cfg.KeyPrefix + key
}

func (s *RedisStore) tagKey(tag string) string {
	return s.cfg.KeyPrefix + "tag:" + tag
}

// Get retrieves the payload for key. Backend trouble is logged and surfaced
// as a miss so callers never depend on the cache being up.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.k(key)).Bytes()
	if err != nil {
		s.stats.misses.Add(1)
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		s.logger.Warn().Err(err).Str("key", key).Msg("Redis get failed; treating as a miss.")
		return nil, false, err
	}
	s.stats.hits.Add(1)
	return data, true, nil
}

// Set stores the payload under key with no tags.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if err := s.client.Set(ctx, s.k(key), value, ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to set key in Redis.")
		return err
	}
	s.stats.sets.Add(1)
	return nil
}

// SetTagged stores the payload and registers the key in each tag set inside
// one transactional pipeline. On pipeline failure the writes degrade to
// independent commands.
func (s *RedisStore) SetTagged(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if len(tags) == 0 {
		return s.Set(ctx, key, value, ttl)
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.k(key), value, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, s.tagKey(tag), key)
		pipe.Expire(ctx, s.tagKey(tag), s.cfg.TagTTL)
	}
	_, err := pipe.Exec(ctx)
	if err == nil {
		s.stats.sets.Add(1)
		return nil
	}
	s.logger.Warn().Err(err).Str("key", key).Msg("Tagged write pipeline failed; retrying commands individually.")

	if err := s.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	for _, tag := range tags {
		if err := s.client.SAdd(ctx, s.tagKey(tag), key).Err(); err != nil {
			s.logger.Warn().Err(err).Str("tag", tag).Msg("Failed to register key under tag.")
			continue
		}
		_ = s.client.Expire(ctx, s.tagKey(tag), s.cfg.TagTTL).Err()
	}
	return nil
}

// Remove deletes a single key.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	n, err := s.client.Del(ctx, s.k(key)).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to delete key from Redis.")
		return err
	}
	s.stats.removals.Add(n)
	return nil
}

// RemoveByPattern scans the key space for the glob pattern and deletes
// matches in batches, returning the number of keys actually removed.
func (s *RedisStore) RemoveByPattern(ctx context.Context, pattern string) (int, error) {
	removed := 0
	batch := make([]string, 0, s.cfg.ScanCount)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		removed += int(n)
		batch = batch[:0]
		return nil
	}

	iter := s.client.Scan(ctx, 0, s.redisPattern(pattern), s.cfg.ScanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if s.isTagKey(key) {
			continue
		}
		batch = append(batch, key)
		if len(batch) >= int(s.cfg.ScanCount) {
			if err := flush(); err != nil {
				s.logger.Warn().Err(err).Str("pattern", pattern).Msg("Failed to delete batch of matched keys.")
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn().Err(err).Str("pattern", pattern).Msg("Key-space scan failed.")
		return removed, err
	}
	if err := flush(); err != nil {
		s.logger.Warn().Err(err).Str("pattern", pattern).Msg("Failed to delete batch of matched keys.")
		return removed, err
	}

	s.stats.removals.Add(int64(removed))
	return removed, nil
}

// Exists reports whether key is present.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.k(key)).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Redis exists check failed.")
		return false, err
	}
	return n > 0, nil
}

// Refresh extends the TTL of an existing key; a zero configured default
// removes the expiry instead.
func (s *RedisStore) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl <= 0 {
		ok, err := s.client.Persist(ctx, s.k(key)).Result()
		if err != nil {
			return err
		}
		if !ok {
			// Persist also reports false for keys that exist without a TTL.
			n, err := s.client.Exists(ctx, s.k(key)).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				return ErrKeyNotFound
			}
		}
		return nil
	}

	ok, err := s.client.Expire(ctx, s.k(key), ttl).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to refresh key TTL.")
		return err
	}
	if !ok {
		return ErrKeyNotFound
	}
	return nil
}

// GetOrSet returns the cached payload or computes, stores, and returns it.
// A failed cache write is logged and the computed value still returned.
func (s *RedisStore) GetOrSet(ctx context.Context, key string, factory Factory, ttl time.Duration) ([]byte, error) {
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

// GetMany fetches all keys in one MGET round trip, degrading to per-key gets
// if the batch fails.
func (s *RedisStore) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = s.k(key)
	}
	values, err := s.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		s.logger.Warn().Err(err).Int("keys", len(keys)).Msg("Batch get failed; retrying keys individually.")
		for _, key := range keys {
			if data, found, _ := s.Get(ctx, key); found {
				result[key] = data
			}
		}
		return result, nil
	}

	for i, raw := range values {
		if raw == nil {
			s.stats.misses.Add(1)
			continue
		}
		if str, ok := raw.(string); ok {
			result[keys[i]] = []byte(str)
			s.stats.hits.Add(1)
		}
	}
	return result, nil
}

// SetMany writes all entries in one pipeline, degrading to per-key writes if
// the batch fails.
func (s *RedisStore) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	pipe := s.client.TxPipeline()
	for key, value := range entries {
		pipe.Set(ctx, s.k(key), value, ttl)
	}
	_, err := pipe.Exec(ctx)
	if err == nil {
		s.stats.sets.Add(int64(len(entries)))
		return nil
	}
	s.logger.Warn().Err(err).Int("entries", len(entries)).Msg("Batch write pipeline failed; retrying keys individually.")

	var lastErr error
	for key, value := range entries {
		if err := s.Set(ctx, key, value, ttl); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Keys returns every key matching the glob pattern, with the configured
// prefix stripped.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.redisPattern(pattern), s.cfg.ScanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if s.isTagKey(key) {
			continue
		}
		keys = append(keys, strings.TrimPrefix(key, s.cfg.KeyPrefix))
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn().Err(err).Str("pattern", pattern).Msg("Key-space scan failed.")
		return keys, err
	}
	return keys, nil
}

// InvalidateByTags removes every key registered under any of the given tags
// and deletes the tag sets themselves.
func (s *RedisStore) InvalidateByTags(ctx context.Context, tags ...string) (int, error) {
	seen := make(map[string]struct{})
	var doomed []string
	for _, tag := range tags {
		members, err := s.client.SMembers(ctx, s.tagKey(tag)).Result()
		if err != nil {
			s.logger.Warn().Err(err).Str("tag", tag).Msg("Failed to read tag members.")
			continue
		}
		for _, key := range members {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			doomed = append(doomed, s.k(key))
		}
	}

	removed := 0
	for start := 0; start < len(doomed); start += int(s.cfg.ScanCount) {
		end := min(start+int(s.cfg.ScanCount), len(doomed))
		n, err := s.client.Del(ctx, doomed[start:end]...).Result()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to delete tagged keys.")
			continue
		}
		removed += int(n)
	}

	tagKeys := make([]string, len(tags))
	for i, tag := range tags {
		tagKeys[i] = s.tagKey(tag)
	}
	if len(tagKeys) > 0 {
		if err := s.client.Del(ctx, tagKeys...).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to clear tag sets.")
		}
	}

	s.stats.removals.Add(int64(removed))
	return removed, nil
}

// ClearAll removes every key the store is aware of: the whole database when
// it owns one, otherwise everything under its prefix.
func (s *RedisStore) ClearAll(ctx context.Context) error {
	if s.cfg.KeyPrefix == "" {
		if err := s.client.FlushDB(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to flush Redis database.")
			return err
		}
		return nil
	}

	iter := s.client.Scan(ctx, 0, s.redisPattern("*"), s.cfg.ScanCount).Iterator()
	batch := make([]string, 0, s.cfg.ScanCount)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= int(s.cfg.ScanCount) {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return s.client.Del(ctx, batch...).Err()
	}
	return nil
}

// Statistics reports connectivity, key count, server memory usage, and the
// store's local traffic counters. It never fails: an unreachable server
// yields a snapshot with Connected=false.
func (s *RedisStore) Statistics(ctx context.Context) (*Statistics, error) {
	snap := &Statistics{}
	s.stats.fill(snap)

	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Redis unreachable while gathering statistics.")
		return snap, nil
	}
	snap.Connected = true

	if s.cfg.KeyPrefix == "" {
		if n, err := s.client.DBSize(ctx).Result(); err == nil {
			snap.Keys = n
		}
	} else {
		iter := s.client.Scan(ctx, 0, s.redisPattern("*"), s.cfg.ScanCount).Iterator()
		for iter.Next(ctx) {
			snap.Keys++
		}
	}

	if info, err := s.client.Info(ctx, "memory").Result(); err == nil {
		snap.MemoryBytes = parseInfoInt(info, "used_memory")
	}
	return snap, nil
}

// KeyInfo reports size and expiry for one key. The remote tier does not
// track per-key access metadata; those fields are always zero here.
func (s *RedisStore) KeyInfo(ctx context.Context, key string) (*KeyInfo, error) {
	n, err := s.client.Exists(ctx, s.k(key)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrKeyNotFound
	}

	info := &KeyInfo{Key: key}
	if size, err := s.client.StrLen(ctx, s.k(key)).Result(); err == nil {
		info.SizeBytes = size
	}
	if ttl, err := s.client.TTL(ctx, s.k(key)).Result(); err == nil && ttl > 0 {
		info.ExpiresAt = time.Now().Add(ttl)
	}
	return info, nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	s.logger.Info().Msg("Closing Redis client connection...")
	return s.client.Close()
}

// redisPattern escapes the characters Redis MATCH treats specially, keeping
// '*' as the only wildcard, and applies the key prefix.
func (s *RedisStore) redisPattern(pattern string) string {
	escaper := strings.NewReplacer(`\`, `\\`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return escaper.Replace(s.cfg.KeyPrefix) + escaper.Replace(pattern)
}

func (s *RedisStore) isTagKey(prefixedKey string) bool {
	return strings.HasPrefix(prefixedKey, s.cfg.KeyPrefix+"tag:")
}

// parseInfoInt pulls one integer field out of an INFO section response.
func parseInfoInt(info, field string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if rest, ok := strings.CutPrefix(line, field+":"); ok {
			v, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				return 0
			}
			return v
		}
	}
	return 0
}
