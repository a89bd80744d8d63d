package cachestore

import (
	"context"
	"time"
)

// TypedFactory computes a typed value for a key on a cache miss.
type TypedFactory[V any] func(ctx context.Context) (V, error)

// GetAs retrieves key and decodes the payload into V. A payload that no
// longer decodes (for example after a type change between deploys) is
// reported as a miss alongside the decode error, never as a hard failure.
func GetAs[V any](ctx context.Context, s Store, codec Codec, key string) (V, bool, error) {
	var zero V
	data, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return zero, false, err
	}
	var v V
	if err := codec.Unmarshal(data, &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// SetAs encodes v and stores it under key.
func SetAs[V any](ctx context.Context, s Store, codec Codec, key string, v V, ttl time.Duration) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, data, ttl)
}

// SetTaggedAs encodes v and stores it under key with invalidation tags.
func SetTaggedAs[V any](ctx context.Context, s TaggedStore, codec Codec, key string, v V, ttl time.Duration, tags []string) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return s.SetTagged(ctx, key, data, ttl, tags)
}

// GetOrSetAs is the typed form of Store.GetOrSet. When an existing payload
// fails to decode, the entry is recomputed and overwritten so one stale
// payload cannot poison the key until its TTL lapses.
func GetOrSetAs[V any](ctx context.Context, s Store, codec Codec, key string, factory TypedFactory[V], ttl time.Duration) (V, error) {
	var zero V
	if factory == nil {
		return zero, ErrNilFactory
	}

	data, err := s.GetOrSet(ctx, key, func(ctx context.Context) ([]byte, error) {
		v, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		return codec.Marshal(v)
	}, ttl)
	if err != nil {
		return zero, err
	}

	var v V
	if decodeErr := codec.Unmarshal(data, &v); decodeErr == nil {
		return v, nil
	}

	// The stored payload predates the caller's type. Recompute once and
	// overwrite the entry.
	fresh, err := factory(ctx)
	if err != nil {
		return zero, err
	}
	// The overwrite is best-effort; the computed value is what matters.
	_ = SetAs(ctx, s, codec, key, fresh, ttl)
	return fresh, nil
}
