package cachestore

import (
	"context"
	"time"
)

// NoopStore satisfies the store contracts while caching nothing: every read
// misses and every write succeeds silently. It backs the global disable
// switch so callers never branch on whether caching is on.
type NoopStore struct{}

// NewNoopStore returns the disabled-cache store.
func NewNoopStore() *NoopStore { return &NoopStore{} }

func (*NoopStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (*NoopStore) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (*NoopStore) SetTagged(context.Context, string, []byte, time.Duration, []string) error {
	return nil
}

func (*NoopStore) Remove(context.Context, string) error { return nil }

func (*NoopStore) RemoveByPattern(context.Context, string) (int, error) { return 0, nil }

func (*NoopStore) Exists(context.Context, string) (bool, error) { return false, nil }

func (*NoopStore) Refresh(context.Context, string, time.Duration) error { return ErrKeyNotFound }

// GetOrSet always recomputes; the disabled cache stores nothing.
func (*NoopStore) GetOrSet(ctx context.Context, _ string, factory Factory, _ time.Duration) ([]byte, error) {
	if factory == nil {
		return nil, ErrNilFactory
	}
	return factory(ctx)
}

func (*NoopStore) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	return make(map[string][]byte, len(keys)), nil
}

func (*NoopStore) SetMany(context.Context, map[string][]byte, time.Duration) error { return nil }

func (*NoopStore) Keys(context.Context, string) ([]string, error) { return nil, nil }

func (*NoopStore) InvalidateByTags(context.Context, ...string) (int, error) { return 0, nil }

func (*NoopStore) ClearAll(context.Context) error { return nil }

func (*NoopStore) Close() error { return nil }
