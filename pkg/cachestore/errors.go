package cachestore

import "errors"

var (
	// ErrKeyNotFound is returned by operations that require an existing key,
	// such as Refresh and KeyInfo. Plain reads report a miss instead.
	ErrKeyNotFound = errors.New("cachestore: key not found")

	// ErrNilFactory is returned by GetOrSet when no factory is supplied.
	ErrNilFactory = errors.New("cachestore: nil factory")
)
