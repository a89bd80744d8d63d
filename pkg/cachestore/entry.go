package cachestore

import (
	"sync/atomic"
	"time"
)

// Entry is the envelope an in-process tier keeps per key: the opaque payload
// plus the tags and access metadata that feed KeyInfo and Statistics.
type Entry struct {
	Payload   []byte
	Tags      []string
	CreatedAt time.Time

	ttlNanos     atomic.Int64
	hits         atomic.Int64
	lastAccessed atomic.Int64
}

func newEntry(payload []byte, tags []string, ttl time.Duration) *Entry {
	now := time.Now()
	e := &Entry{
		Payload:   payload,
		Tags:      tags,
		CreatedAt: now,
	}
	e.ttlNanos.Store(int64(ttl))
	e.lastAccessed.Store(now.UnixNano())
	return e
}

// touch records a hit on the entry.
func (e *Entry) touch() {
	e.hits.Add(1)
	e.lastAccessed.Store(time.Now().UnixNano())
}

// ttl returns the duration the entry was last armed with.
func (e *Entry) ttl() time.Duration {
	return time.Duration(e.ttlNanos.Load())
}

func (e *Entry) setTTL(ttl time.Duration) {
	e.ttlNanos.Store(int64(ttl))
}

// HitCount returns how many times the entry has been read.
func (e *Entry) HitCount() int64 {
	return e.hits.Load()
}

// LastAccessedAt returns the time of the most recent read, or the creation
// time when the entry has never been read.
func (e *Entry) LastAccessedAt() time.Time {
	return time.Unix(0, e.lastAccessed.Load())
}

// SizeBytes returns the serialized payload length used for size accounting.
func (e *Entry) SizeBytes() int64 {
	return int64(len(e.Payload))
}

func (e *Entry) info(key string, expiresAt time.Time) *KeyInfo {
	return &KeyInfo{
		Key:            key,
		SizeBytes:      e.SizeBytes(),
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt(),
		ExpiresAt:      expiresAt,
		HitCount:       e.HitCount(),
		Tags:           e.Tags,
	}
}

// KeyInfo is a read-only observability snapshot for a single key.
type KeyInfo struct {
	Key            string    `json:"key"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	HitCount       int64     `json:"hit_count"`
	Tags           []string  `json:"tags,omitempty"`
}

// Statistics is a point-in-time snapshot of a store's health and traffic.
type Statistics struct {
	Connected   bool    `json:"connected"`
	Keys        int64   `json:"keys"`
	MemoryBytes int64   `json:"memory_bytes"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Sets        int64   `json:"sets"`
	Removals    int64   `json:"removals"`
	Evictions   int64   `json:"evictions"`
	HitRatio    float64 `json:"hit_ratio"`
}

// counters aggregates per-store traffic totals without locking.
type counters struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	removals  atomic.Int64
	evictions atomic.Int64
}

// fill copies the counter values into a statistics snapshot and derives the
// hit ratio. A store with no traffic reports a ratio of zero.
func (c *counters) fill(s *Statistics) {
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Sets = c.sets.Load()
	s.Removals = c.removals.Load()
	s.Evictions = c.evictions.Load()
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
}
