package cachestore

import (
	"sync"
	"time"
)

// DefaultTagTTL bounds how long a tag entry outlives its last write, so
// abandoned tags cannot grow the index without limit.
const DefaultTagTTL = 24 * time.Hour

// tagIndex tracks tag -> key-set membership for stores whose backend has no
// native set type. Each tag owns its own lock, so writers on unrelated tags
// never contend.
type tagIndex struct {
	ttl  time.Duration
	tags sync.Map // tag string -> *tagEntry
}

type tagEntry struct {
	mu       sync.Mutex
	keys     map[string]struct{} // nil marks an entry pruned mid-flight
	deadline time.Time
}

func newTagIndex(ttl time.Duration) *tagIndex {
	if ttl <= 0 {
		ttl = DefaultTagTTL
	}
	return &tagIndex{ttl: ttl}
}

// add registers key under tag and re-arms the tag's lifetime.
func (ti *tagIndex) add(tag, key string) {
	deadline := time.Now().Add(ti.ttl)
	for {
		v, _ := ti.tags.LoadOrStore(tag, &tagEntry{keys: make(map[string]struct{})})
		e := v.(*tagEntry)
		e.mu.Lock()
		if e.keys == nil {
			// Lost a race with a prune; the map slot may hold the dead entry.
			e.mu.Unlock()
			ti.tags.CompareAndDelete(tag, v)
			continue
		}
		e.keys[key] = struct{}{}
		e.deadline = deadline
		e.mu.Unlock()
		return
	}
}

// removeKey drops key from each of the given tags, pruning tags left empty.
func (ti *tagIndex) removeKey(key string, tags []string) {
	for _, tag := range tags {
		v, ok := ti.tags.Load(tag)
		if !ok {
			continue
		}
		e := v.(*tagEntry)
		e.mu.Lock()
		if e.keys != nil {
			delete(e.keys, key)
			if len(e.keys) == 0 {
				e.keys = nil
				ti.tags.CompareAndDelete(tag, v)
			}
		}
		e.mu.Unlock()
	}
}

// keys returns a copy of the members of tag, or nil when the tag is absent
// or its lifetime has lapsed. A lapsed tag is pruned on the way out.
func (ti *tagIndex) keys(tag string) []string {
	v, ok := ti.tags.Load(tag)
	if !ok {
		return nil
	}
	e := v.(*tagEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keys == nil {
		return nil
	}
	if time.Now().After(e.deadline) {
		e.keys = nil
		ti.tags.CompareAndDelete(tag, v)
		return nil
	}
	members := make([]string, 0, len(e.keys))
	for k := range e.keys {
		members = append(members, k)
	}
	return members
}

// drop removes the given tag entries entirely.
func (ti *tagIndex) drop(tags ...string) {
	for _, tag := range tags {
		v, ok := ti.tags.Load(tag)
		if !ok {
			continue
		}
		e := v.(*tagEntry)
		e.mu.Lock()
		e.keys = nil
		ti.tags.CompareAndDelete(tag, v)
		e.mu.Unlock()
	}
}

// clear empties the whole index.
func (ti *tagIndex) clear() {
	ti.tags.Range(func(k, v any) bool {
		e := v.(*tagEntry)
		e.mu.Lock()
		e.keys = nil
		e.mu.Unlock()
		ti.tags.Delete(k)
		return true
	})
}
