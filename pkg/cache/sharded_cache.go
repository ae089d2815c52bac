package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Sharded is a keyed cache split across shards to keep lock contention low.
// Entries older than the TTL are treated as missing; a zero TTL never expires.
type Sharded[V any] struct {
	shards [numShards]*shard[V]
	ttl    time.Duration
	now    func() time.Time
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value     V
	updatedAt time.Time
}

// NewSharded creates a new sharded cache.
func NewSharded[V any](ttl time.Duration) *Sharded[V] {
	c := &Sharded[V]{ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return c
}

func (c *Sharded[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a value.
func (c *Sharded[V]) Set(key string, v V) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry[V]{value: v, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get retrieves a fresh value.
func (c *Sharded[V]) Get(key string) (V, bool) {
	v, age, ok := c.GetWithAge(key)
	if !ok || (c.ttl > 0 && age >= c.ttl) {
		var zero V
		return zero, false
	}
	return v, true
}

// GetWithAge retrieves a value and its age regardless of TTL.
func (c *Sharded[V]) GetWithAge(key string) (V, time.Duration, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		var zero V
		return zero, 0, false
	}
	return e.value, c.now().Sub(e.updatedAt), true
}

// Delete removes a key.
func (c *Sharded[V]) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total items across all shards.
func (c *Sharded[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *Sharded[V]) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Keys returns every cached key (for admin views).
func (c *Sharded[V]) Keys() []string {
	var out []string
	for _, s := range c.shards {
		s.mu.RLock()
		for k := range s.items {
			out = append(out, k)
		}
		s.mu.RUnlock()
	}
	return out
}
