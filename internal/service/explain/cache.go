package explain

import (
	"hash/fnv"
	"sync"
)

const cacheShards = 16

// memCache is a sharded string map; writers to different keys rarely share
// a lock.
type memCache struct {
	shards [cacheShards]struct {
		mu sync.RWMutex
		m  map[string]string
	}
}

func newMemCache() *memCache {
	c := &memCache{}
	for i := range c.shards {
		c.shards[i].m = make(map[string]string)
	}
	return c
}

func (c *memCache) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % cacheShards)
}

func (c *memCache) get(key string) (string, bool) {
	s := &c.shards[c.shard(key)]
	s.mu.RLock()
	v, ok := s.m[key]
	s.mu.RUnlock()
	return v, ok
}

func (c *memCache) put(key, val string) {
	s := &c.shards[c.shard(key)]
	s.mu.Lock()
	s.m[key] = val
	s.mu.Unlock()
}

func (c *memCache) delete(key string) {
	s := &c.shards[c.shard(key)]
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}
