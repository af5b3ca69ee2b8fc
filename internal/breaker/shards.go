package breaker

import (
	"hash/maphash"
	"sync"
)

// shard is one slice of the key space.
type shard struct {
	mu       sync.RWMutex
	breakers map[Key]*breaker
}

// shards spreads breakers over shardCount maps. maphash is seeded once so
// shard selection allocates nothing.
type shards struct {
	seed maphash.Seed
	s    [shardCount]*shard
}

func newShards() shards {
	sh := shards{seed: maphash.MakeSeed()}
	for i := range shardCount {
		sh.s[i] = &shard{breakers: make(map[Key]*breaker)}
	}
	return sh
}

func (sh *shards) pick(k Key) *shard {
	var h maphash.Hash
	h.SetSeed(sh.seed)
	h.WriteString(k.UserID)
	h.WriteByte(0)
	h.WriteString(k.BotID)
	return sh.s[h.Sum64()&(shardCount-1)]
}

func (sh *shards) get(k Key) (*breaker, bool) {
	s := sh.pick(k)
	s.mu.RLock()
	b, ok := s.breakers[k]
	s.mu.RUnlock()
	return b, ok
}

func (sh *shards) getOrCreate(k Key) *breaker {
	if b, ok := sh.get(k); ok {
		return b
	}
	s := sh.pick(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[k]; ok {
		return b
	}
	b := &breaker{state: Closed}
	s.breakers[k] = b
	return b
}

func (sh *shards) remove(k Key) bool {
	s := sh.pick(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.breakers[k]; !ok {
		return false
	}
	delete(s.breakers, k)
	return true
}

func (sh *shards) removeWhere(match func(Key) bool) int {
	n := 0
	for _, s := range sh.s {
		s.mu.Lock()
		for k := range s.breakers {
			if match(k) {
				delete(s.breakers, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (sh *shards) keys() []Key {
	var out []Key
	for _, s := range sh.s {
		s.mu.RLock()
		for k := range s.breakers {
			out = append(out, k)
		}
		s.mu.RUnlock()
	}
	return out
}
