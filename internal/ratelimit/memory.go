package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// Store holds entries per key. Apply is the only way to read-modify-write:
// fn runs under the key's lock, so two requests for one key never both see
// the same count.
type Store interface {
	Get(key string) (Entry, bool)
	Set(key string, e Entry)
	Apply(key string, fn func(cur Entry, exists bool) (next Entry, write bool))
	Sweep(now time.Time) int
	Len() int
}

// MemoryStore is a sharded in-process Store. Keys on different shards never
// contend; each shard is guarded by its own mutex.
type MemoryStore struct {
	shards   [shardCount]*shard
	maxShard int // 0 = unbounded
}

type shard struct {
	mu      sync.Mutex
	entries map[string]Entry
}

type MemoryOption func(*MemoryStore)

// WithMaxEntries caps the number of tracked keys (approximately, per shard).
// A full shard evicts the entry whose window ends soonest.
func WithMaxEntries(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n <= 0 {
			s.maxShard = 0
			return
		}
		s.maxShard = (n + shardCount - 1) / shardCount
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]Entry)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Get(key string) (Entry, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	return e, ok
}

func (s *MemoryStore) Set(key string, e Entry) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s.put(sh, key, e)
}

func (s *MemoryStore) Apply(key string, fn func(Entry, bool) (Entry, bool)) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.entries[key]
	next, write := fn(cur, ok)
	if write {
		s.put(sh, key, next)
	}
}

// put must be called with sh.mu held.
func (s *MemoryStore) put(sh *shard, key string, e Entry) {
	if _, exists := sh.entries[key]; !exists && s.maxShard > 0 && len(sh.entries) >= s.maxShard {
		evictSoonest(sh)
	}
	sh.entries[key] = e
}

// evictSoonest drops the entry whose window ends first; expired entries
// always end before live ones.
func evictSoonest(sh *shard) {
	var (
		victim  string
		soonest time.Time
		found   bool
	)
	for k, e := range sh.entries {
		if !found || e.ResetAt.Before(soonest) {
			victim, soonest, found = k, e.ResetAt, true
		}
	}
	if found {
		delete(sh.entries, victim)
	}
}

// Sweep removes entries whose window has elapsed and returns how many went.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.Expired(now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// StartJanitor sweeps expired entries every interval until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, every time.Duration, onSweep func(removed int)) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				n := s.Sweep(now)
				if onSweep != nil {
					onSweep(n)
				}
			}
		}
	}()
}

// FixedWindow is a Limiter over any Store.
type FixedWindow struct {
	policy Policy
	store  Store
}

func NewFixedWindow(p Policy, store Store) *FixedWindow {
	if store == nil {
		store = NewMemoryStore()
	}
	return &FixedWindow{policy: p, store: store}
}

var _ Limiter = (*FixedWindow)(nil)

func (l *FixedWindow) Policy() Policy { return l.policy }

func (l *FixedWindow) Allow(_ context.Context, key string, now time.Time) bool {
	if l.policy.Disabled() {
		return true
	}

	var admitted bool
	l.store.Apply(key, func(cur Entry, exists bool) (Entry, bool) {
		next, ok, write := l.policy.Step(cur, exists, now)
		admitted = ok
		return next, write
	})
	return admitted
}

func (l *FixedWindow) Peek(_ context.Context, key string) (Entry, bool) {
	return l.store.Get(key)
}
