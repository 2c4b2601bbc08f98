package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const memoryShards = 16

// Memory is an in-process cache: per-shard map + LRU list with a
// total entry bound, TTL checked lazily on lookup. Safe for
// concurrent use; unrelated keys do not contend on one lock.
type Memory struct {
	shards [memoryShards]*memShard
	now    func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	stores    atomic.Int64
	evictions atomic.Int64
}

type memShard struct {
	mu      sync.Mutex
	max     int
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type memItem struct {
	key       string
	entry     *Entry
	expiresAt time.Time
}

// NewMemory builds a memory cache holding at most maxEntries values.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	perShard := maxEntries / memoryShards
	if perShard < 1 {
		perShard = 1
	}
	m := &Memory{now: time.Now}
	for i := range m.shards {
		m.shards[i] = &memShard{
			max:     perShard,
			entries: make(map[string]*list.Element),
			order:   list.New(),
		}
	}
	return m
}

func (m *Memory) shard(key string) *memShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%memoryShards]
}

// Lookup returns the entry for key unless it is absent or expired.
// Expired entries are evicted in place.
func (m *Memory) Lookup(_ context.Context, key string) (*Entry, bool, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}
	item := el.Value.(*memItem)
	if m.now().After(item.expiresAt) {
		s.order.Remove(el)
		delete(s.entries, key)
		m.evictions.Add(1)
		m.misses.Add(1)
		return nil, false, nil
	}
	s.order.MoveToFront(el)
	m.hits.Add(1)
	return item.entry, true, nil
}

// Store inserts or replaces the entry for key with the given TTL.
func (m *Memory) Store(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	now := m.now()
	stored := *entry
	stored.InsertedAt = now
	item := &memItem{key: key, entry: &stored, expiresAt: now.Add(ttl)}

	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		el.Value = item
		s.order.MoveToFront(el)
	} else {
		s.entries[key] = s.order.PushFront(item)
		if s.order.Len() > s.max {
			oldest := s.order.Back()
			if oldest != nil {
				s.order.Remove(oldest)
				delete(s.entries, oldest.Value.(*memItem).key)
				m.evictions.Add(1)
			}
		}
	}
	m.stores.Add(1)
	return nil
}

// Purge drops everything.
func (m *Memory) Purge(_ context.Context) error {
	for _, s := range m.shards {
		s.mu.Lock()
		s.entries = make(map[string]*list.Element)
		s.order.Init()
		s.mu.Unlock()
	}
	return nil
}

// Sweep removes expired entries eagerly. Optional; lookups already
// evict lazily and the LRU bound caps memory.
func (m *Memory) Sweep() int {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for el := s.order.Back(); el != nil; {
			prev := el.Prev()
			item := el.Value.(*memItem)
			if now.After(item.expiresAt) {
				s.order.Remove(el)
				delete(s.entries, item.key)
				m.evictions.Add(1)
				removed++
			}
			el = prev
		}
		s.mu.Unlock()
	}
	return removed
}

func (m *Memory) Stats(_ context.Context) Stats {
	var entries int64
	for _, s := range m.shards {
		s.mu.Lock()
		entries += int64(s.order.Len())
		s.mu.Unlock()
	}
	return Stats{
		Backend:   "memory",
		Entries:   entries,
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Stores:    m.stores.Load(),
		Evictions: m.evictions.Load(),
	}
}
