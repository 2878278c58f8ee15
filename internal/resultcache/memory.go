package resultcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"lazybatch/internal/schema"
)

type entry struct {
	key       string
	value     interface{}
	expiresAt time.Time
	size      int64
}

// Memory is an in-process LRU backend with TTL and an approximate size bound.
type Memory struct {
	mu sync.Mutex

	items     map[string]*list.Element
	evictList *list.List // front = most recent

	maxSize     int64
	maxEntries  int
	defaultTTL  time.Duration
	currentSize int64
	now         func() time.Time

	stats Stats
}

// MemoryConfig configures a Memory backend.
type MemoryConfig struct {
	// MaxSizeBytes bounds the approximate total size of cached values.
	// Least recently used entries are evicted beyond it.
	MaxSizeBytes int64

	// MaxEntries bounds the number of entries. Zero means unbounded.
	MaxEntries int

	// DefaultTTL applies when Set is called with a non-positive TTL.
	DefaultTTL time.Duration
}

// NewMemory creates an in-memory backend.
func NewMemory(cfg MemoryConfig) *Memory {
	return &Memory{
		items:      make(map[string]*list.Element),
		evictList:  list.New(),
		maxSize:    cfg.MaxSizeBytes,
		maxEntries: cfg.MaxEntries,
		defaultTTL: cfg.DefaultTTL,
		now:        time.Now,
	}
}

// Get retrieves a value.
func (m *Memory) Get(ctx context.Context, key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, exists := m.items[key]
	if !exists {
		m.stats.Misses++
		return nil, false
	}
	ent := elem.Value.(*entry)
	if !m.now().Before(ent.expiresAt) {
		m.removeElement(elem)
		m.stats.Misses++
		return nil, false
	}
	m.evictList.MoveToFront(elem)
	m.stats.Hits++
	return ent.value, true
}

// Set stores a value with the given TTL.
func (m *Memory) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	size := estimateSize(key, value)

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, exists := m.items[key]; exists {
		ent := elem.Value.(*entry)
		m.currentSize += size - ent.size
		ent.value = value
		ent.expiresAt = m.now().Add(ttl)
		ent.size = size
		m.evictList.MoveToFront(elem)
	} else {
		ent := &entry{key: key, value: value, expiresAt: m.now().Add(ttl), size: size}
		m.items[key] = m.evictList.PushFront(ent)
		m.currentSize += size
		m.stats.KeysAdded++
	}

	for m.overLimit() {
		m.removeElement(m.evictList.Back())
		m.stats.KeysEvicted++
	}
	return nil
}

// Delete removes a value.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, exists := m.items[key]; exists {
		m.removeElement(elem)
	}
	return nil
}

// Clear removes all entries.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element)
	m.evictList.Init()
	m.currentSize = 0
	return nil
}

// Stats returns a snapshot of the backend statistics.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Len returns the number of entries, expired ones included until touched.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictList.Len()
}

// Size returns the approximate total size in bytes.
func (m *Memory) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSize
}

// overLimit must be called with the lock held.
func (m *Memory) overLimit() bool {
	if m.evictList.Len() == 0 {
		return false
	}
	if m.maxSize > 0 && m.currentSize > m.maxSize {
		return true
	}
	return m.maxEntries > 0 && m.evictList.Len() > m.maxEntries
}

// removeElement must be called with the lock held.
func (m *Memory) removeElement(elem *list.Element) {
	m.evictList.Remove(elem)
	ent := elem.Value.(*entry)
	delete(m.items, ent.key)
	m.currentSize -= ent.size
}

// estimateSize is a rough approximation: a fixed overhead per entry plus
// the key, plus a per-column allowance for cached rows.
func estimateSize(key string, value interface{}) int64 {
	size := int64(100 + len(key))
	if rows, ok := value.([]schema.Row); ok {
		for _, row := range rows {
			size += int64(48 * len(row))
			for col, v := range row {
				size += int64(len(col))
				switch val := v.(type) {
				case string:
					size += int64(len(val))
				case []byte:
					size += int64(len(val))
				}
			}
		}
	}
	return size
}
