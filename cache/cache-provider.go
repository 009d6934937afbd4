package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
)

// ErrGenerationNotFound is returned when writing into a generation
// that was never opened or has been deleted.
var ErrGenerationNotFound = errors.New(errors.CodeNotFound, "cache generation not found")

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent HTTP responses.
// Entries are scoped per named generation, so that a whole generation
// can be listed and dropped at once.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Open creates the generation if it does not exist yet.
	// Opening an existing generation is a no-op.
	Open(generation string) error
	// Generations returns the existing generations in creation order.
	Generations() ([]string, error)
	// DeleteGeneration removes the generation and all of its entries.
	// Deleting a missing generation is not an error.
	DeleteGeneration(generation string) error
	// Get returns the entry for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(generation, key string) (CacheEntry, bool, error)
	// Put stores the entry, replacing any previous entry with the same key.
	// It returns ErrGenerationNotFound if the generation does not exist.
	Put(CacheEntry) error
	// Delete removes the entry for the given key, if it exists.
	Delete(generation, key string) error
	// Keys calls the given callback for each key in the generation.
	// The callback may modify the cache.
	Keys(generation string, cb func(string)) error
}

type CacheEntry struct {
	Generation string
	Key        string
	StoredAt   time.Time
	Bytes      []byte
}

type memGeneration struct {
	seq     int
	entries map[string]CacheEntry
}

type MemCache struct {
	mutex *sync.RWMutex
	seq   *int
	db    map[string]*memGeneration
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		seq:   new(int),
		db:    make(map[string]*memGeneration),
	}
}

func (m MemCache) Open(generation string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[generation]; ok {
		return nil
	}
	*m.seq++
	m.db[generation] = &memGeneration{seq: *m.seq, entries: make(map[string]CacheEntry)}
	return nil
}

func (m MemCache) Generations() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	generations := make([]string, 0, len(m.db))
	for name := range m.db {
		generations = append(generations, name)
	}
	sort.Slice(generations, func(i, j int) bool {
		return m.db[generations[i]].seq < m.db[generations[j]].seq
	})
	return generations, nil
}

func (m MemCache) DeleteGeneration(generation string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, generation)
	return nil
}

func (m MemCache) Get(generation, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	gen, ok := m.db[generation]
	if !ok {
		return CacheEntry{}, false, nil
	}
	entry, ok := gen.entries[key]
	return entry, ok, nil
}

func (m MemCache) Put(entry CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	gen, ok := m.db[entry.Generation]
	if !ok {
		return ErrGenerationNotFound
	}
	entry.Bytes = append([]byte(nil), entry.Bytes...)
	gen.entries[entry.Key] = entry
	return nil
}

func (m MemCache) Delete(generation, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if gen, ok := m.db[generation]; ok {
		delete(gen.entries, key)
	}
	return nil
}

func (m MemCache) Keys(generation string, cb func(string)) error {
	m.mutex.RLock()
	var keys []string
	if gen, ok := m.db[generation]; ok {
		keys = make([]string, 0, len(gen.entries))
		for key := range gen.entries {
			keys = append(keys, key)
		}
	}
	m.mutex.RUnlock()
	// callback runs unlocked, it may delete entries
	for _, key := range keys {
		cb(key)
	}
	return nil
}
