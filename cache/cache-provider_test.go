package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers() map[string]func(t *testing.T) CacheProvider {
	return map[string]func(t *testing.T) CacheProvider{
		"mem": func(t *testing.T) CacheProvider {
			return NewMemCache()
		},
		"sqlite-memory": func(t *testing.T) CacheProvider {
			c, err := NewSQLiteCache("")
			require.NoError(t, err)
			t.Cleanup(func() { c.Close() })
			return c
		},
		"sqlite-file": func(t *testing.T) CacheProvider {
			c, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
			require.NoError(t, err)
			t.Cleanup(func() { c.Close() })
			return c
		},
	}
}

func TestProviders(t *testing.T) {
	for name, create := range providers() {
		t.Run(name, func(t *testing.T) {
			t.Run("PutGet", func(t *testing.T) { testPutGet(t, create(t)) })
			t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, create(t)) })
			t.Run("Generations", func(t *testing.T) { testGenerations(t, create(t)) })
			t.Run("UnopenedGeneration", func(t *testing.T) { testUnopenedGeneration(t, create(t)) })
			t.Run("KeysAndDelete", func(t *testing.T) { testKeysAndDelete(t, create(t)) })
			t.Run("ConcurrentPut", func(t *testing.T) { testConcurrentPut(t, create(t)) })
		})
	}
}

func testPutGet(t *testing.T, c CacheProvider) {
	require.NoError(t, c.Open("v1"))
	now := time.Now()
	require.NoError(t, c.Put(CacheEntry{Generation: "v1", Key: "GET:/a", StoredAt: now, Bytes: []byte("a")}))

	entry, ok, err := c.Get("v1", "GET:/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", string(entry.Bytes))
	assert.Equal(t, "v1", entry.Generation)
	assert.Equal(t, "GET:/a", entry.Key)
	assert.True(t, now.Equal(entry.StoredAt), "stored at %v, want %v", entry.StoredAt, now)

	_, ok, err = c.Get("v1", "GET:/b")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Get("v2", "GET:/a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testOverwrite(t *testing.T, c CacheProvider) {
	require.NoError(t, c.Open("v1"))
	first := time.Now()
	second := first.Add(time.Second)
	require.NoError(t, c.Put(CacheEntry{Generation: "v1", Key: "k", StoredAt: first, Bytes: []byte("one")}))
	require.NoError(t, c.Put(CacheEntry{Generation: "v1", Key: "k", StoredAt: second, Bytes: []byte("two")}))

	var keys []string
	require.NoError(t, c.Keys("v1", func(k string) { keys = append(keys, k) }))
	assert.Equal(t, []string{"k"}, keys)

	entry, ok, err := c.Get("v1", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "two", string(entry.Bytes))
	assert.True(t, second.Equal(entry.StoredAt))
}

func testGenerations(t *testing.T, c CacheProvider) {
	require.NoError(t, c.Open("v1"))
	require.NoError(t, c.Open("v2"))
	require.NoError(t, c.Open("v1"))
	require.NoError(t, c.Put(CacheEntry{Generation: "v1", Key: "k", Bytes: []byte("x")}))

	generations, err := c.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, generations)

	require.NoError(t, c.DeleteGeneration("v1"))
	require.NoError(t, c.DeleteGeneration("missing"))
	generations, err = c.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, generations)

	// entries do not survive their generation
	require.NoError(t, c.Open("v1"))
	_, ok, err := c.Get("v1", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testUnopenedGeneration(t *testing.T, c CacheProvider) {
	err := c.Put(CacheEntry{Generation: "nope", Key: "k", Bytes: []byte("x")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerationNotFound)
	assert.Equal(t, errors.CodeNotFound, errors.GetCode(err))

	generations, err := c.Generations()
	require.NoError(t, err)
	assert.Empty(t, generations)
}

func testKeysAndDelete(t *testing.T, c CacheProvider) {
	require.NoError(t, c.Open("v1"))
	require.NoError(t, c.Open("v2"))
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Put(CacheEntry{Generation: "v1", Key: fmt.Sprintf("k%d", i)}))
	}
	require.NoError(t, c.Put(CacheEntry{Generation: "v2", Key: "other"}))

	// deleting from within the callback
	var seen int
	require.NoError(t, c.Keys("v1", func(k string) {
		seen++
		require.NoError(t, c.Delete("v1", k))
	}))
	assert.Equal(t, 5, seen)

	seen = 0
	require.NoError(t, c.Keys("v1", func(string) { seen++ }))
	assert.Zero(t, seen)

	_, ok, err := c.Get("v2", "other")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testConcurrentPut(t *testing.T, c CacheProvider) {
	require.NoError(t, c.Open("v1"))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, c.Put(CacheEntry{
				Generation: "v1",
				Key:        "same",
				StoredAt:   time.Now(),
				Bytes:      []byte(fmt.Sprintf("writer %d", i)),
			}))
		}(i)
	}
	wg.Wait()

	entry, ok, err := c.Get("v1", "same")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(entry.Bytes), "writer ")
}
