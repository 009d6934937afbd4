package offlinecache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheOnlyMissDoesNotFetch(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, "v1")
	f.origin.set("/assets/app.1a2b3c4d.js", "console.log(1)")

	_, _, err := f.get(t, f.oc.Attach(), "/assets/app.1a2b3c4d.js")
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.Zero(t, f.origin.count("/assets/app.1a2b3c4d.js"))
}

func TestCacheOnlyHit(t *testing.T) {
	f := newFixture(t, nil)
	f.origin.set("/assets/app.1a2b3c4d.js", "console.log(1)")
	f.install(t, "v1", "/assets/app.1a2b3c4d.js")
	f.origin.setOffline(true)

	res, body, err := f.get(t, f.oc.Attach(), "/assets/app.1a2b3c4d.js")
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", body)
	assert.Equal(t, "Offline-Cache; hit", res.Header.Get(cachestatus.HeaderName))
	assert.Equal(t, 1, f.origin.count("/assets/app.1a2b3c4d.js"))
}

func TestNetworkFirstWriteThrough(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, "v1")
	payload := "{\"scores\":[1,2,3]}\x00\xff"
	f.origin.set("/api/scores", payload)
	s := f.oc.Attach()

	res, body, err := f.get(t, s, "/api/scores")
	require.NoError(t, err)
	assert.Equal(t, payload, body)
	assert.Equal(t, "Offline-Cache; fwd=request; stored", res.Header.Get(cachestatus.HeaderName))

	entry, ok, err := f.oc.Store().Match(s.Generation(), httptest.NewRequest("GET", "/api/scores", nil))
	require.NoError(t, err)
	require.True(t, ok)
	stored, err := io.ReadAll(entry.Response.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(stored))
	assert.Equal(t, f.clock.Now(), entry.StoredAt)
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, "v1")
	f.origin.set("/api/scores", "cached")
	s := f.oc.Attach()
	_, _, err := f.get(t, s, "/api/scores")
	require.NoError(t, err)

	f.origin.setOffline(true)
	f.clock.Advance(90 * time.Second)
	res, body, err := f.get(t, s, "/api/scores")
	require.NoError(t, err)
	assert.Equal(t, "cached", body)
	assert.Equal(t, "Offline-Cache; hit; detail=network-error", res.Header.Get(cachestatus.HeaderName))
	assert.Equal(t, "90", res.Header.Get("Age"))
}

func TestNetworkFirstDoesNotCacheErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, "v1")
	f.origin.set("/api/scores", "boom")
	f.origin.setStatus("/api/scores", http.StatusInternalServerError)
	s := f.oc.Attach()

	res, body, err := f.get(t, s, "/api/scores")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "boom", body)

	_, ok, err := f.oc.Store().Match(s.Generation(), httptest.NewRequest("GET", "/api/scores", nil))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNoStoreResponsesAreNotCached(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, "v1")
	f.origin.set("/api/me", "private")
	f.origin.setHeader("/api/me", "Cache-Control", "private, no-store")
	s := f.oc.Attach()

	res, body, err := f.get(t, s, "/api/me")
	require.NoError(t, err)
	assert.Equal(t, "private", body)
	assert.Equal(t, "Offline-Cache; fwd=request", res.Header.Get("Cache-Status"))

	_, ok, err := f.oc.Store().Match(s.Generation(), httptest.NewRequest("GET", "/api/me", nil))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNetworkFirstNavigationOffline(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, "v1")
	f.origin.setOffline(true)
	s := f.oc.Attach()

	res, body, err := f.get(t, s, "/about", "Accept", "text/html")
	require.NoError(t, err)
	assert.Equal(t, "You are offline", body)
	assert.Equal(t, "Offline-Cache; hit; detail=offline", res.Header.Get(cachestatus.HeaderName))

	// the same resource without navigation is a hard failure
	_, _, err = f.get(t, s, "/api/about")
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

func TestNetworkFirstNavigationWithoutOfflineDocument(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.OfflineDocument = "" })
	f.install(t, "v1")
	f.origin.setOffline(true)

	_, _, err := f.get(t, f.oc.Attach(), "/about", "Accept", "text/html")
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

func TestCacheFirstMissFetches(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, "v1")
	f.origin.set("/assets/style.css", "body{}")
	s := f.oc.Attach()

	res, body, err := f.get(t, s, "/assets/style.css")
	require.NoError(t, err)
	assert.Equal(t, "body{}", body)
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; stored", res.Header.Get(cachestatus.HeaderName))

	f.origin.setOffline(true)
	_, _, err = f.get(t, s, "/assets/missing.css")
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

func TestCacheFirstStaleThenFresh(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, "v1")
	f.origin.set("/assets/style.css", "old")
	s := f.oc.Attach()
	_, body, err := f.get(t, s, "/assets/style.css")
	require.NoError(t, err)
	require.Equal(t, "old", body)

	// ten days later, past the 7 day TTL, the origin changes but responds slowly
	f.clock.Advance(10 * 24 * time.Hour)
	f.origin.set("/assets/style.css", "new")
	gate := make(chan struct{})
	f.origin.mutex.Lock()
	f.origin.gate = gate
	f.origin.mutex.Unlock()

	res, body, err := f.get(t, s, "/assets/style.css")
	require.NoError(t, err)
	assert.Equal(t, "old", body)
	assert.Equal(t, "Offline-Cache; hit", res.Header.Get(cachestatus.HeaderName))
	assert.Equal(t, "864000", res.Header.Get("Age"))
	_, body, err = f.get(t, s, "/assets/style.css")
	require.NoError(t, err)
	assert.Equal(t, "old", body)

	close(gate)
	f.oc.Drain()

	_, body, err = f.get(t, s, "/assets/style.css")
	require.NoError(t, err)
	assert.Equal(t, "new", body)
	f.oc.Drain()
}

func TestBackgroundRefreshFailureIsSilent(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, "v1")
	f.origin.set("/images/logo.png", "png")
	s := f.oc.Attach()
	_, _, err := f.get(t, s, "/images/logo.png")
	require.NoError(t, err)

	f.origin.setOffline(true)
	res, body, err := f.get(t, s, "/images/logo.png")
	require.NoError(t, err)
	assert.Equal(t, "png", body)
	assert.Equal(t, "Offline-Cache; hit; detail=revalidating", res.Header.Get(cachestatus.HeaderName))
	f.oc.Drain()

	// the failed refresh left the entry alone
	_, body, err = f.get(t, s, "/images/logo.png")
	require.NoError(t, err)
	assert.Equal(t, "png", body)
}

func TestConcurrentMissesRace(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, "v1")
	f.origin.set("/assets/app.js", "app")
	s := f.oc.Attach()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("GET", "/assets/app.js", nil)
			res, err := s.Dispatch(context.Background(), req)
			if assert.NoError(t, err) {
				body, _ := io.ReadAll(res.Body)
				assert.Equal(t, "app", string(body))
			}
		}()
	}
	wg.Wait()
	f.oc.Drain()

	var keys []string
	require.NoError(t, f.oc.Store().Keys(s.Generation(), func(k string) { keys = append(keys, k) }))
	assert.Contains(t, keys, "GET:/assets/app.js")
}

func TestFetcherWithoutHeaders(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Fetcher = FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
			if r.URL.Path == "/api/none" {
				return nil, nil
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("bare")),
			}, nil
		})
	})
	s := f.oc.Attach()

	res, body, err := f.get(t, s, "/api/bare")
	require.NoError(t, err)
	assert.Equal(t, "bare", body)
	assert.NotEmpty(t, res.Header.Get("Date"))

	_, _, err = f.get(t, s, "/api/none")
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

func TestBackgroundRefreshPanicIsContained(t *testing.T) {
	var (
		mutex sync.Mutex
		fail  bool
	)
	origin := newOrigin()
	origin.set("/offline.html", "You are offline")
	origin.set("/assets/style.css", "old")
	f := newFixture(t, func(c *Config) {
		c.Fetcher = FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
			mutex.Lock()
			defer mutex.Unlock()
			if fail {
				panic("broken fetcher")
			}
			return origin.Fetch(ctx, r)
		})
	})
	f.install(t, "v1")
	s := f.oc.Attach()
	_, _, err := f.get(t, s, "/assets/style.css")
	require.NoError(t, err)

	mutex.Lock()
	fail = true
	mutex.Unlock()
	_, body, err := f.get(t, s, "/assets/style.css")
	require.NoError(t, err)
	assert.Equal(t, "old", body)
	f.oc.Drain()

	// the entry survived and later refreshes still run
	mutex.Lock()
	fail = false
	mutex.Unlock()
	origin.set("/assets/style.css", "new")
	_, body, err = f.get(t, s, "/assets/style.css")
	require.NoError(t, err)
	assert.Equal(t, "old", body)
	f.oc.Drain()
	_, body, err = f.get(t, s, "/assets/style.css")
	require.NoError(t, err)
	assert.Equal(t, "new", body)
	f.oc.Drain()
}
