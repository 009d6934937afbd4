package offlinecache

import (
	"context"
	"net/http"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/classifier"
	"github.com/always-cache/offline-cache/rfc9111"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
)

// execution runs one strategy for one request against a pinned generation.
type execution struct {
	oc      *OfflineCache
	gen     *Generation
	verdict classifier.Verdict
	log     zerolog.Logger
}

type strategyFunc func(x *execution, ctx context.Context, r *http.Request) (*http.Response, cachestatus.CacheStatus, error)

var strategies = map[classifier.Strategy]strategyFunc{
	classifier.NetworkFirst:         (*execution).networkFirst,
	classifier.CacheFirst:           (*execution).cacheFirst,
	classifier.StaleWhileRevalidate: (*execution).staleWhileRevalidate,
	classifier.CacheOnly:            (*execution).cacheOnly,
}

// networkFirst prefers fresh content: successful network responses are
// written through to the cache, the cache is only used when the network
// fails, and navigations finally get the offline document.
func (x *execution) networkFirst(ctx context.Context, r *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	var cs cachestatus.CacheStatus
	res, err := x.oc.fetch(ctx, r)
	if err == nil {
		cs.Forward(cachestatus.FwdRequest)
		if res.StatusCode == http.StatusOK {
			cs.Stored = x.put(r, res)
		}
		return res, cs, nil
	}
	x.log.Debug().Err(err).Msg("Network failed, trying cache")

	if entry, ok := x.match(r); ok {
		cs.Hit()
		cs.Detail(cachestatus.DetailNetworkError)
		return x.stored(entry), cs, nil
	}
	if x.verdict.Navigation {
		if entry, ok := x.offlineDocument(ctx); ok {
			x.log.Debug().Msg("Serving offline document")
			cs.Hit()
			cs.Detail(cachestatus.DetailOffline)
			entry.Response.Request = r
			return x.stored(entry), cs, nil
		}
	}
	return nil, cs, err
}

// cacheFirst serves stored responses right away and refreshes them in the
// background. Misses are fetched synchronously.
func (x *execution) cacheFirst(ctx context.Context, r *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	if entry, ok := x.match(r); ok {
		x.oc.refresher.refresh(x.gen, r)
		var cs cachestatus.CacheStatus
		cs.Hit()
		return x.stored(entry), cs, nil
	}
	return x.fetchAndStore(ctx, r)
}

// staleWhileRevalidate has the shape of cacheFirst. It is meant for
// frequently changing resources where stale content is acceptable.
func (x *execution) staleWhileRevalidate(ctx context.Context, r *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	if entry, ok := x.match(r); ok {
		x.oc.refresher.refresh(x.gen, r)
		var cs cachestatus.CacheStatus
		cs.Hit()
		cs.Detail(cachestatus.DetailRevalidating)
		return x.stored(entry), cs, nil
	}
	return x.fetchAndStore(ctx, r)
}

// cacheOnly never touches the network.
func (x *execution) cacheOnly(ctx context.Context, r *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	var cs cachestatus.CacheStatus
	if entry, ok := x.match(r); ok {
		cs.Hit()
		return x.stored(entry), cs, nil
	}
	cs.Forward(cachestatus.FwdUriMiss)
	return nil, cs, notCachedError(r)
}

func (x *execution) fetchAndStore(ctx context.Context, r *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	var cs cachestatus.CacheStatus
	cs.Forward(cachestatus.FwdUriMiss)
	res, err := x.oc.fetch(ctx, r)
	if err != nil {
		return nil, cs, err
	}
	if res.StatusCode == http.StatusOK {
		cs.Stored = x.put(r, res)
	}
	return res, cs, nil
}

// put writes the response to the pinned generation, unless the origin
// marked it no-store. Failures are logged, the response is delivered anyway.
func (x *execution) put(r *http.Request, res *http.Response) bool {
	if rfc9111.ParseCacheControl(res.Header.Values("Cache-Control")).NoStore() {
		x.log.Trace().Msg("Response is no-store, not caching")
		return false
	}
	err := x.oc.store.Put(x.gen, r, res)
	if errors.GetCode(err) == errors.CodeNotFound {
		x.log.Debug().Err(err).Msg("Write to retired generation dropped")
		return false
	} else if err != nil {
		x.log.Error().Err(err).Msg("Could not write to cache")
		return false
	}
	return true
}

func (x *execution) match(r *http.Request) (Entry, bool) {
	entry, ok, err := x.oc.store.Match(x.gen, r)
	if err != nil {
		x.log.Error().Err(err).Msg("Could not read from cache")
		return Entry{}, false
	}
	return entry, ok
}

func (x *execution) offlineDocument(ctx context.Context) (Entry, bool) {
	if x.oc.offlineDocument == "" {
		return Entry{}, false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, x.oc.offlineDocument, nil)
	if err != nil {
		x.log.Error().Err(err).Msg("Invalid offline document")
		return Entry{}, false
	}
	return x.match(req)
}

func (x *execution) stored(entry Entry) *http.Response {
	rfc9111.AddAgeHeader(entry.Response, entry.StoredAt, x.oc.now())
	return entry.Response
}

// passthrough forwards requests the cache does not handle.
func (x *execution) passthrough(ctx context.Context, r *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	var cs cachestatus.CacheStatus
	if r.Method != http.MethodGet {
		cs.Forward(cachestatus.FwdMethod)
	} else {
		cs.Forward(cachestatus.FwdBypass)
	}
	res, err := x.oc.fetch(ctx, r)
	return res, cs, err
}
