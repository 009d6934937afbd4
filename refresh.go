package offlinecache

import (
	"context"
	"net/http"
	"sync"

	"github.com/always-cache/offline-cache/rfc9111"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/singleflight"
)

// refresher updates stored responses in the background.
// Concurrent refreshes of the same entry are collapsed into one fetch.
type refresher struct {
	oc    *OfflineCache
	group singleflight.Group
	wg    sync.WaitGroup
}

// refresh starts a detached refresh of the request's entry.
// The outcome is only visible in the logs.
func (rf *refresher) refresh(gen *Generation, r *http.Request) {
	key := rf.oc.store.Key(r)
	req := r.Clone(context.WithoutCancel(r.Context()))
	rf.wg.Add(1)
	go func() {
		defer rf.wg.Done()
		rf.group.Do(gen.ID()+" "+key, func() (interface{}, error) {
			defer rf.recover(gen, key)
			rf.update(gen, key, req)
			return nil, nil
		})
	}()
}

func (rf *refresher) update(gen *Generation, key string, req *http.Request) {
	log := rf.oc.log.With().Str("generation", gen.ID()).Str("key", key).Logger()
	log.Trace().Msg("Refreshing in background")
	res, err := rf.oc.fetch(req.Context(), req)
	if err != nil {
		log.Warn().Err(err).Msg("Background refresh failed")
		return
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		log.Debug().Int("status", res.StatusCode).Msg("Not updating cache")
		return
	}
	if rfc9111.ParseCacheControl(res.Header.Values("Cache-Control")).NoStore() {
		log.Debug().Msg("Response is no-store, not updating cache")
		return
	}
	err = rf.oc.store.Put(gen, req, res)
	if errors.GetCode(err) == errors.CodeNotFound {
		log.Debug().Err(err).Msg("Write to retired generation dropped")
	} else if err != nil {
		log.Error().Err(err).Msg("Could not write refreshed response")
	} else {
		log.Trace().Msg("Refreshed")
	}
}

// recover keeps a panicking refresh from taking down the process.
func (rf *refresher) recover(gen *Generation, key string) {
	if err := recover(); err != nil {
		rf.oc.log.Error().Str("generation", gen.ID()).Str("key", key).
			Interface("error", err).Msg("Background refresh panicked")
	}
}
