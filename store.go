package offlinecache

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
)

// Generation is a handle to a named cache generation.
// Once the generation is deleted the handle is retired: lookups miss
// and writes are dropped.
type Generation struct {
	id      string
	retired atomic.Bool
}

// ID returns the generation (version) identifier.
func (g *Generation) ID() string {
	return g.id
}

// Retired reports whether the generation has been deleted.
func (g *Generation) Retired() bool {
	return g.retired.Load()
}

// Entry is a stored response snapshot.
type Entry struct {
	Key      string
	StoredAt time.Time
	// Response has its own unread body.
	Response *http.Response
}

// Store is the cache store facade over a CacheProvider.
// It turns requests into keys and responses into snapshots,
// and tracks generation handles.
type Store struct {
	cache   cache.CacheProvider
	keyer   cachekey.CacheKeyer
	now     func() time.Time
	log     zerolog.Logger
	mutex   sync.Mutex
	handles map[string]*Generation
}

func NewStore(provider cache.CacheProvider, now func() time.Time, logger zerolog.Logger) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		cache:   provider,
		keyer:   cachekey.NewCacheKeyer(),
		now:     now,
		log:     logger,
		handles: make(map[string]*Generation),
	}
}

// Open creates the generation if needed and returns its handle.
func (s *Store) Open(id string) (*Generation, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.cache.Open(id); err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "could not open generation %s", id)
	}
	if g, ok := s.handles[id]; ok && !g.Retired() {
		return g, nil
	}
	g := &Generation{id: id}
	s.handles[id] = g
	return g, nil
}

// Generations lists the existing generations in creation order.
func (s *Store) Generations() ([]string, error) {
	generations, err := s.cache.Generations()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "could not list generations")
	}
	return generations, nil
}

// DeleteGeneration drops the generation with all its entries
// and retires its handle.
func (s *Store) DeleteGeneration(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if g, ok := s.handles[id]; ok {
		g.retired.Store(true)
		delete(s.handles, id)
	}
	if err := s.cache.DeleteGeneration(id); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "could not delete generation %s", id)
	}
	s.log.Debug().Str("generation", id).Msg("Deleted cache generation")
	return nil
}

// Key returns the canonical cache key of the request.
func (s *Store) Key(r *http.Request) string {
	return s.keyer.GetKey(r)
}

// Match looks up the stored response for the request.
// A miss is not an error.
func (s *Store) Match(g *Generation, r *http.Request) (Entry, bool, error) {
	return s.get(g, s.Key(r), r)
}

// Get looks up the stored response by key.
func (s *Store) Get(g *Generation, key string) (Entry, bool, error) {
	req, err := s.keyer.GetRequestFromKey(key)
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, errors.CodeDatabase, "invalid cache key %s", key)
	}
	return s.get(g, key, req)
}

func (s *Store) get(g *Generation, key string, r *http.Request) (Entry, bool, error) {
	if g.Retired() {
		return Entry{}, false, nil
	}
	ce, ok, err := s.cache.Get(g.id, key)
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, errors.CodeDatabase, "could not read %s", key)
	}
	if !ok {
		s.log.Trace().Str("generation", g.id).Str("key", key).Msg("Cache miss")
		return Entry{}, false, nil
	}
	res, err := serializer.BytesToResponse(ce.Bytes, r)
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, errors.CodeDatabase, "corrupt cache entry %s", key)
	}
	return Entry{Key: key, StoredAt: ce.StoredAt, Response: res}, true, nil
}

// Put stores the response for the request, replacing any stored response.
// The response body is read once and re-armed, so the caller can still
// deliver the response.
func (s *Store) Put(g *Generation, r *http.Request, res *http.Response) error {
	key := s.Key(r)
	if g.Retired() {
		return errors.Wrapf(ErrGenerationRetired, errors.CodeNotFound, "dropped write of %s", key)
	}
	b, err := serializer.ResponseToBytes(res)
	if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "could not serialize %s", key)
	}
	err = s.cache.Put(cache.CacheEntry{
		Generation: g.id,
		Key:        key,
		StoredAt:   s.now(),
		Bytes:      b,
	})
	if errors.Is(err, cache.ErrGenerationNotFound) {
		// deleted while we were writing
		return errors.Wrapf(ErrGenerationRetired, errors.CodeNotFound, "dropped write of %s", key)
	} else if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "could not write %s", key)
	}
	s.log.Trace().Str("generation", g.id).Str("key", key).Msg("Cache write")
	return nil
}

// Keys calls cb for every key stored in the generation.
func (s *Store) Keys(g *Generation, cb func(key string)) error {
	if err := s.cache.Keys(g.id, cb); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "could not list keys of %s", g.id)
	}
	return nil
}

// Delete removes a single entry.
func (s *Store) Delete(g *Generation, key string) error {
	if err := s.cache.Delete(g.id, key); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "could not delete %s", key)
	}
	return nil
}
