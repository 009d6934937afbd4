// Package offlinecache is a multi-strategy HTTP response cache modelled on
// the service worker lifecycle.
//
// Requests are classified into caching strategies (network-first,
// cache-first, stale-while-revalidate, cache-only) and served from a
// versioned cache generation. New versions are installed next to the active
// one and take over either immediately or on an explicit signal, at which
// point every other generation is deleted and expired entries are swept.
package offlinecache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/classifier"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Takeover decides when an installed version becomes active.
type Takeover string

const (
	// TakeoverImmediate activates a version as soon as it is installed.
	TakeoverImmediate Takeover = "immediate"
	// TakeoverDeferred waits for Proceed.
	// The very first version is activated immediately regardless.
	TakeoverDeferred Takeover = "deferred"
)

const defaultPrecacheConcurrency = 4

type Config struct {
	// Storage for cache generations. An in-memory cache is used if nil.
	Cache cache.CacheProvider
	// Network access, e.g. an OriginFetcher.
	Fetcher Fetcher
	// Request classification rules and TTLs.
	Classifier classifier.Config
	// Takeover policy. Defaults to immediate.
	Takeover Takeover
	// Path of the document served to navigations when both network
	// and cache fail, e.g. /offline.html. It should be a core asset.
	OfflineDocument string
	// Timeout of a single network fetch. Defaults to 30s.
	FetchTimeout time.Duration
	// Maximum number of parallel fetches during install. Defaults to 4.
	PrecacheConcurrency int
	// Clock used for capture timestamps and expiration. Defaults to time.Now.
	Now func() time.Time
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type OfflineCache struct {
	store               *Store
	fetcher             Fetcher
	classifier          *classifier.Classifier
	sweeper             *sweeper
	refresher           *refresher
	takeover            Takeover
	offlineDocument     string
	fetchTimeout        time.Duration
	precacheConcurrency int
	now                 func() time.Time
	log                 zerolog.Logger

	// lifecycle serializes installs and activations
	lifecycle sync.Mutex
	// mutex guards the workers and listeners
	mutex      sync.RWMutex
	workers    map[string]*worker
	installing *worker
	waiting    *worker
	active     *worker
	listeners  []func(version string)

	// current is the generation new sessions attach to
	current atomic.Pointer[Generation]

	sessionsMutex sync.RWMutex
	sessions      map[string]*Session
}

// CreateCache initializes the offline cache.
// Nothing is intercepted until a version has been installed and activated.
func CreateCache(config Config) (*OfflineCache, error) {
	// use global logger if not specified in config
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	if config.Fetcher == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "fetcher is required")
	}
	switch config.Takeover {
	case "":
		config.Takeover = TakeoverImmediate
	case TakeoverImmediate, TakeoverDeferred:
	default:
		return nil, errors.Newf(errors.CodeInvalidConfig, "invalid takeover policy %q", config.Takeover)
	}
	c, err := classifier.New(config.Classifier)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "invalid classification rules")
	}
	if config.Cache == nil {
		config.Cache = cache.NewMemCache()
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaultFetchTimeout
	}
	if config.PrecacheConcurrency <= 0 {
		config.PrecacheConcurrency = defaultPrecacheConcurrency
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	oc := &OfflineCache{
		store:               NewStore(config.Cache, config.Now, logger),
		fetcher:             config.Fetcher,
		classifier:          c,
		takeover:            config.Takeover,
		offlineDocument:     config.OfflineDocument,
		fetchTimeout:        config.FetchTimeout,
		precacheConcurrency: config.PrecacheConcurrency,
		now:                 config.Now,
		log:                 logger,
		workers:             make(map[string]*worker),
		sessions:            make(map[string]*Session),
	}
	oc.sweeper = &sweeper{
		store:      oc.store,
		classifier: c,
		now:        config.Now,
		log:        logger,
	}
	oc.refresher = &refresher{oc: oc}
	return oc, nil
}

// OnActivate registers a callback that is called with the version
// identifier whenever a version becomes active.
func (oc *OfflineCache) OnActivate(fn func(version string)) {
	oc.mutex.Lock()
	defer oc.mutex.Unlock()
	oc.listeners = append(oc.listeners, fn)
}

// Drain waits for running background refreshes to finish.
func (oc *OfflineCache) Drain() {
	oc.refresher.wg.Wait()
}

// Store returns the underlying cache store.
func (oc *OfflineCache) Store() *Store {
	return oc.store
}

// Current returns the active generation, or nil if none is active yet.
func (oc *OfflineCache) Current() *Generation {
	return oc.current.Load()
}
