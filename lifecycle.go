package offlinecache

import (
	"context"
	"net/http"
	"sync"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of an installed version.
type State int

const (
	Installing State = iota
	Waiting
	Activating
	Active
	// Redundant is terminal: the version failed to install,
	// was superseded before activating or has been replaced.
	Redundant
)

func (s State) String() string {
	switch s {
	case Installing:
		return "installing"
	case Waiting:
		return "waiting"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Redundant:
		return "redundant"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Manifest describes a version to install.
type Manifest struct {
	Version string
	// Core assets must all be stored for the install to succeed.
	Core []string
	// Precache assets are stored on a best-effort basis.
	Precache []string
}

// InstallReport is the outcome of an install.
type InstallReport struct {
	Version   string
	State     State
	Core      int
	Precached int
	// Failed holds one error per precache asset that could not be stored.
	Failed []error
}

// Status is a snapshot of the lifecycle.
type Status struct {
	Version    string `json:"version"`
	State      string `json:"state"`
	Waiting    string `json:"waiting,omitempty"`
	Installing string `json:"installing,omitempty"`
}

type worker struct {
	version string
	gen     *Generation
	state   State
}

// Status returns the active, waiting and installing versions.
func (oc *OfflineCache) Status() Status {
	oc.mutex.RLock()
	defer oc.mutex.RUnlock()
	status := Status{State: "none"}
	if oc.active != nil {
		status.Version = oc.active.version
		status.State = oc.active.state.String()
	} else if oc.installing != nil {
		status.State = Installing.String()
	}
	if oc.waiting != nil {
		status.Waiting = oc.waiting.version
	}
	if oc.installing != nil {
		status.Installing = oc.installing.version
	}
	return status
}

// VersionState returns the state of the most recent install of the version.
func (oc *OfflineCache) VersionState(version string) (State, bool) {
	oc.mutex.RLock()
	defer oc.mutex.RUnlock()
	w, ok := oc.workers[version]
	if !ok {
		return 0, false
	}
	return w.state, true
}

func (oc *OfflineCache) setState(w *worker, state State) {
	oc.mutex.Lock()
	w.state = state
	if oc.installing == w && state != Installing {
		oc.installing = nil
	}
	oc.mutex.Unlock()
	oc.log.Debug().Str("version", w.version).Str("state", state.String()).Msg("Lifecycle transition")
}

// Install opens a new generation for the manifest version and populates it.
// Core assets are fetched first and stored all-or-nothing; any failure
// deletes the generation and fails the install. Precache failures are
// only reported. Depending on the takeover policy the version is then
// activated or left waiting for Proceed.
func (oc *OfflineCache) Install(ctx context.Context, manifest Manifest) (InstallReport, error) {
	report := InstallReport{Version: manifest.Version, State: Redundant}
	if manifest.Version == "" {
		return report, errors.New(errors.CodeInvalidConfig, "version is required")
	}

	oc.lifecycle.Lock()
	defer oc.lifecycle.Unlock()

	oc.mutex.Lock()
	if (oc.active != nil && oc.active.version == manifest.Version) ||
		(oc.waiting != nil && oc.waiting.version == manifest.Version) {
		oc.mutex.Unlock()
		return report, errors.Wrapf(ErrVersionInstalled, errors.CodeAlreadyExists, "version %s", manifest.Version)
	}
	w := &worker{version: manifest.Version, state: Installing}
	oc.workers[w.version] = w
	oc.installing = w
	oc.mutex.Unlock()

	log := oc.log.With().Str("version", w.version).Logger()
	log.Info().Int("core", len(manifest.Core)).Int("precache", len(manifest.Precache)).Msg("Installing")

	gen, err := oc.store.Open(w.version)
	if err != nil {
		oc.setState(w, Redundant)
		return report, err
	}
	w.gen = gen

	if err := oc.installCore(ctx, gen, manifest.Core); err != nil {
		log.Error().Err(err).Msg("Core install failed")
		if err := oc.store.DeleteGeneration(w.version); err != nil {
			log.Error().Err(err).Msg("Could not delete failed generation")
		}
		oc.setState(w, Redundant)
		return report, errors.Wrapf(err, errors.CodeExecutionFailed, "install of version %s failed", w.version)
	}
	report.Core = len(manifest.Core)
	report.Precached, report.Failed = oc.precache(ctx, gen, manifest.Precache, manifest.Core, log)
	if len(report.Failed) > 0 {
		log.Warn().Int("failed", len(report.Failed)).Msg("Some assets could not be precached")
	}

	oc.mutex.Lock()
	superseded := oc.waiting
	oc.waiting = w
	activateNow := oc.takeover == TakeoverImmediate || oc.active == nil
	oc.mutex.Unlock()
	oc.setState(w, Waiting)

	if superseded != nil {
		log.Info().Str("superseded", superseded.version).Msg("Replacing waiting version")
		oc.setState(superseded, Redundant)
		if err := oc.store.DeleteGeneration(superseded.version); err != nil {
			log.Error().Err(err).Msg("Could not delete superseded generation")
		}
	}

	if activateNow {
		oc.activate(w, log)
	} else {
		log.Info().Msg("Installed, waiting for takeover")
	}

	report.State, _ = oc.VersionState(w.version)
	return report, nil
}

// Proceed activates the waiting version.
func (oc *OfflineCache) Proceed() error {
	oc.lifecycle.Lock()
	defer oc.lifecycle.Unlock()
	oc.mutex.RLock()
	w := oc.waiting
	oc.mutex.RUnlock()
	if w == nil {
		return ErrNothingWaiting
	}
	oc.activate(w, oc.log.With().Str("version", w.version).Logger())
	return nil
}

// activate makes the worker the active one: it deletes all other
// generations, sweeps expired entries and notifies the listeners.
// Must be called with the lifecycle lock held.
func (oc *OfflineCache) activate(w *worker, log zerolog.Logger) {
	oc.setState(w, Activating)

	generations, err := oc.store.Generations()
	if err != nil {
		log.Error().Err(err).Msg("Could not list generations")
	}
	for _, id := range generations {
		if id == w.version {
			continue
		}
		if err := oc.store.DeleteGeneration(id); err != nil {
			log.Error().Err(err).Str("generation", id).Msg("Could not delete old generation")
		}
	}

	report, err := oc.sweeper.sweep(w.gen)
	if err != nil {
		log.Error().Err(err).Msg("Expiration sweep failed")
	}

	oc.mutex.Lock()
	previous := oc.active
	oc.active = w
	if oc.waiting == w {
		oc.waiting = nil
	}
	w.state = Active
	if previous != nil {
		previous.state = Redundant
	}
	listeners := make([]func(string), len(oc.listeners))
	copy(listeners, oc.listeners)
	oc.mutex.Unlock()
	oc.current.Store(w.gen)

	log.Info().
		Int("scanned", report.Scanned).
		Int("expired", report.Expired).
		Int("failed", report.Failed).
		Msg("Activated")
	for _, fn := range listeners {
		fn(w.version)
	}
}

// installCore fetches all core assets into memory and only then stores them.
func (oc *OfflineCache) installCore(ctx context.Context, gen *Generation, urls []string) error {
	reqs := make([]*http.Request, len(urls))
	responses := make([]*http.Response, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(oc.precacheConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			req, res, err := oc.fetchAsset(gctx, u)
			if err != nil {
				return err
			}
			reqs[i], responses[i] = req, res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i := range urls {
		if err := oc.store.Put(gen, reqs[i], responses[i]); err != nil {
			return err
		}
	}
	return nil
}

// precache stores the assets that are not core assets, tolerating failures.
func (oc *OfflineCache) precache(ctx context.Context, gen *Generation, urls, core []string, log zerolog.Logger) (int, []error) {
	skip := make(map[string]bool, len(core))
	for _, u := range core {
		skip[u] = true
	}
	var (
		mutex  sync.Mutex
		stored int
		failed []error
	)
	g := errgroup.Group{}
	g.SetLimit(oc.precacheConcurrency)
	for _, u := range urls {
		if skip[u] {
			continue
		}
		skip[u] = true
		g.Go(func() error {
			req, res, err := oc.fetchAsset(ctx, u)
			if err == nil {
				err = oc.store.Put(gen, req, res)
			}
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("url", u).Msg("Could not precache asset")
				failed = append(failed, errors.WithContext(err, "url", u))
			} else {
				stored++
			}
			return nil
		})
	}
	g.Wait()
	return stored, failed
}

// fetchAsset fetches an install asset. Only 200 responses are accepted.
func (oc *OfflineCache) fetchAsset(ctx context.Context, u string) (*http.Request, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, errors.Wrapf(err, errors.CodeInvalidConfig, "invalid asset url %s", u)
	}
	res, err := oc.fetch(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, nil, errors.Newf(errors.CodeNetwork, "fetching %s returned status %d", u, res.StatusCode)
	}
	return req, res, nil
}
