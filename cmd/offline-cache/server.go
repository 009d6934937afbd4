package main

import (
	"encoding/json"
	"net/http"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// controlPrefix is the path under which the control endpoints are mounted.
// Everything else goes through the cache.
const controlPrefix = "/.offline"

type server struct {
	router *chi.Mux
	cache  *offlinecache.OfflineCache
	// load returns the current configuration, used by update
	load func() (config.Config, error)
}

type installResponse struct {
	Version   string   `json:"version"`
	State     string   `json:"state"`
	Core      int      `json:"core"`
	Precached int      `json:"precached"`
	Failed    []string `json:"failed,omitempty"`
}

func newServer(oc *offlinecache.OfflineCache, load func() (config.Config, error), logger zerolog.Logger) *server {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	s := &server{router: r, cache: oc, load: load}
	r.Route(controlPrefix, func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/proceed", s.proceed)
		r.Post("/update", s.update)
		r.Post("/sessions", s.attach)
		r.Delete("/sessions/{id}", s.detach)
	})
	r.Handle("/*", oc)
	return s
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.cache.Status())
}

func (s *server) proceed(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Proceed(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s.cache.Status())
}

// update reloads the configuration and installs its version.
func (s *server) update(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.load()
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := s.cache.Install(r.Context(), cfg.Manifest())
	if errors.Is(err, offlinecache.ErrVersionInstalled) {
		hlog.FromRequest(r).Info().Str("version", cfg.Version).Msg("Already up to date")
		writeJSON(w, r, http.StatusOK, s.cache.Status())
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	res := installResponse{
		Version:   report.Version,
		State:     report.State.String(),
		Core:      report.Core,
		Precached: report.Precached,
	}
	for _, failure := range report.Failed {
		res.Failed = append(res.Failed, failure.Error())
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *server) attach(w http.ResponseWriter, r *http.Request) {
	session := s.cache.Attach()
	res := map[string]string{"id": session.ID()}
	if gen := session.Generation(); gen != nil {
		res["version"] = gen.ID()
	}
	writeJSON(w, r, http.StatusCreated, res)
}

func (s *server) detach(w http.ResponseWriter, r *http.Request) {
	if !s.cache.Detach(chi.URLParam(r, "id")) {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write response")
	}
}

// writeError maps error codes to HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.CodeNotFound:
		status = http.StatusNotFound
	case errors.CodeAlreadyExists:
		status = http.StatusConflict
	case errors.CodeInvalidConfig:
		status = http.StatusUnprocessableEntity
	case errors.CodeNetwork, errors.CodeExecutionFailed:
		status = http.StatusBadGateway
	}
	hlog.FromRequest(r).Error().Err(err).Int("status", status).Msg("Control request failed")
	http.Error(w, err.Error(), status)
}
