package offlinecache

import (
	"context"
	"io"
	"net/http"
	"strings"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"

	"github.com/rs/zerolog"
)

// Dispatch classifies the request and runs the matching strategy against
// the session's generation. Requests that are not intercepted, and all
// requests before the first activation, are forwarded to the network.
//
// The returned error is a network error (see IsNetworkError) when neither
// the network nor the cache could provide a response.
func (s *Session) Dispatch(ctx context.Context, r *http.Request) (*http.Response, error) {
	verdict := s.oc.classifier.Classify(r)
	x := &execution{
		oc:      s.oc,
		gen:     s.Generation(),
		verdict: verdict,
		log: s.log.With().
			Str("url", r.URL.String()).
			Str("strategy", string(verdict.Strategy)).
			Logger(),
	}
	x.log.Trace().Str("class", verdict.Class).Bool("navigation", verdict.Navigation).Msg("Dispatching")

	var run strategyFunc = (*execution).passthrough
	if x.gen != nil && verdict.Intercept() {
		run = strategies[verdict.Strategy]
	}
	res, cs, err := run(x, ctx, r)
	if err != nil {
		x.log.Debug().Err(err).Msg("No response")
		return nil, err
	}
	cs.Set(res.Header)
	logDispatch(x.log, r, cs)
	return res, nil
}

// ServeHTTP implements the http.Handler interface.
// Requests with a known session header are dispatched through that session,
// others through a session pinned to the active generation.
func (oc *OfflineCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer oc.recover(w, r)
	res, err := oc.sessionFor(r).Dispatch(r.Context(), r)
	if err != nil {
		if IsNetworkError(err) {
			http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		} else {
			oc.log.Error().Err(err).Msg("Could not handle request")
			http.Error(w, "Internal error", http.StatusInternalServerError)
		}
		return
	}
	oc.send(w, res)
}

func (oc *OfflineCache) sessionFor(r *http.Request) *Session {
	if id := r.Header.Get(SessionHeader); id != "" {
		if s, ok := oc.Session(id); ok {
			return s
		}
		oc.log.Debug().Str("session", id).Msg("Unknown session")
	}
	return oc.newSession("")
}

// recover recovers from panics and sends the request to the escape hatch.
func (oc *OfflineCache) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		oc.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		oc.escapeHatch(w, r)
	}
}

// escapeHatch is a fallback handler that just forwards the request.
func (oc *OfflineCache) escapeHatch(w http.ResponseWriter, r *http.Request) {
	res, err := oc.fetch(r.Context(), r)
	if err != nil {
		oc.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	oc.send(w, res)
}

func (oc *OfflineCache) send(w http.ResponseWriter, res *http.Response) {
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		oc.log.Error().Err(err).Msg("Could not write response body to client")
	}
	oc.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func logDispatch(log zerolog.Logger, r *http.Request, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	log.Debug().
		Str("method", r.Method).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
