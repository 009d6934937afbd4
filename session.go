package offlinecache

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionHeader carries the session id of requests dispatched through ServeHTTP.
const SessionHeader = "Offline-Session"

// Session is a client of the cache, e.g. an open page.
// It keeps using the generation that was active when it attached,
// even after a newer version has been activated.
// A session attached before any activation claims the first active generation.
type Session struct {
	id  string
	oc  *OfflineCache
	gen atomic.Pointer[Generation]
	log zerolog.Logger
}

func (oc *OfflineCache) newSession(id string) *Session {
	s := &Session{id: id, oc: oc, log: oc.log}
	// ephemeral sessions of ServeHTTP have no id
	if id != "" {
		s.log = oc.log.With().Str("session", id).Logger()
	}
	if g := oc.current.Load(); g != nil {
		s.gen.Store(g)
	}
	return s
}

// Attach creates a session pinned to the active generation.
func (oc *OfflineCache) Attach() *Session {
	s := oc.newSession(uuid.NewString())
	oc.sessionsMutex.Lock()
	oc.sessions[s.id] = s
	oc.sessionsMutex.Unlock()
	s.log.Debug().Msg("Session attached")
	return s
}

// Session returns the attached session with the given id.
func (oc *OfflineCache) Session(id string) (*Session, bool) {
	oc.sessionsMutex.RLock()
	defer oc.sessionsMutex.RUnlock()
	s, ok := oc.sessions[id]
	return s, ok
}

// Detach forgets the session. It reports whether the session existed.
func (oc *OfflineCache) Detach(id string) bool {
	oc.sessionsMutex.Lock()
	defer oc.sessionsMutex.Unlock()
	if _, ok := oc.sessions[id]; !ok {
		return false
	}
	delete(oc.sessions, id)
	oc.log.Debug().Str("session", id).Msg("Session detached")
	return true
}

func (s *Session) ID() string {
	return s.id
}

// Generation returns the generation the session is pinned to,
// or nil if no version has been activated yet.
func (s *Session) Generation() *Generation {
	if g := s.gen.Load(); g != nil {
		return g
	}
	if g := s.oc.current.Load(); g != nil {
		s.gen.CompareAndSwap(nil, g)
		return s.gen.Load()
	}
	return nil
}
