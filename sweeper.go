package offlinecache

import (
	"time"

	"github.com/always-cache/offline-cache/pkg/classifier"
	"github.com/always-cache/offline-cache/rfc9111"

	"github.com/rs/zerolog"
)

// SweepReport is the outcome of an expiration sweep.
type SweepReport struct {
	Scanned int
	Expired int
	Failed  int
}

// sweeper deletes expired entries from a generation.
type sweeper struct {
	store      *Store
	classifier *classifier.Classifier
	now        func() time.Time
	log        zerolog.Logger
}

// sweep checks every entry of the generation once. An entry is expired
// when its age reaches its TTL: the lifetime declared by the response if
// any, else the TTL of its resource class. Failing entries are skipped.
func (s *sweeper) sweep(gen *Generation) (SweepReport, error) {
	var report SweepReport
	now := s.now()
	err := s.store.Keys(gen, func(key string) {
		report.Scanned++
		log := s.log.With().Str("generation", gen.ID()).Str("key", key).Logger()
		expired, err := s.expired(gen, key, now)
		if err != nil {
			report.Failed++
			log.Warn().Err(err).Msg("Could not check expiration")
			return
		}
		if !expired {
			return
		}
		if err := s.store.Delete(gen, key); err != nil {
			report.Failed++
			log.Error().Err(err).Msg("Could not delete expired entry")
			return
		}
		report.Expired++
		log.Trace().Msg("Deleted expired entry")
	})
	return report, err
}

func (s *sweeper) expired(gen *Generation, key string, now time.Time) (bool, error) {
	entry, ok, err := s.store.Get(gen, key)
	if err != nil || !ok {
		return false, err
	}
	defer entry.Response.Body.Close()
	_, ttl := s.classifier.TTL(entry.Response.Request)
	if lifetime, ok := rfc9111.DeclaredLifetime(entry.Response); ok {
		ttl = lifetime
	}
	return now.Sub(entry.StoredAt) >= ttl, nil
}
