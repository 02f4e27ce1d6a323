package selector

import (
	"context"
	"errors"
	"log"
	"time"

	"moonstream/models"
)

var ErrNoCandidates = errors.New("no candidate sources")

// Service picks one winning source from a set of candidates by probing and
// scoring them.
type Service struct {
	probe             *Probe
	cache             *ResultCache
	fallbackSpeedKbps float64
}

// NewService builds a selector around the given probe transport.
func NewService(transport Transport, probeTimeout time.Duration, fallbackSpeedKbps float64) *Service {
	cache := NewResultCache()
	return &Service{
		probe:             NewProbe(transport, probeTimeout, cache),
		cache:             cache,
		fallbackSpeedKbps: fallbackSpeedKbps,
	}
}

// Selection is the outcome of one selection round: the winner plus the full
// probe-result map for downstream display.
type Selection struct {
	Winner  models.CandidateSource        `json:"winner"`
	Results map[string]models.ProbeResult `json:"results,omitempty"`
	Ranked  []Ranked                      `json:"ranked,omitempty"`
}

// Select picks the best candidate. A lone candidate wins without probing.
// When every probe fails, the first candidate wins unconditionally:
// availability beats quality when measurement is impossible.
func (s *Service) Select(ctx context.Context, candidates []models.CandidateSource) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if len(candidates) == 1 {
		return &Selection{Winner: candidates[0]}, nil
	}

	results := s.probe.Run(ctx, candidates)
	ranked := resultsInOrder(candidates, results, s.fallbackSpeedKbps)

	if len(ranked) == 0 {
		log.Printf("[selector] all %d probes failed; falling back to first candidate %s", len(candidates), candidates[0].Key())
		return &Selection{Winner: candidates[0], Results: results}, nil
	}

	winnerKey := ranked[0].Result.SourceKey
	for _, c := range candidates {
		if c.Key() == winnerKey {
			log.Printf("[selector] selected %s score=%.2f quality=%s", winnerKey, ranked[0].Score, ranked[0].Result.Quality)
			return &Selection{Winner: c, Results: results, Ranked: ranked}, nil
		}
	}

	// Unreachable unless the probe returned a key it was not given.
	return &Selection{Winner: candidates[0], Results: results, Ranked: ranked}, nil
}

// resultsInOrder ranks successes while preserving candidate order for the
// stable tie-break (first seen wins).
func resultsInOrder(candidates []models.CandidateSource, results map[string]models.ProbeResult, fallbackSpeedKbps float64) []Ranked {
	ordered := make([]models.ProbeResult, 0, len(candidates))
	for _, c := range candidates {
		if r, ok := results[c.Key()]; ok {
			ordered = append(ordered, r)
		}
	}
	return Rank(ordered, fallbackSpeedKbps)
}

// ProbeResults exposes the shared probe-result cache.
func (s *Service) ProbeResults() map[string]models.ProbeResult {
	return s.cache.Snapshot()
}

// ProbeResult returns one cached measurement by source key.
func (s *Service) ProbeResult(sourceKey string) (models.ProbeResult, bool) {
	return s.cache.Get(sourceKey)
}
