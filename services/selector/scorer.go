package selector

import (
	"math"
	"sort"

	"moonstream/models"
)

// Sub-score weights. Quality and speed dominate; latency is a tiebreaker.
const (
	weightQuality = 0.4
	weightSpeed   = 0.4
	weightLatency = 0.2

	// Speed sub-score while a measurement is unknown or still in flight.
	speedScoreUnknown = 30
)

var qualityScores = map[models.Quality]float64{
	models.Quality4K:    100,
	models.Quality2K:    85,
	models.Quality1080p: 75,
	models.Quality720p:  60,
	models.Quality480p:  40,
	models.QualitySD:    20,
}

// Bounds are the batch-wide extremes a score is computed against. They are
// derived from the full probe batch so that re-scoring any single result is
// deterministic and position-independent.
type Bounds struct {
	MaxSpeedKbps float64
	MinPingMs    int64
	MaxPingMs    int64
}

// BoundsOf derives scoring bounds from a probe batch. fallbackSpeedKbps
// keeps the speed formula well-defined when no candidate produced a
// measurable speed.
func BoundsOf(results []models.ProbeResult, fallbackSpeedKbps float64) Bounds {
	b := Bounds{}
	for _, r := range results {
		if r.Failed() {
			continue
		}
		if r.SpeedKbps > b.MaxSpeedKbps {
			b.MaxSpeedKbps = r.SpeedKbps
		}
		if r.PingMs > 0 {
			if b.MinPingMs == 0 || r.PingMs < b.MinPingMs {
				b.MinPingMs = r.PingMs
			}
			if r.PingMs > b.MaxPingMs {
				b.MaxPingMs = r.PingMs
			}
		}
	}
	if b.MaxSpeedKbps <= 0 {
		if fallbackSpeedKbps <= 0 {
			fallbackSpeedKbps = 1024
		}
		b.MaxSpeedKbps = fallbackSpeedKbps
	}
	return b
}

// Score computes the weighted composite score for one probe result against
// the batch bounds. It is pure: the same result and bounds always produce
// the same value, rounded to two decimal places.
func Score(r models.ProbeResult, b Bounds) float64 {
	quality := qualityScores[r.Quality]

	speed := float64(speedScoreUnknown)
	if r.SpeedKbps > 0 && b.MaxSpeedKbps > 0 {
		speed = 100 * r.SpeedKbps / b.MaxSpeedKbps
		if speed > 100 {
			speed = 100
		}
	}

	latency := 0.0
	if r.PingMs > 0 {
		if b.MaxPingMs == b.MinPingMs {
			latency = 100
		} else {
			latency = 100 * float64(b.MaxPingMs-r.PingMs) / float64(b.MaxPingMs-b.MinPingMs)
			if latency < 0 {
				latency = 0
			} else if latency > 100 {
				latency = 100
			}
		}
	}

	total := weightQuality*quality + weightSpeed*speed + weightLatency*latency
	return math.Round(total*100) / 100
}

// Ranked pairs a probe result with its computed score.
type Ranked struct {
	Result models.ProbeResult
	Score  float64
}

// Rank scores every successful result and orders them best-first. The sort
// is stable, so equal scores keep first-seen order.
func Rank(results []models.ProbeResult, fallbackSpeedKbps float64) []Ranked {
	bounds := BoundsOf(results, fallbackSpeedKbps)

	ranked := make([]Ranked, 0, len(results))
	for _, r := range results {
		if r.Failed() {
			continue
		}
		ranked = append(ranked, Ranked{Result: r, Score: Score(r, bounds)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}
