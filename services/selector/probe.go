package selector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"moonstream/models"
)

// Measurement is what the probe transport reports for one media URL.
type Measurement struct {
	Quality     models.Quality
	BitrateKbps float64
	ElapsedMs   int64
}

// Transport performs the actual network measurement against a media URL.
// The selector only consumes it; services/mediaprobe provides the HTTP/HLS
// implementation.
type Transport interface {
	Measure(ctx context.Context, url string) (Measurement, error)
}

// Probe measures a set of candidate sources. Candidates are split into two
// halves probed sequentially, with full parallelism inside each half; this
// caps simultaneous outbound connections at roughly half the candidate
// count.
type Probe struct {
	transport Transport
	timeout   time.Duration
	cache     *ResultCache
}

func NewProbe(transport Transport, timeout time.Duration, cache *ResultCache) *Probe {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Probe{transport: transport, timeout: timeout, cache: cache}
}

// probeURL picks the address to measure. Multi-episode sources are probed
// through the second episode: first episodes disproportionately carry
// pre-roll ads that bias the measurement.
func probeURL(c models.CandidateSource) (string, bool) {
	switch {
	case len(c.EpisodeURLs) >= 2:
		return c.EpisodeURLs[1], true
	case len(c.EpisodeURLs) == 1:
		return c.EpisodeURLs[0], true
	default:
		return "", false
	}
}

// Run measures every candidate and returns one result per candidate keyed
// by identity. Every result, including failures, is also published to the
// shared probe-result cache so the UI can show per-source stats without
// re-measuring.
func (p *Probe) Run(ctx context.Context, candidates []models.CandidateSource) map[string]models.ProbeResult {
	if len(candidates) == 0 {
		return nil
	}

	start := time.Now()
	results := make(map[string]models.ProbeResult, len(candidates))
	var mu sync.Mutex

	record := func(r models.ProbeResult) {
		mu.Lock()
		results[r.SourceKey] = r
		mu.Unlock()
		if p.cache != nil {
			p.cache.Put(r)
		}
	}

	// Two sequential halves; the second does not start until every probe
	// in the first has settled.
	mid := (len(candidates) + 1) / 2
	for _, batch := range [][]models.CandidateSource{candidates[:mid], candidates[mid:]} {
		if len(batch) == 0 {
			continue
		}
		var wg conc.WaitGroup
		for _, c := range batch {
			c := c
			wg.Go(func() {
				record(p.probeOne(ctx, c))
			})
		}
		wg.Wait()
	}

	log.Printf("[selector] probed %d candidate(s) in %v", len(candidates), time.Since(start))
	return results
}

func (p *Probe) probeOne(ctx context.Context, c models.CandidateSource) models.ProbeResult {
	result := models.ProbeResult{SourceKey: c.Key()}

	url, ok := probeURL(c)
	if !ok {
		result.Error = "source has no episodes"
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	m, err := p.transport.Measure(probeCtx, url)
	if err != nil {
		log.Printf("[selector] probe failed key=%s: %v", c.Key(), err)
		result.Error = err.Error()
		return result
	}

	result.Quality = m.Quality
	result.SpeedKbps = m.BitrateKbps
	result.PingMs = m.ElapsedMs
	return result
}

// ResultCache retains probe results for the lifetime of the process so a
// later UI pass can reuse them without re-measuring.
type ResultCache struct {
	mu      sync.RWMutex
	results map[string]models.ProbeResult
}

func NewResultCache() *ResultCache {
	return &ResultCache{results: make(map[string]models.ProbeResult)}
}

func (c *ResultCache) Put(r models.ProbeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[r.SourceKey] = r
}

func (c *ResultCache) Get(sourceKey string) (models.ProbeResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[sourceKey]
	return r, ok
}

// Snapshot returns a copy of every cached result.
func (c *ResultCache) Snapshot() map[string]models.ProbeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]models.ProbeResult, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}
