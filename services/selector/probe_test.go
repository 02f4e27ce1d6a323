package selector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"moonstream/models"
)

type fakeTransport struct {
	mu       sync.Mutex
	calls    []string
	measure  func(url string) (Measurement, error)
	inFlight int
	maxSeen  int
}

func (f *fakeTransport) Measure(ctx context.Context, url string) (Measurement, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.measure != nil {
		return f.measure(url)
	}
	return Measurement{Quality: models.Quality1080p, BitrateKbps: 1000, ElapsedMs: 50}, nil
}

func (f *fakeTransport) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func candidate(id string, episodes ...string) models.CandidateSource {
	return models.CandidateSource{ID: id, ProviderID: "p", EpisodeURLs: episodes}
}

func TestProbePrefersSecondEpisode(t *testing.T) {
	ft := &fakeTransport{}
	p := NewProbe(ft, time.Second, nil)

	p.Run(context.Background(), []models.CandidateSource{
		candidate("multi", "ep1", "ep2", "ep3"),
		candidate("single", "only"),
	})

	urls := ft.urls()
	seen := map[string]bool{}
	for _, u := range urls {
		seen[u] = true
	}
	if !seen["ep2"] || seen["ep1"] {
		t.Fatalf("multi-episode source probed %v, want ep2 not ep1", urls)
	}
	if !seen["only"] {
		t.Fatalf("single-episode source not probed: %v", urls)
	}
}

func TestProbeEmptyEpisodeListFails(t *testing.T) {
	ft := &fakeTransport{}
	p := NewProbe(ft, time.Second, nil)

	results := p.Run(context.Background(), []models.CandidateSource{candidate("empty")})
	r := results["p_empty"]
	if !r.Failed() {
		t.Fatalf("expected failure for empty episode list, got %+v", r)
	}
	if len(ft.urls()) != 0 {
		t.Fatalf("transport called for empty source: %v", ft.urls())
	}
}

// Probing runs in two sequential halves. With four candidates no more than
// two measurements may be in flight at once, and the second half must not
// start before the first settles.
func TestProbeTwoSequentialHalves(t *testing.T) {
	ft := &fakeTransport{}
	p := NewProbe(ft, time.Second, nil)

	p.Run(context.Background(), []models.CandidateSource{
		candidate("a", "a1", "a2"),
		candidate("b", "b1", "b2"),
		candidate("c", "c1", "c2"),
		candidate("d", "d1", "d2"),
	})

	if ft.maxSeen > 2 {
		t.Fatalf("max concurrent probes = %d, want <= 2", ft.maxSeen)
	}

	urls := ft.urls()
	if len(urls) != 4 {
		t.Fatalf("probed %d urls, want 4", len(urls))
	}
	firstHalf := map[string]bool{"a2": true, "b2": true}
	if !firstHalf[urls[0]] || !firstHalf[urls[1]] {
		t.Fatalf("first half ran out of order: %v", urls)
	}
}

func TestProbeRecordsFailuresAndCache(t *testing.T) {
	ft := &fakeTransport{
		measure: func(url string) (Measurement, error) {
			if url == "bad2" {
				return Measurement{}, errors.New("boom")
			}
			return Measurement{Quality: models.Quality720p, BitrateKbps: 500, ElapsedMs: 80}, nil
		},
	}
	cache := NewResultCache()
	p := NewProbe(ft, time.Second, cache)

	results := p.Run(context.Background(), []models.CandidateSource{
		candidate("good", "good1", "good2"),
		candidate("bad", "bad1", "bad2"),
	})

	if results["p_bad"].Error == "" {
		t.Fatalf("expected error recorded for failed probe")
	}
	if results["p_good"].Quality != models.Quality720p {
		t.Fatalf("good result = %+v", results["p_good"])
	}

	// Failures are cached too.
	if _, ok := cache.Get("p_bad"); !ok {
		t.Fatalf("failed probe not published to cache")
	}
	if len(cache.Snapshot()) != 2 {
		t.Fatalf("cache holds %d results, want 2", len(cache.Snapshot()))
	}
}
