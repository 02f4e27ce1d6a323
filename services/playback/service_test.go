package playback

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"moonstream/config"
	"moonstream/internal/database"
	"moonstream/models"
	"moonstream/services/adfilter"
	"moonstream/services/player"
	"moonstream/services/progress"
	"moonstream/services/selector"
)

type stubTransport struct{}

func (stubTransport) Measure(context.Context, string) (selector.Measurement, error) {
	return selector.Measurement{Quality: models.Quality1080p, BitrateKbps: 1000, ElapsedMs: 50}, nil
}

func testManager(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()

	cfg := config.NewManager(filepath.Join(dir, "settings.json"))
	if _, err := cfg.Load(); err != nil {
		t.Fatalf("load settings: %v", err)
	}

	db, err := database.Open(filepath.Join(dir, "playback.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sel := selector.NewService(stubTransport{}, time.Second, 1024)
	filter := adfilter.NewService(nil)
	store := progress.NewService(db)
	return NewService(cfg, sel, filter, nil, store)
}

func twoEpisodeSource(id string) models.CandidateSource {
	return models.CandidateSource{
		ID:         id,
		ProviderID: "ruyi",
		Title:      "show",
		EpisodeURLs: []string{
			"http://cdn.test/" + id + "/ep1.m3u8",
			"http://cdn.test/" + id + "/ep2.m3u8",
		},
	}
}

func TestStartSingleCandidate(t *testing.T) {
	m := testManager(t)

	res, err := m.Start(context.Background(), StartRequest{
		ContentID:  "content-1",
		Candidates: []models.CandidateSource{twoEpisodeSource("a")},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.SessionID == "" {
		t.Fatalf("empty session id")
	}
	if res.StreamURL != "http://cdn.test/a/ep1.m3u8" {
		t.Fatalf("stream url = %s", res.StreamURL)
	}

	info, err := m.Info(res.SessionID)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.State != models.SessionAttaching {
		t.Fatalf("state = %s, want attaching", info.State)
	}

	if err := m.Stop(context.Background(), res.SessionID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := m.Get(res.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session survived stop: %v", err)
	}
}

func TestStartPinnedSource(t *testing.T) {
	m := testManager(t)

	pinned := twoEpisodeSource("b")
	res, err := m.Start(context.Background(), StartRequest{
		ContentID:  "content-1",
		Candidates: []models.CandidateSource{twoEpisodeSource("a"), pinned},
		SourceKey:  pinned.Key(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Source.ID != "b" {
		t.Fatalf("source = %s, want pinned b", res.Source.ID)
	}

	if _, err := m.Start(context.Background(), StartRequest{
		ContentID:  "content-2",
		Candidates: []models.CandidateSource{twoEpisodeSource("a")},
		SourceKey:  "nope",
	}); err == nil {
		t.Fatalf("unknown pinned key accepted")
	}
}

// Starting the same content twice tears the first session down.
func TestStartReplacesSameContent(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	first, err := m.Start(ctx, StartRequest{ContentID: "c", Candidates: []models.CandidateSource{twoEpisodeSource("a")}})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	second, err := m.Start(ctx, StartRequest{ContentID: "c", Candidates: []models.CandidateSource{twoEpisodeSource("a")}})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if _, err := m.Get(first.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("first session still registered")
	}
	if _, err := m.Get(second.SessionID); err != nil {
		t.Fatalf("second session missing: %v", err)
	}
}

func TestEventAndCommandFlow(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	res, err := m.Start(ctx, StartRequest{ContentID: "c", Candidates: []models.CandidateSource{twoEpisodeSource("a")}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(ctx, res.SessionID)

	if err := m.PushEvent(res.SessionID, player.Event{Type: player.EventReady, Duration: 1200}); err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
	if err := m.PushEvent(res.SessionID, player.Event{Type: player.EventPlay}); err != nil {
		t.Fatalf("PushEvent play: %v", err)
	}

	// The controller reacts to play by acquiring the remote wake lock,
	// which lands on the command queue.
	deadline := time.After(2 * time.Second)
	for {
		cmds, err := m.Commands(res.SessionID)
		if err != nil {
			t.Fatalf("Commands: %v", err)
		}
		found := false
		for _, c := range cmds {
			if c.Type == "wakeLock" && c.Value == 1 {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("wake lock command never queued")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := m.PushEvent("missing", player.Event{Type: player.EventPlay}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("push to missing session: %v", err)
	}
}

func TestChangeEpisodeClamps(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	res, err := m.Start(ctx, StartRequest{ContentID: "c", Candidates: []models.CandidateSource{twoEpisodeSource("a")}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(ctx, res.SessionID)

	// An out-of-range index falls back to the first episode.
	if err := m.ChangeEpisode(ctx, res.SessionID, 50); err != nil {
		t.Fatalf("ChangeEpisode: %v", err)
	}
	info, _ := m.Info(res.SessionID)
	if info.EpisodeIndex != 0 {
		t.Fatalf("episode index = %d, want fallback to first (0)", info.EpisodeIndex)
	}

	advanced, err := m.NextEpisode(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("NextEpisode: %v", err)
	}
	if !advanced {
		t.Fatalf("did not advance from first episode")
	}

	advanced, err = m.NextEpisode(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("NextEpisode at last: %v", err)
	}
	if advanced {
		t.Fatalf("advanced past last episode")
	}
}

// The manifest proxy applies the session's ad filter before returning the
// playlist text.
func TestFetchManifestFiltersAds(t *testing.T) {
	manifest := "#EXTM3U\n#EXT-X-DISCONTINUITY\n#EXTINF:2.800000,\nfiller.ts\n#EXTINF:6.000000,\ncontent.ts\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(manifest))
	}))
	defer srv.Close()

	m := testManager(t)
	ctx := context.Background()

	res, err := m.Start(ctx, StartRequest{ContentID: "c", Candidates: []models.CandidateSource{twoEpisodeSource("a")}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(ctx, res.SessionID)

	out, err := m.FetchManifest(ctx, res.SessionID, player.ManifestLevel, srv.URL+"/level.m3u8")
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if strings.Contains(out, "#EXT-X-DISCONTINUITY") || strings.Contains(out, "filler.ts") {
		t.Fatalf("ad artifacts survived proxy:\n%s", out)
	}
	if !strings.Contains(out, "content.ts") {
		t.Fatalf("content dropped:\n%s", out)
	}
}

func TestFetchManifestRejectsNonPlaylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	m := testManager(t)
	ctx := context.Background()

	res, err := m.Start(ctx, StartRequest{ContentID: "c", Candidates: []models.CandidateSource{twoEpisodeSource("a")}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(ctx, res.SessionID)

	if _, err := m.FetchManifest(ctx, res.SessionID, player.ManifestLevel, srv.URL); err == nil {
		t.Fatalf("non-playlist body accepted")
	}
}

func TestReapIdleTearsDownSilentSessions(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	res, err := m.Start(ctx, StartRequest{ContentID: "c", Candidates: []models.CandidateSource{twoEpisodeSource("a")}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if n := m.ReapIdle(ctx, time.Hour); n != 0 {
		t.Fatalf("fresh session reaped")
	}

	sess, _ := m.Get(res.SessionID)
	sess.mu.Lock()
	sess.lastSeen = time.Now().Add(-time.Hour)
	sess.mu.Unlock()

	if n := m.ReapIdle(ctx, 10*time.Minute); n != 1 {
		t.Fatalf("reaped %d sessions, want 1", n)
	}
	if _, err := m.Get(res.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("idle session still registered")
	}
}

func TestStartOutOfRangeEpisodeFallsBackToFirst(t *testing.T) {
	m := testManager(t)

	res, err := m.Start(context.Background(), StartRequest{
		ContentID:    "c",
		Candidates:   []models.CandidateSource{twoEpisodeSource("a")},
		EpisodeIndex: 7,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(context.Background(), res.SessionID)

	if res.StreamURL != "http://cdn.test/a/ep1.m3u8" {
		t.Fatalf("stream url = %s, want first episode", res.StreamURL)
	}
}

func TestStartNoEpisodes(t *testing.T) {
	m := testManager(t)

	_, err := m.Start(context.Background(), StartRequest{
		ContentID:  "c",
		Candidates: []models.CandidateSource{{ID: "x", ProviderID: "p"}},
	})
	if !errors.Is(err, ErrNoEpisodeURL) {
		t.Fatalf("err = %v, want ErrNoEpisodeURL", err)
	}
}
