package player

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"moonstream/models"
)

type fakeDecoder struct {
	mu        sync.Mutex
	events    chan Event
	seeks     []float64
	position  float64
	duration  float64
	paused    bool
	plays     int
	pauses    int
	reloads   int
	recovers  int
	destroys  int
	volume    float64
	rate      float64
	switched  []string
	switchErr error
	comments  [][]models.Comment
	intercept ManifestInterceptor
	attached  []string
	attachErr error
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{events: make(chan Event, 16)}
}

func (d *fakeDecoder) Attach(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attached = append(d.attached, url)
	return d.attachErr
}

func (d *fakeDecoder) Events() <-chan Event { return d.events }

func (d *fakeDecoder) SetManifestInterceptor(fn ManifestInterceptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intercept = fn
}

func (d *fakeDecoder) Seek(seconds float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seeks = append(d.seeks, seconds)
	d.position = seconds
}

func (d *fakeDecoder) Play() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plays++
	d.paused = false
}

func (d *fakeDecoder) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pauses++
	d.paused = true
}

func (d *fakeDecoder) SetVolume(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = v
}

func (d *fakeDecoder) SetRate(r float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rate = r
}

func (d *fakeDecoder) SwitchSource(url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.switchErr != nil {
		return d.switchErr
	}
	d.switched = append(d.switched, url)
	return nil
}

func (d *fakeDecoder) ReloadStream() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reloads++
}

func (d *fakeDecoder) RecoverDecode() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recovers++
}

func (d *fakeDecoder) SetOverlayComments(c []models.Comment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.comments = append(d.comments, c)
}

func (d *fakeDecoder) CurrentTime() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

func (d *fakeDecoder) Duration() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duration
}

func (d *fakeDecoder) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

func (d *fakeDecoder) Destroy(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroys++
	if d.destroys == 1 {
		close(d.events)
	}
	return nil
}

func (d *fakeDecoder) seekCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seeks)
}

var _ Decoder = (*fakeDecoder)(nil)

type fakeStore struct {
	mu       sync.Mutex
	progress *models.ProgressRecord
	skip     *models.SkipConfig
	saves    []models.ProgressRecord
	loadErr  error
}

func (f *fakeStore) GetProgress(context.Context, string, string) (*models.ProgressRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress, f.loadErr
}

func (f *fakeStore) SaveProgress(_ context.Context, rec models.ProgressRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, rec)
	return nil
}

func (f *fakeStore) GetSkipConfig(context.Context, string, string) (*models.SkipConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skip, nil
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeStore) lastSave() models.ProgressRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[len(f.saves)-1]
}

type fakeLock struct {
	mu       sync.Mutex
	acquires int
	releases int
}

func (l *fakeLock) Acquire(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	return nil
}

func (l *fakeLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func testController(dec *fakeDecoder, store *fakeStore, lock WakeLock) *Controller {
	return NewController(dec, Options{
		SourceID:          "src",
		ProviderID:        "prov",
		ContentID:         "content",
		EpisodeIndex:      0,
		StreamURL:         "http://example.test/ep1.m3u8",
		Store:             store,
		WakeLock:          lock,
		ProgressInterval:  10 * time.Second,
		SkipCheckInterval: 1500 * time.Millisecond,
	})
}

func TestResumeSeekNearEndClamps(t *testing.T) {
	dec := newFakeDecoder()
	dec.duration = 100
	store := &fakeStore{progress: &models.ProgressRecord{EpisodeIndex: 1, PlaySeconds: 99}}

	c := testController(dec, store, nil)
	c.loadPersisted(context.Background())
	c.onReady()

	if dec.seekCount() != 1 {
		t.Fatalf("seeks = %d, want 1", dec.seekCount())
	}
	if got := dec.seeks[0]; got != 95 {
		t.Fatalf("resume seek = %v, want clamped 95", got)
	}
}

func TestResumeSeekNormalTarget(t *testing.T) {
	dec := newFakeDecoder()
	dec.duration = 100
	store := &fakeStore{progress: &models.ProgressRecord{EpisodeIndex: 1, PlaySeconds: 42}}

	c := testController(dec, store, nil)
	c.loadPersisted(context.Background())
	c.onReady()

	if dec.seekCount() != 1 || dec.seeks[0] != 42 {
		t.Fatalf("seeks = %v, want [42]", dec.seeks)
	}
}

func TestResumeSeekAppliedOnce(t *testing.T) {
	dec := newFakeDecoder()
	dec.duration = 100
	store := &fakeStore{progress: &models.ProgressRecord{EpisodeIndex: 1, PlaySeconds: 42}}

	c := testController(dec, store, nil)
	c.loadPersisted(context.Background())
	c.onReady()
	c.onReady()

	if dec.seekCount() != 1 {
		t.Fatalf("resume seek fired %d times, want once", dec.seekCount())
	}
}

func TestResumeIgnoresOtherEpisode(t *testing.T) {
	dec := newFakeDecoder()
	dec.duration = 100
	store := &fakeStore{progress: &models.ProgressRecord{EpisodeIndex: 3, PlaySeconds: 42}}

	c := testController(dec, store, nil)
	c.loadPersisted(context.Background())
	c.onReady()

	if dec.seekCount() != 0 {
		t.Fatalf("seeked using another episode's progress: %v", dec.seeks)
	}
}

func TestFlushSkipsJunkRecords(t *testing.T) {
	dec := newFakeDecoder()
	store := &fakeStore{}
	c := testController(dec, store, nil)

	// Under one second played.
	dec.position = 0.5
	dec.duration = 100
	c.flushProgress()

	// Duration unknown.
	dec.position = 30
	dec.duration = 0
	c.flushProgress()

	if store.saveCount() != 0 {
		t.Fatalf("junk records saved: %+v", store.saves)
	}

	dec.duration = 100
	c.flushProgress()
	if store.saveCount() != 1 {
		t.Fatalf("valid record not saved")
	}
	rec := store.lastSave()
	if rec.PlaySeconds != 30 || rec.TotalSeconds != 100 || rec.EpisodeIndex != 1 {
		t.Fatalf("saved record = %+v", rec)
	}
}

func TestTickFlushThrottled(t *testing.T) {
	dec := newFakeDecoder()
	dec.duration = 100
	store := &fakeStore{}
	c := testController(dec, store, nil)

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	c.lastFlush = now

	dec.position = 30
	c.onTick(30, 100)
	if store.saveCount() != 0 {
		t.Fatalf("flushed before interval elapsed")
	}

	now = now.Add(11 * time.Second)
	c.onTick(41, 100)
	if store.saveCount() != 1 {
		t.Fatalf("flush not performed after interval, saves=%d", store.saveCount())
	}
}

func TestSkipIntroSingleSeekWithinWindow(t *testing.T) {
	dec := newFakeDecoder()
	dec.duration = 1200
	c := testController(dec, &fakeStore{}, nil)
	c.SetSkipConfig(models.SkipConfig{Enabled: true, IntroSeconds: 90})

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	c.lastFlush = now

	dec.position = 30
	c.onTick(30, 1200)
	if dec.seekCount() != 1 || dec.seeks[0] != 90 {
		t.Fatalf("seeks = %v, want single seek to 90", dec.seeks)
	}

	// A second check inside the rate-limit window is suppressed entirely.
	now = now.Add(500 * time.Millisecond)
	dec.position = 31
	c.onTick(31, 1200)
	if dec.seekCount() != 1 {
		t.Fatalf("skip check not rate limited: %v", dec.seeks)
	}
}

func TestSkipOutroPausesWithoutNextEpisode(t *testing.T) {
	dec := newFakeDecoder()
	dec.duration = 1200
	c := testController(dec, &fakeStore{}, nil)
	c.SetSkipConfig(models.SkipConfig{Enabled: true, OutroOffsetSeconds: -60})

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	c.lastFlush = now

	dec.position = 1150
	c.onTick(1150, 1200)

	if dec.pauses != 1 {
		t.Fatalf("pauses = %d, want 1", dec.pauses)
	}
	if dec.seekCount() != 0 {
		t.Fatalf("unexpected seek at outro: %v", dec.seeks)
	}
}

func TestSkipOutroAdvancesWhenNextExists(t *testing.T) {
	dec := newFakeDecoder()
	dec.duration = 1200
	c := testController(dec, &fakeStore{}, nil)
	c.SetSkipConfig(models.SkipConfig{Enabled: true, OutroOffsetSeconds: -60})

	advanced := false
	c.SetNextEpisodeHook(func() bool {
		advanced = true
		return true
	})

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	c.lastFlush = now

	dec.position = 1150
	c.onTick(1150, 1200)

	if !advanced {
		t.Fatalf("next-episode hook not invoked")
	}
	if dec.pauses != 0 {
		t.Fatalf("paused despite successful advance")
	}
}

func TestSkipDisabledConfigIgnored(t *testing.T) {
	dec := newFakeDecoder()
	dec.duration = 1200
	c := testController(dec, &fakeStore{}, nil)
	c.SetSkipConfig(models.SkipConfig{Enabled: false, IntroSeconds: 90})

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	c.lastFlush = now

	dec.position = 30
	c.onTick(30, 1200)
	if dec.seekCount() != 0 {
		t.Fatalf("disabled skip config still seeked: %v", dec.seeks)
	}
}

func TestErrorRecoveryByCategory(t *testing.T) {
	dec := newFakeDecoder()
	c := testController(dec, &fakeStore{}, nil)

	c.onError(&StreamError{Category: ErrorNetwork, Fatal: true})
	if dec.reloads != 1 {
		t.Fatalf("reloads = %d, want 1", dec.reloads)
	}
	if c.State() != models.SessionAttaching {
		t.Fatalf("state = %s, want attaching during reload", c.State())
	}

	c.onReady()
	c.onError(&StreamError{Category: ErrorMedia, Fatal: true})
	if dec.recovers != 1 {
		t.Fatalf("recovers = %d, want 1", dec.recovers)
	}
}

func TestErrorRecoveryBudgetEscalates(t *testing.T) {
	dec := newFakeDecoder()
	var terminal error
	c := testController(dec, &fakeStore{}, nil)
	c.opts.OnTerminal = func(err error) { terminal = err }

	// Two consecutive recoveries are attempted; the third fatal without an
	// intervening ready escalates to a terminal error.
	c.onError(&StreamError{Category: ErrorNetwork, Fatal: true})
	c.onError(&StreamError{Category: ErrorNetwork, Fatal: true})
	if c.State() == models.SessionError {
		t.Fatalf("escalated too early")
	}
	c.onError(&StreamError{Category: ErrorNetwork, Fatal: true})

	if c.State() != models.SessionError {
		t.Fatalf("state = %s, want error after budget exhausted", c.State())
	}
	if terminal == nil {
		t.Fatalf("terminal callback not invoked")
	}
	if dec.reloads != 2 {
		t.Fatalf("reloads = %d, want 2", dec.reloads)
	}
}

func TestReadyResetsRecoveryBudget(t *testing.T) {
	dec := newFakeDecoder()
	c := testController(dec, &fakeStore{}, nil)

	c.onError(&StreamError{Category: ErrorNetwork, Fatal: true})
	c.onError(&StreamError{Category: ErrorNetwork, Fatal: true})
	c.onReady()
	c.onError(&StreamError{Category: ErrorNetwork, Fatal: true})

	if c.State() == models.SessionError {
		t.Fatalf("budget not reset by ready signal")
	}
	if dec.reloads != 3 {
		t.Fatalf("reloads = %d, want 3", dec.reloads)
	}
}

func TestNonFatalErrorIgnored(t *testing.T) {
	dec := newFakeDecoder()
	c := testController(dec, &fakeStore{}, nil)

	c.onError(&StreamError{Category: ErrorNetwork, Fatal: false})
	if dec.reloads != 0 || c.State() == models.SessionError {
		t.Fatalf("non-fatal error triggered recovery")
	}
}

func TestOtherCategoryIsTerminal(t *testing.T) {
	dec := newFakeDecoder()
	c := testController(dec, &fakeStore{}, nil)

	c.onError(&StreamError{Category: ErrorOther, Fatal: true})
	if c.State() != models.SessionError {
		t.Fatalf("state = %s, want error", c.State())
	}
	if dec.reloads != 0 && dec.recovers != 0 {
		t.Fatalf("recovery attempted for unrecoverable category")
	}
}

func TestWakeLockFollowsPlayPause(t *testing.T) {
	dec := newFakeDecoder()
	lock := &fakeLock{}
	store := &fakeStore{}
	c := testController(dec, store, lock)

	c.onPlay()
	if lock.acquires != 1 {
		t.Fatalf("acquires = %d, want 1", lock.acquires)
	}
	if c.State() != models.SessionPlaying {
		t.Fatalf("state = %s, want playing", c.State())
	}

	dec.position = 30
	dec.duration = 100
	c.onPause()
	if lock.releases != 1 {
		t.Fatalf("releases = %d, want 1", lock.releases)
	}
	if store.saveCount() != 1 {
		t.Fatalf("pause did not flush progress")
	}
	if c.State() != models.SessionPaused {
		t.Fatalf("state = %s, want paused", c.State())
	}
}

func TestTeardownIdempotent(t *testing.T) {
	dec := newFakeDecoder()
	lock := &fakeLock{}
	store := &fakeStore{}
	c := testController(dec, store, lock)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dec.mu.Lock()
	dec.position = 30
	dec.duration = 100
	dec.mu.Unlock()

	ctx := context.Background()
	c.Teardown(ctx)
	c.Teardown(ctx)

	if dec.destroys != 1 {
		t.Fatalf("destroys = %d, want 1", dec.destroys)
	}
	if store.saveCount() != 1 {
		t.Fatalf("final flush count = %d, want 1", store.saveCount())
	}
	if lock.releases != 1 {
		t.Fatalf("releases = %d, want 1", lock.releases)
	}
	if c.State() != models.SessionTornDown {
		t.Fatalf("state = %s, want torndown", c.State())
	}
}

func TestStartAttachFailureIsTerminal(t *testing.T) {
	dec := newFakeDecoder()
	dec.attachErr = errors.New("bad url")
	c := testController(dec, &fakeStore{}, nil)

	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("Start succeeded despite attach failure")
	}
	if c.State() != models.SessionError {
		t.Fatalf("state = %s, want error", c.State())
	}
}

func TestEventLoopDrivesStateMachine(t *testing.T) {
	dec := newFakeDecoder()
	store := &fakeStore{}
	c := testController(dec, store, &fakeLock{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dec.mu.Lock()
	dec.position = 30
	dec.duration = 100
	dec.mu.Unlock()

	dec.events <- Event{Type: EventReady, Duration: 100}
	dec.events <- Event{Type: EventPlay}
	dec.events <- Event{Type: EventEnded, Position: 100, Duration: 100}

	deadline := time.After(2 * time.Second)
	for c.State() != models.SessionEnded {
		select {
		case <-deadline:
			t.Fatalf("state = %s, want ended", c.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	c.Teardown(context.Background())
}
