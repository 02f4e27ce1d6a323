package player

import (
	"context"
	"log"
	"sync"
	"time"

	"moonstream/models"
	"moonstream/services/progress"
)

var _ ProgressStore = (*progress.Service)(nil)

// maxConsecutiveRecoveries bounds the in-place recovery loop: a fatal
// error arriving after this many recoveries without an intervening ready
// signal escalates to a terminal session error.
const maxConsecutiveRecoveries = 2

// ProgressStore is the slice of the persistence collaborator the
// controller needs. Saves are best-effort; only the initial load gates
// session start, and even that is bounded by a timeout.
type ProgressStore interface {
	GetProgress(ctx context.Context, sourceID, contentID string) (*models.ProgressRecord, error)
	SaveProgress(ctx context.Context, rec models.ProgressRecord) error
	GetSkipConfig(ctx context.Context, sourceID, contentID string) (*models.SkipConfig, error)
}

// ManifestFilter rewrites manifest text for a provider.
type ManifestFilter interface {
	Apply(provider, manifest string) string
}

// Options configures one playback session.
type Options struct {
	SourceID     string
	ProviderID   string
	ContentID    string
	EpisodeIndex int // 0-based position in the source's episode list
	StreamURL    string

	AdFilterEnabled bool
	Filter          ManifestFilter
	Store           ProgressStore
	WakeLock        WakeLock

	ProgressInterval  time.Duration // min gap between periodic flushes
	SkipCheckInterval time.Duration // min gap between intro/outro checks
	ResumeLoadTimeout time.Duration // max wait for the initial progress load

	Volume float64
	Rate   float64
	// RateRestoreRequired is set on platforms whose native players drop
	// the playback rate across attach.
	RateRestoreRequired bool

	// OnTerminal is invoked once when the session fails fatally.
	OnTerminal func(err error)
	// OnEnded is invoked when the stream plays to its natural end.
	OnEnded func()
}

// Controller owns one playback session. It is the single writer of all
// session state: every mutation funnels through its event loop or its
// mutex-guarded public methods.
type Controller struct {
	opts Options
	dec  Decoder

	mu            sync.Mutex
	state         models.SessionState
	episodeIndex  int
	streamURL     string
	resumeTarget  float64
	resumePending bool
	skipConfig    models.SkipConfig

	lastFlush     time.Time
	lastSkipCheck time.Time
	recoveries    int
	terminalErr   error

	// nextEpisode is invoked when the outro boundary is crossed. It
	// returns true when a next episode exists and the advance was
	// initiated; otherwise the controller pauses at the boundary.
	nextEpisode func() bool

	now      func() time.Time
	loopDone chan struct{}
	tearOnce sync.Once
}

// SetNextEpisodeHook installs the outro auto-advance hook. The hook must
// not block: a switch initiated from it has to run off the event loop.
func (c *Controller) SetNextEpisodeHook(fn func() bool) {
	c.mu.Lock()
	c.nextEpisode = fn
	c.mu.Unlock()
}

// NewController builds a controller around the given decoder. Call Start
// to attach and begin the event loop.
func NewController(dec Decoder, opts Options) *Controller {
	if opts.WakeLock == nil {
		opts.WakeLock = NopWakeLock{}
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 10 * time.Second
	}
	if opts.SkipCheckInterval <= 0 {
		opts.SkipCheckInterval = 1500 * time.Millisecond
	}
	if opts.ResumeLoadTimeout <= 0 {
		opts.ResumeLoadTimeout = 3 * time.Second
	}
	if opts.Volume <= 0 {
		opts.Volume = 1.0
	}
	if opts.Rate <= 0 {
		opts.Rate = 1.0
	}
	return &Controller{
		opts:         opts,
		dec:          dec,
		state:        models.SessionIdle,
		episodeIndex: opts.EpisodeIndex,
		streamURL:    opts.StreamURL,
		now:          time.Now,
		loopDone:     make(chan struct{}),
	}
}

// Start loads resume data and skip configuration, installs the manifest
// interceptor, attaches the decoder, and launches the event loop. A failed
// attach is a terminal AttachmentFailure.
func (c *Controller) Start(ctx context.Context) error {
	c.loadPersisted(ctx)

	if c.opts.AdFilterEnabled && c.opts.Filter != nil {
		provider := c.opts.ProviderID
		filter := c.opts.Filter
		c.dec.SetManifestInterceptor(func(kind ManifestKind, text string) string {
			// Only playlist fetches come through this hook; media
			// segments are never rewritten.
			if kind != ManifestMaster && kind != ManifestLevel {
				return text
			}
			return filter.Apply(provider, text)
		})
	}

	c.mu.Lock()
	c.state = models.SessionAttaching
	url := c.streamURL
	c.mu.Unlock()

	if err := c.dec.Attach(ctx, url); err != nil {
		c.mu.Lock()
		c.state = models.SessionError
		c.terminalErr = err
		c.mu.Unlock()
		return err
	}

	go c.loop()
	return nil
}

// loadPersisted restores the resume point and skip config. A slow or
// failing load degrades to "no resume data" rather than blocking startup.
func (c *Controller) loadPersisted(ctx context.Context) {
	if c.opts.Store == nil {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, c.opts.ResumeLoadTimeout)
	defer cancel()

	if rec, err := c.opts.Store.GetProgress(loadCtx, c.opts.SourceID, c.opts.ContentID); err != nil {
		log.Printf("[player] progress load failed, starting from zero: %v", err)
	} else if rec != nil && rec.EpisodeIndex == c.opts.EpisodeIndex+1 && rec.PlaySeconds > 0 {
		c.mu.Lock()
		c.resumeTarget = rec.PlaySeconds
		c.resumePending = true
		c.mu.Unlock()
	}

	if cfg, err := c.opts.Store.GetSkipConfig(loadCtx, c.opts.SourceID, c.opts.ContentID); err != nil {
		log.Printf("[player] skip config load failed: %v", err)
	} else if cfg != nil {
		c.mu.Lock()
		c.skipConfig = *cfg
		c.mu.Unlock()
	}
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	for ev := range c.dec.Events() {
		switch ev.Type {
		case EventReady:
			c.onReady()
		case EventPlay:
			c.onPlay()
		case EventPause:
			c.onPause()
		case EventTimeUpdate:
			c.onTick(ev.Position, ev.Duration)
		case EventEnded:
			c.onEnded()
		case EventError:
			c.onError(ev.Err)
		case EventVolumeChange, EventRateChange:
			// Preference changes are persisted by the settings layer, not
			// per session.
		}
	}
}

func (c *Controller) onReady() {
	c.mu.Lock()
	c.recoveries = 0
	if c.state == models.SessionAttaching || c.state == models.SessionError {
		c.state = models.SessionReady
	}
	applyResume := c.resumePending
	target := c.resumeTarget
	c.resumePending = false
	c.mu.Unlock()

	if applyResume {
		duration := c.dec.Duration()
		// Landing within two seconds of the end would start past the last
		// renderable frame; back off to five seconds before it.
		if duration > 0 && target > duration-2 {
			target = duration - 5
		}
		if target > 0 {
			log.Printf("[player] resuming at %.1fs", target)
			c.dec.Seek(target)
		}
	}

	c.dec.SetVolume(c.opts.Volume)
	if c.opts.RateRestoreRequired {
		c.dec.SetRate(c.opts.Rate)
	}
}

func (c *Controller) onPlay() {
	c.mu.Lock()
	c.state = models.SessionPlaying
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.opts.WakeLock.Acquire(ctx); err != nil {
		log.Printf("[player] wake lock acquire failed: %v", err)
	}
}

func (c *Controller) onPause() {
	c.mu.Lock()
	c.state = models.SessionPaused
	c.lastFlush = c.now()
	c.mu.Unlock()

	c.flushProgress()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.opts.WakeLock.Release(ctx); err != nil {
		log.Printf("[player] wake lock release failed: %v", err)
	}
}

// onTick handles the decoder's throttled time-update signal: periodic
// progress flushes and intro/outro skip checks, each independently
// rate-limited.
func (c *Controller) onTick(position, duration float64) {
	now := c.now()

	c.mu.Lock()
	flushDue := now.Sub(c.lastFlush) >= c.opts.ProgressInterval
	if flushDue {
		c.lastFlush = now
	}
	skipDue := now.Sub(c.lastSkipCheck) >= c.opts.SkipCheckInterval
	if skipDue {
		c.lastSkipCheck = now
	}
	cfg := c.skipConfig
	c.mu.Unlock()

	if flushDue {
		c.flushProgress()
	}
	if skipDue && cfg.Enabled {
		c.checkSkip(cfg, position, duration)
	}
}

func (c *Controller) checkSkip(cfg models.SkipConfig, position, duration float64) {
	if cfg.IntroSeconds > 0 && position < cfg.IntroSeconds {
		log.Printf("[player] skipping intro to %.1fs", cfg.IntroSeconds)
		c.dec.Seek(cfg.IntroSeconds)
		return
	}
	if cfg.OutroOffsetSeconds < 0 && duration > 0 && position > duration+cfg.OutroOffsetSeconds {
		c.mu.Lock()
		next := c.nextEpisode
		c.mu.Unlock()
		if next != nil && next() {
			log.Printf("[player] outro reached, advancing to next episode")
			return
		}
		log.Printf("[player] outro reached with no next episode, pausing")
		c.dec.Pause()
	}
}

func (c *Controller) onEnded() {
	c.mu.Lock()
	c.state = models.SessionEnded
	c.mu.Unlock()

	c.flushProgress()
	if c.opts.OnEnded != nil {
		c.opts.OnEnded()
	}
}

// onError classifies a transport error. Network-class fatals reload the
// segment window in place; media-class fatals attempt decode recovery;
// everything else is terminal. The recovery loop is bounded: repeated
// fatals without an intervening ready signal escalate instead of looping.
func (c *Controller) onError(streamErr *StreamError) {
	if streamErr == nil {
		return
	}
	if !streamErr.Fatal {
		log.Printf("[player] recoverable stream error ignored: %v", streamErr)
		return
	}

	c.mu.Lock()
	c.recoveries++
	attempts := c.recoveries
	c.mu.Unlock()

	if attempts > maxConsecutiveRecoveries {
		log.Printf("[player] recovery budget exhausted after %d attempts: %v", attempts-1, streamErr)
		c.fail(streamErr)
		return
	}

	switch streamErr.Category {
	case ErrorNetwork:
		log.Printf("[player] network error, reloading stream (attempt %d/%d): %v", attempts, maxConsecutiveRecoveries, streamErr)
		c.mu.Lock()
		c.state = models.SessionAttaching
		c.mu.Unlock()
		c.dec.ReloadStream()
	case ErrorMedia:
		log.Printf("[player] media error, recovering decode (attempt %d/%d): %v", attempts, maxConsecutiveRecoveries, streamErr)
		c.dec.RecoverDecode()
	default:
		c.fail(streamErr)
	}
}

// fail marks the session terminal and destroys the decoder.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	if c.state == models.SessionError || c.state == models.SessionTornDown {
		c.mu.Unlock()
		return
	}
	c.state = models.SessionError
	c.terminalErr = err
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.dec.Destroy(ctx)

	if c.opts.OnTerminal != nil {
		c.opts.OnTerminal(err)
	}
}

// SnapshotProgress captures a progress record for the current position.
// Returns false for junk records from aborted loads: played time under
// one second or an unknown duration.
func (c *Controller) SnapshotProgress() (models.ProgressRecord, bool) {
	position := c.dec.CurrentTime()
	duration := c.dec.Duration()
	if position < 1 || duration <= 0 {
		return models.ProgressRecord{}, false
	}

	c.mu.Lock()
	episode := c.episodeIndex
	c.mu.Unlock()

	return models.ProgressRecord{
		ContentID:    c.opts.ContentID,
		SourceID:     c.opts.SourceID,
		EpisodeIndex: episode + 1,
		PlaySeconds:  position,
		TotalSeconds: duration,
		SavedAt:      c.now(),
	}, true
}

// flushProgress persists the current position, subject to the junk-record
// guard. Persistence failures are logged and ignored.
func (c *Controller) flushProgress() {
	rec, ok := c.SnapshotProgress()
	if !ok {
		return
	}
	c.persist(rec)
}

func (c *Controller) persist(rec models.ProgressRecord) {
	if c.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.opts.Store.SaveProgress(ctx, rec); err != nil {
		log.Printf("[player] progress save failed: %v", err)
	}
}

// FlushNow forces an immediate progress flush, subject to the junk-record
// guard.
func (c *Controller) FlushNow() {
	c.flushProgress()
	c.mu.Lock()
	c.lastFlush = c.now()
	c.mu.Unlock()
}

// FlushRecord persists a previously captured snapshot. Used around episode
// switches, where the live position belongs to the incoming episode by the
// time the flush runs.
func (c *Controller) FlushRecord(rec models.ProgressRecord) {
	c.persist(rec)
	c.mu.Lock()
	c.lastFlush = c.now()
	c.mu.Unlock()
}

// SetSkipConfig replaces the session's skip configuration snapshot.
func (c *Controller) SetSkipConfig(cfg models.SkipConfig) {
	c.mu.Lock()
	c.skipConfig = cfg
	c.mu.Unlock()
}

// SwitchInPlace reuses the existing decoder for a new episode URL. Returns
// ErrSwitchUnsupported when the engine needs a full teardown, in which
// case the caller rebuilds the session.
func (c *Controller) SwitchInPlace(url string, episodeIndex int) error {
	c.mu.Lock()
	if c.state == models.SessionTornDown || c.state == models.SessionError {
		c.mu.Unlock()
		return ErrSwitchUnsupported
	}
	c.mu.Unlock()

	if err := c.dec.SwitchSource(url); err != nil {
		return err
	}

	c.mu.Lock()
	c.episodeIndex = episodeIndex
	c.streamURL = url
	c.resumePending = false
	c.recoveries = 0
	c.state = models.SessionAttaching
	c.mu.Unlock()
	return nil
}

// Teardown destroys the session: final progress flush, wake lock release,
// decoder destroy. Idempotent, and complete when it returns, so the next
// session can attach without the old one mutating shared surfaces.
func (c *Controller) Teardown(ctx context.Context) {
	c.tearOnce.Do(func() {
		c.flushProgress()

		releaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := c.opts.WakeLock.Release(releaseCtx); err != nil {
			log.Printf("[player] wake lock release failed during teardown: %v", err)
		}
		cancel()

		if err := c.dec.Destroy(ctx); err != nil {
			log.Printf("[player] decoder destroy failed: %v", err)
		}

		// Wait for the event loop to drain so no stale handler outlives
		// the session.
		select {
		case <-c.loopDone:
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}

		c.mu.Lock()
		c.state = models.SessionTornDown
		c.mu.Unlock()
	})
}

// State returns the current session state.
func (c *Controller) State() models.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TerminalErr returns the error that ended the session, if any.
func (c *Controller) TerminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalErr
}

// EpisodeIndex returns the 0-based index of the playing episode.
func (c *Controller) EpisodeIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.episodeIndex
}

// Info returns an external snapshot of the session.
func (c *Controller) Info() models.SessionInfo {
	c.mu.Lock()
	state := c.state
	episode := c.episodeIndex
	url := c.streamURL
	c.mu.Unlock()

	return models.SessionInfo{
		SourceID:     c.opts.SourceID,
		ContentID:    c.opts.ContentID,
		EpisodeIndex: episode,
		StreamURL:    url,
		State:        state,
		PlaySeconds:  c.dec.CurrentTime(),
		TotalSeconds: c.dec.Duration(),
	}
}
