package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"moonstream/config"
	"moonstream/models"
	"moonstream/services/adfilter"
	"moonstream/services/danmaku"
	"moonstream/services/player"
	"moonstream/services/progress"
	"moonstream/services/selector"
)

var (
	ErrSessionNotFound = errors.New("playback session not found")
	ErrNoEpisodeURL    = errors.New("selected source has no playable episode")
)

// Session bundles everything a live playback session owns: the remote
// decoder bridge, the controller driving it, and the episode coordinator.
type Session struct {
	ID         string
	Source     models.CandidateSource
	ContentID  string
	danmakuRef models.EpisodeRef

	mu           sync.Mutex
	bridge       *player.Bridge
	controller   *player.Controller
	transitioner *player.Transitioner
	lastSeen     time.Time
}

// bridgeRef returns the live bridge. The rebuild path swaps it, so every
// access goes through here.
func (s *Session) bridgeRef() *player.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

func (s *Session) controllerRef() *player.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller
}

func (s *Session) transitionerRef() *player.Transitioner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitioner
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// StartRequest describes a new playback session.
type StartRequest struct {
	ContentID    string                   `json:"contentId"`
	Candidates   []models.CandidateSource `json:"candidates"`
	EpisodeIndex int                      `json:"episodeIndex"` // 0-based
	// SourceKey pins a specific candidate, bypassing selection.
	SourceKey string            `json:"sourceKey,omitempty"`
	Danmaku   models.EpisodeRef `json:"danmaku,omitempty"`
}

// StartResult is returned to the client that will drive the session.
type StartResult struct {
	SessionID string                        `json:"sessionId"`
	Source    models.CandidateSource        `json:"source"`
	StreamURL string                        `json:"streamUrl"`
	Results   map[string]models.ProbeResult `json:"probeResults,omitempty"`
}

// Service owns every live playback session, keyed by UUID. It wires the
// source selector, ad filter, danmaku client, and progress store into each
// session it starts.
type Service struct {
	cfg      *config.Manager
	selector *selector.Service
	filter   *adfilter.Service
	danmaku  *danmaku.Service
	store    *progress.Service

	httpClient *http.Client

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewService builds the session manager. The HTTP client is used for the
// manifest proxy and is tuned for short playlist fetches.
func NewService(cfg *config.Manager, sel *selector.Service, filter *adfilter.Service, dm *danmaku.Service, store *progress.Service) *Service {
	return &Service{
		cfg:      cfg,
		selector: sel,
		filter:   filter,
		danmaku:  dm,
		store:    store,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		sessions: make(map[string]*Session),
	}
}

// Start probes and selects a source (unless one is pinned), builds the
// session, and attaches the decoder bridge. Any prior session for the same
// content is torn down first so the new one never races it.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.ContentID == "" {
		return nil, errors.New("content id is required")
	}

	s.teardownByContent(ctx, req.ContentID)

	source, results, err := s.pickSource(ctx, req)
	if err != nil {
		return nil, err
	}

	sess, err := s.buildSession(ctx, source, req.ContentID, req.EpisodeIndex, req.Danmaku)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	log.Printf("[playback] session %s started: source=%s episode=%d", sess.ID, source.Key(), req.EpisodeIndex+1)
	return &StartResult{
		SessionID: sess.ID,
		Source:    source,
		StreamURL: sess.bridgeRef().StreamURL(),
		Results:   results,
	}, nil
}

func (s *Service) pickSource(ctx context.Context, req StartRequest) (models.CandidateSource, map[string]models.ProbeResult, error) {
	if req.SourceKey != "" {
		for _, c := range req.Candidates {
			if c.Key() == req.SourceKey {
				return c, nil, nil
			}
		}
		return models.CandidateSource{}, nil, fmt.Errorf("pinned source %s not among candidates", req.SourceKey)
	}

	selection, err := s.selector.Select(ctx, req.Candidates)
	if err != nil {
		return models.CandidateSource{}, nil, err
	}
	return selection.Winner, selection.Results, nil
}

// buildSession creates the session shell and runs the first assembly.
func (s *Service) buildSession(ctx context.Context, source models.CandidateSource, contentID string, episodeIndex int, dmRef models.EpisodeRef) (*Session, error) {
	if len(source.EpisodeURLs) == 0 {
		return nil, ErrNoEpisodeURL
	}
	// An index outside the selected source's episode list falls back to
	// episode 0: the list the caller saw belonged to a different source.
	if episodeIndex < 0 || episodeIndex >= len(source.EpisodeURLs) {
		episodeIndex = 0
	}

	sess := &Session{
		ID:         uuid.NewString(),
		Source:     source,
		ContentID:  contentID,
		danmakuRef: dmRef,
		lastSeen:   time.Now(),
	}

	if err := s.assemble(ctx, sess, source.EpisodeURLs[episodeIndex], episodeIndex); err != nil {
		return nil, err
	}
	return sess, nil
}

// assemble builds a fresh bridge, controller, and transitioner for the
// session and attaches the decoder. It runs once at session start and
// again whenever an episode switch needs a full rebuild, so the session
// ID survives decoder engines that cannot switch sources in place.
func (s *Service) assemble(ctx context.Context, sess *Session, url string, episodeIndex int) error {
	settings, err := s.cfg.Load()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	bridge := player.NewBridge(true)
	ctrl := player.NewController(bridge, player.Options{
		SourceID:          sess.Source.ID,
		ProviderID:        sess.Source.ProviderID,
		ContentID:         sess.ContentID,
		EpisodeIndex:      episodeIndex,
		StreamURL:         url,
		AdFilterEnabled:   settings.AdFilter.Enabled,
		Filter:            s.filter,
		Store:             s.store,
		WakeLock:          player.NewRemoteWakeLock(bridge),
		ProgressInterval:  time.Duration(settings.Playback.ProgressIntervalSec) * time.Second,
		SkipCheckInterval: time.Duration(settings.Playback.SkipCheckIntervalMs) * time.Millisecond,
		ResumeLoadTimeout: time.Duration(settings.Playback.ResumeLoadTimeoutSec) * time.Second,
		Volume:            settings.Playback.DefaultVolume,
		Rate:              settings.Playback.DefaultRate,
		OnTerminal: func(err error) {
			log.Printf("[playback] session %s failed: %v", sess.ID, err)
		},
		OnEnded: func() {
			log.Printf("[playback] session %s ended", sess.ID)
		},
	})

	var dm player.DanmakuResolver
	if s.danmaku != nil {
		dm = s.danmaku
	}
	trans := player.NewTransitioner(ctrl, sess.Source.EpisodeURLs, sess.danmakuRef, dm, func(ctx context.Context, url string, index int) error {
		return s.assemble(ctx, sess, url, index)
	})

	// Crossing the outro boundary auto-advances when a next episode
	// exists. The advance runs off the event loop so the switch cannot
	// deadlock against it.
	ctrl.SetNextEpisodeHook(func() bool {
		if !trans.HasNext() {
			return false
		}
		go func() {
			advCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := trans.Next(advCtx); err != nil {
				log.Printf("[playback] session %s auto-advance failed: %v", sess.ID, err)
			}
		}()
		return true
	})

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("attaching session: %w", err)
	}

	sess.mu.Lock()
	sess.bridge = bridge
	sess.controller = ctrl
	sess.transitioner = trans
	sess.mu.Unlock()
	return nil
}

// Get returns the session with the given ID.
func (s *Service) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Info returns the external snapshot of one session.
func (s *Service) Info(id string) (models.SessionInfo, error) {
	sess, err := s.Get(id)
	if err != nil {
		return models.SessionInfo{}, err
	}
	info := sess.controllerRef().Info()
	info.SessionID = sess.ID
	return info, nil
}

// List returns a snapshot of every live session.
func (s *Service) List() []models.SessionInfo {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		info := sess.controllerRef().Info()
		info.SessionID = sess.ID
		infos = append(infos, info)
	}
	return infos
}

// PushEvent forwards one decoder event from the remote player into the
// session's event loop.
func (s *Service) PushEvent(id string, ev player.Event) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	sess.touch()
	sess.bridgeRef().PushEvent(ev)
	return nil
}

// Commands drains the pending command queue for the remote player.
func (s *Service) Commands(id string) ([]player.Command, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	sess.touch()
	return sess.bridgeRef().DrainCommands(), nil
}

// ChangeEpisode switches the session to the episode at the 0-based index.
func (s *Service) ChangeEpisode(ctx context.Context, id string, index int) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	sess.touch()
	return sess.transitionerRef().Go(ctx, index)
}

// NextEpisode advances the session one episode. Returns false when already
// at the last one.
func (s *Service) NextEpisode(ctx context.Context, id string) (bool, error) {
	sess, err := s.Get(id)
	if err != nil {
		return false, err
	}
	sess.touch()
	return sess.transitionerRef().Next(ctx)
}

// FetchManifest proxies a playlist fetch for the remote player, running
// the session's manifest interceptor over the body. Media segments never
// come through here.
func (s *Service) FetchManifest(ctx context.Context, id string, kind player.ManifestKind, manifestURL string) (string, error) {
	sess, err := s.Get(id)
	if err != nil {
		return "", err
	}
	sess.touch()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return "", fmt.Errorf("building manifest request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("manifest fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading manifest: %w", err)
	}
	text := string(body)
	if !strings.HasPrefix(text, "#EXTM3U") {
		return "", errors.New("response is not an M3U playlist")
	}

	return sess.bridgeRef().InterceptManifest(kind, text), nil
}

// Stop tears the session down and removes it from the registry.
func (s *Service) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	sess.controllerRef().Teardown(ctx)
	log.Printf("[playback] session %s stopped", id)
	return nil
}

// teardownByContent stops any session already playing the given content.
func (s *Service) teardownByContent(ctx context.Context, contentID string) {
	s.mu.Lock()
	var stale []*Session
	for id, sess := range s.sessions {
		if sess.ContentID == contentID {
			stale = append(stale, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		log.Printf("[playback] replacing session %s for content %s", sess.ID, contentID)
		sess.controllerRef().Teardown(ctx)
	}
}

// ReapIdle tears down sessions whose remote player has gone silent.
func (s *Service) ReapIdle(ctx context.Context, maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	var stale []*Session
	for id, sess := range s.sessions {
		if sess.idleSince().Before(cutoff) {
			stale = append(stale, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		log.Printf("[playback] reaping idle session %s", sess.ID)
		sess.controllerRef().Teardown(ctx)
	}
	return len(stale)
}

// ReapEvery runs the idle reaper on a ticker until ctx is done.
func (s *Service) ReapEvery(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReapIdle(ctx, maxIdle)
		}
	}
}

// Shutdown tears down every live session.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.controllerRef().Teardown(ctx)
	}
}
