package models

import "time"

// ProgressRecord is a persisted playback position for one episode of one
// source. EpisodeIndex is 1-based to match what the UI displays.
type ProgressRecord struct {
	ContentID    string    `json:"contentId"`
	SourceID     string    `json:"sourceId"`
	EpisodeIndex int       `json:"episodeIndex"`
	PlaySeconds  float64   `json:"playSeconds"`
	TotalSeconds float64   `json:"totalSeconds"`
	SavedAt      time.Time `json:"savedAt"`
}

// SkipConfig holds per-title intro/outro auto-skip boundaries.
// OutroOffsetSeconds is relative to the end of the stream, so a value of
// -30 means "thirty seconds before the end".
type SkipConfig struct {
	Enabled            bool    `json:"enabled"`
	IntroSeconds       float64 `json:"introSeconds"`
	OutroOffsetSeconds float64 `json:"outroOffsetSeconds"`
}

// IsZero reports whether every field is at its default. A zeroed config is
// deleted from persistence rather than stored.
func (c SkipConfig) IsZero() bool {
	return !c.Enabled && c.IntroSeconds == 0 && c.OutroOffsetSeconds == 0
}

// SessionState is the lifecycle state of a playback session.
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionAttaching SessionState = "attaching"
	SessionReady     SessionState = "ready"
	SessionPlaying   SessionState = "playing"
	SessionPaused    SessionState = "paused"
	SessionEnded     SessionState = "ended"
	SessionError     SessionState = "error"
	SessionTornDown  SessionState = "torndown"
)

// SessionInfo is the externally visible snapshot of a playback session.
type SessionInfo struct {
	SessionID    string       `json:"sessionId"`
	SourceID     string       `json:"sourceId"`
	ContentID    string       `json:"contentId"`
	EpisodeIndex int          `json:"episodeIndex"`
	StreamURL    string       `json:"streamUrl"`
	State        SessionState `json:"state"`
	PlaySeconds  float64      `json:"playSeconds"`
	TotalSeconds float64      `json:"totalSeconds"`
}
