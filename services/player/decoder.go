package player

import (
	"context"
	"errors"

	"moonstream/models"
)

// ManifestKind tells the interceptor which fetch produced the text it is
// rewriting. Only manifest and level playlists are intercepted; media
// segments never pass through the filter.
type ManifestKind string

const (
	ManifestMaster ManifestKind = "manifest"
	ManifestLevel  ManifestKind = "level"
)

// ManifestInterceptor rewrites playlist text before the decoder applies it.
type ManifestInterceptor func(kind ManifestKind, text string) string

// EventType identifies a decoder lifecycle event.
type EventType string

const (
	EventReady        EventType = "ready"
	EventPlay         EventType = "play"
	EventPause        EventType = "pause"
	EventEnded        EventType = "ended"
	EventTimeUpdate   EventType = "timeupdate"
	EventVolumeChange EventType = "volumechange"
	EventRateChange   EventType = "ratechange"
	EventError        EventType = "error"
)

// Event is one decoder lifecycle notification. Position and Duration are in
// seconds and accompany every event type that has a meaningful timeline.
type Event struct {
	Type     EventType    `json:"type"`
	Position float64      `json:"position,omitempty"`
	Duration float64      `json:"duration,omitempty"`
	Volume   float64      `json:"volume,omitempty"`
	Rate     float64      `json:"rate,omitempty"`
	Err      *StreamError `json:"error,omitempty"`
}

// ErrorCategory classifies a transport error for recovery purposes.
type ErrorCategory string

const (
	ErrorNetwork ErrorCategory = "network"
	ErrorMedia   ErrorCategory = "media"
	ErrorOther   ErrorCategory = "other"
)

// StreamError is a decoder-reported transport or decode error.
type StreamError struct {
	Category ErrorCategory `json:"category"`
	Fatal    bool          `json:"fatal"`
	Detail   string        `json:"detail,omitempty"`
}

func (e *StreamError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return string(e.Category) + ": " + e.Detail
}

// ErrSwitchUnsupported is returned by SwitchSource when the decoding engine
// cannot replace its URL non-destructively and the session must be rebuilt.
var ErrSwitchUnsupported = errors.New("decoder does not support in-place source switch")

// Decoder is the capability interface of the streaming transport/decoder
// library. The controller is written against it, never against a concrete
// engine.
type Decoder interface {
	// Attach binds the decoder to a stream URL and begins loading.
	Attach(ctx context.Context, url string) error
	// Events delivers lifecycle events until the decoder is destroyed.
	Events() <-chan Event
	// SetManifestInterceptor installs the manifest rewrite hook. Must be
	// called before Attach to cover the first playlist fetch.
	SetManifestInterceptor(fn ManifestInterceptor)

	Seek(seconds float64)
	Play()
	Pause()
	SetVolume(v float64)
	SetRate(r float64)
	// SwitchSource replaces the stream URL without destroying the decoder.
	SwitchSource(url string) error
	// ReloadStream re-fetches the current segment window after a
	// network-class error.
	ReloadStream()
	// RecoverDecode attempts to resume decoding after a media-class error.
	RecoverDecode()
	// SetOverlayComments hands a danmaku track to the overlay mechanism.
	SetOverlayComments(comments []models.Comment)

	CurrentTime() float64
	Duration() float64
	Paused() bool

	// Destroy releases the decoder. It must be safe to call more than once.
	Destroy(ctx context.Context) error
}

// WakeLock keeps the display awake during active playback. Platform
// implementations are asynchronous; failures are advisory only.
type WakeLock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// NopWakeLock is the default when no platform integration exists.
type NopWakeLock struct{}

func (NopWakeLock) Acquire(context.Context) error { return nil }
func (NopWakeLock) Release(context.Context) error { return nil }
