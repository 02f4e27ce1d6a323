package player

import (
	"context"
	"sync"

	"moonstream/models"
)

// Command is an imperative control queued for the remote decoding engine.
// The web player drains the queue and applies each command to its native
// decoder.
type Command struct {
	Type     string           `json:"type"` // seek|play|pause|setVolume|setRate|switchSource|reload|recoverDecode|comments|wakeLock|destroy
	Seconds  float64          `json:"seconds,omitempty"`
	Value    float64          `json:"value,omitempty"`
	URL      string           `json:"url,omitempty"`
	Comments []models.Comment `json:"comments,omitempty"`
}

// Bridge is a Decoder whose engine runs remotely: lifecycle events arrive
// from the web player via PushEvent, and imperative controls are queued as
// commands the player polls. Manifest fetches are proxied through the
// backend so the interceptor sees them before the engine does.
type Bridge struct {
	mu          sync.Mutex
	events      chan Event
	commands    []Command
	interceptor ManifestInterceptor

	url      string
	position float64
	duration float64
	paused   bool

	canSwitch bool
	destroyed bool
}

// NewBridge returns a remote decoder bridge. canSwitch reports whether the
// remote engine supports non-destructive URL replacement; platforms that
// require a full teardown (native iOS playback for one) pass false.
func NewBridge(canSwitch bool) *Bridge {
	return &Bridge{
		events:    make(chan Event, 64),
		canSwitch: canSwitch,
		paused:    true,
	}
}

var _ Decoder = (*Bridge)(nil)

func (b *Bridge) Attach(_ context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.url = url
	return nil
}

func (b *Bridge) Events() <-chan Event { return b.events }

func (b *Bridge) SetManifestInterceptor(fn ManifestInterceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interceptor = fn
}

// InterceptManifest runs playlist text through the installed interceptor.
// Called by the manifest proxy handler; segment fetches must not come here.
func (b *Bridge) InterceptManifest(kind ManifestKind, text string) string {
	b.mu.Lock()
	fn := b.interceptor
	b.mu.Unlock()
	if fn == nil {
		return text
	}
	return fn(kind, text)
}

// PushEvent feeds a lifecycle event from the remote engine. Events arriving
// after destroy are dropped. A full channel drops time updates rather than
// blocking the HTTP handler; other events overwrite the oldest pending one.
func (b *Bridge) PushEvent(ev Event) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	switch ev.Type {
	case EventTimeUpdate:
		b.position = ev.Position
		if ev.Duration > 0 {
			b.duration = ev.Duration
		}
	case EventReady:
		if ev.Duration > 0 {
			b.duration = ev.Duration
		}
	case EventPlay:
		b.paused = false
	case EventPause, EventEnded:
		b.paused = true
	}

	// The send stays under the lock so Destroy cannot close the channel
	// between the destroyed check and the send. Every send is non-blocking,
	// so the handler never stalls holding the mutex.
	select {
	case b.events <- ev:
	default:
		if ev.Type == EventTimeUpdate {
			b.mu.Unlock()
			return
		}
		select {
		case <-b.events:
		default:
		}
		select {
		case b.events <- ev:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *Bridge) enqueue(cmd Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.commands = append(b.commands, cmd)
}

// DrainCommands returns and clears the pending command queue.
func (b *Bridge) DrainCommands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.commands
	b.commands = nil
	return out
}

func (b *Bridge) Seek(seconds float64) { b.enqueue(Command{Type: "seek", Seconds: seconds}) }
func (b *Bridge) Play()                { b.enqueue(Command{Type: "play"}) }
func (b *Bridge) Pause()               { b.enqueue(Command{Type: "pause"}) }
func (b *Bridge) SetVolume(v float64)  { b.enqueue(Command{Type: "setVolume", Value: v}) }
func (b *Bridge) SetRate(r float64)    { b.enqueue(Command{Type: "setRate", Value: r}) }
func (b *Bridge) ReloadStream()        { b.enqueue(Command{Type: "reload"}) }
func (b *Bridge) RecoverDecode()       { b.enqueue(Command{Type: "recoverDecode"}) }

func (b *Bridge) SetOverlayComments(comments []models.Comment) {
	b.enqueue(Command{Type: "comments", Comments: comments})
}

func (b *Bridge) SwitchSource(url string) error {
	b.mu.Lock()
	if !b.canSwitch {
		b.mu.Unlock()
		return ErrSwitchUnsupported
	}
	b.url = url
	b.mu.Unlock()
	b.enqueue(Command{Type: "switchSource", URL: url})
	return nil
}

func (b *Bridge) CurrentTime() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

func (b *Bridge) Duration() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.duration
}

func (b *Bridge) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// StreamURL returns the currently attached URL.
func (b *Bridge) StreamURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url
}

func (b *Bridge) Destroy(context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	b.commands = append(b.commands, Command{Type: "destroy"})
	close(b.events)
	b.mu.Unlock()
	return nil
}

// RemoteWakeLock forwards wake lock transitions to the remote player,
// which owns the actual platform lock.
type RemoteWakeLock struct {
	b *Bridge
}

func NewRemoteWakeLock(b *Bridge) *RemoteWakeLock { return &RemoteWakeLock{b: b} }

func (w *RemoteWakeLock) Acquire(context.Context) error {
	w.b.enqueue(Command{Type: "wakeLock", Value: 1})
	return nil
}

func (w *RemoteWakeLock) Release(context.Context) error {
	w.b.enqueue(Command{Type: "wakeLock", Value: 0})
	return nil
}

var _ WakeLock = (*RemoteWakeLock)(nil)
