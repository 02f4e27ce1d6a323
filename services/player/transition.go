package player

import (
	"context"
	"errors"
	"fmt"
	"log"

	"moonstream/models"
)

// ErrNoEpisodes is returned when a transition is requested against a
// source with an empty episode list.
var ErrNoEpisodes = errors.New("source has no episodes")

// DanmakuResolver re-resolves the overlay comment stream when the episode
// changes. Implementations return nil comments when nothing matches.
type DanmakuResolver interface {
	Resolve(ctx context.Context, ref models.EpisodeRef) ([]models.Comment, error)
}

// RebuildFunc tears down the current controller out-of-band and attaches a
// fresh one for the given episode. It is the fallback path for decoder
// engines that cannot switch sources in place.
type RebuildFunc func(ctx context.Context, url string, episodeIndex int) error

// Transitioner moves a running session between episodes of the same
// source: flushes progress in the order the playing state requires,
// switches the stream, and re-resolves the comment overlay.
type Transitioner struct {
	ctrl     *Controller
	episodes []string
	content  models.EpisodeRef
	danmaku  DanmakuResolver
	rebuild  RebuildFunc
}

// NewTransitioner wires a coordinator to a live controller. episodes is
// the source's ordered episode URL list; danmaku and rebuild may be nil.
func NewTransitioner(ctrl *Controller, episodes []string, content models.EpisodeRef, danmaku DanmakuResolver, rebuild RebuildFunc) *Transitioner {
	return &Transitioner{
		ctrl:     ctrl,
		episodes: episodes,
		content:  content,
		danmaku:  danmaku,
		rebuild:  rebuild,
	}
}

// EpisodeCount returns the number of episodes in the active source.
func (t *Transitioner) EpisodeCount() int {
	return len(t.episodes)
}

// HasNext reports whether an episode follows the one currently playing.
func (t *Transitioner) HasNext() bool {
	return t.ctrl.EpisodeIndex()+1 < len(t.episodes)
}

// Next advances to the following episode. Returns false without side
// effects when already at the last one.
func (t *Transitioner) Next(ctx context.Context) (bool, error) {
	next := t.ctrl.EpisodeIndex() + 1
	if next >= len(t.episodes) {
		return false, nil
	}
	return true, t.Go(ctx, next)
}

// Go switches playback to the episode at the given 0-based index. An
// out-of-range index falls back to episode 0 rather than being rejected:
// it means the episode list changed under the caller (a source change to
// a source with fewer episodes), and the first episode is the only safe
// landing spot.
//
// Progress for the outgoing episode is flushed before the switch when
// playback is paused; when it is still playing, the outgoing position is
// captured first and persisted behind the switch, so the decoder is not
// stalled at the moment the user expects the next episode to start.
func (t *Transitioner) Go(ctx context.Context, index int) error {
	if len(t.episodes) == 0 {
		return ErrNoEpisodes
	}
	if index < 0 || index >= len(t.episodes) {
		index = 0
	}
	url := t.episodes[index]

	playing := t.ctrl.State() == models.SessionPlaying
	var outgoing models.ProgressRecord
	var flushAfter bool
	if playing {
		// Snapshot before the switch moves the session to the new index,
		// so the record stays attributed to the outgoing episode.
		outgoing, flushAfter = t.ctrl.SnapshotProgress()
	} else {
		t.ctrl.FlushNow()
	}

	if err := t.ctrl.SwitchInPlace(url, index); err != nil {
		if !errors.Is(err, ErrSwitchUnsupported) {
			return fmt.Errorf("switch to episode %d: %w", index+1, err)
		}
		if t.rebuild == nil {
			return err
		}
		log.Printf("[player] in-place switch unsupported, rebuilding session for episode %d", index+1)
		t.ctrl.Teardown(ctx)
		if err := t.rebuild(ctx, url, index); err != nil {
			return fmt.Errorf("rebuild for episode %d: %w", index+1, err)
		}
	} else if flushAfter {
		t.ctrl.FlushRecord(outgoing)
	}

	t.resolveDanmaku(ctx, index)
	return nil
}

// resolveDanmaku refreshes the comment overlay for the new episode. A
// resolver failure clears the overlay instead of carrying the previous
// episode's comments forward.
func (t *Transitioner) resolveDanmaku(ctx context.Context, index int) {
	if t.danmaku == nil {
		return
	}
	ref := t.content
	ref.EpisodeIndex = index + 1
	comments, err := t.danmaku.Resolve(ctx, ref)
	if err != nil {
		log.Printf("[player] danmaku resolve failed for episode %d: %v", index+1, err)
		comments = nil
	}
	t.ctrl.dec.SetOverlayComments(comments)
}
