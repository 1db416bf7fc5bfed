/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/michaldziwisz/sara/internal/automix"
	"github.com/michaldziwisz/sara/internal/config"
	"github.com/michaldziwisz/sara/internal/events"
	"github.com/michaldziwisz/sara/internal/playlist"
)

// Flow binds the playback controller to the auto-mix runtime: it starts
// items, keeps item status and position current, emits the intro and
// track-end alerts and advances playlists at their mix points.
type Flow struct {
	logger   zerolog.Logger
	cfg      *config.Config
	ctrl     *Controller
	bus      *events.Bus
	announce events.AnnounceFunc

	runtime  *automix.Runtime
	selector *automix.Selector

	mu         sync.Mutex
	autoMixOn  bool
	activeBrk  map[string]string // playlist id -> item id of an active break
}

// NewFlow wires the flow. autoMix enables automatic advancement; queued
// selections mix regardless.
func NewFlow(logger zerolog.Logger, cfg *config.Config, ctrl *Controller, bus *events.Bus, autoMix bool) *Flow {
	f := &Flow{
		logger:    logger.With().Str("component", "flow").Logger(),
		cfg:       cfg,
		ctrl:      ctrl,
		bus:       bus,
		announce:  events.BusAnnouncer(bus),
		selector:  automix.NewSelector(cfg.AlternatePlayNext),
		autoMixOn: autoMix,
		activeBrk: make(map[string]string),
	}
	f.runtime = automix.New(logger, f, func() float64 { return cfg.FadeSeconds }, f.autoMixEnabled)
	return f
}

// Runtime exposes the auto-mix runtime (used by operator actions like loop
// release).
func (f *Flow) Runtime() *automix.Runtime { return f.runtime }

// Controller exposes the underlying playback controller.
func (f *Flow) Controller() *Controller { return f.ctrl }

// SetAutoMix toggles automatic advancement.
func (f *Flow) SetAutoMix(on bool) {
	f.mu.Lock()
	f.autoMixOn = on
	f.mu.Unlock()
}

func (f *Flow) autoMixEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.autoMixOn
}

// PlayItem starts one item and arms auto-mix for it. Returns false when no
// player could be acquired; the item reverts to pending.
func (f *Flow) PlayItem(pl *playlist.Model, item *playlist.Item, startSeconds float64, restart bool) bool {
	ctx := f.ctrl.StartItem(pl, item, StartOptions{
		StartSeconds:     startSeconds,
		RestartIfPlaying: restart,
		OnFinished:       f.onFinished(pl, item),
		OnProgress:       f.onProgress(pl, item),
	})
	if ctx == nil {
		if item.Status == playlist.StatusPlaying {
			item.Status = playlist.StatusPending
		}
		return false
	}

	item.Status = playlist.StatusPlaying
	f.selector.MarkStarted(pl.ID, item.ID)
	f.runtime.Arm(pl, item)

	f.mu.Lock()
	if item.BreakAfter {
		f.activeBrk[pl.ID] = item.ID
	} else {
		delete(f.activeBrk, pl.ID)
	}
	f.mu.Unlock()

	f.ctrl.ScheduleNextPreload(pl, item.ID)
	return true
}

// PlayFromCue starts the item at its cue-in point.
func (f *Flow) PlayFromCue(pl *playlist.Model, item *playlist.Item) bool {
	return f.PlayItem(pl, item, item.CueIn(), false)
}

// StopPlaylist halts the playlist and clears every auto-mix latch for it.
func (f *Flow) StopPlaylist(pl *playlist.Model, fadeDuration float64) {
	removed := f.ctrl.StopPlaylist(pl.ID, fadeDuration)
	f.runtime.ClearPlaylist(pl.ID)
	f.selector.Forget(pl.ID)
	for _, it := range pl.Items() {
		if it.Status == playlist.StatusPlaying {
			it.Status = playlist.StatusPending
		}
	}
	f.mu.Lock()
	delete(f.activeBrk, pl.ID)
	f.mu.Unlock()
	f.logger.Debug().Str("playlist", pl.Name).Int("stopped", len(removed)).Msg("playlist stopped")
}

// LoopReleased is called when the operator disables an item's loop while
// it plays.
func (f *Flow) LoopReleased(pl *playlist.Model, item *playlist.Item) {
	if ctx, ok := f.ctrl.ContextFor(pl.ID, item.ID); ok {
		ctx.Player.SetLoop(nil, nil)
	}
	f.runtime.LoopDisabled(pl, item)
}

// LoopApplied is called when the operator enables a loop region mid-play.
func (f *Flow) LoopApplied(pl *playlist.Model, item *playlist.Item) {
	if ctx, ok := f.ctrl.ContextFor(pl.ID, item.ID); ok && item.HasLoop() {
		ctx.Player.SetLoop(item.LoopStartSeconds, item.LoopEndSeconds)
	}
	f.runtime.Arm(pl, item)
}

func (f *Flow) onProgress(pl *playlist.Model, item *playlist.Item) func(string, float64) {
	return func(itemID string, seconds float64) {
		if itemID != item.ID {
			return
		}
		rel := seconds - item.CueIn()
		if rel < 0 {
			rel = 0
		}
		item.CurrentPosition = rel

		f.checkAlerts(pl, item, seconds)
		f.runtime.OnProgress(pl, item, seconds)
	}
}

// checkAlerts emits at most one intro and one track-end announcement per
// context lifetime.
func (f *Flow) checkAlerts(pl *playlist.Model, item *playlist.Item, seconds float64) {
	ctx, ok := f.ctrl.ContextFor(pl.ID, item.ID)
	if !ok {
		return
	}

	if ctx.IntroSeconds != nil && f.cfg.IntroAlertSeconds > 0 {
		remaining := *ctx.IntroSeconds - seconds
		if remaining > 0 && remaining <= f.cfg.IntroAlertSeconds && ctx.MarkIntroAlert() {
			f.bus.Publish(events.EventIntroAlert, events.Payload{
				"playlist_id": pl.ID,
				"item_id":     item.ID,
				"remaining":   remaining,
			})
			f.announce("intro", "intro ending")
		}
	}

	if f.cfg.TrackEndAlertSeconds > 0 {
		remaining := item.EffectiveDuration() - item.CurrentPosition
		if remaining > 0 && remaining <= f.cfg.TrackEndAlertSeconds && ctx.MarkTrackEndAlert() {
			f.bus.Publish(events.EventTrackEndAlert, events.Payload{
				"playlist_id": pl.ID,
				"item_id":     item.ID,
				"remaining":   remaining,
			})
			f.announce("track_end", "track ending")
		}
	}
}

func (f *Flow) onFinished(pl *playlist.Model, item *playlist.Item) func(string) {
	return func(itemID string) {
		if itemID != item.ID {
			return
		}
		item.Status = playlist.StatusPlayed
		f.ctrl.DropContext(pl.ID, item.ID)
		f.runtime.ClearItem(pl.ID, item.ID)
		f.bus.Publish(events.EventItemFinished, events.Payload{
			"playlist_id": pl.ID,
			"item_id":     item.ID,
		})

		if item.BreakAfter {
			// record where to resume, then halt the playlist here
			if idx := pl.IndexOf(item.ID); idx >= 0 {
				resume := idx + 1
				if resume >= pl.Len() {
					resume = 0
				}
				pl.BreakResumeIndex = &resume
			}
			f.mu.Lock()
			delete(f.activeBrk, pl.ID)
			f.mu.Unlock()
			f.announce("break", "break reached, playback stopped")
			return
		}

		if f.cfg.AutoRemovePlayed {
			pl.Remove(item.ID)
		}
	}
}

// ResumeAfterBreak continues the playlist from the recorded resume index.
func (f *Flow) ResumeAfterBreak(pl *playlist.Model) bool {
	next := f.selector.Next(pl)
	if next == nil {
		return false
	}
	return f.PlayFromCue(pl, next)
}

// --- automix.Controller ---

// UpdateMixTrigger forwards to the playback controller.
func (f *Flow) UpdateMixTrigger(playlistID, itemID string, seconds *float64, onTrigger func()) bool {
	return f.ctrl.UpdateMixTrigger(playlistID, itemID, seconds, onTrigger)
}

// StartNext picks and starts the next item for the auto-mix runtime.
func (f *Flow) StartNext(pl *playlist.Model, queuedSelection bool) bool {
	f.mu.Lock()
	brk := f.activeBrk[pl.ID]
	f.mu.Unlock()
	if brk != "" {
		return false
	}

	next := f.selector.Next(pl)
	if next == nil {
		return false
	}
	return f.PlayFromCue(pl, next)
}

// FadeOutItem fades the outgoing item's player.
func (f *Flow) FadeOutItem(playlistID, itemID string, duration float64) {
	if ctx, ok := f.ctrl.ContextFor(playlistID, itemID); ok {
		ctx.Player.FadeOut(duration)
		f.bus.Publish(events.EventFadeStarted, events.Payload{
			"playlist_id": playlistID,
			"item_id":     itemID,
			"duration":    duration,
		})
	}
}

// StreamLength reports the actual decoded length of a running item.
func (f *Flow) StreamLength(playlistID, itemID string) (float64, bool) {
	ctx, ok := f.ctrl.ContextFor(playlistID, itemID)
	if !ok {
		return 0, false
	}
	length := ctx.Player.LengthSeconds()
	return length, length > 0
}

// SupportsNativeTrigger reports trigger capability of the item's player.
func (f *Flow) SupportsNativeTrigger(playlistID, itemID string) bool {
	ctx, ok := f.ctrl.ContextFor(playlistID, itemID)
	if !ok {
		return false
	}
	return ctx.Player.SupportsMixTrigger()
}

var _ automix.Controller = (*Flow)(nil)
