/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package automix advances a playlist when the playing item reaches its mix
// point. Two event sources feed it: sample-accurate native callbacks and
// the progress tick fallback; firing stays single-shot per item through the
// plan latch.
package automix

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/michaldziwisz/sara/internal/mixplan"
	"github.com/michaldziwisz/sara/internal/playlist"
	"github.com/michaldziwisz/sara/internal/telemetry"
)

// State is the per-item auto-mix intent. Deduplication lives in the plan
// latch, not here.
type State string

const (
	StateArmed     State = "armed"
	StateLoopHold  State = "loop_hold"
	StateBreakHalt State = "break_halt"
	StateFired     State = "fired"
)

// Key addresses one running item.
type Key struct {
	PlaylistID string
	ItemID     string
}

// Controller is what the runtime needs from the playback layer.
type Controller interface {
	// UpdateMixTrigger re-arms or clears (nil seconds) the native trigger.
	// Returns false when the player has no native trigger support or no
	// context exists.
	UpdateMixTrigger(playlistID, itemID string, seconds *float64, onTrigger func()) bool
	// StartNext starts the next item of the playlist; returns false when
	// nothing could be started.
	StartNext(pl *playlist.Model, queuedSelection bool) bool
	// FadeOutItem fades the outgoing item's player.
	FadeOutItem(playlistID, itemID string, duration float64)
	// StreamLength returns the actual decoded length of the item's
	// stream, when a context exists.
	StreamLength(playlistID, itemID string) (float64, bool)
	// SupportsNativeTrigger reports trigger support for the item's player.
	SupportsNativeTrigger(playlistID, itemID string) bool
}

// Runtime is the auto-mix state machine.
type Runtime struct {
	logger zerolog.Logger
	ctrl   Controller

	// FadeDefault is read per call so settings changes apply live.
	fadeDefault func() float64
	// enabled gates automatic advancement; queued selections still mix.
	enabled func() bool

	mu     sync.Mutex
	states map[Key]State
	plans  map[Key]*mixplan.Plan
}

// New creates the runtime.
func New(logger zerolog.Logger, ctrl Controller, fadeDefault func() float64, enabled func() bool) *Runtime {
	return &Runtime{
		logger:      logger.With().Str("component", "automix").Logger(),
		ctrl:        ctrl,
		fadeDefault: fadeDefault,
		enabled:     enabled,
		states:      make(map[Key]State),
		plans:       make(map[Key]*mixplan.Plan),
	}
}

// StateOf returns the recorded state for a key.
func (r *Runtime) StateOf(playlistID, itemID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[Key{playlistID, itemID}]
	return s, ok
}

// PlanOf returns the armed plan for a key.
func (r *Runtime) PlanOf(playlistID, itemID string) *mixplan.Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plans[Key{playlistID, itemID}]
}

// ClearPlaylist drops every state and plan of a playlist.
func (r *Runtime) ClearPlaylist(playlistID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.states {
		if k.PlaylistID == playlistID {
			delete(r.states, k)
		}
	}
	for k := range r.plans {
		if k.PlaylistID == playlistID {
			delete(r.plans, k)
		}
	}
}

// ClearItem drops the state and plan for one item.
func (r *Runtime) ClearItem(playlistID, itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, Key{playlistID, itemID})
	delete(r.plans, Key{playlistID, itemID})
}

func (r *Runtime) setState(key Key, s State) {
	r.mu.Lock()
	r.states[key] = s
	r.mu.Unlock()
}

func (r *Runtime) setPlan(key Key, p *mixplan.Plan) {
	r.mu.Lock()
	if p == nil {
		delete(r.plans, key)
	} else {
		r.plans[key] = p
	}
	r.mu.Unlock()
}

// effectiveOverride derives the metadata-independent effective duration
// from the live stream length.
func (r *Runtime) effectiveOverride(pl *playlist.Model, item *playlist.Item) *float64 {
	length, ok := r.ctrl.StreamLength(pl.ID, item.ID)
	if !ok || length <= 0 {
		return nil
	}
	eff := length - item.CueIn()
	if eff < 0 {
		eff = 0
	}
	return &eff
}

// Arm wires auto-mix for a freshly started item: break items halt, loop
// items hold, everything else arms a plan and, when supported, the native
// trigger.
func (r *Runtime) Arm(pl *playlist.Model, item *playlist.Item) {
	key := Key{pl.ID, item.ID}

	if item.BreakAfter {
		r.setState(key, StateBreakHalt)
		r.setPlan(key, nil)
		r.ctrl.UpdateMixTrigger(pl.ID, item.ID, nil, nil)
		r.logger.Debug().Str("playlist", pl.ID).Str("item", item.ID).Msg("break item, mix trigger cleared")
		return
	}

	if item.LoopEnabled && item.HasLoop() {
		r.setState(key, StateLoopHold)
		r.setPlan(key, nil)
		r.ctrl.UpdateMixTrigger(pl.ID, item.ID, nil, nil)
		r.logger.Debug().Str("playlist", pl.ID).Str("item", item.ID).Msg("loop hold active, mix trigger cleared")
		return
	}

	plan := mixplan.Resolve(item, r.fadeDefault(), r.effectiveOverride(pl, item))
	plan.NativeTrigger = r.ctrl.SupportsNativeTrigger(pl.ID, item.ID)
	r.setState(key, StateArmed)
	r.setPlan(key, plan)

	if plan.NativeTrigger && plan.MixAt != nil {
		mixAt := *plan.MixAt
		r.ctrl.UpdateMixTrigger(pl.ID, item.ID, &mixAt, func() {
			r.OnNativeMixCallback(pl, item)
		})
	}
}

// LoopDisabled recomputes the plan after the operator released the loop
// mid-play. When the mix point already passed, the item stays in loop hold
// and runs to its natural end.
func (r *Runtime) LoopDisabled(pl *playlist.Model, item *playlist.Item) {
	key := Key{pl.ID, item.ID}

	plan := mixplan.Resolve(item, r.fadeDefault(), r.effectiveOverride(pl, item))
	if plan.MixAt == nil {
		r.setPlan(key, nil)
		r.mu.Lock()
		if r.states[key] == StateLoopHold {
			delete(r.states, key)
		}
		r.mu.Unlock()
		return
	}

	currentAbs := item.CueIn() + item.CurrentPosition
	if currentAbs >= *plan.MixAt-0.05 {
		r.logger.Debug().
			Str("playlist", pl.ID).
			Str("item", item.ID).
			Float64("current", currentAbs).
			Float64("mix_at", *plan.MixAt).
			Msg("loop disabled but mix point already passed, no trigger")
		return
	}

	plan.NativeTrigger = r.ctrl.SupportsNativeTrigger(pl.ID, item.ID)
	r.setState(key, StateArmed)
	r.setPlan(key, plan)
	if plan.NativeTrigger {
		mixAt := *plan.MixAt
		r.ctrl.UpdateMixTrigger(pl.ID, item.ID, &mixAt, func() {
			r.OnNativeMixCallback(pl, item)
		})
	}
	r.logger.Debug().
		Str("playlist", pl.ID).
		Str("item", item.ID).
		Float64("mix_at", *plan.MixAt).
		Msg("loop disabled, mix trigger rescheduled")
}

// OnNativeMixCallback handles the sample-accurate trigger. Callbacks that
// arrive far too early disarm the native path and defer to progress.
func (r *Runtime) OnNativeMixCallback(pl *playlist.Model, item *playlist.Item) {
	key := Key{pl.ID, item.ID}

	r.mu.Lock()
	plan := r.plans[key]
	state := r.states[key]
	r.mu.Unlock()

	if plan != nil && plan.Triggered() {
		return
	}
	queued := pl.NextSelectedItemID() != ""
	if !r.enabled() && !queued {
		return
	}
	if state == StateFired || state == StateBreakHalt || state == StateLoopHold {
		return
	}
	if item.BreakAfter {
		r.setState(key, StateBreakHalt)
		return
	}

	baseCue := item.CueIn()
	if plan != nil {
		baseCue = plan.BaseCue
	}

	length, hasLength := r.ctrl.StreamLength(pl.ID, item.ID)
	if !hasLength && plan != nil {
		length = plan.TrackEnd()
		hasLength = length > 0
	}
	var maxMixPoint *float64
	if hasLength && length > 0 {
		m := length - 0.01
		if m < 0 {
			m = 0
		}
		maxMixPoint = &m
	}

	if plan == nil {
		plan = mixplan.Resolve(item, r.fadeDefault(), nil)
		plan.NativeTrigger = r.ctrl.SupportsNativeTrigger(pl.ID, item.ID)
		r.setPlan(key, plan)
	}
	if plan.MixAt == nil {
		return
	}

	expected := *plan.MixAt
	if maxMixPoint != nil && expected > *maxMixPoint {
		expected = *maxMixPoint
		clamped := expected
		plan = clonePlan(plan, &clamped)
		r.setPlan(key, plan)
		r.logger.Debug().
			Str("item", item.ID).
			Float64("clamped", expected).
			Msg("mix trigger clamped to track length")
	}

	// Early-fire guard: the backend occasionally calls back way ahead of
	// the armed sample. Disarm native and let the progress path decide.
	currentAbs := baseCue + item.CurrentPosition
	const earlyTolerance = 0.75
	if currentAbs < expected-earlyTolerance {
		var override *float64
		if hasLength {
			eff := length - baseCue
			if eff < 0 {
				eff = 0
			}
			override = &eff
		}
		fallback := mixplan.Resolve(item, r.fadeDefault(), override)
		if fallback.MixAt != nil && maxMixPoint != nil && *fallback.MixAt > *maxMixPoint {
			fallback = clonePlan(fallback, maxMixPoint)
		}
		if fallback.MixAt == nil {
			fallback = clonePlan(plan, &expected)
		}
		fallback.NativeTrigger = false
		r.ctrl.UpdateMixTrigger(pl.ID, item.ID, nil, nil)
		r.setPlan(key, fallback)
		r.logger.Debug().
			Str("playlist", pl.ID).
			Str("item", item.ID).
			Float64("current", currentAbs).
			Float64("expected", expected).
			Msg("native trigger fired early, falling back to progress path")
		return
	}

	if !plan.TryTrigger() {
		return
	}
	r.setState(key, StateFired)

	effectiveTotal := plan.EffectiveDuration
	if hasLength {
		effectiveTotal = length - baseCue
		if effectiveTotal < 0 {
			effectiveTotal = 0
		}
	}
	remaining := effectiveTotal - item.CurrentPosition
	if remaining < 0 {
		remaining = 0
	}

	started := r.ctrl.StartNext(pl, queued)
	if !started {
		plan.ClearTrigger()
		r.mu.Lock()
		delete(r.states, key)
		r.mu.Unlock()
		return
	}

	telemetry.MixTriggers.WithLabelValues("native").Inc()
	if fade := r.fadeDefault(); fade > 0 {
		fadeDuration := plan.FadeSeconds
		if fadeDuration > remaining {
			fadeDuration = remaining
		}
		if fadeDuration > 0 {
			r.ctrl.FadeOutItem(pl.ID, item.ID, fadeDuration)
		}
	}
}

// clonePlan copies a plan with a replaced mix point, keeping the latch
// state fresh.
func clonePlan(p *mixplan.Plan, mixAt *float64) *mixplan.Plan {
	return &mixplan.Plan{
		MixAt:             mixAt,
		FadeSeconds:       p.FadeSeconds,
		BaseCue:           p.BaseCue,
		EffectiveDuration: p.EffectiveDuration,
		NativeTrigger:     p.NativeTrigger,
	}
}

// OnProgress is the per-tick fallback path. seconds is the absolute stream
// position of the playing item.
func (r *Runtime) OnProgress(pl *playlist.Model, item *playlist.Item, seconds float64) {
	if pl.Kind != playlist.KindMusic {
		return
	}
	if pl.BreakResumeIndex != nil {
		return
	}
	key := Key{pl.ID, item.ID}

	r.mu.Lock()
	state := r.states[key]
	plan := r.plans[key]
	r.mu.Unlock()

	if state == StateLoopHold || state == StateBreakHalt || state == StateFired {
		return
	}
	queued := pl.NextSelectedItemID() != ""
	if !r.enabled() && !queued {
		return
	}
	if item.BreakAfter {
		return
	}

	if plan == nil {
		plan = mixplan.Resolve(item, r.fadeDefault(), nil)
		plan.NativeTrigger = r.ctrl.SupportsNativeTrigger(pl.ID, item.ID)
		r.setPlan(key, plan)
	}
	if plan.Triggered() {
		return
	}

	baseCue := plan.BaseCue
	effective := plan.EffectiveDuration

	releaseOffset := 0.0
	if plan.MixAt != nil && plan.NativeTrigger {
		mixAt := *plan.MixAt
		trackEnd := plan.TrackEnd()
		headroom := trackEnd - mixAt
		if headroom < 0 {
			headroom = 0
		}
		fadeGuardSource := plan.FadeSeconds
		if item.SegueSeconds != nil {
			fadeGuardSource = r.fadeDefault()
		}
		if fadeGuardSource < 0 {
			fadeGuardSource = 0
		}
		fadeGuard := mixplan.NativeLateGuard
		if fadeGuardSource < fadeGuard {
			fadeGuard = fadeGuardSource
		}
		window := fadeGuard
		if headroom < window {
			window = headroom
		}
		shortfall := fadeGuard - window
		if shortfall > 0 && window > 0 {
			releaseOffset = shortfall / 2
			if releaseOffset > window {
				releaseOffset = window
			}
		}
		if seconds < mixAt-mixplan.NativeEarlyGuard {
			return
		}
		if seconds < mixAt+window {
			// keep waiting for the backend unless the post-mix headroom
			// is too thin to ever satisfy the late guard
			if shortfall <= 0 || seconds < mixAt-shortfall {
				return
			}
		}
	}

	elapsed := seconds - baseCue
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := effective - elapsed
	if remaining < 0 {
		remaining = 0
	}

	triggerWindow := plan.FadeSeconds
	if item.OverlapSeconds != nil && *item.OverlapSeconds > triggerWindow {
		triggerWindow = *item.OverlapSeconds
	}
	if item.OutroSeconds != nil && *item.OutroSeconds > triggerWindow {
		triggerWindow = *item.OutroSeconds
	}

	var remainingTarget float64
	var shouldFire bool
	fallbackGuardTrigger := false
	if plan.MixAt != nil {
		remainingTarget = *plan.MixAt - seconds
		if remainingTarget < 0 {
			remainingTarget = 0
		}
		threshold := mixplan.ExplicitProgressGuard
		if plan.NativeTrigger && releaseOffset > 0 {
			threshold = releaseOffset
		}
		shouldFire = remainingTarget <= threshold
		if plan.NativeTrigger && releaseOffset > 0 && remainingTarget <= releaseOffset {
			fallbackGuardTrigger = true
		}
	} else {
		remainingTarget = remaining
		min := 0.1
		if triggerWindow > min {
			min = triggerWindow
		}
		shouldFire = remainingTarget <= min
	}
	if !shouldFire {
		return
	}

	if !plan.TryTrigger() {
		return
	}
	r.setState(key, StateFired)

	started := r.ctrl.StartNext(pl, queued)
	if !started {
		plan.ClearTrigger()
		r.mu.Lock()
		delete(r.states, key)
		r.mu.Unlock()
		return
	}

	telemetry.MixTriggers.WithLabelValues("progress").Inc()
	if fade := r.fadeDefault(); fade > 0 {
		fadeSource := plan.FadeSeconds
		if fadeSource < 0 {
			fadeSource = 0
		}
		if fallbackGuardTrigger && fade > fadeSource {
			// the progress fallback needs a soft landing with the full
			// fade length
			fadeSource = fade
		}
		fadeDuration := fadeSource
		if fadeDuration > remaining {
			fadeDuration = remaining
		}
		r.logger.Debug().
			Str("playlist", pl.ID).
			Str("item", item.ID).
			Float64("duration", fadeDuration).
			Float64("planned", fadeSource).
			Float64("remaining", remaining).
			Bool("guard", fallbackGuardTrigger).
			Msg("automix progress fade")
		if fadeDuration > 0 {
			r.ctrl.FadeOutItem(pl.ID, item.ID, fadeDuration)
		}
	}
}
