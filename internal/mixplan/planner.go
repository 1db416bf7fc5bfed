/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mixplan computes, per playlist item, when the next item should
// start and how long the outgoing fade runs. Resolve is a pure function;
// the returned Plan carries the one-shot latch that guards mix firing.
package mixplan

import (
	"sync"

	"github.com/michaldziwisz/sara/internal/playlist"
)

// Guard constants for the auto-mix runtime.
const (
	// NativeEarlyGuard: while a native trigger is armed, progress ticks
	// earlier than this before the planned mix point are skipped.
	NativeEarlyGuard = 0.1
	// NativeLateGuard is how long past the mix point the runtime waits
	// for the native callback before the progress fallback takes over.
	NativeLateGuard = 0.1
	// ExplicitProgressGuard fires the explicit mix once the remaining
	// time drops to this.
	ExplicitProgressGuard = 0.04
	// EndClamp keeps the mix point off the very last samples of the
	// stream so a position sync can still fire.
	EndClamp = 0.01
)

// Plan is the armed mix decision for one item.
type Plan struct {
	// MixAt is the stream-absolute second at which the next item starts;
	// nil disables auto-mix for the item.
	MixAt *float64
	// FadeSeconds is the linear fade applied to the outgoing item.
	FadeSeconds float64
	// BaseCue is the cue-in the timings are measured against.
	BaseCue float64
	// EffectiveDuration is the playable length from BaseCue.
	EffectiveDuration float64
	// NativeTrigger records whether the arming backend supports
	// sample-accurate callbacks.
	NativeTrigger bool

	mu        sync.Mutex
	triggered bool
}

// TrackEnd returns BaseCue + EffectiveDuration.
func (p *Plan) TrackEnd() float64 {
	return p.BaseCue + p.EffectiveDuration
}

// TryTrigger flips the one-shot latch; it returns false when the mix
// already fired.
func (p *Plan) TryTrigger() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.triggered {
		return false
	}
	p.triggered = true
	return true
}

// ClearTrigger re-opens the latch after a failed next-item start so the
// progress fallback may try again.
func (p *Plan) ClearTrigger() {
	p.mu.Lock()
	p.triggered = false
	p.mu.Unlock()
}

// Triggered reports the latch state.
func (p *Plan) Triggered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.triggered
}

// Resolve computes the mix plan for an item. fadeDefault is the global
// fade; effectiveOverride, when non-nil, replaces the metadata-derived
// effective duration with one computed from the actual stream length.
// The item is never mutated.
func Resolve(item *playlist.Item, fadeDefault float64, effectiveOverride *float64) *Plan {
	baseCue := item.CueIn()
	effective := item.EffectiveDuration()
	if effectiveOverride != nil {
		effective = *effectiveOverride
		if effective < 0 {
			effective = 0
		}
	}
	trackEnd := baseCue + effective

	plan := &Plan{BaseCue: baseCue, EffectiveDuration: effective}

	if item.BreakAfter {
		return plan
	}

	switch {
	case item.SegueSeconds != nil:
		mixAt := *item.SegueSeconds
		if max := trackEnd - EndClamp; mixAt > max {
			mixAt = max
		}
		if mixAt < baseCue {
			mixAt = baseCue
		}
		plan.MixAt = &mixAt
		if item.SegueFadeSeconds != nil {
			plan.FadeSeconds = *item.SegueFadeSeconds
		} else {
			plan.FadeSeconds = fadeDefault
		}

	case item.OverlapSeconds != nil:
		overlap := *item.OverlapSeconds
		if overlap < 0 {
			overlap = 0
		}
		mixAt := trackEnd - overlap
		fade := overlap
		if overlap > effective {
			mixAt = baseCue
			fade = effective
		}
		plan.MixAt = &mixAt
		plan.FadeSeconds = fade

	case fadeDefault > 0:
		mixAt := trackEnd - fadeDefault
		if mixAt < baseCue {
			mixAt = baseCue
		}
		plan.MixAt = &mixAt
		plan.FadeSeconds = fadeDefault
	}

	return plan
}
