/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package automix

import (
	"math"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/michaldziwisz/sara/internal/playlist"
)

type triggerCall struct {
	seconds *float64
	cleared bool
}

type fakeCtrl struct {
	mu             sync.Mutex
	native         bool
	length         float64
	hasLength      bool
	startOK        bool
	startCalls     int
	fadeDurations  []float64
	triggerUpdates []triggerCall
}

func (f *fakeCtrl) UpdateMixTrigger(playlistID, itemID string, seconds *float64, onTrigger func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggerUpdates = append(f.triggerUpdates, triggerCall{seconds: seconds, cleared: seconds == nil})
	return f.native
}

func (f *fakeCtrl) StartNext(pl *playlist.Model, queued bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.startOK
}

func (f *fakeCtrl) FadeOutItem(playlistID, itemID string, duration float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fadeDurations = append(f.fadeDurations, duration)
}

func (f *fakeCtrl) StreamLength(playlistID, itemID string) (float64, bool) {
	return f.length, f.hasLength
}

func (f *fakeCtrl) SupportsNativeTrigger(playlistID, itemID string) bool { return f.native }

func (f *fakeCtrl) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

func (f *fakeCtrl) fades() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, len(f.fadeDurations))
	copy(out, f.fadeDurations)
	return out
}

func f64(v float64) *float64 { return &v }

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func newRuntime(ctrl *fakeCtrl, fade float64) *Runtime {
	return New(zerolog.Nop(), ctrl, func() float64 { return fade }, func() bool { return true })
}

func musicPlaylist(t *testing.T, items ...*playlist.Item) *playlist.Model {
	t.Helper()
	pl := playlist.NewModel("test", playlist.KindMusic)
	for _, it := range items {
		pl.Append(it)
	}
	return pl
}

// S1: explicit segue fires via progress and fades with the planned length.
func TestProgressFiresExplicitSegue(t *testing.T) {
	ctrl := &fakeCtrl{startOK: true}
	r := newRuntime(ctrl, 3.0)

	item := playlist.NewItem("a.mp3", 155.0)
	item.SegueSeconds = f64(150.0)
	pl := musicPlaylist(t, item)

	r.Arm(pl, item)
	if st, _ := r.StateOf(pl.ID, item.ID); st != StateArmed {
		t.Fatalf("state = %v, want armed", st)
	}
	plan := r.PlanOf(pl.ID, item.ID)
	if plan.MixAt == nil || !almost(*plan.MixAt, 150.0) {
		t.Fatalf("plan mix_at = %v, want 150", plan.MixAt)
	}

	item.CurrentPosition = 152.0
	r.OnProgress(pl, item, 152.0)

	if ctrl.starts() != 1 {
		t.Fatalf("StartNext calls = %d, want 1", ctrl.starts())
	}
	fades := ctrl.fades()
	if len(fades) != 1 || !almost(fades[0], 3.0) {
		t.Fatalf("fade = %v, want [3.0]", fades)
	}
	if st, _ := r.StateOf(pl.ID, item.ID); st != StateFired {
		t.Fatalf("state = %v, want fired", st)
	}
}

// S2: overlap-only item fades with min(fade, remaining).
func TestProgressOverlapFadeClampedToRemaining(t *testing.T) {
	ctrl := &fakeCtrl{startOK: true}
	r := newRuntime(ctrl, 3.0)

	item := playlist.NewItem("a.mp3", 10.0)
	item.OverlapSeconds = f64(2.5)
	pl := musicPlaylist(t, item)

	r.Arm(pl, item)
	item.CurrentPosition = 8.5
	r.OnProgress(pl, item, 8.5)

	fades := ctrl.fades()
	if len(fades) != 1 || !almost(fades[0], 1.5) {
		t.Fatalf("fade = %v, want [1.5]", fades)
	}
}

// S3: loop hold suppresses the mix; disabling the loop re-arms it.
func TestLoopHoldThenDisable(t *testing.T) {
	ctrl := &fakeCtrl{startOK: true, native: true, length: 12.0, hasLength: true}
	r := newRuntime(ctrl, 3.0)

	item := playlist.NewItem("a.mp3", 12.0)
	item.LoopStartSeconds = f64(2.0)
	item.LoopEndSeconds = f64(6.0)
	item.LoopEnabled = true
	pl := musicPlaylist(t, item)

	r.Arm(pl, item)
	if st, _ := r.StateOf(pl.ID, item.ID); st != StateLoopHold {
		t.Fatalf("state = %v, want loop_hold", st)
	}
	if r.PlanOf(pl.ID, item.ID) != nil {
		t.Fatal("plan must be cleared in loop hold")
	}
	ctrl.mu.Lock()
	clearedFirst := len(ctrl.triggerUpdates) > 0 && ctrl.triggerUpdates[0].cleared
	ctrl.mu.Unlock()
	if !clearedFirst {
		t.Fatal("loop hold should clear the mix trigger")
	}

	// progress during hold must not fire
	item.CurrentPosition = 11.0
	r.OnProgress(pl, item, 11.0)
	if ctrl.starts() != 0 {
		t.Fatal("loop hold must suppress the mix")
	}

	// operator releases the loop at 3.0 s
	item.LoopEnabled = false
	item.CurrentPosition = 3.0
	r.LoopDisabled(pl, item)

	if st, _ := r.StateOf(pl.ID, item.ID); st != StateArmed {
		t.Fatalf("state = %v, want armed after loop release", st)
	}
	plan := r.PlanOf(pl.ID, item.ID)
	if plan == nil || plan.MixAt == nil || !almost(*plan.MixAt, 9.0) {
		t.Fatalf("plan after release = %+v, want mix_at 9 from stream length", plan)
	}
	ctrl.mu.Lock()
	last := ctrl.triggerUpdates[len(ctrl.triggerUpdates)-1]
	ctrl.mu.Unlock()
	if last.seconds == nil || !almost(*last.seconds, 9.0) {
		t.Fatalf("trigger not re-registered at 9.0: %+v", last)
	}
}

// Loop released after the mix point passed: stay silent.
func TestLoopDisableTooLateKeepsHold(t *testing.T) {
	ctrl := &fakeCtrl{startOK: true, native: true, length: 12.0, hasLength: true}
	r := newRuntime(ctrl, 3.0)

	item := playlist.NewItem("a.mp3", 12.0)
	item.LoopStartSeconds = f64(2.0)
	item.LoopEndSeconds = f64(6.0)
	item.LoopEnabled = true
	pl := musicPlaylist(t, item)

	r.Arm(pl, item)
	item.LoopEnabled = false
	item.CurrentPosition = 11.5 // mix point at 9.0 is long gone
	r.LoopDisabled(pl, item)

	if st, _ := r.StateOf(pl.ID, item.ID); st != StateLoopHold {
		t.Fatalf("state = %v, want loop_hold retained", st)
	}
}

// S4: native trigger never fires; the progress fallback lands the mix with
// the remaining time as fade.
func TestLateNativeTriggerProgressFallback(t *testing.T) {
	ctrl := &fakeCtrl{startOK: true, native: true, length: 12.0, hasLength: true}
	r := newRuntime(ctrl, 2.0)

	item := playlist.NewItem("a.mp3", 12.0)
	item.SegueSeconds = f64(5.0)
	pl := musicPlaylist(t, item)

	r.Arm(pl, item)

	item.CurrentPosition = 10.9
	r.OnProgress(pl, item, 10.9)

	if ctrl.starts() != 1 {
		t.Fatalf("StartNext calls = %d, want 1", ctrl.starts())
	}
	fades := ctrl.fades()
	if len(fades) != 1 || !almost(fades[0], 1.1) {
		t.Fatalf("fade = %v, want [1.1]", fades)
	}
}

// Native path waits inside the late-guard window.
func TestProgressWaitsForNativeInsideWindow(t *testing.T) {
	ctrl := &fakeCtrl{startOK: true, native: true, length: 12.0, hasLength: true}
	r := newRuntime(ctrl, 2.0)

	item := playlist.NewItem("a.mp3", 12.0)
	item.SegueSeconds = f64(5.0)
	pl := musicPlaylist(t, item)

	r.Arm(pl, item)

	// inside [mix_at, mix_at+window): hold for the native callback
	item.CurrentPosition = 5.05
	r.OnProgress(pl, item, 5.05)
	if ctrl.starts() != 0 {
		t.Fatal("progress fired inside the native late-guard window")
	}
}

// S5: a native callback far before the mix point disarms the native path.
func TestEarlyNativeCallbackFallsBackToProgress(t *testing.T) {
	ctrl := &fakeCtrl{startOK: true, native: true, length: 12.0, hasLength: true}
	r := newRuntime(ctrl, 2.0)

	item := playlist.NewItem("a.mp3", 12.0)
	item.SegueSeconds = f64(8.0)
	pl := musicPlaylist(t, item)

	r.Arm(pl, item)

	item.CurrentPosition = 5.0 // current_abs 5.0 < 8.0 - 0.75
	r.OnNativeMixCallback(pl, item)

	if ctrl.starts() != 0 {
		t.Fatal("early native callback must not start the next item")
	}
	plan := r.PlanOf(pl.ID, item.ID)
	if plan == nil || plan.NativeTrigger {
		t.Fatalf("plan = %+v, want native_trigger=false after early fire", plan)
	}
	ctrl.mu.Lock()
	last := ctrl.triggerUpdates[len(ctrl.triggerUpdates)-1]
	ctrl.mu.Unlock()
	if !last.cleared {
		t.Fatal("early native fire should clear the armed trigger")
	}
	if st, _ := r.StateOf(pl.ID, item.ID); st != StateArmed {
		t.Fatalf("state = %v, want still armed", st)
	}
}

// A native callback at the mix point fires once; the second is a no-op.
func TestNativeCallbackFiresOnce(t *testing.T) {
	ctrl := &fakeCtrl{startOK: true, native: true, length: 12.0, hasLength: true}
	r := newRuntime(ctrl, 2.0)

	item := playlist.NewItem("a.mp3", 12.0)
	item.SegueSeconds = f64(8.0)
	pl := musicPlaylist(t, item)

	r.Arm(pl, item)
	item.CurrentPosition = 8.0
	r.OnNativeMixCallback(pl, item)
	r.OnNativeMixCallback(pl, item)

	if ctrl.starts() != 1 {
		t.Fatalf("StartNext calls = %d, want 1 (latch)", ctrl.starts())
	}
}

// Failed start clears the latch so the fallback can retry.
func TestFailedStartClearsLatch(t *testing.T) {
	ctrl := &fakeCtrl{startOK: false}
	r := newRuntime(ctrl, 3.0)

	item := playlist.NewItem("a.mp3", 155.0)
	item.SegueSeconds = f64(150.0)
	pl := musicPlaylist(t, item)

	r.Arm(pl, item)
	item.CurrentPosition = 152.0
	r.OnProgress(pl, item, 152.0)
	if ctrl.starts() != 1 {
		t.Fatalf("StartNext calls = %d, want 1", ctrl.starts())
	}

	// now the next attempt succeeds
	ctrl.mu.Lock()
	ctrl.startOK = true
	ctrl.mu.Unlock()
	r.OnProgress(pl, item, 152.5)
	if ctrl.starts() != 2 {
		t.Fatalf("StartNext calls = %d, want retry after failure", ctrl.starts())
	}
}

func TestBreakItemHaltsAutomix(t *testing.T) {
	ctrl := &fakeCtrl{startOK: true}
	r := newRuntime(ctrl, 3.0)

	item := playlist.NewItem("a.mp3", 10.0)
	item.SegueSeconds = f64(8.0)
	item.BreakAfter = true
	pl := musicPlaylist(t, item)

	r.Arm(pl, item)
	if st, _ := r.StateOf(pl.ID, item.ID); st != StateBreakHalt {
		t.Fatalf("state = %v, want break_halt", st)
	}
	item.CurrentPosition = 9.9
	r.OnProgress(pl, item, 9.9)
	if ctrl.starts() != 0 {
		t.Fatal("break item must never auto-mix")
	}
}

func TestClearPlaylistDropsState(t *testing.T) {
	ctrl := &fakeCtrl{startOK: true}
	r := newRuntime(ctrl, 3.0)

	item := playlist.NewItem("a.mp3", 155.0)
	item.SegueSeconds = f64(150.0)
	pl := musicPlaylist(t, item)

	r.Arm(pl, item)
	r.ClearPlaylist(pl.ID)
	if _, ok := r.StateOf(pl.ID, item.ID); ok {
		t.Fatal("state survived ClearPlaylist")
	}
	if r.PlanOf(pl.ID, item.ID) != nil {
		t.Fatal("plan survived ClearPlaylist")
	}
}

func TestNonMusicPlaylistIgnored(t *testing.T) {
	ctrl := &fakeCtrl{startOK: true}
	r := newRuntime(ctrl, 3.0)

	item := playlist.NewItem("a.mp3", 10.0)
	item.SegueSeconds = f64(5.0)
	pl := playlist.NewModel("news", playlist.KindNews)
	pl.Append(item)

	r.Arm(pl, item)
	item.CurrentPosition = 9.0
	r.OnProgress(pl, item, 9.0)
	if ctrl.starts() != 0 {
		t.Fatal("news playlists must not auto-mix")
	}
}
