/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package player

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaldziwisz/sara/internal/audio"
)

// fakeBackend is an in-memory backend the tests drive by hand.
type fakeBackend struct {
	mu          sync.Mutex
	kind        audio.BackendType
	nextHandle  int64
	nextSync    int64
	streams     map[audio.StreamHandle]*fakeStream
	createFails bool
}

type fakeStream struct {
	pos     float64
	length  float64
	active  bool
	playing bool
	volumes []float64
	seeks   []float64
	syncs   map[audio.SyncHandle]*fakeSync
	freed   bool
}

type fakeSync struct {
	samplePos int64
	mode      audio.SyncMode
	end       bool
	proc      audio.SyncProc
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{kind: audio.BackendDirect, streams: make(map[audio.StreamHandle]*fakeStream)}
}

func (f *fakeBackend) Type() audio.BackendType { return f.kind }
func (f *fakeBackend) Devices() []audio.Device {
	return []audio.Device{{ID: "fake:0", Backend: f.kind}}
}
func (f *fakeBackend) RefreshDevices() error { return nil }

func (f *fakeBackend) CreateStream(deviceID, path string, flags audio.StreamFlags) (audio.StreamHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createFails {
		return 0, audio.ErrStreamCreateFailed
	}
	f.nextHandle++
	h := audio.StreamHandle(f.nextHandle)
	f.streams[h] = &fakeStream{length: 120, active: true, syncs: make(map[audio.SyncHandle]*fakeSync)}
	return h, nil
}

func (f *fakeBackend) get(h audio.StreamHandle) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[h]
}

func (f *fakeBackend) FreeStream(h audio.StreamHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.streams[h]; s != nil {
		s.freed = true
	}
	delete(f.streams, h)
	return nil
}

func (f *fakeBackend) Play(h audio.StreamHandle) error {
	if s := f.get(h); s != nil {
		f.mu.Lock()
		s.playing = true
		s.active = true
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeBackend) Pause(h audio.StreamHandle) error { return nil }

func (f *fakeBackend) Stop(h audio.StreamHandle) error {
	if s := f.get(h); s != nil {
		f.mu.Lock()
		s.playing = false
		s.active = false
		s.syncs = make(map[audio.SyncHandle]*fakeSync)
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeBackend) Position(h audio.StreamHandle) (float64, error) {
	s := f.get(h)
	if s == nil {
		return 0, audio.ErrUnknownStream
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return s.pos, nil
}

func (f *fakeBackend) SetPosition(h audio.StreamHandle, seconds float64) error {
	s := f.get(h)
	if s == nil {
		return audio.ErrUnknownStream
	}
	f.mu.Lock()
	s.pos = seconds
	s.seeks = append(s.seeks, seconds)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Length(h audio.StreamHandle) (float64, error) {
	s := f.get(h)
	if s == nil {
		return 0, audio.ErrUnknownStream
	}
	return s.length, nil
}

func (f *fakeBackend) SetVolume(h audio.StreamHandle, gain float64) error {
	s := f.get(h)
	if s == nil {
		return audio.ErrUnknownStream
	}
	f.mu.Lock()
	s.volumes = append(s.volumes, gain)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) IsActive(h audio.StreamHandle) bool {
	s := f.get(h)
	if s == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return s.active
}

func (f *fakeBackend) SecondsToSamples(h audio.StreamHandle, seconds float64) (int64, error) {
	return int64(seconds * 44100), nil
}

func (f *fakeBackend) AddSyncPosition(h audio.StreamHandle, samplePos int64, mode audio.SyncMode, proc audio.SyncProc) (audio.SyncHandle, error) {
	s := f.get(h)
	if s == nil {
		return 0, audio.ErrUnknownStream
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSync++
	sh := audio.SyncHandle(f.nextSync)
	s.syncs[sh] = &fakeSync{samplePos: samplePos, mode: mode, proc: proc}
	return sh, nil
}

func (f *fakeBackend) AddSyncEnd(h audio.StreamHandle, proc audio.SyncProc) (audio.SyncHandle, error) {
	s := f.get(h)
	if s == nil {
		return 0, audio.ErrUnknownStream
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSync++
	sh := audio.SyncHandle(f.nextSync)
	s.syncs[sh] = &fakeSync{end: true, proc: proc}
	return sh, nil
}

func (f *fakeBackend) RemoveSync(h audio.StreamHandle, sync audio.SyncHandle) error {
	if s := f.get(h); s != nil {
		f.mu.Lock()
		delete(s.syncs, sync)
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) setPos(h audio.StreamHandle, pos float64) {
	if s := f.get(h); s != nil {
		f.mu.Lock()
		s.pos = pos
		f.mu.Unlock()
	}
}

func (f *fakeBackend) setInactive(h audio.StreamHandle) {
	if s := f.get(h); s != nil {
		f.mu.Lock()
		s.active = false
		f.mu.Unlock()
	}
}

func (f *fakeBackend) syncCounts(h audio.StreamHandle) (pos, end int) {
	s := f.get(h)
	if s == nil {
		return 0, 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range s.syncs {
		if e.end {
			end++
		} else {
			pos++
		}
	}
	return pos, end
}

func (f *fakeBackend) fireAllSyncs(h audio.StreamHandle) {
	s := f.get(h)
	if s == nil {
		return
	}
	f.mu.Lock()
	procs := make([]audio.SyncProc, 0, len(s.syncs))
	for _, e := range s.syncs {
		procs = append(procs, e.proc)
	}
	f.mu.Unlock()
	for _, p := range procs {
		p()
	}
}

func (f *fakeBackend) currentHandle() audio.StreamHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return audio.StreamHandle(f.nextHandle)
}

func newTestPlayer(f *fakeBackend) *Player {
	return New(zerolog.Nop(), f, "fake:0")
}

func TestPlayAppliesGainBeforeStart(t *testing.T) {
	f := newFakeBackend()
	p := newTestPlayer(f)
	defer p.Stop()

	db := -6.0
	p.SetGainDB(&db)
	if err := p.Play("item-1", "a.mp3", PlayOptions{}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h := f.currentHandle()
	s := f.get(h)
	f.mu.Lock()
	gotVolumes := len(s.volumes) > 0 && s.volumes[0] < 1.0
	f.mu.Unlock()
	if !gotVolumes {
		t.Fatal("replay gain was not applied at stream start")
	}
}

func TestMixTriggerInstallsOnePositionAndOneEndSync(t *testing.T) {
	f := newFakeBackend()
	p := newTestPlayer(f)
	defer p.Stop()

	if err := p.Play("item-1", "a.mp3", PlayOptions{}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h := f.currentHandle()

	target := 50.0
	p.SetMixTrigger(nil, nil)
	p.SetMixTrigger(&target, func() {})

	pos, end := f.syncCounts(h)
	if pos != 1 || end != 1 {
		t.Fatalf("syncs = %d position, %d end; want 1 and 1", pos, end)
	}
}

func TestMixTriggerFiresExactlyOnce(t *testing.T) {
	f := newFakeBackend()
	p := newTestPlayer(f)
	defer p.Stop()

	if err := p.Play("item-1", "a.mp3", PlayOptions{}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h := f.currentHandle()

	fired := 0
	var mu sync.Mutex
	target := 50.0
	p.SetMixTrigger(&target, func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	// both the position sync and the end sync point at the same latch
	f.fireAllSyncs(h)
	f.fireAllSyncs(h)

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("mix callback fired %d times, want 1", fired)
	}
}

func TestMixTriggerClampedToLength(t *testing.T) {
	f := newFakeBackend()
	p := newTestPlayer(f)
	defer p.Stop()

	if err := p.Play("item-1", "a.mp3", PlayOptions{}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h := f.currentHandle()

	target := 500.0 // past the 120 s fake length
	p.SetMixTrigger(&target, func() {})

	s := f.get(h)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range s.syncs {
		if !e.end {
			want := int64((120.0 - mixTriggerEndClamp) * 44100)
			if e.samplePos != want {
				t.Fatalf("sync sample = %d, want clamped %d", e.samplePos, want)
			}
		}
	}
}

func TestFadeOutReachesZeroAndStops(t *testing.T) {
	f := newFakeBackend()
	p := newTestPlayer(f)

	if err := p.Play("item-1", "a.mp3", PlayOptions{}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h := f.currentHandle()

	p.FadeOut(0.2)
	time.Sleep(400 * time.Millisecond)

	s := f.get(h)
	if s != nil && !s.freed {
		t.Fatal("stream should be freed after fade completes")
	}
}

func TestSecondFadeIgnoredOnDirectBackend(t *testing.T) {
	f := newFakeBackend()
	p := newTestPlayer(f)
	defer p.Stop()

	if err := p.Play("item-1", "a.mp3", PlayOptions{}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h := f.currentHandle()
	s := f.get(h)

	p.FadeOut(0.5)
	time.Sleep(50 * time.Millisecond)
	f.mu.Lock()
	count := len(s.volumes)
	f.mu.Unlock()

	p.FadeOut(0.5) // ignored
	time.Sleep(50 * time.Millisecond)
	f.mu.Lock()
	after := len(s.volumes)
	f.mu.Unlock()

	// volumes keep decreasing from the first fade only; a second fade
	// would have doubled the write rate
	if after-count > 4 {
		t.Fatalf("volume writes %d -> %d suggest a second concurrent fade", count, after)
	}
	p.Stop()
}

func TestMonitorFiresFinishedOnceOnEnd(t *testing.T) {
	f := newFakeBackend()
	p := newTestPlayer(f)

	var mu sync.Mutex
	finished := 0
	p.SetFinishedCallback(func(string) {
		mu.Lock()
		finished++
		mu.Unlock()
	})

	if err := p.Play("item-1", "a.mp3", PlayOptions{}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h := f.currentHandle()

	f.setInactive(h)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if finished != 1 {
		t.Fatalf("finished fired %d times, want 1", finished)
	}
}

func TestMonitorRestartsLoopInsteadOfFinishing(t *testing.T) {
	f := newFakeBackend()
	p := newTestPlayer(f)
	defer p.Stop()

	var mu sync.Mutex
	finished := 0
	p.SetFinishedCallback(func(string) {
		mu.Lock()
		finished++
		mu.Unlock()
	})

	start, end := 2.0, 6.0
	p.SetLoop(&start, &end)
	if err := p.Play("item-1", "a.mp3", PlayOptions{AllowLoop: true}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h := f.currentHandle()

	f.setInactive(h)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	gotFinished := finished
	mu.Unlock()
	if gotFinished != 0 {
		t.Fatal("looping stream must not report finished on dropout")
	}

	s := f.get(h)
	f.mu.Lock()
	sawLoopSeek := false
	for _, sk := range s.seeks {
		if sk == start {
			sawLoopSeek = true
		}
	}
	f.mu.Unlock()
	if !sawLoopSeek {
		t.Fatal("monitor should have re-seeked to loop start")
	}
}

func TestLoopGuardJumpsPastEnd(t *testing.T) {
	f := newFakeBackend()
	p := newTestPlayer(f)
	defer p.Stop()

	start, end := 2.0, 6.0
	p.SetLoop(&start, &end)
	if err := p.Play("item-1", "a.mp3", PlayOptions{AllowLoop: true}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h := f.currentHandle()

	// drift past loop end beyond the guard slack
	f.setPos(h, end+0.02)
	time.Sleep(100 * time.Millisecond)

	s := f.get(h)
	f.mu.Lock()
	jumped := len(s.seeks) > 0 && s.seeks[len(s.seeks)-1] == start
	f.mu.Unlock()
	if !jumped {
		t.Fatal("guard did not jump back to loop start")
	}
}

func TestStopClearsStreamAndIsIdempotent(t *testing.T) {
	f := newFakeBackend()
	p := newTestPlayer(f)

	if err := p.Play("item-1", "a.mp3", PlayOptions{}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	p.Stop()
	p.Stop()
	if p.IsActive() {
		t.Fatal("player active after Stop")
	}
	if p.Position() != 0 {
		t.Fatal("position should read 0 with no stream")
	}
}

func TestSupportsMixTriggerByBackendType(t *testing.T) {
	f := newFakeBackend()
	p := newTestPlayer(f)
	if !p.SupportsMixTrigger() {
		t.Fatal("direct backend should support native triggers")
	}
	f.kind = audio.BackendMixer
	if p.SupportsMixTrigger() {
		t.Fatal("mixer backend must use the progress fallback")
	}
}
