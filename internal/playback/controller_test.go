/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/michaldziwisz/sara/internal/audio"
	"github.com/michaldziwisz/sara/internal/config"
	"github.com/michaldziwisz/sara/internal/events"
	"github.com/michaldziwisz/sara/internal/playlist"
)

// fakeBackend drives the controller without touching real devices.
type fakeBackend struct {
	mu         sync.Mutex
	kind       audio.BackendType
	devices    []audio.Device
	nextHandle int64
	nextSync   int64
	streams    map[audio.StreamHandle]*fakeStream
	refreshes  int
	defaultLen float64
}

type fakeStream struct {
	path    string
	pos     float64
	length  float64
	active  bool
	volumes []float64
	syncs   map[audio.SyncHandle]audio.SyncProc
}

func newFakeBackend(deviceIDs ...string) *fakeBackend {
	f := &fakeBackend{kind: audio.BackendDirect, streams: make(map[audio.StreamHandle]*fakeStream)}
	for i, id := range deviceIDs {
		f.devices = append(f.devices, audio.Device{
			ID:          id,
			Name:        id,
			Backend:     audio.BackendDirect,
			RawIndex:    i,
			DefaultRate: 44100,
		})
	}
	return f
}

func (f *fakeBackend) Type() audio.BackendType { return f.kind }

func (f *fakeBackend) Devices() []audio.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]audio.Device, len(f.devices))
	copy(out, f.devices)
	return out
}

func (f *fakeBackend) RefreshDevices() error {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) CreateStream(deviceID, path string, flags audio.StreamFlags) (audio.StreamHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHandle++
	h := audio.StreamHandle(f.nextHandle)
	length := f.defaultLen
	if length <= 0 {
		length = 120
	}
	f.streams[h] = &fakeStream{path: path, length: length, active: true, syncs: make(map[audio.SyncHandle]audio.SyncProc)}
	return h, nil
}

func (f *fakeBackend) FreeStream(h audio.StreamHandle) error {
	f.mu.Lock()
	delete(f.streams, h)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Play(h audio.StreamHandle) error  { return nil }
func (f *fakeBackend) Pause(h audio.StreamHandle) error { return nil }

func (f *fakeBackend) Stop(h audio.StreamHandle) error {
	f.mu.Lock()
	if s := f.streams[h]; s != nil {
		s.active = false
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Position(h audio.StreamHandle) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.streams[h]; s != nil {
		return s.pos, nil
	}
	return 0, audio.ErrUnknownStream
}

func (f *fakeBackend) SetPosition(h audio.StreamHandle, seconds float64) error {
	f.mu.Lock()
	if s := f.streams[h]; s != nil {
		s.pos = seconds
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Length(h audio.StreamHandle) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.streams[h]; s != nil {
		return s.length, nil
	}
	return 0, audio.ErrUnknownStream
}

func (f *fakeBackend) SetVolume(h audio.StreamHandle, gain float64) error {
	f.mu.Lock()
	if s := f.streams[h]; s != nil {
		s.volumes = append(s.volumes, gain)
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) IsActive(h audio.StreamHandle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.streams[h]; s != nil {
		return s.active
	}
	return false
}

func (f *fakeBackend) SecondsToSamples(h audio.StreamHandle, seconds float64) (int64, error) {
	return int64(seconds * 44100), nil
}

func (f *fakeBackend) AddSyncPosition(h audio.StreamHandle, samplePos int64, mode audio.SyncMode, proc audio.SyncProc) (audio.SyncHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.streams[h]; s != nil {
		f.nextSync++
		sh := audio.SyncHandle(f.nextSync)
		s.syncs[sh] = proc
		return sh, nil
	}
	return 0, audio.ErrUnknownStream
}

func (f *fakeBackend) AddSyncEnd(h audio.StreamHandle, proc audio.SyncProc) (audio.SyncHandle, error) {
	return f.AddSyncPosition(h, -1, audio.SyncNormal, proc)
}

func (f *fakeBackend) RemoveSync(h audio.StreamHandle, sync audio.SyncHandle) error {
	f.mu.Lock()
	if s := f.streams[h]; s != nil {
		delete(s.syncs, sync)
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeBackend) removeDevice(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, d := range f.devices {
		if d.ID == id {
			f.devices = append(f.devices[:i], f.devices[i+1:]...)
			return
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment:          "test",
		FadeSeconds:          3.0,
		MixExecutor:          config.MixExecutorUI,
		IntroAlertSeconds:    5.0,
		TrackEndAlertSeconds: 10.0,
		OutputsPath:          filepath.Join(t.TempDir(), "outputs.yaml"),
	}
}

func testController(t *testing.T, cfg *config.Config, backends ...audio.Backend) *Controller {
	t.Helper()
	outputs, err := config.NewOutputStore(cfg.OutputsPath)
	if err != nil {
		t.Fatal(err)
	}
	c := New(zerolog.Nop(), cfg, outputs, events.NewBus(), backends, nil)
	t.Cleanup(c.Close)
	return c
}

func startOpts() StartOptions {
	return StartOptions{
		OnFinished: func(string) {},
		OnProgress: func(string, float64) {},
	}
}

func TestStartItemIdempotentWhilePlaying(t *testing.T) {
	f := newFakeBackend("fake:0", "fake:1")
	c := testController(t, testConfig(t), f)

	pl := playlist.NewModel("music", playlist.KindMusic)
	item := playlist.NewItem("a.mp3", 60)
	pl.Append(item)

	ctx1 := c.StartItem(pl, item, startOpts())
	if ctx1 == nil {
		t.Fatal("first StartItem failed")
	}
	item.Status = playlist.StatusPlaying
	opened := f.streamCount()

	ctx2 := c.StartItem(pl, item, startOpts())
	if ctx2 != ctx1 {
		t.Fatal("second StartItem should return the same context")
	}
	if f.streamCount() != opened {
		t.Fatal("second StartItem reopened the stream")
	}
}

func TestStartItemRejectsPlayedWithoutRestart(t *testing.T) {
	f := newFakeBackend("fake:0")
	c := testController(t, testConfig(t), f)

	pl := playlist.NewModel("music", playlist.KindMusic)
	item := playlist.NewItem("a.mp3", 60)
	item.Status = playlist.StatusPlayed
	pl.Append(item)

	if ctx := c.StartItem(pl, item, startOpts()); ctx != nil {
		t.Fatal("PLAYED item must be rejected")
	}

	opts := startOpts()
	opts.RestartIfPlaying = true
	if ctx := c.StartItem(pl, item, opts); ctx == nil {
		t.Fatal("restart should flip PLAYED back to pending and start")
	}
	if item.Status == playlist.StatusPlayed {
		t.Fatal("status should have been reset")
	}
}

func TestStartItemNoDevicesReturnsNil(t *testing.T) {
	f := newFakeBackend() // no devices
	c := testController(t, testConfig(t), f)

	pl := playlist.NewModel("music", playlist.KindMusic)
	item := playlist.NewItem("a.mp3", 60)
	pl.Append(item)

	if ctx := c.StartItem(pl, item, startOpts()); ctx != nil {
		t.Fatal("StartItem must return nil on device exhaustion")
	}
}

func TestMissingConfiguredSlotIsNulledAndPersisted(t *testing.T) {
	f := newFakeBackend("fake:0")
	cfg := testConfig(t)
	c := testController(t, cfg, f)

	pl := playlist.NewModel("music", playlist.KindMusic)
	pl.SetOutputSlots([]string{"gone:7"})
	item := playlist.NewItem("a.mp3", 60)
	pl.Append(item)

	ctx := c.StartItem(pl, item, startOpts())
	if ctx == nil {
		t.Fatal("StartItem should fall back to a known device")
	}
	if ctx.DeviceID != "fake:0" {
		t.Fatalf("fell back to %q, want fake:0", ctx.DeviceID)
	}
	slots := pl.OutputSlots()
	if slots[0] != "" {
		t.Fatalf("missing slot not nulled: %v", slots)
	}

	// the nulled slot must have been persisted
	reloaded, err := config.NewOutputStore(cfg.OutputsPath)
	if err != nil {
		t.Fatal(err)
	}
	saved := reloaded.PlaylistOutputs(pl.Name)
	if len(saved) != 1 || saved[0] != "" {
		t.Fatalf("persisted slots = %v, want one empty slot", saved)
	}
}

func TestSlotSelectionUsesDistinctDevices(t *testing.T) {
	f := newFakeBackend("fake:0", "fake:1")
	c := testController(t, testConfig(t), f)

	pl := playlist.NewModel("music", playlist.KindMusic)
	pl.SetOutputSlots([]string{"fake:0", "fake:1"})
	a := playlist.NewItem("a.mp3", 60)
	b := playlist.NewItem("b.mp3", 60)
	pl.Append(a)
	pl.Append(b)

	ctxA := c.StartItem(pl, a, startOpts())
	if ctxA == nil {
		t.Fatal("start a failed")
	}
	ctxB := c.StartItem(pl, b, startOpts())
	if ctxB == nil {
		t.Fatal("start b failed")
	}
	if ctxA.DeviceID == ctxB.DeviceID {
		t.Fatalf("both items landed on %s", ctxA.DeviceID)
	}
}

func TestUpdateMixTriggerWithoutContext(t *testing.T) {
	f := newFakeBackend("fake:0")
	c := testController(t, testConfig(t), f)

	sec := 10.0
	if c.UpdateMixTrigger("nope", "nope", &sec, func() {}) {
		t.Fatal("UpdateMixTrigger must return false without a context")
	}
}

func TestStopPlaylistRemovesAllContexts(t *testing.T) {
	f := newFakeBackend("fake:0", "fake:1")
	c := testController(t, testConfig(t), f)

	pl := playlist.NewModel("music", playlist.KindMusic)
	a := playlist.NewItem("a.mp3", 60)
	b := playlist.NewItem("b.mp3", 60)
	pl.Append(a)
	pl.Append(b)

	c.StartItem(pl, a, startOpts())
	c.StartItem(pl, b, startOpts())

	removed := c.StopPlaylist(pl.ID, 0)
	if len(removed) != 2 {
		t.Fatalf("removed %d contexts, want 2", len(removed))
	}
	if len(c.Contexts()) != 0 {
		t.Fatal("contexts remain after StopPlaylist")
	}
}

func TestStartPreviewBusyPfl(t *testing.T) {
	f := newFakeBackend("fake:0", "fake:1")
	cfg := testConfig(t)
	cfg.PFLDevice = "fake:1"
	c := testController(t, cfg, f)

	// occupy the PFL device with on-air playback
	pl := playlist.NewModel("music", playlist.KindMusic)
	pl.SetOutputSlots([]string{"fake:1"})
	item := playlist.NewItem("a.mp3", 60)
	pl.Append(item)
	if c.StartItem(pl, item, startOpts()) == nil {
		t.Fatal("setup start failed")
	}

	preview := playlist.NewItem("p.mp3", 30)
	if err := c.StartPreview(preview, 0, nil); err != audio.ErrPflBusy {
		t.Fatalf("err = %v, want ErrPflBusy", err)
	}
}

func TestStartPreviewReplacesPrior(t *testing.T) {
	f := newFakeBackend("fake:0", "fake:1")
	cfg := testConfig(t)
	cfg.PFLDevice = "fake:1"
	c := testController(t, cfg, f)

	one := playlist.NewItem("one.mp3", 30)
	two := playlist.NewItem("two.mp3", 30)

	if err := c.StartPreview(one, 0, nil); err != nil {
		t.Fatalf("first preview: %v", err)
	}
	if err := c.StartPreview(two, 5, nil); err != nil {
		t.Fatalf("second preview: %v", err)
	}
	if !c.PreviewContextActive() {
		t.Fatal("preview should be active")
	}

	c.StopPreview(true)
	if c.PreviewContextActive() {
		t.Fatal("preview survived StopPreview(wait=true)")
	}
}

func TestPreviewLoopRangeValidation(t *testing.T) {
	f := newFakeBackend("fake:0", "fake:1")
	cfg := testConfig(t)
	cfg.PFLDevice = "fake:1"
	c := testController(t, cfg, f)

	item := playlist.NewItem("one.mp3", 30)
	bad := [2]float64{6, 2}
	if err := c.StartPreview(item, 0, &bad); err == nil {
		t.Fatal("degenerate loop range must fail")
	}
}
