/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playback owns the running playback contexts: device slot
// selection, player acquisition, callback wiring and the single PFL
// preview.
package playback

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/michaldziwisz/sara/internal/audio"
	"github.com/michaldziwisz/sara/internal/config"
	"github.com/michaldziwisz/sara/internal/events"
	"github.com/michaldziwisz/sara/internal/player"
	"github.com/michaldziwisz/sara/internal/playlist"
	"github.com/michaldziwisz/sara/internal/telemetry"
)

// Key addresses one playback context.
type Key struct {
	PlaylistID string
	ItemID     string
}

// Context is the live state of one started item.
type Context struct {
	Player    *player.Player
	Path      string
	DeviceID  string
	SlotIndex int

	IntroSeconds *float64

	mu                     sync.Mutex
	introAlertTriggered    bool
	trackEndAlertTriggered bool
}

// MarkIntroAlert flips the intro alert latch; returns false when already
// triggered.
func (c *Context) MarkIntroAlert() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.introAlertTriggered {
		return false
	}
	c.introAlertTriggered = true
	return true
}

// MarkTrackEndAlert flips the track-end alert latch.
func (c *Context) MarkTrackEndAlert() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trackEndAlertTriggered {
		return false
	}
	c.trackEndAlertTriggered = true
	return true
}

// StartOptions parameterize StartItem.
type StartOptions struct {
	StartSeconds      float64
	OnFinished        func(itemID string)
	OnProgress        func(itemID string, seconds float64)
	RestartIfPlaying  bool
	MixTriggerSeconds *float64
	OnMixTrigger      func()
}

// Controller manages playback contexts and the PFL preview.
type Controller struct {
	logger   zerolog.Logger
	cfg      *config.Config
	outputs  *config.OutputStore
	announce events.AnnounceFunc
	bus      *events.Bus

	backends     []audio.Backend
	mixerFactory func(device audio.Device) audio.Backend

	dispatcher Dispatcher

	mu       sync.Mutex
	contexts map[Key]*Context
	mixers   map[string]audio.Backend

	preview     *PreviewContext
	pflDeviceID string

	preload *preloader
}

// New creates the controller. mixerFactory may be nil to disable the
// software mixer path.
func New(
	logger zerolog.Logger,
	cfg *config.Config,
	outputs *config.OutputStore,
	bus *events.Bus,
	backends []audio.Backend,
	mixerFactory func(device audio.Device) audio.Backend,
) *Controller {
	c := &Controller{
		logger:       logger.With().Str("component", "playback").Logger(),
		cfg:          cfg,
		outputs:      outputs,
		announce:     events.BusAnnouncer(bus),
		bus:          bus,
		backends:     backends,
		mixerFactory: mixerFactory,
		dispatcher:   NewDispatcher(cfg.MixExecutor),
		contexts:     make(map[Key]*Context),
		mixers:       make(map[string]audio.Backend),
		pflDeviceID:  cfg.PFLDevice,
		preload:      newPreloader(logger),
	}
	return c
}

// Close stops every context, the preview and the dispatcher.
func (c *Controller) Close() {
	c.StopPreview(true)
	c.mu.Lock()
	keys := make([]Key, 0, len(c.contexts))
	for k := range c.contexts {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.StopPlaylist(k.PlaylistID, 0)
	}
	c.preload.close()
	c.dispatcher.Close()
}

// Contexts returns a snapshot of the live contexts.
func (c *Controller) Contexts() map[Key]*Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Key]*Context, len(c.contexts))
	for k, v := range c.contexts {
		out[k] = v
	}
	return out
}

// GetContext returns any context of the playlist.
func (c *Controller) GetContext(playlistID string) (Key, *Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, ctx := range c.contexts {
		if k.PlaylistID == playlistID {
			return k, ctx, true
		}
	}
	return Key{}, nil, false
}

// ContextFor returns the context for one item.
func (c *Controller) ContextFor(playlistID, itemID string) (*Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.contexts[Key{playlistID, itemID}]
	return ctx, ok
}

// BusyDeviceIDs returns devices currently claimed by contexts.
func (c *Controller) BusyDeviceIDs() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	busy := make(map[string]bool, len(c.contexts))
	for _, ctx := range c.contexts {
		busy[ctx.DeviceID] = true
	}
	return busy
}

// knownDevices snapshots every backend's device list.
func (c *Controller) knownDevices() map[string]audio.Device {
	out := make(map[string]audio.Device)
	for _, b := range c.backends {
		for _, d := range b.Devices() {
			out[d.ID] = d
		}
	}
	return out
}

func (c *Controller) refreshDevices() {
	for _, b := range c.backends {
		if err := b.RefreshDevices(); err != nil {
			c.logger.Debug().Err(err).Msg("device refresh failed")
		}
	}
}

func (c *Controller) backendFor(device audio.Device) audio.Backend {
	for _, b := range c.backends {
		if b.Type() == device.Backend {
			return b
		}
	}
	return nil
}

// StartItem starts an item on a selected device slot. It is idempotent for
// an already-playing item unless RestartIfPlaying, rejects PLAYED items and
// returns nil (never panics) on device exhaustion or player failure.
func (c *Controller) StartItem(pl *playlist.Model, item *playlist.Item, opts StartOptions) *Context {
	_, span := telemetry.StartSpan(context.Background(), "playback", "start_item")
	span.SetAttributes(
		attribute.String("playlist_id", pl.ID),
		attribute.String("item_id", item.ID),
	)
	defer span.End()

	if item.Status == playlist.StatusPlayed {
		if !opts.RestartIfPlaying {
			c.logger.Debug().Str("playlist", pl.Name).Str("item", item.ID).Msg("skipping item already played")
			return nil
		}
		item.Status = playlist.StatusPending
	}

	key := Key{pl.ID, item.ID}
	c.mu.Lock()
	existing := c.contexts[key]
	c.mu.Unlock()

	if existing != nil && item.Status == playlist.StatusPlaying {
		if !opts.RestartIfPlaying {
			c.logger.Debug().
				Str("device", existing.DeviceID).
				Int("slot", existing.SlotIndex).
				Msg("item already playing, reusing context")
			return existing
		}
		existing.Player.Stop()
	}
	if existing != nil && item.Status == playlist.StatusPlayed && c.cfg.AlternatePlayNext {
		return nil
	}

	var (
		p         *player.Player
		deviceID  string
		slotIndex int
	)
	if existing != nil {
		p = existing.Player
		deviceID = existing.DeviceID
		slotIndex = existing.SlotIndex
	} else {
		acquired := c.ensurePlayer(pl)
		if acquired == nil {
			c.logger.Error().Str("playlist", pl.Name).Str("item", item.ID).Msg("no player acquired")
			return nil
		}
		p = acquired.player
		deviceID = acquired.deviceID
		slotIndex = acquired.slotIndex
	}

	p.SetFinishedCallback(c.wrapFinished(opts.OnFinished))
	p.SetProgressCallback(c.wrapProgress(opts.OnProgress))
	p.SetGainDB(item.ReplayGainDB)

	playOpts := player.PlayOptions{
		StartSeconds:      opts.StartSeconds,
		AllowLoop:         item.LoopEnabled && item.HasLoop(),
		MixTriggerSeconds: opts.MixTriggerSeconds,
		OnMixTrigger:      c.wrapMixTrigger(opts.OnMixTrigger),
	}

	if !playOpts.AllowLoop {
		p.SetLoop(nil, nil)
	} else {
		p.SetLoop(item.LoopStartSeconds, item.LoopEndSeconds)
	}

	if err := p.Play(item.ID, item.Path, playOpts); err != nil {
		c.logger.Error().Err(err).
			Str("playlist", pl.Name).
			Str("item", item.ID).
			Str("device", deviceID).
			Msg("play failed, recreating player")
		// stale handle from a prior device generation: recreate once
		backendDev, ok := c.knownDevices()[deviceID]
		if !ok {
			c.announce("playback_errors", "playback device disappeared: "+deviceID)
			return nil
		}
		backend := c.backendFor(backendDev)
		if backend == nil {
			return nil
		}
		p = player.New(c.logger, backend, deviceID)
		p.SetFinishedCallback(c.wrapFinished(opts.OnFinished))
		p.SetProgressCallback(c.wrapProgress(opts.OnProgress))
		p.SetGainDB(item.ReplayGainDB)
		if retryErr := p.Play(item.ID, item.Path, playOpts); retryErr != nil {
			c.logger.Error().Err(retryErr).Msg("retry after player refresh failed")
			c.announce("playback_errors", retryErr.Error())
			p.SetFinishedCallback(nil)
			p.SetProgressCallback(nil)
			return nil
		}
	}

	ctx := &Context{
		Player:       p,
		Path:         item.Path,
		DeviceID:     deviceID,
		SlotIndex:    slotIndex,
		IntroSeconds: item.IntroSeconds,
	}
	c.mu.Lock()
	c.contexts[key] = ctx
	c.mu.Unlock()

	c.bus.Publish(events.EventItemStarted, events.Payload{
		"playlist_id": pl.ID,
		"item_id":     item.ID,
		"device_id":   deviceID,
	})
	return ctx
}

func (c *Controller) wrapFinished(cb func(string)) func(string) {
	if cb == nil {
		return nil
	}
	return func(itemID string) {
		c.dispatcher.Dispatch(func() {
			defer c.recoverCallback("finished")
			cb(itemID)
		})
	}
}

func (c *Controller) wrapProgress(cb func(string, float64)) func(string, float64) {
	if cb == nil {
		return nil
	}
	return func(itemID string, seconds float64) {
		c.dispatcher.Dispatch(func() {
			defer c.recoverCallback("progress")
			cb(itemID, seconds)
		})
	}
}

func (c *Controller) wrapMixTrigger(cb func()) func() {
	if cb == nil {
		return nil
	}
	return func() {
		c.dispatcher.Dispatch(func() {
			defer c.recoverCallback("mix_trigger")
			cb()
		})
	}
}

// recoverCallback keeps an external callback panic from tearing down the
// stream.
func (c *Controller) recoverCallback(kind string) {
	if r := recover(); r != nil {
		c.logger.Error().Interface("panic", r).Str("callback", kind).Msg("callback error swallowed")
	}
}

type acquiredPlayer struct {
	player    *player.Player
	deviceID  string
	slotIndex int
}

// ensurePlayer selects a device slot and builds a player for it, nulling
// slots whose device disappeared and retrying at most twice.
func (c *Controller) ensurePlayer(pl *playlist.Model) *acquiredPlayer {
	attempts := 0
	missing := map[string]bool{}

	for attempts <= 2 {
		known := c.knownDevices()
		if len(known) == 0 {
			c.refreshDevices()
			known = c.knownDevices()
			if len(known) == 0 {
				c.announce("device", "no audio devices available")
				telemetry.DeviceAcquireFailures.Inc()
				return nil
			}
		}
		knownIDs := make(map[string]bool, len(known))
		for id := range known {
			knownIDs[id] = true
		}
		busy := c.BusyDeviceIDs()

		slotIndex, deviceID, ok := pl.SelectNextSlot(knownIDs, busy)
		if !ok {
			slotIndex, deviceID, ok = c.pickFallback(known, busy)
			if !ok {
				c.logger.Error().
					Str("playlist", pl.Name).
					Strs("configured", pl.ConfiguredSlots()).
					Msg("no available slot")
				if len(pl.ConfiguredSlots()) > 0 {
					c.announce("device", "no configured player for playlist "+pl.Name+" is available")
				}
				telemetry.DeviceAcquireFailures.Inc()
				return nil
			}
		}

		device, present := known[deviceID]
		if !present {
			missing[deviceID] = true
			pl.NullSlot(slotIndex)
			if c.outputs != nil {
				c.outputs.SetPlaylistOutputs(pl.Name, pl.OutputSlots())
				if err := c.outputs.Save(); err != nil {
					c.logger.Warn().Err(err).Msg("persisting nulled slot failed")
				}
			}
			attempts++
			c.refreshDevices()
			c.bus.Publish(events.EventDeviceLost, events.Payload{"device_id": deviceID})
			c.logger.Debug().
				Str("device", deviceID).
				Int("attempt", attempts).
				Msg("configured device missing, refreshed devices")
			continue
		}

		useMixer := c.shouldUseMixer(pl) && device.Backend == audio.BackendDirect && c.mixerFactory != nil
		if useMixer {
			mixer := c.getOrCreateMixer(device)
			if mixer != nil {
				return &acquiredPlayer{
					player:    player.New(c.logger, mixer, device.ID),
					deviceID:  device.ID,
					slotIndex: slotIndex,
				}
			}
			c.logger.Warn().Str("device", device.ID).Msg("mixer unavailable, falling back to direct player")
		}
		backend := c.backendFor(device)
		if backend == nil {
			attempts++
			c.refreshDevices()
			continue
		}
		return &acquiredPlayer{
			player:    player.New(c.logger, backend, device.ID),
			deviceID:  device.ID,
			slotIndex: slotIndex,
		}
	}

	if len(missing) > 0 {
		ids := make([]string, 0, len(missing))
		for id := range missing {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		msg := "unavailable devices for playlist " + pl.Name + ":"
		for _, id := range ids {
			msg += " " + id
		}
		c.announce("device", msg)
	}
	telemetry.DeviceAcquireFailures.Inc()
	return nil
}

// pickFallback scores devices (direct backend first, idle first) when the
// playlist has no usable configured slot.
func (c *Controller) pickFallback(known map[string]audio.Device, busy map[string]bool) (int, string, bool) {
	type scored struct {
		dev   audio.Device
		score int
	}
	var list []scored
	for _, d := range known {
		s := 0
		if d.Backend != audio.BackendDirect {
			s += 2
		}
		if busy[d.ID] {
			s++
		}
		list = append(list, scored{d, s})
	}
	if len(list) == 0 {
		return 0, "", false
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score < list[j].score
		}
		return list[i].dev.ID < list[j].dev.ID
	})
	for _, s := range list {
		if !busy[s.dev.ID] {
			return 0, s.dev.ID, true
		}
	}
	return 0, list[0].dev.ID, true
}

func (c *Controller) shouldUseMixer(pl *playlist.Model) bool {
	return len(pl.ConfiguredSlots()) <= 1
}

func (c *Controller) getOrCreateMixer(device audio.Device) audio.Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.mixers[device.ID]; m != nil {
		return m
	}
	m := c.mixerFactory(device)
	if m != nil {
		c.mixers[device.ID] = m
	}
	return m
}

// cleanupUnusedMixers closes mixers whose device no longer hosts any
// context.
func (c *Controller) cleanupUnusedMixers() {
	c.mu.Lock()
	active := make(map[string]bool, len(c.contexts))
	for _, ctx := range c.contexts {
		active[ctx.DeviceID] = true
	}
	var stale []audio.Backend
	for id, m := range c.mixers {
		if !active[id] {
			stale = append(stale, m)
			delete(c.mixers, id)
		}
	}
	c.mu.Unlock()
	for _, m := range stale {
		if err := m.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("closing idle mixer failed")
		}
	}
}

// UpdateMixTrigger re-arms (or clears, with nil seconds) the native mix
// trigger of a running item. Returns false when no context exists or the
// player lacks native trigger support.
func (c *Controller) UpdateMixTrigger(playlistID, itemID string, seconds *float64, onTrigger func()) bool {
	ctx, ok := c.ContextFor(playlistID, itemID)
	if !ok {
		return false
	}
	if !ctx.Player.SupportsMixTrigger() {
		return false
	}
	ctx.Player.SetMixTrigger(seconds, c.wrapMixTrigger(onTrigger))
	return true
}

// StopPlaylist removes every context of the playlist, fading when a
// duration is given. It never blocks on fade completion.
func (c *Controller) StopPlaylist(playlistID string, fadeDuration float64) []*Context {
	_, span := telemetry.StartSpan(context.Background(), "playback", "stop_playlist")
	span.SetAttributes(attribute.String("playlist_id", playlistID))
	defer span.End()

	c.mu.Lock()
	var keys []Key
	for k := range c.contexts {
		if k.PlaylistID == playlistID {
			keys = append(keys, k)
		}
	}
	removed := make([]*Context, 0, len(keys))
	for _, k := range keys {
		removed = append(removed, c.contexts[k])
		delete(c.contexts, k)
	}
	c.mu.Unlock()

	for _, ctx := range removed {
		if fadeDuration > 0 {
			ctx.Player.FadeOut(fadeDuration)
		} else {
			ctx.Player.Stop()
		}
		ctx.Player.SetFinishedCallback(nil)
		ctx.Player.SetProgressCallback(nil)
	}
	c.cleanupUnusedMixers()
	return removed
}

// ClearPlaylistEntries drops contexts without touching the players. Used
// when the playlist layer already stopped them.
func (c *Controller) ClearPlaylistEntries(playlistID string) {
	c.mu.Lock()
	for k := range c.contexts {
		if k.PlaylistID == playlistID {
			delete(c.contexts, k)
		}
	}
	c.mu.Unlock()
	c.cleanupUnusedMixers()
}

// DropContext removes a single finished context.
func (c *Controller) DropContext(playlistID, itemID string) {
	c.mu.Lock()
	delete(c.contexts, Key{playlistID, itemID})
	c.mu.Unlock()
	c.cleanupUnusedMixers()
}

// ScheduleNextPreload warms up the most likely next track off the critical
// path.
func (c *Controller) ScheduleNextPreload(pl *playlist.Model, currentItemID string) {
	items := pl.Items()
	if len(items) == 0 {
		return
	}
	idx := pl.IndexOf(currentItemID)
	next := items[(idx+1)%len(items)]
	if next.ID == currentItemID {
		return
	}
	c.preload.schedule(next.Path)
}
