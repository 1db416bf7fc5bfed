/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/michaldziwisz/sara/internal/audio"
	"github.com/michaldziwisz/sara/internal/events"
	"github.com/michaldziwisz/sara/internal/player"
	"github.com/michaldziwisz/sara/internal/playlist"
	"github.com/michaldziwisz/sara/internal/telemetry"
)

const (
	// previewStopWait bounds StopPreview(wait=true).
	previewStopWait = 500 * time.Millisecond
	// mixPreviewTail keeps the preview running a little past the fade so
	// the operator hears the landing.
	mixPreviewTail = 4.0
)

// PreviewContext is the single live PFL preview.
type PreviewContext struct {
	Players  []*player.Player
	DeviceID string
	ItemPath string

	stop    chan struct{}
	stopped chan struct{}
}

func newPreviewContext(players []*player.Player, deviceID, itemPath string) *PreviewContext {
	return &PreviewContext{
		Players:  players,
		DeviceID: deviceID,
		ItemPath: itemPath,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (p *PreviewContext) signalStop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

// previewDevice resolves the PFL device, refreshing the device list once
// when it is not yet known.
func (c *Controller) previewDevice() (audio.Device, error) {
	id := c.pflDeviceID
	if id == "" {
		return audio.Device{}, audio.ErrDeviceUnavailable
	}
	known := c.knownDevices()
	dev, ok := known[id]
	if !ok {
		c.refreshDevices()
		known = c.knownDevices()
		dev, ok = known[id]
	}
	if !ok {
		return audio.Device{}, audio.ErrDeviceUnavailable
	}
	if c.BusyDeviceIDs()[dev.ID] {
		return audio.Device{}, audio.ErrPflBusy
	}
	return dev, nil
}

// ReloadPFLDevice re-reads the configured PFL device, stopping a running
// preview when it moved.
func (c *Controller) ReloadPFLDevice(deviceID string) {
	if deviceID != c.pflDeviceID {
		c.StopPreview(true)
	}
	c.pflDeviceID = deviceID
}

// StopPreview stops the active preview. With wait it returns only after
// the players report stopped or the bound elapses; no preview stream
// survives the call.
func (c *Controller) StopPreview(wait bool) {
	c.mu.Lock()
	ctx := c.preview
	c.preview = nil
	c.mu.Unlock()
	if ctx == nil {
		return
	}

	ctx.signalStop()
	go func() {
		for _, p := range ctx.Players {
			p.SetLoop(nil, nil)
			p.Stop()
		}
		close(ctx.stopped)
	}()
	if wait {
		select {
		case <-ctx.stopped:
		case <-time.After(previewStopWait):
		}
	}
	c.bus.Publish(events.EventPreviewStopped, events.Payload{"device_id": ctx.DeviceID})
}

// StartPreview plays one item on the PFL device, optionally looping a
// region. Fails with ErrPflBusy when the monitor output is on air.
func (c *Controller) StartPreview(item *playlist.Item, start float64, loopRange *[2]float64) error {
	_, span := telemetry.StartSpan(context.Background(), "playback", "start_preview")
	span.SetAttributes(attribute.String("item_id", item.ID))
	defer span.End()

	if loopRange != nil && loopRange[1] <= loopRange[0] {
		c.announce("loop", "loop end must be greater than start")
		return audio.ErrPreviewSetupFailed
	}

	c.StopPreview(true)

	dev, err := c.previewDevice()
	if err != nil {
		switch err {
		case audio.ErrPflBusy:
			c.announce("pfl", "PFL device is currently in use")
		default:
			c.announce("pfl", "configure a PFL device in options")
		}
		return err
	}

	backend := c.backendFor(dev)
	if backend == nil {
		c.announce("pfl", "selected PFL device is not available")
		return audio.ErrDeviceUnavailable
	}

	p := player.New(c.logger, backend, dev.ID)
	p.SetFinishedCallback(nil)
	p.SetProgressCallback(nil)
	p.SetGainDB(item.ReplayGainDB)

	if loopRange != nil {
		p.SetLoop(&loopRange[0], &loopRange[1])
	} else {
		p.SetLoop(nil, nil)
	}
	if err := p.Play(item.ID+":preview", item.Path, player.PlayOptions{
		StartSeconds: start,
		AllowLoop:    true,
	}); err != nil {
		c.announce("pfl", "preview error: "+err.Error())
		p.Stop()
		return audio.ErrPreviewSetupFailed
	}

	c.mu.Lock()
	c.preview = newPreviewContext([]*player.Player{p}, dev.ID, item.Path)
	c.mu.Unlock()

	telemetry.PreviewStarts.WithLabelValues("single").Inc()
	c.bus.Publish(events.EventPreviewStarted, events.Payload{"device_id": dev.ID, "item_id": item.ID})
	return nil
}

// MixPreviewOptions parameterize StartMixPreview.
type MixPreviewOptions struct {
	MixAtSeconds float64
	PreSeconds   float64
	FadeSeconds  float64
	// CurrentEffectiveDuration bounds the fade by what is left of the
	// current item past the mix point.
	CurrentEffectiveDuration float64
	// NextCueOverride replaces the next item's cue-in for the rehearsal.
	NextCueOverride *float64
}

// StartMixPreview rehearses the transition between two items on the PFL
// device: player A runs into the mix point, player B enters on the native
// sync (or a fallback timer) while A fades. The preview stops itself after
// pre+fade+4 s.
func (c *Controller) StartMixPreview(current, next *playlist.Item, opts MixPreviewOptions) error {
	_, span := telemetry.StartSpan(context.Background(), "playback", "start_mix_preview")
	span.SetAttributes(
		attribute.String("current_item_id", current.ID),
		attribute.String("next_item_id", next.ID),
	)
	defer span.End()

	c.StopPreview(false)

	dev, err := c.previewDevice()
	if err != nil {
		switch err {
		case audio.ErrPflBusy:
			c.announce("pfl", "PFL device is currently in use")
		default:
			c.announce("pfl", "configure a PFL device in options")
		}
		return err
	}
	backend := c.backendFor(dev)
	if backend == nil {
		c.announce("pfl", "selected PFL device is not available")
		return audio.ErrDeviceUnavailable
	}

	playerA := player.New(c.logger, backend, dev.ID)
	playerB := player.New(c.logger, backend, dev.ID)

	pre := opts.PreSeconds
	if pre <= 0 {
		pre = 4.0
	}
	startA := opts.MixAtSeconds - pre
	if startA < 0 {
		startA = 0
	}
	delayB := opts.MixAtSeconds - startA
	if delayB < 0 {
		delayB = 0
	}
	remainingCurrent := opts.CurrentEffectiveDuration - opts.MixAtSeconds
	if remainingCurrent < 0 {
		remainingCurrent = 0
	}
	fadeLen := opts.FadeSeconds
	if fadeLen < 0 {
		fadeLen = 0
	}
	if fadeLen > remainingCurrent {
		fadeLen = remainingCurrent
	}
	nextStart := next.CueIn()
	if opts.NextCueOverride != nil {
		nextStart = *opts.NextCueOverride
	}

	ctx := newPreviewContext([]*player.Player{playerA, playerB}, dev.ID, current.Path)

	fireB := func() {
		select {
		case <-ctx.stop:
			return
		default:
		}
		if err := playerB.Play(next.ID, next.Path, player.PlayOptions{StartSeconds: nextStart}); err != nil {
			c.logger.Debug().Err(err).Msg("mix preview: player B failed to start")
			return
		}
		if fadeLen > 0 {
			playerA.FadeOut(fadeLen)
		}
	}

	playerA.SetGainDB(current.ReplayGainDB)
	playerB.SetGainDB(next.ReplayGainDB)

	var playOpts player.PlayOptions
	playOpts.StartSeconds = startA
	if delayB > 0 && playerA.SupportsMixTrigger() {
		mixAt := opts.MixAtSeconds
		playOpts.MixTriggerSeconds = &mixAt
		playOpts.OnMixTrigger = fireB
	}
	if err := playerA.Play(current.ID, current.Path, playOpts); err != nil {
		c.announce("pfl", "failed to start mix preview: "+err.Error())
		playerA.Stop()
		playerB.Stop()
		return audio.ErrPreviewSetupFailed
	}

	if playOpts.OnMixTrigger == nil {
		// mix point already passed, or no native sync: use the timer
		go func() {
			if delayB > 0 {
				select {
				case <-ctx.stop:
					return
				case <-time.After(time.Duration(delayB * float64(time.Second))):
				}
			}
			fireB()
		}()
	}

	total := pre + fadeLen + mixPreviewTail
	go func() {
		select {
		case <-ctx.stop:
			return
		case <-time.After(time.Duration(total * float64(time.Second))):
		}
		c.mu.Lock()
		active := c.preview == ctx
		c.mu.Unlock()
		if active {
			c.StopPreview(false)
		}
	}()

	c.mu.Lock()
	c.preview = ctx
	c.mu.Unlock()

	telemetry.PreviewStarts.WithLabelValues("mix").Inc()
	c.bus.Publish(events.EventPreviewStarted, events.Payload{
		"device_id": dev.ID,
		"item_id":   current.ID,
		"kind":      "mix",
	})
	return nil
}

// UpdateLoopPreview retargets the loop range on an active single-item
// preview of the same path.
func (c *Controller) UpdateLoopPreview(item *playlist.Item, start, end float64) bool {
	if end <= start {
		return false
	}
	c.mu.Lock()
	ctx := c.preview
	c.mu.Unlock()
	if ctx == nil || ctx.ItemPath != item.Path || len(ctx.Players) != 1 {
		return false
	}
	ctx.Players[0].SetLoop(&start, &end)
	return true
}

// PreviewContextActive reports whether a preview is running.
func (c *Controller) PreviewContextActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preview != nil
}
