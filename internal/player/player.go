/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package player wraps one backend stream on one device slot with the
// monitor, fade and loop machinery the playout flow relies on.
package player

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaldziwisz/sara/internal/audio"
	"github.com/michaldziwisz/sara/internal/telemetry"
)

const (
	// monitorInterval is the monitor poll cadence.
	monitorInterval = time.Millisecond
	// progressInterval throttles progress callbacks.
	progressInterval = 50 * time.Millisecond
	// loopGuardSlack is how far past loop end the guard tolerates before
	// jumping on its own. Fixed; it does not widen after a miss.
	loopGuardSlack = 0.004
	// loopHardClamp forces a jump when position escapes this far.
	loopHardClamp = 0.05
	// loopDriftTolerance re-seeks when a jump landed off target.
	loopDriftTolerance = 0.002
	// loopJumpCooldown ignores guard checks right after a jump.
	loopJumpCooldown = 4 * time.Millisecond
	// mixTriggerEndClamp keeps the trigger off the final samples.
	mixTriggerEndClamp = 0.01
	// stopJoinTimeout bounds waiting for fade/monitor goroutines on stop.
	stopJoinTimeout = 500 * time.Millisecond
)

// PlayOptions parameterize Play.
type PlayOptions struct {
	StartSeconds      float64
	AllowLoop         bool
	MixTriggerSeconds *float64
	OnMixTrigger      func()
}

// Player owns one decoding stream on one device slot.
type Player struct {
	logger   zerolog.Logger
	backend  audio.Backend
	deviceID string

	mu         sync.Mutex
	stream     audio.StreamHandle
	itemID     string
	generation uint64

	gainFactor float64

	loopStart  *float64
	loopEnd    *float64
	loopActive bool
	loopSyncs  []audio.SyncHandle

	mixSyncs []audio.SyncHandle
	mixLatch *atomic.Bool

	finishedCb func(itemID string)
	progressCb func(itemID string, seconds float64)

	monitorStop chan struct{}
	monitorDone chan struct{}

	fadeToken  uint64
	fadeActive bool
	fadeDone   chan struct{}

	lastLoopJump   time.Time
	loopGuardArmed bool
}

// New creates a player bound to a device on the given backend.
func New(logger zerolog.Logger, backend audio.Backend, deviceID string) *Player {
	return &Player{
		logger:     logger.With().Str("component", "player").Str("device", deviceID).Logger(),
		backend:    backend,
		deviceID:   deviceID,
		gainFactor: 1.0,
	}
}

// DeviceID returns the bound device.
func (p *Player) DeviceID() string { return p.deviceID }

// Backend returns the owning backend.
func (p *Player) Backend() audio.Backend { return p.backend }

// SupportsMixTrigger reports whether the backend delivers sample-accurate
// position callbacks usable for mix triggers. The software mixer has a
// single block clock and relies on the progress fallback instead.
func (p *Player) SupportsMixTrigger() bool {
	return p.backend.Type() != audio.BackendMixer
}

// SetFinishedCallback installs the finished callback (nil clears).
func (p *Player) SetFinishedCallback(cb func(itemID string)) {
	p.mu.Lock()
	p.finishedCb = cb
	p.mu.Unlock()
}

// SetProgressCallback installs the progress callback (nil clears).
func (p *Player) SetProgressCallback(cb func(itemID string, seconds float64)) {
	p.mu.Lock()
	p.progressCb = cb
	p.mu.Unlock()
}

// SetGainDB applies ReplayGain-style gain in decibels; nil resets to unity.
// The factor persists across Play calls so it can be set before start.
func (p *Player) SetGainDB(db *float64) {
	p.mu.Lock()
	p.gainFactor = audio.GainFromDB(db)
	stream := p.stream
	gain := p.gainFactor
	p.mu.Unlock()
	if stream != 0 {
		_ = p.backend.SetVolume(stream, gain)
	}
}

// Play stops any current stream, opens path on the device, seeks to the
// start position, applies gain, starts playback, arms loop and mix
// trigger, and launches the monitor.
func (p *Player) Play(itemID, path string, opts PlayOptions) error {
	p.Stop()

	flags := audio.StreamFlags{SampleFloat: true, Prescan: true}
	if opts.AllowLoop {
		flags.SampleLoop = true
	}
	stream, err := p.backend.CreateStream(p.deviceID, path, flags)
	if err != nil {
		return err
	}
	if opts.StartSeconds > 0 {
		if err := p.backend.SetPosition(stream, opts.StartSeconds); err != nil {
			_ = p.backend.FreeStream(stream)
			return err
		}
	}

	p.mu.Lock()
	p.stream = stream
	p.itemID = itemID
	p.generation++
	p.loopActive = p.loopStart != nil && p.loopEnd != nil
	p.lastLoopJump = time.Time{}
	p.loopGuardArmed = false
	gain := p.gainFactor
	p.mu.Unlock()

	_ = p.backend.SetVolume(stream, gain)
	if err := p.backend.Play(stream); err != nil {
		_ = p.backend.FreeStream(stream)
		p.mu.Lock()
		p.stream = 0
		p.itemID = ""
		p.mu.Unlock()
		return err
	}

	p.applyLoopSyncs()
	p.applyMixTrigger(opts.MixTriggerSeconds, opts.OnMixTrigger)
	p.startMonitor()
	return nil
}

// Pause suspends playback.
func (p *Player) Pause() {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream != 0 {
		_ = p.backend.Pause(stream)
	}
}

// Resume continues a paused stream.
func (p *Player) Resume() {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream != 0 {
		_ = p.backend.Play(stream)
	}
}

// Stop halts playback, joining the fade thread with a bounded timeout, and
// frees the stream.
func (p *Player) Stop() {
	p.stop(false)
}

func (p *Player) stop(fromFade bool) {
	p.mu.Lock()
	stream := p.stream
	monitorStop := p.monitorStop
	monitorDone := p.monitorDone
	fadeDone := p.fadeDone
	p.stream = 0
	p.itemID = ""
	p.monitorStop = nil
	p.monitorDone = nil
	p.loopActive = false
	p.loopSyncs = nil
	p.mixSyncs = nil
	p.mixLatch = nil
	p.fadeToken++
	p.fadeActive = false
	if !fromFade {
		p.fadeDone = nil
	}
	p.mu.Unlock()

	if monitorStop != nil {
		close(monitorStop)
	}
	if !fromFade && fadeDone != nil {
		waitWithTimeout(fadeDone, stopJoinTimeout)
	}
	if stream != 0 {
		_ = p.backend.Stop(stream)
		_ = p.backend.FreeStream(stream)
	}
	if monitorDone != nil && !fromFade {
		waitWithTimeout(monitorDone, stopJoinTimeout)
	}
}

func waitWithTimeout(ch <-chan struct{}, d time.Duration) {
	select {
	case <-ch:
	case <-time.After(d):
	}
}

// Position returns the current stream position in seconds.
func (p *Player) Position() float64 {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == 0 {
		return 0
	}
	pos, err := p.backend.Position(stream)
	if err != nil {
		return 0
	}
	return pos
}

// LengthSeconds returns the decoded stream length, preferred over metadata
// duration when they disagree.
func (p *Player) LengthSeconds() float64 {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == 0 {
		return 0
	}
	length, err := p.backend.Length(stream)
	if err != nil {
		return 0
	}
	return length
}

// IsActive reports whether the stream is audible or pending data.
func (p *Player) IsActive() bool {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == 0 {
		return false
	}
	return p.backend.IsActive(stream)
}

// SetLoop configures the loop region; nil start/end clears it. On a live
// stream the loop-end sync is re-armed immediately.
func (p *Player) SetLoop(start, end *float64) {
	p.mu.Lock()
	stream := p.stream
	old := p.loopSyncs
	p.loopSyncs = nil
	valid := start != nil && end != nil && *end > *start
	if valid {
		p.loopStart = start
		p.loopEnd = end
	} else {
		p.loopStart = nil
		p.loopEnd = nil
	}
	p.loopActive = valid && stream != 0
	p.loopGuardArmed = false
	p.mu.Unlock()

	for _, h := range old {
		if stream != 0 {
			_ = p.backend.RemoveSync(stream, h)
		}
	}
	if valid && stream != 0 {
		p.applyLoopSyncs()
	}
}

// applyLoopSyncs arms a mix-time sync at the loop-end sample plus a
// normal-mode spare to raise the odds the backend calls back in time.
func (p *Player) applyLoopSyncs() {
	p.mu.Lock()
	stream := p.stream
	end := p.loopEnd
	active := p.loopActive
	p.mu.Unlock()
	if stream == 0 || !active || end == nil {
		return
	}

	sample, err := p.backend.SecondsToSamples(stream, *end)
	if err != nil {
		return
	}
	proc := func() { p.jumpToLoopStart("sync") }
	var handles []audio.SyncHandle
	if h, err := p.backend.AddSyncPosition(stream, sample, audio.SyncMixTime, proc); err == nil {
		handles = append(handles, h)
	}
	if h, err := p.backend.AddSyncPosition(stream, sample, audio.SyncNormal, proc); err == nil {
		handles = append(handles, h)
	}

	p.mu.Lock()
	if p.stream == stream {
		p.loopSyncs = handles
	}
	p.mu.Unlock()
}

// jumpToLoopStart re-seeks to the loop start and verifies the landing
// position, re-seeking once when drift exceeds tolerance.
func (p *Player) jumpToLoopStart(reason string) {
	p.mu.Lock()
	stream := p.stream
	start := p.loopStart
	active := p.loopActive
	if stream == 0 || !active || start == nil {
		p.mu.Unlock()
		return
	}
	p.lastLoopJump = time.Now()
	p.loopGuardArmed = true
	p.mu.Unlock()

	if err := p.backend.SetPosition(stream, *start); err != nil {
		p.logger.Debug().Err(err).Str("reason", reason).Msg("loop jump seek failed")
		return
	}
	if pos, err := p.backend.Position(stream); err == nil {
		drift := pos - *start
		if drift < 0 {
			drift = -drift
		}
		if drift > loopDriftTolerance {
			_ = p.backend.SetPosition(stream, *start)
		}
	}
	telemetry.LoopJumps.WithLabelValues(reason).Inc()
}

// SetMixTrigger removes any armed trigger syncs and installs new ones
// without restarting playback. Passing nil seconds just clears.
func (p *Player) SetMixTrigger(seconds *float64, cb func()) {
	p.mu.Lock()
	stream := p.stream
	old := p.mixSyncs
	p.mixSyncs = nil
	p.mixLatch = nil
	p.mu.Unlock()

	for _, h := range old {
		if stream != 0 {
			_ = p.backend.RemoveSync(stream, h)
		}
	}
	p.applyMixTrigger(seconds, cb)
}

// applyMixTrigger clamps the target to the stream length, installs a
// position sync (mix-time) and an end-of-stream sync; both share a latch
// so the callback fires exactly once.
func (p *Player) applyMixTrigger(seconds *float64, cb func()) {
	if seconds == nil || cb == nil {
		return
	}
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == 0 {
		return
	}

	target := *seconds
	if length, err := p.backend.Length(stream); err == nil && length > 0 {
		if max := length - mixTriggerEndClamp; target > max {
			target = max
		}
	}
	if target < 0 {
		target = 0
	}
	sample, err := p.backend.SecondsToSamples(stream, target)
	if err != nil {
		return
	}

	latch := &atomic.Bool{}
	proc := func() {
		if latch.CompareAndSwap(false, true) {
			cb()
		}
	}

	var handles []audio.SyncHandle
	if h, err := p.backend.AddSyncPosition(stream, sample, audio.SyncMixTime, proc); err == nil {
		handles = append(handles, h)
	}
	if h, err := p.backend.AddSyncEnd(stream, proc); err == nil {
		handles = append(handles, h)
	}

	p.mu.Lock()
	if p.stream == stream {
		p.mixSyncs = handles
		p.mixLatch = latch
	}
	p.mu.Unlock()
}

// FadeOut ramps the gain to zero over duration and then stops. A second
// fade while one runs is ignored on direct and exclusive backends; the
// mixer backend replaces the running fade.
func (p *Player) FadeOut(duration float64) {
	p.mu.Lock()
	stream := p.stream
	if stream == 0 || duration <= 0 {
		p.mu.Unlock()
		p.Stop()
		return
	}
	if p.fadeActive {
		if p.backend.Type() != audio.BackendMixer {
			p.mu.Unlock()
			return
		}
		p.fadeToken++ // cancel the previous fade
	}
	p.fadeActive = true
	p.fadeToken++
	token := p.fadeToken
	initial := p.gainFactor
	done := make(chan struct{})
	p.fadeDone = done
	p.mu.Unlock()

	telemetry.FadeDuration.Observe(duration)

	go p.runFade(stream, token, initial, duration, done)
}

func (p *Player) runFade(stream audio.StreamHandle, token uint64, initial, duration float64, done chan struct{}) {
	defer close(done)
	steps := int(duration / 0.05)
	if steps < 4 {
		steps = 4
	}
	stepSleep := time.Duration(duration / float64(steps) * float64(time.Second))

	interrupted := false
	for i := 1; i <= steps; i++ {
		p.mu.Lock()
		stale := p.stream != stream || p.fadeToken != token
		p.mu.Unlock()
		if stale {
			interrupted = true
			break
		}
		factor := initial * (1.0 - float64(i)/float64(steps))
		if err := p.backend.SetVolume(stream, factor); err != nil {
			interrupted = true
			break
		}
		time.Sleep(stepSleep)
	}

	p.mu.Lock()
	current := p.stream == stream && p.fadeToken == token
	if current {
		p.fadeActive = false
	}
	restore := p.gainFactor
	p.mu.Unlock()

	if interrupted || !current {
		// a stale fade must not mutate volume on a replaced stream
		if current {
			_ = p.backend.SetVolume(stream, restore)
		}
		return
	}
	p.stop(true)
}

// startMonitor launches the monitor goroutine: progress emission, loop
// guard enforcement and end-of-stream detection.
func (p *Player) startMonitor() {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	p.mu.Lock()
	p.monitorStop = stopCh
	p.monitorDone = doneCh
	stream := p.stream
	itemID := p.itemID
	generation := p.generation
	p.mu.Unlock()

	go p.monitor(stream, itemID, generation, stopCh, doneCh)
}

func (p *Player) monitor(stream audio.StreamHandle, itemID string, generation uint64, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	var lastProgress time.Time
	var finishedOnce sync.Once

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		p.mu.Lock()
		current := p.stream == stream && p.generation == generation
		progressCb := p.progressCb
		finishedCb := p.finishedCb
		loopActive := p.loopActive
		loopStart := p.loopStart
		loopEnd := p.loopEnd
		lastJump := p.lastLoopJump
		p.mu.Unlock()
		if !current {
			return
		}

		now := time.Now()
		if progressCb != nil && now.Sub(lastProgress) >= progressInterval {
			if pos, err := p.backend.Position(stream); err == nil {
				progressCb(itemID, pos)
				telemetry.ProgressTicks.Inc()
			}
			lastProgress = now
		}

		if loopActive && loopStart != nil && loopEnd != nil {
			if pos, err := p.backend.Position(stream); err == nil {
				if now.Sub(lastJump) > loopJumpCooldown {
					if pos > *loopEnd+loopHardClamp {
						p.jumpToLoopStart("clamp")
					} else if pos > *loopEnd+loopGuardSlack {
						p.jumpToLoopStart("guard")
					}
				}
			}
		}

		if !p.backend.IsActive(stream) {
			if loopActive && loopStart != nil {
				// the stream died under an armed loop: restart from the
				// loop start instead of reporting end-of-stream
				if err := p.backend.SetPosition(stream, *loopStart); err == nil {
					_ = p.backend.Play(stream)
					telemetry.LoopJumps.WithLabelValues("restart").Inc()
					time.Sleep(monitorInterval)
					continue
				}
				time.Sleep(monitorInterval)
				continue
			}
			if finishedCb != nil {
				finishedOnce.Do(func() { finishedCb(itemID) })
			}
			p.stop(true)
			return
		}

		time.Sleep(monitorInterval)
	}
}
