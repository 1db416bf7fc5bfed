/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package portout

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/drgolem/go-portaudio/portaudio"
	"github.com/rs/zerolog"

	"github.com/michaldziwisz/sara/internal/audio"
	"github.com/michaldziwisz/sara/internal/audio/decode"
	"github.com/michaldziwisz/sara/internal/telemetry"
)

// engineChunkFrames is the block size the exclusive engine mixes per pass.
const engineChunkFrames = 512

// ExclusiveBackend models driver-exclusive (ASIO-style) output: streams are
// decode-only sources routed onto a per-device engine that owns the only
// device stream. Engine start is reference-counted; the driver stops when
// the last player releases it. Gain is applied per routed channel pair, not
// on the source stream.
type ExclusiveBackend struct {
	logger     zerolog.Logger
	transcoder *decode.Transcoder
	bufferMS   int

	mu         sync.Mutex
	devices    []audio.Device
	streams    map[audio.StreamHandle]*exStream
	engines    map[string]*engine
	nextHandle int64
	nextSync   int64
	closed     bool

	registry *audio.DeviceRegistry
}

type exStream struct {
	*stream
	deviceID string
	devCtx   *audio.DeviceContext

	// channel pair volume; the source stream gain stays at unity.
	pairGain atomic64
}

// atomic64 is a mutex-guarded float64.
type atomic64 struct {
	mu sync.Mutex
	v  float64
}

func (a *atomic64) store(v float64) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic64) load() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

type engine struct {
	logger   zerolog.Logger
	deviceID string
	rawIndex int
	rate     int

	pa     *portaudio.PaStream
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	sources []*exStream
}

// NewExclusive creates the driver-exclusive backend.
func NewExclusive(logger zerolog.Logger, transcoder *decode.Transcoder, bufferMS int) (*ExclusiveBackend, error) {
	if err := acquirePortAudio(); err != nil {
		return nil, err
	}
	b := &ExclusiveBackend{
		logger:     logger.With().Str("component", "portout-exclusive").Logger(),
		transcoder: transcoder,
		bufferMS:   bufferMS,
		streams:    make(map[audio.StreamHandle]*exStream),
		engines:    make(map[string]*engine),
	}
	b.registry = audio.NewDeviceRegistry(b.startEngine, b.stopEngine)
	if err := b.RefreshDevices(); err != nil {
		releasePortAudio()
		return nil, err
	}
	return b, nil
}

// Type identifies this backend.
func (b *ExclusiveBackend) Type() audio.BackendType { return audio.BackendExclusive }

// Devices returns the known output devices.
func (b *ExclusiveBackend) Devices() []audio.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]audio.Device, len(b.devices))
	copy(out, b.devices)
	return out
}

// RefreshDevices re-enumerates the device list.
func (b *ExclusiveBackend) RefreshDevices() error {
	devices, err := enumerateDevices(audio.BackendExclusive)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.devices = devices
	b.mu.Unlock()
	return nil
}

func (b *ExclusiveBackend) deviceByID(id string) (audio.Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices {
		if d.ID == id {
			return d, true
		}
	}
	return audio.Device{}, false
}

// startEngine runs on the 0->1 device reference transition.
func (b *ExclusiveBackend) startEngine(deviceID string) error {
	dev, ok := b.deviceByID(deviceID)
	if !ok {
		return audio.ErrDeviceUnavailable
	}
	rate := int(dev.DefaultRate)
	if rate <= 0 {
		rate = 48000
	}
	e := &engine{
		logger:   b.logger.With().Str("device", deviceID).Logger(),
		deviceID: deviceID,
		rawIndex: dev.RawIndex,
		rate:     rate,
		stopCh:   make(chan struct{}),
	}
	pa, err := portaudio.NewStream(portaudio.PaStreamParameters{
		DeviceIndex:  dev.RawIndex,
		ChannelCount: 2,
		SampleFormat: portaudio.SampleFmtInt16,
	}, float64(rate))
	if err != nil {
		return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := pa.Open(engineChunkFrames); err != nil {
		return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := pa.StartStream(); err != nil {
		pa.Close()
		return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	e.pa = pa
	e.wg.Add(1)
	go e.pump()

	b.mu.Lock()
	b.engines[deviceID] = e
	b.mu.Unlock()
	b.logger.Debug().Str("device", deviceID).Int("rate", rate).Msg("driver engine started")
	return nil
}

// stopEngine runs when the last reference drops.
func (b *ExclusiveBackend) stopEngine(deviceID string) {
	b.mu.Lock()
	e := b.engines[deviceID]
	delete(b.engines, deviceID)
	b.mu.Unlock()
	if e == nil {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
	_ = e.pa.StopStream()
	_ = e.pa.Close()
	b.logger.Debug().Str("device", deviceID).Msg("driver engine stopped")
}

// pump mixes all routed sources into the engine's stereo pair.
func (e *engine) pump() {
	defer e.wg.Done()
	out := make([]byte, engineChunkFrames*4) // stereo s16
	mix := make([]int32, engineChunkFrames*2)
	scratch := make([]byte, engineChunkFrames*8)

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		e.mu.Lock()
		sources := make([]*exStream, len(e.sources))
		copy(sources, e.sources)
		e.mu.Unlock()

		for i := range mix {
			mix[i] = 0
		}
		heard := false
		for _, src := range sources {
			srcFrames := engineChunkFrames * src.rate / e.rate
			if srcFrames <= 0 {
				srcFrames = engineChunkFrames
			}
			need := srcFrames * src.frameBytes
			if need > len(scratch) {
				scratch = make([]byte, need)
			}
			n, _ := src.pullSamples(scratch[:need])
			if n == 0 {
				continue
			}
			heard = true
			gain := src.pairGain.load()
			mixSourceInto(mix, engineChunkFrames, scratch, n, src.channels, src.rate, e.rate, gain)
		}

		if !heard {
			// keep the driver clocked with silence
			for i := range out {
				out[i] = 0
			}
			if err := e.pa.Write(engineChunkFrames, out); err != nil {
				time.Sleep(5 * time.Millisecond)
			}
			continue
		}

		for i, v := range mix {
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			u := uint16(int16(v))
			out[i*2] = byte(u & 0xff)
			out[i*2+1] = byte((u >> 8) & 0xff)
		}
		if err := e.pa.Write(engineChunkFrames, out); err != nil {
			e.logger.Debug().Err(err).Msg("engine write failed")
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// mixSourceInto accumulates srcFrames frames of interleaved s16 source
// audio into the stereo mix accumulator, duplicating mono and linearly
// resampling when the rates differ.
func mixSourceInto(mix []int32, outFrames int, src []byte, srcFrames, srcChannels, srcRate, outRate int, gain float64) {
	ratio := float64(srcRate) / float64(outRate)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= srcFrames {
			break
		}
		frac := pos - float64(idx)
		l := lerpSampleS16(src, idx, srcFrames, srcChannels, 0, frac)
		r := l
		if srcChannels > 1 {
			r = lerpSampleS16(src, idx, srcFrames, srcChannels, 1, frac)
		}
		mix[i*2] += int32(float64(l) * gain)
		mix[i*2+1] += int32(float64(r) * gain)
	}
}

func lerpSampleS16(src []byte, frame, frames, channels, channel int, frac float64) float64 {
	cur := sampleS16(src, frame, channels, channel)
	if frac == 0 || frame+1 >= frames {
		return cur
	}
	next := sampleS16(src, frame+1, channels, channel)
	return cur + (next-cur)*frac
}

func sampleS16(src []byte, frame, channels, channel int) float64 {
	off := (frame*channels + channel) * 2
	if off+1 >= len(src) {
		return 0
	}
	return float64(int16(uint16(src[off]) | uint16(src[off+1])<<8))
}

// CreateStream opens a decode-only stream routed to the device engine.
func (b *ExclusiveBackend) CreateStream(deviceID, path string, flags audio.StreamFlags) (audio.StreamHandle, error) {
	if _, ok := b.deviceByID(deviceID); !ok {
		return 0, fmt.Errorf("%w: %s", audio.ErrDeviceUnavailable, deviceID)
	}

	var (
		dec      decode.Decoder
		tempPath string
		err      error
	)
	if decode.Supported(path) {
		dec, err = decode.NewDecoder(path)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", audio.ErrStreamCreateFailed, err)
		}
	} else if b.transcoder != nil && b.transcoder.ShouldTranscode(path) {
		tempPath, err = b.transcoder.ToWAV(path)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", audio.ErrStreamCreateFailed, err)
		}
		dec, err = decode.NewDecoder(tempPath)
		if err != nil {
			os.Remove(tempPath)
			return 0, fmt.Errorf("%w: %v", audio.ErrStreamCreateFailed, err)
		}
	} else {
		return 0, fmt.Errorf("%w: %s", audio.ErrNotAvailable, path)
	}

	flags.DecodeOnly = true
	inner := newStream(b.logger, dec, flags, b.bufferMS)
	inner.tempPath = tempPath

	devCtx, err := b.registry.Acquire(deviceID)
	if err != nil {
		dec.Close()
		if tempPath != "" {
			os.Remove(tempPath)
		}
		return 0, err
	}

	s := &exStream{stream: inner, deviceID: deviceID, devCtx: devCtx}
	s.pairGain.store(1.0)
	if err := inner.open(0); err != nil {
		devCtx.Release()
		dec.Close()
		return 0, fmt.Errorf("%w: %v", audio.ErrNotAvailable, err)
	}

	b.mu.Lock()
	b.nextHandle++
	h := audio.StreamHandle(b.nextHandle)
	b.streams[h] = s
	e := b.engines[deviceID]
	b.mu.Unlock()

	if e != nil {
		e.mu.Lock()
		e.sources = append(e.sources, s)
		e.mu.Unlock()
	}

	telemetry.ActivePlayers.WithLabelValues(string(audio.BackendExclusive)).Inc()
	return h, nil
}

func (b *ExclusiveBackend) streamFor(h audio.StreamHandle) (*exStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[h]
	if !ok {
		return nil, audio.ErrUnknownStream
	}
	return s, nil
}

// FreeStream detaches the source from its engine and releases the device
// reference; the engine stops when no sources remain.
func (b *ExclusiveBackend) FreeStream(h audio.StreamHandle) error {
	b.mu.Lock()
	s, ok := b.streams[h]
	delete(b.streams, h)
	var e *engine
	if ok {
		e = b.engines[s.deviceID]
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if e != nil {
		e.mu.Lock()
		for i, src := range e.sources {
			if src == s {
				e.sources = append(e.sources[:i], e.sources[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
	}
	s.halt()
	_ = s.decoder.Close()
	if s.tempPath != "" {
		os.Remove(s.tempPath)
	}
	s.devCtx.Release()
	telemetry.ActivePlayers.WithLabelValues(string(audio.BackendExclusive)).Dec()
	return nil
}

// Play starts or resumes the source.
func (b *ExclusiveBackend) Play(h audio.StreamHandle) error {
	s, err := b.streamFor(h)
	if err != nil {
		return err
	}
	s.play()
	return nil
}

// Pause suspends the source.
func (b *ExclusiveBackend) Pause(h audio.StreamHandle) error {
	s, err := b.streamFor(h)
	if err != nil {
		return err
	}
	s.pause()
	return nil
}

// Stop halts the source; its device reference is kept until FreeStream.
func (b *ExclusiveBackend) Stop(h audio.StreamHandle) error {
	s, err := b.streamFor(h)
	if err != nil {
		return err
	}
	s.halt()
	return nil
}

// Position returns the source position in seconds.
func (b *ExclusiveBackend) Position(h audio.StreamHandle) (float64, error) {
	s, err := b.streamFor(h)
	if err != nil {
		return 0, err
	}
	return s.position(), nil
}

// SetPosition seeks the source.
func (b *ExclusiveBackend) SetPosition(h audio.StreamHandle, seconds float64) error {
	s, err := b.streamFor(h)
	if err != nil {
		return err
	}
	return s.setPosition(seconds)
}

// Length returns the decoded length in seconds.
func (b *ExclusiveBackend) Length(h audio.StreamHandle) (float64, error) {
	s, err := b.streamFor(h)
	if err != nil {
		return 0, err
	}
	return s.length(), nil
}

// SetVolume applies gain on both channels of the routed pair.
func (b *ExclusiveBackend) SetVolume(h audio.StreamHandle, gain float64) error {
	s, err := b.streamFor(h)
	if err != nil {
		return err
	}
	if gain < 0 {
		gain = 0
	}
	s.pairGain.store(gain)
	return nil
}

// IsActive reports whether the source still produces audio.
func (b *ExclusiveBackend) IsActive(h audio.StreamHandle) bool {
	s, err := b.streamFor(h)
	if err != nil {
		return false
	}
	return s.isActive()
}

// SecondsToSamples converts seconds to a sample position.
func (b *ExclusiveBackend) SecondsToSamples(h audio.StreamHandle, seconds float64) (int64, error) {
	s, err := b.streamFor(h)
	if err != nil {
		return 0, err
	}
	return int64(seconds * float64(s.rate)), nil
}

// AddSyncPosition arms a one-shot position sync.
func (b *ExclusiveBackend) AddSyncPosition(h audio.StreamHandle, samplePos int64, mode audio.SyncMode, proc audio.SyncProc) (audio.SyncHandle, error) {
	s, err := b.streamFor(h)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.nextSync++
	sh := audio.SyncHandle(b.nextSync)
	b.mu.Unlock()
	s.addSync(sh, samplePos, mode, proc)
	return sh, nil
}

// AddSyncEnd arms a one-shot end-of-data sync.
func (b *ExclusiveBackend) AddSyncEnd(h audio.StreamHandle, proc audio.SyncProc) (audio.SyncHandle, error) {
	s, err := b.streamFor(h)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.nextSync++
	sh := audio.SyncHandle(b.nextSync)
	b.mu.Unlock()
	s.addEndSync(sh, proc)
	return sh, nil
}

// RemoveSync detaches a sync. Idempotent.
func (b *ExclusiveBackend) RemoveSync(h audio.StreamHandle, sync audio.SyncHandle) error {
	s, err := b.streamFor(h)
	if err != nil {
		return nil
	}
	s.removeSync(sync)
	return nil
}

// Close frees every stream and releases PortAudio.
func (b *ExclusiveBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	handles := make([]audio.StreamHandle, 0, len(b.streams))
	for h := range b.streams {
		handles = append(handles, h)
	}
	b.mu.Unlock()
	for _, h := range handles {
		_ = b.FreeStream(h)
	}
	releasePortAudio()
	return nil
}

var _ audio.Backend = (*ExclusiveBackend)(nil)
var _ audio.Backend = (*Backend)(nil)
