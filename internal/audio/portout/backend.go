/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package portout

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/michaldziwisz/sara/internal/audio"
	"github.com/michaldziwisz/sara/internal/audio/decode"
	"github.com/michaldziwisz/sara/internal/telemetry"
)

// Backend is the direct-output backend: each stream owns a blocking
// PortAudio stream on a shared output device.
type Backend struct {
	logger     zerolog.Logger
	transcoder *decode.Transcoder
	bufferMS   int

	mu         sync.Mutex
	devices    []audio.Device
	streams    map[audio.StreamHandle]*stream
	nextHandle int64
	nextSync   int64
	closed     bool
}

// New creates the backend and enumerates devices.
func New(logger zerolog.Logger, transcoder *decode.Transcoder, bufferMS int) (*Backend, error) {
	if err := acquirePortAudio(); err != nil {
		return nil, err
	}
	b := &Backend{
		logger:     logger.With().Str("component", "portout").Logger(),
		transcoder: transcoder,
		bufferMS:   bufferMS,
		streams:    make(map[audio.StreamHandle]*stream),
	}
	if err := b.RefreshDevices(); err != nil {
		releasePortAudio()
		return nil, err
	}
	return b, nil
}

// Type identifies this backend.
func (b *Backend) Type() audio.BackendType { return audio.BackendDirect }

// Devices returns the known output devices.
func (b *Backend) Devices() []audio.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]audio.Device, len(b.devices))
	copy(out, b.devices)
	return out
}

// RefreshDevices re-enumerates the device list.
func (b *Backend) RefreshDevices() error {
	devices, err := enumerateDevices(audio.BackendDirect)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.devices = devices
	b.mu.Unlock()
	return nil
}

func (b *Backend) deviceByID(id string) (audio.Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices {
		if d.ID == id {
			return d, true
		}
	}
	return audio.Device{}, false
}

// openDecoder opens path natively or through the transcode fallback.
// The returned temp path is non-empty when a transcode happened.
func (b *Backend) openDecoder(path string) (decode.Decoder, string, error) {
	if decode.Supported(path) {
		dec, err := decode.NewDecoder(path)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", audio.ErrStreamCreateFailed, err)
		}
		return dec, "", nil
	}
	if b.transcoder == nil || !b.transcoder.ShouldTranscode(path) {
		return nil, "", fmt.Errorf("%w: %s", audio.ErrNotAvailable, path)
	}
	wavPath, err := b.transcoder.ToWAV(path)
	if err != nil {
		telemetry.TranscodeFallbacks.WithLabelValues("error").Inc()
		return nil, "", fmt.Errorf("%w: %v", audio.ErrStreamCreateFailed, err)
	}
	dec, err := decode.NewDecoder(wavPath)
	if err != nil {
		os.Remove(wavPath)
		telemetry.TranscodeFallbacks.WithLabelValues("error").Inc()
		return nil, "", fmt.Errorf("%w: %v", audio.ErrStreamCreateFailed, err)
	}
	telemetry.TranscodeFallbacks.WithLabelValues("ok").Inc()
	b.logger.Debug().Str("src", path).Str("wav", wavPath).Msg("transcode fallback used")
	return dec, wavPath, nil
}

// CreateStream opens a decoded stream bound to the device.
func (b *Backend) CreateStream(deviceID, path string, flags audio.StreamFlags) (audio.StreamHandle, error) {
	dev, ok := b.deviceByID(deviceID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", audio.ErrDeviceUnavailable, deviceID)
	}

	dec, tempPath, err := b.openDecoder(path)
	if err != nil {
		return 0, err
	}

	s := newStream(b.logger, dec, flags, b.bufferMS)
	s.tempPath = tempPath
	if err := s.open(dev.RawIndex); err != nil {
		dec.Close()
		if tempPath != "" {
			os.Remove(tempPath)
		}
		return 0, fmt.Errorf("%w: %v", audio.ErrNotAvailable, err)
	}

	b.mu.Lock()
	b.nextHandle++
	h := audio.StreamHandle(b.nextHandle)
	b.streams[h] = s
	b.mu.Unlock()

	telemetry.ActivePlayers.WithLabelValues(string(audio.BackendDirect)).Inc()
	return h, nil
}

func (b *Backend) stream(h audio.StreamHandle) (*stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[h]
	if !ok {
		return nil, audio.ErrUnknownStream
	}
	return s, nil
}

// FreeStream halts and releases the stream plus any transcode temp file.
func (b *Backend) FreeStream(h audio.StreamHandle) error {
	b.mu.Lock()
	s, ok := b.streams[h]
	delete(b.streams, h)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	s.halt()
	_ = s.decoder.Close()
	if s.tempPath != "" {
		os.Remove(s.tempPath)
	}
	telemetry.ActivePlayers.WithLabelValues(string(audio.BackendDirect)).Dec()
	return nil
}

// Play starts or resumes the stream.
func (b *Backend) Play(h audio.StreamHandle) error {
	s, err := b.stream(h)
	if err != nil {
		return err
	}
	s.play()
	return nil
}

// Pause suspends the stream.
func (b *Backend) Pause(h audio.StreamHandle) error {
	s, err := b.stream(h)
	if err != nil {
		return err
	}
	s.pause()
	return nil
}

// Stop halts the stream and removes all syncs.
func (b *Backend) Stop(h audio.StreamHandle) error {
	s, err := b.stream(h)
	if err != nil {
		return err
	}
	s.halt()
	return nil
}

// Position returns the stream position in seconds.
func (b *Backend) Position(h audio.StreamHandle) (float64, error) {
	s, err := b.stream(h)
	if err != nil {
		return 0, err
	}
	return s.position(), nil
}

// SetPosition seeks the stream.
func (b *Backend) SetPosition(h audio.StreamHandle, seconds float64) error {
	s, err := b.stream(h)
	if err != nil {
		return err
	}
	return s.setPosition(seconds)
}

// Length returns the decoded length in seconds.
func (b *Backend) Length(h audio.StreamHandle) (float64, error) {
	s, err := b.stream(h)
	if err != nil {
		return 0, err
	}
	return s.length(), nil
}

// SetVolume applies a linear gain factor.
func (b *Backend) SetVolume(h audio.StreamHandle, gain float64) error {
	s, err := b.stream(h)
	if err != nil {
		return err
	}
	s.setGain(gain)
	return nil
}

// IsActive reports whether the stream still produces audio.
func (b *Backend) IsActive(h audio.StreamHandle) bool {
	s, err := b.stream(h)
	if err != nil {
		return false
	}
	return s.isActive()
}

// SecondsToSamples converts seconds to a sample position.
func (b *Backend) SecondsToSamples(h audio.StreamHandle, seconds float64) (int64, error) {
	s, err := b.stream(h)
	if err != nil {
		return 0, err
	}
	return int64(seconds * float64(s.rate)), nil
}

// AddSyncPosition arms a one-shot position sync.
func (b *Backend) AddSyncPosition(h audio.StreamHandle, samplePos int64, mode audio.SyncMode, proc audio.SyncProc) (audio.SyncHandle, error) {
	s, err := b.stream(h)
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
func (b *Backend) AddSyncEnd(h audio.StreamHandle, proc audio.SyncProc) (audio.SyncHandle, error) {
	s, err := b.stream(h)
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
func (b *Backend) RemoveSync(h audio.StreamHandle, sync audio.SyncHandle) error {
	s, err := b.stream(h)
	if err != nil {
		return nil
	}
	s.removeSync(sync)
	return nil
}

// Close frees all streams and releases PortAudio.
func (b *Backend) Close() error {
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
