/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mixer implements the software block mixer backend: several
// decoded sources summed into a single device stream. Sources get a short
// micro fade after start and seek to mask offset clicks.
package mixer

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

const (
	// blockFrames is the mixing block size.
	blockFrames = 1024
	// microFadeSeconds masks clicks after start/seek.
	microFadeSeconds = 0.004
)

type syncEntry struct {
	handle    audio.SyncHandle
	samplePos int64
	end       bool
	proc      audio.SyncProc
	fired     bool
}

type source struct {
	decoder    decode.Decoder
	rate       int
	channels   int
	frameBytes int
	flags      audio.StreamFlags
	tempPath   string

	playing bool
	paused  bool
	done    bool
	endRan  bool

	posSamples   int64
	totalSamples int64
	gain         float64
	microFade    int // frames of fade-in remaining

	syncs   []*syncEntry
	scratch []byte
}

// Mixer is a block summer bound to one output device. It implements
// audio.Backend; each stream is one mixed source.
type Mixer struct {
	logger     zerolog.Logger
	transcoder *decode.Transcoder
	device     audio.Device
	rate       int

	mu         sync.Mutex
	sources    map[audio.StreamHandle]*source
	nextHandle int64
	nextSync   int64
	closed     bool

	pa      *portaudio.PaStream
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a mixer bound to the device. The device stream starts lazily
// with the first source and stops when the mixer closes.
func New(logger zerolog.Logger, transcoder *decode.Transcoder, device audio.Device) *Mixer {
	rate := int(device.DefaultRate)
	if rate <= 0 {
		rate = 48000
	}
	return &Mixer{
		logger:     logger.With().Str("component", "mixer").Str("device", device.ID).Logger(),
		transcoder: transcoder,
		device:     device,
		rate:       rate,
		sources:    make(map[audio.StreamHandle]*source),
	}
}

// Type identifies this backend.
func (m *Mixer) Type() audio.BackendType { return audio.BackendMixer }

// Devices returns the single bound device.
func (m *Mixer) Devices() []audio.Device { return []audio.Device{m.device} }

// RefreshDevices is a no-op; the mixer is bound at construction.
func (m *Mixer) RefreshDevices() error { return nil }

func (m *Mixer) ensureRunning() error {
	if m.running {
		return nil
	}
	pa, err := portaudio.NewStream(portaudio.PaStreamParameters{
		DeviceIndex:  m.device.RawIndex,
		ChannelCount: 2,
		SampleFormat: portaudio.SampleFmtInt16,
	}, float64(m.rate))
	if err != nil {
		return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := pa.Open(blockFrames); err != nil {
		return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := pa.StartStream(); err != nil {
		pa.Close()
		return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	m.pa = pa
	m.stopCh = make(chan struct{})
	m.running = true
	m.wg.Add(1)
	go m.loop()
	m.logger.Debug().Int("rate", m.rate).Msg("mixer stream started")
	return nil
}

// loop assembles and writes one block per pass. Decoding happens inline,
// the blocking device write paces the loop.
func (m *Mixer) loop() {
	defer m.wg.Done()
	out := make([]byte, blockFrames*4)
	mix := make([]int32, blockFrames*2)

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		for i := range mix {
			mix[i] = 0
		}

		m.mu.Lock()
		var fired []audio.SyncProc
		for _, src := range m.sources {
			fired = append(fired, m.mixSource(src, mix)...)
		}
		pa := m.pa
		m.mu.Unlock()

		for _, proc := range fired {
			proc()
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
		if pa == nil {
			return
		}
		if err := pa.Write(blockFrames, out); err != nil {
			m.logger.Debug().Err(err).Msg("mixer write failed")
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// mixSource decodes one block worth of source audio into the accumulator
// and returns any sync procs that became due. Caller holds m.mu.
func (m *Mixer) mixSource(src *source, mix []int32) []audio.SyncProc {
	if !src.playing || src.paused || src.done {
		return nil
	}

	srcFrames := blockFrames * src.rate / m.rate
	if srcFrames <= 0 {
		srcFrames = blockFrames
	}
	need := srcFrames * src.frameBytes
	if cap(src.scratch) < need {
		src.scratch = make([]byte, need)
	}
	buf := src.scratch[:need]

	n, err := src.decoder.DecodeSamples(srcFrames, buf)
	if err != nil || n == 0 {
		if err == nil && src.flags.SampleLoop {
			if seekErr := src.decoder.Seek(0); seekErr == nil {
				src.posSamples = 0
				return nil
			}
		}
		src.done = true
		return m.dueEndSyncsLocked(src)
	}

	gain := src.gain
	ratio := float64(src.rate) / float64(m.rate)
	outFrames := int(float64(n) / ratio)
	if outFrames > blockFrames {
		outFrames = blockFrames
	}
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= n {
			break
		}
		g := gain
		if src.microFade > 0 {
			total := m.microFadeFrames()
			g *= 1 - float64(src.microFade)/float64(total)
		}
		l := sampleAt(buf, idx, src.channels, 0)
		r := l
		if src.channels > 1 {
			r = sampleAt(buf, idx, src.channels, 1)
		}
		mix[i*2] += int32(l * g)
		mix[i*2+1] += int32(r * g)
		if src.microFade > 0 {
			src.microFade--
		}
	}

	prev := src.posSamples
	src.posSamples += int64(n)
	return m.dueSyncsLocked(src, prev, src.posSamples)
}

func (m *Mixer) microFadeFrames() int {
	f := int(float64(m.rate) * microFadeSeconds)
	if f < 1 {
		f = 1
	}
	return f
}

func (m *Mixer) dueSyncsLocked(src *source, prev, now int64) []audio.SyncProc {
	var procs []audio.SyncProc
	for _, e := range src.syncs {
		if e.end || e.fired {
			continue
		}
		if e.samplePos > prev && e.samplePos <= now {
			e.fired = true
			procs = append(procs, e.proc)
		}
	}
	return procs
}

func (m *Mixer) dueEndSyncsLocked(src *source) []audio.SyncProc {
	if src.endRan {
		return nil
	}
	src.endRan = true
	var procs []audio.SyncProc
	for _, e := range src.syncs {
		if e.end && !e.fired {
			e.fired = true
			procs = append(procs, e.proc)
		}
	}
	return procs
}

func sampleAt(buf []byte, frame, channels, channel int) float64 {
	off := (frame*channels + channel) * 2
	if off+1 >= len(buf) {
		return 0
	}
	return float64(int16(uint16(buf[off]) | uint16(buf[off+1])<<8))
}

// CreateStream opens a new mixed source. The deviceID must match the bound
// device.
func (m *Mixer) CreateStream(deviceID, path string, flags audio.StreamFlags) (audio.StreamHandle, error) {
	if deviceID != m.device.ID {
		return 0, fmt.Errorf("%w: mixer bound to %s", audio.ErrDeviceUnavailable, m.device.ID)
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
	} else if m.transcoder != nil && m.transcoder.ShouldTranscode(path) {
		tempPath, err = m.transcoder.ToWAV(path)
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

	rate, channels, _ := dec.GetFormat()
	src := &source{
		decoder:      dec,
		rate:         rate,
		channels:     channels,
		frameBytes:   channels * 2,
		flags:        flags,
		tempPath:     tempPath,
		totalSamples: dec.TotalSamples(),
		gain:         1.0,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		dec.Close()
		if tempPath != "" {
			os.Remove(tempPath)
		}
		return 0, audio.ErrDeviceUnavailable
	}
	if err := m.ensureRunning(); err != nil {
		dec.Close()
		if tempPath != "" {
			os.Remove(tempPath)
		}
		return 0, err
	}
	m.nextHandle++
	h := audio.StreamHandle(m.nextHandle)
	m.sources[h] = src
	telemetry.ActivePlayers.WithLabelValues(string(audio.BackendMixer)).Inc()
	return h, nil
}

func (m *Mixer) sourceFor(h audio.StreamHandle) (*source, error) {
	s, ok := m.sources[h]
	if !ok {
		return nil, audio.ErrUnknownStream
	}
	return s, nil
}

// FreeStream removes and releases the source. Idempotent.
func (m *Mixer) FreeStream(h audio.StreamHandle) error {
	m.mu.Lock()
	src, ok := m.sources[h]
	delete(m.sources, h)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	_ = src.decoder.Close()
	if src.tempPath != "" {
		os.Remove(src.tempPath)
	}
	telemetry.ActivePlayers.WithLabelValues(string(audio.BackendMixer)).Dec()
	return nil
}

// Play starts or resumes the source with a micro fade.
func (m *Mixer) Play(h audio.StreamHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.sourceFor(h)
	if err != nil {
		return err
	}
	src.playing = true
	src.paused = false
	src.microFade = m.microFadeFrames()
	return nil
}

// Pause suspends the source.
func (m *Mixer) Pause(h audio.StreamHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.sourceFor(h)
	if err != nil {
		return err
	}
	src.paused = true
	return nil
}

// Stop halts the source and removes its syncs.
func (m *Mixer) Stop(h audio.StreamHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.sourceFor(h)
	if err != nil {
		return err
	}
	src.playing = false
	src.syncs = nil
	return nil
}

// Position returns the source position in seconds.
func (m *Mixer) Position(h audio.StreamHandle) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.sourceFor(h)
	if err != nil {
		return 0, err
	}
	return float64(src.posSamples) / float64(src.rate), nil
}

// SetPosition seeks the source, re-arming syncs past the target and
// applying a micro fade.
func (m *Mixer) SetPosition(h audio.StreamHandle, seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.sourceFor(h)
	if err != nil {
		return err
	}
	target := int64(seconds * float64(src.rate))
	if target < 0 {
		target = 0
	}
	if err := src.decoder.Seek(target); err != nil {
		return err
	}
	src.posSamples = target
	src.done = false
	src.microFade = m.microFadeFrames()
	for _, e := range src.syncs {
		if !e.end && e.fired && e.samplePos > target {
			e.fired = false
		}
	}
	return nil
}

// Length returns the decoded length in seconds.
func (m *Mixer) Length(h audio.StreamHandle) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.sourceFor(h)
	if err != nil {
		return 0, err
	}
	if src.totalSamples <= 0 {
		return 0, nil
	}
	return float64(src.totalSamples) / float64(src.rate), nil
}

// SetVolume applies a linear gain factor.
func (m *Mixer) SetVolume(h audio.StreamHandle, gain float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.sourceFor(h)
	if err != nil {
		return err
	}
	if gain < 0 {
		gain = 0
	}
	src.gain = gain
	return nil
}

// IsActive reports whether the source still produces audio.
func (m *Mixer) IsActive(h audio.StreamHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.sourceFor(h)
	if err != nil {
		return false
	}
	return src.playing && !src.done
}

// SecondsToSamples converts seconds to a sample position.
func (m *Mixer) SecondsToSamples(h audio.StreamHandle, seconds float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.sourceFor(h)
	if err != nil {
		return 0, err
	}
	return int64(seconds * float64(src.rate)), nil
}

// AddSyncPosition arms a one-shot position sync. The mixer has a single
// clock, so mix-time and normal mode behave identically.
func (m *Mixer) AddSyncPosition(h audio.StreamHandle, samplePos int64, mode audio.SyncMode, proc audio.SyncProc) (audio.SyncHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.sourceFor(h)
	if err != nil {
		return 0, err
	}
	m.nextSync++
	sh := audio.SyncHandle(m.nextSync)
	src.syncs = append(src.syncs, &syncEntry{handle: sh, samplePos: samplePos, proc: proc})
	return sh, nil
}

// AddSyncEnd arms a one-shot end-of-data sync.
func (m *Mixer) AddSyncEnd(h audio.StreamHandle, proc audio.SyncProc) (audio.SyncHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.sourceFor(h)
	if err != nil {
		return 0, err
	}
	m.nextSync++
	sh := audio.SyncHandle(m.nextSync)
	src.syncs = append(src.syncs, &syncEntry{handle: sh, end: true, proc: proc})
	return sh, nil
}

// RemoveSync detaches a sync. Idempotent.
func (m *Mixer) RemoveSync(h audio.StreamHandle, sync audio.SyncHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.sourceFor(h)
	if err != nil {
		return nil
	}
	for i, e := range src.syncs {
		if e.handle == sync {
			src.syncs = append(src.syncs[:i], src.syncs[i+1:]...)
			break
		}
	}
	return nil
}

// Close stops the device stream and frees every source.
func (m *Mixer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	running := m.running
	m.running = false
	stopCh := m.stopCh
	handles := make([]audio.StreamHandle, 0, len(m.sources))
	for h := range m.sources {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	if running {
		close(stopCh)
		m.wg.Wait()
		_ = m.pa.StopStream()
		_ = m.pa.Close()
	}
	for _, h := range handles {
		_ = m.FreeStream(h)
	}
	return nil
}

var _ audio.Backend = (*Mixer)(nil)
