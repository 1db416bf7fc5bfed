/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package portout

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drgolem/go-portaudio/portaudio"
	"github.com/drgolem/ringbuffer"
	"github.com/rs/zerolog"

	"github.com/michaldziwisz/sara/internal/audio"
	"github.com/michaldziwisz/sara/internal/audio/decode"
)

const (
	// decodeChunkFrames is how many frames the producer decodes per pass.
	decodeChunkFrames = 4096
	// writeChunkFrames is how many frames each blocking device write carries.
	writeChunkFrames = 512
)

type syncEntry struct {
	handle    audio.SyncHandle
	samplePos int64
	mode      audio.SyncMode
	end       bool
	proc      audio.SyncProc
	fired     bool
}

// stream is one decoded stream bound to an output device. A producer
// goroutine decodes into a ring buffer; a consumer goroutine drains it into
// the blocking PortAudio stream. Sample-position syncs fire on the producer
// (mix-time) or consumer (normal) side.
type stream struct {
	logger  zerolog.Logger
	decoder decode.Decoder
	pa      *portaudio.PaStream
	rb      *ringbuffer.RingBuffer

	rate       int
	channels   int
	frameBytes int
	flags      audio.StreamFlags
	tempPath   string

	// pumpMu serializes decode/consume steps against seeks.
	pumpMu sync.Mutex

	decodedSamples atomic.Int64
	playedSamples  atomic.Int64
	totalSamples   int64

	gainBits atomic.Uint64

	playing      atomic.Bool
	paused       atomic.Bool
	producerDone atomic.Bool
	active       atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	syncMu sync.Mutex
	syncs  []*syncEntry
	endRan bool
}

func newStream(logger zerolog.Logger, dec decode.Decoder, flags audio.StreamFlags, bufferMS int) *stream {
	rate, channels, _ := dec.GetFormat()
	frameBytes := channels * 2
	if bufferMS <= 0 {
		bufferMS = 250
	}
	bufBytes := nextPow2(uint64(rate * frameBytes * bufferMS / 1000))

	s := &stream{
		logger:       logger,
		decoder:      dec,
		rb:           ringbuffer.New(bufBytes),
		rate:         rate,
		channels:     channels,
		frameBytes:   frameBytes,
		flags:        flags,
		totalSamples: dec.TotalSamples(),
		stopCh:       make(chan struct{}),
	}
	s.gainBits.Store(math.Float64bits(1.0))
	s.active.Store(true)
	return s
}

func nextPow2(v uint64) uint64 {
	n := uint64(1)
	for n < v {
		n <<= 1
	}
	return n
}

func (s *stream) gain() float64 {
	return math.Float64frombits(s.gainBits.Load())
}

func (s *stream) setGain(g float64) {
	if g < 0 {
		g = 0
	}
	s.gainBits.Store(math.Float64bits(g))
}

// open binds the stream to the device and starts the pump goroutines.
// Decode-only streams are pulled by an engine and never open a device.
func (s *stream) open(deviceIndex int) error {
	if s.flags.DecodeOnly {
		s.wg.Add(1)
		go s.producer()
		return nil
	}

	pa, err := portaudio.NewStream(portaudio.PaStreamParameters{
		DeviceIndex:  deviceIndex,
		ChannelCount: s.channels,
		SampleFormat: portaudio.SampleFmtInt16,
	}, float64(s.rate))
	if err != nil {
		return err
	}
	if err := pa.Open(writeChunkFrames); err != nil {
		return err
	}
	if err := pa.StartStream(); err != nil {
		pa.Close()
		return err
	}
	s.pa = pa

	s.wg.Add(2)
	go s.producer()
	go s.consumer()
	return nil
}

// producer decodes into the ring buffer and fires mix-time syncs.
func (s *stream) producer() {
	defer s.wg.Done()
	buf := make([]byte, decodeChunkFrames*s.frameBytes)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if s.paused.Load() || !s.playing.Load() {
			time.Sleep(2 * time.Millisecond)
			continue
		}

		s.pumpMu.Lock()
		if s.rb.AvailableWrite() < uint64(len(buf)) {
			s.pumpMu.Unlock()
			time.Sleep(2 * time.Millisecond)
			continue
		}

		n, err := s.decoder.DecodeSamples(decodeChunkFrames, buf)
		if err != nil {
			s.logger.Debug().Err(err).Msg("decode error, ending stream")
			s.producerDone.Store(true)
			s.pumpMu.Unlock()
			return
		}
		if n == 0 {
			if s.flags.SampleLoop {
				// whole-stream loop: wrap to the origin instead of ending
				if err := s.decoder.Seek(0); err == nil {
					s.decodedSamples.Store(0)
					s.pumpMu.Unlock()
					continue
				}
			}
			s.producerDone.Store(true)
			s.pumpMu.Unlock()
			return
		}

		if _, err := s.rb.Write(buf[:n*s.frameBytes]); err != nil {
			s.pumpMu.Unlock()
			time.Sleep(2 * time.Millisecond)
			continue
		}
		prev := s.decodedSamples.Load()
		now := prev + int64(n)
		s.decodedSamples.Store(now)
		s.pumpMu.Unlock()

		s.fireSyncs(audio.SyncMixTime, prev, now)
	}
}

// consumer drains the ring buffer into the device, applying gain and firing
// normal-mode syncs. It paces itself on the blocking device write.
func (s *stream) consumer() {
	defer s.wg.Done()
	buf := make([]byte, writeChunkFrames*s.frameBytes)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if s.paused.Load() || !s.playing.Load() {
			time.Sleep(2 * time.Millisecond)
			continue
		}

		s.pumpMu.Lock()
		want := int(s.rb.AvailableRead()) / s.frameBytes * s.frameBytes
		if want > len(buf) {
			want = len(buf)
		}
		var n int
		var err error
		if want > 0 {
			n, err = s.rb.Read(buf[:want])
		}
		s.pumpMu.Unlock()
		if err != nil || n == 0 {
			if s.producerDone.Load() {
				s.finish()
				return
			}
			time.Sleep(2 * time.Millisecond)
			continue
		}

		frames := n / s.frameBytes
		applyGainS16(buf[:frames*s.frameBytes], s.gain())

		if s.pa != nil {
			if err := s.pa.Write(frames, buf[:frames*s.frameBytes]); err != nil {
				s.logger.Debug().Err(err).Msg("device write failed")
				s.finish()
				return
			}
		}

		prev := s.playedSamples.Load()
		now := prev + int64(frames)
		s.playedSamples.Store(now)
		s.fireSyncs(audio.SyncNormal, prev, now)
	}
}

// finish fires end syncs exactly once and marks the stream inactive.
func (s *stream) finish() {
	s.syncMu.Lock()
	ran := s.endRan
	s.endRan = true
	var procs []audio.SyncProc
	if !ran {
		for _, e := range s.syncs {
			if e.end && !e.fired {
				e.fired = true
				procs = append(procs, e.proc)
			}
		}
	}
	s.syncMu.Unlock()

	s.active.Store(false)
	for _, p := range procs {
		p()
	}
}

// fireSyncs runs one-shot position syncs whose sample fell inside
// (prev, now] for the given mode.
func (s *stream) fireSyncs(mode audio.SyncMode, prev, now int64) {
	s.syncMu.Lock()
	var procs []audio.SyncProc
	for _, e := range s.syncs {
		if e.end || e.fired || e.mode != mode {
			continue
		}
		if e.samplePos > prev && e.samplePos <= now {
			e.fired = true
			procs = append(procs, e.proc)
		}
	}
	s.syncMu.Unlock()
	for _, p := range procs {
		p()
	}
}

// pullSamples reads frames for engine-driven (decode-only) streams. It
// bypasses the device consumer entirely: the engine is the consumer.
func (s *stream) pullSamples(buf []byte) (int, error) {
	if s.paused.Load() || !s.playing.Load() {
		return 0, nil
	}
	s.pumpMu.Lock()
	want := int(s.rb.AvailableRead()) / s.frameBytes * s.frameBytes
	if want > len(buf) {
		want = len(buf)
	}
	var n int
	var err error
	if want > 0 {
		n, err = s.rb.Read(buf[:want])
	}
	s.pumpMu.Unlock()
	if err != nil || n == 0 {
		if s.producerDone.Load() {
			s.finish()
		}
		return 0, nil
	}
	frames := n / s.frameBytes
	prev := s.playedSamples.Load()
	now := prev + int64(frames)
	s.playedSamples.Store(now)
	s.fireSyncs(audio.SyncNormal, prev, now)
	return frames, nil
}

func (s *stream) position() float64 {
	return float64(s.playedSamples.Load()) / float64(s.rate)
}

func (s *stream) setPosition(seconds float64) error {
	target := int64(seconds * float64(s.rate))
	if target < 0 {
		target = 0
	}
	s.pumpMu.Lock()
	defer s.pumpMu.Unlock()
	if err := s.decoder.Seek(target); err != nil {
		return err
	}
	s.rb.Reset()
	s.producerDone.Store(false)
	s.decodedSamples.Store(target)
	s.playedSamples.Store(target)
	s.resetFiredBefore(target)
	return nil
}

// resetFiredBefore re-arms position syncs ahead of the new position so a
// loop jump can fire the same loop-end sync on every iteration.
func (s *stream) resetFiredBefore(target int64) {
	s.syncMu.Lock()
	for _, e := range s.syncs {
		if !e.end && e.fired && e.samplePos > target {
			e.fired = false
		}
	}
	s.syncMu.Unlock()
}

func (s *stream) length() float64 {
	if s.totalSamples <= 0 {
		return 0
	}
	return float64(s.totalSamples) / float64(s.rate)
}

func (s *stream) addSync(handle audio.SyncHandle, samplePos int64, mode audio.SyncMode, proc audio.SyncProc) {
	s.syncMu.Lock()
	s.syncs = append(s.syncs, &syncEntry{handle: handle, samplePos: samplePos, mode: mode, proc: proc})
	s.syncMu.Unlock()
}

func (s *stream) addEndSync(handle audio.SyncHandle, proc audio.SyncProc) {
	s.syncMu.Lock()
	s.syncs = append(s.syncs, &syncEntry{handle: handle, end: true, proc: proc})
	s.syncMu.Unlock()
}

func (s *stream) removeSync(handle audio.SyncHandle) {
	s.syncMu.Lock()
	for i, e := range s.syncs {
		if e.handle == handle {
			s.syncs = append(s.syncs[:i], s.syncs[i+1:]...)
			break
		}
	}
	s.syncMu.Unlock()
}

func (s *stream) clearSyncs() {
	s.syncMu.Lock()
	s.syncs = nil
	s.syncMu.Unlock()
}

func (s *stream) play() {
	s.paused.Store(false)
	s.playing.Store(true)
}

func (s *stream) pause() {
	s.paused.Store(true)
}

// halt stops the pump goroutines and closes the device stream. Syncs are
// removed, matching the contract that Stop detaches everything.
func (s *stream) halt() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.playing.Store(false)
	s.active.Store(false)
	s.wg.Wait()
	if s.pa != nil {
		_ = s.pa.StopStream()
		_ = s.pa.Close()
		s.pa = nil
	}
	s.clearSyncs()
}

func (s *stream) isActive() bool {
	return s.active.Load() && s.playing.Load()
}

// applyGainS16 scales interleaved signed 16-bit samples in place.
func applyGainS16(buf []byte, gain float64) {
	if gain == 1.0 {
		return
	}
	for i := 0; i+1 < len(buf); i += 2 {
		v := int16(uint16(buf[i]) | uint16(buf[i+1])<<8)
		m := int32(float64(v) * gain)
		if m > 32767 {
			m = 32767
		} else if m < -32768 {
			m = -32768
		}
		u := uint16(int16(m))
		buf[i] = byte(u & 0xff)
		buf[i+1] = byte((u >> 8) & 0xff)
	}
}
