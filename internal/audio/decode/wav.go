/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package decode

import (
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
)

// WAVDecoder decodes PCM WAV files, including the temp files produced by
// the transcode fallback. Implements Decoder.
type WAVDecoder struct {
	file *os.File

	sampleRate    int
	channels      int
	sourceBits    int
	dataStart     int64
	totalFrames   int64
	currentFrame  int64
	sourceFrameSz int
	raw           []byte
}

// NewWAVDecoder creates a new WAV decoder.
func NewWAVDecoder() *WAVDecoder {
	return &WAVDecoder{}
}

// Open opens and validates a WAV file, then positions at the PCM data.
func (d *WAVDecoder) Open(fileName string) error {
	f, err := os.Open(fileName)
	if err != nil {
		return err
	}
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		f.Close()
		return fmt.Errorf("not a valid wav file: %s", fileName)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return fmt.Errorf("wav pcm chunk: %w", err)
	}

	d.sampleRate = int(dec.SampleRate)
	d.channels = int(dec.NumChans)
	d.sourceBits = int(dec.BitDepth)
	switch d.sourceBits {
	case 8, 16, 24, 32:
	default:
		f.Close()
		return fmt.Errorf("unsupported wav bit depth: %d", d.sourceBits)
	}
	d.sourceFrameSz = d.channels * d.sourceBits / 8

	// After FwdToPCM the file offset sits at the start of PCM data.
	start, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		f.Close()
		return err
	}
	d.dataStart = start
	d.totalFrames = dec.PCMLen() / int64(d.sourceFrameSz)
	d.currentFrame = 0
	d.file = f
	return nil
}

// Close closes the decoder and the underlying file.
func (d *WAVDecoder) Close() error {
	if d.file != nil {
		err := d.file.Close()
		d.file = nil
		return err
	}
	return nil
}

// GetFormat returns the output PCM format.
func (d *WAVDecoder) GetFormat() (int, int, int) {
	return d.sampleRate, d.channels, 16
}

// DecodeSamples decodes up to samples frames into audio, converting the
// source bit depth to signed 16-bit.
func (d *WAVDecoder) DecodeSamples(samples int, audio []byte) (int, error) {
	if d.file == nil {
		return 0, fmt.Errorf("decoder not initialized")
	}
	if max := len(audio) / (d.channels * 2); samples > max {
		samples = max
	}
	if remaining := d.totalFrames - d.currentFrame; int64(samples) > remaining {
		samples = int(remaining)
	}
	if samples <= 0 {
		return 0, nil
	}

	if cap(d.raw) < samples*d.sourceFrameSz {
		d.raw = make([]byte, samples*d.sourceFrameSz)
	}
	raw := d.raw[:samples*d.sourceFrameSz]
	n, err := io.ReadFull(d.file, raw)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	if err != nil {
		return 0, err
	}
	frames := n / d.sourceFrameSz
	values := frames * d.channels

	bytesPer := d.sourceBits / 8
	for i := 0; i < values; i++ {
		var s int16
		off := i * bytesPer
		switch d.sourceBits {
		case 8:
			// 8-bit wav is unsigned
			s = int16(int(raw[off])-128) << 8
		case 16:
			s = int16(uint16(raw[off]) | uint16(raw[off+1])<<8)
		case 24:
			v := int32(uint32(raw[off]) | uint32(raw[off+1])<<8 | uint32(raw[off+2])<<16)
			if v&0x800000 != 0 {
				v |= ^int32(0xffffff)
			}
			s = int16(v >> 8)
		case 32:
			v := int32(uint32(raw[off]) | uint32(raw[off+1])<<8 | uint32(raw[off+2])<<16 | uint32(raw[off+3])<<24)
			s = int16(v >> 16)
		}
		audio[i*2] = byte(uint16(s))
		audio[i*2+1] = byte(uint16(s) >> 8)
	}
	d.currentFrame += int64(frames)
	return frames, nil
}

// Seek positions the decoder at the given sample frame.
func (d *WAVDecoder) Seek(sample int64) error {
	if d.file == nil {
		return fmt.Errorf("decoder not initialized")
	}
	if sample < 0 {
		sample = 0
	}
	if sample > d.totalFrames {
		sample = d.totalFrames
	}
	if _, err := d.file.Seek(d.dataStart+sample*int64(d.sourceFrameSz), io.SeekStart); err != nil {
		return err
	}
	d.currentFrame = sample
	return nil
}

// TotalSamples returns the stream length in sample frames.
func (d *WAVDecoder) TotalSamples() int64 {
	return d.totalFrames
}
