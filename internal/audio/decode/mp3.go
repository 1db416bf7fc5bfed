/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package decode

import (
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

// mp3FrameBytes is the byte size of one output frame: go-mp3 always emits
// 16-bit stereo.
const mp3FrameBytes = 4

// MP3Decoder decodes MPEG layer 3 files. Implements Decoder.
type MP3Decoder struct {
	file    *os.File
	decoder *mp3.Decoder
}

// NewMP3Decoder creates a new MP3 decoder.
func NewMP3Decoder() *MP3Decoder {
	return &MP3Decoder{}
}

// Open opens and initializes an MP3 file for decoding.
func (d *MP3Decoder) Open(fileName string) error {
	f, err := os.Open(fileName)
	if err != nil {
		return err
	}
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("mp3 decoder: %w", err)
	}
	d.file = f
	d.decoder = dec
	return nil
}

// Close closes the decoder and the underlying file.
func (d *MP3Decoder) Close() error {
	if d.file != nil {
		err := d.file.Close()
		d.file = nil
		d.decoder = nil
		return err
	}
	return nil
}

// GetFormat returns the output PCM format.
func (d *MP3Decoder) GetFormat() (int, int, int) {
	if d.decoder == nil {
		return 0, 0, 0
	}
	return d.decoder.SampleRate(), 2, 16
}

// DecodeSamples decodes up to samples frames into audio.
func (d *MP3Decoder) DecodeSamples(samples int, audio []byte) (int, error) {
	if d.decoder == nil {
		return 0, fmt.Errorf("decoder not initialized")
	}
	want := samples * mp3FrameBytes
	if want > len(audio) {
		want = len(audio) / mp3FrameBytes * mp3FrameBytes
	}
	n, err := io.ReadFull(d.decoder, audio[:want])
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	return n / mp3FrameBytes, err
}

// Seek positions the decoder at the given sample frame.
func (d *MP3Decoder) Seek(sample int64) error {
	if d.decoder == nil {
		return fmt.Errorf("decoder not initialized")
	}
	_, err := d.decoder.Seek(sample*mp3FrameBytes, io.SeekStart)
	return err
}

// TotalSamples returns the stream length in sample frames.
func (d *MP3Decoder) TotalSamples() int64 {
	if d.decoder == nil {
		return -1
	}
	return d.decoder.Length() / mp3FrameBytes
}
