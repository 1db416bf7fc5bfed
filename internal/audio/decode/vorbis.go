/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package decode

import (
	"fmt"
	"os"

	"github.com/jfreymuth/oggvorbis"
)

// VorbisDecoder decodes Ogg/Vorbis files. Implements Decoder.
type VorbisDecoder struct {
	file   *os.File
	reader *oggvorbis.Reader
	fbuf   []float32
}

// NewVorbisDecoder creates a new Ogg/Vorbis decoder.
func NewVorbisDecoder() *VorbisDecoder {
	return &VorbisDecoder{}
}

// Open opens and initializes an Ogg/Vorbis file for decoding.
func (d *VorbisDecoder) Open(fileName string) error {
	f, err := os.Open(fileName)
	if err != nil {
		return err
	}
	r, err := oggvorbis.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("vorbis reader: %w", err)
	}
	d.file = f
	d.reader = r
	return nil
}

// Close closes the decoder and the underlying file.
func (d *VorbisDecoder) Close() error {
	if d.file != nil {
		err := d.file.Close()
		d.file = nil
		d.reader = nil
		return err
	}
	return nil
}

// GetFormat returns the output PCM format.
func (d *VorbisDecoder) GetFormat() (int, int, int) {
	if d.reader == nil {
		return 0, 0, 0
	}
	return d.reader.SampleRate(), d.reader.Channels(), 16
}

// DecodeSamples decodes up to samples frames into audio, converting the
// float samples to signed 16-bit.
func (d *VorbisDecoder) DecodeSamples(samples int, audio []byte) (int, error) {
	if d.reader == nil {
		return 0, fmt.Errorf("decoder not initialized")
	}
	ch := d.reader.Channels()
	values := samples * ch
	if values*2 > len(audio) {
		values = len(audio) / 2 / ch * ch
	}
	if cap(d.fbuf) < values {
		d.fbuf = make([]float32, values)
	}
	buf := d.fbuf[:values]

	total := 0
	for total < values {
		n, err := d.reader.Read(buf[total:])
		total += n
		if err != nil {
			break
		}
		if n == 0 {
			break
		}
	}

	for i := 0; i < total; i++ {
		v := buf[i]
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		s := int16(v * 32767)
		audio[i*2] = byte(uint16(s))
		audio[i*2+1] = byte(uint16(s) >> 8)
	}
	return total / ch, nil
}

// Seek positions the decoder at the given sample frame.
func (d *VorbisDecoder) Seek(sample int64) error {
	if d.reader == nil {
		return fmt.Errorf("decoder not initialized")
	}
	return d.reader.SetPosition(sample)
}

// TotalSamples returns the stream length in sample frames.
func (d *VorbisDecoder) TotalSamples() int64 {
	if d.reader == nil {
		return -1
	}
	return d.reader.Length()
}
