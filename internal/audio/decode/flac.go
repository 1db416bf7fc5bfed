/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package decode

import (
	"fmt"
	"io"
	"os"

	"github.com/mewkiz/flac"
)

// FLACDecoder decodes FLAC files. Implements Decoder.
type FLACDecoder struct {
	file   *os.File
	stream *flac.Stream

	// pending holds interleaved 16-bit samples from the last parsed
	// frame that did not fit the caller's buffer.
	pending []int16
}

// NewFLACDecoder creates a new FLAC decoder.
func NewFLACDecoder() *FLACDecoder {
	return &FLACDecoder{}
}

// Open opens and initializes a FLAC file for decoding.
func (d *FLACDecoder) Open(fileName string) error {
	f, err := os.Open(fileName)
	if err != nil {
		return err
	}
	stream, err := flac.NewSeek(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("flac stream: %w", err)
	}
	d.file = f
	d.stream = stream
	d.pending = nil
	return nil
}

// Close closes the decoder and the underlying file.
func (d *FLACDecoder) Close() error {
	if d.file != nil {
		err := d.file.Close()
		d.file = nil
		d.stream = nil
		d.pending = nil
		return err
	}
	return nil
}

// GetFormat returns the output PCM format.
func (d *FLACDecoder) GetFormat() (int, int, int) {
	if d.stream == nil {
		return 0, 0, 0
	}
	return int(d.stream.Info.SampleRate), int(d.stream.Info.NChannels), 16
}

// DecodeSamples decodes up to samples frames into audio.
func (d *FLACDecoder) DecodeSamples(samples int, audio []byte) (int, error) {
	if d.stream == nil {
		return 0, fmt.Errorf("decoder not initialized")
	}
	ch := int(d.stream.Info.NChannels)
	shift := int(d.stream.Info.BitsPerSample) - 16

	values := samples * ch
	if values*2 > len(audio) {
		values = len(audio) / 2 / ch * ch
	}

	written := 0
	for written < values {
		if len(d.pending) == 0 {
			frame, err := d.stream.ParseNext()
			if err == io.EOF {
				break
			}
			if err != nil {
				return written / ch, fmt.Errorf("flac frame: %w", err)
			}
			n := len(frame.Subframes[0].Samples)
			if cap(d.pending) < n*ch {
				d.pending = make([]int16, 0, n*ch)
			}
			d.pending = d.pending[:0]
			for i := 0; i < n; i++ {
				for c := 0; c < ch; c++ {
					s := frame.Subframes[c].Samples[i]
					if shift > 0 {
						s >>= shift
					} else if shift < 0 {
						s <<= -shift
					}
					d.pending = append(d.pending, int16(s))
				}
			}
		}
		take := values - written
		if take > len(d.pending) {
			take = len(d.pending)
		}
		for i := 0; i < take; i++ {
			s := uint16(d.pending[i])
			audio[(written+i)*2] = byte(s)
			audio[(written+i)*2+1] = byte(s >> 8)
		}
		d.pending = d.pending[take:]
		written += take
	}
	return written / ch, nil
}

// Seek positions the decoder at the given sample frame.
func (d *FLACDecoder) Seek(sample int64) error {
	if d.stream == nil {
		return fmt.Errorf("decoder not initialized")
	}
	d.pending = nil
	if sample < 0 {
		sample = 0
	}
	pos, err := d.stream.Seek(uint64(sample))
	if err != nil {
		return fmt.Errorf("flac seek: %w", err)
	}
	// Seek lands on the nearest preceding seek point; discard frames up
	// to the requested sample.
	if skip := int64(sample) - int64(pos); skip > 0 {
		ch := int(d.stream.Info.NChannels)
		buf := make([]byte, 4096*ch*2)
		for skip > 0 {
			want := int64(4096)
			if want > skip {
				want = skip
			}
			n, err := d.DecodeSamples(int(want), buf)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			skip -= int64(n)
		}
	}
	return nil
}

// TotalSamples returns the stream length in sample frames.
func (d *FLACDecoder) TotalSamples() int64 {
	if d.stream == nil {
		return -1
	}
	if d.stream.Info.NSamples == 0 {
		return -1
	}
	return int64(d.stream.Info.NSamples)
}
