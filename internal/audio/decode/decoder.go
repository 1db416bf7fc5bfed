/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package decode turns audio files into seekable PCM sample streams.
// All decoders emit interleaved signed 16-bit little-endian samples
// regardless of the source bit depth so the output and mixing paths only
// deal with one sample format.
package decode

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Decoder is the common interface for all audio decoders.
type Decoder interface {
	// Open opens an audio file for decoding.
	Open(fileName string) error

	// Close closes the decoder and releases resources.
	Close() error

	// GetFormat returns sample rate (Hz), channels and bits per sample
	// of the emitted PCM (always 16 for this package).
	GetFormat() (rate, channels, bitsPerSample int)

	// DecodeSamples decodes up to the given number of sample frames into
	// audio. The buffer must hold samples*channels*2 bytes. Returns the
	// number of frames decoded; 0 with nil error means end of stream.
	DecodeSamples(samples int, audio []byte) (int, error)

	// Seek positions the decoder at the given sample frame.
	Seek(sample int64) error

	// TotalSamples returns the stream length in sample frames, or -1
	// when the container does not carry it.
	TotalSamples() int64
}

// NewDecoder creates and opens the decoder matching the file extension.
func NewDecoder(fileName string) (Decoder, error) {
	var dec Decoder
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".mp3":
		dec = NewMP3Decoder()
	case ".flac", ".fla":
		dec = NewFLACDecoder()
	case ".ogg", ".oga":
		dec = NewVorbisDecoder()
	case ".wav", ".wave":
		dec = NewWAVDecoder()
	default:
		return nil, fmt.Errorf("unsupported file format: %s", filepath.Ext(fileName))
	}

	if err := dec.Open(fileName); err != nil {
		return nil, fmt.Errorf("open %s: %w", fileName, err)
	}
	return dec, nil
}

// Supported reports whether the extension has a native decoder.
func Supported(fileName string) bool {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".mp3", ".flac", ".fla", ".ogg", ".oga", ".wav", ".wave":
		return true
	}
	return false
}
