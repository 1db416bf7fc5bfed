/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audio defines the capability surface shared by all decoder
// backends: stream lifecycle, position, volume, loop jumps and sample
// syncs. Concrete implementations live in audio/portout (direct and
// driver-exclusive devices) and audio/mixer (software block summer).
package audio

import "math"

// BackendType identifies a backend implementation.
type BackendType string

const (
	BackendDirect    BackendType = "direct"
	BackendExclusive BackendType = "exclusive"
	BackendMixer     BackendType = "mixer"
)

// StreamHandle identifies a stream within its backend. Zero is never valid.
type StreamHandle int64

// SyncHandle identifies a registered sync. Zero is never valid.
type SyncHandle int64

// SyncMode selects when a position sync fires relative to the audio path.
type SyncMode int

const (
	// SyncMixTime fires when the sample is consumed from the decode side,
	// slightly ahead of it being heard. Use for mix triggers and loop
	// jumps where reaction time matters.
	SyncMixTime SyncMode = iota
	// SyncNormal fires when the sample has been delivered to the device.
	SyncNormal
)

// StreamFlags modify stream creation.
type StreamFlags struct {
	// SampleFloat decodes to 32-bit float samples.
	SampleFloat bool
	// Prescan scans the whole file up front for an exact length.
	Prescan bool
	// SampleLoop allows backend-level looping of the whole stream.
	SampleLoop bool
	// DecodeOnly creates a stream that is never bound to an output by
	// itself; a driver engine or mixer pulls from it.
	DecodeOnly bool
}

// SyncProc is invoked from backend-owned goroutines. Implementations MUST
// only do hand-off work: set a latch, signal a channel. Never call back
// into the controller from a SyncProc.
type SyncProc func()

// Backend is the uniform capability set of a decoder backend.
type Backend interface {
	Type() BackendType

	// Devices returns the currently known output devices.
	Devices() []Device
	// RefreshDevices re-enumerates the device list.
	RefreshDevices() error

	// CreateStream opens a decoded stream for path bound to the device.
	// Returns ErrNotAvailable when the format is unsupported or the
	// device unusable.
	CreateStream(deviceID string, path string, flags StreamFlags) (StreamHandle, error)
	// FreeStream releases the stream and any transcode temp file backing
	// it. Idempotent.
	FreeStream(h StreamHandle) error

	Play(h StreamHandle) error
	Pause(h StreamHandle) error
	// Stop halts the stream and removes all registered syncs.
	Stop(h StreamHandle) error

	// Position returns the stream position in seconds.
	Position(h StreamHandle) (float64, error)
	// SetPosition seeks to the given second.
	SetPosition(h StreamHandle, seconds float64) error
	// Length returns the decoded stream length in seconds. Preferred over
	// metadata duration when they disagree by more than half a second.
	Length(h StreamHandle) (float64, error)

	// SetVolume applies a linear gain factor.
	SetVolume(h StreamHandle, gain float64) error

	// IsActive reports whether the stream is playing or pending data.
	IsActive(h StreamHandle) bool

	// SecondsToSamples converts a stream-relative second to a sample
	// position usable with AddSyncPosition.
	SecondsToSamples(h StreamHandle, seconds float64) (int64, error)

	// AddSyncPosition arms a one-shot sync at the sample position.
	// Multiple syncs may coexist at the same position.
	AddSyncPosition(h StreamHandle, samplePos int64, mode SyncMode, proc SyncProc) (SyncHandle, error)
	// AddSyncEnd arms a one-shot sync at end-of-data.
	AddSyncEnd(h StreamHandle, proc SyncProc) (SyncHandle, error)
	// RemoveSync detaches a sync. Idempotent.
	RemoveSync(h StreamHandle, sync SyncHandle) error

	// Close tears the backend down. Init/teardown must be safe under
	// repeated open/close cycles.
	Close() error
}

// GainFromDB converts decibels to a linear gain factor, clamping the input
// to [-60, +18] dB. A nil pointer means unity gain.
func GainFromDB(db *float64) float64 {
	if db == nil {
		return 1.0
	}
	d := *db
	if d > 18 {
		d = 18
	}
	if d < -60 {
		d = -60
	}
	return math.Pow(10, d/20.0)
}
