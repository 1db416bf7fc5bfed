/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import "errors"

var (
	// ErrNotAvailable indicates the file format is unsupported or the
	// device is unusable for stream creation.
	ErrNotAvailable = errors.New("stream not available")

	// ErrDeviceUnavailable indicates an enumerated device disappeared
	// between listing and acquisition.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrStreamCreateFailed indicates the decoder rejected the file.
	ErrStreamCreateFailed = errors.New("stream create failed")

	// ErrPlayerStale indicates a cached player holds a handle from a
	// prior device generation.
	ErrPlayerStale = errors.New("player stale")

	// ErrPflBusy indicates a preview was requested while the PFL device
	// is in use.
	ErrPflBusy = errors.New("pfl device busy")

	// ErrPreviewSetupFailed indicates one of the preview players could
	// not start.
	ErrPreviewSetupFailed = errors.New("preview setup failed")

	// ErrUnknownStream indicates a handle that is not (or no longer)
	// registered with the backend.
	ErrUnknownStream = errors.New("unknown stream handle")
)
