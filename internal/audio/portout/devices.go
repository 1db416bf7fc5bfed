/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package portout implements the direct-output and driver-exclusive decoder
// backends on top of PortAudio. Streams decode through audio/decode and are
// paced by blocking writes into the device stream.
package portout

import (
	"fmt"
	"sync"

	"github.com/drgolem/go-portaudio/portaudio"

	"github.com/michaldziwisz/sara/internal/audio"
)

var paInit struct {
	mu   sync.Mutex
	refs int
}

// acquirePortAudio initializes PortAudio on the first reference.
func acquirePortAudio() error {
	paInit.mu.Lock()
	defer paInit.mu.Unlock()
	if paInit.refs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio init: %w", err)
		}
	}
	paInit.refs++
	return nil
}

// releasePortAudio terminates PortAudio when the last reference drops.
func releasePortAudio() {
	paInit.mu.Lock()
	defer paInit.mu.Unlock()
	if paInit.refs == 0 {
		return
	}
	paInit.refs--
	if paInit.refs == 0 {
		_ = portaudio.Terminate()
	}
}

// enumerateDevices lists output-capable devices for the given backend type.
func enumerateDevices(backend audio.BackendType) ([]audio.Device, error) {
	count, err := portaudio.GetDeviceCount()
	if err != nil {
		return nil, fmt.Errorf("device count: %w", err)
	}
	var devices []audio.Device
	for i := 0; i < count; i++ {
		info, err := portaudio.GetDeviceInfo(i)
		if err != nil {
			continue
		}
		if info.MaxOutputChannels <= 0 {
			continue
		}
		devices = append(devices, audio.Device{
			ID:          fmt.Sprintf("%s:%d", backend, i),
			Name:        info.Name,
			Backend:     backend,
			RawIndex:    i,
			MaxChannels: info.MaxOutputChannels,
			DefaultRate: info.DefaultSampleRate,
		})
	}
	return devices, nil
}
