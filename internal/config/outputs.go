/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// OutputStore persists per-playlist output slot assignments. A slot holds a
// device id or is empty when unassigned; the playback controller nulls slots
// whose device disappeared.
type OutputStore struct {
	mu    sync.Mutex
	path  string
	slots map[string][]string
}

// NewOutputStore loads (or initializes) the store at path.
func NewOutputStore(path string) (*OutputStore, error) {
	s := &OutputStore{path: path, slots: make(map[string][]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read outputs: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.slots); err != nil {
		return nil, fmt.Errorf("parse outputs: %w", err)
	}
	return s, nil
}

// PlaylistOutputs returns the configured slots for a playlist.
func (s *OutputStore) PlaylistOutputs(playlist string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := s.slots[playlist]
	out := make([]string, len(slots))
	copy(out, slots)
	return out
}

// SetPlaylistOutputs replaces the configured slots for a playlist.
func (s *OutputStore) SetPlaylistOutputs(playlist string, slots []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]string, len(slots))
	copy(stored, slots)
	s.slots[playlist] = stored
}

// Save writes the store back to disk.
func (s *OutputStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := yaml.Marshal(s.slots)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write outputs: %w", err)
	}
	return nil
}
