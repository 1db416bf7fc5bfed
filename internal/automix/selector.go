/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package automix

import (
	"sync"

	"github.com/michaldziwisz/sara/internal/playlist"
)

// Selector picks the next item on a MUSIC playlist: operator queue first,
// then break resume, then sequential round robin from the last started
// item, never re-picking the one that is still playing.
type Selector struct {
	mu sync.Mutex
	// lastStarted tracks the most recent start per playlist so the
	// rotation survives items that finished early.
	lastStarted map[string]string

	// AlternatePlayNext skips PLAYED items instead of restarting them.
	AlternatePlayNext bool
}

// NewSelector creates a selector.
func NewSelector(alternatePlayNext bool) *Selector {
	return &Selector{
		lastStarted:       make(map[string]string),
		AlternatePlayNext: alternatePlayNext,
	}
}

// MarkStarted records that an item started so the rotation continues from
// it.
func (s *Selector) MarkStarted(playlistID, itemID string) {
	s.mu.Lock()
	s.lastStarted[playlistID] = itemID
	s.mu.Unlock()
}

// Forget drops the tracker for a playlist.
func (s *Selector) Forget(playlistID string) {
	s.mu.Lock()
	delete(s.lastStarted, playlistID)
	s.mu.Unlock()
}

// Next returns the item to start, or nil when the playlist has nothing
// eligible. Queued selections are consumed.
func (s *Selector) Next(pl *playlist.Model) *playlist.Item {
	if queued := pl.BeginNextItem(); queued != nil {
		return queued
	}

	items := pl.Items()
	if len(items) == 0 {
		return nil
	}

	if pl.BreakResumeIndex != nil {
		idx := *pl.BreakResumeIndex
		pl.BreakResumeIndex = nil
		if idx >= 0 && idx < len(items) {
			return items[idx]
		}
	}

	s.mu.Lock()
	anchor := s.lastStarted[pl.ID]
	s.mu.Unlock()

	start := 0
	if anchor != "" {
		if idx := pl.IndexOf(anchor); idx >= 0 {
			start = idx + 1
		}
	} else {
		// no tracker yet: continue after whichever item plays now
		for i, it := range items {
			if it.Status == playlist.StatusPlaying {
				start = i + 1
				break
			}
		}
	}

	n := len(items)
	for i := 0; i < n; i++ {
		candidate := items[(start+i)%n]
		if candidate.Status == playlist.StatusPlaying {
			continue
		}
		if s.AlternatePlayNext && candidate.Status == playlist.StatusPlayed {
			continue
		}
		return candidate
	}
	return nil
}
