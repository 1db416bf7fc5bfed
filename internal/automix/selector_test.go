/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package automix

import (
	"testing"

	"github.com/michaldziwisz/sara/internal/playlist"
)

func threeItemPlaylist(t *testing.T) (*playlist.Model, []*playlist.Item) {
	t.Helper()
	pl := playlist.NewModel("music", playlist.KindMusic)
	items := []*playlist.Item{
		playlist.NewItem("a.mp3", 10),
		playlist.NewItem("b.mp3", 10),
		playlist.NewItem("c.mp3", 10),
	}
	for _, it := range items {
		pl.Append(it)
	}
	return pl, items
}

func TestSelectorQueuedSelectionWins(t *testing.T) {
	pl, items := threeItemPlaylist(t)
	s := NewSelector(false)
	s.MarkStarted(pl.ID, items[0].ID)

	pl.QueueItem(items[2].ID)
	got := s.Next(pl)
	if got == nil || got.ID != items[2].ID {
		t.Fatalf("Next = %v, want queued item c", got)
	}
	if pl.NextSelectedItemID() != "" {
		t.Fatal("queued selection must be consumed")
	}
}

func TestSelectorBreakResume(t *testing.T) {
	pl, items := threeItemPlaylist(t)
	s := NewSelector(false)
	idx := 2
	pl.BreakResumeIndex = &idx

	got := s.Next(pl)
	if got == nil || got.ID != items[2].ID {
		t.Fatalf("Next = %v, want break resume item c", got)
	}
	if pl.BreakResumeIndex != nil {
		t.Fatal("break resume index must be consumed")
	}
}

func TestSelectorRoundRobinFromLastStarted(t *testing.T) {
	pl, items := threeItemPlaylist(t)
	s := NewSelector(false)

	s.MarkStarted(pl.ID, items[0].ID)
	got := s.Next(pl)
	if got == nil || got.ID != items[1].ID {
		t.Fatalf("Next = %v, want b after a", got)
	}

	s.MarkStarted(pl.ID, items[2].ID)
	got = s.Next(pl)
	if got == nil || got.ID != items[0].ID {
		t.Fatalf("Next = %v, want wrap to a after c", got)
	}
}

func TestSelectorSkipsPlayingItem(t *testing.T) {
	pl, items := threeItemPlaylist(t)
	s := NewSelector(false)

	items[1].Status = playlist.StatusPlaying
	s.MarkStarted(pl.ID, items[0].ID)
	got := s.Next(pl)
	if got == nil || got.ID != items[2].ID {
		t.Fatalf("Next = %v, want c (b is playing)", got)
	}
}

func TestSelectorAlternateSkipsPlayed(t *testing.T) {
	pl, items := threeItemPlaylist(t)
	s := NewSelector(true)

	items[1].Status = playlist.StatusPlayed
	s.MarkStarted(pl.ID, items[0].ID)
	got := s.Next(pl)
	if got == nil || got.ID != items[2].ID {
		t.Fatalf("Next = %v, want c (b already played)", got)
	}
}

func TestSelectorNothingEligible(t *testing.T) {
	pl, items := threeItemPlaylist(t)
	s := NewSelector(true)
	for _, it := range items {
		it.Status = playlist.StatusPlayed
	}
	if got := s.Next(pl); got != nil {
		t.Fatalf("Next = %v, want nil when everything played", got)
	}
}

func TestSelectorStartsFromPlayingWithoutTracker(t *testing.T) {
	pl, items := threeItemPlaylist(t)
	s := NewSelector(false)

	items[1].Status = playlist.StatusPlaying
	got := s.Next(pl)
	if got == nil || got.ID != items[2].ID {
		t.Fatalf("Next = %v, want item after the playing one", got)
	}
}
