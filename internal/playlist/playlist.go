/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playlist holds the playlist data model consumed by the playback
// core. Text/file import and metadata reading live outside the core; the
// controller only reads items and reports status changes back.
package playlist

import (
	"sync"

	"github.com/google/uuid"
)

// Kind categorizes a playlist.
type Kind string

const (
	KindMusic  Kind = "music"
	KindNews   Kind = "news"
	KindFolder Kind = "folder"
)

// ItemStatus tracks an item through its playback lifecycle.
type ItemStatus string

const (
	StatusPending ItemStatus = "pending"
	StatusPlaying ItemStatus = "playing"
	StatusPaused  ItemStatus = "paused"
	StatusPlayed  ItemStatus = "played"
)

// Item is a single playlist entry. Marker fields are nil when the metadata
// layer provided no value; seconds are measured from file start unless noted.
type Item struct {
	ID              string
	Path            string
	Title           string
	DurationSeconds float64

	CueInSeconds     *float64
	IntroSeconds     *float64
	OutroSeconds     *float64
	SegueSeconds     *float64
	SegueFadeSeconds *float64
	OverlapSeconds   *float64
	ReplayGainDB     *float64

	LoopStartSeconds *float64
	LoopEndSeconds   *float64
	LoopEnabled      bool
	LoopAutoEnabled  bool

	BreakAfter bool
	IsSelected bool

	Status ItemStatus

	// CurrentPosition is stream-relative seconds from cue-in, updated by
	// progress callbacks.
	CurrentPosition float64
}

// NewItem creates a pending item with a fresh id.
func NewItem(path string, durationSeconds float64) *Item {
	return &Item{
		ID:              uuid.NewString(),
		Path:            path,
		DurationSeconds: durationSeconds,
		Status:          StatusPending,
	}
}

// CueIn returns the cue-in point or zero.
func (it *Item) CueIn() float64 {
	if it.CueInSeconds == nil {
		return 0
	}
	return *it.CueInSeconds
}

// EffectiveDuration is the playable length measured from cue-in.
func (it *Item) EffectiveDuration() float64 {
	d := it.DurationSeconds - it.CueIn()
	if d < 0 {
		return 0
	}
	return d
}

// HasLoop reports whether the loop markers describe a valid region.
func (it *Item) HasLoop() bool {
	return it.LoopStartSeconds != nil && it.LoopEndSeconds != nil &&
		*it.LoopEndSeconds > *it.LoopStartSeconds
}

// Model is an ordered sequence of items bound to configured output slots.
type Model struct {
	ID   string
	Name string
	Kind Kind

	mu sync.Mutex

	items []*Item

	// outputSlots holds configured device ids per slot; "" means
	// unassigned. Slot order is the operator's preference order.
	outputSlots []string

	// nextSlot rotates through configured slots so consecutive starts
	// alternate devices.
	nextSlot int

	queuedItemID string

	// BreakResumeIndex records where playback resumes after a break item
	// halted the playlist; nil when no break is pending.
	BreakResumeIndex *int
}

// NewModel creates an empty playlist.
func NewModel(name string, kind Kind) *Model {
	return &Model{ID: uuid.NewString(), Name: name, Kind: kind}
}

// Append adds an item at the end.
func (m *Model) Append(item *Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
}

// Items returns a snapshot of the item sequence.
func (m *Model) Items() []*Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Item, len(m.items))
	copy(out, m.items)
	return out
}

// Len returns the number of items.
func (m *Model) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// ItemByID finds an item.
func (m *Model) ItemByID(id string) *Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// IndexOf returns an item's position or -1.
func (m *Model) IndexOf(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, it := range m.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// Remove deletes an item by id and reports whether it was present.
func (m *Model) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, it := range m.items {
		if it.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return true
		}
	}
	return false
}

// SetOutputSlots replaces the configured output slots.
func (m *Model) SetOutputSlots(slots []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputSlots = make([]string, len(slots))
	copy(m.outputSlots, slots)
	if m.nextSlot >= len(m.outputSlots) {
		m.nextSlot = 0
	}
}

// ConfiguredSlots returns the non-empty configured device ids in slot order.
func (m *Model) ConfiguredSlots() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.outputSlots {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// OutputSlots returns the raw slot table (including empty entries).
func (m *Model) OutputSlots() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.outputSlots))
	copy(out, m.outputSlots)
	return out
}

// NullSlot clears a slot whose device disappeared.
func (m *Model) NullSlot(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= 0 && index < len(m.outputSlots) {
		m.outputSlots[index] = ""
	}
}

// SelectNextSlot picks the next configured slot whose device is known and
// not busy, rotating so consecutive picks alternate devices. It returns the
// slot index and device id; ok is false when no configured slot qualifies.
// A configured-but-unknown device is still returned so the caller can null
// the slot and refresh its device list.
func (m *Model) SelectNextSlot(known, busy map[string]bool) (int, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.outputSlots)
	if n == 0 {
		return 0, "", false
	}
	// first pass: configured, known, not busy
	for i := 0; i < n; i++ {
		idx := (m.nextSlot + i) % n
		dev := m.outputSlots[idx]
		if dev == "" || busy[dev] {
			continue
		}
		if known[dev] {
			m.nextSlot = (idx + 1) % n
			return idx, dev, true
		}
	}
	// second pass: surface a configured slot whose device vanished
	for i := 0; i < n; i++ {
		idx := (m.nextSlot + i) % n
		dev := m.outputSlots[idx]
		if dev != "" && !busy[dev] {
			m.nextSlot = (idx + 1) % n
			return idx, dev, true
		}
	}
	return 0, "", false
}

// QueueItem records the operator-queued next item.
func (m *Model) QueueItem(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queuedItemID = id
	if it := m.itemByIDLocked(id); it != nil {
		it.IsSelected = true
	}
}

// NextSelectedItemID returns the queued item id without consuming it.
func (m *Model) NextSelectedItemID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queuedItemID
}

// BeginNextItem consumes the queued selection, clearing the queued flag.
func (m *Model) BeginNextItem() *Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queuedItemID == "" {
		return nil
	}
	it := m.itemByIDLocked(m.queuedItemID)
	m.queuedItemID = ""
	if it != nil {
		it.IsSelected = false
	}
	return it
}

func (m *Model) itemByIDLocked(id string) *Item {
	for _, it := range m.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}
