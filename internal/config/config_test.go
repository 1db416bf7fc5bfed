/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.FadeSeconds != 3.0 {
		t.Errorf("FadeSeconds = %v, want 3.0", cfg.FadeSeconds)
	}
	if cfg.MixExecutor != MixExecutorUI {
		t.Errorf("MixExecutor = %v, want ui", cfg.MixExecutor)
	}
	if cfg.OutputBufferMS != 250 {
		t.Errorf("OutputBufferMS = %v, want 250", cfg.OutputBufferMS)
	}
}

func TestLoadRejectsBadExecutor(t *testing.T) {
	t.Setenv("SARA_MIX_EXECUTOR", "rust")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unsupported executor")
	}
}

func TestLoadRejectsNegativeFade(t *testing.T) {
	t.Setenv("SARA_FADE_SECONDS", "-1")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative fade")
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{".m4a,.aac", []string{".m4a", ".aac"}},
		{"m4a, AAC ,", []string{".m4a", ".aac"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := splitList(tt.raw)
		if len(got) != len(tt.want) {
			t.Errorf("splitList(%q) = %v, want %v", tt.raw, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("splitList(%q)[%d] = %q, want %q", tt.raw, i, got[i], tt.want[i])
			}
		}
	}
}

func TestOutputStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outputs.yaml")
	store, err := NewOutputStore(path)
	if err != nil {
		t.Fatalf("NewOutputStore: %v", err)
	}
	store.SetPlaylistOutputs("Music A", []string{"dev-1", "", "dev-3"})
	if err := store.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := NewOutputStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.PlaylistOutputs("Music A")
	want := []string{"dev-1", "", "dev-3"}
	if len(got) != len(want) {
		t.Fatalf("slots = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("slot[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOutputStoreCopySemantics(t *testing.T) {
	store, err := NewOutputStore(filepath.Join(t.TempDir(), "outputs.yaml"))
	if err != nil {
		t.Fatalf("NewOutputStore: %v", err)
	}
	slots := []string{"dev-1"}
	store.SetPlaylistOutputs("p", slots)
	slots[0] = "mutated"
	if got := store.PlaylistOutputs("p"); got[0] != "dev-1" {
		t.Errorf("store aliased caller slice: %v", got)
	}
}
