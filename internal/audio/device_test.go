/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"errors"
	"testing"
)

func TestDeviceRegistryRefCounting(t *testing.T) {
	var started, stopped int
	r := NewDeviceRegistry(
		func(string) error { started++; return nil },
		func(string) { stopped++ },
	)

	a, err := r.Acquire("dev")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := r.Acquire("dev")
	if err != nil {
		t.Fatalf("reentrant Acquire: %v", err)
	}
	if started != 1 {
		t.Errorf("onFirst ran %d times, want 1", started)
	}
	if r.Refs("dev") != 2 {
		t.Errorf("Refs = %d, want 2", r.Refs("dev"))
	}

	a.Release()
	if stopped != 0 {
		t.Error("onLast ran while references remain")
	}
	b.Release()
	if stopped != 1 {
		t.Errorf("onLast ran %d times, want 1", stopped)
	}

	// double release must be a no-op
	b.Release()
	if stopped != 1 {
		t.Errorf("double release triggered onLast again")
	}
}

func TestDeviceRegistryFirstAcquireFailure(t *testing.T) {
	boom := errors.New("driver init failed")
	r := NewDeviceRegistry(func(string) error { return boom }, nil)
	if _, err := r.Acquire("dev"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped driver failure", err)
	}
	if r.Refs("dev") != 0 {
		t.Error("failed acquire must not leave a reference")
	}
}

func TestGainFromDB(t *testing.T) {
	tests := []struct {
		name string
		db   *float64
		want float64
	}{
		{"nil is unity", nil, 1.0},
		{"zero dB", ptr(0.0), 1.0},
		{"minus six", ptr(-6.0), 0.5011872336272722},
		{"clamped high", ptr(40.0), 7.943282347242816}, // +18 dB
		{"clamped low", ptr(-100.0), 0.001},            // -60 dB
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GainFromDB(tt.db)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("GainFromDB = %v, want %v", got, tt.want)
			}
		})
	}
}

func ptr(v float64) *float64 { return &v }
