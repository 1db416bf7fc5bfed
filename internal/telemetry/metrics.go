/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes Prometheus metrics and OTLP tracing for the
// playout core.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActivePlayers tracks players with a live stream, per backend.
	ActivePlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sara_active_players",
		Help: "Players currently holding an open stream",
	}, []string{"backend"})

	// MixTriggers counts fired mix triggers by path (native or progress).
	MixTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sara_mix_triggers_total",
		Help: "Mix triggers fired, labelled by trigger path",
	}, []string{"path"})

	// LoopJumps counts loop end-to-start jumps by reason.
	LoopJumps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sara_loop_jumps_total",
		Help: "Loop boundary jumps, labelled by reason (sync, guard, clamp, restart)",
	}, []string{"reason"})

	// FadeDuration observes requested fade-out durations.
	FadeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sara_fade_duration_seconds",
		Help:    "Requested fade-out durations",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
	})

	// DeviceAcquireFailures counts failed device acquisitions.
	DeviceAcquireFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sara_device_acquire_failures_total",
		Help: "Device acquisition failures",
	})

	// PreviewStarts counts PFL preview sessions by kind (single, mix).
	PreviewStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sara_preview_starts_total",
		Help: "PFL preview sessions started, labelled by kind",
	}, []string{"kind"})

	// TranscodeFallbacks counts transcode-to-WAV fallbacks by outcome.
	TranscodeFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sara_transcode_fallbacks_total",
		Help: "Transcode fallback attempts, labelled by outcome",
	}, []string{"outcome"})

	// ProgressTicks counts emitted progress callbacks.
	ProgressTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sara_progress_ticks_total",
		Help: "Progress callbacks emitted by player monitors",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
