/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MixExecutor selects where native mix callbacks are marshalled.
type MixExecutor string

const (
	// MixExecutorUI dispatches mix callbacks inline on the UI dispatcher.
	MixExecutorUI MixExecutor = "ui"
	// MixExecutorThread dispatches mix callbacks through a dedicated worker.
	MixExecutorThread MixExecutor = "thread"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	MetricsBind string

	// FFmpegBin is the binary used for the transcode-to-WAV fallback.
	FFmpegBin string

	// FadeSeconds is the global default fade applied when an item carries
	// no explicit segue fade or overlap.
	FadeSeconds float64

	// PFLDevice is the id of the pre-fader listen monitor output.
	PFLDevice string

	// TranscodeExtensions lists file extensions the decoder does not handle
	// natively and which are transcoded to a temp WAV before opening.
	TranscodeExtensions []string

	MixExecutor MixExecutor

	// OutputBufferMS tunes the backend output buffer. Large buffers skew
	// position queries against sample-accurate syncs.
	OutputBufferMS int

	// IntroAlertSeconds and TrackEndAlertSeconds configure when the
	// controller announces an approaching intro end / track end.
	IntroAlertSeconds    float64
	TrackEndAlertSeconds float64

	// AutoRemovePlayed removes items from the playlist once PLAYED.
	AutoRemovePlayed bool

	// FollowPlayingSelection keeps the operator selection on the playing item.
	FollowPlayingSelection bool

	// AlternatePlayNext skips PLAYED items in the auto-advance flow
	// instead of restarting them.
	AlternatePlayNext bool

	// OutputsPath is where playlist output-slot assignments persist.
	OutputsPath string

	// TracingEnabled and OTLPEndpoint configure span export.
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	PreloadTimeout time.Duration
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:            getEnv("SARA_ENV", "production"),
		MetricsBind:            getEnv("SARA_METRICS_BIND", ""),
		FFmpegBin:              getEnv("SARA_FFMPEG_BIN", "ffmpeg"),
		PFLDevice:              getEnv("SARA_PFL_DEVICE", ""),
		OutputsPath:            getEnv("SARA_OUTPUTS_PATH", "outputs.yaml"),
		OTLPEndpoint:           getEnv("SARA_OTLP_ENDPOINT", ""),
		MixExecutor:            MixExecutor(strings.ToLower(getEnv("SARA_MIX_EXECUTOR", "ui"))),
		TranscodeExtensions:    splitList(getEnv("SARA_TRANSCODE_EXTENSIONS", ".m4a,.aac,.wma,.opus")),
		FadeSeconds:            getEnvFloat("SARA_FADE_SECONDS", 3.0),
		OutputBufferMS:         getEnvInt("SARA_OUTPUT_BUFFER_MS", 250),
		IntroAlertSeconds:      getEnvFloat("SARA_INTRO_ALERT_SECONDS", 5.0),
		TrackEndAlertSeconds:   getEnvFloat("SARA_TRACK_END_ALERT_SECONDS", 10.0),
		AutoRemovePlayed:       getEnvBool("SARA_AUTO_REMOVE_PLAYED", false),
		FollowPlayingSelection: getEnvBool("SARA_FOLLOW_PLAYING_SELECTION", true),
		AlternatePlayNext:      getEnvBool("SARA_ALTERNATE_PLAY_NEXT", true),
		TracingEnabled:         getEnvBool("SARA_TRACING_ENABLED", false),
		TracingSampleRate:      getEnvFloat("SARA_TRACING_SAMPLE_RATE", 0.1),
		PreloadTimeout:         getEnvDuration("SARA_PRELOAD_TIMEOUT", 5*time.Second),
	}

	switch cfg.MixExecutor {
	case MixExecutorUI, MixExecutorThread:
	default:
		return nil, fmt.Errorf("invalid SARA_MIX_EXECUTOR %q (want ui or thread)", cfg.MixExecutor)
	}
	if cfg.FadeSeconds < 0 {
		return nil, fmt.Errorf("SARA_FADE_SECONDS must not be negative")
	}
	if cfg.OutputBufferMS < 0 {
		cfg.OutputBufferMS = 0
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, ".") {
			p = "." + p
		}
		out = append(out, p)
	}
	return out
}
