/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/michaldziwisz/sara/internal/audio"
	"github.com/michaldziwisz/sara/internal/audio/decode"
	"github.com/michaldziwisz/sara/internal/audio/mixer"
	"github.com/michaldziwisz/sara/internal/audio/portout"
	"github.com/michaldziwisz/sara/internal/config"
	"github.com/michaldziwisz/sara/internal/events"
	"github.com/michaldziwisz/sara/internal/logbuffer"
	"github.com/michaldziwisz/sara/internal/logging"
	"github.com/michaldziwisz/sara/internal/playback"
	"github.com/michaldziwisz/sara/internal/playlist"
	"github.com/michaldziwisz/sara/internal/telemetry"
	"github.com/michaldziwisz/sara/internal/version"
)

var (
	runDeviceID string
	runNoMix    bool

	// logBuffer captures recent log lines for the diagnostics endpoint.
	logBuffer *logbuffer.Buffer
)

var runCmd = &cobra.Command{
	Use:   "run <directory>",
	Short: "Play a directory as a music playlist with auto-mix",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runDeviceID, "device", "d", "", "Output device id (see 'sara devices')")
	runCmd.Flags().BoolVar(&runNoMix, "no-automix", false, "Disable automatic advancement")
}

// buildEnvironment loads config, logging and the audio backends shared by
// the run and preview commands.
func buildEnvironment() (*config.Config, zerolog.Logger, []audio.Backend, *decode.Transcoder, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), nil, nil, fmt.Errorf("config error: %w", err)
	}
	logBuffer = logbuffer.New(5000)
	logger := logging.SetupWithWriter(cfg.Environment, logbuffer.NewWriter(logBuffer))

	transcoder := &decode.Transcoder{
		FFmpegBin:  cfg.FFmpegBin,
		Extensions: cfg.TranscodeExtensions,
	}

	direct, err := portout.New(logger, transcoder, cfg.OutputBufferMS)
	if err != nil {
		return nil, logger, nil, nil, fmt.Errorf("audio backend: %w", err)
	}
	backends := []audio.Backend{direct}
	if exclusive, err := portout.NewExclusive(logger, transcoder, cfg.OutputBufferMS); err == nil {
		backends = append(backends, exclusive)
	} else {
		logger.Debug().Err(err).Msg("exclusive backend unavailable")
	}
	return cfg, logger, backends, transcoder, nil
}

func closeBackends(backends []audio.Backend) {
	for _, b := range backends {
		_ = b.Close()
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, backends, transcoder, err := buildEnvironment()
	if err != nil {
		return err
	}
	defer closeBackends(backends)

	logger.Info().Str("version", version.Version).Msg("SARA playout starting")

	outputs, err := config.NewOutputStore(cfg.OutputsPath)
	if err != nil {
		return err
	}
	bus := events.NewBus()

	if cfg.MetricsBind != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.Handler())
			mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				entries := logBuffer.Query(logbuffer.QueryParams{
					Level:     r.URL.Query().Get("level"),
					Component: r.URL.Query().Get("component"),
					Search:    r.URL.Query().Get("q"),
					Limit:     200,
				})
				_ = json.NewEncoder(w).Encode(entries)
			})
			logger.Info().Str("addr", cfg.MetricsBind).Msg("metrics listening")
			if err := http.ListenAndServe(cfg.MetricsBind, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	tracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "sara",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("tracing init failed")
	} else {
		defer tracer.Shutdown(context.Background())
	}

	mixerFactory := func(device audio.Device) audio.Backend {
		return mixer.New(logger, transcoder, device)
	}

	ctrl := playback.New(logger, cfg, outputs, bus, backends, mixerFactory)
	defer ctrl.Close()
	flow := playback.NewFlow(logger, cfg, ctrl, bus, !runNoMix)

	pl, err := loadDirectoryPlaylist(args[0], outputs)
	if err != nil {
		return err
	}
	if runDeviceID != "" {
		pl.SetOutputSlots([]string{runDeviceID})
	}
	if pl.Len() == 0 {
		return fmt.Errorf("no playable files in %s", args[0])
	}
	logger.Info().Str("playlist", pl.Name).Int("items", pl.Len()).Msg("playlist loaded")

	announcements := bus.Subscribe(events.EventAnnouncement)
	go func() {
		for payload := range announcements {
			logger.Info().
				Interface("category", payload["category"]).
				Interface("message", payload["message"]).
				Msg("announcement")
		}
	}()

	items := pl.Items()
	if !flow.PlayFromCue(pl, items[0]) {
		return fmt.Errorf("could not start playback")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	flow.StopPlaylist(pl, cfg.FadeSeconds)
	logger.Info().Msg("SARA playout stopped")
	return nil
}

// loadDirectoryPlaylist builds a MUSIC playlist from the audio files in a
// directory. Durations come from the decoders; the playback layer corrects
// against the real stream length anyway.
func loadDirectoryPlaylist(dir string, outputs *config.OutputStore) (*playlist.Model, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if decode.Supported(p) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	pl := playlist.NewModel(filepath.Base(dir), playlist.KindMusic)
	for _, p := range paths {
		item := playlist.NewItem(p, probeDuration(p))
		item.Title = filepath.Base(p)
		pl.Append(item)
	}
	pl.SetOutputSlots(outputs.PlaylistOutputs(pl.Name))
	return pl, nil
}

func probeDuration(path string) float64 {
	dec, err := decode.NewDecoder(path)
	if err != nil {
		return 0
	}
	defer dec.Close()
	rate, _, _ := dec.GetFormat()
	total := dec.TotalSamples()
	if rate <= 0 || total <= 0 {
		return 0
	}
	return float64(total) / float64(rate)
}
