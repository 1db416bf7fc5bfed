/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaldziwisz/sara/internal/config"
	"github.com/michaldziwisz/sara/internal/events"
	"github.com/michaldziwisz/sara/internal/playback"
	"github.com/michaldziwisz/sara/internal/playlist"
)

var (
	previewStart     float64
	previewLoopStart float64
	previewLoopEnd   float64
	previewNext      string
	previewMixAt     float64
	previewPre       float64
	previewFade      float64
)

var previewCmd = &cobra.Command{
	Use:   "preview <file>",
	Short: "Rehearse a track or a transition on the PFL device",
	Long: `Plays a file on the configured PFL monitor output. With --next and
--mix-at it rehearses the crossfade into the next track instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runPreview,
}

func init() {
	rootCmd.AddCommand(previewCmd)
	previewCmd.Flags().Float64VarP(&previewStart, "start", "s", 0, "Start position in seconds")
	previewCmd.Flags().Float64Var(&previewLoopStart, "loop-start", 0, "Loop region start in seconds")
	previewCmd.Flags().Float64Var(&previewLoopEnd, "loop-end", 0, "Loop region end in seconds")
	previewCmd.Flags().StringVar(&previewNext, "next", "", "Next track for a mix rehearsal")
	previewCmd.Flags().Float64Var(&previewMixAt, "mix-at", 0, "Mix point in seconds (with --next)")
	previewCmd.Flags().Float64Var(&previewPre, "pre", 4.0, "Seconds of run-up before the mix point")
	previewCmd.Flags().Float64Var(&previewFade, "fade", 2.0, "Fade length for the outgoing track")
}

func runPreview(cmd *cobra.Command, args []string) error {
	cfg, logger, backends, _, err := buildEnvironment()
	if err != nil {
		return err
	}
	defer closeBackends(backends)

	if cfg.PFLDevice == "" {
		return fmt.Errorf("no PFL device configured (set SARA_PFL_DEVICE)")
	}

	outputs, err := config.NewOutputStore(cfg.OutputsPath)
	if err != nil {
		return err
	}
	bus := events.NewBus()
	ctrl := playback.New(logger, cfg, outputs, bus, backends, nil)
	defer ctrl.Close()

	current := playlist.NewItem(args[0], probeDuration(args[0]))
	current.Title = filepath.Base(args[0])

	if previewNext != "" {
		next := playlist.NewItem(previewNext, probeDuration(previewNext))
		err = ctrl.StartMixPreview(current, next, playback.MixPreviewOptions{
			MixAtSeconds:             previewMixAt,
			PreSeconds:               previewPre,
			FadeSeconds:              previewFade,
			CurrentEffectiveDuration: current.EffectiveDuration(),
		})
		if err != nil {
			return err
		}
		// the mix preview stops itself after pre+fade+tail
		time.Sleep(time.Duration((previewPre + previewFade + 5) * float64(time.Second)))
		ctrl.StopPreview(true)
		return nil
	}

	var loopRange *[2]float64
	if previewLoopEnd > previewLoopStart {
		loopRange = &[2]float64{previewLoopStart, previewLoopEnd}
	}
	if err := ctrl.StartPreview(current, previewStart, loopRange); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctrl.StopPreview(true)
	return nil
}
