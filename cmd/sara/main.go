/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaldziwisz/sara/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "sara",
	Short: "SARA radio automation playout core",
	Long: `SARA schedules and mixes audio items from playlists across multiple
output devices, with sample-accurate mix triggering, loop regions,
fades and pre-fader listen preview.

Commands:
  - run: play a directory as a music playlist with auto-mix
  - devices: list available output devices
  - preview: rehearse a track or transition on the PFL device`,
	Version: version.Version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
