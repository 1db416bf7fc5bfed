/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available output devices",
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	_, _, backends, _, err := buildEnvironment()
	if err != nil {
		return err
	}
	defer closeBackends(backends)

	for _, b := range backends {
		for _, d := range b.Devices() {
			fmt.Printf("%-20s %-10s %2d ch  %.0f Hz  %s\n",
				d.ID, d.Backend, d.MaxChannels, d.DefaultRate, d.Name)
		}
	}
	return nil
}
