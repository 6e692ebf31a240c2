// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/apex/log"
	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X github.com/sensebox/box-integration-bridge/cmd.Version=..."
var (
	Version = "dev"
	Commit  = "unknown"
)

var ctx *log.Logger

var logFile *os.File

// Execute is called by main.go
func Execute() {
	defer func() {
		thePanic := recover()
		if thePanic == nil {
			return
		}
		if ctx == nil {
			panic(thePanic)
		}
		ctx.WithFields(log.Fields{
			"panic":   thePanic,
			"stack":   string(debug.Stack()),
			"version": Version,
		}).Fatal("Stopping because of panic")
	}()

	if err := BridgeCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of box-integration-bridge",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "box-integration-bridge %s (%s)\n", Version, Commit)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {},
}

func init() {
	cobra.OnInitialize(initConfig)
	BridgeCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Location of the config file")
	BridgeCmd.AddCommand(versionCmd)
}
