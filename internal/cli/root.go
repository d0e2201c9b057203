// Copyright (c) 2026 Jeremy Hahn
// Copyright (c) 2026 Automate The Things, LLC
//
// This file is part of go-webcontrol.
//
// go-webcontrol is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package cli implements the webcontrol command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var globalConfig *Config

var rootCmd = &cobra.Command{
	Use:   "webcontrol",
	Short: "Browser-based control panel for biometric key operations",
	Long: `webcontrol serves a local control panel that lets a browser drive
biometric key operations: enrolling a key pair, validating a signature
against a backend, and deleting enrolled keys.

The server binds to localhost only and generates fresh single-use
credentials on every start. Operations can also be run directly from
the command line without starting the server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	globalConfig = NewConfig()

	rootCmd.PersistentFlags().StringVarP(&globalConfig.ConfigFile, "config", "c", "",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&globalConfig.LogLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&globalConfig.OutputFormat, "output", "o", "text",
		"Output format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&globalConfig.Verbose, "verbose", "v", false,
		"Enable verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(deleteKeysCmd)
	rootCmd.AddCommand(versionCmd)
}

// printVerbose prints a message only when verbose output is enabled.
func printVerbose(format string, args ...interface{}) {
	if globalConfig.Verbose {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
