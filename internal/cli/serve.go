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

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeremyhahn/go-webcontrol/internal/server"
	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Web Control server",
	Long: `Start the Web Control server and print its address and single-use
credentials. The server binds to localhost and keeps running until it
receives SIGINT or SIGTERM.

Sending SIGHUP reloads the backend endpoint configuration from the
configuration file without restarting the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := globalConfig.LoadAppConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if serveHost != "" {
			cfg.Server.Host = serveHost
		}
		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		app, err := server.New(cfg)
		if err != nil {
			return err
		}

		ctx := server.SetupSignalHandler()
		go watchReload(ctx, app)

		if err := app.Start(); err != nil {
			app.Stop()
			return err
		}

		printer := NewPrinter(globalConfig.OutputFormat, cmd.OutOrStdout())
		if err := printer.PrintServerStatus(app.ControlStatus()); err != nil {
			app.Stop()
			return err
		}

		<-ctx.Done()
		app.Stop()
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "",
		"Bind address (default from configuration)")
	serveCmd.Flags().IntVar(&servePort, "port", 0,
		"Port to bind; fails if busy (default: first free port in the configured range)")
}

// watchReload reloads the endpoint configuration on SIGHUP until the
// context is cancelled.
func watchReload(ctx context.Context, app *server.App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			printVerbose("reloading configuration from %s", globalConfig.ConfigFile)
			cfg, err := globalConfig.LoadAppConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Reload failed: %v\n", err)
				continue
			}
			if err := app.Reload(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "Reload failed: %v\n", err)
			}
		}
	}
}
