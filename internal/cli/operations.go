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
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-webcontrol/internal/server"
	"github.com/jeremyhahn/go-webcontrol/pkg/bridge"
	"github.com/jeremyhahn/go-webcontrol/pkg/client"
	"github.com/spf13/cobra"
)

// errOperationFailed signals a non-zero exit after the result has
// already been printed.
var errOperationFailed = errors.New("operation failed")

var (
	enrollURL    string
	enrollMethod string

	validateURL    string
	validateMethod string
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll a biometric key pair",
	Long: `Create a biometric-protected key pair and, when an enrollment
endpoint is configured, register the public key with the backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		override, err := endpointOverride(enrollURL, enrollMethod)
		if err != nil {
			return err
		}
		return runOperation(cmd, func(ctx context.Context, app *server.App) *bridge.OperationResult {
			return app.Bridge().ExecuteEnrollment(ctx, override)
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate enrolled keys with a biometric signature",
	Long: `Create a biometric signature over a server challenge and, when a
validation endpoint is configured, submit it to the backend for
verification.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		override, err := endpointOverride(validateURL, validateMethod)
		if err != nil {
			return err
		}
		return runOperation(cmd, func(ctx context.Context, app *server.App) *bridge.OperationResult {
			return app.Bridge().ExecuteValidation(ctx, override)
		})
	},
}

var deleteKeysCmd = &cobra.Command{
	Use:   "delete-keys",
	Short: "Delete enrolled biometric keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, func(ctx context.Context, app *server.App) *bridge.OperationResult {
			return app.Bridge().DeleteKeys(ctx)
		})
	},
}

func init() {
	enrollCmd.Flags().StringVar(&enrollURL, "url", "",
		"Enrollment endpoint URL (overrides configuration)")
	enrollCmd.Flags().StringVar(&enrollMethod, "method", "",
		"HTTP method for the enrollment endpoint (default POST)")

	validateCmd.Flags().StringVar(&validateURL, "url", "",
		"Validation endpoint URL (overrides configuration)")
	validateCmd.Flags().StringVar(&validateMethod, "method", "",
		"HTTP method for the validation endpoint (default POST)")
}

// runOperation assembles the application without starting the control
// server, executes a single key operation, and prints the result.
func runOperation(cmd *cobra.Command, run func(ctx context.Context, app *server.App) *bridge.OperationResult) error {
	cfg, err := globalConfig.LoadAppConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	app, err := server.New(cfg)
	if err != nil {
		return err
	}
	defer app.Stop()

	ctx := server.SetupSignalHandler()
	result := run(ctx, app)

	printer := NewPrinter(globalConfig.OutputFormat, cmd.OutOrStdout())
	if err := printer.PrintOperationResult(result); err != nil {
		return err
	}
	if !result.Success {
		return errOperationFailed
	}
	return nil
}

// endpointOverride builds a per-invocation endpoint from command line
// flags. Both empty means use the configured endpoint.
func endpointOverride(url, method string) (*client.Endpoint, error) {
	if url == "" {
		if method != "" {
			return nil, errors.New("--method requires --url")
		}
		return nil, nil
	}
	return &client.Endpoint{URL: url, Method: method}, nil
}
