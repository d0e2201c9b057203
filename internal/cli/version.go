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
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information. Populated at build time via ldflags:
//
//	-X github.com/jeremyhahn/go-webcontrol/internal/cli.Version=v1.0.0
//	-X github.com/jeremyhahn/go-webcontrol/internal/cli.GitCommit=abc123
//	-X github.com/jeremyhahn/go-webcontrol/internal/cli.BuildDate=2026-01-01
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// versionInfo is the JSON shape of the version command output.
type versionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := versionInfo{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
			Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		}

		switch OutputFormat(globalConfig.OutputFormat) {
		case OutputFormatJSON:
			printer := NewPrinter(globalConfig.OutputFormat, cmd.OutOrStdout())
			return printer.printJSON(info)
		default:
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "webcontrol %s\n", info.Version)
			fmt.Fprintf(out, "  Git commit: %s\n", info.GitCommit)
			fmt.Fprintf(out, "  Built:      %s\n", info.BuildDate)
			fmt.Fprintf(out, "  Go version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "  Platform:   %s\n", info.Platform)
			return nil
		}
	},
}
