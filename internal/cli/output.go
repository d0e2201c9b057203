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
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jeremyhahn/go-webcontrol/internal/control"
	"github.com/jeremyhahn/go-webcontrol/pkg/bridge"
)

// OutputFormat represents the output format for command results.
type OutputFormat string

const (
	// OutputFormatText outputs human-readable text.
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON outputs JSON.
	OutputFormatJSON OutputFormat = "json"
)

// Printer formats command results for the selected output format.
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a printer for the given format.
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintOperationResult prints the outcome of a key operation.
func (p *Printer) PrintOperationResult(result *bridge.OperationResult) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(result)
	case OutputFormatText:
		status := "success"
		if !result.Success {
			status = "failed"
		}
		fmt.Fprintf(p.writer, "Status:  %s\n", status)
		fmt.Fprintf(p.writer, "Message: %s\n", result.Message)
		fmt.Fprintf(p.writer, "Time:    %s\n", result.Timestamp.Format(time.RFC3339))
		if result.Data != nil {
			data, err := json.Marshal(result.Data)
			if err != nil {
				return fmt.Errorf("failed to format result data: %w", err)
			}
			fmt.Fprintf(p.writer, "Data:    %s\n", data)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintServerStatus prints the control server status banner shown when
// the server starts.
func (p *Printer) PrintServerStatus(status control.ServerStatus) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(status)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Web Control server listening on %s\n", status.URL)
		fmt.Fprintf(p.writer, "  Username: %s\n", control.DefaultUsername)
		fmt.Fprintf(p.writer, "  Password: %s\n", status.Password)
		fmt.Fprintln(p.writer, "Credentials are valid until the server stops.")
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// printJSON prints any value as indented JSON.
func (p *Printer) printJSON(v interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
