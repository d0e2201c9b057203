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
	"github.com/jeremyhahn/go-webcontrol/internal/config"
)

// Config holds command line options shared by all commands.
type Config struct {
	// ConfigFile is the path to the application configuration file.
	// Empty means defaults plus environment overrides.
	ConfigFile string

	// LogLevel overrides the configured log level when non-empty.
	LogLevel string

	// OutputFormat selects the output format (text, json).
	OutputFormat string

	// Verbose enables verbose output.
	Verbose bool
}

// NewConfig returns a Config with default values.
func NewConfig() *Config {
	return &Config{
		OutputFormat: "text",
	}
}

// LoadAppConfig loads the application configuration named by the
// --config flag and applies command line overrides to it.
func (c *Config) LoadAppConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(c.ConfigFile)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	return cfg, nil
}
