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

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jeremyhahn/go-webcontrol/pkg/validation"
	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Operations  OperationsConfig  `yaml:"operations"`
	Endpoints   EndpointsConfig   `yaml:"endpoints"`
	Keystore    KeystoreConfig    `yaml:"keystore"`
	Logging     LoggingConfig     `yaml:"logging"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// ServerConfig contains control server settings
type ServerConfig struct {
	Host string `yaml:"host"`

	// Port pins the server to a single port. Zero means probe the
	// range below and bind the first free port.
	Port           int `yaml:"port"`
	PortRangeStart int `yaml:"port_range_start"`
	PortRangeEnd   int `yaml:"port_range_end"`

	// IdleTimeout is how long a keep-alive connection may sit between
	// requests before the server closes it. WebSocket sessions are
	// exempt once upgraded.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// OperationsConfig controls biometric operation execution
type OperationsConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	NetworkAttempts int           `yaml:"network_attempts"`
	Prompts         PromptsConfig `yaml:"prompts"`
}

// PromptsConfig overrides the authentication prompts shown by the device
type PromptsConfig struct {
	Enroll           string `yaml:"enroll"`
	Validate         string `yaml:"validate"`
	CancelButtonText string `yaml:"cancel_button_text"`
}

// EndpointsConfig seeds the backend endpoints for enrollment and validation
type EndpointsConfig struct {
	Enroll   EndpointConfig `yaml:"enroll"`
	Validate EndpointConfig `yaml:"validate"`
}

// EndpointConfig describes a single backend endpoint
type EndpointConfig struct {
	URL           string            `yaml:"url"`
	Method        string            `yaml:"method"`
	Headers       map[string]string `yaml:"headers,omitempty"`
	CustomPayload string            `yaml:"custom_payload,omitempty"`
}

// KeystoreConfig controls where key material lives
type KeystoreConfig struct {
	// Path is the sealed keystore file. Empty keeps keys in memory only.
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`

	// BiometryType is the sensor type reported by availability checks.
	BiometryType string `yaml:"biometry_type"`

	// Unavailable marks the sensor as unusable, with the reason shown
	// to clients. Useful for exercising failure paths end to end.
	Unavailable       bool   `yaml:"unavailable"`
	UnavailableReason string `yaml:"unavailable_reason"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConfig controls failed-authentication throttling
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	AttemptsPerMin int  `yaml:"attempts_per_min"`
	Burst          int  `yaml:"burst"`
}

// DiagnosticsConfig controls the metrics and health listener
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults: loopback control
// server probing ports 8080-8090, in-memory keys, diagnostics off.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "localhost",
			PortRangeStart: 8080,
			PortRangeEnd:   8090,
			IdleTimeout:    2 * time.Minute,
		},
		Operations: OperationsConfig{
			Timeout:         60 * time.Second,
			NetworkAttempts: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			AttemptsPerMin: 30,
			Burst:          10,
		},
		Diagnostics: DiagnosticsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

// Load reads configuration from a YAML file and applies environment
// variable overrides. Keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load, but an empty path yields the default
// configuration with environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	// Server settings
	if host := os.Getenv("WEBCONTROL_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portEnv := os.Getenv("WEBCONTROL_PORT"); portEnv != "" {
		port, err := strconv.Atoi(portEnv)
		if err != nil {
			log.Printf("Warning: invalid WEBCONTROL_PORT value %q, using default %d: %v",
				portEnv, cfg.Server.Port, err)
		} else if port < 1 || port > 65535 {
			log.Printf("Warning: invalid WEBCONTROL_PORT value %q (out of range 1-65535), using default %d",
				portEnv, cfg.Server.Port)
		} else {
			cfg.Server.Port = port
		}
	}

	// Operations
	if timeoutEnv := os.Getenv("WEBCONTROL_OPERATION_TIMEOUT"); timeoutEnv != "" {
		timeout, err := time.ParseDuration(timeoutEnv)
		if err != nil {
			log.Printf("Warning: invalid WEBCONTROL_OPERATION_TIMEOUT value %q, using default %s: %v",
				timeoutEnv, cfg.Operations.Timeout, err)
		} else {
			cfg.Operations.Timeout = timeout
		}
	}

	// Endpoints
	if enrollURL := os.Getenv("WEBCONTROL_ENROLL_URL"); enrollURL != "" {
		cfg.Endpoints.Enroll.URL = enrollURL
	}
	if validateURL := os.Getenv("WEBCONTROL_VALIDATE_URL"); validateURL != "" {
		cfg.Endpoints.Validate.URL = validateURL
	}

	// Keystore
	if path := os.Getenv("WEBCONTROL_KEYSTORE_PATH"); path != "" {
		cfg.Keystore.Path = path
	}
	if passphrase := os.Getenv("WEBCONTROL_KEYSTORE_PASSPHRASE"); passphrase != "" {
		cfg.Keystore.Passphrase = passphrase
	}

	// Logging
	if level := os.Getenv("WEBCONTROL_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("WEBCONTROL_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	// Diagnostics
	if diagEnv := os.Getenv("WEBCONTROL_DIAGNOSTICS"); diagEnv != "" {
		enabled, err := strconv.ParseBool(diagEnv)
		if err != nil {
			log.Printf("Warning: invalid WEBCONTROL_DIAGNOSTICS value %q, using default %t: %v",
				diagEnv, cfg.Diagnostics.Enabled, err)
		} else {
			cfg.Diagnostics.Enabled = enabled
		}
	}
	if addr := os.Getenv("WEBCONTROL_DIAGNOSTICS_ADDR"); addr != "" {
		cfg.Diagnostics.Addr = addr
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server host must be specified")
	}
	if c.Server.Port != 0 && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.PortRangeStart < 1 || c.Server.PortRangeStart > 65535 {
		return fmt.Errorf("invalid port range start: %d", c.Server.PortRangeStart)
	}
	if c.Server.PortRangeEnd < 1 || c.Server.PortRangeEnd > 65535 {
		return fmt.Errorf("invalid port range end: %d", c.Server.PortRangeEnd)
	}
	if c.Server.PortRangeStart > c.Server.PortRangeEnd {
		return fmt.Errorf("port range start %d exceeds end %d",
			c.Server.PortRangeStart, c.Server.PortRangeEnd)
	}
	if c.Server.IdleTimeout < 0 {
		return fmt.Errorf("server idle_timeout must not be negative")
	}

	if c.Operations.Timeout <= 0 {
		return fmt.Errorf("operations timeout must be positive")
	}
	if c.Operations.NetworkAttempts < 1 {
		return fmt.Errorf("operations network_attempts must be at least 1")
	}

	if err := c.Endpoints.Enroll.validate("enroll"); err != nil {
		return err
	}
	if err := c.Endpoints.Validate.validate("validate"); err != nil {
		return err
	}

	if c.Keystore.Path != "" && c.Keystore.Passphrase == "" {
		return fmt.Errorf("keystore passphrase is required when a keystore path is set")
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, error, or fatal)", c.Logging.Level)
	}

	// Validate logging format
	validFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.RateLimit.Enabled && c.RateLimit.AttemptsPerMin < 1 {
		return fmt.Errorf("ratelimit attempts_per_min must be at least 1 when enabled")
	}

	if c.Diagnostics.Enabled && c.Diagnostics.Addr == "" {
		return fmt.Errorf("diagnostics addr is required when diagnostics is enabled")
	}

	return nil
}

// validate checks an endpoint for a usable URL when one is configured.
func (e EndpointConfig) validate(name string) error {
	if e.URL == "" {
		return nil
	}

	if err := validation.ValidateEndpointURL(e.URL); err != nil {
		return fmt.Errorf("invalid %s endpoint URL %q: %w", name, e.URL, err)
	}
	if e.Method != "" {
		if err := validation.ValidateHTTPMethod(e.Method); err != nil {
			return fmt.Errorf("invalid %s endpoint method: %w", name, err)
		}
	}
	for header, value := range e.Headers {
		if err := validation.ValidateHeader(header, value); err != nil {
			return fmt.Errorf("invalid %s endpoint header: %w", name, err)
		}
	}
	return nil
}

// PortCandidates returns the ports the control server should try, in
// order. A pinned port yields exactly one candidate.
func (c ServerConfig) PortCandidates() []int {
	if c.Port != 0 {
		return []int{c.Port}
	}

	ports := make([]int, 0, c.PortRangeEnd-c.PortRangeStart+1)
	for port := c.PortRangeStart; port <= c.PortRangeEnd; port++ {
		ports = append(ports, port)
	}
	return ports
}
