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
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoad_Success tests successful loading of a valid config file
func TestLoad_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  host: "localhost"
  port: 8085
  port_range_start: 8080
  port_range_end: 8090
  idle_timeout: 90s

operations:
  timeout: 45s
  network_attempts: 3
  prompts:
    enroll: "Confirm key creation"
    validate: "Confirm signing"
    cancel_button_text: "Dismiss"

endpoints:
  enroll:
    url: "https://api.example.com/enroll"
    method: "PUT"
    headers:
      X-Api-Key: "secret"
  validate:
    url: "https://api.example.com/validate"
    custom_payload: "challenge-1"

keystore:
  path: "/data/webcontrol/keystore"
  passphrase: "hunter2"
  biometry_type: "fingerprint"

logging:
  level: "debug"
  format: "json"

ratelimit:
  enabled: true
  attempts_per_min: 12
  burst: 4

diagnostics:
  enabled: true
  addr: "localhost:9090"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}

	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}

	// Validate server config
	if cfg.Server.Host != "localhost" {
		t.Errorf("Server.Host = %v, want localhost", cfg.Server.Host)
	}
	if cfg.Server.Port != 8085 {
		t.Errorf("Server.Port = %v, want 8085", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 90*time.Second {
		t.Errorf("Server.IdleTimeout = %v, want 90s", cfg.Server.IdleTimeout)
	}

	// Validate operations
	if cfg.Operations.Timeout != 45*time.Second {
		t.Errorf("Operations.Timeout = %v, want 45s", cfg.Operations.Timeout)
	}
	if cfg.Operations.NetworkAttempts != 3 {
		t.Errorf("Operations.NetworkAttempts = %v, want 3", cfg.Operations.NetworkAttempts)
	}
	if cfg.Operations.Prompts.Enroll != "Confirm key creation" {
		t.Errorf("Prompts.Enroll = %v, want Confirm key creation", cfg.Operations.Prompts.Enroll)
	}
	if cfg.Operations.Prompts.CancelButtonText != "Dismiss" {
		t.Errorf("Prompts.CancelButtonText = %v, want Dismiss", cfg.Operations.Prompts.CancelButtonText)
	}

	// Validate endpoints
	if cfg.Endpoints.Enroll.URL != "https://api.example.com/enroll" {
		t.Errorf("Endpoints.Enroll.URL = %v", cfg.Endpoints.Enroll.URL)
	}
	if cfg.Endpoints.Enroll.Method != "PUT" {
		t.Errorf("Endpoints.Enroll.Method = %v, want PUT", cfg.Endpoints.Enroll.Method)
	}
	if cfg.Endpoints.Enroll.Headers["X-Api-Key"] != "secret" {
		t.Errorf("Endpoints.Enroll.Headers = %v", cfg.Endpoints.Enroll.Headers)
	}
	if cfg.Endpoints.Validate.CustomPayload != "challenge-1" {
		t.Errorf("Endpoints.Validate.CustomPayload = %v", cfg.Endpoints.Validate.CustomPayload)
	}

	// Validate keystore
	if cfg.Keystore.Path != "/data/webcontrol/keystore" {
		t.Errorf("Keystore.Path = %v", cfg.Keystore.Path)
	}
	if cfg.Keystore.BiometryType != "fingerprint" {
		t.Errorf("Keystore.BiometryType = %v, want fingerprint", cfg.Keystore.BiometryType)
	}

	// Validate logging
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %v, want json", cfg.Logging.Format)
	}

	// Validate rate limiting
	if !cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = false, want true")
	}
	if cfg.RateLimit.AttemptsPerMin != 12 {
		t.Errorf("RateLimit.AttemptsPerMin = %v, want 12", cfg.RateLimit.AttemptsPerMin)
	}

	// Validate diagnostics
	if !cfg.Diagnostics.Enabled {
		t.Error("Diagnostics.Enabled = false, want true")
	}
	if cfg.Diagnostics.Addr != "localhost:9090" {
		t.Errorf("Diagnostics.Addr = %v, want localhost:9090", cfg.Diagnostics.Addr)
	}
}

// TestLoad_PartialFileKeepsDefaults tests that keys absent from the file
// keep their default values
func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "warn"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}

	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %v, want warn", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %v, want default text", cfg.Logging.Format)
	}
	if cfg.Server.PortRangeStart != 8080 || cfg.Server.PortRangeEnd != 8090 {
		t.Errorf("Port range = %d-%d, want default 8080-8090",
			cfg.Server.PortRangeStart, cfg.Server.PortRangeEnd)
	}
	if cfg.Operations.Timeout != 60*time.Second {
		t.Errorf("Operations.Timeout = %v, want default 60s", cfg.Operations.Timeout)
	}
	if cfg.Operations.NetworkAttempts != 2 {
		t.Errorf("Operations.NetworkAttempts = %v, want default 2", cfg.Operations.NetworkAttempts)
	}
	if cfg.Diagnostics.Enabled {
		t.Error("Diagnostics.Enabled = true, want default false")
	}
}

// TestLoad_FileNotFound tests loading a nonexistent config file
func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() error = nil, want error for missing file")
	}
}

// TestLoad_InvalidYAML tests loading a malformed config file
func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("server: [not: valid"), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() error = nil, want parse error")
	}
}

// TestLoad_ValidationFailure tests that invalid settings are rejected
func TestLoad_ValidationFailure(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port_range_start: 9000
  port_range_end: 8000
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() error = nil, want validation error")
	}
}

// TestLoadOrDefault_EmptyPath tests the default configuration path
func TestLoadOrDefault_EmptyPath(t *testing.T) {
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v, want nil", err)
	}

	if cfg.Server.Host != "localhost" {
		t.Errorf("Server.Host = %v, want localhost", cfg.Server.Host)
	}
	if cfg.Server.Port != 0 {
		t.Errorf("Server.Port = %v, want 0 (probe)", cfg.Server.Port)
	}
	if !cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = false, want true by default")
	}
}

// TestApplyEnvOverrides_ServerSettings tests server environment overrides
func TestApplyEnvOverrides_ServerSettings(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		initial  ServerConfig
		expected ServerConfig
	}{
		{
			name: "override host",
			env: map[string]string{
				"WEBCONTROL_HOST": "0.0.0.0",
			},
			initial:  ServerConfig{Host: "localhost"},
			expected: ServerConfig{Host: "0.0.0.0"},
		},
		{
			name: "override port",
			env: map[string]string{
				"WEBCONTROL_PORT": "8085",
			},
			initial:  ServerConfig{Host: "localhost"},
			expected: ServerConfig{Host: "localhost", Port: 8085},
		},
		{
			name: "invalid port - not a number",
			env: map[string]string{
				"WEBCONTROL_PORT": "invalid",
			},
			initial:  ServerConfig{Host: "localhost", Port: 8081},
			expected: ServerConfig{Host: "localhost", Port: 8081},
		},
		{
			name: "invalid port - out of range",
			env: map[string]string{
				"WEBCONTROL_PORT": "70000",
			},
			initial:  ServerConfig{Host: "localhost", Port: 8081},
			expected: ServerConfig{Host: "localhost", Port: 8081},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.env {
				os.Setenv(key, value)
				defer os.Unsetenv(key)
			}

			cfg := Config{Server: tt.initial}
			applyEnvOverrides(&cfg)

			if cfg.Server.Host != tt.expected.Host {
				t.Errorf("Server.Host = %v, want %v", cfg.Server.Host, tt.expected.Host)
			}
			if cfg.Server.Port != tt.expected.Port {
				t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, tt.expected.Port)
			}
		})
	}
}

// TestApplyEnvOverrides_Logging tests logging environment overrides
func TestApplyEnvOverrides_Logging(t *testing.T) {
	os.Setenv("WEBCONTROL_LOG_LEVEL", "debug")
	os.Setenv("WEBCONTROL_LOG_FORMAT", "json")
	defer os.Unsetenv("WEBCONTROL_LOG_LEVEL")
	defer os.Unsetenv("WEBCONTROL_LOG_FORMAT")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %v, want json", cfg.Logging.Format)
	}
}

// TestApplyEnvOverrides_Endpoints tests endpoint URL overrides
func TestApplyEnvOverrides_Endpoints(t *testing.T) {
	os.Setenv("WEBCONTROL_ENROLL_URL", "https://env.example.com/enroll")
	os.Setenv("WEBCONTROL_VALIDATE_URL", "https://env.example.com/validate")
	defer os.Unsetenv("WEBCONTROL_ENROLL_URL")
	defer os.Unsetenv("WEBCONTROL_VALIDATE_URL")

	cfg := DefaultConfig()
	cfg.Endpoints.Enroll.URL = "https://file.example.com/enroll"
	applyEnvOverrides(cfg)

	if cfg.Endpoints.Enroll.URL != "https://env.example.com/enroll" {
		t.Errorf("Enroll.URL = %v, want env override to win", cfg.Endpoints.Enroll.URL)
	}
	if cfg.Endpoints.Validate.URL != "https://env.example.com/validate" {
		t.Errorf("Validate.URL = %v", cfg.Endpoints.Validate.URL)
	}
}

// TestApplyEnvOverrides_Keystore tests keystore environment overrides
func TestApplyEnvOverrides_Keystore(t *testing.T) {
	os.Setenv("WEBCONTROL_KEYSTORE_PATH", "/tmp/test-keystore")
	os.Setenv("WEBCONTROL_KEYSTORE_PASSPHRASE", "env-secret")
	defer os.Unsetenv("WEBCONTROL_KEYSTORE_PATH")
	defer os.Unsetenv("WEBCONTROL_KEYSTORE_PASSPHRASE")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Keystore.Path != "/tmp/test-keystore" {
		t.Errorf("Keystore.Path = %v", cfg.Keystore.Path)
	}
	if cfg.Keystore.Passphrase != "env-secret" {
		t.Errorf("Keystore.Passphrase = %v", cfg.Keystore.Passphrase)
	}
}

// TestApplyEnvOverrides_OperationTimeout tests duration parsing
func TestApplyEnvOverrides_OperationTimeout(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected time.Duration
	}{
		{
			name:     "valid duration",
			value:    "30s",
			expected: 30 * time.Second,
		},
		{
			name:     "invalid duration keeps default",
			value:    "not-a-duration",
			expected: 60 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv("WEBCONTROL_OPERATION_TIMEOUT", tt.value)
			defer os.Unsetenv("WEBCONTROL_OPERATION_TIMEOUT")

			cfg := DefaultConfig()
			applyEnvOverrides(cfg)

			if cfg.Operations.Timeout != tt.expected {
				t.Errorf("Operations.Timeout = %v, want %v", cfg.Operations.Timeout, tt.expected)
			}
		})
	}
}

// TestApplyEnvOverrides_Diagnostics tests diagnostics overrides
func TestApplyEnvOverrides_Diagnostics(t *testing.T) {
	tests := []struct {
		name            string
		env             map[string]string
		expectedEnabled bool
		expectedAddr    string
	}{
		{
			name: "enable via env",
			env: map[string]string{
				"WEBCONTROL_DIAGNOSTICS": "true",
			},
			expectedEnabled: true,
			expectedAddr:    ":9090",
		},
		{
			name: "invalid bool keeps default",
			env: map[string]string{
				"WEBCONTROL_DIAGNOSTICS": "maybe",
			},
			expectedEnabled: false,
			expectedAddr:    ":9090",
		},
		{
			name: "override addr",
			env: map[string]string{
				"WEBCONTROL_DIAGNOSTICS_ADDR": "127.0.0.1:9999",
			},
			expectedEnabled: false,
			expectedAddr:    "127.0.0.1:9999",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.env {
				os.Setenv(key, value)
				defer os.Unsetenv(key)
			}

			cfg := DefaultConfig()
			applyEnvOverrides(cfg)

			if cfg.Diagnostics.Enabled != tt.expectedEnabled {
				t.Errorf("Diagnostics.Enabled = %v, want %v", cfg.Diagnostics.Enabled, tt.expectedEnabled)
			}
			if cfg.Diagnostics.Addr != tt.expectedAddr {
				t.Errorf("Diagnostics.Addr = %v, want %v", cfg.Diagnostics.Addr, tt.expectedAddr)
			}
		})
	}
}

// TestValidate_ServerPorts tests port validation
func TestValidate_ServerPorts(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "pinned port valid",
			mutate:  func(c *Config) { c.Server.Port = 8085 },
			wantErr: false,
		},
		{
			name:    "pinned port outside probe range still valid",
			mutate:  func(c *Config) { c.Server.Port = 3000 },
			wantErr: false,
		},
		{
			name:    "negative port",
			mutate:  func(c *Config) { c.Server.Port = -1 },
			wantErr: true,
		},
		{
			name:    "port too large",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "range start after end",
			mutate:  func(c *Config) { c.Server.PortRangeStart = 9000; c.Server.PortRangeEnd = 8000 },
			wantErr: true,
		},
		{
			name:    "range start zero",
			mutate:  func(c *Config) { c.Server.PortRangeStart = 0 },
			wantErr: true,
		},
		{
			name:    "empty host",
			mutate:  func(c *Config) { c.Server.Host = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestValidate_Operations tests operation setting validation
func TestValidate_Operations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Operations.Timeout = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted zero operation timeout")
	}

	cfg = DefaultConfig()
	cfg.Operations.NetworkAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted zero network attempts")
	}
}

// TestValidate_Endpoints tests endpoint URL validation
func TestValidate_Endpoints(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{
			name:    "empty URL is fine",
			url:     "",
			wantErr: false,
		},
		{
			name:    "https URL",
			url:     "https://api.example.com/enroll",
			wantErr: false,
		},
		{
			name:    "http URL",
			url:     "http://localhost:3000/enroll",
			wantErr: false,
		},
		{
			name:    "missing scheme",
			url:     "api.example.com/enroll",
			wantErr: true,
		},
		{
			name:    "unsupported scheme",
			url:     "ftp://api.example.com/enroll",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Endpoints.Enroll.URL = tt.url

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestValidate_EndpointMethodAndHeaders tests method and header validation
func TestValidate_EndpointMethodAndHeaders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoints.Validate.URL = "https://api.example.com/validate"
	cfg.Endpoints.Validate.Method = "FETCH"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted unsupported endpoint method")
	}

	cfg.Endpoints.Validate.Method = "PUT"
	cfg.Endpoints.Validate.Headers = map[string]string{"X-Key": "v\r\nX-Evil: 1"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted header value with CRLF")
	}

	cfg.Endpoints.Validate.Headers = map[string]string{"X-Key": "v"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil for valid endpoint", err)
	}
}

// TestValidate_Keystore tests keystore validation
func TestValidate_Keystore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Keystore.Path = "/data/keystore"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted keystore path without passphrase")
	}

	cfg.Keystore.Passphrase = "secret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil with passphrase set", err)
	}
}

// TestValidate_Logging tests logging validation
func TestValidate_Logging(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"valid info text", "info", "text", false},
		{"valid debug json", "debug", "json", false},
		{"case insensitive", "INFO", "JSON", false},
		{"invalid level", "verbose", "text", true},
		{"invalid format", "info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Logging.Level = tt.level
			cfg.Logging.Format = tt.format

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestValidate_RateLimit tests rate limit validation
func TestValidate_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.AttemptsPerMin = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted enabled ratelimit with zero budget")
	}

	cfg.RateLimit.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil when ratelimit disabled", err)
	}
}

// TestValidate_Diagnostics tests diagnostics validation
func TestValidate_Diagnostics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Diagnostics.Enabled = true
	cfg.Diagnostics.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted enabled diagnostics without addr")
	}
}

// TestPortCandidates tests port candidate expansion
func TestPortCandidates(t *testing.T) {
	server := ServerConfig{PortRangeStart: 8080, PortRangeEnd: 8090}
	ports := server.PortCandidates()

	if len(ports) != 11 {
		t.Fatalf("PortCandidates() returned %d ports, want 11", len(ports))
	}
	if ports[0] != 8080 || ports[10] != 8090 {
		t.Errorf("PortCandidates() = %v, want 8080..8090", ports)
	}

	pinned := ServerConfig{Port: 3000, PortRangeStart: 8080, PortRangeEnd: 8090}
	ports = pinned.PortCandidates()
	if len(ports) != 1 || ports[0] != 3000 {
		t.Errorf("PortCandidates() = %v, want [3000]", ports)
	}
}

// TestLoad_WithEnvOverrides tests that environment variables beat file values
func TestLoad_WithEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8081
logging:
  level: "info"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	os.Setenv("WEBCONTROL_PORT", "8088")
	os.Setenv("WEBCONTROL_LOG_LEVEL", "error")
	defer os.Unsetenv("WEBCONTROL_PORT")
	defer os.Unsetenv("WEBCONTROL_LOG_LEVEL")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}

	if cfg.Server.Port != 8088 {
		t.Errorf("Server.Port = %v, want env override 8088", cfg.Server.Port)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %v, want env override error", cfg.Logging.Level)
	}
}
