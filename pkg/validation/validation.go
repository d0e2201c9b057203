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

// Package validation provides centralized validation for operator-supplied
// endpoint configuration. The configuration loader and the operation
// bridge both enforce these checks, so a bad endpoint is rejected where
// it enters instead of failing mid-operation.
package validation

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// allowedMethods are the HTTP methods accepted for backend endpoints.
var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// ValidateEndpointURL validates a backend endpoint URL.
// Rejects empty strings, null bytes, control characters, non-HTTP
// schemes, and URLs without a host.
func ValidateEndpointURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("endpoint URL cannot be empty")
	}

	if strings.Contains(raw, "\x00") {
		return fmt.Errorf("endpoint URL contains null byte")
	}

	// Check length before parsing (prevent pathological inputs)
	if len(raw) > 2048 {
		return fmt.Errorf("endpoint URL too long (max 2048 characters)")
	}

	for _, r := range raw {
		if r < 32 || r == 127 {
			return fmt.Errorf("endpoint URL contains control characters")
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("endpoint URL is not a valid URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("endpoint URL scheme must be http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("endpoint URL has no host")
	}

	return nil
}

// ValidateHTTPMethod validates an HTTP method for a backend endpoint.
// Methods are compared case-insensitively against the standard set.
func ValidateHTTPMethod(method string) error {
	if method == "" {
		return fmt.Errorf("HTTP method cannot be empty")
	}

	if !allowedMethods[strings.ToUpper(method)] {
		return fmt.Errorf("unsupported HTTP method %q", method)
	}

	return nil
}

// ValidateHeader validates a single endpoint header name and value.
// Header injection through configured endpoints is rejected here rather
// than at request time.
func ValidateHeader(name, value string) error {
	if name == "" {
		return fmt.Errorf("header name cannot be empty")
	}

	for _, r := range name {
		if r < 33 || r == 127 || r == ':' {
			return fmt.Errorf("header name %q contains invalid characters", SanitizeForLog(name))
		}
	}

	for _, r := range value {
		if (r < 32 && r != '\t') || r == 127 {
			return fmt.Errorf("header %q value contains control characters", SanitizeForLog(name))
		}
	}

	return nil
}

// SanitizeForLog sanitizes a string for safe logging (prevents log injection).
func SanitizeForLog(s string) string {
	// Remove control characters and null bytes
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)

	// Limit length to prevent log flooding
	if len(s) > 1000 {
		s = s[:1000] + "...[truncated]"
	}

	return s
}
