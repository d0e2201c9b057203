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

// Package correlation propagates operation ids to the backend. The
// bridge stamps each tracked operation's id into its context and the
// backend client forwards it as an HTTP header, so backend logs line up
// with the operation log shown in the browser.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const correlationIDKey contextKey = "correlation-id"

// HeaderName is the HTTP header carrying the correlation id on
// outbound backend requests.
const HeaderName = "X-Correlation-ID"

// WithID returns a context carrying the given correlation id.
func WithID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// ID retrieves the correlation id from context.
// Returns an empty string if no correlation id is found.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// NewID generates a new UUID v4 correlation id.
func NewID() string {
	return uuid.New().String()
}

// GetOrGenerate retrieves an existing correlation id from context or
// generates a new one if none exists. Requests made outside a tracked
// operation still get a usable id this way.
func GetOrGenerate(ctx context.Context) string {
	if id := ID(ctx); id != "" {
		return id
	}
	return NewID()
}
