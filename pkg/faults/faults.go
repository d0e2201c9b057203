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

// Package faults converts raw failures from the control server, the
// outbound REST client, WebSocket connections, and device operations
// into structured errors with stable codes and operator-facing messages.
package faults

import (
	"fmt"
	"time"
)

// Code identifies a classified failure. Codes are stable wire values;
// browser clients and log pipelines match on them.
type Code string

// Server failure codes.
const (
	CodeServerPortInUse Code = "SERVER_PORT_IN_USE"
	CodeServerStart     Code = "SERVER_START_FAILED"
	CodeServerSocket    Code = "SERVER_SOCKET_ERROR"
	CodeServerUnknown   Code = "SERVER_UNKNOWN_ERROR"
)

// Network failure codes. Responses carrying an HTTP status use
// NetworkServerErrorCode instead of a fixed constant.
const (
	CodeNetworkTimeout           Code = "NETWORK_TIMEOUT"
	CodeNetworkConnectionRefused Code = "NETWORK_CONNECTION_REFUSED"
	CodeNetworkRequestFailed     Code = "NETWORK_REQUEST_FAILED"
)

// WebSocket failure codes.
const (
	CodeWebSocketConnectionClosed Code = "WEBSOCKET_CONNECTION_CLOSED"
	CodeWebSocketHandshakeFailed  Code = "WEBSOCKET_HANDSHAKE_FAILED"
	CodeWebSocketMessageFailed    Code = "WEBSOCKET_MESSAGE_FAILED"
	CodeWebSocketError            Code = "WEBSOCKET_ERROR"
)

// Application failure codes.
const (
	CodeAppBiometric       Code = "APP_BIOMETRIC_ERROR"
	CodeAppOperationFailed Code = "APP_OPERATION_FAILED"
	CodeAppUnknown         Code = "APP_UNKNOWN_ERROR"
)

// NetworkServerErrorCode builds the code for a backend response with the
// given HTTP status, e.g. NETWORK_SERVER_ERROR_503.
func NetworkServerErrorCode(status int) Code {
	return Code(fmt.Sprintf("NETWORK_SERVER_ERROR_%d", status))
}

// Context carries free-form situational detail attached at the
// classification site. Zero-valued fields are omitted from logs and
// serialized output.
type Context struct {
	Port         int    `json:"port,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	StatusCode   int    `json:"statusCode,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Operation    string `json:"operation,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// Error is a classified failure. Message preserves the raw failure text
// for logs; UserMessage is safe to surface to a person.
type Error struct {
	Code        Code      `json:"code"`
	Message     string    `json:"message"`
	UserMessage string    `json:"userMessage"`
	Recoverable bool      `json:"recoverable"`
	Retryable   bool      `json:"retryable"`
	Context     Context   `json:"context"`
	Timestamp   time.Time `json:"timestamp"`

	cause error
}

// Error returns the code-prefixed technical message.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the original failure, if one was captured.
func (e *Error) Unwrap() error {
	return e.cause
}

// newError builds a classified error around a raw failure. A nil cause
// produces a placeholder message so classification never fabricates a
// success.
func newError(code Code, cause error, userMessage string, recoverable, retryable bool, ctx Context) *Error {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	return &Error{
		Code:        code,
		Message:     message,
		UserMessage: userMessage,
		Recoverable: recoverable,
		Retryable:   retryable,
		Context:     ctx,
		Timestamp:   time.Now(),
		cause:       cause,
	}
}

// Response is the error shape sent to browser clients over HTTP or the
// WebSocket channel.
type Response struct {
	Success     bool   `json:"success"`
	Error       string `json:"error"`
	Code        Code   `json:"code"`
	RequestID   string `json:"requestId,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// ErrorResponse converts a classified error into its wire shape. The
// requestId is echoed when the failing request carried one.
func ErrorResponse(e *Error, requestID string) Response {
	if e == nil {
		return Response{
			Success:   false,
			Error:     "Unknown error occurred",
			Code:      CodeAppUnknown,
			RequestID: requestID,
		}
	}
	return Response{
		Success:     false,
		Error:       e.UserMessage,
		Code:        e.Code,
		RequestID:   requestID,
		Recoverable: e.Recoverable,
	}
}
