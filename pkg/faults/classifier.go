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

package faults

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"

	"github.com/jeremyhahn/go-webcontrol/pkg/adapters/logger"
)

// Listener receives every error the classifier produces. Listeners run
// synchronously on the classifying goroutine and must not block.
type Listener func(*Error)

// Classifier turns raw failures into classified errors, logs them, and
// fans them out to registered listeners.
type Classifier struct {
	mu        sync.RWMutex
	logger    logger.Logger
	listeners map[int]Listener
	nextID    int
}

// NewClassifier creates a classifier. A nil logger falls back to a
// default slog adapter.
func NewClassifier(log logger.Logger) *Classifier {
	if log == nil {
		log = logger.NewSlogAdapter(&logger.SlogConfig{
			Level: logger.LevelInfo,
		})
	}
	return &Classifier{
		logger:    log,
		listeners: make(map[int]Listener),
	}
}

// AddListener registers a listener and returns a function that removes
// it. The returned function is safe to call more than once.
func (c *Classifier) AddListener(l Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// ServerError classifies a failure from the control server lifecycle
// (binding, accepting, serving).
func (c *Classifier) ServerError(err error, ctx Context) *Error {
	var fault *Error
	switch {
	case isAddrInUse(err):
		fault = newError(CodeServerPortInUse, err,
			"The control server port is already in use. Stop the conflicting service or configure a different port range.",
			true, true, ctx)
	case isConnectionClosed(err):
		fault = newError(CodeServerSocket, err,
			"A control server socket failed. The affected connection was dropped.",
			true, false, ctx)
	default:
		fault = newError(CodeServerUnknown, err,
			"The control server hit an unexpected error.",
			true, false, ctx)
	}
	return c.emit(fault)
}

// NetworkError classifies a failure from an outbound backend request.
// When the context carries an HTTP status, the status wins over any
// error text.
func (c *Classifier) NetworkError(err error, ctx Context) *Error {
	var fault *Error
	switch {
	case ctx.StatusCode >= 400:
		fault = newError(NetworkServerErrorCode(ctx.StatusCode), err,
			"The backend responded with an error. Check the endpoint configuration.",
			true, ctx.StatusCode >= 500, ctx)
	case isTimeout(err):
		fault = newError(CodeNetworkTimeout, err,
			"The request timed out. Check the endpoint URL and your network connection.",
			true, true, ctx)
	case isConnRefused(err):
		fault = newError(CodeNetworkConnectionRefused, err,
			"Could not reach the backend. Verify the endpoint is online.",
			true, true, ctx)
	default:
		fault = newError(CodeNetworkRequestFailed, err,
			"The network request failed. Check the endpoint configuration and try again.",
			true, true, ctx)
	}
	return c.emit(fault)
}

// WebSocketError classifies a failure on a browser connection.
func (c *Classifier) WebSocketError(err error, ctx Context) *Error {
	var fault *Error
	switch {
	case isConnectionClosed(err):
		fault = newError(CodeWebSocketConnectionClosed, err,
			"The browser connection closed unexpectedly.",
			true, true, ctx)
	case isHandshake(err, ctx):
		fault = newError(CodeWebSocketHandshakeFailed, err,
			"The WebSocket handshake failed. Reload the page to reconnect.",
			true, true, ctx)
	case strings.Contains(strings.ToLower(errText(err)), "message"):
		fault = newError(CodeWebSocketMessageFailed, err,
			"A WebSocket message could not be delivered.",
			true, true, ctx)
	default:
		fault = newError(CodeWebSocketError, err,
			"A WebSocket error occurred.",
			true, false, ctx)
	}
	return c.emit(fault)
}

// ApplicationError classifies a failure from a device or key operation.
// Application errors are not recoverable by retrying blindly; the
// person at the device has to act.
func (c *Classifier) ApplicationError(err error, ctx Context) *Error {
	var fault *Error
	if ctx.Operation != "" || strings.Contains(strings.ToLower(errText(err)), "biometric") {
		fault = newError(CodeAppBiometric, err,
			"The biometric operation failed. Try again from the device.",
			false, false, ctx)
	} else {
		fault = newError(CodeAppOperationFailed, err,
			"The operation failed. See the device log for details.",
			false, false, ctx)
	}
	return c.emit(fault)
}

// emit logs the classified error and notifies listeners.
func (c *Classifier) emit(fault *Error) *Error {
	fields := []logger.Field{
		logger.String("code", string(fault.Code)),
		logger.Bool("recoverable", fault.Recoverable),
		logger.Bool("retryable", fault.Retryable),
	}
	if fault.Context.Port != 0 {
		fields = append(fields, logger.Int("port", fault.Context.Port))
	}
	if fault.Context.Endpoint != "" {
		fields = append(fields, logger.String("endpoint", fault.Context.Endpoint))
	}
	if fault.Context.StatusCode != 0 {
		fields = append(fields, logger.Int("status_code", fault.Context.StatusCode))
	}
	if fault.Context.ConnectionID != "" {
		fields = append(fields, logger.String("connection_id", fault.Context.ConnectionID))
	}
	if fault.Context.Operation != "" {
		fields = append(fields, logger.String("operation", fault.Context.Operation))
	}
	c.logger.Error(fault.Message, fields...)

	c.mu.RLock()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.RUnlock()

	for _, l := range listeners {
		l(fault)
	}
	return fault
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "timeout") || strings.Contains(text, "timed out")
}

func isConnRefused(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}

func isConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "connection closed") ||
		strings.Contains(text, "connection reset") ||
		strings.Contains(text, "broken pipe") ||
		strings.Contains(text, "use of closed network connection")
}

func isHandshake(err error, ctx Context) bool {
	if ctx.Detail == "handshake" {
		return true
	}
	return strings.Contains(strings.ToLower(errText(err)), "handshake")
}
