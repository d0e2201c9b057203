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

// Package client posts enrollment and validation payloads to the
// configured third-party backend over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeremyhahn/go-webcontrol/pkg/adapters/logger"
	"github.com/jeremyhahn/go-webcontrol/pkg/correlation"
	"github.com/jeremyhahn/go-webcontrol/pkg/faults"
	"github.com/jeremyhahn/go-webcontrol/pkg/retry"
)

// DefaultTimeout bounds a single backend request.
const DefaultTimeout = 30 * time.Second

// ErrNoEndpoint is returned when a call is attempted without a URL.
// Callers normally guard this and fall back to local-only results.
var ErrNoEndpoint = errors.New("endpoint URL is empty")

// Endpoint is a user-configured backend endpoint. CustomPayload only
// applies to validation and is consumed by the bridge, not the client.
type Endpoint struct {
	URL           string            `json:"url"`
	Method        string            `json:"method,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CustomPayload string            `json:"customPayload,omitempty"`
}

// BackendResponse is a successful backend exchange. Data holds the
// decoded JSON object when the backend returned one.
type BackendResponse struct {
	StatusCode int
	Body       []byte
	Data       map[string]interface{}
}

// Backend is the outbound API surface the bridge consumes.
type Backend interface {
	// EnrollPublicKey posts a freshly created public key.
	EnrollPublicKey(ctx context.Context, endpoint Endpoint, publicKey string) (*BackendResponse, error)

	// ValidateSignature posts a signature and the payload it covers.
	ValidateSignature(ctx context.Context, endpoint Endpoint, signature, payload string) (*BackendResponse, error)
}

// Params configures the REST backend client.
type Params struct {
	// Logger is optional; nil falls back to a default slog adapter.
	Logger logger.Logger

	// Classifier turns transport and status failures into structured
	// errors. Nil falls back to a classifier with the default logger.
	Classifier *faults.Classifier

	// Tracker, when set, is updated with backend reachability: any
	// completed HTTP exchange marks connected, transport failures mark
	// disconnected.
	Tracker *retry.ConnectionTracker

	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the transport, primarily for tests.
	HTTPClient *http.Client
}

// RESTBackend implements Backend over net/http.
type RESTBackend struct {
	httpClient *http.Client
	classifier *faults.Classifier
	tracker    *retry.ConnectionTracker
	logger     logger.Logger
	timeout    time.Duration
}

// NewRESTBackend creates a backend client.
func NewRESTBackend(p Params) *RESTBackend {
	log := p.Logger
	if log == nil {
		log = logger.NewSlogAdapter(&logger.SlogConfig{
			Level: logger.LevelInfo,
		})
	}
	classifier := p.Classifier
	if classifier == nil {
		classifier = faults.NewClassifier(log)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &RESTBackend{
		httpClient: httpClient,
		classifier: classifier,
		tracker:    p.Tracker,
		logger:     log.With(logger.String("component", "backend-client")),
		timeout:    timeout,
	}
}

// EnrollPublicKey implements Backend.
func (b *RESTBackend) EnrollPublicKey(ctx context.Context, endpoint Endpoint, publicKey string) (*BackendResponse, error) {
	body := map[string]interface{}{
		"publicKey": publicKey,
		"timestamp": time.Now().UnixMilli(),
	}
	return b.post(ctx, endpoint, body, "enroll")
}

// ValidateSignature implements Backend.
func (b *RESTBackend) ValidateSignature(ctx context.Context, endpoint Endpoint, signature, payload string) (*BackendResponse, error) {
	body := map[string]interface{}{
		"signature": signature,
		"payload":   payload,
		"timestamp": time.Now().UnixMilli(),
	}
	return b.post(ctx, endpoint, body, "validate")
}

func (b *RESTBackend) post(ctx context.Context, endpoint Endpoint, body interface{}, operation string) (*BackendResponse, error) {
	if strings.TrimSpace(endpoint.URL) == "" {
		return nil, ErrNoEndpoint
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	method := endpoint.Method
	if method == "" {
		method = http.MethodPost
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, endpoint.URL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	correlationID := correlation.GetOrGenerate(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(correlation.HeaderName, correlationID)
	for k, v := range endpoint.Headers {
		req.Header.Set(k, v)
	}

	b.logger.Debug("posting to backend",
		logger.String("operation", operation),
		logger.String("method", method),
		logger.String("endpoint", endpoint.URL),
		logger.String("correlation_id", correlationID))

	resp, err := b.httpClient.Do(req)
	if err != nil {
		fault := b.classifier.NetworkError(err, faults.Context{
			Endpoint:  endpoint.URL,
			Operation: operation,
		})
		if b.tracker != nil {
			b.tracker.MarkDisconnected(fault)
		}
		return nil, fault
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("failed to close response body", logger.Error(closeErr))
		}
	}()

	// The exchange completed, so the backend is reachable even when it
	// rejects the request.
	if b.tracker != nil {
		b.tracker.MarkConnected()
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, b.classifier.NetworkError(err, faults.Context{
			Endpoint:  endpoint.URL,
			Operation: operation,
		})
	}

	if resp.StatusCode >= 400 {
		return nil, b.classifier.NetworkError(
			fmt.Errorf("server returned status %d: %s", resp.StatusCode, summarize(respBody)),
			faults.Context{
				Endpoint:   endpoint.URL,
				StatusCode: resp.StatusCode,
				Operation:  operation,
			})
	}

	result := &BackendResponse{
		StatusCode: resp.StatusCode,
		Body:       respBody,
	}
	var decoded map[string]interface{}
	if json.Unmarshal(respBody, &decoded) == nil {
		result.Data = decoded
	}
	return result, nil
}

// summarize trims a response body for inclusion in error messages.
func summarize(body []byte) string {
	const max = 256
	text := strings.TrimSpace(string(body))
	if len(text) > max {
		return text[:max] + "..."
	}
	return text
}
