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

// Package metrics provides Prometheus instrumentation for the control
// plane: operation outcomes, control-socket request counts, broadcast
// fan-out, auth failures, backend round trips, and error taxonomy
// codes. Metrics are served by the optional diagnostics listener, never
// by the control socket itself.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all webcontrol metrics.
	Namespace = "webcontrol"

	// Label names
	LabelOperation  = "operation"
	LabelStatus     = "status"
	LabelMethod     = "method"
	LabelStatusCode = "status_code"
	LabelType       = "type"
	LabelReason     = "reason"
	LabelCode       = "code"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
	StatusCancel  = "cancelled"

	// Auth failure reasons
	ReasonMissingHeader = "missing_header"
	ReasonBadFormat     = "bad_format"
	ReasonBadCreds      = "bad_credentials"
	ReasonThrottled     = "throttled"

	// Connection drop reasons
	ReasonWriteFailed   = "write_failed"
	ReasonReadFailed    = "read_failed"
	ReasonPeerClosed    = "peer_closed"
	ReasonProtocolError = "protocol_error"
	ReasonShutdown      = "shutdown"
)

var (
	// OperationsTotal counts bridge operations by type and outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of bridge operations by type and outcome",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// OperationDuration tracks how long bridge operations take. Buckets
	// cover everything from a local key delete to a person responding
	// to a biometric prompt.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of bridge operations in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{LabelOperation},
	)

	// HTTPRequestsTotal counts requests served by the control socket,
	// by method and response status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of control socket HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	// AuthFailuresTotal counts rejected control socket requests by
	// rejection reason.
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of rejected control socket requests by reason",
		},
		[]string{LabelReason},
	)

	// ActiveConnections tracks the number of WebSocket connections
	// currently registered with the hub.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_connections",
			Help:      "Number of WebSocket connections currently registered",
		},
	)

	// ConnectionsTotal counts WebSocket connections accepted since start.
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_total",
			Help:      "Total number of WebSocket connections accepted",
		},
	)

	// ConnectionDropsTotal counts connections removed from the registry
	// by reason.
	ConnectionDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connection_drops_total",
			Help:      "Total number of WebSocket connections dropped by reason",
		},
		[]string{LabelReason},
	)

	// BroadcastsTotal counts hub broadcasts by envelope type.
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "broadcasts_total",
			Help:      "Total number of hub broadcasts by envelope type",
		},
		[]string{LabelType},
	)

	// BackendRequestsTotal counts outbound backend calls by operation
	// and outcome.
	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Total number of outbound backend requests by operation and outcome",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// BackendRequestDuration tracks outbound backend round-trip time.
	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound backend requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelOperation},
	)

	// FaultsTotal counts classified errors by taxonomy code.
	FaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "faults_total",
			Help:      "Total number of classified errors by taxonomy code",
		},
		[]string{LabelCode},
	)

	// Goroutines tracks the current number of goroutines. Updated by
	// the resource collector.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes tracks the current bytes of allocated heap
	// objects. Updated by the resource collector.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	// MemorySysBytes tracks the total bytes of memory obtained from the
	// OS. Updated by the resource collector.
	MemorySysBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_sys_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	// GCPauseTotalSeconds tracks cumulative GC stop-the-world pause
	// time. Updated by the resource collector.
	GCPauseTotalSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "gc_pause_total_seconds",
			Help:      "Cumulative time spent in GC stop-the-world pauses",
		},
	)

	// ServerUptime tracks seconds since the control server started.
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordOperation records a completed bridge operation.
//
// Example:
//
//	start := time.Now()
//	result := bridge.ExecuteEnrollment(ctx, nil)
//	status := metrics.StatusSuccess
//	if !result.Success {
//	    status = metrics.StatusError
//	}
//	metrics.RecordOperation("enroll", status, time.Since(start))
func RecordOperation(operation, status string, duration time.Duration) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, status).Inc()
	OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPRequest records one request served by the control socket.
func RecordHTTPRequest(method, statusCode string) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
}

// RecordAuthFailure records a rejected request. Use the Reason*
// constants.
func RecordAuthFailure(reason string) {
	if !enabled.Load() {
		return
	}
	AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// ConnectionOpened records a connection entering the registry.
func ConnectionOpened() {
	if !enabled.Load() {
		return
	}
	ConnectionsTotal.Inc()
	ActiveConnections.Inc()
}

// ConnectionClosed records a connection leaving the registry.
func ConnectionClosed(reason string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.Dec()
	ConnectionDropsTotal.WithLabelValues(reason).Inc()
}

// RecordBroadcast records one hub broadcast of the given envelope type.
func RecordBroadcast(envelopeType string) {
	if !enabled.Load() {
		return
	}
	BroadcastsTotal.WithLabelValues(envelopeType).Inc()
}

// RecordBackendRequest records an outbound backend round trip.
func RecordBackendRequest(operation, status string, duration time.Duration) {
	if !enabled.Load() {
		return
	}
	BackendRequestsTotal.WithLabelValues(operation, status).Inc()
	BackendRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordFault records a classified error by its taxonomy code.
func RecordFault(code string) {
	if !enabled.Load() {
		return
	}
	FaultsTotal.WithLabelValues(code).Inc()
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
