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

package bridge

import (
	"time"

	"github.com/jeremyhahn/go-webcontrol/pkg/biometric"
	"github.com/jeremyhahn/go-webcontrol/pkg/client"
)

// OperationType identifies what a log entry or status event refers to.
// OpStatus appears only in log entries, never as a tracked operation.
type OperationType string

const (
	OpEnroll   OperationType = "enroll"
	OpValidate OperationType = "validate"
	OpDelete   OperationType = "delete"
	OpStatus   OperationType = "status"
)

// LogStatus is the severity of a log entry.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
	LogInfo    LogStatus = "info"
)

// Phase is where an operation sits in its lifecycle. Every tracked
// operation moves started -> exactly one terminal phase.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseTimedOut  Phase = "timed-out"
	PhaseCancelled Phase = "cancelled"
)

// Terminal reports whether p ends an operation.
func (p Phase) Terminal() bool {
	return p != PhaseStarted
}

// LogEntry is one line of the operation log. The log is append-only;
// consumers display newest first and entries leave only via ClearLogs.
type LogEntry struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Operation OperationType `json:"operation"`
	Status    LogStatus     `json:"status"`
	Message   string        `json:"message"`
	Details   interface{}   `json:"details,omitempty"`
}

// OperationResult is the terminal outcome of one operation.
type OperationResult struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusEvent is published on every operation phase change.
type StatusEvent struct {
	OperationID string           `json:"operationId"`
	Operation   OperationType    `json:"operation"`
	Phase       Phase            `json:"phase"`
	Result      *OperationResult `json:"result,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// AppState is the shared application state the bridge owns. Field names
// are the browser-facing JSON contract.
type AppState struct {
	BiometricStatus  biometric.Availability `json:"biometricStatus"`
	KeysExist        bool                   `json:"keysExist"`
	IsLoading        bool                   `json:"isLoading"`
	Logs             []LogEntry             `json:"logs"`
	OperationStatus  *OperationResult       `json:"operationStatus"`
	EnrollEndpoint   client.Endpoint        `json:"enrollEndpoint"`
	ValidateEndpoint client.Endpoint        `json:"validateEndpoint"`
}

// clone returns a snapshot safe to hand to subscribers. Log entries and
// the current result are copied; Details/Data values are treated as
// immutable once published.
func (s *AppState) clone() AppState {
	out := *s
	out.Logs = make([]LogEntry, len(s.Logs))
	copy(out.Logs, s.Logs)
	if s.OperationStatus != nil {
		result := *s.OperationStatus
		out.OperationStatus = &result
	}
	return out
}

// EndpointKind selects which stored endpoint UpdateConfiguration replaces.
type EndpointKind string

const (
	EndpointEnroll   EndpointKind = "enroll"
	EndpointValidate EndpointKind = "validate"
)
