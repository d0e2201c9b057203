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

// Package bridge turns imperative enrollment, validation, and key
// management calls into a subscribable event stream. It owns the shared
// application state, assigns every tracked operation an id and a
// timeout, and publishes status, log, and state events that the
// broadcast hub relays to connected browsers.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/go-webcontrol/pkg/adapters/logger"
	"github.com/jeremyhahn/go-webcontrol/pkg/biometric"
	"github.com/jeremyhahn/go-webcontrol/pkg/client"
	"github.com/jeremyhahn/go-webcontrol/pkg/correlation"
	"github.com/jeremyhahn/go-webcontrol/pkg/faults"
	"github.com/jeremyhahn/go-webcontrol/pkg/retry"
	"github.com/jeremyhahn/go-webcontrol/pkg/validation"
)

const (
	// DefaultOperationTimeout forces an unsettled operation to a failed
	// result after this long.
	DefaultOperationTimeout = 60 * time.Second

	// DefaultNetworkAttempts is the total number of times a backend
	// call is attempted before its failure is reported.
	DefaultNetworkAttempts = 2
)

// unknownErrorMessage is the fixed fallback when no failure detail is
// available.
const unknownErrorMessage = "Unknown error occurred"

// ErrUnknownEndpointKind is returned by UpdateConfiguration for a kind
// other than enroll or validate.
var ErrUnknownEndpointKind = errors.New("unknown endpoint kind")

// Prompts is the device-UI text shown during biometric interactions.
type Prompts struct {
	Enroll           string
	Validate         string
	CancelButtonText string
}

func (p *Prompts) setDefaults() {
	if p.Enroll == "" {
		p.Enroll = "Authenticate to create your biometric key"
	}
	if p.Validate == "" {
		p.Validate = "Authenticate to sign the validation payload"
	}
	if p.CancelButtonText == "" {
		p.CancelButtonText = "Cancel"
	}
}

// Params configures a Bridge.
type Params struct {
	// Logger is optional; nil falls back to a default slog adapter.
	Logger logger.Logger

	// Device is the biometric collaborator. Required.
	Device biometric.Device

	// Backend posts enrollment/validation payloads. Nil falls back to a
	// default REST client.
	Backend client.Backend

	// Classifier reports structured errors to its listeners. Nil falls
	// back to a classifier with the bridge logger.
	Classifier *faults.Classifier

	// OperationTimeout bounds each tracked operation. Zero means
	// DefaultOperationTimeout.
	OperationTimeout time.Duration

	// NetworkAttempts is the total backend attempts per call. Zero
	// means DefaultNetworkAttempts.
	NetworkAttempts int

	// EnrollEndpoint and ValidateEndpoint seed the stored configuration.
	EnrollEndpoint   client.Endpoint
	ValidateEndpoint client.Endpoint

	// Prompts overrides the device-UI text. Empty fields get defaults.
	Prompts Prompts
}

// operation is one tracked in-flight operation. result is written once,
// under the bridge mutex, by whichever settling path wins.
type operation struct {
	id     string
	kind   OperationType
	timer  *time.Timer
	result *OperationResult
}

// Bridge owns AppState and executes operations. All state mutations are
// serialized through one mutex; events are published outside it, so a
// subscriber may safely call back into the bridge.
type Bridge struct {
	mu        sync.Mutex
	state     AppState
	currentOp string
	inflight  map[string]*operation
	closed    bool

	device     biometric.Device
	backend    client.Backend
	classifier *faults.Classifier
	logger     logger.Logger

	timeout  time.Duration
	attempts int
	prompts  Prompts

	statusFeed *feed[StatusEvent]
	logFeed    *feed[LogEntry]
	stateFeed  *feed[AppState]
}

// New creates a Bridge. Params.Device must be set.
func New(p Params) (*Bridge, error) {
	if p.Device == nil {
		return nil, errors.New("bridge: device is required")
	}

	log := p.Logger
	if log == nil {
		log = logger.NewSlogAdapter(&logger.SlogConfig{
			Level: logger.LevelInfo,
		})
	}
	log = log.With(logger.String("component", "bridge"))

	classifier := p.Classifier
	if classifier == nil {
		classifier = faults.NewClassifier(log)
	}

	backend := p.Backend
	if backend == nil {
		backend = client.NewRESTBackend(client.Params{
			Logger:     log,
			Classifier: classifier,
		})
	}

	timeout := p.OperationTimeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	attempts := p.NetworkAttempts
	if attempts <= 0 {
		attempts = DefaultNetworkAttempts
	}

	prompts := p.Prompts
	prompts.setDefaults()

	return &Bridge{
		state: AppState{
			Logs:             []LogEntry{},
			EnrollEndpoint:   p.EnrollEndpoint,
			ValidateEndpoint: p.ValidateEndpoint,
		},
		inflight:   make(map[string]*operation),
		device:     p.Device,
		backend:    backend,
		classifier: classifier,
		logger:     log,
		timeout:    timeout,
		attempts:   attempts,
		prompts:    prompts,
		statusFeed: newFeed[StatusEvent](log),
		logFeed:    newFeed[LogEntry](log),
		stateFeed:  newFeed[AppState](log),
	}, nil
}

// OnOperationStatus subscribes to operation phase changes. The returned
// function unsubscribes and may be called more than once.
func (b *Bridge) OnOperationStatus(fn func(StatusEvent)) func() {
	return b.statusFeed.subscribe(fn)
}

// OnLogUpdate subscribes to new log entries.
func (b *Bridge) OnLogUpdate(fn func(LogEntry)) func() {
	return b.logFeed.subscribe(fn)
}

// OnStateChange subscribes to AppState snapshots taken after each
// mutation.
func (b *Bridge) OnStateChange(fn func(AppState)) func() {
	return b.stateFeed.subscribe(fn)
}

// State returns a snapshot of the current application state.
func (b *Bridge) State() AppState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.clone()
}

// CurrentOperationID returns the id in the cancellation slot, or "".
func (b *Bridge) CurrentOperationID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentOp
}

// Close stops all in-flight timers and tears down subscriber dispatch.
// In-flight operations settle as no-ops afterwards.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, op := range b.inflight {
		op.timer.Stop()
		delete(b.inflight, id)
	}
	b.currentOp = ""
	b.state.IsLoading = false
	b.mu.Unlock()

	b.statusFeed.close()
	b.logFeed.close()
	b.stateFeed.close()
}

// RefreshStatus queries the device for availability and enrolled keys,
// stores both in AppState, and appends a status log entry. The returned
// values reflect what was stored.
func (b *Bridge) RefreshStatus(ctx context.Context) (biometric.Availability, bool, error) {
	avail, err := b.device.CheckAvailability(ctx)
	if err != nil {
		avail = biometric.Availability{Available: false, Reason: getErrorMessage(err)}
	}
	exists, keysErr := b.device.KeysExist(ctx)

	b.mu.Lock()
	b.state.BiometricStatus = avail
	if keysErr == nil {
		b.state.KeysExist = exists
	} else {
		exists = b.state.KeysExist
	}
	entry := b.appendLogLocked(OpStatus, LogInfo, "Biometric status refreshed", map[string]interface{}{
		"available": avail.Available,
		"keysExist": exists,
	})
	snap := b.state.clone()
	b.mu.Unlock()

	b.logFeed.publish(entry)
	b.stateFeed.publish(snap)

	if err != nil {
		return avail, exists, err
	}
	return avail, exists, keysErr
}

// ExecuteEnrollment creates a biometric keypair and, when an endpoint
// URL is configured, posts the public key to the backend. A nil cfg
// uses the stored enroll endpoint. The returned result is also recorded
// as AppState.OperationStatus unless the operation was already timed
// out or cancelled.
func (b *Bridge) ExecuteEnrollment(ctx context.Context, cfg *client.Endpoint) *OperationResult {
	endpoint := b.effectiveEndpoint(EndpointEnroll, cfg)

	avail, err := b.device.CheckAvailability(ctx)
	if err != nil {
		avail = biometric.Availability{Available: false, Reason: getErrorMessage(err)}
	}
	b.mu.Lock()
	b.state.BiometricStatus = avail
	b.mu.Unlock()

	if !avail.Available {
		reason := avail.Reason
		if reason == "" {
			reason = unknownErrorMessage
		}
		return b.failFast(OpEnroll, fmt.Sprintf("Biometric sensors not available: %s", reason))
	}

	op := b.begin(OpEnroll, "Starting enrollment")
	ctx = correlation.WithID(ctx, op.id)

	keys, err := b.device.CreateKeys(ctx, b.prompts.Enroll)
	if err != nil {
		b.classifier.ApplicationError(err, faults.Context{Operation: string(OpEnroll)})
		return b.settle(op, &OperationResult{
			Success:   false,
			Message:   fmt.Sprintf("Key creation failed: %s", getErrorMessage(err)),
			Timestamp: time.Now(),
		}, PhaseFailed)
	}

	b.opNote(op, LogSuccess, "Biometric keys created", map[string]interface{}{
		"publicKey": keys.PublicKey,
	}, func(s *AppState) {
		s.KeysExist = true
	})

	if strings.TrimSpace(endpoint.URL) == "" {
		return b.settle(op, &OperationResult{
			Success: true,
			Message: "Enrollment completed locally. No backend endpoint configured.",
			Data: map[string]interface{}{
				"publicKey": keys.PublicKey,
				"localOnly": true,
			},
			Timestamp: time.Now(),
		}, PhaseSucceeded)
	}

	resp, err := retry.Do(ctx, b.attempts, func(ctx context.Context) (*client.BackendResponse, error) {
		return b.backend.EnrollPublicKey(ctx, endpoint, keys.PublicKey)
	})
	if err != nil {
		// The backend rejected the enrollment, so the fresh keys are
		// not usable. Roll back.
		b.opNote(op, LogError, "Rolling back created keys after backend failure", nil, func(s *AppState) {
			s.KeysExist = false
		})
		return b.settle(op, &OperationResult{
			Success:   false,
			Message:   fmt.Sprintf("Backend enrollment failed: %s", getErrorMessage(err)),
			Timestamp: time.Now(),
		}, PhaseFailed)
	}

	return b.settle(op, &OperationResult{
		Success: true,
		Message: "Enrollment completed successfully",
		Data: map[string]interface{}{
			"publicKey": keys.PublicKey,
			"backend":   backendData(resp),
		},
		Timestamp: time.Now(),
	}, PhaseSucceeded)
}

// ExecuteValidation signs a payload with the enrolled key and, when an
// endpoint URL is configured, posts the signature to the backend. A nil
// cfg uses the stored validate endpoint.
func (b *Bridge) ExecuteValidation(ctx context.Context, cfg *client.Endpoint) *OperationResult {
	endpoint := b.effectiveEndpoint(EndpointValidate, cfg)

	b.mu.Lock()
	keysExist := b.state.KeysExist
	b.mu.Unlock()
	if !keysExist {
		return b.failFast(OpValidate, "No biometric keys found. Please enroll first before validating.")
	}

	op := b.begin(OpValidate, "Starting validation")
	ctx = correlation.WithID(ctx, op.id)

	payload := generatePayload(endpoint.CustomPayload)
	sig, err := b.device.CreateSignature(ctx, biometric.SignatureRequest{
		PromptMessage:    b.prompts.Validate,
		Payload:          payload,
		CancelButtonText: b.prompts.CancelButtonText,
	})
	if err != nil {
		b.classifier.ApplicationError(err, faults.Context{Operation: string(OpValidate)})
		return b.settle(op, &OperationResult{
			Success:   false,
			Message:   fmt.Sprintf("Signature creation failed: %s", getErrorMessage(err)),
			Timestamp: time.Now(),
		}, PhaseFailed)
	}

	b.opNote(op, LogInfo, "Signature created", map[string]interface{}{
		"payload": payload,
	}, nil)

	if strings.TrimSpace(endpoint.URL) == "" {
		return b.settle(op, &OperationResult{
			Success: true,
			Message: "Signature created locally. No backend endpoint configured.",
			Data: map[string]interface{}{
				"signature": sig.Signature,
				"payload":   payload,
				"localOnly": true,
			},
			Timestamp: time.Now(),
		}, PhaseSucceeded)
	}

	resp, err := retry.Do(ctx, b.attempts, func(ctx context.Context) (*client.BackendResponse, error) {
		return b.backend.ValidateSignature(ctx, endpoint, sig.Signature, payload)
	})
	if err != nil {
		return b.settle(op, &OperationResult{
			Success:   false,
			Message:   fmt.Sprintf("Backend validation failed: %s", getErrorMessage(err)),
			Timestamp: time.Now(),
		}, PhaseFailed)
	}

	return b.settle(op, &OperationResult{
		Success: true,
		Message: "Validation completed successfully",
		Data: map[string]interface{}{
			"payload": payload,
			"backend": backendData(resp),
		},
		Timestamp: time.Now(),
	}, PhaseSucceeded)
}

// DeleteKeys removes the enrolled key material. Concurrent calls are
// permitted; each completes independently.
func (b *Bridge) DeleteKeys(ctx context.Context) *OperationResult {
	op := b.begin(OpDelete, "Deleting biometric keys")

	if err := b.device.DeleteKeys(ctx); err != nil {
		b.classifier.ApplicationError(err, faults.Context{Operation: string(OpDelete)})
		return b.settle(op, &OperationResult{
			Success:   false,
			Message:   fmt.Sprintf("Key deletion failed: %s", getErrorMessage(err)),
			Timestamp: time.Now(),
		}, PhaseFailed)
	}

	b.opNote(op, LogInfo, "Key material removed", nil, func(s *AppState) {
		s.KeysExist = false
	})
	return b.settle(op, &OperationResult{
		Success:   true,
		Message:   "Keys deleted successfully",
		Timestamp: time.Now(),
	}, PhaseSucceeded)
}

// UpdateConfiguration replaces the stored endpoint of the given kind.
// It is not a tracked operation: no id, no timer, no isLoading change.
func (b *Bridge) UpdateConfiguration(kind EndpointKind, cfg client.Endpoint) error {
	if err := validateEndpoint(cfg); err != nil {
		return fmt.Errorf("invalid %s endpoint: %w", kind, err)
	}

	b.mu.Lock()
	switch kind {
	case EndpointEnroll:
		b.state.EnrollEndpoint = cfg
	case EndpointValidate:
		b.state.ValidateEndpoint = cfg
	default:
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownEndpointKind, kind)
	}
	entry := b.appendLogLocked(OperationType(kind), LogInfo,
		fmt.Sprintf("%s endpoint configuration updated", kind), nil)
	snap := b.state.clone()
	b.mu.Unlock()

	b.logFeed.publish(entry)
	b.stateFeed.publish(snap)
	return nil
}

// CancelCurrentOperation cancels the most recently tracked operation,
// if any. Only that operation's slot is affected; other in-flight
// operations keep their timers. A late result from the cancelled call
// is suppressed. Returns false when nothing was tracked.
func (b *Bridge) CancelCurrentOperation() bool {
	b.mu.Lock()
	id := b.currentOp
	op, ok := b.inflight[id]
	if id == "" || !ok {
		b.mu.Unlock()
		return false
	}
	op.timer.Stop()
	delete(b.inflight, id)
	b.currentOp = ""
	result := &OperationResult{
		Success:   false,
		Message:   "Operation cancelled",
		Timestamp: time.Now(),
	}
	op.result = result
	b.state.OperationStatus = result
	b.state.IsLoading = len(b.inflight) > 0
	entry := b.appendLogLocked(op.kind, LogInfo, result.Message, nil)
	snap := b.state.clone()
	b.mu.Unlock()

	b.statusFeed.publish(StatusEvent{
		OperationID: op.id,
		Operation:   op.kind,
		Phase:       PhaseCancelled,
		Result:      result,
		Timestamp:   result.Timestamp,
	})
	b.logFeed.publish(entry)
	b.stateFeed.publish(snap)
	return true
}

// ClearLogs removes every log entry.
func (b *Bridge) ClearLogs() {
	b.mu.Lock()
	b.state.Logs = []LogEntry{}
	snap := b.state.clone()
	b.mu.Unlock()

	b.stateFeed.publish(snap)
}

// begin registers a tracked operation: assigns an id, arms its timeout
// timer, points the cancellation slot at it, and publishes the started
// event.
func (b *Bridge) begin(kind OperationType, message string) *operation {
	op := &operation{
		id:   generateID(),
		kind: kind,
	}

	b.mu.Lock()
	op.timer = time.AfterFunc(b.timeout, func() { b.timeoutOperation(op) })
	if b.closed {
		op.timer.Stop()
	} else {
		b.inflight[op.id] = op
	}
	b.currentOp = op.id
	b.state.IsLoading = true
	entry := b.appendLogLocked(kind, LogInfo, message, nil)
	snap := b.state.clone()
	b.mu.Unlock()

	b.statusFeed.publish(StatusEvent{
		OperationID: op.id,
		Operation:   kind,
		Phase:       PhaseStarted,
		Timestamp:   time.Now(),
	})
	b.logFeed.publish(entry)
	b.stateFeed.publish(snap)
	return op
}

// settle resolves op with result. Exactly one of settle, timeout, or
// cancel wins for a given operation; a losing settle publishes nothing
// and returns the result that already won, so callers always see the
// outcome the rest of the system saw.
func (b *Bridge) settle(op *operation, result *OperationResult, phase Phase) *OperationResult {
	logStatus := LogError
	if result.Success {
		logStatus = LogSuccess
	}

	b.mu.Lock()
	if _, ok := b.inflight[op.id]; !ok {
		won := op.result
		b.mu.Unlock()
		b.logger.Debug("dropping result for settled operation",
			logger.String("operationId", op.id),
			logger.String("operation", string(op.kind)))
		if won != nil {
			return won
		}
		// The bridge was closed before the operation finished.
		return result
	}
	op.timer.Stop()
	delete(b.inflight, op.id)
	if b.currentOp == op.id {
		b.currentOp = ""
	}
	op.result = result
	b.state.OperationStatus = result
	b.state.IsLoading = len(b.inflight) > 0
	entry := b.appendLogLocked(op.kind, logStatus, result.Message, result.Data)
	snap := b.state.clone()
	b.mu.Unlock()

	b.statusFeed.publish(StatusEvent{
		OperationID: op.id,
		Operation:   op.kind,
		Phase:       phase,
		Result:      result,
		Timestamp:   result.Timestamp,
	})
	b.logFeed.publish(entry)
	b.stateFeed.publish(snap)
	return result
}

// timeoutOperation is the timer callback for op.
func (b *Bridge) timeoutOperation(op *operation) {
	b.mu.Lock()
	if _, ok := b.inflight[op.id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.inflight, op.id)
	if b.currentOp == op.id {
		b.currentOp = ""
	}
	result := &OperationResult{
		Success:   false,
		Message:   "Operation timed out",
		Timestamp: time.Now(),
	}
	op.result = result
	b.state.OperationStatus = result
	b.state.IsLoading = len(b.inflight) > 0
	entry := b.appendLogLocked(op.kind, LogError, result.Message, nil)
	snap := b.state.clone()
	b.mu.Unlock()

	b.logger.Warn("operation timed out",
		logger.String("operationId", op.id),
		logger.String("operation", string(op.kind)),
		logger.Duration("timeout", b.timeout))

	b.statusFeed.publish(StatusEvent{
		OperationID: op.id,
		Operation:   op.kind,
		Phase:       PhaseTimedOut,
		Result:      result,
		Timestamp:   result.Timestamp,
	})
	b.logFeed.publish(entry)
	b.stateFeed.publish(snap)
}

// failFast records a failed result without starting a tracked
// operation: no started phase, no timer, isLoading untouched.
func (b *Bridge) failFast(kind OperationType, message string) *OperationResult {
	result := &OperationResult{
		Success:   false,
		Message:   message,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	b.state.OperationStatus = result
	entry := b.appendLogLocked(kind, LogError, message, nil)
	snap := b.state.clone()
	b.mu.Unlock()

	b.statusFeed.publish(StatusEvent{
		OperationID: generateID(),
		Operation:   kind,
		Phase:       PhaseFailed,
		Result:      result,
		Timestamp:   result.Timestamp,
	})
	b.logFeed.publish(entry)
	b.stateFeed.publish(snap)
	return result
}

// opNote records an intermediate step of an in-flight operation:
// applies mutate (when non-nil) to AppState, appends a log entry, and
// publishes both. Writes from an operation that already timed out or
// was cancelled are dropped whole.
func (b *Bridge) opNote(op *operation, status LogStatus, message string, details interface{}, mutate func(*AppState)) {
	b.mu.Lock()
	if _, ok := b.inflight[op.id]; !ok {
		b.mu.Unlock()
		return
	}
	if mutate != nil {
		mutate(&b.state)
	}
	entry := b.appendLogLocked(op.kind, status, message, details)
	snap := b.state.clone()
	b.mu.Unlock()

	b.logFeed.publish(entry)
	b.stateFeed.publish(snap)
}

// appendLogLocked creates and appends a LogEntry. Caller holds b.mu.
func (b *Bridge) appendLogLocked(kind OperationType, status LogStatus, message string, details interface{}) LogEntry {
	entry := LogEntry{
		ID:        generateID(),
		Timestamp: time.Now(),
		Operation: kind,
		Status:    status,
		Message:   message,
		Details:   details,
	}
	b.state.Logs = append(b.state.Logs, entry)
	return entry
}


// effectiveEndpoint picks cfg when given, else the stored endpoint.
func (b *Bridge) effectiveEndpoint(kind EndpointKind, cfg *client.Endpoint) client.Endpoint {
	if cfg != nil {
		return *cfg
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if kind == EndpointEnroll {
		return b.state.EnrollEndpoint
	}
	return b.state.ValidateEndpoint
}

// backendData extracts the response payload for inclusion in a result.
func backendData(resp *client.BackendResponse) interface{} {
	if resp == nil {
		return nil
	}
	if resp.Data != nil {
		return resp.Data
	}
	return string(resp.Body)
}

// validateEndpoint rejects malformed endpoint updates. An empty URL is
// valid and makes the operation local-only.
func validateEndpoint(cfg client.Endpoint) error {
	if cfg.URL != "" {
		if err := validation.ValidateEndpointURL(cfg.URL); err != nil {
			return err
		}
	}
	if cfg.Method != "" {
		if err := validation.ValidateHTTPMethod(cfg.Method); err != nil {
			return err
		}
	}
	for name, value := range cfg.Headers {
		if err := validation.ValidateHeader(name, value); err != nil {
			return err
		}
	}
	return nil
}

// generateID returns "<epoch-millis>-<random base36 suffix>". Ids are
// unique in practice, not guaranteed; collisions are accepted as
// negligible.
func generateID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" +
		strconv.FormatUint(rand.Uint64(), 36)
}

// generatePayload returns custom verbatim when set, else an
// epoch-millis timestamp string.
func generatePayload(custom string) string {
	if custom != "" {
		return custom
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// getErrorMessage extracts a display message from err. Structured
// errors contribute their message field; anything without one yields
// the fixed fallback.
func getErrorMessage(err error) string {
	if err == nil {
		return unknownErrorMessage
	}
	var fault *faults.Error
	if errors.As(err, &fault) && fault.Message != "" {
		return fault.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return unknownErrorMessage
}
