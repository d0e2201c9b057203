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

package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-webcontrol/pkg/adapters/logger"
	"github.com/jeremyhahn/go-webcontrol/pkg/bridge"
	"github.com/jeremyhahn/go-webcontrol/pkg/client"
	"github.com/jeremyhahn/go-webcontrol/pkg/faults"
	"github.com/jeremyhahn/go-webcontrol/pkg/metrics"
	"github.com/jeremyhahn/go-webcontrol/pkg/validation"
	"github.com/jeremyhahn/go-webcontrol/pkg/wire"
)

// Server-to-client envelope types.
const (
	TypeOperationStatus = "operation-status"
	TypeLogUpdate       = "log-update"
	TypeStateSync       = "state-sync"
	TypePong            = "pong"
)

// Client-to-server envelope types.
const (
	typePing             = "ping"
	typeGetState         = "get-state"
	typeExecuteOperation = "execute-operation"
)

// Operations a browser may request over the socket.
const (
	opNameEnroll     = "enroll"
	opNameValidate   = "validate"
	opNameDeleteKeys = "delete-keys"
)

// state-sync payload discriminators.
const (
	stateSyncAppState = "app-state"
	stateSyncNetDown  = "network-disconnected"
	stateSyncNetUp    = "network-reconnected"
)

// ErrHubInactive is returned when a connection arrives after shutdown.
var ErrHubInactive = errors.New("hub is not accepting connections")

// Envelope is the JSON message wrapper used in both directions.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// inboundEnvelope defers data decoding until the type is known.
type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// executeRequest is the data of an execute-operation envelope.
type executeRequest struct {
	Operation string           `json:"operation"`
	Config    *client.Endpoint `json:"config,omitempty"`
}

// stateSyncData is the data of a state-sync envelope.
type stateSyncData struct {
	Type  string           `json:"type"`
	State *bridge.AppState `json:"state,omitempty"`
}

// Commander executes operations on behalf of connected browsers and
// supplies state snapshots. *bridge.Bridge satisfies it.
type Commander interface {
	State() bridge.AppState
	ExecuteEnrollment(ctx context.Context, cfg *client.Endpoint) *bridge.OperationResult
	ExecuteValidation(ctx context.Context, cfg *client.Endpoint) *bridge.OperationResult
	DeleteKeys(ctx context.Context) *bridge.OperationResult
}

// ConnectionRecord is a diagnostic snapshot of one registered connection.
type ConnectionRecord struct {
	ID       string    `json:"id"`
	IsAlive  bool      `json:"isAlive"`
	LastSeen time.Time `json:"lastSeen"`
}

// HubState is a diagnostic snapshot of the registry.
type HubState struct {
	Active      bool                        `json:"isActive"`
	Connections map[string]ConnectionRecord `json:"connections"`
}

// HubParams configures a Hub.
type HubParams struct {
	// Logger is optional; nil falls back to a default slog adapter.
	Logger logger.Logger

	// Classifier is optional; nil creates one over Logger.
	Classifier *faults.Classifier

	// Commander handles execute-operation and get-state messages.
	// Required.
	Commander Commander

	// MaxMessageBytes caps a reassembled inbound message. Non-positive
	// uses the wire default.
	MaxMessageBytes int64
}

// Hub is the connection registry and broadcast fan-out. Every upgraded
// socket is registered here; outbound envelopes are written to all
// registered connections currently marked alive.
type Hub struct {
	mu     sync.Mutex
	conns  map[string]*wsConn
	active bool
	wg     sync.WaitGroup

	log        logger.Logger
	classifier *faults.Classifier
	commander  Commander
	maxMessage int64
}

// NewHub creates a hub. It starts inactive; Activate arms it.
func NewHub(p HubParams) (*Hub, error) {
	if p.Commander == nil {
		return nil, errors.New("commander is required")
	}

	log := p.Logger
	if log == nil {
		log = logger.NewSlogAdapter(&logger.SlogConfig{
			Level: logger.LevelInfo,
		})
	}
	log = log.With(logger.String("component", "hub"))

	classifier := p.Classifier
	if classifier == nil {
		classifier = faults.NewClassifier(log)
	}

	maxMessage := p.MaxMessageBytes
	if maxMessage <= 0 {
		maxMessage = wire.DefaultMaxMessageBytes
	}

	return &Hub{
		conns:      make(map[string]*wsConn),
		log:        log,
		classifier: classifier,
		commander:  p.Commander,
		maxMessage: maxMessage,
	}, nil
}

// Activate arms the hub to accept connections and deliver broadcasts.
func (h *Hub) Activate() {
	h.mu.Lock()
	h.active = true
	h.mu.Unlock()
}

// HandleConnection registers an upgraded socket and starts its read
// loop. Returns the assigned connection id.
func (h *Hub) HandleConnection(conn net.Conn, buffered []byte) (string, error) {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return "", ErrHubInactive
	}
	id := uuid.NewString()
	c := newWSConn(id, conn, buffered)
	h.conns[id] = c
	h.mu.Unlock()

	// The HTTP idle deadline no longer applies once upgraded.
	conn.SetReadDeadline(time.Time{})

	metrics.ConnectionOpened()
	h.log.Info("websocket client connected",
		logger.String("connection_id", id),
		logger.String("remote_addr", conn.RemoteAddr().String()))

	h.wg.Add(1)
	go h.readLoop(c)
	return id, nil
}

// readLoop consumes frames from one connection until it closes or
// violates the protocol.
func (h *Hub) readLoop(c *wsConn) {
	defer h.wg.Done()
	reason := metrics.ReasonReadFailed
	defer func() {
		h.remove(c, reason)
	}()

	assembler := wire.NewMessageAssembler(h.maxMessage)
	for {
		frame, err := wire.ReadFrame(c.reader, h.maxMessage)
		if err != nil {
			if isProtocolViolation(err) {
				reason = metrics.ReasonProtocolError
				c.writeFrame(wire.CloseFrame(wire.CloseProtocolError, err.Error()))
				h.classifier.WebSocketError(err, faults.Context{ConnectionID: c.id})
			} else if !isExpectedClose(err) {
				h.classifier.WebSocketError(err, faults.Context{ConnectionID: c.id})
			}
			return
		}

		switch frame.Opcode {
		case wire.OpPing:
			c.writeFrame(wire.Frame{Final: true, Opcode: wire.OpPong, Payload: frame.Payload})
			h.touch(c)
		case wire.OpPong:
			h.touch(c)
		case wire.OpClose:
			code, _ := wire.ParseClose(frame.Payload)
			if code == wire.CloseNoStatus {
				code = wire.CloseNormal
			}
			c.writeFrame(wire.CloseFrame(code, ""))
			reason = metrics.ReasonPeerClosed
			return
		default:
			payload, opcode, complete, aerr := assembler.Push(frame)
			if aerr != nil {
				reason = metrics.ReasonProtocolError
				code := wire.CloseProtocolError
				if errors.Is(aerr, wire.ErrMessageTooLarge) {
					code = wire.CloseTooBig
				}
				c.writeFrame(wire.CloseFrame(code, aerr.Error()))
				h.classifier.WebSocketError(aerr, faults.Context{ConnectionID: c.id})
				return
			}
			if complete && opcode == wire.OpText {
				h.handleMessage(c, payload)
			}
		}
	}
}

// handleMessage dispatches one decoded text message.
func (h *Hub) handleMessage(c *wsConn, payload []byte) {
	var msg inboundEnvelope
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.log.Warn("dropping malformed websocket message",
			logger.String("connection_id", c.id),
			logger.Error(err))
		return
	}
	h.touch(c)

	switch msg.Type {
	case typePing:
		h.send(c, Envelope{Type: TypePong, Timestamp: timestamp()})

	case typeGetState:
		state := h.commander.State()
		h.send(c, Envelope{
			Type:      TypeStateSync,
			Data:      stateSyncData{Type: stateSyncAppState, State: &state},
			Timestamp: timestamp(),
		})

	case typeExecuteOperation:
		var req executeRequest
		if len(msg.Data) == 0 || json.Unmarshal(msg.Data, &req) != nil {
			h.log.Warn("dropping execute-operation with malformed data",
				logger.String("connection_id", c.id))
			return
		}
		h.dispatch(c, req)

	default:
		h.log.Debug("ignoring unknown message type",
			logger.String("type", validation.SanitizeForLog(msg.Type)),
			logger.String("connection_id", c.id))
	}
}

// dispatch runs a requested operation on its own goroutine. Progress and
// results reach the browser through the broadcast feeds, not as a direct
// reply.
func (h *Hub) dispatch(c *wsConn, req executeRequest) {
	h.log.Info("operation requested",
		logger.String("operation", validation.SanitizeForLog(req.Operation)),
		logger.String("connection_id", c.id))

	switch req.Operation {
	case opNameEnroll:
		go h.commander.ExecuteEnrollment(context.Background(), req.Config)
	case opNameValidate:
		go h.commander.ExecuteValidation(context.Background(), req.Config)
	case opNameDeleteKeys:
		go h.commander.DeleteKeys(context.Background())
	default:
		h.log.Warn("ignoring unknown operation",
			logger.String("operation", validation.SanitizeForLog(req.Operation)),
			logger.String("connection_id", c.id))
	}
}

// send writes an envelope to a single connection, removing it on write
// failure.
func (h *Hub) send(c *wsConn, env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.log.Error("failed to encode envelope",
			logger.String("type", env.Type),
			logger.Error(err))
		return
	}
	if err := c.writeText(payload); err != nil {
		h.classifier.WebSocketError(err, faults.Context{ConnectionID: c.id})
		h.remove(c, metrics.ReasonWriteFailed)
	}
}

// Broadcast wraps data in an envelope and writes it to every registered
// connection currently marked alive. A write failure removes that
// connection without aborting delivery to the rest.
func (h *Hub) Broadcast(envelopeType string, data interface{}) {
	env := Envelope{Type: envelopeType, Data: data, Timestamp: timestamp()}
	payload, err := json.Marshal(env)
	if err != nil {
		h.log.Error("failed to encode broadcast",
			logger.String("type", envelopeType),
			logger.Error(err))
		return
	}

	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return
	}
	targets := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.isAlive {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.writeText(payload); err != nil {
			h.classifier.WebSocketError(err, faults.Context{ConnectionID: c.id})
			h.remove(c, metrics.ReasonWriteFailed)
		}
	}
	metrics.RecordBroadcast(envelopeType)
}

// BroadcastState pushes a full application state snapshot to all
// connected browsers.
func (h *Hub) BroadcastState(state bridge.AppState) {
	h.Broadcast(TypeStateSync, stateSyncData{Type: stateSyncAppState, State: &state})
}

// NetworkDisconnected tells browsers the backend network is gone and
// suspends broadcasts until reconnect. The notification itself goes out
// before connections are marked down.
func (h *Hub) NetworkDisconnected() {
	h.Broadcast(TypeStateSync, stateSyncData{Type: stateSyncNetDown})
	h.mu.Lock()
	for _, c := range h.conns {
		c.isAlive = false
	}
	h.mu.Unlock()
	h.log.Warn("backend network lost; broadcasts suspended")
}

// NetworkReconnected resumes broadcasts and tells browsers the backend
// network is back.
func (h *Hub) NetworkReconnected() {
	h.mu.Lock()
	for _, c := range h.conns {
		c.isAlive = true
	}
	h.mu.Unlock()
	h.Broadcast(TypeStateSync, stateSyncData{Type: stateSyncNetUp})
	h.log.Info("backend network restored; broadcasts resumed")
}

// Shutdown closes every connection, clears the registry, and stops
// accepting new connections until the next Activate.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if !h.active && len(h.conns) == 0 {
		h.mu.Unlock()
		return
	}
	h.active = false
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*wsConn)
	h.mu.Unlock()

	for _, c := range conns {
		c.writeFrame(wire.CloseFrame(wire.CloseGoingAway, "server shutting down"))
		c.close()
		metrics.ConnectionClosed(metrics.ReasonShutdown)
	}
	h.wg.Wait()
	h.log.Info("hub shut down", logger.Int("connections_closed", len(conns)))
}

// ActiveConnectionCount returns the registry size.
func (h *Hub) ActiveConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// State returns a diagnostic snapshot of the registry.
func (h *Hub) State() HubState {
	h.mu.Lock()
	defer h.mu.Unlock()

	records := make(map[string]ConnectionRecord, len(h.conns))
	for id, c := range h.conns {
		records[id] = ConnectionRecord{
			ID:       id,
			IsAlive:  c.isAlive,
			LastSeen: c.lastSeen,
		}
	}
	return HubState{Active: h.active, Connections: records}
}

// AppState returns the commander's current application state snapshot.
func (h *Hub) AppState() bridge.AppState {
	return h.commander.State()
}

// remove unregisters a connection and closes its socket. Safe to call
// multiple times; bookkeeping runs only when the connection was still
// registered.
func (h *Hub) remove(c *wsConn, reason string) {
	h.mu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()

	c.close()
	if present {
		metrics.ConnectionClosed(reason)
		h.log.Info("websocket client disconnected",
			logger.String("connection_id", c.id),
			logger.String("reason", reason))
	}
}

// touch refreshes a connection's liveness timestamp.
func (h *Hub) touch(c *wsConn) {
	h.mu.Lock()
	c.lastSeen = time.Now()
	h.mu.Unlock()
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// isProtocolViolation reports whether a read error was the peer breaking
// RFC 6455 rather than the connection ending.
func isProtocolViolation(err error) bool {
	return errors.Is(err, wire.ErrUnmaskedFrame) ||
		errors.Is(err, wire.ErrReservedBits) ||
		errors.Is(err, wire.ErrReservedOpcode) ||
		errors.Is(err, wire.ErrControlTooLong) ||
		errors.Is(err, wire.ErrFragmentedCtrl) ||
		errors.Is(err, wire.ErrFrameTooLarge)
}

// isExpectedClose reports whether a read error is an ordinary teardown
// not worth classifying.
func isExpectedClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
