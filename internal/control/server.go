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

// Package control implements the browser-facing control server: a raw
// TCP listener speaking HTTP/1.1 and WebSocket directly through the wire
// package, guarded by single-use Basic credentials minted on each start.
// Upgraded sockets are handed to the Hub, which fans operation events
// out to every connected browser.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jeremyhahn/go-webcontrol/pkg/adapters/logger"
	"github.com/jeremyhahn/go-webcontrol/pkg/faults"
	"github.com/jeremyhahn/go-webcontrol/pkg/metrics"
	"github.com/jeremyhahn/go-webcontrol/pkg/ratelimit"
	"github.com/jeremyhahn/go-webcontrol/pkg/wire"
)

// Default port probe range when no explicit port is configured.
const (
	DefaultPortRangeStart = 8080
	DefaultPortRangeEnd   = 8090
)

const (
	defaultIdleTimeout = 2 * time.Minute
	readBufferSize     = 4 * 1024
)

// Authentication responses. The bodies are part of the wire contract.
const (
	realm             = `Basic realm="Web Control"`
	bodyAuthRequired  = "Authentication required"
	bodyAuthBadFormat = "Invalid authentication format"
	bodyAuthBadCreds  = "Invalid credentials"
	bodyThrottled     = "Too many attempts"
)

// rootBody answers GET / for an authenticated caller.
const rootBody = "Web Control server is running. You are authenticated."

// ServerStatus reports the server's externally visible state.
type ServerStatus struct {
	IsRunning         bool       `json:"isRunning"`
	Port              int        `json:"port,omitempty"`
	URL               string     `json:"url,omitempty"`
	Password          string     `json:"password,omitempty"`
	StartTime         *time.Time `json:"startTime,omitempty"`
	ActiveConnections int        `json:"activeConnections"`
}

// Params configures a Server.
type Params struct {
	// Logger is optional; nil falls back to a default slog adapter.
	Logger logger.Logger

	// Classifier is optional; nil creates one over Logger.
	Classifier *faults.Classifier

	// Hub receives upgraded connections. Required.
	Hub *Hub

	// Throttle limits repeated authentication failures per client.
	// Optional; nil disables throttling.
	Throttle *ratelimit.Limiter

	// Host to bind. Defaults to localhost.
	Host string

	// Ports to try in order. A single entry pins the server to that
	// port; empty probes the default range.
	Ports []int

	// IdleTimeout closes keep-alive connections that sit idle between
	// requests. Zero uses the default; negative disables the deadline.
	IdleTimeout time.Duration
}

// Server owns the listening socket and the per-connection HTTP loops.
type Server struct {
	log         logger.Logger
	classifier  *faults.Classifier
	hub         *Hub
	throttle    *ratelimit.Limiter
	host        string
	ports       []int
	idleTimeout time.Duration

	mu        sync.Mutex
	running   bool
	listener  net.Listener
	port      int
	creds     *Credentials
	startTime time.Time
	httpConns map[net.Conn]struct{}
	wg        sync.WaitGroup
}

// NewServer creates a control server. Start binds the socket.
func NewServer(p Params) (*Server, error) {
	if p.Hub == nil {
		return nil, errors.New("hub is required")
	}

	log := p.Logger
	if log == nil {
		log = logger.NewSlogAdapter(&logger.SlogConfig{
			Level: logger.LevelInfo,
		})
	}
	log = log.With(logger.String("component", "control-server"))

	classifier := p.Classifier
	if classifier == nil {
		classifier = faults.NewClassifier(log)
	}

	throttle := p.Throttle
	if throttle == nil {
		throttle = ratelimit.New(nil)
	}

	host := p.Host
	if host == "" {
		host = "localhost"
	}

	ports := p.Ports
	if len(ports) == 0 {
		for port := DefaultPortRangeStart; port <= DefaultPortRangeEnd; port++ {
			ports = append(ports, port)
		}
	}

	idle := p.IdleTimeout
	if idle == 0 {
		idle = defaultIdleTimeout
	} else if idle < 0 {
		idle = 0
	}

	return &Server{
		log:         log,
		classifier:  classifier,
		hub:         p.Hub,
		throttle:    throttle,
		host:        host,
		ports:       ports,
		idleTimeout: idle,
		httpConns:   make(map[net.Conn]struct{}),
	}, nil
}

// Start binds the first free candidate port, mints fresh credentials,
// and begins accepting connections. Starting an already-running server
// returns the current status unchanged.
func (s *Server) Start() (ServerStatus, error) {
	s.mu.Lock()
	if s.running {
		status := s.statusLocked()
		s.mu.Unlock()
		s.log.Warn("control server already running", logger.Int("port", status.Port))
		return status, nil
	}
	s.mu.Unlock()

	var (
		ln      net.Listener
		port    int
		lastErr error
	)
	for _, candidate := range s.ports {
		l, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(candidate)))
		if err == nil {
			ln = l
			port = candidate
			// Candidate 0 asks the kernel for an ephemeral port.
			if port == 0 {
				if addr, ok := l.Addr().(*net.TCPAddr); ok {
					port = addr.Port
				}
			}
			break
		}
		lastErr = err
		if !isAddrInUse(err) {
			return ServerStatus{}, s.classifier.ServerError(err, faults.Context{Port: candidate})
		}
		s.log.Debug("port in use, trying next candidate", logger.Int("port", candidate))
	}
	if ln == nil {
		lastPort := s.ports[len(s.ports)-1]
		return ServerStatus{}, s.classifier.ServerError(lastErr, faults.Context{Port: lastPort})
	}

	creds, err := GenerateCredentials()
	if err != nil {
		ln.Close()
		return ServerStatus{}, s.classifier.ServerError(err, faults.Context{Port: port})
	}

	s.mu.Lock()
	if s.running {
		// Lost a start race; keep the existing instance.
		status := s.statusLocked()
		s.mu.Unlock()
		ln.Close()
		return status, nil
	}
	s.running = true
	s.listener = ln
	s.port = port
	s.creds = creds
	s.startTime = time.Now()
	status := s.statusLocked()
	s.mu.Unlock()

	s.hub.Activate()
	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.Info("control server started",
		logger.String("url", status.URL),
		logger.Int("port", port))
	return status, nil
}

// Stop closes the listener and every connection, shuts the hub down, and
// destroys the credentials. Stopping a stopped server is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ln := s.listener
	s.listener = nil
	s.creds = nil
	s.port = 0
	s.startTime = time.Time{}
	conns := make([]net.Conn, 0, len(s.httpConns))
	for c := range s.httpConns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	ln.Close()
	for _, c := range conns {
		c.Close()
	}
	s.hub.Shutdown()
	s.wg.Wait()
	s.log.Info("control server stopped")
}

// GetCredentials returns a copy of the active credentials, or nil while
// stopped.
func (s *Server) GetCredentials() *Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return nil
	}
	creds := *s.creds
	return &creds
}

// Status returns the current server status.
func (s *Server) Status() ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Server) statusLocked() ServerStatus {
	status := ServerStatus{ActiveConnections: s.hub.ActiveConnectionCount()}
	if !s.running {
		return status
	}
	start := s.startTime
	status.IsRunning = true
	status.Port = s.port
	status.URL = fmt.Sprintf("http://%s", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	status.Password = s.creds.Password
	status.StartTime = &start
	return status
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accept failed", logger.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.httpConns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

// serveConn runs the HTTP request loop for one connection until it
// closes, times out idle, or upgrades to WebSocket.
func (s *Server) serveConn(conn net.Conn) {
	hijacked := false
	defer func() {
		s.mu.Lock()
		delete(s.httpConns, conn)
		s.mu.Unlock()
		if !hijacked {
			conn.Close()
		}
		s.wg.Done()
	}()

	parser := wire.NewParser()
	buf := make([]byte, readBufferSize)
	for {
		for !parser.Done() {
			if s.idleTimeout > 0 {
				conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
			}
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if _, perr := parser.Feed(buf[:n]); perr != nil {
				s.rejectMalformed(conn, perr)
				return
			}
		}

		req := parser.Request()
		keepAlive, upgraded := s.handleRequest(conn, req, parser)
		if upgraded {
			hijacked = true
			return
		}
		if !keepAlive {
			return
		}
		if _, err := parser.Reset(); err != nil {
			s.rejectMalformed(conn, err)
			return
		}
	}
}

// rejectMalformed answers an unparseable request and gives up on the
// connection.
func (s *Server) rejectMalformed(conn net.Conn, err error) {
	status := 400
	body := "Bad request"
	if errors.Is(err, wire.ErrBodyTooLarge) || errors.Is(err, wire.ErrHeaderTooLarge) {
		status = 413
		body = "Request too large"
	}
	resp := wire.TextResponse(status, body)
	resp.Add("Connection", "close")
	s.write(conn, resp)
	metrics.RecordHTTPRequest("unknown", strconv.Itoa(status))
	s.log.Debug("rejected malformed request", logger.Error(err))
	drainBeforeClose(conn)
}

// drainBeforeClose half-closes the write side and briefly consumes
// whatever the client is still sending. Closing a socket with unread
// data pending makes the kernel send RST, which can destroy the error
// response before the client reads it.
func drainBeforeClose(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, readBufferSize)
	for total := 0; total < 256*1024; {
		n, err := conn.Read(buf)
		total += n
		if err != nil {
			return
		}
	}
}

// handleRequest authenticates and routes one parsed request. It returns
// whether the connection should stay open and whether it was upgraded
// and handed to the hub.
func (s *Server) handleRequest(conn net.Conn, req *wire.Request, parser *wire.Parser) (keepAlive, upgraded bool) {
	creds := s.GetCredentials()
	user, pass, outcome := parseBasicAuth(req.Header("Authorization"))

	var failBody, failReason string
	switch {
	case outcome == authMissing:
		failBody, failReason = bodyAuthRequired, metrics.ReasonMissingHeader
	case outcome == authBadFormat:
		failBody, failReason = bodyAuthBadFormat, metrics.ReasonBadFormat
	case !creds.Verify(user, pass):
		failBody, failReason = bodyAuthBadCreds, metrics.ReasonBadCreds
	}

	if failBody != "" {
		if !s.throttle.AllowConn(conn) {
			metrics.RecordAuthFailure(metrics.ReasonThrottled)
			s.log.Warn("throttling repeated auth failures",
				logger.String("remote_addr", ratelimit.ClientIP(conn)))
			return s.finishResponse(conn, req, wire.TextResponse(429, bodyThrottled)), false
		}
		metrics.RecordAuthFailure(failReason)
		resp := wire.TextResponse(401, failBody)
		resp.Add("WWW-Authenticate", realm)
		return s.finishResponse(conn, req, resp), false
	}

	// An upgrade request bypasses normal routing regardless of path.
	if req.IsWebSocketUpgrade() {
		return s.handleUpgrade(conn, req, parser)
	}

	return s.finishResponse(conn, req, s.route(req)), false
}

// route maps an authenticated request to a response.
func (s *Server) route(req *wire.Request) *wire.Response {
	path := req.Target
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	switch path {
	case "/":
		if req.Method != "GET" {
			return methodNotAllowed()
		}
		return wire.TextResponse(200, rootBody)

	case "/api/state":
		if req.Method != "GET" {
			return methodNotAllowed()
		}
		state := s.hub.AppState()
		body, err := json.Marshal(state)
		if err != nil {
			s.classifier.ServerError(err, faults.Context{Detail: "encode state"})
			return wire.TextResponse(500, "Internal server error")
		}
		return wire.JSONResponse(200, body)

	default:
		return wire.TextResponse(404, "Not found")
	}
}

func methodNotAllowed() *wire.Response {
	resp := wire.TextResponse(405, "Method not allowed")
	resp.Add("Allow", "GET")
	return resp
}

// handleUpgrade validates the WebSocket handshake, completes it, and
// hands the socket to the hub.
func (s *Server) handleUpgrade(conn net.Conn, req *wire.Request, parser *wire.Parser) (keepAlive, upgraded bool) {
	key := strings.TrimSpace(req.Header("Sec-WebSocket-Key"))
	version := req.Header("Sec-WebSocket-Version")

	var failure string
	switch {
	case req.Method != "GET":
		failure = "WebSocket upgrade requires GET"
	case !req.HasHeaderToken("Connection", "Upgrade"):
		failure = "Connection header must include Upgrade"
	case key == "":
		failure = "Missing Sec-WebSocket-Key header"
	case version != wire.SupportedWebSocketVersion:
		failure = "Unsupported WebSocket version"
	}
	if failure != "" {
		s.classifier.WebSocketError(errors.New(failure), faults.Context{Detail: "handshake"})
		var resp *wire.Response
		if version != "" && version != wire.SupportedWebSocketVersion {
			resp = wire.TextResponse(426, failure)
			resp.Add("Sec-WebSocket-Version", wire.SupportedWebSocketVersion)
		} else {
			resp = wire.TextResponse(400, failure)
		}
		resp.Add("Connection", "close")
		s.write(conn, resp)
		metrics.RecordHTTPRequest(req.Method, strconv.Itoa(resp.Status))
		return false, false
	}

	if err := s.write(conn, wire.NewUpgradeResponse(key)); err != nil {
		s.classifier.ServerError(err, faults.Context{Detail: "upgrade write"})
		return false, false
	}
	metrics.RecordHTTPRequest(req.Method, "101")

	id, err := s.hub.HandleConnection(conn, parser.Buffered())
	if err != nil {
		// The hub shut down between accept and upgrade.
		s.log.Warn("rejecting websocket connection", logger.Error(err))
		return false, false
	}
	s.log.Info("websocket upgraded", logger.String("connection_id", id))
	return false, true
}

// finishResponse writes a response and reports whether the connection
// should stay open for the next request.
func (s *Server) finishResponse(conn net.Conn, req *wire.Request, resp *wire.Response) bool {
	keep := req.KeepAlive()
	if !keep {
		resp.Add("Connection", "close")
	}

	err := s.write(conn, resp)
	metrics.RecordHTTPRequest(req.Method, strconv.Itoa(resp.Status))
	s.log.Debug("request served",
		logger.String("method", req.Method),
		logger.String("target", req.Target),
		logger.Int("status", resp.Status))

	if err != nil {
		s.classifier.ServerError(err, faults.Context{Detail: "write response"})
		return false
	}
	return keep
}

func (s *Server) write(conn net.Conn, resp *wire.Response) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write(resp.Encode())
	return err
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
