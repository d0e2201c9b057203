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
	"bufio"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-webcontrol/pkg/bridge"
	"github.com/jeremyhahn/go-webcontrol/pkg/faults"
	"github.com/jeremyhahn/go-webcontrol/pkg/ratelimit"
)

type testServer struct {
	srv    *Server
	hub    *Hub
	fake   *fakeCommander
	status ServerStatus
	auth   string
}

func startTestServer(t *testing.T, mutate func(*Params)) *testServer {
	t.Helper()

	fake := newFakeCommander()
	h, err := NewHub(HubParams{Commander: fake})
	require.NoError(t, err)

	p := Params{
		Hub:         h,
		Host:        "127.0.0.1",
		Ports:       []int{0},
		IdleTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&p)
	}

	srv, err := NewServer(p)
	require.NoError(t, err)
	status, err := srv.Start()
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	return &testServer{
		srv:    srv,
		hub:    h,
		fake:   fake,
		status: status,
		auth:   BasicAuthorization(DefaultUsername, status.Password),
	}
}

func (ts *testServer) url(path string) string {
	return ts.status.URL + path
}

func (ts *testServer) addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(ts.status.Port))
}

func doRequest(t *testing.T, method, url, auth string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

// dialRaw opens a raw TCP connection for byte-level protocol tests.
func dialRaw(t *testing.T, ts *testServer) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ts.addr(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func writeRawRequest(t *testing.T, conn net.Conn, lines ...string) {
	t.Helper()
	_, err := conn.Write([]byte(strings.Join(lines, "\r\n") + "\r\n\r\n"))
	require.NoError(t, err)
}

func readRawResponse(t *testing.T, br *bufio.Reader) *http.Response {
	t.Helper()
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func reservePort(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestNewServerRequiresHub(t *testing.T) {
	_, err := NewServer(Params{})
	require.Error(t, err)
}

func TestServerStartStop(t *testing.T) {
	ts := startTestServer(t, nil)

	status := ts.status
	assert.True(t, status.IsRunning)
	assert.NotZero(t, status.Port)
	assert.Equal(t, "http://127.0.0.1:"+strconv.Itoa(status.Port), status.URL)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), status.Password)
	require.NotNil(t, status.StartTime)

	creds := ts.srv.GetCredentials()
	require.NotNil(t, creds)
	assert.Equal(t, DefaultUsername, creds.Username)
	assert.Equal(t, status.Password, creds.Password)

	ts.srv.Stop()

	stopped := ts.srv.Status()
	assert.False(t, stopped.IsRunning)
	assert.Zero(t, stopped.Port)
	assert.Empty(t, stopped.URL)
	assert.Empty(t, stopped.Password)
	assert.Nil(t, stopped.StartTime)
	assert.Nil(t, ts.srv.GetCredentials())
}

func TestServerStartWhileRunning(t *testing.T) {
	ts := startTestServer(t, nil)

	again, err := ts.srv.Start()
	require.NoError(t, err)
	assert.Equal(t, ts.status.Port, again.Port)
	assert.Equal(t, ts.status.Password, again.Password)
}

func TestServerCredentialsRotateAcrossStarts(t *testing.T) {
	ts := startTestServer(t, nil)
	first := ts.status.Password

	ts.srv.Stop()
	second, err := ts.srv.Start()
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), second.Password)
	assert.NotEqual(t, first, second.Password)
}

func TestServerAuthRequired(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := doRequest(t, "GET", ts.url("/"), "")

	assert.Equal(t, 401, resp.StatusCode)
	assert.Equal(t, `Basic realm="Web Control"`, resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "Authentication required", readBody(t, resp))
}

func TestServerAuthBadFormat(t *testing.T) {
	ts := startTestServer(t, nil)

	tests := []struct {
		name   string
		header string
	}{
		{"wrong scheme", "Bearer some-token"},
		{"invalid base64", "Basic !!!not-base64!!!"},
		{"missing separator", "Basic dXNlcm5hbWVvbmx5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, "GET", ts.url("/"), tt.header)
			assert.Equal(t, 401, resp.StatusCode)
			assert.Equal(t, `Basic realm="Web Control"`, resp.Header.Get("WWW-Authenticate"))
			assert.Equal(t, "Invalid authentication format", readBody(t, resp))
		})
	}
}

func TestServerAuthBadCredentials(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := doRequest(t, "GET", ts.url("/"), BasicAuthorization("admin", "000000"))

	assert.Equal(t, 401, resp.StatusCode)
	assert.Equal(t, "Invalid credentials", readBody(t, resp))
}

func TestServerRoot(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := doRequest(t, "GET", ts.url("/"), ts.auth)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Web Control server is running. You are authenticated.", readBody(t, resp))
}

func TestServerAPIState(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := doRequest(t, "GET", ts.url("/api/state"), ts.auth)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var state bridge.AppState
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &state))
	assert.True(t, state.KeysExist)
	assert.True(t, state.BiometricStatus.Available)
}

func TestServerNotFound(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := doRequest(t, "GET", ts.url("/nope"), ts.auth)

	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "Not found", readBody(t, resp))
}

func TestServerMethodNotAllowed(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := doRequest(t, "POST", ts.url("/"), ts.auth)

	assert.Equal(t, 405, resp.StatusCode)
	assert.Equal(t, "GET", resp.Header.Get("Allow"))
}

func TestServerQueryStringStripped(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := doRequest(t, "GET", ts.url("/api/state?verbose=1"), ts.auth)

	assert.Equal(t, 200, resp.StatusCode)
}

func TestServerKeepAlive(t *testing.T) {
	ts := startTestServer(t, nil)
	conn, br := dialRaw(t, ts)

	for i := 0; i < 2; i++ {
		writeRawRequest(t, conn,
			"GET / HTTP/1.1",
			"Host: "+ts.addr(),
			"Authorization: "+ts.auth,
		)
		resp := readRawResponse(t, br)
		assert.Equal(t, 200, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, rootBody, string(body))
	}
}

func TestServerConnectionClose(t *testing.T) {
	ts := startTestServer(t, nil)
	conn, br := dialRaw(t, ts)

	writeRawRequest(t, conn,
		"GET / HTTP/1.1",
		"Host: "+ts.addr(),
		"Authorization: "+ts.auth,
		"Connection: close",
	)
	resp := readRawResponse(t, br)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "close", resp.Header.Get("Connection"))

	io.ReadAll(resp.Body)
	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerHTTP10ClosesByDefault(t *testing.T) {
	ts := startTestServer(t, nil)
	conn, br := dialRaw(t, ts)

	writeRawRequest(t, conn,
		"GET / HTTP/1.0",
		"Host: "+ts.addr(),
		"Authorization: "+ts.auth,
	)
	resp := readRawResponse(t, br)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "close", resp.Header.Get("Connection"))

	io.ReadAll(resp.Body)
	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerRejectsMalformedRequest(t *testing.T) {
	tests := []struct {
		name    string
		request string
	}{
		{"garbage request line", "GARBAGE\r\n\r\n"},
		{"unsupported protocol", "GET / HTTP/2.0\r\nHost: x\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := startTestServer(t, nil)
			conn, br := dialRaw(t, ts)

			_, err := conn.Write([]byte(tt.request))
			require.NoError(t, err)

			resp := readRawResponse(t, br)
			assert.Equal(t, 400, resp.StatusCode)
			assert.Equal(t, "close", resp.Header.Get("Connection"))
		})
	}
}

func TestServerRejectsOversizedHeader(t *testing.T) {
	ts := startTestServer(t, nil)
	conn, br := dialRaw(t, ts)

	writeRawRequest(t, conn,
		"GET / HTTP/1.1",
		"Host: "+ts.addr(),
		"X-Padding: "+strings.Repeat("a", 20*1024),
	)
	resp := readRawResponse(t, br)
	assert.Equal(t, 413, resp.StatusCode)
}

func TestServerPortProbing(t *testing.T) {
	_, busyPort := reservePort(t)
	freeLn, freePort := reservePort(t)
	freeLn.Close()

	fake := newFakeCommander()
	h, err := NewHub(HubParams{Commander: fake})
	require.NoError(t, err)

	srv, err := NewServer(Params{
		Hub:   h,
		Host:  "127.0.0.1",
		Ports: []int{busyPort, freePort},
	})
	require.NoError(t, err)

	status, err := srv.Start()
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	assert.Equal(t, freePort, status.Port)
}

func TestServerExplicitPortBusy(t *testing.T) {
	_, busyPort := reservePort(t)

	fake := newFakeCommander()
	h, err := NewHub(HubParams{Commander: fake})
	require.NoError(t, err)

	srv, err := NewServer(Params{
		Hub:   h,
		Host:  "127.0.0.1",
		Ports: []int{busyPort},
	})
	require.NoError(t, err)

	_, err = srv.Start()
	require.Error(t, err)

	var fault *faults.Error
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, faults.CodeServerPortInUse, fault.Code)
	assert.Equal(t, busyPort, fault.Context.Port)
	assert.False(t, srv.Status().IsRunning)
}

func TestServerWebSocketHandshake(t *testing.T) {
	ts := startTestServer(t, nil)
	conn, br := dialRaw(t, ts)

	// Key and accept value from RFC 6455 §1.3.
	writeRawRequest(t, conn,
		"GET / HTTP/1.1",
		"Host: "+ts.addr(),
		"Authorization: "+ts.auth,
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version: 13",
	)
	resp := readRawResponse(t, br)

	require.Equal(t, 101, resp.StatusCode)
	assert.Equal(t, "websocket", resp.Header.Get("Upgrade"))
	assert.Equal(t, "Upgrade", resp.Header.Get("Connection"))
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))

	require.Eventually(t, func() bool {
		return ts.hub.ActiveConnectionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerUpgradeWinsOverRouting(t *testing.T) {
	ts := startTestServer(t, nil)
	conn, br := dialRaw(t, ts)

	// An upgrade request to an API path must upgrade, not route.
	writeRawRequest(t, conn,
		"GET /api/state HTTP/1.1",
		"Host: "+ts.addr(),
		"Authorization: "+ts.auth,
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version: 13",
	)
	resp := readRawResponse(t, br)

	assert.Equal(t, 101, resp.StatusCode)
}

func TestServerUpgradeRequiresAuth(t *testing.T) {
	ts := startTestServer(t, nil)
	conn, br := dialRaw(t, ts)

	writeRawRequest(t, conn,
		"GET / HTTP/1.1",
		"Host: "+ts.addr(),
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version: 13",
	)
	resp := readRawResponse(t, br)

	assert.Equal(t, 401, resp.StatusCode)
	assert.Equal(t, 0, ts.hub.ActiveConnectionCount())
}

func TestServerUpgradeUnsupportedVersion(t *testing.T) {
	ts := startTestServer(t, nil)
	conn, br := dialRaw(t, ts)

	writeRawRequest(t, conn,
		"GET / HTTP/1.1",
		"Host: "+ts.addr(),
		"Authorization: "+ts.auth,
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version: 8",
	)
	resp := readRawResponse(t, br)

	assert.Equal(t, 426, resp.StatusCode)
	assert.Equal(t, "13", resp.Header.Get("Sec-WebSocket-Version"))
}

func TestServerUpgradeMissingKey(t *testing.T) {
	ts := startTestServer(t, nil)
	conn, br := dialRaw(t, ts)

	writeRawRequest(t, conn,
		"GET / HTTP/1.1",
		"Host: "+ts.addr(),
		"Authorization: "+ts.auth,
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Version: 13",
	)
	resp := readRawResponse(t, br)

	assert.Equal(t, 400, resp.StatusCode)
}

func TestServerUpgradeMissingConnectionToken(t *testing.T) {
	ts := startTestServer(t, nil)
	conn, br := dialRaw(t, ts)

	writeRawRequest(t, conn,
		"GET / HTTP/1.1",
		"Host: "+ts.addr(),
		"Authorization: "+ts.auth,
		"Upgrade: websocket",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version: 13",
	)
	resp := readRawResponse(t, br)

	assert.Equal(t, 400, resp.StatusCode)
}

// TestServerWebSocketEndToEnd drives the full path with a conforming
// client library: handshake, JSON messages, dispatch, and broadcast.
func TestServerWebSocketEndToEnd(t *testing.T) {
	ts := startTestServer(t, nil)

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	header := http.Header{"Authorization": []string{ts.auth}}
	wsURL := "ws://" + ts.addr() + "/"

	conn, resp, err := dialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var env recvEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, TypePong, env.Type)
	assert.NotEmpty(t, env.Timestamp)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "get-state"}))
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, TypeStateSync, env.Type)
	var stateData stateSyncData
	require.NoError(t, json.Unmarshal(env.Data, &stateData))
	assert.Equal(t, "app-state", stateData.Type)
	require.NotNil(t, stateData.State)
	assert.True(t, stateData.State.KeysExist)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "execute-operation",
		"data": map[string]interface{}{
			"operation": "enroll",
			"config":    map[string]string{"url": "https://api.example.com/enroll"},
		},
	}))
	select {
	case cfg := <-ts.fake.enrolls:
		require.NotNil(t, cfg)
		assert.Equal(t, "https://api.example.com/enroll", cfg.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("enrollment never dispatched")
	}

	ts.hub.Broadcast(TypeLogUpdate, bridge.LogEntry{ID: "log-e2e", Message: "hello"})
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, TypeLogUpdate, env.Type)
	var entry bridge.LogEntry
	require.NoError(t, json.Unmarshal(env.Data, &entry))
	assert.Equal(t, "log-e2e", entry.ID)
}

func TestServerAuthThrottle(t *testing.T) {
	limiter := ratelimit.New(&ratelimit.Config{
		Enabled:           true,
		AttemptsPerMinute: 1,
		Burst:             2,
	})
	t.Cleanup(limiter.Stop)

	ts := startTestServer(t, func(p *Params) {
		p.Throttle = limiter
	})
	badAuth := BasicAuthorization("admin", "000000")

	for i := 0; i < 2; i++ {
		resp := doRequest(t, "GET", ts.url("/"), badAuth)
		assert.Equal(t, 401, resp.StatusCode)
	}

	resp := doRequest(t, "GET", ts.url("/"), badAuth)
	assert.Equal(t, 429, resp.StatusCode)
	assert.Equal(t, "Too many attempts", readBody(t, resp))

	// Successful authentication is never throttled.
	resp = doRequest(t, "GET", ts.url("/"), ts.auth)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestServerStopClosesWebSockets(t *testing.T) {
	ts := startTestServer(t, nil)

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	header := http.Header{"Authorization": []string{ts.auth}}
	conn, resp, err := dialer.Dial("ws://"+ts.addr()+"/", header)
	require.NoError(t, err)
	defer conn.Close()
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return ts.hub.ActiveConnectionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	ts.srv.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, int(websocket.CloseGoingAway), closeErr.Code)
	assert.Equal(t, 0, ts.hub.ActiveConnectionCount())
}

func TestServerStatusReflectsConnections(t *testing.T) {
	ts := startTestServer(t, nil)
	assert.Equal(t, 0, ts.srv.Status().ActiveConnections)

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	header := http.Header{"Authorization": []string{ts.auth}}
	conn, resp, err := dialer.Dial("ws://"+ts.addr()+"/", header)
	require.NoError(t, err)
	defer conn.Close()
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return ts.srv.Status().ActiveConnections == 1
	}, 2*time.Second, 10*time.Millisecond)
}
