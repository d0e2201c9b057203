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

package ratelimit

import (
	"net"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	config := &Config{
		Enabled:           true,
		AttemptsPerMinute: 60,
		Burst:             10,
	}

	limiter := New(config)
	if limiter == nil {
		t.Fatal("Expected limiter to be created")
	}

	if !limiter.IsEnabled() {
		t.Error("Expected limiter to be enabled")
	}

	stats := limiter.Stats()
	if stats["enabled"] != true {
		t.Error("Expected enabled to be true in stats")
	}

	limiter.Stop()
}

func TestNewNilConfig(t *testing.T) {
	limiter := New(nil)
	if limiter.IsEnabled() {
		t.Error("Expected nil config to produce a disabled limiter")
	}
	if !limiter.Allow("anyone") {
		t.Error("Disabled limiter should allow everything")
	}
}

func TestAllow(t *testing.T) {
	config := &Config{
		Enabled:           true,
		AttemptsPerMinute: 60, // 1 per second
		Burst:             5,
	}

	limiter := New(config)
	defer limiter.Stop()

	clientID := "test-client"

	// First 5 failures fit within the burst
	for i := 0; i < 5; i++ {
		if !limiter.Allow(clientID) {
			t.Errorf("Attempt %d should be allowed (burst)", i+1)
		}
	}

	// Next attempt should be denied (burst exhausted)
	if limiter.Allow(clientID) {
		t.Error("Attempt should be denied after burst exhausted")
	}

	// Wait for 1 second, 1 token should be available
	time.Sleep(1 * time.Second)
	if !limiter.Allow(clientID) {
		t.Error("Attempt should be allowed after waiting")
	}
}

func TestDisabledLimiter(t *testing.T) {
	config := &Config{
		Enabled:           false,
		AttemptsPerMinute: 1,
	}

	limiter := New(config)

	clientID := "test-client"

	for i := 0; i < 100; i++ {
		if !limiter.Allow(clientID) {
			t.Error("Disabled limiter should allow all attempts")
		}
	}
}

func TestPerClientLimiting(t *testing.T) {
	config := &Config{
		Enabled:           true,
		AttemptsPerMinute: 60,
		Burst:             1,
	}

	limiter := New(config)
	defer limiter.Stop()

	client1 := "client-1"
	client2 := "client-2"

	// Exhaust client1's burst
	if !limiter.Allow(client1) {
		t.Error("First attempt for client1 should be allowed")
	}
	if limiter.Allow(client1) {
		t.Error("Second attempt for client1 should be denied")
	}

	// Client2 should still have budget
	if !limiter.Allow(client2) {
		t.Error("First attempt for client2 should be allowed")
	}
}

func TestBurstDefaultsToAttemptsPerMinute(t *testing.T) {
	config := &Config{
		Enabled:           true,
		AttemptsPerMinute: 3,
	}

	limiter := New(config)
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		if !limiter.Allow("client") {
			t.Errorf("Attempt %d should fit within the default burst", i+1)
		}
	}
	if limiter.Allow("client") {
		t.Error("Attempt beyond default burst should be denied")
	}
}

func TestCleanup(t *testing.T) {
	config := &Config{
		Enabled:           true,
		AttemptsPerMinute: 60,
		CleanupInterval:   100 * time.Millisecond,
		MaxIdle:           200 * time.Millisecond,
	}

	limiter := New(config)
	defer limiter.Stop()

	limiter.Allow("test-client")

	limiter.mu.RLock()
	if len(limiter.limiters) != 1 {
		t.Errorf("Expected 1 limiter, got %d", len(limiter.limiters))
	}
	limiter.mu.RUnlock()

	// Wait for cleanup
	time.Sleep(400 * time.Millisecond)

	limiter.mu.RLock()
	if len(limiter.limiters) != 0 {
		t.Errorf("Expected 0 limiters after cleanup, got %d", len(limiter.limiters))
	}
	limiter.mu.RUnlock()
}

func TestAllowConn(t *testing.T) {
	config := &Config{
		Enabled:           true,
		AttemptsPerMinute: 60,
		Burst:             1,
	}

	limiter := New(config)
	defer limiter.Stop()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	// net.Pipe addresses have no port, so both ends share one bucket
	if !limiter.AllowConn(server) {
		t.Error("First attempt over conn should be allowed")
	}
	if limiter.AllowConn(server) {
		t.Error("Second attempt over conn should be denied")
	}
}

func TestAllowConnNil(t *testing.T) {
	limiter := New(&Config{Enabled: true, AttemptsPerMinute: 60, Burst: 1})
	defer limiter.Stop()

	if !limiter.AllowConn(nil) {
		t.Error("Nil conn should be allowed on first attempt under the shared key")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name     string
		conn     net.Conn
		expected string
	}{
		{
			name:     "nil conn",
			conn:     nil,
			expected: "unknown",
		},
		{
			name:     "host and port",
			conn:     fakeConn{addr: "192.168.1.1:1234"},
			expected: "192.168.1.1",
		},
		{
			name:     "no port",
			conn:     fakeConn{addr: "pipe"},
			expected: "pipe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip := ClientIP(tt.conn)
			if ip != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, ip)
			}
		})
	}
}

func TestStats(t *testing.T) {
	config := &Config{
		Enabled:           true,
		AttemptsPerMinute: 120,
		Burst:             10,
	}

	limiter := New(config)
	defer limiter.Stop()

	limiter.Allow("client-1")
	limiter.Allow("client-2")

	stats := limiter.Stats()

	if stats["enabled"] != true {
		t.Error("Expected enabled to be true")
	}

	if stats["active_clients"] != 2 {
		t.Errorf("Expected 2 active clients, got %v", stats["active_clients"])
	}

	if stats["attempts_per_min"] != 120.0 {
		t.Errorf("Expected attempts_per_min 120, got %v", stats["attempts_per_min"])
	}

	if stats["burst"] != 10 {
		t.Errorf("Expected burst 10, got %v", stats["burst"])
	}
}

func TestStopIsIdempotent(t *testing.T) {
	limiter := New(&Config{Enabled: true, AttemptsPerMinute: 60})
	limiter.Stop()
	limiter.Stop()
}

// fakeConn implements just enough of net.Conn for address extraction.
type fakeConn struct {
	net.Conn
	addr string
}

func (c fakeConn) RemoteAddr() net.Addr {
	return fakeAddr(c.addr)
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }
