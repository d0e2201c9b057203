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

package retry

import "sync"

// ConnectionListener receives connection state transitions. Callbacks
// run synchronously on the goroutine reporting the transition.
type ConnectionListener struct {
	OnConnected    func()
	OnDisconnected func(err error)
}

// ConnectionTracker records whether a remote peer is reachable and fans
// state transitions out to listeners. Repeated reports of the same
// state are absorbed; listeners only see edges.
type ConnectionTracker struct {
	mu                sync.Mutex
	connected         bool
	reconnectAttempts int
	listeners         map[int]ConnectionListener
	nextID            int
}

// NewConnectionTracker creates a tracker in the disconnected state.
func NewConnectionTracker() *ConnectionTracker {
	return &ConnectionTracker{
		listeners: make(map[int]ConnectionListener),
	}
}

// AddListener registers a listener and returns its remove function.
// The remove function is safe to call more than once.
func (t *ConnectionTracker) AddListener(l ConnectionListener) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.listeners, id)
			t.mu.Unlock()
		})
	}
}

// MarkConnected records a successful connection. The reconnect counter
// resets and OnConnected listeners fire if this is a transition.
func (t *ConnectionTracker) MarkConnected() {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = true
	t.reconnectAttempts = 0
	listeners := t.snapshotLocked()
	t.mu.Unlock()

	for _, l := range listeners {
		if l.OnConnected != nil {
			l.OnConnected()
		}
	}
}

// MarkDisconnected records a lost connection. Every call increments the
// reconnect counter; OnDisconnected listeners fire only on the
// connected→disconnected edge.
func (t *ConnectionTracker) MarkDisconnected(err error) {
	t.mu.Lock()
	t.reconnectAttempts++
	wasConnected := t.connected
	t.connected = false
	listeners := t.snapshotLocked()
	t.mu.Unlock()

	if !wasConnected {
		return
	}
	for _, l := range listeners {
		if l.OnDisconnected != nil {
			l.OnDisconnected(err)
		}
	}
}

// State returns the current connection flag and the number of
// disconnect reports since the last successful connection.
func (t *ConnectionTracker) State() (connected bool, reconnectAttempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected, t.reconnectAttempts
}

func (t *ConnectionTracker) snapshotLocked() []ConnectionListener {
	listeners := make([]ConnectionListener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	return listeners
}
