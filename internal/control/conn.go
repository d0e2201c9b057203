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
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jeremyhahn/go-webcontrol/pkg/wire"
)

// writeTimeout bounds a single write so one stalled peer cannot wedge a
// broadcast.
const writeTimeout = 10 * time.Second

// wsConn is one upgraded browser connection. Reads happen on a single
// loop goroutine; writes may come from any goroutine and are serialized
// by writeMu so frames never interleave.
type wsConn struct {
	id        string
	raw       net.Conn
	reader    io.Reader
	writeMu   sync.Mutex
	closeOnce sync.Once

	// Guarded by the hub mutex.
	isAlive  bool
	lastSeen time.Time
}

// newWSConn wraps an upgraded socket. Bytes the HTTP parser read past
// the handshake are replayed ahead of subsequent socket reads.
func newWSConn(id string, raw net.Conn, buffered []byte) *wsConn {
	var r io.Reader = raw
	if len(buffered) > 0 {
		r = io.MultiReader(bytes.NewReader(buffered), raw)
	}
	return &wsConn{
		id:       id,
		raw:      raw,
		reader:   r,
		isAlive:  true,
		lastSeen: time.Now(),
	}
}

func (c *wsConn) writeFrame(f wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.raw.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wire.WriteFrame(c.raw, f)
}

func (c *wsConn) writeText(payload []byte) error {
	return c.writeFrame(wire.Frame{Final: true, Opcode: wire.OpText, Payload: payload})
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.raw.Close()
	})
}
