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

package wire

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// websocketGUID is the magic value RFC 6455 §4.2.2 concatenates with the
// client key to prove the handshake was understood.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// SupportedWebSocketVersion is the only protocol version this server
// accepts.
const SupportedWebSocketVersion = "13"

// MaxControlPayload is the RFC 6455 §5.5 payload cap for control
// frames.
const MaxControlPayload = 125

// DefaultMaxMessageBytes bounds a single data message after reassembly.
const DefaultMaxMessageBytes = 1 << 20

// Opcode identifies a WebSocket frame type.
type Opcode byte

// RFC 6455 §5.2 opcodes.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether the opcode is a control frame.
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

// String returns the opcode name for logs.
func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%x)", byte(o))
	}
}

// Close status codes this server uses.
const (
	CloseNormal        uint16 = 1000
	CloseGoingAway     uint16 = 1001
	CloseProtocolError uint16 = 1002
	CloseNoStatus      uint16 = 1005
	CloseTooBig        uint16 = 1009
	CloseInternalError uint16 = 1011
)

// Frame protocol violations. Any of these tears the connection down.
var (
	ErrUnmaskedFrame   = errors.New("client frame not masked")
	ErrReservedBits    = errors.New("reserved bits set")
	ErrReservedOpcode  = errors.New("reserved opcode")
	ErrControlTooLong  = errors.New("control frame payload exceeds 125 bytes")
	ErrFragmentedCtrl  = errors.New("fragmented control frame")
	ErrFrameTooLarge   = errors.New("frame payload exceeds limit")
	ErrMessageTooLarge = errors.New("message exceeds limit")
	ErrBadContinuation = errors.New("continuation frame without preceding data frame")
	ErrExpectedContin  = errors.New("data frame while message in progress")
)

// Frame is a single decoded WebSocket frame. Payload is unmasked.
type Frame struct {
	Final   bool
	Opcode  Opcode
	Payload []byte
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client's
// Sec-WebSocket-Key per RFC 6455 §4.2.2.
func AcceptKey(clientKey string) string {
	h := sha1.New()
	io.WriteString(h, clientKey)
	io.WriteString(h, websocketGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NewUpgradeResponse builds the 101 Switching Protocols response
// completing the handshake for the given client key.
func NewUpgradeResponse(clientKey string) *Response {
	resp := NewResponse(101)
	resp.Add("Upgrade", "websocket")
	resp.Add("Connection", "Upgrade")
	resp.Add("Sec-WebSocket-Accept", AcceptKey(clientKey))
	return resp
}

// ReadFrame decodes one client frame. Client frames must be masked; the
// payload is unmasked before returning. maxPayload bounds a single
// frame; non-positive means DefaultMaxMessageBytes.
func ReadFrame(r io.Reader, maxPayload int64) (Frame, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxMessageBytes
	}

	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, err
	}

	final := head[0]&0x80 != 0
	if head[0]&0x70 != 0 {
		return Frame{}, ErrReservedBits
	}
	opcode := Opcode(head[0] & 0x0F)
	switch opcode {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
	default:
		return Frame{}, ErrReservedOpcode
	}

	masked := head[1]&0x80 != 0
	if !masked {
		return Frame{}, ErrUnmaskedFrame
	}

	length := int64(head[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		v := binary.BigEndian.Uint64(ext[:])
		if v > 1<<62 {
			return Frame{}, ErrFrameTooLarge
		}
		length = int64(v)
	}

	if opcode.IsControl() {
		if length > MaxControlPayload {
			return Frame{}, ErrControlTooLong
		}
		if !final {
			return Frame{}, ErrFragmentedCtrl
		}
	}
	if length > maxPayload {
		return Frame{}, ErrFrameTooLarge
	}

	var key [4]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return Frame{}, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	maskBytes(key, 0, payload)

	return Frame{Final: final, Opcode: opcode, Payload: payload}, nil
}

// EncodeFrame serializes a server frame. Server frames are never
// masked, per RFC 6455 §5.1.
func EncodeFrame(f Frame) []byte {
	return encodeFrame(f, nil)
}

// EncodeMaskedFrame serializes a frame masked with key, producing what
// a conforming client would send. Used by tests and client tooling.
func EncodeMaskedFrame(f Frame, key [4]byte) []byte {
	return encodeFrame(f, key[:])
}

func encodeFrame(f Frame, maskKey []byte) []byte {
	b0 := byte(f.Opcode)
	if f.Final {
		b0 |= 0x80
	}

	length := len(f.Payload)
	var header []byte
	switch {
	case length <= 125:
		header = []byte{b0, byte(length)}
	case length <= 0xFFFF:
		header = []byte{b0, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(length))
	default:
		header = []byte{b0, 127, 0, 0, 0, 0, 0, 0, 0, 0}
		binary.BigEndian.PutUint64(header[2:], uint64(length))
	}

	if maskKey != nil {
		header[1] |= 0x80
	}

	buf := make([]byte, 0, len(header)+4+length)
	buf = append(buf, header...)
	if maskKey != nil {
		buf = append(buf, maskKey...)
		start := len(buf)
		buf = append(buf, f.Payload...)
		var key [4]byte
		copy(key[:], maskKey)
		maskBytes(key, 0, buf[start:])
	} else {
		buf = append(buf, f.Payload...)
	}
	return buf
}

// WriteFrame encodes and writes a server frame in a single Write call
// so concurrent writers never interleave partial frames.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(EncodeFrame(f))
	return err
}

// CloseFrame builds a close frame with the given status code and
// reason. The reason is truncated to fit the control frame limit.
func CloseFrame(code uint16, reason string) Frame {
	if len(reason) > MaxControlPayload-2 {
		reason = reason[:MaxControlPayload-2]
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	copy(payload[2:], reason)
	return Frame{Final: true, Opcode: OpClose, Payload: payload}
}

// ParseClose extracts the status code and reason from a close frame
// payload. An empty payload means no status was sent (RFC 6455 §7.1.5).
func ParseClose(payload []byte) (code uint16, reason string) {
	if len(payload) < 2 {
		return CloseNoStatus, ""
	}
	return binary.BigEndian.Uint16(payload[:2]), string(payload[2:])
}

// maskBytes XORs b with the mask key starting at position pos within
// the payload, returning the next position. Per RFC 6455 §5.3.
func maskBytes(key [4]byte, pos int, b []byte) int {
	for i := range b {
		b[i] ^= key[(pos+i)%4]
	}
	return (pos + len(b)) % 4
}

// MessageAssembler reassembles fragmented data messages. Control
// frames must be handled by the caller before Push; interleaved
// control frames between fragments are legal per RFC 6455 §5.4.
type MessageAssembler struct {
	maxSize int64
	opcode  Opcode
	buf     []byte
	active  bool
}

// NewMessageAssembler creates an assembler with the given reassembled
// message cap. Non-positive means DefaultMaxMessageBytes.
func NewMessageAssembler(maxSize int64) *MessageAssembler {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageBytes
	}
	return &MessageAssembler{maxSize: maxSize}
}

// Push adds a data frame. When the frame completes a message, complete
// is true and payload/opcode describe the whole message. The returned
// payload is owned by the caller; the assembler resets for the next
// message.
func (a *MessageAssembler) Push(f Frame) (payload []byte, opcode Opcode, complete bool, err error) {
	if f.Opcode.IsControl() {
		return nil, 0, false, fmt.Errorf("control frame %s routed to assembler", f.Opcode)
	}

	switch {
	case f.Opcode == OpContinuation:
		if !a.active {
			return nil, 0, false, ErrBadContinuation
		}
	default:
		if a.active {
			return nil, 0, false, ErrExpectedContin
		}
		a.active = true
		a.opcode = f.Opcode
	}

	if int64(len(a.buf))+int64(len(f.Payload)) > a.maxSize {
		a.reset()
		return nil, 0, false, ErrMessageTooLarge
	}
	a.buf = append(a.buf, f.Payload...)

	if !f.Final {
		return nil, 0, false, nil
	}

	payload = a.buf
	opcode = a.opcode
	a.buf = nil
	a.reset()
	return payload, opcode, true, nil
}

func (a *MessageAssembler) reset() {
	a.active = false
	a.opcode = 0
	a.buf = nil
}
