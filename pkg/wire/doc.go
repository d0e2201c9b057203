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

// Package wire implements the byte-level protocol surface of the control
// server: an incremental HTTP/1.1 request parser, a minimal response
// encoder, and an RFC 6455 WebSocket frame codec.
//
// The parser is a small state machine (request line → headers → body →
// complete) fed with whatever byte slices the socket produces. It never
// assumes a request arrives in one read, which is what makes the server
// correct against real browsers on real networks. The WebSocket codec
// covers exactly the server side of RFC 6455: it requires masked client
// frames, never masks server frames, and enforces the 125-byte control
// frame limit.
//
// Both halves operate on plain byte slices and io interfaces so they can
// be tested without sockets.
package wire
