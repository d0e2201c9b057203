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
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Parser limits. Headers beyond the cap indicate a misbehaving or
// malicious client; the connection is torn down rather than buffered
// without bound.
const (
	DefaultMaxHeaderBytes = 16 * 1024
	DefaultMaxBodyBytes   = 1 << 20
)

// Parse failures. Callers translate these into HTTP error responses.
var (
	ErrMalformedRequest    = errors.New("malformed request")
	ErrUnsupportedProtocol = errors.New("unsupported protocol version")
	ErrUnsupportedEncoding = errors.New("unsupported transfer encoding")
	ErrHeaderTooLarge      = errors.New("header section too large")
	ErrBodyTooLarge        = errors.New("body too large")
)

// Header is a single name/value pair. Order and duplicates are
// preserved as received.
type Header struct {
	Name  string
	Value string
}

// Request is a fully parsed HTTP/1.1 request.
type Request struct {
	Method  string
	Target  string
	Proto   string
	Headers []Header
	Body    []byte
}

// Header returns the value of the first header matching name,
// case-insensitively. Missing headers return "".
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HasHeaderToken reports whether any header matching name contains
// token in its comma-separated value list, case-insensitively.
func (r *Request) HasHeaderToken(name, token string) bool {
	for _, h := range r.Headers {
		if !strings.EqualFold(h.Name, name) {
			continue
		}
		for _, part := range strings.Split(h.Value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// IsWebSocketUpgrade reports whether the request asks to upgrade to the
// WebSocket protocol. Full handshake validation happens later; this is
// only the routing signal.
func (r *Request) IsWebSocketUpgrade() bool {
	return r.HasHeaderToken("Upgrade", "websocket")
}

// KeepAlive reports whether the connection should stay open after the
// response, per HTTP/1.0 and HTTP/1.1 defaults.
func (r *Request) KeepAlive() bool {
	if r.Proto == "HTTP/1.0" {
		return r.HasHeaderToken("Connection", "keep-alive")
	}
	return !r.HasHeaderToken("Connection", "close")
}

type parseState int

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateBody
	stateComplete
)

// Parser accumulates raw socket bytes and produces Requests. It is an
// incremental state machine: Feed may be called with fragments as small
// as one byte and with multiple pipelined requests in one slice. A
// Parser is not safe for concurrent use.
type Parser struct {
	MaxHeaderBytes int
	MaxBodyBytes   int

	state         parseState
	buf           []byte
	headerBytes   int
	contentLength int
	haveLength    bool
	req           *Request
}

// NewParser creates a parser with default limits.
func NewParser() *Parser {
	return &Parser{
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		req:            &Request{},
	}
}

// Feed appends data and advances the state machine. It returns true
// once a complete request is available via Request. After an error the
// parser is poisoned; the connection should be closed.
func (p *Parser) Feed(data []byte) (bool, error) {
	p.buf = append(p.buf, data...)
	return p.advance()
}

// Reset prepares the parser for the next request on the same
// connection, consuming any pipelined bytes already buffered. Like
// Feed, it returns true if a complete request is already available.
func (p *Parser) Reset() (bool, error) {
	p.state = stateRequestLine
	p.headerBytes = 0
	p.contentLength = 0
	p.haveLength = false
	p.req = &Request{}
	return p.advance()
}

// Done reports whether a complete request is buffered.
func (p *Parser) Done() bool {
	return p.state == stateComplete
}

// Request returns the parsed request once Done reports true.
func (p *Parser) Request() *Request {
	return p.req
}

// Buffered returns bytes received beyond the current request. After a
// WebSocket upgrade these are the first frame bytes and must be
// replayed ahead of subsequent socket reads.
func (p *Parser) Buffered() []byte {
	return p.buf
}

func (p *Parser) advance() (bool, error) {
	for {
		switch p.state {
		case stateRequestLine:
			// Tolerate blank lines before the request line.
			for len(p.buf) > 0 && (p.buf[0] == '\r' || p.buf[0] == '\n') {
				p.buf = p.buf[1:]
			}
			line, rest, ok := cutLine(p.buf)
			if !ok {
				return false, p.checkHeaderBound()
			}
			p.headerBytes += len(p.buf) - len(rest)
			p.buf = rest
			if err := p.parseRequestLine(line); err != nil {
				return false, err
			}
			p.state = stateHeaders

		case stateHeaders:
			line, rest, ok := cutLine(p.buf)
			if !ok {
				return false, p.checkHeaderBound()
			}
			p.headerBytes += len(p.buf) - len(rest)
			if p.headerBytes > p.MaxHeaderBytes {
				return false, ErrHeaderTooLarge
			}
			p.buf = rest
			if len(line) == 0 {
				// Blank line ends the header section.
				if p.contentLength == 0 {
					p.state = stateComplete
					return true, nil
				}
				p.state = stateBody
				continue
			}
			if err := p.parseHeaderLine(line); err != nil {
				return false, err
			}

		case stateBody:
			if len(p.buf) < p.contentLength {
				return false, nil
			}
			p.req.Body = make([]byte, p.contentLength)
			copy(p.req.Body, p.buf[:p.contentLength])
			p.buf = p.buf[p.contentLength:]
			p.state = stateComplete
			return true, nil

		case stateComplete:
			return true, nil
		}
	}
}

// checkHeaderBound guards against a head section that never ends.
func (p *Parser) checkHeaderBound() error {
	if p.headerBytes+len(p.buf) > p.MaxHeaderBytes {
		return ErrHeaderTooLarge
	}
	return nil
}

func (p *Parser) parseRequestLine(line []byte) error {
	parts := strings.Split(string(line), " ")
	if len(parts) != 3 {
		return fmt.Errorf("%w: bad request line", ErrMalformedRequest)
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if method == "" || !isToken(method) {
		return fmt.Errorf("%w: bad method", ErrMalformedRequest)
	}
	if target == "" {
		return fmt.Errorf("%w: empty request target", ErrMalformedRequest)
	}
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return ErrUnsupportedProtocol
	}
	p.req.Method = method
	p.req.Target = target
	p.req.Proto = proto
	return nil
}

func (p *Parser) parseHeaderLine(line []byte) error {
	idx := bytes.IndexByte(line, ':')
	if idx <= 0 {
		return fmt.Errorf("%w: bad header line", ErrMalformedRequest)
	}
	name := string(line[:idx])
	if !isToken(name) {
		return fmt.Errorf("%w: bad header name %q", ErrMalformedRequest, name)
	}
	value := strings.Trim(string(line[idx+1:]), " \t")
	p.req.Headers = append(p.req.Headers, Header{Name: name, Value: value})

	switch {
	case strings.EqualFold(name, "Content-Length"):
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: bad content-length %q", ErrMalformedRequest, value)
		}
		if p.haveLength && n != p.contentLength {
			return fmt.Errorf("%w: conflicting content-length", ErrMalformedRequest)
		}
		if n > p.MaxBodyBytes {
			return ErrBodyTooLarge
		}
		p.contentLength = n
		p.haveLength = true
	case strings.EqualFold(name, "Transfer-Encoding"):
		return ErrUnsupportedEncoding
	}
	return nil
}

// cutLine splits off one line, tolerating both CRLF and bare LF
// endings. ok is false when no complete line is buffered yet.
func cutLine(buf []byte) (line, rest []byte, ok bool) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return nil, buf, false
	}
	line = buf[:idx]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, buf[idx+1:], true
}

// isToken reports whether s consists entirely of RFC 7230 tchar.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

// Response is an HTTP/1.1 response under construction.
type Response struct {
	Status  int
	Headers []Header
	Body    []byte
}

// NewResponse creates a response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status}
}

// Add appends a header.
func (r *Response) Add(name, value string) {
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
}

// Encode serializes the response. Content-Length is written
// automatically for statuses that carry a body.
func (r *Response) Encode() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.Status, StatusText(r.Status))
	for _, h := range r.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	if r.Status >= 200 && r.Status != 204 && r.Status != 304 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(r.Body))
	}
	b.WriteString("\r\n")
	b.Write(r.Body)
	return b.Bytes()
}

// TextResponse builds a plain-text response.
func TextResponse(status int, body string) *Response {
	resp := NewResponse(status)
	resp.Add("Content-Type", "text/plain; charset=utf-8")
	resp.Body = []byte(body)
	return resp
}

// JSONResponse builds an application/json response from already
// marshaled bytes.
func JSONResponse(status int, body []byte) *Response {
	resp := NewResponse(status)
	resp.Add("Content-Type", "application/json")
	resp.Body = body
	return resp
}

// StatusText returns the reason phrase for the statuses this server
// emits.
func StatusText(status int) string {
	switch status {
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 413:
		return "Content Too Large"
	case 426:
		return "Upgrade Required"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
