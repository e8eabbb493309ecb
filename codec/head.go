package codec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// DefaultMaxHeadBytes bounds the size of a request or response head.
const DefaultMaxHeadBytes = 8 << 10

// RequestHead is the start line and header block of a request.
type RequestHead struct {
	Method string
	Target string // request-target as sent: origin-form, absolute-form or authority-form
	Proto  string
	Header Header
}

// ResponseHead is the status line and header block of a response.
type ResponseHead struct {
	Proto  string
	Status int
	Reason string
	Header Header
}

// StatusText returns the reason phrase for code, or "Unknown" when the
// code is not registered.
func StatusText(code int) string {
	if s := http.StatusText(code); s != "" {
		return s
	}
	return "Unknown"
}

// headReader enforces a byte budget across every line of one head.
type headReader struct {
	br    *bufio.Reader
	limit int
	used  int
}

func (r *headReader) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				if r.used == 0 && sb.Len() == 0 {
					return "", ErrClosed
				}
				return "", ErrPartialHead
			}
			return "", err
		}
		r.used++
		if r.limit > 0 && r.used > r.limit {
			return "", ErrHeadTooLong
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
	}
	return sb.String(), nil
}

func (r *headReader) readHeaders() (Header, error) {
	h := make(Header)
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			// obsolete line folding
			return nil, ErrMalformedHeader
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, ErrMalformedHeader
		}
		k := line[:i]
		v := strings.TrimSpace(line[i+1:])
		if !httpguts.ValidHeaderFieldName(k) || !httpguts.ValidHeaderFieldValue(v) {
			return nil, ErrMalformedHeader
		}
		h.Add(k, v)
	}
}

func validProto(proto string) bool {
	return proto == "HTTP/1.1" || proto == "HTTP/1.0"
}

// ReadRequestHead parses one request head from br. Empty lines preceding
// the request line are skipped. maxBytes <= 0 selects DefaultMaxHeadBytes.
func ReadRequestHead(br *bufio.Reader, maxBytes int) (*RequestHead, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxHeadBytes
	}
	r := &headReader{br: br, limit: maxBytes}
	var line string
	for {
		l, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if l != "" {
			line = l
			break
		}
	}
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, ErrMalformedHead
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, ErrMalformedHead
	}
	if !strings.HasPrefix(proto, "HTTP/") {
		return nil, ErrMalformedHead
	}
	if !validProto(proto) {
		return nil, ErrUnsupportedVersion
	}
	h, err := r.readHeaders()
	if err != nil {
		return nil, err
	}
	return &RequestHead{Method: method, Target: target, Proto: proto, Header: h}, nil
}

// ReadResponseHead parses one response head from br. Interim 1xx heads are
// returned like any other head; callers decide whether to keep reading.
func ReadResponseHead(br *bufio.Reader, maxBytes int) (*ResponseHead, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxHeadBytes
	}
	r := &headReader{br: br, limit: maxBytes}
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, ErrMalformedHead
	}
	proto := parts[0]
	if !strings.HasPrefix(proto, "HTTP/") {
		return nil, ErrMalformedHead
	}
	if !validProto(proto) {
		return nil, ErrUnsupportedVersion
	}
	if len(parts[1]) != 3 {
		return nil, ErrMalformedHead
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 {
		return nil, ErrMalformedHead
	}
	var reason string
	if len(parts) == 3 {
		reason = parts[2]
	}
	h, err := r.readHeaders()
	if err != nil {
		return nil, err
	}
	return &ResponseHead{Proto: proto, Status: code, Reason: reason, Header: h}, nil
}

// WriteRequestHead serializes h. An empty Proto is written as HTTP/1.1.
func WriteRequestHead(w io.Writer, h *RequestHead) error {
	if !httpguts.ValidHeaderFieldName(h.Method) {
		return fmt.Errorf("codec: invalid method %q", h.Method)
	}
	if h.Target == "" || strings.ContainsAny(h.Target, " \r\n") {
		return fmt.Errorf("codec: invalid request target %q", h.Target)
	}
	proto := h.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", h.Method, h.Target, proto)
	if err := h.Header.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteResponseHead serializes h. An empty Reason is filled from StatusText.
func WriteResponseHead(w io.Writer, h *ResponseHead) error {
	if h.Status < 100 || h.Status > 999 {
		return fmt.Errorf("codec: invalid status %d", h.Status)
	}
	proto := h.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	reason := h.Reason
	if reason == "" {
		reason = StatusText(h.Status)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %03d %s\r\n", proto, h.Status, reason)
	if err := h.Header.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	_, err := w.Write(buf.Bytes())
	return err
}

// KeepAlive reports whether a message with the given protocol version and
// header allows the connection to carry another message afterwards.
func KeepAlive(proto string, h Header) bool {
	if h.ContainsToken("Connection", "close") {
		return false
	}
	if proto == "HTTP/1.0" {
		return h.ContainsToken("Connection", "keep-alive")
	}
	return proto == "HTTP/1.1"
}
