package grain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/jeffersonwarrior/myco/codec"
)

// Conn is one request/response exchange on an inbound connection.
//
// The request side is fixed when the Conn is created. The response side
// (status, headers, body) is mutable until the server sends it.
type Conn struct {
	ctx context.Context

	method    string
	target    string
	path      string
	rawQuery  string
	proto     string
	reqHeader codec.Header
	reqBody   io.Reader
	peer      net.Addr
	secure    bool

	status     int
	respHeader codec.Header
	body       io.Reader
	bodyLen    int64
	halted     bool
	state      StateSet
	beforeSend []Handler
}

// ConnOption configures a Conn at construction.
type ConnOption func(*Conn)

// WithPeerAddr records the remote address of the inbound transport.
func WithPeerAddr(addr net.Addr) ConnOption {
	return func(c *Conn) { c.peer = addr }
}

// WithTLS marks the conn as received over TLS.
func WithTLS(secure bool) ConnOption {
	return func(c *Conn) { c.secure = secure }
}

// NewConn builds a Conn for a parsed request head. body may be nil for a
// request without a body.
func NewConn(ctx context.Context, head *codec.RequestHead, body io.Reader, opts ...ConnOption) *Conn {
	if ctx == nil {
		ctx = context.Background()
	}
	header := head.Header
	if header == nil {
		header = codec.Header{}
	}
	c := &Conn{
		ctx:        ctx,
		method:     head.Method,
		target:     head.Target,
		proto:      head.Proto,
		reqHeader:  header,
		reqBody:    body,
		respHeader: codec.Header{},
		bodyLen:    -1,
	}
	c.path, c.rawQuery = splitTarget(head.Target)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewTestConn builds a Conn for method and target with no headers or body.
func NewTestConn(method, target string) *Conn {
	return NewConn(context.Background(), &codec.RequestHead{Method: method, Target: target, Proto: "HTTP/1.1"}, nil)
}

func splitTarget(target string) (path, rawQuery string) {
	if strings.HasPrefix(target, "/") || target == "*" {
		path, rawQuery, _ = strings.Cut(target, "?")
		return path, rawQuery
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		// authority-form (CONNECT) or garbage; keep it verbatim
		return target, ""
	}
	path = u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return path, u.RawQuery
}

// Context is cancelled when the peer disconnects or the server shuts down.
// Handlers that wait on anything should select on it.
func (c *Conn) Context() context.Context { return c.ctx }

func (c *Conn) Method() string { return c.method }

// Path is the escaped path of the request target, without the query.
func (c *Conn) Path() string { return c.path }

// Query is the raw query string, without the leading '?'.
func (c *Conn) Query() string { return c.rawQuery }

// Target is the request-target exactly as received.
func (c *Conn) Target() string { return c.target }

func (c *Conn) Proto() string { return c.proto }

// RequestHeaders returns the request header. It must not be modified.
func (c *Conn) RequestHeaders() codec.Header { return c.reqHeader }

// PeerAddr is the remote address, or nil when unknown.
func (c *Conn) PeerAddr() net.Addr { return c.peer }

// Secure reports whether the request arrived over TLS.
func (c *Conn) Secure() bool { return c.secure }

// RequestBody returns the request body reader. It is never nil.
func (c *Conn) RequestBody() io.Reader {
	if c.reqBody == nil {
		return strings.NewReader("")
	}
	return c.reqBody
}

// ReadRequestBody reads the whole request body, failing when it exceeds
// limit bytes. limit <= 0 means no limit.
func (c *Conn) ReadRequestBody(limit int64) ([]byte, error) {
	r := c.RequestBody()
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return data, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("request body exceeds %d bytes", limit)
	}
	return data, nil
}

// Status returns the response status, or 0 when no handler has set one.
func (c *Conn) Status() int { return c.status }

func (c *Conn) SetStatus(code int) { c.status = code }

func (c *Conn) WithStatus(code int) *Conn {
	c.status = code
	return c
}

// ResponseHeaders returns the mutable response header.
func (c *Conn) ResponseHeaders() codec.Header { return c.respHeader }

// WithHeader sets a response header field.
func (c *Conn) WithHeader(key, value string) *Conn {
	c.respHeader.Set(key, value)
	return c
}

// SetBody replaces the response body with r. n is its length, or -1 when
// unknown, in which case the body is sent chunked.
func (c *Conn) SetBody(r io.Reader, n int64) {
	c.body = r
	c.bodyLen = n
}

func (c *Conn) WithBody(s string) *Conn {
	c.SetBody(strings.NewReader(s), int64(len(s)))
	return c
}

func (c *Conn) WithBodyBytes(b []byte) *Conn {
	c.SetBody(bytes.NewReader(b), int64(len(b)))
	return c
}

func (c *Conn) WithBodyReader(r io.Reader, n int64) *Conn {
	c.SetBody(r, n)
	return c
}

// ResponseBody returns the response body and its length (-1 if unknown).
// The reader is nil when no body was set.
func (c *Conn) ResponseBody() (io.Reader, int64) { return c.body, c.bodyLen }

// ResponseLen returns the response body length, or -1 when unknown or unset.
func (c *Conn) ResponseLen() int64 {
	if c.body == nil {
		return -1
	}
	return c.bodyLen
}

// HasBody reports whether a response body was set.
func (c *Conn) HasBody() bool { return c.body != nil }

// Ok sets status 200 and body, and halts.
func (c *Conn) Ok(body string) *Conn {
	return c.WithStatus(200).WithBody(body).Halt()
}

// Halt stops the remaining handlers of every enclosing sequence.
func (c *Conn) Halt() *Conn {
	c.halted = true
	return c
}

func (c *Conn) SetHalted(halted bool) { c.halted = halted }

func (c *Conn) IsHalted() bool { return c.halted }

// State returns the conn's state set.
func (c *Conn) State() *StateSet { return &c.state }

// RegisterBeforeSend adds h to the hooks run just before the response is
// sent. Registered hooks run in reverse registration order, before the
// handler tree's own BeforeSend.
func (c *Conn) RegisterBeforeSend(h Handler) *Conn {
	c.beforeSend = append(c.beforeSend, h)
	return c
}

// RunRegisteredBeforeSend runs and clears the hooks added with
// RegisterBeforeSend.
func (c *Conn) RunRegisteredBeforeSend() *Conn {
	hooks := c.beforeSend
	c.beforeSend = nil
	out := c
	for i := len(hooks) - 1; i >= 0; i-- {
		out = orSelf(hooks[i].Run(out), out)
	}
	return out
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s %s (status=%d halted=%t)", c.method, c.target, c.status, c.halted)
}

// StateOf returns the conn's value of type T.
func StateOf[T any](c *Conn) (T, bool) { return Get[T](&c.state) }

// SetState stores v in the conn and returns the value of type T it
// replaced, if any.
func SetState[T any](c *Conn, v T) (T, bool) {
	return Insert(&c.state, v)
}

// WithState is SetState for chaining.
func WithState[T any](c *Conn, v T) *Conn {
	Insert(&c.state, v)
	return c
}

// TakeState removes and returns the conn's value of type T.
func TakeState[T any](c *Conn) (T, bool) { return Remove[T](&c.state) }

// StateOrInsert returns the conn's value of type T, storing fn() if absent.
func StateOrInsert[T any](c *Conn, fn func() T) T { return GetOrInsert(&c.state, fn) }
