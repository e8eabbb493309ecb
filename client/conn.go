package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeffersonwarrior/myco/codec"
	"github.com/jeffersonwarrior/myco/internal/obs"
	"github.com/jeffersonwarrior/myco/transport"
)

// Conn is one outbound request and its response. It is not safe for
// concurrent use.
type Conn struct {
	client *Client
	method string
	url    *url.URL

	reqHeader codec.Header
	reqBytes  []byte
	reqBody   io.Reader
	reqLen    int64

	sent      bool
	route     route
	t         transport.Transport
	br        *bufio.Reader
	head      *codec.ResponseHead
	body      *codec.Body
	keepAlive bool
	released  bool
	ctx       context.Context
	stops     []func() bool
	lease     *lease
}

// lease is the transport a sent Conn holds. A Conn that becomes
// unreachable while still holding it has the transport closed from a
// cleanup.
type lease struct {
	mu sync.Mutex
	t  transport.Transport
}

func (l *lease) take() transport.Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.t
	l.t = nil
	return t
}

func closeLease(l *lease) {
	if t := l.take(); t != nil {
		t.Close()
	}
}

func (c *Conn) Method() string { return c.method }

// URL returns the request URL. It must not be modified after Send.
func (c *Conn) URL() *url.URL { return c.url }

// RequestHeaders returns the mutable request header.
func (c *Conn) RequestHeaders() codec.Header { return c.reqHeader }

func (c *Conn) WithHeader(key, value string) *Conn {
	c.reqHeader.Set(key, value)
	return c
}

// WithBody sets a request body that can be resent if a pooled transport
// turns out to be dead.
func (c *Conn) WithBody(s string) *Conn {
	return c.WithBodyBytes([]byte(s))
}

func (c *Conn) WithBodyBytes(b []byte) *Conn {
	c.reqBytes, c.reqBody, c.reqLen = b, nil, int64(len(b))
	return c
}

// WithBodyReader sets a streamed request body of n bytes, or of unknown
// length when n < 0, in which case it is sent chunked.
func (c *Conn) WithBodyReader(r io.Reader, n int64) *Conn {
	c.reqBytes, c.reqBody, c.reqLen = nil, r, n
	return c
}

func (c *Conn) replayable() bool { return c.reqBody == nil }

// Send writes the request and reads the response head. On error no
// transport is held and the conn must not be used further. On success the
// caller must read the body to its end or call Close or Recycle; a conn
// dropped without that has its transport closed once it is collected.
func (c *Conn) Send(ctx context.Context) error {
	if c.sent {
		return ErrAlreadySent
	}
	c.sent = true
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	if err := c.send(ctx); err != nil {
		c.client.log.Logf(obs.Debug, "client: %s %s: %v", c.method, c.url.Redacted(), err)
		if hook := c.client.cfg.OnError; hook != nil {
			_ = hook(c, err)
		}
		return err
	}
	c.client.log.Logf(obs.Debug, "client: %s %s -> %d (%v)", c.method, c.url.Redacted(), c.head.Status, time.Since(start))
	if hook := c.client.cfg.AfterResponse; hook != nil {
		_ = hook(c)
	}
	return nil
}

func (c *Conn) send(ctx context.Context) error {
	r, err := c.client.routeFor(c.url)
	if err != nil {
		return err
	}
	c.route = r
	c.finalizeHeaders()
	if hook := c.client.cfg.BeforeRequest; hook != nil {
		if err := hook(c); err != nil {
			return err
		}
	}
	head := c.requestHead()

	t, reused, err := c.client.connect(ctx, r)
	if err != nil {
		return err
	}
	err = c.exchange(ctx, t, head)
	var se *staleError
	if errors.As(err, &se) {
		err = se.err
		if reused && c.replayable() && ctx.Err() == nil {
			c.client.log.Logf(obs.Debug, "client: %s: pooled transport failed before response, redialing", r.key)
			if t, err = c.client.dial(ctx, r); err != nil {
				return err
			}
			if err = c.exchange(ctx, t, head); errors.As(err, &se) {
				err = se.err
			}
		}
	}
	return err
}

// staleError marks a failure that happened before any response byte was
// received.
type staleError struct{ err error }

func (e *staleError) Error() string { return e.err.Error() }

func (c *Conn) finalizeHeaders() {
	h := c.reqHeader
	if !h.Has("Host") {
		h.Set("Host", c.url.Host)
	}
	if !h.Has("User-Agent") {
		h.Set("User-Agent", c.client.cfg.UserAgent)
	}
	if !h.Has("Connection") {
		h.Set("Connection", "keep-alive")
	}
	if c.route.absoluteForm && !h.Has("Proxy-Authorization") {
		if auth := proxyAuthorization(c.route.proxy); auth != "" {
			h.Set("Proxy-Authorization", auth)
		}
	}
	h.Del("Content-Length")
	h.Del("Transfer-Encoding")
	switch {
	case c.reqLen < 0:
		h.Set("Transfer-Encoding", "chunked")
	case c.reqLen > 0, c.method == "POST" || c.method == "PUT" || c.method == "PATCH":
		h.Set("Content-Length", strconv.FormatInt(c.reqLen, 10))
	}
}

func (c *Conn) requestHead() *codec.RequestHead {
	target := c.url.RequestURI()
	switch {
	case c.method == "CONNECT":
		target = c.route.target.Addr()
	case c.route.absoluteForm:
		u := *c.url
		u.User = nil
		u.Fragment = ""
		target = u.String()
	}
	return &codec.RequestHead{Method: c.method, Target: target, Proto: "HTTP/1.1", Header: c.reqHeader}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// exchange writes the request on t and reads the response head. On
// failure t is closed.
func (c *Conn) exchange(ctx context.Context, t transport.Transport, head *codec.RequestHead) error {
	stop := context.AfterFunc(ctx, func() { t.SetDeadline(aLongTimeAgo) })
	addr := c.route.dialAddr
	fail := func(op string, err error, stale bool) error {
		stop()
		t.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		var out error = &TransportError{Op: op, Addr: addr, Err: err}
		if errors.Is(err, codec.ErrProtocol) && !errors.Is(err, codec.ErrClosed) {
			out = &ProtocolError{Err: err}
		}
		if stale {
			return &staleError{err: out}
		}
		return out
	}

	bw := bufio.NewWriter(t)
	if err := codec.WriteRequestHead(bw, head); err != nil {
		return fail("write", err, true)
	}
	if err := c.writeBody(bw); err != nil {
		return fail("write", err, true)
	}
	if err := bw.Flush(); err != nil {
		return fail("write", err, true)
	}

	cr := &countingReader{r: t}
	br := bufio.NewReader(cr)
	var rh *codec.ResponseHead
	for {
		var err error
		rh, err = codec.ReadResponseHead(br, c.client.cfg.MaxHeadBytes)
		if err != nil {
			return fail("read", err, cr.n == 0)
		}
		// interim responses carry no body; the final head follows
		if rh.Status >= 100 && rh.Status < 200 && rh.Status != 101 {
			continue
		}
		break
	}
	framing, err := codec.ResponseFraming(c.method, rh.Status, rh.Header)
	if err != nil {
		return fail("read", err, false)
	}

	c.t, c.br, c.head, c.ctx = t, br, rh, ctx
	c.stops = append(c.stops, stop)
	c.lease = &lease{t: t}
	runtime.AddCleanup(c, closeLease, c.lease)
	c.keepAlive = rh.Status != 101 && c.method != "CONNECT" &&
		codec.KeepAlive(rh.Proto, rh.Header) && framing.Reusable() &&
		!c.reqHeader.ContainsToken("Connection", "close")
	c.body = codec.NewBody(br, framing)
	c.body.OnDone(c.bodyDone)
	return nil
}

func (c *Conn) writeBody(w io.Writer) error {
	switch {
	case c.reqBytes != nil:
		_, err := w.Write(c.reqBytes)
		return err
	case c.reqBody == nil:
		return nil
	case c.reqLen >= 0:
		_, err := io.CopyN(w, c.reqBody, c.reqLen)
		return err
	default:
		cw := codec.NewChunkedWriter(w)
		if _, err := io.Copy(cw, c.reqBody); err != nil {
			return err
		}
		return cw.Close()
	}
}

func (c *Conn) bodyDone() {
	c.release(c.IsReusable())
}

// release gives up the transport: back to the pool when reusable,
// closed otherwise.
func (c *Conn) release(reusable bool) {
	if c.released || c.t == nil {
		return
	}
	c.released = true
	c.lease.take()
	for _, stop := range c.stops {
		if !stop() {
			// the context fired and poisoned the deadlines
			reusable = false
		}
	}
	c.stops = nil
	if reusable {
		c.t.SetDeadline(time.Time{})
	}
	c.client.pool.Release(c.route.key, c.t, reusable)
	c.t = nil
}

// IsReusable reports whether the transport could carry another request
// right now: it is still held, the server allowed keep-alive, the body
// was read to its end without error and nothing beyond it was received.
func (c *Conn) IsReusable() bool {
	return c.t != nil && !c.released && c.keepAlive &&
		c.body != nil && c.body.Done() && c.body.Err() == nil &&
		c.br.Buffered() == 0
}

// Status returns the response status, or 0 before Send.
func (c *Conn) Status() int {
	if c.head == nil {
		return 0
	}
	return c.head.Status
}

// ResponseHeaders returns the response header, or nil before Send.
func (c *Conn) ResponseHeaders() codec.Header {
	if c.head == nil {
		return nil
	}
	return c.head.Header
}

// ResponseHead returns the parsed response head, or nil before Send.
func (c *Conn) ResponseHead() *codec.ResponseHead { return c.head }

// ResponseBody returns the response body. Reading it to the end hands the
// transport back to the pool.
func (c *Conn) ResponseBody() io.Reader {
	if c.body == nil {
		return strings.NewReader("")
	}
	return c.body
}

// ReadBody reads the rest of the response body.
func (c *Conn) ReadBody() ([]byte, error) {
	data, err := io.ReadAll(c.ResponseBody())
	if err != nil {
		c.release(false)
		return data, c.wrapReadErr(err)
	}
	return data, nil
}

// ResponseBodyString reads the rest of the body and decodes it to UTF-8
// using the charset named in Content-Type.
func (c *Conn) ResponseBodyString() (string, error) {
	data, err := c.ReadBody()
	if err != nil {
		return "", err
	}
	return decodeCharset(c.ResponseHeaders().Get("Content-Type"), data)
}

func (c *Conn) wrapReadErr(err error) error {
	if c.ctx != nil && c.ctx.Err() != nil {
		err = c.ctx.Err()
	}
	if errors.Is(err, codec.ErrProtocol) {
		return &ProtocolError{Err: err}
	}
	return &TransportError{Op: "read body", Addr: c.route.dialAddr, Err: err}
}

// Close releases the conn's transport. If the body was read to its end and
// the server allowed keep-alive, the transport returns to the pool;
// otherwise it is closed.
func (c *Conn) Close() error {
	c.release(c.IsReusable())
	return nil
}

// Recycle reads and discards the rest of the body so the transport can be
// pooled, then releases it. ctx bounds the drain.
func (c *Conn) Recycle(ctx context.Context) error {
	if c.released || c.t == nil {
		return nil
	}
	if !c.keepAlive {
		return c.Close()
	}
	if !c.body.Done() {
		t := c.t
		c.stops = append(c.stops, context.AfterFunc(ctx, func() { t.SetDeadline(aLongTimeAgo) }))
		if _, err := c.body.Drain(); err != nil {
			c.release(false)
			return c.wrapReadErr(err)
		}
	}
	return c.Close()
}
