package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jeffersonwarrior/myco/codec"
	"github.com/jeffersonwarrior/myco/grain"
	"github.com/jeffersonwarrior/myco/internal/obs"
	"github.com/jeffersonwarrior/myco/transport"
)

// serverConn is one inbound connection. Requests on it are handled
// strictly one after another.
type serverConn struct {
	srv    *Server
	id     string
	t      transport.Transport
	in     *inbound
	br     *bufio.Reader
	bw     *bufio.Writer
	secure bool
	cancel context.CancelFunc

	accepted time.Time
	state    atomic.Int32
}

const (
	// stateNew is a connection still waiting for its first request.
	stateNew int32 = iota
	stateActive
	// stateIdle is a kept-alive connection waiting for its next request.
	stateIdle
)

// newConnGrace is how long Shutdown lets a fresh connection deliver its
// first request before treating it as idle.
const newConnGrace = 5 * time.Second

// closableWhenIdle reports whether Shutdown may close sc without cutting
// off a request.
func (sc *serverConn) closableWhenIdle(now time.Time) bool {
	switch sc.state.Load() {
	case stateIdle:
		return true
	case stateNew:
		return now.Sub(sc.accepted) > newConnGrace
	}
	return false
}

func (s *Server) serve(ctx context.Context, raw net.Conn) {
	t, err := s.cfg.Acceptor.Accept(ctx, raw)
	if err != nil {
		s.log.Logf(obs.Warn, "server: accept %s: %v", raw.RemoteAddr(), err)
		raw.Close()
		return
	}
	s.serveTransport(ctx, t)
}

func (s *Server) serveTransport(ctx context.Context, t transport.Transport) {
	ctx, cancel := context.WithCancel(ctx)
	in := newInbound(t)
	sc := &serverConn{
		srv:    s,
		id:     uuid.NewString(),
		t:      t,
		in:     in,
		br:     bufio.NewReader(in),
		bw:     bufio.NewWriter(t),
		cancel: cancel,

		accepted: time.Now(),
	}
	_, sc.secure = transport.TLSState(t)
	defer cancel()
	defer t.Close()
	if !s.trackConn(sc, true) {
		return
	}
	defer s.trackConn(sc, false)
	defer func() {
		if v := recover(); v != nil {
			s.log.Logf(obs.Error, "server: conn %s: panic serving %s: %v\n%s", sc.id, t.RemoteAddr(), v, debug.Stack())
		}
	}()

	s.log.Logf(obs.Debug, "server: conn %s: open from %s", sc.id, t.RemoteAddr())
	for first := true; sc.serveOne(ctx, first); first = false {
		if s.closing.Load() {
			break
		}
	}
	s.log.Logf(obs.Debug, "server: conn %s: closed", sc.id)
}

// serveOne reads and answers one request. It reports whether the
// connection can carry another.
func (sc *serverConn) serveOne(ctx context.Context, first bool) bool {
	s := sc.srv
	timeout := s.cfg.ReadHeaderTimeout
	if !first {
		timeout = s.cfg.IdleTimeout
	}
	if timeout > 0 {
		sc.t.SetReadDeadline(time.Now().Add(timeout))
	}
	if !first {
		sc.state.Store(stateIdle)
	}
	head, err := codec.ReadRequestHead(sc.br, s.cfg.MaxHeadBytes)
	sc.state.Store(stateActive)
	if err != nil {
		sc.rejectHead(err)
		return false
	}
	sc.t.SetReadDeadline(time.Time{})

	framing, err := codec.RequestFraming(head.Header)
	if err != nil {
		s.log.Logf(obs.Debug, "server: conn %s: bad framing: %v", sc.id, err)
		sc.writeError(400)
		return false
	}
	if framing.Kind != codec.FramingNone && head.Proto == "HTTP/1.1" && head.Header.ContainsToken("Expect", "100-continue") {
		codec.WriteResponseHead(sc.bw, &codec.ResponseHead{Proto: "HTTP/1.1", Status: 100})
		sc.bw.Flush()
	}

	body := codec.NewBody(sc.br, framing)
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sc.in.watch(cancel)

	conn := grain.NewConn(reqCtx, head, body, grain.WithPeerAddr(sc.t.RemoteAddr()), grain.WithTLS(sc.secure))
	conn = sc.run(conn)
	sc.in.stop()

	if reqCtx.Err() != nil {
		s.log.Logf(obs.Debug, "server: conn %s: %s %s cancelled, nothing written", sc.id, head.Method, head.Target)
		closeBody(conn)
		return false
	}

	keepAlive := codec.KeepAlive(head.Proto, head.Header) && !s.closing.Load()
	keepAlive, err = sc.writeResponse(head, conn, keepAlive)
	if err != nil {
		s.log.Logf(obs.Debug, "server: conn %s: write response: %v", sc.id, err)
		return false
	}
	if keepAlive && !body.Done() {
		keepAlive = sc.drain(body)
	}
	return keepAlive
}

// run drives conn through the handler tree, the fallback and the
// before-send hooks.
func (sc *serverConn) run(conn *grain.Conn) *grain.Conn {
	s := sc.srv
	c := grain.Run(s.handler, conn)
	if c.Context().Err() != nil {
		return c
	}
	fallback := !c.IsHalted() && c.Status() == 0
	if fallback {
		c = grain.Run(s.cfg.Fallback, c)
	}
	c = c.RunRegisteredBeforeSend()
	c = grain.RunBeforeSend(s.handler, c)
	if fallback {
		c = grain.RunBeforeSend(s.cfg.Fallback, c)
	}
	return c
}

func (sc *serverConn) rejectHead(err error) {
	switch {
	case errors.Is(err, codec.ErrClosed):
		return
	case errors.Is(err, codec.ErrHeadTooLong):
		sc.writeError(431)
	case errors.Is(err, codec.ErrUnsupportedVersion):
		sc.writeError(505)
	case errors.Is(err, codec.ErrProtocol):
		sc.writeError(400)
	}
	sc.srv.log.Logf(obs.Debug, "server: conn %s: read request: %v", sc.id, err)
}

func (sc *serverConn) writeError(status int) {
	if sc.srv.cfg.WriteTimeout > 0 {
		sc.t.SetWriteDeadline(time.Now().Add(sc.srv.cfg.WriteTimeout))
	}
	h := codec.Header{}
	h.Set("Content-Length", "0")
	h.Set("Connection", "close")
	codec.WriteResponseHead(sc.bw, &codec.ResponseHead{Proto: "HTTP/1.1", Status: status, Header: h})
	sc.bw.Flush()
}

// drain discards what the handler left of the request body, up to
// MaxDrainBytes, and reports whether the body ended within that budget.
func (sc *serverConn) drain(body *codec.Body) bool {
	limit := sc.srv.cfg.MaxDrainBytes
	if r := body.Remaining(); r > limit {
		return false
	}
	if sc.srv.cfg.ReadHeaderTimeout > 0 {
		sc.t.SetReadDeadline(time.Now().Add(sc.srv.cfg.ReadHeaderTimeout))
		defer sc.t.SetReadDeadline(time.Time{})
	}
	io.CopyN(io.Discard, body, limit+1)
	return body.Done()
}

func closeBody(c *grain.Conn) {
	if r, _ := c.ResponseBody(); r != nil {
		if cl, ok := r.(io.Closer); ok {
			cl.Close()
		}
	}
}
