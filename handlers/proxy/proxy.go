// Package proxy forwards inbound requests to an upstream origin through a
// pooled client and streams the upstream response back.
package proxy

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jeffersonwarrior/myco/client"
	"github.com/jeffersonwarrior/myco/codec"
	"github.com/jeffersonwarrior/myco/grain"
	"github.com/jeffersonwarrior/myco/internal/obs"
)

// hopHeaders apply to a single connection and are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// DefaultVia is the pseudonym added to the Via header.
const DefaultVia = "myco"

type handler struct {
	client   *client.Client
	upstream *url.URL
	via      string
	log      obs.Logger
}

// Option configures the handler returned by New.
type Option func(*handler)

// WithVia sets the pseudonym recorded in Via headers.
func WithVia(name string) Option {
	return func(h *handler) { h.via = name }
}

func WithLogger(log obs.Logger) Option {
	return func(h *handler) { h.log = obs.OrNop(log) }
}

// New returns a handler forwarding every request to upstream, an http or
// https base URL whose path prefixes the inbound path.
func New(c *client.Client, upstream string, opts ...Option) (grain.Handler, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("proxy: parse upstream: %w", err)
	}
	if _, err := client.OriginOf(u, ""); err != nil {
		return nil, fmt.Errorf("proxy: upstream %q: %w", upstream, err)
	}
	h := &handler{client: c, upstream: u, via: DefaultVia, log: obs.NopLogger{}}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *handler) Name() string { return "proxy(" + h.upstream.Redacted() + ")" }

func (h *handler) target(c *grain.Conn) string {
	u := *h.upstream
	u.Path = strings.TrimSuffix(u.Path, "/") + c.Path()
	u.RawPath = ""
	u.RawQuery = c.Query()
	u.Fragment = ""
	return u.String()
}

func (h *handler) Run(c *grain.Conn) *grain.Conn {
	out, err := h.client.NewConn(c.Method(), h.target(c))
	if err != nil {
		return grain.Fail(c, 502, err)
	}
	copyHeaders(out.RequestHeaders(), c.RequestHeaders())
	out.RequestHeaders().Del("Host")
	out.RequestHeaders().Del("Content-Length")
	addVia(out.RequestHeaders(), c.Proto(), h.via)
	if peer := c.PeerAddr(); peer != nil {
		if host, _, err := net.SplitHostPort(peer.String()); err == nil {
			out.RequestHeaders().Add("X-Forwarded-For", host)
		}
	}

	in := c.RequestHeaders()
	switch {
	case in.ContainsToken("Transfer-Encoding", "chunked"):
		out.WithBodyReader(c.RequestBody(), -1)
	case in.Has("Content-Length"):
		n, err := strconv.ParseInt(in.Get("Content-Length"), 10, 64)
		if err != nil {
			return grain.Fail(c, 400, err)
		}
		if n > 0 {
			out.WithBodyReader(c.RequestBody(), n)
		}
	}

	if err := out.Send(c.Context()); err != nil {
		h.log.Logf(obs.Warn, "proxy: %s %s: %v", c.Method(), h.upstream.Redacted(), err)
		return grain.Fail(c, 502, err)
	}

	copyHeaders(c.ResponseHeaders(), out.ResponseHeaders())
	addVia(c.ResponseHeaders(), out.ResponseHead().Proto, h.via)
	c.SetStatus(out.Status())
	if !responseHasBody(c.Method(), out.Status()) {
		out.Close()
		return c.Halt()
	}
	c.ResponseHeaders().Del("Content-Length")
	n := int64(-1)
	if cl := out.ResponseHeaders().Get("Content-Length"); cl != "" {
		if v, err := strconv.ParseInt(cl, 10, 64); err == nil {
			n = v
		}
	}
	c.SetBody(&upstreamBody{r: out.ResponseBody(), conn: out}, n)
	return c.Halt()
}

// upstreamBody hands the upstream transport back once the server is done
// writing the response.
type upstreamBody struct {
	r    io.Reader
	conn *client.Conn
}

func (b *upstreamBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *upstreamBody) Close() error { return b.conn.Close() }

func responseHasBody(method string, status int) bool {
	return method != "HEAD" && status >= 200 && status != 204 && status != 304
}

// copyHeaders copies src into dst minus hop-by-hop fields and any field
// src's Connection header names.
func copyHeaders(dst, src codec.Header) {
	skip := map[string]bool{}
	for _, v := range src.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				skip[strings.ToLower(f)] = true
			}
		}
	}
	for _, k := range hopHeaders {
		skip[strings.ToLower(k)] = true
	}
	for k, vv := range src {
		if skip[strings.ToLower(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func addVia(h codec.Header, proto, via string) {
	version := strings.TrimPrefix(proto, "HTTP/")
	if version == "" {
		version = "1.1"
	}
	h.Add("Via", version+" "+via)
}
