package client

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jeffersonwarrior/myco/codec"
	"github.com/jeffersonwarrior/myco/internal/obs"
	"github.com/jeffersonwarrior/myco/transport"
)

// aLongTimeAgo is a deadline that unblocks any pending I/O at once.
var aLongTimeAgo = time.Unix(1, 0)

// probeWindow is how long an idle transport is given to report that the
// peer went away before it is reused.
const probeWindow = time.Millisecond

// route says how a request reaches its origin.
type route struct {
	key          Origin // pool key
	target       Origin
	dialAddr     string
	proxy        *url.URL
	absoluteForm bool // plain http through a proxy
}

func joinDiscriminator(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "," + b
	}
}

func (c *Client) routeFor(u *url.URL) (route, error) {
	disc := ""
	if name := c.cfg.Connector.Name(); name != "tcp" {
		disc = name
	}
	target, err := OriginOf(u, disc)
	if err != nil {
		return route{}, err
	}
	var proxyURL *url.URL
	if c.cfg.Proxy != nil {
		if proxyURL, err = c.cfg.Proxy(u); err != nil {
			return route{}, fmt.Errorf("client: resolve proxy: %w", err)
		}
	}
	if proxyURL == nil {
		return route{key: target, target: target, dialAddr: target.Addr()}, nil
	}
	if proxyURL.Scheme != "http" {
		return route{}, fmt.Errorf("client: unsupported proxy scheme %q", proxyURL.Scheme)
	}
	via, err := OriginOf(proxyURL, disc)
	if err != nil {
		return route{}, err
	}
	if user := proxyURL.User; user != nil {
		via.Discriminator = joinDiscriminator(via.Discriminator, "user="+user.Username())
	}
	if target.Scheme == "http" {
		key := via
		key.Discriminator = joinDiscriminator(key.Discriminator, "proxy")
		return route{key: key, target: target, dialAddr: via.Addr(), proxy: proxyURL, absoluteForm: true}, nil
	}
	key := target
	key.Discriminator = joinDiscriminator(key.Discriminator, "via "+via.Addr())
	return route{key: key, target: target, dialAddr: via.Addr(), proxy: proxyURL}, nil
}

// connect returns a live pooled transport for r, or dials a new one.
func (c *Client) connect(ctx context.Context, r route) (transport.Transport, bool, error) {
	for {
		t, ok := c.pool.Acquire(r.key)
		if !ok {
			break
		}
		if alive(t) {
			return t, true, nil
		}
		c.log.Logf(obs.Debug, "client: %s: discarding stale pooled transport", r.key)
		t.Close()
	}
	t, err := c.dial(ctx, r)
	return t, false, err
}

func (c *Client) dial(ctx context.Context, r route) (transport.Transport, error) {
	addr := r.dialAddr
	c.log.Logf(obs.Debug, "client: dialing %s via %s for %s", addr, c.cfg.Connector.Name(), r.key)
	t, err := c.cfg.Connector.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: addr, Err: err}
	}
	if r.proxy != nil && !r.absoluteForm {
		if err := c.tunnel(ctx, t, r); err != nil {
			t.Close()
			return nil, err
		}
	}
	if r.target.Scheme == "https" {
		tt, err := c.cfg.TLSBackend.Client(ctx, t, c.cfg.TLSConfig, r.target.Host)
		if err != nil {
			t.Close()
			return nil, &TransportError{Op: "tls handshake", Addr: r.target.Addr(), Err: err}
		}
		t = tt
	}
	return t, nil
}

// tunnel asks the proxy on t to CONNECT to r.target.
func (c *Client) tunnel(ctx context.Context, t transport.Transport, r route) error {
	stop := context.AfterFunc(ctx, func() { t.SetDeadline(aLongTimeAgo) })
	defer func() {
		if stop() {
			t.SetDeadline(time.Time{})
		}
	}()

	addr := r.target.Addr()
	h := codec.Header{}
	h.Set("Host", addr)
	h.Set("User-Agent", c.cfg.UserAgent)
	h.Set("Proxy-Connection", "keep-alive")
	if auth := proxyAuthorization(r.proxy); auth != "" {
		h.Set("Proxy-Authorization", auth)
	}
	if err := codec.WriteRequestHead(t, &codec.RequestHead{Method: "CONNECT", Target: addr, Proto: "HTTP/1.1", Header: h}); err != nil {
		return &TransportError{Op: "proxy connect", Addr: r.proxy.Redacted(), Err: err}
	}
	br := bufio.NewReader(t)
	resp, err := codec.ReadResponseHead(br, c.cfg.MaxHeadBytes)
	if err != nil {
		if errors.Is(err, codec.ErrProtocol) {
			return &ProtocolError{Err: err}
		}
		return &TransportError{Op: "proxy connect", Addr: r.proxy.Redacted(), Err: err}
	}
	if resp.Status/100 != 2 {
		return &TransportError{Op: "proxy connect", Addr: r.proxy.Redacted(), Err: fmt.Errorf("proxy refused tunnel: %d %s", resp.Status, resp.Reason)}
	}
	if br.Buffered() > 0 {
		return &ProtocolError{Err: errors.New("proxy sent data before the tunnel was established")}
	}
	return nil
}

// alive reports whether an idle transport is still open with nothing
// unread on it.
func alive(t transport.Transport) bool {
	if err := t.SetReadDeadline(time.Now().Add(probeWindow)); err != nil {
		return false
	}
	var one [1]byte
	n, err := t.Read(one[:])
	t.SetDeadline(time.Time{})
	if n > 0 {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func proxyAuthorization(u *url.URL) string {
	if u == nil || u.User == nil {
		return ""
	}
	pass, _ := u.User.Password()
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(u.User.Username()+":"+pass))
}

// FixedProxy returns a Proxy func that sends every request through u.
func FixedProxy(u *url.URL) func(*url.URL) (*url.URL, error) {
	return func(*url.URL) (*url.URL, error) { return u, nil }
}

// ProxyFromEnvironment picks a proxy from HTTP_PROXY, HTTPS_PROXY and
// ALL_PROXY (or their lowercase forms), honoring NO_PROXY.
func ProxyFromEnvironment(u *url.URL) (*url.URL, error) {
	o, err := OriginOf(u, "")
	if err != nil {
		return nil, err
	}
	if noProxyMatch(firstEnv("NO_PROXY", "no_proxy"), o) {
		return nil, nil
	}
	var raw string
	if o.Scheme == "https" {
		raw = firstEnv("HTTPS_PROXY", "https_proxy")
	} else {
		raw = firstEnv("HTTP_PROXY", "http_proxy")
	}
	if raw == "" {
		raw = firstEnv("ALL_PROXY", "all_proxy")
	}
	if raw == "" {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	return url.Parse(raw)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// noProxyMatch reports whether o is excluded by a NO_PROXY list: "*",
// exact hosts, domain suffixes (".example.com" or "example.com"), CIDR
// blocks, each optionally with ":port".
func noProxyMatch(list string, o Origin) bool {
	for _, p := range strings.Split(list, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if p == "*" {
			return true
		}
		if _, cidr, err := net.ParseCIDR(p); err == nil {
			if ip := net.ParseIP(o.Host); ip != nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		host, port := p, ""
		if h, pt, err := net.SplitHostPort(p); err == nil {
			host, port = h, pt
		}
		if port != "" && port != fmt.Sprint(o.Port) {
			continue
		}
		host = strings.TrimPrefix(host, ".")
		if o.Host == host || strings.HasSuffix(o.Host, "."+host) {
			return true
		}
	}
	return false
}
