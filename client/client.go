package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jeffersonwarrior/myco/codec"
	"github.com/jeffersonwarrior/myco/internal/obs"
	"github.com/jeffersonwarrior/myco/internal/version"
	"github.com/jeffersonwarrior/myco/transport"
)

// Config configures the client behavior.
type Config struct {
	// Connector dials new transports (default: TCP with DialTimeout).
	Connector transport.Connector

	// TLSBackend wraps transports for https origins (default: crypto/tls).
	TLSBackend transport.TLSBackend
	TLSConfig  *tls.Config

	// Proxy picks the proxy for a request URL. A nil func or nil result
	// means a direct connection. See FixedProxy and ProxyFromEnvironment.
	Proxy func(*url.URL) (*url.URL, error)

	// Pool is shared with other clients when set; otherwise the client
	// creates its own from MaxIdlePerOrigin and IdleTimeout.
	Pool             *Pool
	MaxIdlePerOrigin int           // default 8
	IdleTimeout      time.Duration // default 90s

	DialTimeout  time.Duration // default 30s
	MaxHeadBytes int           // default codec.DefaultMaxHeadBytes

	// UserAgent is sent unless a request sets its own (default myco/<version>).
	UserAgent string

	// Hooks for request/response interception
	BeforeRequest BeforeRequestHook
	AfterResponse AfterResponseHook
	OnError       OnErrorHook

	// Logger for debug output (optional). Proxy credentials are redacted.
	Logger obs.Logger
}

// setDefaults fills in default values for zero-valued fields.
func (c *Config) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.Connector == nil {
		c.Connector = &transport.TCPConnector{Timeout: c.DialTimeout, NoDelay: true}
	}
	if c.TLSBackend == nil {
		c.TLSBackend = transport.StdTLS{}
	}
	if c.MaxHeadBytes == 0 {
		c.MaxHeadBytes = codec.DefaultMaxHeadBytes
	}
	if c.UserAgent == "" {
		c.UserAgent = version.UserAgent()
	}
	c.Logger = obs.OrNop(c.Logger)
	if c.Pool == nil {
		c.Pool = NewPool(PoolConfig{
			MaxIdlePerOrigin: c.MaxIdlePerOrigin,
			IdleTimeout:      c.IdleTimeout,
			Logger:           c.Logger,
		})
	}
}

// Client creates and sends outbound Conns. It is safe for concurrent use.
type Client struct {
	cfg  Config
	pool *Pool
	log  obs.Logger
}

// New creates a client. Default values are applied to zero-valued config
// fields.
func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{cfg: cfg, pool: cfg.Pool, log: cfg.Logger}
}

// Pool returns the pool the client draws transports from.
func (c *Client) Pool() *Pool { return c.pool }

// CloseIdle closes every idle transport in the client's pool.
func (c *Client) CloseIdle() { c.pool.Clear() }

// NewConn prepares a request without sending it.
func (c *Client) NewConn(method, rawURL string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	if _, err := OriginOf(u, ""); err != nil {
		return nil, err
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return &Conn{
		client:    c,
		method:    strings.ToUpper(method),
		url:       u,
		reqHeader: codec.Header{},
		reqLen:    0,
	}, nil
}

// Request sends method to rawURL with an optional body and returns the
// conn with its response head read.
func (c *Client) Request(ctx context.Context, method, rawURL string, body []byte) (*Conn, error) {
	conn, err := c.NewConn(method, rawURL)
	if err != nil {
		return nil, err
	}
	if body != nil {
		conn.WithBodyBytes(body)
	}
	if err := conn.Send(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) Get(ctx context.Context, rawURL string) (*Conn, error) {
	return c.Request(ctx, "GET", rawURL, nil)
}

func (c *Client) Delete(ctx context.Context, rawURL string) (*Conn, error) {
	return c.Request(ctx, "DELETE", rawURL, nil)
}

func (c *Client) Post(ctx context.Context, rawURL string, body []byte) (*Conn, error) {
	return c.Request(ctx, "POST", rawURL, body)
}

func (c *Client) Put(ctx context.Context, rawURL string, body []byte) (*Conn, error) {
	return c.Request(ctx, "PUT", rawURL, body)
}

func (c *Client) Patch(ctx context.Context, rawURL string, body []byte) (*Conn, error) {
	return c.Request(ctx, "PATCH", rawURL, body)
}

// Fetch is Get followed by reading the whole body. The transport is
// returned to the pool when the server allows it.
func (c *Client) Fetch(ctx context.Context, rawURL string) (int, codec.Header, []byte, error) {
	conn, err := c.Get(ctx, rawURL)
	if err != nil {
		return 0, nil, nil, err
	}
	defer conn.Close()
	data, err := conn.ReadBody()
	return conn.Status(), conn.ResponseHeaders(), data, err
}
