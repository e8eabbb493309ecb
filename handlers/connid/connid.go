// Package connid tags every request with an identifier that handlers can
// read from the conn's state and that is echoed in a response header.
package connid

import (
	"github.com/google/uuid"

	"github.com/jeffersonwarrior/myco/grain"
)

// DefaultHeader carries the id in both directions.
const DefaultHeader = "X-Request-Id"

// maxInboundLen bounds ids accepted from clients.
const maxInboundLen = 200

// ID is the request id stored in a conn's state.
type ID string

func (id ID) String() string { return string(id) }

type handler struct {
	header   string
	trust    bool
	generate func() string
}

// Option configures the handler returned by New.
type Option func(*handler)

// WithHeader changes the header the id is read from and written to. An
// empty name disables the response header.
func WithHeader(name string) Option {
	return func(h *handler) { h.header = name }
}

// TrustInbound reuses an id sent by the client instead of generating one.
func TrustInbound() Option {
	return func(h *handler) { h.trust = true }
}

// WithGenerator replaces uuid.NewString as the id source.
func WithGenerator(fn func() string) Option {
	return func(h *handler) { h.generate = fn }
}

// New returns a handler that assigns a request id. A conn that already
// carries an ID keeps it.
func New(opts ...Option) grain.Handler {
	h := &handler{header: DefaultHeader, generate: uuid.NewString}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *handler) Run(c *grain.Conn) *grain.Conn {
	id := grain.StateOrInsert(c, func() ID { return ID(h.pick(c)) })
	if h.header != "" {
		c.ResponseHeaders().Set(h.header, string(id))
	}
	return c
}

func (h *handler) pick(c *grain.Conn) string {
	if h.trust && h.header != "" {
		if v := c.RequestHeaders().Get(h.header); v != "" && len(v) <= maxInboundLen {
			return v
		}
	}
	return h.generate()
}

func (h *handler) Name() string { return "conn-id" }

// Get returns the conn's request id, or "" when none was assigned.
func Get(c *grain.Conn) string {
	id, _ := grain.StateOf[ID](c)
	return string(id)
}
