package transport

import (
	"context"
	"crypto/tls"
	"net"
)

// Acceptor turns a freshly accepted connection into the transport the
// server speaks HTTP over.
type Acceptor interface {
	Accept(ctx context.Context, c net.Conn) (Transport, error)
	Secure() bool
}

// PlainAcceptor passes connections through unchanged.
type PlainAcceptor struct{}

func (PlainAcceptor) Accept(_ context.Context, c net.Conn) (Transport, error) {
	return Box(c), nil
}

func (PlainAcceptor) Secure() bool { return false }

// TLSAcceptor performs a server-side handshake with Backend, defaulting to
// StdTLS.
type TLSAcceptor struct {
	Backend TLSBackend
	Config  *tls.Config
}

func (a *TLSAcceptor) Accept(ctx context.Context, c net.Conn) (Transport, error) {
	b := a.Backend
	if b == nil {
		b = StdTLS{}
	}
	return b.Server(ctx, Box(c), a.Config)
}

func (a *TLSAcceptor) Secure() bool { return true }
