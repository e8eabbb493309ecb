// Package transport abstracts the duplex byte streams that the server and
// the client run HTTP over.
//
// Every upper layer is written against Transport. Concrete streams come
// from a Connector (TCP sockets or an in-process memory network) and may be
// wrapped by a TLSBackend; Box erases the concrete type so that streams
// produced by different paths can share one collection, such as a pool
// bucket.
package transport

import (
	"crypto/tls"
	"net"
)

// Transport is a duplex byte stream with deadlines and a half-close.
type Transport interface {
	net.Conn
	// Shutdown stops further writes. Streams without a half-close are
	// closed entirely.
	Shutdown() error
}

type closeWriter interface {
	CloseWrite() error
}

type unwrapper interface {
	Unwrap() net.Conn
}

// Boxed is the type-erased Transport produced by Box.
type Boxed struct {
	net.Conn
}

// Box adapts any net.Conn to a Transport. A value that already implements
// Transport is returned unchanged.
func Box(c net.Conn) Transport {
	if c == nil {
		return nil
	}
	if t, ok := c.(Transport); ok {
		return t
	}
	return &Boxed{Conn: c}
}

func (b *Boxed) Shutdown() error {
	if cw, ok := b.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return b.Conn.Close()
}

// Unwrap returns the concrete connection.
func (b *Boxed) Unwrap() net.Conn { return b.Conn }

// Unbox returns the innermost net.Conn behind t, following Boxed wrappers.
func Unbox(t net.Conn) net.Conn {
	for {
		u, ok := t.(unwrapper)
		if !ok {
			return t
		}
		t = u.Unwrap()
	}
}

// TLSState returns the negotiated TLS state when the stream behind t is a
// crypto/tls connection.
func TLSState(t net.Conn) (tls.ConnectionState, bool) {
	if tc, ok := Unbox(t).(*tls.Conn); ok {
		return tc.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}
