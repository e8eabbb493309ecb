package transport

import (
	"context"
	"net"
	"time"
)

// Connector dials new transports.
type Connector interface {
	Dial(ctx context.Context, network, addr string) (Transport, error)
	Name() string
}

// TCPConnector dials operating system sockets.
type TCPConnector struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	NoDelay   bool
}

func (c *TCPConnector) Name() string { return "tcp" }

func (c *TCPConnector) Dial(ctx context.Context, network, addr string) (Transport, error) {
	d := net.Dialer{Timeout: c.Timeout, KeepAlive: c.KeepAlive}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(c.NoDelay)
	}
	return Box(conn), nil
}
