package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

var (
	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("transport: listener closed")
	// ErrAddressInUse is returned by Listen for a taken address.
	ErrAddressInUse = errors.New("transport: address in use")
	// ErrConnectionRefused is returned by Dial when nothing listens on addr.
	ErrConnectionRefused = errors.New("transport: connection refused")
)

// MemoryNetwork is an in-process network built on net.Pipe. It satisfies
// Connector and hands out net.Listeners, so a server and a client can talk
// without touching the operating system.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*memoryListener)}
}

func (n *MemoryNetwork) Name() string { return "memory" }

// Listen registers a listener on addr.
func (n *MemoryNetwork) Listen(addr string) (net.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("listen %s: %w", addr, ErrAddressInUse)
	}
	l := &memoryListener{
		network: n,
		addr:    memoryAddr(addr),
		conns:   make(chan net.Conn),
		done:    make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

func (n *MemoryNetwork) Dial(ctx context.Context, network, addr string) (Transport, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrConnectionRefused)
	}
	client, server := net.Pipe()
	select {
	case l.conns <- &memoryConn{Conn: server, local: l.addr, remote: memoryAddr("client:" + addr)}:
		return Box(&memoryConn{Conn: client, local: memoryAddr("client:" + addr), remote: l.addr}), nil
	case <-l.done:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, ErrConnectionRefused)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

func (n *MemoryNetwork) remove(addr string) {
	n.mu.Lock()
	delete(n.listeners, addr)
	n.mu.Unlock()
}

type memoryAddr string

func (a memoryAddr) Network() string { return "memory" }
func (a memoryAddr) String() string  { return string(a) }

type memoryListener struct {
	network *MemoryNetwork
	addr    memoryAddr
	conns   chan net.Conn
	done    chan struct{}
	once    sync.Once
}

func (l *memoryListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *memoryListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.network.remove(string(l.addr))
	})
	return nil
}

func (l *memoryListener) Addr() net.Addr { return l.addr }

// memoryConn reports stable addresses for both ends of a pipe.
type memoryConn struct {
	net.Conn
	local, remote net.Addr
}

func (c *memoryConn) LocalAddr() net.Addr  { return c.local }
func (c *memoryConn) RemoteAddr() net.Addr { return c.remote }
func (c *memoryConn) Unwrap() net.Conn     { return c.Conn }
