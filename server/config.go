package server

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/jeffersonwarrior/myco/grain"
	"github.com/jeffersonwarrior/myco/internal/obs"
	"github.com/jeffersonwarrior/myco/transport"
)

// Config controls a Server. Zero values are replaced by defaults.
type Config struct {
	// Host and Port are used by ListenAndServe. When empty they come from
	// the HOST and PORT environment variables, then localhost:8080.
	Host string
	Port int

	// Listener, when set, is served by ListenAndServe instead of binding
	// Host:Port. Use it to serve a transport.MemoryNetwork listener.
	Listener net.Listener

	// Acceptor wraps every accepted connection, e.g. with TLS. Default is
	// transport.PlainAcceptor.
	Acceptor transport.Acceptor

	Name              string
	MaxHeadBytes      int
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration

	// MaxDrainBytes bounds how much of an unread request body the server
	// discards to keep a connection alive. Larger leftovers close it.
	MaxDrainBytes int64

	// Fallback runs when the handler tree neither halted nor set a status.
	// Default is grain.NotFound().
	Fallback grain.Handler

	Logger obs.Logger
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = os.Getenv("HOST")
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil && p > 0 {
			c.Port = p
		}
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Acceptor == nil {
		c.Acceptor = transport.PlainAcceptor{}
	}
	if c.Name == "" {
		c.Name = "myco"
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MaxDrainBytes == 0 {
		c.MaxDrainBytes = 256 << 10
	}
	if c.Fallback == nil {
		c.Fallback = grain.NotFound()
	}
	c.Logger = obs.OrNop(c.Logger)
}

// Addr returns Host:Port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
