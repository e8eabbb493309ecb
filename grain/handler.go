package grain

import (
	"context"
	"fmt"
	"net"
)

// Handler processes a Conn. Run returns the conn to continue with, usually
// the one it was given. A nil return is treated as returning c unchanged.
type Handler interface {
	Run(c *Conn) *Conn
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Conn) *Conn

func (f HandlerFunc) Run(c *Conn) *Conn { return f(c) }

// BeforeSender is implemented by handlers that want a last look at the conn
// after the whole tree has run.
type BeforeSender interface {
	BeforeSend(c *Conn) *Conn
}

// Namer is implemented by handlers with a human-readable name.
type Namer interface {
	Name() string
}

// Initializer is implemented by handlers that need one-time setup before
// the first connection is accepted.
type Initializer interface {
	Init(ctx context.Context, info *Info) error
}

// Info describes the server a handler tree is mounted on.
type Info struct {
	Server     string
	ListenAddr net.Addr
	Secure     bool
}

func orSelf(out, in *Conn) *Conn {
	if out == nil {
		return in
	}
	return out
}

// Run runs h on c, honoring the nil-return rule.
func Run(h Handler, c *Conn) *Conn {
	return orSelf(h.Run(c), c)
}

// RunBeforeSend runs h's BeforeSend hook when it has one.
func RunBeforeSend(h Handler, c *Conn) *Conn {
	if bs, ok := h.(BeforeSender); ok {
		return orSelf(bs.BeforeSend(c), c)
	}
	return c
}

// NameOf returns h's name, falling back to its Go type.
func NameOf(h Handler) string {
	if n, ok := h.(Namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}

// InitHandler runs h's Init hook when it has one.
func InitHandler(ctx context.Context, h Handler, info *Info) error {
	if in, ok := h.(Initializer); ok {
		if err := in.Init(ctx, info); err != nil {
			return fmt.Errorf("init %s: %w", NameOf(h), err)
		}
	}
	return nil
}
