package grain

import (
	"fmt"

	"github.com/jeffersonwarrior/myco/codec"
)

type haltHandler struct{}

func (haltHandler) Run(c *Conn) *Conn { return c.Halt() }
func (haltHandler) Name() string      { return "halt" }

// Halt returns a handler that halts every conn it sees.
func Halt() Handler { return haltHandler{} }

type noop struct{}

func (noop) Run(c *Conn) *Conn { return c }
func (noop) Name() string      { return "noop" }

// Noop returns a handler that does nothing.
func Noop() Handler { return noop{} }

type statusHandler int

func (s statusHandler) Run(c *Conn) *Conn { return c.WithStatus(int(s)) }
func (s statusHandler) Name() string      { return fmt.Sprintf("status(%d)", int(s)) }

// Status returns a handler that sets the response status without halting.
func Status(code int) Handler { return statusHandler(code) }

type textHandler string

func (t textHandler) Run(c *Conn) *Conn { return c.Ok(string(t)) }
func (textHandler) Name() string        { return "text" }

// Text returns a handler that responds 200 with body and halts.
func Text(body string) Handler { return textHandler(body) }

type headersHandler codec.Header

func (h headersHandler) Run(c *Conn) *Conn {
	for k, vs := range h {
		for _, v := range vs {
			c.ResponseHeaders().Add(k, v)
		}
	}
	return c
}

func (headersHandler) Name() string { return "headers" }

// Headers returns a handler that adds h to every response.
func Headers(h codec.Header) Handler { return headersHandler(h.Clone()) }

type notFound struct{}

func (notFound) Run(c *Conn) *Conn {
	return c.WithStatus(404).WithBody("not found").Halt()
}

func (notFound) Name() string { return "not-found" }

// NotFound returns a handler that responds 404 and halts.
func NotFound() Handler { return notFound{} }

// Cloner lets a state value control how it is copied into each conn.
type Cloner[T any] interface {
	Clone() T
}

// State injects a copy of a fixed value into every conn it sees, replacing
// any earlier value of the same type.
type State[T any] struct {
	v T
}

// NewState returns a handler that stores a copy of v in each conn. If v
// implements Cloner[T], Clone is used to make the copy.
func NewState[T any](v T) *State[T] {
	return &State[T]{v: v}
}

func (s *State[T]) Run(c *Conn) *Conn {
	v := s.v
	if cl, ok := any(s.v).(Cloner[T]); ok {
		v = cl.Clone()
	}
	return WithState(c, v)
}

func (s *State[T]) Name() string {
	return fmt.Sprintf("state(%s)", keyOf[T]())
}
