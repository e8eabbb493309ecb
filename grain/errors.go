package grain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
)

// HandlerError is a failure recorded on a conn by Fail.
type HandlerError struct {
	Status int
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Status, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Fail records err with status on c and halts. It does not touch the
// response; ErrorResponder, or the server's status resolution, turns the
// recorded error into one.
func Fail(c *Conn, status int, err error) *Conn {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return WithState(c, &HandlerError{Status: status, Err: err}).Halt()
}

// ErrorOf returns the error recorded by Fail.
func ErrorOf(c *Conn) (*HandlerError, bool) {
	return StateOf[*HandlerError](c)
}

type errorResponder struct{}

func (errorResponder) Run(c *Conn) *Conn { return c }

func (errorResponder) BeforeSend(c *Conn) *Conn {
	he, ok := ErrorOf(c)
	if !ok || c.Status() != 0 {
		return c
	}
	c.SetStatus(he.Status)
	if !c.HasBody() {
		c.WithHeader("Content-Type", "text/plain; charset=utf-8")
		c.WithBody(http.StatusText(he.Status))
	}
	return c
}

func (errorResponder) Name() string { return "error-responder" }

// ErrorResponder returns a handler whose BeforeSend hook turns an error
// recorded by Fail into a plain-text response, unless a status is set.
func ErrorResponder() Handler { return errorResponder{} }

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }

// ErrPanic matches any *PanicError via errors.Is.
var ErrPanic = errors.New("handler panic")

func (e *PanicError) Is(target error) bool { return target == ErrPanic }

type recoverer struct {
	h      Handler
	report func(*Conn, *PanicError)
}

func (r recoverer) Run(c *Conn) (out *Conn) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		pe := &PanicError{Value: v, Stack: debug.Stack()}
		if r.report != nil {
			r.report(c, pe)
		}
		c.SetBody(nil, -1)
		out = Fail(c.WithStatus(http.StatusInternalServerError), http.StatusInternalServerError, pe)
	}()
	return Run(r.h, c)
}

func (r recoverer) BeforeSend(c *Conn) *Conn { return RunBeforeSend(r.h, c) }
func (r recoverer) Name() string             { return "recover(" + NameOf(r.h) + ")" }

func (r recoverer) Init(ctx context.Context, info *Info) error { return InitHandler(ctx, r.h, info) }

// Recover wraps h so that a panic in its Run becomes a halted 500 response
// with a *PanicError recorded. report, when non-nil, is called with it.
func Recover(h Handler, report func(*Conn, *PanicError)) Handler {
	return recoverer{h: h, report: report}
}
