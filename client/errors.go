package client

import (
	"errors"
	"fmt"
)

// TransportError reports a failure to dial, handshake, write or read.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("client: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a response the client could not make sense of.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "client: protocol error: " + e.Err.Error() }

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocolError reports whether err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ErrAlreadySent is returned by Send on a Conn that was already sent.
var ErrAlreadySent = errors.New("client: conn already sent")
