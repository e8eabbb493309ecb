// Package codec reads and writes HTTP/1.1 message heads and frames message
// bodies on top of a buffered byte stream.
//
// The codec never owns a connection. Callers hand it a *bufio.Reader or an
// io.Writer and get back parsed heads plus a Body that yields exactly the
// bytes belonging to one message, so the stream is positioned at the start
// of the next message once the Body reports Done.
//
// Parsing failures caused by the remote peer are reported as errors that
// satisfy errors.Is(err, ErrProtocol). Errors from the underlying reader
// (timeouts, resets) are returned unchanged so callers can tell a broken
// transport from a misbehaving peer.
package codec
