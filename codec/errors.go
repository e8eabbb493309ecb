package codec

import "errors"

// ErrProtocol is matched by every error the codec reports for malformed or
// truncated input.
var ErrProtocol = errors.New("codec: protocol error")

type protocolError string

func (e protocolError) Error() string        { return "codec: " + string(e) }
func (e protocolError) Is(target error) bool { return target == ErrProtocol }

var (
	ErrClosed             error = protocolError("connection closed before message head")
	ErrPartialHead        error = protocolError("connection closed mid-head")
	ErrHeadTooLong        error = protocolError("message head too long")
	ErrMalformedHead      error = protocolError("malformed start line")
	ErrMalformedHeader    error = protocolError("malformed header field")
	ErrMalformedChunk     error = protocolError("malformed chunk")
	ErrUnexpectedEOF      error = protocolError("connection closed mid-body")
	ErrConflictingFraming error = protocolError("both content-length and chunked transfer-encoding")
	ErrBadContentLength   error = protocolError("invalid content-length")
	ErrUnsupportedVersion error = protocolError("unsupported protocol version")
)
