package codec

import (
	"strconv"
	"strings"
)

// FramingKind says how the end of a message body is found.
type FramingKind int

const (
	// FramingNone means the message has no body.
	FramingNone FramingKind = iota
	// FramingFixed means Content-Length bytes follow the head.
	FramingFixed
	// FramingChunked means the body uses chunked transfer-coding.
	FramingChunked
	// FramingClose means the body runs until the peer closes the connection.
	FramingClose
)

func (k FramingKind) String() string {
	switch k {
	case FramingNone:
		return "none"
	case FramingFixed:
		return "fixed"
	case FramingChunked:
		return "chunked"
	case FramingClose:
		return "close-delimited"
	default:
		return "unknown"
	}
}

// Framing describes a message body's delimitation. Length is only
// meaningful for FramingFixed.
type Framing struct {
	Kind   FramingKind
	Length int64
}

// Reusable reports whether the connection can carry another message once a
// body with this framing has been fully read.
func (f Framing) Reusable() bool {
	return f.Kind != FramingClose
}

func isChunked(h Header) bool {
	vv := h.Values("Transfer-Encoding")
	if len(vv) == 0 {
		return false
	}
	codings := strings.Split(vv[len(vv)-1], ",")
	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
}

func contentLength(h Header) (int64, bool, error) {
	vv := h.Values("Content-Length")
	if len(vv) == 0 {
		return 0, false, nil
	}
	var n int64 = -1
	for _, v := range vv {
		for _, part := range strings.Split(v, ",") {
			m, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || m < 0 {
				return 0, false, ErrBadContentLength
			}
			if n >= 0 && m != n {
				return 0, false, ErrBadContentLength
			}
			n = m
		}
	}
	return n, true, nil
}

func headerFraming(h Header, fallback FramingKind) (Framing, error) {
	chunked := isChunked(h)
	n, hasLength, err := contentLength(h)
	if err != nil {
		return Framing{}, err
	}
	switch {
	case chunked && hasLength:
		return Framing{}, ErrConflictingFraming
	case chunked:
		return Framing{Kind: FramingChunked}, nil
	case h.Has("Transfer-Encoding"):
		// a transfer-coding other than chunked last; length is unknowable
		return Framing{Kind: FramingClose}, nil
	case hasLength && n == 0:
		return Framing{Kind: FramingNone}, nil
	case hasLength:
		return Framing{Kind: FramingFixed, Length: n}, nil
	default:
		return Framing{Kind: fallback}, nil
	}
}

// RequestFraming determines the body framing of an inbound request. A
// request without Content-Length or chunked coding has no body.
func RequestFraming(h Header) (Framing, error) {
	f, err := headerFraming(h, FramingNone)
	if err != nil {
		return f, err
	}
	if f.Kind == FramingClose {
		return Framing{}, ErrMalformedHeader
	}
	return f, nil
}

// ResponseFraming determines the body framing of a response to a request
// with the given method.
func ResponseFraming(method string, status int, h Header) (Framing, error) {
	if method == "HEAD" || (status >= 100 && status < 200) || status == 204 || status == 304 {
		return Framing{Kind: FramingNone}, nil
	}
	if method == "CONNECT" && status >= 200 && status < 300 {
		return Framing{Kind: FramingNone}, nil
	}
	return headerFraming(h, FramingClose)
}
