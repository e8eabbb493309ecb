package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jeffersonwarrior/myco/codec"
	"github.com/jeffersonwarrior/myco/grain"
	"github.com/jeffersonwarrior/myco/internal/version"
)

func bodyAllowed(method string, status int) bool {
	if method == "HEAD" {
		return false
	}
	return status >= 200 && status != 204 && status != 304
}

// writeResponse sends c's response. It returns whether the connection may
// be kept alive afterwards, which is false when the body has to be
// delimited by closing.
func (sc *serverConn) writeResponse(req *codec.RequestHead, c *grain.Conn, keepAlive bool) (bool, error) {
	status := grain.ResolveStatus(c)
	h := c.ResponseHeaders().Clone()
	body, n := c.ResponseBody()
	if cl, ok := body.(io.Closer); ok {
		defer cl.Close()
	}

	withBody := bodyAllowed(req.Method, status)
	chunked := false
	h.Del("Transfer-Encoding")
	switch {
	case !withBody:
		if status < 200 || status == 204 {
			h.Del("Content-Length")
		} else if req.Method == "HEAD" && body != nil && n >= 0 && !h.Has("Content-Length") {
			h.Set("Content-Length", strconv.FormatInt(n, 10))
		}
	case body == nil:
		h.Set("Content-Length", "0")
	case n >= 0:
		h.Set("Content-Length", strconv.FormatInt(n, 10))
	case req.Proto == "HTTP/1.1":
		h.Del("Content-Length")
		h.Set("Transfer-Encoding", "chunked")
		chunked = true
	default:
		h.Del("Content-Length")
		keepAlive = false
	}

	if h.ContainsToken("Connection", "close") {
		keepAlive = false
	}
	if !keepAlive {
		h.Set("Connection", "close")
	} else if req.Proto == "HTTP/1.0" {
		h.Set("Connection", "keep-alive")
	}
	if !h.Has("Date") {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if !h.Has("Server") {
		h.Set("Server", version.UserAgent())
	}

	if wt := sc.srv.cfg.WriteTimeout; wt > 0 {
		sc.t.SetWriteDeadline(time.Now().Add(wt))
		defer sc.t.SetWriteDeadline(time.Time{})
	}
	if err := codec.WriteResponseHead(sc.bw, &codec.ResponseHead{Proto: "HTTP/1.1", Status: status, Header: h}); err != nil {
		return false, err
	}
	if withBody && body != nil {
		var err error
		switch {
		case chunked:
			cw := codec.NewChunkedWriter(sc.bw)
			if _, err = io.Copy(cw, body); err == nil {
				err = cw.Close()
			}
		case n >= 0:
			_, err = io.CopyN(sc.bw, body, n)
		default:
			_, err = io.Copy(sc.bw, body)
		}
		if err != nil {
			return false, err
		}
	}
	return keepAlive, sc.bw.Flush()
}
