package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffersonwarrior/myco/codec"
	"github.com/jeffersonwarrior/myco/grain"
	"github.com/jeffersonwarrior/myco/transport"
)

func startServer(t *testing.T, h grain.Handler, cfg Config) (*Server, *transport.MemoryNetwork) {
	t.Helper()
	mem := transport.NewMemoryNetwork()
	ln, err := mem.Listen("srv:80")
	require.NoError(t, err)
	srv := New(cfg, h)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background(), ln) }()
	t.Cleanup(func() {
		srv.Close()
		assert.ErrorIs(t, <-errc, ErrServerClosed)
	})
	return srv, mem
}

type client struct {
	t  *testing.T
	c  net.Conn
	br *bufio.Reader
}

func dial(t *testing.T, mem *transport.MemoryNetwork) *client {
	t.Helper()
	c, err := mem.Dial(context.Background(), "memory", "srv:80")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &client{t: t, c: c, br: bufio.NewReader(c)}
}

// send writes raw without blocking; net.Pipe writes wait for the reader.
func (cl *client) send(raw string) {
	go cl.c.Write([]byte(raw))
}

func (cl *client) read(method string) (*codec.ResponseHead, string) {
	cl.t.Helper()
	head, err := codec.ReadResponseHead(cl.br, 0)
	require.NoError(cl.t, err)
	f, err := codec.ResponseFraming(method, head.Status, head.Header)
	require.NoError(cl.t, err)
	data, err := io.ReadAll(codec.NewBody(cl.br, f))
	require.NoError(cl.t, err)
	return head, string(data)
}

func TestRoundTrip(t *testing.T) {
	h := grain.HandlerFunc(func(c *grain.Conn) *grain.Conn {
		return c.WithHeader("x-test", "1").Ok("ok")
	})
	_, mem := startServer(t, h, Config{})
	cl := dial(t, mem)

	cl.send("GET / HTTP/1.1\r\nHost: srv\r\n\r\n")
	head, body := cl.read("GET")
	assert.Equal(t, 200, head.Status)
	assert.Equal(t, "1", head.Header.Get("X-Test"))
	assert.Equal(t, "2", head.Header.Get("Content-Length"))
	assert.True(t, head.Header.Has("Date"))
	assert.Equal(t, "ok", body)
}

func TestKeepAliveDrainsUnreadBody(t *testing.T) {
	var seen []string
	h := grain.HandlerFunc(func(c *grain.Conn) *grain.Conn {
		seen = append(seen, c.Method()+" "+c.Path())
		return c.Ok("hi")
	})
	_, mem := startServer(t, h, Config{})
	cl := dial(t, mem)

	cl.send("POST /a HTTP/1.1\r\nHost: srv\r\nContent-Length: 5\r\n\r\nhello")
	head, body := cl.read("POST")
	assert.Equal(t, 200, head.Status)
	assert.Equal(t, "hi", body)
	assert.False(t, head.Header.ContainsToken("Connection", "close"))

	cl.send("GET /b HTTP/1.1\r\nHost: srv\r\n\r\n")
	_, body = cl.read("GET")
	assert.Equal(t, "hi", body)
	assert.Equal(t, []string{"POST /a", "GET /b"}, seen)
}

func TestPipelinedRequests(t *testing.T) {
	h := grain.HandlerFunc(func(c *grain.Conn) *grain.Conn { return c.Ok(c.Path()) })
	_, mem := startServer(t, h, Config{})
	cl := dial(t, mem)

	cl.send("GET /one HTTP/1.1\r\nHost: srv\r\n\r\nGET /two HTTP/1.1\r\nHost: srv\r\n\r\n")
	_, b1 := cl.read("GET")
	_, b2 := cl.read("GET")
	assert.Equal(t, "/one", b1)
	assert.Equal(t, "/two", b2)
}

func TestConnectionCloseAndHTTP10(t *testing.T) {
	_, mem := startServer(t, grain.Text("x"), Config{})

	cl := dial(t, mem)
	cl.send("GET / HTTP/1.1\r\nHost: srv\r\nConnection: close\r\n\r\n")
	head, _ := cl.read("GET")
	assert.True(t, head.Header.ContainsToken("Connection", "close"))
	_, err := cl.br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	cl = dial(t, mem)
	cl.send("GET / HTTP/1.0\r\n\r\n")
	head, body := cl.read("GET")
	assert.Equal(t, "x", body)
	assert.True(t, head.Header.ContainsToken("Connection", "close"))
}

func TestChunkedResponse(t *testing.T) {
	h := grain.HandlerFunc(func(c *grain.Conn) *grain.Conn {
		return c.WithStatus(200).WithBodyReader(strings.NewReader("streamed"), -1).Halt()
	})
	_, mem := startServer(t, h, Config{})
	cl := dial(t, mem)

	cl.send("GET / HTTP/1.1\r\nHost: srv\r\n\r\n")
	head, body := cl.read("GET")
	assert.Equal(t, "chunked", head.Header.Get("Transfer-Encoding"))
	assert.Equal(t, "streamed", body)
}

func TestHeadResponseHasNoBody(t *testing.T) {
	_, mem := startServer(t, grain.Text("body"), Config{})
	cl := dial(t, mem)

	cl.send("HEAD / HTTP/1.1\r\nHost: srv\r\n\r\n")
	head, body := cl.read("HEAD")
	assert.Equal(t, "4", head.Header.Get("Content-Length"))
	assert.Empty(t, body)

	cl.send("GET / HTTP/1.1\r\nHost: srv\r\n\r\n")
	_, body = cl.read("GET")
	assert.Equal(t, "body", body)
}

func TestDefaultOutcome(t *testing.T) {
	tests := []struct {
		name   string
		h      grain.Handler
		status int
		body   string
	}{
		{"nothing set", grain.Noop(), 404, "not found"},
		{"body without status, not halted", grain.HandlerFunc(func(c *grain.Conn) *grain.Conn { return c.WithBody("x") }), 404, "not found"},
		{"body without status, halted", grain.HandlerFunc(func(c *grain.Conn) *grain.Conn { return c.WithBody("x").Halt() }), 200, "x"},
		{"halted bare", grain.Halt(), 404, ""},
		{"status only", grain.Status(204), 204, ""},
		{"failed", grain.HandlerFunc(func(c *grain.Conn) *grain.Conn { return grain.Fail(c, 403, errors.New("no")) }), 403, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mem := startServer(t, tt.h, Config{})
			cl := dial(t, mem)
			cl.send("GET / HTTP/1.1\r\nHost: srv\r\n\r\n")
			head, body := cl.read("GET")
			assert.Equal(t, tt.status, head.Status)
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestCustomFallback(t *testing.T) {
	_, mem := startServer(t, grain.Noop(), Config{Fallback: grain.Text("fallback")})
	cl := dial(t, mem)
	cl.send("GET / HTTP/1.1\r\nHost: srv\r\n\r\n")
	head, body := cl.read("GET")
	assert.Equal(t, 200, head.Status)
	assert.Equal(t, "fallback", body)
}

type hooks struct {
	log   *[]string
	inits *atomic.Int32
}

func (h hooks) Run(c *grain.Conn) *grain.Conn {
	c.RegisterBeforeSend(grain.HandlerFunc(func(c *grain.Conn) *grain.Conn {
		*h.log = append(*h.log, "registered")
		return c
	}))
	return c.Ok("ok")
}

func (h hooks) BeforeSend(c *grain.Conn) *grain.Conn {
	*h.log = append(*h.log, "tree")
	return c.WithHeader("x-before-send", "1")
}

func (h hooks) Init(context.Context, *grain.Info) error {
	h.inits.Add(1)
	return nil
}

func TestBeforeSendAndInit(t *testing.T) {
	var log []string
	var inits atomic.Int32
	_, mem := startServer(t, hooks{log: &log, inits: &inits}, Config{})

	cl := dial(t, mem)
	cl.send("GET / HTTP/1.1\r\nHost: srv\r\n\r\n")
	head, _ := cl.read("GET")
	assert.Equal(t, "1", head.Header.Get("X-Before-Send"))
	assert.Equal(t, []string{"registered", "tree"}, log)

	cl.send("GET / HTTP/1.1\r\nHost: srv\r\n\r\n")
	cl.read("GET")
	assert.EqualValues(t, 1, inits.Load())
}

func TestMalformedRequests(t *testing.T) {
	_, mem := startServer(t, grain.Text("x"), Config{MaxHeadBytes: 256})

	cl := dial(t, mem)
	cl.send("NOT A REQUEST LINE\r\n\r\n")
	head, _ := cl.read("GET")
	assert.Equal(t, 400, head.Status)

	cl = dial(t, mem)
	cl.send("GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", 512) + "\r\n\r\n")
	head, _ = cl.read("GET")
	assert.Equal(t, 431, head.Status)

	cl = dial(t, mem)
	cl.send("GET / HTTP/2.0\r\n\r\n")
	head, _ = cl.read("GET")
	assert.Equal(t, 505, head.Status)

	cl = dial(t, mem)
	cl.send("POST / HTTP/1.1\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n")
	head, _ = cl.read("POST")
	assert.Equal(t, 400, head.Status)
}

func TestPanicClosesOnlyThatConnection(t *testing.T) {
	h := grain.HandlerFunc(func(c *grain.Conn) *grain.Conn {
		if c.Path() == "/panic" {
			panic("boom")
		}
		return c.Ok("fine")
	})
	_, mem := startServer(t, h, Config{})

	bad := dial(t, mem)
	bad.send("GET /panic HTTP/1.1\r\nHost: srv\r\n\r\n")
	_, err := codec.ReadResponseHead(bad.br, 0)
	assert.ErrorIs(t, err, codec.ErrClosed)

	good := dial(t, mem)
	good.send("GET / HTTP/1.1\r\nHost: srv\r\n\r\n")
	_, body := good.read("GET")
	assert.Equal(t, "fine", body)
}

func TestDisconnectCancelsPipeline(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no body", "GET / HTTP/1.1\r\nHost: srv\r\n\r\n"},
		{"unread body", "POST / HTTP/1.1\r\nHost: srv\r\nContent-Length: 5\r\n\r\nhello"},
		{"partial body", "POST / HTTP/1.1\r\nHost: srv\r\nContent-Length: 100\r\n\r\nhello"},
		{"chunked body", "POST / HTTP/1.1\r\nHost: srv\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n"},
		{"pipelined request", "GET /slow HTTP/1.1\r\nHost: srv\r\n\r\nGET /next HTTP/1.1\r\nHost: srv\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cancelled := make(chan struct{})
			h := grain.HandlerFunc(func(c *grain.Conn) *grain.Conn {
				select {
				case <-c.Context().Done():
					close(cancelled)
					return c
				case <-time.After(5 * time.Second):
					return c.Ok("too late")
				}
			})

			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			srv := New(Config{}, h)
			go srv.Serve(context.Background(), ln)
			defer srv.Close()

			c, err := net.Dial("tcp", ln.Addr().String())
			require.NoError(t, err)
			defer c.Close()
			_, err = c.Write([]byte(tt.raw))
			require.NoError(t, err)
			require.NoError(t, c.(*net.TCPConn).CloseWrite())

			select {
			case <-cancelled:
			case <-time.After(2 * time.Second):
				t.Fatal("handler was not cancelled after the peer went away")
			}

			c.SetReadDeadline(time.Now().Add(2 * time.Second))
			data, err := io.ReadAll(c)
			require.NoError(t, err)
			assert.Empty(t, data)
		})
	}
}

func TestBodyReadAfterReadAhead(t *testing.T) {
	h := grain.HandlerFunc(func(c *grain.Conn) *grain.Conn {
		time.Sleep(50 * time.Millisecond)
		body, err := c.ReadRequestBody(0)
		if err != nil {
			return grain.Fail(c, 400, err)
		}
		return c.Ok("got " + string(body) + " " + c.Path())
	})
	_, mem := startServer(t, h, Config{})
	cl := dial(t, mem)

	cl.send("POST /a HTTP/1.1\r\nHost: srv\r\nContent-Length: 5\r\n\r\nhello" +
		"POST /b HTTP/1.1\r\nHost: srv\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nbye\r\n0\r\n\r\n")
	_, body := cl.read("POST")
	assert.Equal(t, "got hello /a", body)
	_, body = cl.read("POST")
	assert.Equal(t, "got bye /b", body)
}

func TestInboundReadAhead(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	in := newInbound(transport.Box(a))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in.watch(cancel)
	_, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	in.stop()
	assert.NoError(t, ctx.Err())

	go b.Write([]byte("def"))
	buf := make([]byte, 8)
	n, err := in.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))
	n, err = io.ReadFull(in, buf[:3])
	require.NoError(t, err)
	assert.Equal(t, "def", string(buf[:n]))

	in.watch(cancel)
	b.Close()
	<-ctx.Done()
	_, err = in.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	in.stop()
	a.Close()
}

func TestShutdownClosesIdleConnections(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	ln, err := mem.Listen("srv:80")
	require.NoError(t, err)
	srv := New(Config{}, grain.Text("x"))
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background(), ln) }()

	cl := dial(t, mem)
	cl.send("GET / HTTP/1.1\r\nHost: srv\r\n\r\n")
	cl.read("GET")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.ErrorIs(t, <-errc, ErrServerClosed)

	_, err = cl.br.ReadByte()
	assert.Error(t, err)

	_, err = mem.Dial(context.Background(), "memory", "srv:80")
	assert.ErrorIs(t, err, transport.ErrConnectionRefused)
}

func TestShutdownWaitsForFirstRequest(t *testing.T) {
	srv, mem := startServer(t, grain.Text("late"), Config{})
	cl := dial(t, mem)
	_, err := cl.c.Write([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)

	shut := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shut <- srv.Shutdown(ctx)
	}()
	time.Sleep(150 * time.Millisecond)

	cl.send("Host: srv\r\n\r\n")
	head, body := cl.read("GET")
	assert.Equal(t, 200, head.Status)
	assert.Equal(t, "late", body)
	assert.True(t, head.Header.ContainsToken("Connection", "close"))
	require.NoError(t, <-shut)
}

func TestClosableWhenIdle(t *testing.T) {
	now := time.Now()
	sc := &serverConn{accepted: now}
	assert.False(t, sc.closableWhenIdle(now))
	assert.True(t, sc.closableWhenIdle(now.Add(newConnGrace+time.Second)))
	sc.state.Store(stateActive)
	assert.False(t, sc.closableWhenIdle(now.Add(time.Hour)))
	sc.state.Store(stateIdle)
	assert.True(t, sc.closableWhenIdle(now))
}

func TestServeTransport(t *testing.T) {
	srv := New(Config{}, grain.Text("direct"))
	a, b := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.ServeTransport(context.Background(), transport.Box(a)) }()

	cl := &client{t: t, c: b, br: bufio.NewReader(b)}
	cl.send("GET / HTTP/1.1\r\nHost: srv\r\nConnection: close\r\n\r\n")
	_, body := cl.read("GET")
	assert.Equal(t, "direct", body)
	require.NoError(t, <-done)
	b.Close()
}

func TestConfigDefaults(t *testing.T) {
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "9090")
	cfg := Config{}
	cfg.setDefaults()
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr())
	assert.NotNil(t, cfg.Fallback)
	assert.NotNil(t, cfg.Logger)

	cfg = Config{Host: "example.test", Port: 1}
	cfg.setDefaults()
	assert.Equal(t, "example.test:1", cfg.Addr())
}

func TestBackoffDelay(t *testing.T) {
	b := backoff{base: 10 * time.Millisecond, max: 100 * time.Millisecond, multiplier: 2}
	assert.Equal(t, 10*time.Millisecond, b.delay(0))
	assert.Equal(t, 40*time.Millisecond, b.delay(2))
	assert.Equal(t, 100*time.Millisecond, b.delay(10))

	b.jitter = 0.5
	for i := 0; i < 20; i++ {
		d := b.delay(1)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 30*time.Millisecond)
	}
	assert.Zero(t, backoff{}.delay(3))
}
