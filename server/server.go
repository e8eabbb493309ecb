package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeffersonwarrior/myco/grain"
	"github.com/jeffersonwarrior/myco/internal/obs"
	"github.com/jeffersonwarrior/myco/transport"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Server accepts connections and drives each one through a handler tree on
// its own goroutine.
type Server struct {
	cfg     Config
	handler grain.Handler
	log     obs.Logger

	initOnce sync.Once
	initErr  error

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*serverConn]struct{}
	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New returns a Server running handler with cfg.
func New(cfg Config, handler grain.Handler) *Server {
	cfg.setDefaults()
	if handler == nil {
		handler = grain.Noop()
	}
	return &Server{
		cfg:       cfg,
		handler:   handler,
		log:       cfg.Logger,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*serverConn]struct{}),
		done:      make(chan struct{}),
	}
}

// Config returns the server's effective configuration.
func (s *Server) Config() Config { return s.cfg }

// Init runs the handler tree's Init hooks. It runs at most once; Serve and
// ServeTransport call it before handling anything.
func (s *Server) Init(ctx context.Context, addr net.Addr) error {
	s.initOnce.Do(func() {
		info := &grain.Info{Server: s.cfg.Name, ListenAddr: addr, Secure: s.cfg.Acceptor.Secure()}
		s.initErr = grain.InitHandler(ctx, s.handler, info)
		if s.initErr == nil {
			s.log.Logf(obs.Debug, "server: initialized %s", grain.NameOf(s.handler))
		}
	})
	return s.initErr
}

// ListenAndServe serves cfg.Listener, or a TCP listener on Host:Port.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln := s.cfg.Listener
	if ln == nil {
		var lc net.ListenConfig
		var err error
		ln, err = lc.Listen(ctx, "tcp", s.cfg.Addr())
		if err != nil {
			return err
		}
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Shutdown is
// called. It always closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.Init(ctx, ln.Addr()); err != nil {
		ln.Close()
		return err
	}
	if !s.trackListener(ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		case <-stop:
			return
		}
		ln.Close()
	}()

	s.log.Logf(obs.Info, "server: listening on %s", ln.Addr())
	attempt := 0
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var te interface{ Temporary() bool }
			if errors.As(err, &te) && te.Temporary() {
				d := acceptBackoff.delay(attempt)
				attempt++
				s.log.Logf(obs.Warn, "server: accept error: %v; retrying in %v", err, d)
				select {
				case <-time.After(d):
					continue
				case <-ctx.Done():
					return ctx.Err()
				case <-s.done:
					return ErrServerClosed
				}
			}
			return err
		}
		attempt = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(ctx, raw)
		}()
	}
}

// ServeTransport drives one already-accepted connection to completion on
// the calling goroutine. The acceptor is not applied.
func (s *Server) ServeTransport(ctx context.Context, t transport.Transport) error {
	if err := s.Init(ctx, t.LocalAddr()); err != nil {
		t.Close()
		return err
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.serveTransport(ctx, t)
	return nil
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closing.Load() {
			return false
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
	return true
}

func (s *Server) trackConn(c *serverConn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closing.Load() {
			return false
		}
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	return true
}

// closeIdle closes connections waiting for a request and reports whether
// any connections remain. A new connection gets newConnGrace to send its
// first request.
func (s *Server) closeIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for c := range s.conns {
		if c.closableWhenIdle(now) {
			c.t.Close()
		}
	}
	return len(s.conns) > 0
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.cancel()
		c.t.Close()
	}
}

// Shutdown stops accepting, closes idle connections and waits for requests
// in flight to finish. When ctx ends first, the remaining connections are
// cancelled and closed, and ctx's error is returned without waiting for
// their handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing.Store(true)
		close(s.done)
		for ln := range s.listeners {
			ln.Close()
		}
		s.mu.Unlock()
	})

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		s.closeIdle()
		select {
		case <-finished:
			s.log.Logf(obs.Info, "server: shutdown complete")
			return nil
		case <-ctx.Done():
			s.closeAll()
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Close shuts down within cfg.ShutdownTimeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}
