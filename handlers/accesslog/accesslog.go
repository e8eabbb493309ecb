// Package accesslog records one Entry per request once its response is
// about to be sent.
package accesslog

import (
	"context"
	"time"

	"github.com/jeffersonwarrior/myco/grain"
	"github.com/jeffersonwarrior/myco/handlers/connid"
	"github.com/jeffersonwarrior/myco/internal/obs"
)

// Entry describes one handled request.
type Entry struct {
	Time      time.Time
	RequestID string
	Method    string
	Path      string
	Status    int
	Duration  time.Duration
	BytesOut  int64 // -1 for bodies of unknown length
	Peer      string
}

// Sink stores entries. Record is called on the connection's goroutine.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

func (f SinkFunc) Record(ctx context.Context, e Entry) error { return f(ctx, e) }

type logSink struct{ log obs.Logger }

// LogSink writes entries to log at Info level.
func LogSink(log obs.Logger) Sink { return logSink{log: obs.OrNop(log)} }

func (s logSink) Record(_ context.Context, e Entry) error {
	id := e.RequestID
	if id == "" {
		id = "-"
	}
	s.log.Logf(obs.Info, "%s %s %s %d %s %d %s", id, e.Method, e.Path, e.Status, e.Duration.Round(time.Microsecond), e.BytesOut, e.Peer)
	return nil
}

type started time.Time

type handler struct {
	sink Sink
	log  obs.Logger
	now  func() time.Time
}

// Option configures the handler returned by New.
type Option func(*handler)

// WithLogger reports sink failures to log.
func WithLogger(log obs.Logger) Option {
	return func(h *handler) { h.log = obs.OrNop(log) }
}

// New returns a handler that times each request and hands an Entry to sink
// before the response is sent. Place it first so its hook runs last.
func New(sink Sink, opts ...Option) grain.Handler {
	h := &handler{sink: sink, log: obs.NopLogger{}, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *handler) Run(c *grain.Conn) *grain.Conn {
	grain.SetState(c, started(h.now()))
	return c
}

func (h *handler) BeforeSend(c *grain.Conn) *grain.Conn {
	now := h.now()
	start := now
	if s, ok := grain.StateOf[started](c); ok {
		start = time.Time(s)
	}
	e := Entry{
		Time:      start,
		RequestID: connid.Get(c),
		Method:    c.Method(),
		Path:      c.Path(),
		Status:    grain.ResolveStatus(c),
		Duration:  now.Sub(start),
		BytesOut:  c.ResponseLen(),
	}
	if c.ResponseLen() < 0 && !c.HasBody() {
		e.BytesOut = 0
	}
	if peer := c.PeerAddr(); peer != nil {
		e.Peer = peer.String()
	}
	if err := h.sink.Record(context.WithoutCancel(c.Context()), e); err != nil {
		h.log.Logf(obs.Warn, "accesslog: record %s %s: %v", e.Method, e.Path, err)
	}
	return c
}

func (h *handler) Name() string { return "access-log" }
