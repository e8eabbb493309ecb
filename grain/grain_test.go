package grain

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffersonwarrior/myco/codec"
)

// recorder appends its name to a shared log on Run and BeforeSend.
type recorder struct {
	name string
	log  *[]string
}

func (r recorder) Run(c *Conn) *Conn {
	*r.log = append(*r.log, "run:"+r.name)
	return c
}

func (r recorder) BeforeSend(c *Conn) *Conn {
	*r.log = append(*r.log, "before:"+r.name)
	return c
}

func (r recorder) Name() string { return r.name }

func TestSequenceHaltPropagatesOutOfNesting(t *testing.T) {
	var log []string
	a := recorder{"a", &log}
	b := recorder{"b", &log}
	c := recorder{"c", &log}
	d := recorder{"d", &log}

	app := NewSequence(a, NewSequence(b, Halt(), c), d)
	conn := Run(app, NewTestConn("GET", "/"))

	assert.True(t, conn.IsHalted())
	assert.Equal(t, []string{"run:a", "run:b"}, log)

	log = nil
	RunBeforeSend(app, conn)
	assert.Equal(t, []string{"before:d", "before:c", "before:b", "before:a"}, log)
}

func TestSequenceRunsAllWithoutHalt(t *testing.T) {
	var log []string
	app := NewSequence(recorder{"a", &log}, recorder{"b", &log})
	conn := app.Run(NewTestConn("GET", "/"))
	assert.False(t, conn.IsHalted())
	assert.Equal(t, []string{"run:a", "run:b"}, log)
	assert.Equal(t, "sequence[a, b]", app.Name())
}

func TestSequenceStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := NewConn(ctx, &codec.RequestHead{Method: "GET", Target: "/", Proto: "HTTP/1.1"}, nil)

	ran := false
	app := NewSequence(
		HandlerFunc(func(c *Conn) *Conn { cancel(); return c }),
		HandlerFunc(func(c *Conn) *Conn { ran = true; return c }),
	)
	app.Run(conn)
	assert.False(t, ran)
	assert.False(t, conn.IsHalted())
}

func TestNilReturnKeepsConn(t *testing.T) {
	app := NewSequence(
		HandlerFunc(func(c *Conn) *Conn { c.WithStatus(201); return nil }),
		HandlerFunc(func(c *Conn) *Conn { return c.WithHeader("x-after", "1") }),
	)
	conn := Run(app, NewTestConn("GET", "/"))
	require.NotNil(t, conn)
	assert.Equal(t, 201, conn.Status())
	assert.Equal(t, "1", conn.ResponseHeaders().Get("x-after"))
}

func TestStateSetOneValuePerType(t *testing.T) {
	var s StateSet
	_, ok := Get[int](&s)
	assert.False(t, ok)

	_, replaced := Insert(&s, 1)
	assert.False(t, replaced)
	prev, replaced := Insert(&s, 2)
	assert.True(t, replaced)
	assert.Equal(t, 1, prev)

	Insert(&s, "two")
	assert.Equal(t, 2, s.Len())

	v, ok := Get[int](&s)
	require.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = Remove[int](&s)
	require.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = Get[int](&s)
	assert.False(t, ok)

	calls := 0
	mk := func() string { calls++; return "fresh" }
	assert.Equal(t, "two", GetOrInsert(&s, mk))
	assert.Equal(t, 0, calls)
}

type counter struct{ n int }

type tags []string

func (t tags) Clone() tags { return append(tags(nil), t...) }

func TestStateHoldsNilInterfaceValue(t *testing.T) {
	conn := NewTestConn("GET", "/")
	_, replaced := SetState[error](conn, nil)
	assert.False(t, replaced)

	got, ok := StateOf[error](conn)
	assert.True(t, ok)
	assert.Nil(t, got)

	prev, replaced := SetState[error](conn, errors.New("boom"))
	assert.True(t, replaced)
	assert.Nil(t, prev)

	prev, replaced = SetState[error](conn, nil)
	assert.True(t, replaced)
	assert.EqualError(t, prev, "boom")

	got, ok = TakeState[error](conn)
	assert.True(t, ok)
	assert.Nil(t, got)
	_, ok = StateOf[error](conn)
	assert.False(t, ok)
}

func TestStateHandlerOverwritesAndCopies(t *testing.T) {
	conn := NewTestConn("GET", "/")
	_, replaced := SetState(conn, counter{n: 1})
	assert.False(t, replaced)
	Run(NewState(counter{n: 7}), conn)
	got, ok := StateOf[counter](conn)
	require.True(t, ok)
	assert.Equal(t, 7, got.n)

	prev, replaced := SetState(conn, counter{n: 9})
	assert.True(t, replaced)
	assert.Equal(t, 7, prev.n)

	shared := tags{"a"}
	h := NewState(shared)
	c1 := Run(h, NewTestConn("GET", "/"))
	c2 := Run(h, NewTestConn("GET", "/"))
	t1, _ := StateOf[tags](c1)
	t1[0] = "changed"
	t2, _ := StateOf[tags](c2)
	assert.Equal(t, "a", t2[0])
	assert.Equal(t, "a", shared[0])
}

func TestRegisteredBeforeSendRunsInReverse(t *testing.T) {
	var log []string
	conn := NewTestConn("GET", "/")
	conn.RegisterBeforeSend(recorder{"first", &log}).RegisterBeforeSend(recorder{"second", &log})
	conn.RunRegisteredBeforeSend()
	assert.Equal(t, []string{"run:second", "run:first"}, log)

	log = nil
	conn.RunRegisteredBeforeSend()
	assert.Empty(t, log)
}

func TestConnTargetParsing(t *testing.T) {
	c := NewTestConn("GET", "/a/b?x=1&y=2")
	assert.Equal(t, "/a/b", c.Path())
	assert.Equal(t, "x=1&y=2", c.Query())

	c = NewTestConn("GET", "http://example.com:8080/p?q")
	assert.Equal(t, "/p", c.Path())
	assert.Equal(t, "q", c.Query())

	c = NewTestConn("CONNECT", "example.com:443")
	assert.Equal(t, "example.com:443", c.Path())
}

func TestReadRequestBodyLimit(t *testing.T) {
	head := &codec.RequestHead{Method: "POST", Target: "/", Proto: "HTTP/1.1"}
	c := NewConn(context.Background(), head, strings.NewReader("hello"))
	_, err := c.ReadRequestBody(3)
	assert.Error(t, err)

	c = NewConn(context.Background(), head, strings.NewReader("hello"))
	data, err := c.ReadRequestBody(5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	data, err = io.ReadAll(NewTestConn("GET", "/").RequestBody())
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestBuiltins(t *testing.T) {
	c := Run(NewSequence(
		Headers(codec.Header{"X-A": {"1"}}),
		Status(202),
		Text("hi"),
		Status(500),
	), NewTestConn("GET", "/"))
	assert.Equal(t, 200, c.Status())
	assert.Equal(t, "1", c.ResponseHeaders().Get("x-a"))
	body, n := c.ResponseBody()
	assert.Equal(t, int64(2), n)
	data, _ := io.ReadAll(body)
	assert.Equal(t, "hi", string(data))

	c = Run(NotFound(), NewTestConn("GET", "/"))
	assert.Equal(t, 404, c.Status())
	assert.True(t, c.IsHalted())
}

func TestFailAndErrorResponder(t *testing.T) {
	denied := errors.New("denied")
	app := NewSequence(
		ErrorResponder(),
		HandlerFunc(func(c *Conn) *Conn { return Fail(c, 403, denied) }),
		Text("unreachable"),
	)
	c := Run(app, NewTestConn("GET", "/"))
	assert.True(t, c.IsHalted())
	assert.Equal(t, 0, c.Status())
	assert.Equal(t, 403, ResolveStatus(c))

	he, ok := ErrorOf(c)
	require.True(t, ok)
	assert.ErrorIs(t, he, denied)

	c = RunBeforeSend(app, c)
	assert.Equal(t, 403, c.Status())
	assert.True(t, c.HasBody())
}

func TestResolveStatus(t *testing.T) {
	assert.Equal(t, 404, ResolveStatus(NewTestConn("GET", "/")))
	assert.Equal(t, 200, ResolveStatus(NewTestConn("GET", "/").WithBody("x")))
	assert.Equal(t, 204, ResolveStatus(NewTestConn("GET", "/").WithStatus(204)))
}

func TestRecover(t *testing.T) {
	var reported *PanicError
	h := Recover(HandlerFunc(func(c *Conn) *Conn {
		c.WithBody("partial")
		panic("boom")
	}), func(_ *Conn, pe *PanicError) { reported = pe })

	c := Run(h, NewTestConn("GET", "/"))
	require.NotNil(t, reported)
	assert.Equal(t, "boom", reported.Value)
	assert.Equal(t, 500, c.Status())
	assert.True(t, c.IsHalted())
	assert.False(t, c.HasBody())

	he, ok := ErrorOf(c)
	require.True(t, ok)
	assert.ErrorIs(t, he, ErrPanic)
}

type initRecorder struct {
	err   error
	calls *int
}

func (i initRecorder) Run(c *Conn) *Conn { return c }

func (i initRecorder) Init(context.Context, *Info) error {
	*i.calls++
	return i.err
}

func TestSequenceInit(t *testing.T) {
	calls := 0
	ok := NewSequence(initRecorder{calls: &calls}, Noop(), initRecorder{calls: &calls})
	require.NoError(t, InitHandler(context.Background(), ok, &Info{}))
	assert.Equal(t, 2, calls)

	calls = 0
	bad := NewSequence(initRecorder{err: errors.New("nope"), calls: &calls}, initRecorder{calls: &calls})
	err := InitHandler(context.Background(), bad, &Info{})
	assert.ErrorContains(t, err, "nope")
	assert.Equal(t, 1, calls)
}
