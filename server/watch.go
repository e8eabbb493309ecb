package server

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/jeffersonwarrior/myco/transport"
)

// maxReadAhead bounds what inbound buffers while a handler leaves the
// request body, or a pipelined request, unread. Once full, it
// stops reading and a disconnect goes unnoticed until the handler reads.
const maxReadAhead = 256 << 10

// inbound sits between a transport and the connection's bufio.Reader.
// While a handler tree runs, watch keeps reading the transport in the
// background so that a peer hanging up cancels the request even when its
// body is still unread. Bytes read ahead are handed out by Read in order.
type inbound struct {
	t transport.Transport

	mu       sync.Mutex
	cond     *sync.Cond
	buf      []byte
	err      error
	done     chan struct{} // non-nil while a pump goroutine runs
	stopping bool
}

func newInbound(t transport.Transport) *inbound {
	in := &inbound{t: t}
	in.cond = sync.NewCond(&in.mu)
	return in
}

func (in *inbound) Read(p []byte) (int, error) {
	in.mu.Lock()
	for len(in.buf) == 0 && in.err == nil && in.done != nil {
		in.cond.Wait()
	}
	if len(in.buf) > 0 {
		n := copy(p, in.buf)
		in.buf = in.buf[n:]
		if len(in.buf) == 0 {
			in.buf = nil
		}
		in.cond.Broadcast()
		in.mu.Unlock()
		return n, nil
	}
	if in.err != nil {
		err := in.err
		in.mu.Unlock()
		return 0, err
	}
	in.mu.Unlock()
	return in.t.Read(p)
}

// watch starts reading ahead; cancel runs if the transport fails or hits
// EOF before stop is called.
func (in *inbound) watch(cancel context.CancelFunc) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.done != nil || in.err != nil {
		return
	}
	in.done = make(chan struct{})
	go in.pump(in.done, cancel)
}

func (in *inbound) pump(done chan struct{}, cancel context.CancelFunc) {
	defer close(done)
	chunk := make([]byte, 4<<10)
	for {
		in.mu.Lock()
		for len(in.buf) >= maxReadAhead && !in.stopping {
			in.cond.Wait()
		}
		if in.stopping {
			in.mu.Unlock()
			return
		}
		in.mu.Unlock()

		n, err := in.t.Read(chunk)

		in.mu.Lock()
		in.buf = append(in.buf, chunk[:n]...)
		if err != nil && !(in.stopping && errors.Is(err, os.ErrDeadlineExceeded)) {
			in.err = err
			in.cond.Broadcast()
			in.mu.Unlock()
			cancel()
			return
		}
		in.cond.Broadcast()
		stopping := in.stopping
		in.mu.Unlock()
		if stopping {
			return
		}
	}
}

// stop interrupts the pending read and waits for the pump to exit. Bytes
// it already read stay buffered.
func (in *inbound) stop() {
	in.mu.Lock()
	done := in.done
	if done == nil {
		in.mu.Unlock()
		return
	}
	in.stopping = true
	in.cond.Broadcast()
	in.mu.Unlock()

	in.t.SetReadDeadline(time.Now())
	<-done
	in.t.SetReadDeadline(time.Time{})

	in.mu.Lock()
	in.done = nil
	in.stopping = false
	in.cond.Broadcast()
	in.mu.Unlock()
}
