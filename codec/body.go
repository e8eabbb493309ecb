package codec

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

const maxChunkLineBytes = 4 << 10

// Body reads exactly one framed message body from a buffered stream.
// It is finite and not restartable.
type Body struct {
	br      *bufio.Reader
	framing Framing
	remain  int64 // bytes left in the fixed body or current chunk
	chunked struct {
		started bool
	}
	done   bool
	err    error
	read   int64
	onDone []func()
}

// NewBody returns a Body reading the message framed by f from br.
func NewBody(br *bufio.Reader, f Framing) *Body {
	b := &Body{br: br, framing: f}
	switch f.Kind {
	case FramingNone:
		b.finish()
	case FramingFixed:
		b.remain = f.Length
		if b.remain == 0 {
			b.finish()
		}
	}
	return b
}

// Framing returns the framing this body was created with.
func (b *Body) Framing() Framing { return b.framing }

// Done reports whether the whole body, including any chunked terminator and
// trailers, has been consumed.
func (b *Body) Done() bool { return b.done }

// BytesRead returns the number of body bytes returned by Read so far.
func (b *Body) BytesRead() int64 { return b.read }

// Remaining returns the bytes left in a fixed-length body, 0 once done,
// and -1 when the length is not known in advance.
func (b *Body) Remaining() int64 {
	switch {
	case b.done:
		return 0
	case b.framing.Kind == FramingFixed:
		return b.remain
	default:
		return -1
	}
}

// Err returns the first error that stopped the body, if any.
func (b *Body) Err() error { return b.err }

// OnDone registers fn to run once the body is fully consumed. If the body
// is already done, fn runs immediately.
func (b *Body) OnDone(fn func()) {
	if b.done {
		fn()
		return
	}
	b.onDone = append(b.onDone, fn)
}

func (b *Body) finish() {
	if b.done {
		return
	}
	b.done = true
	fns := b.onDone
	b.onDone = nil
	for _, fn := range fns {
		fn()
	}
}

func (b *Body) fail(err error) error {
	if b.err == nil {
		b.err = err
	}
	return b.err
}

func (b *Body) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}
	if b.err != nil {
		return 0, b.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	var err error
	switch b.framing.Kind {
	case FramingFixed:
		n, err = b.readFixed(p)
	case FramingChunked:
		n, err = b.readChunked(p)
	case FramingClose:
		n, err = b.br.Read(p)
		if err == io.EOF {
			b.finish()
		} else if err != nil {
			err = b.fail(err)
		}
	default:
		b.finish()
		return 0, io.EOF
	}
	b.read += int64(n)
	return n, err
}

func (b *Body) readFixed(p []byte) (int, error) {
	if int64(len(p)) > b.remain {
		p = p[:b.remain]
	}
	n, err := b.br.Read(p)
	b.remain -= int64(n)
	if b.remain == 0 {
		b.finish()
		return n, nil
	}
	if err == io.EOF {
		return n, b.fail(ErrUnexpectedEOF)
	}
	if err != nil {
		return n, b.fail(err)
	}
	return n, nil
}

func (b *Body) readChunkLine() (string, error) {
	var sb strings.Builder
	for {
		c, err := b.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return "", ErrUnexpectedEOF
			}
			return "", err
		}
		if c == '\n' {
			return sb.String(), nil
		}
		if c != '\r' {
			sb.WriteByte(c)
		}
		if sb.Len() > maxChunkLineBytes {
			return "", ErrMalformedChunk
		}
	}
}

func (b *Body) readChunked(p []byte) (int, error) {
	if b.remain == 0 {
		if b.chunked.started {
			if err := b.expectCRLF(); err != nil {
				return 0, b.fail(err)
			}
		}
		line, err := b.readChunkLine()
		if err != nil {
			return 0, b.fail(err)
		}
		b.chunked.started = true
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil || size < 0 {
			return 0, b.fail(ErrMalformedChunk)
		}
		if size == 0 {
			for {
				trailer, err := b.readChunkLine()
				if err != nil {
					return 0, b.fail(err)
				}
				if trailer == "" {
					break
				}
			}
			b.finish()
			return 0, io.EOF
		}
		b.remain = size
	}
	if int64(len(p)) > b.remain {
		p = p[:b.remain]
	}
	n, err := b.br.Read(p)
	b.remain -= int64(n)
	if err == io.EOF {
		return n, b.fail(ErrUnexpectedEOF)
	}
	if err != nil {
		return n, b.fail(err)
	}
	return n, nil
}

func (b *Body) expectCRLF() error {
	c1, err := b.br.ReadByte()
	if err != nil {
		if err == io.EOF {
			return ErrUnexpectedEOF
		}
		return err
	}
	c2, err := b.br.ReadByte()
	if err != nil {
		if err == io.EOF {
			return ErrUnexpectedEOF
		}
		return err
	}
	if c1 != '\r' || c2 != '\n' {
		return ErrMalformedChunk
	}
	return nil
}

// Drain reads and discards the rest of the body.
func (b *Body) Drain() (int64, error) {
	n, err := io.Copy(io.Discard, b)
	return n, err
}
