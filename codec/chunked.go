package codec

import (
	"fmt"
	"io"
)

// ChunkedWriter encodes writes as HTTP/1.1 chunks. Close writes the
// terminating zero-length chunk; it does not close the underlying writer.
type ChunkedWriter struct {
	w      io.Writer
	closed bool
}

func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

func (cw *ChunkedWriter) Write(p []byte) (int, error) {
	if cw.closed {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(cw.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	n, err := cw.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := io.WriteString(cw.w, "\r\n"); err != nil {
		return n, err
	}
	return n, nil
}

func (cw *ChunkedWriter) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true
	_, err := io.WriteString(cw.w, "0\r\n\r\n")
	return err
}
