package uart

import (
	"context"
	"io"
	"os"
	"sync"
)

// Port is a byte stream with a cancellable receive. *uartx.UART satisfies it
// directly; hosts use StreamPort.
type Port interface {
	Write(p []byte) (int, error)
	RecvSomeContext(ctx context.Context, buf []byte) (int, error)
}

// ---- Host stream port ----

type chunk struct {
	b   []byte
	err error
}

// StreamPort adapts a blocking reader/writer pair to Port. A single
// background goroutine performs the reads; RecvSomeContext may be abandoned
// by cancelling its context without losing data.
type StreamPort struct {
	r io.Reader
	w io.Writer

	once    sync.Once
	ch      chan chunk
	pending []byte
	err     error
}

func NewStreamPort(r io.Reader, w io.Writer) *StreamPort {
	return &StreamPort{r: r, w: w, ch: make(chan chunk, 4)}
}

func (p *StreamPort) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *StreamPort) readLoop() {
	defer close(p.ch)
	for {
		buf := make([]byte, 256)
		n, err := p.r.Read(buf)
		if n > 0 {
			p.ch <- chunk{b: buf[:n]}
		}
		if err != nil {
			p.ch <- chunk{err: err}
			return
		}
	}
}

// RecvSomeContext returns at least one byte, the reader's terminal error, or
// ctx.Err(). It must not be called concurrently.
func (p *StreamPort) RecvSomeContext(ctx context.Context, buf []byte) (int, error) {
	p.once.Do(func() { go p.readLoop() })
	if len(p.pending) > 0 {
		n := copy(buf, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	if p.err != nil {
		return 0, p.err
	}
	select {
	case c, ok := <-p.ch:
		if !ok {
			return 0, io.EOF
		}
		if c.err != nil {
			p.err = c.err
			return 0, c.err
		}
		n := copy(buf, c.b)
		p.pending = c.b[n:]
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// OpenHost opens a host-side port. "stdio" binds stdin/stdout; anything else
// is opened as a device node or FIFO. Line settings are left to the OS.
func OpenHost(path string) (Port, io.Closer, error) {
	if path == "" || path == "stdio" {
		return NewStreamPort(os.Stdin, os.Stdout), io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}
	return NewStreamPort(f, f), f, nil
}
