// Package uart is a serial device with a bounded receive pipeline:
// port reader -> byte ring -> pump -> handler. Bytes that arrive faster than
// the handler consumes them are dropped and counted.
package uart

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"devicecore-go/errcode"
	"devicecore-go/x/mathx"
	"devicecore-go/x/shmring"

	"github.com/sirupsen/logrus"
)

const (
	ModeBytes = "bytes"
	ModeLines = "lines"
)

type Config struct {
	Name      string
	RingSize  int    // power of two; 1024 when zero
	ReadChunk int    // 256 when zero; clamp 16..1024
	Mode      string // ModeBytes (default) or ModeLines
	Log       *logrus.Entry
}

// Handler receives one chunk (bytes mode) or one line without its
// terminator (lines mode). The slice is owned by the callee.
type Handler = func(data []byte)

type Stats struct {
	RxBytes uint64 `json:"rx_bytes"`
	TxBytes uint64 `json:"tx_bytes"`
	Dropped uint64 `json:"dropped"`
}

type Device struct {
	port  Port
	cfg   Config
	log   *logrus.Entry
	ring  *shmring.Ring
	chunk int

	mu      sync.Mutex
	handler Handler
	ready   bool // between Init and Deinit
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	rx, tx atomic.Uint64
}

func New(p Port, cfg Config) *Device {
	if cfg.Name == "" {
		cfg.Name = "uart"
	}
	if cfg.RingSize == 0 {
		cfg.RingSize = 1024
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeBytes
	}
	if cfg.ReadChunk == 0 {
		cfg.ReadChunk = 256
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Device{
		port:  p,
		cfg:   cfg,
		log:   log.WithField("device", cfg.Name),
		ring:  shmring.New(cfg.RingSize),
		chunk: mathx.Clamp(cfg.ReadChunk, 16, 1024),
	}
}

func (d *Device) Name() string { return d.cfg.Name }

// SetHandler replaces the receive handler. nil discards received data.
func (d *Device) SetHandler(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// ---- Lifecycle ----

func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return &errcode.E{C: errcode.InvalidParams, Op: "uart.init", Msg: "no port"}
	}
	d.ready = true
	d.startLocked()
	return nil
}

func (d *Device) Deinit() error {
	d.mu.Lock()
	d.ready = false
	d.mu.Unlock()
	d.stop()
	return nil
}

// Suspend stops the receive pipeline. Bytes arriving while suspended stay
// in the port.
func (d *Device) Suspend() error {
	d.stop()
	return nil
}

func (d *Device) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready {
		d.startLocked()
	}
	return nil
}

func (d *Device) startLocked() {
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(2)
	go d.readLoop(ctx)
	go d.pump(ctx)
}

func (d *Device) stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}

// ---- I/O ----

func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	ready := d.ready
	d.mu.Unlock()
	if !ready {
		return 0, &errcode.E{C: errcode.NotConnected, Op: "uart.write", Msg: d.cfg.Name + " not initialised"}
	}
	n, err := d.port.Write(p)
	d.tx.Add(uint64(n))
	if err != nil {
		return n, errcode.Wrap(errcode.Failed, "uart.write", err)
	}
	return n, nil
}

func (d *Device) Stats() Stats {
	return Stats{RxBytes: d.rx.Load(), TxBytes: d.tx.Load(), Dropped: d.ring.Dropped()}
}

func (d *Device) readLoop(ctx context.Context) {
	defer d.wg.Done()
	buf := make([]byte, d.chunk)
	for {
		n, err := d.port.RecvSomeContext(ctx, buf)
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			d.rx.Add(uint64(n))
			if w := d.ring.WriteFrom(buf[:n]); w < n {
				d.log.WithField("dropped", n-w).Debug("rx ring full")
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			d.log.Info("port closed")
			return
		}
		d.log.WithError(err).Warn("receive failed")
		t := time.NewTimer(50 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (d *Device) pump(ctx context.Context) {
	defer d.wg.Done()
	buf := make([]byte, d.chunk)
	var line []byte
	for {
		for {
			n := d.ring.ReadInto(buf)
			if n == 0 {
				break
			}
			if d.cfg.Mode != ModeLines {
				d.emit(append([]byte(nil), buf[:n]...))
				continue
			}
			for _, b := range buf[:n] {
				switch b {
				case '\n':
					d.emit(append([]byte(nil), line...))
					line = line[:0]
				case '\r':
				default:
					line = append(line, b)
					if len(line) >= d.chunk {
						d.emit(append([]byte(nil), line...))
						line = line[:0]
					}
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-d.ring.Readable():
		}
	}
}

func (d *Device) emit(p []byte) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h(p)
	}
}
