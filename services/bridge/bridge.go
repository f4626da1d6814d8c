// services/bridge/bridge.go
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"devicecore-go/bus"
	"devicecore-go/errcode"

	"github.com/sirupsen/logrus"
)

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// Serial is the local side of the bridge. *uart.Device satisfies it.
type Serial interface {
	Write(p []byte) (int, error)
	SetHandler(func(p []byte))
}

// Uplink is the remote side. *network.Coordinator satisfies it.
type Uplink interface {
	Send(p []byte) error
	SetDataCallback(fn func(p []byte))
}

// SerialDial is injected by platform code (eg. main or a board file). It
// must return the serial peripheral called name, ready for I/O.
var SerialDial func(ctx context.Context, name string) (Serial, error)

var errNoDial = errors.New("SerialDial not set")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

type Config struct {
	Serial   string        // peripheral name handed to SerialDial
	RetryMin time.Duration // first dial retry delay
	RetryMax time.Duration
	Log      *logrus.Entry
}

type Stats struct {
	Up      uint64 `json:"up_bytes"`   // serial -> network
	Down    uint64 `json:"down_bytes"` // network -> serial
	Dropped uint64 `json:"dropped"`    // serial chunks not sent
	State   string `json:"state"`
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type Service struct {
	bus *bus.Bus
	net Uplink
	cfg Config
	log *logrus.Entry

	mu     sync.Mutex
	serial Serial
	state  string

	up, down, dropped atomic.Uint64
}

func New(b *bus.Bus, n Uplink, cfg Config) *Service {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		bus:   b,
		net:   n,
		cfg:   cfg,
		log:   log.WithFields(logrus.Fields{"component": "bridge", "serial": cfg.Serial}),
		state: "idle",
	}
}

// Run opens the serial side, retrying with backoff, then bridges both
// directions until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	backoff := backoffSeq(s.cfg.RetryMin, s.cfg.RetryMax)
	var ser Serial
	for {
		var err error
		if ser, err = s.open(ctx); err == nil {
			break
		}
		delay := backoff()
		s.setState("degraded", "dial_failed_retrying", fmt.Errorf("%w (retry in %s)", err, delay))
		if !sleep(ctx, delay) {
			s.setState("idle", "stopped", nil)
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.serial = ser
	s.mu.Unlock()
	ser.SetHandler(s.FromSerial)
	s.net.SetDataCallback(s.FromNetwork)
	s.setState("up", "bridge_established", nil)

	<-ctx.Done()

	ser.SetHandler(nil)
	s.net.SetDataCallback(nil)
	s.mu.Lock()
	s.serial = nil
	s.mu.Unlock()
	s.setState("idle", "stopped", nil)
	return nil
}

func (s *Service) open(ctx context.Context) (Serial, error) {
	if SerialDial == nil {
		return nil, errNoDial
	}
	return SerialDial(ctx, s.cfg.Serial)
}

// -----------------------------------------------------------------------------
// Data paths
// -----------------------------------------------------------------------------

// FromSerial publishes p as data_received and forwards it upstream when the
// transport is connected.
func (s *Service) FromSerial(p []byte) {
	if len(p) == 0 {
		return
	}
	s.bus.Publish(bus.NewEvent(bus.DataReceived, bus.BinaryPayload(p)))

	err := s.net.Send(p)
	switch {
	case err == nil:
		s.up.Add(uint64(len(p)))
	case errcode.Of(err) == errcode.NotConnected:
		s.dropped.Add(1)
		s.log.WithField("bytes", len(p)).Warn("transport not connected; serial data not forwarded")
	default:
		s.dropped.Add(1)
		s.log.WithError(err).Warn("forward to transport failed")
	}
}

// FromNetwork writes transport data to the serial side.
func (s *Service) FromNetwork(p []byte) {
	s.mu.Lock()
	ser := s.serial
	s.mu.Unlock()
	if ser == nil {
		return
	}
	n, err := ser.Write(p)
	s.down.Add(uint64(n))
	if err != nil {
		s.log.WithError(err).Warn("serial write failed")
	}
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	return Stats{Up: s.up.Load(), Down: s.down.Load(), Dropped: s.dropped.Load(), State: st}
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func (s *Service) setState(level, status string, err error) {
	s.mu.Lock()
	s.state = level
	s.mu.Unlock()

	e := s.log.WithField("status", status)
	if err != nil {
		e = e.WithError(err)
	}
	switch level {
	case "degraded", "error":
		e.Warn("bridge " + level)
	default:
		e.Info("bridge " + level)
	}
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 250 * time.Millisecond
	}
	if max < min {
		max = 5 * time.Second
		if max < min {
			max = min
		}
	}
	var cur = min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
