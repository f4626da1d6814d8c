// Package heartbeat is the cooperative polling context: it calls Tick on
// every registered coordinator at a fixed cadence, one after another, on a
// single goroutine.
package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultInterval = time.Second

// Ticker is implemented by every coordinator.
type Ticker interface {
	Tick()
}

// TickFunc adapts a function to Ticker.
type TickFunc func()

func (f TickFunc) Tick() { f() }

type Config struct {
	Interval time.Duration
	Log      *logrus.Entry
}

type Service struct {
	tickers  []Ticker
	interval time.Duration
	log      *logrus.Entry

	reconf chan time.Duration
	ticks  atomic.Uint64
}

func New(cfg Config, ts ...Ticker) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		tickers:  ts,
		interval: cfg.Interval,
		log:      log.WithField("component", "heartbeat"),
		reconf:   make(chan time.Duration, 1),
	}
}

// Run blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()

	s.log.WithField("interval", s.interval).Info("polling started")
	// loop until context is cancelled, respond to tick and interval changes
	for {
		select {
		case <-ctx.Done():
			s.log.WithField("ticks", s.ticks.Load()).Info("polling stopped")
			return
		case <-tick.C:
			s.TickOnce()
		case d := <-s.reconf:
			tick.Reset(d)
			s.log.WithField("interval", d).Info("polling interval changed")
		}
	}
}

// SetInterval changes the cadence of a running loop. Non-positive values are
// ignored. Only the latest pending change is kept.
func (s *Service) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	for {
		select {
		case s.reconf <- d:
			return
		default:
		}
		select {
		case <-s.reconf:
		default:
		}
	}
}

// TickOnce runs one polling round. A panicking coordinator is logged and
// does not stop the others.
func (s *Service) TickOnce() {
	n := s.ticks.Add(1)
	for _, t := range s.tickers {
		s.safeTick(t)
	}
	s.log.WithField("tick", n).Trace("heartbeat")
}

func (s *Service) safeTick(t Ticker) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Errorf("%T tick panicked", t)
		}
	}()
	t.Tick()
}

// Ticks returns how many polling rounds have run.
func (s *Service) Ticks() uint64 { return s.ticks.Load() }
