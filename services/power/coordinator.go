// Package power tracks the activity lock, suspends peripherals after an idle
// period and performs the terminal deep-sleep transition.
package power

import (
	"sync"
	"time"

	"devicecore-go/bus"
	"devicecore-go/errcode"
	"devicecore-go/x/timex"

	"github.com/sirupsen/logrus"
)

const (
	DefaultIdleTimeout = 60 * time.Second
	DefaultSleepSettle = 100 * time.Millisecond
)

// Broadcaster fans lifecycle calls out to every peripheral. *device.Registry
// satisfies it.
type Broadcaster interface {
	SuspendAll() error
	ResumeAll() error
}

// Sleeper is the hardware sleep entry. Sleep does not return on hardware
// that resets on wake; host implementations may return.
type Sleeper interface {
	ArmTimerWake(d time.Duration) error
	Sleep() error
}

type Config struct {
	IdleTimeout time.Duration // also the fallback for SetIdleTimeout
	SleepSettle time.Duration // pause between enter_deep_sleep and hardware entry

	Clock timex.Clock
	Log   *logrus.Entry
}

type state struct {
	locked      bool
	suspended   bool
	terminal    bool
	lastRelease time.Time
	idle        time.Duration
}

type Coordinator struct {
	bus     *bus.Bus
	devs    Broadcaster
	sleeper Sleeper
	cfg     Config
	clock   timex.Clock
	log     *logrus.Entry

	mu sync.Mutex
	st state
}

// New starts unlocked, with the idle period running from now.
func New(b *bus.Bus, devs Broadcaster, sleeper Sleeper, cfg Config) *Coordinator {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SleepSettle <= 0 {
		cfg.SleepSettle = DefaultSleepSettle
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	clk := timex.OrSystem(cfg.Clock)
	c := &Coordinator{
		bus:     b,
		devs:    devs,
		sleeper: sleeper,
		cfg:     cfg,
		clock:   clk,
		log:     log.WithField("component", "power"),
		st:      state{lastRelease: clk.Now(), idle: cfg.IdleTimeout},
	}
	c.log.WithField("idle_timeout", cfg.IdleTimeout).Info("power coordinator ready")
	return c
}

// Lock holds the system active. If peripherals were suspended they are
// resumed first. Locking twice is a no-op; there is no reference count.
func (c *Coordinator) Lock() {
	c.mu.Lock()
	if c.st.terminal || c.st.locked {
		c.mu.Unlock()
		return
	}
	c.st.locked = true
	resume := c.st.suspended
	c.st.suspended = false
	c.mu.Unlock()

	if resume {
		if err := c.devs.ResumeAll(); err != nil {
			c.log.WithError(err).Warn("resume broadcast incomplete")
		}
		c.log.Info("resumed from low power")
	}
	c.log.Debug("activity lock taken")
}

// Unlock releases the hold and restarts the idle period.
func (c *Coordinator) Unlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.terminal || !c.st.locked {
		return
	}
	c.st.locked = false
	c.st.lastRelease = c.clock.Now()
	c.log.Debug("activity lock released")
}

func (c *Coordinator) IsLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.locked
}

func (c *Coordinator) IsSuspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.suspended
}

// IsTerminal reports whether deep sleep has been entered.
func (c *Coordinator) IsTerminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.terminal
}

// SetIdleTimeout sets the idle period. Non-positive values fall back to the
// configured default with a warning.
func (c *Coordinator) SetIdleTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		c.log.WithField("value", d).Warn("invalid idle timeout; using default")
		d = c.cfg.IdleTimeout
	}
	c.st.idle = d
	c.log.WithField("idle_timeout", d).Info("idle timeout set")
}

func (c *Coordinator) IdleTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.idle
}

// Tick suspends peripherals once the system has been idle long enough.
func (c *Coordinator) Tick() {
	c.mu.Lock()
	if c.st.terminal || c.st.locked || c.st.suspended {
		c.mu.Unlock()
		return
	}
	idleFor := c.clock.Now().Sub(c.st.lastRelease)
	if idleFor < c.st.idle {
		c.mu.Unlock()
		return
	}
	c.st.suspended = true
	c.mu.Unlock()

	c.log.WithField("idle_for", idleFor.Round(time.Second)).Info("idle timeout; entering low power")
	if err := c.devs.SuspendAll(); err != nil {
		c.log.WithError(err).Warn("suspend broadcast incomplete")
	}
}

// EnterDeepSleep publishes enter_deep_sleep, gives listeners SleepSettle to
// react, arms a timer wake when d > 0 and enters hardware sleep. The
// coordinator is terminal from the first call: later ticks, locks and sleep
// requests are ignored.
func (c *Coordinator) EnterDeepSleep(d time.Duration) error {
	const op = "power.enter_deep_sleep"
	c.mu.Lock()
	if c.st.terminal {
		c.mu.Unlock()
		return &errcode.E{C: errcode.Terminal, Op: op}
	}
	c.st.terminal = true
	c.mu.Unlock()

	c.log.WithField("wake_after", d).Info("entering deep sleep")
	c.bus.Publish(bus.NewEvent(bus.EnterDeepSleep, bus.IntPayload(d.Milliseconds())))
	time.Sleep(c.cfg.SleepSettle)

	if d > 0 {
		if err := c.sleeper.ArmTimerWake(d); err != nil {
			c.log.WithError(err).Error("arming wake timer failed; sleeping without it")
		}
	}
	if err := c.sleeper.Sleep(); err != nil {
		c.log.WithError(err).Error("hardware sleep entry failed")
		return errcode.Wrap(errcode.Failed, op, err)
	}
	return nil
}
