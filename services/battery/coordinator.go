// Package battery turns periodic readings from the battery device into a
// health classification, a charge classification and a thermal latch, and
// publishes an event on each edge.
package battery

import (
	"sync"
	"time"

	"devicecore-go/bus"
	"devicecore-go/errcode"
	"devicecore-go/services/device"
	"devicecore-go/x/mathx"
	"devicecore-go/x/timex"

	"github.com/sirupsen/logrus"
)

const (
	DefaultCheckInterval     = 10 * time.Second
	DefaultMinVoltage        = 3.0
	DefaultMaxVoltage        = 4.2
	DefaultLowThreshold      = 20
	DefaultCriticalThreshold = 5
	DefaultTempWarning       = 45.0
	DefaultTempCritical      = 55.0
)

// Config tunes the coordinator. Zero fields take the defaults above.
type Config struct {
	CheckInterval     time.Duration
	MinVoltage        float64
	MaxVoltage        float64
	LowThreshold      int
	CriticalThreshold int
	TempWarning       float64 // °C; below this a thermal latch clears
	TempCritical      float64 // °C; above this charging is disabled

	Clock timex.Clock
	Log   *logrus.Entry
}

func (c *Config) applyDefaults(log *logrus.Entry) {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.MaxVoltage <= c.MinVoltage {
		if c.MinVoltage != 0 || c.MaxVoltage != 0 {
			log.WithFields(logrus.Fields{"min": c.MinVoltage, "max": c.MaxVoltage}).Warn("invalid voltage range; using defaults")
		}
		c.MinVoltage, c.MaxVoltage = DefaultMinVoltage, DefaultMaxVoltage
	}
	if !validLow(c.LowThreshold) {
		c.LowThreshold = DefaultLowThreshold
	}
	if !validCritical(c.CriticalThreshold) || c.CriticalThreshold >= c.LowThreshold {
		if c.CriticalThreshold != 0 {
			log.WithFields(logrus.Fields{"value": c.CriticalThreshold, "low": c.LowThreshold}).Warn("invalid critical threshold; using default")
		}
		c.CriticalThreshold = DefaultCriticalThreshold
	}
	if c.TempCritical <= 0 {
		c.TempCritical = DefaultTempCritical
	}
	if c.TempWarning <= 0 || c.TempWarning > c.TempCritical {
		c.TempWarning = DefaultTempWarning
	}
}

func validLow(p int) bool      { return p >= 5 && p <= 50 }
func validCritical(p int) bool { return p >= 1 && p <= 20 }

type reading struct {
	voltage, current, temperature float64
	charging                      bool
}

// state is everything the coordinator mutates, guarded by Coordinator.mu.
type state struct {
	last     reading
	pct      int
	health   Health
	charge   Charge
	thermal  bool
	faulted  bool
	low      int
	critical int

	checked   bool
	lastCheck time.Time
}

// Coordinator owns the battery state machine.
type Coordinator struct {
	bus   *bus.Bus
	dev   device.BatteryHandle
	cfg   Config
	clock timex.Clock
	log   *logrus.Entry

	mu sync.Mutex
	st state
}

// New builds a coordinator over dev and subscribes it to deep-sleep and
// connectivity events. The bus holds it weakly; the caller keeps it alive.
func New(b *bus.Bus, dev device.BatteryHandle, cfg Config) *Coordinator {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "battery")
	cfg.applyDefaults(log)

	c := &Coordinator{
		bus:   b,
		dev:   dev,
		cfg:   cfg,
		clock: timex.OrSystem(cfg.Clock),
		log:   log,
		st: state{
			health:   HealthNormal,
			charge:   NotCharging,
			low:      cfg.LowThreshold,
			critical: cfg.CriticalThreshold,
		},
	}
	ref := bus.WeakRef(c)
	for _, k := range []bus.Kind{bus.EnterDeepSleep, bus.ConnectivityUp, bus.ConnectivityDown} {
		b.Subscribe(k, ref)
	}
	return c
}

// ---- Readings ----

// Voltage reads the device, falling back to the last known value.
func (c *Coordinator) Voltage() float64 {
	return c.readField(func(b device.Battery) (float64, error) { return b.Voltage() },
		func(r *reading) *float64 { return &r.voltage })
}

// Current is in mA, positive while discharging.
func (c *Coordinator) Current() float64 {
	return c.readField(func(b device.Battery) (float64, error) { return b.Current() },
		func(r *reading) *float64 { return &r.current })
}

// Temperature is in °C.
func (c *Coordinator) Temperature() float64 {
	return c.readField(func(b device.Battery) (float64, error) { return b.Temperature() },
		func(r *reading) *float64 { return &r.temperature })
}

func (c *Coordinator) readField(read func(device.Battery) (float64, error), field func(*reading) *float64) float64 {
	if dev, ok := c.dev.Get(); ok {
		if v, err := read(dev); err == nil {
			c.mu.Lock()
			*field(&c.st.last) = v
			c.mu.Unlock()
			return v
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return *field(&c.st.last)
}

func (c *Coordinator) Percentage() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.pct
}

func (c *Coordinator) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.health
}

func (c *Coordinator) Charge() Charge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.charge
}

// Snapshot returns the state as of the last evaluation.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Voltage:     c.st.last.voltage,
		Current:     c.st.last.current,
		Temperature: c.st.last.temperature,
		Charging:    c.st.last.charging,
		Percentage:  c.st.pct,
		Health:      c.st.health,
		Charge:      c.st.charge,
		ThermalHigh: c.st.thermal,
		Faulted:     c.st.faulted,
	}
}

// ---- Control ----

func (c *Coordinator) EnableCharging() error {
	return c.withDevice("battery.enable_charging", device.Battery.EnableCharging)
}

func (c *Coordinator) DisableCharging() error {
	return c.withDevice("battery.disable_charging", device.Battery.DisableCharging)
}

func (c *Coordinator) withDevice(op string, fn func(device.Battery) error) error {
	dev, ok := c.dev.Get()
	if !ok {
		return &errcode.E{C: errcode.DeviceGone, Op: op, Msg: c.dev.Name()}
	}
	if err := fn(dev); err != nil {
		return errcode.Wrap(errcode.Failed, op, err)
	}
	return nil
}

// SetLowThreshold accepts 5..50 and must stay above the critical threshold.
// Anything else is logged and the previous value kept.
func (c *Coordinator) SetLowThreshold(p int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !validLow(p) || p <= c.st.critical {
		c.log.WithFields(logrus.Fields{"value": p, "critical": c.st.critical}).Warn("invalid low threshold; keeping previous")
		return
	}
	c.st.low = p
	c.log.WithField("value", p).Info("low threshold set")
}

// SetCriticalThreshold accepts 1..20 and must stay below the low threshold.
func (c *Coordinator) SetCriticalThreshold(p int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !validCritical(p) || p >= c.st.low {
		c.log.WithFields(logrus.Fields{"value": p, "low": c.st.low}).Warn("invalid critical threshold; keeping previous")
		return
	}
	c.st.critical = p
	c.log.WithField("value", p).Info("critical threshold set")
}

func (c *Coordinator) Thresholds() (low, critical int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.low, c.st.critical
}

// ---- Evaluation ----

// Tick evaluates at most once per CheckInterval. The first call always
// evaluates.
func (c *Coordinator) Tick() {
	now := c.clock.Now()
	c.mu.Lock()
	if c.st.checked && now.Sub(c.st.lastCheck) < c.cfg.CheckInterval {
		c.mu.Unlock()
		return
	}
	c.st.checked = true
	c.st.lastCheck = now
	c.mu.Unlock()

	c.evaluate()
}

type chargeAction uint8

const (
	noAction chargeAction = iota
	disableCharging
	enableCharging
)

func (c *Coordinator) evaluate() {
	dev, ok := c.dev.Get()
	if !ok {
		c.log.Debug("battery device gone; skipping evaluation")
		return
	}

	// Device I/O happens outside the lock.
	v, errV := dev.Voltage()
	i, errI := dev.Current()
	t, errT := dev.Temperature()
	chg, errC := dev.Charging()
	readErr := firstErr(errV, errI, errT, errC)

	var events []bus.Event
	action := noAction

	c.mu.Lock()
	if errV == nil {
		c.st.last.voltage = v
	}
	if errI == nil {
		c.st.last.current = i
	}
	if errT == nil {
		c.st.last.temperature = t
	}
	if errC == nil {
		c.st.last.charging = chg
	}
	r := c.st.last

	if readErr != nil && !c.st.faulted {
		c.st.faulted = true
		events = append(events, bus.NewEvent(bus.DeviceFault, bus.TextPayload(c.dev.Name())))
	} else if readErr == nil {
		c.st.faulted = false
	}

	pct := mathx.Percent(r.voltage, c.cfg.MinVoltage, c.cfg.MaxVoltage)
	c.st.pct = pct

	prevCharge := c.st.charge
	c.st.charge = classifyCharge(r.charging, r.current, pct)
	if c.st.charge == ChargeComplete && prevCharge != ChargeComplete {
		events = append(events, bus.NewEvent(bus.ChargingComplete))
	}

	switch {
	case r.temperature > c.cfg.TempCritical:
		action = disableCharging
		if !c.st.thermal {
			c.st.thermal = true
			events = append(events, bus.NewEvent(bus.ThermalHigh, bus.FloatPayload(r.temperature)))
		}
	case c.st.thermal && r.temperature < c.cfg.TempWarning:
		action = enableCharging
		c.st.thermal = false
		events = append(events, bus.NewEvent(bus.ThermalNormal, bus.FloatPayload(r.temperature)))
	}

	prevHealth := c.st.health
	c.st.health = classifyHealth(r.charging, pct, c.st.low, c.st.critical)
	health := c.st.health
	charge := c.st.charge
	c.mu.Unlock()

	if readErr != nil {
		c.log.WithError(readErr).Warn("battery read failed; keeping last known values")
	}

	switch action {
	case disableCharging:
		c.log.WithField("temp_c", r.temperature).Warn("temperature critical; disabling charging")
		if err := dev.DisableCharging(); err != nil {
			c.log.WithError(err).Error("disable charging failed")
		}
	case enableCharging:
		c.log.WithField("temp_c", r.temperature).Info("temperature recovered; enabling charging")
		if err := dev.EnableCharging(); err != nil {
			c.log.WithError(err).Error("enable charging failed")
		}
	}

	if health != prevHealth {
		c.log.WithFields(logrus.Fields{
			"from": prevHealth.String(), "to": health.String(), "pct": pct, "charge": charge.String(),
		}).Info("battery health changed")
		if k, ok := healthEvent(health); ok {
			events = append(events, bus.NewEvent(k, bus.IntPayload(int64(pct))))
		}
	}

	for _, ev := range events {
		c.bus.Publish(ev)
	}
}

func healthEvent(h Health) (bus.Kind, bool) {
	switch h {
	case HealthLow:
		return bus.BatteryLow, true
	case HealthCritical:
		return bus.BatteryCritical, true
	case HealthNormal, HealthHigh, HealthFull:
		return bus.BatteryNormal, true
	case HealthCharging:
		return bus.ChargingStarted, true
	default:
		return 0, false
	}
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// ---- Bus listener ----

func (c *Coordinator) HandleEvent(ev bus.Event) {
	switch ev.Kind {
	case bus.EnterDeepSleep:
		c.log.Info("entering deep sleep; disabling charging")
		if err := c.DisableCharging(); err != nil {
			c.log.WithError(err).Warn("disable charging before sleep failed")
		}
	case bus.ConnectivityUp:
		c.log.Info("network up; keeping normal monitoring cadence")
	case bus.ConnectivityDown:
		c.log.Info("network down")
	}
}
