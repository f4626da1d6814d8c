// Package simbattery is a battery device backed by a simple time-driven
// model. It stands in for real charger hardware on hosts and in soak tests.
package simbattery

import (
	"math/rand/v2"
	"sync"
	"time"

	"devicecore-go/errcode"
	"devicecore-go/x/mathx"
	"devicecore-go/x/timex"
)

// Readings reported before Init or after Deinit.
const (
	idleVoltage     = 3.8
	idleCurrentMA   = 100.0
	idleTemperature = 25.0
)

type Config struct {
	Name         string
	StartVoltage float64 // V
	MinVoltage   float64 // V; the model never drains below MinVoltage-0.1
	MaxVoltage   float64 // V
	DischargeMA  float64 // load current while not charging
	ChargeMA     float64 // bulk charge current
	DrainPerHour float64 // V/h while discharging
	FillPerHour  float64 // V/h while charging
	Temperature  float64 // °C
	ChargeOnInit bool
	Jitter       bool // add small reading noise

	Clock timex.Clock
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "battery"
	}
	if c.MaxVoltage <= c.MinVoltage {
		c.MinVoltage, c.MaxVoltage = 3.0, 4.2
	}
	if c.StartVoltage == 0 {
		c.StartVoltage = idleVoltage
	}
	if c.DischargeMA == 0 {
		c.DischargeMA = 120
	}
	if c.ChargeMA == 0 {
		c.ChargeMA = 650
	}
	if c.DrainPerHour == 0 {
		c.DrainPerHour = 0.12
	}
	if c.FillPerHour == 0 {
		c.FillPerHour = 0.6
	}
	if c.Temperature == 0 {
		c.Temperature = idleTemperature
	}
}

type Device struct {
	cfg   Config
	clock timex.Clock

	mu       sync.Mutex
	ready    bool
	charging bool
	volts    float64
	temp     float64
	at       time.Time
	fault    error
}

func New(cfg Config) *Device {
	cfg.applyDefaults()
	clk := timex.OrSystem(cfg.Clock)
	return &Device{
		cfg:   cfg,
		clock: clk,
		volts: cfg.StartVoltage,
		temp:  cfg.Temperature,
		at:    clk.Now(),
	}
}

func (d *Device) Name() string { return d.cfg.Name }

func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advanceLocked()
	d.ready = true
	d.charging = d.cfg.ChargeOnInit
	return nil
}

func (d *Device) Deinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advanceLocked()
	d.ready = false
	d.charging = false
	return nil
}

func (d *Device) Suspend() error { return nil }
func (d *Device) Resume() error  { return nil }

// advanceLocked integrates the model up to now.
func (d *Device) advanceLocked() {
	now := d.clock.Now()
	hours := now.Sub(d.at).Hours()
	d.at = now
	if !d.ready || hours <= 0 {
		return
	}
	if d.charging {
		d.volts += d.cfg.FillPerHour * hours
	} else {
		d.volts -= d.cfg.DrainPerHour * hours
	}
	d.volts = mathx.Clamp(d.volts, d.cfg.MinVoltage-0.1, d.cfg.MaxVoltage)
}

func (d *Device) jitter(scale float64) float64 {
	if !d.cfg.Jitter {
		return 0
	}
	return (rand.Float64() - 0.5) * scale
}

func (d *Device) Voltage() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fault != nil {
		return 0, d.fault
	}
	if !d.ready {
		return idleVoltage, nil
	}
	d.advanceLocked()
	return d.volts + d.jitter(0.01), nil
}

// Current follows the charge phase: bulk, then trickle near full, then a
// residual once full.
func (d *Device) Current() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fault != nil {
		return 0, d.fault
	}
	if !d.ready {
		return idleCurrentMA, nil
	}
	d.advanceLocked()
	if !d.charging {
		return d.cfg.DischargeMA + d.jitter(5), nil
	}
	switch {
	case d.volts >= d.cfg.MaxVoltage:
		return -5, nil
	case d.volts >= d.cfg.MaxVoltage-0.05:
		return -50, nil
	default:
		return -d.cfg.ChargeMA + d.jitter(5), nil
	}
}

func (d *Device) Temperature() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fault != nil {
		return 0, d.fault
	}
	if !d.ready {
		return idleTemperature, nil
	}
	return d.temp + d.jitter(0.2), nil
}

func (d *Device) Charging() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready && d.charging, nil
}

func (d *Device) EnableCharging() error  { return d.setCharging(true, "simbattery.enable_charging") }
func (d *Device) DisableCharging() error { return d.setCharging(false, "simbattery.disable_charging") }

func (d *Device) setCharging(on bool, op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return &errcode.E{C: errcode.Failed, Op: op, Msg: "not initialised"}
	}
	d.advanceLocked()
	d.charging = on
	return nil
}

// ---- Test and bench controls ----

// SetVoltage moves the model to v.
func (d *Device) SetVoltage(v float64) {
	d.mu.Lock()
	d.advanceLocked()
	d.volts = v
	d.mu.Unlock()
}

func (d *Device) SetTemperature(c float64) {
	d.mu.Lock()
	d.temp = c
	d.mu.Unlock()
}

// SetFault makes every reading fail with err until cleared with nil.
func (d *Device) SetFault(err error) {
	d.mu.Lock()
	d.fault = err
	d.mu.Unlock()
}
