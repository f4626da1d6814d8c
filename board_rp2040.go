//go:build rp2040

package main

import (
	"context"
	"io"
	"machine"
	"time"

	"devicecore-go/drivers/ltc4015"
	"devicecore-go/drivers/simbattery"
	"devicecore-go/drivers/uart"
	"devicecore-go/errcode"
	"devicecore-go/services/config"
	"devicecore-go/services/device"
	"devicecore-go/services/network"

	"github.com/sirupsen/logrus"
)

// Pico board wiring.
const (
	chargerSDA = machine.Pin(18)
	chargerSCL = machine.Pin(19)
)

var uartPins = map[string][2]machine.Pin{ // name -> TX, RX
	"uart0": {0, 1},
	"uart1": {4, 5},
}

func openBattery(cfg *config.Config, _ *logrus.Entry) (device.Device, device.BatteryHandle, error) {
	switch cfg.Battery.Backend {
	case "ltc4015":
		i2c := machine.I2C1
		if err := i2c.Configure(machine.I2CConfig{SDA: chargerSDA, SCL: chargerSCL, Frequency: 400_000}); err != nil {
			return nil, device.BatteryHandle{}, errcode.Wrap(errcode.Failed, "main.open_battery", err)
		}
		d := ltc4015.New(i2c, ltc4015.Config{
			Name:       "battery",
			RSNSB_uOhm: uint32(cfg.Battery.RsnsBMicroOhm),
			Cells:      uint8(cfg.Battery.Cells),
		})
		return d, device.WeakBattery(d), nil
	default:
		d := simbattery.New(simbattery.Config{
			Name:         "battery",
			MinVoltage:   cfg.Battery.MinVoltage,
			MaxVoltage:   cfg.Battery.MaxVoltage,
			ChargeOnInit: cfg.Battery.ChargeOnInit,
		})
		return d, device.WeakBattery(d), nil
	}
}

func openSerial(cfg config.UARTConfig) (uart.Port, io.Closer, error) {
	pins, ok := uartPins[cfg.Name]
	if !ok {
		return nil, nil, &errcode.E{C: errcode.InvalidParams, Op: "main.open_serial", Msg: "unknown uart " + cfg.Name}
	}
	p, err := uart.OpenRP2(cfg.Name, uint32(cfg.Baud), pins[0], pins[1])
	if err != nil {
		return nil, nil, err
	}
	return p, io.NopCloser(nil), nil
}

// noRadio is used on boards without a network interface; every link
// request fails.
type noRadio struct{}

func (noRadio) Attach(func(network.LinkEvent)) {}
func (noRadio) Start() error {
	return &errcode.E{C: errcode.Failed, Op: "radio.start", Msg: "board has no radio"}
}
func (noRadio) Connect(network.Credentials) error { return noRadio{}.Start() }
func (noRadio) Disconnect() error                  { return nil }
func (noRadio) Stop() error                        { return nil }

func newRadio(*config.Config, *logrus.Entry) linkRadio { return noRadio{} }

// picoSleeper has no true deep sleep; it parks the CPU and, when a wake is
// armed, resets after the interval, which is how a woken device boots.
type picoSleeper struct {
	log  *logrus.Entry
	wake time.Duration
}

func newSleeper(base *logrus.Entry, _ context.CancelFunc) *picoSleeper {
	return &picoSleeper{log: base.WithField("component", "sleep")}
}

func (s *picoSleeper) ArmTimerWake(d time.Duration) error {
	s.wake = d
	return nil
}

func (s *picoSleeper) Sleep() error {
	s.log.WithField("wake_after", s.wake).Warn("entering deep sleep")
	if s.wake > 0 {
		time.Sleep(s.wake)
		machine.CPUReset()
	}
	select {}
}
