//go:build !rp2040

package main

import (
	"context"
	"io"
	"time"

	"devicecore-go/drivers/hostlink"
	"devicecore-go/drivers/simbattery"
	"devicecore-go/drivers/uart"
	"devicecore-go/errcode"
	"devicecore-go/services/config"
	"devicecore-go/services/device"

	"github.com/sirupsen/logrus"
)

func openBattery(cfg *config.Config, _ *logrus.Entry) (device.Device, device.BatteryHandle, error) {
	switch cfg.Battery.Backend {
	case "sim", "":
		d := simbattery.New(simbattery.Config{
			Name:         "battery",
			MinVoltage:   cfg.Battery.MinVoltage,
			MaxVoltage:   cfg.Battery.MaxVoltage,
			ChargeOnInit: cfg.Battery.ChargeOnInit,
			Jitter:       true,
		})
		return d, device.WeakBattery(d), nil
	default:
		return nil, device.BatteryHandle{}, &errcode.E{
			C:   errcode.InvalidParams,
			Op:  "main.open_battery",
			Msg: "battery backend " + cfg.Battery.Backend + " needs board support",
		}
	}
}

func openSerial(cfg config.UARTConfig) (uart.Port, io.Closer, error) {
	return uart.OpenHost(cfg.Path)
}

func newRadio(_ *config.Config, base *logrus.Entry) linkRadio {
	return hostlink.New(hostlink.Config{StartDelay: 50 * time.Millisecond, AssociateDelay: 200 * time.Millisecond, Log: base})
}

// hostSleeper ends the process: a host has no hardware sleep, and deep
// sleep is terminal either way.
type hostSleeper struct {
	log  *logrus.Entry
	stop context.CancelFunc
	wake time.Duration
}

func newSleeper(base *logrus.Entry, stop context.CancelFunc) *hostSleeper {
	return &hostSleeper{log: base.WithField("component", "sleep"), stop: stop}
}

func (s *hostSleeper) ArmTimerWake(d time.Duration) error {
	s.wake = d
	return nil
}

func (s *hostSleeper) Sleep() error {
	s.log.WithField("wake_after", s.wake).Warn("deep sleep requested; stopping process")
	s.stop()
	return nil
}
