package main

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"devicecore-go/bus"
	"devicecore-go/drivers/uart"
	"devicecore-go/errcode"
	"devicecore-go/services/battery"
	"devicecore-go/services/bridge"
	"devicecore-go/services/config"
	"devicecore-go/services/device"
	"devicecore-go/services/heartbeat"
	"devicecore-go/services/network"
	"devicecore-go/services/power"
	"devicecore-go/services/telemetry"
	"devicecore-go/services/uplink"

	"github.com/sirupsen/logrus"
)

// linkRadio is a network.Radio that reports back through a callback.
type linkRadio interface {
	network.Radio
	Attach(fn func(network.LinkEvent))
}

// app owns every long-lived component. The bus only holds listeners weakly,
// so the fields below are what keeps them subscribed.
type app struct {
	cfg *config.Config
	log *logrus.Entry

	bus      *bus.Bus
	registry *device.Registry
	battery  *battery.Coordinator
	network  *network.Coordinator
	power    *power.Coordinator
	poll     *heartbeat.Service

	radio   linkRadio
	serial  *uart.Device
	serialC io.Closer
	bridge  *bridge.Service
	tele    *telemetry.Service
	mqtt    *uplink.Client
	uplink  *uplink.Service

	system *systemListener
	ctl    *controlListener

	ctx     context.Context // set by run
	dialing atomic.Bool
	stop    context.CancelFunc
}

func newApp(cfg *config.Config, logger *logrus.Logger, stop context.CancelFunc) (*app, error) {
	base := logrus.NewEntry(logger).WithField("device_id", cfg.Device.ID)
	a := &app{
		cfg:  cfg,
		log:  base.WithField("component", "main"),
		stop: stop,
	}

	a.bus = bus.NewBus(base)
	a.registry = device.NewRegistry(base)

	// ---- peripherals ----

	bat, handle, err := openBattery(cfg, base)
	if err != nil {
		return nil, err
	}
	if err := a.registry.Register(bat); err != nil {
		return nil, err
	}

	if cfg.UART.Enabled {
		port, closer, err := openSerial(cfg.UART)
		if err != nil {
			return nil, errcode.Wrap(errcode.Failed, "main.open_serial", err)
		}
		a.serialC = closer
		a.serial = uart.New(port, uart.Config{
			Name:      cfg.UART.Name,
			RingSize:  cfg.UART.RingSize,
			ReadChunk: cfg.UART.ReadChunk,
			Mode:      cfg.UART.Mode,
			Log:       base,
		})
		if err := a.registry.Register(a.serial); err != nil {
			return nil, err
		}
	}

	if err := a.registry.InitAll(); err != nil {
		a.log.WithError(err).Warn("some devices failed to initialise")
	}

	// ---- coordinators ----

	a.battery = battery.New(a.bus, handle, battery.Config{
		CheckInterval:     cfg.Battery.CheckInterval,
		MinVoltage:        cfg.Battery.MinVoltage,
		MaxVoltage:        cfg.Battery.MaxVoltage,
		LowThreshold:      cfg.Battery.LowThreshold,
		CriticalThreshold: cfg.Battery.CriticalThreshold,
		TempWarning:       cfg.Battery.TempWarning,
		TempCritical:      cfg.Battery.TempCritical,
		Log:               base,
	})

	a.radio = newRadio(cfg, base)
	a.network = network.New(a.bus, a.radio, nil, network.Config{
		LinkTimeout:     cfg.Network.LinkTimeout,
		DialTimeout:     cfg.Network.DialTimeout,
		SendTimeout:     cfg.Network.SendTimeout,
		RxBuffer:        cfg.Network.RxBuffer,
		NoAutoReconnect: !cfg.Network.AutoReconnect,
		Log:             base,
	})
	a.radio.Attach(a.network.HandleLinkEvent)

	a.power = power.New(a.bus, a.registry, newSleeper(base, stop), power.Config{
		IdleTimeout: cfg.Power.IdleTimeout,
		SleepSettle: cfg.Power.SleepSettle,
		Log:         base,
	})

	a.poll = heartbeat.New(heartbeat.Config{Interval: cfg.Poll.Interval, Log: base},
		a.battery, a.network, a.power)

	// ---- listeners ----

	a.system = newSystemListener(a.bus, base)
	a.ctl = newControlListener(a)

	// ---- optional services ----

	if a.serial != nil {
		serial := a.serial
		bridge.SerialDial = func(_ context.Context, name string) (bridge.Serial, error) {
			if name != serial.Name() {
				return nil, &errcode.E{C: errcode.UnknownDevice, Op: "bridge.dial", Msg: name}
			}
			return serial, nil
		}
		a.bridge = bridge.New(a.bus, a.network, bridge.Config{Serial: serial.Name(), Log: base})
	}

	if cfg.Uplink.Enabled {
		a.startUplink(base)
	}

	if cfg.Telemetry.Enabled {
		src := telemetry.Sources{
			Battery: a.battery,
			Network: a.network,
			Power:   a.power,
			Bus:     a.bus,
			Extras:  map[string]func() any{},
		}
		if a.serial != nil {
			src.Extras["uart"] = func() any { return a.serial.Stats() }
		}
		if a.bridge != nil {
			src.Extras["bridge"] = func() any { return a.bridge.Stats() }
		}
		if a.uplink != nil {
			src.Extras["uplink"] = func() any { return a.uplink.Stats() }
		}
		a.tele = telemetry.New(a.bus, src, telemetry.Config{DeviceID: cfg.Device.ID, Log: base})
	}

	return a, nil
}

// startUplink connects to the broker. A broker that is down at start-up
// disables the uplink for this run rather than failing the device.
func (a *app) startUplink(base *logrus.Entry) {
	u := a.cfg.Uplink
	prefix := u.TopicPrefix + "/" + a.cfg.Device.ID
	cli, err := uplink.Dial(uplink.ClientConfig{
		Broker:         u.Broker,
		ClientID:       u.ClientID,
		Username:       u.Username,
		Password:       u.Password,
		StatusTopic:    prefix + "/status",
		QoS:            byte(u.QoS),
		ConnectTimeout: u.ConnectTimeout,
		Log:            base,
	})
	if err != nil {
		a.log.WithError(err).Warn("uplink disabled")
		return
	}
	a.mqtt = cli
	a.uplink = uplink.New(a.bus, cli, uplink.Config{
		DeviceID:    a.cfg.Device.ID,
		TopicPrefix: u.TopicPrefix,
		QoS:         byte(u.QoS),
		QueueLen:    u.QueueLen,
		Log:         base,
	})
}

// run blocks until ctx is cancelled, then shuts everything down.
func (a *app) run(ctx context.Context) {
	a.ctx = ctx
	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	goRun(func() { a.poll.Run(ctx) })
	if a.bridge != nil {
		goRun(func() { _ = a.bridge.Run(ctx) })
	}
	if a.uplink != nil {
		goRun(func() { a.uplink.Run(ctx) })
	}
	if a.tele != nil {
		goRun(func() {
			if err := a.tele.Serve(ctx, a.cfg.Telemetry.Listen); err != nil {
				a.log.WithError(err).Error("telemetry server failed")
			}
		})
	}
	goRun(func() { a.startNetwork(ctx) })

	a.log.WithField("devices", a.registry.Names()).Info("device core running")
	<-ctx.Done()
	a.log.Info("shutting down")

	wg.Wait()
	if !a.power.IsTerminal() {
		a.network.DisconnectTransport()
		a.network.DisconnectLink()
	}
	if err := a.registry.DeinitAll(); err != nil {
		a.log.WithError(err).Warn("deinit incomplete")
	}
	if a.serialC != nil {
		_ = a.serialC.Close()
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	a.log.Info("stopped")
}

// startNetwork holds the activity lock while the link comes up. The
// transport itself is connected from the connectivity_up listener so that
// re-associations reconnect it too.
func (a *app) startNetwork(ctx context.Context) {
	a.power.Lock()
	defer a.power.Unlock()

	n := a.cfg.Network
	if n.SSID == "" {
		a.log.Info("no ssid configured; network stays down")
		return
	}
	err := a.network.ConnectLink(ctx, network.Credentials{SSID: n.SSID, Password: n.Password})
	if err != nil {
		a.log.WithError(err).Warn("initial link connect failed; waiting for the radio")
	}
}

// connectTransport dials the configured server with a fixed number of
// attempts and sends the hello message once connected. Concurrent calls
// collapse into one.
func (a *app) connectTransport(ctx context.Context) {
	n := a.cfg.Network
	if n.Server == "" || !a.dialing.CompareAndSwap(false, true) {
		return
	}
	defer a.dialing.Store(false)

	for attempt := 1; attempt <= n.ConnectRetries; attempt++ {
		err := a.network.ConnectTransport(ctx, n.Server)
		if err == nil {
			if n.Hello != "" {
				if err := a.network.Send([]byte(n.Hello)); err != nil {
					a.log.WithError(err).Warn("hello not sent")
				}
			}
			return
		}
		log := a.log.WithError(err).WithField("attempt", attempt)
		if errcode.Of(err) == errcode.LinkDown {
			log.Info("link went down; transport connect abandoned")
			return
		}
		log.Warn("transport connect failed")
		if attempt == n.ConnectRetries {
			break
		}
		t := time.NewTimer(n.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	a.log.WithField("attempts", n.ConnectRetries).Error("transport unavailable")
}
