package main

import (
	"devicecore-go/bus"
	"devicecore-go/errcode"

	"github.com/sirupsen/logrus"
)

// systemListener logs every event on the bus.
type systemListener struct {
	log *logrus.Entry
}

func newSystemListener(b *bus.Bus, base *logrus.Entry) *systemListener {
	l := &systemListener{log: base.WithField("component", "system")}
	for _, k := range bus.Kinds() {
		b.Subscribe(k, bus.WeakRef(l))
	}
	return l
}

func (l *systemListener) HandleEvent(ev bus.Event) {
	e := l.log.WithField("event", ev.Kind.String())
	switch ev.Payload.Tag() {
	case bus.TagInt:
		v, _ := ev.Payload.Int()
		e = e.WithField("value", v)
	case bus.TagFloat:
		v, _ := ev.Payload.Float()
		e = e.WithField("value", v)
	case bus.TagBool:
		v, _ := ev.Payload.Bool()
		e = e.WithField("value", v)
	case bus.TagText:
		e = e.WithField("value", ev.Payload.Text())
	case bus.TagBinary:
		e = e.WithField("bytes", ev.Payload.Len())
	}

	switch ev.Kind {
	case bus.DataReceived:
		e.Debug("event")
	case bus.BatteryCritical, bus.DeviceFault, bus.ThermalHigh:
		e.Warn("event")
	default:
		e.Info("event")
	}
}

// controlListener reacts to events on behalf of the process: it reconnects
// the transport when the link comes up and enters deep sleep on a critical
// battery.
type controlListener struct {
	a *app
}

func newControlListener(a *app) *controlListener {
	l := &controlListener{a: a}
	a.bus.Subscribe(bus.ConnectivityUp, bus.WeakRef(l))
	a.bus.Subscribe(bus.BatteryCritical, bus.WeakRef(l))
	return l
}

func (l *controlListener) HandleEvent(ev bus.Event) {
	a := l.a
	switch ev.Kind {
	case bus.ConnectivityUp:
		if a.ctx != nil {
			go a.connectTransport(a.ctx)
		}
	case bus.BatteryCritical:
		if !a.cfg.Power.SleepOnCritical {
			return
		}
		go func() {
			err := a.power.EnterDeepSleep(a.cfg.Power.WakeAfter)
			if err != nil && errcode.Of(err) != errcode.Terminal {
				a.log.WithError(err).Error("deep sleep failed")
			}
		}()
	}
}
