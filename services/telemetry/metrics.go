// Package telemetry exposes the coordinators' state over HTTP: a JSON status
// snapshot, Prometheus metrics and a small power control surface.
package telemetry

import (
	"time"

	"devicecore-go/bus"
	"devicecore-go/services/battery"
	"devicecore-go/services/network"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "devicecore"

// ---- Read-only views of the coordinators ----

type BatterySource interface {
	Snapshot() battery.Snapshot
	Thresholds() (low, critical int)
}

type NetworkSource interface {
	Status() network.Status
}

// PowerControl is the subset of the power coordinator the API drives.
type PowerControl interface {
	Lock()
	Unlock()
	IsLocked() bool
	IsSuspended() bool
	IsTerminal() bool
	IdleTimeout() time.Duration
}

type BusSource interface {
	Stats() bus.Stats
	Listeners(k bus.Kind) int
}

// Sources wires the service to the running system. Nil members are left out
// of /status and /metrics.
type Sources struct {
	Battery BatterySource
	Network NetworkSource
	Power   PowerControl
	Bus     BusSource
	// Extras are added verbatim to /status under their key.
	Extras map[string]func() any
}

// ---- Metrics ----

type metrics struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec

	health    *prometheus.GaugeVec
	charge    *prometheus.GaugeVec
	link      *prometheus.GaugeVec
	transport *prometheus.GaugeVec
	listeners *prometheus.GaugeVec
}

func gaugeFunc(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

func counterFunc(name, help string, fn func() float64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

func stateSet(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, []string{"state"})
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func newMetrics(src Sources) *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_observed_total",
			Help:      "Bus events seen by the telemetry listener, by kind.",
		}, []string{"kind"}),
	}
	m.reg.MustRegister(m.events)
	for _, k := range bus.Kinds() {
		m.events.WithLabelValues(k.String())
	}

	if bs := src.Battery; bs != nil {
		m.health = stateSet("battery_health", "1 for the current battery health state.")
		m.charge = stateSet("battery_charge", "1 for the current charge state.")
		m.reg.MustRegister(m.health, m.charge,
			gaugeFunc("battery_voltage_volts", "Last battery voltage reading.", func() float64 { return bs.Snapshot().Voltage }),
			gaugeFunc("battery_current_milliamps", "Last battery current; positive while discharging.", func() float64 { return bs.Snapshot().Current }),
			gaugeFunc("battery_temperature_celsius", "Last battery temperature reading.", func() float64 { return bs.Snapshot().Temperature }),
			gaugeFunc("battery_percentage", "Estimated state of charge.", func() float64 { return float64(bs.Snapshot().Percentage) }),
			gaugeFunc("battery_charging", "1 while the charger is on.", func() float64 { return b2f(bs.Snapshot().Charging) }),
		)
	}
	if ns := src.Network; ns != nil {
		m.link = stateSet("network_link", "1 for the current link state.")
		m.transport = stateSet("network_transport", "1 for the current transport state.")
		m.reg.MustRegister(m.link, m.transport,
			counterFunc("network_reconnects_total", "Automatic link re-associations.", func() float64 { return float64(ns.Status().Reconnects) }),
			counterFunc("network_rx_bytes_total", "Bytes received on the transport.", func() float64 { return float64(ns.Status().RxBytes) }),
			counterFunc("network_tx_bytes_total", "Bytes sent on the transport.", func() float64 { return float64(ns.Status().TxBytes) }),
		)
	}
	if ps := src.Power; ps != nil {
		m.reg.MustRegister(
			gaugeFunc("power_locked", "1 while the activity lock is held.", func() float64 { return b2f(ps.IsLocked()) }),
			gaugeFunc("power_suspended", "1 while peripherals are suspended.", func() float64 { return b2f(ps.IsSuspended()) }),
			gaugeFunc("power_terminal", "1 once deep sleep has been entered.", func() float64 { return b2f(ps.IsTerminal()) }),
			gaugeFunc("power_idle_timeout_seconds", "Idle period before suspension.", func() float64 { return ps.IdleTimeout().Seconds() }),
		)
	}
	if bb := src.Bus; bb != nil {
		m.listeners = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_listeners",
			Help:      "Live listener registrations, by kind.",
		}, []string{"kind"})
		m.reg.MustRegister(m.listeners,
			counterFunc("bus_published_total", "Events published.", func() float64 { return float64(bb.Stats().Published) }),
			counterFunc("bus_delivered_total", "Listener invocations.", func() float64 { return float64(bb.Stats().Delivered) }),
			counterFunc("bus_expired_total", "Registrations purged after collection.", func() float64 { return float64(bb.Stats().Expired) }),
			counterFunc("bus_listener_panics_total", "Listener panics recovered.", func() float64 { return float64(bb.Stats().Panics) }),
		)
	}
	return m
}

// refresh brings the state-set gauges up to date before a scrape.
func (m *metrics) refresh(src Sources) {
	if src.Battery != nil {
		snap := src.Battery.Snapshot()
		setState(m.health, snap.Health.String(), healthStates)
		setState(m.charge, snap.Charge.String(), chargeStates)
	}
	if src.Network != nil {
		st := src.Network.Status()
		setState(m.link, st.Link.String(), connStates)
		setState(m.transport, st.Transport.String(), connStates)
	}
	if src.Bus != nil {
		for _, k := range bus.Kinds() {
			m.listeners.WithLabelValues(k.String()).Set(float64(src.Bus.Listeners(k)))
		}
	}
}

var (
	healthStates = []string{"critical", "low", "normal", "high", "full", "charging", "error"}
	chargeStates = []string{"not_charging", "fast_charging", "slow_charging", "trickle_charging", "complete", "error"}
	connStates   = []string{"disconnected", "connecting", "connected"}
)

func setState(g *prometheus.GaugeVec, cur string, all []string) {
	for _, s := range all {
		g.WithLabelValues(s).Set(b2f(s == cur))
	}
}
