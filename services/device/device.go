// services/device/device.go
package device

import "weak"

// Device is a managed peripheral. Every lifecycle call returns nil on success.
type Device interface {
	Name() string
	Init() error
	Deinit() error
	Suspend() error
	Resume() error
}

// Battery is a Device that can report charge state and gate charging.
// Current is positive while discharging and negative while charging.
type Battery interface {
	Device
	Voltage() (float64, error)
	Current() (float64, error)
	Temperature() (float64, error)
	Charging() (bool, error)
	EnableCharging() error
	DisableCharging() error
}

// ---- Battery handles ----

// BatteryHandle is how the battery coordinator reaches its device. A weak
// handle goes dead once the device has been collected; the name survives so
// faults can still be attributed.
type BatteryHandle struct {
	name string
	load func() Battery
}

// WeakBattery returns a non-owning handle to b. The registry (or whoever
// created b) keeps it alive.
func WeakBattery[T any, PT interface {
	*T
	Battery
}](b PT) BatteryHandle {
	if b == nil {
		return BatteryHandle{}
	}
	name := b.Name()
	wp := weak.Make((*T)(b))
	return BatteryHandle{
		name: name,
		load: func() Battery {
			p := wp.Value()
			if p == nil {
				return nil
			}
			return PT(p)
		},
	}
}

// StrongBattery returns a handle that keeps b alive for its own lifetime.
func StrongBattery(b Battery) BatteryHandle {
	if b == nil {
		return BatteryHandle{}
	}
	return BatteryHandle{name: b.Name(), load: func() Battery { return b }}
}

// Get returns the device if it is still reachable.
func (h BatteryHandle) Get() (Battery, bool) {
	if h.load == nil {
		return nil, false
	}
	b := h.load()
	return b, b != nil
}

// Name is the device name captured when the handle was made.
func (h BatteryHandle) Name() string { return h.name }
