package device

import (
	"errors"
	"runtime"
	"testing"

	"devicecore-go/errcode"
)

type fakeDev struct {
	name  string
	fail  map[string]bool
	calls []string
}

func (f *fakeDev) Name() string { return f.name }
func (f *fakeDev) op(o string) error {
	f.calls = append(f.calls, o)
	if f.fail[o] {
		return errors.New(o + " failed")
	}
	return nil
}
func (f *fakeDev) Init() error    { return f.op("init") }
func (f *fakeDev) Deinit() error  { return f.op("deinit") }
func (f *fakeDev) Suspend() error { return f.op("suspend") }
func (f *fakeDev) Resume() error  { return f.op("resume") }

type fakeBattery struct {
	fakeDev
	volts float64
}

func (b *fakeBattery) Voltage() (float64, error)     { return b.volts, nil }
func (b *fakeBattery) Current() (float64, error)     { return 0, nil }
func (b *fakeBattery) Temperature() (float64, error) { return 25, nil }
func (b *fakeBattery) Charging() (bool, error)       { return false, nil }
func (b *fakeBattery) EnableCharging() error         { return nil }
func (b *fakeBattery) DisableCharging() error        { return nil }

func TestRegisterRejectsDuplicatesAndNil(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(&fakeDev{name: "battery"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&fakeDev{name: "battery"}); errcode.Of(err) != errcode.AlreadyRegistered {
		t.Fatalf("duplicate: %v", err)
	}
	if err := r.Register(nil); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("nil: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d", r.Len())
	}
}

func TestBroadcastContinuesPastFailures(t *testing.T) {
	r := NewRegistry(nil)
	a := &fakeDev{name: "a", fail: map[string]bool{"suspend": true}}
	b := &fakeDev{name: "b"}
	_ = r.Register(a)
	_ = r.Register(b)

	err := r.SuspendAll()
	if err == nil || !errors.Is(err, errcode.Failed) {
		t.Fatalf("expected joined failure, got %v", err)
	}
	if len(b.calls) != 1 || b.calls[0] != "suspend" {
		t.Fatalf("b not visited: %v", b.calls)
	}
	if err := r.ResumeAll(); err != nil {
		t.Fatalf("resume: %v", err)
	}
}

func TestLookupAndUnregister(t *testing.T) {
	r := NewRegistry(nil)
	_ = r.Register(&fakeDev{name: "uart"})
	_ = r.Register(&fakeDev{name: "battery"})

	if got := r.Names(); len(got) != 2 || got[0] != "uart" || got[1] != "battery" {
		t.Fatalf("names=%v", got)
	}
	if _, ok := r.ByName("battery"); !ok {
		t.Fatal("battery not found")
	}
	if err := r.Unregister("battery"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.ByName("battery"); ok {
		t.Fatal("battery still present")
	}
	if err := r.Unregister("battery"); errcode.Of(err) != errcode.UnknownDevice {
		t.Fatalf("second unregister: %v", err)
	}
}

//go:noinline
func registerTransientBattery(r *Registry) BatteryHandle {
	b := &fakeBattery{fakeDev: fakeDev{name: "battery"}, volts: 3.7}
	_ = r.Register(b)
	return WeakBattery(b)
}

func TestWeakBatteryGoesDeadAfterUnregister(t *testing.T) {
	r := NewRegistry(nil)
	h := registerTransientBattery(r)

	runtime.GC()
	if b, ok := h.Get(); !ok {
		t.Fatal("registered battery should be reachable")
	} else if v, _ := b.Voltage(); v != 3.7 {
		t.Fatalf("voltage=%v", v)
	}

	_ = r.Unregister("battery")
	runtime.GC()
	runtime.GC()

	if _, ok := h.Get(); ok {
		t.Fatal("handle still live after unregister and GC")
	}
	if h.Name() != "battery" {
		t.Fatalf("name=%q", h.Name())
	}
}

func TestZeroHandleIsGone(t *testing.T) {
	var h BatteryHandle
	if _, ok := h.Get(); ok {
		t.Fatal("zero handle reported live")
	}
	s := StrongBattery(&fakeBattery{fakeDev: fakeDev{name: "sim"}})
	if _, ok := s.Get(); !ok || s.Name() != "sim" {
		t.Fatal("strong handle should stay live")
	}
}
