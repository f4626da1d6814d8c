package power

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"devicecore-go/bus"
	"devicecore-go/errcode"
	"devicecore-go/x/timex"
)

type fakeDevices struct {
	mu       sync.Mutex
	suspends int
	resumes  int
}

func (f *fakeDevices) SuspendAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspends++
	return nil
}

func (f *fakeDevices) ResumeAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	return nil
}

type fakeSleeper struct {
	steps *[]string
	wake  time.Duration
}

func (s *fakeSleeper) ArmTimerWake(d time.Duration) error {
	s.wake = d
	*s.steps = append(*s.steps, "arm")
	return nil
}

func (s *fakeSleeper) Sleep() error {
	*s.steps = append(*s.steps, "sleep")
	return nil
}

type sleepWatcher struct{ steps *[]string }

func (w *sleepWatcher) HandleEvent(ev bus.Event) {
	if ev.Kind == bus.EnterDeepSleep {
		*w.steps = append(*w.steps, "event")
	}
}

func newCoordinator(t *testing.T) (*Coordinator, *fakeDevices, *timex.Manual) {
	t.Helper()
	clk := timex.NewManual(time.Unix(0, 0))
	devs := &fakeDevices{}
	var steps []string
	c := New(bus.NewBus(nil), devs, &fakeSleeper{steps: &steps}, Config{
		IdleTimeout: 30 * time.Second,
		SleepSettle: time.Millisecond,
		Clock:       clk,
	})
	return c, devs, clk
}

func TestIdleSuspendIsEdgeTriggered(t *testing.T) {
	c, devs, clk := newCoordinator(t)

	clk.Advance(29 * time.Second)
	c.Tick()
	if c.IsSuspended() {
		t.Fatal("suspended before the idle timeout")
	}
	clk.Advance(time.Second)
	for i := 0; i < 5; i++ {
		c.Tick()
		clk.Advance(time.Second)
	}
	if !c.IsSuspended() || devs.suspends != 1 {
		t.Fatalf("suspended=%v suspends=%d", c.IsSuspended(), devs.suspends)
	}
}

func TestLockedNeverSuspends(t *testing.T) {
	c, devs, clk := newCoordinator(t)
	c.Lock()
	clk.Advance(time.Hour)
	c.Tick()
	if devs.suspends != 0 {
		t.Fatal("suspended while locked")
	}

	// The idle period restarts at Unlock.
	c.Unlock()
	clk.Advance(10 * time.Second)
	c.Tick()
	if devs.suspends != 0 {
		t.Fatal("suspended 10s after unlock")
	}
}

func TestLockResumesOnce(t *testing.T) {
	c, devs, clk := newCoordinator(t)
	clk.Advance(time.Minute)
	c.Tick()

	c.Lock()
	c.Lock()
	if devs.resumes != 1 {
		t.Fatalf("resumes=%d want 1", devs.resumes)
	}
	if c.IsSuspended() || !c.IsLocked() {
		t.Fatalf("suspended=%v locked=%v", c.IsSuspended(), c.IsLocked())
	}
}

func TestSetIdleTimeoutFallsBack(t *testing.T) {
	c, _, _ := newCoordinator(t)
	c.SetIdleTimeout(5 * time.Second)
	if c.IdleTimeout() != 5*time.Second {
		t.Fatalf("idle=%s", c.IdleTimeout())
	}
	c.SetIdleTimeout(0)
	if c.IdleTimeout() != 30*time.Second {
		t.Fatalf("idle=%s want configured default", c.IdleTimeout())
	}
	c.SetIdleTimeout(-time.Second)
	if c.IdleTimeout() != 30*time.Second {
		t.Fatalf("idle=%s want configured default", c.IdleTimeout())
	}
}

func TestEnterDeepSleepIsTerminal(t *testing.T) {
	var steps []string
	b := bus.NewBus(nil)
	w := &sleepWatcher{steps: &steps}
	b.Subscribe(bus.EnterDeepSleep, bus.WeakRef(w))

	clk := timex.NewManual(time.Unix(0, 0))
	devs := &fakeDevices{}
	sl := &fakeSleeper{steps: &steps}
	c := New(b, devs, sl, Config{IdleTimeout: time.Second, SleepSettle: time.Millisecond, Clock: clk})

	if err := c.EnterDeepSleep(5 * time.Minute); err != nil {
		t.Fatal(err)
	}
	want := []string{"event", "arm", "sleep"}
	if len(steps) != len(want) {
		t.Fatalf("steps=%v want %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("steps=%v want %v", steps, want)
		}
	}
	if sl.wake != 5*time.Minute {
		t.Fatalf("wake=%s", sl.wake)
	}

	if err := c.EnterDeepSleep(0); errcode.Of(err) != errcode.Terminal {
		t.Fatalf("second sleep: %v", err)
	}
	clk.Advance(time.Hour)
	c.Tick()
	c.Lock()
	if devs.suspends != 0 || devs.resumes != 0 || c.IsLocked() {
		t.Fatal("coordinator acted after deep sleep")
	}
	if !c.IsTerminal() {
		t.Fatal("not terminal")
	}
	runtime.KeepAlive(w)
}

func TestDeepSleepWithoutWakeTimer(t *testing.T) {
	var steps []string
	c := New(bus.NewBus(nil), &fakeDevices{}, &fakeSleeper{steps: &steps}, Config{SleepSettle: time.Millisecond})
	if err := c.EnterDeepSleep(0); err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0] != "sleep" {
		t.Fatalf("steps=%v", steps)
	}
}
