package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTickOnceCallsInOrder(t *testing.T) {
	var order []int
	s := New(Config{},
		TickFunc(func() { order = append(order, 1) }),
		TickFunc(func() { order = append(order, 2) }),
	)
	s.TickOnce()
	s.TickOnce()
	if len(order) != 4 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order %v", order)
	}
	if s.Ticks() != 2 {
		t.Fatalf("ticks %d", s.Ticks())
	}
}

func TestPanickingTickerDoesNotStopRound(t *testing.T) {
	var after atomic.Int32
	s := New(Config{},
		TickFunc(func() { panic("boom") }),
		TickFunc(func() { after.Add(1) }),
	)
	s.TickOnce()
	if after.Load() != 1 {
		t.Fatal("second ticker skipped")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	var n atomic.Int32
	s := New(Config{Interval: 2 * time.Millisecond}, TickFunc(func() { n.Add(1) }))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	waitFor(t, func() bool { return n.Load() >= 3 })
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	stopped := n.Load()
	time.Sleep(10 * time.Millisecond)
	if n.Load() != stopped {
		t.Fatal("ticked after cancel")
	}
}

func TestSetIntervalSpeedsUpLoop(t *testing.T) {
	var n atomic.Int32
	s := New(Config{Interval: time.Hour}, TickFunc(func() { n.Add(1) }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.SetInterval(0) // ignored
	s.SetInterval(time.Minute)
	s.SetInterval(2 * time.Millisecond)
	waitFor(t, func() bool { return n.Load() >= 2 })
}
