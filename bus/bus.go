// Package bus is the in-process event bus shared by the coordinators.
//
// Listeners are held weakly: the bus never keeps a subscriber alive, and a
// subscriber that has been collected is purged the next time its kind is
// touched. Dispatch is synchronous on the publisher's goroutine, in
// subscription order, and never runs with the registry lock held.
package bus

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/sirupsen/logrus"
)

// -----------------------------------------------------------------------------
// Listener references
// -----------------------------------------------------------------------------

// Listener handles events. It must treat the event as read-only.
type Listener interface {
	HandleEvent(ev Event)
}

// Ref is a non-owning reference to a Listener.
type Ref struct {
	key  any // weak.Pointer[T]; comparable identity of the referent
	load func() Listener
}

// WeakRef makes a weak reference to l. A nil l yields an invalid Ref.
func WeakRef[T any, PT interface {
	*T
	Listener
}](l PT) Ref {
	if l == nil {
		return Ref{}
	}
	wp := weak.Make((*T)(l))
	return Ref{
		key: wp,
		load: func() Listener {
			p := wp.Value()
			if p == nil {
				return nil
			}
			return PT(p)
		},
	}
}

// Valid reports whether r was built from a non-nil listener.
func (r Ref) Valid() bool { return r.load != nil }

// Live returns the listener if it has not been collected.
func (r Ref) Live() (Listener, bool) {
	if r.load == nil {
		return nil, false
	}
	l := r.load()
	return l, l != nil
}

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

// Stats are cumulative counters for one bus.
type Stats struct {
	Published uint64            `json:"published"` // Publish calls
	Delivered uint64            `json:"delivered"` // listener invocations
	Expired   uint64            `json:"expired"`   // registrations purged after their listener was collected
	Panics    uint64            `json:"panics"`    // listener panics recovered
	ByKind    map[string]uint64 `json:"by_kind"`   // Publish calls per kind
}

type Bus struct {
	mu    sync.Mutex
	subs  [numKinds][]Ref
	log   *logrus.Entry
	stats counters
}

type counters struct {
	published atomic.Uint64
	delivered atomic.Uint64
	expired   atomic.Uint64
	panics    atomic.Uint64
	byKind    [numKinds]atomic.Uint64
}

// NewBus creates an empty bus. A nil log uses the standard logger.
func NewBus(log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bus{log: log.WithField("component", "bus")}
}

// purgeLocked drops collected listeners for k. Caller holds b.mu.
func (b *Bus) purgeLocked(k Kind) {
	list := b.subs[k]
	kept := list[:0]
	for _, r := range list {
		if _, ok := r.Live(); ok {
			kept = append(kept, r)
		}
	}
	if n := len(list) - len(kept); n > 0 {
		b.stats.expired.Add(uint64(n))
		clear(list[len(kept):])
	}
	b.subs[k] = kept
}

// Subscribe registers r for k. Registering the same live listener twice is a
// no-op; an invalid ref or unknown kind is logged and ignored.
func (b *Bus) Subscribe(k Kind, r Ref) {
	if !k.Valid() {
		b.log.WithField("kind", int(k)).Error("subscribe: unknown kind")
		return
	}
	if _, ok := r.Live(); !ok {
		b.log.WithField("kind", k.String()).Error("subscribe: invalid listener")
		return
	}

	b.mu.Lock()
	b.purgeLocked(k)
	for _, existing := range b.subs[k] {
		if existing.key == r.key {
			b.mu.Unlock()
			b.log.WithField("kind", k.String()).Debug("subscribe: already registered")
			return
		}
	}
	b.subs[k] = append(b.subs[k], r)
	n := len(b.subs[k])
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"kind": k.String(), "listeners": n}).Debug("listener registered")
}

// Unsubscribe removes r from k and purges collected listeners on the way.
func (b *Bus) Unsubscribe(k Kind, r Ref) {
	if !k.Valid() || !r.Valid() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[k]
	kept := list[:0]
	for _, existing := range list {
		if existing.key == r.key {
			continue
		}
		if _, ok := existing.Live(); !ok {
			b.stats.expired.Add(1)
			continue
		}
		kept = append(kept, existing)
	}
	clear(list[len(kept):])
	b.subs[k] = kept
}

// Publish delivers ev to every live listener of its kind and returns once
// they have all returned. A panicking listener is logged and skipped.
func (b *Bus) Publish(ev Event) {
	k := ev.Kind
	if !k.Valid() {
		b.log.WithField("kind", int(k)).Error("publish: unknown kind")
		return
	}
	b.stats.published.Add(1)
	b.stats.byKind[k].Add(1)

	b.mu.Lock()
	if len(b.subs[k]) == 0 {
		b.mu.Unlock()
		return
	}
	b.purgeLocked(k)
	snapshot := make([]Ref, len(b.subs[k]))
	copy(snapshot, b.subs[k])
	b.mu.Unlock()

	for _, r := range snapshot {
		l, ok := r.Live()
		if !ok {
			continue
		}
		b.dispatch(l, ev)
	}
}

func (b *Bus) dispatch(l Listener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.stats.panics.Add(1)
			b.log.WithFields(logrus.Fields{
				"kind":     ev.Kind.String(),
				"listener": fmt.Sprintf("%T", l),
				"panic":    rec,
			}).Error("listener panicked; continuing dispatch")
			b.log.Debug(string(debug.Stack()))
		}
	}()
	b.stats.delivered.Add(1)
	l.HandleEvent(ev)
}

// Listeners returns the number of registrations for k that are still live.
func (b *Bus) Listeners(k Kind) int {
	if !k.Valid() {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.subs[k] {
		if _, ok := r.Live(); ok {
			n++
		}
	}
	return n
}

// Stats returns a copy of the bus counters.
func (b *Bus) Stats() Stats {
	s := Stats{
		Published: b.stats.published.Load(),
		Delivered: b.stats.delivered.Load(),
		Expired:   b.stats.expired.Load(),
		Panics:    b.stats.panics.Load(),
		ByKind:    make(map[string]uint64, numKinds),
	}
	for i := range b.stats.byKind {
		s.ByKind[Kind(i).String()] = b.stats.byKind[i].Load()
	}
	return s
}
