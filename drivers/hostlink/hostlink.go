// Package hostlink is a network.Radio for hosts that are already on a
// network. Association always succeeds after a configurable delay and
// reports the host's primary IPv4 address.
package hostlink

import (
	"errors"
	"net"
	"sync"
	"time"

	"devicecore-go/errcode"
	"devicecore-go/services/network"

	"github.com/sirupsen/logrus"
)

type Config struct {
	StartDelay     time.Duration
	AssociateDelay time.Duration
	// Addr overrides address discovery.
	Addr string
	Log  *logrus.Entry
}

// Radio delivers its notifications to the function set with Attach, always
// from its own goroutine.
type Radio struct {
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	notify  func(network.LinkEvent)
	started bool
	ssid    string
	gen     uint64 // invalidates pending timers
}

func New(cfg Config) *Radio {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Radio{cfg: cfg, log: log.WithField("component", "hostlink")}
}

// Attach sets the notification sink, normally Coordinator.HandleLinkEvent.
func (r *Radio) Attach(fn func(network.LinkEvent)) {
	r.mu.Lock()
	r.notify = fn
	r.mu.Unlock()
}

func (r *Radio) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notify == nil {
		return &errcode.E{C: errcode.NotConnected, Op: "hostlink.start", Msg: "no listener attached"}
	}
	if r.started {
		return nil
	}
	r.started = true
	r.laterLocked(r.cfg.StartDelay, network.LinkEvent{Type: network.LinkStarted})
	return nil
}

func (r *Radio) Connect(c network.Credentials) error {
	if c.SSID == "" {
		return &errcode.E{C: errcode.InvalidParams, Op: "hostlink.connect", Msg: "empty ssid"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return &errcode.E{C: errcode.Failed, Op: "hostlink.connect", Msg: "radio not started"}
	}
	addr, err := r.address()
	if err != nil {
		return errcode.Wrap(errcode.Failed, "hostlink.connect", err)
	}
	r.ssid = c.SSID
	r.log.WithField("ssid", c.SSID).Debug("associating")
	r.laterLocked(r.cfg.AssociateDelay, network.LinkEvent{Type: network.AddressAcquired, Addr: addr})
	return nil
}

// Disconnect cancels any pending association. Like a real driver it does
// not report the requested disconnect back.
func (r *Radio) Disconnect() error {
	r.mu.Lock()
	r.gen++
	r.ssid = ""
	r.mu.Unlock()
	return nil
}

func (r *Radio) Stop() error {
	r.mu.Lock()
	r.gen++
	r.started = false
	r.ssid = ""
	r.mu.Unlock()
	return nil
}

// Drop simulates the access point going away.
func (r *Radio) Drop(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ssid == "" {
		return
	}
	r.gen++
	r.laterLocked(0, network.LinkEvent{Type: network.LinkLost, Reason: reason})
}

// laterLocked schedules ev unless the radio is reset first. Caller holds r.mu.
func (r *Radio) laterLocked(d time.Duration, ev network.LinkEvent) {
	gen := r.gen
	time.AfterFunc(d, func() {
		r.mu.Lock()
		fn := r.notify
		live := r.gen == gen
		r.mu.Unlock()
		if live && fn != nil {
			fn(ev)
		}
	})
}

func (r *Radio) address() (string, error) {
	if r.cfg.Addr != "" {
		return r.cfg.Addr, nil
	}
	return primaryIPv4()
}

var errNoAddr = errors.New("no usable IPv4 address")

// primaryIPv4 returns the first non-loopback IPv4 address, or the loopback
// address on hosts that have nothing else.
func primaryIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	loop := ""
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipn.IP.To4()
		if ip4 == nil {
			continue
		}
		if ip4.IsLoopback() {
			loop = ip4.String()
			continue
		}
		return ip4.String(), nil
	}
	if loop != "" {
		return loop, nil
	}
	return "", errNoAddr
}
