// Package network drives the two-layer connectivity state machine: a radio
// link below and a single stream transport above it. Link transitions are
// published on the bus; received transport bytes become data_received events.
package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"devicecore-go/bus"
	"devicecore-go/errcode"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultLinkTimeout = 30 * time.Second
	DefaultDialTimeout = 5 * time.Second
	DefaultSendTimeout = 5 * time.Second
	DefaultRxBuffer    = 1024
)

type Config struct {
	LinkTimeout time.Duration // bound on ConnectLink
	DialTimeout time.Duration // bound on a single transport dial
	SendTimeout time.Duration // write deadline for Send
	RxBuffer    int           // receive chunk size

	// NoAutoReconnect stops the coordinator from re-associating after the
	// radio reports a lost link.
	NoAutoReconnect bool

	Log *logrus.Entry
}

func (c *Config) applyDefaults() {
	if c.LinkTimeout <= 0 {
		c.LinkTimeout = DefaultLinkTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RxBuffer <= 0 {
		c.RxBuffer = DefaultRxBuffer
	}
}

type state struct {
	link      LinkState
	transport TransportState
	addr      string

	creds    Credentials
	started  bool       // radio started
	wantLink bool       // the owner asked for the link; lost links are re-associated
	waiter   chan error // pending ConnectLink, buffered 1
	sleeping bool       // torn down for deep sleep

	conn    net.Conn
	gen     uint64 // bumps on every transport teardown
	session string
	onData  func([]byte)

	reconnects uint64
	rxBytes    uint64
	txBytes    uint64
}

// Coordinator owns link and transport state.
type Coordinator struct {
	bus    *bus.Bus
	radio  Radio
	dialer Dialer
	cfg    Config
	log    *logrus.Entry

	mu sync.Mutex
	st state
}

// New builds a coordinator and subscribes it to enter_deep_sleep. A nil
// dialer uses net.Dialer.
func New(b *bus.Bus, radio Radio, dialer Dialer, cfg Config) *Coordinator {
	cfg.applyDefaults()
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	c := &Coordinator{
		bus:    b,
		radio:  radio,
		dialer: dialer,
		cfg:    cfg,
		log:    log.WithField("component", "network"),
	}
	b.Subscribe(bus.EnterDeepSleep, bus.WeakRef(c))
	return c
}

// -----------------------------------------------------------------------------
// Link
// -----------------------------------------------------------------------------

// ConnectLink associates with creds and waits, bounded by LinkTimeout and ctx,
// for an address. It returns nil once connected, errcode.Failed if the radio
// reports the link lost first, or errcode.Timeout.
func (c *Coordinator) ConnectLink(ctx context.Context, creds Credentials) error {
	const op = "network.connect_link"

	c.mu.Lock()
	switch {
	case c.st.sleeping:
		c.mu.Unlock()
		return &errcode.E{C: errcode.Terminal, Op: op}
	case c.st.link == LinkConnected:
		c.mu.Unlock()
		return nil
	case c.st.waiter != nil:
		c.mu.Unlock()
		return &errcode.E{C: errcode.Busy, Op: op, Msg: "connect already pending"}
	}
	waiter := make(chan error, 1)
	c.st.waiter = waiter
	c.st.creds = creds
	c.st.wantLink = true
	c.st.link = LinkConnecting
	started := c.st.started
	c.mu.Unlock()

	c.log.WithField("ssid", creds.SSID).Info("connecting link")

	var err error
	if started {
		err = c.radio.Connect(creds)
	} else {
		// Connect is issued when the radio reports LinkStarted.
		err = c.radio.Start()
	}
	if err != nil {
		c.abortWait(waiter, LinkDisconnected)
		return errcode.Wrap(errcode.Failed, op, err)
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.LinkTimeout)
	defer cancel()
	select {
	case err := <-waiter:
		if err != nil {
			return errcode.Wrap(errcode.Failed, op, err)
		}
		return nil
	case <-wctx.Done():
		// The radio keeps trying; a later address still brings the link up.
		c.abortWait(waiter, LinkDisconnected)
		c.log.WithField("timeout", c.cfg.LinkTimeout).Warn("link connect timed out")
		if errors.Is(wctx.Err(), context.DeadlineExceeded) {
			return &errcode.E{C: errcode.Timeout, Op: op}
		}
		return errcode.Wrap(errcode.Failed, op, wctx.Err())
	}
}

// abortWait drops the waiter if it is still the pending one and, if the link
// is still connecting, moves it to to.
func (c *Coordinator) abortWait(w chan error, to LinkState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.waiter == w {
		c.st.waiter = nil
	}
	if c.st.link == LinkConnecting {
		c.st.link = to
	}
}

// DisconnectLink drops the transport and the link and stops auto-reconnect.
func (c *Coordinator) DisconnectLink() {
	c.mu.Lock()
	c.st.wantLink = false
	wasConnected := c.st.link == LinkConnected
	c.st.link = LinkDisconnected
	c.st.addr = ""
	c.signalLocked(errcode.LinkDown)
	conn := c.takeConnLocked()
	started := c.st.started
	c.mu.Unlock()

	c.closeConn(conn, "link disconnect")
	if started {
		if err := c.radio.Disconnect(); err != nil {
			c.log.WithError(err).Warn("radio disconnect failed")
		}
	}
	if wasConnected {
		c.log.Info("link disconnected")
		c.bus.Publish(bus.NewEvent(bus.ConnectivityDown, bus.TextPayload("requested")))
	}
}

// HandleLinkEvent is the radio's notification entry point.
func (c *Coordinator) HandleLinkEvent(ev LinkEvent) {
	switch ev.Type {
	case LinkStarted:
		c.mu.Lock()
		c.st.started = true
		want := c.st.wantLink && !c.st.sleeping
		creds := c.st.creds
		c.mu.Unlock()
		c.log.Debug("radio started")
		if want {
			if err := c.radio.Connect(creds); err != nil {
				c.log.WithError(err).Warn("radio connect failed")
			}
		}

	case LinkLost:
		c.mu.Lock()
		wasConnected := c.st.link == LinkConnected
		c.st.addr = ""
		c.signalLocked(errors.New(reasonOr(ev.Reason)))
		conn := c.takeConnLocked()
		reconnect := c.st.wantLink && !c.st.sleeping && !c.cfg.NoAutoReconnect
		if reconnect {
			c.st.link = LinkConnecting
			c.st.reconnects++
		} else {
			c.st.link = LinkDisconnected
		}
		creds := c.st.creds
		c.mu.Unlock()

		c.closeConn(conn, "link lost")
		c.log.WithFields(logrus.Fields{"reason": ev.Reason, "reconnect": reconnect}).Warn("link lost")
		if wasConnected {
			c.bus.Publish(bus.NewEvent(bus.ConnectivityDown, bus.TextPayload(reasonOr(ev.Reason))))
		}
		if reconnect {
			if err := c.radio.Connect(creds); err != nil {
				c.log.WithError(err).Warn("radio reconnect failed")
			}
		}

	case AddressAcquired:
		c.mu.Lock()
		if c.st.sleeping {
			c.mu.Unlock()
			return
		}
		changed := c.st.link != LinkConnected || c.st.addr != ev.Addr
		c.st.link = LinkConnected
		c.st.addr = ev.Addr
		c.signalLocked(nil)
		c.mu.Unlock()

		if changed {
			c.log.WithField("addr", ev.Addr).Info("link up")
			c.bus.Publish(bus.NewEvent(bus.ConnectivityUp, bus.TextPayload(ev.Addr)))
		}
	}
}

func reasonOr(r string) string {
	if r == "" {
		return "unknown"
	}
	return r
}

// signalLocked completes a pending ConnectLink. Caller holds c.mu.
func (c *Coordinator) signalLocked(err error) {
	if c.st.waiter == nil {
		return
	}
	select {
	case c.st.waiter <- err:
	default:
	}
	c.st.waiter = nil
}

// -----------------------------------------------------------------------------
// Transport
// -----------------------------------------------------------------------------

// ConnectTransport dials addr over TCP. It is rejected with errcode.LinkDown,
// without dialing, while the link is not connected.
func (c *Coordinator) ConnectTransport(ctx context.Context, addr string) error {
	const op = "network.connect_transport"

	c.mu.Lock()
	switch {
	case c.st.link != LinkConnected:
		c.mu.Unlock()
		return &errcode.E{C: errcode.LinkDown, Op: op}
	case c.st.transport == TransportConnected:
		c.mu.Unlock()
		return nil
	case c.st.transport == TransportConnecting:
		c.mu.Unlock()
		return &errcode.E{C: errcode.Busy, Op: op}
	}
	c.st.transport = TransportConnecting
	gen := c.st.gen
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.dialer.DialContext(dctx, "tcp", addr)
	cancel()
	if err != nil {
		c.mu.Lock()
		if c.st.gen == gen && c.st.transport == TransportConnecting {
			c.st.transport = TransportDisconnected
		}
		c.mu.Unlock()
		c.log.WithError(err).WithField("addr", addr).Warn("transport connect failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return errcode.Wrap(errcode.Timeout, op, err)
		}
		return errcode.Wrap(errcode.Failed, op, err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.mu.Lock()
	if c.st.gen != gen || c.st.link != LinkConnected || c.st.transport != TransportConnecting {
		// Torn down while dialing.
		c.mu.Unlock()
		_ = conn.Close()
		return &errcode.E{C: errcode.LinkDown, Op: op, Msg: "link lost while dialing"}
	}
	session := uuid.NewString()
	c.st.transport = TransportConnected
	c.st.conn = conn
	c.st.session = session
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"addr": addr, "session": session}).Info("transport connected")
	go c.receive(conn, gen, session)
	return nil
}

// receive runs for the lifetime of one connection.
func (c *Coordinator) receive(conn net.Conn, gen uint64, session string) {
	log := c.log.WithField("session", session)
	buf := make([]byte, c.cfg.RxBuffer)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			p := bus.BinaryPayload(buf[:n])
			c.mu.Lock()
			c.st.rxBytes += uint64(n)
			cb := c.st.onData
			c.mu.Unlock()

			c.bus.Publish(bus.NewEvent(bus.DataReceived, p))
			if cb != nil {
				cb(p.Bytes())
			}
		}
		if err != nil {
			c.mu.Lock()
			current := c.st.gen == gen && c.st.transport == TransportConnected
			if current {
				c.takeConnLocked()
			}
			c.mu.Unlock()
			if current {
				log.WithError(err).Info("transport closed by peer")
				_ = conn.Close()
			}
			return
		}
	}
}

// DisconnectTransport closes the connection if there is one.
func (c *Coordinator) DisconnectTransport() {
	c.mu.Lock()
	conn := c.takeConnLocked()
	c.mu.Unlock()
	c.closeConn(conn, "requested")
}

// takeConnLocked detaches the connection and marks the transport down.
// Caller holds c.mu.
func (c *Coordinator) takeConnLocked() net.Conn {
	conn := c.st.conn
	c.st.conn = nil
	c.st.session = ""
	c.st.transport = TransportDisconnected
	c.st.gen++
	return conn
}

func (c *Coordinator) closeConn(conn net.Conn, why string) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		c.log.WithError(err).Debug("transport close")
	}
	c.log.WithField("why", why).Info("transport disconnected")
}

// Send writes p to the transport, bounded by SendTimeout.
func (c *Coordinator) Send(p []byte) error {
	const op = "network.send"
	c.mu.Lock()
	conn := c.st.conn
	ok := c.st.transport == TransportConnected && conn != nil
	c.mu.Unlock()
	if !ok {
		return &errcode.E{C: errcode.NotConnected, Op: op}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout))
	n, err := conn.Write(p)
	_ = conn.SetWriteDeadline(time.Time{})

	c.mu.Lock()
	c.st.txBytes += uint64(n)
	c.mu.Unlock()
	if err != nil {
		c.log.WithError(err).Warn("send failed")
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return errcode.Wrap(errcode.Timeout, op, err)
		}
		return errcode.Wrap(errcode.Failed, op, err)
	}
	return nil
}

// SetDataCallback installs fn to receive a copy of every transport chunk.
// It runs on the receive goroutine after the data_received event.
func (c *Coordinator) SetDataCallback(fn func([]byte)) {
	c.mu.Lock()
	c.st.onData = fn
	c.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Queries, tick, bus
// -----------------------------------------------------------------------------

func (c *Coordinator) LinkState() LinkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.link
}

func (c *Coordinator) TransportState() TransportState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.transport
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Link:       c.st.link,
		Transport:  c.st.transport,
		Addr:       c.st.addr,
		Session:    c.st.session,
		Reconnects: c.st.reconnects,
		RxBytes:    c.st.rxBytes,
		TxBytes:    c.st.txBytes,
	}
}

// Tick exists so the polling driver can treat every coordinator alike; the
// network coordinator is entirely event driven.
func (c *Coordinator) Tick() {}

// HandleEvent tears everything down ahead of deep sleep. Repeated
// notifications are harmless.
func (c *Coordinator) HandleEvent(ev bus.Event) {
	if ev.Kind != bus.EnterDeepSleep {
		return
	}
	c.mu.Lock()
	already := c.st.sleeping
	c.st.sleeping = true
	c.mu.Unlock()
	if already {
		return
	}

	c.log.Info("entering deep sleep; tearing down network")
	c.DisconnectTransport()
	c.DisconnectLink()

	c.mu.Lock()
	started := c.st.started
	c.st.started = false
	c.mu.Unlock()
	if started {
		if err := c.radio.Stop(); err != nil {
			c.log.WithError(err).Warn("radio stop failed")
		}
	}
}
