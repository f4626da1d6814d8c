package network

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"devicecore-go/bus"
	"devicecore-go/errcode"
)

// ---- fakes ----

type trace struct {
	mu    sync.Mutex
	steps []string
}

func (t *trace) add(s string) {
	t.mu.Lock()
	t.steps = append(t.steps, s)
	t.mu.Unlock()
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

// fakeRadio answers asynchronously like a real link layer. With addr set,
// Connect yields an address; otherwise it reports the link lost. A silent
// radio never answers Connect.
type fakeRadio struct {
	c      *Coordinator
	tr     *trace
	addr   string
	silent bool

	mu       sync.Mutex
	connects int
}

func (r *fakeRadio) Start() error {
	r.tr.add("radio.start")
	go r.c.HandleLinkEvent(LinkEvent{Type: LinkStarted})
	return nil
}

func (r *fakeRadio) Connect(Credentials) error {
	r.tr.add("radio.connect")
	r.mu.Lock()
	r.connects++
	r.mu.Unlock()
	switch {
	case r.silent:
	case r.addr != "":
		go r.c.HandleLinkEvent(LinkEvent{Type: AddressAcquired, Addr: r.addr})
	default:
		go r.c.HandleLinkEvent(LinkEvent{Type: LinkLost, Reason: "auth_fail"})
	}
	return nil
}

func (r *fakeRadio) Disconnect() error { r.tr.add("radio.disconnect"); return nil }
func (r *fakeRadio) Stop() error       { r.tr.add("radio.stop"); return nil }

func (r *fakeRadio) connectCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

type tracedConn struct {
	net.Conn
	tr *trace
}

func (t *tracedConn) Close() error {
	t.tr.add("transport.close")
	return t.Conn.Close()
}

// pipeDialer hands out one end of a net.Pipe per dial; the peer end is sent
// on peers.
type pipeDialer struct {
	tr    *trace
	peers chan net.Conn
}

func (d *pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, server := net.Pipe()
	d.peers <- server
	return &tracedConn{Conn: client, tr: d.tr}, nil
}

type failDialer struct {
	mu    sync.Mutex
	calls int
}

func (d *failDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return nil, errors.New("connection refused")
}

func (d *failDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// stallDialer blocks until the dial context ends.
type stallDialer struct{}

func (stallDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type sink struct {
	mu  sync.Mutex
	got []bus.Event
}

func (s *sink) HandleEvent(ev bus.Event) {
	s.mu.Lock()
	s.got = append(s.got, ev)
	s.mu.Unlock()
}

func (s *sink) of(k bus.Kind) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.Event
	for _, ev := range s.got {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	bus   *bus.Bus
	radio *fakeRadio
	tr    *trace
	sink  *sink
	c     *Coordinator
}

func newFixture(t *testing.T, radio *fakeRadio, d Dialer, cfg Config) *fixture {
	t.Helper()
	b := bus.NewBus(nil)
	s := &sink{}
	for _, k := range bus.Kinds() {
		b.Subscribe(k, bus.WeakRef(s))
	}
	tr := &trace{}
	radio.tr = tr
	if pd, ok := d.(*pipeDialer); ok {
		pd.tr = tr
	}
	c := New(b, radio, d, cfg)
	radio.c = c
	return &fixture{bus: b, radio: radio, tr: tr, sink: s, c: c}
}

func (f *fixture) connectLink(t *testing.T) {
	t.Helper()
	if err := f.c.ConnectLink(context.Background(), Credentials{SSID: "lab"}); err != nil {
		t.Fatalf("ConnectLink: %v", err)
	}
}

// ---- link ----

func TestConnectLinkPublishesUpOnce(t *testing.T) {
	f := newFixture(t, &fakeRadio{addr: "10.0.0.7"}, &failDialer{}, Config{})
	f.connectLink(t)
	f.connectLink(t) // already connected

	if f.c.LinkState() != LinkConnected {
		t.Fatalf("link=%s", f.c.LinkState())
	}
	ups := f.sink.of(bus.ConnectivityUp)
	if len(ups) != 1 || ups[0].Payload.Text() != "10.0.0.7" {
		t.Fatalf("connectivity_up events: %v", ups)
	}
	if f.radio.connectCalls() != 1 {
		t.Fatalf("radio connect calls=%d", f.radio.connectCalls())
	}
}

func TestConnectLinkFailure(t *testing.T) {
	f := newFixture(t, &fakeRadio{}, &failDialer{}, Config{NoAutoReconnect: true})
	err := f.c.ConnectLink(context.Background(), Credentials{SSID: "lab"})
	if errcode.Of(err) != errcode.Failed {
		t.Fatalf("err=%v want failed", err)
	}
	if f.c.LinkState() != LinkDisconnected {
		t.Fatalf("link=%s", f.c.LinkState())
	}
	if n := len(f.sink.of(bus.ConnectivityDown)); n != 0 {
		t.Fatalf("connectivity_down published %d times for a link that never came up", n)
	}
}

func TestConnectLinkTimeout(t *testing.T) {
	f := newFixture(t, &fakeRadio{silent: true}, &failDialer{}, Config{LinkTimeout: 30 * time.Millisecond})
	err := f.c.ConnectLink(context.Background(), Credentials{SSID: "lab"})
	if !errors.Is(err, errcode.Timeout) {
		t.Fatalf("err=%v want timeout", err)
	}
	if f.c.LinkState() != LinkDisconnected {
		t.Fatalf("link=%s", f.c.LinkState())
	}
}

func TestLinkLossPublishesDownAndReconnects(t *testing.T) {
	f := newFixture(t, &fakeRadio{addr: "10.0.0.7"}, &failDialer{}, Config{})
	f.connectLink(t)

	f.c.HandleLinkEvent(LinkEvent{Type: LinkLost, Reason: "beacon_timeout"})

	downs := f.sink.of(bus.ConnectivityDown)
	if len(downs) != 1 || downs[0].Payload.Text() != "beacon_timeout" {
		t.Fatalf("connectivity_down events: %v", downs)
	}
	eventually(t, "re-association", func() bool { return f.c.LinkState() == LinkConnected })
	if n := len(f.sink.of(bus.ConnectivityUp)); n != 2 {
		t.Fatalf("connectivity_up published %d times", n)
	}
	if f.c.Status().Reconnects != 1 {
		t.Fatalf("reconnects=%d", f.c.Status().Reconnects)
	}
}

func TestDisconnectLinkStopsReconnect(t *testing.T) {
	f := newFixture(t, &fakeRadio{addr: "10.0.0.7"}, &failDialer{}, Config{})
	f.connectLink(t)
	f.c.DisconnectLink()
	f.c.HandleLinkEvent(LinkEvent{Type: LinkLost, Reason: "assoc_leave"})

	if f.c.LinkState() != LinkDisconnected {
		t.Fatalf("link=%s", f.c.LinkState())
	}
	if n := len(f.sink.of(bus.ConnectivityDown)); n != 1 {
		t.Fatalf("connectivity_down published %d times", n)
	}
	if f.radio.connectCalls() != 1 {
		t.Fatalf("radio reconnected after an explicit disconnect")
	}
}

// ---- transport ----

func TestTransportRejectedWhileLinkDown(t *testing.T) {
	d := &failDialer{}
	f := newFixture(t, &fakeRadio{addr: "10.0.0.7"}, d, Config{})

	err := f.c.ConnectTransport(context.Background(), "192.0.2.1:9000")
	if errcode.Of(err) != errcode.LinkDown {
		t.Fatalf("err=%v want link_down", err)
	}
	if d.count() != 0 {
		t.Fatalf("dialer called %d times", d.count())
	}
	if f.c.TransportState() != TransportDisconnected {
		t.Fatalf("transport=%s", f.c.TransportState())
	}
}

func TestRepeatedTransportFailuresLeaveLinkAlone(t *testing.T) {
	d := &failDialer{}
	f := newFixture(t, &fakeRadio{addr: "10.0.0.7"}, d, Config{})
	f.connectLink(t)

	for i := 0; i < 3; i++ {
		if err := f.c.ConnectTransport(context.Background(), "192.0.2.1:9000"); errcode.Of(err) != errcode.Failed {
			t.Fatalf("attempt %d: err=%v", i, err)
		}
	}
	if d.count() != 3 {
		t.Fatalf("dialer calls=%d want exactly the caller's 3", d.count())
	}
	if f.c.LinkState() != LinkConnected || f.c.TransportState() != TransportDisconnected {
		t.Fatalf("link=%s transport=%s", f.c.LinkState(), f.c.TransportState())
	}
	if f.radio.connectCalls() != 1 {
		t.Fatal("transport failures triggered a link reconnect")
	}
}

func TestReceivePublishesDataAndCallsBack(t *testing.T) {
	d := &pipeDialer{peers: make(chan net.Conn, 1)}
	f := newFixture(t, &fakeRadio{addr: "10.0.0.7"}, d, Config{RxBuffer: 16})
	f.connectLink(t)

	var mu sync.Mutex
	var cb [][]byte
	f.c.SetDataCallback(func(p []byte) {
		mu.Lock()
		cb = append(cb, p)
		mu.Unlock()
	})

	if err := f.c.ConnectTransport(context.Background(), "server:9000"); err != nil {
		t.Fatal(err)
	}
	peer := <-d.peers
	defer peer.Close()

	if _, err := peer.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "data_received", func() bool { return len(f.sink.of(bus.DataReceived)) == 1 })
	ev := f.sink.of(bus.DataReceived)[0]
	if ev.Payload.Tag() != bus.TagBinary || !bytes.Equal(ev.Payload.Bytes(), []byte("hello")) {
		t.Fatalf("payload %v %q", ev.Payload.Tag(), ev.Payload.Bytes())
	}
	eventually(t, "data callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cb) == 1 && string(cb[0]) == "hello"
	})

	// Send goes out on the same connection.
	go func() { _ = f.c.Send([]byte("ping")) }()
	buf := make([]byte, 4)
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := peer.Read(buf); err != nil || string(buf) != "ping" {
		t.Fatalf("peer read %q %v", buf, err)
	}

	// Peer hangs up: transport goes down, link stays.
	peer.Close()
	eventually(t, "transport down", func() bool { return f.c.TransportState() == TransportDisconnected })
	if f.c.LinkState() != LinkConnected {
		t.Fatalf("link=%s", f.c.LinkState())
	}
}

func TestSendRequiresTransport(t *testing.T) {
	f := newFixture(t, &fakeRadio{addr: "10.0.0.7"}, &failDialer{}, Config{})
	if err := f.c.Send([]byte("x")); errcode.Of(err) != errcode.NotConnected {
		t.Fatalf("err=%v want not_connected", err)
	}
}

func TestSendTimesOutOnStalledPeer(t *testing.T) {
	d := &pipeDialer{peers: make(chan net.Conn, 1)}
	f := newFixture(t, &fakeRadio{addr: "10.0.0.7"}, d, Config{SendTimeout: 50 * time.Millisecond})
	f.connectLink(t)
	if err := f.c.ConnectTransport(context.Background(), "server:9000"); err != nil {
		t.Fatal(err)
	}
	peer := <-d.peers
	defer peer.Close()

	start := time.Now()
	err := f.c.Send([]byte("never read"))
	if errcode.Of(err) != errcode.Timeout {
		t.Fatalf("err=%v want timeout", err)
	}
	if el := time.Since(start); el > time.Second {
		t.Fatalf("Send returned after %v", el)
	}
}

func TestConnectTransportDialTimeout(t *testing.T) {
	f := newFixture(t, &fakeRadio{addr: "10.0.0.7"}, stallDialer{}, Config{DialTimeout: 50 * time.Millisecond})
	f.connectLink(t)

	start := time.Now()
	err := f.c.ConnectTransport(context.Background(), "server:9000")
	if errcode.Of(err) != errcode.Timeout {
		t.Fatalf("err=%v want timeout", err)
	}
	if el := time.Since(start); el > time.Second {
		t.Fatalf("ConnectTransport returned after %v", el)
	}
	if f.c.TransportState() != TransportDisconnected || f.c.LinkState() != LinkConnected {
		t.Fatalf("link=%s transport=%s", f.c.LinkState(), f.c.TransportState())
	}
}

func TestLinkLossTearsDownTransport(t *testing.T) {
	d := &pipeDialer{peers: make(chan net.Conn, 1)}
	f := newFixture(t, &fakeRadio{addr: "10.0.0.7"}, d, Config{NoAutoReconnect: true})
	f.connectLink(t)
	if err := f.c.ConnectTransport(context.Background(), "server:9000"); err != nil {
		t.Fatal(err)
	}
	peer := <-d.peers
	defer peer.Close()

	f.c.HandleLinkEvent(LinkEvent{Type: LinkLost, Reason: "beacon_timeout"})
	if f.c.TransportState() != TransportDisconnected || f.c.LinkState() != LinkDisconnected {
		t.Fatalf("link=%s transport=%s", f.c.LinkState(), f.c.TransportState())
	}
}

// ---- deep sleep ----

func TestDeepSleepTeardownOrder(t *testing.T) {
	d := &pipeDialer{peers: make(chan net.Conn, 1)}
	f := newFixture(t, &fakeRadio{addr: "10.0.0.7"}, d, Config{})
	f.connectLink(t)
	if err := f.c.ConnectTransport(context.Background(), "server:9000"); err != nil {
		t.Fatal(err)
	}
	peer := <-d.peers
	defer peer.Close()

	f.bus.Publish(bus.NewEvent(bus.EnterDeepSleep))
	f.bus.Publish(bus.NewEvent(bus.EnterDeepSleep))

	var teardown []string
	for _, s := range f.tr.list() {
		switch s {
		case "transport.close", "radio.disconnect", "radio.stop":
			teardown = append(teardown, s)
		}
	}
	want := []string{"transport.close", "radio.disconnect", "radio.stop"}
	if len(teardown) != len(want) {
		t.Fatalf("teardown %v want %v", teardown, want)
	}
	for i := range want {
		if teardown[i] != want[i] {
			t.Fatalf("teardown %v want %v", teardown, want)
		}
	}
	if f.c.LinkState() != LinkDisconnected || f.c.TransportState() != TransportDisconnected {
		t.Fatalf("link=%s transport=%s", f.c.LinkState(), f.c.TransportState())
	}
	if err := f.c.ConnectLink(context.Background(), Credentials{}); errcode.Of(err) != errcode.Terminal {
		t.Fatalf("ConnectLink after sleep: %v", err)
	}
}
