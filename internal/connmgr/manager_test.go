package connmgr

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"babelfish/internal/transport"
)

// recorder is an Observer that keeps every event it receives.
type recorder struct {
	mu    sync.Mutex
	conn  []bool
	data  []string
	errs  []ErrorReason
	peers []transport.Peer
}

func (r *recorder) OnConnectivityChanged(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = append(r.conn, connected)
}

func (r *recorder) OnDataReceived(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, text)
}

func (r *recorder) OnConnectionError(reason ErrorReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, reason)
}

func (r *recorder) OnPeerDiscovered(peer transport.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, peer)
}

func (r *recorder) connEvents() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.conn...)
}

func (r *recorder) dataEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.data...)
}

func (r *recorder) errEvents() []ErrorReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ErrorReason(nil), r.errs...)
}

func (r *recorder) peerEvents() []transport.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Peer(nil), r.peers...)
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conn) + len(r.data) + len(r.errs) + len(r.peers)
}

func countFalse(events []bool) int {
	n := 0
	for _, c := range events {
		if !c {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type device struct {
	node *transport.MemoryNode
	mgr  *Manager
	obs  *recorder
}

func newDevice(t *testing.T, medium *transport.Memory, addr string, opts ...Option) *device {
	t.Helper()
	d := &device{node: medium.Node(addr, "phone-"+addr), obs: &recorder{}}
	d.mgr = New(d.node, append([]Option{WithObserver(d.obs)}, opts...)...)
	t.Cleanup(func() { d.mgr.Close() })
	return d
}

// connectPair has a dial b, which is listening, and waits until both sides
// report a link.
func connectPair(t *testing.T, a, b *device) {
	t.Helper()
	b.mgr.Start()
	a.mgr.Connect(b.node.Peer(), DefaultService)
	waitFor(t, "dialer connected", a.mgr.IsConnected)
	waitFor(t, "listener connected", b.mgr.IsConnected)
}

func TestStart_Idempotent(t *testing.T) {
	medium := transport.NewMemory()
	d := newDevice(t, medium, "AA")

	d.mgr.Start()
	d.mgr.Start()

	if got := medium.Binds(); got != 1 {
		t.Fatalf("expected 1 bind, got %d", got)
	}
	if got := d.mgr.ListenerState(); got != ListenerListening {
		t.Errorf("expected listener state listening, got %s", got)
	}
	if errs := d.obs.errEvents(); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestStart_BindFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorReason
	}{
		{"bind", errors.New("rfcomm channel busy"), BindFailure},
		{"unavailable", transport.ErrUnavailable, TransportUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			medium := transport.NewMemory()
			d := newDevice(t, medium, "AA")
			d.node.FailListen(tt.err)

			d.mgr.Start()

			errs := d.obs.errEvents()
			if len(errs) != 1 || errs[0] != tt.want {
				t.Fatalf("expected [%s], got %v", tt.want, errs)
			}
			if got := d.mgr.ListenerState(); got != ListenerIdle {
				t.Errorf("expected listener idle after failure, got %s", got)
			}

			// A later Start retries the bind.
			d.node.FailListen(nil)
			d.mgr.Start()
			if got := medium.Binds(); got != 1 {
				t.Errorf("expected 1 bind after retry, got %d", got)
			}
		})
	}
}

func TestStart_FailedBindStillAllowsConnect(t *testing.T) {
	medium := transport.NewMemory()
	a := newDevice(t, medium, "AA")
	b := newDevice(t, medium, "BB")
	a.node.FailListen(errors.New("busy"))

	a.mgr.Start()
	connectPair(t, a, b)
}

func TestConnect_RoundTrip(t *testing.T) {
	medium := transport.NewMemory()
	a := newDevice(t, medium, "AA")
	b := newDevice(t, medium, "BB")
	connectPair(t, a, b)

	if err := a.mgr.WriteString("¿Dónde está la estación?"); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "data at b", func() bool { return len(b.obs.dataEvents()) == 1 })
	if got := b.obs.dataEvents()[0]; got != "¿Dónde está la estación?" {
		t.Errorf("expected text to arrive intact, got %q", got)
	}

	if err := b.mgr.Write([]byte("Wo ist der Bahnhof?")); err != nil {
		t.Fatalf("write back: %v", err)
	}
	waitFor(t, "data at a", func() bool { return len(a.obs.dataEvents()) == 1 })
	if got := a.obs.dataEvents()[0]; got != "Wo ist der Bahnhof?" {
		t.Errorf("expected reply, got %q", got)
	}

	links := a.mgr.Links()
	if len(links) != 1 || links[0].Address != "BB" {
		t.Errorf("expected one link to BB, got %v", links)
	}
	if got := a.obs.connEvents(); len(got) != 1 || !got[0] {
		t.Errorf("expected [true] at dialer, got %v", got)
	}
}

func TestConnect_Failure(t *testing.T) {
	medium := transport.NewMemory()
	a := newDevice(t, medium, "AA")

	a.mgr.Connect(transport.Peer{Address: "nobody"}, DefaultService)

	waitFor(t, "connect error", func() bool { return len(a.obs.errEvents()) == 1 })
	if got := a.obs.errEvents()[0]; got != ConnectFailure {
		t.Errorf("expected connect failure, got %s", got)
	}
	waitFor(t, "disconnected report", func() bool { return len(a.obs.connEvents()) == 1 })
	if got := a.obs.connEvents(); got[0] {
		t.Errorf("expected [false], got %v", got)
	}
	if a.mgr.Connecting() {
		t.Error("expected no attempt in flight after failure")
	}
}

func TestConnect_SupersedesPendingAttempt(t *testing.T) {
	medium := transport.NewMemory()
	a := newDevice(t, medium, "AA")
	b := newDevice(t, medium, "BB")
	b.mgr.Start()

	// A peer that listens but never accepts parks the dial.
	slow := medium.Node("SLOW", "slow")
	ep, err := slow.Listen(DefaultService)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ep.Close()

	a.mgr.Connect(slow.Peer(), DefaultService)
	waitFor(t, "first dial", func() bool { return a.node.Dials() == 1 })
	a.mgr.Connect(b.node.Peer(), DefaultService)

	waitFor(t, "connected", a.mgr.IsConnected)
	time.Sleep(20 * time.Millisecond)

	links := a.mgr.Links()
	if len(links) != 1 || links[0].Address != "BB" {
		t.Fatalf("expected exactly one link to BB, got %v", links)
	}
	if errs := a.obs.errEvents(); len(errs) != 0 {
		t.Errorf("expected superseded attempt to stay silent, got %v", errs)
	}
	if got := a.obs.connEvents(); len(got) != 1 || !got[0] {
		t.Errorf("expected [true], got %v", got)
	}
}

// gatedTransport holds dials to addr until release is closed and ignores
// cancellation, like a transport finishing a connect already on the air.
type gatedTransport struct {
	transport.Transport
	addr    string
	started chan struct{}
	release chan struct{}
	ch      *stubChannel
}

func (g *gatedTransport) Dial(ctx context.Context, peer transport.Peer, service transport.ServiceID) (transport.Channel, error) {
	if peer.Address != g.addr {
		return g.Transport.Dial(ctx, peer, service)
	}
	close(g.started)
	<-g.release
	return g.ch, nil
}

func TestConnect_SupersededDialSucceedsLate(t *testing.T) {
	medium := transport.NewMemory()
	b := newDevice(t, medium, "BB")
	b.mgr.Start()

	gt := &gatedTransport{
		Transport: medium.Node("AA", "phone-AA"),
		addr:      "LATE",
		started:   make(chan struct{}),
		release:   make(chan struct{}),
		ch:        newStubChannel(nil),
	}
	obs := &recorder{}
	m := New(gt, WithObserver(obs))
	defer m.Close()

	m.Connect(transport.Peer{Address: "LATE"}, DefaultService)
	<-gt.started
	m.Connect(b.node.Peer(), DefaultService)
	waitFor(t, "connected to BB", m.IsConnected)

	close(gt.release)
	select {
	case <-gt.ch.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("late channel of the superseded attempt was not closed")
	}

	links := m.Links()
	if len(links) != 1 || links[0].Address != "BB" {
		t.Errorf("expected exactly one link to BB, got %v", links)
	}
	if got := obs.connEvents(); len(got) != 1 || !got[0] {
		t.Errorf("expected [true], got %v", got)
	}
	if errs := obs.errEvents(); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestDialSucceeded_StaleAttemptClosesChannel(t *testing.T) {
	obs := &recorder{}
	m := New(transport.NewMemory().Node("AA", ""), WithObserver(obs))
	defer m.Close()

	stale := newConnectorTask(m, transport.Peer{Address: "OLD"}, DefaultService)
	m.Connect(transport.Peer{Address: "nobody"}, DefaultService)

	ch := newStubChannel(nil)
	m.dialSucceeded(stale, ch)

	select {
	case <-ch.closed:
	default:
		t.Fatal("expected channel of a stale attempt to be closed")
	}
	if m.IsConnected() {
		t.Error("stale attempt must not add a link")
	}
	for _, c := range obs.connEvents() {
		if c {
			t.Errorf("unexpected connected event from stale attempt: %v", obs.connEvents())
		}
	}
}

func TestLink_RuneSplitAcrossReads(t *testing.T) {
	medium := transport.NewMemory()
	a := newDevice(t, medium, "AA")
	b := newDevice(t, medium, "BB")
	connectPair(t, a, b)

	msg := strings.Repeat("a", DefaultReadBufferSize-1) + "ä" + "tail"
	if err := a.mgr.WriteString(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	joined := func() string { return strings.Join(b.obs.dataEvents(), "") }
	waitFor(t, "whole message", func() bool { return len(joined()) >= len(msg) })

	if got := joined(); got != msg {
		t.Errorf("message changed in transit: got %d bytes, want %d, replacement=%v",
			len(got), len(msg), strings.ContainsRune(got, utf8.RuneError))
	}
}

func TestLink_TinyBufferKeepsRunes(t *testing.T) {
	medium := transport.NewMemory()
	a := newDevice(t, medium, "AA")
	b := newDevice(t, medium, "BB", WithReadBufferSize(2))
	connectPair(t, a, b)

	msg := "日本語 ok ü"
	if err := a.mgr.WriteString(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	joined := func() string { return strings.Join(b.obs.dataEvents(), "") }
	waitFor(t, "whole message", func() bool { return len(joined()) >= len(msg) })
	if got := joined(); got != msg {
		t.Errorf("expected %q, got %q", msg, got)
	}
}

func TestCompletePrefix(t *testing.T) {
	ae := []byte("ä") // 0xC3 0xA4
	jp := []byte("日") // 3 bytes
	tests := []struct {
		name string
		in   []byte
		want int
	}{
		{"empty", nil, 0},
		{"ascii", []byte("abc"), 3},
		{"complete two-byte", append([]byte("a"), ae...), 3},
		{"split two-byte", append([]byte("a"), ae[0]), 1},
		{"split three-byte after one", []byte{jp[0]}, 0},
		{"split three-byte after two", append([]byte("x"), jp[:2]...), 1},
		{"invalid byte is not held", []byte{'a', 0xFF}, 2},
		{"stray continuation is not held", []byte{'a', 0x80}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := completePrefix(tt.in); got != tt.want {
				t.Errorf("completePrefix(% x) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestRemoveLink_Idempotent(t *testing.T) {
	medium := transport.NewMemory()
	a := newDevice(t, medium, "AA")
	b := newDevice(t, medium, "BB")
	connectPair(t, a, b)

	a.mgr.mu.Lock()
	var l *Link
	for link := range a.mgr.links {
		l = link
	}
	a.mgr.mu.Unlock()

	fault := errors.New("fault")
	a.mgr.removeLink(l, LinkBroken, fault)
	a.mgr.removeLink(l, LinkBroken, fault)

	if got := countFalse(a.obs.connEvents()); got != 1 {
		t.Errorf("expected one disconnect event, got %d", got)
	}
	if got := a.obs.errEvents(); len(got) != 1 {
		t.Errorf("expected one error event, got %v", got)
	}
	if a.mgr.IsConnected() {
		t.Error("expected disconnected")
	}
}

// stubChannel never delivers data; writes fail when writeErr is set.
type stubChannel struct {
	writeErr error
	once     sync.Once
	closed   chan struct{}
}

func newStubChannel(writeErr error) *stubChannel {
	return &stubChannel{writeErr: writeErr, closed: make(chan struct{})}
}

func (c *stubChannel) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.ErrClosedPipe
}

func (c *stubChannel) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return len(p), nil
}

func (c *stubChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func addStubLink(m *Manager, addr string, ch transport.Channel) *Link {
	l := newLink(m, ch, transport.Peer{Address: addr}, true)
	m.mu.Lock()
	m.addLinkLocked(l)
	m.mu.Unlock()
	m.flush()
	return l
}

func TestIsConnected_TracksLinkSet(t *testing.T) {
	obs := &recorder{}
	m := New(transport.NewMemory().Node("AA", ""), WithObserver(obs))
	defer m.Close()

	l1 := addStubLink(m, "L1", newStubChannel(nil))
	l2 := addStubLink(m, "L2", newStubChannel(nil))

	steps := []struct {
		name string
		op   func()
		want bool
	}{
		{"remove l1", func() { m.removeLink(l1, 0, nil) }, true},
		{"remove l1 again", func() { m.removeLink(l1, 0, nil) }, true},
		{"remove l2", func() { m.removeLink(l2, 0, nil) }, false},
		{"add l3", func() { addStubLink(m, "L3", newStubChannel(nil)) }, true},
		{"disconnect", m.Disconnect, false},
	}
	for _, s := range steps {
		s.op()
		m.mu.Lock()
		nonEmpty := len(m.links) > 0
		m.mu.Unlock()
		if got := m.IsConnected(); got != s.want || got != nonEmpty {
			t.Errorf("%s: IsConnected()=%v, links non-empty=%v, want %v", s.name, got, nonEmpty, s.want)
		}
	}

	want := []bool{true, false, true, false}
	got := obs.connEvents()
	if len(got) != len(want) {
		t.Fatalf("expected connectivity events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestWrite_FanOutSurvivesFailingLink(t *testing.T) {
	medium := transport.NewMemory()
	a := newDevice(t, medium, "AA")
	b := newDevice(t, medium, "BB")
	connectPair(t, a, b)

	addStubLink(b.mgr, "broken", newStubChannel(errors.New("connection reset")))

	if err := b.mgr.WriteString("hello"); err == nil {
		t.Error("expected the failing link to be reported")
	}
	waitFor(t, "data at a", func() bool { return len(a.obs.dataEvents()) == 1 })

	links := b.mgr.Links()
	if len(links) != 1 || links[0].Address != "AA" {
		t.Errorf("expected only the healthy link to remain, got %v", links)
	}
	if errs := b.obs.errEvents(); len(errs) != 1 || errs[0] != LinkBroken {
		t.Errorf("expected [link broken], got %v", errs)
	}
	if !b.mgr.IsConnected() {
		t.Error("expected b to stay connected")
	}
}

func TestWrite_NotConnected(t *testing.T) {
	m := New(transport.NewMemory().Node("AA", ""))
	if err := m.WriteString("x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	m.Close()
	if err := m.WriteString("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestStopAll_NoCallbacksAfterStop(t *testing.T) {
	medium := transport.NewMemory()
	a := newDevice(t, medium, "AA")
	b := newDevice(t, medium, "BB")
	a.mgr.Start()
	connectPair(t, a, b)

	a.mgr.StopAll()

	if a.mgr.IsConnected() {
		t.Error("expected disconnected after StopAll")
	}
	if links := a.mgr.Links(); len(links) != 0 {
		t.Errorf("expected empty link set, got %v", links)
	}
	if got := a.mgr.ListenerState(); got != ListenerIdle {
		t.Errorf("expected listener idle, got %s", got)
	}
	if medium.Bound("AA", DefaultService) {
		t.Error("expected endpoint to be released")
	}

	// b sees the orderly close.
	waitFor(t, "b disconnected", func() bool { return !b.mgr.IsConnected() })

	before := a.obs.total()
	_ = b.mgr.WriteString("late")
	time.Sleep(30 * time.Millisecond)
	if after := a.obs.total(); after != before {
		t.Errorf("expected no callbacks after StopAll, got %d new", after-before)
	}
	if errs := a.obs.errEvents(); len(errs) != 0 {
		t.Errorf("expected cancellation to stay silent, got %v", errs)
	}
	if errs := b.obs.errEvents(); len(errs) != 0 {
		t.Errorf("expected remote close without error, got %v", errs)
	}

	// Safe when already idle.
	a.mgr.StopAll()
	if got := countFalse(a.obs.connEvents()); got != 1 {
		t.Errorf("expected one disconnect event, got %d", got)
	}
}

func TestLink_ReadFailureReportsOnce(t *testing.T) {
	medium := transport.NewMemory()
	a := newDevice(t, medium, "AA")
	b := newDevice(t, medium, "BB")
	connectPair(t, a, b)

	a.node.Break(errors.New("rfcomm: software caused connection abort"))

	waitFor(t, "a disconnected", func() bool { return countFalse(a.obs.connEvents()) == 1 })
	time.Sleep(20 * time.Millisecond)

	if got := countFalse(a.obs.connEvents()); got != 1 {
		t.Errorf("expected exactly one disconnect event, got %d", got)
	}
	if errs := a.obs.errEvents(); len(errs) != 1 || errs[0] != LinkBroken {
		t.Errorf("expected [link broken], got %v", errs)
	}
	waitFor(t, "b disconnected", func() bool { return !b.mgr.IsConnected() })
}

func TestListener_AcceptsSequentialPeers(t *testing.T) {
	medium := transport.NewMemory()
	a := newDevice(t, medium, "AA")
	b := newDevice(t, medium, "BB")
	c := newDevice(t, medium, "CC")
	connectPair(t, a, b)

	a.mgr.Disconnect()
	waitFor(t, "b disconnected", func() bool { return !b.mgr.IsConnected() })

	c.mgr.Connect(b.node.Peer(), DefaultService)
	waitFor(t, "b reconnected", b.mgr.IsConnected)

	links := b.mgr.Links()
	if len(links) != 1 || links[0].Address != "CC" {
		t.Errorf("expected link to CC, got %v", links)
	}
	if got := medium.Binds(); got != 1 {
		t.Errorf("expected the listener to be bound once, got %d", got)
	}
	if got := b.mgr.ListenerState(); got != ListenerListening {
		t.Errorf("expected listener to keep listening, got %s", got)
	}
}

func TestObserver_MayReenterManager(t *testing.T) {
	medium := transport.NewMemory()
	b := newDevice(t, medium, "BB")
	node := medium.Node("AA", "")

	var m *Manager
	var mu sync.Mutex
	var events []bool
	m = New(node, WithObserver(ObserverFuncs{
		Connectivity: func(connected bool) {
			mu.Lock()
			events = append(events, connected)
			mu.Unlock()
			if connected {
				m.Disconnect()
			}
		},
	}))
	defer m.Close()

	b.mgr.Start()
	m.Connect(b.node.Peer(), DefaultService)

	waitFor(t, "reentrant disconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	})
	if m.IsConnected() {
		t.Error("expected disconnected")
	}
	mu.Lock()
	defer mu.Unlock()
	if !events[0] || events[1] {
		t.Errorf("expected [true false], got %v", events)
	}
}

func TestClose_MakesManagerInert(t *testing.T) {
	medium := transport.NewMemory()
	d := newDevice(t, medium, "AA")
	d.mgr.Close()

	d.mgr.Start()
	d.mgr.Connect(transport.Peer{Address: "BB"}, DefaultService)

	if medium.Binds() != 0 {
		t.Error("expected no bind after Close")
	}
	if d.node.Dials() != 0 {
		t.Error("expected no dial after Close")
	}
	if err := d.mgr.Close(); err != nil {
		t.Errorf("expected redundant Close to succeed, got %v", err)
	}
}

func TestSerialDispatcher_DeliversOnExecutor(t *testing.T) {
	medium := transport.NewMemory()
	disp := NewSerialDispatcher()
	defer disp.Close()

	a := newDevice(t, medium, "AA", WithDispatcher(disp))
	b := newDevice(t, medium, "BB")
	connectPair(t, a, b)

	for _, s := range []string{"one", "two", "three"} {
		if err := b.mgr.WriteString(s); err != nil {
			t.Fatalf("write %q: %v", s, err)
		}
	}
	waitFor(t, "three frames", func() bool { return len(a.obs.dataEvents()) == 3 })
	got := a.obs.dataEvents()
	for i, want := range []string{"one", "two", "three"} {
		if got[i] != want {
			t.Errorf("frame %d: expected %q, got %q", i, want, got[i])
		}
	}
}

// powerNode adds adapter state events to a memory node.
type powerNode struct {
	*transport.MemoryNode
	events chan bool
}

func (p *powerNode) PowerEvents(ctx context.Context) (<-chan bool, error) {
	return p.events, nil
}

func TestWatchPower_FollowsAdapterState(t *testing.T) {
	medium := transport.NewMemory()
	b := newDevice(t, medium, "BB")
	pn := &powerNode{MemoryNode: medium.Node("AA", ""), events: make(chan bool)}
	obs := &recorder{}
	m := New(pn, WithObserver(obs))
	defer m.Close()
	defer close(pn.events)

	if err := m.WatchPower(context.Background()); err != nil {
		t.Fatalf("watch power: %v", err)
	}
	m.Start()
	b.mgr.Start()
	m.Connect(b.node.Peer(), DefaultService)
	waitFor(t, "connected", m.IsConnected)

	pn.events <- false
	waitFor(t, "unavailable report", func() bool { return len(obs.errEvents()) == 1 })
	if got := obs.errEvents()[0]; got != TransportUnavailable {
		t.Errorf("expected transport unavailable, got %s", got)
	}
	if m.IsConnected() {
		t.Error("expected links closed on power loss")
	}
	if got := m.ListenerState(); got != ListenerIdle {
		t.Errorf("expected listener stopped, got %s", got)
	}

	pn.events <- true
	waitFor(t, "listener restarted", func() bool { return m.ListenerState() == ListenerListening })
}

func TestWatchPower_Unsupported(t *testing.T) {
	m := New(transport.NewMemory().Node("AA", ""))
	defer m.Close()
	if err := m.WatchPower(context.Background()); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}
