package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"babelfish/internal/logging"
	"babelfish/internal/transport"
)

// Option configures a Manager.
type Option func(*Manager)

// WithDiscovery sets the source used by Discover.
func WithDiscovery(d transport.Discovery) Option {
	return func(m *Manager) { m.discovery = d }
}

// WithService overrides DefaultService for the listener.
func WithService(id transport.ServiceID) Option {
	return func(m *Manager) { m.service = id }
}

// WithObserver sets the initial observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithDispatcher sets where observer callbacks run. Defaults to Inline.
func WithDispatcher(d Dispatcher) Option {
	return func(m *Manager) { m.dispatch = d }
}

// WithLogger sets the logger. Defaults to a logger that discards output.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithReadBufferSize sets the per-read buffer size of link read loops.
func WithReadBufferSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.readBufSize = n
		}
	}
}

// Manager owns the listener, the outbound attempt and the live links.
type Manager struct {
	tr          transport.Transport
	discovery   transport.Discovery
	service     transport.ServiceID
	dispatch    Dispatcher
	log         *slog.Logger
	readBufSize int
	registry    *DeviceRegistry

	mu        sync.Mutex
	observer  Observer
	listener  *listenerLoop
	connector *connectorTask
	links     map[*Link]struct{}
	connected bool
	closed    bool

	pending  []func()
	flushing bool
}

// New creates a manager on top of tr. Nothing is started until Start or
// Connect is called.
func New(tr transport.Transport, opts ...Option) *Manager {
	m := &Manager{
		tr:          tr,
		service:     DefaultService,
		dispatch:    Inline,
		log:         logging.Discard(),
		readBufSize: DefaultReadBufferSize,
		links:       make(map[*Link]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.registry = NewDeviceRegistry(m.peerFound)
	return m
}

// SetObserver replaces the observer. A nil observer silences events.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

// Registry returns the device registry filled by Discover.
func (m *Manager) Registry() *DeviceRegistry { return m.registry }

// Service returns the service id the listener advertises.
func (m *Manager) Service() transport.ServiceID { return m.service }

// queueLocked records events for the current observer. Callers hold m.mu
// and call flush after releasing it.
func (m *Manager) queueLocked(events ...func(Observer)) {
	o := m.observer
	if o == nil {
		return
	}
	for _, ev := range events {
		m.pending = append(m.pending, func() { ev(o) })
	}
}

// flush hands queued events to the dispatcher in the order they were
// queued. Only one goroutine flushes at a time; an observer that calls back
// into the manager from a callback just queues more events for the flusher
// already running.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	for len(m.pending) > 0 {
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()
		for _, fn := range batch {
			m.dispatch.Dispatch(fn)
		}
		m.mu.Lock()
	}
	m.flushing = false
	m.mu.Unlock()
}

func connectivity(connected bool) func(Observer) {
	return func(o Observer) { o.OnConnectivityChanged(connected) }
}

func failure(reason ErrorReason) func(Observer) {
	return func(o Observer) { o.OnConnectionError(reason) }
}

// Start begins listening for inbound peers. It is idempotent: a running
// listener is kept and no second endpoint is bound. Any in-flight connect
// attempt is canceled.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	c := m.connector
	m.connector = nil
	if m.listener != nil {
		m.mu.Unlock()
		if c != nil {
			c.cancel()
		}
		return
	}
	l := newListenerLoop(m)
	m.listener = l
	m.mu.Unlock()

	if c != nil {
		c.cancel()
	}
	l.start()
}

// Activate is the host entry point for becoming visible; it calls Start.
func (m *Manager) Activate() { m.Start() }

// Deactivate is the host entry point for teardown of the active session:
// discovery stops and every loop and link is closed. The manager can be
// activated again.
func (m *Manager) Deactivate() {
	m.registry.CancelScan()
	m.StopAll()
}

// Close deactivates the manager for good. Later calls to Start, Connect and
// Discover do nothing and Write returns ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.Deactivate()
	return nil
}

func (m *Manager) listenerFailed(l *listenerLoop, reason ErrorReason, err error) {
	m.mu.Lock()
	if m.listener != l {
		m.mu.Unlock()
		return
	}
	m.listener = nil
	m.queueLocked(failure(reason))
	m.mu.Unlock()

	m.log.Warn("listener failed", "reason", reason.String(), "error", err)
	m.flush()
}

func (m *Manager) accepted(l *listenerLoop, ch transport.Channel, peer transport.Peer) {
	m.mu.Lock()
	if m.listener != l || m.closed {
		m.mu.Unlock()
		_ = ch.Close()
		m.log.Debug("dropped stale inbound channel", "peer", peer.Address)
		return
	}
	link := newLink(m, ch, peer, true)
	m.addLinkLocked(link)
	m.mu.Unlock()

	m.linkAdded(link)
}

// Connect starts an outbound attempt to peer, superseding any attempt in
// flight. The previous attempt is canceled, not awaited, and never
// produces a link.
func (m *Manager) Connect(peer transport.Peer, service transport.ServiceID) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	prev := m.connector
	c := newConnectorTask(m, peer, service)
	m.connector = c
	m.mu.Unlock()

	if prev != nil {
		prev.cancel()
		m.log.Debug("superseded connect attempt", "peer", prev.peer.Address)
	}
	m.log.Info("connecting", "peer", peer.Address, "service", service.String())
	go c.run()
}

func (m *Manager) dialSucceeded(c *connectorTask, ch transport.Channel) {
	m.mu.Lock()
	if m.connector != c || m.closed {
		m.mu.Unlock()
		_ = ch.Close()
		return
	}
	m.connector = nil
	link := newLink(m, ch, c.peer, false)
	m.addLinkLocked(link)
	m.mu.Unlock()

	m.linkAdded(link)
}

func (m *Manager) connectFailed(c *connectorTask, err error) {
	m.mu.Lock()
	if m.connector != c {
		m.mu.Unlock()
		return
	}
	m.connector = nil
	m.queueLocked(failure(classify(err, ConnectFailure)))
	if len(m.links) == 0 {
		m.connected = false
		m.queueLocked(connectivity(false))
	}
	m.mu.Unlock()

	m.log.Warn("connect failed", "peer", c.peer.Address, "error", err)
	m.flush()
}

func (m *Manager) addLinkLocked(l *Link) {
	m.links[l] = struct{}{}
	if !m.connected {
		m.connected = true
		m.queueLocked(connectivity(true))
	}
}

func (m *Manager) linkAdded(l *Link) {
	// A live link ends any scan and silences further results.
	m.registry.CancelScan()
	m.log.Info("link established", "peer", l.peer.Address, "inbound", l.inbound)
	m.flush()
	go l.readLoop()
}

// removeLink drops l from the live set. Calls for a link that is no longer
// present do nothing, so each link reports at most once. A zero reason
// means the link ended without a fault.
func (m *Manager) removeLink(l *Link, reason ErrorReason, err error) {
	m.mu.Lock()
	if _, ok := m.links[l]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.links, l)
	if reason != 0 {
		m.queueLocked(failure(reason))
	}
	if len(m.links) == 0 && m.connected {
		m.connected = false
		m.queueLocked(connectivity(false))
	}
	m.mu.Unlock()

	if reason != 0 {
		m.log.Warn("link broken", "peer", l.peer.Address, "error", err)
	} else {
		m.log.Info("link closed", "peer", l.peer.Address)
	}
	m.flush()
}

func (m *Manager) deliver(l *Link, text string) {
	m.mu.Lock()
	if _, ok := m.links[l]; !ok {
		m.mu.Unlock()
		return
	}
	m.queueLocked(func(o Observer) { o.OnDataReceived(text) })
	m.mu.Unlock()
	m.flush()
}

// Write sends p to every live link. A link that fails is removed; the
// others still receive p. Links are written one after another with no
// ordering guarantee between them.
func (m *Manager) Write(p []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	links := make([]*Link, 0, len(m.links))
	for l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	if len(links) == 0 {
		return ErrNotConnected
	}
	var errs []error
	for _, l := range links {
		if err := l.Write(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteString sends s as one text frame.
func (m *Manager) WriteString(s string) error { return m.Write([]byte(s)) }

// Disconnect cancels any connect attempt and closes every link. The
// listener keeps accepting.
func (m *Manager) Disconnect() {
	m.teardown(false)
}

// StopAll cancels the listener and any connect attempt and closes every
// link. It is safe to call when idle.
func (m *Manager) StopAll() {
	m.teardown(true)
}

func (m *Manager) teardown(listener bool) {
	m.mu.Lock()
	var l *listenerLoop
	if listener {
		l = m.listener
		m.listener = nil
	}
	c := m.connector
	m.connector = nil
	links := make([]*Link, 0, len(m.links))
	for link := range m.links {
		links = append(links, link)
	}
	clear(m.links)
	if m.connected {
		m.connected = false
		m.queueLocked(connectivity(false))
	}
	m.mu.Unlock()

	if l != nil {
		l.cancel()
	}
	if c != nil {
		c.cancel()
	}
	for _, link := range links {
		_ = link.Close()
	}
	if len(links) > 0 || l != nil || c != nil {
		m.log.Debug("stopped", "links", len(links), "listener", l != nil, "connector", c != nil)
	}
	m.flush()
}

// IsConnected reports whether at least one link is live.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links) > 0
}

// Links returns the remote peers of the live links.
func (m *Manager) Links() []transport.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transport.Peer, 0, len(m.links))
	for l := range m.links {
		out = append(out, l.peer)
	}
	return out
}

// ListenerState reports the state of the current listener, or
// ListenerIdle when none is running.
func (m *Manager) ListenerState() ListenerState {
	m.mu.Lock()
	l := m.listener
	m.mu.Unlock()
	if l == nil {
		return ListenerIdle
	}
	return l.state()
}

// Connecting reports whether an outbound attempt is in flight.
func (m *Manager) Connecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connector != nil
}

// Discover clears the registry and starts a scan: bonded peers first, then
// live results. Each new peer is reported through OnPeerDiscovered while no
// link is live.
func (m *Manager) Discover(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if m.discovery == nil {
		return fmt.Errorf("connmgr: discover: %w", transport.ErrUnavailable)
	}
	return m.registry.BeginScan(ctx, m.discovery)
}

// CancelDiscovery stops the running scan, keeping its results.
func (m *Manager) CancelDiscovery() { m.registry.CancelScan() }

// Peers returns the peers found by the last scan.
func (m *Manager) Peers() []transport.Peer { return m.registry.Peers() }

func (m *Manager) peerFound(p transport.Peer) {
	m.mu.Lock()
	if m.closed || len(m.links) > 0 {
		m.mu.Unlock()
		return
	}
	m.queueLocked(func(o Observer) { o.OnPeerDiscovered(p) })
	m.mu.Unlock()
	m.flush()
}

// WatchPower follows adapter state when the transport reports it. Power
// loss closes everything and reports TransportUnavailable; power return
// restarts the listener. It returns errors.ErrUnsupported for transports
// without power events.
func (m *Manager) WatchPower(ctx context.Context) error {
	ps, ok := m.tr.(transport.PowerSource)
	if !ok {
		return fmt.Errorf("connmgr: watch power: %w", errors.ErrUnsupported)
	}
	events, err := ps.PowerEvents(ctx)
	if err != nil {
		return fmt.Errorf("connmgr: watch power: %w", err)
	}
	go func() {
		for on := range events {
			if on {
				m.log.Info("adapter powered on")
				m.Start()
				continue
			}
			m.log.Warn("adapter powered off")
			m.registry.CancelScan()
			m.StopAll()
			m.mu.Lock()
			if !m.closed {
				m.queueLocked(failure(TransportUnavailable))
			}
			m.mu.Unlock()
			m.flush()
		}
	}()
	return nil
}
