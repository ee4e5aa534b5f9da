package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Memory is an in-process medium shared by a set of nodes.
// Each node owns an address; a node dials another by that address.
// Channels are synchronous pipes: a Write no larger than the reader's
// buffer arrives as one Read on the far side; larger writes are split
// across several Reads.
type Memory struct {
	mu        sync.Mutex
	endpoints map[memKey]*memEndpoint
	binds     int
}

type memKey struct {
	addr    string
	service ServiceID
}

// NewMemory creates an empty medium.
func NewMemory() *Memory {
	return &Memory{endpoints: make(map[memKey]*memEndpoint)}
}

// Node returns a transport bound to addr on this medium.
func (m *Memory) Node(addr, name string) *MemoryNode {
	return &MemoryNode{medium: m, self: Peer{Address: addr, Name: name}}
}

// Binds reports how many Listen calls have succeeded so far.
func (m *Memory) Binds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.binds
}

// Bound reports whether addr currently listens on service.
func (m *Memory) Bound(addr string, service ServiceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.endpoints[memKey{addr, service}]
	return ok
}

// MemoryNode is one device on a Memory medium. It implements Transport.
type MemoryNode struct {
	medium *Memory
	self   Peer

	mu        sync.Mutex
	listenErr error
	dialErr   error
	dials     int
	channels  []*memChannel
}

var _ Transport = (*MemoryNode)(nil)

// Peer returns the identity other nodes use to dial this one.
func (n *MemoryNode) Peer() Peer { return n.self }

// FailListen makes subsequent Listen calls return err. A nil err restores
// normal behavior.
func (n *MemoryNode) FailListen(err error) {
	n.mu.Lock()
	n.listenErr = err
	n.mu.Unlock()
}

// FailDial makes subsequent Dial calls return err.
func (n *MemoryNode) FailDial(err error) {
	n.mu.Lock()
	n.dialErr = err
	n.mu.Unlock()
}

// Dials reports how many Dial calls were made.
func (n *MemoryNode) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

// Break fails every channel this node holds with err. Pending and later
// reads and writes on those channels return err; the far side sees EOF.
func (n *MemoryNode) Break(err error) {
	n.mu.Lock()
	chs := n.channels
	n.channels = nil
	n.mu.Unlock()
	for _, c := range chs {
		c.fail(err)
	}
}

func (n *MemoryNode) track(c *memChannel) {
	n.mu.Lock()
	n.channels = append(n.channels, c)
	n.mu.Unlock()
}

func (n *MemoryNode) Listen(service ServiceID) (Endpoint, error) {
	n.mu.Lock()
	err := n.listenErr
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}

	key := memKey{n.self.Address, service}
	m := n.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[key]; ok {
		return nil, fmt.Errorf("transport: listen %s on %s: %w", service, n.self.Address, ErrAddressInUse)
	}
	ep := &memEndpoint{
		medium:   m,
		key:      key,
		owner:    n,
		incoming: make(chan memConn),
		done:     make(chan struct{}),
	}
	m.endpoints[key] = ep
	m.binds++
	return ep, nil
}

func (n *MemoryNode) Dial(ctx context.Context, peer Peer, service ServiceID) (Channel, error) {
	n.mu.Lock()
	n.dials++
	err := n.dialErr
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m := n.medium
	m.mu.Lock()
	ep, ok := m.endpoints[memKey{peer.Address, service}]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: dial %s: %w", peer.Address, ErrNoRoute)
	}

	a, b := net.Pipe()
	local, remote := &memChannel{Conn: a}, &memChannel{Conn: b}
	select {
	case ep.incoming <- memConn{ch: remote, from: n.self}:
		n.track(local)
		ep.owner.track(remote)
		return local, nil
	case <-ctx.Done():
		a.Close()
		b.Close()
		return nil, fmt.Errorf("transport: dial %s: %w", peer.Address, ctx.Err())
	case <-ep.done:
		a.Close()
		b.Close()
		return nil, fmt.Errorf("transport: dial %s: %w", peer.Address, ErrNoRoute)
	}
}

type memConn struct {
	ch   *memChannel
	from Peer
}

type memEndpoint struct {
	medium   *Memory
	key      memKey
	owner    *MemoryNode
	incoming chan memConn
	done     chan struct{}
	once     sync.Once
}

func (e *memEndpoint) Accept() (Channel, Peer, error) {
	select {
	case c := <-e.incoming:
		return c.ch, c.from, nil
	case <-e.done:
		return nil, Peer{}, ErrClosed
	}
}

func (e *memEndpoint) Close() error {
	e.once.Do(func() {
		close(e.done)
		e.medium.mu.Lock()
		if e.medium.endpoints[e.key] == e {
			delete(e.medium.endpoints, e.key)
		}
		e.medium.mu.Unlock()
	})
	return nil
}

// memChannel is one end of a pipe that can be failed on demand.
type memChannel struct {
	net.Conn

	mu    sync.Mutex
	fault error
}

func (c *memChannel) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		if f := c.faultErr(); f != nil {
			err = f
		}
	}
	return n, err
}

func (c *memChannel) Write(p []byte) (int, error) {
	if f := c.faultErr(); f != nil {
		return 0, f
	}
	n, err := c.Conn.Write(p)
	if err != nil {
		if f := c.faultErr(); f != nil {
			err = f
		}
	}
	return n, err
}

func (c *memChannel) faultErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

func (c *memChannel) fail(err error) {
	c.mu.Lock()
	c.fault = err
	c.mu.Unlock()
	c.Conn.Close()
}

// StaticDiscovery serves a fixed bonded list and forwards announced peers
// to every active scan.
type StaticDiscovery struct {
	mu     sync.Mutex
	bonded []Peer
	scans  map[int]chan Peer
	next   int
}

var _ Discovery = (*StaticDiscovery)(nil)

// NewStaticDiscovery returns a discovery source reporting bonded as the
// paired devices.
func NewStaticDiscovery(bonded ...Peer) *StaticDiscovery {
	d := &StaticDiscovery{scans: make(map[int]chan Peer)}
	for _, p := range bonded {
		p.Bonded = true
		d.bonded = append(d.bonded, p)
	}
	return d
}

func (d *StaticDiscovery) Bonded(ctx context.Context) ([]Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Peer, len(d.bonded))
	copy(out, d.bonded)
	return out, nil
}

func (d *StaticDiscovery) Scan(ctx context.Context) (<-chan Peer, error) {
	ch := make(chan Peer, 16)
	d.mu.Lock()
	id := d.next
	d.next++
	d.scans[id] = ch
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		delete(d.scans, id)
		close(ch)
		d.mu.Unlock()
	}()
	return ch, nil
}

// Announce delivers p to every running scan and returns how many received
// it. A scan whose buffer is full misses the event.
func (d *StaticDiscovery) Announce(p Peer) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ch := range d.scans {
		select {
		case ch <- p:
			n++
		default:
		}
	}
	return n
}

// Scanning reports the number of scans in progress.
func (d *StaticDiscovery) Scanning() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.scans)
}
