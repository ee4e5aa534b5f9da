//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"babelfish/internal/logging"
	"babelfish/internal/transport"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"

	errRejected      = "org.bluez.Error.Rejected"
	errAlreadyExists = "org.bluez.Error.AlreadyExists"
)

var pathCounter uint64

// Transport is the BlueZ implementation of transport.Transport.
type Transport struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	closed  bool
	bus     *dbus.Conn
	clients map[transport.ServiceID]*profile
	// server endpoints still registered; each removes itself on Close.
	endpoints map[*endpoint]struct{}

	// cleanup functions released by Close, in reverse order.
	cleanup []func()
}

var (
	_ transport.Transport   = (*Transport)(nil)
	_ transport.PowerSource = (*Transport)(nil)
)

// New creates a transport. The system bus is connected lazily.
func New(opts Options) *Transport {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Transport{
		opts:    opts,
		log:     log,
		clients:   make(map[transport.ServiceID]*profile),
		endpoints: make(map[*endpoint]struct{}),
	}
}

// ensureBusLocked connects to the system bus if not yet connected.
func (t *Transport) ensureBusLocked() error {
	if t.closed {
		return transport.ErrClosed
	}
	if t.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w: %w", transport.ErrUnavailable, err)
	}
	t.bus = c
	// Close the bus last during cleanup.
	t.cleanup = append(t.cleanup, func() { c.Close() })
	return nil
}

func (t *Transport) systemBus() (*dbus.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureBusLocked(); err != nil {
		return nil, err
	}
	return t.bus, nil
}

func nextPath(role string) dbus.ObjectPath {
	id := atomic.AddUint64(&pathCounter, 1)
	return dbus.ObjectPath("/org/babelfish/link/" + role + "/p" + strconv.FormatUint(id, 10))
}

type incoming struct {
	fd  int
	dev dbus.ObjectPath
}

// profile implements org.bluez.Profile1. Server profiles queue every new
// connection for Accept; client profiles route it to the dialer waiting on
// that device.
type profile struct {
	queue chan incoming

	mu      sync.Mutex
	waiters map[dbus.ObjectPath]chan incoming
}

func newServerProfile() *profile {
	return &profile{queue: make(chan incoming, 4)}
}

func newClientProfile() *profile {
	return &profile{waiters: make(map[dbus.ObjectPath]chan incoming)}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the link closes when the FD is closed.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers a connected RFCOMM socket. FDs nobody is waiting
// for are closed and the connection rejected.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	in := incoming{fd: int(fd), dev: dev}
	if p.waiters == nil {
		select {
		case p.queue <- in:
			return nil
		default:
			closeFD(in.fd)
			return &dbus.Error{Name: errRejected, Body: []interface{}{"accept queue full"}}
		}
	}

	p.mu.Lock()
	ch, ok := p.waiters[dev]
	delete(p.waiters, dev)
	p.mu.Unlock()
	if !ok {
		closeFD(in.fd)
		return &dbus.Error{Name: errRejected, Body: []interface{}{"no dialer waiting"}}
	}
	ch <- in
	return nil
}

func (p *profile) expect(dev dbus.ObjectPath) chan incoming {
	ch := make(chan incoming, 1)
	p.mu.Lock()
	p.waiters[dev] = ch
	p.mu.Unlock()
	return ch
}

// forget drops the waiter for dev and closes an FD that raced in after the
// dialer gave up.
func (p *profile) forget(dev dbus.ObjectPath, ch chan incoming) {
	p.mu.Lock()
	if p.waiters[dev] == ch {
		delete(p.waiters, dev)
	}
	p.mu.Unlock()
	select {
	case in := <-ch:
		closeFD(in.fd)
	default:
	}
}

// errorName returns the D-Bus error name carried by err, if any.
func errorName(err error) string {
	var pe *dbus.Error
	if errors.As(err, &pe) && pe != nil {
		return pe.Name
	}
	var ve dbus.Error
	if errors.As(err, &ve) {
		return ve.Name
	}
	return ""
}

func closeFD(fd int) {
	_ = os.NewFile(uintptr(fd), "rfcomm").Close()
}

// fdChannel wraps a socket FD. The FD is switched to non-blocking mode so
// the runtime poller owns it and Close unblocks a pending Read.
func fdChannel(fd int) (transport.Channel, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		closeFD(fd)
		return nil, fmt.Errorf("bluez: set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), "rfcomm"), nil
}

// Listen registers a server profile for service.
func (t *Transport) Listen(service transport.ServiceID) (transport.Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureBusLocked(); err != nil {
		return nil, err
	}

	p := newServerProfile()
	path := nextPath("server")
	if err := t.bus.Export(p, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("bluez: export server profile: %w", err)
	}

	name := t.opts.ServiceName
	if name == "" {
		name = "babelfish"
	}
	optsMap := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(name),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel":               dbus.MakeVariant(t.opts.channel()),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	pm := t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, service.String(), optsMap); call.Err != nil {
		_ = t.bus.Export(nil, path, profileInterfaceName)
		if errorName(call.Err) == errAlreadyExists {
			return nil, fmt.Errorf("bluez: RegisterProfile(server): %w", transport.ErrAddressInUse)
		}
		return nil, fmt.Errorf("bluez: RegisterProfile(server): %w", call.Err)
	}
	t.log.Debug("server profile registered", "path", string(path), "service", service.String(), "channel", t.opts.channel())

	bus := t.bus
	ep := &endpoint{
		t:    t,
		bus:  bus,
		p:    p,
		done: make(chan struct{}),
		release: func() {
			_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
			// Unexport the object path (best-effort).
			_ = bus.Export(nil, path, profileInterfaceName)
		},
	}
	t.endpoints[ep] = struct{}{}
	return ep, nil
}

type endpoint struct {
	t       *Transport
	bus     *dbus.Conn
	p       *profile
	release func()
	done    chan struct{}
	once    sync.Once
}

func (e *endpoint) Accept() (transport.Channel, transport.Peer, error) {
	select {
	case <-e.done:
		return nil, transport.Peer{}, transport.ErrClosed
	case in := <-e.p.queue:
		ch, err := fdChannel(in.fd)
		if err != nil {
			return nil, transport.Peer{}, err
		}
		return ch, peerFromBus(e.bus, in.dev), nil
	}
}

// Close unregisters the server profile. Queued, unaccepted FDs are closed.
func (e *endpoint) Close() error {
	e.once.Do(func() {
		close(e.done)
		e.t.mu.Lock()
		delete(e.t.endpoints, e)
		e.t.mu.Unlock()
		e.release()
		for {
			select {
			case in := <-e.p.queue:
				closeFD(in.fd)
			default:
				return
			}
		}
	})
	return nil
}

// clientProfileLocked registers the client profile for service on first use.
func (t *Transport) clientProfileLocked(service transport.ServiceID) (*profile, error) {
	if p, ok := t.clients[service]; ok {
		return p, nil
	}
	p := newClientProfile()
	path := nextPath("client")
	if err := t.bus.Export(p, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("bluez: export client profile: %w", err)
	}
	pm := t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	optsMap := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, service.String(), optsMap); call.Err != nil {
		_ = t.bus.Export(nil, path, profileInterfaceName)
		return nil, fmt.Errorf("bluez: RegisterProfile(client): %w", call.Err)
	}
	bus := t.bus
	t.cleanup = append(t.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileInterfaceName)
	})
	t.clients[service] = p
	return p, nil
}

// Dial connects the service profile on the peer and waits for the FD.
func (t *Transport) Dial(ctx context.Context, peer transport.Peer, service transport.ServiceID) (transport.Channel, error) {
	if peer.Address == "" {
		return nil, errors.New("bluez: peer address required")
	}
	t.mu.Lock()
	if err := t.ensureBusLocked(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	p, err := t.clientProfileLocked(service)
	bus := t.bus
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	devPath, err := findDevice(bus, peer.Address)
	if err != nil {
		return nil, err
	}
	waiter := p.expect(devPath)
	defer p.forget(devPath, waiter)

	// Ensure paired; if not, attempt Pair() via the agent.
	devObj := bus.Object(bluezService, devPath)
	var paired dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&paired); err == nil {
			if b, ok := paired.Value().(bool); ok && !b {
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					return nil, fmt.Errorf("bluez: Pair: %w", err)
				}
			}
		}
	}

	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, service.String()); call.Err != nil {
		if ctx.Err() != nil {
			t.abortProfile(devObj, service)
			return nil, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("bluez: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		t.abortProfile(devObj, service)
		return nil, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
	case in := <-waiter:
		return fdChannel(in.fd)
	}
}

// abortProfile tears down a half-open profile connection (best-effort).
func (t *Transport) abortProfile(dev dbus.BusObject, service transport.ServiceID) {
	if err := dev.Call(deviceIface+".DisconnectProfile", 0, service.String()).Err; err != nil {
		t.log.Debug("DisconnectProfile after cancel", "error", err)
	}
}

// Close releases profiles, signal subscriptions and the bus. It is safe
// for concurrent and redundant calls.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cleanup := t.cleanup
	t.cleanup = nil
	endpoints := make([]*endpoint, 0, len(t.endpoints))
	for ep := range t.endpoints {
		endpoints = append(endpoints, ep)
	}
	t.mu.Unlock()

	// Endpoints go first; they need the bus that cleanup closes last.
	for _, ep := range endpoints {
		_ = ep.Close()
	}
	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}
