//go:build linux

package bluez

import (
	"context"
	"fmt"
	"sort"
	"strings"

	dbus "github.com/godbus/dbus/v5"

	"babelfish/internal/transport"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func getManagedObjects(bus *dbus.Conn) (managedObjects, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs managedObjects
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w: %w", transport.ErrUnavailable, call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func listAdapters(objs managedObjects) []dbus.ObjectPath {
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func peerFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) transport.Peer {
	var p transport.Peer
	if v, ok := props["Address"]; ok {
		p.Address, _ = v.Value().(string)
	}
	if p.Address == "" {
		p.Address = macFromPath(string(path))
	}
	p.Address = normalizeMAC(p.Address)
	if v, ok := props["Alias"]; ok {
		p.Name, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok && p.Name == "" {
		p.Name, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		p.Bonded, _ = v.Value().(bool)
	}
	return p
}

// peerFromBus resolves the identity of an accepted connection. Lookup
// failures leave only the address from the object path.
func peerFromBus(bus *dbus.Conn, dev dbus.ObjectPath) transport.Peer {
	var props map[string]dbus.Variant
	call := bus.Object(bluezService, dev).Call(propsIface+".GetAll", 0, deviceIface)
	if call.Err != nil || call.Store(&props) != nil {
		return transport.Peer{Address: macFromPath(string(dev))}
	}
	return peerFromProps(dev, props)
}

// findDevice returns the object path of the device with address mac. When
// BlueZ does not know the device yet, the path is derived from the first
// adapter.
func findDevice(bus *dbus.Conn, mac string) (dbus.ObjectPath, error) {
	objs, err := getManagedObjects(bus)
	if err != nil {
		return "", err
	}
	want := normalizeMAC(mac)
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if peerFromProps(path, props).Address == want {
			return path, nil
		}
	}
	adapters := listAdapters(objs)
	if len(adapters) == 0 {
		return "", fmt.Errorf("bluez: no adapter: %w", transport.ErrUnavailable)
	}
	return dbus.ObjectPath(devicePath(string(adapters[0]), want)), nil
}

// Discovery reports bonded devices and live inquiry results.
type Discovery struct {
	t *Transport
}

var _ transport.Discovery = (*Discovery)(nil)

// Discovery returns the discovery source backed by this transport's bus.
func (t *Transport) Discovery() *Discovery { return &Discovery{t: t} }

// Bonded lists the paired devices known to BlueZ, ordered by address.
func (d *Discovery) Bonded(ctx context.Context) ([]transport.Peer, error) {
	bus, err := d.t.systemBus()
	if err != nil {
		return nil, err
	}
	objs, err := getManagedObjects(bus)
	if err != nil {
		return nil, err
	}
	var out []transport.Peer
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if p := peerFromProps(path, props); p.Bonded {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// Scan starts discovery on every adapter and reports devices as BlueZ
// publishes them. Discovery is stopped when ctx is done.
func (d *Discovery) Scan(ctx context.Context) (<-chan transport.Peer, error) {
	bus, err := d.t.systemBus()
	if err != nil {
		return nil, err
	}
	objs, err := getManagedObjects(bus)
	if err != nil {
		return nil, err
	}
	adapters := listAdapters(objs)
	if len(adapters) == 0 {
		return nil, fmt.Errorf("bluez: no adapter: %w", transport.ErrUnavailable)
	}

	// Subscribe before starting discovery so no InterfacesAdded is missed.
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)

	// Start discovery on all adapters (best-effort).
	for _, ap := range adapters {
		if err := bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
			d.t.log.Debug("StartDiscovery", "adapter", string(ap), "error", err)
		}
	}

	out := make(chan transport.Peer, 16)
	go func() {
		defer close(out)
		defer func() {
			for _, ap := range adapters {
				_ = bus.Object(bluezService, ap).Call(adapterIface+".StopDiscovery", 0).Err
			}
			bus.RemoveSignal(sigCh)
			_ = bus.RemoveMatchSignal(match...)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig == nil || sig.Name != objManagerIface+".InterfacesAdded" || len(sig.Body) < 2 {
					continue
				}
				path, _ := sig.Body[0].(dbus.ObjectPath)
				ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
				props, ok := ifaces[deviceIface]
				if !ok {
					continue
				}
				select {
				case out <- peerFromProps(path, props):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PowerEvents follows the Powered property of every adapter.
func (t *Transport) PowerEvents(ctx context.Context) (<-chan bool, error) {
	bus, err := t.systemBus()
	if err != nil {
		return nil, err
	}
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, adapterIface),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)

	out := make(chan bool, 1)
	go func() {
		defer close(out)
		defer func() {
			bus.RemoveSignal(sigCh)
			_ = bus.RemoveMatchSignal(match...)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig == nil || sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
					continue
				}
				if iface, _ := sig.Body[0].(string); iface != adapterIface || !strings.HasPrefix(string(sig.Path), "/org/bluez/") {
					continue
				}
				changed, _ := sig.Body[1].(map[string]dbus.Variant)
				v, ok := changed["Powered"]
				if !ok {
					continue
				}
				on, _ := v.Value().(bool)
				select {
				case out <- on:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
