// Package transport defines the collaborator contracts the connection
// manager is built on: a duplex channel over a short-range link, addressed
// by peer and service id, plus the discovery feeds that populate the
// device list.
//
// Implementations live in sibling packages (bluez, wslink). The in-memory
// Memory transport and StaticDiscovery in this package exist so the
// manager can be exercised without radio hardware.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ServiceID is the rendezvous value both ends advertise and look up.
type ServiceID = uuid.UUID

// ParseServiceID parses the canonical textual form of a service id.
func ParseServiceID(s string) (ServiceID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ServiceID{}, fmt.Errorf("transport: parse service id %q: %w", s, err)
	}
	return id, nil
}

var (
	// ErrUnavailable is returned when no transport hardware or capability is present.
	ErrUnavailable = errors.New("transport: unavailable")
	// ErrClosed is returned by Accept after the endpoint was closed.
	ErrClosed = errors.New("transport: closed")
	// ErrAddressInUse is returned by Listen when the service is already bound.
	ErrAddressInUse = errors.New("transport: service already bound")
	// ErrNoRoute is returned by Dial when nothing listens at the peer.
	ErrNoRoute = errors.New("transport: no route to peer")
)

// Peer identifies a remote device.
//
// Address is the opaque transport address and the only field taking part
// in equality. Name may be empty.
type Peer struct {
	Address string
	Name    string
	Bonded  bool
}

// Same reports whether p and o denote the same device.
func (p Peer) Same(o Peer) bool { return p.Address == o.Address }

// String returns the name when known, otherwise the address.
func (p Peer) String() string {
	if p.Name == "" {
		return p.Address
	}
	return p.Name + " (" + p.Address + ")"
}

// Channel is an established duplex byte channel.
// Close must unblock a Read or Write parked in another goroutine.
type Channel interface {
	io.ReadWriteCloser
}

// Endpoint is a bound, listening service.
type Endpoint interface {
	// Accept blocks until a peer connects. After Close it returns an error
	// wrapping ErrClosed.
	Accept() (Channel, Peer, error)
	// Close stops listening and unblocks Accept. Redundant calls are allowed.
	Close() error
}

// Transport opens channels to peers.
type Transport interface {
	// Listen binds a server endpoint advertising service.
	Listen(service ServiceID) (Endpoint, error)
	// Dial blocks until a channel to peer is established, the attempt fails,
	// or ctx is canceled. On cancellation any half-open channel is closed.
	Dial(ctx context.Context, peer Peer, service ServiceID) (Channel, error)
}

// Discovery is the pair of feeds that fill the device list.
type Discovery interface {
	// Bonded returns the already paired peers; no live scan is needed.
	Bonded(ctx context.Context) ([]Peer, error)
	// Scan starts a live scan. Found peers arrive on the returned channel,
	// which is closed once ctx is done or the scan ends on its own.
	Scan(ctx context.Context) (<-chan Peer, error)
}

// PowerSource is implemented by transports that can report adapter state.
type PowerSource interface {
	// PowerEvents delivers true when the adapter turns on and false when it
	// turns off. The channel is closed once ctx is done.
	PowerEvents(ctx context.Context) (<-chan bool, error)
}
