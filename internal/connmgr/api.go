// Package connmgr pairs two handsets over a short-range duplex link.
//
// A Manager owns at most one listener loop advertising the service id, at
// most one outbound connect attempt, and the set of live links. Outbound
// writes fan out to every link; inbound reads from any link fan in to one
// Observer. Scan results for the device list are collected by a
// DeviceRegistry.
//
// Thread-safety: all Manager methods are safe for concurrent use. Observer
// callbacks are never invoked while internal locks are held, so an
// observer may call back into the Manager (e.g. Disconnect from a UI
// handler).
package connmgr

import (
	"errors"

	"github.com/google/uuid"

	"babelfish/internal/transport"
)

const (
	// DefaultServiceName is the human-readable record name advertised with the service.
	DefaultServiceName = "tuwien.Babelfish"

	// DefaultReadBufferSize is the per-read buffer used by link read loops.
	DefaultReadBufferSize = 1024
)

// DefaultService is the service id both handsets advertise and look up.
var DefaultService = uuid.MustParse("df7006b6-af10-4ada-8a9c-4723c2a0511d")

var (
	// ErrNotConnected is returned by Write when no link is live.
	ErrNotConnected = errors.New("connmgr: not connected")
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("connmgr: closed")
)

// ErrorReason classifies connectivity errors reported to the Observer.
type ErrorReason int

const (
	// BindFailure means the listener could not advertise the service.
	BindFailure ErrorReason = iota + 1
	// ConnectFailure means an outbound attempt was rejected or failed.
	ConnectFailure
	// LinkBroken means an established channel failed on read or write.
	LinkBroken
	// TransportUnavailable means no transport hardware is present or it was switched off.
	TransportUnavailable
)

func (r ErrorReason) String() string {
	switch r {
	case BindFailure:
		return "bind failure"
	case ConnectFailure:
		return "connect failure"
	case LinkBroken:
		return "link broken"
	case TransportUnavailable:
		return "transport unavailable"
	default:
		return "unknown"
	}
}

// classify maps a transport error onto a reason, preferring
// TransportUnavailable when the transport says so.
func classify(err error, fallback ErrorReason) ErrorReason {
	if errors.Is(err, transport.ErrUnavailable) {
		return TransportUnavailable
	}
	return fallback
}

// Observer receives connectivity, data and discovery events.
type Observer interface {
	OnConnectivityChanged(connected bool)
	OnDataReceived(text string)
	OnConnectionError(reason ErrorReason)
	OnPeerDiscovered(peer transport.Peer)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	Connectivity func(connected bool)
	Data         func(text string)
	Error        func(reason ErrorReason)
	Discovered   func(peer transport.Peer)
}

func (o ObserverFuncs) OnConnectivityChanged(connected bool) {
	if o.Connectivity != nil {
		o.Connectivity(connected)
	}
}

func (o ObserverFuncs) OnDataReceived(text string) {
	if o.Data != nil {
		o.Data(text)
	}
}

func (o ObserverFuncs) OnConnectionError(reason ErrorReason) {
	if o.Error != nil {
		o.Error(reason)
	}
}

func (o ObserverFuncs) OnPeerDiscovered(peer transport.Peer) {
	if o.Discovered != nil {
		o.Discovered(peer)
	}
}
