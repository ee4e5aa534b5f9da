//go:build !linux

package bluez

import (
	"context"
	"fmt"

	"babelfish/internal/transport"
)

var errPlatform = fmt.Errorf("bluez: linux only: %w", transport.ErrUnavailable)

// Transport is unavailable outside Linux.
type Transport struct{}

// New returns a transport whose operations all fail with transport.ErrUnavailable.
func New(opts Options) *Transport { return &Transport{} }

func (t *Transport) Listen(service transport.ServiceID) (transport.Endpoint, error) {
	return nil, errPlatform
}

func (t *Transport) Dial(ctx context.Context, peer transport.Peer, service transport.ServiceID) (transport.Channel, error) {
	return nil, errPlatform
}

func (t *Transport) PowerEvents(ctx context.Context) (<-chan bool, error) {
	return nil, errPlatform
}

func (t *Transport) Close() error { return nil }

// Discovery is unavailable outside Linux.
type Discovery struct{}

func (t *Transport) Discovery() *Discovery { return &Discovery{} }

func (d *Discovery) Bonded(ctx context.Context) ([]transport.Peer, error) {
	return nil, errPlatform
}

func (d *Discovery) Scan(ctx context.Context) (<-chan transport.Peer, error) {
	return nil, errPlatform
}
