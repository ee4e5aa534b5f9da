package connmgr

import (
	"context"
	"fmt"
	"sync"

	"babelfish/internal/transport"
)

// DeviceRegistry accumulates the peers found during a scan, in discovery
// order, deduplicated by address. Bonded peers come first.
type DeviceRegistry struct {
	onAdd func(transport.Peer)

	mu       sync.Mutex
	peers    []transport.Peer
	index    map[string]struct{}
	gen      uint64
	scanning bool
	cancel   context.CancelFunc
}

// NewDeviceRegistry returns an empty registry. onAdd, if non-nil, is called
// for every newly added peer, outside the registry lock.
func NewDeviceRegistry(onAdd func(transport.Peer)) *DeviceRegistry {
	return &DeviceRegistry{onAdd: onAdd, index: make(map[string]struct{})}
}

// BeginScan clears the registry, cancels any previous scan, adds the bonded
// peers of src and then consumes its live scan events until ctx is done or
// CancelScan is called.
func (r *DeviceRegistry) BeginScan(ctx context.Context, src transport.Discovery) error {
	scanCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.gen++
	gen := r.gen
	r.peers = nil
	r.index = make(map[string]struct{})
	r.scanning = true
	r.cancel = cancel
	r.mu.Unlock()

	bonded, err := src.Bonded(scanCtx)
	if err != nil {
		r.stop(gen)
		return fmt.Errorf("connmgr: list bonded peers: %w", err)
	}
	for _, p := range bonded {
		r.add(gen, p)
	}

	found, err := src.Scan(scanCtx)
	if err != nil {
		r.stop(gen)
		return fmt.Errorf("connmgr: start scan: %w", err)
	}
	go func() {
		for p := range found {
			r.add(gen, p)
		}
		r.stop(gen)
	}()
	return nil
}

// CancelScan stops consuming scan events. Peers found so far are kept.
func (r *DeviceRegistry) CancelScan() {
	r.mu.Lock()
	r.stopLocked()
	r.mu.Unlock()
}

// Scanning reports whether a scan is being consumed.
func (r *DeviceRegistry) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

// Peers returns a copy of the discovered peers in discovery order.
func (r *DeviceRegistry) Peers() []transport.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.Peer, len(r.peers))
	copy(out, r.peers)
	return out
}

func (r *DeviceRegistry) add(gen uint64, p transport.Peer) {
	r.mu.Lock()
	if gen != r.gen || !r.scanning {
		r.mu.Unlock()
		return
	}
	if _, dup := r.index[p.Address]; dup {
		r.mu.Unlock()
		return
	}
	r.index[p.Address] = struct{}{}
	r.peers = append(r.peers, p)
	r.mu.Unlock()

	if r.onAdd != nil {
		r.onAdd(p)
	}
}

func (r *DeviceRegistry) stop(gen uint64) {
	r.mu.Lock()
	if gen == r.gen {
		r.stopLocked()
	}
	r.mu.Unlock()
}

func (r *DeviceRegistry) stopLocked() {
	r.scanning = false
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}
