package connmgr

import (
	"context"
	"sync"
	"sync/atomic"

	"babelfish/internal/transport"
)

// connectorTask is a one-shot outbound attempt to a single peer.
type connectorTask struct {
	m       *Manager
	peer    transport.Peer
	service transport.ServiceID

	ctx      context.Context
	stop     context.CancelFunc
	canceled atomic.Bool
	once     sync.Once
}

func newConnectorTask(m *Manager, peer transport.Peer, service transport.ServiceID) *connectorTask {
	ctx, stop := context.WithCancel(context.Background())
	return &connectorTask{
		m:       m,
		peer:    peer,
		service: service,
		ctx:     ctx,
		stop:    stop,
	}
}

func (c *connectorTask) run() {
	defer c.stop()

	// Scanning slows connection setup down considerably.
	c.m.registry.CancelScan()

	ch, err := c.m.tr.Dial(c.ctx, c.peer, c.service)
	if err != nil {
		if ch != nil {
			_ = ch.Close()
		}
		c.finish(func() { c.m.connectFailed(c, err) })
		return
	}
	if !c.finish(func() { c.m.dialSucceeded(c, ch) }) {
		_ = ch.Close()
	}
}

// finish runs fn at most once, and never after cancel. It reports whether
// fn ran.
func (c *connectorTask) finish(fn func()) bool {
	ran := false
	c.once.Do(func() {
		if c.canceled.Load() {
			return
		}
		ran = true
		fn()
	})
	return ran
}

// cancel aborts a pending dial. A canceled task never calls back.
func (c *connectorTask) cancel() {
	c.canceled.Store(true)
	c.stop()
}
