package connmgr

import (
	"sync"

	"babelfish/internal/transport"
)

// ListenerState is the state of the accept loop.
type ListenerState int32

const (
	ListenerIdle ListenerState = iota
	ListenerListening
	ListenerAccepting
	ListenerFailed
)

func (s ListenerState) String() string {
	switch s {
	case ListenerIdle:
		return "idle"
	case ListenerListening:
		return "listening"
	case ListenerAccepting:
		return "accepting"
	case ListenerFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// listenerLoop advertises the service and hands every accepted channel to
// the manager. It keeps accepting after a connection so a peer can
// reconnect without a new Start.
type listenerLoop struct {
	m *Manager

	mu       sync.Mutex
	st       ListenerState
	ep       transport.Endpoint
	canceled bool
}

func newListenerLoop(m *Manager) *listenerLoop {
	return &listenerLoop{m: m}
}

func (l *listenerLoop) state() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st
}

func (l *listenerLoop) setState(s ListenerState) {
	l.mu.Lock()
	l.st = s
	l.mu.Unlock()
}

// start binds the endpoint and, on success, launches the accept loop.
// Bind errors are reported once; there is no retry.
func (l *listenerLoop) start() {
	ep, err := l.m.tr.Listen(l.m.service)
	if err != nil {
		l.setState(ListenerFailed)
		l.m.listenerFailed(l, classify(err, BindFailure), err)
		return
	}

	l.mu.Lock()
	if l.canceled {
		l.mu.Unlock()
		_ = ep.Close()
		return
	}
	l.ep = ep
	l.st = ListenerListening
	l.mu.Unlock()

	l.m.log.Debug("listener bound", "service", l.m.service.String())
	go l.run(ep)
}

func (l *listenerLoop) run(ep transport.Endpoint) {
	for {
		l.setState(ListenerListening)
		ch, peer, err := ep.Accept()
		if err != nil {
			if l.isCanceled() {
				l.setState(ListenerIdle)
				return
			}
			l.setState(ListenerFailed)
			_ = ep.Close()
			l.m.listenerFailed(l, classify(err, BindFailure), err)
			return
		}
		l.setState(ListenerAccepting)
		l.m.accepted(l, ch, peer)
	}
}

func (l *listenerLoop) isCanceled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canceled
}

// cancel marks the loop canceled before closing the endpoint, so the
// accept error that follows is recognized as expected.
func (l *listenerLoop) cancel() {
	l.mu.Lock()
	if l.canceled {
		l.mu.Unlock()
		return
	}
	l.canceled = true
	ep := l.ep
	if l.st != ListenerFailed {
		l.st = ListenerIdle
	}
	l.mu.Unlock()
	if ep != nil {
		_ = ep.Close()
	}
}
