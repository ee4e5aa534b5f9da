package connmgr

import "sync"

// Dispatcher runs observer callbacks on the execution context the host
// requires, typically its UI thread.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(fn func())

func (f DispatcherFunc) Dispatch(fn func()) { f(fn) }

// Inline runs callbacks synchronously on the goroutine that detected the event.
var Inline Dispatcher = DispatcherFunc(func(fn func()) { fn() })

// SerialDispatcher runs callbacks one at a time, in submission order, on a
// dedicated goroutine. Dispatch never blocks, so a callback may dispatch
// further work without deadlocking.
type SerialDispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	stopped chan struct{}
}

// NewSerialDispatcher starts the executor goroutine.
func NewSerialDispatcher() *SerialDispatcher {
	d := &SerialDispatcher{stopped: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *SerialDispatcher) Dispatch(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

// Close drains queued callbacks, then stops the goroutine. Callbacks
// dispatched after Close are dropped. Close must not be called from a
// dispatched callback.
func (d *SerialDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.cond.Signal()
	}
	d.mu.Unlock()
	<-d.stopped
}

func (d *SerialDispatcher) run() {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}
