package session

import (
	"sync"
	"sync/atomic"
)

// dispatcher executes posted functions one after another on a single goroutine.
// Posting never blocks, so it is safe to post from within a running function
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	busy    atomic.Bool

	wake chan struct{}
	done chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()

	return d
}

// post enqueues fn and reports if it was accepted
func (d *dispatcher) post(fn func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	d.signal()
	return true
}

// stop refuses further functions, drains the queue and waits for the worker
// goroutine to exit. It must not be called from a posted function
func (d *dispatcher) stop() {
	<-d.shutdown()
}

// shutdown refuses further functions and returns a channel that is closed once
// the queue is drained and the worker goroutine exited
func (d *dispatcher) shutdown() <-chan struct{} {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.signal()
	return d.done
}

// running reports if a posted function is executing right now
func (d *dispatcher) running() bool {
	return d.busy.Load()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			stopped := d.stopped
			d.mu.Unlock()
			if stopped {
				close(d.done)
				return
			}
			<-d.wake
			continue
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.busy.Store(true)
		fn()
		d.busy.Store(false)
	}
}
