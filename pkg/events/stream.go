// Package events provides typed event streams with at most one active listener.
//
// Attaching a new listener replaces (and detaches) the previous one. Listeners
// only observe events emitted after they were attached.
package events

import (
	"sync"

	"github.com/fako1024/skalekit/pkg/scale"
)

// Stream denotes a typed event stream with a single active listener
type Stream[T any] struct {
	name string

	mu     sync.Mutex
	active *Subscription[T]
	closed bool

	logger scale.Logger
}

// NewStream instantiates a new stream
func NewStream[T any](name string, logger scale.Logger) *Stream[T] {
	if logger == nil {
		logger = &scale.NullLogger{}
	}

	return &Stream[T]{
		name:   name,
		logger: logger,
	}
}

// Name returns the name of the stream
func (s *Stream[T]) Name() string {
	return s.name
}

// Subscribe attaches a handler function, replacing any previous listener. On a
// closed stream the returned subscription is already done
func (s *Stream[T]) Subscribe(fn func(T)) *Subscription[T] {
	sub := &Subscription[T]{
		stream: s,
		fn:     fn,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.finish()
		return sub
	}
	prev := s.active
	s.active = sub
	s.mu.Unlock()

	if prev != nil {
		s.logger.Debugf("replacing listener on stream `%s`", s.name)
		prev.finish()
	}

	return sub
}

// Chan attaches a buffered channel as listener. Events are dropped if the
// channel is full. The channel is closed once the subscription ends
func (s *Stream[T]) Chan(buffer int) (<-chan T, *Subscription[T]) {
	sink := &chanSink[T]{
		ch: make(chan T, buffer),
	}

	sub := s.Subscribe(sink.send)

	// The subscription might have ended before the finish hook was set
	sub.mu.Lock()
	if sub.finished {
		sub.mu.Unlock()
		sink.close()
		return sink.ch, sub
	}
	sub.onFinish = sink.close
	sub.mu.Unlock()

	return sink.ch, sub
}

// Emit delivers an event to the active listener (if any) and reports if it
// was delivered
func (s *Stream[T]) Emit(v T) bool {
	s.mu.Lock()
	sub := s.active
	s.mu.Unlock()

	if sub == nil {
		return false
	}

	return sub.deliver(v)
}

// HasListener returns if a listener is currently attached
func (s *Stream[T]) HasListener() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active != nil
}

// Close detaches the active listener and refuses any further subscription
func (s *Stream[T]) Close() {
	s.mu.Lock()
	prev := s.active
	s.active = nil
	s.closed = true
	s.mu.Unlock()

	if prev != nil {
		prev.finish()
	}
}

func (s *Stream[T]) detach(sub *Subscription[T]) {
	s.mu.Lock()
	if s.active == sub {
		s.active = nil
	}
	s.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////////////

// Subscription denotes the handle of an attached listener
type Subscription[T any] struct {
	stream *Stream[T]
	fn     func(T)

	mu       sync.Mutex
	finished bool
	onFinish func()
	done     chan struct{}
}

// Cancel detaches the listener. It is safe to call Cancel multiple times
func (sub *Subscription[T]) Cancel() {
	sub.stream.detach(sub)
	sub.finish()
}

// Done returns a channel that is closed once the listener was detached, either
// by Cancel, by a replacing subscription or by closing the stream
func (sub *Subscription[T]) Done() <-chan struct{} {
	return sub.done
}

func (sub *Subscription[T]) deliver(v T) (delivered bool) {
	sub.mu.Lock()
	finished := sub.finished
	sub.mu.Unlock()

	if finished {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			sub.stream.logger.Errorf("listener on stream `%s` panicked: %v", sub.stream.name, r)
			delivered = false
		}
	}()

	sub.fn(v)
	return true
}

func (sub *Subscription[T]) finish() {
	sub.mu.Lock()
	if sub.finished {
		sub.mu.Unlock()
		return
	}
	sub.finished = true
	hook := sub.onFinish
	close(sub.done)
	sub.mu.Unlock()

	if hook != nil {
		hook()
	}
}

type chanSink[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

func (c *chanSink[T]) send(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.ch <- v:
	default:
	}
}

func (c *chanSink[T]) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}
