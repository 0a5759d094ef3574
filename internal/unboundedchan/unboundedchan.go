// Package unboundedchan provides a queue fed and drained through channels, so a slow
// reader never blocks the writers.
package unboundedchan

import "sync/atomic"

// UnboundedChannel represents an unbounded queue, but data are entered and removed via channels.
// Beware! You almost certainly want T to be a small type; use pointers for large objects.
type UnboundedChannel[T any] struct {
	in     chan T
	out    chan T
	queued atomic.Int64
}

// NewUnboundedChannel creates and initializes an UnboundedChannel
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) run() {
	var queue []T
	in := uc.in
	for in != nil || len(queue) > 0 {
		if len(queue) == 0 {
			val, ok := <-in
			if !ok {
				break
			}
			queue = append(queue, val)
			continue
		}
		select {
		case uc.out <- queue[0]:
			var zero T
			queue[0] = zero
			queue = queue[1:]
			uc.queued.Add(-1)
		case val, ok := <-in:
			if !ok {
				// Keep delivering what is queued, then close the output.
				in = nil
				continue
			}
			queue = append(queue, val)
		}
	}
	close(uc.out)
}

// In returns the input channel for sending data. Close it when done sending.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Send queues val; it never blocks for long.
func (uc *UnboundedChannel[T]) Send(val T) {
	uc.queued.Add(1)
	uc.in <- val
}

// Close ends input; Out is closed once every queued value has been received.
func (uc *UnboundedChannel[T]) Close() {
	close(uc.in)
}

// Out returns the output channel for receiving data
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

// Len is the number of values sent with Send and not yet received.
func (uc *UnboundedChannel[T]) Len() int {
	return int(uc.queued.Load())
}
