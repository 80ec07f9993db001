package actor

import (
	"errors"
	"sync"
)

// ErrClosed is returned when work is submitted to a stopped loop
var ErrClosed = errors.New("actor loop closed")

// Loop owns a piece of state on a single goroutine. Every closure passed to
// Do runs on that goroutine, one at a time, in submission order.
//
// A closure must never call Do on the same Loop; that would deadlock.
type Loop struct {
	ops       chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New starts a loop with the given inbox size
func New(buffer int) *Loop {
	if buffer < 0 {
		buffer = 0
	}
	l := &Loop{
		ops:     make(chan func(), buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		select {
		case fn := <-l.ops:
			fn()
		case <-l.done:
			return
		}
	}
}

// Do runs fn on the owner goroutine and waits for it to return
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case l.ops <- wrapped:
	case <-l.done:
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-l.stopped:
		// run has exited: either it executed fn before stopping or never will
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Post queues fn on the owner goroutine without waiting for it to run.
// It blocks only while the inbox is full.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.ops <- fn:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Close stops the loop and waits for the owner goroutine to exit.
// Closures still sitting in the inbox are dropped.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	<-l.stopped
}

// Closed reports whether Close has been called
func (l *Loop) Closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
