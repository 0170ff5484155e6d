// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package aio is the asynchronous execution model of the block layer. All
// completion callbacks, cancellations and bookkeeping of in-flight requests
// run on one Loop goroutine, so the state they touch needs no locks. Drivers
// doing blocking I/O run it on a ThreadPool and post the completion back to
// the Loop. Operations are handed out by a Pool which knows how to cancel
// them and which accounts every release.
package aio

import (
	"sync"
)

// Loop serializes callbacks the same way the extent map proxy serializes map
// requests: one go routine executes everything, in submission order. Unlike a
// channel, the queue is unbounded, hence a callback running on the loop can
// post further callbacks without blocking itself.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	// Buffered with capacity one. A pending token means the worker has
	// something to look at.
	wake chan struct{}

	done chan struct{}
}

// Returns running loop. It has to be stopped by Stop() when not needed.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go l.worker()

	return l
}

// Post enqueues f to be run on the loop go routine. It never blocks and it is
// safe to call it from any go routine, including the loop itself.
func (l *Loop) Post(f func()) {
	l.mu.Lock()
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	l.kick()
}

// Call runs f on the loop and waits until it returns. Calling it from the
// loop go routine deadlocks.
func (l *Loop) Call(f func()) {
	done := make(chan struct{})
	l.Post(func() {
		f()
		close(done)
	})
	<-done
}

// Stop lets the loop run everything already posted and then terminates the
// worker. It waits for the worker to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	l.kick()
	<-l.done
}

func (l *Loop) kick() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) worker() {
	defer close(l.done)

	for {
		l.mu.Lock()
		calls := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, f := range calls {
			f()
		}

		if len(calls) > 0 {
			continue
		}

		if stopped {
			return
		}

		<-l.wake
	}
}
