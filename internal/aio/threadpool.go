// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package aio

import (
	"runtime"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
)

const (
	workQueued int32 = iota
	workRunning
	workDone
)

type work struct {
	state atomic.Int32
	fn    func() error
}

// ThreadPool runs blocking functions on a bounded set of go routines and
// delivers their results as completions on the Loop. A queued function can be
// canceled and then completes with ErrCanceled. A running one cannot, its
// completion is delivered when it returns.
type ThreadPool struct {
	loop    *Loop
	workers *ants.Pool
	ops     *Pool
}

// Returns new pool with size workers. Zero size means one worker per CPU.
func NewThreadPool(loop *Loop, size int) (*ThreadPool, error) {
	if size <= 0 {
		size = runtime.NumCPU()
	}

	workers, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, errors.Wrap(err, "create worker pool")
	}

	t := &ThreadPool{
		loop:    loop,
		workers: workers,
	}
	t.ops = NewPool("thread-pool", t.cancel)

	return t, nil
}

// Submit schedules fn and returns handle of the operation. cb is invoked on
// the loop exactly once.
func (t *ThreadPool) Submit(fn func() error, cb CompletionFunc) *Op {
	op := t.ops.Get(cb)
	w := &work{fn: fn}
	op.Opaque = w

	task := func() {
		if !w.state.CompareAndSwap(workQueued, workRunning) {
			return
		}

		err := w.fn()
		w.state.Store(workDone)
		t.complete(op, err)
	}

	err := t.workers.Submit(task)
	if errors.Is(err, ants.ErrPoolOverload) {
		// Never block the caller, it is usually the loop.
		go task()
	} else if err != nil {
		if w.state.CompareAndSwap(workQueued, workDone) {
			t.complete(op, errors.Wrap(err, "submit work"))
		}
	}

	return op
}

// Ops returns the pool the thread pool allocates its operations from.
func (t *ThreadPool) Ops() *Pool {
	return t.ops
}

// Release stops all workers. Work submitted afterwards fails.
func (t *ThreadPool) Release() {
	t.workers.Release()
}

func (t *ThreadPool) complete(op *Op, err error) {
	t.loop.Post(func() {
		op.Complete(err)
		t.ops.Release(op)
	})
}

func (t *ThreadPool) cancel(op *Op) {
	w := op.Opaque.(*work)
	if w.state.CompareAndSwap(workQueued, workDone) {
		t.complete(op, ErrCanceled)
	}
}
