// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package aio

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrCanceled is the result of an operation canceled before it started.
var ErrCanceled = errors.New("operation canceled")

// CompletionFunc receives the result of an asynchronous operation. It is
// always invoked on the Loop.
type CompletionFunc func(err error)

// Op is a handle of one in-flight asynchronous operation.
type Op struct {
	pool     *Pool
	cb       CompletionFunc
	released atomic.Bool

	// Opaque carries state private to whoever allocated the operation.
	Opaque interface{}
}

// Cancel asks the owner of the operation to cancel it. Canceling an operation
// which was already released does nothing.
func (op *Op) Cancel() {
	if op.released.Load() {
		return
	}

	op.pool.cancel(op)
}

// Complete invokes the completion callback of the operation.
func (op *Op) Complete(err error) {
	if op.cb != nil {
		op.cb(err)
	}
}

// Released reports whether the operation went back to its pool.
func (op *Op) Released() bool {
	return op.released.Load()
}

// Pool hands out operations of one kind and calls cancel when a holder
// cancels one of them. Every operation must be released exactly once, the
// pool panics on a second release since it means two parties believed they
// owned the same operation.
type Pool struct {
	name   string
	cancel func(op *Op)

	outstanding atomic.Int64
	allocations atomic.Int64
	releases    atomic.Int64
}

func NewPool(name string, cancel func(op *Op)) *Pool {
	return &Pool{
		name:   name,
		cancel: cancel,
	}
}

// Get allocates new operation which will report its result to cb.
func (p *Pool) Get(cb CompletionFunc) *Op {
	p.allocations.Add(1)
	p.outstanding.Add(1)

	return &Op{pool: p, cb: cb}
}

// Release returns op to the pool.
func (p *Pool) Release(op *Op) {
	if op.pool != p {
		panic(fmt.Sprintf("aio: releasing foreign op into %s pool", p.name))
	}

	if !op.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("aio: %s op released twice", p.name))
	}

	p.outstanding.Add(-1)
	p.releases.Add(1)
}

// Outstanding returns number of allocated but not yet released operations.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Allocations returns number of operations allocated so far.
func (p *Pool) Allocations() int64 {
	return p.allocations.Load()
}

// Releases returns number of operations released so far.
func (p *Pool) Releases() int64 {
	return p.releases.Load()
}
