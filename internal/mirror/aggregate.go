// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mirror

import (
	"time"

	"github.com/asch/blkmirror/internal/aio"
	"github.com/asch/blkmirror/internal/blockdev"
	"github.com/asch/blkmirror/internal/metrics"
)

// Number of devices every write and discard goes to.
const fanout = 2

// Request issued to one of the mirrored devices.
type subOp struct {
	parent *mirrorOp
	op     *aio.Op
	done   bool
}

// One guest write or discard duplicated to the source and the target. The
// caller gets the first error reported by either of them once both are done.
// All fields are accessed only on the loop.
type mirrorOp struct {
	m    *Mirror
	op   *aio.Op
	kind string

	pending  int
	err      error
	canceled bool
	subs     [fanout]subOp

	off, end int64
	t        *tracked
	start    time.Time
}

type issueFunc func(d *blockdev.Device, cb aio.CompletionFunc) *aio.Op

// Allocates the aggregate operation and issues the request to the source and
// the target once no copy by the job overlaps the range. A wait for such copy
// delays both requests together, they are still issued before either
// completes.
func (m *Mirror) dispatch(kind string, source *blockdev.Device, off, n int64, issue issueFunc, cb aio.CompletionFunc) *aio.Op {
	mop := &mirrorOp{
		m:       m,
		kind:    kind,
		pending: fanout,
		off:     off,
		end:     off + n,
		start:   time.Now(),
	}
	mop.op = m.ops.Get(cb)
	mop.op.Opaque = mop

	devices := [fanout]*blockdev.Device{source, m.target}

	m.serialize(mop.off, mop.end, false, func(t *tracked) {
		mop.t = t

		if mop.canceled {
			m.finish(t)
			return
		}

		for i := range mop.subs {
			s := &mop.subs[i]
			s.parent = mop

			// The device may complete before returning the handle.
			h := issue(devices[i], s.complete)
			if !s.done {
				s.op = h
			}
		}
	})

	return mop.op
}

func (s *subOp) complete(err error) {
	mop := s.parent

	s.done = true
	s.op = nil

	if err != nil && mop.err == nil {
		mop.err = err
	}

	mop.pending--
	if mop.pending > 0 {
		return
	}

	// Cancel already released the operation and nobody waits for the
	// result.
	if mop.canceled {
		return
	}

	m := mop.m
	m.finish(mop.t)
	metrics.RecordMirrorRequest(mop.kind, mop.err, time.Since(mop.start))

	mop.op.Complete(mop.err)
	m.ops.Release(mop.op)
}

// Cancels both outstanding requests and releases the operation right away.
// Requests completing afterwards are only counted, the callback of the caller
// is never invoked.
func (m *Mirror) cancel(op *aio.Op) {
	mop := op.Opaque.(*mirrorOp)

	mop.canceled = true
	for i := range mop.subs {
		if h := mop.subs[i].op; h != nil {
			h.Cancel()
		}
	}

	m.finish(mop.t)
	mop.t = nil

	metrics.RecordMirrorCancel(mop.kind)
	m.ops.Release(op)
}

// Outstanding returns number of guest writes and discards not yet completed
// nor canceled.
func (m *Mirror) Outstanding() int64 {
	return m.ops.Outstanding()
}
