// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockdev

import (
	"context"

	"github.com/pkg/errors"

	"github.com/asch/blkmirror/internal/aio"
)

// Size of one copy step of Commit.
const commitChunk = 1 << 20

// ReadAsync reads len(p) bytes at off into p. It has to be called on the loop
// and p must not be touched until cb is invoked.
func (d *Device) ReadAsync(p []byte, off int64, cb aio.CompletionFunc) *aio.Op {
	switch rw := d.Impl().(type) {
	case AsyncReadWriter:
		return rw.ReadAsync(p, off, cb)
	case ReadWriter:
		return d.layer.threads.Submit(func() error { return rw.ReadAt(p, off) }, cb)
	}

	return d.layer.Fail(ErrNotOpen, cb)
}

// WriteAsync writes p at off. It has to be called on the loop.
func (d *Device) WriteAsync(p []byte, off int64, cb aio.CompletionFunc) *aio.Op {
	switch rw := d.Impl().(type) {
	case AsyncReadWriter:
		return rw.WriteAsync(p, off, cb)
	case ReadWriter:
		return d.layer.threads.Submit(func() error { return rw.WriteAt(p, off) }, cb)
	}

	return d.layer.Fail(ErrNotOpen, cb)
}

// DiscardAsync tells the device that n bytes at off are no longer needed. It
// has to be called on the loop.
func (d *Device) DiscardAsync(off, n int64, cb aio.CompletionFunc) *aio.Op {
	switch rw := d.Impl().(type) {
	case AsyncReadWriter:
		return rw.DiscardAsync(off, n, cb)
	case ReadWriter:
		return d.layer.threads.Submit(func() error { return rw.Discard(off, n) }, cb)
	}

	return d.layer.Fail(ErrNotOpen, cb)
}

// Read is the blocking version of ReadAsync. It must not be called on the
// loop. Drivers doing blocking I/O are called directly.
func (d *Device) Read(ctx context.Context, p []byte, off int64) error {
	if rw, ok := d.Impl().(ReadWriter); ok {
		return rw.ReadAt(p, off)
	}

	return d.wait(ctx, func(cb aio.CompletionFunc) *aio.Op {
		return d.ReadAsync(p, off, cb)
	})
}

// Write is the blocking version of WriteAsync.
func (d *Device) Write(ctx context.Context, p []byte, off int64) error {
	if rw, ok := d.Impl().(ReadWriter); ok {
		return rw.WriteAt(p, off)
	}

	return d.wait(ctx, func(cb aio.CompletionFunc) *aio.Op {
		return d.WriteAsync(p, off, cb)
	})
}

// Discard is the blocking version of DiscardAsync.
func (d *Device) Discard(ctx context.Context, off, n int64) error {
	if rw, ok := d.Impl().(ReadWriter); ok {
		return rw.Discard(off, n)
	}

	return d.wait(ctx, func(cb aio.CompletionFunc) *aio.Op {
		return d.DiscardAsync(off, n, cb)
	})
}

// Submits the request on the loop and waits for its completion. When ctx is
// done first, the request is canceled and ctx.Err() returned.
func (d *Device) wait(ctx context.Context, submit func(cb aio.CompletionFunc) *aio.Op) error {
	done := make(chan error, 1)

	var op *aio.Op
	d.layer.loop.Call(func() {
		op = submit(func(err error) {
			done <- err
		})
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		d.layer.loop.Post(func() {
			// Completion and this callback both run on the loop. If
			// the result is already there the op is gone.
			if len(done) == 0 {
				op.Cancel()
			}
		})
		return ctx.Err()
	}
}

// Flush makes written data durable. With NoFlush it succeeds immediately.
func (d *Device) Flush(ctx context.Context) error {
	impl := d.Impl()
	if impl == nil {
		return ErrNotOpen
	}

	if d.Flags()&NoFlush != 0 {
		return nil
	}

	if f, ok := impl.(Flusher); ok {
		return f.Flush(ctx)
	}

	return nil
}

// IsAllocated reports whether the range at off is allocated in the device
// itself. Drivers without allocation tracking report everything allocated.
func (d *Device) IsAllocated(ctx context.Context, off, n int64) (bool, int64, error) {
	impl := d.Impl()
	if impl == nil {
		return false, 0, ErrNotOpen
	}

	if q, ok := impl.(AllocationQuerier); ok {
		return q.IsAllocated(ctx, off, n)
	}

	return true, n, nil
}

// IsAllocatedAbove reports whether the range at off is allocated in top or in
// any device of its backing chain above base. base itself is not consulted.
func IsAllocatedAbove(ctx context.Context, top, base *Device, off, n int64) (bool, int64, error) {
	for d := top; d != nil && d != base; d = d.Backing() {
		allocated, pnum, err := d.IsAllocated(ctx, off, n)
		if err != nil {
			return false, 0, err
		}

		if allocated {
			return true, pnum, nil
		}

		// The unallocated run may be shorter in this layer than the
		// range still in question.
		if pnum < n {
			n = pnum
		}
	}

	return false, n, nil
}

func (d *Device) Length() (int64, error) {
	impl := d.Impl()
	if impl == nil {
		return 0, ErrNotOpen
	}

	return impl.Length()
}

// ChangeBackingFile updates the backing file recorded in the image. The
// backing pointer itself is not touched.
func (d *Device) ChangeBackingFile(file, format string) error {
	impl := d.Impl()
	if impl == nil {
		return ErrNotOpen
	}

	c, ok := impl.(BackingChanger)
	if !ok {
		return ErrNotSupported
	}

	if err := c.ChangeBackingFile(file, format); err != nil {
		return err
	}

	d.SetBackingFile(file, format)

	return nil
}

// Commit copies all data allocated in top into its backing device. Backing
// devices marked by SetKeepReadOnly are refused.
func (l *Layer) Commit(ctx context.Context, top *Device) error {
	base := top.Backing()
	if base == nil {
		return errors.Wrap(ErrNotSupported, "commit without backing device")
	}

	if base.KeepReadOnly() {
		return errors.Wrapf(ErrReadOnly, "commit into %s", base.Filename())
	}

	length, err := top.Length()
	if err != nil {
		return err
	}

	buf := make([]byte, commitChunk)
	for off := int64(0); off < length; {
		n := length - off
		if n > commitChunk {
			n = commitChunk
		}

		allocated, pnum, err := top.IsAllocated(ctx, off, n)
		if err != nil {
			return errors.Wrapf(err, "query allocation at %d", off)
		}

		if allocated {
			if err := top.Read(ctx, buf[:pnum], off); err != nil {
				return errors.Wrapf(err, "read at %d", off)
			}

			if err := base.Write(ctx, buf[:pnum], off); err != nil {
				return errors.Wrapf(err, "write at %d", off)
			}
		}

		off += pnum
	}

	return base.Flush(ctx)
}
