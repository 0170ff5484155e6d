// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mirror

import (
	"context"
	"sync"

	"github.com/asch/blkmirror/internal/aio"
	"github.com/asch/blkmirror/internal/blockdev"
)

// Request held by the manual driver until the test completes it.
type request struct {
	kind string
	off  int64
	op   *aio.Op
}

// Driver whose requests complete only when the test says so. Requests are
// issued and completed on the loop.
type manual struct {
	name   string
	ops    *aio.Pool
	length int64

	// Cancel leaves the request pending and it completes later.
	ignoreCancel bool

	pending  []*request
	canceled int

	mu        sync.Mutex
	flags     blockdev.Flags
	flushes   int
	changeErr error
	changed   []string
	allocated bool

	// Shared by devices of one test to see the order of changes.
	journal *[]string
}

func newManual(name string) *manual {
	m := &manual{name: name, length: 1 << 20}
	m.ops = aio.NewPool("manual", m.cancel)

	return m
}

func manualDriver(instances map[string]*manual) *blockdev.Driver {
	return &blockdev.Driver{
		Format:   "manual",
		Protocol: "manual",
		Open: func(d *blockdev.Device, filename string, flags blockdev.Flags) (blockdev.Impl, error) {
			m, ok := instances[blockdev.StripPrefix(filename, "manual")]
			if !ok {
				return nil, blockdev.ErrNotOpen
			}

			m.mu.Lock()
			m.flags = flags
			m.mu.Unlock()

			return m, nil
		},
	}
}

func (m *manual) Length() (int64, error) {
	return m.length, nil
}

func (m *manual) Close() error {
	return nil
}

func (m *manual) submit(kind string, off int64, cb aio.CompletionFunc) *aio.Op {
	op := m.ops.Get(cb)
	m.pending = append(m.pending, &request{kind: kind, off: off, op: op})

	return op
}

func (m *manual) ReadAsync(p []byte, off int64, cb aio.CompletionFunc) *aio.Op {
	return m.submit("read", off, cb)
}

func (m *manual) WriteAsync(p []byte, off int64, cb aio.CompletionFunc) *aio.Op {
	return m.submit("write", off, cb)
}

func (m *manual) DiscardAsync(off, n int64, cb aio.CompletionFunc) *aio.Op {
	return m.submit("discard", off, cb)
}

// Canceled requests complete right away, inside the call to Cancel.
func (m *manual) cancel(op *aio.Op) {
	if m.ignoreCancel {
		return
	}

	for i, r := range m.pending {
		if r.op == op {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			m.canceled++
			op.Complete(aio.ErrCanceled)
			m.ops.Release(op)
			return
		}
	}
}

// Completes the oldest pending request with err. It has to run on the loop.
func (m *manual) completeNext(err error) bool {
	if len(m.pending) == 0 {
		return false
	}

	r := m.pending[0]
	m.pending = m.pending[1:]
	r.op.Complete(err)
	m.ops.Release(r.op)

	return true
}

func (m *manual) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushes++

	return nil
}

func (m *manual) IsAllocated(ctx context.Context, off, n int64) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.allocated, n, nil
}

func (m *manual) ChangeBackingFile(file, format string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.changeErr != nil {
		return m.changeErr
	}

	m.changed = append(m.changed, file)
	if m.journal != nil {
		*m.journal = append(*m.journal, m.name)
	}

	return nil
}

// Returns kinds of the pending requests. It has to run on the loop.
func (m *manual) kinds() []string {
	kinds := make([]string, 0, len(m.pending))
	for _, r := range m.pending {
		kinds = append(kinds, r.kind)
	}

	return kinds
}

func (m *manual) flushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.flushes
}
