// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mirror

import (
	"github.com/pkg/errors"

	"github.com/asch/blkmirror/internal/blockdev"
)

// Range of a request in flight. Copies done by the job must not overlap guest
// writes, otherwise the job could overwrite new data on the target with the
// old data it read from the source. Guest writes do not wait for each other.
type tracked struct {
	off, end int64
	job      bool
	waiters  []func()
}

func (t *tracked) overlaps(off, end int64) bool {
	return t.off < end && off < t.end
}

// Runs start once no conflicting request is in flight and tracks the range
// until finish is called. It has to be called on the loop.
func (m *Mirror) serialize(off, end int64, job bool, start func(t *tracked)) {
	for t := range m.inflight {
		if (t.job || job) && t.overlaps(off, end) {
			t.waiters = append(t.waiters, func() {
				m.serialize(off, end, job, start)
			})
			return
		}
	}

	t := &tracked{off: off, end: end, job: job}
	m.inflight[t] = struct{}{}
	start(t)
}

// Stops tracking t and lets the requests waiting for it retry.
func (m *Mirror) finish(t *tracked) {
	if t == nil {
		return
	}

	if _, ok := m.inflight[t]; !ok {
		return
	}

	delete(m.inflight, t)

	for _, w := range t.waiters {
		m.loop.Post(w)
	}
	t.waiters = nil
}

// Error of a copy step, telling which side failed.
type copyError struct {
	target bool
	err    error
}

func (e *copyError) Error() string {
	if e.target {
		return "write to target: " + e.err.Error()
	}

	return "read from source: " + e.err.Error()
}

func (e *copyError) Unwrap() error {
	return e.err
}

// Copies len(p) bytes at off from the source to the target, using p as the
// buffer. Guest writes overlapping the range wait until the copy is done. It
// blocks until the copy completes and must not be called on the loop.
func (m *Mirror) copyRange(p []byte, off int64) error {
	source := m.attachedSource()
	if source == nil {
		return errors.Wrap(blockdev.ErrNotAttached, "copy")
	}

	end := off + int64(len(p))
	done := make(chan error, 1)

	m.loop.Post(func() {
		m.serialize(off, end, true, func(t *tracked) {
			source.ReadAsync(p, off, func(err error) {
				if err != nil {
					m.finish(t)
					done <- &copyError{err: err}
					return
				}

				m.target.WriteAsync(p, off, func(err error) {
					m.finish(t)
					if err != nil {
						done <- &copyError{target: true, err: err}
						return
					}
					done <- nil
				})
			})
		})
	})

	return <-done
}
