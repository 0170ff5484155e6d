// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package mirror implements a block device duplicating writes. It is appended
// in front of an existing device, the source, whose place in the graph it
// takes over. Reads are served by the source, writes and discards go to both
// the source and the target, which the mirror opens itself from its filename
// "mirror:[format:]path".
//
// Source and target share the backing device of the source, so the target
// can serve copy-on-write reads before all data are copied to it. Copying the
// data already present in the source is the job of Job.
package mirror

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/blkmirror/internal/aio"
	"github.com/asch/blkmirror/internal/blockdev"
)

const (
	Format = "mirror"
	Prefix = Format + ":"
)

// Driver has to be registered in the layer the mirror is used in.
var Driver = &blockdev.Driver{
	Format:   Format,
	Protocol: Format,
	Open:     open,
}

type state int

const (
	unattached state = iota
	attached
)

// Mirror is the implementation behind a mirror device.
type Mirror struct {
	dev  *blockdev.Device
	loop *aio.Loop
	ops  *aio.Pool

	// Owned, opened with the mirror. It is the file child of the device,
	// hence the generic close deletes it.
	target *blockdev.Device

	// Guards the fields set by Rebind.
	mu            sync.RWMutex
	state         state
	source        *blockdev.Device
	sharedBacking *blockdev.Device

	// Requests in flight with their ranges. Touched only on the loop.
	inflight map[*tracked]struct{}
}

// Opens the target. The format prefix, when present, has to name a format
// allowed by the layer. The target never opens its own backing file since it
// gets the backing device of the source on Rebind.
func open(d *blockdev.Device, filename string, flags blockdev.Flags) (blockdev.Impl, error) {
	path, ok := strings.CutPrefix(filename, Prefix)
	if !ok {
		return nil, &blockdev.InvalidParameterError{Name: "filename", Expected: "a name starting with '" + Prefix + "'"}
	}

	layer := d.Layer()

	var drv *blockdev.Driver
	if i := strings.IndexByte(path, ':'); i >= 0 {
		drv = layer.FindWhitelistedFormat(path[:i])
		if drv == nil {
			return nil, &blockdev.InvalidParameterError{Name: "format", Expected: "a supported format"}
		}
		path = path[i+1:]
	}

	// Nothing survives a crash of the mirror, it has to start over. So
	// there is no point in flushing the target.
	target := layer.New("")
	if err := target.Open(path, flags|blockdev.NoBacking|blockdev.NoFlush|blockdev.CacheWB, drv); err != nil {
		target.Delete()
		return nil, err
	}

	m := &Mirror{
		dev:      d,
		loop:     layer.Loop(),
		target:   target,
		inflight: make(map[*tracked]struct{}),
	}
	m.ops = aio.NewPool("mirror", m.cancel)

	d.SetFile(target)

	return m, nil
}

// Rebind is called by Layer.Append once the mirror sits in front of the
// source, i.e. the source is its backing device. The source is recorded and
// the backing device of the source becomes the backing device of both the
// mirror and the target.
func (m *Mirror) Rebind() {
	source := m.dev.Backing()
	if source == nil {
		log.Info().Str("target", m.target.Filename()).Msg("Mirror rebound without source, staying detached.")
		return
	}

	shared := source.Backing()

	m.mu.Lock()
	m.source = source
	m.sharedBacking = shared
	m.state = attached
	m.mu.Unlock()

	m.dev.SetBacking(shared)
	if shared != nil {
		shared.SetKeepReadOnly(true)
	}
	m.target.SetBacking(shared)

	log.Info().Str("source", source.Filename()).Str("target", m.target.Filename()).Msg("Mirror attached.")
}

// Returns the source or nil when the mirror is not attached yet.
func (m *Mirror) attachedSource() *blockdev.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != attached {
		return nil
	}

	return m.source
}

// Close unlinks the shared backing device from the source and the target and
// deletes the source. Target and the backing device are deleted by the
// caller.
func (m *Mirror) Close() error {
	m.mu.Lock()
	source := m.source
	m.source = nil
	m.sharedBacking = nil
	m.state = unattached
	m.mu.Unlock()

	if source != nil {
		source.SetBacking(nil)
	}
	m.target.SetBacking(nil)

	if source != nil {
		source.Delete()
	}

	return nil
}

// ChangeBackingFile changes the backing file recorded by the target and then
// by the source. Failure on the source is not rolled back on the target, the
// mirror is abandoned anyway in that case.
func (m *Mirror) ChangeBackingFile(file, format string) error {
	source := m.attachedSource()
	if source == nil {
		return blockdev.ErrNotAttached
	}

	// The backing device of the mirror might have been replaced, e.g. by
	// streaming. Source and target follow it.
	backing := m.dev.Backing()
	source.SetBacking(backing)
	m.target.SetBacking(backing)

	m.mu.Lock()
	m.sharedBacking = backing
	m.mu.Unlock()

	if err := m.target.ChangeBackingFile(file, format); err != nil {
		return err
	}

	return source.ChangeBackingFile(file, format)
}

func (m *Mirror) ReadAsync(p []byte, off int64, cb aio.CompletionFunc) *aio.Op {
	source := m.attachedSource()
	if source == nil {
		return m.dev.Layer().Fail(blockdev.ErrNotAttached, cb)
	}

	return source.ReadAsync(p, off, cb)
}

func (m *Mirror) WriteAsync(p []byte, off int64, cb aio.CompletionFunc) *aio.Op {
	source := m.attachedSource()
	if source == nil {
		return m.dev.Layer().Fail(blockdev.ErrNotAttached, cb)
	}

	return m.dispatch("write", source, off, int64(len(p)), func(d *blockdev.Device, cb aio.CompletionFunc) *aio.Op {
		return d.WriteAsync(p, off, cb)
	}, cb)
}

func (m *Mirror) DiscardAsync(off, n int64, cb aio.CompletionFunc) *aio.Op {
	source := m.attachedSource()
	if source == nil {
		return m.dev.Layer().Fail(blockdev.ErrNotAttached, cb)
	}

	return m.dispatch("discard", source, off, n, func(d *blockdev.Device, cb aio.CompletionFunc) *aio.Op {
		return d.DiscardAsync(off, n, cb)
	}, cb)
}

// Flush reaches only the source. The target is not flushed, a crash means
// starting the mirror from scratch.
func (m *Mirror) Flush(ctx context.Context) error {
	source := m.attachedSource()
	if source == nil {
		return blockdev.ErrNotAttached
	}

	return source.Flush(ctx)
}

// IsAllocated is answered by the target alone.
func (m *Mirror) IsAllocated(ctx context.Context, off, n int64) (bool, int64, error) {
	return m.target.IsAllocated(ctx, off, n)
}

func (m *Mirror) Length() (int64, error) {
	return m.target.Length()
}

// Source returns the device the mirror reads from, nil before Rebind.
func (m *Mirror) Source() *blockdev.Device {
	return m.attachedSource()
}

func (m *Mirror) Target() *blockdev.Device {
	return m.target
}

// SharedBacking returns the backing device of both the source and the target.
func (m *Mirror) SharedBacking() *blockdev.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sharedBacking
}
