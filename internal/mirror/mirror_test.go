// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mirror

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/pkg/errors"

	"github.com/asch/blkmirror/internal/aio"
	"github.com/asch/blkmirror/internal/blockdev"
	"github.com/asch/blkmirror/internal/blockdev/mem"
)

type fixture struct {
	l       *blockdev.Layer
	store   *mem.Store
	manuals map[string]*manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	l, err := blockdev.NewLayer(blockdev.Options{
		Threads:       2,
		Whitelist:     []string{mem.Format, "manual", "flaky"},
		DefaultFormat: mem.Format,
	})
	if err != nil {
		t.Fatalf("unable to create layer: %v", err)
	}
	t.Cleanup(l.Close)

	f := &fixture{
		l:       l,
		store:   mem.NewStore(),
		manuals: make(map[string]*manual),
	}

	l.Register(mem.Driver(f.store))
	l.Register(manualDriver(f.manuals))
	l.Register(Driver)

	return f
}

func (f *fixture) manual(name string) *manual {
	m := newManual(name)
	f.manuals[name] = m

	return m
}

func (f *fixture) image(t *testing.T, name string, size int64) {
	t.Helper()

	if err := f.store.Create(name, size); err != nil {
		t.Fatalf("unable to create image %s: %v", name, err)
	}
}

// Opens the source as drive0 and appends mirror of targetSpec in front of it.
func (f *fixture) attach(t *testing.T, sourceFile, targetSpec string) (*blockdev.Device, *Mirror) {
	t.Helper()

	source, err := f.l.Open("drive0", sourceFile, blockdev.ReadWrite, "")
	if err != nil {
		t.Fatalf("unable to open source: %v", err)
	}

	dev := f.l.New("")
	if err := dev.Open(Prefix+targetSpec, blockdev.ReadWrite, nil); err != nil {
		t.Fatalf("unable to open mirror: %v", err)
	}

	f.l.Append(dev, source)

	return dev, dev.Impl().(*Mirror)
}

func (f *fixture) onLoop(fn func()) {
	f.l.Loop().Call(fn)
}

// Polls cond on the loop until it holds.
func (f *fixture) eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		var ok bool
		f.onLoop(func() { ok = cond() })
		if ok {
			return
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type result struct {
	calls int
	err   error
}

func (f *fixture) issue(dev *blockdev.Device, kind string, off int64, r *result) *aio.Op {
	var op *aio.Op

	f.onLoop(func() {
		cb := func(err error) {
			r.calls++
			r.err = err
		}

		switch kind {
		case "write":
			op = dev.WriteAsync(make([]byte, 4096), off, cb)
		case "discard":
			op = dev.DiscardAsync(off, 4096, cb)
		case "read":
			op = dev.ReadAsync(make([]byte, 4096), off, cb)
		}
	})

	return op
}

func TestOpen(t *testing.T) {
	f := newFixture(t)
	f.manual("tgt")
	f.image(t, "plain", 4096)

	hidden := 0
	f.l.Register(&blockdev.Driver{
		Format:   "hidden",
		Protocol: "hidden",
		Open: func(d *blockdev.Device, filename string, flags blockdev.Flags) (blockdev.Impl, error) {
			hidden++
			return nil, blockdev.ErrNotSupported
		},
	})

	for _, filename := range []string{"mirror:manual:tgt", "mirror:plain"} {
		dev, err := f.l.Open("", filename, blockdev.ReadWrite, "")
		if err != nil {
			t.Fatalf("unable to open %s: %v", filename, err)
		}

		target := dev.Impl().(*Mirror).Target()
		if dev.File() != target {
			t.Errorf("%s: target is not the file child", filename)
		}

		expected := blockdev.ReadWrite | blockdev.NoBacking | blockdev.NoFlush | blockdev.CacheWB
		if target.Flags() != expected {
			t.Errorf("%s: target opened with %b, expected %b", filename, target.Flags(), expected)
		}

		dev.Delete()
		if target.Impl() != nil {
			t.Errorf("%s: target left open", filename)
		}
	}

	invalid := []struct {
		filename string
		format   string
		param    string
	}{
		{"mirror:qcow5:tgt", "", "format"},
		{"mirror:hidden:tgt", "", "format"},
		{"manual:tgt", Format, "filename"},
	}

	for _, c := range invalid {
		_, err := f.l.Open("bad", c.filename, blockdev.ReadWrite, c.format)

		var ipe *blockdev.InvalidParameterError
		if !errors.As(err, &ipe) {
			t.Errorf("%s: expected invalid parameter, got %v", c.filename, err)
			continue
		}
		if ipe.Name != c.param {
			t.Errorf("%s: expected parameter %s, got %s", c.filename, c.param, ipe.Name)
		}
	}

	if _, err := f.l.Open("bad", "mirror:mem:missing", blockdev.ReadWrite, ""); err == nil {
		t.Errorf("mirror of missing target opened")
	}

	if hidden != 0 {
		t.Errorf("format outside of the allow-list was opened %d times", hidden)
	}
	if f.l.Lookup("bad") != nil {
		t.Errorf("failed open left device in the graph")
	}
}

func TestRebind(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{"base", "src", "tgt"} {
		f.image(t, name, 1<<16)
	}
	if err := f.store.SetBackingFile("src", "mem:base", mem.Format); err != nil {
		t.Fatalf("unable to set backing file: %v", err)
	}

	source, err := f.l.Open("drive0", "mem:src", blockdev.ReadWrite, "")
	if err != nil {
		t.Fatalf("unable to open source: %v", err)
	}
	base := source.Backing()
	if base == nil {
		t.Fatalf("backing file of source not opened")
	}

	dev := f.l.New("")
	if err := dev.Open("mirror:mem:tgt", blockdev.ReadWrite, nil); err != nil {
		t.Fatalf("unable to open mirror: %v", err)
	}
	m := dev.Impl().(*Mirror)

	if m.Source() != nil {
		t.Fatalf("mirror attached before rebind")
	}

	f.l.Append(dev, source)

	if dev.Backing() != base {
		t.Errorf("mirror backing is not the former backing of the source")
	}
	if m.Target().Backing() != base {
		t.Errorf("target backing is not the former backing of the source")
	}
	if m.Source() != source || m.SharedBacking() != base {
		t.Errorf("source or shared backing not recorded")
	}
	if source.Backing() != base {
		t.Errorf("source lost its backing device")
	}
	if !base.KeepReadOnly() {
		t.Errorf("shared backing not protected from commit")
	}
	if f.l.Lookup("drive0") != dev {
		t.Errorf("mirror did not take over the name of the source")
	}

	dev.Delete()

	for name, d := range map[string]*blockdev.Device{"source": source, "target": m.Target(), "backing": base} {
		if d.Impl() != nil {
			t.Errorf("%s left open after close", name)
		}
	}
}

func TestRebindWithoutBacking(t *testing.T) {
	f := newFixture(t)
	f.image(t, "src", 4096)
	f.image(t, "tgt", 4096)

	dev, m := f.attach(t, "mem:src", "mem:tgt")

	if dev.Backing() != nil || m.Target().Backing() != nil {
		t.Errorf("backing set although the source has none")
	}
	if m.Source() == nil {
		t.Errorf("mirror not attached")
	}
}

func TestNotAttached(t *testing.T) {
	f := newFixture(t)
	f.manual("tgt")
	ctx := context.Background()

	dev, err := f.l.Open("", "mirror:manual:tgt", blockdev.ReadWrite, "")
	if err != nil {
		t.Fatalf("unable to open mirror: %v", err)
	}
	defer dev.Delete()

	if err := dev.Write(ctx, make([]byte, 512), 0); !errors.Is(err, blockdev.ErrNotAttached) {
		t.Errorf("write: expected not attached, got %v", err)
	}
	if err := dev.Read(ctx, make([]byte, 512), 0); !errors.Is(err, blockdev.ErrNotAttached) {
		t.Errorf("read: expected not attached, got %v", err)
	}
	if err := dev.Flush(ctx); !errors.Is(err, blockdev.ErrNotAttached) {
		t.Errorf("flush: expected not attached, got %v", err)
	}
	if err := dev.ChangeBackingFile("x", ""); !errors.Is(err, blockdev.ErrNotAttached) {
		t.Errorf("change backing file: expected not attached, got %v", err)
	}

	if n, err := dev.Length(); err != nil || n != 1<<20 {
		t.Errorf("length: expected target length, got %d %v", n, err)
	}
}

func TestFanOut(t *testing.T) {
	e1 := errors.New("source failed")
	e2 := errors.New("target failed")

	cases := []struct {
		name        string
		sourceFirst bool
		sourceErr   error
		targetErr   error
		expected    error
	}{
		{"success", true, nil, nil, nil},
		{"both fail, source first", true, e1, e2, e1},
		{"both fail, target first", false, e1, e2, e2},
		{"only target fails", true, nil, e2, e2},
		{"only source fails", false, e1, nil, e1},
	}

	for _, kind := range []string{"write", "discard"} {
		for _, c := range cases {
			t.Run(kind+"/"+c.name, func(t *testing.T) {
				f := newFixture(t)
				src, tgt := f.manual("src"), f.manual("tgt")
				dev, m := f.attach(t, "manual:src", "manual:tgt")

				var r result
				f.issue(dev, kind, 0, &r)

				f.onLoop(func() {
					// Both are issued before either completes.
					if diff := deep.Equal(src.kinds(), []string{kind}); diff != nil {
						t.Errorf("source: %v", diff)
					}
					if diff := deep.Equal(tgt.kinds(), []string{kind}); diff != nil {
						t.Errorf("target: %v", diff)
					}

					first, firstErr, second, secondErr := src, c.sourceErr, tgt, c.targetErr
					if !c.sourceFirst {
						first, firstErr, second, secondErr = tgt, c.targetErr, src, c.sourceErr
					}

					first.completeNext(firstErr)
					if r.calls != 0 {
						t.Errorf("completed after first sub-operation")
					}

					second.completeNext(secondErr)
				})

				if r.calls != 1 {
					t.Fatalf("completion called %d times", r.calls)
				}
				if r.err != c.expected {
					t.Errorf("expected %v, got %v", c.expected, r.err)
				}
				if n := m.Outstanding(); n != 0 {
					t.Errorf("%d operations not released", n)
				}
			})
		}
	}
}

func TestCancel(t *testing.T) {
	t.Run("both pending", func(t *testing.T) {
		f := newFixture(t)
		src, tgt := f.manual("src"), f.manual("tgt")
		dev, m := f.attach(t, "manual:src", "manual:tgt")

		var r result
		op := f.issue(dev, "write", 0, &r)
		f.onLoop(op.Cancel)

		if src.canceled != 1 || tgt.canceled != 1 {
			t.Errorf("sub-operations not canceled: %d %d", src.canceled, tgt.canceled)
		}
		if r.calls != 0 {
			t.Errorf("canceled operation reported completion")
		}
		if n := m.Outstanding(); n != 0 {
			t.Errorf("%d operations not released", n)
		}
	})

	t.Run("one completed", func(t *testing.T) {
		f := newFixture(t)
		src, tgt := f.manual("src"), f.manual("tgt")
		dev, m := f.attach(t, "manual:src", "manual:tgt")

		var r result
		op := f.issue(dev, "discard", 0, &r)
		f.onLoop(func() {
			src.completeNext(nil)
			op.Cancel()
			// Released already, does nothing.
			op.Cancel()
		})

		if src.canceled != 0 || tgt.canceled != 1 {
			t.Errorf("unexpected cancels: %d %d", src.canceled, tgt.canceled)
		}
		if r.calls != 0 {
			t.Errorf("canceled operation reported completion")
		}
		if n := m.Outstanding(); n != 0 {
			t.Errorf("%d operations not released", n)
		}
	})

	t.Run("late completions", func(t *testing.T) {
		f := newFixture(t)
		src, tgt := f.manual("src"), f.manual("tgt")
		src.ignoreCancel, tgt.ignoreCancel = true, true
		dev, m := f.attach(t, "manual:src", "manual:tgt")

		var r result
		op := f.issue(dev, "write", 0, &r)
		f.onLoop(op.Cancel)

		if n := m.Outstanding(); n != 0 {
			t.Errorf("cancel did not release the operation")
		}

		f.onLoop(func() {
			src.completeNext(errors.New("late"))
			tgt.completeNext(nil)
		})

		if r.calls != 0 {
			t.Errorf("canceled operation reported completion")
		}
		if n := m.Outstanding(); n != 0 {
			t.Errorf("%d operations outstanding", n)
		}
	})
}

func TestRouting(t *testing.T) {
	f := newFixture(t)
	src, tgt := f.manual("src"), f.manual("tgt")
	src.allocated = true
	tgt.length = 2 << 20
	ctx := context.Background()

	dev, _ := f.attach(t, "manual:src", "manual:tgt")

	var r result
	f.issue(dev, "read", 0, &r)
	f.onLoop(func() {
		if diff := deep.Equal(src.kinds(), []string{"read"}); diff != nil {
			t.Errorf("source: %v", diff)
		}
		if len(tgt.pending) != 0 {
			t.Errorf("read reached the target")
		}
		src.completeNext(nil)
	})
	if r.calls != 1 || r.err != nil {
		t.Errorf("read completed %d times with %v", r.calls, r.err)
	}

	if err := dev.Flush(ctx); err != nil {
		t.Fatalf("unable to flush: %v", err)
	}
	if src.flushCount() != 1 || tgt.flushCount() != 0 {
		t.Errorf("flush went to source %d and target %d times", src.flushCount(), tgt.flushCount())
	}

	allocated, _, err := dev.IsAllocated(ctx, 0, 4096)
	if err != nil {
		t.Fatalf("unable to query allocation: %v", err)
	}
	if allocated {
		t.Errorf("allocation not answered by the target")
	}

	if n, err := dev.Length(); err != nil || n != 2<<20 {
		t.Errorf("length not answered by the target: %d %v", n, err)
	}
}

func TestChangeBackingFile(t *testing.T) {
	f := newFixture(t)
	src, tgt := f.manual("src"), f.manual("tgt")
	var journal []string
	src.journal, tgt.journal = &journal, &journal

	dev, m := f.attach(t, "manual:src", "manual:tgt")

	f.image(t, "base", 1<<20)
	base, err := f.l.Open("", "mem:base", 0, "")
	if err != nil {
		t.Fatalf("unable to open base: %v", err)
	}
	dev.SetBacking(base)

	if err := dev.ChangeBackingFile("mem:base", mem.Format); err != nil {
		t.Fatalf("unable to change backing file: %v", err)
	}

	if diff := deep.Equal(journal, []string{"tgt", "src"}); diff != nil {
		t.Errorf("unexpected order: %v", diff)
	}
	if m.Source().Backing() != base || m.Target().Backing() != base {
		t.Errorf("backing device not propagated to source and target")
	}
	if file, format := dev.BackingFile(); file != "mem:base" || format != mem.Format {
		t.Errorf("backing file not recorded on the mirror: %q %q", file, format)
	}

	// Failure of the source is not rolled back on the target.
	fail := errors.New("read-only image")
	src.changeErr = fail

	err = dev.ChangeBackingFile("mem:other", mem.Format)
	if !errors.Is(err, fail) {
		t.Fatalf("expected error of the source, got %v", err)
	}
	if diff := deep.Equal(tgt.changed, []string{"mem:base", "mem:other"}); diff != nil {
		t.Errorf("target: %v", diff)
	}
	if file, _ := m.Target().BackingFile(); file != "mem:other" {
		t.Errorf("target backing file not recorded, got %q", file)
	}
	if file, _ := dev.BackingFile(); file != "mem:base" {
		t.Errorf("failed change recorded on the mirror: %q", file)
	}
}

func TestWriteRead(t *testing.T) {
	f := newFixture(t)
	f.image(t, "src", 1<<16)
	f.image(t, "tgt", 1<<16)
	ctx := context.Background()

	dev, m := f.attach(t, "mem:src", "mem:tgt")

	data := bytes.Repeat([]byte{0xaa}, 4096)
	if err := dev.Write(ctx, data, 0); err != nil {
		t.Fatalf("unable to write: %v", err)
	}

	for name, d := range map[string]*blockdev.Device{"mirror": dev, "source": m.Source(), "target": m.Target()} {
		p := make([]byte, 4096)
		if err := d.Read(ctx, p, 0); err != nil {
			t.Fatalf("unable to read %s: %v", name, err)
		}
		if !bytes.Equal(p, data) {
			t.Errorf("%s does not contain written data", name)
		}
	}

	if err := dev.Discard(ctx, 0, 4096); err != nil {
		t.Fatalf("unable to discard: %v", err)
	}
	for name, d := range map[string]*blockdev.Device{"source": m.Source(), "target": m.Target()} {
		allocated, _, err := d.IsAllocated(ctx, 0, 4096)
		if err != nil {
			t.Fatalf("unable to query %s: %v", name, err)
		}
		if allocated {
			t.Errorf("discard did not reach %s", name)
		}
	}
}

func TestAllocationFromTarget(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"base", "src", "tgt"} {
		f.image(t, name, 1<<16)
	}
	ctx := context.Background()

	base, err := f.l.Open("", "mem:base", blockdev.ReadWrite, "")
	if err != nil {
		t.Fatalf("unable to open base: %v", err)
	}
	if err := base.Write(ctx, make([]byte, 4096), 0); err != nil {
		t.Fatalf("unable to write base: %v", err)
	}
	base.Delete()

	if err := f.store.SetBackingFile("src", "mem:base", mem.Format); err != nil {
		t.Fatalf("unable to set backing file: %v", err)
	}

	dev, m := f.attach(t, "mem:src", "mem:tgt")

	allocated, _, err := blockdev.IsAllocatedAbove(ctx, m.Source(), nil, 0, 4096)
	if err != nil || !allocated {
		t.Fatalf("source chain should report allocated range: %v %v", allocated, err)
	}

	allocated, _, err = dev.IsAllocated(ctx, 0, 4096)
	if err != nil {
		t.Fatalf("unable to query allocation: %v", err)
	}
	if allocated {
		t.Errorf("never written range reported allocated")
	}
}

func TestJobSerialization(t *testing.T) {
	f := newFixture(t)
	src, tgt := f.manual("src"), f.manual("tgt")
	dev, m := f.attach(t, "manual:src", "manual:tgt")

	copied := make(chan error, 1)
	go func() {
		copied <- m.copyRange(make([]byte, 4096), 0)
	}()
	f.eventually(t, "copy read", func() bool { return len(src.pending) == 1 })

	var overlapping, disjoint result
	f.issue(dev, "write", 2048, &overlapping)
	f.issue(dev, "write", 8192, &disjoint)

	f.onLoop(func() {
		// Only the disjoint write went out.
		if diff := deep.Equal(src.kinds(), []string{"read", "write"}); diff != nil {
			t.Errorf("source: %v", diff)
		}
		if diff := deep.Equal(tgt.kinds(), []string{"write"}); diff != nil {
			t.Errorf("target: %v", diff)
		}

		src.completeNext(nil)
	})

	f.eventually(t, "copy write", func() bool { return len(tgt.pending) == 2 })
	f.onLoop(func() {
		tgt.pending[0], tgt.pending[1] = tgt.pending[1], tgt.pending[0]
		tgt.completeNext(nil)
	})

	if err := <-copied; err != nil {
		t.Fatalf("copy failed: %v", err)
	}

	f.eventually(t, "queued write", func() bool { return len(src.pending) == 2 && len(tgt.pending) == 2 })
	f.onLoop(func() {
		for src.completeNext(nil) {
		}
		for tgt.completeNext(nil) {
		}
	})

	if overlapping.calls != 1 || disjoint.calls != 1 {
		t.Errorf("writes completed %d and %d times", overlapping.calls, disjoint.calls)
	}
}

func TestCopyWaitsForGuestWrite(t *testing.T) {
	f := newFixture(t)
	src, tgt := f.manual("src"), f.manual("tgt")
	dev, m := f.attach(t, "manual:src", "manual:tgt")

	var r result
	f.issue(dev, "write", 0, &r)

	copied := make(chan error, 1)
	go func() {
		copied <- m.copyRange(make([]byte, 4096), 0)
	}()

	f.eventually(t, "copy queued", func() bool {
		waiting := 0
		for r := range m.inflight {
			waiting += len(r.waiters)
		}
		return waiting == 1
	})
	f.onLoop(func() {
		if diff := deep.Equal(src.kinds(), []string{"write"}); diff != nil {
			t.Errorf("copy started during guest write: %v", diff)
		}
		src.completeNext(nil)
		tgt.completeNext(nil)
	})

	f.eventually(t, "copy read", func() bool { return len(src.pending) == 1 })
	f.onLoop(func() { src.completeNext(errors.New("bad sector")) })

	err := <-copied
	var ce *copyError
	if !errors.As(err, &ce) || ce.target {
		t.Errorf("expected source copy error, got %v", err)
	}
}

func TestCancelQueuedWrite(t *testing.T) {
	f := newFixture(t)
	src, tgt := f.manual("src"), f.manual("tgt")
	dev, m := f.attach(t, "manual:src", "manual:tgt")

	copied := make(chan error, 1)
	go func() {
		copied <- m.copyRange(make([]byte, 4096), 0)
	}()
	f.eventually(t, "copy read", func() bool { return len(src.pending) == 1 })

	var r result
	op := f.issue(dev, "write", 0, &r)

	f.onLoop(func() {
		op.Cancel()

		if m.Outstanding() != 0 {
			t.Errorf("canceled write not released")
		}
		src.completeNext(nil)
	})

	f.eventually(t, "copy write", func() bool { return len(tgt.pending) == 1 })
	f.onLoop(func() { tgt.completeNext(nil) })

	if err := <-copied; err != nil {
		t.Fatalf("copy failed: %v", err)
	}

	f.eventually(t, "ranges released", func() bool { return len(m.inflight) == 0 })
	f.onLoop(func() {
		if len(src.pending) != 0 || len(tgt.pending) != 0 {
			t.Errorf("canceled write was issued: %v %v", src.kinds(), tgt.kinds())
		}
		if src.canceled != 0 || tgt.canceled != 0 {
			t.Errorf("nothing to cancel on the devices, got %d and %d", src.canceled, tgt.canceled)
		}
	})

	if r.calls != 0 {
		t.Errorf("callback of canceled write called %d times", r.calls)
	}
}
