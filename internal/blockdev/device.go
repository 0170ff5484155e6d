// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockdev

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Device is one node of the graph. The file child is owned by the device and
// deleted with it, e.g. the image file under a format or the target of a
// mirror. The backing child is the copy-on-write ancestor and is deleted with
// the device as well unless a driver unlinks it first.
type Device struct {
	layer *Layer
	name  string

	mu       sync.RWMutex
	drv      *Driver
	impl     Impl
	flags    Flags
	filename string

	file    *Device
	backing *Device

	// Commit must never write into a device with this marker.
	keepReadOnly bool

	backingFile   string
	backingFormat string
}

// Open opens filename with drv, or with the driver selected by the filename
// when drv is nil. Unless NoBacking is given the backing file recorded in the
// image is opened as well.
func (d *Device) Open(filename string, flags Flags, drv *Driver) error {
	if d.Impl() != nil {
		return errors.Errorf("device %q is already open", d.Name())
	}

	if drv == nil {
		drv = d.layer.probe(filename)
		if drv == nil {
			return unknownDriver(filename)
		}
	}

	d.mu.Lock()
	d.drv = drv
	d.flags = flags
	d.filename = filename
	d.mu.Unlock()

	impl, err := drv.Open(d, filename, flags)
	if err != nil {
		d.mu.Lock()
		d.drv = nil
		d.mu.Unlock()
		return errors.Wrapf(err, "open %s", filename)
	}

	d.mu.Lock()
	d.impl = impl
	d.mu.Unlock()

	if bf, ok := impl.(BackingFiler); ok {
		file, format := bf.BackingFile()
		d.SetBackingFile(file, format)

		if flags&NoBacking == 0 && file != "" {
			if err := d.openBacking(file, format); err != nil {
				d.Close()
				return errors.Wrapf(err, "open backing file of %s", filename)
			}
		}
	}

	log.Debug().Str("filename", filename).Str("driver", drv.Format).Msg("Device opened.")

	return nil
}

func (d *Device) openBacking(file, format string) error {
	var drv *Driver
	if format != "" {
		drv = d.layer.FindFormat(format)
		if drv == nil {
			return &InvalidParameterError{Name: "backing_fmt", Expected: "a supported format"}
		}
	}

	b := d.layer.New("")
	if err := b.Open(file, d.Flags()&^ReadWrite, drv); err != nil {
		b.Delete()
		return err
	}

	d.SetBacking(b)

	return nil
}

// Close closes the driver and deletes the backing and file children.
// Closing a closed device does nothing.
func (d *Device) Close() {
	d.mu.Lock()
	impl := d.impl
	d.impl = nil
	d.mu.Unlock()

	if impl == nil {
		return
	}

	if b := d.Backing(); b != nil {
		d.SetBacking(nil)
		b.Delete()
	}

	if err := impl.Close(); err != nil {
		log.Info().Err(err).Str("filename", d.Filename()).Send()
	}

	if f := d.File(); f != nil {
		d.SetFile(nil)
		f.Delete()
	}

	d.mu.Lock()
	d.drv = nil
	d.backingFile = ""
	d.backingFormat = ""
	d.mu.Unlock()
}

// Delete closes the device and removes it from the graph.
func (d *Device) Delete() {
	d.Close()
	d.layer.remove(d)
}

func (d *Device) Name() string {
	d.layer.mu.Lock()
	defer d.layer.mu.Unlock()

	return d.name
}

func (d *Device) Layer() *Layer {
	return d.layer
}

func (d *Device) Driver() *Driver {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.drv
}

func (d *Device) Impl() Impl {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.impl
}

func (d *Device) Flags() Flags {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.flags
}

func (d *Device) Filename() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.filename
}

func (d *Device) File() *Device {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.file
}

func (d *Device) SetFile(f *Device) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.file = f
}

func (d *Device) Backing() *Device {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.backing
}

func (d *Device) SetBacking(b *Device) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.backing = b
}

func (d *Device) KeepReadOnly() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.keepReadOnly
}

func (d *Device) SetKeepReadOnly(keep bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.keepReadOnly = keep
}

// BackingFile returns the backing file name and format recorded for the
// device.
func (d *Device) BackingFile() (file, format string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.backingFile, d.backingFormat
}

func (d *Device) SetBackingFile(file, format string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.backingFile = file
	d.backingFormat = format
}
