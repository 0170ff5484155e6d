// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package blockdev is a small block layer: devices are nodes of a graph
// linked by backing pointers, each node is served by a driver selected from an
// explicit registry. Requests are asynchronous and complete on the event loop
// of the layer, blocking helpers are provided for callers outside of it.
package blockdev

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/blkmirror/internal/aio"
)

// Options for NewLayer.
type Options struct {
	// Number of workers running blocking drivers. Zero means one per CPU.
	Threads int

	// Formats which can be requested explicitly by users, e.g. as a mirror
	// target. Empty list allows all registered formats.
	Whitelist []string

	// Format used for filenames without a known protocol prefix.
	DefaultFormat string
}

// Layer owns the event loop, the worker pool, the driver registry and the
// graph of named devices.
type Layer struct {
	loop    *aio.Loop
	threads *aio.ThreadPool

	defaultFormat string
	whitelist     map[string]struct{}

	mu      sync.Mutex
	drivers []*Driver
	devices map[string]*Device
}

func NewLayer(o Options) (*Layer, error) {
	loop := aio.NewLoop()

	threads, err := aio.NewThreadPool(loop, o.Threads)
	if err != nil {
		loop.Stop()
		return nil, err
	}

	l := &Layer{
		loop:          loop,
		threads:       threads,
		defaultFormat: o.DefaultFormat,
		whitelist:     make(map[string]struct{}),
		devices:       make(map[string]*Device),
	}

	for _, f := range o.Whitelist {
		l.whitelist[f] = struct{}{}
	}

	return l, nil
}

// Register makes drv available for opening devices. Registering a format
// twice replaces the previous driver.
func (l *Layer) Register(drv *Driver) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, d := range l.drivers {
		if d.Format == drv.Format {
			l.drivers[i] = drv
			return
		}
	}

	l.drivers = append(l.drivers, drv)
}

func (l *Layer) FindFormat(format string) *Driver {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, d := range l.drivers {
		if d.Format == format {
			return d
		}
	}

	return nil
}

// FindWhitelistedFormat returns driver for format only if users are allowed
// to ask for it.
func (l *Layer) FindWhitelistedFormat(format string) *Driver {
	drv := l.FindFormat(format)
	if drv == nil {
		return nil
	}

	if len(l.whitelist) == 0 {
		return drv
	}

	if _, ok := l.whitelist[format]; !ok {
		return nil
	}

	return drv
}

// FindProtocol returns driver selected by the prefix of filename. Protocol
// names are preferred, format names are accepted as well.
func (l *Layer) FindProtocol(filename string) *Driver {
	i := strings.IndexByte(filename, ':')
	if i <= 0 {
		return nil
	}
	prefix := filename[:i]

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, d := range l.drivers {
		if d.Protocol == prefix {
			return d
		}
	}

	for _, d := range l.drivers {
		if d.Format == prefix {
			return d
		}
	}

	return nil
}

func (l *Layer) probe(filename string) *Driver {
	if drv := l.FindProtocol(filename); drv != nil {
		return drv
	}

	if l.defaultFormat != "" {
		return l.FindFormat(l.defaultFormat)
	}

	return nil
}

// New returns unopened device. Named devices are part of the graph and can be
// found by Lookup.
func (l *Layer) New(name string) *Device {
	d := &Device{layer: l, name: name}

	if name != "" {
		l.mu.Lock()
		l.devices[name] = d
		l.mu.Unlock()
	}

	return d
}

// Open creates device name and opens filename with the driver for format.
// Empty format means probing by the filename prefix.
func (l *Layer) Open(name, filename string, flags Flags, format string) (*Device, error) {
	var drv *Driver
	if format != "" {
		drv = l.FindFormat(format)
		if drv == nil {
			return nil, &InvalidParameterError{Name: "format", Expected: "a supported format"}
		}
	}

	d := l.New(name)
	if err := d.Open(filename, flags, drv); err != nil {
		d.Delete()
		return nil, err
	}

	return d, nil
}

// Lookup returns the device registered under name.
func (l *Layer) Lookup(name string) *Device {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.devices[name]
}

// Append puts top in front of base. top takes over the place of base in the
// graph and base becomes the backing device of top. Drivers implementing
// Rebinder are then given the chance to rearrange the links.
func (l *Layer) Append(top, base *Device) {
	l.mu.Lock()
	if top.name != "" && l.devices[top.name] == top {
		delete(l.devices, top.name)
	}
	name := base.name
	base.name = ""
	top.name = name
	if name != "" {
		l.devices[name] = top
	}
	l.mu.Unlock()

	top.SetBacking(base)

	if r, ok := top.Impl().(Rebinder); ok {
		r.Rebind()
	}

	log.Debug().Str("device", name).Str("driver", top.Driver().Format).Msg("Device appended.")
}

// Loop returns the event loop every completion runs on.
func (l *Layer) Loop() *aio.Loop {
	return l.loop
}

// Threads returns the worker pool running blocking drivers.
func (l *Layer) Threads() *aio.ThreadPool {
	return l.threads
}

// Fail returns an operation completing with err. It is used by drivers which
// detect an error before issuing anything.
func (l *Layer) Fail(err error, cb aio.CompletionFunc) *aio.Op {
	return l.threads.Submit(func() error { return err }, cb)
}

// Close deletes all named devices and stops the loop and workers.
func (l *Layer) Close() {
	l.mu.Lock()
	devices := make([]*Device, 0, len(l.devices))
	for _, d := range l.devices {
		devices = append(devices, d)
	}
	l.mu.Unlock()

	for _, d := range devices {
		d.Delete()
	}

	l.threads.Release()
	l.loop.Stop()
}

func (l *Layer) remove(d *Device) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d.name != "" && l.devices[d.name] == d {
		delete(l.devices, d.name)
	}
}

func unknownDriver(filename string) error {
	return errors.Wrapf(&InvalidParameterError{Name: "driver", Expected: "a known protocol or format"},
		"open %s", filename)
}
