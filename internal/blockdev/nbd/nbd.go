// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package nbd serves remote NBD exports through libnbd. The filename after
// the prefix is either an NBD URI ("nbd://host/export", "nbd+unix:///?socket=")
// or a path of a unix socket.
package nbd

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"libguestfs.org/libnbd"

	"github.com/asch/blkmirror/internal/blockdev"
)

const Format = "nbd"

var Driver = &blockdev.Driver{
	Format:   Format,
	Protocol: Format,
	Open:     open,
}

type nbd struct {
	handle   *libnbd.Libnbd
	readOnly bool
	canTrim  bool
	canFlush bool
}

func open(d *blockdev.Device, filename string, flags blockdev.Flags) (blockdev.Impl, error) {
	target := blockdev.StripPrefix(filename, Format)

	handle, err := libnbd.Create()
	if err != nil {
		return nil, errors.Wrap(err, "create nbd handle")
	}

	if strings.Contains(target, "://") {
		err = handle.ConnectUri(target)
	} else {
		err = handle.ConnectUnix(target)
	}
	if err != nil {
		handle.Close()
		return nil, errors.Wrapf(err, "connect to %s", target)
	}

	n := &nbd{
		handle:   handle,
		readOnly: flags&blockdev.ReadWrite == 0,
	}

	if ro, err := handle.IsReadOnly(); err == nil && ro && !n.readOnly {
		handle.Close()
		return nil, errors.Wrapf(blockdev.ErrReadOnly, "export %s", target)
	}

	// Optional features of the server, missing ones are skipped.
	n.canTrim, _ = handle.CanTrim()
	n.canFlush, _ = handle.CanFlush()

	return n, nil
}

func (n *nbd) Length() (int64, error) {
	size, err := n.handle.GetSize()
	if err != nil {
		return 0, err
	}

	return int64(size), nil
}

func (n *nbd) Close() error {
	n.handle.Close()
	return nil
}

func (n *nbd) ReadAt(p []byte, off int64) error {
	return n.handle.Pread(p, uint64(off), nil)
}

func (n *nbd) WriteAt(p []byte, off int64) error {
	if n.readOnly {
		return blockdev.ErrReadOnly
	}

	return n.handle.Pwrite(p, uint64(off), nil)
}

func (n *nbd) Discard(off, length int64) error {
	if n.readOnly {
		return blockdev.ErrReadOnly
	}

	if !n.canTrim {
		return nil
	}

	return n.handle.Trim(uint64(length), uint64(off), nil)
}

func (n *nbd) Flush(ctx context.Context) error {
	if !n.canFlush {
		return nil
	}

	return n.handle.Flush(nil)
}
