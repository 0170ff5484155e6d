// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package raw serves host files and block devices as they are. There is no
// image format, hence no backing file either.
package raw

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/asch/blkmirror/internal/blockdev"
)

const (
	Format   = "raw"
	Protocol = "file"
)

// Driver opens "file:<path>" or plain paths when raw is the default format.
var Driver = &blockdev.Driver{
	Format:   Format,
	Protocol: Protocol,
	Open:     open,
}

type raw struct {
	f        *os.File
	readOnly bool
}

func open(d *blockdev.Device, filename string, flags blockdev.Flags) (blockdev.Impl, error) {
	path := blockdev.StripPrefix(filename, Protocol, Format)

	mode := os.O_RDONLY
	if flags&blockdev.ReadWrite != 0 {
		mode = os.O_RDWR
	}

	// Without write-back cache every write has to reach the disk before
	// it completes.
	if flags&blockdev.CacheWB == 0 {
		mode |= dsync
	}

	f, err := os.OpenFile(path, mode, 0)
	if err != nil {
		return nil, err
	}

	return &raw{f: f, readOnly: flags&blockdev.ReadWrite == 0}, nil
}

// Length works for regular files and block devices, seeking to the end is
// the common way to get the size of both.
func (r *raw) Length() (int64, error) {
	size, err := r.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrapf(err, "size of %s", r.f.Name())
	}

	return size, nil
}

func (r *raw) Close() error {
	return r.f.Close()
}

// ReadAt reads zeros past the end of file.
func (r *raw) ReadAt(p []byte, off int64) error {
	n, err := r.f.ReadAt(p, off)
	if err == io.EOF {
		clear(p[n:])
		return nil
	}

	return err
}

func (r *raw) WriteAt(p []byte, off int64) error {
	if r.readOnly {
		return blockdev.ErrReadOnly
	}

	_, err := r.f.WriteAt(p, off)

	return err
}

func (r *raw) Discard(off, n int64) error {
	if r.readOnly {
		return blockdev.ErrReadOnly
	}

	return punchHole(r.f, off, n)
}

func (r *raw) Flush(ctx context.Context) error {
	return r.f.Sync()
}

func (r *raw) IsAllocated(ctx context.Context, off, n int64) (bool, int64, error) {
	return allocated(r.f, off, n)
}
