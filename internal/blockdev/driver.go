// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockdev

import (
	"context"
	"strings"

	"github.com/asch/blkmirror/internal/aio"
)

// Flags passed to Open.
type Flags uint32

const (
	// Open for writing. Without it the device is read-only.
	ReadWrite Flags = 1 << iota

	// Do not open the backing file named by the image.
	NoBacking

	// Flush requests succeed without reaching the driver.
	NoFlush

	// Write-back caching. Drivers open write-through without it.
	CacheWB
)

// Driver describes one kind of block backend. Format is the name used to
// select it explicitly, Protocol is the filename prefix ("proto:...") used to
// select it when no format is given.
type Driver struct {
	Format   string
	Protocol string

	// Open returns implementation serving d. filename is passed as the
	// user wrote it, including protocol prefix if there was one.
	Open func(d *Device, filename string, flags Flags) (Impl, error)
}

// Impl is an opened instance of a driver. Besides these two methods it has to
// implement either ReadWriter or AsyncReadWriter. Other interfaces in this
// file are optional.
type Impl interface {
	Length() (int64, error)
	Close() error
}

// ReadWriter is implemented by drivers doing blocking I/O. The block layer
// runs them on the worker pool.
type ReadWriter interface {
	ReadAt(p []byte, off int64) error
	WriteAt(p []byte, off int64) error
	Discard(off, n int64) error
}

// AsyncReadWriter is implemented by drivers issuing requests on their own.
// The methods are called on the loop and must not block.
type AsyncReadWriter interface {
	ReadAsync(p []byte, off int64, cb aio.CompletionFunc) *aio.Op
	WriteAsync(p []byte, off int64, cb aio.CompletionFunc) *aio.Op
	DiscardAsync(off, n int64, cb aio.CompletionFunc) *aio.Op
}

type Flusher interface {
	Flush(ctx context.Context) error
}

// AllocationQuerier reports whether the range starting at off is allocated
// in this very image, not in its backing chain. The second return value is
// the number of bytes from off sharing the reported state; it is never
// larger than n and never zero for n > 0.
type AllocationQuerier interface {
	IsAllocated(ctx context.Context, off, n int64) (bool, int64, error)
}

// BackingFiler is implemented by images which record their backing file.
type BackingFiler interface {
	BackingFile() (file, format string)
}

type BackingChanger interface {
	ChangeBackingFile(file, format string) error
}

// Rebinder is implemented by drivers which have to rearrange the graph after
// being appended in front of another device.
type Rebinder interface {
	Rebind()
}

// StripPrefix removes the first matching "prefix:" from filename.
func StripPrefix(filename string, prefixes ...string) string {
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(filename, p+":"); ok {
			return rest
		}
	}

	return filename
}
