// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"strconv"

	"github.com/asch/blkmirror/internal/blockdev"
)

const Format = "null"

// Null device reads zeros and forgets writes. Useful as a mirror target for
// measuring the overhead of the mirror itself, otherwise useless. The size is
// given in bytes after the prefix, e.g. "null:1073741824", or defaultSize is
// used.
func Driver(defaultSize int64) *blockdev.Driver {
	return &blockdev.Driver{
		Format:   Format,
		Protocol: Format,
		Open: func(d *blockdev.Device, filename string, flags blockdev.Flags) (blockdev.Impl, error) {
			size := defaultSize

			if s := blockdev.StripPrefix(filename, Format); s != "" && s != filename {
				n, err := strconv.ParseInt(s, 10, 64)
				if err != nil || n < 0 {
					return nil, &blockdev.InvalidParameterError{Name: "size", Expected: "a number of bytes"}
				}
				size = n
			}

			return &null{size: size}, nil
		},
	}
}

type null struct {
	size int64
}

func (n *null) Length() (int64, error) {
	return n.size, nil
}

func (n *null) Close() error {
	return nil
}

func (n *null) ReadAt(p []byte, off int64) error {
	clear(p)
	return nil
}

func (n *null) WriteAt(p []byte, off int64) error {
	return nil
}

func (n *null) Discard(off, length int64) error {
	return nil
}
