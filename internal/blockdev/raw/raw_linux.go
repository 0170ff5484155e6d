// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package raw

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const dsync = unix.O_DSYNC

// Filesystems without hole punching support ignore discards.
func punchHole(f *os.File, off, n int64) error {
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, n)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return nil
	}

	return err
}

// Finds the data or hole around off with SEEK_DATA and SEEK_HOLE. Files on
// filesystems without support are reported allocated.
func allocated(f *os.File, off, n int64) (bool, int64, error) {
	fd := int(f.Fd())

	data, err := unix.Seek(fd, off, unix.SEEK_DATA)
	switch {
	case errors.Is(err, unix.ENXIO):
		// Hole up to the end of file.
		return false, n, nil
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.EOPNOTSUPP):
		return true, n, nil
	case err != nil:
		return false, 0, errors.Wrap(err, "seek data")
	}

	if data > off {
		return false, min(data-off, n), nil
	}

	hole, err := unix.Seek(fd, off, unix.SEEK_HOLE)
	if err != nil {
		return false, 0, errors.Wrap(err, "seek hole")
	}

	return true, min(hole-off, n), nil
}
