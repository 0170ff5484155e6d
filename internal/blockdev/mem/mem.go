// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package mem provides copy-on-write images kept in memory. Every image
// tracks allocation per sector, so unallocated ranges are served by the
// backing device, and records the name of its backing file the same way an
// image format on disk would. It is used by tests and as a scratch target.
package mem

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/asch/blkmirror/internal/blockdev"
)

const (
	Format     = "mem"
	SectorSize = 512
)

type image struct {
	mu    sync.RWMutex
	data  []byte
	alloc []bool

	backingFile   string
	backingFormat string
}

// Store is a namespace of images. Images live until they are removed, opening
// and closing devices on top of them does not change their content.
type Store struct {
	mu     sync.Mutex
	images map[string]*image
}

func NewStore() *Store {
	return &Store{images: make(map[string]*image)}
}

// Create makes a new zeroed image. The size is rounded up to whole sectors.
func (s *Store) Create(name string, size int64) error {
	if size < 0 {
		return &blockdev.InvalidParameterError{Name: "size", Expected: "a non-negative number"}
	}

	sectors := (size + SectorSize - 1) / SectorSize

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.images[name]; ok {
		return errors.Wrapf(os.ErrExist, "mem image %s", name)
	}

	s.images[name] = &image{
		data:  make([]byte, sectors*SectorSize),
		alloc: make([]bool, sectors),
	}

	return nil
}

// SetBackingFile records file as the backing file of the image, it is opened
// the next time the image is.
func (s *Store) SetBackingFile(name, file, format string) error {
	img, err := s.lookup(name)
	if err != nil {
		return err
	}

	img.mu.Lock()
	img.backingFile = file
	img.backingFormat = format
	img.mu.Unlock()

	return nil
}

func (s *Store) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.images, name)
}

func (s *Store) lookup(name string) (*image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, ok := s.images[name]
	if !ok {
		return nil, errors.Wrapf(os.ErrNotExist, "mem image %s", name)
	}

	return img, nil
}

// Driver returns driver opening images of s by "mem:<name>" filenames.
func Driver(s *Store) *blockdev.Driver {
	return &blockdev.Driver{
		Format:   Format,
		Protocol: Format,
		Open: func(d *blockdev.Device, filename string, flags blockdev.Flags) (blockdev.Impl, error) {
			img, err := s.lookup(blockdev.StripPrefix(filename, Format))
			if err != nil {
				return nil, err
			}

			return &mem{
				dev:      d,
				img:      img,
				readOnly: flags&blockdev.ReadWrite == 0,
			}, nil
		},
	}
}

type mem struct {
	dev      *blockdev.Device
	img      *image
	readOnly bool
}

func (m *mem) Length() (int64, error) {
	m.img.mu.RLock()
	defer m.img.mu.RUnlock()

	return int64(len(m.img.data)), nil
}

func (m *mem) Close() error {
	return nil
}

func (m *mem) BackingFile() (string, string) {
	m.img.mu.RLock()
	defer m.img.mu.RUnlock()

	return m.img.backingFile, m.img.backingFormat
}

func (m *mem) ChangeBackingFile(file, format string) error {
	if m.readOnly {
		return blockdev.ErrReadOnly
	}

	m.img.mu.Lock()
	defer m.img.mu.Unlock()

	m.img.backingFile = file
	m.img.backingFormat = format

	return nil
}

func (m *mem) ReadAt(p []byte, off int64) error {
	m.img.mu.RLock()
	defer m.img.mu.RUnlock()

	if err := m.checkRange(off, int64(len(p))); err != nil {
		return err
	}

	return m.read(p, off)
}

// Copies allocated sectors from the image and everything else from the
// backing chain. Runs of unallocated sectors are read from the backing device
// at once.
func (m *mem) read(p []byte, off int64) error {
	end := off + int64(len(p))

	for pos := off; pos < end; {
		sector := pos / SectorSize
		allocated := m.img.alloc[sector]

		runEnd := (sector + 1) * SectorSize
		for runEnd < end && m.img.alloc[runEnd/SectorSize] == allocated {
			runEnd += SectorSize
		}
		if runEnd > end {
			runEnd = end
		}

		chunk := p[pos-off : runEnd-off]
		if allocated {
			copy(chunk, m.img.data[pos:runEnd])
		} else if err := m.readBacking(chunk, pos); err != nil {
			return err
		}

		pos = runEnd
	}

	return nil
}

func (m *mem) readBacking(p []byte, off int64) error {
	clear(p)

	backing := m.dev.Backing()
	if backing == nil {
		return nil
	}

	length, err := backing.Length()
	if err != nil {
		return errors.Wrap(err, "backing length")
	}

	if off >= length {
		return nil
	}

	if n := length - off; n < int64(len(p)) {
		p = p[:n]
	}

	return backing.Read(context.Background(), p, off)
}

func (m *mem) WriteAt(p []byte, off int64) error {
	if m.readOnly {
		return blockdev.ErrReadOnly
	}

	m.img.mu.Lock()
	defer m.img.mu.Unlock()

	n := int64(len(p))
	if err := m.checkRange(off, n); err != nil {
		return err
	}

	if n == 0 {
		return nil
	}

	// Partially written sectors not yet allocated get the rest of their
	// content from the backing chain first.
	first, last := off/SectorSize, (off+n-1)/SectorSize
	for _, s := range []int64{first, last} {
		start := s * SectorSize
		whole := off <= start && off+n >= start+SectorSize
		if m.img.alloc[s] || whole {
			continue
		}

		if err := m.readBacking(m.img.data[start:start+SectorSize], start); err != nil {
			return errors.Wrapf(err, "copy on write of sector %d", s)
		}
	}

	copy(m.img.data[off:], p)
	for s := first; s <= last; s++ {
		m.img.alloc[s] = true
	}

	return nil
}

// Discard deallocates whole sectors in the range. Partial sectors at its ends
// are left untouched.
func (m *mem) Discard(off, n int64) error {
	if m.readOnly {
		return blockdev.ErrReadOnly
	}

	m.img.mu.Lock()
	defer m.img.mu.Unlock()

	if err := m.checkRange(off, n); err != nil {
		return err
	}

	first := (off + SectorSize - 1) / SectorSize
	end := (off + n) / SectorSize
	for s := first; s < end; s++ {
		m.img.alloc[s] = false
		clear(m.img.data[s*SectorSize : (s+1)*SectorSize])
	}

	return nil
}

func (m *mem) IsAllocated(ctx context.Context, off, n int64) (bool, int64, error) {
	m.img.mu.RLock()
	defer m.img.mu.RUnlock()

	if err := m.checkRange(off, n); err != nil {
		return false, 0, err
	}

	if n == 0 {
		return false, 0, nil
	}

	end := off + n
	allocated := m.img.alloc[off/SectorSize]
	pos := (off/SectorSize + 1) * SectorSize
	for pos < end && m.img.alloc[pos/SectorSize] == allocated {
		pos += SectorSize
	}
	if pos > end {
		pos = end
	}

	return allocated, pos - off, nil
}

func (m *mem) checkRange(off, n int64) error {
	if off < 0 || n < 0 || off+n > int64(len(m.img.data)) {
		return errors.Wrapf(blockdev.ErrOutOfRange, "offset %d length %d", off, n)
	}

	return nil
}
