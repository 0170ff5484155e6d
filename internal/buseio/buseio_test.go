// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package buseio

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/asch/blkmirror/internal/blockdev"
	"github.com/asch/blkmirror/internal/blockdev/mem"
)

const (
	blockSize = 4096
	chunkSize = 2 * blockSize
)

func newDevice(t *testing.T) *Device {
	t.Helper()

	l, err := blockdev.NewLayer(blockdev.Options{Threads: 2})
	if err != nil {
		t.Fatalf("unable to create layer: %v", err)
	}
	t.Cleanup(l.Close)

	s := mem.NewStore()
	l.Register(mem.Driver(s))

	if err := s.Create("disk", 1<<20); err != nil {
		t.Fatalf("unable to create image: %v", err)
	}

	dev, err := l.Open("disk", "mem:disk", blockdev.ReadWrite, "")
	if err != nil {
		t.Fatalf("unable to open image: %v", err)
	}

	return New(dev, Options{BlockSize: blockSize, WriteChunkSize: chunkSize})
}

// Builds write chunk the way the kernel does.
func writeChunk(d *Device, extents []extent, data ...[]byte) []byte {
	chunk := make([]byte, d.metadataSize)
	for i, e := range extents {
		m := chunk[i*WriteItemSize:]
		binary.LittleEndian.PutUint64(m[0:], uint64(e.Sector))
		binary.LittleEndian.PutUint64(m[8:], uint64(e.Length))
		binary.LittleEndian.PutUint64(m[16:], uint64(e.SeqNo))
		binary.LittleEndian.PutUint64(m[24:], uint64(e.Flag))
	}

	for _, p := range data {
		chunk = append(chunk, p...)
	}

	return chunk
}

func TestParseExtent(t *testing.T) {
	d := &Device{metadataSize: WriteItemSize}
	e := extent{Sector: 8, Length: 16, SeqNo: 42, Flag: 1}

	if got := parseExtent(writeChunk(d, []extent{e})); got != e {
		t.Errorf("expected %+v, got %+v", e, got)
	}
}

func TestWriteRead(t *testing.T) {
	d := newDevice(t)

	first := bytes.Repeat([]byte{0x11}, 512)
	second := bytes.Repeat([]byte{0x22}, 1024)

	chunk := writeChunk(d, []extent{
		{Sector: 8, Length: 1, SeqNo: 1},
		{Sector: 0, Length: 2, SeqNo: 2},
	}, first, second)

	if err := d.BuseWrite(2, chunk); err != nil {
		t.Fatalf("unable to write chunk: %v", err)
	}

	p := make([]byte, 2*blockSize)
	if err := d.BuseRead(0, 2, p); err != nil {
		t.Fatalf("unable to read: %v", err)
	}

	expected := make([]byte, 2*blockSize)
	copy(expected, second)
	copy(expected[8*512:], first)

	if !bytes.Equal(p, expected) {
		t.Errorf("read data differ from written data")
	}
}

func TestMalformedChunk(t *testing.T) {
	d := newDevice(t)

	chunk := writeChunk(d, []extent{{Sector: 0, Length: 4}}, make([]byte, 512))
	if err := d.BuseWrite(1, chunk); err == nil {
		t.Errorf("write overrunning the chunk accepted")
	}

	if err := d.BuseWrite(3, chunk); err == nil {
		t.Errorf("more writes than metadata slots accepted")
	}
}
