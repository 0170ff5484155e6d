// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package buseio serves a BUSE block device from a device of the block layer.
package buseio

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/blkmirror/internal/blockdev"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	WriteItemSize = 32

	// Sector is a linux constant, which is always 512, no matter how big your sectors or blocks
	// are. Please be careful since the terminology is ambiguous.
	sectorUnit = 512
)

// One write as described by the kernel. Sector and Length are in sectors.
type extent struct {
	Sector int64
	Length int64
	SeqNo  int64
	Flag   int64
}

// Parses write extent information from 32 bytes of raw memory.
func parseExtent(b []byte) extent {
	return extent{
		Sector: int64(binary.LittleEndian.Uint64(b[:8])),
		Length: int64(binary.LittleEndian.Uint64(b[8:16])),
		SeqNo:  int64(binary.LittleEndian.Uint64(b[16:24])),
		Flag:   int64(binary.LittleEndian.Uint64(b[24:32])),
	}
}

type Options struct {
	BlockSize      int64
	WriteChunkSize int64

	// Flush the device after every write chunk.
	Durable bool
}

// Device implements BuseReadWriter interface on top of a block layer device.
// Writes and reads are passed to the device one by one, in the order the
// kernel placed them in the chunk.
type Device struct {
	dev       *blockdev.Device
	blockSize int64
	durable   bool

	// Size of the chunk portion which contains all writes metadata. After
	// this offset real data are stored.
	metadataSize int64
}

func New(dev *blockdev.Device, o Options) *Device {
	return &Device{
		dev:          dev,
		blockSize:    o.BlockSize,
		durable:      o.Durable,
		metadataSize: o.WriteChunkSize / o.BlockSize * WriteItemSize,
	}
}

// BuseWrite writes all writes from the chunk. Chunk starts with metadata of
// writes number of extents, data of all writes in the same order follow after
// metadataSize.
func (d *Device) BuseWrite(writes int64, chunk []byte) error {
	if writes*WriteItemSize > d.metadataSize || d.metadataSize > int64(len(chunk)) {
		return errors.Errorf("write chunk with %d writes does not fit its metadata", writes)
	}

	ctx := context.Background()
	metadata := chunk[:d.metadataSize]
	data := chunk[d.metadataSize:]

	var first error
	for i := int64(0); i < writes; i++ {
		e := parseExtent(metadata[:WriteItemSize])
		metadata = metadata[WriteItemSize:]

		size := e.Length * sectorUnit
		if size > int64(len(data)) {
			return errors.Errorf("write %d of %d overruns the chunk", i, writes)
		}

		if err := d.dev.Write(ctx, data[:size], e.Sector*sectorUnit); err != nil && first == nil {
			log.Info().Err(err).Int64("sector", e.Sector).Int64("length", e.Length).Send()
			first = err
		}

		data = data[size:]
	}

	if first != nil || !d.durable {
		return first
	}

	return d.dev.Flush(ctx)
}

// BuseRead reads length blocks starting at block sector to chunk.
func (d *Device) BuseRead(sector, length int64, chunk []byte) error {
	return d.dev.Read(context.Background(), chunk[:length*d.blockSize], sector*d.blockSize)
}

func (d *Device) BusePreRun() {
	log.Info().Str("device", d.dev.Name()).Msg("Serving device.")
}

// BusePostRemove flushes the device after disconnecting from the kernel.
func (d *Device) BusePostRemove() {
	if err := d.dev.Flush(context.Background()); err != nil {
		log.Info().Err(err).Send()
	}
}
