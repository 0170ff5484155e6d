// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mirror

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/blkmirror/internal/blockdev"
)

// Compare reads a and b chunk by chunk and returns offset of the first chunk
// with different content, or -1 when the devices are equal. Devices of
// different length differ at the end of the shorter one.
func Compare(ctx context.Context, a, b *blockdev.Device, chunk int64) (int64, error) {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	la, err := a.Length()
	if err != nil {
		return 0, errors.Wrapf(err, "length of %s", a.Filename())
	}

	lb, err := b.Length()
	if err != nil {
		return 0, errors.Wrapf(err, "length of %s", b.Filename())
	}

	length := la
	if lb < length {
		length = lb
	}

	bufA := make([]byte, chunk)
	bufB := make([]byte, chunk)

	for off := int64(0); off < length; off += chunk {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n := length - off
		if n > chunk {
			n = chunk
		}

		if err := a.Read(ctx, bufA[:n], off); err != nil {
			return 0, errors.Wrapf(err, "read %s at %d", a.Filename(), off)
		}

		if err := b.Read(ctx, bufB[:n], off); err != nil {
			return 0, errors.Wrapf(err, "read %s at %d", b.Filename(), off)
		}

		da, db := xxhash.Sum64(bufA[:n]), xxhash.Sum64(bufB[:n])
		if da != db {
			log.Debug().Int64("offset", off).Uint64("a", da).Uint64("b", db).Msg("Chunk digests differ.")
			return off, nil
		}
	}

	if la != lb {
		return length, nil
	}

	return -1, nil
}
