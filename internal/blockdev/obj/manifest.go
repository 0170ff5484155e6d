// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package obj

import (
	"bytes"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/asch/blkmirror/internal/blockdev"
	"github.com/asch/blkmirror/internal/blockdev/obj/key"
	"github.com/asch/blkmirror/internal/blockdev/obj/objproxy"
)

type manifest struct {
	Size          int64  `toml:"size"`
	BlockSize     int64  `toml:"block_size"`
	BackingFile   string `toml:"backing_file,omitempty"`
	BackingFormat string `toml:"backing_format,omitempty"`
}

func (m *manifest) validate() error {
	if m.BlockSize <= 0 || m.BlockSize%sectorUnit != 0 {
		return &blockdev.InvalidParameterError{Name: "block_size", Expected: "a positive multiple of 512"}
	}

	if m.Size <= 0 || m.Size%m.BlockSize != 0 {
		return &blockdev.InvalidParameterError{Name: "size", Expected: "a positive multiple of the block size"}
	}

	return nil
}

func (m *manifest) encode() ([]byte, error) {
	var buf bytes.Buffer

	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, errors.Wrap(err, "encode manifest")
	}

	return buf.Bytes(), nil
}

// Reads the manifest directly from the store. Missing manifest is reported
// as objproxy.ErrNotExist.
func loadManifest(store objproxy.ObjectUploadDownloaderAt) (manifest, error) {
	var m manifest

	size, err := store.GetObjectSize(key.Manifest)
	if err != nil {
		return m, err
	}

	buf := make([]byte, size)
	if err := store.DownloadAt(key.Manifest, buf, 0); err != nil {
		return m, errors.Wrap(err, "download manifest")
	}

	if _, err := toml.Decode(string(buf), &m); err != nil {
		return m, errors.Wrap(err, "decode manifest")
	}

	return m, m.validate()
}
