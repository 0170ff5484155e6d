// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package null

import (
	"bytes"
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/asch/blkmirror/internal/blockdev"
)

func TestNull(t *testing.T) {
	l, err := blockdev.NewLayer(blockdev.Options{})
	if err != nil {
		t.Fatalf("unable to create layer: %v", err)
	}
	defer l.Close()
	l.Register(Driver(1 << 30))
	ctx := context.Background()

	d, err := l.Open("a", "null:", blockdev.ReadWrite, "")
	if err != nil {
		t.Fatalf("unable to open null device: %v", err)
	}
	if length, _ := d.Length(); length != 1<<30 {
		t.Errorf("expected default size, got %d", length)
	}

	if err := d.Write(ctx, []byte("data"), 0); err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	p := []byte("xxxx")
	if err := d.Read(ctx, p, 0); err != nil {
		t.Fatalf("unable to read: %v", err)
	}
	if !bytes.Equal(p, make([]byte, 4)) {
		t.Errorf("null device returned %v", p)
	}

	d, err = l.Open("b", "null:4096", 0, "")
	if err != nil {
		t.Fatalf("unable to open sized null device: %v", err)
	}
	if length, _ := d.Length(); length != 4096 {
		t.Errorf("expected size 4096, got %d", length)
	}

	if _, err := l.Open("c", "null:big", 0, ""); !errors.Is(err, blockdev.ErrInvalidParameter) {
		t.Errorf("expected invalid parameter, got %v", err)
	}
}
