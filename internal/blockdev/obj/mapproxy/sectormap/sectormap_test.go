// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package sectormap

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/asch/blkmirror/internal/blockdev/obj/mapproxy"
)

func TestLookup(t *testing.T) {
	m := New(16)

	m.Update([]mapproxy.Extent{{Sector: 2, Length: 4, SeqNo: 1}}, 0, 0)
	m.Update([]mapproxy.Extent{{Sector: 4, Length: 4, SeqNo: 2}}, 0, 1)

	parts := m.Lookup(0, 10)
	expected := []mapproxy.ObjectPart{
		{Sector: 0, Length: 2, Key: mapproxy.NotMappedKey},
		{Sector: 0, Length: 2, Key: 0},
		{Sector: 0, Length: 4, Key: 1},
		{Sector: 0, Length: 2, Key: mapproxy.NotMappedKey},
	}
	if diff := deep.Equal(parts, expected); diff != nil {
		t.Errorf("unexpected parts: %v", diff)
	}
}

func TestOlderWriteLoses(t *testing.T) {
	m := New(8)

	// Upload of the older write finished last.
	m.Update([]mapproxy.Extent{{Sector: 0, Length: 4, SeqNo: 5}}, 0, 1)
	m.Update([]mapproxy.Extent{{Sector: 0, Length: 4, SeqNo: 4}}, 0, 0)

	if diff := deep.Equal(m.Lookup(0, 4), []mapproxy.ObjectPart{{Sector: 0, Length: 4, Key: 1}}); diff != nil {
		t.Errorf("older write overwrote newer one: %v", diff)
	}

	if diff := deep.Equal(m.DeadObjects(), map[int64]struct{}{0: {}}); diff != nil {
		t.Errorf("unexpected dead objects: %v", diff)
	}
}

func TestDiscard(t *testing.T) {
	m := New(8)

	m.Update([]mapproxy.Extent{{Sector: 0, Length: 8, SeqNo: 1}}, 0, 0)
	m.Discard(mapproxy.Extent{Sector: 2, Length: 2, SeqNo: 2})

	type state struct {
		Mapped bool
		N      int64
	}
	var got []state
	for s := int64(0); s < 8; {
		mapped, n := m.Allocated(s, 8-s)
		got = append(got, state{mapped, n})
		s += n
	}

	expected := []state{{true, 2}, {false, 2}, {true, 4}}
	if diff := deep.Equal(got, expected); diff != nil {
		t.Errorf("unexpected allocation: %v", diff)
	}

	m.Discard(mapproxy.Extent{Sector: 0, Length: 8, SeqNo: 3})
	if _, ok := m.DeadObjects()[0]; !ok {
		t.Errorf("fully discarded object is not dead")
	}
}

func TestSerialize(t *testing.T) {
	m := New(8)
	m.Update([]mapproxy.Extent{{Sector: 1, Length: 2, SeqNo: 1}}, 0, 3)
	m.Update([]mapproxy.Extent{{Sector: 1, Length: 2, SeqNo: 2}}, 0, 7)

	buf, err := m.Serialize()
	if err != nil {
		t.Fatalf("unable to serialize: %v", err)
	}

	// Restoring into a larger map extends it with unmapped sectors.
	restored := New(12)
	next, err := restored.DeserializeAndReturnNextKey(buf)
	if err != nil {
		t.Fatalf("unable to deserialize: %v", err)
	}

	if next != 8 {
		t.Errorf("expected next key 8, got %d", next)
	}
	if len(restored.Sectors) != 12 {
		t.Errorf("expected 12 sectors, got %d", len(restored.Sectors))
	}
	if diff := deep.Equal(restored.Lookup(0, 12), []mapproxy.ObjectPart{
		{Sector: 0, Length: 1, Key: mapproxy.NotMappedKey},
		{Sector: 0, Length: 2, Key: 7},
		{Sector: 0, Length: 9, Key: mapproxy.NotMappedKey},
	}); diff != nil {
		t.Errorf("unexpected restored map: %v", diff)
	}
	if diff := deep.Equal(restored.DeadObjects(), map[int64]struct{}{3: {}}); diff != nil {
		t.Errorf("unexpected dead objects: %v", diff)
	}
}
