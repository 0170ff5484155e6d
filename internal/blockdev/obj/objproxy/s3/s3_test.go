// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3

import (
	"testing"
)

func TestKeyEncoding(t *testing.T) {
	for _, prefix := range []string{"", "images/disk0"} {
		s := &S3{prefix: prefix}

		for _, k := range []int64{0, 1, 0xffffffff, 1 << 32, 1<<40 + 5, -1, -2} {
			name := s.encode(k)
			got, ok := s.decode(name)
			if !ok || got != k {
				t.Errorf("prefix %q key %d: encoded as %q decoded as %d %v", prefix, k, name, got, ok)
			}
		}
	}

	s := &S3{prefix: "a"}
	if _, ok := s.decode("b/00000000/00000000"); ok {
		t.Errorf("object of another image decoded")
	}
	if name := s.encode(1<<32 + 2); name != "a/00000002/00000001" {
		t.Errorf("unexpected name %q", name)
	}
}
