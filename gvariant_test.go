package dbus

import (
	"encoding/binary"
	"testing"
)

func TestOffsetWidthBoundaries(t *testing.T) {
	cases := []struct {
		maxOffset int
		want      int
	}{
		{0, 1},
		{1<<8 - 1, 1},
		{1 << 8, 2},
		{1<<16 - 1, 2},
		{1 << 16, 4},
		{1<<32 - 1, 4},
		{1 << 32, 8},
	}
	for _, c := range cases {
		if got := offsetWidth(c.maxOffset); got != c.want {
			t.Errorf("offsetWidth(%d) = %d, want %d", c.maxOffset, got, c.want)
		}
	}
}

func TestOffsetTableRoundTripEachWidth(t *testing.T) {
	for _, width := range []int{1, 2, 4, 8} {
		offsets := []int{3, 40, 255}
		w := newWireWriter(binary.LittleEndian, FormatGVariant)
		writeOffsetTableWidth(w, offsets, width)

		got, err := readOffsetTable(binary.LittleEndian, w.buf, width, len(offsets))
		if err != nil {
			t.Fatalf("width %d: readOffsetTable: %v", width, err)
		}
		if len(got) != len(offsets) {
			t.Fatalf("width %d: got %d offsets, want %d", width, len(got), len(offsets))
		}
		for i, want := range offsets {
			if got[i] != want {
				t.Errorf("width %d: offset %d = %d, want %d", width, i, got[i], want)
			}
		}
	}
}

func TestReadOffsetTableTruncatedData(t *testing.T) {
	if _, err := readOffsetTable(binary.LittleEndian, []byte{1, 2}, 4, 3); err == nil {
		t.Fatalf("expected an error for a truncated offset table, got none")
	}
}

func TestReadOffsetTableZeroCount(t *testing.T) {
	out, err := readOffsetTable(binary.LittleEndian, nil, 4, 0)
	if err != nil {
		t.Fatalf("readOffsetTable: %v", err)
	}
	if out != nil {
		t.Fatalf("expected a nil slice for zero count, got %v", out)
	}
}

func TestGVariantArrayOfStructsOffsetTable(t *testing.T) {
	type pair struct {
		A int32
		B string
	}
	out := marshalUnmarshal(t, FormatGVariant, []pair{{1, "a"}, {2, "longer string"}, {3, "c"}})
	items := out[0].AsArray()
	if len(items) != 3 {
		t.Fatalf("array has %d items, want 3", len(items))
	}
	want := []pair{{1, "a"}, {2, "longer string"}, {3, "c"}}
	for i, w := range want {
		fields := items[i].AsStruct()
		if fields[0].AsI32() != w.A || fields[1].AsStr() != w.B {
			t.Errorf("item %d = (%d,%q), want (%d,%q)", i, fields[0].AsI32(), fields[1].AsStr(), w.A, w.B)
		}
	}
}

func TestGVariantDictRoundTrip(t *testing.T) {
	out := marshalUnmarshal(t, FormatGVariant, map[string]string{"k1": "v1", "k2": "v2"})
	entries := out[0].AsDict()
	if len(entries) != 2 {
		t.Fatalf("dict has %d entries, want 2", len(entries))
	}
	got := map[string]string{}
	for _, e := range entries {
		got[e.Key.AsStr()] = e.Val.AsStr()
	}
	if got["k1"] != "v1" || got["k2"] != "v2" {
		t.Fatalf("dict round-trip mismatch: %v", got)
	}
}
