package dbus

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func marshalUnmarshal(t *testing.T, format Format, values ...interface{}) []Value {
	t.Helper()
	buf, fds, err := Marshal(binary.LittleEndian, format, values...)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	sig := SignatureOf(values...)
	out, err := Unmarshal(binary.LittleEndian, format, buf, fds, sig.String())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(out) != len(values) {
		t.Fatalf("Unmarshal returned %d values, want %d", len(out), len(values))
	}
	return out
}

func TestRoundTripScalarsDBus(t *testing.T) {
	out := marshalUnmarshal(t, FormatDBus,
		byte(7), true, int16(-3), uint16(300), int32(-70000), uint32(70000),
		int64(-1), uint64(1), 3.25, "hello", ObjectPath("/a/b"), Signature{"ai"})

	checks := []struct {
		got, want interface{}
	}{
		{out[0].AsU8(), byte(7)},
		{out[1].AsBool(), true},
		{out[2].AsI16(), int16(-3)},
		{out[3].AsU16(), uint16(300)},
		{out[4].AsI32(), int32(-70000)},
		{out[5].AsU32(), uint32(70000)},
		{out[6].AsI64(), int64(-1)},
		{out[7].AsU64(), uint64(1)},
		{out[8].AsF64(), 3.25},
		{out[9].AsStr(), "hello"},
		{out[10].AsObjectPath(), ObjectPath("/a/b")},
		{out[11].AsSignature().String(), "ai"},
	}
	for i, c := range checks {
		if c.got != c.want {
			t.Errorf("value %d: got %v, want %v", i, c.got, c.want)
		}
	}
}

func TestRoundTripArrayDBus(t *testing.T) {
	out := marshalUnmarshal(t, FormatDBus, []int32{1, 2, 3})
	items := out[0].AsArray()
	if len(items) != 3 {
		t.Fatalf("array has %d items, want 3", len(items))
	}
	for i, want := range []int32{1, 2, 3} {
		if items[i].AsI32() != want {
			t.Errorf("item %d = %d, want %d", i, items[i].AsI32(), want)
		}
	}
}

func TestRoundTripStructDBus(t *testing.T) {
	type pair struct {
		A int32
		B string
	}
	out := marshalUnmarshal(t, FormatDBus, pair{A: 42, B: "x"})
	fields := out[0].AsStruct()
	if len(fields) != 2 || fields[0].AsI32() != 42 || fields[1].AsStr() != "x" {
		t.Fatalf("struct round-trip mismatch: %v", fields)
	}
}

func TestRoundTripDictDBus(t *testing.T) {
	out := marshalUnmarshal(t, FormatDBus, map[string]uint32{"a": 1, "b": 2})
	entries := out[0].AsDict()
	if len(entries) != 2 {
		t.Fatalf("dict has %d entries, want 2", len(entries))
	}
	got := map[string]uint32{}
	for _, e := range entries {
		got[e.Key.AsStr()] = e.Val.AsU32()
	}
	if got["a"] != 1 || got["b"] != 2 {
		t.Fatalf("dict round-trip mismatch: %v", got)
	}
}

func TestRoundTripVariantDBus(t *testing.T) {
	buf, fds, err := MarshalValue(binary.LittleEndian, FormatDBus, NewVariantValue(NewU32(99)))
	if err != nil {
		t.Fatalf("MarshalValue: %v", err)
	}
	r := newWireReader(buf, binary.LittleEndian, FormatDBus, fds)
	v, err := decodeValue(r, "v", len(buf))
	if err != nil {
		t.Fatalf("decodeValue: %v", err)
	}
	if v.AsVariant().AsU32() != 99 {
		t.Fatalf("variant round-trip mismatch: got %v", v.AsVariant())
	}
}

func TestRoundTripNestedArrayOfStructsDBus(t *testing.T) {
	type pair struct {
		A int32
		B string
	}
	out := marshalUnmarshal(t, FormatDBus, []pair{{1, "a"}, {2, "b"}})
	items := out[0].AsArray()
	if len(items) != 2 {
		t.Fatalf("array has %d items, want 2", len(items))
	}
	if items[0].AsStruct()[0].AsI32() != 1 || items[1].AsStruct()[1].AsStr() != "b" {
		t.Fatalf("nested struct round-trip mismatch: %v", items)
	}

	got := []interface{}{
		[]interface{}{items[0].AsStruct()[0].goValue(), items[0].AsStruct()[1].goValue()},
		[]interface{}{items[1].AsStruct()[0].goValue(), items[1].AsStruct()[1].goValue()},
	}
	want := []interface{}{
		[]interface{}{int32(1), "a"},
		[]interface{}{int32(2), "b"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("nested struct round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestBoolMustBeZeroOrOneOnDecode(t *testing.T) {
	buf, fds, err := MarshalValue(binary.LittleEndian, FormatDBus, NewU32(2))
	if err != nil {
		t.Fatalf("MarshalValue: %v", err)
	}
	r := newWireReader(buf, binary.LittleEndian, FormatDBus, fds)
	if _, err := decodeValue(r, "b", len(buf)); err == nil {
		t.Fatalf("expected error decoding bool value 2, got none")
	}
}

func TestPaddingMustBeZeroOnDecode(t *testing.T) {
	buf, fds, err := Marshal(binary.LittleEndian, FormatDBus, byte(1), int32(5))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// Corrupt the alignment padding between the u8 and the i32.
	buf[1] = 0xFF
	r := newWireReader(buf, binary.LittleEndian, FormatDBus, fds)
	if _, err := decodeValue(r, "y", len(buf)); err != nil {
		t.Fatalf("decoding the u8 itself: unexpected error: %v", err)
	}
	if err := r.alignTo(4); err == nil {
		t.Fatalf("expected padding-not-zero error, got none")
	}
}

func TestGVariantArrayRoundTrip(t *testing.T) {
	out := marshalUnmarshal(t, FormatGVariant, []string{"one", "two", "three"})
	items := out[0].AsArray()
	if len(items) != 3 {
		t.Fatalf("array has %d items, want 3", len(items))
	}
	for i, want := range []string{"one", "two", "three"} {
		if items[i].AsStr() != want {
			t.Errorf("item %d = %q, want %q", i, items[i].AsStr(), want)
		}
	}
}

func TestGVariantMaybe(t *testing.T) {
	buf, fds, err := MarshalValue(binary.LittleEndian, FormatGVariant, NewJust(Signature{"i"}, NewI32(7)))
	if err != nil {
		t.Fatalf("MarshalValue Just: %v", err)
	}
	r := newWireReader(buf, binary.LittleEndian, FormatGVariant, fds)
	v, err := decodeValue(r, "mi", len(buf))
	if err != nil {
		t.Fatalf("decodeValue Just: %v", err)
	}
	val, ok := v.MaybeValue()
	if !ok || val.AsI32() != 7 {
		t.Fatalf("Just round-trip mismatch: ok=%v val=%v", ok, val)
	}

	buf2, fds2, err := MarshalValue(binary.LittleEndian, FormatGVariant, NewNothing(Signature{"i"}))
	if err != nil {
		t.Fatalf("MarshalValue Nothing: %v", err)
	}
	r2 := newWireReader(buf2, binary.LittleEndian, FormatGVariant, fds2)
	v2, err := decodeValue(r2, "mi", len(buf2))
	if err != nil {
		t.Fatalf("decodeValue Nothing: %v", err)
	}
	if _, ok := v2.MaybeValue(); ok {
		t.Fatalf("expected Nothing, got a value")
	}
}
