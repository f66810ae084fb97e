package dbus

import "testing"

func TestParseSignatureValid(t *testing.T) {
	cases := []string{
		"",
		"y", "b", "n", "q", "i", "u", "x", "t", "d", "s", "o", "g", "h", "v",
		"ay", "a(yv)", "a{sv}", "(ii)", "a{s(ii)}", "((ii)(ii))",
	}
	for _, s := range cases {
		if _, err := ParseSignature(s); err != nil {
			t.Errorf("ParseSignature(%q): unexpected error: %v", s, err)
		}
	}
}

func TestParseSignatureInvalid(t *testing.T) {
	cases := []string{
		"z",     // unknown type code
		"(",     // unterminated struct
		"a",     // array with no element type
		"{sv}",  // dict entry outside an array
		"a{vs}", // variant is not a valid dict key
		"m",     // Maybe is GVariant-only
	}
	for _, s := range cases {
		if _, err := ParseSignature(s); err == nil {
			t.Errorf("ParseSignature(%q): expected error, got none", s)
		}
	}
}

func TestParseSignatureMaybeRequiresGVariant(t *testing.T) {
	if _, err := parseSignatureFormat("mi", FormatGVariant); err != nil {
		t.Fatalf("Maybe under GVariant framing: unexpected error: %v", err)
	}
	if _, err := parseSignatureFormat("mi", FormatDBus); err == nil {
		t.Fatalf("Maybe under classic framing: expected error, got none")
	}
}

func TestParseSignatureDepthLimits(t *testing.T) {
	deep := ""
	for i := 0; i < 33; i++ {
		deep += "a"
	}
	deep += "y"
	if _, err := ParseSignature(deep); err == nil {
		t.Fatalf("33-deep array nesting: expected depth error, got none")
	}
}

func TestSignatureOfBasicTypes(t *testing.T) {
	got := SignatureOf(byte(1), true, int16(1), uint16(1), int32(1), uint32(1),
		int64(1), uint64(1), 1.0, "s", ObjectPath("/a"), Signature{"i"})
	want := "ybnqiuxtdsog"
	if got.String() != want {
		t.Fatalf("SignatureOf basic types = %q, want %q", got.String(), want)
	}
}

func TestSignatureOfContainers(t *testing.T) {
	got := SignatureOf([]int32{1, 2}, map[string]uint32{"a": 1})
	// []int32 -> "ai", map[string]uint32 -> "a{su}"
	want := "aia{su}"
	if got.String() != want {
		t.Fatalf("SignatureOf containers = %q, want %q", got.String(), want)
	}
}

func TestSignatureOfStruct(t *testing.T) {
	type pair struct {
		A int32
		B string
	}
	got := SignatureOf(pair{A: 1, B: "x"})
	if got.String() != "(is)" {
		t.Fatalf("SignatureOf struct = %q, want %q", got.String(), "(is)")
	}
}
