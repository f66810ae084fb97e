package dbus

import (
	"encoding/binary"
	"math"
	"reflect"
	"unicode/utf8"
)

// wireWriter is the low-level serializer state: an append-only byte buffer
// tracking position and padding, and (optionally) a table of attached file
// descriptors.
type wireWriter struct {
	buf    []byte
	order  binary.ByteOrder
	format Format
	depth  depthCounter
	fds    []int
}

func newWireWriter(order binary.ByteOrder, format Format) *wireWriter {
	return &wireWriter{order: order, format: format}
}

func (w *wireWriter) pos() int { return len(w.buf) }

// padTo appends zero bytes until pos() is a multiple of n. Every padding
// byte written is zero.
func (w *wireWriter) padTo(n int) {
	for n > 1 && w.pos()%n != 0 {
		w.buf = append(w.buf, 0)
	}
}

func (w *wireWriter) putU8(v byte) { w.buf = append(w.buf, v) }

func (w *wireWriter) putU16(v uint16) {
	w.padTo(2)
	var b [2]byte
	w.order.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *wireWriter) putU32(v uint32) {
	w.padTo(4)
	var b [4]byte
	w.order.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *wireWriter) putU64(v uint64) {
	w.padTo(8)
	var b [8]byte
	w.order.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *wireWriter) putBytesRaw(b []byte) { w.buf = append(w.buf, b...) }

// putU32Raw writes a u32 with no alignment padding, used for the trailing
// GVariant element-count field that must sit immediately after the offset
// table with no gap.
func (w *wireWriter) putU32Raw(v uint32) {
	var b [4]byte
	w.order.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// putLenPrefixedString writes a 4-byte-aligned u32 length (excluding the
// trailing nul), the UTF-8 bytes, and the trailing nul ('s' and 'o' share
// this layout).
func (w *wireWriter) putLenPrefixedString(s string) error {
	if !utf8.ValidString(s) {
		return newErr(KindInvalidUTF8, "string is not valid UTF-8")
	}
	w.putU32(uint32(len(s)))
	w.putBytesRaw([]byte(s))
	w.putU8(0)
	return nil
}

// putSignatureBytes writes the 'g' layout: 1-byte length, bytes, nul. No
// alignment.
func (w *wireWriter) putSignatureBytes(s string) error {
	if len(s) > maxSignatureLen {
		return newErr(KindExcessData, "signature too long")
	}
	w.putU8(byte(len(s)))
	w.putBytesRaw([]byte(s))
	w.putU8(0)
	return nil
}

// Marshal encodes values in sequence (the message body is a concatenation
// of independently-aligned top-level values, not a structure) and returns
// the encoded bytes plus any attached file descriptors.
func Marshal(order binary.ByteOrder, format Format, values ...interface{}) ([]byte, []int, error) {
	sig := SignatureOf(values...)
	if _, err := parseSignatureFormat(sig.String(), format); err != nil {
		return nil, nil, err
	}
	types, err := splitTypes(sig.String(), format)
	if err != nil {
		return nil, nil, err
	}
	w := newWireWriter(order, format)
	for i, v := range values {
		val, err := goToValue(reflect.ValueOf(v), types[i], format)
		if err != nil {
			return nil, nil, err
		}
		if err := encodeValue(w, val); err != nil {
			return nil, nil, err
		}
		if w.pos() > MaxMessageSize {
			return nil, nil, newErr(KindExcessData, "encoded message exceeds %d bytes", MaxMessageSize)
		}
	}
	return w.buf, w.fds, nil
}

// MarshalValue serializes a single already-typed Value; used by the
// message body builder once values have been projected through
// goToValue, and directly by callers working with the dynamic Value sum.
func MarshalValue(order binary.ByteOrder, format Format, v Value) ([]byte, []int, error) {
	w := newWireWriter(order, format)
	if err := encodeValue(w, v); err != nil {
		return nil, nil, err
	}
	return w.buf, w.fds, nil
}

// encodeValue is the shared, format-aware recursive writer (component C).
func encodeValue(w *wireWriter, v Value) error {
	switch v.kind {
	case KindU8:
		w.putU8(v.u8)
		return nil
	case KindBool:
		if v.b {
			w.putU32(1)
		} else {
			w.putU32(0)
		}
		return nil
	case KindI16:
		w.putU16(uint16(v.i16))
		return nil
	case KindU16:
		w.putU16(v.u16)
		return nil
	case KindI32:
		w.putU32(uint32(v.i32))
		return nil
	case KindU32:
		w.putU32(v.u32)
		return nil
	case KindI64:
		w.putU64(uint64(v.i64))
		return nil
	case KindU64:
		w.putU64(v.u64)
		return nil
	case KindF64:
		w.putU64(math.Float64bits(v.f64))
		return nil
	case KindStr:
		w.padTo(4)
		return w.putLenPrefixedString(v.str)
	case KindObjectPath:
		p := ObjectPath(v.str)
		if !p.IsValid() {
			return newErr(KindIncorrectValue, "invalid object path %q", v.str)
		}
		w.padTo(4)
		return w.putLenPrefixedString(v.str)
	case KindSignature:
		return w.putSignatureBytes(v.str)
	case KindFd:
		idx := len(w.fds)
		w.fds = append(w.fds, int(v.fd))
		w.putU32(uint32(idx))
		return nil
	case KindArray:
		return encodeArray(w, v)
	case KindDict:
		return encodeDict(w, v)
	case KindStruct:
		return encodeStruct(w, v)
	case KindVariant:
		return encodeVariant(w, v)
	case KindMaybe:
		return encodeMaybe(w, v)
	}
	return newErr(KindIncorrectType, "unknown value kind %d", v.kind)
}

func encodeArray(w *wireWriter, v Value) error {
	if err := w.depth.enterArray(); err != nil {
		return err
	}
	defer w.depth.exitArray()

	w.padTo(4)
	lenPos := w.pos()
	w.putU32(0) // placeholder, back-patched below
	childAlign := effectiveAlignment(v.elemSig.String())
	w.padTo(childAlign)
	start := w.pos()

	var offsets []int
	elemFixed := isFixedSize(v.elemSig.String())
	for _, item := range v.items {
		if err := encodeValue(w, item); err != nil {
			return err
		}
		if w.format == FormatGVariant && !elemFixed {
			offsets = append(offsets, w.pos()-start)
		}
	}
	if w.format == FormatGVariant && !elemFixed && len(v.items) > 0 {
		// See gvariant.go: we store an explicit element count and offset
		// width alongside the offset table itself, since (unlike a
		// structure) an array's element count cannot be derived from its
		// signature alone.
		width := offsetWidth(offsets[len(offsets)-1])
		writeOffsetTableWidth(w, offsets[:len(offsets)-1], width)
		w.putU32Raw(uint32(len(v.items)))
		w.putU8(byte(width))
	}
	length := w.pos() - start
	w.order.PutUint32(w.buf[lenPos:lenPos+4], uint32(length))
	return nil
}

func encodeDict(w *wireWriter, v Value) error {
	if err := w.depth.enterArray(); err != nil {
		return err
	}
	defer w.depth.exitArray()

	w.padTo(4)
	lenPos := w.pos()
	w.putU32(0)
	w.padTo(8) // dict entries align like structures
	start := w.pos()
	entryFixed := isFixedSize(v.keySig.String()) && isFixedSize(v.valSig.String())
	var offsets []int
	for _, e := range v.entries {
		w.padTo(8)
		if err := encodeValue(w, e.Key); err != nil {
			return err
		}
		if err := encodeValue(w, e.Val); err != nil {
			return err
		}
		if w.format == FormatGVariant && !entryFixed {
			offsets = append(offsets, w.pos()-start)
		}
	}
	if w.format == FormatGVariant && !entryFixed && len(v.entries) > 0 {
		width := offsetWidth(offsets[len(offsets)-1])
		writeOffsetTableWidth(w, offsets[:len(offsets)-1], width)
		w.putU32Raw(uint32(len(v.entries)))
		w.putU8(byte(width))
	}
	length := w.pos() - start
	w.order.PutUint32(w.buf[lenPos:lenPos+4], uint32(length))
	return nil
}

func encodeStruct(w *wireWriter, v Value) error {
	if err := w.depth.enterStruct(); err != nil {
		return err
	}
	defer w.depth.exitStruct()

	w.padTo(8)
	start := w.pos()
	anyNonFixed := false
	for _, f := range v.items {
		if !isFixedSize(f.Signature().String()) {
			anyNonFixed = true
			break
		}
	}
	var offsets []int
	for _, f := range v.items {
		if err := encodeValue(w, f); err != nil {
			return err
		}
		if w.format == FormatGVariant && anyNonFixed {
			offsets = append(offsets, w.pos()-start)
		}
	}
	if w.format == FormatGVariant && anyNonFixed && len(offsets) > 1 {
		width := offsetWidth(offsets[len(offsets)-1])
		writeOffsetTableWidth(w, offsets[:len(offsets)-1], width)
		w.putU8(byte(width))
	}
	return nil
}

func encodeVariant(w *wireWriter, v Value) error {
	if err := w.depth.enterOther(); err != nil {
		return err
	}
	defer w.depth.exitOther()

	inner := v.AsVariant()
	if err := w.putSignatureBytes(inner.Signature().String()); err != nil {
		return err
	}
	// Variants themselves add no padding around the contained value: the
	// value is serialized immediately after the signature bytes, at its
	// own natural alignment.
	return encodeValue(w, inner)
}

func encodeMaybe(w *wireWriter, v Value) error {
	if w.format != FormatGVariant {
		return newErr(KindInvalidSignature, "Maybe is only valid under GVariant framing")
	}
	if err := w.depth.enterOther(); err != nil {
		return err
	}
	defer w.depth.exitOther()

	if !v.maybeSet {
		return nil
	}
	if err := encodeValue(w, *v.maybeVal); err != nil {
		return err
	}
	if !isFixedSize(v.maybeSig.String()) {
		w.putU8(0)
	}
	return nil
}

func firstByte(sig string, kind ValueKind) byte {
	if len(sig) == 0 {
		return 0
	}
	return sig[0]
}

// effectiveAlignment resolves the alignment of a signature's leading type,
// peeling GVariant 'm' tokens to find the alignment of the eventual
// concrete child (a Maybe aligns like its child).
func effectiveAlignment(sig string) int {
	for len(sig) > 0 && sig[0] == 'm' {
		sig = sig[1:]
	}
	if len(sig) == 0 {
		return 1
	}
	return alignment(sig[0])
}
