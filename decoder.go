package dbus

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// wireReader is the low-level deserializer state: a read-only view over an
// encoded byte buffer, with a cursor and a nesting guard mirroring
// wireWriter's. fds holds the out-of-band descriptors a message arrived
// with, indexed by the 'h' values found in the body.
type wireReader struct {
	buf    []byte
	pos    int
	order  binary.ByteOrder
	format Format
	depth  depthCounter
	fds    []int
}

func newWireReader(buf []byte, order binary.ByteOrder, format Format, fds []int) *wireReader {
	return &wireReader{buf: buf, order: order, format: format, fds: fds}
}

func (r *wireReader) remaining() int { return len(r.buf) - r.pos }

// alignTo advances past padding bytes to the next multiple of n, verifying
// every skipped byte is zero.
func (r *wireReader) alignTo(n int) error {
	for n > 1 && r.pos%n != 0 {
		if r.pos >= len(r.buf) {
			return newErr(KindInsufficientData, "truncated message while padding to %d", n)
		}
		if r.buf[r.pos] != 0 {
			return newErr(KindPaddingNot0, "non-zero padding byte at offset %d", r.pos)
		}
		r.pos++
	}
	return nil
}

func (r *wireReader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, newErr(KindInsufficientData, "need %d bytes, have %d", n, r.remaining())
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *wireReader) getU8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *wireReader) getU16() (uint16, error) {
	if err := r.alignTo(2); err != nil {
		return 0, err
	}
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return r.order.Uint16(b), nil
}

func (r *wireReader) getU32() (uint32, error) {
	if err := r.alignTo(4); err != nil {
		return 0, err
	}
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

func (r *wireReader) getU32Raw() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

func (r *wireReader) getU64() (uint64, error) {
	if err := r.alignTo(8); err != nil {
		return 0, err
	}
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return r.order.Uint64(b), nil
}

// getLenPrefixedString reads the 's'/'o' layout: a 4-byte-aligned u32
// length, that many UTF-8 bytes, and a trailing nul that must be zero.
func (r *wireReader) getLenPrefixedString() (string, error) {
	if err := r.alignTo(4); err != nil {
		return "", err
	}
	n, err := r.getU32Raw()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	nul, err := r.getU8()
	if err != nil {
		return "", err
	}
	if nul != 0 {
		return "", newErr(KindIncorrectValue, "string not terminated by a zero byte")
	}
	if !utf8.Valid(b) {
		return "", newErr(KindInvalidUTF8, "string is not valid UTF-8")
	}
	return string(b), nil
}

// getSignatureBytes reads the 'g' layout: a 1-byte length, that many
// bytes, and a trailing nul.
func (r *wireReader) getSignatureBytes() (string, error) {
	n, err := r.getU8()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	nul, err := r.getU8()
	if err != nil {
		return "", err
	}
	if nul != 0 {
		return "", newErr(KindIncorrectValue, "signature not terminated by a zero byte")
	}
	return string(b), nil
}

// Unmarshal decodes a message body given its signature, returning one
// Value per top-level type. Each top-level value's Maybe (if any) is
// bounded by the end of the whole buffer, matching how Marshal treats the
// body as a sequence of independently-aligned values.
func Unmarshal(order binary.ByteOrder, format Format, buf []byte, fds []int, sig string) ([]Value, error) {
	types, err := splitTypes(sig, format)
	if err != nil {
		return nil, err
	}
	r := newWireReader(buf, order, format, fds)
	out := make([]Value, 0, len(types))
	for _, t := range types {
		v, err := decodeValue(r, t, len(buf))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if r.remaining() != 0 {
		return nil, newErr(KindExcessData, "%d trailing bytes after decoding body", r.remaining())
	}
	return out, nil
}

// decodeValue is the shared, format-aware recursive reader, the inverse of
// encodeValue. end bounds the region sig's value may occupy; it disambiguates
// GVariant Maybe presence (a Maybe is Nothing exactly when r.pos has already
// reached end) in every nesting context: top-level it is len(buf), inside an
// array/dict/struct element it is that element's slot boundary.
func decodeValue(r *wireReader, sig string, end int) (Value, error) {
	if len(sig) == 0 {
		return Value{}, newErr(KindSignatureMismatch, "empty signature")
	}
	switch sig[0] {
	case 'y':
		b, err := r.getU8()
		return NewU8(b), err
	case 'b':
		u, err := r.getU32()
		if err != nil {
			return Value{}, err
		}
		if u != 0 && u != 1 {
			return Value{}, newErr(KindIncorrectValue, "boolean value %d is not 0 or 1", u)
		}
		return NewBool(u == 1), nil
	case 'n':
		u, err := r.getU16()
		return NewI16(int16(u)), err
	case 'q':
		u, err := r.getU16()
		return NewU16(u), err
	case 'i':
		u, err := r.getU32()
		return NewI32(int32(u)), err
	case 'u':
		u, err := r.getU32()
		return NewU32(u), err
	case 'x':
		u, err := r.getU64()
		return NewI64(int64(u)), err
	case 't':
		u, err := r.getU64()
		return NewU64(u), err
	case 'd':
		u, err := r.getU64()
		if err != nil {
			return Value{}, err
		}
		return NewF64(math.Float64frombits(u)), nil
	case 's':
		s, err := r.getLenPrefixedString()
		return NewStr(s), err
	case 'o':
		s, err := r.getLenPrefixedString()
		if err != nil {
			return Value{}, err
		}
		p := ObjectPath(s)
		if !p.IsValid() {
			return Value{}, newErr(KindIncorrectValue, "invalid object path %q", s)
		}
		return NewObjectPath(p), nil
	case 'g':
		s, err := r.getSignatureBytes()
		if err != nil {
			return Value{}, err
		}
		if _, err := parseSignatureFormat(s, r.format); err != nil {
			return Value{}, err
		}
		return NewSignatureValue(Signature{s}), nil
	case 'h':
		u, err := r.getU32()
		if err != nil {
			return Value{}, err
		}
		if int(u) >= len(r.fds) {
			return Value{}, newErr(KindIncorrectValue, "file descriptor index %d out of range", u)
		}
		return NewFd(UnixFDIndex(u)), nil
	case 'v':
		return decodeVariant(r)
	case 'm':
		return decodeMaybe(r, sig[1:], end)
	case 'a':
		if len(sig) > 1 && sig[1] == '{' {
			return decodeDict(r, sig)
		}
		return decodeArray(r, sig[1:])
	case '(':
		return decodeStruct(r, sig[1:len(sig)-1], end)
	}
	return Value{}, newErr(KindInvalidSignature, "unsupported signature %q", sig)
}

func decodeVariant(r *wireReader) (Value, error) {
	if err := r.depth.enterOther(); err != nil {
		return Value{}, err
	}
	defer r.depth.exitOther()

	sig, err := r.getSignatureBytes()
	if err != nil {
		return Value{}, err
	}
	if _, err := parseSignatureFormat(sig, r.format); err != nil {
		return Value{}, err
	}
	inner, err := decodeValue(r, sig, len(r.buf))
	if err != nil {
		return Value{}, err
	}
	return NewVariantValue(inner), nil
}

func decodeMaybe(r *wireReader, childSig string, end int) (Value, error) {
	if r.format != FormatGVariant {
		return Value{}, newErr(KindInvalidSignature, "Maybe is only valid under GVariant framing")
	}
	if err := r.depth.enterOther(); err != nil {
		return Value{}, err
	}
	defer r.depth.exitOther()

	if r.pos >= end {
		return NewNothing(Signature{childSig}), nil
	}
	inner, err := decodeValue(r, childSig, end)
	if err != nil {
		return Value{}, err
	}
	if !isFixedSize(childSig) && r.pos < end {
		// Trailing zero byte written by encodeMaybe for a non-fixed child.
		if err := r.alignTo(1); err != nil {
			return Value{}, err
		}
		if _, err := r.getU8(); err != nil {
			return Value{}, err
		}
	}
	return NewJust(Signature{childSig}, inner), nil
}

func decodeArray(r *wireReader, elemSig string) (Value, error) {
	if err := r.depth.enterArray(); err != nil {
		return Value{}, err
	}
	defer r.depth.exitArray()

	length, err := r.getU32()
	if err != nil {
		return Value{}, err
	}
	childAlign := effectiveAlignment(elemSig)
	if err := r.alignTo(childAlign); err != nil {
		return Value{}, err
	}
	start := r.pos
	blobEnd := start + int(length)
	if blobEnd > len(r.buf) {
		return Value{}, newErr(KindInsufficientData, "array length exceeds buffer")
	}

	elemFixed := isFixedSize(elemSig)
	var items []Value
	if r.format == FormatGVariant && !elemFixed {
		if length == 0 {
			return NewArray(Signature{elemSig}, nil), nil
		}
		width := int(r.buf[blobEnd-1])
		count := int(r.order.Uint32(r.buf[blobEnd-5 : blobEnd-1]))
		tableStart := blobEnd - 5 - (count-1)*width
		offsets, err := readOffsetTable(r.order, r.buf[tableStart:blobEnd-5], width, count-1)
		if err != nil {
			return Value{}, err
		}
		offsets = append(offsets, tableStart-start)
		items = make([]Value, count)
		for i := 0; i < count; i++ {
			elemEnd := start + offsets[i]
			v, err := decodeValue(r, elemSig, elemEnd)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
			r.pos = elemEnd
		}
		r.pos = blobEnd
		return NewArray(Signature{elemSig}, items), nil
	}

	for r.pos < blobEnd {
		v, err := decodeValue(r, elemSig, blobEnd)
		if err != nil {
			return Value{}, err
		}
		items = append(items, v)
	}
	if r.pos != blobEnd {
		return Value{}, newErr(KindExcessData, "array element overran declared length")
	}
	return NewArray(Signature{elemSig}, items), nil
}

func decodeDict(r *wireReader, sig string) (Value, error) {
	keySig, valSig := dictKV(sig)
	if err := r.depth.enterArray(); err != nil {
		return Value{}, err
	}
	defer r.depth.exitArray()

	length, err := r.getU32()
	if err != nil {
		return Value{}, err
	}
	if err := r.alignTo(8); err != nil {
		return Value{}, err
	}
	start := r.pos
	blobEnd := start + int(length)
	if blobEnd > len(r.buf) {
		return Value{}, newErr(KindInsufficientData, "dict length exceeds buffer")
	}

	entryFixed := isFixedSize(keySig) && isFixedSize(valSig)
	var entries []DictEntry
	if r.format == FormatGVariant && !entryFixed {
		if length == 0 {
			return NewDict(Signature{keySig}, Signature{valSig}, nil), nil
		}
		width := int(r.buf[blobEnd-1])
		count := int(r.order.Uint32(r.buf[blobEnd-5 : blobEnd-1]))
		tableStart := blobEnd - 5 - (count-1)*width
		offsets, err := readOffsetTable(r.order, r.buf[tableStart:blobEnd-5], width, count-1)
		if err != nil {
			return Value{}, err
		}
		offsets = append(offsets, tableStart-start)
		entries = make([]DictEntry, count)
		for i := 0; i < count; i++ {
			entryEnd := start + offsets[i]
			if err := r.alignTo(8); err != nil {
				return Value{}, err
			}
			kv, err := decodeValue(r, keySig, entryEnd)
			if err != nil {
				return Value{}, err
			}
			vv, err := decodeValue(r, valSig, entryEnd)
			if err != nil {
				return Value{}, err
			}
			entries[i] = DictEntry{Key: kv, Val: vv}
			r.pos = entryEnd
		}
		r.pos = blobEnd
		return NewDict(Signature{keySig}, Signature{valSig}, entries), nil
	}

	for r.pos < blobEnd {
		if err := r.alignTo(8); err != nil {
			return Value{}, err
		}
		kv, err := decodeValue(r, keySig, blobEnd)
		if err != nil {
			return Value{}, err
		}
		vv, err := decodeValue(r, valSig, blobEnd)
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, DictEntry{Key: kv, Val: vv})
	}
	if r.pos != blobEnd {
		return Value{}, newErr(KindExcessData, "dict entry overran declared length")
	}
	return NewDict(Signature{keySig}, Signature{valSig}, entries), nil
}

func decodeStruct(r *wireReader, fieldsSig string, end int) (Value, error) {
	if err := r.depth.enterStruct(); err != nil {
		return Value{}, err
	}
	defer r.depth.exitStruct()

	if err := r.alignTo(8); err != nil {
		return Value{}, err
	}
	types, err := splitTypes(fieldsSig, r.format)
	if err != nil {
		return Value{}, err
	}
	if len(types) == 0 {
		return Value{}, newErr(KindInvalidSignature, "structure must have at least one field")
	}

	anyNonFixed := false
	for _, t := range types {
		if !isFixedSize(t) {
			anyNonFixed = true
			break
		}
	}

	start := r.pos
	fields := make([]Value, len(types))

	if r.format == FormatGVariant && anyNonFixed && len(types) > 1 {
		// The field count is already known from the signature (unlike an
		// array or dict), so the trailer carries only a width marker,
		// no element count.
		if end < 1 || end > len(r.buf) {
			return Value{}, newErr(KindInsufficientData, "structure end out of range")
		}
		width := int(r.buf[end-1])
		nOffsets := len(types) - 1
		tableStart := end - 1 - nOffsets*width
		if tableStart < start {
			return Value{}, newErr(KindInsufficientData, "truncated GVariant structure offset table")
		}
		offsets, err := readOffsetTable(r.order, r.buf[tableStart:end-1], width, nOffsets)
		if err != nil {
			return Value{}, err
		}
		offsets = append(offsets, tableStart-start)
		for i, t := range types {
			fieldEnd := start + offsets[i]
			v, err := decodeValue(r, t, fieldEnd)
			if err != nil {
				return Value{}, err
			}
			fields[i] = v
			r.pos = fieldEnd
		}
		r.pos = end
		return NewStruct(fields), nil
	}

	for i, t := range types {
		v, err := decodeValue(r, t, end)
		if err != nil {
			return Value{}, err
		}
		fields[i] = v
	}
	return NewStruct(fields), nil
}
