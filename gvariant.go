package dbus

// GVariant framing support: arrays and structures of non-fixed-size
// elements carry a trailing table of offsets, one per element (minus one
// for the last, which ends at the slice end); offset-width is the
// smallest of {1,2,4,8} bytes that can encode the largest offset in the
// container. This file implements that table and the GVariant Maybe ('m')
// helpers shared by encoder.go/decoder.go.
//
// This implementation keeps the D-Bus length-prefixed layout for strings,
// signatures and arrays even under GVariant framing. On top of it, an
// array or dict of non-fixed-size elements ends with its offset table, a
// u32 element count and a one-byte offset width; a structure ends with its
// offset table and the width byte. Full byte-for-byte compatibility with
// glib's GVariant encoder (which omits per-element length prefixes
// entirely) is not attempted. See DESIGN.md.

func offsetWidth(maxOffset int) int {
	switch {
	case maxOffset < 1<<8:
		return 1
	case maxOffset < 1<<16:
		return 2
	case maxOffset < 1<<32:
		return 4
	default:
		return 8
	}
}

// writeOffsetTableWidth appends offsets using an explicit, caller-chosen
// width (so the width marker byte written alongside the table always
// matches the bytes actually emitted).
func writeOffsetTableWidth(w *wireWriter, offsets []int, width int) {
	for _, o := range offsets {
		switch width {
		case 1:
			w.putU8(byte(o))
		case 2:
			var b [2]byte
			w.order.PutUint16(b[:], uint16(o))
			w.putBytesRaw(b[:])
		case 4:
			var b [4]byte
			w.order.PutUint32(b[:], uint32(o))
			w.putBytesRaw(b[:])
		case 8:
			var b [8]byte
			w.order.PutUint64(b[:], uint64(o))
			w.putBytesRaw(b[:])
		}
	}
}

// readOffsetTable parses count offsets of the given width from the start
// of data (data holds the offset table bytes, in the order written by
// writeOffsetTableWidth).
func readOffsetTable(order byteOrderReader, data []byte, width, count int) ([]int, error) {
	if count == 0 {
		return nil, nil
	}
	need := width * count
	if len(data) < need {
		return nil, newErr(KindInsufficientData, "truncated GVariant offset table")
	}
	out := make([]int, count)
	for i := 0; i < count; i++ {
		chunk := data[i*width : i*width+width]
		switch width {
		case 1:
			out[i] = int(chunk[0])
		case 2:
			out[i] = int(order.Uint16(chunk))
		case 4:
			out[i] = int(order.Uint32(chunk))
		case 8:
			out[i] = int(order.Uint64(chunk))
		}
	}
	return out, nil
}

// byteOrderReader is the read-side subset of encoding/binary.ByteOrder
// used by readOffsetTable; satisfied directly by binary.ByteOrder.
type byteOrderReader interface {
	Uint16([]byte) uint16
	Uint32([]byte) uint32
	Uint64([]byte) uint64
}
