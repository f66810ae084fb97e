package dbus

import (
	"fmt"
	"reflect"
)

// Variant wraps an arbitrary Go value together with the signature it
// should be serialized under. It is the in-process representation of the
// wire type 'v': the value carries enough signature information to
// serialize itself without further context.
//
// Variant pairs a value with its signature for the 'v' wire type; it is
// kept distinct from Value (below), which is the fully dynamic tagged
// union used when even the outer shape of a value is not known statically.
type Variant struct {
	sig   Signature
	value interface{}
}

// MakeVariant builds a Variant around v, inferring its signature from its
// Go type.
func MakeVariant(v interface{}) Variant {
	if vv, ok := v.(Variant); ok {
		return vv
	}
	return Variant{sig: SignatureOf(v), value: v}
}

// MakeVariantWithSignature builds a Variant with an explicit signature,
// bypassing reflection-based inference; used when the caller already has a
// parsed signature (e.g. a GVariant Maybe child).
func MakeVariantWithSignature(v interface{}, sig Signature) Variant {
	return Variant{sig: sig, value: v}
}

// Signature returns the signature the Variant will serialize under.
func (v Variant) Signature() Signature { return v.sig }

// Value returns the wrapped Go value.
func (v Variant) Value() interface{} { return v.value }

func (v Variant) String() string {
	return fmt.Sprintf("@%s %v", v.sig.String(), v.value)
}

// ValueKind enumerates the tags of the Value sum: a complete tagged union
// capable of representing any D-Bus value when static typing is not
// available.
type ValueKind int

const (
	KindU8 ValueKind = iota
	KindBool
	KindI16
	KindU16
	KindI32
	KindU32
	KindI64
	KindU64
	KindF64
	KindStr
	KindObjectPath
	KindSignature
	KindFd
	KindArray
	KindDict
	KindStruct
	KindVariant
	KindMaybe
)

// DictEntry is one (key, value) pair of a Value Dict.
type DictEntry struct {
	Key Value
	Val Value
}

// Value is the dynamic D-Bus value sum. Container values own their
// children. Every Value carries, directly or via its children, enough
// signature information to reconstruct Signature() without external
// context.
type Value struct {
	kind ValueKind

	u8  byte
	b   bool
	i16 int16
	u16 uint16
	i32 int32
	u32 uint32
	i64 int64
	u64 uint64
	f64 float64
	str string
	fd  UnixFDIndex

	elemSig Signature // Array element signature
	keySig  Signature // Dict key signature
	valSig  Signature // Dict value signature
	items   []Value   // Array items, or Struct fields
	entries []DictEntry

	inner    *Value   // Variant boxed value
	maybeSig Signature // Maybe child signature
	maybeSet bool
	maybeVal *Value
}

func NewU8(v byte) Value         { return Value{kind: KindU8, u8: v} }
func NewBool(v bool) Value       { return Value{kind: KindBool, b: v} }
func NewI16(v int16) Value       { return Value{kind: KindI16, i16: v} }
func NewU16(v uint16) Value      { return Value{kind: KindU16, u16: v} }
func NewI32(v int32) Value       { return Value{kind: KindI32, i32: v} }
func NewU32(v uint32) Value      { return Value{kind: KindU32, u32: v} }
func NewI64(v int64) Value       { return Value{kind: KindI64, i64: v} }
func NewU64(v uint64) Value      { return Value{kind: KindU64, u64: v} }
func NewF64(v float64) Value     { return Value{kind: KindF64, f64: v} }
func NewStr(v string) Value      { return Value{kind: KindStr, str: v} }
func NewFd(v UnixFDIndex) Value  { return Value{kind: KindFd, fd: v} }

func NewObjectPath(v ObjectPath) Value {
	return Value{kind: KindObjectPath, str: string(v)}
}

func NewSignatureValue(v Signature) Value {
	return Value{kind: KindSignature, str: v.String()}
}

// NewArray builds an Array value; elemSig is the signature of one element.
func NewArray(elemSig Signature, items []Value) Value {
	return Value{kind: KindArray, elemSig: elemSig, items: items}
}

// NewDict builds a Dict value ({key-sig value-sig} array of entries, order
// preserved).
func NewDict(keySig, valSig Signature, entries []DictEntry) Value {
	return Value{kind: KindDict, keySig: keySig, valSig: valSig, entries: entries}
}

// NewStruct builds a Structure value from its ordered fields.
func NewStruct(fields []Value) Value {
	return Value{kind: KindStruct, items: fields}
}

// NewVariantValue boxes inner as a Value-sum Variant.
func NewVariantValue(inner Value) Value {
	return Value{kind: KindVariant, inner: &inner}
}

// NewNothing builds a GVariant Maybe with no value, of the given child
// signature.
func NewNothing(childSig Signature) Value {
	return Value{kind: KindMaybe, maybeSig: childSig, maybeSet: false}
}

// NewJust builds a GVariant Maybe holding v.
func NewJust(childSig Signature, v Value) Value {
	return Value{kind: KindMaybe, maybeSig: childSig, maybeSet: true, maybeVal: &v}
}

func (v Value) Kind() ValueKind { return v.kind }

// Signature returns the full type signature of v, computed recursively
// through its children.
func (v Value) Signature() Signature {
	return Signature{v.sigString()}
}

func (v Value) sigString() string {
	switch v.kind {
	case KindU8:
		return "y"
	case KindBool:
		return "b"
	case KindI16:
		return "n"
	case KindU16:
		return "q"
	case KindI32:
		return "i"
	case KindU32:
		return "u"
	case KindI64:
		return "x"
	case KindU64:
		return "t"
	case KindF64:
		return "d"
	case KindStr:
		return "s"
	case KindObjectPath:
		return "o"
	case KindSignature:
		return "g"
	case KindFd:
		return "h"
	case KindArray:
		return "a" + v.elemSig.String()
	case KindDict:
		return "a{" + v.keySig.String() + v.valSig.String() + "}"
	case KindStruct:
		s := "("
		for _, f := range v.items {
			s += f.sigString()
		}
		return s + ")"
	case KindVariant:
		return "v"
	case KindMaybe:
		return "m" + v.maybeSig.String()
	}
	return ""
}

// AsU8, AsBool, ... are narrow accessors that do not check v's kind. For
// another kind they return whatever the backing field holds: AsStr,
// AsObjectPath and AsSignature share one field, as do AsArray and
// AsStruct, and AsVariant panics when v is not a variant.
func (v Value) AsU8() byte             { return v.u8 }
func (v Value) AsBool() bool           { return v.b }
func (v Value) AsI16() int16           { return v.i16 }
func (v Value) AsU16() uint16          { return v.u16 }
func (v Value) AsI32() int32           { return v.i32 }
func (v Value) AsU32() uint32          { return v.u32 }
func (v Value) AsI64() int64           { return v.i64 }
func (v Value) AsU64() uint64          { return v.u64 }
func (v Value) AsF64() float64         { return v.f64 }
func (v Value) AsStr() string          { return v.str }
func (v Value) AsObjectPath() ObjectPath { return ObjectPath(v.str) }
func (v Value) AsSignature() Signature  { return Signature{v.str} }
func (v Value) AsFd() UnixFDIndex      { return v.fd }
func (v Value) AsArray() []Value       { return v.items }
func (v Value) ElemSignature() Signature { return v.elemSig }
func (v Value) AsDict() []DictEntry    { return v.entries }
func (v Value) DictSignatures() (Signature, Signature) { return v.keySig, v.valSig }
func (v Value) AsStruct() []Value      { return v.items }
func (v Value) AsVariant() Value       { return *v.inner }
func (v Value) MaybeSignature() Signature { return v.maybeSig }
func (v Value) MaybeIsSet() bool       { return v.maybeSet }
func (v Value) MaybeValue() (Value, bool) {
	if !v.maybeSet {
		return Value{}, false
	}
	return *v.maybeVal, true
}

// Equal reports structural equality.
func (v Value) Equal(other Value) bool {
	return reflect.DeepEqual(v, other)
}

func (v Value) String() string {
	return fmt.Sprintf("Value(%s)=%v", v.Signature().String(), v.goValue())
}

// goValue renders a Value as a plain Go value. Besides String and tests,
// it feeds Store into interface{} and Variant targets and reads the
// arguments of the standard-interface and name-watch handlers.
func (v Value) goValue() interface{} {
	switch v.kind {
	case KindU8:
		return v.u8
	case KindBool:
		return v.b
	case KindI16:
		return v.i16
	case KindU16:
		return v.u16
	case KindI32:
		return v.i32
	case KindU32:
		return v.u32
	case KindI64:
		return v.i64
	case KindU64:
		return v.u64
	case KindF64:
		return v.f64
	case KindStr:
		return v.str
	case KindObjectPath:
		return ObjectPath(v.str)
	case KindSignature:
		return Signature{v.str}
	case KindFd:
		return v.fd
	case KindArray:
		out := make([]interface{}, len(v.items))
		for i, it := range v.items {
			out[i] = it.goValue()
		}
		return out
	case KindDict:
		out := make(map[interface{}]interface{}, len(v.entries))
		for _, e := range v.entries {
			out[e.Key.goValue()] = e.Val.goValue()
		}
		return out
	case KindStruct:
		out := make([]interface{}, len(v.items))
		for i, it := range v.items {
			out[i] = it.goValue()
		}
		return out
	case KindVariant:
		return v.inner.goValue()
	case KindMaybe:
		if !v.maybeSet {
			return nil
		}
		return v.maybeVal.goValue()
	}
	return nil
}
