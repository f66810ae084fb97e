package dbus

import (
	"reflect"
	"sort"
)

var (
	objectPathType = reflect.TypeOf(ObjectPath(""))
	signatureType  = reflect.TypeOf(Signature{})
	variantType    = reflect.TypeOf(Variant{})
	valueType      = reflect.TypeOf(Value{})
	unixFDType     = reflect.TypeOf(UnixFDIndex(0))
	stringType     = reflect.TypeOf("")
	uint32Type     = reflect.TypeOf(uint32(0))
)

// fieldGoType maps a header-field code to the static Go type its value
// decodes into, used when reassembling a Message's Headers map from the
// wire.
var fieldGoType = [fieldMax]reflect.Type{
	FieldPath:        objectPathType,
	FieldInterface:   stringType,
	FieldMember:      stringType,
	FieldErrorName:   stringType,
	FieldReplySerial: uint32Type,
	FieldDestination: stringType,
	FieldSender:      stringType,
	FieldSignature:   signatureType,
	FieldUnixFDs:     uint32Type,
}

// signatureOfValue computes the signature of a single Go value, special
// casing Variant (always "v") and Value (its own dynamic signature,
// computed from content rather than static type).
func signatureOfValue(v interface{}) string {
	switch vv := v.(type) {
	case Variant:
		return "v"
	case Value:
		return vv.sigString()
	case nil:
		return ""
	}
	return signatureOfType(reflect.TypeOf(v))
}

// signatureOfType maps a Go type to its D-Bus signature.
func signatureOfType(t reflect.Type) string {
	if t == nil {
		return ""
	}
	switch t {
	case objectPathType:
		return "o"
	case signatureType:
		return "g"
	case variantType:
		return "v"
	case unixFDType:
		return "h"
	}
	if t == valueType {
		// The caller should have gone through signatureOfValue for a
		// concrete Value; a bare reflect.Type can't know its dynamic
		// signature, so this is only reached for e.g. []Value elements
		// used generically, which is not supported.
		return "v"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "b"
	case reflect.Uint8:
		return "y"
	case reflect.Int16:
		return "n"
	case reflect.Uint16:
		return "q"
	case reflect.Int32, reflect.Int:
		return "i"
	case reflect.Uint32, reflect.Uint:
		return "u"
	case reflect.Int64:
		return "x"
	case reflect.Uint64:
		return "t"
	case reflect.Float64, reflect.Float32:
		return "d"
	case reflect.String:
		return "s"
	case reflect.Slice, reflect.Array:
		return "a" + signatureOfType(t.Elem())
	case reflect.Map:
		return "a{" + signatureOfType(t.Key()) + signatureOfType(t.Elem()) + "}"
	case reflect.Ptr:
		return signatureOfType(t.Elem())
	case reflect.Struct:
		s := "("
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" || f.Tag.Get("dbus") == "-" {
				continue
			}
			s += signatureOfType(f.Type)
		}
		return s + ")"
	case reflect.Interface:
		return "v"
	}
	return ""
}

// goToValue converts a Go value (static types, Variant, or Value) into the
// dynamic Value-sum representation used by the shared codec core
// (encodeValue in encoder.go). sig is the signature that rv is expected to
// satisfy; it drives interpretation of interface{}/Variant/Value payloads
// and of dict-entry vs. plain-array element types.
func goToValue(rv reflect.Value, sig string, format Format) (Value, error) {
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return Value{}, newErr(KindSignatureMismatch, "nil value for signature %q", sig)
		}
		rv = rv.Elem()
	}
	if rv.Type() == valueType {
		return rv.Interface().(Value), nil
	}
	if rv.Type() == variantType {
		va := rv.Interface().(Variant)
		inner, err := goToValue(reflect.ValueOf(va.value), va.sig.String(), format)
		if err != nil {
			return Value{}, err
		}
		return NewVariantValue(inner), nil
	}
	if len(sig) == 0 {
		return Value{}, newErr(KindSignatureMismatch, "empty signature")
	}
	switch sig[0] {
	case 'y':
		return NewU8(byte(rv.Uint())), nil
	case 'b':
		return NewBool(rv.Bool()), nil
	case 'n':
		return NewI16(int16(rv.Int())), nil
	case 'q':
		return NewU16(uint16(rv.Uint())), nil
	case 'i':
		return NewI32(int32(rv.Int())), nil
	case 'u':
		return NewU32(uint32(rv.Uint())), nil
	case 'x':
		return NewI64(rv.Int()), nil
	case 't':
		return NewU64(rv.Uint()), nil
	case 'd':
		return NewF64(rv.Float()), nil
	case 's':
		if rv.Type() == objectPathType {
			return NewObjectPath(ObjectPath(rv.String())), nil
		}
		return NewStr(rv.String()), nil
	case 'o':
		return NewObjectPath(ObjectPath(rv.String())), nil
	case 'g':
		if rv.Type() == signatureType {
			return NewSignatureValue(rv.Interface().(Signature)), nil
		}
		return NewSignatureValue(Signature{rv.String()}), nil
	case 'h':
		return NewFd(UnixFDIndex(rv.Uint())), nil
	case 'v':
		inner, err := goToValue(rv, signatureOfValue(rv.Interface()), format)
		if err != nil {
			return Value{}, err
		}
		return NewVariantValue(inner), nil
	case 'm':
		childSig := sig[1:]
		if rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				return NewNothing(Signature{childSig}), nil
			}
			inner, err := goToValue(rv.Elem(), childSig, format)
			if err != nil {
				return Value{}, err
			}
			return NewJust(Signature{childSig}, inner), nil
		}
		inner, err := goToValue(rv, childSig, format)
		if err != nil {
			return Value{}, err
		}
		return NewJust(Signature{childSig}, inner), nil
	case 'a':
		if len(sig) > 1 && sig[1] == '{' {
			keySig, valSig := dictKV(sig)
			entries := make([]DictEntry, 0, rv.Len())
			keys := rv.MapKeys()
			sort.Slice(keys, func(i, j int) bool {
				return keys[i].String() < keys[j].String()
			})
			for _, k := range keys {
				kv, err := goToValue(k, keySig, format)
				if err != nil {
					return Value{}, err
				}
				vv, err := goToValue(rv.MapIndex(k), valSig, format)
				if err != nil {
					return Value{}, err
				}
				entries = append(entries, DictEntry{Key: kv, Val: vv})
			}
			return NewDict(Signature{keySig}, Signature{valSig}, entries), nil
		}
		elemSig := sig[1:]
		items := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			it, err := goToValue(rv.Index(i), elemSig, format)
			if err != nil {
				return Value{}, err
			}
			items[i] = it
		}
		return NewArray(Signature{elemSig}, items), nil
	case '(':
		types, err := splitTypes(sig[1:len(sig)-1], format)
		if err != nil {
			return Value{}, err
		}
		if rv.NumField() != len(types) {
			// count only exported, non-skipped fields
			var n int
			for i := 0; i < rv.NumField(); i++ {
				f := rv.Type().Field(i)
				if f.PkgPath != "" || f.Tag.Get("dbus") == "-" {
					continue
				}
				n++
			}
			if n != len(types) {
				return Value{}, newErr(KindSignatureMismatch, "struct field count mismatch for %q", sig)
			}
		}
		fields := make([]Value, 0, len(types))
		ti := 0
		for i := 0; i < rv.NumField(); i++ {
			f := rv.Type().Field(i)
			if f.PkgPath != "" || f.Tag.Get("dbus") == "-" {
				continue
			}
			fv, err := goToValue(rv.Field(i), types[ti], format)
			if err != nil {
				return Value{}, err
			}
			fields = append(fields, fv)
			ti++
		}
		return NewStruct(fields), nil
	}
	return Value{}, newErr(KindInvalidSignature, "unsupported signature %q", sig)
}

func dictKV(sig string) (string, string) {
	// sig is "a{KV}"; split the single-key-type, single-value-type body.
	body := sig[2 : len(sig)-1]
	c := newSigCursor(body)
	key, _ := c.SkipOne(FormatDBus)
	val := body[len(key):]
	return key, val
}

// assignValue projects a decoded Value tree onto a settable Go reflect
// target, the inverse of goToValue. Target may be a concrete static type,
// a Variant, a Value, or an interface{}.
func assignValue(v Value, target reflect.Value) error {
	if target.Kind() == reflect.Ptr {
		if target.IsNil() {
			target.Set(reflect.New(target.Type().Elem()))
		}
		return assignValue(v, target.Elem())
	}
	if target.Type() == valueType {
		target.Set(reflect.ValueOf(v))
		return nil
	}
	if target.Type() == variantType {
		if v.kind != KindVariant {
			return newErr(KindSignatureMismatch, "expected variant, got %s", v.Signature().String())
		}
		inner := v.AsVariant()
		target.Set(reflect.ValueOf(Variant{sig: inner.Signature(), value: inner.goValue()}))
		return nil
	}
	if target.Kind() == reflect.Interface {
		target.Set(reflect.ValueOf(v.goValue()))
		return nil
	}
	switch v.kind {
	case KindU8:
		target.SetUint(uint64(v.u8))
	case KindBool:
		target.SetBool(v.b)
	case KindI16:
		target.SetInt(int64(v.i16))
	case KindU16:
		target.SetUint(uint64(v.u16))
	case KindI32:
		target.SetInt(int64(v.i32))
	case KindU32:
		target.SetUint(uint64(v.u32))
	case KindI64:
		target.SetInt(v.i64)
	case KindU64:
		target.SetUint(v.u64)
	case KindF64:
		target.SetFloat(v.f64)
	case KindStr, KindObjectPath, KindSignature:
		if target.Type() == signatureType {
			target.Set(reflect.ValueOf(Signature{v.str}))
		} else {
			target.SetString(v.str)
		}
	case KindFd:
		target.SetUint(uint64(v.fd))
	case KindArray:
		sl := reflect.MakeSlice(target.Type(), len(v.items), len(v.items))
		for i, it := range v.items {
			if err := assignValue(it, sl.Index(i)); err != nil {
				return err
			}
		}
		target.Set(sl)
	case KindDict:
		m := reflect.MakeMapWithSize(target.Type(), len(v.entries))
		for _, e := range v.entries {
			kv := reflect.New(target.Type().Key()).Elem()
			if err := assignValue(e.Key, kv); err != nil {
				return err
			}
			vv := reflect.New(target.Type().Elem()).Elem()
			if err := assignValue(e.Val, vv); err != nil {
				return err
			}
			m.SetMapIndex(kv, vv)
		}
		target.Set(m)
	case KindStruct:
		ti := 0
		for i := 0; i < target.NumField(); i++ {
			f := target.Type().Field(i)
			if f.PkgPath != "" || f.Tag.Get("dbus") == "-" {
				continue
			}
			if ti >= len(v.items) {
				return newErr(KindSignatureMismatch, "not enough struct fields")
			}
			if err := assignValue(v.items[ti], target.Field(i)); err != nil {
				return err
			}
			ti++
		}
	case KindVariant:
		return newErr(KindSignatureMismatch, "cannot assign variant to %s", target.Type())
	case KindMaybe:
		if !v.maybeSet {
			target.Set(reflect.Zero(target.Type()))
			return nil
		}
		return assignValue(*v.maybeVal, target)
	}
	return nil
}
