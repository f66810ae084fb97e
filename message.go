package dbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// MessageType is the primary-header message kind.
type MessageType byte

const (
	TypeInvalid MessageType = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
	typeMax
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	}
	return "invalid"
}

// HeaderFlags are the primary-header flag bits.
type HeaderFlags byte

const (
	FlagNoReplyExpected HeaderFlags = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
)

const protocolVersion byte = 1

// HeaderField identifies one entry of the header-fields array, a(yv).
type HeaderField byte

const (
	FieldInvalid HeaderField = iota
	FieldPath
	FieldInterface
	FieldMember
	FieldErrorName
	FieldReplySerial
	FieldDestination
	FieldSender
	FieldSignature
	FieldUnixFDs
	fieldMax
)

var headerFieldSig = [fieldMax]string{
	FieldPath:        "o",
	FieldInterface:   "s",
	FieldMember:      "s",
	FieldErrorName:   "s",
	FieldReplySerial: "u",
	FieldDestination: "s",
	FieldSender:      "s",
	FieldSignature:   "g",
	FieldUnixFDs:     "u",
}

var requiredFields = [typeMax][]HeaderField{
	TypeMethodCall:   {FieldPath, FieldMember},
	TypeMethodReturn: {FieldReplySerial},
	TypeError:        {FieldErrorName, FieldReplySerial},
	TypeSignal:       {FieldPath, FieldInterface, FieldMember},
}

// InvalidMessageError reports why a message fails validation.
type InvalidMessageError string

func (e InvalidMessageError) Error() string { return "invalid message: " + string(e) }

// Message is a single D-Bus message: primary header, header-fields array
// and body.
type Message struct {
	Order  binary.ByteOrder
	Format Format
	Type   MessageType
	Flags  HeaderFlags
	Headers map[HeaderField]Variant
	Body    []Value

	serial uint32
}

func newMessage(order binary.ByteOrder, format Format, typ MessageType) *Message {
	return &Message{
		Order:   order,
		Format:  format,
		Type:    typ,
		Headers: make(map[HeaderField]Variant),
	}
}

// Serial returns the message's serial number.
func (m *Message) Serial() uint32 { return m.serial }

// SetSerial assigns the message's serial number; called by the connection
// core when a message is handed off to the outbound queue.
func (m *Message) SetSerial(s uint32) { m.serial = s }

// NewMethodCall builds a method-call message. args are converted to Values
// via the same reflection-based projection Marshal uses.
func NewMethodCall(order binary.ByteOrder, format Format, path ObjectPath, iface, member string, dest BusName, args ...interface{}) (*Message, error) {
	if !path.IsValid() {
		return nil, newErr(KindIncorrectValue, "invalid object path %q", path)
	}
	if !isValidMember(member) {
		return nil, newErr(KindIncorrectValue, "invalid member name %q", member)
	}
	m := newMessage(order, format, TypeMethodCall)
	m.Headers[FieldPath] = MakeVariant(path)
	m.Headers[FieldMember] = MakeVariant(member)
	if iface != "" {
		if !isValidInterface(iface) {
			return nil, newErr(KindIncorrectValue, "invalid interface name %q", iface)
		}
		m.Headers[FieldInterface] = MakeVariant(iface)
	}
	if dest != "" {
		m.Headers[FieldDestination] = MakeVariant(string(dest))
	}
	if err := m.setBody(args...); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMethodReturn builds the reply to a method call with the given serial.
func NewMethodReturn(order binary.ByteOrder, format Format, replySerial uint32, args ...interface{}) (*Message, error) {
	m := newMessage(order, format, TypeMethodReturn)
	m.Headers[FieldReplySerial] = MakeVariant(replySerial)
	if err := m.setBody(args...); err != nil {
		return nil, err
	}
	return m, nil
}

// NewError builds an error reply to a method call with the given serial.
func NewError(order binary.ByteOrder, format Format, replySerial uint32, name string, args ...interface{}) (*Message, error) {
	if !isValidInterface(name) {
		return nil, newErr(KindIncorrectValue, "invalid error name %q", name)
	}
	m := newMessage(order, format, TypeError)
	m.Headers[FieldErrorName] = MakeVariant(name)
	m.Headers[FieldReplySerial] = MakeVariant(replySerial)
	if err := m.setBody(args...); err != nil {
		return nil, err
	}
	return m, nil
}

// NewSignal builds a signal message.
func NewSignal(order binary.ByteOrder, format Format, path ObjectPath, iface, member string, args ...interface{}) (*Message, error) {
	if !path.IsValid() {
		return nil, newErr(KindIncorrectValue, "invalid object path %q", path)
	}
	if !isValidInterface(iface) {
		return nil, newErr(KindIncorrectValue, "invalid interface name %q", iface)
	}
	if !isValidMember(member) {
		return nil, newErr(KindIncorrectValue, "invalid member name %q", member)
	}
	m := newMessage(order, format, TypeSignal)
	m.Headers[FieldPath] = MakeVariant(path)
	m.Headers[FieldInterface] = MakeVariant(iface)
	m.Headers[FieldMember] = MakeVariant(member)
	if err := m.setBody(args...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) setBody(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	sig := SignatureOf(args...)
	types, err := splitTypes(sig.String(), m.Format)
	if err != nil {
		return err
	}
	values := make([]Value, len(args))
	for i, a := range args {
		v, err := goToValue(reflect.ValueOf(a), types[i], m.Format)
		if err != nil {
			return err
		}
		values[i] = v
	}
	m.Body = values
	m.Headers[FieldSignature] = MakeVariantWithSignature(sig, Signature{"g"})
	return nil
}

// EncodeTo serializes msg onto out.
func (m *Message) EncodeTo(out io.Writer) error {
	data, _, err := m.encodeBytes()
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// encodeBytes serializes m and also returns the Unix file descriptors its
// body attached (via 'h' values), for transports that pass them
// out-of-band alongside the encoded bytes.
func (m *Message) encodeBytes() ([]byte, []int, error) {
	if err := m.IsValid(); err != nil {
		return nil, nil, err
	}
	bodyBuf := newWireWriter(m.Order, m.Format)
	for _, v := range m.Body {
		if err := encodeValue(bodyBuf, v); err != nil {
			return nil, nil, err
		}
	}
	if len(bodyBuf.fds) > MaxUnixFDs {
		return nil, nil, InvalidMessageError("message carries more file descriptors than MaxUnixFDs allows")
	}
	if len(bodyBuf.fds) > 0 {
		m.Headers[FieldUnixFDs] = MakeVariant(uint32(len(bodyBuf.fds)))
	} else {
		delete(m.Headers, FieldUnixFDs)
	}

	w := newWireWriter(m.Order, m.Format)
	switch m.Order {
	case binary.LittleEndian:
		w.putU8('l')
	case binary.BigEndian:
		w.putU8('B')
	default:
		return nil, nil, InvalidMessageError("unknown byte order")
	}
	w.putU8(byte(m.Type))
	w.putU8(byte(m.Flags))
	w.putU8(protocolVersion)
	w.putU32(uint32(len(bodyBuf.buf)))
	w.putU32(m.serial)

	headerArray := m.headerFieldsValue()
	if err := encodeValue(w, headerArray); err != nil {
		return nil, nil, err
	}
	w.padTo(8)

	total := append(w.buf, bodyBuf.buf...)
	if len(total) > MaxMessageSize {
		return nil, nil, InvalidMessageError("message is too long")
	}
	return total, bodyBuf.fds, nil
}

func (m *Message) headerFieldsValue() Value {
	var fields []HeaderField
	for f := range m.Headers {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })

	items := make([]Value, 0, len(fields))
	for _, f := range fields {
		inner, err := goToValue(reflect.ValueOf(m.Headers[f].Value()), headerFieldSig[f], m.Format)
		if err != nil {
			continue
		}
		items = append(items, NewStruct([]Value{NewU8(byte(f)), NewVariantValue(inner)}))
	}
	return NewArray(Signature{"(yv)"}, items)
}

// DecodeMessage reads a single message from rd. The byte order is
// determined from the first byte of the primary header.
func DecodeMessage(rd io.Reader, format Format, fds []int) (*Message, error) {
	if len(fds) > MaxUnixFDs {
		return nil, InvalidMessageError("message carries more file descriptors than MaxUnixFDs allows")
	}
	var first [1]byte
	if _, err := io.ReadFull(rd, first[:]); err != nil {
		return nil, err
	}
	var order binary.ByteOrder
	switch first[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return nil, InvalidMessageError("invalid byte order marker")
	}

	rest := make([]byte, 11)
	if _, err := io.ReadFull(rd, rest); err != nil {
		return nil, err
	}
	typ := MessageType(rest[0])
	flags := HeaderFlags(rest[1])
	proto := rest[2]
	if proto != protocolVersion {
		return nil, InvalidMessageError("unsupported protocol version")
	}
	bodyLen := order.Uint32(rest[3:7])
	serial := order.Uint32(rest[7:11])
	if bodyLen > MaxMessageSize {
		return nil, InvalidMessageError("message body too long")
	}

	r := newWireReader(nil, order, format, nil)
	r.pos = 12

	hlenBuf := make([]byte, 4)
	if _, err := io.ReadFull(rd, hlenBuf); err != nil {
		return nil, err
	}
	hlen := order.Uint32(hlenBuf)
	if uint64(hlen)+uint64(bodyLen)+16 > 1<<27 {
		return nil, InvalidMessageError("message is too long")
	}

	headerBody := make([]byte, hlen)
	if hlen > 0 {
		if _, err := io.ReadFull(rd, headerBody); err != nil {
			return nil, err
		}
	}
	full := append(append([]byte{}, hlenBuf...), headerBody...)
	r.buf = append(make([]byte, 12), full...)

	headerVal, err := decodeValue(r, "a(yv)", len(r.buf))
	if err != nil {
		return nil, err
	}
	if err := r.alignTo(8); err != nil {
		return nil, err
	}

	m := &Message{Order: order, Format: format, Type: typ, Flags: flags, Headers: make(map[HeaderField]Variant), serial: serial}
	for _, entry := range headerVal.AsArray() {
		fields := entry.AsStruct()
		fcode := HeaderField(fields[0].AsU8())
		inner := fields[1].AsVariant()
		if fcode == FieldInvalid || fcode >= fieldMax {
			return nil, InvalidMessageError("invalid header field code")
		}
		rv := reflect.New(fieldGoType[fcode])
		if err := assignValue(inner, rv); err != nil {
			return nil, err
		}
		m.Headers[fcode] = MakeVariant(rv.Elem().Interface())
	}

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(rd, body); err != nil {
			return nil, err
		}
	}
	if err := m.IsValid(); err != nil {
		return nil, err
	}
	if v, ok := m.Headers[FieldUnixFDs]; ok {
		if want := v.Value().(uint32); int(want) != len(fds) {
			return nil, InvalidMessageError("UNIX_FDS header disagrees with the number of descriptors received out-of-band")
		}
	}
	sigVariant, hasSig := m.Headers[FieldSignature]
	if hasSig {
		sig := sigVariant.Value().(Signature)
		if sig.String() != "" {
			br := newWireReader(body, order, format, fds)
			vals, err := unmarshalWith(br, sig.String())
			if err != nil {
				return nil, err
			}
			m.Body = vals
		}
	}
	return m, nil
}

func unmarshalWith(r *wireReader, sig string) ([]Value, error) {
	types, err := splitTypes(sig, r.format)
	if err != nil {
		return nil, err
	}
	out := make([]Value, 0, len(types))
	for _, t := range types {
		v, err := decodeValue(r, t, len(r.buf))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// IsValid checks msg against the structural rules of the message format:
// valid byte order, valid type, only known flag bits, every header field
// matching its declared type, and every required field for msg.Type
// present.
func (m *Message) IsValid() error {
	switch m.Order {
	case binary.LittleEndian, binary.BigEndian:
	default:
		return InvalidMessageError("invalid byte order")
	}
	const knownFlags = FlagNoReplyExpected | FlagNoAutoStart | FlagAllowInteractiveAuthorization
	if m.Flags & ^knownFlags != 0 {
		return InvalidMessageError("invalid flags")
	}
	if m.Type == TypeInvalid || m.Type >= typeMax {
		return InvalidMessageError("invalid message type")
	}
	for k := range m.Headers {
		if k == FieldInvalid || k >= fieldMax {
			return InvalidMessageError("invalid header field code")
		}
	}
	for _, f := range requiredFields[m.Type] {
		if _, ok := m.Headers[f]; !ok {
			return InvalidMessageError(fmt.Sprintf("missing required header field %d", f))
		}
	}
	if v, ok := m.Headers[FieldPath]; ok {
		if p, ok := v.Value().(ObjectPath); !ok || !p.IsValid() {
			return InvalidMessageError("invalid path header")
		}
	}
	if v, ok := m.Headers[FieldInterface]; ok {
		if s, ok := v.Value().(string); !ok || !isValidInterface(s) {
			return InvalidMessageError("invalid interface header")
		}
	}
	if v, ok := m.Headers[FieldMember]; ok {
		if s, ok := v.Value().(string); !ok || !isValidMember(s) {
			return InvalidMessageError("invalid member header")
		}
	}
	if v, ok := m.Headers[FieldErrorName]; ok {
		if s, ok := v.Value().(string); !ok || !isValidInterface(s) {
			return InvalidMessageError("invalid error name header")
		}
	}
	if len(m.Body) != 0 {
		if _, ok := m.Headers[FieldSignature]; !ok {
			return InvalidMessageError("body present without a signature header")
		}
	}
	return nil
}

// String renders msg similarly to dbus-monitor's one-line-per-message output.
func (m *Message) String() string {
	if err := m.IsValid(); err != nil {
		return "<invalid message>"
	}
	var b strings.Builder
	b.WriteString(m.Type.String())
	if v, ok := m.Headers[FieldSender]; ok {
		fmt.Fprintf(&b, " from %v", v.Value())
	}
	if v, ok := m.Headers[FieldDestination]; ok {
		fmt.Fprintf(&b, " to %v", v.Value())
	}
	b.WriteString(" serial " + strconv.FormatUint(uint64(m.serial), 10))
	if v, ok := m.Headers[FieldPath]; ok {
		fmt.Fprintf(&b, " path %v", v.Value())
	}
	if v, ok := m.Headers[FieldInterface]; ok {
		fmt.Fprintf(&b, " interface %v", v.Value())
	}
	if v, ok := m.Headers[FieldMember]; ok {
		fmt.Fprintf(&b, " member %v", v.Value())
	}
	if v, ok := m.Headers[FieldErrorName]; ok {
		fmt.Fprintf(&b, " error %v", v.Value())
	}
	for _, v := range m.Body {
		fmt.Fprintf(&b, "\n  %v", v)
	}
	return b.String()
}

func isValidInterface(s string) bool {
	if s == "" || len(s) > 255 || !strings.Contains(s, ".") {
		return false
	}
	for _, comp := range strings.Split(s, ".") {
		if !isValidNameComponent(comp, true) {
			return false
		}
	}
	return true
}

func isValidMember(s string) bool {
	if s == "" || len(s) > 255 {
		return false
	}
	return isValidNameComponent(s, true)
}

func isValidNameComponent(s string, firstMustNotBeDigit bool) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		isAlpha := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
		isDigit := c >= '0' && c <= '9'
		if !isAlpha && !isDigit {
			return false
		}
		if i == 0 && isDigit && firstMustNotBeDigit {
			return false
		}
	}
	return true
}
