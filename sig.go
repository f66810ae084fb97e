package dbus

import (
	"reflect"
	"strings"
)

// Signature is a D-Bus type descriptor: a finite sequence of ASCII
// characters drawn from the basic-type, container and variant alphabet.
// The same type also serves as the in-process representation of the
// wire type 'g' (a signature used as a value), so one Signature struct
// serves both roles.
type Signature struct {
	str string
}

// SignatureOf builds the signature that GetSignature/Marshal will use to
// encode values, purely by inspecting their Go types via reflection.
func SignatureOf(values ...interface{}) Signature {
	var b strings.Builder
	for _, v := range values {
		b.WriteString(signatureOfValue(v))
	}
	return Signature{b.String()}
}

// GetSignature is an alias for SignatureOf.
func GetSignature(args ...interface{}) Signature { return SignatureOf(args...) }

func (s Signature) String() string { return s.str }
func (s Signature) Empty() bool    { return s.str == "" }

// ParseSignature validates s against the D-Bus signature grammar and
// returns a Signature wrapping it, or an InvalidSignature error.
func ParseSignature(s string) (Signature, error) {
	if len(s) > maxSignatureLen {
		return Signature{}, newErr(KindInvalidSignature, "signature exceeds %d bytes", maxSignatureLen)
	}
	c := &sigCursor{s: s}
	depth := depthCounter{}
	for c.i < len(c.s) {
		if _, err := c.skipOneWithDepth(&depth, FormatDBus); err != nil {
			return Signature{}, err
		}
	}
	return Signature{s}, nil
}

// parseSignatureFormat validates s honoring the Maybe ('m') token, which
// is legal only under GVariant framing.
func parseSignatureFormat(s string, format Format) (Signature, error) {
	if format == FormatDBus {
		return ParseSignature(s)
	}
	if len(s) > maxSignatureLen {
		return Signature{}, newErr(KindInvalidSignature, "signature exceeds %d bytes", maxSignatureLen)
	}
	c := &sigCursor{s: s}
	depth := depthCounter{}
	for c.i < len(c.s) {
		if _, err := c.skipOneWithDepth(&depth, format); err != nil {
			return Signature{}, err
		}
	}
	return Signature{s}, nil
}

// depthCounter tracks nesting limits: arrays and structures nest to at
// most 32 each, and the combined nesting depth is at most 64.
type depthCounter struct {
	array int
	strct int
	other int // variant/maybe nesting, counted only toward the combined limit
}

func (d *depthCounter) enterArray() error {
	d.array++
	return d.check()
}
func (d *depthCounter) exitArray() { d.array-- }

func (d *depthCounter) enterStruct() error {
	d.strct++
	return d.check()
}
func (d *depthCounter) exitStruct() { d.strct-- }

func (d *depthCounter) enterOther() error {
	d.other++
	return d.check()
}
func (d *depthCounter) exitOther() { d.other-- }

func (d *depthCounter) check() error {
	if d.array > maxContainerDepth {
		return newErr(KindInvalidSignature, "array nesting exceeds %d", maxContainerDepth)
	}
	if d.strct > maxContainerDepth {
		return newErr(KindInvalidSignature, "struct nesting exceeds %d", maxContainerDepth)
	}
	if d.array+d.strct+d.other > maxTotalDepth {
		return newErr(KindInvalidSignature, "combined nesting exceeds %d", maxTotalDepth)
	}
	return nil
}

// sigCursor is a cheap, rewindable cursor over a signature string, used in
// place of an allocating tokenizer.
type sigCursor struct {
	s string
	i int
}

func newSigCursor(s string) *sigCursor { return &sigCursor{s: s} }

// Remaining returns the unconsumed tail of the signature.
func (c *sigCursor) Remaining() string { return c.s[c.i:] }

// Done reports whether the cursor has consumed the whole signature.
func (c *sigCursor) Done() bool { return c.i >= len(c.s) }

// PeekByte returns the next unconsumed byte without advancing.
func (c *sigCursor) PeekByte() (byte, bool) {
	if c.i >= len(c.s) {
		return 0, false
	}
	return c.s[c.i], true
}

// Rewind moves the cursor backwards by n bytes.
func (c *sigCursor) Rewind(n int) { c.i -= n }

// SkipChars advances the cursor by n raw bytes without interpreting them.
func (c *sigCursor) SkipChars(n int) { c.i += n }

// Slice returns signature[i:j] relative to the cursor's underlying string.
func (c *sigCursor) Slice(i, j int) string { return c.s[i:j] }

// SkipOne parses and consumes exactly one complete type starting at the
// cursor, returning its byte span (including brackets for containers).
func (c *sigCursor) SkipOne(format Format) (string, error) {
	depth := depthCounter{}
	return c.skipOneWithDepth(&depth, format)
}

func (c *sigCursor) skipOneWithDepth(depth *depthCounter, format Format) (string, error) {
	start := c.i
	if c.i >= len(c.s) {
		return "", newErr(KindInvalidSignature, "unexpected end of signature")
	}
	b := c.s[c.i]
	c.i++
	switch b {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h', 'v':
		// basic/variant types: single byte token.
	case 'm':
		if format != FormatGVariant {
			return "", newErr(KindInvalidSignature, "'m' is only valid under GVariant framing")
		}
		if _, err := c.skipOneWithDepth(depth, format); err != nil {
			return "", err
		}
	case 'a':
		if err := depth.enterArray(); err != nil {
			return "", err
		}
		child := c.i
		if c.i >= len(c.s) {
			return "", newErr(KindInvalidSignature, "array missing element type")
		}
		if c.s[c.i] == '{' {
			if _, err := c.skipDictEntry(depth, format); err != nil {
				return "", err
			}
		} else {
			if _, err := c.skipOneWithDepth(depth, format); err != nil {
				return "", err
			}
		}
		_ = child
		depth.exitArray()
	case '(':
		if err := depth.enterStruct(); err != nil {
			return "", err
		}
		n := 0
		for {
			if c.i >= len(c.s) {
				return "", newErr(KindInvalidSignature, "unterminated structure")
			}
			if c.s[c.i] == ')' {
				c.i++
				break
			}
			if _, err := c.skipOneWithDepth(depth, format); err != nil {
				return "", err
			}
			n++
		}
		if n == 0 {
			return "", newErr(KindInvalidSignature, "structure must have at least one field")
		}
		depth.exitStruct()
	case '{':
		return "", newErr(KindInvalidSignature, "dict entry only valid as array element")
	case ')', '}':
		return "", newErr(KindInvalidSignature, "unbalanced bracket")
	default:
		return "", newErr(KindInvalidSignature, "invalid signature byte %q", b)
	}
	return c.s[start:c.i], nil
}

// skipDictEntry consumes "{kv}" where k must be a single basic type and v
// may be any single type. Dict entries are only legal directly inside an
// array, which the caller (the 'a' case above) already guarantees.
func (c *sigCursor) skipDictEntry(depth *depthCounter, format Format) (string, error) {
	start := c.i
	c.i++ // consume '{'
	if err := depth.enterStruct(); err != nil {
		return "", err
	}
	if c.i >= len(c.s) {
		return "", newErr(KindInvalidSignature, "unterminated dict entry")
	}
	keyStart := c.i
	if _, err := c.skipOneWithDepth(depth, format); err != nil {
		return "", err
	}
	key := c.s[keyStart:c.i]
	if len(key) != 1 || !isBasicType(key[0]) {
		return "", newErr(KindInvalidSignature, "dict entry key must be a single basic type, got %q", key)
	}
	if c.i >= len(c.s) || c.s[c.i] == '}' {
		return "", newErr(KindInvalidSignature, "dict entry missing value type")
	}
	if _, err := c.skipOneWithDepth(depth, format); err != nil {
		return "", err
	}
	if c.i >= len(c.s) || c.s[c.i] != '}' {
		return "", newErr(KindInvalidSignature, "unterminated dict entry")
	}
	c.i++ // consume '}'
	depth.exitStruct()
	return c.s[start:c.i], nil
}

func isBasicType(b byte) bool {
	switch b {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h':
		return true
	}
	return false
}

// --- Alignment oracle ---

// alignment returns the required byte alignment for a value whose
// signature begins with token.
func alignment(token byte) int {
	switch token {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 'h', 's', 'o', 'a':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	case 'm':
		return 1 // resolved to the child's alignment by the caller
	}
	return 1
}

// isFixedSize reports whether sig contains no variable-length or
// self-describing token ('a', 's', 'o', 'g', 'v', 'm').
func isFixedSize(sig string) bool {
	for i := 0; i < len(sig); i++ {
		switch sig[i] {
		case 'a', 's', 'o', 'g', 'v', 'm':
			return false
		}
	}
	return true
}

// splitTypes returns the signature tokens that are each a single complete
// type, for callers that need to walk a top-level signature (e.g. a
// message body, or a structure's fields) one type at a time.
func splitTypes(sig string, format Format) ([]string, error) {
	c := newSigCursor(sig)
	var out []string
	for !c.Done() {
		tok, err := c.SkipOne(format)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, nil
}
