package dbus

import (
	"strings"
)

// Format selects the wire framing used by the codec. FormatDBus is the
// classic message-bus framing; FormatGVariant selects the GVariant
// framing (trailing offset tables, Maybe support).
type Format int

const (
	FormatDBus Format = iota
	FormatGVariant
)

func (f Format) String() string {
	if f == FormatGVariant {
		return "gvariant"
	}
	return "dbus"
}

// ObjectPath represents a D-Bus object path, a slash-separated ASCII
// identifier.
type ObjectPath string

// IsValid reports whether p follows the object-path grammar: starts with
// '/', contains only [A-Za-z0-9_] between slashes, no empty components
// except the root path itself, and no trailing slash unless p is "/".
func (p ObjectPath) IsValid() bool {
	s := string(p)
	if len(s) == 0 || s[0] != '/' {
		return false
	}
	if s == "/" {
		return true
	}
	if s[len(s)-1] == '/' {
		return false
	}
	for _, comp := range strings.Split(s[1:], "/") {
		if comp == "" {
			return false
		}
		for _, c := range comp {
			if !isPathComponentByte(byte(c)) {
				return false
			}
		}
	}
	return true
}

func isPathComponentByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '_':
		return true
	}
	return false
}

// BusName is a D-Bus bus name, either unique (":1.42") or well-known
// ("org.freedesktop.DBus").
type BusName string

// IsUnique reports whether n is a unique connection name.
func (n BusName) IsUnique() bool {
	return strings.HasPrefix(string(n), ":")
}

// UnixFDIndex is the wire representation of the 'h' type: an index into a
// message's attached file-descriptor table, resolved by the transport layer
// against the real descriptors passed out of band.
type UnixFDIndex uint32

const (
	// MaxMessageSize is the default maximum encoded message size.
	MaxMessageSize = 128 * 1024 * 1024
	// MaxUnixFDs is the maximum number of file descriptors attached to a
	// single message.
	MaxUnixFDs = 16
	// maxSignatureLen is the maximum byte length of a valid signature.
	maxSignatureLen = 255
	// maxContainerDepth bounds nested arrays/structs individually.
	maxContainerDepth = 32
	// maxTotalDepth bounds the combined container nesting depth.
	maxTotalDepth = 64
)
