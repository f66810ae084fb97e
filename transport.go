package dbus

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// transport is the full-duplex byte-stream a Conn drives: it reads and
// writes whole messages and, on platforms that support it, passes Unix
// file descriptors and peer credentials out of band.
type transport interface {
	io.Closer
	ReadMessage(format Format) (*Message, error)
	SendMessage(msg *Message) error
	SupportsUnixFDs() bool
}

// transportDialer opens a transport for one parsed address. Dialers are
// registered per scheme in transportRegistry and reached through Dial;
// only "unix:" is registered, and addresses of any other scheme are
// rejected as unsupported.
type transportDialer func(addr transportAddress) (transport, error)

var transportRegistry = map[string]transportDialer{}

func registerTransport(scheme string, d transportDialer) {
	transportRegistry[scheme] = d
}

// transportAddress is one parsed D-Bus address: "scheme:key1=val1,key2=val2".
type transportAddress struct {
	scheme string
	params map[string]string
}

// parseAddress splits a D-Bus address string, which may list several
// semicolon-separated fallback addresses, and returns them in order.
func parseAddress(s string) ([]transportAddress, error) {
	var out []transportAddress
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		i := strings.IndexByte(entry, ':')
		if i < 0 {
			return nil, newErr(KindHandshake, "invalid address %q: missing scheme", entry)
		}
		scheme := entry[:i]
		params := make(map[string]string)
		for _, kv := range strings.Split(entry[i+1:], ",") {
			if kv == "" {
				continue
			}
			j := strings.IndexByte(kv, '=')
			if j < 0 {
				return nil, newErr(KindHandshake, "invalid address %q: malformed key-value pair %q", entry, kv)
			}
			key, val, err := unescapeAddressValue(kv[:j], kv[j+1:])
			if err != nil {
				return nil, err
			}
			params[key] = val
		}
		out = append(out, transportAddress{scheme: scheme, params: params})
	}
	if len(out) == 0 {
		return nil, newErr(KindHandshake, "empty address")
	}
	return out, nil
}

func unescapeAddressValue(key, val string) (string, string, error) {
	var b strings.Builder
	for i := 0; i < len(val); i++ {
		if val[i] == '%' {
			if i+2 >= len(val) {
				return "", "", newErr(KindHandshake, "truncated percent-escape in address value")
			}
			var hi, lo byte
			var err error
			if hi, err = hexNibble(val[i+1]); err != nil {
				return "", "", err
			}
			if lo, err = hexNibble(val[i+2]); err != nil {
				return "", "", err
			}
			b.WriteByte(hi<<4 | lo)
			i += 2
			continue
		}
		b.WriteByte(val[i])
	}
	return key, b.String(), nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	}
	return 0, newErr(KindHandshake, "invalid hex digit %q in address", c)
}

// dialAddress tries each parsed address in turn, returning the first
// transport that dials successfully.
func dialAddress(s string) (transport, error) {
	addrs, err := parseAddress(s)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, a := range addrs {
		dial, ok := transportRegistry[a.scheme]
		if !ok {
			lastErr = newErr(KindHandshake, "unsupported transport scheme %q", a.scheme)
			continue
		}
		t, err := dial(a)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = newErr(KindHandshake, "no usable address in %q", s)
	}
	return nil, lastErr
}

func sessionBusAddress() (string, error) {
	if addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); addr != "" {
		return addr, nil
	}
	return "", newErr(KindHandshake, "DBUS_SESSION_BUS_ADDRESS is not set")
}

func systemBusAddress() string {
	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		return addr
	}
	return "unix:path=/var/run/dbus/system_bus_socket"
}

func formatTransportError(scheme string, err error) error {
	return fmt.Errorf("dbus: dialing %s: %w", scheme, err)
}
