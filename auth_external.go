package dbus

import (
	"os"
	"strconv"
)

// externalMechanism implements SASL EXTERNAL: the client asserts its Unix
// uid, which the server verifies against the socket's peer credentials
// (SO_PEERCRED) rather than anything sent over the wire.
type externalMechanism struct {
	uidHex []byte
}

func newExternalMechanism(raw *rawUnixConn) (authMechanism, error) {
	return &externalMechanism{uidHex: []byte(strconv.FormatUint(uint64(os.Getuid()), 10))}, nil
}

func (m *externalMechanism) name() string { return "EXTERNAL" }

func (m *externalMechanism) initialResponse() ([]byte, error) { return m.uidHex, nil }

func (m *externalMechanism) handleData(challenge []byte) ([]byte, error) {
	return nil, newErr(KindHandshake, "EXTERNAL does not expect a DATA challenge")
}
