package dbus

import (
	"bytes"
	"encoding/binary"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func init() {
	registerTransport("unix", dialUnix)
}

func dialUnix(addr transportAddress) (transport, error) {
	var sockAddr string
	switch {
	case addr.params["path"] != "":
		sockAddr = addr.params["path"]
	case addr.params["abstract"] != "":
		sockAddr = "@" + addr.params["abstract"]
	default:
		return nil, newErr(KindHandshake, "unix transport requires path= or abstract=")
	}
	conn, err := net.Dial("unix", sockAddr)
	if err != nil {
		return nil, wrapErr(KindIO, err, "dialing unix socket %q", sockAddr)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, newErr(KindIO, "unexpected connection type for unix transport")
	}
	raw, err := newRawUnixConn(uc)
	if err != nil {
		uc.Close()
		return nil, err
	}
	t := &unixTransport{raw: raw, log: logrus.WithField("transport", "unix")}
	guid, fdsAgreed, err := clientHandshake(t.raw, authMechanismsForAddress(addr), true)
	if err != nil {
		uc.Close()
		return nil, err
	}
	t.guid = guid
	t.fdsEnabled = fdsAgreed
	return t, nil
}

// unixTransport is the full-duplex transport over a Unix-domain socket: a
// plain byte stream for the message framing, with Unix file descriptors
// and peer credentials carried alongside it via SCM_RIGHTS/SO_PEERCRED.
type unixTransport struct {
	raw        *rawUnixConn
	guid       string
	log        *logrus.Entry
	fdsEnabled bool

	pending bytes.Buffer
	fdQueue []int
}

// SupportsUnixFDs reports whether this connection's handshake negotiated
// Unix file-descriptor passing (NEGOTIATE_UNIX_FD/AGREE_UNIX_FD), not
// merely whether the transport is technically capable of it.
func (t *unixTransport) SupportsUnixFDs() bool { return t.fdsEnabled }

func (t *unixTransport) Close() error {
	return t.raw.conn.Close()
}

// Read implements io.Reader over the buffered recvmsg stream, so
// DecodeMessage can be driven directly against the transport.
func (t *unixTransport) Read(p []byte) (int, error) {
	for t.pending.Len() == 0 {
		chunk := make([]byte, 65536)
		n, fds, err := t.raw.recvWithFDs(chunk)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, newErr(KindIO, "peer closed connection")
		}
		t.pending.Write(chunk[:n])
		t.fdQueue = append(t.fdQueue, fds...)
	}
	return t.pending.Read(p)
}

func (t *unixTransport) ReadMessage(format Format) (*Message, error) {
	// Snapshot the fd queue before decoding: any descriptors that arrived
	// alongside this message's bytes are already queued by Read above.
	msg, err := DecodeMessage(t, format, t.fdQueue)
	if err != nil {
		return nil, err
	}
	t.fdQueue = nil
	return msg, nil
}

func (t *unixTransport) SendMessage(msg *Message) error {
	data, fds, err := msg.encodeBytes()
	if err != nil {
		return err
	}
	if len(fds) > 0 && !t.fdsEnabled {
		return newErr(KindIncorrectValue, "message carries file descriptors but UNIX_FDS was not agreed during the handshake")
	}
	return t.raw.sendWithFDs(data, fds)
}

// Listener accepts peer-to-peer D-Bus connections over a Unix-domain
// socket, playing the server role of the SASL handshake. It is not a bus
// daemon: it has no routing, name registry or broadcast of its own, just
// the raw accept-and-authenticate loop each accepted Conn then rides on.
type Listener struct {
	ln   *net.UnixListener
	guid string
	log  *logrus.Entry
}

// ListenUnix starts listening at sockAddr (or, if abstract is true, in the
// abstract namespace), generating a fresh server GUID for the handshake.
func ListenUnix(sockAddr string, abstract bool) (*Listener, error) {
	addr := sockAddr
	if abstract {
		addr = "@" + sockAddr
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: addr, Net: "unix"})
	if err != nil {
		return nil, wrapErr(KindIO, err, "listening on unix socket %q", sockAddr)
	}
	guid := strings.ReplaceAll(uuid.New().String(), "-", "")
	return &Listener{ln: ln, guid: guid, log: logrus.WithField("transport", "unix-listener")}, nil
}

// Accept blocks for the next incoming peer connection, completes the
// server-side handshake, and returns a live Conn riding on it.
func (l *Listener) Accept(opts ...Option) (*Conn, error) {
	uc, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, wrapErr(KindIO, err, "accepting unix connection")
	}
	raw, err := newRawUnixConn(uc)
	if err != nil {
		uc.Close()
		return nil, err
	}
	fdsAgreed, err := serverHandshake(raw, l.guid)
	if err != nil {
		uc.Close()
		return nil, err
	}
	t := &unixTransport{raw: raw, guid: l.guid, log: l.log, fdsEnabled: fdsAgreed}
	return newConn(t, binary.LittleEndian, FormatDBus, opts...), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the listener's socket address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func authMechanismsForAddress(addr transportAddress) []string {
	if _, ok := addr.params["guid"]; ok {
		return []string{"EXTERNAL", "DBUS_COOKIE_SHA1", "ANONYMOUS"}
	}
	return []string{"EXTERNAL", "DBUS_COOKIE_SHA1", "ANONYMOUS"}
}
