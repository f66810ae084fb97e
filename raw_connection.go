package dbus

import (
	"net"

	"golang.org/x/sys/unix"
)

// rawUnixConn wraps a Unix-domain socket file descriptor, adding Unix
// file-descriptor passing (SCM_RIGHTS) and peer-credential retrieval
// (SO_PEERCRED) on top of the ordinary byte stream. Message framing is
// layered on top of this by transport_unix.go.
type rawUnixConn struct {
	conn *net.UnixConn
	fd   int
}

func newRawUnixConn(conn *net.UnixConn) (*rawUnixConn, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, wrapErr(KindIO, err, "obtaining raw socket")
	}
	var fd int
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return nil, wrapErr(KindIO, err, "obtaining socket descriptor")
	}
	return &rawUnixConn{conn: conn, fd: fd}, nil
}

// peerCredentials returns the uid/pid/gid of the process at the other end
// of the socket (SO_PEERCRED).
func (c *rawUnixConn) peerCredentials() (uid uint32, pid uint32, gid uint32, err error) {
	var ucred *unix.Ucred
	rawErr := withRawControl(c.conn, func(fd uintptr) error {
		var e error
		ucred, e = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		return e
	})
	if rawErr != nil {
		return 0, 0, 0, wrapErr(KindIO, rawErr, "reading SO_PEERCRED")
	}
	return uint32(ucred.Uid), uint32(ucred.Pid), uint32(ucred.Gid), nil
}

func withRawControl(conn *net.UnixConn, f func(fd uintptr) error) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var inner error
	if err := raw.Control(func(fd uintptr) { inner = f(fd) }); err != nil {
		return err
	}
	return inner
}

// sendWithFDs writes data as a single message, attaching fds via
// SCM_RIGHTS when non-empty.
func (c *rawUnixConn) sendWithFDs(data []byte, fds []int) error {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	return withRawControl(c.conn, func(fd uintptr) error {
		return unix.Sendmsg(int(fd), data, oob, nil, 0)
	})
}

// recvWithFDs reads up to len(buf) bytes plus any attached descriptors
// into a single message.
func (c *rawUnixConn) recvWithFDs(buf []byte) (n int, fds []int, err error) {
	oob := make([]byte, unix.CmsgSpace(len(buf)/4+16))
	var oobn int
	raw, rawErr := c.conn.SyscallConn()
	if rawErr == nil {
		// The socket is non-blocking: returning false on EAGAIN makes Read
		// wait until the socket is readable and call the function again.
		var e error
		rawErr = raw.Read(func(fd uintptr) bool {
			n, oobn, _, _, e = unix.Recvmsg(int(fd), buf, oob, 0)
			return e != unix.EAGAIN
		})
		if rawErr == nil {
			rawErr = e
		}
	}
	if rawErr != nil {
		return 0, nil, wrapErr(KindIO, rawErr, "recvmsg")
	}
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return n, nil, wrapErr(KindIO, err, "parsing control message")
		}
		for _, scm := range scms {
			rights, err := unix.ParseUnixRights(&scm)
			if err != nil {
				continue
			}
			fds = append(fds, rights...)
		}
	}
	return n, fds, nil
}
