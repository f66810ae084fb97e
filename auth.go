package dbus

import (
	"bufio"
	"encoding/hex"
	"os"
	"strings"
)

// authMechanism implements one SASL-style mechanism's client side. initialResponse
// returns the bytes to send with the first AUTH line (nil if the mechanism
// sends no initial response), and handleData responds to a server DATA
// challenge, if any.
type authMechanism interface {
	name() string
	initialResponse() ([]byte, error)
	handleData(challenge []byte) ([]byte, error)
}

// saslConn is the minimal line-oriented reader/writer the handshake runs
// over, before the connection switches to binary message framing.
type saslConn struct {
	w   writerFlusher
	r   *bufio.Reader
	raw *rawUnixConn
}

type writerFlusher interface {
	Write(p []byte) (int, error)
}

func newSASLConn(raw *rawUnixConn) *saslConn {
	return &saslConn{w: sendOnlyWriter{raw}, r: bufio.NewReader(sasLReaderFunc(raw.recvWithFDs)), raw: raw}
}

type sendOnlyWriter struct{ raw *rawUnixConn }

func (s sendOnlyWriter) Write(p []byte) (int, error) {
	if err := s.raw.sendWithFDs(p, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}

// sasLReaderFunc adapts rawUnixConn.recvWithFDs to io.Reader for the
// handshake's line scanner; credential-passing descriptors are never sent
// during the handshake, so fds are discarded here.
type sasLReaderFunc func([]byte) (int, []int, error)

func (f sasLReaderFunc) Read(p []byte) (int, error) {
	n, _, err := f(p)
	return n, err
}

func (c *saslConn) writeLine(s string) error {
	_, err := c.w.Write([]byte(s + "\r\n"))
	return err
}

func (c *saslConn) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", wrapErr(KindHandshake, err, "reading SASL line")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// clientHandshake drives the authentication state machine for one of the
// mechanisms in order, negotiates Unix file-descriptor passing if
// negotiateFDs is set, then sends BEGIN and returns the server's GUID and
// whether FD passing was agreed.
//
// By default the leading NUL byte goes out in the same write as the first
// AUTH line; setting WIREBUS_NO_PIPELINE to any non-empty value sends the
// NUL byte as a write of its own first. Either way the client waits for
// the server's reply to each AUTH, DATA and NEGOTIATE_UNIX_FD line before
// sending the next line, and sends BEGIN only after a mechanism succeeded.
func clientHandshake(raw *rawUnixConn, mechanismNames []string, negotiateFDs bool) (guid string, fdsAgreed bool, err error) {
	c := newSASLConn(raw)
	pipelined := !envNoPipeline()
	if !pipelined {
		if _, err := c.w.Write([]byte{0}); err != nil {
			return "", false, wrapErr(KindHandshake, err, "writing initial NUL byte")
		}
	}

	var lastRejected string
	nulSent := false
	for _, name := range mechanismNames {
		mech, err := newAuthMechanism(name, raw)
		if err != nil {
			continue
		}
		guid, ok, err := tryMechanism(c, mech, pipelined && !nulSent)
		nulSent = true
		if err != nil {
			return "", false, err
		}
		if ok {
			if negotiateFDs {
				fdsAgreed, err = negotiateUnixFDs(c)
				if err != nil {
					return "", false, err
				}
			}
			if err := c.writeLine("BEGIN"); err != nil {
				return "", false, err
			}
			return guid, fdsAgreed, nil
		}
		lastRejected = name
	}
	return "", false, newErr(KindHandshake, "no SASL mechanism succeeded (last rejected: %s)", lastRejected)
}

// negotiateUnixFDs asks the server to agree to pass Unix file descriptors
// alongside messages on this connection, once authentication has
// succeeded and before BEGIN. A plain "ERROR" response means the server
// (or the transport underneath it) doesn't support FD passing; this is
// not itself a handshake failure.
func negotiateUnixFDs(c *saslConn) (bool, error) {
	if err := c.writeLine("NEGOTIATE_UNIX_FD"); err != nil {
		return false, err
	}
	resp, err := c.readLine()
	if err != nil {
		return false, err
	}
	switch {
	case resp == "AGREE_UNIX_FD":
		return true, nil
	case strings.HasPrefix(resp, "ERROR"):
		return false, nil
	default:
		return false, newErr(KindHandshake, "unexpected response to NEGOTIATE_UNIX_FD: %q", resp)
	}
}

// tryMechanism runs one mechanism's negotiation. The leading NUL byte
// every SASL handshake starts with is sent exactly once: pipelined mode
// (the default) folds it into the same write syscall as the first AUTH
// line, saving a round trip; WIREBUS_NO_PIPELINE=1 sends it as a
// strictly separate write, for a server that requires that.
func tryMechanism(c *saslConn, mech authMechanism, sendNulPipelined bool) (guid string, ok bool, err error) {
	initial, err := mech.initialResponse()
	if err != nil {
		return "", false, err
	}
	line := "AUTH " + mech.name()
	if initial != nil {
		line += " " + hex.EncodeToString(initial)
	}
	if sendNulPipelined {
		if _, err := c.w.Write(append([]byte{0}, []byte(line+"\r\n")...)); err != nil {
			return "", false, err
		}
	} else {
		if err := c.writeLine(line); err != nil {
			return "", false, err
		}
	}

	for {
		resp, err := c.readLine()
		if err != nil {
			return "", false, err
		}
		fields := strings.SplitN(resp, " ", 2)
		switch fields[0] {
		case "OK":
			guid := ""
			if len(fields) > 1 {
				guid = strings.TrimSpace(fields[1])
			}
			return guid, true, nil
		case "REJECTED":
			return "", false, nil
		case "DATA":
			var challenge []byte
			if len(fields) > 1 {
				challenge, err = hex.DecodeString(strings.TrimSpace(fields[1]))
				if err != nil {
					return "", false, newErr(KindHandshake, "malformed DATA payload")
				}
			}
			reply, err := mech.handleData(challenge)
			if err != nil {
				if err := c.writeLine("CANCEL"); err != nil {
					return "", false, err
				}
				continue
			}
			if err := c.writeLine("DATA " + hex.EncodeToString(reply)); err != nil {
				return "", false, err
			}
		case "ERROR":
			if err := c.writeLine("CANCEL"); err != nil {
				return "", false, err
			}
		default:
			return "", false, newErr(KindHandshake, "unexpected SASL response %q", resp)
		}
	}
}

// serverHandshake drives the bus side of the SASL exchange for a peer
// connection accepted by a Listener: it reads the client's leading NUL and
// AUTH line, accepts EXTERNAL or ANONYMOUS unconditionally (the identity
// a client claims is not compared with the socket's SO_PEERCRED
// credentials), rejects anything else, agrees to any NEGOTIATE_UNIX_FD
// request (a Unix-domain listener always supports SCM_RIGHTS), and waits
// for BEGIN before handing the connection over to message framing. It
// reports whether FD passing was agreed.
func serverHandshake(raw *rawUnixConn, guid string) (fdsAgreed bool, err error) {
	c := newSASLConn(raw)
	var nul [1]byte
	if _, err := c.r.Read(nul[:]); err != nil {
		return false, wrapErr(KindHandshake, err, "reading initial NUL byte")
	}
	if nul[0] != 0 {
		return false, newErr(KindHandshake, "expected leading NUL byte, got %#x", nul[0])
	}
	for {
		line, err := c.readLine()
		if err != nil {
			return false, err
		}
		fields := strings.SplitN(line, " ", 3)
		switch fields[0] {
		case "AUTH":
			if len(fields) < 2 {
				if err := c.writeLine("ERROR"); err != nil {
					return false, err
				}
				continue
			}
			switch fields[1] {
			case "EXTERNAL", "ANONYMOUS":
				if err := c.writeLine("OK " + guid); err != nil {
					return false, err
				}
			default:
				if err := c.writeLine("REJECTED EXTERNAL ANONYMOUS"); err != nil {
					return false, err
				}
			}
		case "NEGOTIATE_UNIX_FD":
			if err := c.writeLine("AGREE_UNIX_FD"); err != nil {
				return false, err
			}
			fdsAgreed = true
		case "BEGIN":
			return fdsAgreed, nil
		case "":
			continue
		default:
			if err := c.writeLine("ERROR"); err != nil {
				return false, err
			}
		}
	}
}

func newAuthMechanism(name string, raw *rawUnixConn) (authMechanism, error) {
	switch name {
	case "EXTERNAL":
		return newExternalMechanism(raw)
	case "ANONYMOUS":
		return newAnonymousMechanism(), nil
	case "DBUS_COOKIE_SHA1":
		return newCookieSHA1Mechanism()
	}
	return nil, newErr(KindHandshake, "unsupported mechanism %q", name)
}

func envNoPipeline() bool {
	return os.Getenv("WIREBUS_NO_PIPELINE") != ""
}
