package dbus

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"strings"
)

// cookieSHA1Mechanism implements SASL DBUS_COOKIE_SHA1: a shared-secret
// challenge/response scheme backed by a keyring file under
// ~/.dbus-keyrings, readable only by its owner.
type cookieSHA1Mechanism struct {
	username string
}

func newCookieSHA1Mechanism() (authMechanism, error) {
	u, err := user.Current()
	if err != nil {
		return nil, wrapErr(KindHandshake, err, "resolving current user")
	}
	return &cookieSHA1Mechanism{username: u.Username}, nil
}

func (m *cookieSHA1Mechanism) name() string { return "DBUS_COOKIE_SHA1" }

func (m *cookieSHA1Mechanism) initialResponse() ([]byte, error) {
	return []byte(m.username), nil
}

// handleData receives "<context> <cookie-id> <server-challenge>", looks
// up the matching cookie in the keyring, and returns
// "<client-challenge> <sha1-hex(server-challenge:client-challenge:cookie)>".
func (m *cookieSHA1Mechanism) handleData(challenge []byte) ([]byte, error) {
	fields := strings.Fields(string(challenge))
	if len(fields) != 3 {
		return nil, newErr(KindHandshake, "malformed DBUS_COOKIE_SHA1 challenge %q", challenge)
	}
	context, cookieID, serverChallenge := fields[0], fields[1], fields[2]

	cookie, err := lookupCookie(context, cookieID)
	if err != nil {
		return nil, err
	}

	clientChallenge, err := randomHex(16)
	if err != nil {
		return nil, err
	}

	h := sha1.New()
	fmt.Fprintf(h, "%s:%s:%s", serverChallenge, clientChallenge, cookie)
	digest := hex.EncodeToString(h.Sum(nil))
	return []byte(clientChallenge + " " + digest), nil
}

func lookupCookie(context, cookieID string) (string, error) {
	dir, err := keyringDir()
	if err != nil {
		return "", err
	}
	path := dir + string(os.PathSeparator) + context
	if err := checkKeyringPermissions(path, 0o600); err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", wrapErr(KindHandshake, err, "opening cookie file %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			continue
		}
		if fields[0] == cookieID {
			return fields[2], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", wrapErr(KindHandshake, err, "reading cookie file")
	}
	return "", newErr(KindHandshake, "cookie id %q not found in %s", cookieID, path)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", wrapErr(KindHandshake, err, "generating client challenge")
	}
	return hex.EncodeToString(b), nil
}
