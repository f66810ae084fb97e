package dbus

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeKeyringFixture creates a $HOME/.dbus-keyrings/<context> cookie file
// with owner-only permissions, the layout lookupCookie expects:
// "<cookie-id> <created-unix-time> <cookie-hex>" per line.
func writeKeyringFixture(t *testing.T, context, cookieID, cookie string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".dbus-keyrings")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	line := fmt.Sprintf("%s %d %s\n", cookieID, 1700000000, cookie)
	path := filepath.Join(dir, context)
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLookupCookieFindsMatchingID(t *testing.T) {
	writeKeyringFixture(t, "org_example_general", "7", "deadbeefcafe")

	cookie, err := lookupCookie("org_example_general", "7")
	if err != nil {
		t.Fatalf("lookupCookie: %v", err)
	}
	if cookie != "deadbeefcafe" {
		t.Fatalf("cookie = %q, want %q", cookie, "deadbeefcafe")
	}
}

func TestLookupCookieMissingIDFails(t *testing.T) {
	writeKeyringFixture(t, "org_example_general", "7", "deadbeefcafe")

	if _, err := lookupCookie("org_example_general", "999"); err == nil {
		t.Fatalf("expected an error for an unknown cookie id, got none")
	}
}

func TestLookupCookieRejectsGroupReadablePermissions(t *testing.T) {
	writeKeyringFixture(t, "org_example_general", "7", "deadbeefcafe")

	home := os.Getenv("HOME")
	path := filepath.Join(home, ".dbus-keyrings", "org_example_general")
	if err := os.Chmod(path, 0o640); err != nil {
		t.Fatalf("Chmod: %v", err)
	}

	if _, err := lookupCookie("org_example_general", "7"); err == nil {
		t.Fatalf("expected a permission error for a group-readable cookie file, got none")
	}
}

func TestCookieSHA1HandleDataFullRoundTrip(t *testing.T) {
	const cookie = "deadbeefcafe0123"
	writeKeyringFixture(t, "org_example_general", "3", cookie)

	m := &cookieSHA1Mechanism{username: "tester"}
	serverChallenge := "serverchal123"
	challenge := fmt.Sprintf("org_example_general 3 %s", serverChallenge)

	resp, err := m.handleData([]byte(challenge))
	if err != nil {
		t.Fatalf("handleData: %v", err)
	}

	fields := strings.Fields(string(resp))
	if len(fields) != 2 {
		t.Fatalf("response has %d fields, want 2: %q", len(fields), resp)
	}
	clientChallenge, digest := fields[0], fields[1]
	if len(clientChallenge) != 32 {
		t.Fatalf("client challenge length = %d, want 32 hex chars", len(clientChallenge))
	}

	h := sha1.New()
	fmt.Fprintf(h, "%s:%s:%s", serverChallenge, clientChallenge, cookie)
	want := hex.EncodeToString(h.Sum(nil))
	if digest != want {
		t.Fatalf("digest = %q, want %q", digest, want)
	}
}
