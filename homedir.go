package dbus

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// keyringDir returns ~/.dbus-keyrings, the directory DBUS_COOKIE_SHA1
// cookie files live in, creating it (mode 0700) if necessary.
func keyringDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", wrapErr(KindHandshake, err, "resolving home directory")
	}
	dir := filepath.Join(home, ".dbus-keyrings")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", wrapErr(KindHandshake, err, "creating keyring directory")
	}
	if err := checkKeyringPermissions(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// checkKeyringPermissions rejects a keyring directory or cookie file that
// is group- or world-accessible: DBUS_COOKIE_SHA1's security rests
// entirely on the keyring being readable only by its owner.
func checkKeyringPermissions(path string, want os.FileMode) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return wrapErr(KindHandshake, err, "statting %s", path)
	}
	if uint32(st.Uid) != uint32(os.Getuid()) {
		return newErr(KindHandshake, "%s is not owned by the current user", path)
	}
	if os.FileMode(st.Mode).Perm()&^want != 0 {
		return newErr(KindHandshake, "%s has overly permissive mode %o", path, os.FileMode(st.Mode).Perm())
	}
	return nil
}
