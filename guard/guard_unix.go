//go:build !windows
// +build !windows

package guard

import (
	"os"

	"golang.org/x/sys/unix"
)

func applyReadOnly(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

func removeReadOnly(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// Probe reports whether another process holds an exclusive lock on path.
// SQLite locks with POSIX record locks, so those are queried first via
// F_GETLK; a flock check follows for flock-style holders. Both are
// non-blocking, and neither can see locks held by this process, so
// same-process contention still surfaces as a busy error on open.
func Probe(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: unix.SEEK_SET}
	if err := unix.FcntlFlock(f.Fd(), unix.F_GETLK, &lk); err == nil && lk.Type != unix.F_UNLCK {
		return true, nil
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false, nil
}
