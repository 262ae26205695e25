//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package fs

import (
	"os"
	"syscall"

	"github.com/cockroachdb/errors"
)

// lockFile takes an exclusive advisory lock on f, failing at once when
// another process holds it. The lock is released when f is closed.
func lockFile(f *os.File) error {
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return errors.Wrapf(ErrLocked, "%s is held by another process", f.Name())
	}
	return errors.Wrapf(err, "lock %s", f.Name())
}
