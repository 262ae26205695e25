//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package fs

import "os"

// lockFile is a no-op where advisory file locks are not available; only
// the in-process lock applies.
func lockFile(*os.File) error {
	return nil
}
