//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockAcrossDescriptors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flock.mv")
	ch, err := Disk{}.Open(path, false)
	require.NoError(t, err)

	// a second descriptor behaves like another process for flock
	other, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer other.Close()
	err = lockFile(other)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, ch.Close())
	require.NoError(t, lockFile(other))
}
