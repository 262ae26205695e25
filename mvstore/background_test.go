package mvstore

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backgroundRunning(s *Store) bool {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	return s.bg != nil
}

func TestAutoCommitAfterDelay(t *testing.T) {
	s := openTestStore(t, testOptions().WithAutoCommitDelay(20*time.Millisecond))
	require.True(t, backgroundRunning(s))

	put(t, openTestMap(t, s, "data"), "a", "1")

	require.Eventually(t, func() bool {
		return s.GetLastCommittedVersion() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAutoCommitOnBufferSize(t *testing.T) {
	opts := testOptions().
		WithAutoCommitDelay(time.Second).
		WithAutoCommitBufferSize(1024)
	s := openTestStore(t, opts)

	_, err := openTestMap(t, s, "data").Put([]byte("big"), bytes.Repeat([]byte("x"), 8192))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.GetLastCommittedVersion() == 1
	}, 900*time.Millisecond, 10*time.Millisecond)
}

func TestSetAutoCommitDelay(t *testing.T) {
	s := openTestStore(t, testOptions())
	assert.False(t, backgroundRunning(s))

	require.NoError(t, s.SetAutoCommitDelay(10*time.Millisecond))
	assert.True(t, backgroundRunning(s))

	require.NoError(t, s.SetAutoCommitDelay(0))
	assert.False(t, backgroundRunning(s))

	put(t, openTestMap(t, s, "data"), "a", "1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(0), s.GetLastCommittedVersion())
}

func TestBackgroundStopsOnClose(t *testing.T) {
	s := openTestStore(t, testOptions().WithAutoCommitDelay(10*time.Millisecond))
	require.True(t, backgroundRunning(s))

	require.NoError(t, s.Close())
	assert.False(t, backgroundRunning(s))
}

func TestAutoCompaction(t *testing.T) {
	opts := testOptions().
		WithAutoCommitDelay(10*time.Millisecond).
		WithVersionsToKeep(1).
		WithRetentionTime(0).
		WithAutoCompactFillRate(90)
	opts.AutoCompactInterval = time.Millisecond
	s := openTestStore(t, opts)

	m := openTestMap(t, s, "data")
	for i := 0; i < 500; i++ {
		put(t, m, key(i), "initial")
	}
	commit(t, s)
	for round := 0; round < 10; round++ {
		for i := round; i < 500; i += 25 {
			put(t, m, key(i), "updated")
		}
		commit(t, s)
	}
	put(t, m, "trigger", "1")

	require.Eventually(t, func() bool {
		return s.Stats().Compactions > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "initial", get(t, m, key(499)))
	assert.Equal(t, "updated", get(t, m, key(0)))
}
