package mvstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/KilimcininKorOglu/mvdb/internal/backup"
	"github.com/KilimcininKorOglu/mvdb/internal/storage/fs"
	"github.com/KilimcininKorOglu/mvdb/internal/storage/fs/mocks"
)

func TestConcurrentWritersOnSeparateMaps(t *testing.T) {
	const (
		writers = 8
		entries = 300
	)
	s := openTestStore(t, testOptions())

	var (
		g    errgroup.Group
		done atomic.Bool
	)
	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			m, err := s.OpenMap(fmt.Sprintf("writer-%d", w))
			if err != nil {
				return err
			}
			for i := 0; i < entries; i++ {
				if _, err := m.Put([]byte(key(i)), []byte(fmt.Sprintf("%d-%d", w, i))); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var committer errgroup.Group
	committer.Go(func() error {
		for !done.Load() {
			if _, err := s.Commit(); err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, g.Wait())
	done.Store(true)
	require.NoError(t, committer.Wait())
	commit(t, s)

	for w := 0; w < writers; w++ {
		m := openTestMap(t, s, fmt.Sprintf("writer-%d", w))
		size, err := m.Size()
		require.NoError(t, err)
		assert.Equal(t, int64(entries), size)
		for i := 0; i < entries; i++ {
			assert.Equal(t, fmt.Sprintf("%d-%d", w, i), get(t, m, key(i)))
		}

		view, err := m.OpenVersion(s.GetLastCommittedVersion())
		require.NoError(t, err)
		size, err = view.Size()
		require.NoError(t, err)
		assert.Equal(t, int64(entries), size)
	}
}

func TestConcurrentWritersOnOneMap(t *testing.T) {
	const (
		writers = 8
		entries = 200
	)
	s := openTestStore(t, testOptions())
	m := openTestMap(t, s, "shared")

	var g errgroup.Group
	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < entries; i++ {
				k := []byte(fmt.Sprintf("%d/%s", w, key(i)))
				if _, err := m.Put(k, []byte("v")); err != nil {
					return err
				}
				if i%50 == 0 {
					if _, err := s.Commit(); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	size, err := m.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(writers*entries), size)

	v := commit(t, s)
	view, err := m.OpenVersion(v)
	require.NoError(t, err)
	size, err = view.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(writers*entries), size)
}

func TestConcurrentReadersDuringCommits(t *testing.T) {
	s := openTestStore(t, testOptions())
	m := openTestMap(t, s, "data")
	for i := 0; i < 100; i++ {
		put(t, m, key(i), "0")
	}
	commit(t, s)

	var g errgroup.Group
	g.Go(func() error {
		for round := 1; round <= 20; round++ {
			for i := 0; i < 100; i++ {
				if _, err := m.Put([]byte(key(i)), []byte(fmt.Sprint(round))); err != nil {
					return err
				}
			}
			if _, err := s.Commit(); err != nil {
				return err
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for n := 0; n < 50; n++ {
				err := s.WithVersionUsage(func(v uint64) error {
					view, err := m.OpenVersion(v)
					if err != nil {
						return err
					}
					first, err := view.Get([]byte(key(0)))
					if err != nil {
						return err
					}
					last, err := view.Get([]byte(key(99)))
					if err != nil {
						return err
					}
					if string(first) != string(last) {
						return errors.Newf("version %d is torn: %s != %s", v, first, last)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestCancelledCommitKeepsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.mv")
	opts := testOptions().WithFileName(path)

	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	m := openTestMap(t, s, "data")
	put(t, m, "a", "1")
	commit(t, s)
	put(t, m, "b", "2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.CommitContext(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, uint64(1), s.GetLastCommittedVersion())
	assert.Equal(t, uint64(2), s.GetCurrentVersion())
	assert.Equal(t, "2", get(t, m, "b"))
	require.NoError(t, s.CloseImmediately())

	s = openTestStore(t, opts)
	m = openTestMap(t, s, "data")
	assert.Equal(t, uint64(1), s.GetLastCommittedVersion())
	assert.Equal(t, "1", get(t, m, "a"))
	_, err = m.Get([]byte("b"))
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	put(t, m, "b", "3")
	assert.Equal(t, uint64(2), commit(t, s))
}

func TestCommitAfterCancelledCommit(t *testing.T) {
	s := openTestStore(t, testOptions())
	m := openTestMap(t, s, "data")
	put(t, m, "a", "1")
	commit(t, s)
	put(t, m, "b", "2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.CommitContext(ctx)
	require.Error(t, err)

	assert.Equal(t, uint64(2), commit(t, s))
	view, err := m.OpenVersion(2)
	require.NoError(t, err)
	assert.Equal(t, "2", get(t, view, "b"))
}

// singleChannelFS opens the same channel for every path.
type singleChannelFS struct {
	ch fs.Channel
}

func (f *singleChannelFS) Open(string, bool) (fs.Channel, error) { return f.ch, nil }
func (f *singleChannelFS) Exists(string) bool                    { return true }
func (f *singleChannelFS) Remove(string) error                   { return nil }

// failingChannel returns a mock channel backed by a memory channel whose
// writes fail once fail is set.
func failingChannel(ctrl *gomock.Controller, fail *atomic.Bool) fs.Channel {
	mem := fs.NewMemChannel()
	ch := mocks.NewMockChannel(ctrl)
	ch.EXPECT().ReadAt(gomock.Any(), gomock.Any()).DoAndReturn(mem.ReadAt).AnyTimes()
	ch.EXPECT().WriteAt(gomock.Any(), gomock.Any()).DoAndReturn(func(p []byte, off int64) (int, error) {
		if fail.Load() {
			return 0, io.ErrShortWrite
		}
		return mem.WriteAt(p, off)
	}).AnyTimes()
	ch.EXPECT().Sync().DoAndReturn(mem.Sync).AnyTimes()
	ch.EXPECT().Size().DoAndReturn(mem.Size).AnyTimes()
	ch.EXPECT().Truncate(gomock.Any()).DoAndReturn(mem.Truncate).AnyTimes()
	ch.EXPECT().Close().DoAndReturn(mem.Close).AnyTimes()
	return ch
}

func TestWriteFailureFailsStore(t *testing.T) {
	ctrl := gomock.NewController(t)

	var fail atomic.Bool
	opts := testOptions().
		WithFileName("mock.mv").
		WithFileSystem(&singleChannelFS{ch: failingChannel(ctrl, &fail)})
	s := openTestStore(t, opts)
	m := openTestMap(t, s, "data")
	put(t, m, "a", "1")
	commit(t, s)

	put(t, m, "b", "2")
	fail.Store(true)
	_, err := s.Commit()
	assert.True(t, errors.Is(err, ErrWriteFailed))
	assert.Equal(t, StateFailed, s.State())

	_, err = m.Put([]byte("c"), []byte("3"))
	assert.True(t, errors.Is(err, ErrWriteFailed))
	_, err = s.Commit()
	assert.True(t, errors.Is(err, ErrWriteFailed))

	assert.Equal(t, "1", get(t, m, "a"))
	view, err := m.OpenVersion(1)
	require.NoError(t, err)
	assert.Equal(t, "1", get(t, view, "a"))

	_ = s.CloseImmediately()
	assert.Equal(t, StateClosed, s.State())
}

func TestBackupDuringWrites(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, testOptions().WithFileName(filepath.Join(dir, "src.mv")))
	m := openTestMap(t, s, "data")
	put(t, m, "seed", "0")
	commit(t, s)

	var (
		g    errgroup.Group
		done atomic.Bool
	)
	g.Go(func() error {
		for i := 0; !done.Load(); i++ {
			if _, err := m.Put([]byte(key(i%500)), []byte(fmt.Sprint(i))); err != nil {
				return err
			}
			if i%20 == 0 {
				if _, err := s.Commit(); err != nil {
					return err
				}
			}
		}
		return nil
	})

	var archives [][]byte
	for i := 0; i < 5; i++ {
		var buf bytes.Buffer
		_, err := s.Backup(&buf, i%2 == 0)
		require.NoError(t, err)
		archives = append(archives, buf.Bytes())
	}
	done.Store(true)
	require.NoError(t, g.Wait())

	for i, archive := range archives {
		target := filepath.Join(dir, fmt.Sprintf("restored-%d.mv", i))
		_, err := backup.RestoreFile(bytes.NewReader(archive), target)
		require.NoError(t, err)

		restored := openTestStore(t, testOptions().WithFileName(target))
		assert.Equal(t, "0", get(t, openTestMap(t, restored, "data"), "seed"))
	}
}

func TestUnsynchronizedWritersOnOneMap(t *testing.T) {
	s := openTestStore(t, testOptions())
	m := openTestMap(t, s, "shared")
	for i := 0; i < 100; i++ {
		put(t, m, fmt.Sprintf("fixed-%03d", i), "stable")
	}
	commit(t, s)

	var g errgroup.Group
	for w := 0; w < 2; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 2000; i++ {
				k := []byte(fmt.Sprintf("hot-%02d", i%50))
				if (i+w)%3 == 0 {
					if _, err := m.Remove(k); err != nil && !errors.Is(err, ErrKeyNotFound) {
						return err
					}
					continue
				}
				if _, err := m.Put(k, []byte(fmt.Sprint(w))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	commit(t, s)

	for i := 0; i < 100; i++ {
		assert.Equal(t, "stable", get(t, m, fmt.Sprintf("fixed-%03d", i)))
	}

	it, err := m.KeyIterator(nil)
	require.NoError(t, err)
	defer it.Close()
	n := 0
	for it.Next() {
		n++
		assert.NotEmpty(t, it.Value())
	}
	require.NoError(t, it.Err())
	size, err := m.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(n), size)
}
