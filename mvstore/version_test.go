package mvstore

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenVersion(t *testing.T) {
	s := openTestStore(t, testOptions())
	m := openTestMap(t, s, "data")
	put(t, m, "a", "1")
	v1 := commit(t, s)
	put(t, m, "b", "2")

	view, err := m.OpenVersion(v1)
	require.NoError(t, err)
	assert.True(t, view.IsReadOnly())
	assert.Equal(t, v1, view.Version())
	assert.Equal(t, "1", get(t, view, "a"))
	_, err = view.Get([]byte("b"))
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	_, err = m.OpenVersion(v1 + 1)
	assert.True(t, errors.Is(err, ErrVersionUnavailable))

	v2 := commit(t, s)
	view2, err := m.OpenVersion(v2)
	require.NoError(t, err)
	assert.Equal(t, "2", get(t, view2, "b"))
	assert.Equal(t, "1", get(t, view, "a"))
}

func TestOpenVersionOverwrittenKey(t *testing.T) {
	s := openTestStore(t, testOptions())
	m := openTestMap(t, s, "data")
	put(t, m, "1", "a")
	v1 := commit(t, s)
	put(t, m, "1", "b")

	view, err := m.OpenVersion(v1)
	require.NoError(t, err)
	assert.Equal(t, "a", get(t, view, "1"))
	assert.Equal(t, "b", get(t, m, "1"))

	v2 := commit(t, s)
	view, err = m.OpenVersion(v1)
	require.NoError(t, err)
	assert.Equal(t, "a", get(t, view, "1"))
	view2, err := m.OpenVersion(v2)
	require.NoError(t, err)
	assert.Equal(t, "b", get(t, view2, "1"))
}

func TestOpenVersionBeforeMapExisted(t *testing.T) {
	s := openTestStore(t, testOptions())
	put(t, openTestMap(t, s, "first"), "a", "1")
	v1 := commit(t, s)

	m := openTestMap(t, s, "second")
	put(t, m, "b", "2")
	commit(t, s)

	_, err := m.OpenVersion(v1)
	assert.True(t, errors.Is(err, ErrVersionUnavailable))
}

func TestReadOnlyView(t *testing.T) {
	s := openTestStore(t, testOptions())
	m := openTestMap(t, s, "data")
	put(t, m, "a", "1")
	v := commit(t, s)

	view, err := m.OpenVersion(v)
	require.NoError(t, err)

	_, err = view.Put([]byte("b"), []byte("2"))
	assert.True(t, errors.Is(err, ErrReadOnly))
	_, err = view.Remove([]byte("a"))
	assert.True(t, errors.Is(err, ErrReadOnly))
	assert.True(t, errors.Is(view.Clear(), ErrReadOnly))
	assert.True(t, errors.Is(s.RemoveMap(view), ErrReadOnly))
}

func TestRetentionByCount(t *testing.T) {
	s := openTestStore(t, testOptions().WithVersionsToKeep(2).WithRetentionTime(0))
	m := openTestMap(t, s, "data")
	for i := 1; i <= 5; i++ {
		put(t, m, "k", string(rune('0'+i)))
		assert.Equal(t, uint64(i), commit(t, s))
	}

	view, err := m.OpenVersion(4)
	require.NoError(t, err)
	assert.Equal(t, "4", get(t, view, "k"))

	_, err = m.OpenVersion(3)
	assert.True(t, errors.Is(err, ErrVersionUnavailable))
	_, err = m.OpenVersion(1)
	assert.True(t, errors.Is(err, ErrVersionUnavailable))
}

func TestRetentionByTime(t *testing.T) {
	s := openTestStore(t, testOptions().WithVersionsToKeep(1).WithRetentionTime(time.Hour))
	m := openTestMap(t, s, "data")
	for i := 1; i <= 3; i++ {
		put(t, m, "k", string(rune('0'+i)))
		commit(t, s)
	}

	view, err := m.OpenVersion(1)
	require.NoError(t, err)
	assert.Equal(t, "1", get(t, view, "k"))

	require.NoError(t, s.SetRetentionTime(0))
	_, err = m.OpenVersion(1)
	assert.True(t, errors.Is(err, ErrVersionUnavailable))
	_, err = m.OpenVersion(3)
	assert.NoError(t, err)
}

func TestRetentionExpires(t *testing.T) {
	s := openTestStore(t, testOptions().WithVersionsToKeep(1).WithRetentionTime(300*time.Millisecond))
	m := openTestMap(t, s, "data")
	put(t, m, "k", "1")
	commit(t, s)
	put(t, m, "k", "2")
	commit(t, s)

	_, err := m.OpenVersion(1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := m.OpenVersion(1)
		return errors.Is(err, ErrVersionUnavailable)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSetRetentionValidation(t *testing.T) {
	s := openTestStore(t, testOptions())

	assert.True(t, errors.Is(s.SetVersionsToKeep(-1), ErrInvalidArgument))
	assert.True(t, errors.Is(s.SetRetentionTime(-time.Second), ErrInvalidArgument))
	assert.True(t, errors.Is(s.SetAutoCommitDelay(-time.Second), ErrInvalidArgument))
}

func TestVersionTokenPinsVersion(t *testing.T) {
	s := openTestStore(t, testOptions().WithVersionsToKeep(1).WithRetentionTime(0))
	m := openTestMap(t, s, "data")
	put(t, m, "k", "1")
	commit(t, s)

	token, err := s.RegisterVersionUsage()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), token.Version())

	for i := 2; i <= 4; i++ {
		put(t, m, "k", string(rune('0'+i)))
		commit(t, s)
	}
	_, err = s.Compact(100, 1<<30)
	require.NoError(t, err)

	view, err := m.OpenVersion(1)
	require.NoError(t, err)
	assert.Equal(t, "1", get(t, view, "k"))
	_, err = m.OpenVersion(2)
	assert.True(t, errors.Is(err, ErrVersionUnavailable))

	s.DeregisterVersionUsage(token)
	token.Release()
	assert.Zero(t, s.Stats().PinnedVersions)

	_, err = m.OpenVersion(1)
	assert.True(t, errors.Is(err, ErrVersionUnavailable))
}

func TestRegisterVersionUsageAt(t *testing.T) {
	s := openTestStore(t, testOptions().WithVersionsToKeep(2).WithRetentionTime(0))
	m := openTestMap(t, s, "data")
	for i := 1; i <= 4; i++ {
		put(t, m, "k", string(rune('0'+i)))
		commit(t, s)
	}

	token, err := s.RegisterVersionUsageAt(3)
	require.NoError(t, err)
	defer token.Release()
	assert.Equal(t, uint64(3), token.Version())

	_, err = s.RegisterVersionUsageAt(5)
	assert.True(t, errors.Is(err, ErrVersionUnavailable))
	_, err = s.RegisterVersionUsageAt(1)
	assert.True(t, errors.Is(err, ErrVersionUnavailable))

	put(t, m, "k", "5")
	commit(t, s)
	put(t, m, "k", "6")
	commit(t, s)

	view, err := m.OpenVersion(3)
	require.NoError(t, err)
	assert.Equal(t, "3", get(t, view, "k"))
}

func TestWithVersionUsage(t *testing.T) {
	s := openTestStore(t, testOptions())
	put(t, openTestMap(t, s, "data"), "k", "1")
	commit(t, s)

	err := s.WithVersionUsage(func(v uint64) error {
		assert.Equal(t, uint64(1), v)
		assert.Equal(t, 1, s.Stats().PinnedVersions)
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, s.Stats().PinnedVersions)

	boom := errors.New("boom")
	err = s.WithVersionUsage(func(uint64) error { return boom })
	assert.Equal(t, boom, err)
	assert.Zero(t, s.Stats().PinnedVersions)
}

func TestVersionRegistryCounts(t *testing.T) {
	r := newVersionRegistry()
	pick := func() (uint64, error) { return 3, nil }

	first, err := r.register(pick)
	require.NoError(t, err)
	second, err := r.register(pick)
	require.NoError(t, err)
	assert.Equal(t, 2, r.count(3))
	r.locked(func() {
		assert.Equal(t, 2, r.countLocked(3))
		assert.Zero(t, r.countLocked(4))
	})

	first.Release()
	first.Release()
	assert.Equal(t, 1, r.count(3))
	second.Release()
	assert.Zero(t, r.count(3))
	assert.Zero(t, r.pinned())
}

func TestRegisterVersionUsageAtPinnedVersion(t *testing.T) {
	s := openTestStore(t, testOptions().WithVersionsToKeep(1).WithRetentionTime(0))
	m := openTestMap(t, s, "data")
	put(t, m, "k", "1")
	v1 := commit(t, s)

	token, err := s.RegisterVersionUsage()
	require.NoError(t, err)
	defer token.Release()
	for i := 2; i <= 4; i++ {
		put(t, m, "k", string(rune('0'+i)))
		commit(t, s)
	}

	again, err := s.RegisterVersionUsageAt(v1)
	require.NoError(t, err)
	assert.Equal(t, v1, again.Version())
	again.Release()

	view, err := m.OpenVersion(v1)
	require.NoError(t, err)
	assert.Equal(t, "1", get(t, view, "k"))
}
