package storage

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/mvdb/internal/fault"
)

func TestStoreHeaderRoundTrip(t *testing.T) {
	h := NewStoreHeader(1234)
	h.ChunkID = 9
	h.ChunkBlock = 12
	h.Version = 40

	got, err := DeserializeHeader(h.Serialize())
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.False(t, got.IsEmpty())
	assert.True(t, NewStoreHeader(0).IsEmpty())
}

func TestStoreHeaderValidation(t *testing.T) {
	h := NewStoreHeader(1)
	buf := h.Serialize()

	bad := append([]byte(nil), buf...)
	bad[0] = 'Z'
	_, err := DeserializeHeader(bad)
	assert.True(t, errors.Is(err, fault.ErrCorrupt))

	bad = append([]byte(nil), buf...)
	bad[20] ^= 1
	_, err = DeserializeHeader(bad)
	assert.True(t, errors.Is(err, fault.ErrCorrupt))
}

func TestPickHeader(t *testing.T) {
	older := NewStoreHeader(1)
	older.Version = 3
	newer := older
	newer.Version = 4

	h, slot, err := pickHeader(older.Serialize(), newer.Serialize())
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
	assert.Equal(t, uint64(4), h.Version)

	torn := newer.Serialize()
	torn[25] ^= 0xff
	h, slot, err = pickHeader(older.Serialize(), torn)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)
	assert.Equal(t, uint64(3), h.Version)

	_, _, err = pickHeader(torn, torn)
	assert.True(t, errors.Is(err, fault.ErrCorrupt))
}
