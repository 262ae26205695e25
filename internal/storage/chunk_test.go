package storage

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/mvdb/internal/fault"
)

func testChunk() *Chunk {
	return &Chunk{
		ID:             0x2a,
		Block:          7,
		Len:            2 * BlockSize,
		Version:        19,
		Time:           1700000000000,
		PageCount:      5,
		MaxLen:         900,
		LayoutRoot:     NewPos(0x2a, 128),
		NextMapID:      4,
		ReclaimedBelow: 3,
	}
}

func TestPosParts(t *testing.T) {
	p := NewPos(0xabc, 0x1234)
	assert.Equal(t, uint32(0xabc), p.ChunkID())
	assert.Equal(t, uint32(0x1234), p.Offset())
	assert.True(t, p.IsSaved())
	assert.False(t, Pos(0).IsSaved())

	parsed, err := ParsePos(p.Hex())
	require.NoError(t, err)
	assert.Equal(t, p, parsed)
	assert.Equal(t, "abc:1234", p.String())
}

func TestChunkHeaderRoundTrip(t *testing.T) {
	c := testChunk()
	buf := make([]byte, ChunkHeaderSize)
	c.encodeHeader(buf)

	got, err := decodeChunkHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.Block, got.Block)
	assert.Equal(t, c.Version, got.Version)
	assert.Equal(t, c.LayoutRoot, got.LayoutRoot)
	assert.Equal(t, c.ReclaimedBelow, got.ReclaimedBelow)
	assert.Equal(t, c.PageCount, got.PageCountLive)
	assert.Equal(t, c.MaxLen, got.MaxLenLive)
}

func TestChunkHeaderRejectsDamage(t *testing.T) {
	c := testChunk()
	buf := make([]byte, ChunkHeaderSize)
	c.encodeHeader(buf)

	buf[30] ^= 0xff
	_, err := decodeChunkHeader(buf)
	assert.True(t, errors.Is(err, fault.ErrCorrupt))

	c.encodeHeader(buf)
	buf[0] = 'X'
	_, err = decodeChunkHeader(buf)
	assert.True(t, errors.Is(err, fault.ErrCorrupt))
}

func TestChunkFooter(t *testing.T) {
	c := testChunk()
	image := make([]byte, c.Len)
	c.encodeHeader(image)
	copy(image[ChunkHeaderSize:], "page data")
	c.encodeFooter(image)

	require.NoError(t, c.verifyFooter(image))

	image[ChunkHeaderSize] = 'P'
	err := c.verifyFooter(image)
	assert.True(t, errors.Is(err, fault.ErrCorrupt))
}

func TestChunkMetaJSON(t *testing.T) {
	c := testChunk()
	c.PageCountLive = 2
	c.MaxLenLive = 300
	c.Unused = 0

	data, err := c.MarshalMeta()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "unused")

	got, err := UnmarshalChunkMeta(data)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = UnmarshalChunkMeta([]byte("{broken"))
	assert.True(t, errors.Is(err, fault.ErrCorrupt))
}

func TestChunkRemovePage(t *testing.T) {
	c := testChunk()
	c.PageCountLive = 2
	c.MaxLenLive = 300

	assert.False(t, c.RemovePage(100, 20, 1))
	assert.Equal(t, 22, c.FillRate())
	assert.True(t, c.RemovePage(200, 21, 2))
	assert.Equal(t, uint64(21), c.Unused)
	assert.Equal(t, int64(2), c.UnusedTime)
	assert.False(t, c.IsLive())
	assert.Equal(t, 0, c.FillRate())
}

func TestChunkKeys(t *testing.T) {
	assert.Equal(t, "chunk.1f", ChunkKey(31))
	id, ok := ParseChunkKey("chunk.1f")
	assert.True(t, ok)
	assert.Equal(t, uint32(31), id)

	_, ok = ParseChunkKey("root.1")
	assert.False(t, ok)
	assert.Equal(t, "root.a", RootKey(10))
}

func TestSortChunksByFillRate(t *testing.T) {
	a := &Chunk{ID: 1, MaxLen: 100, MaxLenLive: 80}
	b := &Chunk{ID: 2, MaxLen: 100, MaxLenLive: 10}
	c := &Chunk{ID: 3, MaxLen: 100, MaxLenLive: 10}
	chunks := []*Chunk{a, c, b}

	SortChunksByFillRate(chunks)
	assert.Equal(t, []*Chunk{b, c, a}, chunks)
}
