package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFreeSpaceAppends(t *testing.T) {
	f := NewFreeSpace()

	assert.Equal(t, uint64(HeaderBlocks), f.Allocate(3))
	assert.Equal(t, uint64(HeaderBlocks+3), f.Allocate(1))
	assert.Equal(t, uint64(HeaderBlocks+4), f.End())
	assert.Equal(t, 100, f.FillRate())
}

func TestFreeSpaceReusesFirstFit(t *testing.T) {
	f := NewFreeSpace()
	a := f.Allocate(2)
	b := f.Allocate(4)
	c := f.Allocate(1)
	_ = c

	f.Free(a, 2)
	f.Free(b, 4)
	assert.Equal(t, uint64(6), f.FreeBlocks())

	// merged hole of 6 blocks starting at a
	assert.Equal(t, a, f.Allocate(5))
	assert.Equal(t, a+5, f.Allocate(1))
	assert.Equal(t, uint64(0), f.FreeBlocks())
}

func TestFreeSpaceMergesBothSides(t *testing.T) {
	f := NewFreeSpace()
	a := f.Allocate(1)
	b := f.Allocate(1)
	c := f.Allocate(1)
	f.Allocate(1)

	f.Free(a, 1)
	f.Free(c, 1)
	f.Free(b, 1)

	assert.Equal(t, uint64(3), f.FreeBlocks())
	assert.Equal(t, a, f.Allocate(3))
}

func TestFreeSpaceShrinksAtEnd(t *testing.T) {
	f := NewFreeSpace()
	f.Allocate(2)
	tail := f.Allocate(3)

	f.Free(tail, 3)
	assert.Equal(t, tail, f.End())
	assert.Equal(t, uint64(0), f.FreeBlocks())
}

func TestFreeSpaceRebuild(t *testing.T) {
	f := NewFreeSpace()
	f.Rebuild([]*Chunk{
		{ID: 1, Block: 2, Len: BlockSize},
		{ID: 3, Block: 6, Len: 2 * BlockSize},
	})

	assert.Equal(t, uint64(8), f.End())
	assert.Equal(t, uint64(3), f.FreeBlocks())
	assert.Equal(t, uint64(3), f.Allocate(3))
	assert.Equal(t, uint64(8), f.Allocate(1))
}
