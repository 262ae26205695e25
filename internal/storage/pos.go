package storage

import (
	"fmt"
	"strconv"
)

// BlockSize is the allocation unit of the store file.
const BlockSize = 4096

// Pos is the location of a serialized page: the chunk id in the upper 32
// bits and the byte offset inside the chunk in the lower 32 bits. The zero
// Pos means "not yet written".
type Pos uint64

// NewPos returns the position of a page at offset in chunk id.
func NewPos(id uint32, offset uint32) Pos {
	return Pos(uint64(id)<<32 | uint64(offset))
}

// ChunkID returns the chunk holding the page.
func (p Pos) ChunkID() uint32 {
	return uint32(p >> 32)
}

// Offset returns the byte offset of the page inside its chunk.
func (p Pos) Offset() uint32 {
	return uint32(p)
}

// IsSaved reports whether the position refers to a written page.
func (p Pos) IsSaved() bool {
	return p != 0
}

// Hex returns the position as a hexadecimal string.
func (p Pos) Hex() string {
	return strconv.FormatUint(uint64(p), 16)
}

// String implements fmt.Stringer.
func (p Pos) String() string {
	return fmt.Sprintf("%x:%x", p.ChunkID(), p.Offset())
}

// ParsePos parses a position written by Hex.
func ParsePos(s string) (Pos, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, err
	}
	return Pos(v), nil
}

// blocksFor returns the number of blocks needed for n bytes.
func blocksFor(n int64) uint64 {
	return uint64((n + BlockSize - 1) / BlockSize)
}
