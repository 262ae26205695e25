package storage

import (
	"encoding/binary"
	"hash/crc32"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/KilimcininKorOglu/mvdb/internal/fault"
)

// Chunk layout constants.
const (
	// ChunkHeaderSize is the size of the binary chunk header.
	ChunkHeaderSize = 96

	// ChunkFooterSize is the size of the footer at the end of a chunk.
	ChunkFooterSize = 32

	// chunkRefSize is the size of one entry of the layout chunk table.
	chunkRefSize = 16

	// ChunkFormat is the current chunk format version.
	ChunkFormat uint32 = 1

	// ChunkKeyPrefix prefixes chunk entries in the layout map.
	ChunkKeyPrefix = "chunk."

	// RootKeyPrefix prefixes map root entries in the layout map.
	RootKeyPrefix = "root."
)

var (
	chunkMagic  = [4]byte{'M', 'V', 'C', 'K'}
	footerMagic = [4]byte{'M', 'V', 'C', 'F'}
)

var chunkJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Chunk describes one append-only region of the store file holding the
// pages written by a single commit.
//
// Binary header layout (ChunkHeaderSize bytes):
//   - Bytes 0-3:   Magic ("MVCK")
//   - Bytes 4-7:   ID
//   - Bytes 8-15:  Block
//   - Bytes 16-19: Len
//   - Bytes 20-23: PageCount
//   - Bytes 24-31: Version
//   - Bytes 32-39: Time
//   - Bytes 40-47: LayoutRoot
//   - Bytes 48-51: NextMapID
//   - Bytes 52-59: ReclaimedBelow
//   - Bytes 60-67: MaxLen
//   - Bytes 68-71: Format
//   - Bytes 72-75: Layout chunk table entries
//   - Bytes 76-79: Layout chunk table offset
//   - Bytes 92-95: CRC32 of bytes 0-91
//
// The layout chunk table follows the pages. It lists the older chunks that
// hold pages of the layout tree, so the layout can be read on open before
// the chunk metadata it stores is known.
type Chunk struct {
	ID    uint32 `json:"id"`
	Block uint64 `json:"block"`
	// Len is the length in bytes including header, footer and padding.
	Len     uint32 `json:"len"`
	Version uint64 `json:"version"`
	// Time is the commit time in unix milliseconds.
	Time int64 `json:"time"`

	PageCount     int   `json:"pages"`
	PageCountLive int   `json:"livePages"`
	MaxLen        int64 `json:"maxLen"`
	MaxLenLive    int64 `json:"liveMax"`

	// Unused is the first version that no longer references the chunk;
	// zero while the chunk holds live pages.
	Unused     uint64 `json:"unused,omitempty"`
	UnusedTime int64  `json:"unusedTime,omitempty"`

	LayoutRoot     Pos    `json:"layoutRoot"`
	NextMapID      uint32 `json:"nextMapId"`
	ReclaimedBelow uint64 `json:"reclaimedBelow,omitempty"`

	// LayoutChunks is only stored in the chunk itself.
	LayoutChunks []ChunkRef `json:"-"`

	refsCount  uint32
	refsOffset uint32
}

// ChunkRef locates a chunk in the file.
type ChunkRef struct {
	ID    uint32
	Block uint64
	Len   uint32
}

// Ref returns the location of the chunk.
func (c *Chunk) Ref() ChunkRef {
	return ChunkRef{ID: c.ID, Block: c.Block, Len: c.Len}
}

// Clone returns a copy of the chunk.
func (c *Chunk) Clone() *Chunk {
	cp := *c
	return &cp
}

// Blocks returns the number of blocks occupied by the chunk.
func (c *Chunk) Blocks() uint64 {
	return blocksFor(int64(c.Len))
}

// IsLive reports whether the chunk still holds live pages.
func (c *Chunk) IsLive() bool {
	return c.MaxLenLive > 0
}

// FillRate returns the percentage of live bytes in the chunk.
func (c *Chunk) FillRate() int {
	if c.MaxLen <= 0 {
		return 0
	}
	if c.MaxLenLive <= 0 {
		return 0
	}
	rate := int(c.MaxLenLive * 100 / c.MaxLen)
	if rate == 0 {
		rate = 1
	}
	return rate
}

// RemovePage accounts for a page of length n being dropped from the chunk
// in version. It returns true when the chunk became fully dead.
func (c *Chunk) RemovePage(n int, version uint64, now int64) bool {
	c.PageCountLive--
	c.MaxLenLive -= int64(n)
	if c.MaxLenLive <= 0 && c.Unused == 0 {
		c.MaxLenLive = 0
		c.PageCountLive = 0
		c.Unused = version
		c.UnusedTime = now
		return true
	}
	return false
}

// Key returns the layout map key of the chunk.
func (c *Chunk) Key() string {
	return ChunkKey(c.ID)
}

// ChunkKey returns the layout map key of chunk id.
func ChunkKey(id uint32) string {
	return ChunkKeyPrefix + strconv.FormatUint(uint64(id), 16)
}

// ParseChunkKey returns the chunk id of a layout key.
func ParseChunkKey(key string) (uint32, bool) {
	if !strings.HasPrefix(key, ChunkKeyPrefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(key[len(ChunkKeyPrefix):], 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// RootKey returns the layout map key of the root of map id.
func RootKey(mapID uint32) string {
	return RootKeyPrefix + strconv.FormatUint(uint64(mapID), 16)
}

// MarshalMeta encodes the chunk as a layout map value.
func (c *Chunk) MarshalMeta() ([]byte, error) {
	return chunkJSON.Marshal(c)
}

// UnmarshalChunkMeta decodes a layout map value.
func UnmarshalChunkMeta(data []byte) (*Chunk, error) {
	c := &Chunk{}
	if err := chunkJSON.Unmarshal(data, c); err != nil {
		return nil, fault.Corrupt(err, "chunk metadata")
	}
	return c, nil
}

// encodeHeader writes the binary chunk header into buf.
func (c *Chunk) encodeHeader(buf []byte) {
	for i := range buf[:ChunkHeaderSize] {
		buf[i] = 0
	}
	copy(buf[0:4], chunkMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], c.ID)
	binary.LittleEndian.PutUint64(buf[8:16], c.Block)
	binary.LittleEndian.PutUint32(buf[16:20], c.Len)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(c.PageCount))
	binary.LittleEndian.PutUint64(buf[24:32], c.Version)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(c.Time))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(c.LayoutRoot))
	binary.LittleEndian.PutUint32(buf[48:52], c.NextMapID)
	binary.LittleEndian.PutUint64(buf[52:60], c.ReclaimedBelow)
	binary.LittleEndian.PutUint64(buf[60:68], uint64(c.MaxLen))
	binary.LittleEndian.PutUint32(buf[68:72], ChunkFormat)
	binary.LittleEndian.PutUint32(buf[72:76], c.refsCount)
	binary.LittleEndian.PutUint32(buf[76:80], c.refsOffset)
	binary.LittleEndian.PutUint32(buf[92:96], crc32.ChecksumIEEE(buf[0:92]))
}

// decodeChunkHeader parses a binary chunk header. Live accounting is set to
// the full chunk, which holds for the newest chunk of a store.
func decodeChunkHeader(buf []byte) (*Chunk, error) {
	if len(buf) < ChunkHeaderSize {
		return nil, fault.Corrupt(nil, "chunk header too short: %d bytes", len(buf))
	}
	if [4]byte(buf[0:4]) != chunkMagic {
		return nil, fault.Corrupt(nil, "invalid chunk magic %q", buf[0:4])
	}
	if sum := crc32.ChecksumIEEE(buf[0:92]); sum != binary.LittleEndian.Uint32(buf[92:96]) {
		return nil, fault.Corrupt(nil, "chunk header checksum mismatch")
	}
	if f := binary.LittleEndian.Uint32(buf[68:72]); f == 0 || f > ChunkFormat {
		return nil, fault.Corrupt(nil, "unsupported chunk format %d", f)
	}
	c := &Chunk{
		ID:             binary.LittleEndian.Uint32(buf[4:8]),
		Block:          binary.LittleEndian.Uint64(buf[8:16]),
		Len:            binary.LittleEndian.Uint32(buf[16:20]),
		PageCount:      int(binary.LittleEndian.Uint32(buf[20:24])),
		Version:        binary.LittleEndian.Uint64(buf[24:32]),
		Time:           int64(binary.LittleEndian.Uint64(buf[32:40])),
		LayoutRoot:     Pos(binary.LittleEndian.Uint64(buf[40:48])),
		NextMapID:      binary.LittleEndian.Uint32(buf[48:52]),
		ReclaimedBelow: binary.LittleEndian.Uint64(buf[52:60]),
		MaxLen:         int64(binary.LittleEndian.Uint64(buf[60:68])),
		refsCount:      binary.LittleEndian.Uint32(buf[72:76]),
		refsOffset:     binary.LittleEndian.Uint32(buf[76:80]),
	}
	c.PageCountLive = c.PageCount
	c.MaxLenLive = c.MaxLen
	return c, nil
}

// encodeFooter writes the footer of a chunk image whose bytes before the
// footer are already in place.
func (c *Chunk) encodeFooter(image []byte) {
	f := image[len(image)-ChunkFooterSize:]
	copy(f[0:4], footerMagic[:])
	binary.LittleEndian.PutUint32(f[4:8], c.ID)
	binary.LittleEndian.PutUint64(f[8:16], c.Block)
	binary.LittleEndian.PutUint64(f[16:24], c.Version)
	binary.LittleEndian.PutUint32(f[24:28], crc32.ChecksumIEEE(image[:len(image)-ChunkFooterSize]))
	binary.LittleEndian.PutUint32(f[28:32], crc32.ChecksumIEEE(f[0:28]))
}

// verifyFooter checks the footer and the checksum of a whole chunk image.
func (c *Chunk) verifyFooter(image []byte) error {
	if len(image) < ChunkHeaderSize+ChunkFooterSize {
		return fault.Corrupt(nil, "chunk %x truncated", c.ID)
	}
	f := image[len(image)-ChunkFooterSize:]
	if [4]byte(f[0:4]) != footerMagic {
		return fault.Corrupt(nil, "chunk %x: invalid footer magic", c.ID)
	}
	if crc32.ChecksumIEEE(f[0:28]) != binary.LittleEndian.Uint32(f[28:32]) {
		return fault.Corrupt(nil, "chunk %x: footer checksum mismatch", c.ID)
	}
	if binary.LittleEndian.Uint32(f[4:8]) != c.ID || binary.LittleEndian.Uint64(f[16:24]) != c.Version {
		return fault.Corrupt(nil, "chunk %x: footer does not match header", c.ID)
	}
	if crc32.ChecksumIEEE(image[:len(image)-ChunkFooterSize]) != binary.LittleEndian.Uint32(f[24:28]) {
		return fault.Corrupt(nil, "chunk %x: content checksum mismatch", c.ID)
	}
	return nil
}

// encodeRefs serializes the layout chunk table.
func encodeRefs(refs []ChunkRef) []byte {
	buf := make([]byte, len(refs)*chunkRefSize)
	for i, r := range refs {
		e := buf[i*chunkRefSize:]
		binary.LittleEndian.PutUint32(e[0:4], r.ID)
		binary.LittleEndian.PutUint64(e[4:12], r.Block)
		binary.LittleEndian.PutUint32(e[12:16], r.Len)
	}
	return buf
}

// decodeRefs reads the layout chunk table from a verified chunk image.
func (c *Chunk) decodeRefs(image []byte) error {
	if c.refsCount == 0 {
		return nil
	}
	start := int64(c.refsOffset)
	end := start + int64(c.refsCount)*chunkRefSize
	if start < ChunkHeaderSize || end > int64(len(image)-ChunkFooterSize) {
		return fault.Corrupt(nil, "chunk %x: layout chunk table outside the chunk", c.ID)
	}
	refs := make([]ChunkRef, c.refsCount)
	for i := range refs {
		e := image[start+int64(i)*chunkRefSize:]
		refs[i] = ChunkRef{
			ID:    binary.LittleEndian.Uint32(e[0:4]),
			Block: binary.LittleEndian.Uint64(e[4:12]),
			Len:   binary.LittleEndian.Uint32(e[12:16]),
		}
	}
	c.LayoutChunks = refs
	return nil
}
