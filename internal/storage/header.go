package storage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/KilimcininKorOglu/mvdb/internal/fault"
)

// Store header constants.
const (
	// HeaderBlocks is the number of blocks reserved for store headers.
	// Two copies are kept and commits alternate between them.
	HeaderBlocks = 2

	// HeaderSize is the serialized size of one store header.
	HeaderSize = 48

	// FormatVersion is the current store file format version.
	FormatVersion uint32 = 1
)

// Magic identifies an mvdb store file.
var Magic = [4]byte{'M', 'V', 'D', 'B'}

// StoreHeader is the root of trust of a store file. It names the newest
// chunk; everything else is reachable from that chunk's layout map.
//
// Layout:
//   - Bytes 0-3:   Magic ("MVDB")
//   - Bytes 4-7:   Format version
//   - Bytes 8-11:  Block size
//   - Bytes 12-15: Chunk ID of the newest chunk
//   - Bytes 16-23: Block of the newest chunk
//   - Bytes 24-31: Version of the newest chunk
//   - Bytes 32-39: Created (unix milliseconds)
//   - Bytes 40-43: Reserved
//   - Bytes 44-47: CRC32 of bytes 0-43
type StoreHeader struct {
	Format     uint32
	BlockSize  uint32
	ChunkID    uint32
	ChunkBlock uint64
	Version    uint64
	Created    int64
}

// NewStoreHeader returns the header of an empty store.
func NewStoreHeader(created int64) StoreHeader {
	return StoreHeader{
		Format:    FormatVersion,
		BlockSize: BlockSize,
		Created:   created,
	}
}

// IsEmpty reports whether no chunk has been written yet.
func (h StoreHeader) IsEmpty() bool {
	return h.ChunkBlock == 0
}

// Serialize returns the header as a full block.
func (h StoreHeader) Serialize() []byte {
	buf := make([]byte, BlockSize)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Format)
	binary.LittleEndian.PutUint32(buf[8:12], h.BlockSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.ChunkID)
	binary.LittleEndian.PutUint64(buf[16:24], h.ChunkBlock)
	binary.LittleEndian.PutUint64(buf[24:32], h.Version)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.Created))
	binary.LittleEndian.PutUint32(buf[44:48], crc32.ChecksumIEEE(buf[0:44]))
	return buf
}

// DeserializeHeader parses and validates a store header.
func DeserializeHeader(buf []byte) (StoreHeader, error) {
	var h StoreHeader
	if len(buf) < HeaderSize {
		return h, fault.Corrupt(nil, "store header too short")
	}
	if [4]byte(buf[0:4]) != Magic {
		return h, fault.Corrupt(nil, "invalid magic number: not an mvdb file")
	}
	if crc32.ChecksumIEEE(buf[0:44]) != binary.LittleEndian.Uint32(buf[44:48]) {
		return h, fault.Corrupt(nil, "store header checksum mismatch")
	}
	h.Format = binary.LittleEndian.Uint32(buf[4:8])
	h.BlockSize = binary.LittleEndian.Uint32(buf[8:12])
	h.ChunkID = binary.LittleEndian.Uint32(buf[12:16])
	h.ChunkBlock = binary.LittleEndian.Uint64(buf[16:24])
	h.Version = binary.LittleEndian.Uint64(buf[24:32])
	h.Created = int64(binary.LittleEndian.Uint64(buf[32:40]))

	if h.Format == 0 || h.Format > FormatVersion {
		return h, fault.Corrupt(nil, "unsupported file format version %d", h.Format)
	}
	if h.BlockSize != BlockSize {
		return h, fault.Corrupt(nil, "unsupported block size %d", h.BlockSize)
	}
	return h, nil
}

// pickHeader returns the valid header with the highest version among the
// two copies, and the slot it came from.
func pickHeader(first, second []byte) (StoreHeader, int, error) {
	h0, err0 := DeserializeHeader(first)
	h1, err1 := DeserializeHeader(second)
	switch {
	case err0 != nil && err1 != nil:
		return StoreHeader{}, 0, err0
	case err0 != nil:
		return h1, 1, nil
	case err1 != nil:
		return h0, 0, nil
	case h1.Version > h0.Version:
		return h1, 1, nil
	default:
		return h0, 0, nil
	}
}
