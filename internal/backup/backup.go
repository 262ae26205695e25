package backup

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/mvdb/internal/fault"
	"github.com/KilimcininKorOglu/mvdb/internal/storage"
)

// Archive format constants.
const (
	// Version is the current archive format version.
	Version uint32 = 1

	// HeaderSize is the size of the archive header in bytes.
	HeaderSize = 64

	// TrailerSize is the size of the archive trailer in bytes.
	TrailerSize = 16

	// maxNameLength is the space for the source name in the header.
	maxNameLength = HeaderSize - 26
)

var (
	// Magic starts every archive.
	Magic = [4]byte{'M', 'V', 'B', 'K'}

	trailerMagic = [4]byte{'M', 'V', 'B', 'E'}
)

// Archive errors. Both are marked as fault.ErrCorrupt.
var (
	ErrInvalidArchive   = errors.Mark(errors.New("invalid backup archive"), fault.ErrCorrupt)
	ErrChecksumMismatch = errors.Mark(errors.New("backup checksum mismatch"), fault.ErrCorrupt)
)

// Archive flags.
const (
	// FlagCompressed marks snappy encoded blocks.
	FlagCompressed uint32 = 1 << iota
)

// Header is the archive header.
// Layout (HeaderSize bytes):
//   - Bytes 0-3:   Magic ("MVBK")
//   - Bytes 4-7:   Version
//   - Bytes 8-15:  Created (unix seconds)
//   - Bytes 16-19: Flags
//   - Bytes 20-23: BlockSize of the store
//   - Bytes 24-25: Name length
//   - Bytes 26-63: Source file name, truncated
type Header struct {
	Version   uint32
	Created   time.Time
	Flags     uint32
	BlockSize uint32
	Source    string
}

// NewHeader returns a header for an archive of source.
func NewHeader(source string, compressed bool) *Header {
	h := &Header{
		Version:   Version,
		Created:   time.Now(),
		BlockSize: storage.BlockSize,
		Source:    source,
	}
	if compressed {
		h.Flags |= FlagCompressed
	}
	return h
}

// IsCompressed reports whether the blocks are snappy encoded.
func (h *Header) IsCompressed() bool {
	return h.Flags&FlagCompressed != 0
}

// Serialize encodes the header.
func (h *Header) Serialize() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.Created.Unix()))
	binary.LittleEndian.PutUint32(buf[16:20], h.Flags)
	binary.LittleEndian.PutUint32(buf[20:24], h.BlockSize)
	name := h.Source
	if len(name) > maxNameLength {
		name = name[len(name)-maxNameLength:]
	}
	binary.LittleEndian.PutUint16(buf[24:26], uint16(len(name)))
	copy(buf[26:], name)
	return buf
}

// DeserializeHeader decodes and validates a header.
func DeserializeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, errors.Wrap(ErrInvalidArchive, "header too short")
	}
	if [4]byte(buf[0:4]) != Magic {
		return nil, errors.Wrapf(ErrInvalidArchive, "magic %q", buf[0:4])
	}
	h := &Header{
		Version:   binary.LittleEndian.Uint32(buf[4:8]),
		Created:   time.Unix(int64(binary.LittleEndian.Uint64(buf[8:16])), 0),
		Flags:     binary.LittleEndian.Uint32(buf[16:20]),
		BlockSize: binary.LittleEndian.Uint32(buf[20:24]),
	}
	if h.Version == 0 || h.Version > Version {
		return nil, errors.Wrapf(ErrInvalidArchive, "unsupported format version %d", h.Version)
	}
	if h.BlockSize != storage.BlockSize {
		return nil, errors.Wrapf(ErrInvalidArchive, "block size %d", h.BlockSize)
	}
	n := int(binary.LittleEndian.Uint16(buf[24:26]))
	if n > maxNameLength {
		return nil, errors.Wrapf(ErrInvalidArchive, "name length %d", n)
	}
	h.Source = string(buf[26 : 26+n])
	return h, nil
}

// trailer closes an archive.
type trailer struct {
	length   uint64
	checksum uint32
}

func (t trailer) serialize() []byte {
	buf := make([]byte, TrailerSize)
	binary.LittleEndian.PutUint64(buf[0:8], t.length)
	binary.LittleEndian.PutUint32(buf[8:12], t.checksum)
	copy(buf[12:16], trailerMagic[:])
	return buf
}

func readTrailer(r io.Reader) (trailer, error) {
	buf := make([]byte, TrailerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return trailer{}, errors.Wrap(ErrInvalidArchive, "trailer truncated")
	}
	if [4]byte(buf[12:16]) != trailerMagic {
		return trailer{}, errors.Wrap(ErrInvalidArchive, "trailer magic")
	}
	return trailer{
		length:   binary.LittleEndian.Uint64(buf[0:8]),
		checksum: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// Options configures a backup.
type Options struct {
	// Compress snappy encodes the blocks.
	Compress bool
}

// Source is a store file that can copy a consistent image of itself.
// *storage.FileStore implements it.
type Source interface {
	Backup(w io.Writer) (int64, error)
	FileName() string
}

// Stats describes a backup or restore.
type Stats struct {
	// Bytes is the size of the store image.
	Bytes int64

	// ArchiveBytes is the size of the archive.
	ArchiveBytes int64

	// Compressed reports whether the blocks were snappy encoded.
	Compressed bool

	// Duration is the time taken.
	Duration time.Duration
}

// CompressionRatio returns the saved fraction (0-1), or 0 for an
// uncompressed or empty archive.
func (s *Stats) CompressionRatio() float64 {
	if !s.Compressed || s.Bytes == 0 || s.ArchiveBytes == 0 {
		return 0
	}
	return 1.0 - float64(s.ArchiveBytes)/float64(s.Bytes)
}

// Create writes an archive of src to w.
func Create(w io.Writer, src Source, opts Options) (*Stats, error) {
	start := time.Now()
	out := &countingWriter{w: w}

	h := NewHeader(src.FileName(), opts.Compress)
	if _, err := out.Write(h.Serialize()); err != nil {
		return nil, errors.Wrap(err, "write backup header")
	}

	blocks := NewBlockWriter(out, opts.Compress)
	sum := newChecksumWriter(blocks)
	n, err := src.Backup(sum)
	if err != nil {
		return nil, err
	}
	if err := blocks.Close(); err != nil {
		return nil, errors.Wrap(err, "write backup blocks")
	}
	t := trailer{length: uint64(n), checksum: sum.Checksum()}
	if _, err := out.Write(t.serialize()); err != nil {
		return nil, errors.Wrap(err, "write backup trailer")
	}

	return &Stats{
		Bytes:        n,
		ArchiveBytes: out.n,
		Compressed:   opts.Compress,
		Duration:     time.Since(start),
	}, nil
}

// checksumWriter computes the crc32 of the data passed through it.
type checksumWriter struct {
	w        io.Writer
	checksum uint32
	written  int64
}

func newChecksumWriter(w io.Writer) *checksumWriter {
	return &checksumWriter{w: w}
}

// Write writes data and updates the checksum.
func (cw *checksumWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.checksum = crc32.Update(cw.checksum, crc32.IEEETable, p[:n])
		cw.written += int64(n)
	}
	return n, err
}

// Checksum returns the checksum of the data written so far.
func (cw *checksumWriter) Checksum() uint32 {
	return cw.checksum
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
