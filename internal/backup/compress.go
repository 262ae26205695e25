package backup

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

const (
	// BlockLength is the amount of image data framed per block.
	BlockLength = 64 * 1024

	// blockHeaderSize is raw length (4 bytes) + stored length (4 bytes).
	blockHeaderSize = 8
)

// BlockWriter frames data into blocks, snappy encoding each one when
// compression is on. Close writes the end marker.
type BlockWriter struct {
	w         io.Writer
	compress  bool
	buffer    []byte
	bufferPos int
	scratch   []byte
	written   int64
	input     int64
	closed    bool
}

// NewBlockWriter creates a block writer on w.
func NewBlockWriter(w io.Writer, compress bool) *BlockWriter {
	return &BlockWriter{
		w:        w,
		compress: compress,
		buffer:   make([]byte, BlockLength),
	}
}

// Write buffers p, flushing each full block.
func (bw *BlockWriter) Write(p []byte) (int, error) {
	if bw.closed {
		return 0, io.ErrClosedPipe
	}

	total := 0
	for len(p) > 0 {
		space := len(bw.buffer) - bw.bufferPos
		if space == 0 {
			if err := bw.flush(); err != nil {
				return total, err
			}
			space = len(bw.buffer)
		}

		n := copy(bw.buffer[bw.bufferPos:], p[:min(len(p), space)])
		bw.bufferPos += n
		bw.input += int64(n)
		p = p[n:]
		total += n
	}
	return total, nil
}

func (bw *BlockWriter) flush() error {
	if bw.bufferPos == 0 {
		return nil
	}

	raw := bw.buffer[:bw.bufferPos]
	data := raw
	if bw.compress {
		bw.scratch = snappy.Encode(bw.scratch[:cap(bw.scratch)], raw)
		data = bw.scratch
	}

	var header [blockHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(raw)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	if _, err := bw.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := bw.w.Write(data); err != nil {
		return err
	}
	bw.written += int64(blockHeaderSize + len(data))
	bw.bufferPos = 0
	return nil
}

// Close flushes the buffered block and writes the end marker.
func (bw *BlockWriter) Close() error {
	if bw.closed {
		return nil
	}
	bw.closed = true

	if err := bw.flush(); err != nil {
		return err
	}
	var end [blockHeaderSize]byte
	if _, err := bw.w.Write(end[:]); err != nil {
		return err
	}
	bw.written += blockHeaderSize
	return nil
}

// Written returns the framed bytes written.
func (bw *BlockWriter) Written() int64 {
	return bw.written
}

// Input returns the image bytes accepted.
func (bw *BlockWriter) Input() int64 {
	return bw.input
}

// BlockReader reads the blocks written by a BlockWriter and returns io.EOF
// after the end marker. The underlying reader is left positioned right
// after the marker.
type BlockReader struct {
	r          io.Reader
	compressed bool
	block      []byte
	pos        int
	stored     []byte
	eof        bool
}

// NewBlockReader creates a block reader on r.
func NewBlockReader(r io.Reader, compressed bool) *BlockReader {
	return &BlockReader{r: r, compressed: compressed}
}

// Read reads decoded image data.
func (br *BlockReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for br.pos >= len(br.block) {
		if br.eof {
			return 0, io.EOF
		}
		if err := br.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, br.block[br.pos:])
	br.pos += n
	return n, nil
}

func (br *BlockReader) next() error {
	var header [blockHeaderSize]byte
	if _, err := io.ReadFull(br.r, header[:]); err != nil {
		return errors.Wrap(ErrInvalidArchive, "block header truncated")
	}
	rawLen := binary.LittleEndian.Uint32(header[0:4])
	storedLen := binary.LittleEndian.Uint32(header[4:8])

	if rawLen == 0 && storedLen == 0 {
		br.eof = true
		br.block, br.pos = nil, 0
		return nil
	}
	if rawLen > BlockLength || storedLen > uint32(snappy.MaxEncodedLen(BlockLength)) {
		return errors.Wrapf(ErrInvalidArchive, "block of %d/%d bytes", rawLen, storedLen)
	}
	if !br.compressed && rawLen != storedLen {
		return errors.Wrapf(ErrInvalidArchive, "uncompressed block of %d/%d bytes", rawLen, storedLen)
	}

	if cap(br.stored) < int(storedLen) {
		br.stored = make([]byte, storedLen)
	}
	stored := br.stored[:storedLen]
	if _, err := io.ReadFull(br.r, stored); err != nil {
		return errors.Wrap(ErrInvalidArchive, "block truncated")
	}

	if !br.compressed {
		br.block, br.pos = stored, 0
		return nil
	}
	n, err := snappy.DecodedLen(stored)
	if err != nil || n != int(rawLen) {
		return errors.Wrap(ErrInvalidArchive, "block length mismatch")
	}
	block, err := snappy.Decode(nil, stored)
	if err != nil {
		return errors.Wrap(errors.Mark(err, ErrInvalidArchive), "decode block")
	}
	br.block, br.pos = block, 0
	return nil
}
