package backup

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
)

// ReadHeader reads and validates the archive header.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(ErrInvalidArchive, "header truncated")
	}
	return DeserializeHeader(buf)
}

// Restore decodes the archive in r and writes the store image to w. The
// image is written before its checksum is known; callers writing to a live
// location should use RestoreFile.
func Restore(r io.Reader, w io.Writer) (*Header, *Stats, error) {
	start := time.Now()
	in := &countingReader{r: bufio.NewReader(r)}

	h, err := ReadHeader(in)
	if err != nil {
		return nil, nil, err
	}

	sum := newChecksumWriter(w)
	n, err := io.Copy(sum, NewBlockReader(in, h.IsCompressed()))
	if err != nil {
		return h, nil, err
	}

	t, err := readTrailer(in)
	if err != nil {
		return h, nil, err
	}
	if t.length != uint64(n) {
		return h, nil, errors.Wrapf(ErrInvalidArchive, "image of %d bytes, trailer says %d", n, t.length)
	}
	if t.checksum != sum.Checksum() {
		return h, nil, errors.Wrapf(ErrChecksumMismatch, "got %08x, want %08x", sum.Checksum(), t.checksum)
	}

	return h, &Stats{
		Bytes:        n,
		ArchiveBytes: in.n,
		Compressed:   h.IsCompressed(),
		Duration:     time.Since(start),
	}, nil
}

// Verify reads the whole archive and checks its checksum.
func Verify(r io.Reader) (*Header, *Stats, error) {
	return Restore(r, io.Discard)
}

// RestoreFile restores the archive in r to path. The image goes to a
// temporary file in the same directory which replaces path only after the
// checksum matched.
func RestoreFile(r io.Reader, path string) (*Stats, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".restore-*")
	if err != nil {
		return nil, errors.Wrap(err, "create restore file")
	}
	tmpName := tmp.Name()
	done := false
	defer func() {
		if !done {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	_, stats, err := Restore(r, tmp)
	if err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, errors.Wrap(err, "sync restore file")
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.Wrap(err, "close restore file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		done = true
		return nil, errors.Wrap(err, "replace store file")
	}
	done = true
	return stats, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
