package backup

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/mvdb/internal/fault"
	"github.com/KilimcininKorOglu/mvdb/internal/storage"
)

// bytesSource is a Source over an in-memory image.
type bytesSource struct {
	name string
	data []byte
	err  error
}

func (b *bytesSource) Backup(w io.Writer) (int64, error) {
	if b.err != nil {
		return 0, b.err
	}
	n, err := w.Write(b.data)
	return int64(n), err
}

func (b *bytesSource) FileName() string { return b.name }

func randomImage(size int) []byte {
	r := rand.New(rand.NewSource(int64(size)))
	data := make([]byte, size)
	r.Read(data)
	return data
}

func TestHeaderSerialize(t *testing.T) {
	h := NewHeader("/var/lib/app.mv", true)

	got, err := DeserializeHeader(h.Serialize())
	require.NoError(t, err)
	assert.Equal(t, Version, got.Version)
	assert.Equal(t, h.Created.Unix(), got.Created.Unix())
	assert.True(t, got.IsCompressed())
	assert.Equal(t, uint32(storage.BlockSize), got.BlockSize)
	assert.Equal(t, "/var/lib/app.mv", got.Source)
}

func TestHeaderLongSourceName(t *testing.T) {
	name := "/" + strings.Repeat("d/", 40) + "store.mv"
	h := NewHeader(name, false)

	got, err := DeserializeHeader(h.Serialize())
	require.NoError(t, err)
	assert.Len(t, got.Source, maxNameLength)
	assert.True(t, strings.HasSuffix(name, got.Source))
	assert.False(t, got.IsCompressed())
}

func TestHeaderInvalid(t *testing.T) {
	buf := NewHeader("x", false).Serialize()

	_, err := DeserializeHeader(buf[:10])
	assert.True(t, errors.Is(err, ErrInvalidArchive))

	bad := append([]byte(nil), buf...)
	bad[0] = 'X'
	_, err = DeserializeHeader(bad)
	assert.True(t, errors.Is(err, ErrInvalidArchive))

	bad = append([]byte(nil), buf...)
	bad[4] = 99
	_, err = DeserializeHeader(bad)
	assert.True(t, errors.Is(err, ErrInvalidArchive))
	assert.True(t, errors.Is(err, fault.ErrCorrupt))
}

func TestCreateAndRestore(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		compress bool
	}{
		{"empty", 0, false},
		{"small", 100, false},
		{"small compressed", 100, true},
		{"multi block", 3*BlockLength + 17, false},
		{"multi block compressed", 3*BlockLength + 17, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &bytesSource{name: "test.mv", data: randomImage(tt.size)}

			var archive bytes.Buffer
			stats, err := Create(&archive, src, Options{Compress: tt.compress})
			require.NoError(t, err)
			assert.Equal(t, int64(tt.size), stats.Bytes)
			assert.Equal(t, int64(archive.Len()), stats.ArchiveBytes)
			assert.Equal(t, tt.compress, stats.Compressed)

			var out bytes.Buffer
			h, rstats, err := Restore(bytes.NewReader(archive.Bytes()), &out)
			require.NoError(t, err)
			assert.Equal(t, "test.mv", h.Source)
			assert.Equal(t, tt.compress, h.IsCompressed())
			assert.Equal(t, int64(tt.size), rstats.Bytes)
			assert.Equal(t, int64(archive.Len()), rstats.ArchiveBytes)
			assert.True(t, bytes.Equal(src.data, out.Bytes()))
		})
	}
}

func TestCompressionRatio(t *testing.T) {
	src := &bytesSource{name: "test.mv", data: bytes.Repeat([]byte("chunk page "), 20000)}

	var archive bytes.Buffer
	stats, err := Create(&archive, src, Options{Compress: true})
	require.NoError(t, err)
	assert.Greater(t, stats.CompressionRatio(), 0.5)

	plain, err := Create(io.Discard, src, Options{})
	require.NoError(t, err)
	assert.Zero(t, plain.CompressionRatio())
}

func TestCreateSourceError(t *testing.T) {
	src := &bytesSource{name: "test.mv", err: fault.ErrClosed}

	_, err := Create(io.Discard, src, Options{})
	assert.True(t, errors.Is(err, fault.ErrClosed))
}

func TestRestoreChecksumMismatch(t *testing.T) {
	src := &bytesSource{name: "test.mv", data: randomImage(1000)}

	var archive bytes.Buffer
	_, err := Create(&archive, src, Options{})
	require.NoError(t, err)

	data := archive.Bytes()
	data[HeaderSize+blockHeaderSize+10] ^= 0xff

	_, _, err = Verify(bytes.NewReader(data))
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
	assert.True(t, errors.Is(err, fault.ErrCorrupt))
}

func TestRestoreTruncated(t *testing.T) {
	src := &bytesSource{name: "test.mv", data: randomImage(5000)}

	var archive bytes.Buffer
	_, err := Create(&archive, src, Options{Compress: true})
	require.NoError(t, err)

	for _, cut := range []int{HeaderSize - 1, HeaderSize + 4, archive.Len() / 2, archive.Len() - 1} {
		_, _, err := Verify(bytes.NewReader(archive.Bytes()[:cut]))
		assert.True(t, errors.Is(err, ErrInvalidArchive), "cut at %d: %v", cut, err)
	}
}

func TestRestoreFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "restored.mv")
	src := &bytesSource{name: "test.mv", data: randomImage(2 * BlockLength)}

	var archive bytes.Buffer
	_, err := Create(&archive, src, Options{Compress: true})
	require.NoError(t, err)

	stats, err := RestoreFile(bytes.NewReader(archive.Bytes()), target)
	require.NoError(t, err)
	assert.Equal(t, int64(len(src.data)), stats.Bytes)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(src.data, got))
}

func TestRestoreFileKeepsTargetOnError(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "restored.mv")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0o644))

	src := &bytesSource{name: "test.mv", data: randomImage(1000)}
	var archive bytes.Buffer
	_, err := Create(&archive, src, Options{})
	require.NoError(t, err)
	data := archive.Bytes()
	data[HeaderSize+blockHeaderSize] ^= 0xff

	_, err = RestoreFile(bytes.NewReader(data), target)
	require.Error(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBackupFileStore(t *testing.T) {
	dir := t.TempDir()
	fstore, err := storage.OpenFileStore(context.Background(), filepath.Join(dir, "src.mv"), storage.DefaultFileStoreOptions())
	require.NoError(t, err)
	defer fstore.Close()

	var archive bytes.Buffer
	stats, err := Create(&archive, fstore, Options{Compress: true})
	require.NoError(t, err)
	assert.Equal(t, fstore.Size(), stats.Bytes)

	target := filepath.Join(dir, "dst.mv")
	_, err = RestoreFile(bytes.NewReader(archive.Bytes()), target)
	require.NoError(t, err)

	restored, err := storage.OpenFileStore(context.Background(), target, storage.DefaultFileStoreOptions())
	require.NoError(t, err)
	defer restored.Close()
	assert.Equal(t, fstore.Header(), restored.Header())
}

func TestBlockWriterClosed(t *testing.T) {
	bw := NewBlockWriter(io.Discard, false)
	require.NoError(t, bw.Close())
	require.NoError(t, bw.Close())

	_, err := bw.Write([]byte("x"))
	assert.Equal(t, io.ErrClosedPipe, err)
	assert.Equal(t, int64(blockHeaderSize), bw.Written())
}
