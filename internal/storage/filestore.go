package storage

import (
	"context"
	"encoding/binary"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/KilimcininKorOglu/mvdb/internal/fault"
	"github.com/KilimcininKorOglu/mvdb/internal/logging"
	"github.com/KilimcininKorOglu/mvdb/internal/storage/fs"
)

// FileStore owns the backing file of a store: it writes chunks and store
// headers, reads pages, tracks free blocks and takes backups.
type FileStore struct {
	// mu serialises file writes against backups.
	mu sync.RWMutex

	name     string
	ch       fs.Channel
	readOnly bool
	log      logging.Logger

	header StoreHeader
	slot   int
	latest *Chunk

	chunksMu sync.RWMutex
	chunks   *btree.BTreeG[*Chunk]

	free  *FreeSpace
	cache *PageCache

	closed       atomic.Bool
	pageReads    atomic.Int64
	bytesRead    atomic.Int64
	chunkWrites  atomic.Int64
	bytesWritten atomic.Int64
}

// FileStats holds file store counters.
type FileStats struct {
	FileName     string
	Size         int64
	Chunks       int
	FillRate     int
	FreeBlocks   uint64
	CachedPages  int
	PageReads    int64
	BytesRead    int64
	ChunkWrites  int64
	BytesWritten int64
}

func chunkLess(a, b *Chunk) bool { return a.ID < b.ID }

// OpenFileStore opens or creates the store file name. An empty name
// creates an anonymous in-memory file.
func OpenFileStore(ctx context.Context, name string, opts FileStoreOptions) (*FileStore, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var ch fs.Channel
	if name == "" {
		ch = fs.NewMemChannel()
	} else {
		var err error
		ch, err = fs.Open(ctx, name, fs.OpenOptions{
			Mode:          opts.OpenMode,
			ReadOnly:      opts.ReadOnly,
			RetryAttempts: opts.RetryAttempts,
			RetryBackoff:  opts.RetryBackoff,
			FileSystem:    opts.FileSystem,
			Logger:        opts.Logger,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", name)
		}
	}

	cache, err := NewPageCache(opts.CacheSize)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	s := &FileStore{
		name:     name,
		ch:       ch,
		readOnly: opts.ReadOnly,
		log:      opts.Logger.WithFields("file", name),
		chunks:   btree.NewG[*Chunk](16, chunkLess),
		free:     NewFreeSpace(),
		cache:    cache,
	}
	if err := s.init(); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return s, nil
}

// init reads the store header, or writes the initial headers of a new file.
func (s *FileStore) init() error {
	size, err := s.ch.Size()
	if err != nil {
		return err
	}

	if size == 0 {
		if s.readOnly {
			return fault.Corrupt(nil, "empty store file opened read-only")
		}
		s.header = NewStoreHeader(time.Now().UnixMilli())
		buf := s.header.Serialize()
		for slot := 0; slot < HeaderBlocks; slot++ {
			if _, err := s.ch.WriteAt(buf, int64(slot)*BlockSize); err != nil {
				return fault.WriteFailed(err, "write store header")
			}
		}
		if err := s.ch.Sync(); err != nil {
			return fault.WriteFailed(err, "sync store header")
		}
		s.log.Debug("created store file")
		return nil
	}

	if size < HeaderBlocks*BlockSize {
		return fault.Corrupt(nil, "store file truncated: %d bytes", size)
	}
	buf := make([]byte, HeaderBlocks*BlockSize)
	if _, err := s.ch.ReadAt(buf, 0); err != nil && err != io.EOF {
		return errors.Wrap(err, "read store header")
	}
	h, slot, err := pickHeader(buf[:BlockSize], buf[BlockSize:])
	if err != nil {
		return err
	}
	s.header, s.slot = h, slot

	if h.IsEmpty() {
		return nil
	}
	c, err := s.ReadChunkAt(h.ChunkBlock)
	if err != nil {
		return err
	}
	if c.ID != h.ChunkID || c.Version != h.Version {
		return fault.Corrupt(nil, "store header names chunk %x version %d, found chunk %x version %d",
			h.ChunkID, h.Version, c.ID, c.Version)
	}
	s.latest = c
	s.chunks.ReplaceOrInsert(c.Clone())

	// Chunks holding older layout pages are readable until Load installs
	// the full chunk metadata.
	known := []*Chunk{c}
	for _, ref := range c.LayoutChunks {
		lc, err := s.readChunkHeader(ref.Block)
		if err != nil {
			return err
		}
		if lc.ID != ref.ID || lc.Block != ref.Block || lc.Len != ref.Len {
			return fault.Corrupt(nil, "chunk %x names layout chunk %x at block %d, found chunk %x",
				c.ID, ref.ID, ref.Block, lc.ID)
		}
		known = append(known, lc)
		s.chunks.ReplaceOrInsert(lc)
	}
	s.free.Rebuild(known)
	return nil
}

// Header returns the current store header.
func (s *FileStore) Header() StoreHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header
}

// LatestChunk returns the newest chunk, or nil for an empty store.
func (s *FileStore) LatestChunk() *Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil
	}
	return s.latest.Clone()
}

// ReadChunkAt reads and verifies the whole chunk stored at block.
func (s *FileStore) ReadChunkAt(block uint64) (*Chunk, error) {
	c, _, err := s.readChunkImage(block)
	return c, err
}

// ReadChunk returns the verified image of chunk id: header, pages and
// footer.
func (s *FileStore) ReadChunk(id uint32) ([]byte, error) {
	if s.closed.Load() {
		return nil, errors.Wrap(fault.ErrClosed, "read chunk")
	}
	c, ok := s.hasChunk(id)
	if !ok {
		return nil, fault.ConcurrentModification("chunk %x has been reclaimed", id)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	read, image, err := s.readChunkImage(c.Block)
	if err != nil {
		return nil, err
	}
	if read.ID != id {
		return nil, fault.Corrupt(nil, "block %d holds chunk %x, expected %x", c.Block, read.ID, id)
	}
	return image, nil
}

func (s *FileStore) readChunkImage(block uint64) (*Chunk, []byte, error) {
	c, err := s.readChunkHeader(block)
	if err != nil {
		return nil, nil, err
	}
	if c.Block != block {
		return nil, nil, fault.Corrupt(nil, "chunk %x records block %d, read at %d", c.ID, c.Block, block)
	}
	image := make([]byte, c.Len)
	if _, err := s.ch.ReadAt(image, int64(block)*BlockSize); err != nil {
		return nil, nil, fault.Corrupt(err, "read chunk %x", c.ID)
	}
	if err := c.verifyFooter(image); err != nil {
		return nil, nil, err
	}
	if err := c.decodeRefs(image); err != nil {
		return nil, nil, err
	}
	return c, image, nil
}

// readChunkHeader reads the header of the chunk stored at block.
func (s *FileStore) readChunkHeader(block uint64) (*Chunk, error) {
	head := make([]byte, ChunkHeaderSize)
	if _, err := s.ch.ReadAt(head, int64(block)*BlockSize); err != nil {
		return nil, fault.Corrupt(err, "read chunk header at block %d", block)
	}
	return decodeChunkHeader(head)
}

// Load installs the chunk metadata read from the layout map and rebuilds
// the free space from it.
func (s *FileStore) Load(chunks []*Chunk) {
	s.chunksMu.Lock()
	s.chunks.Clear(false)
	for _, c := range chunks {
		s.chunks.ReplaceOrInsert(c.Clone())
	}
	s.chunksMu.Unlock()
	s.free.Rebuild(chunks)
}

// Chunks returns copies of all chunks ordered by id.
func (s *FileStore) Chunks() []*Chunk {
	s.chunksMu.RLock()
	defer s.chunksMu.RUnlock()
	out := make([]*Chunk, 0, s.chunks.Len())
	s.chunks.Ascend(func(c *Chunk) bool {
		out = append(out, c.Clone())
		return true
	})
	return out
}

// Chunk returns a copy of chunk id.
func (s *FileStore) Chunk(id uint32) (*Chunk, bool) {
	s.chunksMu.RLock()
	defer s.chunksMu.RUnlock()
	c, ok := s.chunks.Get(&Chunk{ID: id})
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// ChunkCount returns the number of chunks in the file.
func (s *FileStore) ChunkCount() int {
	s.chunksMu.RLock()
	defer s.chunksMu.RUnlock()
	return s.chunks.Len()
}

// ChunkForVersion returns the chunk written by the commit of version.
func (s *FileStore) ChunkForVersion(version uint64) (*Chunk, bool) {
	s.chunksMu.RLock()
	defer s.chunksMu.RUnlock()
	var found *Chunk
	s.chunks.Descend(func(c *Chunk) bool {
		if c.Version == version {
			found = c.Clone()
			return false
		}
		return c.Version > version
	})
	return found, found != nil
}

func (s *FileStore) hasChunk(id uint32) (*Chunk, bool) {
	s.chunksMu.RLock()
	defer s.chunksMu.RUnlock()
	return s.chunks.Get(&Chunk{ID: id})
}

// ReadPage returns the serialized page at pos, including its length
// prefix. Reading from a chunk that has been reclaimed reports a
// concurrent modification.
func (s *FileStore) ReadPage(pos Pos) ([]byte, error) {
	if s.closed.Load() {
		return nil, errors.Wrap(fault.ErrClosed, "read page")
	}
	c, ok := s.hasChunk(pos.ChunkID())
	if !ok {
		return nil, fault.ConcurrentModification("page %s: chunk %x has been reclaimed", pos, pos.ChunkID())
	}
	if int64(pos.Offset())+4 > int64(c.Len) {
		return nil, fault.Corrupt(nil, "page %s outside chunk of %d bytes", pos, c.Len)
	}

	base := int64(c.Block)*BlockSize + int64(pos.Offset())
	var prefix [4]byte
	if _, err := s.ch.ReadAt(prefix[:], base); err != nil {
		return nil, s.readError(pos, err)
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if n < 4 || int64(pos.Offset())+int64(n) > int64(c.Len) {
		return nil, s.readError(pos, fault.Corrupt(nil, "page %s: bad length %d", pos, n))
	}
	buf := make([]byte, n)
	if _, err := s.ch.ReadAt(buf, base); err != nil {
		return nil, s.readError(pos, err)
	}
	if _, ok := s.hasChunk(pos.ChunkID()); !ok {
		return nil, fault.ConcurrentModification("page %s: chunk %x reclaimed during read", pos, pos.ChunkID())
	}

	s.pageReads.Add(1)
	s.bytesRead.Add(int64(n))
	return buf, nil
}

func (s *FileStore) readError(pos Pos, err error) error {
	if _, ok := s.hasChunk(pos.ChunkID()); !ok {
		return fault.ConcurrentModification("page %s: chunk %x reclaimed during read", pos, pos.ChunkID())
	}
	if fault.Kind(err) != nil {
		return err
	}
	return fault.Corrupt(err, "read page %s", pos)
}

// Cache returns the page cache.
func (s *FileStore) Cache() *PageCache {
	return s.cache
}

// WriteChunk places the chunk in free space and writes header, body, the
// table of c.LayoutChunks and footer. body holds the serialized pages that
// start at offset ChunkHeaderSize. On success c.Block and c.Len are set;
// the chunk is not referenced until WriteHeader and Publish.
func (s *FileStore) WriteChunk(c *Chunk, body []byte) error {
	if s.readOnly {
		return errors.Wrap(fault.ErrReadOnly, "write chunk")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	refs := encodeRefs(c.LayoutChunks)
	c.refsCount = uint32(len(c.LayoutChunks))
	c.refsOffset = uint32(ChunkHeaderSize + len(body))
	total := int64(ChunkHeaderSize + len(body) + len(refs) + ChunkFooterSize)
	blocks := blocksFor(total)
	c.Len = uint32(blocks * BlockSize)
	c.Block = s.free.Allocate(blocks)

	image := make([]byte, c.Len)
	c.encodeHeader(image)
	copy(image[ChunkHeaderSize:], body)
	copy(image[c.refsOffset:], refs)
	c.encodeFooter(image)

	if _, err := s.ch.WriteAt(image, int64(c.Block)*BlockSize); err != nil {
		s.free.Free(c.Block, blocks)
		return fault.WriteFailed(err, "write chunk %x", c.ID)
	}
	if err := s.ch.Sync(); err != nil {
		s.free.Free(c.Block, blocks)
		return fault.WriteFailed(err, "sync chunk %x", c.ID)
	}
	s.chunkWrites.Add(1)
	s.bytesWritten.Add(int64(c.Len))
	return nil
}

// Discard releases the blocks of a written chunk that was never referenced
// by a store header.
func (s *FileStore) Discard(c *Chunk) {
	if c.Block == 0 {
		return
	}
	s.free.Free(c.Block, c.Blocks())
}

// WriteHeader makes c the newest chunk of the store. The header slot
// alternates so a torn write leaves the previous header intact.
func (s *FileStore) WriteHeader(c *Chunk) error {
	if s.readOnly {
		return errors.Wrap(fault.ErrReadOnly, "write header")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.header
	h.ChunkID = c.ID
	h.ChunkBlock = c.Block
	h.Version = c.Version
	slot := 1 - s.slot

	if _, err := s.ch.WriteAt(h.Serialize(), int64(slot)*BlockSize); err != nil {
		return fault.WriteFailed(err, "write store header")
	}
	if err := s.ch.Sync(); err != nil {
		return fault.WriteFailed(err, "sync store header")
	}
	s.header, s.slot = h, slot
	s.latest = c.Clone()
	return nil
}

// Publish installs the chunk metadata of a completed commit: the new chunk,
// chunks whose accounting changed and chunks that were reclaimed. Blocks of
// reclaimed chunks become reusable immediately.
func (s *FileStore) Publish(latest *Chunk, updated []*Chunk, freed []uint32) {
	s.chunksMu.Lock()
	if latest != nil {
		s.chunks.ReplaceOrInsert(latest.Clone())
	}
	for _, c := range updated {
		s.chunks.ReplaceOrInsert(c.Clone())
	}
	removed := make([]*Chunk, 0, len(freed))
	for _, id := range freed {
		if c, ok := s.chunks.Delete(&Chunk{ID: id}); ok {
			removed = append(removed, c)
		}
	}
	s.chunksMu.Unlock()

	for _, c := range removed {
		s.free.Free(c.Block, c.Blocks())
		s.cache.RemoveChunk(c.ID)
		s.log.Debug("chunk reclaimed", "chunk", c.ID, "version", c.Version, "unused", c.Unused)
	}
}

// FreeChunk drops chunk id and returns its blocks to free space. The
// newest chunk cannot be freed.
func (s *FileStore) FreeChunk(id uint32) error {
	if s.readOnly {
		return errors.Wrap(fault.ErrReadOnly, "free chunk")
	}
	if latest := s.LatestChunk(); latest != nil && latest.ID == id {
		return fault.InvalidArgument("chunk %x is the newest chunk", id)
	}
	if _, ok := s.Chunk(id); !ok {
		return fault.InvalidArgument("chunk %x does not exist", id)
	}
	s.Publish(nil, nil, []uint32{id})
	return nil
}

// Backup copies the store file to w. Chunk and header writes wait until
// the copy is complete, so the copy is a consistent image.
func (s *FileStore) Backup(w io.Writer) (int64, error) {
	if s.closed.Load() {
		return 0, errors.Wrap(fault.ErrClosed, "backup")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	size, err := s.ch.Size()
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, io.NewSectionReader(s.ch, 0, size))
	if err != nil {
		return n, errors.Wrap(err, "backup")
	}
	return n, nil
}

// Size returns the size of the store file.
func (s *FileStore) Size() int64 {
	size, err := s.ch.Size()
	if err != nil {
		return 0
	}
	return size
}

// FileName returns the name the store was opened with.
func (s *FileStore) FileName() string {
	return s.name
}

// IsReadOnly reports whether the file was opened read-only.
func (s *FileStore) IsReadOnly() bool {
	return s.readOnly
}

// FillRate returns the percentage of allocated blocks holding chunks.
func (s *FileStore) FillRate() int {
	return s.free.FillRate()
}

// Stats returns the file store counters.
func (s *FileStore) Stats() FileStats {
	return FileStats{
		FileName:     s.name,
		Size:         s.Size(),
		Chunks:       s.ChunkCount(),
		FillRate:     s.FillRate(),
		FreeBlocks:   s.free.FreeBlocks(),
		CachedPages:  s.cache.Len(),
		PageReads:    s.pageReads.Load(),
		BytesRead:    s.bytesRead.Load(),
		ChunkWrites:  s.chunkWrites.Load(),
		BytesWritten: s.bytesWritten.Load(),
	}
}

// Close closes the backing file.
func (s *FileStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
	return s.ch.Close()
}

// SortChunksByFillRate orders chunks by ascending fill rate, oldest first
// on ties.
func SortChunksByFillRate(chunks []*Chunk) {
	sort.Slice(chunks, func(i, j int) bool {
		fi, fj := chunks[i].FillRate(), chunks[j].FillRate()
		if fi != fj {
			return fi < fj
		}
		return chunks[i].ID < chunks[j].ID
	})
}
