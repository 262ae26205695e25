package btree

import (
	"github.com/KilimcininKorOglu/mvdb/internal/storage"
)

// ChunkWriter serializes unsaved pages into the body of one chunk.
type ChunkWriter struct {
	chunkID uint32
	body    []byte
	written []*Page
	maxLen  int64
}

// NewChunkWriter returns a writer for chunk id.
func NewChunkWriter(id uint32) *ChunkWriter {
	return &ChunkWriter{chunkID: id}
}

// Write saves every unsaved page reachable from root, children first, and
// returns the position of root.
func (w *ChunkWriter) Write(root *Page) (storage.Pos, error) {
	if pos := root.Pos(); pos.IsSaved() {
		return pos, nil
	}
	if !root.IsLeaf() {
		for _, r := range root.children {
			child := r.page.Load()
			if child == nil || child.IsSaved() {
				continue
			}
			if _, err := w.Write(child); err != nil {
				return 0, err
			}
		}
	}

	data, err := root.Encode()
	if err != nil {
		return 0, err
	}
	pos := storage.NewPos(w.chunkID, uint32(storage.ChunkHeaderSize+len(w.body)))
	w.body = append(w.body, data...)
	root.setPos(pos, len(data))
	w.written = append(w.written, root)
	w.maxLen += int64(len(data))
	return pos, nil
}

// Body returns the serialized pages.
func (w *ChunkWriter) Body() []byte {
	return w.body
}

// PageCount returns the number of pages written.
func (w *ChunkWriter) PageCount() int {
	return len(w.written)
}

// MaxLen returns the number of page bytes written.
func (w *ChunkWriter) MaxLen() int64 {
	return w.maxLen
}

// ChunkID returns the chunk the writer fills.
func (w *ChunkWriter) ChunkID() uint32 {
	return w.chunkID
}

// Rollback clears the positions assigned by the writer, returning the
// pages to the unsaved state after a commit was abandoned.
func (w *ChunkWriter) Rollback() {
	for _, p := range w.written {
		p.setPos(0, 0)
	}
	w.written = nil
	w.body = nil
	w.maxLen = 0
}

// Release drops the in-memory pointers to saved pages below root, handing
// each released page to keep (usually a page cache).
func Release(root *Page, keep func(storage.Pos, *Page)) {
	if root.IsLeaf() {
		return
	}
	for _, r := range root.children {
		child := r.page.Load()
		if child == nil {
			continue
		}
		Release(child, keep)
		if p := r.release(); p != nil && keep != nil {
			keep(p.Pos(), p)
		}
	}
}
