package storage

import (
	"sync"

	"github.com/google/btree"
)

// extent is a run of free blocks.
type extent struct {
	start uint64
	count uint64
}

func (e extent) end() uint64 { return e.start + e.count }

// FreeSpace tracks unused blocks of the store file. Free runs are kept in
// an ordered tree so allocation can reuse the first hole that fits and
// adjacent runs merge when freed.
type FreeSpace struct {
	mu      sync.Mutex
	extents *btree.BTreeG[extent]
	// end is the first block past the last allocated block.
	end uint64
}

// NewFreeSpace returns the free space of an empty store file.
func NewFreeSpace() *FreeSpace {
	return &FreeSpace{
		extents: btree.NewG[extent](16, func(a, b extent) bool { return a.start < b.start }),
		end:     HeaderBlocks,
	}
}

// Rebuild resets the free space to everything between the header blocks
// and end that is not covered by chunks.
func (f *FreeSpace) Rebuild(chunks []*Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()

	used := btree.NewG[extent](16, func(a, b extent) bool { return a.start < b.start })
	f.end = HeaderBlocks
	for _, c := range chunks {
		used.ReplaceOrInsert(extent{start: c.Block, count: c.Blocks()})
		if e := c.Block + c.Blocks(); e > f.end {
			f.end = e
		}
	}

	f.extents.Clear(false)
	next := uint64(HeaderBlocks)
	used.Ascend(func(u extent) bool {
		if u.start > next {
			f.extents.ReplaceOrInsert(extent{start: next, count: u.start - next})
		}
		if u.end() > next {
			next = u.end()
		}
		return true
	})
}

// Allocate reserves count contiguous blocks and returns the first one.
func (f *FreeSpace) Allocate(count uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	var found extent
	ok := false
	f.extents.Ascend(func(e extent) bool {
		if e.count >= count {
			found, ok = e, true
			return false
		}
		return true
	})
	if !ok {
		start := f.end
		f.end += count
		return start
	}

	f.extents.Delete(found)
	if found.count > count {
		f.extents.ReplaceOrInsert(extent{start: found.start + count, count: found.count - count})
	}
	return found.start
}

// Free returns count blocks starting at start.
func (f *FreeSpace) Free(start, count uint64) {
	if count == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	e := extent{start: start, count: count}
	f.extents.DescendLessOrEqual(extent{start: start}, func(prev extent) bool {
		if prev.end() == start {
			f.extents.Delete(prev)
			e = extent{start: prev.start, count: prev.count + e.count}
		}
		return false
	})
	if next, ok := f.extents.Get(extent{start: e.end()}); ok {
		f.extents.Delete(next)
		e.count += next.count
	}

	if e.end() == f.end {
		f.end = e.start
		return
	}
	f.extents.ReplaceOrInsert(e)
}

// End returns the first block past the allocated area.
func (f *FreeSpace) End() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.end
}

// FreeBlocks returns the number of free blocks below End.
func (f *FreeSpace) FreeBlocks() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n uint64
	f.extents.Ascend(func(e extent) bool {
		n += e.count
		return true
	})
	return n
}

// FillRate returns the percentage of allocated blocks in use.
func (f *FreeSpace) FillRate() int {
	free := f.FreeBlocks()
	end := f.End()
	if end <= HeaderBlocks {
		return 100
	}
	total := end - HeaderBlocks
	return int((total - free) * 100 / total)
}
