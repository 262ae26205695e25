package btree

import (
	"github.com/KilimcininKorOglu/mvdb/internal/storage"
)

// Removal records a page replaced by a mutation. Pages that were unsaved
// at the time are kept by pointer so the store can resolve their position
// if a commit in flight assigns one.
type Removal struct {
	Page   *Page
	Pos    storage.Pos
	Length int
}

// Resolve returns the position and length of the removed page, or false
// when the page was never saved.
func (r Removal) Resolve() (storage.Pos, int, bool) {
	if r.Pos.IsSaved() {
		return r.Pos, r.Length, true
	}
	if r.Page != nil && r.Page.IsSaved() {
		return r.Page.Pos(), r.Page.Len(), true
	}
	return 0, 0, false
}

// Mutation applies copy-on-write changes and records the pages it replaces.
type Mutation struct {
	cfg Config
	rd  Reader

	// TrackUnsaved keeps replaced unsaved pages, needed while a commit that
	// may be writing them is in flight.
	TrackUnsaved bool

	removed []Removal
	added   int
}

// NewMutation returns a mutation using cfg limits and rd to load pages.
func NewMutation(cfg Config, rd Reader) *Mutation {
	return &Mutation{cfg: cfg.normalize(), rd: rd}
}

// Removed returns the pages replaced so far.
func (m *Mutation) Removed() []Removal {
	return m.removed
}

// Added returns the estimated bytes of the pages created so far.
func (m *Mutation) Added() int {
	return m.added
}

func (m *Mutation) replaced(p *Page) {
	if pos := p.Pos(); pos.IsSaved() {
		m.removed = append(m.removed, Removal{Pos: pos, Length: p.Len()})
		return
	}
	if m.TrackUnsaved {
		m.removed = append(m.removed, Removal{Page: p})
	}
}

func (m *Mutation) replacedRef(r *childRef) {
	if p := r.page.Load(); p != nil {
		m.replaced(p)
		return
	}
	m.removed = append(m.removed, Removal{Pos: storage.Pos(r.pos.Load()), Length: int(r.length.Load())})
}

func (m *Mutation) created(p *Page) *Page {
	m.added += p.memory
	return p
}

// Put stores value under key and returns the new root together with the
// previous value.
func (m *Mutation) Put(root *Page, key, value []byte) (*Page, []byte, bool, error) {
	p, old, existed, err := m.put(root, key, value)
	if err != nil {
		return root, nil, false, err
	}
	if p.needsSplit(m.cfg) {
		left, sep, right := p.split()
		p = m.created(newNode(p.mapID, [][]byte{sep}, []*childRef{refTo(left), refTo(right)}))
	}
	return p, old, existed, nil
}

func (m *Mutation) put(p *Page, key, value []byte) (*Page, []byte, bool, error) {
	if p.IsLeaf() {
		idx, found := p.search(key)
		c := p.copy()
		var old []byte
		if found {
			old = c.values[idx]
			c.values[idx] = value
		} else {
			c.keys = insertAt(c.keys, idx, key)
			c.values = insertAt(c.values, idx, value)
		}
		c.recalc()
		m.replaced(p)
		return m.created(c), old, found, nil
	}

	idx := p.childIndex(key)
	child, err := p.children[idx].load(m.rd)
	if err != nil {
		return nil, nil, false, err
	}
	nc, old, existed, err := m.put(child, key, value)
	if err != nil {
		return nil, nil, false, err
	}

	c := p.copy()
	if nc.needsSplit(m.cfg) {
		left, sep, right := nc.split()
		c.children[idx] = refTo(left)
		c.children = insertAt(c.children, idx+1, refTo(right))
		c.keys = insertAt(c.keys, idx, sep)
	} else {
		c.children[idx] = refTo(nc)
	}
	c.recalc()
	m.replaced(p)
	return m.created(c), old, existed, nil
}

// Remove deletes key and returns the new root and the removed value.
// The root is returned unchanged when key does not exist.
func (m *Mutation) Remove(root *Page, key []byte) (*Page, []byte, bool, error) {
	p, old, existed, err := m.remove(root, key)
	if err != nil || !existed {
		return root, nil, false, err
	}
	for !p.IsLeaf() && len(p.children) == 1 {
		child, err := p.children[0].load(m.rd)
		if err != nil {
			return root, nil, false, err
		}
		p = child
	}
	if !p.IsLeaf() && len(p.children) == 0 {
		p = m.created(NewEmpty(p.mapID))
	}
	return p, old, true, nil
}

func (m *Mutation) remove(p *Page, key []byte) (*Page, []byte, bool, error) {
	if p.IsLeaf() {
		idx, found := p.search(key)
		if !found {
			return p, nil, false, nil
		}
		c := p.copy()
		old := c.values[idx]
		c.keys = removeAt(c.keys, idx)
		c.values = removeAt(c.values, idx)
		c.recalc()
		m.replaced(p)
		return m.created(c), old, true, nil
	}

	idx := p.childIndex(key)
	child, err := p.children[idx].load(m.rd)
	if err != nil {
		return nil, nil, false, err
	}
	nc, old, existed, err := m.remove(child, key)
	if err != nil || !existed {
		return p, nil, false, err
	}

	c := p.copy()
	if nc.total == 0 {
		c.children = removeAt(c.children, idx)
		if len(c.keys) > 0 {
			if idx < len(c.keys) {
				c.keys = removeAt(c.keys, idx)
			} else {
				c.keys = removeAt(c.keys, idx-1)
			}
		}
		if len(c.children) == 0 {
			m.replaced(p)
			return m.created(NewEmpty(p.mapID)), old, true, nil
		}
	} else {
		c.children[idx] = refTo(nc)
	}
	c.recalc()
	m.replaced(p)
	return m.created(c), old, true, nil
}

// Clear records every page of the tree as removed and returns an empty
// root. Leaves are accounted from their parent references without being
// read.
func (m *Mutation) Clear(root *Page) (*Page, error) {
	if err := m.Drop(root); err != nil {
		return root, err
	}
	return m.created(NewEmpty(root.mapID)), nil
}

// Drop records every page of the tree as removed.
func (m *Mutation) Drop(root *Page) error {
	if !root.IsLeaf() {
		for _, r := range root.children {
			if r.page.Load() == nil && r.leaf {
				m.replacedRef(r)
				continue
			}
			child, err := r.load(m.rd)
			if err != nil {
				return err
			}
			if err := m.Drop(child); err != nil {
				return err
			}
		}
	}
	m.replaced(root)
	return nil
}

// Rewrite copies every page stored in one of the given chunks, together
// with its ancestors, so the chunks no longer hold live pages of the tree.
// It reports whether anything was copied.
func (m *Mutation) Rewrite(root *Page, chunks map[uint32]bool) (*Page, bool, error) {
	if len(chunks) == 0 {
		return root, false, nil
	}
	return m.rewrite(root, chunks)
}

func inChunks(pos storage.Pos, chunks map[uint32]bool) bool {
	return pos.IsSaved() && chunks[pos.ChunkID()]
}

func (m *Mutation) rewrite(p *Page, chunks map[uint32]bool) (*Page, bool, error) {
	self := inChunks(p.Pos(), chunks)
	if p.IsLeaf() {
		if !self {
			return p, false, nil
		}
		c := p.copy()
		m.replaced(p)
		return m.created(c), true, nil
	}

	var replaced map[int]*Page
	for i, r := range p.children {
		if r.page.Load() == nil && r.leaf && !inChunks(r.position(), chunks) {
			continue
		}
		child, err := r.load(m.rd)
		if err != nil {
			return nil, false, err
		}
		nc, changed, err := m.rewrite(child, chunks)
		if err != nil {
			return nil, false, err
		}
		if changed {
			if replaced == nil {
				replaced = make(map[int]*Page)
			}
			replaced[i] = nc
		}
	}
	if !self && replaced == nil {
		return p, false, nil
	}

	c := p.copy()
	for i, nc := range replaced {
		c.children[i] = refTo(nc)
	}
	c.recalc()
	m.replaced(p)
	return m.created(c), true, nil
}

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	out := make([]T, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}
