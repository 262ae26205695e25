package btree

// Get returns the value stored under key.
func Get(rd Reader, root *Page, key []byte) ([]byte, bool, error) {
	p := root
	for !p.IsLeaf() {
		child, err := p.children[p.childIndex(key)].load(rd)
		if err != nil {
			return nil, false, err
		}
		p = child
	}
	idx, found := p.search(key)
	if !found {
		return nil, false, nil
	}
	return p.values[idx], true, nil
}

// First returns the smallest key of the tree.
func First(rd Reader, root *Page) ([]byte, bool, error) {
	return edge(rd, root, false)
}

// Last returns the largest key of the tree.
func Last(rd Reader, root *Page) ([]byte, bool, error) {
	return edge(rd, root, true)
}

func edge(rd Reader, p *Page, last bool) ([]byte, bool, error) {
	if p.IsLeaf() {
		if len(p.keys) == 0 {
			return nil, false, nil
		}
		if last {
			return p.keys[len(p.keys)-1], true, nil
		}
		return p.keys[0], true, nil
	}
	n := len(p.children)
	for i := 0; i < n; i++ {
		idx := i
		if last {
			idx = n - 1 - i
		}
		child, err := p.children[idx].load(rd)
		if err != nil {
			return nil, false, err
		}
		if k, ok, err := edge(rd, child, last); err != nil || ok {
			return k, ok, err
		}
	}
	return nil, false, nil
}

// Floor returns the largest key less than or equal to key.
func Floor(rd Reader, root *Page, key []byte) ([]byte, bool, error) {
	return below(rd, root, key, true)
}

// Lower returns the largest key strictly less than key.
func Lower(rd Reader, root *Page, key []byte) ([]byte, bool, error) {
	return below(rd, root, key, false)
}

// Ceiling returns the smallest key greater than or equal to key.
func Ceiling(rd Reader, root *Page, key []byte) ([]byte, bool, error) {
	return above(rd, root, key, true)
}

// Higher returns the smallest key strictly greater than key.
func Higher(rd Reader, root *Page, key []byte) ([]byte, bool, error) {
	return above(rd, root, key, false)
}

func below(rd Reader, p *Page, key []byte, inclusive bool) ([]byte, bool, error) {
	if p.IsLeaf() {
		idx, found := p.search(key)
		if found && inclusive {
			return p.keys[idx], true, nil
		}
		if idx > 0 {
			return p.keys[idx-1], true, nil
		}
		return nil, false, nil
	}
	for i := p.childIndex(key); i >= 0; i-- {
		child, err := p.children[i].load(rd)
		if err != nil {
			return nil, false, err
		}
		if k, ok, err := below(rd, child, key, inclusive); err != nil || ok {
			return k, ok, err
		}
	}
	return nil, false, nil
}

func above(rd Reader, p *Page, key []byte, inclusive bool) ([]byte, bool, error) {
	if p.IsLeaf() {
		idx, found := p.search(key)
		if found && !inclusive {
			idx++
		}
		if idx < len(p.keys) {
			return p.keys[idx], true, nil
		}
		return nil, false, nil
	}
	for i := p.childIndex(key); i < len(p.children); i++ {
		child, err := p.children[i].load(rd)
		if err != nil {
			return nil, false, err
		}
		if k, ok, err := above(rd, child, key, inclusive); err != nil || ok {
			return k, ok, err
		}
	}
	return nil, false, nil
}

// Height returns the number of levels of the tree.
func Height(rd Reader, root *Page) (int, error) {
	h := 1
	p := root
	for !p.IsLeaf() {
		child, err := p.children[0].load(rd)
		if err != nil {
			return 0, err
		}
		p = child
		h++
	}
	return h, nil
}

// Chunks returns the ids of the chunks holding saved pages of the tree.
// Leaves that are not in memory are taken from their parent references
// without being read.
func Chunks(rd Reader, root *Page) (map[uint32]bool, error) {
	ids := make(map[uint32]bool)
	return ids, collectChunks(rd, root, ids)
}

func collectChunks(rd Reader, p *Page, ids map[uint32]bool) error {
	if pos := p.Pos(); pos.IsSaved() {
		ids[pos.ChunkID()] = true
	}
	if p.IsLeaf() {
		return nil
	}
	for _, r := range p.children {
		if r.page.Load() == nil && r.leaf {
			ids[r.position().ChunkID()] = true
			continue
		}
		child, err := r.load(rd)
		if err != nil {
			return err
		}
		if err := collectChunks(rd, child, ids); err != nil {
			return err
		}
	}
	return nil
}
