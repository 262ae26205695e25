package btree

// Cursor iterates the entries of one root in ascending key order. It
// reads an immutable page graph and is unaffected by later mutations.
type Cursor struct {
	rd    Reader
	stack []frame
	err   error
}

type frame struct {
	page *Page
	idx  int
}

// NewCursor returns a cursor positioned at the first key greater than or
// equal to from. A nil from starts at the first key.
func NewCursor(rd Reader, root *Page, from []byte) *Cursor {
	c := &Cursor{rd: rd}
	p := root
	for {
		if p.IsLeaf() {
			idx := 0
			if from != nil {
				idx, _ = p.search(from)
			}
			c.stack = append(c.stack, frame{page: p, idx: idx})
			return c
		}
		idx := 0
		if from != nil {
			idx = p.childIndex(from)
		}
		c.stack = append(c.stack, frame{page: p, idx: idx})
		child, err := p.children[idx].load(rd)
		if err != nil {
			c.err = err
			c.stack = nil
			return c
		}
		p = child
	}
}

// Next returns the next entry. It returns false when the cursor is
// exhausted or an error occurred; check Err afterwards.
func (c *Cursor) Next() ([]byte, []byte, bool) {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.page.IsLeaf() {
			if top.idx < len(top.page.keys) {
				k, v := top.page.keys[top.idx], top.page.values[top.idx]
				top.idx++
				return k, v, true
			}
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}

		top.idx++
		if top.idx >= len(top.page.children) {
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}
		if err := c.descend(top.page.children[top.idx]); err != nil {
			c.err = err
			c.stack = nil
			return nil, nil, false
		}
	}
	return nil, nil, false
}

// descend pushes the leftmost path below r.
func (c *Cursor) descend(r *childRef) error {
	p, err := r.load(c.rd)
	if err != nil {
		return err
	}
	for {
		c.stack = append(c.stack, frame{page: p})
		if p.IsLeaf() {
			return nil
		}
		if p, err = p.children[0].load(c.rd); err != nil {
			return err
		}
	}
}

// Err returns the error that stopped the cursor, if any.
func (c *Cursor) Err() error {
	return c.err
}
