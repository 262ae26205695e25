package btree

import (
	"bytes"
	"sort"
	"sync/atomic"

	"github.com/KilimcininKorOglu/mvdb/internal/storage"
)

// Default page limits.
const (
	// DefaultKeysPerPage is the maximum number of keys in a page.
	DefaultKeysPerPage = 48

	// DefaultSplitSize is the estimated page size above which a page splits.
	DefaultSplitSize = 16 * 1024

	// entryOverhead is the estimated per entry cost used for page sizes.
	entryOverhead = 8

	// childOverhead is the estimated per child cost of a node.
	childOverhead = 24
)

// Config holds the page split limits of a tree.
type Config struct {
	// KeysPerPage is the maximum number of keys before a page splits.
	KeysPerPage int
	// SplitSize is the estimated size in bytes before a page splits.
	SplitSize int
}

// DefaultConfig returns the default page limits.
func DefaultConfig() Config {
	return Config{KeysPerPage: DefaultKeysPerPage, SplitSize: DefaultSplitSize}
}

func (c Config) normalize() Config {
	if c.KeysPerPage < 3 {
		c.KeysPerPage = DefaultKeysPerPage
	}
	if c.SplitSize <= 0 {
		c.SplitSize = DefaultSplitSize
	}
	return c
}

// Page is a leaf or an internal node of the tree.
//
// For an internal node, keys[i] separates children[i], holding keys less
// than keys[i], from children[i+1]; len(children) == len(keys)+1.
type Page struct {
	mapID    uint32
	keys     [][]byte
	values   [][]byte
	children []*childRef
	total    int64
	memory   int

	pos    atomic.Uint64
	length atomic.Uint32
}

// childRef points from a node to one child. The child is either held in
// memory or identified by its position.
type childRef struct {
	page   atomic.Pointer[Page]
	pos    atomic.Uint64
	length atomic.Uint32
	count  int64
	leaf   bool
}

// NewLeaf returns a leaf page for map id holding the given entries.
func NewLeaf(mapID uint32, keys, values [][]byte) *Page {
	p := &Page{mapID: mapID, keys: keys, values: values}
	p.recalc()
	return p
}

// NewEmpty returns an empty leaf page for map id.
func NewEmpty(mapID uint32) *Page {
	return NewLeaf(mapID, nil, nil)
}

func newNode(mapID uint32, keys [][]byte, children []*childRef) *Page {
	p := &Page{mapID: mapID, keys: keys, children: children}
	p.recalc()
	return p
}

func refTo(p *Page) *childRef {
	r := &childRef{count: p.total, leaf: p.IsLeaf()}
	r.page.Store(p)
	return r
}

// recalc computes the entry count and memory estimate.
func (p *Page) recalc() {
	mem := 0
	for _, k := range p.keys {
		mem += len(k) + entryOverhead
	}
	if p.IsLeaf() {
		for _, v := range p.values {
			mem += len(v) + entryOverhead
		}
		p.total = int64(len(p.keys))
	} else {
		var total int64
		for _, c := range p.children {
			total += c.count
		}
		p.total = total
		mem += len(p.children) * childOverhead
	}
	p.memory = mem
}

// IsLeaf reports whether the page is a leaf.
func (p *Page) IsLeaf() bool {
	return p.children == nil
}

// MapID returns the id of the map owning the page.
func (p *Page) MapID() uint32 {
	return p.mapID
}

// KeyCount returns the number of keys in the page.
func (p *Page) KeyCount() int {
	return len(p.keys)
}

// Total returns the number of entries in the subtree.
func (p *Page) Total() int64 {
	return p.total
}

// Memory returns the estimated in-memory size of the page.
func (p *Page) Memory() int {
	return p.memory
}

// Pos returns the position of the page, or zero when it is unsaved.
func (p *Page) Pos() storage.Pos {
	return storage.Pos(p.pos.Load())
}

// Len returns the serialized length of a saved page.
func (p *Page) Len() int {
	return int(p.length.Load())
}

// IsSaved reports whether the page has been written.
func (p *Page) IsSaved() bool {
	return p.pos.Load() != 0
}

func (p *Page) setPos(pos storage.Pos, length int) {
	p.length.Store(uint32(length))
	p.pos.Store(uint64(pos))
}

// search returns the index of key in the page and whether it was found.
// When not found the index is the insertion point.
func (p *Page) search(key []byte) (int, bool) {
	i := sort.Search(len(p.keys), func(i int) bool {
		return bytes.Compare(p.keys[i], key) >= 0
	})
	return i, i < len(p.keys) && bytes.Equal(p.keys[i], key)
}

// childIndex returns the child of a node that covers key.
func (p *Page) childIndex(key []byte) int {
	i, found := p.search(key)
	if found {
		i++
	}
	return i
}

// copy returns an unsaved shallow copy of the page. Child references are
// shared since they are never modified in place.
func (p *Page) copy() *Page {
	c := &Page{
		mapID:  p.mapID,
		keys:   append([][]byte(nil), p.keys...),
		total:  p.total,
		memory: p.memory,
	}
	if p.IsLeaf() {
		c.values = append([][]byte(nil), p.values...)
	} else {
		c.children = append([]*childRef(nil), p.children...)
	}
	return c
}

func (p *Page) needsSplit(cfg Config) bool {
	min := 1
	if !p.IsLeaf() {
		min = 2
	}
	if len(p.keys) <= min {
		return false
	}
	return p.memory > cfg.SplitSize || len(p.keys) > cfg.KeysPerPage
}

// split divides a page in two halves and returns the separator key.
func (p *Page) split() (left *Page, sep []byte, right *Page) {
	at := len(p.keys) / 2
	if p.IsLeaf() {
		left = NewLeaf(p.mapID, clip(p.keys[:at]), clip(p.values[:at]))
		right = NewLeaf(p.mapID, clip(p.keys[at:]), clip(p.values[at:]))
		return left, right.keys[0], right
	}
	left = newNode(p.mapID, clip(p.keys[:at]), clip(p.children[:at+1]))
	right = newNode(p.mapID, clip(p.keys[at+1:]), clip(p.children[at+1:]))
	return left, p.keys[at], right
}

func clip[T any](s []T) []T {
	return append([]T(nil), s...)
}

func (r *childRef) position() storage.Pos {
	if p := r.page.Load(); p != nil {
		return p.Pos()
	}
	return storage.Pos(r.pos.Load())
}

func (r *childRef) size() int {
	if p := r.page.Load(); p != nil {
		return p.Len()
	}
	return int(r.length.Load())
}

// load returns the child page, reading it when it is not in memory.
func (r *childRef) load(rd Reader) (*Page, error) {
	if p := r.page.Load(); p != nil {
		return p, nil
	}
	return rd.ReadPage(storage.Pos(r.pos.Load()))
}

// release drops the in-memory child once it is saved.
func (r *childRef) release() *Page {
	p := r.page.Load()
	if p == nil || !p.IsSaved() {
		return nil
	}
	r.length.Store(uint32(p.Len()))
	r.pos.Store(uint64(p.Pos()))
	r.page.Store(nil)
	return p
}

// Reader loads saved pages by position.
type Reader interface {
	ReadPage(pos storage.Pos) (*Page, error)
}
