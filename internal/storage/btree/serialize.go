package btree

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/KilimcininKorOglu/mvdb/internal/fault"
	"github.com/KilimcininKorOglu/mvdb/internal/storage"
)

// Page kinds.
const (
	kindLeaf byte = 0
	kindNode byte = 1
)

// pageHeaderSize is the length and checksum prefix of a serialized page.
const pageHeaderSize = 8

// Encode serializes the page. Children must already have positions.
func (p *Page) Encode() ([]byte, error) {
	size := pageHeaderSize + binary.MaxVarintLen32 + 1 + binary.MaxVarintLen64
	for _, k := range p.keys {
		size += binary.MaxVarintLen32 + len(k)
	}
	if p.IsLeaf() {
		for _, v := range p.values {
			size += binary.MaxVarintLen32 + len(v)
		}
	} else {
		size += len(p.children) * (8 + binary.MaxVarintLen32 + binary.MaxVarintLen64 + 1)
	}

	buf := make([]byte, pageHeaderSize, size)
	buf = binary.AppendUvarint(buf, uint64(p.mapID))
	if p.IsLeaf() {
		buf = append(buf, kindLeaf)
	} else {
		buf = append(buf, kindNode)
	}
	buf = binary.AppendUvarint(buf, uint64(len(p.keys)))
	for _, k := range p.keys {
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)
	}

	if p.IsLeaf() {
		for _, v := range p.values {
			buf = binary.AppendUvarint(buf, uint64(len(v)))
			buf = append(buf, v...)
		}
	} else {
		for i, r := range p.children {
			pos := r.position()
			if !pos.IsSaved() {
				return nil, fault.Corrupt(nil, "encode page of map %d: child %d is unsaved", p.mapID, i)
			}
			buf = binary.LittleEndian.AppendUint64(buf, uint64(pos))
			buf = binary.AppendUvarint(buf, uint64(r.size()))
			buf = binary.AppendUvarint(buf, uint64(r.count))
			if r.leaf {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		}
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(buf[pageHeaderSize:]))
	return buf, nil
}

// decoder reads the fields of a serialized page.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		d.err = fault.Corrupt(nil, "bad varint at offset %d", d.off)
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)-d.off) < n {
		d.err = fault.Corrupt(nil, "field of %d bytes exceeds page", n)
		return nil
	}
	b := d.buf[d.off : d.off+int(n) : d.off+int(n)]
	d.off += int(n)
	return b
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if d.off >= len(d.buf) {
		d.err = fault.Corrupt(nil, "page truncated")
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}

func (d *decoder) uint64() uint64 {
	if d.err != nil {
		return 0
	}
	if d.off+8 > len(d.buf) {
		d.err = fault.Corrupt(nil, "page truncated")
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

// Decode parses a serialized page read from pos.
func Decode(data []byte, pos storage.Pos) (*Page, error) {
	if len(data) < pageHeaderSize {
		return nil, fault.Corrupt(nil, "page %s: %d bytes", pos, len(data))
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	if int(n) != len(data) {
		return nil, fault.Corrupt(nil, "page %s: length %d, have %d bytes", pos, n, len(data))
	}
	if crc32.ChecksumIEEE(data[pageHeaderSize:]) != binary.LittleEndian.Uint32(data[4:8]) {
		return nil, fault.Corrupt(nil, "page %s: checksum mismatch", pos)
	}

	d := &decoder{buf: data, off: pageHeaderSize}
	mapID := uint32(d.uvarint())
	kind := d.byte()
	count := d.uvarint()
	if d.err == nil && count > uint64(len(data)) {
		return nil, fault.Corrupt(nil, "page %s: %d keys", pos, count)
	}
	keys := make([][]byte, count)
	for i := range keys {
		keys[i] = d.bytes()
	}

	var p *Page
	switch kind {
	case kindLeaf:
		values := make([][]byte, count)
		for i := range values {
			values[i] = d.bytes()
		}
		if count == 0 {
			keys, values = nil, nil
		}
		p = NewLeaf(mapID, keys, values)
	case kindNode:
		children := make([]*childRef, count+1)
		for i := range children {
			r := &childRef{}
			r.pos.Store(d.uint64())
			r.length.Store(uint32(d.uvarint()))
			r.count = int64(d.uvarint())
			r.leaf = d.byte() == 1
			children[i] = r
		}
		p = newNode(mapID, keys, children)
	default:
		return nil, fault.Corrupt(nil, "page %s: unknown kind %d", pos, kind)
	}
	if d.err != nil {
		return nil, fault.Corrupt(d.err, "page %s", pos)
	}
	if d.off != len(data) {
		return nil, fault.Corrupt(nil, "page %s: %d trailing bytes", pos, len(data)-d.off)
	}
	p.setPos(pos, len(data))
	return p, nil
}

// FileReader loads pages from a file store through its page cache.
type FileReader struct {
	store *storage.FileStore
}

// NewFileReader returns a Reader over store.
func NewFileReader(store *storage.FileStore) *FileReader {
	return &FileReader{store: store}
}

// ReadPage returns the page at pos.
func (r *FileReader) ReadPage(pos storage.Pos) (*Page, error) {
	cache := r.store.Cache()
	if v, ok := cache.Get(pos); ok {
		return v.(*Page), nil
	}
	data, err := r.store.ReadPage(pos)
	if err != nil {
		return nil, err
	}
	p, err := Decode(data, pos)
	if err != nil {
		return nil, err
	}
	cache.Add(pos, p)
	return p, nil
}
