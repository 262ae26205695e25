package mvstore

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/mvdb/internal/fault"
	"github.com/KilimcininKorOglu/mvdb/internal/storage/btree"
)

// Map is an ordered map of byte-string keys to byte-string values. Keys
// are ordered by bytes.Compare.
//
// Reads take the current root once and never block. Writers on one map
// are serialised; their changes become durable with the next commit of
// the store.
type Map struct {
	store *Store
	id    uint32
	name  string

	// mu serialises writers.
	mu   sync.Mutex
	root atomic.Pointer[btree.Page]

	readOnly bool
	version  uint64
	removed  atomic.Bool
}

// Name returns the map name.
func (m *Map) Name() string {
	return m.name
}

// ID returns the map id.
func (m *Map) ID() uint32 {
	return m.id
}

// IsReadOnly reports whether m is a historical view.
func (m *Map) IsReadOnly() bool {
	return m.readOnly
}

// Version returns the version of a historical view, or the version the
// next commit will write for a live map.
func (m *Map) Version() uint64 {
	if m.readOnly {
		return m.version
	}
	return m.store.GetCurrentVersion()
}

func (m *Map) checkRead() error {
	if m.removed.Load() && !m.readOnly {
		return errors.Wrapf(fault.ErrMapRemoved, "map %q", m.name)
	}
	return m.store.checkReadable()
}

func (m *Map) update(fn func(mut *btree.Mutation, root *btree.Page) (*btree.Page, error)) error {
	if m.readOnly {
		return errors.Wrapf(fault.ErrReadOnly, "map %q at version %d", m.name, m.version)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed.Load() {
		return errors.Wrapf(fault.ErrMapRemoved, "map %q", m.name)
	}
	return m.store.apply(m, fn)
}

func checkKey(key []byte) error {
	if key == nil {
		return fault.InvalidArgument("key is nil")
	}
	return nil
}

// Put stores value under key and returns the previous value, nil when
// the key was absent.
func (m *Map) Put(key, value []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fault.InvalidArgument("value is nil")
	}
	k, v := bytes.Clone(key), bytes.Clone(value)
	var old []byte
	err := m.update(func(mut *btree.Mutation, root *btree.Page) (*btree.Page, error) {
		next, prev, _, err := mut.Put(root, k, v)
		old = prev
		return next, err
	})
	if err != nil {
		return nil, err
	}
	return bytes.Clone(old), nil
}

// PutIfAbsent stores value only when key is absent. It returns the
// existing value, or nil when value was stored.
func (m *Map) PutIfAbsent(key, value []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fault.InvalidArgument("value is nil")
	}
	k, v := bytes.Clone(key), bytes.Clone(value)
	var existing []byte
	err := m.update(func(mut *btree.Mutation, root *btree.Page) (*btree.Page, error) {
		cur, found, err := btree.Get(m.store.reader, root, k)
		if err != nil {
			return nil, err
		}
		if found {
			existing = cur
			return root, nil
		}
		next, _, _, err := mut.Put(root, k, v)
		return next, err
	})
	if err != nil {
		return nil, err
	}
	return bytes.Clone(existing), nil
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (m *Map) Get(key []byte) ([]byte, error) {
	if err := m.checkRead(); err != nil {
		return nil, err
	}
	v, found, err := btree.Get(m.store.reader, m.root.Load(), key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(fault.ErrKeyNotFound, "map %q", m.name)
	}
	return bytes.Clone(v), nil
}

// ContainsKey reports whether key exists.
func (m *Map) ContainsKey(key []byte) (bool, error) {
	if err := m.checkRead(); err != nil {
		return false, err
	}
	_, found, err := btree.Get(m.store.reader, m.root.Load(), key)
	return found, err
}

// Remove deletes key and returns its value, or ErrKeyNotFound.
func (m *Map) Remove(key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	var (
		old   []byte
		found bool
	)
	err := m.update(func(mut *btree.Mutation, root *btree.Page) (*btree.Page, error) {
		next, prev, existed, err := mut.Remove(root, key)
		old, found = prev, existed
		return next, err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(fault.ErrKeyNotFound, "map %q", m.name)
	}
	return bytes.Clone(old), nil
}

// Clear removes all entries.
func (m *Map) Clear() error {
	return m.update(func(mut *btree.Mutation, root *btree.Page) (*btree.Page, error) {
		if root.Total() == 0 && root.IsLeaf() {
			return root, nil
		}
		return mut.Clear(root)
	})
}

// Size returns the number of entries.
func (m *Map) Size() (int64, error) {
	if err := m.checkRead(); err != nil {
		return 0, err
	}
	return m.root.Load().Total(), nil
}

// IsEmpty reports whether the map has no entries.
func (m *Map) IsEmpty() (bool, error) {
	n, err := m.Size()
	return n == 0, err
}

type navigation func(rd btree.Reader, root *btree.Page) ([]byte, bool, error)

func (m *Map) navigate(nav navigation) ([]byte, error) {
	if err := m.checkRead(); err != nil {
		return nil, err
	}
	k, found, err := nav(m.store.reader, m.root.Load())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(fault.ErrKeyNotFound, "map %q", m.name)
	}
	return bytes.Clone(k), nil
}

func withKey(fn func(btree.Reader, *btree.Page, []byte) ([]byte, bool, error), key []byte) navigation {
	return func(rd btree.Reader, root *btree.Page) ([]byte, bool, error) {
		return fn(rd, root, key)
	}
}

// FirstKey returns the smallest key, or ErrKeyNotFound for an empty map.
func (m *Map) FirstKey() ([]byte, error) {
	return m.navigate(btree.First)
}

// LastKey returns the largest key, or ErrKeyNotFound for an empty map.
func (m *Map) LastKey() ([]byte, error) {
	return m.navigate(btree.Last)
}

// FloorKey returns the largest key less than or equal to key.
func (m *Map) FloorKey(key []byte) ([]byte, error) {
	return m.navigate(withKey(btree.Floor, key))
}

// CeilingKey returns the smallest key greater than or equal to key.
func (m *Map) CeilingKey(key []byte) ([]byte, error) {
	return m.navigate(withKey(btree.Ceiling, key))
}

// HigherKey returns the smallest key strictly greater than key.
func (m *Map) HigherKey(key []byte) ([]byte, error) {
	return m.navigate(withKey(btree.Higher, key))
}

// LowerKey returns the largest key strictly less than key.
func (m *Map) LowerKey(key []byte) ([]byte, error) {
	return m.navigate(withKey(btree.Lower, key))
}

// KeyIterator returns an iterator over the entries with keys greater than
// or equal to from, in ascending order. A nil from starts at the first
// key. The iterator reads the map as it was when KeyIterator was called.
func (m *Map) KeyIterator(from []byte) (*Iterator, error) {
	if err := m.checkRead(); err != nil {
		return nil, err
	}
	return &Iterator{cur: btree.NewCursor(m.store.reader, m.root.Load(), from)}, nil
}

// OpenVersion returns a read-only view of the map as committed in
// version. It fails with ErrVersionUnavailable when the version is newer
// than the last commit, has aged out of retention or when the map did
// not exist in it.
func (m *Map) OpenVersion(version uint64) (*Map, error) {
	if err := m.store.checkReadable(); err != nil {
		return nil, err
	}
	root, err := m.store.rootAt(m.id, version)
	if err != nil {
		return nil, errors.Wrapf(err, "open map %q", m.name)
	}
	view := &Map{store: m.store, id: m.id, name: m.name, readOnly: true, version: version}
	view.root.Store(root)
	return view, nil
}

// rewrite copies the pages of m stored in chunks into the next commit.
func (m *Map) rewrite(chunks map[uint32]bool) (bool, error) {
	var moved bool
	err := m.update(func(mut *btree.Mutation, root *btree.Page) (*btree.Page, error) {
		next, changed, err := mut.Rewrite(root, chunks)
		moved = changed
		return next, err
	})
	return moved, err
}

// Iterator walks map entries in ascending key order.
//
//	it, err := m.KeyIterator(nil)
//	if err != nil {
//	    return err
//	}
//	defer it.Close()
//	for it.Next() {
//	    fmt.Printf("%s=%s\n", it.Key(), it.Value())
//	}
//	return it.Err()
type Iterator struct {
	cur   *btree.Cursor
	key   []byte
	value []byte
	done  bool
}

// Next advances to the next entry. It returns false at the end or on
// error.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	k, v, ok := it.cur.Next()
	if !ok {
		it.done = true
		it.key, it.value = nil, nil
		return false
	}
	it.key, it.value = k, v
	return true
}

// Key returns the current key.
func (it *Iterator) Key() []byte {
	return bytes.Clone(it.key)
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	return bytes.Clone(it.value)
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error {
	return it.cur.Err()
}

// Close releases the iterator.
func (it *Iterator) Close() {
	it.done = true
	it.key, it.value = nil, nil
}
