package mvstore

import (
	"encoding/binary"

	"github.com/KilimcininKorOglu/mvdb/internal/fault"
)

// Codec converts values to byte strings. Key codecs must preserve order:
// a < b exactly when bytes.Compare(Encode(a), Encode(b)) < 0.
type Codec[T any] interface {
	Encode(v T) []byte
	Decode(data []byte) (T, error)
}

// Int64Codec encodes int64 as sign-flipped big-endian so byte order
// matches numeric order.
type Int64Codec struct{}

// Encode encodes v.
func (Int64Codec) Encode(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
	return buf[:]
}

// Decode decodes data.
func (Int64Codec) Decode(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fault.Corrupt(nil, "int64 value of %d bytes", len(data))
	}
	return int64(binary.BigEndian.Uint64(data) ^ (1 << 63)), nil
}

// Uint64Codec encodes uint64 as big-endian.
type Uint64Codec struct{}

// Encode encodes v.
func (Uint64Codec) Encode(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

// Decode decodes data.
func (Uint64Codec) Decode(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fault.Corrupt(nil, "uint64 value of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// StringCodec stores strings as their bytes.
type StringCodec struct{}

// Encode encodes v.
func (StringCodec) Encode(v string) []byte { return []byte(v) }

// Decode decodes data.
func (StringCodec) Decode(data []byte) (string, error) { return string(data), nil }

// BytesCodec stores byte slices unchanged.
type BytesCodec struct{}

// Encode encodes v. A nil slice is stored as an empty value.
func (BytesCodec) Encode(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}

// Decode decodes data.
func (BytesCodec) Decode(data []byte) ([]byte, error) { return data, nil }

// TypedMap is a Map with typed keys and values.
type TypedMap[K, V any] struct {
	m      *Map
	keys   Codec[K]
	values Codec[V]
}

// NewTypedMap wraps m.
func NewTypedMap[K, V any](m *Map, keys Codec[K], values Codec[V]) *TypedMap[K, V] {
	return &TypedMap[K, V]{m: m, keys: keys, values: values}
}

// OpenTypedMap opens the named map of s with the given codecs.
func OpenTypedMap[K, V any](s *Store, name string, keys Codec[K], values Codec[V]) (*TypedMap[K, V], error) {
	m, err := s.OpenMap(name)
	if err != nil {
		return nil, err
	}
	return NewTypedMap(m, keys, values), nil
}

// Map returns the underlying map.
func (t *TypedMap[K, V]) Map() *Map {
	return t.m
}

func (t *TypedMap[K, V]) value(data []byte, err error) (V, bool, error) {
	var zero V
	if err != nil || data == nil {
		return zero, false, err
	}
	v, err := t.values.Decode(data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

func (t *TypedMap[K, V]) key(data []byte, err error) (K, error) {
	if err != nil {
		var zero K
		return zero, err
	}
	return t.keys.Decode(data)
}

// Put stores v under k and returns the previous value, if any.
func (t *TypedMap[K, V]) Put(k K, v V) (V, bool, error) {
	return t.value(t.m.Put(t.keys.Encode(k), t.values.Encode(v)))
}

// PutIfAbsent stores v when k is absent and returns the existing value,
// if any.
func (t *TypedMap[K, V]) PutIfAbsent(k K, v V) (V, bool, error) {
	return t.value(t.m.PutIfAbsent(t.keys.Encode(k), t.values.Encode(v)))
}

// Get returns the value of k, or ErrKeyNotFound.
func (t *TypedMap[K, V]) Get(k K) (V, error) {
	v, _, err := t.value(t.m.Get(t.keys.Encode(k)))
	return v, err
}

// ContainsKey reports whether k exists.
func (t *TypedMap[K, V]) ContainsKey(k K) (bool, error) {
	return t.m.ContainsKey(t.keys.Encode(k))
}

// Remove deletes k and returns its value, or ErrKeyNotFound.
func (t *TypedMap[K, V]) Remove(k K) (V, error) {
	v, _, err := t.value(t.m.Remove(t.keys.Encode(k)))
	return v, err
}

// Clear removes all entries.
func (t *TypedMap[K, V]) Clear() error {
	return t.m.Clear()
}

// Size returns the number of entries.
func (t *TypedMap[K, V]) Size() (int64, error) {
	return t.m.Size()
}

// FirstKey returns the smallest key.
func (t *TypedMap[K, V]) FirstKey() (K, error) {
	return t.key(t.m.FirstKey())
}

// LastKey returns the largest key.
func (t *TypedMap[K, V]) LastKey() (K, error) {
	return t.key(t.m.LastKey())
}

// FloorKey returns the largest key less than or equal to k.
func (t *TypedMap[K, V]) FloorKey(k K) (K, error) {
	return t.key(t.m.FloorKey(t.keys.Encode(k)))
}

// CeilingKey returns the smallest key greater than or equal to k.
func (t *TypedMap[K, V]) CeilingKey(k K) (K, error) {
	return t.key(t.m.CeilingKey(t.keys.Encode(k)))
}

// HigherKey returns the smallest key strictly greater than k.
func (t *TypedMap[K, V]) HigherKey(k K) (K, error) {
	return t.key(t.m.HigherKey(t.keys.Encode(k)))
}

// LowerKey returns the largest key strictly less than k.
func (t *TypedMap[K, V]) LowerKey(k K) (K, error) {
	return t.key(t.m.LowerKey(t.keys.Encode(k)))
}

// Keys returns the keys greater than or equal to from in ascending order.
func (t *TypedMap[K, V]) Keys(from K) ([]K, error) {
	it, err := t.m.KeyIterator(t.keys.Encode(from))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []K
	for it.Next() {
		k, err := t.keys.Decode(it.Key())
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, it.Err()
}

// OpenVersion returns a read-only view of the map as committed in version.
func (t *TypedMap[K, V]) OpenVersion(version uint64) (*TypedMap[K, V], error) {
	m, err := t.m.OpenVersion(version)
	if err != nil {
		return nil, err
	}
	return NewTypedMap(m, t.keys, t.values), nil
}
