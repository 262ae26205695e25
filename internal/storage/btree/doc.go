// Package btree provides the copy-on-write B-tree that stores the content
// of every map.
//
// # Overview
//
// Pages are immutable once they are reachable from a published root. A
// mutation copies the path from the root to the affected leaf and returns a
// new root, so readers holding an older root keep a consistent view without
// locking:
//
//	m := btree.NewMutation(cfg, reader)
//	root, old, existed, err := m.Put(root, key, value)
//
// Every page that a mutation replaces is recorded in m.Removed(). The store
// uses these records to track how many live bytes each chunk still holds.
//
// # Persistence
//
// A ChunkWriter serializes all unsaved pages reachable from a root in post
// order, so children receive their position before the parent that refers
// to them is encoded. After a commit succeeds, Release drops the in-memory
// pointers to saved children; they are reloaded through a Reader on demand.
//
// # Page Format
//
//	len u32 | crc32 u32 | mapID uvarint | kind u8 | keyCount uvarint |
//	keys (uvarint length + bytes)... |
//	leaf: values (uvarint length + bytes)... |
//	node: children (pos u64, len uvarint, count uvarint, leaf u8)...
package btree
