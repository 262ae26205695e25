// Package storage manages the store file: headers, chunks, free space and
// the page cache.
//
// # File Layout
//
// The file is a sequence of 4 KiB blocks. The first two blocks hold copies
// of the store header; commits alternate between them so a torn header
// write leaves the other copy valid. Every later block belongs to a chunk
// or is free.
//
//	+----------+----------+---------+---------+------+---------+
//	| header 0 | header 1 | chunk 1 | chunk 2 | free | chunk 4 |
//	+----------+----------+---------+---------+------+---------+
//
// # Chunks
//
// A commit writes one chunk: a fixed header, the serialized pages of every
// changed map and a footer repeating the chunk id, block and length. The
// store header names only the newest chunk. Metadata for all chunks lives
// in the layout map of that chunk, encoded as JSON under "chunk.<id>"
// keys, with map roots under "root.<id>".
//
// Pages are addressed by a Pos that combines the chunk id with the page
// offset inside the chunk:
//
//	pos := storage.NewPos(c.ID, offset)
//	data, err := fs.ReadPage(pos)
//
// # Free Space
//
// Chunks whose pages are no longer reachable from any retained version are
// reclaimed; FreeSpace merges their blocks back into free runs and the
// next chunk is placed in the first run large enough to hold it.
//
// # Opening Files
//
// OpenFileStore takes a name with an optional scheme prefix selecting the
// channel implementation from package fs:
//
//	fs, err := storage.OpenFileStore(ctx, "retry:data.mv", storage.FileStoreOptions{})
//
// An empty name keeps the whole file in memory.
package storage
