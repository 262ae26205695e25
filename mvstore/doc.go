// Package mvstore implements an embedded multi-version key-value store.
//
// A Store holds named maps of byte keys to byte values. Each map is a
// copy-on-write B-tree; Commit writes the pages changed since the previous
// commit as one chunk at the end of the store file and then switches the
// store header to it, so a crash leaves either the old or the new version.
//
// # Versions
//
// Every commit produces a new version. A map can be opened as it was at
// any version still retained:
//
//	v, err := store.Commit()
//	...
//	view, err := m.OpenVersion(v)
//
// The retention window covers the newest VersionsToKeep versions and all
// versions superseded less than RetentionTime ago. RegisterVersionUsage
// pins a version beyond the window until the token is released.
//
// # Space Reuse
//
// A chunk is freed once none of its pages is reachable from a retained or
// pinned version. Compact copies the live pages of sparsely used chunks
// into a new chunk so that those chunks can be freed as well. With an
// auto-commit delay set, a background goroutine commits pending changes
// and compacts when the live fill rate of the file drops below
// AutoCompactFillRate.
//
// # Concurrency
//
// Maps may be read and written from any goroutine. Writers of one map are
// serialised; writers of different maps proceed in parallel. Readers never
// block and see the latest state of the map, or the fixed state of a
// version view.
package mvstore
