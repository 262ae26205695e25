package mvstore

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/mvdb/internal/fault"
	"github.com/KilimcininKorOglu/mvdb/internal/storage"
	"github.com/KilimcininKorOglu/mvdb/internal/storage/btree"
)

// pendingCommit holds the state captured for one commit.
type pendingCommit struct {
	version     uint64
	roots       map[uint32]*btree.Page
	removals    []btree.Removal
	dropped     []uint32
	rewrite     map[uint32]bool
	force       bool
	unsaved     int64
	firstChange int64
}

// Commit makes all changes since the previous commit durable and returns
// the committed version. Without changes it returns the last committed
// version and writes nothing.
func (s *Store) Commit() (uint64, error) {
	return s.CommitContext(context.Background())
}

// CommitContext is Commit with cancellation. A commit cancelled before its
// store header is written leaves the store open with the changes still
// pending.
func (s *Store) CommitContext(ctx context.Context) (uint64, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.commitLocked(ctx, false)
}

// commitLocked runs a commit; the caller holds commitMu. closing is set by
// Close for the final commit.
func (s *Store) commitLocked(ctx context.Context, closing bool) (uint64, error) {
	switch st := State(s.state.Load()); {
	case st == StateClosing && !closing, st == StateClosed:
		return 0, errors.Wrap(fault.ErrClosed, "commit")
	case st == StateFailed:
		return 0, s.failed()
	}
	if s.opts.ReadOnly {
		return s.lastCommitted.Load(), nil
	}

	pc := s.capture()
	if pc == nil {
		return s.lastCommitted.Load(), nil
	}

	start := time.Now()
	w := btree.NewChunkWriter(s.nextChunkID)
	c, err := s.store(ctx, pc, w)
	if err != nil {
		// Nothing reached the file unless the error is a write failure.
		if !errors.Is(err, fault.ErrWriteFailed) {
			s.abandon(pc, w)
			s.log.Warn("commit abandoned", "version", pc.version, "error", err)
			return 0, err
		}
		s.fail(err)
		return 0, s.failed()
	}

	s.nextChunkID++
	s.commits.Add(1)
	s.log.Debug("commit",
		"version", pc.version,
		"chunk", c.ID,
		"pages", c.PageCount,
		"bytes", c.MaxLen,
		"duration", time.Since(start))
	return pc.version, nil
}

// capture takes the roots of all open maps and the pending changes, and
// moves writers on to the next version. It returns nil when there is
// nothing to commit.
func (s *Store) capture() *pendingCommit {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if s.firstChange == 0 && len(s.dropped) == 0 && len(s.rewrite) == 0 && !s.forceCommit {
		return nil
	}

	s.mapsMu.RLock()
	roots := make(map[uint32]*btree.Page, len(s.maps))
	for id, m := range s.maps {
		roots[id] = m.root.Load()
	}
	s.mapsMu.RUnlock()

	pc := &pendingCommit{
		version:     s.currentVersion.Load(),
		roots:       roots,
		removals:    s.removals,
		dropped:     s.dropped,
		rewrite:     s.rewrite,
		force:       s.forceCommit,
		unsaved:     s.unsavedBytes,
		firstChange: s.firstChange,
	}
	s.removals, s.dropped, s.rewrite = nil, nil, nil
	s.forceCommit = false
	s.unsavedBytes, s.firstChange = 0, 0

	s.currentVersion.Store(pc.version + 1)
	s.inFlight = true
	return pc
}

// abandon returns the changes of a cancelled commit to the pending set.
func (s *Store) abandon(pc *pendingCommit, w *btree.ChunkWriter) {
	w.Rollback()

	s.gate.Lock()
	defer s.gate.Unlock()
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	s.inFlight = false
	s.currentVersion.Store(pc.version)
	s.removals = append(pc.removals, s.removals...)
	s.dropped = append(pc.dropped, s.dropped...)
	for id := range pc.rewrite {
		if s.rewrite == nil {
			s.rewrite = make(map[uint32]bool)
		}
		s.rewrite[id] = true
	}
	s.forceCommit = s.forceCommit || pc.force
	s.unsavedBytes += pc.unsaved
	if s.firstChange == 0 || (pc.firstChange != 0 && pc.firstChange < s.firstChange) {
		s.firstChange = pc.firstChange
	}
}

// store writes the chunk of pc and publishes it.
func (s *Store) store(ctx context.Context, pc *pendingCommit, w *btree.ChunkWriter) (*storage.Chunk, error) {
	now := time.Now().UnixMilli()

	chunks := make(map[uint32]*storage.Chunk)
	for _, c := range s.file.Chunks() {
		chunks[c.ID] = c
	}
	touched := make(map[uint32]bool)
	for _, r := range pc.removals {
		pos, n, ok := r.Resolve()
		if !ok {
			continue
		}
		c, found := chunks[pos.ChunkID()]
		if !found {
			s.log.Warn("removed page in unknown chunk", "pos", pos)
			continue
		}
		c.RemovePage(n, pc.version, now)
		touched[c.ID] = true
	}

	layoutMut := btree.NewMutation(s.cfg, s.reader)
	layout := s.layout.Load()
	put := func(key string, value []byte) error {
		var err error
		layout, _, _, err = layoutMut.Put(layout, []byte(key), value)
		return err
	}
	del := func(key string) error {
		var err error
		layout, _, _, err = layoutMut.Remove(layout, []byte(key))
		return err
	}

	for _, id := range sortedIDs(pc.roots) {
		root := pc.roots[id]
		if root.IsSaved() {
			continue
		}
		pos, err := w.Write(root)
		if err != nil {
			return nil, err
		}
		if err := put(storage.RootKey(id), []byte(pos.Hex())); err != nil {
			return nil, err
		}
	}
	for _, id := range pc.dropped {
		if err := del(storage.RootKey(id)); err != nil {
			return nil, err
		}
	}

	oldest := s.reserveOldest(pc.version, now, chunks)
	reclaimed := s.reclaimedBelow.Load()
	var freed []uint32
	for id, c := range chunks {
		if c.Unused == 0 || c.Unused > oldest {
			continue
		}
		freed = append(freed, id)
		if c.Unused > reclaimed {
			reclaimed = c.Unused
		}
		delete(chunks, id)
		delete(touched, id)
		if err := del(storage.ChunkKey(id)); err != nil {
			return nil, err
		}
	}
	sort.Slice(freed, func(i, j int) bool { return freed[i] < freed[j] })

	// The previously newest chunk is recorded only in the header so far.
	if prev := s.file.LatestChunk(); prev != nil {
		if _, live := chunks[prev.ID]; live {
			touched[prev.ID] = true
		}
	}
	if len(pc.rewrite) > 0 {
		var err error
		layout, _, err = layoutMut.Rewrite(layout, pc.rewrite)
		if err != nil {
			return nil, err
		}
	}

	// Layout pages replaced here are charged to their chunks in this
	// commit. Recording that accounting replaces more layout pages, until
	// every saved page on the changed paths has been copied once.
	charged := 0
	for {
		removed := layoutMut.Removed()
		for _, r := range removed[charged:] {
			pos, n, ok := r.Resolve()
			if !ok {
				continue
			}
			c, found := chunks[pos.ChunkID()]
			if !found {
				s.log.Warn("removed layout page in unknown chunk", "pos", pos)
				continue
			}
			c.RemovePage(n, pc.version, now)
			touched[c.ID] = true
		}
		charged = len(removed)

		for _, id := range sortedChunkIDs(touched) {
			meta, err := chunks[id].MarshalMeta()
			if err != nil {
				return nil, err
			}
			if err := put(storage.ChunkKey(id), meta); err != nil {
				return nil, err
			}
		}
		if len(layoutMut.Removed()) == charged {
			break
		}
	}
	updated := make([]*storage.Chunk, 0, len(touched))
	for _, id := range sortedChunkIDs(touched) {
		updated = append(updated, chunks[id])
	}

	layoutPos, err := w.Write(layout)
	if err != nil {
		return nil, err
	}
	ids, err := btree.Chunks(s.reader, layout)
	if err != nil {
		return nil, err
	}
	var layoutChunks []storage.ChunkRef
	for _, id := range sortedChunkIDs(ids) {
		if id == w.ChunkID() {
			continue
		}
		lc, found := chunks[id]
		if !found {
			return nil, fault.Corrupt(nil, "layout page in reclaimed chunk %x", id)
		}
		layoutChunks = append(layoutChunks, lc.Ref())
	}

	c := &storage.Chunk{
		ID:             w.ChunkID(),
		Version:        pc.version,
		Time:           now,
		PageCount:      w.PageCount(),
		PageCountLive:  w.PageCount(),
		MaxLen:         w.MaxLen(),
		MaxLenLive:     w.MaxLen(),
		LayoutRoot:     layoutPos,
		NextMapID:      s.nextMapID.Load(),
		ReclaimedBelow: reclaimed,
		LayoutChunks:   layoutChunks,
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrapf(err, "commit version %d", pc.version)
	}
	if err := s.file.WriteChunk(c, w.Body()); err != nil {
		return nil, err
	}
	if err := s.file.WriteHeader(c); err != nil {
		return nil, err
	}

	s.versions.locked(func() {
		s.file.Publish(c, updated, freed)
		s.reclaimedBelow.Store(reclaimed)
		s.lastCommitted.Store(pc.version)
	})

	s.gate.Lock()
	s.inFlight = false
	s.layout.Store(layout)
	s.gate.Unlock()

	s.remember(snapshot{version: pc.version, time: now, layout: layout, roots: pc.roots}, oldest)

	cache := s.file.Cache()
	keep := func(pos storage.Pos, p *btree.Page) { cache.Add(pos, p) }
	for _, root := range pc.roots {
		btree.Release(root, keep)
	}
	btree.Release(layout, keep)

	if len(freed) > 0 {
		s.log.Debug("chunks reclaimed", "chunks", len(freed), "reclaimedBelow", reclaimed)
	}
	return c, nil
}

func sortedChunkIDs(set map[uint32]bool) []uint32 {
	ids := make([]uint32, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// reserveOldest computes the oldest version the commit of version must
// keep, and stops new pins below it.
func (s *Store) reserveOldest(version uint64, now int64, chunks map[uint32]*storage.Chunk) uint64 {
	var oldest uint64
	s.versions.locked(func() {
		oldest = s.oldestLocked(version, now, chunks)
		if oldest > s.retainedFrom.Load() {
			s.retainedFrom.Store(oldest)
		}
	})
	return oldest
}

// oldestForCommit returns the oldest version a commit of version would
// keep.
func (s *Store) oldestForCommit(version uint64, now int64, chunks map[uint32]*storage.Chunk) uint64 {
	var oldest uint64
	s.versions.locked(func() {
		oldest = s.oldestLocked(version, now, chunks)
	})
	return oldest
}

// oldestLocked combines the retention window and the pinned versions. The
// previously committed version is always kept since readers may pin it
// until the commit is published. The caller holds the registry lock.
func (s *Store) oldestLocked(version uint64, now int64, chunks map[uint32]*storage.Chunk) uint64 {
	commits := make([]commitTime, 0, len(chunks)+1)
	for _, c := range chunks {
		commits = append(commits, commitTime{version: c.Version, time: c.Time})
	}
	commits = append(commits, commitTime{version: version, time: now})

	oldest := s.windowBound(version, now, commits)
	if version > 0 && oldest > version-1 {
		oldest = version - 1
	}
	if pinned, ok := s.versions.oldestLocked(); ok && pinned < oldest {
		oldest = pinned
	}
	return oldest
}

type commitTime struct {
	version uint64
	time    int64
}

// windowBound returns the oldest version inside the retention window when
// last is the newest version. A version is inside the window while it is
// one of the newest VersionsToKeep versions or while the commit that
// superseded it is younger than RetentionTime.
func (s *Store) windowBound(last uint64, now int64, commits []commitTime) uint64 {
	keep := uint64(s.versionsToKeep.Load())
	bound := uint64(0)
	if last+1 > keep {
		bound = last + 1 - keep
	}
	if bound > last {
		bound = last
	}

	retention := time.Duration(s.retentionTime.Load()).Milliseconds()
	if retention <= 0 {
		return bound
	}
	cutoff := now - retention
	for _, c := range commits {
		if c.version == 0 || c.time <= cutoff {
			continue
		}
		if c.version-1 < bound {
			bound = c.version - 1
		}
	}
	return bound
}

// oldestToKeep returns the oldest version currently guaranteed readable.
func (s *Store) oldestToKeep() uint64 {
	last := s.lastCommitted.Load()
	chunks := s.file.Chunks()
	commits := make([]commitTime, 0, len(chunks))
	for _, c := range chunks {
		commits = append(commits, commitTime{version: c.Version, time: c.Time})
	}
	oldest := s.windowBound(last, time.Now().UnixMilli(), commits)
	if r := s.retainedFrom.Load(); oldest < r {
		oldest = r
	}
	if r := s.reclaimedBelow.Load(); oldest < r {
		oldest = r
	}
	return oldest
}

// remember adds a committed snapshot to the history and drops snapshots
// older than oldest.
func (s *Store) remember(snap snapshot, oldest uint64) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	s.history = append(s.history, snap)
	i := 0
	for i < len(s.history)-1 && s.history[i].version < oldest {
		i++
	}
	if i > 0 {
		s.history = append([]snapshot(nil), s.history[i:]...)
	}
}

// lookupSnapshot returns the in-memory snapshot of version.
func (s *Store) lookupSnapshot(version uint64) (snapshot, bool) {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].version == version {
			return s.history[i], true
		}
	}
	return snapshot{}, false
}

// checkVersion reports whether version can be read.
func (s *Store) checkVersion(version uint64) error {
	last := s.lastCommitted.Load()
	if version > last {
		return fault.VersionUnavailable(version, "not committed")
	}
	if version < s.reclaimedBelow.Load() || version < s.retainedFrom.Load() {
		return fault.VersionUnavailable(version, "reclaimed")
	}
	if version == last || s.versions.count(version) > 0 {
		return nil
	}
	if version < s.oldestToKeep() {
		return fault.VersionUnavailable(version, "outside the retention window")
	}
	return nil
}

// rootAt returns the root of map id as committed in version.
func (s *Store) rootAt(id uint32, version uint64) (*btree.Page, error) {
	if err := s.checkVersion(version); err != nil {
		return nil, err
	}

	var layout *btree.Page
	if snap, ok := s.lookupSnapshot(version); ok {
		if root, ok := snap.roots[id]; ok {
			return root, nil
		}
		layout = snap.layout
	} else {
		c, ok := s.file.ChunkForVersion(version)
		if !ok {
			return nil, fault.VersionUnavailable(version, "no chunk holds the version")
		}
		var err error
		if layout, err = s.reader.ReadPage(c.LayoutRoot); err != nil {
			return nil, err
		}
	}

	root, found, err := s.loadRoot(layout, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fault.VersionUnavailable(version, "map did not exist")
	}
	return root, nil
}

// Rollback discards all changes made since the last commit.
func (s *Store) Rollback() error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if err := s.checkWritable(); err != nil {
		return err
	}

	s.meta.mu.Lock()
	defer s.meta.mu.Unlock()
	s.gate.Lock()
	defer s.gate.Unlock()

	layout := s.layout.Load()
	s.mapsMu.Lock()
	defer s.mapsMu.Unlock()
	for id, m := range s.maps {
		root, found, err := s.loadRoot(layout, id)
		if err != nil {
			return err
		}
		if !found && id != metaMapID {
			delete(s.maps, id)
			m.removed.Store(true)
			continue
		}
		m.root.Store(root)
	}

	s.pendingMu.Lock()
	s.removals, s.dropped = nil, nil
	s.unsavedBytes, s.firstChange = 0, 0
	s.pendingMu.Unlock()
	s.log.Debug("rolled back", "version", s.lastCommitted.Load())
	return nil
}
