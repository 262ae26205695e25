package mvstore

import (
	"sort"
	"time"

	"github.com/KilimcininKorOglu/mvdb/internal/fault"
	"github.com/KilimcininKorOglu/mvdb/internal/storage"
)

// Compact rewrites the live pages of chunks whose fill rate is below
// targetFillRate into a new chunk, moving at most maxBytesToMove live
// bytes, and commits. Chunks left without live pages are reclaimed once
// no retained or pinned version needs them. Only one compaction runs at a
// time; Compact returns false when another one is in progress or there
// was nothing to do.
func (s *Store) Compact(targetFillRate int, maxBytesToMove int64) (bool, error) {
	if targetFillRate < 0 || targetFillRate > 100 {
		return false, fault.InvalidArgument("fill rate %d out of range", targetFillRate)
	}
	if err := s.checkWritable(); err != nil {
		return false, err
	}
	if !s.compactMu.TryLock() {
		return false, nil
	}
	defer s.compactMu.Unlock()

	targets := s.compactionTargets(targetFillRate, maxBytesToMove)
	if len(targets) == 0 {
		if !s.hasReclaimable() {
			return false, nil
		}
		return true, s.reclaim()
	}

	moved, err := s.rewriteChunks(targets)
	if err != nil {
		return false, err
	}

	s.pendingMu.Lock()
	if s.rewrite == nil {
		s.rewrite = make(map[uint32]bool)
	}
	for id := range targets {
		s.rewrite[id] = true
	}
	s.forceCommit = true
	s.pendingMu.Unlock()

	if _, err := s.Commit(); err != nil {
		return false, err
	}
	s.compactions.Add(1)
	s.log.Info("compacted", "chunks", len(targets), "maps", moved, "fillRate", s.chunksFillRate())

	if s.hasReclaimable() {
		return true, s.reclaim()
	}
	return true, nil
}

// compactionTargets picks the chunks to rewrite, lowest fill rate first,
// within the byte budget. The newest chunk is never picked.
func (s *Store) compactionTargets(targetFillRate int, maxBytes int64) map[uint32]bool {
	latest := s.file.LatestChunk()
	var candidates []*storage.Chunk
	for _, c := range s.file.Chunks() {
		if !c.IsLive() || c.FillRate() >= targetFillRate {
			continue
		}
		if latest != nil && c.ID == latest.ID {
			continue
		}
		candidates = append(candidates, c)
	}
	storage.SortChunksByFillRate(candidates)

	targets := make(map[uint32]bool)
	var moved int64
	for _, c := range candidates {
		if len(targets) > 0 && moved+c.MaxLenLive > maxBytes {
			break
		}
		moved += c.MaxLenLive
		targets[c.ID] = true
	}
	return targets
}

// rewriteChunks copies the live pages of every map stored in targets,
// opening maps as needed. It returns the number of maps that moved pages.
func (s *Store) rewriteChunks(targets map[uint32]bool) (int, error) {
	names, err := s.mapIDs()
	if err != nil {
		return 0, err
	}
	ids := make([]uint32, 0, len(names))
	for id := range names {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	moved := 0
	for _, id := range ids {
		m, err := s.openMapByID(id, names[id])
		if err != nil {
			return moved, err
		}
		if m.removed.Load() {
			continue
		}
		changed, err := m.rewrite(targets)
		if err != nil {
			return moved, err
		}
		if changed {
			moved++
		}
	}

	changed, err := s.meta.rewrite(targets)
	if err != nil {
		return moved, err
	}
	if changed {
		moved++
	}
	return moved, nil
}

// hasReclaimable reports whether the next commit would free a chunk.
func (s *Store) hasReclaimable() bool {
	chunks := make(map[uint32]*storage.Chunk)
	for _, c := range s.file.Chunks() {
		chunks[c.ID] = c
	}
	oldest := s.oldestForCommit(s.currentVersion.Load(), time.Now().UnixMilli(), chunks)
	for _, c := range chunks {
		if c.Unused != 0 && c.Unused <= oldest {
			return true
		}
	}
	return false
}

// reclaim forces a commit so that dead chunks past retention are freed.
func (s *Store) reclaim() error {
	s.pendingMu.Lock()
	s.forceCommit = true
	s.pendingMu.Unlock()
	_, err := s.Commit()
	return err
}

// chunksFillRate returns the percentage of chunk bytes that are live.
func (s *Store) chunksFillRate() int {
	var total, live int64
	for _, c := range s.file.Chunks() {
		total += c.MaxLen
		live += c.MaxLenLive
	}
	if total == 0 {
		return 100
	}
	return int(live * 100 / total)
}
