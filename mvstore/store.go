package mvstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/mvdb/internal/backup"
	"github.com/KilimcininKorOglu/mvdb/internal/fault"
	"github.com/KilimcininKorOglu/mvdb/internal/logging"
	"github.com/KilimcininKorOglu/mvdb/internal/storage"
	"github.com/KilimcininKorOglu/mvdb/internal/storage/btree"
)

// Reserved map ids.
const (
	layoutMapID uint32 = 0
	metaMapID   uint32 = 1
	firstMapID  uint32 = 2
)

// Meta map keys.
const (
	metaNamePrefix      = "name."
	metaMapPrefix       = "map."
	metaStoreVersionKey = "setting.storeVersion"
)

// State is the lifecycle state of a store.
type State int32

// Store states.
const (
	StateOpen State = iota
	StateClosing
	StateClosed
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// snapshot is one committed version held in memory.
type snapshot struct {
	version uint64
	time    int64
	layout  *btree.Page
	roots   map[uint32]*btree.Page
}

// Store is a multi-version key-value store made of named maps. Changes to
// the maps are made durable together by Commit.
type Store struct {
	opts Options
	log  logging.Logger
	cfg  btree.Config

	file   *storage.FileStore
	reader *btree.FileReader

	state   atomic.Int32
	failure atomic.Pointer[error]

	// gate orders map mutations (read side) against the root capture of a
	// commit (write side). inFlight is guarded by gate.
	gate     sync.RWMutex
	inFlight bool

	commitMu  sync.Mutex
	compactMu sync.Mutex

	currentVersion atomic.Uint64
	lastCommitted  atomic.Uint64
	reclaimedBelow atomic.Uint64
	retainedFrom   atomic.Uint64
	nextMapID      atomic.Uint32
	nextChunkID    uint32

	// pendingMu guards the changes collected for the next commit.
	pendingMu    sync.Mutex
	removals     []btree.Removal
	dropped      []uint32
	rewrite      map[uint32]bool
	forceCommit  bool
	unsavedBytes int64
	firstChange  int64

	layout atomic.Pointer[btree.Page]

	mapsMu sync.RWMutex
	maps   map[uint32]*Map
	meta   *Map

	historyMu sync.RWMutex
	history   []snapshot

	versions *versionRegistry

	versionsToKeep  atomic.Int64
	retentionTime   atomic.Int64
	autoCommitDelay atomic.Int64

	bgMu sync.Mutex
	bg   *background

	commits     atomic.Int64
	compactions atomic.Int64
}

// Open opens the store described by opts, creating it when the file does
// not exist.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	file, err := storage.OpenFileStore(ctx, opts.FileName, opts.fileStoreOptions())
	if err != nil {
		return nil, err
	}

	s := &Store{
		opts:     opts,
		log:      opts.Logger.WithFields("store", opts.FileName),
		cfg:      opts.treeConfig(),
		file:     file,
		reader:   btree.NewFileReader(file),
		maps:     make(map[uint32]*Map),
		versions: newVersionRegistry(),
	}
	s.versionsToKeep.Store(int64(opts.VersionsToKeep))
	s.retentionTime.Store(int64(opts.RetentionTime))
	s.autoCommitDelay.Store(int64(opts.AutoCommitDelay))

	if err := s.load(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if !opts.ReadOnly && opts.AutoCommitDelay > 0 {
		s.startBackground()
	}

	s.log.Info("store opened",
		"version", s.lastCommitted.Load(),
		"chunks", file.ChunkCount(),
		"size", file.Size())
	return s, nil
}

// OpenMemory opens a store that lives in memory only.
func OpenMemory() (*Store, error) {
	return Open(context.Background(), DefaultOptions())
}

// load reads the layout of the newest chunk, or initialises a new store.
func (s *Store) load() error {
	latest := s.file.LatestChunk()
	if latest == nil {
		s.layout.Store(btree.NewEmpty(layoutMapID))
		s.nextMapID.Store(firstMapID)
		s.nextChunkID = 1
		s.currentVersion.Store(1)
		s.meta = s.newMap(metaMapID, "", btree.NewEmpty(metaMapID))
		s.history = []snapshot{{
			version: 0,
			time:    time.Now().UnixMilli(),
			layout:  s.layout.Load(),
			roots:   map[uint32]*btree.Page{},
		}}
		if s.opts.StoreVersion != 0 {
			return s.SetStoreVersion(s.opts.StoreVersion)
		}
		return nil
	}

	layout, err := s.reader.ReadPage(latest.LayoutRoot)
	if err != nil {
		return fault.Corrupt(err, "read layout of chunk %x", latest.ID)
	}

	chunks := []*storage.Chunk{latest}
	size := s.file.Size()
	cur := btree.NewCursor(s.reader, layout, []byte(storage.ChunkKeyPrefix))
	for {
		k, v, ok := cur.Next()
		if !ok {
			break
		}
		id, isChunk := storage.ParseChunkKey(string(k))
		if !isChunk {
			break
		}
		if id == latest.ID {
			continue
		}
		c, err := storage.UnmarshalChunkMeta(v)
		if err != nil {
			return err
		}
		if int64(c.Block)*storage.BlockSize+int64(c.Len) > size {
			return fault.Corrupt(nil, "chunk %x extends past the end of the file", c.ID)
		}
		chunks = append(chunks, c)
	}
	if err := cur.Err(); err != nil {
		return fault.Corrupt(err, "read layout")
	}
	s.file.Load(chunks)

	s.layout.Store(layout)
	s.nextMapID.Store(latest.NextMapID)
	s.nextChunkID = latest.ID + 1
	s.currentVersion.Store(latest.Version + 1)
	s.lastCommitted.Store(latest.Version)
	s.reclaimedBelow.Store(latest.ReclaimedBelow)
	s.retainedFrom.Store(latest.ReclaimedBelow)

	metaRoot, _, err := s.loadRoot(layout, metaMapID)
	if err != nil {
		return err
	}
	s.meta = s.newMap(metaMapID, "", metaRoot)
	s.history = []snapshot{{
		version: latest.Version,
		time:    latest.Time,
		layout:  layout,
		roots:   map[uint32]*btree.Page{metaMapID: metaRoot},
	}}
	return nil
}

// loadRoot reads the root of map id recorded in layout. A map without a
// recorded root gets an empty root and false.
func (s *Store) loadRoot(layout *btree.Page, id uint32) (*btree.Page, bool, error) {
	v, found, err := btree.Get(s.reader, layout, []byte(storage.RootKey(id)))
	if err != nil {
		return nil, false, err
	}
	if !found {
		return btree.NewEmpty(id), false, nil
	}
	pos, err := storage.ParsePos(string(v))
	if err != nil {
		return nil, false, fault.Corrupt(err, "root of map %x", id)
	}
	root, err := s.reader.ReadPage(pos)
	if err != nil {
		return nil, false, err
	}
	return root, true, nil
}

func (s *Store) newMap(id uint32, name string, root *btree.Page) *Map {
	m := &Map{store: s, id: id, name: name}
	m.root.Store(root)
	s.mapsMu.Lock()
	s.maps[id] = m
	s.mapsMu.Unlock()
	return m
}

// State returns the lifecycle state.
func (s *Store) State() State {
	return State(s.state.Load())
}

func (s *Store) checkOpen() error {
	switch State(s.state.Load()) {
	case StateClosing, StateClosed:
		return errors.Wrap(fault.ErrClosed, "store")
	case StateFailed:
		return s.failed()
	}
	return nil
}

func (s *Store) checkReadable() error {
	if State(s.state.Load()) == StateClosed {
		return errors.Wrap(fault.ErrClosed, "store")
	}
	return nil
}

func (s *Store) checkWritable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.opts.ReadOnly {
		return errors.Wrap(fault.ErrReadOnly, "store opened read-only")
	}
	return nil
}

// failed returns the error that moved the store to StateFailed.
func (s *Store) failed() error {
	if p := s.failure.Load(); p != nil {
		return errors.Wrap(*p, "store failed")
	}
	return errors.Wrap(fault.ErrWriteFailed, "store failed")
}

// fail moves the store to StateFailed. Later writes report err.
func (s *Store) fail(err error) {
	if !errors.Is(err, fault.ErrWriteFailed) {
		err = errors.Mark(err, fault.ErrWriteFailed)
	}
	s.failure.CompareAndSwap(nil, &err)
	s.state.Store(int32(StateFailed))
	s.log.Error("store failed", "error", err)
}

// apply runs one copy-on-write change against the current root of m and
// records the replaced pages for the next commit. The caller holds m.mu.
func (s *Store) apply(m *Map, fn func(mut *btree.Mutation, root *btree.Page) (*btree.Page, error)) error {
	s.gate.RLock()
	defer s.gate.RUnlock()

	if err := s.checkWritable(); err != nil {
		return err
	}

	mut := btree.NewMutation(s.cfg, s.reader)
	mut.TrackUnsaved = s.inFlight
	root := m.root.Load()
	next, err := fn(mut, root)
	if err != nil {
		return err
	}
	if next == root {
		return nil
	}
	m.root.Store(next)

	s.pendingMu.Lock()
	s.removals = append(s.removals, mut.Removed()...)
	s.unsavedBytes += int64(mut.Added())
	if s.firstChange == 0 {
		s.firstChange = time.Now().UnixNano()
	}
	s.pendingMu.Unlock()
	return nil
}

// OpenMap opens the named map, creating it when it does not exist.
func (s *Store) OpenMap(name string) (*Map, error) {
	if name == "" {
		return nil, fault.InvalidArgument("map name is empty")
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	// meta.mu serialises map creation.
	s.meta.mu.Lock()
	defer s.meta.mu.Unlock()

	id, found, err := s.mapID(name)
	if err != nil {
		return nil, err
	}
	if found {
		return s.openMapByID(id, name)
	}

	if s.opts.ReadOnly {
		return nil, errors.Wrapf(fault.ErrReadOnly, "create map %q", name)
	}
	id = s.nextMapID.Add(1) - 1
	hexID := strconv.FormatUint(uint64(id), 16)
	err = s.apply(s.meta, func(mut *btree.Mutation, root *btree.Page) (*btree.Page, error) {
		root, _, _, err := mut.Put(root, []byte(metaNamePrefix+name), []byte(hexID))
		if err != nil {
			return nil, err
		}
		root, _, _, err = mut.Put(root, []byte(metaMapPrefix+hexID), []byte(name))
		return root, err
	})
	if err != nil {
		return nil, err
	}
	m := s.newMap(id, name, btree.NewEmpty(id))
	s.log.Debug("map created", "map", name, "id", id)
	return m, nil
}

// openMapByID returns the open handle of map id, loading its root from the
// committed layout when it is not open yet.
func (s *Store) openMapByID(id uint32, name string) (*Map, error) {
	s.mapsMu.RLock()
	m, ok := s.maps[id]
	s.mapsMu.RUnlock()
	if ok {
		return m, nil
	}

	s.mapsMu.Lock()
	defer s.mapsMu.Unlock()
	if m, ok := s.maps[id]; ok {
		return m, nil
	}
	root, _, err := s.loadRoot(s.layout.Load(), id)
	if err != nil {
		return nil, err
	}
	m = &Map{store: s, id: id, name: name}
	m.root.Store(root)
	s.maps[id] = m
	return m, nil
}

// mapID looks up the id of the named map in the meta map.
func (s *Store) mapID(name string) (uint32, bool, error) {
	v, found, err := btree.Get(s.reader, s.meta.root.Load(), []byte(metaNamePrefix+name))
	if err != nil || !found {
		return 0, false, err
	}
	id, err := strconv.ParseUint(string(v), 16, 32)
	if err != nil {
		return 0, false, fault.Corrupt(err, "id of map %q", name)
	}
	return uint32(id), true, nil
}

// HasMap reports whether the named map exists.
func (s *Store) HasMap(name string) (bool, error) {
	if err := s.checkReadable(); err != nil {
		return false, err
	}
	_, found, err := s.mapID(name)
	return found, err
}

// MapNames returns the names of all maps in ascending order.
func (s *Store) MapNames() ([]string, error) {
	if err := s.checkReadable(); err != nil {
		return nil, err
	}
	var names []string
	prefix := []byte(metaNamePrefix)
	cur := btree.NewCursor(s.reader, s.meta.root.Load(), prefix)
	for {
		k, _, ok := cur.Next()
		if !ok || !bytes.HasPrefix(k, prefix) {
			break
		}
		names = append(names, string(k[len(prefix):]))
	}
	return names, cur.Err()
}

// mapIDs returns the ids of all maps recorded in the meta map.
func (s *Store) mapIDs() (map[uint32]string, error) {
	ids := make(map[uint32]string)
	prefix := []byte(metaMapPrefix)
	cur := btree.NewCursor(s.reader, s.meta.root.Load(), prefix)
	for {
		k, v, ok := cur.Next()
		if !ok || !bytes.HasPrefix(k, prefix) {
			break
		}
		id, err := strconv.ParseUint(string(k[len(prefix):]), 16, 32)
		if err != nil {
			return nil, fault.Corrupt(err, "meta key %q", k)
		}
		ids[uint32(id)] = string(v)
	}
	return ids, cur.Err()
}

// RemoveMap removes m from the store. Its pages become reclaimable once
// no retained version lists it.
func (s *Store) RemoveMap(m *Map) error {
	if m.store != s || m.id == metaMapID {
		return fault.InvalidArgument("map does not belong to the store")
	}
	if m.readOnly {
		return errors.Wrapf(fault.ErrReadOnly, "remove map %q at version %d", m.name, m.version)
	}

	s.meta.mu.Lock()
	defer s.meta.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removed.Load() {
		return errors.Wrapf(fault.ErrMapRemoved, "map %q", m.name)
	}

	err := s.apply(m, func(mut *btree.Mutation, root *btree.Page) (*btree.Page, error) {
		return mut.Clear(root)
	})
	if err != nil {
		return err
	}
	hexID := strconv.FormatUint(uint64(m.id), 16)
	err = s.apply(s.meta, func(mut *btree.Mutation, root *btree.Page) (*btree.Page, error) {
		root, _, _, err := mut.Remove(root, []byte(metaNamePrefix+m.name))
		if err != nil {
			return nil, err
		}
		root, _, _, err = mut.Remove(root, []byte(metaMapPrefix+hexID))
		return root, err
	})
	if err != nil {
		return err
	}

	s.gate.RLock()
	s.mapsMu.Lock()
	delete(s.maps, m.id)
	s.mapsMu.Unlock()
	s.pendingMu.Lock()
	s.dropped = append(s.dropped, m.id)
	s.pendingMu.Unlock()
	s.gate.RUnlock()

	m.removed.Store(true)
	s.log.Debug("map removed", "map", m.name, "id", m.id)
	return nil
}

// GetCurrentVersion returns the version that the next commit will write.
func (s *Store) GetCurrentVersion() uint64 {
	return s.currentVersion.Load()
}

// GetLastCommittedVersion returns the newest committed version, zero
// before the first commit.
func (s *Store) GetLastCommittedVersion() uint64 {
	return s.lastCommitted.Load()
}

// SetVersionsToKeep sets how many of the newest versions stay readable.
func (s *Store) SetVersionsToKeep(n int) error {
	if n < 0 {
		return fault.InvalidArgument("versions to keep %d is negative", n)
	}
	s.versionsToKeep.Store(int64(n))
	return nil
}

// SetRetentionTime sets how long superseded versions stay readable.
func (s *Store) SetRetentionTime(d time.Duration) error {
	if d < 0 {
		return fault.InvalidArgument("retention time %s is negative", d)
	}
	s.retentionTime.Store(int64(d))
	return nil
}

// SetAutoCommitDelay changes the auto-commit delay. Zero stops the
// background writer.
func (s *Store) SetAutoCommitDelay(d time.Duration) error {
	if d < 0 {
		return fault.InvalidArgument("auto-commit delay %s is negative", d)
	}
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.autoCommitDelay.Store(int64(d))
	if d == 0 {
		s.stopBackground()
	} else {
		s.startBackground()
	}
	return nil
}

// SetStoreVersion stores the user defined version tag. It becomes durable
// with the next commit.
func (s *Store) SetStoreVersion(v int) error {
	s.meta.mu.Lock()
	defer s.meta.mu.Unlock()
	return s.apply(s.meta, func(mut *btree.Mutation, root *btree.Page) (*btree.Page, error) {
		root, _, _, err := mut.Put(root, []byte(metaStoreVersionKey), []byte(strconv.Itoa(v)))
		return root, err
	})
}

// GetStoreVersion returns the user defined version tag, zero when unset.
func (s *Store) GetStoreVersion() (int, error) {
	if err := s.checkReadable(); err != nil {
		return 0, err
	}
	v, found, err := btree.Get(s.reader, s.meta.root.Load(), []byte(metaStoreVersionKey))
	if err != nil || !found {
		return 0, err
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, fault.Corrupt(err, "store version tag")
	}
	return n, nil
}

// GetLayoutMap returns a copy of the committed layout map: chunk metadata
// under "chunk." keys and map roots under "root." keys. The newest chunk
// is included although it is recorded only in the store header.
func (s *Store) GetLayoutMap() (map[string]string, error) {
	if err := s.checkReadable(); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	cur := btree.NewCursor(s.reader, s.layout.Load(), nil)
	for {
		k, v, ok := cur.Next()
		if !ok {
			break
		}
		out[string(k)] = string(v)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if latest := s.file.LatestChunk(); latest != nil {
		meta, err := latest.MarshalMeta()
		if err != nil {
			return nil, err
		}
		out[latest.Key()] = string(meta)
	}
	return out, nil
}

// FileStore returns the underlying file store for diagnostics.
func (s *Store) FileStore() *storage.FileStore {
	return s.file
}

// Stats holds store counters.
type Stats struct {
	State                State
	CurrentVersion       uint64
	LastCommittedVersion uint64
	ReclaimedBelow       uint64
	OpenMaps             int
	PinnedVersions       int
	RetainedVersions     int
	UnsavedBytes         int64
	Commits              int64
	Compactions          int64
	ChunksFillRate       int
	File                 storage.FileStats
}

// Stats returns the store counters.
func (s *Store) Stats() Stats {
	s.mapsMu.RLock()
	open := len(s.maps)
	s.mapsMu.RUnlock()
	s.historyMu.RLock()
	retained := len(s.history)
	s.historyMu.RUnlock()
	s.pendingMu.Lock()
	unsaved := s.unsavedBytes
	s.pendingMu.Unlock()

	return Stats{
		State:                s.State(),
		CurrentVersion:       s.currentVersion.Load(),
		LastCommittedVersion: s.lastCommitted.Load(),
		ReclaimedBelow:       s.reclaimedBelow.Load(),
		OpenMaps:             open,
		PinnedVersions:       s.versions.pinned(),
		RetainedVersions:     retained,
		UnsavedBytes:         unsaved,
		Commits:              s.commits.Load(),
		Compactions:          s.compactions.Load(),
		ChunksFillRate:       s.chunksFillRate(),
		File:                 s.file.Stats(),
	}
}

// Close commits pending changes and closes the store. Writes attempted
// once Close has begun fail with ErrClosed.
func (s *Store) Close() error {
	return s.close(true)
}

// CloseImmediately closes the store without committing pending changes.
func (s *Store) CloseImmediately() error {
	return s.close(false)
}

func (s *Store) close(flush bool) error {
	s.stopBackground()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.gate.Lock()
	st := State(s.state.Load())
	if st == StateClosed {
		s.gate.Unlock()
		return nil
	}
	if st == StateOpen {
		s.state.Store(int32(StateClosing))
	}
	s.gate.Unlock()

	var err error
	if flush && st == StateOpen && !s.opts.ReadOnly {
		_, err = s.commitLocked(context.Background(), true)
	}
	s.state.Store(int32(StateClosed))

	if cerr := s.file.Close(); cerr != nil {
		err = errors.CombineErrors(err, cerr)
	}
	s.log.Info("store closed", "version", s.lastCommitted.Load(), "flush", flush)
	return err
}

// sortedIDs returns the keys of roots in ascending order.
func sortedIDs(roots map[uint32]*btree.Page) []uint32 {
	ids := make([]uint32, 0, len(roots))
	for id := range roots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Backup writes an archive of the store file to w. Commits wait while the
// file is copied.
func (s *Store) Backup(w io.Writer, compress bool) (*backup.Stats, error) {
	if err := s.checkReadable(); err != nil {
		return nil, err
	}
	stats, err := backup.Create(w, s.file, backup.Options{Compress: compress})
	if err != nil {
		return nil, err
	}
	s.log.Info("backup written",
		"bytes", stats.Bytes,
		"archiveBytes", stats.ArchiveBytes,
		"compressed", compress)
	return stats, nil
}
