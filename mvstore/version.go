package mvstore

import (
	"sync"
	"sync/atomic"

	"github.com/KilimcininKorOglu/mvdb/internal/fault"
)

// VersionToken pins a committed version. While any token for a version is
// registered, no chunk that version reads from is reclaimed.
type VersionToken struct {
	version  uint64
	registry *versionRegistry
	released atomic.Bool
}

// Version returns the pinned version.
func (t *VersionToken) Version() uint64 {
	return t.version
}

// Release deregisters the token. Releasing twice is a no-op.
func (t *VersionToken) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	t.registry.deregister(t.version)
}

// versionRegistry reference counts pinned versions. Its lock also orders
// pin registration against the publication of a new committed version.
type versionRegistry struct {
	mu     sync.Mutex
	counts map[uint64]int
}

func newVersionRegistry() *versionRegistry {
	return &versionRegistry{counts: make(map[uint64]int)}
}

// register pins the version returned by pick, which runs under the
// registry lock.
func (r *versionRegistry) register(pick func() (uint64, error)) (*VersionToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := pick()
	if err != nil {
		return nil, err
	}
	r.counts[v]++
	return &VersionToken{version: v, registry: r}, nil
}

func (r *versionRegistry) deregister(v uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := r.counts[v]; n > 1 {
		r.counts[v] = n - 1
		return
	}
	delete(r.counts, v)
}

// locked runs fn under the registry lock.
func (r *versionRegistry) locked(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// oldest returns the oldest pinned version. The caller holds the lock.
func (r *versionRegistry) oldestLocked() (uint64, bool) {
	var (
		oldest uint64
		found  bool
	)
	for v := range r.counts {
		if !found || v < oldest {
			oldest, found = v, true
		}
	}
	return oldest, found
}

// count returns the number of tokens pinning v.
func (r *versionRegistry) count(v uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[v]
}

// countLocked is count for a caller holding the lock.
func (r *versionRegistry) countLocked(v uint64) int {
	return r.counts[v]
}

// pinned returns the number of registered tokens.
func (r *versionRegistry) pinned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.counts {
		n += c
	}
	return n
}

// RegisterVersionUsage pins the last committed version and returns a token
// for it. Until the token is released, maps opened at that version stay
// readable regardless of the retention settings.
func (s *Store) RegisterVersionUsage() (*VersionToken, error) {
	if err := s.checkReadable(); err != nil {
		return nil, err
	}
	return s.versions.register(func() (uint64, error) {
		return s.lastCommitted.Load(), nil
	})
}

// RegisterVersionUsageAt pins version, which must still be readable.
func (s *Store) RegisterVersionUsageAt(version uint64) (*VersionToken, error) {
	if err := s.checkReadable(); err != nil {
		return nil, err
	}
	return s.versions.register(func() (uint64, error) {
		last := s.lastCommitted.Load()
		switch {
		case version > last:
			return 0, fault.VersionUnavailable(version, "not committed")
		case version < s.reclaimedBelow.Load(), version < s.retainedFrom.Load():
			return 0, fault.VersionUnavailable(version, "reclaimed")
		case version != last && s.versions.countLocked(version) == 0 && version < s.oldestToKeep():
			return 0, fault.VersionUnavailable(version, "outside the retention window")
		}
		return version, nil
	})
}

// DeregisterVersionUsage releases t. A nil token is ignored.
func (s *Store) DeregisterVersionUsage(t *VersionToken) {
	t.Release()
}

// WithVersionUsage pins the last committed version while fn runs.
func (s *Store) WithVersionUsage(fn func(version uint64) error) error {
	t, err := s.RegisterVersionUsage()
	if err != nil {
		return err
	}
	defer t.Release()
	return fn(t.Version())
}
