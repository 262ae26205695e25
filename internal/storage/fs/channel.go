// Package fs provides the file channel used by the chunk store and the
// strategies for opening it.
//
// A store file name may carry scheme prefixes that select the open strategy
// and the file system:
//
//	retry:data/app.mv     open with bounded retries on transient errors
//	async:data/app.mv     open in the background, I/O on a worker goroutine
//	memFS:test            in-process memory file, survives Close until removed
//
// Prefixes can be combined, for example "retry:memFS:test".
//
// A file opened for writing is locked exclusively: within the process by a
// lock table, and across processes by an advisory flock on systems that
// support it. Read-only opens take no lock.
package fs

//go:generate mockgen -destination=mocks/channel_mock.go -package=mocks github.com/KilimcininKorOglu/mvdb/internal/storage/fs Channel

import (
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Channel is random access storage for one store file.
type Channel interface {
	// ReadAt reads len(p) bytes at offset off.
	ReadAt(p []byte, off int64) (int, error)
	// WriteAt writes p at offset off, growing the file when needed.
	WriteAt(p []byte, off int64) (int, error)
	// Truncate changes the size of the file.
	Truncate(size int64) error
	// Sync flushes written data to stable storage.
	Sync() error
	// Size returns the current file size.
	Size() (int64, error)
	// Close releases the channel.
	Close() error
}

// FileSystem opens channels by path.
type FileSystem interface {
	// Open opens or creates the file at path.
	Open(path string, readOnly bool) (Channel, error)
	// Exists reports whether the file at path exists.
	Exists(path string) bool
	// Remove deletes the file at path.
	Remove(path string) error
}

// OpenMode selects how a channel is opened.
type OpenMode int

const (
	// ModeDirect opens the file once and surfaces any error.
	ModeDirect OpenMode = iota
	// ModeRetrying reattempts transient failures a bounded number of times.
	ModeRetrying
	// ModeAsync opens in the background and runs I/O on a worker goroutine.
	ModeAsync
)

// String returns the name of the open mode.
func (m OpenMode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeRetrying:
		return "retrying"
	case ModeAsync:
		return "async"
	default:
		return "unknown"
	}
}

// ParseOpenMode parses an open mode name.
func ParseOpenMode(s string) (OpenMode, error) {
	switch strings.ToLower(s) {
	case "", "direct":
		return ModeDirect, nil
	case "retry", "retrying":
		return ModeRetrying, nil
	case "async":
		return ModeAsync, nil
	default:
		return ModeDirect, errors.Newf("unknown open mode %q", s)
	}
}

// Scheme prefixes recognised in store file names.
const (
	PrefixRetry = "retry:"
	PrefixAsync = "async:"
	PrefixMem   = "memFS:"
)

// Name is a parsed store file name.
type Name struct {
	Path   string
	Mode   OpenMode
	Memory bool
	// Prefixed is true when the mode came from a prefix.
	Prefixed bool
}

// ParseName strips scheme prefixes from name.
func ParseName(name string) Name {
	n := Name{Path: name}
	for {
		switch {
		case strings.HasPrefix(n.Path, PrefixRetry):
			n.Path = n.Path[len(PrefixRetry):]
			n.Mode = ModeRetrying
			n.Prefixed = true
		case strings.HasPrefix(n.Path, PrefixAsync):
			n.Path = n.Path[len(PrefixAsync):]
			n.Mode = ModeAsync
			n.Prefixed = true
		case strings.HasPrefix(n.Path, PrefixMem):
			n.Path = n.Path[len(PrefixMem):]
			n.Memory = true
		default:
			return n
		}
	}
}

// ErrLocked is returned when a store file is already open for writing.
var ErrLocked = errors.New("file is locked by another store")

var locks struct {
	sync.Mutex
	held map[string]bool
}

func lock(key string) error {
	locks.Lock()
	defer locks.Unlock()
	if locks.held == nil {
		locks.held = make(map[string]bool)
	}
	if locks.held[key] {
		return errors.Wrapf(ErrLocked, "%s", key)
	}
	locks.held[key] = true
	return nil
}

func unlock(key string) {
	locks.Lock()
	defer locks.Unlock()
	delete(locks.held, key)
}

// Disk is the operating system file system.
type Disk struct{}

// Open opens or creates path.
func (Disk) Open(path string, readOnly bool) (Channel, error) {
	key := "disk:" + path
	if !readOnly {
		if err := lock(key); err != nil {
			return nil, err
		}
	}

	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		if !readOnly {
			unlock(key)
		}
		return nil, err
	}
	if !readOnly {
		if err := lockFile(f); err != nil {
			_ = f.Close()
			unlock(key)
			return nil, err
		}
	}
	return &fileChannel{f: f, lockKey: key, locked: !readOnly}, nil
}

// Exists reports whether path exists.
func (Disk) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes path.
func (Disk) Remove(path string) error {
	return os.Remove(path)
}

// fileChannel is a Channel over an *os.File.
type fileChannel struct {
	f       *os.File
	lockKey string
	locked  bool
	once    sync.Once
}

func (c *fileChannel) ReadAt(p []byte, off int64) (int, error)  { return c.f.ReadAt(p, off) }
func (c *fileChannel) WriteAt(p []byte, off int64) (int, error) { return c.f.WriteAt(p, off) }
func (c *fileChannel) Truncate(size int64) error                { return c.f.Truncate(size) }
func (c *fileChannel) Sync() error                              { return c.f.Sync() }

func (c *fileChannel) Size() (int64, error) {
	info, err := c.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (c *fileChannel) Close() error {
	err := c.f.Close()
	c.once.Do(func() {
		if c.locked {
			unlock(c.lockKey)
		}
	})
	return err
}
