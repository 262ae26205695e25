package fs

import (
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
)

// memData is the content of one memory file.
type memData struct {
	mu   sync.RWMutex
	data []byte
}

// Mem is the process wide memory file system. Files outlive the channels
// that opened them until Remove is called, so a store can be closed and
// reopened under the same name.
type Mem struct{}

var memFiles struct {
	sync.Mutex
	files map[string]*memData
}

// Open opens or creates the memory file path.
func (Mem) Open(path string, readOnly bool) (Channel, error) {
	memFiles.Lock()
	defer memFiles.Unlock()

	if memFiles.files == nil {
		memFiles.files = make(map[string]*memData)
	}
	d, ok := memFiles.files[path]
	if !ok {
		if readOnly {
			return nil, errors.Wrapf(os.ErrNotExist, "memFS:%s", path)
		}
		d = &memData{}
		memFiles.files[path] = d
	}

	key := "mem:" + path
	if !readOnly {
		if err := lock(key); err != nil {
			return nil, err
		}
	}
	return &memChannel{d: d, readOnly: readOnly, lockKey: key}, nil
}

// Exists reports whether the memory file path exists.
func (Mem) Exists(path string) bool {
	memFiles.Lock()
	defer memFiles.Unlock()
	_, ok := memFiles.files[path]
	return ok
}

// Remove deletes the memory file path.
func (Mem) Remove(path string) error {
	memFiles.Lock()
	defer memFiles.Unlock()
	if _, ok := memFiles.files[path]; !ok {
		return errors.Wrapf(os.ErrNotExist, "memFS:%s", path)
	}
	delete(memFiles.files, path)
	return nil
}

// NewMemChannel returns an anonymous memory channel that is not registered
// in the memory file system.
func NewMemChannel() Channel {
	return &memChannel{d: &memData{}}
}

type memChannel struct {
	d        *memData
	readOnly bool
	lockKey  string
	closed   bool
	mu       sync.Mutex
}

func (c *memChannel) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return os.ErrClosed
	}
	return nil
}

func (c *memChannel) ReadAt(p []byte, off int64) (int, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	c.d.mu.RLock()
	defer c.d.mu.RUnlock()

	if off >= int64(len(c.d.data)) {
		return 0, io.EOF
	}
	n := copy(p, c.d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (c *memChannel) WriteAt(p []byte, off int64) (int, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if c.readOnly {
		return 0, errors.New("memory file opened read-only")
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()

	end := off + int64(len(p))
	if end > int64(len(c.d.data)) {
		if end > int64(cap(c.d.data)) {
			grown := make([]byte, end, end*2)
			copy(grown, c.d.data)
			c.d.data = grown
		} else {
			c.d.data = c.d.data[:end]
		}
	}
	return copy(c.d.data[off:], p), nil
}

func (c *memChannel) Truncate(size int64) error {
	if err := c.check(); err != nil {
		return err
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()

	if size <= int64(len(c.d.data)) {
		clear(c.d.data[size:])
		c.d.data = c.d.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, c.d.data)
	c.d.data = grown
	return nil
}

func (c *memChannel) Sync() error {
	return c.check()
}

func (c *memChannel) Size() (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	c.d.mu.RLock()
	defer c.d.mu.RUnlock()
	return int64(len(c.d.data)), nil
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.lockKey != "" && !c.readOnly {
		unlock(c.lockKey)
	}
	return nil
}
