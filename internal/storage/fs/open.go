package fs

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/mvdb/internal/logging"
)

// Default retry settings for ModeRetrying.
const (
	DefaultRetryAttempts = 5
	DefaultRetryBackoff  = time.Millisecond
	maxRetryBackoff      = 250 * time.Millisecond
)

// OpenOptions configures Open.
type OpenOptions struct {
	// Mode is the open strategy. A scheme prefix in the name takes precedence.
	Mode OpenMode
	// ReadOnly opens the file without write access and without locking it.
	ReadOnly bool
	// RetryAttempts bounds the attempts of ModeRetrying.
	RetryAttempts int
	// RetryBackoff is the first delay between attempts; it doubles each time.
	RetryBackoff time.Duration
	// FileSystem overrides the file system selected by the name.
	FileSystem FileSystem
	// Logger receives retry and open diagnostics.
	Logger logging.Logger
}

func (o OpenOptions) withDefaults(n Name) OpenOptions {
	if n.Prefixed {
		o.Mode = n.Mode
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.FileSystem == nil {
		if n.Memory {
			o.FileSystem = Mem{}
		} else {
			o.FileSystem = Disk{}
		}
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	return o
}

var errTransient = errors.New("transient failure")

// Transient marks err as a transient failure that ModeRetrying may retry.
func Transient(err error) error {
	return errors.Mark(err, errTransient)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errTransient) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINTR || errno == syscall.EAGAIN || errno == syscall.EBUSY
	}
	return false
}

// Open opens the channel for name using the configured strategy.
func Open(ctx context.Context, name string, opts OpenOptions) (Channel, error) {
	n := ParseName(name)
	opts = opts.withDefaults(n)

	switch opts.Mode {
	case ModeRetrying:
		return openRetrying(ctx, n.Path, opts)
	case ModeAsync:
		return OpenAsync(n.Path, opts).Wait(ctx)
	default:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return opts.FileSystem.Open(n.Path, opts.ReadOnly)
	}
}

// retry runs op until it succeeds, fails permanently or the attempts are
// used up.
func retry(ctx context.Context, opts OpenOptions, what string, op func() error) error {
	backoff := opts.RetryBackoff
	var err error
	for attempt := 1; attempt <= opts.RetryAttempts; attempt++ {
		if err = op(); err == nil || !IsTransient(err) {
			return err
		}
		opts.Logger.Warn("transient failure", "op", what, "attempt", attempt, "error", err)
		if attempt == opts.RetryAttempts {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if backoff *= 2; backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
	return errors.Wrapf(err, "%s failed after %d attempts", what, opts.RetryAttempts)
}

func openRetrying(ctx context.Context, path string, opts OpenOptions) (Channel, error) {
	c := &retryChannel{path: path, opts: opts}
	err := retry(ctx, opts, "open", func() error {
		ch, err := opts.FileSystem.Open(path, opts.ReadOnly)
		if err != nil {
			return err
		}
		c.inner = ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// retryChannel retries transient I/O failures and reopens the file once
// when the underlying handle was closed beneath it.
type retryChannel struct {
	mu    sync.RWMutex
	path  string
	opts  OpenOptions
	inner Channel
}

func (c *retryChannel) call(what string, op func(ch Channel) error) error {
	c.mu.RLock()
	ch := c.inner
	c.mu.RUnlock()

	err := retry(context.Background(), c.opts, what, func() error { return op(ch) })
	if err == nil || !errors.Is(err, os.ErrClosed) {
		return err
	}

	c.mu.Lock()
	if c.inner == ch {
		_ = ch.Close()
		reopened, openErr := c.opts.FileSystem.Open(c.path, c.opts.ReadOnly)
		if openErr != nil {
			c.mu.Unlock()
			return errors.CombineErrors(err, openErr)
		}
		c.opts.Logger.Info("reopened file", "path", c.path)
		c.inner = reopened
	}
	ch = c.inner
	c.mu.Unlock()
	return retry(context.Background(), c.opts, what, func() error { return op(ch) })
}

func (c *retryChannel) ReadAt(p []byte, off int64) (n int, err error) {
	err = c.call("read", func(ch Channel) error {
		n, err = ch.ReadAt(p, off)
		if err == io.EOF && n == len(p) {
			return nil
		}
		return err
	})
	return n, err
}

func (c *retryChannel) WriteAt(p []byte, off int64) (n int, err error) {
	err = c.call("write", func(ch Channel) error {
		n, err = ch.WriteAt(p, off)
		return err
	})
	return n, err
}

func (c *retryChannel) Truncate(size int64) error {
	return c.call("truncate", func(ch Channel) error { return ch.Truncate(size) })
}

func (c *retryChannel) Sync() error {
	return c.call("sync", func(ch Channel) error { return ch.Sync() })
}

func (c *retryChannel) Size() (size int64, err error) {
	err = c.call("size", func(ch Channel) error {
		size, err = ch.Size()
		return err
	})
	return size, err
}

func (c *retryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Close()
}

// Pending is an open running in the background.
type Pending struct {
	done chan struct{}
	ch   Channel
	err  error
}

// OpenAsync starts opening path and returns immediately. The resulting
// channel performs its I/O on a dedicated worker goroutine.
func OpenAsync(path string, opts OpenOptions) *Pending {
	opts = opts.withDefaults(Name{Path: path})
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		ch, err := opts.FileSystem.Open(path, opts.ReadOnly)
		if err != nil {
			p.err = err
			return
		}
		p.ch = newAsyncChannel(ch)
	}()
	return p
}

// Done is closed when the open has completed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome; it must only be called after Done is closed.
func (p *Pending) Result() (Channel, error) {
	return p.ch, p.err
}

// Wait blocks until the open completes or ctx is done. When ctx ends first
// the channel is closed as soon as the open finishes.
func (p *Pending) Wait(ctx context.Context) (Channel, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		go func() {
			<-p.done
			if p.ch != nil {
				_ = p.ch.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// asyncChannel serialises all I/O of inner through one worker goroutine.
type asyncChannel struct {
	inner  Channel
	mu     sync.RWMutex
	closed bool
	reqs   chan func()
	done   chan struct{}
}

func newAsyncChannel(inner Channel) *asyncChannel {
	c := &asyncChannel{
		inner: inner,
		reqs:  make(chan func(), 16),
		done:  make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *asyncChannel) run() {
	defer close(c.done)
	for fn := range c.reqs {
		fn()
	}
}

func (c *asyncChannel) do(fn func()) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return os.ErrClosed
	}
	finished := make(chan struct{})
	c.reqs <- func() {
		defer close(finished)
		fn()
	}
	c.mu.RUnlock()
	<-finished
	return nil
}

func (c *asyncChannel) ReadAt(p []byte, off int64) (n int, err error) {
	if doErr := c.do(func() { n, err = c.inner.ReadAt(p, off) }); doErr != nil {
		return 0, doErr
	}
	return n, err
}

func (c *asyncChannel) WriteAt(p []byte, off int64) (n int, err error) {
	if doErr := c.do(func() { n, err = c.inner.WriteAt(p, off) }); doErr != nil {
		return 0, doErr
	}
	return n, err
}

func (c *asyncChannel) Truncate(size int64) (err error) {
	if doErr := c.do(func() { err = c.inner.Truncate(size) }); doErr != nil {
		return doErr
	}
	return err
}

func (c *asyncChannel) Sync() (err error) {
	if doErr := c.do(func() { err = c.inner.Sync() }); doErr != nil {
		return doErr
	}
	return err
}

func (c *asyncChannel) Size() (size int64, err error) {
	if doErr := c.do(func() { size, err = c.inner.Size() }); doErr != nil {
		return 0, doErr
	}
	return size, err
}

func (c *asyncChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.reqs)
	c.mu.Unlock()

	<-c.done
	return c.inner.Close()
}
