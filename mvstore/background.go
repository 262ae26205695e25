package mvstore

import (
	"time"

	"golang.org/x/time/rate"
)

// background runs auto-commit and auto-compaction for a store.
type background struct {
	store *Store

	// stopCh signals the loop to stop.
	stopCh chan struct{}
	// doneCh is closed when the loop has stopped.
	doneCh chan struct{}

	// compactLimiter bounds how often the loop compacts.
	compactLimiter *rate.Limiter
	// lastCompactCommits is the commit count after the last compaction;
	// an idle store is not compacted again.
	lastCompactCommits int64
}

// startBackground starts the background loop unless it is running.
func (s *Store) startBackground() {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()

	if s.bg != nil {
		return
	}
	b := &background{
		store:              s,
		stopCh:             make(chan struct{}),
		doneCh:             make(chan struct{}),
		compactLimiter:     rate.NewLimiter(rate.Every(s.opts.AutoCompactInterval), 1),
		lastCompactCommits: -1,
	}
	s.bg = b
	go b.run()
}

// stopBackground stops the background loop and waits until it has
// acknowledged.
func (s *Store) stopBackground() {
	s.bgMu.Lock()
	b := s.bg
	s.bg = nil
	s.bgMu.Unlock()

	if b == nil {
		return
	}
	close(b.stopCh)
	<-b.doneCh
}

func (b *background) run() {
	defer close(b.doneCh)

	for {
		timer := time.NewTimer(b.interval())
		select {
		case <-b.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		b.autoCommit()
		b.autoCompact()
	}
}

// interval returns the tick period: a tenth of the auto-commit delay, at
// least one millisecond.
func (b *background) interval() time.Duration {
	d := time.Duration(b.store.autoCommitDelay.Load()) / 10
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// autoCommit commits when the oldest unsaved change is older than the
// auto-commit delay or the unsaved changes exceed the buffer size.
func (b *background) autoCommit() {
	s := b.store
	delay := time.Duration(s.autoCommitDelay.Load())
	if delay <= 0 || s.checkWritable() != nil {
		return
	}

	s.pendingMu.Lock()
	first, unsaved := s.firstChange, s.unsavedBytes
	s.pendingMu.Unlock()
	if first == 0 {
		return
	}
	if time.Since(time.Unix(0, first)) < delay && unsaved < int64(s.opts.AutoCommitBufferSize) {
		return
	}

	if _, err := s.Commit(); err != nil {
		s.log.Warn("auto-commit failed", "error", err)
	}
}

// autoCompact compacts when the live fill rate of the chunks dropped below
// the auto-compaction target and the store committed since the last run.
func (b *background) autoCompact() {
	s := b.store
	target := s.opts.AutoCompactFillRate
	if target <= 0 || s.checkWritable() != nil {
		return
	}
	if s.commits.Load() == b.lastCompactCommits {
		return
	}
	if s.chunksFillRate() >= target || !b.compactLimiter.Allow() {
		return
	}

	if _, err := s.Compact(target, int64(s.opts.AutoCommitBufferSize)); err != nil {
		s.log.Warn("auto-compaction failed", "error", err)
	}
	b.lastCompactCommits = s.commits.Load()
}
