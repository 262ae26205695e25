package mvstore

import (
	"time"

	"github.com/KilimcininKorOglu/mvdb/internal/fault"
	"github.com/KilimcininKorOglu/mvdb/internal/logging"
	"github.com/KilimcininKorOglu/mvdb/internal/storage"
	"github.com/KilimcininKorOglu/mvdb/internal/storage/btree"
	"github.com/KilimcininKorOglu/mvdb/internal/storage/fs"
)

// Default option values.
const (
	DefaultCacheSize            = 1024
	DefaultFilePageSplitSize    = 16 * 1024
	DefaultMemoryPageSplitSize  = 4 * 1024
	DefaultKeysPerPage          = btree.DefaultKeysPerPage
	DefaultRetentionTime        = 45 * time.Second
	DefaultVersionsToKeep       = 5
	DefaultAutoCommitDelay      = time.Second
	DefaultAutoCommitBufferSize = 1024 * 1024
	DefaultAutoCompactFillRate  = 90
	DefaultAutoCompactInterval  = time.Second
)

// Options configures a Store.
type Options struct {
	// FileName is the backing file. It may carry a "retry:", "async:" or
	// "memFS:" prefix. An empty name keeps the store in memory only.
	FileName string

	// ReadOnly opens an existing file without write access.
	// Default: false.
	ReadOnly bool

	// CacheSize is the number of decoded pages kept in the page cache.
	// Default: 1024 pages.
	CacheSize int

	// PageSplitSize is the estimated page size above which a page splits.
	// Default: 16 KiB for files, 4 KiB for in-memory stores.
	PageSplitSize int

	// KeysPerPage is the maximum number of keys per page.
	// Default: 48.
	KeysPerPage int

	// RetentionTime keeps superseded versions readable for this long.
	// Default: 45s.
	RetentionTime time.Duration

	// VersionsToKeep keeps this many of the newest versions readable.
	// Default: 5.
	VersionsToKeep int

	// AutoCommitDelay commits unsaved changes older than the delay in the
	// background. Zero disables auto-commit.
	// Default: 1s.
	AutoCommitDelay time.Duration

	// AutoCommitBufferSize commits in the background once the estimated
	// size of unsaved changes exceeds it.
	// Default: 1 MiB.
	AutoCommitBufferSize int

	// AutoCompactFillRate is the fill rate below which the background
	// loop compacts chunks. Zero disables auto-compaction.
	// Default: 90.
	AutoCompactFillRate int

	// AutoCompactInterval is the minimum time between background
	// compactions.
	// Default: 1s.
	AutoCompactInterval time.Duration

	// StoreVersion is the user tag written to a new store.
	StoreVersion int

	// OpenMode selects the open strategy when FileName has no prefix.
	// Default: fs.ModeDirect.
	OpenMode fs.OpenMode

	// RetryAttempts bounds retries of fs.ModeRetrying.
	// Default: 5.
	RetryAttempts int

	// RetryBackoff is the first delay between retries.
	// Default: 1ms.
	RetryBackoff time.Duration

	// FileSystem overrides the file system chosen from FileName.
	FileSystem fs.FileSystem

	// Logger receives store diagnostics.
	// Default: the "mvstore" logging channel.
	Logger logging.Logger
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{
		CacheSize:            DefaultCacheSize,
		KeysPerPage:          DefaultKeysPerPage,
		RetentionTime:        DefaultRetentionTime,
		VersionsToKeep:       DefaultVersionsToKeep,
		AutoCommitDelay:      DefaultAutoCommitDelay,
		AutoCommitBufferSize: DefaultAutoCommitBufferSize,
		AutoCompactFillRate:  DefaultAutoCompactFillRate,
		AutoCompactInterval:  DefaultAutoCompactInterval,
		OpenMode:             fs.ModeDirect,
		RetryAttempts:        fs.DefaultRetryAttempts,
		RetryBackoff:         fs.DefaultRetryBackoff,
	}
}

// Validate checks the options and fills in defaults for unset values.
func (o *Options) Validate() error {
	if o.CacheSize < 0 {
		return fault.InvalidArgument("cache size %d is negative", o.CacheSize)
	}
	if o.PageSplitSize < 0 {
		return fault.InvalidArgument("page split size %d is negative", o.PageSplitSize)
	}
	if o.VersionsToKeep < 0 {
		return fault.InvalidArgument("versions to keep %d is negative", o.VersionsToKeep)
	}
	if o.RetentionTime < 0 {
		return fault.InvalidArgument("retention time %s is negative", o.RetentionTime)
	}
	if o.AutoCommitDelay < 0 {
		return fault.InvalidArgument("auto-commit delay %s is negative", o.AutoCommitDelay)
	}
	if o.AutoCompactFillRate < 0 || o.AutoCompactFillRate > 100 {
		return fault.InvalidArgument("auto-compact fill rate %d out of range", o.AutoCompactFillRate)
	}

	if o.PageSplitSize == 0 {
		if o.FileName == "" {
			o.PageSplitSize = DefaultMemoryPageSplitSize
		} else {
			o.PageSplitSize = DefaultFilePageSplitSize
		}
	}
	if o.KeysPerPage <= 0 {
		o.KeysPerPage = DefaultKeysPerPage
	}
	if o.AutoCommitBufferSize <= 0 {
		o.AutoCommitBufferSize = DefaultAutoCommitBufferSize
	}
	if o.AutoCompactInterval <= 0 {
		o.AutoCompactInterval = DefaultAutoCompactInterval
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = fs.DefaultRetryAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = fs.DefaultRetryBackoff
	}
	if o.Logger == nil {
		o.Logger = logging.New("mvstore")
	}
	return nil
}

func (o Options) treeConfig() btree.Config {
	return btree.Config{KeysPerPage: o.KeysPerPage, SplitSize: o.PageSplitSize}
}

func (o Options) fileStoreOptions() storage.FileStoreOptions {
	return storage.FileStoreOptions{
		ReadOnly:      o.ReadOnly,
		CacheSize:     o.CacheSize,
		OpenMode:      o.OpenMode,
		RetryAttempts: o.RetryAttempts,
		RetryBackoff:  o.RetryBackoff,
		FileSystem:    o.FileSystem,
		Logger:        o.Logger,
	}
}

// WithFileName sets the backing file.
func (o Options) WithFileName(name string) Options {
	o.FileName = name
	return o
}

// WithReadOnly enables or disables read-only mode.
func (o Options) WithReadOnly(readOnly bool) Options {
	o.ReadOnly = readOnly
	return o
}

// WithCacheSize sets the page cache size.
func (o Options) WithCacheSize(pages int) Options {
	o.CacheSize = pages
	return o
}

// WithPageSplitSize sets the page split size.
func (o Options) WithPageSplitSize(size int) Options {
	o.PageSplitSize = size
	return o
}

// WithKeysPerPage sets the maximum keys per page.
func (o Options) WithKeysPerPage(n int) Options {
	o.KeysPerPage = n
	return o
}

// WithRetentionTime sets the retention time.
func (o Options) WithRetentionTime(d time.Duration) Options {
	o.RetentionTime = d
	return o
}

// WithVersionsToKeep sets the number of retained versions.
func (o Options) WithVersionsToKeep(n int) Options {
	o.VersionsToKeep = n
	return o
}

// WithAutoCommitDelay sets the auto-commit delay; zero disables it.
func (o Options) WithAutoCommitDelay(d time.Duration) Options {
	o.AutoCommitDelay = d
	return o
}

// WithAutoCommitBufferSize sets the unsaved size that forces a commit.
func (o Options) WithAutoCommitBufferSize(size int) Options {
	o.AutoCommitBufferSize = size
	return o
}

// WithAutoCompactFillRate sets the background compaction target.
func (o Options) WithAutoCompactFillRate(rate int) Options {
	o.AutoCompactFillRate = rate
	return o
}

// WithStoreVersion sets the user tag of a new store.
func (o Options) WithStoreVersion(v int) Options {
	o.StoreVersion = v
	return o
}

// WithOpenMode sets the open strategy.
func (o Options) WithOpenMode(mode fs.OpenMode) Options {
	o.OpenMode = mode
	return o
}

// WithFileSystem sets the file system.
func (o Options) WithFileSystem(fsys fs.FileSystem) Options {
	o.FileSystem = fsys
	return o
}

// WithLogger sets the logger.
func (o Options) WithLogger(l logging.Logger) Options {
	o.Logger = l
	return o
}
