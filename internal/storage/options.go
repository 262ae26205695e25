package storage

import (
	"time"

	"github.com/KilimcininKorOglu/mvdb/internal/logging"
	"github.com/KilimcininKorOglu/mvdb/internal/storage/fs"
)

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	// ReadOnly opens the file without write access.
	// Default: false.
	ReadOnly bool

	// CacheSize is the number of decoded pages kept in memory.
	// Default: 1024 pages.
	CacheSize int

	// OpenMode selects the open strategy when the file name has no prefix.
	// Default: fs.ModeDirect.
	OpenMode fs.OpenMode

	// RetryAttempts bounds retries of fs.ModeRetrying.
	// Default: 5.
	RetryAttempts int

	// RetryBackoff is the first delay between retries.
	// Default: 1ms.
	RetryBackoff time.Duration

	// FileSystem overrides the file system chosen from the file name.
	FileSystem fs.FileSystem

	// Logger receives file store diagnostics.
	Logger logging.Logger
}

// DefaultFileStoreOptions returns the default file store options.
func DefaultFileStoreOptions() FileStoreOptions {
	return FileStoreOptions{
		CacheSize:     1024,
		OpenMode:      fs.ModeDirect,
		RetryAttempts: fs.DefaultRetryAttempts,
		RetryBackoff:  fs.DefaultRetryBackoff,
	}
}

// Validate fills in defaults for unset options.
func (o *FileStoreOptions) Validate() error {
	if o.CacheSize < 0 {
		o.CacheSize = 0
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = fs.DefaultRetryAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = fs.DefaultRetryBackoff
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	return nil
}

// WithReadOnly enables or disables read-only mode.
func (o FileStoreOptions) WithReadOnly(readOnly bool) FileStoreOptions {
	o.ReadOnly = readOnly
	return o
}

// WithCacheSize sets the page cache size.
func (o FileStoreOptions) WithCacheSize(size int) FileStoreOptions {
	o.CacheSize = size
	return o
}

// WithOpenMode sets the open strategy.
func (o FileStoreOptions) WithOpenMode(mode fs.OpenMode) FileStoreOptions {
	o.OpenMode = mode
	return o
}

// WithLogger sets the logger.
func (o FileStoreOptions) WithLogger(l logging.Logger) FileStoreOptions {
	o.Logger = l
	return o
}
