package config

import (
	"github.com/KilimcininKorOglu/mvdb/internal/logging"
)

// Config is the contents of a configuration file.
type Config struct {
	Store   StoreConfig    `gluamapper:"store"`
	Logging logging.Config `gluamapper:"logging"`
}

// StoreConfig holds the store options. Durations are strings such as
// "45s", "5m" or "2d"; an empty duration keeps the default.
type StoreConfig struct {
	File                 string `gluamapper:"file"`
	ReadOnly             bool   `gluamapper:"read_only"`
	OpenMode             string `gluamapper:"open_mode"`
	CacheSize            int    `gluamapper:"cache_size"`
	PageSplitSize        int    `gluamapper:"page_split_size"`
	KeysPerPage          int    `gluamapper:"keys_per_page"`
	RetentionTime        string `gluamapper:"retention_time"`
	VersionsToKeep       int    `gluamapper:"versions_to_keep"`
	AutoCommitDelay      string `gluamapper:"auto_commit_delay"`
	AutoCommitBufferSize int    `gluamapper:"auto_commit_buffer_size"`
	AutoCompactFillRate  int    `gluamapper:"auto_compact_fill_rate"`
	AutoCompactInterval  string `gluamapper:"auto_compact_interval"`
	StoreVersion         int    `gluamapper:"store_version"`
	RetryAttempts        int    `gluamapper:"retry_attempts"`
	RetryBackoff         string `gluamapper:"retry_backoff"`
}
