package config

import (
	"github.com/KilimcininKorOglu/mvdb/internal/logging"
	"github.com/KilimcininKorOglu/mvdb/mvstore"
)

// DefaultConfig returns a Config with the default store options.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			File:                 "",
			ReadOnly:             false,
			OpenMode:             "direct",
			CacheSize:            mvstore.DefaultCacheSize,
			PageSplitSize:        0,
			KeysPerPage:          mvstore.DefaultKeysPerPage,
			RetentionTime:        mvstore.DefaultRetentionTime.String(),
			VersionsToKeep:       mvstore.DefaultVersionsToKeep,
			AutoCommitDelay:      mvstore.DefaultAutoCommitDelay.String(),
			AutoCommitBufferSize: mvstore.DefaultAutoCommitBufferSize,
			AutoCompactFillRate:  mvstore.DefaultAutoCompactFillRate,
			AutoCompactInterval:  mvstore.DefaultAutoCompactInterval.String(),
			RetryAttempts:        5,
			RetryBackoff:         "1ms",
		},
		Logging: logging.DefaultConfig(),
	}
}
