package config

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/mvdb/internal/logging"
	"github.com/KilimcininKorOglu/mvdb/internal/storage/fs"
	"github.com/KilimcininKorOglu/mvdb/mvstore"
)

// ValidationError is one invalid configuration value.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateConfig returns every invalid value of config. An empty slice
// means the configuration is valid.
func ValidateConfig(config *Config) []error {
	var errs []error
	errs = append(errs, validateStoreConfig(&config.Store)...)
	errs = append(errs, validateLogConfig(&config.Logging)...)
	return errs
}

// Validate returns all validation errors combined, or nil.
func (c *Config) Validate() error {
	var err error
	for _, e := range ValidateConfig(c) {
		err = errors.CombineErrors(err, e)
	}
	return err
}

func validateStoreConfig(config *StoreConfig) []error {
	var errs []error

	nonNegative := func(field string, v int) {
		if v < 0 {
			errs = append(errs, ValidationError{Field: field, Message: "must be non-negative"})
		}
	}
	nonNegative("store.cache_size", config.CacheSize)
	nonNegative("store.page_split_size", config.PageSplitSize)
	nonNegative("store.keys_per_page", config.KeysPerPage)
	nonNegative("store.versions_to_keep", config.VersionsToKeep)
	nonNegative("store.auto_commit_buffer_size", config.AutoCommitBufferSize)
	nonNegative("store.retry_attempts", config.RetryAttempts)

	if config.AutoCompactFillRate < 0 || config.AutoCompactFillRate > 100 {
		errs = append(errs, ValidationError{
			Field:   "store.auto_compact_fill_rate",
			Message: "must be between 0 and 100",
		})
	}

	durations := []struct {
		field string
		value string
	}{
		{"store.retention_time", config.RetentionTime},
		{"store.auto_commit_delay", config.AutoCommitDelay},
		{"store.auto_compact_interval", config.AutoCompactInterval},
		{"store.retry_backoff", config.RetryBackoff},
	}
	for _, d := range durations {
		v, err := parseDuration(d.value)
		if err != nil {
			errs = append(errs, ValidationError{Field: d.field, Message: err.Error()})
			continue
		}
		if v < 0 {
			errs = append(errs, ValidationError{Field: d.field, Message: "must be non-negative"})
		}
	}

	if _, err := fs.ParseOpenMode(config.OpenMode); err != nil {
		errs = append(errs, ValidationError{Field: "store.open_mode", Message: err.Error()})
	}
	if config.ReadOnly && config.File == "" {
		errs = append(errs, ValidationError{
			Field:   "store.read_only",
			Message: "an in-memory store cannot be read-only",
		})
	}
	return errs
}

func validateLogConfig(config *logging.Config) []error {
	var errs []error

	switch strings.ToLower(config.Level) {
	case "", "trace", "debug", "info", "warn", "warning", "error", "critical":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown level %q", config.Level),
		})
	}
	if config.Size < 0 {
		errs = append(errs, ValidationError{Field: "logging.size", Message: "must be non-negative"})
	}
	if config.Count < 0 {
		errs = append(errs, ValidationError{Field: "logging.count", Message: "must be non-negative"})
	}
	return errs
}

// ToOptions converts the store section to store options. The configuration
// must be valid.
func (c *Config) ToOptions() (mvstore.Options, error) {
	if err := c.Validate(); err != nil {
		return mvstore.Options{}, err
	}
	sc := c.Store

	mode, _ := fs.ParseOpenMode(sc.OpenMode)
	retention, _ := parseDuration(sc.RetentionTime)
	delay, _ := parseDuration(sc.AutoCommitDelay)
	compactInterval, _ := parseDuration(sc.AutoCompactInterval)
	backoff, _ := parseDuration(sc.RetryBackoff)

	opts := mvstore.DefaultOptions().
		WithFileName(sc.File).
		WithReadOnly(sc.ReadOnly).
		WithOpenMode(mode).
		WithCacheSize(sc.CacheSize).
		WithPageSplitSize(sc.PageSplitSize).
		WithKeysPerPage(sc.KeysPerPage).
		WithRetentionTime(retention).
		WithVersionsToKeep(sc.VersionsToKeep).
		WithAutoCommitDelay(delay).
		WithAutoCommitBufferSize(sc.AutoCommitBufferSize).
		WithAutoCompactFillRate(sc.AutoCompactFillRate).
		WithStoreVersion(sc.StoreVersion)
	opts.AutoCompactInterval = compactInterval
	opts.RetryAttempts = sc.RetryAttempts
	opts.RetryBackoff = backoff
	return opts, nil
}
