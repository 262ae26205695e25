// Package fault provides the error kinds reported by the storage engine.
//
// Every error returned by mvdb carries exactly one of the kinds below as a
// mark, so callers can classify failures with errors.Is regardless of how
// much context was wrapped around the cause.
package fault

import (
	"github.com/cockroachdb/errors"
)

// error kinds - keep in alphabetic order
var (
	// ErrClosed is returned for any operation on a store that has been closed.
	ErrClosed = errors.New("store is closed")

	// ErrConcurrentModification is returned when a read observed the page
	// graph change underneath it, for example a page in a reclaimed chunk.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrCorrupt is returned when persisted data fails validation on open.
	ErrCorrupt = errors.New("store is corrupt")

	// ErrInvalidArgument is returned for out of range parameters.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrMapRemoved is returned for operations on a map removed from its store.
	ErrMapRemoved = errors.New("map has been removed")

	// ErrReadOnly is returned when mutating a historical map view.
	ErrReadOnly = errors.New("map is read-only")

	// ErrVersionUnavailable is returned when a requested version has been
	// reclaimed or was never committed.
	ErrVersionUnavailable = errors.New("version unavailable")

	// ErrWriteFailed is returned once a write to the backing file failed;
	// the store stays failed afterwards.
	ErrWriteFailed = errors.New("write failed")
)

// Corrupt wraps err and marks it as ErrCorrupt.
func Corrupt(err error, format string, args ...interface{}) error {
	if err == nil {
		return errors.Mark(errors.Newf(format, args...), ErrCorrupt)
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrCorrupt)
}

// WriteFailed wraps err and marks it as ErrWriteFailed.
func WriteFailed(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrWriteFailed)
}

// VersionUnavailable returns an ErrVersionUnavailable error for version.
func VersionUnavailable(version uint64, reason string) error {
	return errors.Mark(errors.Newf("version %d: %s", version, reason), ErrVersionUnavailable)
}

// ConcurrentModification wraps err and marks it as ErrConcurrentModification.
func ConcurrentModification(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConcurrentModification)
}

// InvalidArgument returns an ErrInvalidArgument error.
func InvalidArgument(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}

// Kind returns the error kind carried by err, or nil when err is not one of
// the engine's error kinds.
func Kind(err error) error {
	for _, kind := range []error{
		ErrClosed,
		ErrConcurrentModification,
		ErrCorrupt,
		ErrInvalidArgument,
		ErrKeyNotFound,
		ErrMapRemoved,
		ErrReadOnly,
		ErrVersionUnavailable,
		ErrWriteFailed,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
