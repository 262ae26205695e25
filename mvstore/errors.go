package mvstore

import (
	"github.com/KilimcininKorOglu/mvdb/internal/fault"
)

// Store errors. Every error returned by the package is marked with one of
// these; test for them with errors.Is.
var (
	ErrClosed                 = fault.ErrClosed
	ErrConcurrentModification = fault.ErrConcurrentModification
	ErrCorrupt                = fault.ErrCorrupt
	ErrInvalidArgument        = fault.ErrInvalidArgument
	ErrKeyNotFound            = fault.ErrKeyNotFound
	ErrMapRemoved             = fault.ErrMapRemoved
	ErrReadOnly               = fault.ErrReadOnly
	ErrVersionUnavailable     = fault.ErrVersionUnavailable
	ErrWriteFailed            = fault.ErrWriteFailed
)
