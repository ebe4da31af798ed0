package commitlog

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTorn marks a partial frame at the tail of a segment. It is a
	// recovery signal and is never surfaced to callers of ReadFrom.
	ErrTorn = errors.New("torn frame")

	// ErrStorageFull is returned when an append fails because the
	// filesystem reports no space left (ENOSPC). There is no configured
	// per-partition storage cap.
	ErrStorageFull = errors.New("storage full")

	// ErrClosedPartition is returned for operations on a partition that
	// no longer accepts them in its current state.
	ErrClosedPartition = errors.New("partition closed")

	// ErrOffsetOutOfRange is returned when a requested offset is below
	// the earliest retained segment or otherwise outside the log.
	ErrOffsetOutOfRange = errors.New("offset out of range")
)

// RecoveryCorruptionError is fatal at startup: the on-disk segment list
// does not form a contiguous offset range and operator intervention is
// required.
type RecoveryCorruptionError string

func (msg RecoveryCorruptionError) Error() string {
	return fmt.Sprintf("recovery corruption: %s", string(msg))
}

// ShortReadError reports an unexpectedly short read inside a frame.
type ShortReadError string

func (msg ShortReadError) Error() string {
	return fmt.Sprintf("%s: unexpectedly short read", string(msg))
}
