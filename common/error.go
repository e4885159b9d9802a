package common

import (
	"errors"
	"fmt"
)

// Error taxonomy for the storage engine. Every failure is surfaced as
// the most specific of these kinds; callers classify with errors.As
// through the Is* helpers rather than string matching.

// DeviceIOError wraps a block read/write failure from the underlying
// device. Not retried internally.
type DeviceIOError struct {
	Block uint32
	Err   error
}

func (e *DeviceIOError) Error() string {
	return fmt.Sprintf("device i/o error on block %d: %v", e.Block, e.Err)
}

func (e *DeviceIOError) Unwrap() error { return e.Err }

// OutOfSpaceError means no free block, inode, or sufficiently large
// free slice run. Retryable after the caller frees space elsewhere.
type OutOfSpaceError struct {
	Resource string // "blocks", "inodes", "slice run"
}

func (e *OutOfSpaceError) Error() string {
	return fmt.Sprintf("out of space: no free %s", e.Resource)
}

// FileTooLargeError means a logical offset exceeds the addressable
// range for the file's storage mode.
type FileTooLargeError struct {
	Size int64
	Max  int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file too large: %d exceeds %d", e.Size, e.Max)
}

// InvalidStateError is corruption-grade: an allocator returned block 0,
// a slice header is inconsistent, a free targeted the metadata region.
// Fatal to the operation, not the process.
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string {
	return "invalid state: " + e.Reason
}

func IsDeviceIO(err error) bool {
	var e *DeviceIOError
	return errors.As(err, &e)
}

func IsOutOfSpace(err error) bool {
	var e *OutOfSpaceError
	return errors.As(err, &e)
}

func IsFileTooLarge(err error) bool {
	var e *FileTooLargeError
	return errors.As(err, &e)
}

func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}
