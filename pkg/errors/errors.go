// Package errors provides the structured error hierarchy used throughout the
// Ember engine. It is built around a foundational baseError carrying an
// ErrorCode, a message, a cause and a lazily-allocated details map, extended
// by domain-specific error types (StorageError, AtomicError, ValidationError)
// with fluent WithX builders.
//
// Error codes enable programmatic handling without parsing messages:
// ExecuteWithRetry consumes ATOMIC_RETRY, and corruption quarantine keys off
// CORRUPTION. Operating
// system errors are classified into the taxonomy at the point of failure so
// raw OS messages never leak to callers.
package errors

import (
	stdErrors "errors"
	"os"
	"syscall"
)

// IsValidationError checks if the given error is a ValidationError or
// contains one in its error chain.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return stdErrors.As(err, &ve)
}

// IsStorageError determines if an error is related to the persistence layer:
// file I/O, disk space, corruption of chunk files or limbo pages.
func IsStorageError(err error) bool {
	var se *StorageError
	return stdErrors.As(err, &se)
}

// IsAtomicError identifies errors raised by the optimistic concurrency
// protocol: read-set invalidation and commit precondition failures.
func IsAtomicError(err error) bool {
	var ae *AtomicError
	return stdErrors.As(err, &ae)
}

// IsRetry reports whether err is an atomic read-set invalidation that can be
// retried from a fresh snapshot. ExecuteWithRetry loops on this.
func IsRetry(err error) bool {
	var ae *AtomicError
	return stdErrors.As(err, &ae) && ae.Code() == ErrorCodeAtomicRetry
}

// IsCorruption reports whether err marks an on-disk artifact as corrupted.
// Corrupted artifacts are quarantined; the engine keeps serving the rest.
func IsCorruption(err error) bool {
	return GetErrorCode(err) == ErrorCodeCorruption
}

// IsOverloaded reports whether err is the write buffer's back-pressure
// hard-cap signal.
func IsOverloaded(err error) bool {
	return GetErrorCode(err) == ErrorCodeOverloaded
}

// AsValidationError safely extracts a ValidationError from an error chain,
// providing access to validation-specific context such as which field failed
// and what rule was violated.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if stdErrors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// AsStorageError extracts StorageError context from an error chain, providing
// access to the segment ordinal, file name, path and byte offset involved.
func AsStorageError(err error) (*StorageError, bool) {
	var se *StorageError
	if stdErrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// AsAtomicError extracts AtomicError context from an error chain, providing
// access to the record, key and operation involved in the failed commit.
func AsAtomicError(err error) (*AtomicError, bool) {
	var ae *AtomicError
	if stdErrors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from any error that supports it, or
// returns ErrorCodeInternal for errors that don't carry one.
func GetErrorCode(err error) ErrorCode {
	if ve, ok := AsValidationError(err); ok {
		return ve.Code()
	}
	if se, ok := AsStorageError(err); ok {
		return se.Code()
	}
	if ae, ok := AsAtomicError(err); ok {
		return ae.Code()
	}
	return ErrorCodeInternal
}

// GetErrorDetails extracts structured details from any error that supports
// them, returning an empty map for errors without details.
func GetErrorDetails(err error) map[string]any {
	if ve, ok := AsValidationError(err); ok {
		if details := ve.Details(); details != nil {
			return details
		}
	}
	if se, ok := AsStorageError(err); ok {
		if details := se.Details(); details != nil {
			return details
		}
	}
	if ae, ok := AsAtomicError(err); ok {
		if details := ae.Details(); details != nil {
			return details
		}
	}
	return make(map[string]any)
}

// ClassifyDirectoryCreationError analyzes directory creation failures and
// returns appropriate error codes based on the underlying system error.
func ClassifyDirectoryCreationError(err error, path string) error {
	if os.IsPermission(err) {
		return NewStorageError(
			err, ErrorCodePermissionDenied,
			"Insufficient permissions to create data directory",
		).WithPath(path).
			WithDetail("operation", "directory_creation").
			WithDetail("required_permission", "write")
	}

	if errno, ok := errnoOf(err); ok {
		switch errno {
		case syscall.ENOSPC:
			return NewStorageError(
				err, ErrorCodeDiskFull,
				"Insufficient disk space to create data directory",
			).WithPath(path).WithDetail("operation", "directory_creation")
		case syscall.EROFS:
			return NewStorageError(
				err, ErrorCodeFilesystemReadonly,
				"Cannot create directory on read-only filesystem",
			).WithPath(path).WithDetail("operation", "directory_creation")
		}
	}

	return NewStorageError(
		err, ErrorCodeIO, "Failed to create data directory",
	).WithPath(path).WithDetail("operation", "directory_creation")
}

// ClassifyFileOpenError analyzes file opening failures and returns
// appropriate error codes based on the underlying system error.
func ClassifyFileOpenError(err error, filePath, fileName string) error {
	if os.IsPermission(err) {
		return NewStorageError(
			err, ErrorCodePermissionDenied,
			"Insufficient permissions to open data file",
		).WithPath(filePath).
			WithFileName(fileName).
			WithDetail("operation", "file_open").
			WithDetail("required_permission", "read_write")
	}

	if errno, ok := errnoOf(err); ok {
		switch errno {
		case syscall.ENOSPC:
			return NewStorageError(
				err, ErrorCodeDiskFull,
				"Insufficient disk space to create data file",
			).WithPath(filePath).WithFileName(fileName).
				WithDetail("operation", "file_open")
		case syscall.EROFS:
			return NewStorageError(
				err, ErrorCodeFilesystemReadonly,
				"Cannot create file on read-only filesystem",
			).WithPath(filePath).WithFileName(fileName).
				WithDetail("operation", "file_open")
		}
	}

	return NewStorageError(err, ErrorCodeIO, "Failed to open data file").
		WithPath(filePath).
		WithFileName(fileName).
		WithDetail("operation", "file_open")
}

// ClassifySyncError analyzes fsync/msync failures. A failed sync means the
// write cannot be acknowledged, so these classify as durability failures
// unless a more specific condition applies.
func ClassifySyncError(err error, fileName, filePath string, offset int64) error {
	if errno, ok := errnoOf(err); ok {
		switch errno {
		case syscall.ENOSPC:
			return NewStorageError(
				err, ErrorCodeDiskFull,
				"Cannot sync file: insufficient disk space",
			).WithFileName(fileName).
				WithPath(filePath).
				WithOffset(offset).
				WithDetail("operation", "file_sync")
		case syscall.EROFS:
			return NewStorageError(
				err, ErrorCodeFilesystemReadonly,
				"Cannot sync file: filesystem is read-only",
			).WithFileName(fileName).
				WithPath(filePath).
				WithOffset(offset).
				WithDetail("operation", "file_sync")
		case syscall.EIO:
			return NewStorageError(
				err, ErrorCodeDurability,
				"I/O error during sync - possible hardware failure",
			).WithFileName(fileName).
				WithPath(filePath).
				WithOffset(offset).
				WithDetail("operation", "file_sync").
				WithDetail("severity", "high")
		}
	}

	return NewStorageError(
		err, ErrorCodeDurability, "Failed to sync data file to disk",
	).WithFileName(fileName).WithPath(filePath).WithOffset(offset).
		WithDetail("operation", "file_sync")
}

// errnoOf digs the syscall.Errno out of an *os.PathError or *os.SyscallError
// chain, if one is present.
func errnoOf(err error) (syscall.Errno, bool) {
	var pathErr *os.PathError
	if stdErrors.As(err, &pathErr) {
		if errno, ok := pathErr.Err.(syscall.Errno); ok {
			return errno, true
		}
	}
	var sysErr *os.SyscallError
	if stdErrors.As(err, &sysErr) {
		if errno, ok := sysErr.Err.(syscall.Errno); ok {
			return errno, true
		}
	}
	var errno syscall.Errno
	if stdErrors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}
