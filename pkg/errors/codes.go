package errors

// ErrorCode represents a standardized way to categorize different types of errors.
type ErrorCode string

// Base error codes represent the fundamental categories of failures that can
// occur across any part of the engine. These codes provide the foundation
// layer of error classification.
const (
	// ErrorCodeIO represents failures in input/output operations across any
	// system boundary: reading or writing chunk files, limbo pages, segment
	// headers, or the underlying device.
	ErrorCodeIO ErrorCode = "IO_ERROR"

	// ErrorCodeInvalidInput represents client-side errors where the provided
	// data doesn't meet the engine's requirements: malformed values, empty
	// keys, zero-length text, illegal key names.
	ErrorCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrorCodeInternal represents unexpected failures that don't fit into
	// other categories: bugs, broken invariants, assertion failures. These
	// shouldn't occur during normal operation.
	ErrorCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Storage-specific error codes cover the failure modes of the persistence
// layer: chunk files, segment triples and limbo pages.
const (
	// ErrorCodeCorruption indicates that an on-disk artifact failed its
	// integrity check: a checksum mismatch, a truncated revision in the
	// middle of a stream, or an unreadable header. The affected artifact is
	// quarantined; the engine keeps serving unaffected data.
	ErrorCodeCorruption ErrorCode = "CORRUPTION"

	// ErrorCodeDurability indicates that a write could not be made durable,
	// typically an fsync failure on a limbo page. The write is failed and no
	// acknowledgement is issued.
	ErrorCodeDurability ErrorCode = "DURABILITY_FAILURE"

	// ErrorCodeOverloaded indicates that the write buffer reached its hard
	// cap of untransported pages. The writer may retry once the transporter
	// catches up.
	ErrorCodeOverloaded ErrorCode = "OVERLOADED"

	// ErrorCodeRecoveryFailed indicates that startup recovery could not
	// reconstruct a consistent state from the data directory.
	ErrorCodeRecoveryFailed ErrorCode = "RECOVERY_FAILED"

	// ErrorCodePermissionDenied indicates insufficient permissions to access
	// a file or directory in the data directory.
	ErrorCodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// ErrorCodeDiskFull indicates that the storage device has run out of space.
	ErrorCodeDiskFull ErrorCode = "DISK_FULL"

	// ErrorCodeFilesystemReadonly indicates that the filesystem is mounted
	// read-only.
	ErrorCodeFilesystemReadonly ErrorCode = "FILESYSTEM_READONLY"
)

// Atomic-operation error codes cover the optimistic concurrency protocol.
const (
	// ErrorCodeAtomicRetry indicates that an atomic operation's read set was
	// invalidated by a concurrent commit. The operation can be retried from a
	// fresh snapshot; ExecuteWithRetry consumes this code internally.
	ErrorCodeAtomicRetry ErrorCode = "ATOMIC_RETRY"

	// ErrorCodeAtomicFail indicates an unrecoverable commit precondition, for
	// example a REMOVE of a value that is not present. The enclosing
	// transaction aborts.
	ErrorCodeAtomicFail ErrorCode = "ATOMIC_FAIL"
)
