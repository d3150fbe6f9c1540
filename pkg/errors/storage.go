package errors

// StorageError is a specialized error type for persistence-layer failures.
// It embeds baseError to inherit the standard error functionality, then adds
// storage-specific fields that pinpoint exactly where a problem occurred:
// which segment, which chunk file, and at what byte offset.
type StorageError struct {
	*baseError
	ordinal  uint64 // Ordinal of the segment involved, when known.
	offset   int64  // Byte offset within the file where the problem happened.
	fileName string // Name of the file that caused the issue.
	path     string // Full path of the file that caused the issue.
}

// NewStorageError creates a new storage-specific error.
func NewStorageError(err error, code ErrorCode, msg string) *StorageError {
	return &StorageError{baseError: NewBaseError(err, code, msg)}
}

// WithOrdinal sets which segment was involved in the error.
func (se *StorageError) WithOrdinal(ordinal uint64) *StorageError {
	se.ordinal = ordinal
	return se
}

// WithOffset records the byte position where the error occurred.
func (se *StorageError) WithOffset(offset int64) *StorageError {
	se.offset = offset
	return se
}

// WithFileName captures which file was being processed when the error occurred.
func (se *StorageError) WithFileName(fileName string) *StorageError {
	se.fileName = fileName
	return se
}

// WithPath captures the full path that was being processed.
func (se *StorageError) WithPath(path string) *StorageError {
	se.path = path
	return se
}

// WithDetail adds contextual information while preserving the StorageError type.
func (se *StorageError) WithDetail(key string, value any) *StorageError {
	se.baseError.WithDetail(key, value)
	return se
}

// Ordinal returns the segment ordinal where the error occurred.
func (se *StorageError) Ordinal() uint64 {
	return se.ordinal
}

// Offset returns the byte offset within the file where the error happened.
// Combined with FileName, this gives the exact location of the problem.
func (se *StorageError) Offset() int64 {
	return se.offset
}

// FileName returns the name of the file that was being processed.
func (se *StorageError) FileName() string {
	return se.fileName
}

// Path returns the full path of the file that was being processed.
func (se *StorageError) Path() string {
	return se.path
}
