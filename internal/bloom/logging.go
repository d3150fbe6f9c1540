package bloom

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/iamNilotpal/ember/internal/byteable"
	"github.com/iamNilotpal/ember/pkg/errors"
)

// LoggingFilter wraps a Filter and records every insertion to an append-only
// log file, supporting deferred disk writes: the filter itself is only
// serialized at seal time, but its contents can be reconstructed by
// replaying the log after a crash.
type LoggingFilter struct {
	*Filter
	mu   sync.Mutex
	log  *os.File
	path string
}

// NewLogging creates a logging filter whose insertion log lives at logPath.
// If the log already exists, its entries are replayed into the fresh filter
// before it is returned.
func NewLogging(expectedInsertions int, fpp float64, logPath string) (*LoggingFilter, error) {
	filter := New(expectedInsertions, fpp)

	if _, err := os.Stat(logPath); err == nil {
		if err := replay(filter, logPath); err != nil {
			return nil, err
		}
	}

	log, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.ClassifyFileOpenError(err, logPath, filepath.Base(logPath))
	}

	return &LoggingFilter{Filter: filter, log: log, path: logPath}, nil
}

// Put inserts a composite into the filter and appends it to the log.
func (lf *LoggingFilter) Put(composite []byte) error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if _, err := lf.log.Write(byteable.AppendFrame(nil, composite)); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "Failed to append to bloom insertion log").
			WithPath(lf.path).
			WithFileName(filepath.Base(lf.path))
	}
	lf.Filter.Put(composite)
	return nil
}

// Close syncs and closes the insertion log.
func (lf *LoggingFilter) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if err := lf.log.Sync(); err != nil {
		return errors.ClassifySyncError(err, filepath.Base(lf.path), lf.path, 0)
	}
	return lf.log.Close()
}

// Discard closes and deletes the insertion log. Called after the filter has
// been durably serialized inside a sealed chunk, at which point the log is
// redundant.
func (lf *LoggingFilter) Discard() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if err := lf.log.Close(); err != nil {
		return err
	}
	return os.Remove(lf.path)
}

// replay streams the insertion log into the filter.
func replay(filter *Filter, logPath string) error {
	stream, err := byteable.NewStream(logPath, 1<<16)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		filter.Put(stream.Value())
	}
	return stream.Err()
}
