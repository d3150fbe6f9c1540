// Package filesys provides utility functions for the file system operations
// the engine performs on its data directory: creating directories, checking
// existence, listing data files and removing drained artifacts.
package filesys

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrIsNotDir = errors.New("path isn't a directory")
)

// CreateDir creates a directory at the specified path with the given
// permissions.
//
// If the directory already exists:
//   - If 'force' is true, it proceeds without error.
//   - If 'force' is false, it returns an error.
//
// It also returns an error if the existing path is a file (not a directory).
func CreateDir(dirPath string, permission os.FileMode, force bool) error {
	stat, err := os.Stat(dirPath)
	if !force && !os.IsNotExist(err) {
		if err == nil && !stat.IsDir() {
			return ErrIsNotDir
		}
		if err == nil {
			return os.ErrExist
		}
		return err
	}

	// If the path exists and it's not a directory, return an error.
	if stat != nil && !stat.IsDir() {
		return ErrIsNotDir
	}

	if err := os.MkdirAll(dirPath, permission); err != nil {
		return err
	}

	return os.Chmod(dirPath, permission)
}

// ListFiles returns the names (not paths) of regular files directly inside
// dirPath whose names carry the given suffix, sorted lexicographically.
// A missing directory yields an empty list, not an error.
func ListFiles(dirPath, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dirPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if suffix == "" || strings.HasSuffix(entry.Name(), suffix) {
			names = append(names, entry.Name())
		}
	}

	sort.Strings(names)
	return names, nil
}

// Remove deletes the file at path. Removing a file that is already gone is
// not an error; drained limbo pages may race with shutdown cleanup.
func Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SyncDir fsyncs a directory so that renames and newly created files inside
// it survive a crash. Required after sealing a segment or rotating a page.
func SyncDir(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return err
	}
	syncErr := dir.Sync()
	closeErr := dir.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// Join builds a path under the data directory. Thin wrapper kept so call
// sites read uniformly with the rest of this package.
func Join(parts ...string) string {
	return filepath.Join(parts...)
}
