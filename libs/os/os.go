package os

import (
	"errors"
	"fmt"
	"os"

	"github.com/creachadair/atomicfile"
)

// EnsureDir ensures the given directory exists, creating it if necessary.
// Errors if the path already exists as a non-directory.
func EnsureDir(dir string, mode os.FileMode) error {
	err := os.MkdirAll(dir, mode)
	if err != nil {
		return fmt.Errorf("could not create directory %q: %w", dir, err)
	}
	return nil
}

// FileExists returns true if the path exists.
func FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !errors.Is(err, os.ErrNotExist)
}

// WriteFileAtomic replaces the content of filePath so that readers either see
// the previous content or the new one, never a partial write.
func WriteFileAtomic(filePath string, contents []byte, mode os.FileMode) error {
	if err := atomicfile.WriteData(filePath, contents, mode); err != nil {
		return fmt.Errorf("writing %q: %w", filePath, err)
	}
	return nil
}
