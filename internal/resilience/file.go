package resilience

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

var fileRetryPolicy = retrypolicy.NewBuilder[any]().
	WithMaxRetries(2).
	WithBackoff(50*time.Millisecond, 500*time.Millisecond).
	Build()

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial file. Token and
// usage persistence depend on this: state must be durable on disk before any
// in-memory cache is updated.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return failsafe.With(fileRetryPolicy).Run(func() error {
		return writeFileAtomic(path, data, perm)
	})
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
