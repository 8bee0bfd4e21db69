// Package lock provides per-path read-write locking for object storage
// operations, with an in-process implementation and a Redis-backed one for
// multi-instance deployments.
package lock

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrLockUnavailable indicates lock acquisition retries were exhausted
	ErrLockUnavailable = errors.New("lock unavailable")
)

// Manager serializes access per canonicalized path: any number of
// concurrent readers, or a single writer.
type Manager interface {
	// Read runs fn while holding the read lock for path.
	Read(ctx context.Context, path string, fn func() error) error
	// Write runs fn while holding the write lock for path.
	Write(ctx context.Context, path string, fn func() error) error
}

// canonicalize normalizes a path so equivalent spellings map to the same
// lock.
func canonicalize(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

// ReadFile opens path under the read lock and passes the content reader to
// transform.
func ReadFile(ctx context.Context, m Manager, path string, transform func(io.Reader) error) error {
	return m.Read(ctx, path, func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return transform(f)
	})
}

// WriteFile writes content to path under the write lock.
func WriteFile(ctx context.Context, m Manager, path string, content []byte) error {
	return m.Write(ctx, path, func() error {
		return os.WriteFile(path, content, 0644)
	})
}

// DeleteFile removes path under the write lock.
func DeleteFile(ctx context.Context, m Manager, path string) error {
	return m.Write(ctx, path, func() error {
		return os.Remove(path)
	})
}
