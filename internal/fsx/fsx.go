// Package fsx is the filesystem port: scoped temp directories, atomic file
// writes, and shared-volume path handling. Paths handed to the container
// runtime are always absolute and cleaned.
package fsx

import (
	"fmt"
	"os"
	"path/filepath"
)

// FS is the filesystem capability the engine depends on. Tests substitute
// an in-memory fake.
type FS interface {
	EnsureDir(path string) error
	WriteFile(path string, data []byte, mode os.FileMode) error
	// WriteFileAtomic writes via a temp file in the same directory followed
	// by a rename, so readers never observe a partial file.
	WriteFileAtomic(path string, data []byte, mode os.FileMode) error
	ReadFile(path string) ([]byte, error)
	RemoveTree(path string) error
	// TempDir creates a scoped working directory. The returned handle's
	// Close removes the tree; callers defer it so removal fires on every
	// exit path, panics included.
	TempDir(prefix string) (*TempHandle, error)
}

// TempHandle is a scoped temporary directory.
type TempHandle struct {
	Path   string
	remove func() error
}

// Close removes the directory tree. Safe to call more than once.
func (h *TempHandle) Close() error {
	if h.remove == nil {
		return nil
	}
	rm := h.remove
	h.remove = nil
	return rm()
}

// OS is the production FS backed by the operating system.
type OS struct{}

// NewOS returns the operating-system FS.
func NewOS() *OS { return &OS{} }

func (OS) EnsureDir(path string) error {
	return os.MkdirAll(filepath.Clean(path), 0755)
}

func (OS) WriteFile(path string, data []byte, mode os.FileMode) error {
	return os.WriteFile(filepath.Clean(path), data, mode)
}

func (o OS) WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (OS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(filepath.Clean(path))
}

func (OS) RemoveTree(path string) error {
	return os.RemoveAll(filepath.Clean(path))
}

func (OS) TempDir(prefix string) (*TempHandle, error) {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &TempHandle{
		Path:   dir,
		remove: func() error { return os.RemoveAll(dir) },
	}, nil
}

// Abs returns the cleaned absolute form of path.
func Abs(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}
