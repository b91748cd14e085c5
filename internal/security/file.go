package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// File permission constants
const (
	// PermSecretFile is the permission for files containing secrets (owner read/write only)
	PermSecretFile os.FileMode = 0600

	// PermSecretDir is the permission for directories containing secrets
	PermSecretDir os.FileMode = 0700

	// PermPublicFile is the permission for non-secret files
	PermPublicFile os.FileMode = 0644
)

// File operation errors
var (
	ErrInvalidPath         = errors.New("security: invalid path")
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrTempFileFailed      = errors.New("security: temporary file creation failed")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
)

func cleanPath(path string) (string, error) {
	if path == "" || strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return filepath.Clean(path), nil
}

// SecureFileWriter handles atomic file writes with secure permissions.
type SecureFileWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

// NewSecureFileWriter creates a writer for secure atomic file writes.
// The file is written to a temporary file first, then renamed atomically.
func NewSecureFileWriter(path string, perm os.FileMode) (*SecureFileWriter, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(clean), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	// Same directory so the rename stays on one filesystem
	tempPath := clean + ".tmp." + randomSuffix()
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}

	return &SecureFileWriter{
		path:     clean,
		tempFile: tempFile,
		tempPath: tempPath,
	}, nil
}

// Write writes data to the temporary file.
func (w *SecureFileWriter) Write(p []byte) (n int, err error) {
	return w.tempFile.Write(p)
}

// Commit atomically moves the temporary file to the final path.
func (w *SecureFileWriter) Commit() error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// Abort cancels the write and removes the temporary file.
func (w *SecureFileWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteSecureFile writes data to a file atomically with the given permissions.
func WriteSecureFile(path string, data []byte, perm os.FileMode) error {
	writer, err := NewSecureFileWriter(path, perm)
	if err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		writer.Abort()
		return err
	}
	return writer.Commit()
}

// WriteSecretFile writes data to a file with secret permissions (0600).
func WriteSecretFile(path string, data []byte) error {
	return WriteSecureFile(path, data, PermSecretFile)
}

// ReadSecureFile reads a file and verifies that no group or other
// permission bits are set. maxSize of zero means unlimited.
func ReadSecureFile(path string, maxSize int64) ([]byte, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(clean)
	if err != nil {
		return nil, err
	}

	if runtime.GOOS != "windows" {
		mode := info.Mode().Perm()
		if mode&0077 != 0 {
			return nil, fmt.Errorf("%w: file %s has mode %04o, expected %04o",
				ErrInsecurePermissions, clean, mode, PermSecretFile)
		}
	}

	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, info.Size(), maxSize)
	}
	return os.ReadFile(clean)
}

// EnsureSecureDir ensures a directory exists with owner-only permissions,
// tightening an existing directory if needed.
func EnsureSecureDir(path string) error {
	clean, err := cleanPath(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(clean, PermSecretDir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, clean)
	}

	if runtime.GOOS != "windows" && info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(clean, PermSecretDir); err != nil {
			return fmt.Errorf("fix directory permissions: %w", err)
		}
	}
	return nil
}

// FileLock is an exclusive advisory lock held on a lock file.
type FileLock struct {
	f *os.File
}

// LockPath blocks until it holds an exclusive lock on path, creating the
// lock file if needed.
func LockPath(path string) (*FileLock, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(clean, os.O_RDWR|os.O_CREATE, PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", clean, err)
	}
	return &FileLock{f: f}, nil
}

// Unlock releases the lock. It is safe to call more than once.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// WithFileLock runs fn while holding the lock at path.
func WithFileLock(path string, fn func() error) error {
	lock, err := LockPath(path)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return fn()
}
