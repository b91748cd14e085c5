package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer over a log file that rolls the file over once
// it would grow past Config.MaxSize megabytes. Rolled files are renamed with
// a timestamp suffix, optionally gzipped, and pruned by count and age.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxAge     time.Duration
	maxBackups int
	compress   bool

	mu   sync.Mutex
	file *os.File
	size int64
	wg   sync.WaitGroup
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	r := &FileRotator{
		path:       cfg.FilePath,
		maxBytes:   cfg.MaxSize * 1024 * 1024,
		maxAge:     time.Duration(cfg.MaxAge) * 24 * time.Hour,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.maxBytes > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rollLocked(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Rotate forces a rollover.
func (r *FileRotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rollLocked()
}

func (r *FileRotator) rollLocked() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close current log: %w", err)
		}
		r.file = nil
	}

	ext := filepath.Ext(r.path)
	stem := strings.TrimSuffix(r.path, ext)
	rolled := fmt.Sprintf("%s-%s%s", stem, time.Now().Format("20060102-150405.000"), ext)
	if err := os.Rename(r.path, rolled); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if r.compress {
			gzipFile(rolled)
		}
		r.prune()
	}()
	return nil
}

func gzipFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	_, copyErr := io.Copy(gz, in)
	closeErr := gz.Close()
	out.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// backups lists rolled files, oldest first.
func (r *FileRotator) backups() []string {
	ext := filepath.Ext(r.path)
	stem := strings.TrimSuffix(r.path, ext)
	matches, err := filepath.Glob(stem + "-*" + ext + "*")
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

func (r *FileRotator) prune() {
	files := r.backups()
	if r.maxBackups > 0 && len(files) > r.maxBackups {
		for _, f := range files[:len(files)-r.maxBackups] {
			os.Remove(f)
		}
		files = files[len(files)-r.maxBackups:]
	}
	if r.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.maxAge)
	for _, f := range files {
		if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
}

// Close waits for background compression and closes the file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	var err error
	if r.file != nil {
		err = r.file.Close()
		r.file = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
	return err
}

// Sync flushes the current file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}

// GetLogFiles returns the current file followed by rolled files.
func (r *FileRotator) GetLogFiles() ([]string, error) {
	return append([]string{r.path}, r.backups()...), nil
}
