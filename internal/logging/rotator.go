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

// FileRotator is an io.Writer that rotates its file once it reaches the
// configured size.
type FileRotator struct {
	path       string
	limit      int64
	maxBackups int
	compress   bool

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewFileRotator opens the log file named by cfg.FilePath.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{
		path:       cfg.FilePath,
		limit:      cfg.MaxSize * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) openFile() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.openFile(); err != nil {
			return 0, err
		}
	}
	if r.limit > 0 && r.size > 0 && r.size+int64(len(p)) > r.limit {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	rotated := r.backupName(time.Now())
	if err := os.Rename(r.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if r.compress {
		if err := compressFile(rotated); err != nil {
			return err
		}
	}
	if err := r.openFile(); err != nil {
		return err
	}
	r.cleanup()
	return nil
}

func (r *FileRotator) backupName(now time.Time) string {
	ext := filepath.Ext(r.path)
	name := strings.TrimSuffix(r.path, ext)
	return fmt.Sprintf("%s-%s%s", name, now.Format("20060102-150405.000000000"), ext)
}

func compressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rotated log: %w", err)
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return fmt.Errorf("create compressed log: %w", err)
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("compress log: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("compress log: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close compressed log: %w", err)
	}
	return os.Remove(path)
}

// cleanup removes the oldest backups beyond maxBackups.
func (r *FileRotator) cleanup() {
	if r.maxBackups <= 0 {
		return
	}
	backups, err := r.Backups()
	if err != nil || len(backups) <= r.maxBackups {
		return
	}
	for _, path := range backups[:len(backups)-r.maxBackups] {
		os.Remove(path)
	}
}

// Backups returns the rotated log files, oldest first.
func (r *FileRotator) Backups() ([]string, error) {
	ext := filepath.Ext(r.path)
	name := strings.TrimSuffix(r.path, ext)
	matches, err := filepath.Glob(name + "-*" + ext + "*")
	if err != nil {
		return nil, err
	}
	// Backup names embed a sortable timestamp.
	sort.Strings(matches)
	return matches, nil
}

// Close closes the underlying file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// Sync flushes the underlying file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}
