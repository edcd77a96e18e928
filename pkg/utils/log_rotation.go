package utils

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

// RotationConfig configures size-based rotation of a log file.
type RotationConfig struct {
	// MaxSizeMB rotates the file once it would grow past this size. Zero
	// disables rotation.
	MaxSizeMB int64
	// MaxBackups is the number of rotated files kept. Zero keeps all of them.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool

	Now func() time.Time
}

// LogRotator is an io.Writer over a log file that rotates it by size. Rotated
// files are named <base>-<timestamp><ext>, with .gz appended when compressed.
type LogRotator struct {
	mu       sync.Mutex
	filename string
	config   RotationConfig
	file     *os.File
	size     int64
}

// NewLogRotator opens filename for appending, creating its directory.
func NewLogRotator(filename string, config RotationConfig) (*LogRotator, error) {
	if filename == "" {
		return nil, fmt.Errorf("log rotation requires a file name")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	r := &LogRotator{filename: filename, config: config}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// Write implements io.Writer. A single write larger than the limit still
// goes to one file.
func (r *LogRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if max := r.config.MaxSizeMB << 20; max > 0 && r.size > 0 && r.size+int64(len(p)) > max {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Sync flushes the current file.
func (r *LogRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// Close closes the current file. Later writes fail.
func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Rotate moves the current file aside and starts a new one.
func (r *LogRotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotate()
}

func (r *LogRotator) open() error {
	if err := os.MkdirAll(filepath.Dir(r.filename), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(r.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

func (r *LogRotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return err
		}
		r.file = nil
	}

	backup := r.backupName(r.config.Now().UTC())
	if err := os.Rename(r.filename, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	if r.config.Compress {
		if err := gzipFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "drivefs: failed to compress %s: %v\n", backup, err)
		}
	}
	if err := r.prune(); err != nil {
		fmt.Fprintf(os.Stderr, "drivefs: failed to prune log backups: %v\n", err)
	}
	return r.open()
}

func (r *LogRotator) split() (dir, prefix, ext string) {
	dir = filepath.Dir(r.filename)
	base := filepath.Base(r.filename)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext) + "-", ext
}

func (r *LogRotator) backupName(ts time.Time) string {
	dir, prefix, ext := r.split()
	name := filepath.Join(dir, prefix+ts.Format("2006-01-02T15-04-05.000")+ext)
	// Two rotations within a millisecond would collide.
	for i := 1; fileExists(name) || fileExists(name+".gz"); i++ {
		name = filepath.Join(dir, fmt.Sprintf("%s%s.%d%s", prefix, ts.Format("2006-01-02T15-04-05.000"), i, ext))
	}
	return name
}

// Backups lists rotated files, oldest first.
func (r *LogRotator) Backups() ([]string, error) {
	dir, prefix, ext := r.split()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			names = append(names, filepath.Join(dir, name))
		}
	}
	// Timestamps sort lexically.
	sort.Strings(names)
	return names, nil
}

func (r *LogRotator) prune() error {
	if r.config.MaxBackups <= 0 {
		return nil
	}
	backups, err := r.Backups()
	if err != nil {
		return err
	}
	for len(backups) > r.config.MaxBackups {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}
