package utils

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// steppingClock returns a time one second later on every call.
func steppingClock() func() time.Time {
	t := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestNewLogRotatorCreatesFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "drivefs.log")

	rotator, err := NewLogRotator(logFile, RotationConfig{MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("NewLogRotator() error = %v", err)
	}
	defer rotator.Close()

	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("log file was not created: %v", err)
	}

	if _, err := NewLogRotator("", RotationConfig{}); err == nil {
		t.Error("NewLogRotator() accepted an empty file name")
	}
}

func TestLogRotatorRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "drivefs.log")
	rotator, err := NewLogRotator(logFile, RotationConfig{MaxSizeMB: 1, Now: steppingClock()})
	if err != nil {
		t.Fatalf("NewLogRotator() error = %v", err)
	}
	defer rotator.Close()

	chunk := bytes.Repeat([]byte("x"), 600<<10)
	for i := 0; i < 3; i++ {
		if _, err := rotator.Write(chunk); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	backups, err := rotator.Backups()
	if err != nil {
		t.Fatalf("Backups() error = %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("Backups() = %v, want 2 files", backups)
	}
	info, err := os.Stat(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("current file size = %d, want %d", info.Size(), len(chunk))
	}
}

func TestLogRotatorPrunesAndCompresses(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "drivefs.log")
	rotator, err := NewLogRotator(logFile, RotationConfig{
		MaxSizeMB:  1,
		MaxBackups: 2,
		Compress:   true,
		Now:        steppingClock(),
	})
	if err != nil {
		t.Fatalf("NewLogRotator() error = %v", err)
	}
	defer rotator.Close()

	for i := 0; i < 4; i++ {
		if _, err := rotator.Write([]byte("line\n")); err != nil {
			t.Fatal(err)
		}
		if err := rotator.Rotate(); err != nil {
			t.Fatalf("Rotate() error = %v", err)
		}
	}

	backups, err := rotator.Backups()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 2 {
		t.Fatalf("Backups() = %v, want 2 after pruning", backups)
	}
	for _, b := range backups {
		if !strings.HasSuffix(b, ".log.gz") {
			t.Errorf("backup %s is not compressed", b)
			continue
		}
		f, err := os.Open(b)
		if err != nil {
			t.Fatal(err)
		}
		zr, err := gzip.NewReader(f)
		if err != nil {
			t.Fatalf("gzip.NewReader(%s) error = %v", b, err)
		}
		data, _ := io.ReadAll(zr)
		f.Close()
		if string(data) != "line\n" {
			t.Errorf("backup %s content = %q", b, data)
		}
	}
}

func TestLogRotatorWriteAfterClose(t *testing.T) {
	rotator, err := NewLogRotator(filepath.Join(t.TempDir(), "drivefs.log"), RotationConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rotator.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := rotator.Write([]byte("late")); err == nil {
		t.Error("Write() after Close() succeeded")
	}
	if err := rotator.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestNewLoggerWithRotation(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "drivefs.log")
	logger, err := NewLogger("INFO", logFile, "json", RotationConfig{MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("mounted")
	_ = logger.Sync()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"mounted"`) {
		t.Errorf("log file = %q, want a JSON mounted entry", data)
	}
}
