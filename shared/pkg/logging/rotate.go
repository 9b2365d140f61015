package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// rotatingFile is a zapcore.WriteSyncer whose underlying file can be swapped
type rotatingFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openRotatingFile(path string) (*rotatingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return &rotatingFile{path: path, f: f}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Write(p)
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Sync()
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// rotate renames the file to a timestamped backup once it exceeds maxSize.
// Returns the backup path, or "" when no rotation happened.
func (r *rotatingFile) rotate(maxSize int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() <= maxSize {
		return "", nil
	}

	r.f.Close()
	backup := r.path + "." + time.Now().Format("20060102-150405")
	if err := os.Rename(r.path, backup); err != nil {
		return "", err
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", err
	}
	r.f = f
	return backup, nil
}
