package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotatingFileWriter appends to a log file and rotates it once the size
// limit is hit. Rotated files are kept as <path>.1 .. <path>.N, newest
// first; anything beyond maxBackups is dropped.
type RotatingFileWriter struct {
	mu           sync.Mutex
	path         string
	maxSizeBytes int64
	maxBackups   int
	file         *os.File
	size         int64
}

func NewRotatingFileWriter(path string, maxSizeBytes int64, maxBackups int) (*RotatingFileWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("log path is required")
	}
	if maxSizeBytes <= 0 {
		return nil, fmt.Errorf("maxSizeBytes must be > 0")
	}
	if maxBackups < 0 {
		maxBackups = 0
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	w := &RotatingFileWriter{
		path:         path,
		maxSizeBytes: maxSizeBytes,
		maxBackups:   maxBackups,
		file:         f,
	}
	if stat, err := f.Stat(); err == nil {
		w.size = stat.Size()
	}

	// A file left oversized by a previous run rotates before the first write.
	if w.size > w.maxSizeBytes {
		if err := w.rotateLocked(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}

	// A single entry larger than the limit is still written into an empty
	// file; otherwise rotation would loop without ever making progress.
	if w.size > 0 && w.size+int64(len(p)) > w.maxSizeBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingFileWriter) rotateLocked() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return err
		}
		w.file = nil
	}

	if w.maxBackups <= 0 {
		if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	} else if err := w.shiftBackups(); err != nil {
		return err
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.size = 0
	return nil
}

// shiftBackups renames path.N-1 to path.N down the chain and then moves the
// live file to path.1, discarding whatever sat at path.maxBackups.
func (w *RotatingFileWriter) shiftBackups() error {
	if err := removeIfExists(w.backupPath(w.maxBackups)); err != nil {
		return err
	}

	for idx := w.maxBackups - 1; idx >= 1; idx-- {
		src := w.backupPath(idx)
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		dst := w.backupPath(idx + 1)
		if err := removeIfExists(dst); err != nil {
			return err
		}
		if err := os.Rename(src, dst); err != nil {
			return err
		}
	}

	if _, err := os.Stat(w.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	first := w.backupPath(1)
	if err := removeIfExists(first); err != nil {
		return err
	}
	return os.Rename(w.path, first)
}

func (w *RotatingFileWriter) backupPath(idx int) string {
	return fmt.Sprintf("%s.%d", w.path, idx)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
