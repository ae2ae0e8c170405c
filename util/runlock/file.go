package runlock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileLock is an O_EXCL lock file holding the owner's pid. A file older than
// StaleAfter is taken over; zero never expires.
type FileLock struct {
	Path       string
	StaleAfter time.Duration

	logger *zap.SugaredLogger
	now    func() time.Time

	mu   sync.Mutex
	held bool
}

// NewFileLock creates a lock at path
func NewFileLock(path string, staleAfter time.Duration, logger *zap.SugaredLogger) *FileLock {
	return &FileLock{
		Path:       path,
		StaleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Acquire creates the lock file.
func (l *FileLock) Acquire(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return ErrLocked
	}

	if dir := filepath.Dir(l.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create lock directory: %w", err)
		}
	}

	err := l.create()
	if errors.Is(err, fs.ErrExist) && l.takeOverStale() {
		err = l.create()
	}
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s (pid %s)", ErrLocked, l.Path, l.owner())
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	l.held = true
	return nil
}

// Release removes the lock file if this instance created it.
func (l *FileLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (l *FileLock) create() error {
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(l.Path)
		return errors.Join(werr, cerr)
	}
	return nil
}

// takeOverStale removes a lock file older than StaleAfter.
func (l *FileLock) takeOverStale() bool {
	if l.StaleAfter <= 0 {
		return false
	}
	info, err := os.Stat(l.Path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	age := l.now().Sub(info.ModTime())
	if age < l.StaleAfter {
		return false
	}
	if l.logger != nil {
		l.logger.Warnw("Taking over stale lock file", "path", l.Path, "pid", l.owner(), "age", age.String())
	}
	return os.Remove(l.Path) == nil
}

func (l *FileLock) owner() string {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}
