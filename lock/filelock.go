package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mapsmith/tile-cache/telemetry"
)

// Suffix is appended to a resource path to form its lock marker.
const Suffix = ".lock"

// FileLock guards a filesystem resource with a sibling marker file created
// exclusively. The protocol is cooperative: only participants calling
// WithLock honour it, and a crashed holder leaves an orphaned marker that
// SweepStale removes at startup. Crash recovery is best effort, not a
// correctness guarantee.
type FileLock struct {
	Timeout time.Duration
	Backoff Backoff
}

// NewFileLock returns a FileLock with the default timeout and backoff.
func NewFileLock() *FileLock {
	return &FileLock{Timeout: DefaultTimeout, Backoff: DefaultBackoff}
}

// WithLock acquires resource's marker, runs fn and releases the marker.
// Waiting for a held marker is bounded by the timeout; a missing parent
// directory is created and the acquisition retried.
func (l *FileLock) WithLock(ctx context.Context, resource string, fn func() error) error {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	backoff := l.Backoff
	if backoff.Initial <= 0 {
		backoff = DefaultBackoff
	}

	marker := resource + Suffix
	deadline := time.Now().Add(timeout)
	delay := backoff.Initial
	waitStart := time.Now()
	for {
		err := acquire(marker)
		if err == nil {
			break
		}
		switch {
		case errors.Is(err, fs.ErrExist):
			// Held by another participant; wait our turn.
			if time.Now().Add(delay).After(deadline) {
				return timeoutErr(resource, timeout)
			}
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			delay = backoff.Next(delay)
		case errors.Is(err, fs.ErrNotExist):
			if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
				return fmt.Errorf("creating lock directory: %w", err)
			}
		default:
			return fmt.Errorf("creating lock marker %s: %w", marker, err)
		}
	}

	telemetry.RecordLockWait(ctx, "lock_file", time.Since(waitStart))

	defer func() { _ = os.Remove(marker) }()
	return fn()
}

func acquire(marker string) error {
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	// Owner and acquisition time, for operators inspecting a stuck lock.
	fmt.Fprintf(f, "pid=%d acquired=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return f.Close()
}

// SweepStale removes every lock marker under root and returns the paths
// removed. It is meant to run at process startup, when no job can
// legitimately be mid-write.
func SweepStale(root string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var removed []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), Suffix) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove stale lock", "path", path, "error", err)
			return nil
		}
		logger.Info("removed stale lock", "path", path)
		removed = append(removed, path)
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweeping stale locks under %s: %w", root, err)
	}
	return removed, nil
}

var _ Locker = (*FileLock)(nil)
