package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffNext(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Multiplier: 2}

	d := b.Initial
	d = b.Next(d)
	require.Equal(t, 20*time.Millisecond, d)
	d = b.Next(d)
	require.Equal(t, 40*time.Millisecond, d)
	d = b.Next(d)
	require.Equal(t, 40*time.Millisecond, d)

	fixed := Backoff{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Multiplier: 1}
	require.Equal(t, 10*time.Millisecond, fixed.Next(10*time.Millisecond))
}

func TestBusyRetrySucceedsAfterContention(t *testing.T) {
	l := &BusyRetry{
		Timeout: time.Second,
		Backoff: Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}

	attempts := 0
	err := l.WithLock(context.Background(), "test.db", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestBusyRetryPropagatesOtherErrors(t *testing.T) {
	l := NewBusyRetry()

	sentinel := errors.New("constraint failed")
	attempts := 0
	err := l.WithLock(context.Background(), "test.db", func() error {
		attempts++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, attempts)
}

func TestBusyRetryTimesOut(t *testing.T) {
	l := &BusyRetry{
		Timeout: 20 * time.Millisecond,
		Backoff: Backoff{Initial: 5 * time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 1},
	}

	err := l.WithLock(context.Background(), "test.db", func() error {
		return errors.New("database is locked")
	})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestIsBusy(t *testing.T) {
	require.True(t, IsBusy(errors.New("database is locked")))
	require.True(t, IsBusy(fmt.Errorf("step: %w", errors.New("SQLITE_BUSY"))))
	require.False(t, IsBusy(errors.New("no such table: tiles")))
	require.False(t, IsBusy(nil))
}

func TestFileLockCreatesAndRemovesMarker(t *testing.T) {
	resource := filepath.Join(t.TempDir(), "style.json")

	l := NewFileLock()
	err := l.WithLock(context.Background(), resource, func() error {
		// Marker exists while fn runs.
		_, err := os.Stat(resource + Suffix)
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	_, err = os.Stat(resource + Suffix)
	require.True(t, os.IsNotExist(err))
}

func TestFileLockCreatesMissingParent(t *testing.T) {
	resource := filepath.Join(t.TempDir(), "sprites", "nested", "sprite.png")

	l := NewFileLock()
	err := l.WithLock(context.Background(), resource, func() error { return nil })
	require.NoError(t, err)
}

func TestFileLockReleasesOnError(t *testing.T) {
	resource := filepath.Join(t.TempDir(), "font.pbf")

	l := NewFileLock()
	sentinel := errors.New("write failed")
	err := l.WithLock(context.Background(), resource, func() error { return sentinel })
	require.ErrorIs(t, err, sentinel)

	// Marker released despite the error.
	_, err = os.Stat(resource + Suffix)
	require.True(t, os.IsNotExist(err))
}

func TestFileLockContention(t *testing.T) {
	resource := filepath.Join(t.TempDir(), "tiles.json")

	l := &FileLock{
		Timeout: 5 * time.Second,
		Backoff: Backoff{Initial: 2 * time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 2},
	}

	var mu sync.Mutex
	var holders int
	var maxHolders int
	var order []int

	var wg sync.WaitGroup
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), resource, func() error {
				mu.Lock()
				holders++
				if holders > maxHolders {
					maxHolders = holders
				}
				order = append(order, i)
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)

				mu.Lock()
				holders--
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	// Exactly one writer inside the critical section at a time, and both
	// eventually proceeded within the timeout.
	require.Equal(t, 1, maxHolders)
	require.Len(t, order, 2)
}

func TestFileLockTimesOutWhileHeld(t *testing.T) {
	resource := filepath.Join(t.TempDir(), "style.json")

	// Simulate an uncooperative holder.
	require.NoError(t, os.WriteFile(resource+Suffix, []byte("pid=1\n"), 0o644))

	l := &FileLock{
		Timeout: 30 * time.Millisecond,
		Backoff: Backoff{Initial: 5 * time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 1},
	}
	err := l.WithLock(context.Background(), resource, func() error { return nil })
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSweepStale(t *testing.T) {
	root := t.TempDir()

	stale := filepath.Join(root, "styles", "basic.json"+Suffix)
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("pid=1\n"), 0o644))

	keep := filepath.Join(root, "styles", "basic.json")
	require.NoError(t, os.WriteFile(keep, []byte("{}"), 0o644))

	removed, err := SweepStale(root, slog.Default())
	require.NoError(t, err)
	require.Equal(t, []string{stale}, removed)

	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(keep)
	require.NoError(t, err)
}

func TestSweepStaleMissingRoot(t *testing.T) {
	removed, err := SweepStale(filepath.Join(t.TempDir(), "absent"), slog.Default())
	require.NoError(t, err)
	require.Empty(t, removed)
}
