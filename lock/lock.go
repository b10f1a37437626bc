// Package lock provides mutual exclusion over a single on-disk resource:
// a tile database, its sidecar index, or an individual cached artifact file.
//
// Two strategies share one contract. BusyRetry leans on SQLite's own file
// locking and only absorbs transient contention; FileLock is a cooperative
// advisory protocol using an exclusively-created marker file, which works
// across processes but is only honoured by participants calling WithLock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired before the
// strategy's timeout elapsed.
var ErrTimeout = errors.New("lock timeout")

// Locker serialises mutations of one resource. fn runs at most once; its
// error is returned as-is unless the lock itself could not be taken.
type Locker interface {
	WithLock(ctx context.Context, resource string, fn func() error) error
}

// Backoff is a bounded exponential wait policy. A Multiplier of 1 gives a
// fixed interval.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff waits tens of milliseconds between attempts, doubling up
// to a quarter second.
var DefaultBackoff = Backoff{
	Initial:    25 * time.Millisecond,
	Max:        250 * time.Millisecond,
	Multiplier: 2.0,
}

// Next returns the delay to wait after the given delay.
func (b Backoff) Next(d time.Duration) time.Duration {
	if b.Multiplier <= 1 {
		return d
	}
	n := time.Duration(float64(d) * b.Multiplier)
	if n > b.Max {
		return b.Max
	}
	return n
}

// DefaultTimeout tolerates a burst of concurrent writers under a job's
// concurrency cap without spuriously failing. The write phase itself is
// short; the timeout governs waiting.
const DefaultTimeout = 2 * time.Minute

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func timeoutErr(resource string, timeout time.Duration) error {
	return fmt.Errorf("%w: %s not released within %s", ErrTimeout, resource, timeout)
}

// IsBusy reports whether err is SQLite telling us the database file is
// locked by another connection. The modernc driver surfaces these as
// error strings carrying the standard SQLite result messages.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
