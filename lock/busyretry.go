package lock

import (
	"context"
	"time"

	"github.com/mapsmith/tile-cache/telemetry"
)

// BusyRetry serialises SQLite writes by retrying fn while the engine
// reports the database busy. Correctness comes from SQLite's own
// file-level locking; the loop only rides out transient contention.
type BusyRetry struct {
	Timeout time.Duration
	Backoff Backoff
}

// NewBusyRetry returns a BusyRetry with the default timeout and backoff.
func NewBusyRetry() *BusyRetry {
	return &BusyRetry{Timeout: DefaultTimeout, Backoff: DefaultBackoff}
}

// WithLock runs fn, retrying busy errors until the timeout elapses.
// Non-busy errors from fn are returned immediately.
func (l *BusyRetry) WithLock(ctx context.Context, resource string, fn func() error) error {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	backoff := l.Backoff
	if backoff.Initial <= 0 {
		backoff = DefaultBackoff
	}

	var waited time.Duration
	defer func() { telemetry.RecordLockWait(ctx, "busy_retry", waited) }()

	deadline := time.Now().Add(timeout)
	delay := backoff.Initial
	for {
		err := fn()
		if err == nil || !IsBusy(err) {
			return err
		}
		if time.Now().Add(delay).After(deadline) {
			return timeoutErr(resource, timeout)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		waited += delay
		delay = backoff.Next(delay)
	}
}

var _ Locker = (*BusyRetry)(nil)
