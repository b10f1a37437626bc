package job

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mapsmith/tile-cache/telemetry"
)

// ErrBusy rejects a start request while another run is active. Requests
// are rejected, never queued.
var ErrBusy = errors.New("a job is already running")

// RunFunc executes one job. The returned payload is recorded verbatim
// as the run's result.
type RunFunc func(ctx context.Context) (json.RawMessage, error)

type activeRun struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner executes at most one job at a time process-wide and records
// every run in the status store.
type Runner struct {
	mu     sync.Mutex
	active *activeRun

	status *StatusStore
	logger *slog.Logger
	now    func() time.Time
}

type RunnerOption func(*Runner)

func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

func WithRunnerNow(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

func NewRunner(status *StatusStore, opts ...RunnerOption) *Runner {
	r := &Runner{
		status: status,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches fn on its own goroutine and returns its run id, or
// ErrBusy while a previous run is still active.
func (r *Runner) Start(kind Kind, target string, fn RunFunc) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return "", ErrBusy
	}

	run := &Run{
		ID:      uuid.NewString(),
		Target:  target,
		Kind:    kind,
		State:   StateRunning,
		Started: r.now(),
	}
	if err := r.status.PutRun(context.Background(), run); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	active := &activeRun{
		id:     run.ID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.active = active

	go r.execute(ctx, active, run, fn)

	return run.ID, nil
}

func (r *Runner) execute(ctx context.Context, active *activeRun, run *Run, fn RunFunc) {
	defer func() {
		active.cancel()
		r.mu.Lock()
		r.active = nil
		r.mu.Unlock()
		close(active.done)
	}()

	logger := r.logger.With("run_id", run.ID, "kind", run.Kind, "target", run.Target)
	logger.Info("job started")

	result, err := fn(ctx)

	run.Finished = r.now()
	run.Result = result
	switch {
	case err == nil:
		run.State = StateDone
	case errors.Is(err, context.Canceled):
		run.State = StateCancelled
		run.Error = err.Error()
	default:
		run.State = StateFailed
		run.Error = err.Error()
	}

	if putErr := r.status.PutRun(context.Background(), run); putErr != nil {
		logger.Error("recording run outcome failed", "error", putErr)
	}
	telemetry.RecordJobRun(context.Background(), string(run.Kind), string(run.State), run.Finished.Sub(run.Started))
	logger.Info("job finished", "state", run.State, "duration", run.Finished.Sub(run.Started))
}

// Cancel requests cancellation of the active run. It returns the id of
// the run being cancelled, or ok=false when nothing is running. The run
// reaches its terminal state asynchronously.
func (r *Runner) Cancel() (id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return "", false
	}
	r.active.cancel()
	return r.active.id, true
}

// Active returns the id of the currently running job, if any.
func (r *Runner) Active() (id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return "", false
	}
	return r.active.id, true
}

// Wait blocks until the run with the given id finishes. Returns
// immediately if it is not the active run.
func (r *Runner) Wait(ctx context.Context, id string) error {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active == nil || active.id != id {
		return nil
	}
	select {
	case <-active.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
