package job

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

type State string

const (
	StateRunning   State = "running"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// Run is one recorded execution of a job.
type Run struct {
	ID       string          `json:"id"`
	Target   string          `json:"target"`
	Kind     Kind            `json:"kind"`
	State    State           `json:"state"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished,omitzero"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

var ErrRunNotFound = errors.New("run not found")

// Bucket names for bbolt storage.
var (
	bucketRuns       = []byte("runs")         // id -> Run JSON
	bucketRunsByTime = []byte("runs_by_time") // timestamp+id -> id
	bucketPointers   = []byte("pointers")     // "latest" -> id

	keyLatest = []byte("latest")
)

// encodeTimestamp renders a time as fixed-width big-endian nanoseconds
// so the runs_by_time index sorts chronologically.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()-(-1<<63)))
	return buf
}

func makeTimeKey(started time.Time, id string) []byte {
	ts := encodeTimestamp(started)
	key := make([]byte, 8+len(id))
	copy(key[:8], ts)
	copy(key[8:], id)
	return key
}

// StatusStore persists run records so "is a job running / what did the
// last one do" survives process restarts.
type StatusStore struct {
	db     *bbolt.DB
	logger *slog.Logger
}

type StatusOption func(*StatusStore)

func WithStatusLogger(logger *slog.Logger) StatusOption {
	return func(s *StatusStore) { s.logger = logger }
}

func OpenStatus(path string, opts ...StatusOption) (*StatusStore, error) {
	s := &StatusStore{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening status database: %w", err)
	}
	s.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRuns, bucketRunsByTime, bucketPointers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *StatusStore) Close() error {
	return s.db.Close()
}

// PutRun writes or replaces a run record and moves the latest pointer
// to it.
func (s *StatusStore) PutRun(ctx context.Context, run *Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketRuns).Put([]byte(run.ID), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRunsByTime).Put(makeTimeKey(run.Started, run.ID), []byte(run.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketPointers).Put(keyLatest, []byte(run.ID))
	})
}

func (s *StatusStore) GetRun(ctx context.Context, id string) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var run Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return ErrRunNotFound
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Latest returns the most recently started run, or ErrRunNotFound on a
// fresh database.
func (s *StatusStore) Latest(ctx context.Context) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var run Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketPointers).Get(keyLatest)
		if id == nil {
			return ErrRunNotFound
		}
		data := tx.Bucket(bucketRuns).Get(id)
		if data == nil {
			return ErrRunNotFound
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *StatusStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var runs []*Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		runsBucket := tx.Bucket(bucketRuns)
		cursor := tx.Bucket(bucketRunsByTime).Cursor()
		for k, id := cursor.Last(); k != nil && len(runs) < limit; k, id = cursor.Prev() {
			data := runsBucket.Get(id)
			if data == nil {
				s.logger.Warn("dangling run index entry", "id", string(id))
				continue
			}
			var run Run
			if err := json.Unmarshal(data, &run); err != nil {
				return fmt.Errorf("decoding run %s: %w", id, err)
			}
			runs = append(runs, &run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// MarkInterrupted flips any run still recorded as running into failed.
// Called at startup: a running record can only be left over from a
// crashed process.
func (s *StatusStore) MarkInterrupted(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRuns)
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				continue
			}
			if run.State != StateRunning {
				continue
			}
			run.State = StateFailed
			run.Finished = now
			run.Error = "interrupted by process restart"
			data, err := json.Marshal(&run)
			if err != nil {
				return err
			}
			if err := bucket.Put(k, data); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}
