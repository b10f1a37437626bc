// Package cleanup purges cached tiles older than a cutoff from a
// backend, mirroring the seed fan-out without the fetch side.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	tilecache "github.com/mapsmith/tile-cache"
	"github.com/mapsmith/tile-cache/job"
	"github.com/mapsmith/tile-cache/pyramid"
	"github.com/mapsmith/tile-cache/store"
	"github.com/mapsmith/tile-cache/store/xyz"
	"github.com/mapsmith/tile-cache/telemetry"
)

// Result summarises one cleanup run.
type Result struct {
	Enumerated int           `json:"enumerated"`
	Deleted    int           `json:"deleted"`
	Kept       int           `json:"kept"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

type Cleaner struct {
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Cleaner)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cleaner) { c.logger = logger }
}

func WithNow(now func() time.Time) Option {
	return func(c *Cleaner) { c.now = now }
}

func New(opts ...Option) *Cleaner {
	c := &Cleaner{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run deletes every enumerated tile whose creation time predates the
// definition's cutoff. A zero refresh directive deletes everything in
// range. Metadata is never touched; empty XYZ directories are pruned
// after the deletes.
func (c *Cleaner) Run(ctx context.Context, def job.Definition) (*Result, error) {
	if err := def.Validate(job.KindCleanup); err != nil {
		return nil, err
	}

	start := c.now()
	logger := c.logger.With("target", def.Target, "store", def.Store)

	pyr, err := pyramid.Enumerate(def.Bounds, def.Zooms)
	if err != nil {
		return nil, fmt.Errorf("enumerating tiles: %w", err)
	}

	st, err := def.OpenStore(false, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store failed", "error", err)
		}
	}()

	cutoff, bounded := def.Refresh.Cutoff(c.now())
	logger.Info("cleanup starting", "tiles", pyr.Total, "cutoff", cutoff, "bounded", bounded)

	var deleted, kept, failed atomic.Int64
	sem := semaphore.NewWeighted(int64(def.Concurrency))
	var wg sync.WaitGroup

	for t := range pyr.Tiles {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			switch err := c.cleanOne(ctx, st, t, cutoff, bounded); {
			case err == nil:
				deleted.Add(1)
				telemetry.RecordTileOutcome(ctx, def.Target, "deleted")
			case errors.Is(err, errKept):
				kept.Add(1)
			default:
				failed.Add(1)
				telemetry.RecordTileOutcome(ctx, def.Target, "failed")
				logger.Warn("deleting tile failed", "tile", t, "error", err)
			}
		}()
	}
	wg.Wait()

	if tree, ok := store.Underlying(st).(*xyz.Tree); ok {
		if err := tree.PruneEmptyDirs(ctx); err != nil {
			logger.Warn("pruning empty directories failed", "error", err)
		}
	}

	res := &Result{
		Enumerated: int(pyr.Total),
		Deleted:    int(deleted.Load()),
		Kept:       int(kept.Load()),
		Failed:     int(failed.Load()),
		Duration:   c.now().Sub(start),
	}

	logger.Info("cleanup finished",
		"enumerated", res.Enumerated,
		"deleted", res.Deleted,
		"kept", res.Kept,
		"failed", res.Failed,
		"duration", res.Duration)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// errKept marks a tile outside the deletion predicate.
var errKept = errors.New("tile kept")

func (c *Cleaner) cleanOne(ctx context.Context, st store.TileStore, t tilecache.Tile, cutoff time.Time, bounded bool) error {
	if bounded {
		created, err := st.GetTileCreatedAt(ctx, t)
		if errors.Is(err, store.ErrNotFound) {
			return errKept
		}
		if err != nil {
			return err
		}
		if !created.Before(cutoff) {
			return errKept
		}
	} else {
		// Unbounded cleanup still only deletes what exists so absent
		// coordinates count as kept, not deleted.
		if _, err := st.GetTileCreatedAt(ctx, t); errors.Is(err, store.ErrNotFound) {
			return errKept
		} else if err != nil {
			return err
		}
	}
	return st.DeleteTile(ctx, t)
}
