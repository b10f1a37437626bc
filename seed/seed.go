// Package seed drives one cache population run: enumerate the pyramid,
// evaluate the refresh policy per tile, fetch what is needed and write
// it through the backend's lock.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	tilecache "github.com/mapsmith/tile-cache"
	"github.com/mapsmith/tile-cache/fetch"
	"github.com/mapsmith/tile-cache/job"
	"github.com/mapsmith/tile-cache/pyramid"
	"github.com/mapsmith/tile-cache/refresh"
	"github.com/mapsmith/tile-cache/store"
	"github.com/mapsmith/tile-cache/telemetry"
)

// Result summarises one seed run. Per-tile failures accumulate here
// instead of failing the run.
type Result struct {
	Enumerated int           `json:"enumerated"`
	Fetched    int           `json:"fetched"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Absent     int           `json:"absent"`
	Duration   time.Duration `json:"duration"`
}

// Seeder runs seed jobs. One Seeder can run many jobs sequentially;
// each run opens its own store and fetch client.
type Seeder struct {
	client    *fetch.Client
	limiter   *rate.Limiter
	userAgent string
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Seeder)

// WithClient overrides the per-run fetch client. Mostly for tests.
func WithClient(c *fetch.Client) Option {
	return func(s *Seeder) { s.client = c }
}

// WithLimiter paces upstream requests across the whole run.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Seeder) { s.limiter = l }
}

func WithUserAgent(ua string) Option {
	return func(s *Seeder) { s.userAgent = ua }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Seeder) { s.logger = logger }
}

func WithNow(now func() time.Time) Option {
	return func(s *Seeder) { s.now = now }
}

func New(opts ...Option) *Seeder {
	s := &Seeder{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one seed job. Backend open and metadata sync failures
// fail the run; everything after that is per-tile and non-fatal.
// Cancellation stops admitting new tiles, waits for in-flight ones and
// returns ctx.Err alongside the partial result.
func (s *Seeder) Run(ctx context.Context, def job.Definition) (*Result, error) {
	if err := def.Validate(job.KindSeed); err != nil {
		return nil, err
	}

	start := s.now()
	logger := s.logger.With("target", def.Target, "store", def.Store)

	pyr, err := pyramid.Enumerate(def.Bounds, def.Zooms)
	if err != nil {
		return nil, fmt.Errorf("enumerating tiles: %w", err)
	}

	st, err := def.OpenStore(true, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store failed", "error", err)
		}
	}()

	if err := st.UpdateMetadata(ctx, &def.Metadata); err != nil {
		return nil, fmt.Errorf("syncing metadata: %w", err)
	}

	client := s.client
	if client == nil {
		clientOpts := []fetch.Option{
			fetch.WithLimiter(s.limiter),
			fetch.WithLogger(logger),
			fetch.WithTarget(def.Target),
		}
		if def.Timeout > 0 {
			clientOpts = append(clientOpts, fetch.WithTimeout(def.Timeout))
		}
		if s.userAgent != "" {
			clientOpts = append(clientOpts, fetch.WithUserAgent(s.userAgent))
		}
		client = fetch.New(clientOpts...)
	}

	evalOpts := []refresh.Option{
		refresh.WithLogger(logger),
		refresh.WithNow(s.now),
	}
	if def.Refresh.Hash {
		evalOpts = append(evalOpts, refresh.WithHashSource(client, def.URL.HashSibling()))
	}
	ev := refresh.New(def.Refresh, evalOpts...)

	retry := fetch.DefaultRetryOptions
	retry.MaxTries = def.MaxTries

	logger.Info("seed starting", "tiles", pyr.Total, "zooms", def.Zooms, "concurrency", def.Concurrency)

	var counters tally
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
			s.seedOne(ctx, client, ev, st, def, retry, t, &counters, logger)
		}()
	}
	wg.Wait()

	res := &Result{
		Enumerated: int(pyr.Total),
		Fetched:    int(counters.fetched.Load()),
		Skipped:    int(counters.skipped.Load()),
		Failed:     int(counters.failed.Load()),
		Absent:     int(counters.absent.Load()),
		Duration:   s.now().Sub(start),
	}

	logger.Info("seed finished",
		"enumerated", res.Enumerated,
		"fetched", res.Fetched,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"absent", res.Absent,
		"duration", res.Duration)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

type tally struct {
	fetched atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
	absent  atomic.Int64
}

func (s *Seeder) seedOne(ctx context.Context, client *fetch.Client, ev *refresh.Evaluator, st store.TileStore, def job.Definition, retry fetch.RetryOptions, t tilecache.Tile, counters *tally, logger *slog.Logger) {
	needs, err := ev.Needs(ctx, st, t)
	if err != nil {
		counters.failed.Add(1)
		telemetry.RecordTileOutcome(ctx, def.Target, "failed")
		logger.Warn("refresh check failed", "tile", t, "error", err)
		return
	}
	if !needs {
		counters.skipped.Add(1)
		telemetry.RecordTileOutcome(ctx, def.Target, "skipped")
		return
	}

	res, err := client.FetchWithRetry(ctx, def.URL.Expand(t), retry)
	if err != nil {
		if errors.Is(err, fetch.ErrAbsent) {
			counters.absent.Add(1)
			telemetry.RecordTileOutcome(ctx, def.Target, "absent")
			logger.Debug("tile absent upstream, skipped", "tile", t)
			return
		}
		counters.failed.Add(1)
		telemetry.RecordTileOutcome(ctx, def.Target, "failed")
		logger.Warn("abandoning tile", "tile", t, "error", err)
		return
	}

	data := res.Body
	format := tilecache.FormatFromPayload(data)

	if !def.StoreBlank && format == tilecache.FormatPNG && fetch.IsBlankPNG(data) {
		counters.skipped.Add(1)
		telemetry.RecordTileOutcome(ctx, def.Target, "skipped")
		logger.Debug("transparent tile discarded", "tile", t)
		return
	}

	if format == tilecache.FormatPBF {
		if data, err = fetch.EncodePBF(data); err != nil {
			counters.failed.Add(1)
			telemetry.RecordTileOutcome(ctx, def.Target, "failed")
			logger.Warn("compressing vector tile failed", "tile", t, "error", err)
			return
		}
	}

	var h tilecache.Hash
	if def.StoreHash {
		h = tilecache.HashBytes(data)
	}

	if err := st.PutTile(ctx, t, data, h); err != nil {
		counters.failed.Add(1)
		telemetry.RecordTileOutcome(ctx, def.Target, "failed")
		logger.Warn("storing tile failed", "tile", t, "error", err)
		return
	}
	counters.fetched.Add(1)
	telemetry.RecordTileOutcome(ctx, def.Target, "fetched")
}
