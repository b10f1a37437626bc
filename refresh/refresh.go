// Package refresh decides whether a cached tile needs to be fetched
// again during a seed run.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tilecache "github.com/mapsmith/tile-cache"
	"github.com/mapsmith/tile-cache/fetch"
	"github.com/mapsmith/tile-cache/store"
)

// Directive selects at most one refresh mode. A zero directive means
// every enumerated tile is fetched unconditionally.
type Directive struct {
	// Time refreshes tiles created before this instant.
	Time *time.Time `json:"time,omitempty"`
	// Days refreshes tiles older than this many days at run start.
	Days *int `json:"days,omitempty"`
	// Hash refreshes tiles whose stored hash differs from the
	// upstream md5 endpoint.
	Hash bool `json:"hash,omitempty"`
}

func (d Directive) IsZero() bool {
	return d.Time == nil && d.Days == nil && !d.Hash
}

// Validate rejects directives with more than one mode set, and day
// counts that cannot describe a cutoff.
func (d Directive) Validate() error {
	modes := 0
	if d.Time != nil {
		modes++
	}
	if d.Days != nil {
		modes++
		if *d.Days < 0 {
			return fmt.Errorf("refresh days must be >= 0, got %d", *d.Days)
		}
	}
	if d.Hash {
		modes++
	}
	if modes > 1 {
		return errors.New("refresh directive allows at most one of time, days or hash")
	}
	return nil
}

// Cutoff resolves the time-based modes against now. ok is false for
// the zero directive and for hash mode.
func (d Directive) Cutoff(now time.Time) (cutoff time.Time, ok bool) {
	switch {
	case d.Time != nil:
		return *d.Time, true
	case d.Days != nil:
		return now.AddDate(0, 0, -*d.Days), true
	default:
		return time.Time{}, false
	}
}

// Evaluator answers the per-tile "do we need this one" question for a
// single directive against a single upstream.
type Evaluator struct {
	directive Directive
	client    *fetch.Client
	hashURL   tilecache.URLTemplate
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Evaluator)

// WithHashSource wires the client and md5 sibling template used by
// hash-mode probes.
func WithHashSource(c *fetch.Client, tmpl tilecache.URLTemplate) Option {
	return func(e *Evaluator) {
		e.client = c
		e.hashURL = tmpl
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = logger }
}

func WithNow(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

func New(d Directive, opts ...Option) *Evaluator {
	e := &Evaluator{
		directive: d,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Needs reports whether the tile should be fetched. A tile missing
// locally always needs fetching. Hash probes that fail upstream count
// as needing a refresh; the subsequent fetch settles the question.
func (e *Evaluator) Needs(ctx context.Context, s store.TileStore, t tilecache.Tile) (bool, error) {
	if e.directive.IsZero() {
		return true, nil
	}

	if cutoff, ok := e.directive.Cutoff(e.now()); ok {
		created, err := s.GetTileCreatedAt(ctx, t)
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("reading tile age: %w", err)
		}
		return created.Before(cutoff), nil
	}

	// hash mode
	local, err := s.GetTileHash(ctx, t)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading tile hash: %w", err)
	}

	if e.client == nil || e.hashURL == "" {
		return false, errors.New("hash directive requires an upstream hash source")
	}

	remote, err := e.client.FetchHash(ctx, e.hashURL.Expand(t))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		e.logger.Warn("hash probe failed, forcing refresh", "tile", t, "error", err)
		return true, nil
	}
	return local != remote, nil
}
