// Package job describes seed and cleanup work units, validates them,
// runs them one at a time, and records run outcomes.
package job

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"

	tilecache "github.com/mapsmith/tile-cache"
	"github.com/mapsmith/tile-cache/lock"
	"github.com/mapsmith/tile-cache/refresh"
	"github.com/mapsmith/tile-cache/store"
	"github.com/mapsmith/tile-cache/store/mbtiles"
	"github.com/mapsmith/tile-cache/store/xyz"
)

type Kind string

const (
	KindSeed    Kind = "seed"
	KindCleanup Kind = "cleanup"
)

type StoreKind string

const (
	StoreMBTiles StoreKind = "mbtiles"
	StoreXYZ     StoreKind = "xyz"
)

// Definition is one immutable unit of work against one target archive.
type Definition struct {
	Target string `json:"target"`

	// URL is the upstream template with {z}/{x}/{y} placeholders. The
	// md5 sibling used by hash-mode refresh is derived from it.
	URL tilecache.URLTemplate `json:"url,omitempty"`

	Bounds []orb.Bound `json:"bounds"`
	Zooms  []int       `json:"zooms"`

	Concurrency int           `json:"concurrency"`
	MaxTries    int           `json:"max_tries"`
	Timeout     time.Duration `json:"timeout"`

	Refresh refresh.Directive `json:"refresh"`

	// StoreHash persists a content hash alongside each tile. Required
	// for hash-mode refresh on later runs.
	StoreHash bool `json:"store_hash"`
	// StoreBlank keeps fully transparent raster tiles instead of
	// discarding them.
	StoreBlank bool `json:"store_blank"`

	Store StoreKind `json:"store"`
	Path  string    `json:"path"`

	Metadata store.Metadata `json:"metadata,omitzero"`
}

// Validate rejects definitions before any work starts. kind selects
// the rules: seed requires an upstream template, cleanup forbids the
// hash refresh mode.
func (d Definition) Validate(kind Kind) error {
	if d.Target == "" {
		return errors.New("job target must not be empty")
	}

	switch kind {
	case KindSeed:
		if err := d.URL.Validate(); err != nil {
			return fmt.Errorf("upstream url: %w", err)
		}
	case KindCleanup:
		if d.Refresh.Hash {
			return errors.New("cleanup does not support the hash refresh mode")
		}
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}

	if len(d.Bounds) == 0 {
		return errors.New("job needs at least one bounding box")
	}
	for i, b := range d.Bounds {
		if b.Min.Lon() > b.Max.Lon() || b.Min.Lat() > b.Max.Lat() {
			return fmt.Errorf("bounding box %d is inverted", i)
		}
	}

	if len(d.Zooms) == 0 {
		return errors.New("job needs at least one zoom level")
	}
	for _, z := range d.Zooms {
		if z < 0 || z > tilecache.MaxZoom {
			return fmt.Errorf("zoom %d outside 0..%d", z, tilecache.MaxZoom)
		}
	}

	if d.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", d.Concurrency)
	}
	if d.MaxTries < 1 {
		return fmt.Errorf("max_tries must be >= 1, got %d", d.MaxTries)
	}

	if err := d.Refresh.Validate(); err != nil {
		return err
	}
	if d.Refresh.Hash && !d.StoreHash {
		return errors.New("hash refresh mode requires store_hash")
	}

	switch d.Store {
	case StoreMBTiles, StoreXYZ:
	default:
		return fmt.Errorf("unknown store kind %q", d.Store)
	}
	if d.Path == "" {
		return errors.New("store path must not be empty")
	}
	return nil
}

// OpenStore opens the definition's backend with the lock strategy that
// matches it: SQLite busy-retry for MBTiles, advisory lock files for
// XYZ trees.
func (d Definition) OpenStore(create bool, logger *slog.Logger) (store.TileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		st  store.TileStore
		err error
	)
	switch d.Store {
	case StoreMBTiles:
		st, err = mbtiles.Open(d.Path, create,
			mbtiles.WithLocker(lock.NewBusyRetry()),
			mbtiles.WithLogger(logger))
	case StoreXYZ:
		st, err = xyz.Open(d.Path, create,
			xyz.WithLocker(lock.NewFileLock()),
			xyz.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown store kind %q", d.Store)
	}
	if err != nil {
		return nil, err
	}
	return store.NewInstrumentedStore(st, string(d.Store)), nil
}
