// Package store defines the storage backend contract for tile archives and
// the metadata record they carry.
package store

import (
	"context"
	"errors"
	"time"

	tilecache "github.com/mapsmith/tile-cache"
)

// ErrNotFound is returned when a tile, hash or timestamp does not exist.
var ErrNotFound = errors.New("not found")

// ErrReadOnly is returned by mutating operations on read-only sources.
var ErrReadOnly = errors.New("store is read-only")

// TileStore is a tile archive keyed by (z, x, y) in XYZ convention.
// Implementations must be safe for concurrent use: readers never block on
// the lock manager, and a reader observes either the fully-old or the
// fully-new payload/hash/timestamp triple for a coordinate, never a mix.
type TileStore interface {
	// GetTile returns the raw payload. Returns ErrNotFound if absent.
	GetTile(ctx context.Context, t tilecache.Tile) ([]byte, error)

	// GetTileHash returns the stored content hash.
	// Returns ErrNotFound if the tile is absent or carries no hash.
	GetTileHash(ctx context.Context, t tilecache.Tile) (tilecache.Hash, error)

	// GetTileCreatedAt returns the stored creation time.
	// Returns ErrNotFound if the tile is absent or carries no timestamp.
	GetTileCreatedAt(ctx context.Context, t tilecache.Tile) (time.Time, error)

	// PutTile upserts payload, hash and creation time atomically. A zero
	// hash stores "no hash".
	PutTile(ctx context.Context, t tilecache.Tile, data []byte, hash tilecache.Hash) error

	// DeleteTile removes the tile. Deleting an absent tile is a no-op.
	DeleteTile(ctx context.Context, t tilecache.Tile) error

	// GetMetadata returns the archive's metadata record.
	GetMetadata(ctx context.Context) (*Metadata, error)

	// UpdateMetadata upserts the set fields of m per key, leaving other
	// stored keys untouched.
	UpdateMetadata(ctx context.Context, m *Metadata) error

	// Close releases the backend handle.
	Close() error
}

// FormatScanner is implemented by stores that can sniff the tile format
// from stored payloads when metadata does not record one.
type FormatScanner interface {
	// SampleFormat inspects a stored tile and reports its format, or ""
	// when the store is empty.
	SampleFormat(ctx context.Context) (string, error)
}

// BoundsScanner is implemented by stores that can derive coverage by
// aggregating per-zoom column/row extents of stored tiles.
type BoundsScanner interface {
	// ScanBounds returns derived bounds and zoom range. ok is false when
	// the store is empty.
	ScanBounds(ctx context.Context) (b Extent, ok bool, err error)
}

// Extent is a derived coverage summary.
type Extent struct {
	MinZoom int
	MaxZoom int
	// Bounds as [lonMin, latMin, lonMax, latMax] degrees.
	Bounds [4]float64
}
