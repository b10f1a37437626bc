package store

import (
	"context"
	"errors"
	"time"

	tilecache "github.com/mapsmith/tile-cache"
	"github.com/mapsmith/tile-cache/telemetry"
)

// InstrumentedStore wraps a TileStore with metrics recording.
type InstrumentedStore struct {
	store TileStore
	name  string
}

// NewInstrumentedStore creates a new instrumented store wrapper. name
// labels the metrics, normally the store kind.
func NewInstrumentedStore(s TileStore, name string) *InstrumentedStore {
	return &InstrumentedStore{store: s, name: name}
}

// Underlying returns the store beneath any instrumentation wrapper.
func Underlying(s TileStore) TileStore {
	if is, ok := s.(*InstrumentedStore); ok {
		return is.store
	}
	return s
}

func (is *InstrumentedStore) GetTile(ctx context.Context, t tilecache.Tile) ([]byte, error) {
	start := time.Now()
	data, err := is.store.GetTile(ctx, t)
	telemetry.RecordStoreOp(ctx, is.name, "get", outcomeFromError(err), time.Since(start), int64(len(data)))
	return data, err
}

func (is *InstrumentedStore) GetTileHash(ctx context.Context, t tilecache.Tile) (tilecache.Hash, error) {
	start := time.Now()
	h, err := is.store.GetTileHash(ctx, t)
	telemetry.RecordStoreOp(ctx, is.name, "get_hash", outcomeFromError(err), time.Since(start), 0)
	return h, err
}

func (is *InstrumentedStore) GetTileCreatedAt(ctx context.Context, t tilecache.Tile) (time.Time, error) {
	start := time.Now()
	created, err := is.store.GetTileCreatedAt(ctx, t)
	telemetry.RecordStoreOp(ctx, is.name, "get_created_at", outcomeFromError(err), time.Since(start), 0)
	return created, err
}

func (is *InstrumentedStore) PutTile(ctx context.Context, t tilecache.Tile, data []byte, hash tilecache.Hash) error {
	start := time.Now()
	err := is.store.PutTile(ctx, t, data, hash)
	telemetry.RecordStoreOp(ctx, is.name, "put", outcomeFromError(err), time.Since(start), int64(len(data)))
	return err
}

func (is *InstrumentedStore) DeleteTile(ctx context.Context, t tilecache.Tile) error {
	start := time.Now()
	err := is.store.DeleteTile(ctx, t)
	telemetry.RecordStoreOp(ctx, is.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *InstrumentedStore) GetMetadata(ctx context.Context) (*Metadata, error) {
	start := time.Now()
	md, err := is.store.GetMetadata(ctx)
	telemetry.RecordStoreOp(ctx, is.name, "get_metadata", outcomeFromError(err), time.Since(start), 0)
	return md, err
}

func (is *InstrumentedStore) UpdateMetadata(ctx context.Context, m *Metadata) error {
	start := time.Now()
	err := is.store.UpdateMetadata(ctx, m)
	telemetry.RecordStoreOp(ctx, is.name, "update_metadata", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *InstrumentedStore) Close() error {
	return is.store.Close()
}

// SampleFormat delegates to the underlying store if it implements
// FormatScanner.
func (is *InstrumentedStore) SampleFormat(ctx context.Context) (string, error) {
	fs, ok := is.store.(FormatScanner)
	if !ok {
		return "", nil
	}
	return fs.SampleFormat(ctx)
}

// ScanBounds delegates to the underlying store if it implements
// BoundsScanner.
func (is *InstrumentedStore) ScanBounds(ctx context.Context) (Extent, bool, error) {
	bs, ok := is.store.(BoundsScanner)
	if !ok {
		return Extent{}, false, nil
	}
	return bs.ScanBounds(ctx)
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrReadOnly):
		return "read_only"
	default:
		return "error"
	}
}

var (
	_ TileStore     = (*InstrumentedStore)(nil)
	_ FormatScanner = (*InstrumentedStore)(nil)
	_ BoundsScanner = (*InstrumentedStore)(nil)
)
