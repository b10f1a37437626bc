// Package pmtiles adapts a remote PMTiles archive to the TileStore
// contract. PMTiles archives are immutable single-file bundles read over
// HTTP range requests, so every mutating operation returns ErrReadOnly:
// they are served, never seeded.
package pmtiles

import (
	"context"
	"fmt"
	"time"

	"github.com/iwpnd/pmtilr"

	tilecache "github.com/mapsmith/tile-cache"
	"github.com/mapsmith/tile-cache/store"
)

// Source is a read-only tile source backed by a PMTiles archive.
type Source struct {
	src  pmtilr.Source
	name string
}

// Open connects to the archive at uri (local path or HTTP URL) and loads
// its header and metadata.
func Open(ctx context.Context, uri string) (*Source, error) {
	src, err := pmtilr.NewSource(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("opening pmtiles archive %s: %w", uri, err)
	}
	return &Source{src: src, name: uri}, nil
}

// GetTile reads the tile from the archive.
func (s *Source) GetTile(ctx context.Context, t tilecache.Tile) ([]byte, error) {
	data, err := s.src.Tile(ctx, uint64(t.Z), uint64(t.X), uint64(t.Y))
	if err != nil {
		return nil, fmt.Errorf("reading pmtiles tile %s: %w", t, err)
	}
	if len(data) == 0 {
		return nil, store.ErrNotFound
	}
	return data, nil
}

// GetTileHash is unsupported: PMTiles archives carry no per-tile hash.
func (s *Source) GetTileHash(ctx context.Context, t tilecache.Tile) (tilecache.Hash, error) {
	return tilecache.Hash{}, store.ErrNotFound
}

// GetTileCreatedAt is unsupported: PMTiles archives carry no per-tile
// timestamps.
func (s *Source) GetTileCreatedAt(ctx context.Context, t tilecache.Tile) (time.Time, error) {
	return time.Time{}, store.ErrNotFound
}

// PutTile returns ErrReadOnly.
func (s *Source) PutTile(ctx context.Context, t tilecache.Tile, data []byte, hash tilecache.Hash) error {
	return store.ErrReadOnly
}

// DeleteTile returns ErrReadOnly.
func (s *Source) DeleteTile(ctx context.Context, t tilecache.Tile) error {
	return store.ErrReadOnly
}

// GetMetadata reports the zoom range from the archive header.
func (s *Source) GetMetadata(ctx context.Context) (*store.Metadata, error) {
	header := s.src.Header()
	minZoom := int(header.MinZoom)
	maxZoom := int(header.MaxZoom)
	return &store.Metadata{
		Name:    s.name,
		MinZoom: &minZoom,
		MaxZoom: &maxZoom,
	}, nil
}

// UpdateMetadata returns ErrReadOnly.
func (s *Source) UpdateMetadata(ctx context.Context, m *store.Metadata) error {
	return store.ErrReadOnly
}

// Close satisfies TileStore. The archive reader holds no resources that
// need releasing.
func (s *Source) Close() error {
	return nil
}

var _ store.TileStore = (*Source)(nil)
