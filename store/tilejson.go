package store

import (
	"context"
	"fmt"

	tilecache "github.com/mapsmith/tile-cache"
)

// TileJSON is the capability document the serving path answers with for a
// tile archive, following the TileJSON 3.0 field names.
type TileJSON struct {
	TileJSON     string        `json:"tilejson"`
	Name         string        `json:"name,omitempty"`
	Description  string        `json:"description,omitempty"`
	Attribution  string        `json:"attribution,omitempty"`
	Version      string        `json:"version,omitempty"`
	Format       string        `json:"format"`
	Tiles        []string      `json:"tiles,omitempty"`
	MinZoom      int           `json:"minzoom"`
	MaxZoom      int           `json:"maxzoom"`
	Bounds       [4]float64    `json:"bounds"`
	Center       *[3]float64   `json:"center,omitempty"`
	VectorLayers []VectorLayer `json:"vector_layers,omitempty"`
}

// worldBounds is the fallback coverage when nothing can be derived.
var worldBounds = [4]float64{-180, -85.05112878, 180, 85.05112878}

// DeriveTileJSON builds a TileJSON document for the store. Format and
// bounds are always resolvable: explicit metadata wins, then derivation by
// scanning stored tiles, then the documented defaults (minzoom 0,
// maxzoom 22, world bounds) for an empty store.
func DeriveTileJSON(ctx context.Context, s TileStore) (*TileJSON, error) {
	md, err := s.GetMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	tj := &TileJSON{
		TileJSON:     "3.0.0",
		Name:         md.Name,
		Description:  md.Description,
		Attribution:  md.Attribution,
		Version:      md.Version,
		Format:       md.Format,
		Center:       md.Center,
		VectorLayers: md.VectorLayers,
		MinZoom:      0,
		MaxZoom:      tilecache.MaxZoom,
		Bounds:       worldBounds,
	}
	if md.MinZoom != nil {
		tj.MinZoom = *md.MinZoom
	}
	if md.MaxZoom != nil {
		tj.MaxZoom = *md.MaxZoom
	}
	if md.Bounds != nil {
		tj.Bounds = [4]float64{md.Bounds.Min[0], md.Bounds.Min[1], md.Bounds.Max[0], md.Bounds.Max[1]}
	}

	if tj.Format == "" {
		if fs, ok := s.(FormatScanner); ok {
			format, err := fs.SampleFormat(ctx)
			if err != nil {
				return nil, fmt.Errorf("sampling tile format: %w", err)
			}
			tj.Format = format
		}
		if tj.Format == "" {
			tj.Format = tilecache.FormatPNG
		}
	}

	needZoom := md.MinZoom == nil || md.MaxZoom == nil
	if md.Bounds == nil || needZoom {
		if bs, ok := s.(BoundsScanner); ok {
			ext, ok, err := bs.ScanBounds(ctx)
			if err != nil {
				return nil, fmt.Errorf("scanning bounds: %w", err)
			}
			if ok {
				if md.Bounds == nil {
					tj.Bounds = ext.Bounds
				}
				if md.MinZoom == nil {
					tj.MinZoom = ext.MinZoom
				}
				if md.MaxZoom == nil {
					tj.MaxZoom = ext.MaxZoom
				}
			}
		}
	}

	return tj, nil
}
