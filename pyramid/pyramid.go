// Package pyramid enumerates the tile pyramid covered by a set of
// geographic bounding boxes across a set of zoom levels.
package pyramid

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	tilecache "github.com/mapsmith/tile-cache"
)

// MercatorLatLimit is the latitude beyond which the Web-Mercator
// projection is undefined. Latitudes are clamped to this before tiling.
const MercatorLatLimit = 85.05112878

// Range is the inclusive column/row range one bounding box covers at one
// zoom level.
type Range struct {
	Zoom int
	MinX uint32
	MinY uint32
	MaxX uint32
	MaxY uint32
}

// Count returns the number of tiles in the range.
func (r Range) Count() uint64 {
	return uint64(r.MaxX-r.MinX+1) * uint64(r.MaxY-r.MinY+1)
}

// Pyramid is the enumerated tile set for a job. Ranges are ordered by
// bounding box input order, then ascending zoom, so runs are reproducible.
// Overlapping boxes are not de-duplicated: the total double-counts overlap
// and seeding re-fetches shared tiles, which is idempotent.
type Pyramid struct {
	Ranges []Range
	Total  uint64
}

// Enumerate computes the per-zoom tile ranges for the given boxes.
//
// Boxes use [lonMin, latMin, lonMax, latMax] semantics via orb.Bound.
// A box with lonMin > lonMax is rejected rather than wrapped across the
// antimeridian. Latitude is clamped to the Mercator limit, longitude
// to +/-180. Duplicate zoom levels are collapsed.
func Enumerate(boxes []orb.Bound, zooms []int) (*Pyramid, error) {
	if len(boxes) == 0 {
		return nil, fmt.Errorf("no bounding boxes")
	}
	if len(zooms) == 0 {
		return nil, fmt.Errorf("no zoom levels")
	}

	levels := make([]int, 0, len(zooms))
	seen := make(map[int]bool, len(zooms))
	for _, z := range zooms {
		if z < 0 || z > tilecache.MaxZoom {
			return nil, fmt.Errorf("zoom %d outside 0..%d", z, tilecache.MaxZoom)
		}
		if !seen[z] {
			seen[z] = true
			levels = append(levels, z)
		}
	}
	sort.Ints(levels)

	p := &Pyramid{}
	for i, b := range boxes {
		if b.Min[0] > b.Max[0] {
			return nil, fmt.Errorf("box %d: lonMin %v > lonMax %v (antimeridian crossing is not supported)", i, b.Min[0], b.Max[0])
		}
		if b.Min[1] > b.Max[1] {
			return nil, fmt.Errorf("box %d: latMin %v > latMax %v", i, b.Min[1], b.Max[1])
		}
		for _, z := range levels {
			r := rangeAt(b, z)
			p.Ranges = append(p.Ranges, r)
			p.Total += r.Count()
		}
	}
	return p, nil
}

// Tiles calls yield for every tile in the pyramid, row-major within each
// range, and stops early when yield returns false.
func (p *Pyramid) Tiles(yield func(tilecache.Tile) bool) {
	for _, r := range p.Ranges {
		for y := r.MinY; ; y++ {
			for x := r.MinX; ; x++ {
				if !yield(tilecache.Tile{Z: uint32(r.Zoom), X: x, Y: y}) {
					return
				}
				if x == r.MaxX {
					break
				}
			}
			if y == r.MaxY {
				break
			}
		}
	}
}

func rangeAt(b orb.Bound, zoom int) Range {
	lonMin := clamp(b.Min[0], -180, 180)
	lonMax := clamp(b.Max[0], -180, 180)
	latMin := clamp(b.Min[1], -MercatorLatLimit, MercatorLatLimit)
	latMax := clamp(b.Max[1], -MercatorLatLimit, MercatorLatLimit)

	z := maptile.Zoom(zoom)
	n := uint32(1) << uint(zoom)

	// Top-left corner gives the minimum column/row in XYZ convention,
	// bottom-right the maximum. The fractional coordinates are clamped in
	// the float domain: at the Mercator limit the row fraction can land an
	// epsilon outside [0, n).
	tl := maptile.Fraction(orb.Point{lonMin, latMax}, z)
	br := maptile.Fraction(orb.Point{lonMax, latMin}, z)

	return Range{
		Zoom: zoom,
		MinX: toIndex(tl[0], n),
		MinY: toIndex(tl[1], n),
		MaxX: toIndex(br[0], n),
		MaxY: toIndex(br[1], n),
	}
}

func toIndex(f float64, n uint32) uint32 {
	if f < 0 {
		return 0
	}
	if f >= float64(n) {
		return n - 1
	}
	return uint32(f)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
