// Package tilecache provides the core types shared by the tile cache:
// tile addresses, content hashes, upstream URL templates and tile formats.
package tilecache

import (
	"fmt"
	"strconv"
)

// MaxZoom is the highest zoom level the cache addresses.
const MaxZoom = 22

// Tile is a tile address in XYZ convention (origin at the top-left).
// Storage backends that persist rows in TMS convention convert with FlipY.
type Tile struct {
	Z uint32
	X uint32
	Y uint32
}

// Valid reports whether the column and row fit inside the zoom level,
// i.e. 0 <= x,y < 2^z and z <= MaxZoom.
func (t Tile) Valid() bool {
	if t.Z > MaxZoom {
		return false
	}
	n := uint32(1) << t.Z
	return t.X < n && t.Y < n
}

// FlipY converts between the XYZ and TMS row conventions. The conversion
// is its own inverse: y' = (2^z - 1) - y.
func (t Tile) FlipY() Tile {
	return Tile{Z: t.Z, X: t.X, Y: (uint32(1)<<t.Z - 1) - t.Y}
}

// String returns the address as "z/x/y".
func (t Tile) String() string {
	return strconv.FormatUint(uint64(t.Z), 10) + "/" +
		strconv.FormatUint(uint64(t.X), 10) + "/" +
		strconv.FormatUint(uint64(t.Y), 10)
}

// ParseTile parses z, x and y path segments into a Tile.
func ParseTile(z, x, y string) (Tile, error) {
	zv, err := strconv.ParseUint(z, 10, 32)
	if err != nil {
		return Tile{}, fmt.Errorf("invalid zoom %q: %w", z, err)
	}
	xv, err := strconv.ParseUint(x, 10, 32)
	if err != nil {
		return Tile{}, fmt.Errorf("invalid column %q: %w", x, err)
	}
	yv, err := strconv.ParseUint(y, 10, 32)
	if err != nil {
		return Tile{}, fmt.Errorf("invalid row %q: %w", y, err)
	}
	t := Tile{Z: uint32(zv), X: uint32(xv), Y: uint32(yv)}
	if !t.Valid() {
		return Tile{}, fmt.Errorf("tile %s outside zoom level", t)
	}
	return t, nil
}
