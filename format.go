package tilecache

import "bytes"

// Tile format names as stored in backend metadata. These match the values
// the MBTiles metadata table uses for its "format" key.
const (
	FormatPNG  = "png"
	FormatJPG  = "jpg"
	FormatWebP = "webp"
	FormatPBF  = "pbf"
)

var (
	magicPNG  = []byte{0x89, 0x50, 0x4E, 0x47}
	magicJPG  = []byte{0xFF, 0xD8, 0xFF}
	magicRIFF = []byte("RIFF")
	magicWebP = []byte("WEBP")
	magicGzip = []byte{0x1F, 0x8B}
)

// FormatFromPayload sniffs the tile format from the payload's leading
// bytes. Gzip and zlib framed payloads are reported as pbf, matching the
// MBTiles convention of storing compressed vector tiles. Returns "" when
// the payload is not recognised.
func FormatFromPayload(data []byte) string {
	switch {
	case bytes.HasPrefix(data, magicPNG):
		return FormatPNG
	case bytes.HasPrefix(data, magicJPG):
		return FormatJPG
	case len(data) >= 12 && bytes.HasPrefix(data, magicRIFF) && bytes.Equal(data[8:12], magicWebP):
		return FormatWebP
	case bytes.HasPrefix(data, magicGzip):
		return FormatPBF
	case len(data) >= 2 && data[0] == 0x78 && (data[1] == 0x01 || data[1] == 0x9C || data[1] == 0xDA):
		// zlib framed vector tile
		return FormatPBF
	default:
		return ""
	}
}
