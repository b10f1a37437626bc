package tilecache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTileFlipY(t *testing.T) {
	tests := []struct {
		name string
		in   Tile
		want Tile
	}{
		{"zoom zero", Tile{Z: 0, X: 0, Y: 0}, Tile{Z: 0, X: 0, Y: 0}},
		{"zoom one", Tile{Z: 1, X: 0, Y: 0}, Tile{Z: 1, X: 0, Y: 1}},
		{"zoom ten", Tile{Z: 10, X: 511, Y: 100}, Tile{Z: 10, X: 511, Y: 923}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.in.FlipY())
			// The conversion is its own inverse.
			require.Equal(t, tt.in, tt.in.FlipY().FlipY())
		})
	}
}

func TestTileValid(t *testing.T) {
	require.True(t, Tile{Z: 0, X: 0, Y: 0}.Valid())
	require.True(t, Tile{Z: 5, X: 31, Y: 31}.Valid())
	require.False(t, Tile{Z: 5, X: 32, Y: 0}.Valid())
	require.False(t, Tile{Z: 5, X: 0, Y: 32}.Valid())
	require.False(t, Tile{Z: 23, X: 0, Y: 0}.Valid())
}

func TestParseTile(t *testing.T) {
	tile, err := ParseTile("3", "4", "5")
	require.NoError(t, err)
	require.Equal(t, Tile{Z: 3, X: 4, Y: 5}, tile)
	require.Equal(t, "3/4/5", tile.String())

	_, err = ParseTile("3", "8", "0")
	require.Error(t, err)

	_, err = ParseTile("z", "0", "0")
	require.Error(t, err)

	_, err = ParseTile("3", "-1", "0")
	require.Error(t, err)
}

func TestFormatFromPayload(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A}, FormatPNG},
		{"jpg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, FormatJPG},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), FormatWebP},
		{"gzip pbf", []byte{0x1F, 0x8B, 0x08, 0x00}, FormatPBF},
		{"zlib pbf", []byte{0x78, 0x9C, 0x01}, FormatPBF},
		{"unknown", []byte("hello"), ""},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, FormatFromPayload(tt.data))
		})
	}
}
