package store

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func TestMetadataRoundTrip(t *testing.T) {
	md := &Metadata{
		Name:        "basemap",
		Description: "street map",
		Attribution: "© Example",
		Version:     "1.2.0",
		Format:      "pbf",
		MinZoom:     intp(0),
		MaxZoom:     intp(14),
		Bounds:      &orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{10, 10}},
		Center:      &[3]float64{0, 0, 4},
		VectorLayers: []VectorLayer{
			{ID: "roads", Fields: map[string]string{"class": "String"}},
		},
		Extra: map[string]string{"generator": "tile-cache"},
	}

	rows, err := md.ToMap()
	require.NoError(t, err)
	require.Equal(t, "basemap", rows["name"])
	require.Equal(t, "0", rows["minzoom"])
	require.Equal(t, "-10,-10,10,10", rows["bounds"])
	require.Contains(t, rows["json"], "vector_layers")
	require.Equal(t, "tile-cache", rows["generator"])

	back := MetadataFromMap(rows)
	require.Equal(t, md.Name, back.Name)
	require.Equal(t, md.Format, back.Format)
	require.Equal(t, *md.MinZoom, *back.MinZoom)
	require.Equal(t, *md.MaxZoom, *back.MaxZoom)
	require.Equal(t, *md.Bounds, *back.Bounds)
	require.Equal(t, *md.Center, *back.Center)
	require.Equal(t, md.VectorLayers, back.VectorLayers)
	require.Equal(t, "tile-cache", back.Extra["generator"])
}

func TestMetadataFromMapTolerant(t *testing.T) {
	back := MetadataFromMap(map[string]string{
		"name":    "broken",
		"minzoom": "not-a-number",
		"bounds":  "1,2,3",
		"json":    "{not json",
	})

	require.Equal(t, "broken", back.Name)
	require.Nil(t, back.MinZoom)
	require.Nil(t, back.Bounds)
	// Unparseable values survive in Extra instead of being dropped.
	require.Equal(t, "not-a-number", back.Extra["minzoom"])
	require.Equal(t, "1,2,3", back.Extra["bounds"])
	require.Equal(t, "{not json", back.Extra["json"])
}

func TestMetadataEmptyToMap(t *testing.T) {
	rows, err := (&Metadata{}).ToMap()
	require.NoError(t, err)
	require.Empty(t, rows)
}
