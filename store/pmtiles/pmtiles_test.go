package pmtiles

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	tilecache "github.com/mapsmith/tile-cache"
	"github.com/mapsmith/tile-cache/store"
)

func TestMutationsAreReadOnly(t *testing.T) {
	s := &Source{name: "test.pmtiles"}
	ctx := context.Background()
	tile := tilecache.Tile{Z: 0, X: 0, Y: 0}

	require.ErrorIs(t, s.PutTile(ctx, tile, []byte("x"), tilecache.Hash{}), store.ErrReadOnly)
	require.ErrorIs(t, s.DeleteTile(ctx, tile), store.ErrReadOnly)
	require.ErrorIs(t, s.UpdateMetadata(ctx, &store.Metadata{}), store.ErrReadOnly)

	_, err := s.GetTileHash(ctx, tile)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetTileCreatedAt(ctx, tile)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Close())
}

func TestOpenRejectsMissingArchive(t *testing.T) {
	_, err := Open(context.Background(), "/nonexistent/archive.pmtiles")
	require.Error(t, err)
}
