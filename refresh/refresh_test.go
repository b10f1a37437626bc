package refresh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tilecache "github.com/mapsmith/tile-cache"
	"github.com/mapsmith/tile-cache/fetch"
	"github.com/mapsmith/tile-cache/store"
	"github.com/mapsmith/tile-cache/store/mbtiles"
)

func openStore(t *testing.T) *mbtiles.DB {
	t.Helper()
	db, err := mbtiles.Open(t.TempDir()+"/refresh.mbtiles", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDirectiveValidate(t *testing.T) {
	ts := time.Now()
	days := 7
	bad := -1

	require.NoError(t, Directive{}.Validate())
	require.NoError(t, Directive{Time: &ts}.Validate())
	require.NoError(t, Directive{Days: &days}.Validate())
	require.NoError(t, Directive{Hash: true}.Validate())

	require.Error(t, Directive{Time: &ts, Days: &days}.Validate())
	require.Error(t, Directive{Time: &ts, Hash: true}.Validate())
	require.Error(t, Directive{Days: &days, Hash: true}.Validate())
	require.Error(t, Directive{Days: &bad}.Validate())
}

func TestNeedsZeroDirective(t *testing.T) {
	db := openStore(t)
	tile := tilecache.Tile{Z: 3, X: 1, Y: 2}
	data := []byte("cached")
	require.NoError(t, db.PutTile(context.Background(), tile, data, tilecache.HashBytes(data)))

	// Zero directive refreshes everything, cached or not.
	needs, err := New(Directive{}).Needs(context.Background(), db, tile)
	require.NoError(t, err)
	require.True(t, needs)
}

func TestNeedsDayCutoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db, err := mbtiles.Open(t.TempDir()+"/age.mbtiles", true,
		mbtiles.WithNow(func() time.Time { return now.AddDate(0, 0, -10) }))
	require.NoError(t, err)
	defer db.Close()

	tile := tilecache.Tile{Z: 5, X: 10, Y: 10}
	data := []byte("ten days old")
	require.NoError(t, db.PutTile(context.Background(), tile, data, tilecache.HashBytes(data)))

	days := 30
	ev := New(Directive{Days: &days}, WithNow(func() time.Time { return now }))
	needs, err := ev.Needs(context.Background(), db, tile)
	require.NoError(t, err)
	require.False(t, needs, "10-day-old tile survives a 30-day directive")

	days = 5
	ev = New(Directive{Days: &days}, WithNow(func() time.Time { return now }))
	needs, err = ev.Needs(context.Background(), db, tile)
	require.NoError(t, err)
	require.True(t, needs, "10-day-old tile fails a 5-day directive")
}

func TestNeedsMissingTile(t *testing.T) {
	db := openStore(t)
	days := 365
	ev := New(Directive{Days: &days})

	needs, err := ev.Needs(context.Background(), db, tilecache.Tile{Z: 1, X: 0, Y: 0})
	require.NoError(t, err)
	require.True(t, needs)
}

func TestNeedsHashMode(t *testing.T) {
	db := openStore(t)
	tile := tilecache.Tile{Z: 4, X: 8, Y: 8}
	data := []byte("current content")
	localHash := tilecache.HashBytes(data)
	require.NoError(t, db.PutTile(context.Background(), tile, data, localHash))

	remote := localHash
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(remote.String()))
	}))
	defer srv.Close()

	tmpl := tilecache.URLTemplate(srv.URL + "/md5/{z}/{x}/{y}")
	ev := New(Directive{Hash: true}, WithHashSource(fetch.New(), tmpl))

	needs, err := ev.Needs(context.Background(), db, tile)
	require.NoError(t, err)
	require.False(t, needs, "matching hash skips the tile")

	remote = tilecache.HashBytes([]byte("upstream changed"))
	needs, err = ev.Needs(context.Background(), db, tile)
	require.NoError(t, err)
	require.True(t, needs, "hash mismatch forces a refresh")
}

func TestNeedsHashProbeFailure(t *testing.T) {
	db := openStore(t)
	tile := tilecache.Tile{Z: 4, X: 8, Y: 8}
	data := []byte("content")
	require.NoError(t, db.PutTile(context.Background(), tile, data, tilecache.HashBytes(data)))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ev := New(Directive{Hash: true},
		WithHashSource(fetch.New(), tilecache.URLTemplate(srv.URL+"/md5/{z}/{x}/{y}")))

	needs, err := ev.Needs(context.Background(), db, tile)
	require.NoError(t, err)
	require.True(t, needs, "a failed probe defers to the real fetch")
}

var _ store.TileStore = (*mbtiles.DB)(nil)
