package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tilecache "github.com/mapsmith/tile-cache"
	"github.com/mapsmith/tile-cache/job"
	"github.com/mapsmith/tile-cache/store"
	"github.com/mapsmith/tile-cache/store/mbtiles"
)

func testPNG(t *testing.T) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			img.Set(x, y, color.NRGBA{R: 40, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func seedArchive(t *testing.T, path string, tiles map[tilecache.Tile][]byte) {
	t.Helper()

	db, err := mbtiles.Open(path, true)
	require.NoError(t, err)
	for tile, data := range tiles {
		require.NoError(t, db.PutTile(context.Background(), tile, data, tilecache.Hash{}))
	}
	require.NoError(t, db.UpdateMetadata(context.Background(), &store.Metadata{
		Name:   "test archive",
		Format: "png",
	}))
	require.NoError(t, db.Close())
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	if cfg.StatusPath == "" {
		cfg.StatusPath = filepath.Join(t.TempDir(), "jobs.db")
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServeTile(t *testing.T) {
	data := testPNG(t)
	path := filepath.Join(t.TempDir(), "osm.mbtiles")
	seedArchive(t, path, map[tilecache.Tile][]byte{
		{Z: 0, X: 0, Y: 0}: data,
	})

	s := newTestServer(t, Config{
		Targets: map[string]TargetConfig{
			"osm": {Store: StoreMBTiles, Path: path},
		},
	})

	rec := do(s, httptest.NewRequest(http.MethodGet, "/tiles/osm/0/0/0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, data, rec.Body.Bytes())

	// The extension form addresses the same tile.
	rec = do(s, httptest.NewRequest(http.MethodGet, "/tiles/osm/0/0/0.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, data, rec.Body.Bytes())

	// HEAD carries headers but no body.
	rec = do(s, httptest.NewRequest(http.MethodHead, "/tiles/osm/0/0/0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Zero(t, rec.Body.Len())
}

func TestDropKeepsResolvedHandleReadable(t *testing.T) {
	data := testPNG(t)
	path := filepath.Join(t.TempDir(), "osm.mbtiles")
	tile := tilecache.Tile{Z: 0, X: 0, Y: 0}
	seedArchive(t, path, map[tilecache.Tile][]byte{tile: data})

	h := &targetHandle{
		name:   "osm",
		cfg:    TargetConfig{Store: StoreMBTiles, Path: path},
		logger: slog.Default(),
	}
	t.Cleanup(h.close)
	ctx := context.Background()

	st, err := h.open(ctx)
	require.NoError(t, err)

	// A request holding the old handle across a post-job drop still
	// completes its read.
	h.drop()
	got, err := st.GetTile(ctx, tile)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// The next open yields a fresh handle.
	st2, err := h.open(ctx)
	require.NoError(t, err)
	require.NotSame(t, st, st2)
	got, err = st2.GetTile(ctx, tile)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestServeTileCacheHit(t *testing.T) {
	data := testPNG(t)
	path := filepath.Join(t.TempDir(), "osm.mbtiles")
	tile := tilecache.Tile{Z: 1, X: 0, Y: 1}
	seedArchive(t, path, map[tilecache.Tile][]byte{tile: data})

	s := newTestServer(t, Config{
		Targets: map[string]TargetConfig{
			"osm": {Store: StoreMBTiles, Path: path},
		},
	})

	rec := do(s, httptest.NewRequest(http.MethodGet, "/tiles/osm/1/0/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Delete the tile behind the server's back. The cached copy still
	// serves until the entry is purged or expires.
	db, err := mbtiles.Open(path, false)
	require.NoError(t, err)
	require.NoError(t, db.DeleteTile(context.Background(), tile))
	require.NoError(t, db.Close())

	rec = do(s, httptest.NewRequest(http.MethodGet, "/tiles/osm/1/0/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, data, rec.Body.Bytes())

	// Purging the target flushes the cached copy and drops the handle.
	s.purgeTarget("osm")
	rec = do(s, httptest.NewRequest(http.MethodGet, "/tiles/osm/1/0/1", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeTileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "osm.mbtiles")
	seedArchive(t, path, nil)

	s := newTestServer(t, Config{
		Targets: map[string]TargetConfig{
			"osm": {Store: StoreMBTiles, Path: path},
		},
	})

	rec := do(s, httptest.NewRequest(http.MethodGet, "/tiles/nope/0/0/0", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, httptest.NewRequest(http.MethodGet, "/tiles/osm/0/0/0", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, httptest.NewRequest(http.MethodGet, "/tiles/osm/zoom/0/0", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, httptest.NewRequest(http.MethodGet, "/tiles/osm/1/5/0", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "osm.mbtiles")
	seedArchive(t, path, map[tilecache.Tile][]byte{
		{Z: 0, X: 0, Y: 0}: testPNG(t),
	})

	s := newTestServer(t, Config{
		Targets: map[string]TargetConfig{
			"osm": {Store: StoreMBTiles, Path: path},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/tiles/osm/tilejson.json", nil)
	req.Host = "tiles.example.com"
	rec := do(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var tj store.TileJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tj))
	require.Equal(t, "test archive", tj.Name)
	require.Len(t, tj.Tiles, 1)
	require.Equal(t, "http://tiles.example.com/tiles/osm/{z}/{x}/{y}", tj.Tiles[0])
}

func TestInvalidTargetConfig(t *testing.T) {
	_, err := New(Config{
		StatusPath: filepath.Join(t.TempDir(), "jobs.db"),
		Targets: map[string]TargetConfig{
			"bad": {Store: "postgres", Path: "somewhere"},
		},
	})
	require.ErrorContains(t, err, "unknown store kind")

	_, err = New(Config{
		StatusPath: filepath.Join(t.TempDir(), "jobs.db"),
		Targets: map[string]TargetConfig{
			"ro": {Store: StorePMTiles, Path: "x.pmtiles", Seed: &SeedConfig{}},
		},
	})
	require.ErrorContains(t, err, "read-only")
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, Config{})
	rec := do(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAuthProtectsJobEndpoints(t *testing.T) {
	data := testPNG(t)
	path := filepath.Join(t.TempDir(), "osm.mbtiles")
	seedArchive(t, path, map[tilecache.Tile][]byte{
		{Z: 0, X: 0, Y: 0}: data,
	})

	s := newTestServer(t, Config{
		AuthToken: "s3cret",
		Targets: map[string]TargetConfig{
			"osm": {Store: StoreMBTiles, Path: path},
		},
	})

	// Tile serving stays public.
	rec := do(s, httptest.NewRequest(http.MethodGet, "/tiles/osm/0/0/0", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, httptest.NewRequest(http.MethodPost, "/jobs/cancel", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/jobs/cancel", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = do(s, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/jobs/cancel", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = do(s, req)
	// Authenticated, and nothing is running.
	require.Equal(t, http.StatusConflict, rec.Code)
}

func seedTarget(t *testing.T, upstream string) (string, TargetConfig) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "osm.mbtiles")
	return path, TargetConfig{
		Store: StoreMBTiles,
		Path:  path,
		Seed: &SeedConfig{
			URL:         tilecache.URLTemplate(upstream + "/{z}/{x}/{y}.png"),
			Bounds:      []Box{{-170, -80, 170, 80}},
			Zooms:       []int{0},
			Concurrency: 1,
			MaxTries:    1,
			Metadata:    store.Metadata{Name: "osm", Format: "png"},
		},
	}
}

func triggerRunID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		RunID string `json:"run_id"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RunID)
	require.Equal(t, "running", resp.State)
	return resp.RunID
}

func TestSeedJobLifecycle(t *testing.T) {
	data := testPNG(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer upstream.Close()

	path, target := seedTarget(t, upstream.URL)
	s := newTestServer(t, Config{
		Targets: map[string]TargetConfig{"osm": target},
	})

	// The archive does not exist yet, so serving starts at 404.
	rec := do(s, httptest.NewRequest(http.MethodGet, "/tiles/osm/0/0/0", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, httptest.NewRequest(http.MethodPost, "/jobs/seed/osm", nil))
	id := triggerRunID(t, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.runner.Wait(ctx, id))

	rec = do(s, httptest.NewRequest(http.MethodGet, "/jobs/status/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var run job.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, job.StateDone, run.State)
	require.Contains(t, string(run.Result), `"fetched":1`)

	// The seeded archive serves without a restart.
	rec = do(s, httptest.NewRequest(http.MethodGet, "/tiles/osm/0/0/0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, data, rec.Body.Bytes())

	// Status without an id reports the latest run.
	rec = do(s, httptest.NewRequest(http.MethodGet, "/jobs/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), id)
	require.NotEmpty(t, path)
}

func TestSeedJobBusyAndCancel(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()
	defer close(release)

	_, target := seedTarget(t, upstream.URL)
	s := newTestServer(t, Config{
		Targets: map[string]TargetConfig{"osm": target},
	})

	rec := do(s, httptest.NewRequest(http.MethodPost, "/jobs/seed/osm", nil))
	id := triggerRunID(t, rec)

	// A second trigger is rejected, not queued.
	rec = do(s, httptest.NewRequest(http.MethodPost, "/jobs/seed/osm", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = do(s, httptest.NewRequest(http.MethodPost, "/jobs/cleanup/osm", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(s, httptest.NewRequest(http.MethodPost, "/jobs/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.runner.Wait(ctx, id))

	rec = do(s, httptest.NewRequest(http.MethodGet, "/jobs/status/"+id, nil))
	var run job.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, job.StateCancelled, run.State)
}

func TestSeedJobRequestValidation(t *testing.T) {
	s := newTestServer(t, Config{
		Targets: map[string]TargetConfig{
			"ro": {Store: StoreMBTiles, Path: filepath.Join(t.TempDir(), "ro.mbtiles")},
		},
	})

	// Unknown target.
	rec := do(s, httptest.NewRequest(http.MethodPost, "/jobs/seed/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Target without a seed block cannot be populated.
	rec = do(s, httptest.NewRequest(http.MethodPost, "/jobs/seed/ro", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "no seed configuration")

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, "/jobs/seed/ro", strings.NewReader("{"))
	rec = do(s, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobRequestOverrides(t *testing.T) {
	data := testPNG(t)
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(data)
	}))
	defer upstream.Close()

	_, target := seedTarget(t, upstream.URL)
	days := 365
	target.Seed.Refresh.Days = &days
	s := newTestServer(t, Config{
		Targets: map[string]TargetConfig{"osm": target},
	})

	runSeed := func(body string) job.Run {
		var r *http.Request
		if body == "" {
			r = httptest.NewRequest(http.MethodPost, "/jobs/seed/osm", nil)
		} else {
			r = httptest.NewRequest(http.MethodPost, "/jobs/seed/osm", strings.NewReader(body))
		}
		rec := do(s, r)
		id := triggerRunID(t, rec)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, s.runner.Wait(ctx, id))

		rec = do(s, httptest.NewRequest(http.MethodGet, "/jobs/status/"+id, nil))
		var run job.Run
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
		return run
	}

	run := runSeed("")
	require.Equal(t, job.StateDone, run.State)
	require.EqualValues(t, 1, hits.Load())

	// Within the freshness window nothing is refetched.
	run = runSeed("")
	require.Equal(t, job.StateDone, run.State)
	require.EqualValues(t, 1, hits.Load())
	require.Contains(t, string(run.Result), `"skipped":1`)

	// Force overrides the directive and refetches.
	run = runSeed(`{"force": true}`)
	require.Equal(t, job.StateDone, run.State)
	require.EqualValues(t, 2, hits.Load())
}

func TestJobStatusNotFound(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := do(s, httptest.NewRequest(http.MethodGet, "/jobs/status/ffffffff-0000-0000-0000-000000000000", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	// No runs recorded yet.
	rec = do(s, httptest.NewRequest(http.MethodGet, "/jobs/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{}`, rec.Body.String())
}
