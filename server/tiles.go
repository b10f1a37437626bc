package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	tilecache "github.com/mapsmith/tile-cache"
	"github.com/mapsmith/tile-cache/store"
	"github.com/mapsmith/tile-cache/store/mbtiles"
	"github.com/mapsmith/tile-cache/store/pmtiles"
	"github.com/mapsmith/tile-cache/store/xyz"
	"github.com/mapsmith/tile-cache/telemetry"
)

// Store kinds a target can serve from. mbtiles and xyz archives are
// also seedable; pmtiles archives are read-only.
const (
	StoreMBTiles = "mbtiles"
	StoreXYZ     = "xyz"
	StorePMTiles = "pmtiles"
)

// TargetConfig describes one served archive and its optional seed
// defaults.
type TargetConfig struct {
	// Store is mbtiles, xyz or pmtiles.
	Store string `json:"store"`
	// Path is the archive path, tree root, or PMTiles URI.
	Path string `json:"path"`
	// Seed holds the job defaults for this target. Targets without a
	// seed block can only be served, not populated.
	Seed *SeedConfig `json:"seed,omitempty"`
}

func (tc TargetConfig) validate() error {
	switch tc.Store {
	case StoreMBTiles, StoreXYZ, StorePMTiles:
	default:
		return fmt.Errorf("unknown store kind %q", tc.Store)
	}
	if tc.Path == "" {
		return errors.New("path must not be empty")
	}
	if tc.Seed != nil && tc.Store == StorePMTiles {
		return errors.New("pmtiles archives are read-only and cannot be seeded")
	}
	return nil
}

// targetHandle lazily opens and caches the serving-side store for one
// target. Serving reads never go through the lock manager, so the
// handle can stay open while a job writes to the same archive.
type targetHandle struct {
	name   string
	cfg    TargetConfig
	logger *slog.Logger

	mu sync.Mutex
	st store.TileStore
}

func (h *targetHandle) open(ctx context.Context) (store.TileStore, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.st != nil {
		return h.st, nil
	}

	var (
		st  store.TileStore
		err error
	)
	switch h.cfg.Store {
	case StoreMBTiles:
		st, err = mbtiles.Open(h.cfg.Path, false, mbtiles.WithLogger(h.logger))
	case StoreXYZ:
		st, err = xyz.Open(h.cfg.Path, false, xyz.WithLogger(h.logger))
	case StorePMTiles:
		st, err = pmtiles.Open(ctx, h.cfg.Path)
	default:
		err = fmt.Errorf("unknown store kind %q", h.cfg.Store)
	}
	if err != nil {
		return nil, err
	}
	st = store.NewInstrumentedStore(st, h.cfg.Store)
	h.st = st
	return st, nil
}

// handleGrace delays closing a dropped handle so requests that resolved
// the old store before the swap finish their reads against it.
const handleGrace = 5 * time.Second

// drop discards the cached handle so the next read reopens the archive.
// Called after a job run finishes, since a seed may have created the
// archive the serving path previously failed to open. The old handle is
// closed after a grace period rather than immediately, as in-flight
// tile reads may still hold it.
func (h *targetHandle) drop() {
	h.mu.Lock()
	st := h.st
	h.st = nil
	h.mu.Unlock()

	if st == nil {
		return
	}
	time.AfterFunc(handleGrace, func() {
		if err := st.Close(); err != nil {
			h.logger.Warn("closing dropped archive handle failed", "target", h.name, "error", err)
		}
	})
}

// close releases the cached handle immediately. Only called at shutdown,
// when no requests remain.
func (h *targetHandle) close() {
	h.mu.Lock()
	st := h.st
	h.st = nil
	h.mu.Unlock()

	if st != nil {
		_ = st.Close()
	}
}

// cachedTile is one entry in the in-process serve cache.
type cachedTile struct {
	data   []byte
	format string
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	telemetry.SetTarget(r, target)
	telemetry.SetEndpoint(r, "tile")

	h, ok := s.targets[target]
	if !ok {
		http.NotFound(w, r)
		return
	}

	tile, err := tilecache.ParseTile(r.PathValue("z"), r.PathValue("x"), stripTileExt(r.PathValue("y")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := target + "/" + tile.String()
	if entry, ok := s.tileCache.Get(key); ok {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		telemetry.RecordServeCache(r.Context(), target, "hit")
		writeTile(w, r, entry)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	telemetry.RecordServeCache(r.Context(), target, "miss")

	st, err := h.open(r.Context())
	if err != nil {
		s.logger.Warn("opening target archive failed", "target", target, "error", err)
		http.NotFound(w, r)
		return
	}

	data, err := st.GetTile(r.Context(), tile)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("reading tile failed", "target", target, "tile", tile, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	entry := cachedTile{data: data, format: tilecache.FormatFromPayload(data)}
	s.tileCache.Add(key, entry)
	writeTile(w, r, entry)
}

func writeTile(w http.ResponseWriter, r *http.Request, entry cachedTile) {
	switch entry.format {
	case tilecache.FormatPNG:
		w.Header().Set("Content-Type", "image/png")
	case tilecache.FormatJPG:
		w.Header().Set("Content-Type", "image/jpeg")
	case tilecache.FormatWebP:
		w.Header().Set("Content-Type", "image/webp")
	case tilecache.FormatPBF:
		// Vector tiles are stored gzip framed; hand the framing to the
		// client rather than recompressing per request.
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.Header().Set("Content-Encoding", "gzip")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(entry.data)))

	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(entry.data)
}

func (s *Server) handleTileJSON(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	telemetry.SetTarget(r, target)
	telemetry.SetEndpoint(r, "tilejson")

	h, ok := s.targets[target]
	if !ok {
		http.NotFound(w, r)
		return
	}

	st, err := h.open(r.Context())
	if err != nil {
		s.logger.Warn("opening target archive failed", "target", target, "error", err)
		http.NotFound(w, r)
		return
	}

	tj, err := store.DeriveTileJSON(r.Context(), st)
	if err != nil {
		s.logger.Error("deriving tilejson failed", "target", target, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	tj.Tiles = []string{fmt.Sprintf("%s://%s/tiles/%s/{z}/{x}/{y}", scheme(r), r.Host, target)}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(tj); err != nil {
		s.logger.Error("encoding tilejson failed", "target", target, "error", err)
	}
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// purgeTarget evicts a target's tiles from the serve cache and drops
// its archive handle. Called after job runs so readers pick up writes
// immediately instead of waiting out the cache TTL.
func (s *Server) purgeTarget(target string) {
	prefix := target + "/"
	for _, key := range s.tileCache.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			s.tileCache.Remove(key)
		}
	}
	if h, ok := s.targets[target]; ok {
		h.drop()
	}
}
