// Package xyz implements the TileStore contract on a filesystem tree of
// tile files at {root}/{z}/{x}/{y}.{ext}. A sidecar SQLite database at the
// tree root carries per-tile content hash and creation time, because
// filesystem mtimes do not survive copy or rsync. A metadata.json file
// holds the equivalent of the MBTiles metadata table.
package xyz

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	_ "modernc.org/sqlite"

	tilecache "github.com/mapsmith/tile-cache"
	"github.com/mapsmith/tile-cache/lock"
	"github.com/mapsmith/tile-cache/store"
)

const (
	indexFile    = "index.db"
	metadataFile = "metadata.json"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS tiles (
	zoom_level INT,
	tile_column INT,
	tile_row INT,
	hash TEXT,
	created INT,
	PRIMARY KEY (zoom_level, tile_column, tile_row)
);
`

// Tree is an XYZ tile tree. Payload writes are atomic (temp file plus
// rename); sidecar rows are keyed in XYZ convention. Payload reads never
// touch the lock manager.
type Tree struct {
	root     string
	formatMu sync.Mutex
	format   string // guarded by formatMu after Open
	index    *sql.DB
	locker   lock.Locker // sidecar index writes
	metaLock lock.Locker // metadata.json writes
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Tree.
type Option func(*Tree)

// WithFormat forces the payload file extension instead of sniffing it
// from stored metadata or the first written payload.
func WithFormat(format string) Option {
	return func(t *Tree) { t.format = format }
}

// WithLocker sets the locker guarding sidecar index writes.
func WithLocker(l lock.Locker) Option {
	return func(t *Tree) { t.locker = l }
}

// WithMetaLocker sets the locker guarding metadata.json writes.
func WithMetaLocker(l lock.Locker) Option {
	return func(t *Tree) { t.metaLock = l }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tree) { t.logger = logger }
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(t *Tree) { t.now = now }
}

// Open opens the tree rooted at root, creating it when create is set.
func Open(root string, create bool, opts ...Option) (*Tree, error) {
	if create {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("creating tree root: %w", err)
		}
	} else if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("opening xyz tree %s: %w", root, err)
	}

	index, err := sql.Open("sqlite", filepath.Join(root, indexFile))
	if err != nil {
		return nil, fmt.Errorf("opening tile index: %w", err)
	}

	t := &Tree{
		root:     root,
		index:    index,
		locker:   lock.NewBusyRetry(),
		metaLock: lock.NewFileLock(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.locker.WithLock(context.Background(), t.indexPath(), func() error {
		_, err := index.Exec(indexSchema)
		return err
	}); err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("creating tile index schema: %w", err)
	}

	if t.format == "" {
		if md, err := t.GetMetadata(context.Background()); err == nil {
			t.format = md.Format
		}
	}

	t.logger.Debug("opened xyz tree", "root", root, "format", t.format)
	return t, nil
}

// Root returns the tree root directory.
func (t *Tree) Root() string {
	return t.root
}

// Close closes the sidecar index.
func (t *Tree) Close() error {
	return t.index.Close()
}

func (t *Tree) indexPath() string {
	return filepath.Join(t.root, indexFile)
}

func (t *Tree) metadataPath() string {
	return filepath.Join(t.root, metadataFile)
}

func (t *Tree) tilePath(tile tilecache.Tile, format string) string {
	return filepath.Join(t.root,
		strconv.FormatUint(uint64(tile.Z), 10),
		strconv.FormatUint(uint64(tile.X), 10),
		strconv.FormatUint(uint64(tile.Y), 10)+"."+format)
}

// GetTile reads the payload file. The read takes no lock: the payload is
// replaced by rename, so a concurrent writer never exposes a partial file.
func (t *Tree) GetTile(ctx context.Context, tile tilecache.Tile) ([]byte, error) {
	data, err := os.ReadFile(t.tilePath(tile, t.formatOrDefault()))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("reading tile %s: %w", tile, err)
	}
	return data, nil
}

// GetTileHash returns the sidecar hash for the tile.
func (t *Tree) GetTileHash(ctx context.Context, tile tilecache.Tile) (tilecache.Hash, error) {
	var hex sql.NullString
	err := t.index.QueryRowContext(ctx,
		`SELECT hash FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		tile.Z, tile.X, tile.Y).Scan(&hex)
	if errors.Is(err, sql.ErrNoRows) {
		return tilecache.Hash{}, store.ErrNotFound
	}
	if err != nil {
		return tilecache.Hash{}, fmt.Errorf("reading tile hash %s: %w", tile, err)
	}
	if !hex.Valid || hex.String == "" {
		return tilecache.Hash{}, store.ErrNotFound
	}
	h, err := tilecache.ParseHash(hex.String)
	if err != nil {
		return tilecache.Hash{}, fmt.Errorf("stored hash for %s: %w", tile, err)
	}
	return h, nil
}

// GetTileCreatedAt returns the sidecar creation time for the tile.
func (t *Tree) GetTileCreatedAt(ctx context.Context, tile tilecache.Tile) (time.Time, error) {
	var created sql.NullInt64
	err := t.index.QueryRowContext(ctx,
		`SELECT created FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		tile.Z, tile.X, tile.Y).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, store.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading tile timestamp %s: %w", tile, err)
	}
	if !created.Valid {
		return time.Time{}, store.ErrNotFound
	}
	return time.UnixMilli(created.Int64), nil
}

// PutTile writes the payload file atomically, then upserts the sidecar
// hash/created row.
func (t *Tree) PutTile(ctx context.Context, tile tilecache.Tile, data []byte, hash tilecache.Hash) error {
	if !tile.Valid() {
		return fmt.Errorf("invalid tile %s", tile)
	}

	path := t.tilePath(tile, t.resolveFormat(data))
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("writing tile %s: %w", tile, err)
	}

	var hex any
	if !hash.IsZero() {
		hex = hash.String()
	}
	created := t.now().UnixMilli()

	return t.locker.WithLock(ctx, t.indexPath(), func() error {
		_, err := t.index.ExecContext(ctx, `
INSERT INTO tiles (zoom_level, tile_column, tile_row, hash, created)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (zoom_level, tile_column, tile_row)
DO UPDATE SET hash = excluded.hash, created = excluded.created`,
			tile.Z, tile.X, tile.Y, hex, created)
		if err != nil {
			return fmt.Errorf("indexing tile %s: %w", tile, err)
		}
		return nil
	})
}

// DeleteTile removes the payload file, then the sidecar row.
func (t *Tree) DeleteTile(ctx context.Context, tile tilecache.Tile) error {
	path := t.tilePath(tile, t.formatOrDefault())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing tile %s: %w", tile, err)
	}

	return t.locker.WithLock(ctx, t.indexPath(), func() error {
		_, err := t.index.ExecContext(ctx,
			`DELETE FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
			tile.Z, tile.X, tile.Y)
		if err != nil {
			return fmt.Errorf("unindexing tile %s: %w", tile, err)
		}
		return nil
	})
}

// PruneEmptyDirs removes empty column and zoom directories bottom-up.
// Meant to run after a cleanup batch.
func (t *Tree) PruneEmptyDirs(ctx context.Context) error {
	var dirs []string
	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != t.root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking tree: %w", err)
	}

	// Deepest first, so a column directory empties before its zoom parent
	// is considered.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			if err := os.Remove(dir); err != nil {
				t.logger.Warn("failed to prune directory", "dir", dir, "error", err)
			}
		}
	}
	return nil
}

// GetMetadata reads metadata.json into the structured record. A missing
// file yields an empty record.
func (t *Tree) GetMetadata(ctx context.Context) (*store.Metadata, error) {
	data, err := os.ReadFile(t.metadataPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &store.Metadata{}, nil
		}
		return nil, fmt.Errorf("reading metadata.json: %w", err)
	}
	var kv map[string]string
	if err := json.Unmarshal(data, &kv); err != nil {
		return nil, fmt.Errorf("decoding metadata.json: %w", err)
	}
	return store.MetadataFromMap(kv), nil
}

// UpdateMetadata merges the set fields into metadata.json under the
// advisory file lock, since the serving process may read it concurrently.
func (t *Tree) UpdateMetadata(ctx context.Context, m *store.Metadata) error {
	update, err := m.ToMap()
	if err != nil {
		return err
	}

	return t.metaLock.WithLock(ctx, t.metadataPath(), func() error {
		current := make(map[string]string)
		if data, err := os.ReadFile(t.metadataPath()); err == nil {
			_ = json.Unmarshal(data, &current)
		}
		for k, v := range update {
			current[k] = v
		}
		data, err := json.MarshalIndent(current, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding metadata.json: %w", err)
		}
		if err := writeAtomic(t.metadataPath(), data); err != nil {
			return fmt.Errorf("writing metadata.json: %w", err)
		}
		return nil
	})
}

// SampleFormat reports the configured or sniffed payload format, reading
// one stored tile when neither is known yet.
func (t *Tree) SampleFormat(ctx context.Context) (string, error) {
	t.formatMu.Lock()
	format := t.format
	t.formatMu.Unlock()
	if format != "" {
		return format, nil
	}

	var row struct{ z, x, y uint32 }
	err := t.index.QueryRowContext(ctx,
		`SELECT zoom_level, tile_column, tile_row FROM tiles LIMIT 1`).Scan(&row.z, &row.x, &row.y)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sampling tile index: %w", err)
	}

	// The extension is unknown here, so match any file for the coordinate.
	dir := filepath.Join(t.root,
		strconv.FormatUint(uint64(row.z), 10),
		strconv.FormatUint(uint64(row.x), 10))
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		return "", nil
	}
	return tilecache.FormatFromPayload(data), nil
}

// ScanBounds aggregates per-zoom column/row extents from the sidecar.
func (t *Tree) ScanBounds(ctx context.Context) (store.Extent, bool, error) {
	rows, err := t.index.QueryContext(ctx, `
SELECT zoom_level, MIN(tile_column), MAX(tile_column), MIN(tile_row), MAX(tile_row)
FROM tiles GROUP BY zoom_level ORDER BY zoom_level`)
	if err != nil {
		return store.Extent{}, false, fmt.Errorf("scanning bounds: %w", err)
	}
	defer rows.Close()

	var (
		found bool
		ext   store.Extent
		union orb.Bound
	)
	for rows.Next() {
		var zoom int
		var minX, maxX, minY, maxY uint32
		if err := rows.Scan(&zoom, &minX, &maxX, &minY, &maxY); err != nil {
			return store.Extent{}, false, fmt.Errorf("scanning bounds row: %w", err)
		}

		z := maptile.Zoom(zoom)
		b := maptile.New(minX, minY, z).Bound().Union(maptile.New(maxX, maxY, z).Bound())

		if !found {
			found = true
			ext.MinZoom, ext.MaxZoom = zoom, zoom
			union = b
		} else {
			if zoom < ext.MinZoom {
				ext.MinZoom = zoom
			}
			if zoom > ext.MaxZoom {
				ext.MaxZoom = zoom
			}
			union = union.Union(b)
		}
	}
	if err := rows.Err(); err != nil {
		return store.Extent{}, false, fmt.Errorf("scanning bounds: %w", err)
	}
	if !found {
		return store.Extent{}, false, nil
	}

	ext.Bounds = [4]float64{union.Min[0], union.Min[1], union.Max[0], union.Max[1]}
	return ext, true, nil
}

// resolveFormat returns the payload extension, sniffing and latching it
// from data on the first write to a fresh tree. Concurrent seed workers
// race to the first write, so the latch sits behind the mutex.
func (t *Tree) resolveFormat(data []byte) string {
	t.formatMu.Lock()
	defer t.formatMu.Unlock()
	if t.format == "" {
		if sniffed := tilecache.FormatFromPayload(data); sniffed != "" {
			t.format = sniffed
		}
	}
	if t.format == "" {
		return tilecache.FormatPNG
	}
	return t.format
}

func (t *Tree) formatOrDefault() string {
	t.formatMu.Lock()
	defer t.formatMu.Unlock()
	if t.format != "" {
		return t.format
	}
	return tilecache.FormatPNG
}

// writeAtomic writes data to path via a temp file and rename, creating
// parent directories as needed.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time interface checks
var (
	_ store.TileStore     = (*Tree)(nil)
	_ store.FormatScanner = (*Tree)(nil)
	_ store.BoundsScanner = (*Tree)(nil)
)
