// Package mbtiles implements the TileStore contract on a single-file
// SQLite archive in the MBTiles layout: a metadata key/value table and a
// tiles table addressed in TMS row convention.
package mbtiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	_ "modernc.org/sqlite"

	tilecache "github.com/mapsmith/tile-cache"
	"github.com/mapsmith/tile-cache/lock"
	"github.com/mapsmith/tile-cache/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
	name TEXT PRIMARY KEY,
	value TEXT
);
CREATE TABLE IF NOT EXISTS tiles (
	zoom_level INT,
	tile_column INT,
	tile_row INT,
	tile_data BLOB,
	hash TEXT,
	created INT,
	PRIMARY KEY (zoom_level, tile_column, tile_row)
);
`

// DB is an MBTiles archive. Tile rows are stored in TMS convention; the
// API is XYZ and rows are flipped on the way in and out. Every committing
// statement runs through the busy-retry locker, one tile per statement:
// there is no cross-tile atomicity, so an interrupted job leaves a
// partially populated archive that a re-run resumes.
type DB struct {
	db     *sql.DB
	path   string
	locker lock.Locker
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithLocker sets the write locker. Defaults to a busy-retry locker with
// the default timeout.
func WithLocker(l lock.Locker) Option {
	return func(d *DB) { d.locker = l }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) { d.logger = logger }
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) { d.now = now }
}

// Open opens the archive at path, creating file and schema when create is
// set. Opening a missing archive without create fails.
func Open(path string, create bool, opts ...Option) (*DB, error) {
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("opening mbtiles %s: %w", path, err)
		}
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating archive directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening mbtiles %s: %w", path, err)
	}

	d := &DB{
		db:     sqlDB,
		path:   path,
		locker: lock.NewBusyRetry(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	if create {
		if err := d.locker.WithLock(context.Background(), path, func() error {
			_, err := sqlDB.Exec(schema)
			return err
		}); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("creating mbtiles schema: %w", err)
		}
	}

	d.logger.Debug("opened mbtiles archive", "path", path, "create", create)
	return d, nil
}

// Path returns the archive file path.
func (d *DB) Path() string {
	return d.path
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// GetTile returns the raw payload for the tile.
func (d *DB) GetTile(ctx context.Context, t tilecache.Tile) ([]byte, error) {
	tms := t.FlipY()
	var data []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		tms.Z, tms.X, tms.Y).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading tile %s: %w", t, err)
	}
	return data, nil
}

// GetTileHash returns the stored content hash for the tile.
func (d *DB) GetTileHash(ctx context.Context, t tilecache.Tile) (tilecache.Hash, error) {
	tms := t.FlipY()
	var hex sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT hash FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		tms.Z, tms.X, tms.Y).Scan(&hex)
	if errors.Is(err, sql.ErrNoRows) {
		return tilecache.Hash{}, store.ErrNotFound
	}
	if err != nil {
		return tilecache.Hash{}, fmt.Errorf("reading tile hash %s: %w", t, err)
	}
	if !hex.Valid || hex.String == "" {
		return tilecache.Hash{}, store.ErrNotFound
	}
	h, err := tilecache.ParseHash(hex.String)
	if err != nil {
		return tilecache.Hash{}, fmt.Errorf("stored hash for %s: %w", t, err)
	}
	return h, nil
}

// GetTileCreatedAt returns the stored creation time for the tile.
func (d *DB) GetTileCreatedAt(ctx context.Context, t tilecache.Tile) (time.Time, error) {
	tms := t.FlipY()
	var created sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT created FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		tms.Z, tms.X, tms.Y).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, store.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading tile timestamp %s: %w", t, err)
	}
	if !created.Valid {
		return time.Time{}, store.ErrNotFound
	}
	return time.UnixMilli(created.Int64), nil
}

// PutTile upserts payload, hash and creation time in one statement, so a
// concurrent reader sees either the old or the new triple, never a mix.
func (d *DB) PutTile(ctx context.Context, t tilecache.Tile, data []byte, hash tilecache.Hash) error {
	if !t.Valid() {
		return fmt.Errorf("invalid tile %s", t)
	}
	tms := t.FlipY()

	var hex any
	if !hash.IsZero() {
		hex = hash.String()
	}
	created := d.now().UnixMilli()

	return d.locker.WithLock(ctx, d.path, func() error {
		_, err := d.db.ExecContext(ctx, `
INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data, hash, created)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (zoom_level, tile_column, tile_row)
DO UPDATE SET tile_data = excluded.tile_data, hash = excluded.hash, created = excluded.created`,
			tms.Z, tms.X, tms.Y, data, hex, created)
		if err != nil {
			return fmt.Errorf("writing tile %s: %w", t, err)
		}
		return nil
	})
}

// DeleteTile removes the tile row. Deleting an absent tile is a no-op.
func (d *DB) DeleteTile(ctx context.Context, t tilecache.Tile) error {
	tms := t.FlipY()
	return d.locker.WithLock(ctx, d.path, func() error {
		_, err := d.db.ExecContext(ctx,
			`DELETE FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
			tms.Z, tms.X, tms.Y)
		if err != nil {
			return fmt.Errorf("deleting tile %s: %w", t, err)
		}
		return nil
	})
}

// GetMetadata reads the metadata table into the structured record.
func (d *DB) GetMetadata(ctx context.Context) (*store.Metadata, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scanning metadata row: %w", err)
		}
		kv[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	return store.MetadataFromMap(kv), nil
}

// UpdateMetadata upserts each set field as its own per-key atomic
// statement, leaving keys the record does not set untouched.
func (d *DB) UpdateMetadata(ctx context.Context, m *store.Metadata) error {
	kv, err := m.ToMap()
	if err != nil {
		return err
	}
	for name, value := range kv {
		err := d.locker.WithLock(ctx, d.path, func() error {
			_, err := d.db.ExecContext(ctx, `
INSERT INTO metadata (name, value) VALUES (?, ?)
ON CONFLICT (name) DO UPDATE SET value = excluded.value`, name, value)
			return err
		})
		if err != nil {
			return fmt.Errorf("updating metadata %q: %w", name, err)
		}
	}
	return nil
}

// SampleFormat sniffs the tile format from one stored payload, or ""
// when the archive is empty.
func (d *DB) SampleFormat(ctx context.Context) (string, error) {
	var data []byte
	err := d.db.QueryRowContext(ctx, `SELECT tile_data FROM tiles LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sampling tile: %w", err)
	}
	return tilecache.FormatFromPayload(data), nil
}

// ScanBounds aggregates per-zoom column/row extents into a coverage
// summary. ok is false when the archive holds no tiles.
func (d *DB) ScanBounds(ctx context.Context) (store.Extent, bool, error) {
	rows, err := d.db.QueryContext(ctx, `
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
		var minX, maxX, minRow, maxRow uint32
		if err := rows.Scan(&zoom, &minX, &maxX, &minRow, &maxRow); err != nil {
			return store.Extent{}, false, fmt.Errorf("scanning bounds row: %w", err)
		}

		// Rows are TMS; the maximum TMS row is the minimum XYZ row.
		n := uint32(1) << uint(zoom)
		minY := n - 1 - maxRow
		maxY := n - 1 - minRow

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

// Compile-time interface checks
var (
	_ store.TileStore     = (*DB)(nil)
	_ store.FormatScanner = (*DB)(nil)
	_ store.BoundsScanner = (*DB)(nil)
)
