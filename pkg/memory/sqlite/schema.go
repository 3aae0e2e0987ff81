// Package sqlite provides an embedded [memory.FragmentStore] on SQLite,
// using the pure-Go modernc.org/sqlite driver.
//
// Fragments live in the sediments table, indexed by spatial bucket so that
// radius queries scan only the intersecting buckets. Fragment embeddings are
// cached as little-endian float32 BLOBs in sediment_embeddings.
//
// Usage:
//
//	store, err := sqlite.Open(ctx, filepath.Join(dataDir, sqlite.FileName), 50)
//	if err != nil { … }
//	defer store.Close()
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// FileName is the conventional database file name inside a data directory.
const FileName = "sediments.db"

const ddlSediments = `
CREATE TABLE IF NOT EXISTS sediments (
    id        INTEGER PRIMARY KEY,
    text      TEXT    NOT NULL,
    x         REAL    NOT NULL,
    y         REAL    NOT NULL,
    timestamp REAL    NOT NULL
);`

// legacyColumns were added after the first schema. Databases written before
// they existed are upgraded in place by [Migrate].
var legacyColumns = []struct{ name, decl string }{
	{"concept", "TEXT NOT NULL DEFAULT ''"},
	{"bucket_x", "INTEGER NOT NULL DEFAULT 0"},
	{"bucket_y", "INTEGER NOT NULL DEFAULT 0"},
}

const ddlMeta = `
CREATE TABLE IF NOT EXISTS sediment_meta (
    key   TEXT PRIMARY KEY,
    value REAL NOT NULL
);`

const ddlIndexes = `
CREATE INDEX IF NOT EXISTS idx_sediments_bucket    ON sediments (bucket_x, bucket_y);
CREATE INDEX IF NOT EXISTS idx_sediments_timestamp ON sediments (timestamp);

CREATE TABLE IF NOT EXISTS sediment_embeddings (
    id   INTEGER PRIMARY KEY REFERENCES sediments (id) ON DELETE CASCADE,
    dims INTEGER NOT NULL,
    vec  BLOB    NOT NULL
);`

// Migrate creates the tables and indexes if needed and upgrades databases
// from the original five-column layout by adding the concept and bucket
// columns. Buckets are recomputed whenever columns were added or the grid
// differs from the one recorded by the previous run. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB, grid float64) error {
	for _, ddl := range []string{ddlSediments, ddlMeta} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}

	have, err := columns(ctx, db, "sediments")
	if err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	backfill := false
	for _, c := range legacyColumns {
		if have[c.name] {
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE sediments ADD COLUMN %s %s", c.name, c.decl)); err != nil {
			return fmt.Errorf("sqlite migrate: add column %s: %w", c.name, err)
		}
		backfill = true
	}
	var recorded float64
	err = db.QueryRowContext(ctx, `SELECT value FROM sediment_meta WHERE key = 'grid'`).Scan(&recorded)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		backfill = true
	case err != nil:
		return fmt.Errorf("sqlite migrate: read grid: %w", err)
	case recorded != grid:
		backfill = true
	}
	if backfill {
		// Coordinates are never negative, so truncation is floor.
		const q = `UPDATE sediments SET bucket_x = CAST(x / ? AS INTEGER), bucket_y = CAST(y / ? AS INTEGER)`
		if _, err := db.ExecContext(ctx, q, grid, grid); err != nil {
			return fmt.Errorf("sqlite migrate: backfill buckets: %w", err)
		}
		const upsert = `INSERT INTO sediment_meta (key, value) VALUES ('grid', ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`
		if _, err := db.ExecContext(ctx, upsert, grid); err != nil {
			return fmt.Errorf("sqlite migrate: record grid: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, ddlIndexes); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

func columns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}
