// Package postgres provides a [memory.FragmentStore] on PostgreSQL, with
// fragment embeddings cached in a pgvector column.
//
// All operations share a single [pgxpool.Pool]. The pgvector extension must
// be available in the target database; [Migrate] installs it automatically
// via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 50, 768)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSediments = `
CREATE TABLE IF NOT EXISTS sediments (
    id         BIGINT            PRIMARY KEY,
    text       TEXT              NOT NULL,
    concept    TEXT              NOT NULL DEFAULT '',
    x          DOUBLE PRECISION  NOT NULL,
    y          DOUBLE PRECISION  NOT NULL,
    bucket_x   INTEGER           NOT NULL,
    bucket_y   INTEGER           NOT NULL,
    timestamp  TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sediments_bucket
    ON sediments (bucket_x, bucket_y);

CREATE INDEX IF NOT EXISTS idx_sediments_timestamp
    ON sediments (timestamp, id);
`

// ddlEmbeddings returns the embedding cache DDL with the vector dimension
// substituted. The dimension is baked into the column type at creation time.
func ddlEmbeddings(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS sediment_embeddings (
    id         BIGINT  PRIMARY KEY REFERENCES sediments (id) ON DELETE CASCADE,
    embedding  vector(%d) NOT NULL
);
`, dims)
}

// Migrate creates the tables, indexes and the vector extension if needed.
// It is idempotent and safe to call on every application start.
//
// dims must match the embedding provider's output dimension. Changing it
// after the first migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	for _, stmt := range []string{ddlSediments, ddlEmbeddings(dims)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
