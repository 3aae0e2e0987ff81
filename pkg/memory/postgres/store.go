package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/strata/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.FragmentStore  = (*Store)(nil)
	_ memory.EmbeddingStore = (*Store)(nil)
)

// Store is a [memory.FragmentStore] and [memory.EmbeddingStore] backed by a
// PostgreSQL connection pool. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	grid float64
	dims int
}

// NewStore creates a Store, establishes a connection pool to the database at
// dsn, registers pgvector types on every connection, and runs [Migrate].
//
// grid is the sediment bucket size. dims must match the output dimension of
// the embedding provider used for compression (e.g. 768 for nomic-embed-text).
func NewStore(ctx context.Context, dsn string, grid float64, dims int) (*Store, error) {
	if grid <= 0 || dims <= 0 {
		return nil, fmt.Errorf("%w: postgres store: grid %v and dims %d must be > 0", memory.ErrValidation, grid, dims)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, memory.Transient(fmt.Errorf("postgres store: ping: %w", err))
	}

	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, grid: grid, dims: dims}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Insert implements [memory.FragmentStore]. The whole call is one
// transaction; a fragment whose ID is already stored rolls it back with
// [memory.ErrDuplicateID].
func (s *Store) Insert(ctx context.Context, frags ...memory.Fragment) error {
	if len(frags) == 0 {
		return nil
	}
	const q = `
		INSERT INTO sediments (id, text, concept, x, y, bucket_x, bucket_y, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return memory.Transient(fmt.Errorf("postgres store: insert: begin: %w", err))
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, f := range frags {
		b := memory.BucketOf(f.X, f.Y, s.grid)
		batch.Queue(q, f.ID, f.Text, f.Concept, f.X, f.Y, b.X, b.Y, f.Timestamp)
	}
	br := tx.SendBatch(ctx, batch)
	for _, f := range frags {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return fmt.Errorf("postgres store: insert fragment %d: %w", f.ID, err)
		}
		if tag.RowsAffected() == 0 {
			br.Close()
			return fmt.Errorf("postgres store: insert fragment %d: %w", f.ID, memory.ErrDuplicateID)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres store: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return memory.Transient(fmt.Errorf("postgres store: insert: commit: %w", err))
	}
	return nil
}

const selectFragments = `SELECT id, text, concept, x, y, timestamp FROM sediments`

// Load implements [memory.FragmentStore].
func (s *Store) Load(ctx context.Context) ([]memory.Fragment, error) {
	return s.query(ctx, "load", selectFragments+` ORDER BY timestamp, id`)
}

// Range implements [memory.FragmentStore].
func (s *Store) Range(ctx context.Context, r memory.BucketRange) ([]memory.Fragment, error) {
	return s.query(ctx, "range", selectFragments+`
		WHERE bucket_x BETWEEN $1 AND $2 AND bucket_y BETWEEN $3 AND $4
		ORDER BY timestamp, id`, r.MinX, r.MaxX, r.MinY, r.MaxY)
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]memory.Fragment, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, memory.Transient(fmt.Errorf("postgres store: %s: %w", op, err))
	}
	frags, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Fragment, error) {
		var f memory.Fragment
		err := row.Scan(&f.ID, &f.Text, &f.Concept, &f.X, &f.Y, &f.Timestamp)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: %s: scan rows: %w", op, err)
	}
	if frags == nil {
		frags = []memory.Fragment{}
	}
	return frags, nil
}

// Delete implements [memory.FragmentStore]. Cached embeddings are removed by
// the foreign key cascade.
func (s *Store) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM sediments WHERE id = ANY($1)`, ids); err != nil {
		return memory.Transient(fmt.Errorf("postgres store: delete: %w", err))
	}
	return nil
}

// Count implements [memory.FragmentStore].
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sediments`).Scan(&n); err != nil {
		return 0, memory.Transient(fmt.Errorf("postgres store: count: %w", err))
	}
	return n, nil
}

// MaxID implements [memory.FragmentStore].
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM sediments`).Scan(&id); err != nil {
		return 0, memory.Transient(fmt.Errorf("postgres store: max id: %w", err))
	}
	return id, nil
}

// PutEmbeddings implements [memory.EmbeddingStore]. Every vector must have
// the dimension passed to [NewStore]; otherwise nothing is written and a
// [*memory.ShapeError] is returned. Vectors for missing fragments are skipped.
func (s *Store) PutEmbeddings(ctx context.Context, vecs map[int64][]float32) error {
	if len(vecs) == 0 {
		return nil
	}
	for _, v := range vecs {
		if len(v) != s.dims {
			return &memory.ShapeError{Op: "postgres store: put embeddings", Want: s.dims, Got: len(v)}
		}
	}
	const q = `
		INSERT INTO sediment_embeddings (id, embedding)
		SELECT $1, $2 WHERE EXISTS (SELECT 1 FROM sediments WHERE id = $1)
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding`

	batch := &pgx.Batch{}
	for id, v := range vecs {
		batch.Queue(q, id, pgvector.NewVector(v))
	}
	return s.sendTx(ctx, "put embeddings", batch)
}

// Embeddings implements [memory.EmbeddingStore].
func (s *Store) Embeddings(ctx context.Context, ids []int64) (map[int64][]float32, error) {
	out := make(map[int64][]float32, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, embedding FROM sediment_embeddings WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, memory.Transient(fmt.Errorf("postgres store: embeddings: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  int64
			vec pgvector.Vector
		)
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("postgres store: embeddings: scan: %w", err)
		}
		out[id] = vec.Slice()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: embeddings: %w", err)
	}
	return out, nil
}

// sendTx runs batch inside one transaction.
func (s *Store) sendTx(ctx context.Context, op string, batch *pgx.Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return memory.Transient(fmt.Errorf("postgres store: %s: begin: %w", op, err))
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: %s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return memory.Transient(fmt.Errorf("postgres store: %s: commit: %w", op, err))
	}
	return nil
}
