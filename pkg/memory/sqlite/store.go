package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/strata/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.FragmentStore  = (*Store)(nil)
	_ memory.EmbeddingStore = (*Store)(nil)
)

// deleteBatch bounds the number of placeholders per DELETE statement.
const deleteBatch = 500

// Store is a [memory.FragmentStore] and [memory.EmbeddingStore] backed by a
// single SQLite file. All methods are safe for concurrent use.
type Store struct {
	db   *sql.DB
	grid float64
}

// Open opens or creates the database at path and runs [Migrate]. grid is
// the sediment bucket size and must match the sediment log's.
func Open(ctx context.Context, path string, grid float64) (*Store, error) {
	if grid <= 0 {
		return nil, fmt.Errorf("%w: sqlite store: grid must be > 0, got %v", memory.ErrValidation, grid)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %q: %w", path, err)
	}
	// One connection serialises writers and keeps the pragmas below in force.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	if err := Migrate(ctx, db, grid); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, grid: grid}, nil
}

// Close implements [memory.FragmentStore].
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert implements [memory.FragmentStore]. A fragment whose ID is already
// stored rolls back the whole call with [memory.ErrDuplicateID].
func (s *Store) Insert(ctx context.Context, frags ...memory.Fragment) error {
	if len(frags) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: insert: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sediments (id, text, concept, x, y, bucket_x, bucket_y, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("sqlite store: insert: prepare: %w", err)
	}
	defer stmt.Close()

	for _, f := range frags {
		b := memory.BucketOf(f.X, f.Y, s.grid)
		res, err := stmt.ExecContext(ctx, f.ID, f.Text, f.Concept, f.X, f.Y, b.X, b.Y, unixSeconds(f.Timestamp))
		if err != nil {
			return fmt.Errorf("sqlite store: insert fragment %d: %w", f.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("sqlite store: insert fragment %d: %w", f.ID, memory.ErrDuplicateID)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: insert: commit: %w", err)
	}
	return nil
}

const selectFragments = `SELECT id, text, concept, x, y, timestamp FROM sediments`

// Load implements [memory.FragmentStore].
func (s *Store) Load(ctx context.Context) ([]memory.Fragment, error) {
	return s.query(ctx, "load", selectFragments+` ORDER BY timestamp, id`)
}

// Range implements [memory.FragmentStore]. The bucket index serves the scan.
func (s *Store) Range(ctx context.Context, r memory.BucketRange) ([]memory.Fragment, error) {
	return s.query(ctx, "range", selectFragments+`
		WHERE bucket_x BETWEEN ? AND ? AND bucket_y BETWEEN ? AND ?
		ORDER BY timestamp, id`, r.MinX, r.MaxX, r.MinY, r.MaxY)
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]memory.Fragment, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: %s: %w", op, err)
	}
	defer rows.Close()

	out := []memory.Fragment{}
	for rows.Next() {
		var (
			f  memory.Fragment
			ts float64
		)
		if err := rows.Scan(&f.ID, &f.Text, &f.Concept, &f.X, &f.Y, &ts); err != nil {
			return nil, fmt.Errorf("sqlite store: %s: scan: %w", op, err)
		}
		f.Timestamp = fromUnixSeconds(ts)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: %s: %w", op, err)
	}
	return out, nil
}

// Delete implements [memory.FragmentStore].
func (s *Store) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: delete: begin: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(ids); start += deleteBatch {
		batch := ids[start:min(start+deleteBatch, len(ids))]
		in, args := placeholders(batch)
		for _, table := range []string{"sediment_embeddings", "sediments"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id IN ("+in+")", args...); err != nil {
				return fmt.Errorf("sqlite store: delete from %s: %w", table, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: delete: commit: %w", err)
	}
	return nil
}

// Count implements [memory.FragmentStore].
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sediments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite store: count: %w", err)
	}
	return n, nil
}

// MaxID implements [memory.FragmentStore].
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM sediments`).Scan(&id); err != nil {
		return 0, fmt.Errorf("sqlite store: max id: %w", err)
	}
	return id, nil
}

// PutEmbeddings implements [memory.EmbeddingStore]. Vectors for fragments
// that no longer exist are skipped.
func (s *Store) PutEmbeddings(ctx context.Context, vecs map[int64][]float32) error {
	if len(vecs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: put embeddings: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO sediment_embeddings (id, dims, vec)
		SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM sediments WHERE id = ?)`)
	if err != nil {
		return fmt.Errorf("sqlite store: put embeddings: prepare: %w", err)
	}
	defer stmt.Close()

	for id, v := range vecs {
		if _, err := stmt.ExecContext(ctx, id, len(v), encodeVector(v), id); err != nil {
			return fmt.Errorf("sqlite store: put embedding %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: put embeddings: commit: %w", err)
	}
	return nil
}

// Embeddings implements [memory.EmbeddingStore].
func (s *Store) Embeddings(ctx context.Context, ids []int64) (map[int64][]float32, error) {
	out := make(map[int64][]float32, len(ids))
	for start := 0; start < len(ids); start += deleteBatch {
		batch := ids[start:min(start+deleteBatch, len(ids))]
		in, args := placeholders(batch)
		rows, err := s.db.QueryContext(ctx, "SELECT id, dims, vec FROM sediment_embeddings WHERE id IN ("+in+")", args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: embeddings: %w", err)
		}
		for rows.Next() {
			var (
				id   int64
				dims int
				blob []byte
			)
			if err := rows.Scan(&id, &dims, &blob); err != nil {
				rows.Close()
				return nil, fmt.Errorf("sqlite store: embeddings: scan: %w", err)
			}
			if v, ok := decodeVector(blob, dims); ok {
				out[id] = v
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("sqlite store: embeddings: %w", err)
		}
	}
	return out, nil
}

func placeholders(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// decodeVector rejects BLOBs whose length disagrees with dims.
func decodeVector(blob []byte, dims int) ([]float32, bool) {
	if dims <= 0 || len(blob) != 4*dims {
		return nil, false
	}
	v := make([]float32, dims)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return v, true
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9))
}
