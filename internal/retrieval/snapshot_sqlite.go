package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Compile-time check that SQLiteSnapshotter implements Snapshotter.
var _ Snapshotter = (*SQLiteSnapshotter)(nil)

// SQLiteSnapshotter stores the snapshot in the vector_snapshot tables of the
// application database, one row per record with the embedding as a
// little-endian float32 blob. Each Save replaces the previous snapshot in a
// single transaction.
type SQLiteSnapshotter struct {
	db *sql.DB
}

// NewSQLiteSnapshotter wraps an existing *sql.DB. The vector_snapshot tables
// must already exist (created via migrations).
func NewSQLiteSnapshotter(db *sql.DB) *SQLiteSnapshotter {
	return &SQLiteSnapshotter{db: db}
}

func (s *SQLiteSnapshotter) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vector_snapshot`); err != nil {
		return fmt.Errorf("clearing snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vector_snapshot (seq, id, source_id, page, line_from, line_to, text, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for i, r := range snap.Records {
		m := r.Metadata
		if _, err := stmt.ExecContext(ctx, i, r.ID, m.SourceID, m.Page, m.LineFrom, m.LineTo, r.Text, encodeFloat32s(r.Embedding)); err != nil {
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vector_snapshot_meta (id, dimension, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET dimension = excluded.dimension, saved_at = excluded.saved_at`,
		snap.Dimension, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("recording snapshot dimension: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteSnapshotter) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx, `SELECT dimension FROM vector_snapshot_meta WHERE id = 1`).Scan(&snap.Dimension)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading snapshot dimension: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, page, line_from, line_to, text, embedding
		FROM vector_snapshot ORDER BY seq ASC`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("querying snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Record
		var blob []byte
		m := &r.Metadata
		if err := rows.Scan(&r.ID, &m.SourceID, &m.Page, &m.LineFrom, &m.LineTo, &r.Text, &blob); err != nil {
			return Snapshot{}, fmt.Errorf("scanning row: %w", err)
		}
		r.Embedding, err = decodeFloat32s(blob)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		snap.Records = append(snap.Records, r)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterating rows: %w", err)
	}
	return snap, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
