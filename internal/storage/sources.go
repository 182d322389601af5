package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/notebook/internal/apperr"
)

// SaveSource records a new source. It returns apperr.ErrAlreadyExists when
// the source ID is taken.
func (s *Store) SaveSource(src Source) error {
	createdAt := src.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO sources (source_id, name, size, content_type, job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO NOTHING`,
		src.SourceID, src.Name, src.Size, src.ContentType, src.JobID,
		createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("source %s: %w", src.SourceID, apperr.ErrAlreadyExists)
	}
	return nil
}

const sourceQuery = `
	SELECT s.source_id, s.name, s.size, s.content_type, s.job_id, s.created_at,
	       COALESCE(j.state, ''), COALESCE(j.progress, 0)
	FROM sources s LEFT JOIN jobs j ON j.id = s.job_id`

// GetSource returns a source with its job state.
func (s *Store) GetSource(id string) (Source, error) {
	src, err := scanSource(s.db.QueryRow(sourceQuery+` WHERE s.source_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, ErrNotFound
	}
	return src, err
}

// ListSources returns every source, newest first, with its job state.
func (s *Store) ListSources() ([]Source, error) {
	rows, err := s.db.Query(sourceQuery + ` ORDER BY s.created_at DESC, s.rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, src)
	}
	return results, rows.Err()
}

// DeleteSource removes a source together with its jobs and archived chunks.
func (s *Store) DeleteSource(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM sources WHERE source_id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE source_id = ?`, id); err != nil {
		return fmt.Errorf("deleting jobs: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM document_chunks WHERE source_id = ?`, id); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return tx.Commit()
}

func scanSource(row rowScanner) (Source, error) {
	var src Source
	var createdAt string
	if err := row.Scan(&src.SourceID, &src.Name, &src.Size, &src.ContentType, &src.JobID, &createdAt, &src.State, &src.Progress); err != nil {
		return Source{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Source{}, fmt.Errorf("parsing created_at: %w", err)
	}
	src.CreatedAt = t
	return src, nil
}
