package storage

import (
	"fmt"

	"github.com/kalambet/notebook/internal/chunker"
)

// SaveChunks replaces the archived chunk sequence of a source.
func (s *Store) SaveChunks(sourceID string, chunks []chunker.Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning chunk transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM document_chunks WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO document_chunks (source_id, seq, text, page, line_from, line_to)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for i, c := range chunks {
		m := c.Metadata
		if _, err := stmt.Exec(sourceID, i, c.Text, m.Page, m.LineFrom, m.LineTo); err != nil {
			return fmt.Errorf("inserting chunk %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// GetChunks returns the archived chunks of a source in order.
// Returns ErrNotFound when the source has none.
func (s *Store) GetChunks(sourceID string) ([]chunker.Chunk, error) {
	rows, err := s.db.Query(`
		SELECT text, page, line_from, line_to FROM document_chunks
		WHERE source_id = ? ORDER BY seq ASC`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []chunker.Chunk
	for rows.Next() {
		c := chunker.Chunk{Metadata: chunker.Metadata{SourceID: sourceID}}
		if err := rows.Scan(&c.Text, &c.Metadata.Page, &c.Metadata.LineFrom, &c.Metadata.LineTo); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrNotFound
	}
	return chunks, nil
}
