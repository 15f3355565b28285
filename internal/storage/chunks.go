package storage

import (
	"context"
	"fmt"
)

// ReplaceChunks deletes every chunk of the document and inserts the given
// ones in a single transaction, numbering them from zero. It returns the
// inserted chunks with their new ids.
func (s *Store) ReplaceChunks(ctx context.Context, documentID, ownerID string, inputs []ChunkInput) ([]Chunk, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning chunk transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return nil, fmt.Errorf("deleting chunks of %s: %w", documentID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (document_id, owner_id, chunk_index, page, section, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	now := s.Now()
	chunks := make([]Chunk, 0, len(inputs))
	for i, in := range inputs {
		page := in.Page
		if page <= 0 {
			page = 1
		}
		section := in.Section
		if section == "" {
			section = "Body"
		}
		res, err := stmt.ExecContext(ctx, documentID, ownerID, i, page, section, in.Content, formatTime(now))
		if err != nil {
			return nil, fmt.Errorf("inserting chunk %d of %s: %w", i, documentID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, Chunk{
			ID:         id,
			DocumentID: documentID,
			OwnerID:    ownerID,
			Index:      i,
			Page:       page,
			Section:    section,
			Content:    in.Content,
			CreatedAt:  now,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing chunks of %s: %w", documentID, err)
	}
	return chunks, nil
}

// ListChunks returns the chunks of a document in index order.
func (s *Store) ListChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.owner_id, c.chunk_index, c.page, c.section, c.content, c.created_at
		FROM chunks c WHERE c.document_id = ? ORDER BY c.chunk_index ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// RecentChunks returns up to limit of the owner's chunks, newest first,
// optionally restricted to one document.
func (s *Store) RecentChunks(ctx context.Context, ownerID, documentID string, limit int) ([]ChunkHit, error) {
	q := `SELECT c.id, c.document_id, c.owner_id, c.chunk_index, c.page, c.section, c.content, c.created_at, d.filename
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.owner_id = ?`
	args := []any{ownerID}
	if documentID != "" {
		q += ` AND c.document_id = ?`
		args = append(args, documentID)
	}
	q += ` ORDER BY c.created_at DESC, c.id DESC LIMIT ?`
	return s.queryChunkHits(ctx, q, append(args, limit)...)
}

// FallbackChunks returns up to limit chunks of the owner's processed
// documents, newest document first and in reading order within a document.
func (s *Store) FallbackChunks(ctx context.Context, ownerID, documentID string, limit int) ([]ChunkHit, error) {
	q := `SELECT c.id, c.document_id, c.owner_id, c.chunk_index, c.page, c.section, c.content, c.created_at, d.filename
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.owner_id = ? AND d.status = 'processed'`
	args := []any{ownerID}
	if documentID != "" {
		q += ` AND c.document_id = ?`
		args = append(args, documentID)
	}
	q += ` ORDER BY d.created_at DESC, c.chunk_index ASC LIMIT ?`
	return s.queryChunkHits(ctx, q, append(args, limit)...)
}

func (s *Store) queryChunkHits(ctx context.Context, q string, args ...any) ([]ChunkHit, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var h ChunkHit
		var createdAt string
		if err := rows.Scan(&h.ID, &h.DocumentID, &h.OwnerID, &h.Index, &h.Page, &h.Section,
			&h.Content, &createdAt, &h.Filename); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if h.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for chunk %d: %w", h.ID, err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func scanChunk(row rowScanner) (Chunk, error) {
	var c Chunk
	var createdAt string
	if err := row.Scan(&c.ID, &c.DocumentID, &c.OwnerID, &c.Index, &c.Page, &c.Section, &c.Content, &createdAt); err != nil {
		return Chunk{}, fmt.Errorf("scanning chunk: %w", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Chunk{}, fmt.Errorf("parsing created_at for chunk %d: %w", c.ID, err)
	}
	c.CreatedAt = t
	return c, nil
}
