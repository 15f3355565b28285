package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kalambet/knowstack/internal/apperr"
)

const documentColumns = `id, owner_id, filename, content_type, sha256, size_bytes, storage_key, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var status, createdAt string
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Filename, &d.ContentType, &d.SHA256,
		&d.SizeBytes, &d.StorageKey, &status, &createdAt); err != nil {
		return Document{}, err
	}
	d.Status = DocumentStatus(status)
	t, err := parseTime(createdAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing created_at for document %s: %w", d.ID, err)
	}
	d.CreatedAt = t
	return d, nil
}

// CreateDocument inserts d. A zero CreatedAt is set to the store clock and an
// empty Status to queued. ErrDuplicate is returned when the owner already
// has a document with the same hash.
func (s *Store) CreateDocument(ctx context.Context, d Document) (Document, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.Now()
	}
	if d.Status == "" {
		d.Status = DocumentQueued
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OwnerID, d.Filename, d.ContentType, d.SHA256, d.SizeBytes,
		d.StorageKey, string(d.Status), formatTime(d.CreatedAt),
	)
	if isUniqueViolation(err) {
		return Document{}, ErrDuplicate
	}
	if err != nil {
		return Document{}, fmt.Errorf("inserting document %s: %w", d.ID, err)
	}
	return d, nil
}

// FindDocumentByHash returns the owner's document with the given SHA-256.
func (s *Store) FindDocumentByHash(ctx context.Context, ownerID, sha256 string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+`
		FROM documents WHERE owner_id = ? AND sha256 = ?`, ownerID, sha256)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, apperr.New(apperr.KindNotFound, "document not found")
	}
	return d, err
}

// GetDocument returns the owner's document by id.
func (s *Store) GetDocument(ctx context.Context, ownerID, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+`
		FROM documents WHERE id = ? AND owner_id = ?`, id, ownerID)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, apperr.New(apperr.KindNotFound, "document %s not found", id)
	}
	return d, err
}

// ListDocuments returns a page of the owner's documents, newest first, and
// the total count matching the filter. An empty status matches all.
func (s *Store) ListDocuments(ctx context.Context, ownerID string, status DocumentStatus, limit, offset int) ([]Document, int, error) {
	where := `WHERE owner_id = ?`
	args := []any{ownerID}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, string(status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting documents: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents `+where+`
		ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, d)
	}
	return docs, total, rows.Err()
}

// SetDocumentStatus updates the status of a document.
func (s *Store) SetDocumentStatus(ctx context.Context, id string, status DocumentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.KindNotFound, "document %s not found", id)
	}
	return nil
}
