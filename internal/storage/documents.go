package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrecall/internal/models"
)

// StoreDocument persists content verbatim. A document with the same
// filename is replaced. Once the document cap is exceeded the oldest
// uploads are evicted.
func (s *UserStore) StoreDocument(ctx context.Context, filename, content, mediaType string) (models.Document, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return models.Document{}, errors.New("filename is required")
	}
	if mediaType == "" {
		mediaType = "text/plain"
	}
	doc := models.Document{
		Filename:   filename,
		Content:    content,
		Size:       int64(len(content)),
		MediaType:  mediaType,
		UploadedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Document{}, fmt.Errorf("store document: %w: %w", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.d.rebind(
		`DELETE FROM documents WHERE user_id = ? AND filename = ?`), s.userID, filename); err != nil {
		return models.Document{}, fmt.Errorf("store document: %w: %w", ErrStoreUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(
		`INSERT INTO documents (user_id, filename, content, size, media_type, uploaded_at) VALUES (?, ?, ?, ?, ?, ?)`),
		s.userID, doc.Filename, doc.Content, doc.Size, doc.MediaType, doc.UploadedAt.UnixNano(),
	); err != nil {
		return models.Document{}, fmt.Errorf("store document: %w: %w", ErrStoreUnavailable, err)
	}
	evicted, err := s.documents.enforce(ctx, tx, s.d, s.userID)
	if err != nil {
		return models.Document{}, fmt.Errorf("store document: %w: %w", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Document{}, fmt.Errorf("store document: %w: %w", ErrStoreUnavailable, err)
	}
	s.notifyEvicted("documents", len(evicted))
	return doc, nil
}

// ListDocuments returns every document with its content, newest upload first.
func (s *UserStore) ListDocuments(ctx context.Context) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT filename, content, size, media_type, uploaded_at FROM documents
		 WHERE user_id = ? ORDER BY uploaded_at DESC, seq DESC`), s.userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]models.Document, 0)
	for rows.Next() {
		var (
			d  models.Document
			at int64
		)
		if err := rows.Scan(&d.Filename, &d.Content, &d.Size, &d.MediaType, &at); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.UploadedAt = time.Unix(0, at).UTC()
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// GetDocument loads one document by filename.
func (s *UserStore) GetDocument(ctx context.Context, filename string) (models.Document, error) {
	var (
		d  models.Document
		at int64
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT filename, content, size, media_type, uploaded_at FROM documents WHERE user_id = ? AND filename = ?`),
		s.userID, filename,
	).Scan(&d.Filename, &d.Content, &d.Size, &d.MediaType, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, ErrNotFound
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("get document: %w", err)
	}
	d.UploadedAt = time.Unix(0, at).UTC()
	return d, nil
}

// RemoveDocument deletes a document. Removing a missing filename succeeds.
func (s *UserStore) RemoveDocument(ctx context.Context, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, s.d.rebind(
		`DELETE FROM documents WHERE user_id = ? AND filename = ?`), s.userID, filename); err != nil {
		return fmt.Errorf("remove document: %w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// ClearDocuments removes every document of the user.
func (s *UserStore) ClearDocuments(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM documents WHERE user_id = ?`), s.userID); err != nil {
		return fmt.Errorf("clear documents: %w: %w", ErrStoreUnavailable, err)
	}
	return nil
}
