package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatrecall/internal/models"

	"github.com/google/uuid"
)

// CreateSession starts a new active session and clears the active flag of
// every other session of the user.
func (s *UserStore) CreateSession(ctx context.Context) (models.Session, error) {
	sess := models.Session{
		ID:        uuid.NewString(),
		UserID:    s.userID,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Session{}, fmt.Errorf("create session: %w: %w", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.d.rebind(`UPDATE sessions SET active = 0 WHERE user_id = ?`), s.userID); err != nil {
		return models.Session{}, fmt.Errorf("create session: %w: %w", ErrStoreUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(
		`INSERT INTO sessions (id, user_id, created_at, active) VALUES (?, ?, ?, 1)`),
		sess.ID, sess.UserID, sess.CreatedAt.UnixNano(),
	); err != nil {
		return models.Session{}, fmt.Errorf("create session: %w: %w", ErrStoreUnavailable, err)
	}
	evicted, err := s.sessions.enforce(ctx, tx, s.d, s.userID)
	if err != nil {
		return models.Session{}, fmt.Errorf("create session: %w: %w", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Session{}, fmt.Errorf("create session: %w: %w", ErrStoreUnavailable, err)
	}
	s.notifyEvicted("sessions", len(evicted))
	return sess, nil
}

// ActivateSession makes an existing session the current one.
func (s *UserStore) ActivateSession(ctx context.Context, sessionID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Session{}, fmt.Errorf("activate session: %w: %w", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	sess, err := scanSession(tx.QueryRowContext(ctx, s.d.rebind(
		`SELECT id, user_id, created_at, active FROM sessions WHERE user_id = ? AND id = ?`), s.userID, sessionID))
	if err != nil {
		return models.Session{}, err
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`UPDATE sessions SET active = 0 WHERE user_id = ?`), s.userID); err != nil {
		return models.Session{}, fmt.Errorf("activate session: %w: %w", ErrStoreUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(
		`UPDATE sessions SET active = 1 WHERE user_id = ? AND id = ?`), s.userID, sessionID); err != nil {
		return models.Session{}, fmt.Errorf("activate session: %w: %w", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Session{}, fmt.Errorf("activate session: %w: %w", ErrStoreUnavailable, err)
	}
	sess.Active = true
	return sess, nil
}

// CloseSession clears the active flag. History of the session is kept.
func (s *UserStore) CloseSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, s.d.rebind(
		`UPDATE sessions SET active = 0 WHERE user_id = ? AND id = ?`), s.userID, sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w: %w", ErrStoreUnavailable, err)
	}
	// mysql reports zero affected rows when the flag was already clear
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

func (s *UserStore) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT id, user_id, created_at, active FROM sessions WHERE user_id = ? AND id = ?`), s.userID, sessionID))
}

// ActiveSession returns the current session, if any.
func (s *UserStore) ActiveSession(ctx context.Context) (models.Session, bool, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT id, user_id, created_at, active FROM sessions WHERE user_id = ? AND active = 1
		 ORDER BY created_at DESC LIMIT 1`), s.userID))
	if errors.Is(err, ErrNotFound) {
		return models.Session{}, false, nil
	}
	if err != nil {
		return models.Session{}, false, err
	}
	return sess, true, nil
}

// ListSessions returns every retained session, newest first.
func (s *UserStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT id, user_id, created_at, active FROM sessions WHERE user_id = ? ORDER BY created_at DESC`), s.userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	sessions := make([]models.Session, 0)
	for rows.Next() {
		var (
			sess   models.Session
			at     int64
			active int
		)
		if err := rows.Scan(&sess.ID, &sess.UserID, &at, &active); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = time.Unix(0, at).UTC()
		sess.Active = active != 0
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row *sql.Row) (models.Session, error) {
	var (
		sess   models.Session
		at     int64
		active int
	)
	err := row.Scan(&sess.ID, &sess.UserID, &at, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("load session: %w", err)
	}
	sess.CreatedAt = time.Unix(0, at).UTC()
	sess.Active = active != 0
	return sess, nil
}
