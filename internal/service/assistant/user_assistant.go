package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrecall/internal/models"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrTokenNotConfigured = errors.New("api token not configured")
)

// Service handles user accounts and their provider keys.
type Service struct {
	db     *sql.DB
	cipher *tokenCipher
}

// NewService builds the account service. Provider keys are sealed with
// the key in CHATRECALL_APIKEY_KEY.
func NewService(db *sql.DB) (*Service, error) {
	c, err := newTokenCipherFromEnv()
	if err != nil {
		return nil, err
	}
	return &Service{db: db, cipher: c}, nil
}

// RegisterUser creates a user with the supplied credentials.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || strings.TrimSpace(password) == "" {
		return nil, errors.New("username and password are required")
	}

	var taken bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username,
	).Scan(&taken); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if taken {
		return nil, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, string(hash), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{ID: id, Username: username, PasswordHash: string(hash), CreatedAt: now}, nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username,
	)
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// DeleteUser removes a user; tokens and provider keys go with it.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete user: %w", err)
	}
	defer tx.Rollback()
	// explicit deletes cover databases opened without foreign keys
	for _, stmt := range []string{
		`DELETE FROM api_keys WHERE user_id = ?`,
		`DELETE FROM user_tokens WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete user data: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// EnsureAIReady verifies that the user has configured a token for the provider.
func (s *Service) EnsureAIReady(ctx context.Context, userID int64, provider string) (string, error) {
	token, err := s.HasUserToken(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrTokenNotConfigured
	}
	return token, nil
}

// HasUserToken returns the API token stored for the user/provider pair,
// or "" when none is stored.
func (s *Service) HasUserToken(ctx context.Context, userID int64, provider string) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "", errors.New("provider is required")
	}
	var stored string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT api_key FROM api_keys WHERE user_id = ? AND provider = ? LIMIT 1`,
		userID,
		provider,
	).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("lookup api token: %w", err)
	}
	token, err := s.cipher.open(stored, keyBinding(userID, provider))
	if err != nil {
		return "", fmt.Errorf("decrypt api token: %w", err)
	}
	return token, nil
}

// SetUserToken persists or replaces the API token for a user/provider pair.
func (s *Service) SetUserToken(ctx context.Context, userID int64, provider, token string) error {
	if userID <= 0 {
		return errors.New("invalid user id")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return errors.New("provider is required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is required")
	}
	sealed, err := s.cipher.seal(token, keyBinding(userID, provider))
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin store token: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("verify user: %w", err)
	}
	if !exists {
		return errors.New("user not found")
	}
	// delete then insert works the same on sqlite and mysql
	if _, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE user_id = ? AND provider = ?`, userID, provider); err != nil {
		return fmt.Errorf("replace token: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO api_keys (user_id, provider, api_key, created_at) VALUES (?, ?, ?, ?)`,
		userID, provider, sealed, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return tx.Commit()
}

// ListUserTokens reports which providers have a key, with a short hint.
func (s *Service) ListUserTokens(ctx context.Context, userID int64) ([]models.ProviderToken, error) {
	if userID <= 0 {
		return nil, errors.New("invalid user id")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, api_key, created_at FROM api_keys WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()
	var out []models.ProviderToken
	for rows.Next() {
		var (
			tok    models.ProviderToken
			stored string
		)
		if err := rows.Scan(&tok.Provider, &stored, &tok.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		if plain, err := s.cipher.open(stored, keyBinding(userID, tok.Provider)); err == nil {
			tok.Hint = tokenHint(plain)
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// DeleteUserToken removes the stored token for a user/provider pair.
func (s *Service) DeleteUserToken(ctx context.Context, userID int64, provider string) error {
	if userID <= 0 {
		return errors.New("invalid user id")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return errors.New("provider is required")
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func keyBinding(userID int64, provider string) string {
	return fmt.Sprintf("%d:%s", userID, provider)
}
