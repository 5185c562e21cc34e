package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatrecall/internal/keywords"
	"chatrecall/internal/models"
	"chatrecall/internal/similarity"

	"github.com/google/uuid"
)

// maxIndexedKeyword bounds keyword length in the turn_keywords index.
const maxIndexedKeyword = 64

// Options caps what one user store retains.
type Options struct {
	MaxTurns     int
	MaxDocuments int
	MaxSessions  int
	// OnEvict is told how many rows of kind ("turns", "documents",
	// "sessions") retention removed for the user.
	OnEvict func(userID, kind string, n int)
}

// UserStore is the durable record of exactly one user. Every query also
// filters by user id, but isolation comes from the store being a separate
// physical database.
type UserStore struct {
	userID string
	key    string
	db     *sql.DB
	d      dialect
	opts   Options

	// mu serializes mutations and retention for this user.
	mu sync.Mutex

	turns     *cappedTable
	documents *cappedTable
	sessions  *cappedTable
}

func newUserStore(userID, key string, db *sql.DB, d dialect, opts Options) *UserStore {
	s := &UserStore{userID: userID, key: key, db: db, d: d, opts: opts}
	s.turns = &cappedTable{
		kind:  "turns",
		table: "turns",
		key:   "message_id",
		order: "created_at ASC, seq ASC",
		limit: opts.MaxTurns,
		onEvict: func(ctx context.Context, tx *sql.Tx, ids []string) error {
			del := d.rebind(`DELETE FROM turn_keywords WHERE message_id = ?`)
			for _, id := range ids {
				if _, err := tx.ExecContext(ctx, del, id); err != nil {
					return err
				}
			}
			return nil
		},
	}
	s.documents = &cappedTable{
		kind:  "documents",
		table: "documents",
		key:   "filename",
		order: "uploaded_at ASC, seq ASC",
		limit: opts.MaxDocuments,
	}
	s.sessions = &cappedTable{
		kind:   "sessions",
		table:  "sessions",
		key:    "id",
		order:  "created_at ASC",
		filter: "active = 0",
		limit:  opts.MaxSessions,
	}
	return s
}

// UserID reports the owner of this store.
func (s *UserStore) UserID() string { return s.userID }

// Close releases the underlying database handle.
func (s *UserStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendTurn persists a finalized turn. Both texts must be present. The
// stored turn is returned with its id, timestamp and keywords filled in.
func (s *UserStore) AppendTurn(ctx context.Context, turn models.Turn) (models.Turn, error) {
	if strings.TrimSpace(turn.UserText) == "" || strings.TrimSpace(turn.AssistantText) == "" {
		return models.Turn{}, errors.New("turn requires user and assistant text")
	}
	if turn.SessionID == "" {
		return models.Turn{}, errors.New("session_id is required")
	}
	if turn.UserID == "" {
		turn.UserID = s.userID
	}
	if turn.UserID != s.userID {
		return models.Turn{}, fmt.Errorf("turn belongs to user %q, store to %q", turn.UserID, s.userID)
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if turn.Keywords == nil {
		turn.Keywords = keywords.Extract(turn.Text())
	}
	meta, err := json.Marshal(turn.Metadata)
	if err != nil {
		return models.Turn{}, fmt.Errorf("encode turn metadata: %w", err)
	}
	kws, err := json.Marshal(turn.Keywords)
	if err != nil {
		return models.Turn{}, fmt.Errorf("encode turn keywords: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Turn{}, fmt.Errorf("append turn: %w: %w", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		s.d.rebind(`SELECT COUNT(*) FROM turns WHERE message_id = ?`), turn.ID,
	).Scan(&exists); err != nil {
		return models.Turn{}, fmt.Errorf("append turn: %w: %w", ErrStoreUnavailable, err)
	}
	if exists > 0 {
		return models.Turn{}, ErrDuplicateID
	}

	// creation time never goes backwards inside a session
	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		s.d.rebind(`SELECT MAX(created_at) FROM turns WHERE user_id = ? AND session_id = ?`),
		s.userID, turn.SessionID,
	).Scan(&last); err != nil {
		return models.Turn{}, fmt.Errorf("append turn: %w: %w", ErrStoreUnavailable, err)
	}
	if last.Valid && turn.CreatedAt.UnixNano() < last.Int64 {
		turn.CreatedAt = time.Unix(0, last.Int64).UTC()
	}

	if _, err := tx.ExecContext(ctx, s.d.rebind(
		`INSERT INTO turns (message_id, user_id, session_id, user_text, assistant_text, created_at, metadata, keywords)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		turn.ID, turn.UserID, turn.SessionID, turn.UserText, turn.AssistantText,
		turn.CreatedAt.UnixNano(), string(meta), string(kws),
	); err != nil {
		return models.Turn{}, fmt.Errorf("append turn: %w: %w", ErrStoreUnavailable, err)
	}
	ins := s.d.rebind(`INSERT INTO turn_keywords (keyword, message_id) VALUES (?, ?)`)
	for _, kw := range turn.Keywords {
		if kw == "" || utf8.RuneCountInString(kw) > maxIndexedKeyword || len(kw) > maxIndexedKeyword*4 {
			continue
		}
		if _, err := tx.ExecContext(ctx, ins, kw, turn.ID); err != nil {
			return models.Turn{}, fmt.Errorf("index turn keywords: %w: %w", ErrStoreUnavailable, err)
		}
	}

	evicted, err := s.turns.enforce(ctx, tx, s.d, s.userID)
	if err != nil {
		return models.Turn{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Turn{}, fmt.Errorf("commit turn: %w: %w", ErrStoreUnavailable, err)
	}
	s.notifyEvicted("turns", len(evicted))
	return turn, nil
}

// RecentTurns returns up to limit of the newest turns in ascending
// creation order.
func (s *UserStore) RecentTurns(ctx context.Context, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		return []models.Turn{}, nil
	}
	return s.latestTurns(ctx, `user_id = ?`, []any{s.userID}, limit)
}

// SessionTurns returns up to limit of the newest turns of one session in
// ascending creation order.
func (s *UserStore) SessionTurns(ctx context.Context, sessionID string, limit int) ([]models.Turn, error) {
	if limit <= 0 || sessionID == "" {
		return []models.Turn{}, nil
	}
	return s.latestTurns(ctx, `user_id = ? AND session_id = ?`, []any{s.userID, sessionID}, limit)
}

func (s *UserStore) latestTurns(ctx context.Context, where string, args []any, limit int) ([]models.Turn, error) {
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+turnColumns+` FROM turns WHERE `+where+` ORDER BY created_at DESC, seq DESC LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// KeywordSearch returns turns sharing at least one keyword with query,
// ranked by overlap size and then recency.
func (s *UserStore) KeywordSearch(ctx context.Context, query string, limit int) ([]models.Turn, error) {
	terms := keywords.Extract(query)
	if len(terms) == 0 || limit <= 0 {
		return []models.Turn{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(terms)), ", ")
	args := make([]any, 0, len(terms)+2)
	args = append(args, s.userID)
	for _, t := range terms {
		args = append(args, t)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+prefixed("t.", turnColumns)+`
		 FROM turns t
		 JOIN (SELECT message_id, COUNT(*) AS hits FROM turn_keywords
		       WHERE keyword IN (`+placeholders+`) GROUP BY message_id) h
		   ON h.message_id = t.message_id
		 WHERE t.user_id = ?
		 ORDER BY h.hits DESC, t.created_at DESC, t.seq DESC
		 LIMIT ?`), reorderKeywordArgs(args)...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	return scanTurns(rows)
}

// reorderKeywordArgs moves the user id behind the keyword list to match
// placeholder order in KeywordSearch.
func reorderKeywordArgs(args []any) []any {
	out := make([]any, 0, len(args))
	out = append(out, args[1:len(args)-1]...)
	out = append(out, args[0], args[len(args)-1])
	return out
}

// SimilaritySearch ranks every stored turn against query by tf-idf cosine
// similarity. The index is rebuilt from the live rows on each call.
func (s *UserStore) SimilaritySearch(ctx context.Context, query string, limit int) ([]models.Turn, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return []models.Turn{}, nil
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+turnColumns+` FROM turns WHERE user_id = ? ORDER BY created_at ASC, seq ASC`), s.userID)
	if err != nil {
		return nil, fmt.Errorf("similarity corpus: %w", err)
	}
	all, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	corpus := make([]string, len(all))
	for i, t := range all {
		corpus[i] = t.Text()
	}
	matches := similarity.Rank(corpus, query, limit)
	out := make([]models.Turn, 0, len(matches))
	for _, m := range matches {
		out = append(out, all[m.Index])
	}
	return out, nil
}

// WipeUser deletes every turn, document and session of the user in one
// transaction.
func (s *UserStore) WipeUser(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("wipe user: %w: %w", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()
	stmts := []string{
		`DELETE FROM turn_keywords WHERE message_id IN (SELECT message_id FROM turns WHERE user_id = ?)`,
		`DELETE FROM turns WHERE user_id = ?`,
		`DELETE FROM documents WHERE user_id = ?`,
		`DELETE FROM sessions WHERE user_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, s.d.rebind(stmt), s.userID); err != nil {
			return fmt.Errorf("wipe user: %w: %w", ErrStoreUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("wipe user: %w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// EnforceRetention re-applies every cap. It returns evicted row counts by kind.
func (s *UserStore) EnforceRetention(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("retention: %w: %w", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()
	counts := make(map[string]int, 3)
	for _, table := range []*cappedTable{s.turns, s.documents, s.sessions} {
		keys, err := table.enforce(ctx, tx, s.d, s.userID)
		if err != nil {
			return nil, fmt.Errorf("retention: %w: %w", ErrStoreUnavailable, err)
		}
		counts[table.kind] = len(keys)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("retention: %w: %w", ErrStoreUnavailable, err)
	}
	for kind, n := range counts {
		s.notifyEvicted(kind, n)
	}
	return counts, nil
}

// Stats summarises what the store currently holds.
type Stats struct {
	UserID          string    `json:"user_id"`
	Turns           int       `json:"turns"`
	Documents       int       `json:"documents"`
	DocumentBytes   int64     `json:"document_bytes"`
	Sessions        int       `json:"sessions"`
	ActiveSessionID string    `json:"active_session_id,omitempty"`
	OldestTurn      time.Time `json:"oldest_turn,omitempty"`
	NewestTurn      time.Time `json:"newest_turn,omitempty"`
}

func (s *UserStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{UserID: s.userID}
	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT COUNT(*), MIN(created_at), MAX(created_at) FROM turns WHERE user_id = ?`), s.userID,
	).Scan(&st.Turns, &oldest, &newest); err != nil {
		return st, fmt.Errorf("turn stats: %w", err)
	}
	if oldest.Valid {
		st.OldestTurn = time.Unix(0, oldest.Int64).UTC()
	}
	if newest.Valid {
		st.NewestTurn = time.Unix(0, newest.Int64).UTC()
	}
	var bytes sql.NullInt64
	if err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT COUNT(*), SUM(size) FROM documents WHERE user_id = ?`), s.userID,
	).Scan(&st.Documents, &bytes); err != nil {
		return st, fmt.Errorf("document stats: %w", err)
	}
	st.DocumentBytes = bytes.Int64
	if err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT COUNT(*) FROM sessions WHERE user_id = ?`), s.userID,
	).Scan(&st.Sessions); err != nil {
		return st, fmt.Errorf("session stats: %w", err)
	}
	active, ok, err := s.ActiveSession(ctx)
	if err != nil {
		return st, err
	}
	if ok {
		st.ActiveSessionID = active.ID
	}
	return st, nil
}

func (s *UserStore) notifyEvicted(kind string, n int) {
	if n > 0 && s.opts.OnEvict != nil {
		s.opts.OnEvict(s.userID, kind, n)
	}
}

const turnColumns = `message_id, user_id, session_id, user_text, assistant_text, created_at, metadata, keywords`

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, ", ")
}

func scanTurns(rows *sql.Rows) ([]models.Turn, error) {
	defer rows.Close()
	turns := make([]models.Turn, 0)
	for rows.Next() {
		var (
			t         models.Turn
			createdAt int64
			meta, kws string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &t.UserText, &t.AssistantText, &createdAt, &meta, &kws); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.CreatedAt = time.Unix(0, createdAt).UTC()
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
				return nil, fmt.Errorf("decode turn metadata: %w", err)
			}
		}
		if kws != "" && kws != "null" {
			if err := json.Unmarshal([]byte(kws), &t.Keywords); err != nil {
				return nil, fmt.Errorf("decode turn keywords: %w", err)
			}
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}
