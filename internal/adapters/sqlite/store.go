// Package sqlite implements ports.SessionStore on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/ports"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	app        TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	state      TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(app, user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
CREATE TABLE IF NOT EXISTS messages (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	session_id   TEXT NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	message_type TEXT NOT NULL DEFAULT '',
	api_source   TEXT NOT NULL DEFAULT '',
	raw_data     TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`

// Store is a SQLite-backed session store. Every method runs in its own transaction.
type Store struct {
	db          *sql.DB
	maxSessions int
	maxMessages int
}

// Option configures the Store.
type Option func(*Store)

// WithMaxSessionsPerUser sets the per-user session cap. Zero disables it.
func WithMaxSessionsPerUser(n int) Option {
	return func(s *Store) {
		s.maxSessions = n
	}
}

// WithMaxMessagesPerSession sets the per-session message cap. Zero disables it.
func WithMaxMessagesPerSession(n int) Option {
	return func(s *Store) {
		s.maxMessages = n
	}
}

// Open opens (creating if needed) the database at path. Use ":memory:" for a private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{
		db:          db,
		maxSessions: ports.DefaultMaxSessionsPerUser,
		maxMessages: ports.DefaultMaxMessagesPerSession,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Upsert creates or replaces a session.
func (s *Store) Upsert(ctx context.Context, app, userID, sessionID string, state domain.SessionState) (*domain.Session, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	if sessionID == "" {
		sessionID = uuid.Must(uuid.NewV7()).String()
	}

	now := time.Now()
	sess := &domain.Session{
		Kind:      domain.Persisted,
		ID:        sessionID,
		App:       app,
		UserID:    userID,
		State:     state.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			ownerApp, ownerUser string
			created             int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT app, user_id, created_at FROM sessions WHERE id = ?`,
			sessionID).Scan(&ownerApp, &ownerUser, &created)
		switch {
		case err == nil && (ownerApp != app || ownerUser != userID):
			return domain.ErrSessionOwned
		case err == nil:
			sess.CreatedAt = time.Unix(0, created)
			_, err = tx.ExecContext(ctx,
				`UPDATE sessions SET state = ?, updated_at = ? WHERE app = ? AND user_id = ? AND id = ?`,
				string(data), now.UnixNano(), app, userID, sessionID)
			return err
		case errors.Is(err, sql.ErrNoRows):
			if err := s.evict(ctx, tx, app, userID); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO sessions (id, app, user_id, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
				sessionID, app, userID, string(data), now.UnixNano(), now.UnixNano())
			return err
		default:
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert session: %w", err)
	}
	return sess, nil
}

// evict removes the owner's oldest sessions so one more fits under the cap.
func (s *Store) evict(ctx context.Context, tx *sql.Tx, app, userID string) error {
	if s.maxSessions <= 0 {
		return nil
	}
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE app = ? AND user_id = ?`, app, userID).Scan(&count); err != nil {
		return err
	}
	excess := count - s.maxSessions + 1
	if excess <= 0 {
		return nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM sessions WHERE app = ? AND user_id = ? ORDER BY created_at ASC LIMIT ?`,
		app, userID, excess)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if err := deleteTx(ctx, tx, app, userID, id); err != nil {
			return err
		}
	}
	return nil
}

// deleteTx removes the session only if the caller owns it, then its messages.
func deleteTx(ctx context.Context, tx *sql.Tx, app, userID, sessionID string) error {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE app = ? AND user_id = ? AND id = ?`, app, userID, sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	return err
}

// Get retrieves a session.
func (s *Store) Get(ctx context.Context, app, userID, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, app, user_id, state, created_at, updated_at FROM sessions WHERE app = ? AND user_id = ? AND id = ?`,
		app, userID, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.Session, error) {
	var (
		sess             domain.Session
		state            sql.NullString
		created, updated int64
	)
	if err := row.Scan(&sess.ID, &sess.App, &sess.UserID, &state, &created, &updated); err != nil {
		return nil, err
	}
	if !state.Valid || state.String == "" {
		return nil, fmt.Errorf("session %s has empty state", sess.ID)
	}
	if err := json.Unmarshal([]byte(state.String), &sess.State); err != nil {
		return nil, fmt.Errorf("session %s has invalid state: %w", sess.ID, err)
	}
	sess.Kind = domain.Persisted
	sess.CreatedAt = time.Unix(0, created)
	sess.UpdatedAt = time.Unix(0, updated)
	return &sess, nil
}

// List returns sessions, most recently updated first. Unreadable rows are skipped.
func (s *Store) List(ctx context.Context, app, userID string) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app, user_id, state, created_at, updated_at FROM sessions
		 WHERE (? = '' OR app = ?) AND (? = '' OR user_id = ?)
		 ORDER BY updated_at DESC`,
		app, app, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Delete removes a session and its messages.
func (s *Store) Delete(ctx context.Context, app, userID, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return deleteTx(ctx, tx, app, userID, sessionID)
	})
}

// ClearAll removes every session and message.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	var count int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions`)
		if err != nil {
			return err
		}
		count, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear sessions: %w", err)
	}
	return int(count), nil
}

// AppendMessage adds a plain message.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) (string, error) {
	return s.insertMessage(ctx, domain.Message{SessionID: sessionID, Role: role, Content: content})
}

// SaveAPIResponse adds a message tagged as an API response.
func (s *Store) SaveAPIResponse(ctx context.Context, sessionID, source, content string, raw map[string]any) (string, error) {
	return s.insertMessage(ctx, domain.Message{
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   content,
		Type:      domain.MessageTypeAPIResponse,
		Source:    source,
		RawData:   raw,
	})
}

func (s *Store) insertMessage(ctx context.Context, msg domain.Message) (string, error) {
	var raw sql.NullString
	if msg.RawData != nil {
		data, err := json.Marshal(msg.RawData)
		if err != nil {
			return "", fmt.Errorf("failed to marshal raw data: %w", err)
		}
		raw = sql.NullString{String: string(data), Valid: true}
	}
	msg.ID = uuid.NewString()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, created_at, message_type, api_source, raw_data)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, msg.Role, msg.Content, time.Now().UnixNano(), msg.Type, msg.Source, raw); err != nil {
			return err
		}
		if s.maxMessages <= 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE session_id = ? AND seq NOT IN (
				SELECT seq FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?)`,
			msg.SessionID, msg.SessionID, s.maxMessages)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to append message: %w", err)
	}
	return msg.ID, nil
}

const messageColumns = `m.id, m.session_id, m.role, m.content, m.created_at, m.message_type, m.api_source, m.raw_data`

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		var (
			m       domain.Message
			created int64
			raw     sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &created, &m.Type, &m.Source, &raw); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, created)
		if raw.Valid {
			_ = json.Unmarshal([]byte(raw.String), &m.RawData)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Messages returns up to limit messages, oldest first.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT * FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		 ) m ORDER BY m.seq ASC`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return scanMessages(rows)
}

// APIResponses returns tagged messages matching filter, newest first.
func (s *Store) APIResponses(ctx context.Context, filter domain.APIResponseFilter) ([]domain.Message, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 LEFT JOIN sessions s ON s.id = m.session_id
		 WHERE m.message_type = ?
		   AND (? = '' OR m.session_id = ?)
		   AND (? = '' OR s.user_id = ?)
		   AND (? = '' OR m.api_source = ?)
		 ORDER BY m.seq DESC LIMIT ?`,
		domain.MessageTypeAPIResponse,
		filter.SessionID, filter.SessionID,
		filter.UserID, filter.UserID,
		filter.Source, filter.Source,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query api responses: %w", err)
	}
	return scanMessages(rows)
}
