// Package sqlite persists sessions and messages in a single SQLite
// file, which is all a single-node deployment needs.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PabloGalante/parley/internal/domain"
)

// Store implements domain.SessionStore and domain.MessageStore on one
// database handle.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the database at dbPath and applies the
// schema.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		status           TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		last_activity_at TEXT NOT NULL,
		message_count    INTEGER NOT NULL DEFAULT 0,
		prompt_tokens    INTEGER NOT NULL DEFAULT 0,
		reply_tokens     INTEGER NOT NULL DEFAULT 0,
		context_budget   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id                TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL REFERENCES sessions(id),
		author            TEXT NOT NULL,
		text              TEXT NOT NULL,
		created_at        TEXT NOT NULL,
		seq               INTEGER NOT NULL,
		client_message_id TEXT NOT NULL DEFAULT '',
		tokens            INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ─────────────────────────────────────────────
// SessionStore implementation
// ─────────────────────────────────────────────

func (s *Store) CreateSession(session *domain.Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, user_id, status, title, created_at, last_activity_at,
		                       message_count, prompt_tokens, reply_tokens, context_budget)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(session.ID), string(session.UserID), string(session.Status), session.Title,
		formatTime(session.CreatedAt), formatTime(session.LastActivityAt),
		session.MessageCount, session.Usage.Prompt, session.Usage.Reply, session.ContextBudget,
	)
	if err != nil {
		return fmt.Errorf("sqlite CreateSession: %w", err)
	}
	return nil
}

func (s *Store) UpdateSession(session *domain.Session) error {
	res, err := s.db.Exec(
		`UPDATE sessions
		 SET status = ?, title = ?, last_activity_at = ?,
		     message_count = ?, prompt_tokens = ?, reply_tokens = ?, context_budget = ?
		 WHERE id = ?`,
		string(session.Status), session.Title, formatTime(session.LastActivityAt),
		session.MessageCount, session.Usage.Prompt, session.Usage.Reply, session.ContextBudget,
		string(session.ID),
	)
	if err != nil {
		return fmt.Errorf("sqlite UpdateSession: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *Store) GetSession(id domain.SessionID) (*domain.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, status, title, created_at, last_activity_at,
		        message_count, prompt_tokens, reply_tokens, context_budget
		 FROM sessions WHERE id = ?`, string(id))
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("sqlite GetSession: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessionsByUser(userID domain.UserID, limit int) ([]*domain.Session, error) {
	query := `SELECT id, user_id, status, title, created_at, last_activity_at,
	                 message_count, prompt_tokens, reply_tokens, context_budget
	          FROM sessions WHERE user_id = ? ORDER BY created_at DESC`
	args := []any{string(userID)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite ListSessionsByUser: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite ListSessionsByUser: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────
// MessageStore implementation
// ─────────────────────────────────────────────

func (s *Store) AppendMessage(msg *domain.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, session_id, author, text, created_at, seq, client_message_id, tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(msg.ID), string(msg.SessionID), string(msg.Author), msg.Text,
		formatTime(msg.CreatedAt), msg.Seq, msg.ClientMessageID, msg.Tokens,
	)
	if err != nil {
		return fmt.Errorf("sqlite AppendMessage: %w", err)
	}
	return nil
}

func (s *Store) GetMessagesBySession(sessionID domain.SessionID, limit int) ([]*domain.Message, error) {
	// the tail of the conversation, still in ascending order
	query := `SELECT id, session_id, author, text, created_at, seq, client_message_id, tokens
	          FROM messages WHERE session_id = ? ORDER BY seq ASC`
	args := []any{string(sessionID)}
	if limit > 0 {
		query = `SELECT * FROM (
		           SELECT id, session_id, author, text, created_at, seq, client_message_id, tokens
		           FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		         ) ORDER BY seq ASC`
		args = append(args, limit)
	}
	return s.queryMessages(query, args...)
}

func (s *Store) ListMessagesSince(sessionID domain.SessionID, afterSeq int64, limit int) ([]*domain.Message, error) {
	query := `SELECT id, session_id, author, text, created_at, seq, client_message_id, tokens
	          FROM messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{string(sessionID), afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMessages(query, args...)
}

func (s *Store) queryMessages(query string, args ...any) ([]*domain.Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────
// Row scanning
// ─────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.Session, error) {
	var sess domain.Session
	var id, userID, status, createdAt, lastActivityAt string

	err := row.Scan(
		&id, &userID, &status, &sess.Title, &createdAt, &lastActivityAt,
		&sess.MessageCount, &sess.Usage.Prompt, &sess.Usage.Reply, &sess.ContextBudget,
	)
	if err != nil {
		return nil, err
	}

	sess.ID = domain.SessionID(id)
	sess.UserID = domain.UserID(userID)
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = parseTime(createdAt)
	sess.LastActivityAt = parseTime(lastActivityAt)
	return &sess, nil
}

func scanMessage(row scanner) (*domain.Message, error) {
	var msg domain.Message
	var id, sessionID, author, createdAt string

	err := row.Scan(
		&id, &sessionID, &author, &msg.Text, &createdAt,
		&msg.Seq, &msg.ClientMessageID, &msg.Tokens,
	)
	if err != nil {
		return nil, err
	}

	msg.ID = domain.MessageID(id)
	msg.SessionID = domain.SessionID(sessionID)
	msg.Author = domain.Role(author)
	msg.CreatedAt = parseTime(createdAt)
	return &msg, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
