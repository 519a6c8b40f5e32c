// ABOUTME: SQLite implementation of History using modernc.org/sqlite
// ABOUTME: Persists sessions, conversations and committed messages with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteHistory implements History using SQLite
type SQLiteHistory struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteHistory opens (or creates) the history database at path.
// Parent directories are created if needed.
func NewSQLiteHistory(path string) (*SQLiteHistory, error) {
	logger := slog.Default().With("component", "history")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	h := &SQLiteHistory{
		db:     db,
		logger: logger,
	}
	if err := h.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite history initialized", "path", path)
	return h, nil
}

func (h *SQLiteHistory) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			title          TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			llm_provider   TEXT NOT NULL DEFAULT '',
			llm_model      TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (status IN ('active', 'paused', 'completed', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at DESC);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,

			CHECK (role IN ('user', 'assistant', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`
	_, err := h.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

// SaveSession inserts a session or updates it in place.
func (h *SQLiteHistory) SaveSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (id, title, status, llm_provider, llm_model, workspace_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			llm_provider = excluded.llm_provider,
			llm_model = excluded.llm_model,
			workspace_path = excluded.workspace_path,
			updated_at = excluded.updated_at
	`
	_, err := h.db.ExecContext(ctx, query,
		sess.ID,
		sess.Title,
		string(sess.Status),
		sess.LLMProvider,
		sess.LLMModel,
		sess.WorkspacePath,
		formatTime(sess.CreatedAt),
		formatTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID, or ErrNotFound.
func (h *SQLiteHistory) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, title, status, llm_provider, llm_model, workspace_path, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`
	sess, err := scanSession(h.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions, most recent first. limit <= 0 means no limit.
func (h *SQLiteHistory) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, title, status, llm_provider, llm_model, workspace_path, created_at, updated_at
		FROM sessions
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := h.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SaveConversation inserts a conversation or updates its title.
func (h *SQLiteHistory) SaveConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, session_id, title, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title
	`
	_, err := h.db.ExecContext(ctx, query,
		conv.ID,
		conv.SessionID,
		conv.Title,
		formatTime(conv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}
	return nil
}

// ListConversations returns a session's conversations in creation order.
func (h *SQLiteHistory) ListConversations(ctx context.Context, sessionID string) ([]*Conversation, error) {
	query := `
		SELECT id, session_id, title, created_at
		FROM conversations
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`
	rows, err := h.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var createdAt string
		if err := rows.Scan(&conv.ID, &conv.SessionID, &conv.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		if conv.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// SaveMessage appends a committed message. Messages are immutable, so saving
// the same ID twice is an error.
func (h *SQLiteHistory) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := h.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		string(msg.Role),
		msg.Content,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	h.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "role", msg.Role)
	return nil
}

// DeleteMessage removes a message that was never delivered. Deleting a
// missing message is not an error.
func (h *SQLiteHistory) DeleteMessage(ctx context.Context, conversationID, id string) error {
	_, err := h.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND conversation_id = ?`, id, conversationID)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	h.logger.Debug("deleted message", "id", id, "conversation_id", conversationID)
	return nil
}

// ListMessages returns a conversation's messages in commit order.
func (h *SQLiteHistory) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	query := `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`
	rows, err := h.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var role, createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Role = Role(role)
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var status, createdAt, updatedAt string
	err := row.Scan(
		&sess.ID,
		&sess.Title,
		&status,
		&sess.LLMProvider,
		&sess.LLMModel,
		&sess.WorkspacePath,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

// timeLayout is fixed width so stored timestamps sort lexically. Nanosecond
// precision keeps the store's monotonic message stamps distinct.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
