// Package sqlite implements the conversation store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"chatrelay/internal/models"
	"chatrelay/internal/retention"
)

// Timestamps are stored as Unix nanoseconds. The seq columns record insertion order and
// break timestamp ties.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    owner_id TEXT NOT NULL,
    title TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated ON conversations(owner_id, updated_at, seq);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, seq);
`

// Store implements retention.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ retention.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateConversation(ctx context.Context, conv models.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.OwnerID, conv.Title, conv.CreatedAt.UnixNano(), conv.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *Store) ListConversations(ctx context.Context, ownerID string, limit int) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, created_at, updated_at FROM conversations
		 WHERE owner_id = ?
		 ORDER BY updated_at DESC, seq DESC
		 LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *Store) CountConversations(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE owner_id = ?`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return count, nil
}

func (s *Store) OldestConversation(ctx context.Context, ownerID string) (models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, created_at, updated_at FROM conversations
		 WHERE owner_id = ?
		 ORDER BY updated_at ASC, seq ASC
		 LIMIT 1`, ownerID)
	return scanConversation(row)
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) UpdateTitle(ctx context.Context, id, title string, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = MAX(updated_at, ?) WHERE id = ?`,
		title, updatedAt.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) IsOwner(ctx context.Context, conversationID, ownerID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = ? AND owner_id = ?`, conversationID, ownerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check owner: %w", err)
	}
	return true, nil
}

// InsertMessage appends the message and bumps the parent's updated_at in one transaction.
func (s *Store) InsertMessage(ctx context.Context, msg models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := msg.Timestamp.UnixNano()
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?`, ts, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, ts)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at ASC, seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var (
			msg models.Message
			ts  int64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = time.Unix(0, ts).UTC()
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (models.Conversation, error) {
	var (
		conv             models.Conversation
		created, updated int64
	)
	err := row.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, retention.ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	conv.CreatedAt = time.Unix(0, created).UTC()
	conv.UpdatedAt = time.Unix(0, updated).UTC()
	return conv, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return retention.ErrNotFound
	}
	return nil
}
