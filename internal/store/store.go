// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store persists conversations, messages, and per-turn archive
// records in SQLite. An in-memory recency cache and a fingerprint index sit
// in front of the durable tables; truth always lives in the database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Message is a single turn inside a conversation.
type Message struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Conversation is the durable record of one chat thread. Messages are
// append-only in normal operation.
type Conversation struct {
	ID           string         `json:"id"`
	VirtualModel string         `json:"virtual_model"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	MessageCount int            `json:"message_count"`
	Messages     []Message      `json:"messages,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ListFilter narrows List results.
type ListFilter struct {
	VirtualModel string
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// Store wraps the SQLite database plus the in-memory caches.
type Store struct {
	db          *sql.DB
	fingerprint *fingerprintIndex
	recency     *recencyCache
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	virtual_model TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	metadata      TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	timestamp       TEXT NOT NULL,
	metadata        TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (conversation_id, seq)
);

CREATE TABLE IF NOT EXISTS raw_conversation_logs (
	conversation_id TEXT NOT NULL,
	request_id      TEXT NOT NULL,
	payload         TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	PRIMARY KEY (conversation_id, request_id)
);

CREATE INDEX IF NOT EXISTS idx_conversations_model
	ON conversations (virtual_model, updated_at);
`

// Open opens (creating when necessary) the SQLite database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite handles one writer at a time; a single pooled connection avoids
	// SQLITE_BUSY churn under concurrent appends.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return newStore(db), nil
}

func newStore(db *sql.DB) *Store {
	return &Store{
		db:          db,
		fingerprint: newFingerprintIndex(),
		recency:     newRecencyCache(recencyCacheSize, recencyCacheTTL),
	}
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports storage reachability for health checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Create starts a new conversation and returns its id.
func (s *Store) Create(ctx context.Context, virtualModel string, metadata map[string]any) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, virtual_model, created_at, updated_at, message_count, metadata)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		id, virtualModel, formatTime(now), formatTime(now), meta)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, nil
}

// Append adds a message to a conversation. The insert and the counter bump
// share one transaction, so the message is durable before Append returns.
func (s *Store) Append(ctx context.Context, id, role, content string, metadata map[string]any) error {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	err = tx.QueryRowContext(ctx,
		`SELECT message_count FROM conversations WHERE id = ?`, id).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, seq, role, content, timestamp, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, seq, role, content, formatTime(now), meta); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		formatTime(now), id); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}

	s.recency.push(id, Message{Role: role, Content: content, Timestamp: now, Metadata: metadata})
	return nil
}

// Get loads a conversation with its full message list.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	conv, err := s.scanConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, timestamp, metadata FROM messages
		 WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		conv.Messages = append(conv.Messages, msg)
	}
	return conv, rows.Err()
}

// List returns conversations matching the filter, newest first, without
// their message bodies.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Conversation, error) {
	query := `SELECT id, virtual_model, created_at, updated_at, message_count, metadata
		FROM conversations WHERE 1=1`
	args := []any{}
	if filter.VirtualModel != "" {
		query += ` AND virtual_model = ?`
		args = append(args, filter.VirtualModel)
	}
	if !filter.Since.IsZero() {
		query += ` AND updated_at >= ?`
		args = append(args, formatTime(filter.Since.UTC()))
	}
	if !filter.Until.IsZero() {
		query += ` AND updated_at <= ?`
		args = append(args, formatTime(filter.Until.UTC()))
	}
	query += ` ORDER BY updated_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// Delete removes a conversation, its messages, and its archive records.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM raw_conversation_logs WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete archive records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.recency.drop(id)
	s.fingerprint.dropConversation(id)
	return nil
}

// GetRecentMessages returns the tail of a conversation, newest last. The
// recency cache answers when it can; otherwise the tail is read from SQLite
// and the cache is refreshed.
func (s *Store) GetRecentMessages(ctx context.Context, id string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	if msgs, ok := s.recency.tail(id, n); ok {
		return msgs, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, timestamp, metadata FROM messages
		 WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`, id, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reversed []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	msgs := make([]Message, len(reversed))
	for i, msg := range reversed {
		msgs[len(reversed)-1-i] = msg
	}
	s.recency.seed(id, msgs)
	return msgs, nil
}

func (s *Store) scanConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, virtual_model, created_at, updated_at, message_count, metadata
		 FROM conversations WHERE id = ?`, id)
	conv, err := scanConversationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conv, err
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversationRow(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var created, updated, meta string
	if err := row.Scan(&conv.ID, &conv.VirtualModel, &created, &updated, &conv.MessageCount, &meta); err != nil {
		return nil, err
	}
	var err error
	if conv.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if conv.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &conv.Metadata); err != nil {
		// Additional or malformed fields are tolerated on read
		conv.Metadata = nil
	}
	return &conv, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var msg Message
	var ts, meta string
	if err := row.Scan(&msg.Role, &msg.Content, &ts, &meta); err != nil {
		return Message{}, err
	}
	var err error
	if msg.Timestamp, err = parseTime(ts); err != nil {
		return Message{}, err
	}
	if err := json.Unmarshal([]byte(meta), &msg.Metadata); err != nil {
		msg.Metadata = nil
	}
	return msg, nil
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(data), nil
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}
