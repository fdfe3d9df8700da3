// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// ArchiveRecord captures one full chat turn for audit: request envelope,
// response, routing metadata, and wall-clock duration. Keyed by
// (conversation_id, request_id); writes are once-only.
type ArchiveRecord struct {
	ConversationID string         `json:"conversation_id"`
	RequestID      string         `json:"request_id"`
	VirtualModel   string         `json:"virtual_model"`
	Request        map[string]any `json:"request"`
	Response       map[string]any `json:"response,omitempty"`
	Routing        map[string]any `json:"routing,omitempty"`
	DurationMS     int64          `json:"duration_ms"`
	Error          bool           `json:"error"`
	Truncated      bool           `json:"truncated,omitempty"`
	TokenEstimate  int64          `json:"token_estimate,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// WriteArchive stores an archive record. A duplicate (conversation_id,
// request_id) pair is silently ignored, preserving write-once semantics.
func (s *Store) WriteArchive(ctx context.Context, rec *ArchiveRecord) error {
	if rec.ConversationID == "" || rec.RequestID == "" {
		return fmt.Errorf("archive record requires conversation_id and request_id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode archive record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO raw_conversation_logs (conversation_id, request_id, payload, created_at)
		 VALUES (?, ?, ?, ?)`,
		rec.ConversationID, rec.RequestID, string(payload), formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to write archive record: %w", err)
	}
	return nil
}

// GetArchive loads one archive record.
func (s *Store) GetArchive(ctx context.Context, conversationID, requestID string) (*ArchiveRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM raw_conversation_logs WHERE conversation_id = ? AND request_id = ?`,
		conversationID, requestID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archive record: %w", err)
	}
	rec := &ArchiveRecord{}
	if err := json.Unmarshal([]byte(payload), rec); err != nil {
		return nil, fmt.Errorf("failed to decode archive record: %w", err)
	}
	return rec, nil
}
