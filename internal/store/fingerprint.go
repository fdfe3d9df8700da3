// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// DefaultFingerprintTTL bounds how long a fingerprint keeps pointing at the
// same conversation.
const DefaultFingerprintTTL = 30 * time.Minute

// fingerprintMessageCount is how many leading user messages feed the hash.
const fingerprintMessageCount = 2

// Fingerprint derives a stable hash from the first user messages of a
// request, letting clients that do not track conversation ids keep landing in
// the same conversation.
func Fingerprint(virtualModel string, userContents []string) string {
	h := sha256.New()
	h.Write([]byte(virtualModel))
	n := 0
	for _, content := range userContents {
		if n >= fingerprintMessageCount {
			break
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		h.Write([]byte{0})
		h.Write([]byte(content))
		n++
	}
	if n == 0 {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

type fingerprintEntry struct {
	conversationID string
	virtualModel   string
	expiresAt      time.Time
}

// fingerprintIndex maps fingerprint → conversation id with per-entry TTL.
type fingerprintIndex struct {
	mu      sync.Mutex
	entries map[string]fingerprintEntry
}

func newFingerprintIndex() *fingerprintIndex {
	return &fingerprintIndex{entries: make(map[string]fingerprintEntry)}
}

func (f *fingerprintIndex) lookup(fp, virtualModel string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[fp]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) || entry.virtualModel != virtualModel {
		delete(f.entries, fp)
		return "", false
	}
	return entry.conversationID, true
}

func (f *fingerprintIndex) bind(fp, conversationID, virtualModel string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[fp] = fingerprintEntry{
		conversationID: conversationID,
		virtualModel:   virtualModel,
		expiresAt:      time.Now().Add(ttl),
	}
}

func (f *fingerprintIndex) dropConversation(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for fp, entry := range f.entries {
		if entry.conversationID == conversationID {
			delete(f.entries, fp)
		}
	}
}

// GetOrCreateByFingerprint returns the live conversation bound to fp, or
// creates a new one and binds it. The returned bool reports whether an
// existing conversation was reused.
func (s *Store) GetOrCreateByFingerprint(ctx context.Context, fp, virtualModel string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = DefaultFingerprintTTL
	}
	if fp != "" {
		if id, ok := s.fingerprint.lookup(fp, virtualModel); ok {
			// The mapping may outlive a deleted conversation
			if _, err := s.scanConversation(ctx, id); err == nil {
				s.fingerprint.bind(fp, id, virtualModel, ttl)
				return id, true, nil
			} else if !errors.Is(err, ErrNotFound) {
				return "", false, err
			}
		}
	}

	id, err := s.Create(ctx, virtualModel, map[string]any{"fingerprint": fp})
	if err != nil {
		return "", false, err
	}
	if fp != "" {
		s.fingerprint.bind(fp, id, virtualModel, ttl)
	}
	return id, false, nil
}
