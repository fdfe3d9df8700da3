// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"sync"
	"time"
)

const (
	// recencyCacheSize is how many trailing messages are kept per conversation.
	recencyCacheSize = 20
	// recencyCacheTTL expires idle conversation tails.
	recencyCacheTTL = time.Hour
)

type recencyEntry struct {
	messages  []Message
	expiresAt time.Time
}

// recencyCache keeps the tail of each active conversation in memory. It is a
// performance cache only; a miss falls through to SQLite.
type recencyCache struct {
	mu      sync.Mutex
	size    int
	ttl     time.Duration
	entries map[string]*recencyEntry
}

func newRecencyCache(size int, ttl time.Duration) *recencyCache {
	return &recencyCache{size: size, ttl: ttl, entries: make(map[string]*recencyEntry)}
}

// push appends a message to a cached tail. Conversations not yet cached are
// ignored; seeding happens on read so the tail is never partial.
func (c *recencyCache) push(conversationID string, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[conversationID]
	if !ok || time.Now().After(entry.expiresAt) {
		if ok {
			delete(c.entries, conversationID)
		}
		return
	}
	entry.messages = append(entry.messages, msg)
	if len(entry.messages) > c.size {
		entry.messages = entry.messages[len(entry.messages)-c.size:]
	}
	entry.expiresAt = time.Now().Add(c.ttl)
}

// seed installs a freshly read tail.
func (c *recencyCache) seed(conversationID string, msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tail := msgs
	if len(tail) > c.size {
		tail = tail[len(tail)-c.size:]
	}
	c.entries[conversationID] = &recencyEntry{
		messages:  append([]Message(nil), tail...),
		expiresAt: time.Now().Add(c.ttl),
	}
}

// tail returns up to n trailing messages when the conversation is cached.
func (c *recencyCache) tail(conversationID string, n int) ([]Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[conversationID]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, conversationID)
		return nil, false
	}
	msgs := entry.messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]Message(nil), msgs...), true
}

func (c *recencyCache) drop(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, conversationID)
}
