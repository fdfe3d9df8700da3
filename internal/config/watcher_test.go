// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestWatch_ReloadsAfterDebounce(t *testing.T) {
	store := loadTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.Watch(ctx)
	}()

	// Give the watcher a moment to register
	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(testConfigYAML, `current: "small"`, `current: "big"`, 1)
	if err := os.WriteFile(store.Path(), []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if store.GetString("ai-gateway.virtual_models.demo.current", "") == "big" {
			cancel()
			<-done
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("watcher did not reload the config within the deadline")
}

// Watch holds its goroutine until the context ends, so callers must run it
// beside their serving loop rather than in front of it.
func TestWatch_BlocksUntilContextCancelled(t *testing.T) {
	store := loadTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("Watch returned before cancellation: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Watch should surface the context error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancellation")
	}
}

func TestWatch_BrokenEditKeepsOldTree(t *testing.T) {
	store := loadTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = store.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(store.Path(), []byte("app: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Wait past the debounce window, then confirm the old tree survived
	time.Sleep(1500 * time.Millisecond)
	if got := store.GetString("app.host", ""); got != "127.0.0.1" {
		t.Errorf("previous tree should survive a broken edit, got %q", got)
	}
}
