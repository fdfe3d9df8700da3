// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/traylinx/aigateway/internal/registry"
)

func testBinding(url string) registry.Binding {
	return registry.Binding{Provider: "openai", BaseURL: url, APIKey: "k1", Model: "m-s"}
}

func TestChat_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k1" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("unexpected content type %q", got)
		}
		body := `{"choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := NewClient()
	payload, err := client.Chat(context.Background(), testBinding(server.URL), &Request{
		Model:    "m-s",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if got := gjson.GetBytes(payload, "choices.0.message.content").String(); got != "hello" {
		t.Errorf("content = %q, want hello", got)
	}
}

func TestChat_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.Chat(context.Background(), testBinding(server.URL), &Request{Model: "m-s"})
	if err == nil {
		t.Fatal("expected error")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if statusErr.Code != http.StatusTooManyRequests {
		t.Errorf("code = %d", statusErr.Code)
	}
	if !strings.Contains(statusErr.Body, "quota exceeded") {
		t.Errorf("body should carry upstream detail: %q", statusErr.Body)
	}
}

func TestChat_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient()
	client.ChatTimeout = 50 * time.Millisecond
	_, err := client.Chat(context.Background(), testBinding(server.URL), &Request{Model: "m-s"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestChat_ConnectFailure(t *testing.T) {
	client := NewClient()
	_, err := client.Chat(context.Background(), testBinding("http://127.0.0.1:1"), &Request{Model: "m-s"})
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
}

func TestStream_RewritesModelAndPassesDoneVerbatim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("accept header = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`data: {"id":"x","model":"provider-internal","choices":[{"delta":{"content":"he"}}]}`,
			`data: {"id":"x","model":"provider-internal","choices":[{"delta":{"content":"llo"}}]}`,
			`data: not-json-passthrough`,
			`data: [DONE]`,
		}
		for _, f := range frames {
			_, _ = w.Write([]byte(f + "\n\n"))
			flusher.Flush()
		}
	}))
	defer server.Close()

	client := NewClient()
	chunks, err := client.Stream(context.Background(), testBinding(server.URL), "demo", &Request{
		Model:    "m-s",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var lines []string
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		lines = append(lines, string(chunk.Data))
	}

	if len(lines) != 4 {
		t.Fatalf("expected 4 frames, got %d: %v", len(lines), lines)
	}
	for _, line := range lines[:2] {
		payload := strings.TrimPrefix(line, "data: ")
		if got := gjson.Get(payload, "model").String(); got != "demo" {
			t.Errorf("model should be rewritten to virtual name, got %q in %s", got, line)
		}
	}
	if lines[2] != "data: not-json-passthrough" {
		t.Errorf("unparseable frame must pass through verbatim: %q", lines[2])
	}
	if lines[3] != "data: [DONE]" {
		t.Errorf("[DONE] must be byte-identical: %q", lines[3])
	}
}

func TestStream_FrameWithoutModelPassesVerbatim(t *testing.T) {
	frame := `data: {"id":"x","choices":[{"delta":{"content":"hi"}}]}`
	out := rewriteModelInFrame([]byte(frame), "demo")
	if string(out) != frame {
		t.Errorf("frame without model field must be unchanged: %q", out)
	}
}

func TestStream_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.Stream(context.Background(), testBinding(server.URL), "demo", &Request{Model: "m-s"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
}

func TestStream_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"model\":\"x\"}\n\n"))
		flusher.Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient()
	chunks, err := client.Stream(ctx, testBinding(server.URL), "demo", &Request{Model: "m-s"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	<-chunks // first frame
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				return // channel closed after cancellation
			}
		case <-deadline:
			t.Fatal("stream did not terminate after cancellation")
		}
	}
}
