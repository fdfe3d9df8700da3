// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package upstream issues buffered and streaming chat-completion calls
// against OpenAI-compatible provider endpoints. It is deliberately thin: no
// retries, no circuit breaking, no caching.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/traylinx/aigateway/internal/registry"
	"github.com/traylinx/aigateway/internal/util"
)

const (
	// DefaultChatTimeout bounds buffered completions.
	DefaultChatTimeout = 120 * time.Second
	// DefaultStreamTimeout bounds an entire streaming exchange.
	DefaultStreamTimeout = 300 * time.Second

	// maxScanBufferSize accommodates providers that send very large SSE frames.
	maxScanBufferSize = 52_428_800
)

// Error kinds surfaced to the pipeline. Wrap preserves detail; callers
// classify with errors.Is.
var (
	// ErrTimeout marks a deadline exceeded while talking upstream.
	ErrTimeout = errors.New("upstream timeout")
	// ErrConnect marks a failure to reach the upstream at all.
	ErrConnect = errors.New("upstream unavailable")
)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, e.Body)
}

// StatusCode returns the upstream HTTP status.
func (e *StatusError) StatusCode() int { return e.Code }

// Message is one OpenAI-shaped chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the OpenAI-compatible chat-completion request body.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// StreamChunk is one relayed SSE line. Data holds the raw line (including
// the "data: " prefix) after model-name rewriting; Err terminates the stream.
type StreamChunk struct {
	Data []byte
	Err  error
}

// Client calls provider endpoints. The zero value is not usable; construct
// with NewClient and override fields in tests as needed.
type Client struct {
	HTTPClient    *http.Client
	ChatTimeout   time.Duration
	StreamTimeout time.Duration
}

// NewClient returns a client with default timeouts and a shared transport.
func NewClient() *Client {
	return &Client{
		HTTPClient:    &http.Client{},
		ChatTimeout:   DefaultChatTimeout,
		StreamTimeout: DefaultStreamTimeout,
	}
}

func (c *Client) newRequest(ctx context.Context, binding registry.Binding, body []byte, streaming bool) (*http.Request, error) {
	url := strings.TrimRight(binding.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if binding.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+binding.APIKey)
	}
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}
	return req, nil
}

// Chat performs a buffered completion and returns the raw upstream response
// body. The caller extracts content and usage from it.
func (c *Client) Chat(ctx context.Context, binding registry.Binding, req *Request) ([]byte, error) {
	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.ChatTimeout)
	defer cancel()

	httpReq, err := c.newRequest(ctx, binding, body, false)
	if err != nil {
		return nil, err
	}
	log.Debugf("upstream chat call to %s model=%s key=%s", binding.BaseURL, req.Model, util.HideAPIKey(binding.APIKey))

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncateBody(payload)}
	}
	return payload, nil
}

// Stream performs a streaming completion. Each SSE data frame has its
// top-level "model" field rewritten to virtualName so clients never see the
// provider model; frames that do not parse are forwarded verbatim, and the
// terminal "[DONE]" frame passes through byte-identical.
func (c *Client) Stream(ctx context.Context, binding registry.Binding, virtualName string, req *Request) (<-chan StreamChunk, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.StreamTimeout)

	httpReq, err := c.newRequest(ctx, binding, body, true)
	if err != nil {
		cancel()
		return nil, err
	}
	log.Debugf("upstream stream call to %s model=%s key=%s", binding.BaseURL, req.Model, util.HideAPIKey(binding.APIKey))

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		return nil, &StatusError{Code: resp.StatusCode, Body: truncateBody(payload)}
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(nil, maxScanBufferSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			chunk := rewriteModelInFrame(line, virtualName)
			select {
			case out <- StreamChunk{Data: chunk}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- StreamChunk{Err: classifyTransportError(err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// rewriteModelInFrame replaces the top-level model field of an SSE data
// frame. Anything that is not a parseable data frame is returned unchanged.
func rewriteModelInFrame(line []byte, virtualName string) []byte {
	const prefix = "data: "
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return append([]byte(nil), line...)
	}
	payload := line[len(prefix):]
	if bytes.Equal(bytes.TrimSpace(payload), []byte("[DONE]")) {
		return append([]byte(nil), line...)
	}
	if !gjson.ValidBytes(payload) || !gjson.GetBytes(payload, "model").Exists() {
		return append([]byte(nil), line...)
	}
	rewritten, err := sjson.SetBytes(payload, "model", virtualName)
	if err != nil {
		return append([]byte(nil), line...)
	}
	return append([]byte(prefix), rewritten...)
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnect, err)
}

func truncateBody(body []byte) string {
	const limit = 2048
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
