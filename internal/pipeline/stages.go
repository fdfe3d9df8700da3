// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/traylinx/aigateway/internal/registry"
	"github.com/traylinx/aigateway/internal/store"
	"github.com/traylinx/aigateway/internal/upstream"
)

// maxInputLength bounds the coerced user input.
const maxInputLength = 10000

// xssMarkers flag suspicious input. Flag only, never reject.
var xssMarkers = []string{"<script", "javascript:", "onerror=", "onload="}

// validateStage normalizes the request: it coerces message content to plain
// strings, extracts the last user message, enforces the input length bound,
// and flags suspicious markup.
type validateStage struct{}

func (validateStage) Name() string { return "validate" }

func (validateStage) Run(_ context.Context, pc *Context) error {
	req := pc.Request
	if req == nil || len(req.Messages) == 0 {
		pc.Fail(ErrTypeValidation, "messages must not be empty", http.StatusBadRequest)
		return nil
	}

	outbound := &upstream.Request{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
	}
	lastUserIdx := -1
	for i, msg := range req.Messages {
		if msg.Role == "" {
			pc.Fail(ErrTypeValidation, fmt.Sprintf("message %d has no role", i), http.StatusBadRequest)
			return nil
		}
		content := coerceContent(msg.Content)
		outbound.Messages = append(outbound.Messages, upstream.Message{Role: msg.Role, Content: content})
		if msg.Role == "user" {
			lastUserIdx = i
		}
	}
	if lastUserIdx < 0 {
		pc.Fail(ErrTypeValidation, "request carries no user message", http.StatusBadRequest)
		return nil
	}

	pc.UserInput = outbound.Messages[lastUserIdx].Content
	if len(pc.UserInput) > maxInputLength {
		pc.Fail(ErrTypeValidation, fmt.Sprintf("input exceeds %d characters", maxInputLength), http.StatusBadRequest)
		return nil
	}
	if looksLikeXSS(pc.UserInput) {
		pc.Flags["xss_flagged"] = true
		log.Warnf("suspicious markup in user input | reqID=%s", pc.RequestID)
	}

	pc.Outbound = outbound
	return nil
}

// coerceContent flattens OpenAI list-of-parts content into a single string.
func coerceContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, part := range v {
			m, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func looksLikeXSS(input string) bool {
	lower := strings.ToLower(input)
	for _, marker := range xssMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// persistUserStage resolves the conversation and durably appends the user
// message. Without an explicit conversation ID the fingerprint index decides
// whether the request continues a recent exchange.
type persistUserStage struct {
	pipeline *Pipeline
}

func (persistUserStage) Name() string { return "persist-user" }

func (s *persistUserStage) Run(ctx context.Context, pc *Context) error {
	p := s.pipeline
	if p.Convs == nil {
		return nil
	}

	if pc.ConversationID == "" {
		pc.Fingerprint = store.Fingerprint(pc.Model.Name, userContents(pc.Request))
		if pc.Fingerprint != "" {
			id, reused, err := p.Convs.GetOrCreateByFingerprint(ctx, pc.Fingerprint, pc.Model.Name, p.FingerprintTTL)
			if err != nil {
				// Storage trouble must not cost the caller their reply; the
				// turn proceeds unpersisted.
				log.Warnf("fingerprint resolution failed, continuing without persistence | reqID=%s err=%v", pc.RequestID, err)
				return nil
			}
			pc.ConversationID = id
			if reused {
				log.Debugf("fingerprint reused conversation | reqID=%s conv=%s", pc.RequestID, id)
			}
		} else {
			id, err := p.Convs.Create(ctx, pc.Model.Name, nil)
			if err != nil {
				log.Warnf("conversation create failed, continuing without persistence | reqID=%s err=%v", pc.RequestID, err)
				return nil
			}
			pc.ConversationID = id
		}
	} else if _, err := p.Convs.Get(ctx, pc.ConversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			pc.Fail(ErrTypeValidation, "unknown conversation", http.StatusBadRequest)
			return nil
		}
		log.Warnf("conversation lookup failed, continuing without persistence | reqID=%s conv=%s err=%v", pc.RequestID, pc.ConversationID, err)
		return nil
	}

	if err := p.Convs.Append(ctx, pc.ConversationID, "user", pc.UserInput, nil); err != nil {
		log.Warnf("user message persist failed, continuing | reqID=%s conv=%s err=%v", pc.RequestID, pc.ConversationID, err)
		return nil
	}
	pc.Flags["user_message_saved"] = true
	return nil
}

func userContents(req *ChatRequest) []string {
	var out []string
	for _, msg := range req.Messages {
		if msg.Role == "user" {
			out = append(out, coerceContent(msg.Content))
		}
	}
	return out
}

// knowledgeStage runs the per-model knowledge skill when enabled. Results
// are advisory context; failures never fail the request.
type knowledgeStage struct {
	pipeline *Pipeline
}

func (knowledgeStage) Name() string { return "knowledge" }

func (s *knowledgeStage) Run(ctx context.Context, pc *Context) error {
	runEnrichment(ctx, s.pipeline, pc, "knowledge", pc.Model.Knowledge)
	return nil
}

// webSearchStage mirrors knowledgeStage for the web-search hook.
type webSearchStage struct {
	pipeline *Pipeline
}

func (webSearchStage) Name() string { return "web-search" }

func (s *webSearchStage) Run(ctx context.Context, pc *Context) error {
	runEnrichment(ctx, s.pipeline, pc, "web_search", pc.Model.WebSearch)
	return nil
}

// runEnrichment invokes an enrichment skill and folds its content into the
// outbound request as a system message. The block's skill selector is either
// "category/name" or a bare name living under the hook's own category.
func runEnrichment(ctx context.Context, p *Pipeline, pc *Context, kind string, block registry.EnrichmentBlock) {
	if !block.Enabled || block.Skill == "" || p.Skills == nil {
		return
	}
	category, name := kind, block.Skill
	if before, after, found := strings.Cut(block.Skill, "/"); found {
		category, name = before, after
	}

	result, err := p.Skills.Invoke(ctx, category, name, block.Version, map[string]any{
		"user_input":      pc.UserInput,
		"conversation_id": pc.ConversationID,
	})
	if err != nil {
		log.Warnf("%s enrichment failed, continuing | reqID=%s err=%v", kind, pc.RequestID, err)
		return
	}
	if pc.Enrichment == nil {
		pc.Enrichment = make(map[string]any)
	}
	pc.Enrichment[kind] = result

	if content, ok := result["content"].(string); ok && content != "" {
		pc.Outbound.Messages = append([]upstream.Message{{Role: "system", Content: content}}, pc.Outbound.Messages...)
	}
}

// routeStage asks the router for a model type and applies keyword pattern
// stripping to the forwarded request. A keyword-only input short-circuits
// the upstream call into a switch acknowledgement.
type routeStage struct {
	pipeline *Pipeline
}

func (routeStage) Name() string { return "route" }

func (s *routeStage) Run(ctx context.Context, pc *Context) error {
	if s.pipeline.Router == nil {
		pc.Decision.ModelType = "small"
		pc.Decision.Reason = "default"
		pc.Decision.Input = pc.UserInput
	} else {
		pc.Decision = s.pipeline.Router.Route(ctx, pc.Model, pc.ConversationID, pc.UserInput)
	}

	binding, err := pc.Model.BindingFor(pc.Decision.ModelType)
	if err != nil {
		return err
	}
	pc.Binding = binding

	if pc.Decision.Input != pc.UserInput {
		rewriteLastUserMessage(pc.Outbound, pc.Decision.Input)
	}
	if pc.Decision.KeywordOnly {
		// The switch itself is the whole request; nothing goes upstream and
		// no assistant text is invented for it.
		pc.Flags["keyword_only_switch"] = true
		pc.AssistantContent = ""
		pc.FinishReason = "stop"
	}
	return nil
}

func rewriteLastUserMessage(req *upstream.Request, content string) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			req.Messages[i].Content = content
			return
		}
	}
}

// llmCallStage performs the buffered upstream call and extracts the
// assistant content and token usage from the raw response.
type llmCallStage struct {
	pipeline *Pipeline
}

func (llmCallStage) Name() string { return "llm-call" }

func (s *llmCallStage) Run(ctx context.Context, pc *Context) error {
	if pc.Flags["keyword_only_switch"] {
		return nil
	}
	if s.pipeline.Upstream == nil {
		return errors.New("no upstream client configured")
	}

	pc.Outbound.Model = pc.Binding.Model
	raw, err := s.pipeline.Upstream.Chat(ctx, pc.Binding, pc.Outbound)
	if err != nil {
		failUpstream(pc, err)
		return nil
	}

	pc.RawResponse = raw
	pc.AssistantContent = gjson.GetBytes(raw, "choices.0.message.content").String()
	pc.FinishReason = gjson.GetBytes(raw, "choices.0.finish_reason").String()
	if pc.FinishReason == "" {
		pc.FinishReason = "stop"
	}
	if usage := gjson.GetBytes(raw, "usage"); usage.Exists() {
		pc.Usage = map[string]any{
			"prompt_tokens":     usage.Get("prompt_tokens").Int(),
			"completion_tokens": usage.Get("completion_tokens").Int(),
			"total_tokens":      usage.Get("total_tokens").Int(),
		}
	}
	return nil
}

// failUpstream translates transport errors into the envelope vocabulary.
func failUpstream(pc *Context, err error) {
	var statusErr *upstream.StatusError
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		pc.Fail(ErrTypeTimeout, "upstream request timed out", http.StatusGatewayTimeout)
	case errors.As(err, &statusErr):
		pc.Fail(ErrTypeUnavailable, fmt.Sprintf("upstream returned status %d", statusErr.Code), http.StatusBadGateway)
	case errors.Is(err, upstream.ErrConnect):
		pc.Fail(ErrTypeUnavailable, "upstream is unreachable", http.StatusServiceUnavailable)
	default:
		pc.Fail(ErrTypePipeline, err.Error(), http.StatusInternalServerError)
	}
}

// persistAssistantStage appends the assistant reply with its routing
// metadata.
type persistAssistantStage struct {
	pipeline *Pipeline
}

func (persistAssistantStage) Name() string { return "persist-assistant" }

func (s *persistAssistantStage) Run(ctx context.Context, pc *Context) error {
	if s.pipeline.Convs == nil || pc.ConversationID == "" || pc.AssistantContent == "" {
		return nil
	}
	meta := map[string]any{
		"model_type": pc.Decision.ModelType,
		"reason":     pc.Decision.Reason,
		"request_id": pc.RequestID,
	}
	if err := s.pipeline.Convs.Append(ctx, pc.ConversationID, "assistant", pc.AssistantContent, meta); err != nil {
		log.Warnf("assistant message persist failed, continuing | reqID=%s conv=%s err=%v", pc.RequestID, pc.ConversationID, err)
	}
	return nil
}

// archiveStage writes the raw exchange record. It runs on the failure path
// too, so a broken request still leaves a trace.
type archiveStage struct {
	pipeline *Pipeline
}

func (archiveStage) Name() string { return "archive" }

func (s *archiveStage) Run(ctx context.Context, pc *Context) error {
	if s.pipeline.Convs == nil || pc.ConversationID == "" {
		return nil
	}

	rec := &store.ArchiveRecord{
		ConversationID: pc.ConversationID,
		RequestID:      pc.RequestID,
		VirtualModel:   pc.Model.Name,
		Request:        requestSnapshot(pc),
		Response:       responseSnapshot(pc),
		Routing: map[string]any{
			"model_type": pc.Decision.ModelType,
			"reason":     pc.Decision.Reason,
			"confidence": pc.Decision.Confidence,
		},
		DurationMS:    time.Since(pc.StartedAt).Milliseconds(),
		Error:         pc.ErrorOccurred,
		Truncated:     pc.Flags["truncated"],
		TokenEstimate: tokenCount(pc),
	}
	if err := s.pipeline.Convs.WriteArchive(ctx, rec); err != nil {
		// Archival must not fail the request
		log.Warnf("archive write failed | reqID=%s err=%v", pc.RequestID, err)
	}
	return nil
}

func requestSnapshot(pc *Context) map[string]any {
	snap := map[string]any{"model": pc.Request.Model}
	var msgs []any
	for _, m := range pc.Request.Messages {
		msgs = append(msgs, map[string]any{"role": m.Role, "content": coerceContent(m.Content)})
	}
	snap["messages"] = msgs
	return snap
}

func responseSnapshot(pc *Context) map[string]any {
	if pc.ErrorOccurred {
		return map[string]any{"error": pc.ErrorMessage, "type": pc.ErrorType}
	}
	snap := map[string]any{"content": pc.AssistantContent, "finish_reason": pc.FinishReason}
	if pc.Usage != nil {
		snap["usage"] = pc.Usage
	}
	return snap
}

// finalizeStage always runs last and shapes the outgoing envelope.
type finalizeStage struct{}

func (finalizeStage) Name() string { return "finalize" }

func (f *finalizeStage) Run(_ context.Context, pc *Context) error {
	if pc.ErrorOccurred {
		f.buildErrorEnvelope(pc)
		return nil
	}

	usage := pc.Usage
	if usage == nil {
		usage = map[string]any{"prompt_tokens": int64(0), "completion_tokens": int64(0), "total_tokens": int64(0)}
	}
	pc.StatusCode = http.StatusOK
	pc.Response = map[string]any{
		"id":              "chatcmpl-" + pc.RequestID,
		"object":          "chat.completion",
		"created":         pc.StartedAt.Unix(),
		"model":           pc.Model.Name,
		"conversation_id": pc.ConversationID,
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": pc.AssistantContent},
				"finish_reason": pc.FinishReason,
			},
		},
		"usage": usage,
	}
	return nil
}

func (finalizeStage) buildErrorEnvelope(pc *Context) {
	if pc.StatusCode == 0 {
		pc.StatusCode = http.StatusInternalServerError
	}
	errBody := map[string]any{
		"message":    pc.ErrorMessage,
		"type":       pc.ErrorType,
		"request_id": pc.RequestID,
	}
	pc.Response = map[string]any{"error": errBody}
}
