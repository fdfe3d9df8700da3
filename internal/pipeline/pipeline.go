// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pipeline drives a chat-completion request through its fixed stage
// order: validate, persist user, knowledge, web search, route, call
// upstream, persist assistant, archive, finalize. Archival and finalization
// run even when an earlier stage fails.
package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aigateway/internal/registry"
	"github.com/traylinx/aigateway/internal/router"
	"github.com/traylinx/aigateway/internal/skills"
	"github.com/traylinx/aigateway/internal/store"
	"github.com/traylinx/aigateway/internal/upstream"
)

// Error envelope types. The HTTP layer maps them to status codes.
const (
	ErrTypeValidation  = "ValidationError"
	ErrTypeAuth        = "AuthError"
	ErrTypeDisabled    = "DisabledModel"
	ErrTypeTimeout     = "UpstreamTimeout"
	ErrTypeUnavailable = "UpstreamUnavailable"
	ErrTypePipeline    = "PipelineError"
)

// ChatMessage is one incoming message. Content is either a string or an
// OpenAI list-of-parts; validation coerces it.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ChatRequest is the client-facing completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// Context carries one request through the stages.
type Context struct {
	RequestID string
	StartedAt time.Time

	Model   *registry.VirtualModel
	Request *ChatRequest

	// UserInput is the coerced content of the last user message.
	UserInput string
	// Outbound is the request forwarded upstream, built during validation
	// and possibly rewritten by routing.
	Outbound *upstream.Request

	ConversationID string
	// ConversationProvided marks an explicit client conversation header.
	ConversationProvided bool
	Fingerprint          string

	Decision router.Decision
	Binding  registry.Binding

	// Enrichment holds advisory skill results keyed by hook name.
	Enrichment map[string]any

	// Upstream results
	RawResponse      []byte
	AssistantContent string
	FinishReason     string
	Usage            map[string]any

	// Failure state; finalize turns it into the error envelope.
	ErrorOccurred bool
	ErrorType     string
	ErrorMessage  string
	StatusCode    int

	// Flags collects advisory markers: xss_flagged, user_message_saved,
	// keyword_only_switch, truncated.
	Flags map[string]bool

	// Response is the JSON envelope built by finalize (buffered mode).
	Response map[string]any
}

// Fail records a stage failure. The first failure wins.
func (c *Context) Fail(errType, message string, status int) {
	if c.ErrorOccurred {
		return
	}
	c.ErrorOccurred = true
	c.ErrorType = errType
	c.ErrorMessage = message
	c.StatusCode = status
}

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context, pc *Context) error
}

// Pipeline wires the stages to their collaborators.
type Pipeline struct {
	Convs    *store.Store
	Router   *router.Router
	Skills   *skills.Manager
	Upstream *upstream.Client

	// FingerprintTTL controls conversation affinity when the client sends
	// no conversation ID.
	FingerprintTTL time.Duration
}

// New creates a pipeline with the default fingerprint TTL.
func New(convs *store.Store, rt *router.Router, sk *skills.Manager, up *upstream.Client) *Pipeline {
	return &Pipeline{
		Convs:          convs,
		Router:         rt,
		Skills:         sk,
		Upstream:       up,
		FingerprintTTL: store.DefaultFingerprintTTL,
	}
}

// NewContext prepares the per-request context.
func NewContext(vm *registry.VirtualModel, req *ChatRequest, conversationID string) *Context {
	return &Context{
		RequestID:            uuid.NewString(),
		StartedAt:            time.Now(),
		Model:                vm,
		Request:              req,
		ConversationID:       conversationID,
		ConversationProvided: conversationID != "",
		Flags:                make(map[string]bool),
	}
}

// stages returns the buffered-mode stage order.
func (p *Pipeline) stages() []Stage {
	return []Stage{
		&validateStage{},
		&persistUserStage{pipeline: p},
		&knowledgeStage{pipeline: p},
		&webSearchStage{pipeline: p},
		&routeStage{pipeline: p},
		&llmCallStage{pipeline: p},
		&persistAssistantStage{pipeline: p},
		&archiveStage{pipeline: p},
		&finalizeStage{},
	}
}

// Execute runs a buffered completion. It never returns an error to the
// caller: failures are folded into the response envelope, and a panic in
// any stage still archives what it can and produces an envelope.
func (p *Pipeline) Execute(ctx context.Context, pc *Context) {
	defer p.recoverStage(ctx, pc)

	for _, stage := range p.stages() {
		if pc.ErrorOccurred && !alwaysRuns(stage) {
			continue
		}
		if err := stage.Run(ctx, pc); err != nil {
			log.Errorf("pipeline stage failed | stage=%s reqID=%s err=%v", stage.Name(), pc.RequestID, err)
			if !pc.ErrorOccurred {
				pc.Fail(ErrTypePipeline, err.Error(), http.StatusInternalServerError)
			}
		}
	}
}

// alwaysRuns marks the stages that execute even after a failure.
func alwaysRuns(stage Stage) bool {
	switch stage.(type) {
	case *archiveStage, *finalizeStage:
		return true
	}
	return false
}

// recoverStage is the last line of defense: persist the user message if it
// never made it to storage, then emit a pipeline error envelope.
func (p *Pipeline) recoverStage(ctx context.Context, pc *Context) {
	rec := recover()
	if rec == nil {
		return
	}
	log.Errorf("pipeline panic recovered | reqID=%s err=%v", pc.RequestID, rec)

	if !pc.Flags["user_message_saved"] && pc.ConversationID != "" && pc.UserInput != "" && p.Convs != nil {
		if err := p.Convs.Append(ctx, pc.ConversationID, "user", pc.UserInput, nil); err == nil {
			pc.Flags["user_message_saved"] = true
		}
	}

	pc.Fail(ErrTypePipeline, "internal pipeline error", http.StatusInternalServerError)
	(&finalizeStage{}).buildErrorEnvelope(pc)
}
