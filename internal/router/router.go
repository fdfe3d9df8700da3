// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package router decides which bound model serves a request. The decision
// ladder is fixed: forced pin, keyword rules, intent skill, configured
// default. Routing never fails a request; every internal error degrades to
// a safe fallback decision.
package router

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aigateway/internal/registry"
	"github.com/traylinx/aigateway/internal/store"
)

const (
	// contextMessageCount bounds the conversation tail fed to the intent skill.
	contextMessageCount = 3
	// intentConfidenceThreshold gates skill decisions.
	intentConfidenceThreshold = 0.8
	// persistQueueSize bounds the async sticky-switch queue.
	persistQueueSize = 64
)

// Decision reasons. Keyword decisions carry the matched pattern after the
// prefix, e.g. "keyword:/big".
const (
	ReasonForce         = "force"
	ReasonKeywordPrefix = "keyword:"
	ReasonIntent        = "intent"
	ReasonDefault       = "default"
	ReasonRouterError   = "router-error"
)

// Decision is the routing outcome for one request.
type Decision struct {
	// ModelType is "small" or "big".
	ModelType string `json:"model_type"`
	// Reason names the ladder rung that decided.
	Reason string `json:"reason"`
	// Confidence is 1.0 for deterministic rungs, the skill's own score for
	// intent decisions, and 0.0 for defaults and fallbacks.
	Confidence float64 `json:"confidence"`
	// MatchedPattern is set when a keyword rule fired.
	MatchedPattern string `json:"matched_pattern,omitempty"`
	// Input is the user input with a matched keyword pattern stripped
	// (first occurrence only) and surrounding whitespace trimmed.
	// Unchanged when no rule fired.
	Input string `json:"-"`
	// KeywordOnly is true when stripping the pattern left no content; the
	// caller acknowledges the switch without calling upstream.
	KeywordOnly bool `json:"keyword_only,omitempty"`
}

// SkillInvoker abstracts the skills manager for testing.
type SkillInvoker interface {
	Invoke(ctx context.Context, category, name, version string, input map[string]any) (map[string]any, error)
}

type persistRequest struct {
	model     string
	modelType string
}

// Router applies the decision ladder. Sticky keyword switches are persisted
// asynchronously through a bounded queue so routing latency never depends on
// config writes.
type Router struct {
	registry *registry.Registry
	convs    *store.Store
	skills   SkillInvoker

	persistCh chan persistRequest
}

// New creates a router. Call Start to run the persistence worker.
func New(reg *registry.Registry, convs *store.Store, invoker SkillInvoker) *Router {
	return &Router{
		registry:  reg,
		convs:     convs,
		skills:    invoker,
		persistCh: make(chan persistRequest, persistQueueSize),
	}
}

// Start runs the sticky-switch worker until ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-r.persistCh:
				if err := r.registry.PersistCurrent(req.model, req.modelType); err != nil {
					log.Warnf("sticky switch persist failed | model=%s target=%s err=%v", req.model, req.modelType, err)
				} else {
					log.Infof("sticky switch persisted | model=%s target=%s", req.model, req.modelType)
				}
			}
		}
	}()
}

// Route decides the model type for one user input. It never returns an
// error: internal failures degrade to the small model with a router-error
// reason.
func (r *Router) Route(ctx context.Context, vm *registry.VirtualModel, conversationID, userInput string) (decision Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("router panic recovered | model=%s err=%v", vm.Name, rec)
			decision = Decision{ModelType: "small", Reason: ReasonRouterError, Confidence: 0, Input: userInput}
		}
	}()

	if vm.ForceCurrent {
		return Decision{ModelType: currentOrSmall(vm), Reason: ReasonForce, Confidence: 1.0, Input: userInput}
	}

	if d, ok := r.routeByKeyword(vm, userInput); ok {
		return d
	}

	if d, ok := r.routeByIntent(ctx, vm, conversationID, userInput); ok {
		return d
	}

	return Decision{ModelType: currentOrSmall(vm), Reason: ReasonDefault, Confidence: 0, Input: userInput}
}

// routeByKeyword scans the declarative rules in order. The first rule whose
// pattern appears in the input wins; the pattern's first occurrence is
// stripped from the forwarded input, and the switch is queued for sticky
// persistence when it changes the configured default.
func (r *Router) routeByKeyword(vm *registry.VirtualModel, userInput string) (Decision, bool) {
	kw := vm.Routing.Keywords
	if !kw.Enable {
		return Decision{}, false
	}
	for _, rule := range kw.Rules {
		if rule.Pattern == "" || !strings.Contains(userInput, rule.Pattern) {
			continue
		}
		if rule.Target != "small" && rule.Target != "big" {
			log.Warnf("keyword rule with invalid target ignored | model=%s pattern=%q target=%q", vm.Name, rule.Pattern, rule.Target)
			continue
		}

		stripped := strings.TrimSpace(strings.Replace(userInput, rule.Pattern, "", 1))
		d := Decision{
			ModelType:      rule.Target,
			Reason:         ReasonKeywordPrefix + rule.Pattern,
			Confidence:     1.0,
			MatchedPattern: rule.Pattern,
			Input:          stripped,
			KeywordOnly:    stripped == "",
		}
		if rule.Target != vm.Current {
			r.queuePersist(vm.Name, rule.Target)
		}
		return d, true
	}
	return Decision{}, false
}

// routeByIntent consults the configured classification skill with the tail
// of the conversation. Only confident answers are honored; everything else
// falls through to the default.
func (r *Router) routeByIntent(ctx context.Context, vm *registry.VirtualModel, conversationID, userInput string) (Decision, bool) {
	sk := vm.Routing.Skill
	if !sk.Enabled || sk.Name == "" || r.skills == nil {
		return Decision{}, false
	}

	input := map[string]any{
		"user_input": userInput,
		"current":    currentOrSmall(vm),
	}
	if conversationID != "" && r.convs != nil {
		if tail, err := r.convs.GetRecentMessages(ctx, conversationID, contextMessageCount); err == nil {
			msgs := make([]any, 0, len(tail))
			for _, m := range tail {
				msgs = append(msgs, map[string]any{"role": m.Role, "content": m.Content})
			}
			input["context"] = msgs
		}
	}

	result, err := r.skills.Invoke(ctx, sk.Category, sk.Name, sk.Version, input)
	if err != nil {
		log.Warnf("intent skill failed, falling through | model=%s skill=%s/%s err=%v", vm.Name, sk.Category, sk.Name, err)
		return Decision{}, false
	}

	modelType, _ := result["model_type"].(string)
	if modelType != "small" && modelType != "big" {
		return Decision{}, false
	}
	confidence := toFloat(result["confidence"])
	if confidence <= intentConfidenceThreshold {
		return Decision{}, false
	}
	reason := ReasonIntent
	if s, ok := result["reason"].(string); ok && s != "" {
		reason = s
	}
	return Decision{ModelType: modelType, Reason: reason, Confidence: confidence, Input: userInput}, true
}

func (r *Router) queuePersist(model, modelType string) {
	select {
	case r.persistCh <- persistRequest{model: model, modelType: modelType}:
	default:
		log.Warnf("sticky switch queue full, dropping persist | model=%s target=%s", model, modelType)
	}
}

func currentOrSmall(vm *registry.VirtualModel) string {
	if vm.Current == "big" {
		return "big"
	}
	return "small"
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}
