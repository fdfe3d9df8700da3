// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package skills

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	log "github.com/sirupsen/logrus"
)

// ruleEvaluator compiles and caches rule conditions.
type ruleEvaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newRuleEvaluator() *ruleEvaluator {
	return &ruleEvaluator{programs: make(map[string]*vm.Program)}
}

// matches evaluates one condition against the input. Compile or run
// failures count as no match.
func (r *ruleEvaluator) matches(condition string, input map[string]any) bool {
	r.mu.RLock()
	program, ok := r.programs[condition]
	r.mu.RUnlock()

	if !ok {
		compiled, err := expr.Compile(condition, expr.Env(map[string]any{}), expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			log.Warnf("invalid skill rule condition %q: %v", condition, err)
			return false
		}
		r.mu.Lock()
		r.programs[condition] = compiled
		r.mu.Unlock()
		program = compiled
	}

	out, err := expr.Run(program, input)
	if err != nil {
		log.Debugf("skill rule %q did not evaluate: %v", condition, err)
		return false
	}
	matched, _ := out.(bool)
	return matched
}

// Invoke executes a skill and returns its result augmented with execution
// metadata under the "_execution" key. Schema validation is advisory: a
// mismatch is logged and execution continues.
func (m *Manager) Invoke(ctx context.Context, category, name, version string, input map[string]any) (map[string]any, error) {
	def, err := m.Get(category, name, version)
	if err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	validateSchema(def.ID(), "input", def.InputSchema, input)

	start := time.Now()
	result, err := m.execute(ctx, def, input)
	if err != nil {
		return nil, err
	}

	validateSchema(def.ID(), "output", def.OutputSchema, result)
	result["_execution"] = map[string]any{
		"skill":       def.ID(),
		"duration_ms": time.Since(start).Milliseconds(),
		"executed_at": time.Now().UTC().Format(time.RFC3339),
	}
	return result, nil
}

// execute picks the body: an execute.lua wins over type defaults.
func (m *Manager) execute(ctx context.Context, def *Definition, input map[string]any) (map[string]any, error) {
	if hasProcBody(def.Dir) {
		return m.engine.Execute(ctx, def.Dir, input)
	}

	switch def.Type {
	case TypeRuleBased, TypeHybrid:
		if result := m.evaluateRules(def, input); result != nil {
			return result, nil
		}
		if def.Type == TypeHybrid {
			return map[string]any{"status": "pending"}, nil
		}
		return map[string]any{"status": "no_match"}, nil
	case TypeLLMBased:
		// Delegated to a downstream model; the caller sees a pending marker.
		return map[string]any{"status": "pending"}, nil
	default:
		return nil, fmt.Errorf("skill %s has no executable body", def.ID())
	}
}

// evaluateRules returns the result of the first matching rule, or nil.
func (m *Manager) evaluateRules(def *Definition, input map[string]any) map[string]any {
	for _, rule := range def.Rules {
		if rule.When == "" {
			continue
		}
		if m.rules.matches(rule.When, input) {
			out := make(map[string]any, len(rule.Result))
			for k, v := range rule.Result {
				out[k] = v
			}
			return out
		}
	}
	return nil
}

func validateSchema(skillID, direction string, schema Schema, payload map[string]any) {
	for _, field := range schema.Required {
		if _, ok := payload[field]; !ok {
			log.Warnf("skill %s %s missing required field %q", skillID, direction, field)
		}
	}
}
