// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/traylinx/aigateway/internal/config"
	"github.com/traylinx/aigateway/internal/registry"
)

const routerConfigYAML = `ai-gateway:
  virtual_models:
    demo:
      proxy_key: pk-demo
      base_url: http://localhost:8080
      current: small
      use: true
      small:
        provider: openai
        base_url: http://small.test
        api_key: sk-small
        model: m-s
      big:
        provider: openai
        base_url: http://big.test
        api_key: sk-big
        model: m-b
      routing:
        keywords:
          enable: true
          rules:
            - pattern: "/big"
              target: big
            - pattern: "/small"
              target: small
        skill:
          enabled: false
`

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(routerConfigYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := config.Load(path, config.DefaultTemplateRegistry())
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return registry.New(store)
}

func getModel(t *testing.T, reg *registry.Registry) *registry.VirtualModel {
	t.Helper()
	vm, err := reg.Get("demo")
	if err != nil {
		t.Fatal(err)
	}
	return vm
}

type stubInvoker struct {
	result map[string]any
	err    error
	called bool
}

func (s *stubInvoker) Invoke(_ context.Context, _, _, _ string, _ map[string]any) (map[string]any, error) {
	s.called = true
	return s.result, s.err
}

func TestRoute_ForceCurrentWins(t *testing.T) {
	reg := newTestRegistry(t)
	vm := getModel(t, reg)
	vm.ForceCurrent = true
	vm.Current = "big"

	r := New(reg, nil, nil)
	d := r.Route(context.Background(), vm, "", "/small please")
	if d.ModelType != "big" || d.Reason != "force" {
		t.Errorf("force pin must override keywords: %+v", d)
	}
}

func TestRoute_KeywordMatchStripsPattern(t *testing.T) {
	reg := newTestRegistry(t)
	r := New(reg, nil, nil)

	d := r.Route(context.Background(), getModel(t, reg), "", "/big explain monads")
	if d.ModelType != "big" || d.Reason != "keyword:/big" {
		t.Fatalf("expected keyword decision: %+v", d)
	}
	if d.MatchedPattern != "/big" {
		t.Errorf("matched pattern = %q", d.MatchedPattern)
	}
	if d.Input != "explain monads" {
		t.Errorf("pattern should be stripped and the remainder trimmed: %q", d.Input)
	}
	if d.KeywordOnly {
		t.Error("remaining content means this is not a keyword-only switch")
	}
}

func TestRoute_KeywordOnlySwitch(t *testing.T) {
	reg := newTestRegistry(t)
	r := New(reg, nil, nil)

	d := r.Route(context.Background(), getModel(t, reg), "", "  /big  ")
	if !d.KeywordOnly {
		t.Errorf("input with nothing but the pattern must flag keyword-only: %+v", d)
	}
}

func TestRoute_KeywordFirstRuleWins(t *testing.T) {
	reg := newTestRegistry(t)
	r := New(reg, nil, nil)

	d := r.Route(context.Background(), getModel(t, reg), "", "/big then /small")
	if d.ModelType != "big" {
		t.Errorf("rules are ordered, first match wins: %+v", d)
	}
}

func TestRoute_StickySwitchPersists(t *testing.T) {
	reg := newTestRegistry(t)
	r := New(reg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	d := r.Route(ctx, getModel(t, reg), "", "/big explain")
	if d.ModelType != "big" {
		t.Fatalf("expected big: %+v", d)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		vm, err := reg.Get("demo")
		if err == nil && vm.Current == "big" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("sticky switch was not persisted to the config")
}

func TestRoute_IntentSkillDecides(t *testing.T) {
	reg := newTestRegistry(t)
	vm := getModel(t, reg)
	vm.Routing.Keywords.Enable = false
	vm.Routing.Skill = registry.SkillRouting{Enabled: true, Category: "router", Name: "intent"}

	invoker := &stubInvoker{result: map[string]any{"model_type": "big", "confidence": 0.95, "reason": "analysis"}}
	r := New(reg, nil, invoker)

	d := r.Route(context.Background(), vm, "", "compare these papers")
	if !invoker.called {
		t.Fatal("skill was not consulted")
	}
	if d.ModelType != "big" || d.Reason != "analysis" || d.Confidence != 0.95 {
		t.Errorf("unexpected intent decision: %+v", d)
	}
}

func TestRoute_LowConfidenceFallsThrough(t *testing.T) {
	reg := newTestRegistry(t)
	vm := getModel(t, reg)
	vm.Routing.Keywords.Enable = false
	vm.Routing.Skill = registry.SkillRouting{Enabled: true, Category: "router", Name: "intent"}

	invoker := &stubInvoker{result: map[string]any{"model_type": "big", "confidence": 0.8}}
	r := New(reg, nil, invoker)

	d := r.Route(context.Background(), vm, "", "hello")
	if d.Reason != ReasonDefault || d.ModelType != "small" {
		t.Errorf("confidence at the threshold must not decide: %+v", d)
	}
}

func TestRoute_SkillErrorFallsThrough(t *testing.T) {
	reg := newTestRegistry(t)
	vm := getModel(t, reg)
	vm.Routing.Keywords.Enable = false
	vm.Routing.Skill = registry.SkillRouting{Enabled: true, Category: "router", Name: "intent"}

	invoker := &stubInvoker{err: errors.New("lua blew up")}
	r := New(reg, nil, invoker)

	d := r.Route(context.Background(), vm, "", "hello")
	if d.Reason != ReasonDefault {
		t.Errorf("skill failures must degrade to the default: %+v", d)
	}
}

func TestRoute_DefaultDecision(t *testing.T) {
	reg := newTestRegistry(t)
	vm := getModel(t, reg)
	vm.Routing.Keywords.Enable = false

	r := New(reg, nil, nil)
	d := r.Route(context.Background(), vm, "", "hello")
	if d.ModelType != "small" || d.Reason != ReasonDefault || d.Confidence != 0 {
		t.Errorf("unexpected default decision: %+v", d)
	}
	if d.Input != "hello" {
		t.Errorf("input must pass through untouched: %q", d.Input)
	}
}

type panickyInvoker struct{}

func (panickyInvoker) Invoke(context.Context, string, string, string, map[string]any) (map[string]any, error) {
	panic("boom")
}

func TestRoute_PanicYieldsFallback(t *testing.T) {
	reg := newTestRegistry(t)
	vm := getModel(t, reg)
	vm.Routing.Keywords.Enable = false
	vm.Routing.Skill = registry.SkillRouting{Enabled: true, Category: "router", Name: "intent"}

	r := New(reg, nil, panickyInvoker{})
	d := r.Route(context.Background(), vm, "", "hello")
	if d.ModelType != "small" || d.Reason != ReasonRouterError {
		t.Errorf("panic must yield the error fallback: %+v", d)
	}
}
