// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestTemplateFor_LongestPrefixWins(t *testing.T) {
	reg := DefaultTemplateRegistry()

	cases := []struct {
		path string
		kind string
	}{
		{"", "root"},
		{"app", "fixed"},
		{"app.port", "fixed"},
		{"storage.sqlite", "fixed"},
		{"ai-gateway", "flexible"},
		{"ai-gateway.virtual_models", "virtual-models"},
		{"ai-gateway.virtual_models.demo", "virtual-models"},
		{"ai-gateway.virtual_models.demo.routing.keywords", "virtual-models"},
		{"ai-gateway.router", "fixed"},
		{"unknown.path", "root"},
	}
	for _, c := range cases {
		if got := reg.TemplateFor(c.path).Kind(); got != c.kind {
			t.Errorf("TemplateFor(%q).Kind() = %q, want %q", c.path, got, c.kind)
		}
	}
}

func TestVirtualModelsTemplate_Validation(t *testing.T) {
	tpl := &VirtualModelsTemplate{}

	valid := map[string]any{
		"proxy_key": "sk-a",
		"base_url":  "http://a",
		"current":   "small",
		"use":       true,
	}
	if err := tpl.ValidateValue("ai-gateway.virtual_models.a", "a", valid); err != nil {
		t.Errorf("valid model rejected: %v", err)
	}

	bad := map[string]any{
		"proxy_key": "sk-a",
		"base_url":  "http://a",
		"current":   "medium",
		"use":       true,
	}
	if err := tpl.ValidateValue("ai-gateway.virtual_models.a", "a", bad); err == nil {
		t.Error("current=medium should be rejected")
	}

	if err := tpl.ValidateValue("ai-gateway.virtual_models.a", "a", "scalar"); err == nil {
		t.Error("non-mapping model should be rejected")
	}
}

// genVirtualModel produces structurally valid virtual-model mappings.
func genVirtualModel() gopter.Gen {
	return gopter.CombineGens(
		gen.Identifier(),
		gen.OneConstOf("small", "big"),
		gen.Bool(),
	).Map(func(vals []interface{}) map[string]any {
		return map[string]any{
			"proxy_key": "sk-" + vals[0].(string),
			"base_url":  "http://upstream.example",
			"current":   vals[1].(string),
			"use":       vals[2].(bool),
		}
	})
}

func TestVirtualModelsTemplate_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	tpl := &VirtualModelsTemplate{}

	properties.Property("structurally valid models always validate", prop.ForAll(
		func(model map[string]any) bool {
			return tpl.ValidateValue("ai-gateway.virtual_models.m", "m", model) == nil
		},
		genVirtualModel(),
	))

	properties.Property("dropping any required field fails validation", prop.ForAll(
		func(model map[string]any, idx int) bool {
			field := requiredVirtualModelFields[idx%len(requiredVirtualModelFields)]
			delete(model, field)
			return tpl.ValidateValue("ai-gateway.virtual_models.m", "m", model) != nil
		},
		genVirtualModel(),
		gen.IntRange(0, 3),
	))

	properties.Property("duplicate proxy keys fail structure validation", prop.ForAll(
		func(model map[string]any) bool {
			other := map[string]any{}
			for k, v := range model {
				other[k] = v
			}
			node := map[string]any{"a": model, "b": other}
			return tpl.ValidateStructure("ai-gateway.virtual_models", node) != nil
		},
		genVirtualModel(),
	))

	properties.TestingRun(t)
}
