// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config implements the template-governed configuration tree: a YAML
// document whose structure may only change where a template permits it, with
// atomic persistence and hot reload.
package config

import (
	"fmt"
	"strings"
)

// TemplateViolationError reports a mutation or load rejected by a template.
type TemplateViolationError struct {
	Path string
	Rule string
}

func (e *TemplateViolationError) Error() string {
	return fmt.Sprintf("template violation at %q: %s", e.Path, e.Rule)
}

func violation(path, format string, args ...any) error {
	return &TemplateViolationError{Path: path, Rule: fmt.Sprintf(format, args...)}
}

// ValueCheck validates a single configuration value.
type ValueCheck func(value any) error

// Template governs the children of one configuration path: which keys may be
// added or removed, and how child values are validated.
type Template interface {
	// Kind names the template variant for error messages.
	Kind() string

	// CanAddKey reports whether a new child key may be created.
	CanAddKey(key string) bool

	// CanDeleteKey reports whether an existing child key may be removed.
	CanDeleteKey(key string) bool

	// ValidateValue checks a child value prior to write. path is the full
	// dot-path of the child, used in error messages.
	ValidateValue(path, key string, value any) error

	// ValidateStructure checks the set of keys present under the node.
	ValidateStructure(path string, node map[string]any) error
}

// RootTemplate fixes the set of allowed top-level keys.
type RootTemplate struct {
	Allowed map[string]struct{}
}

func (t *RootTemplate) Kind() string { return "root" }

func (t *RootTemplate) CanAddKey(key string) bool    { return false }
func (t *RootTemplate) CanDeleteKey(key string) bool { return false }

func (t *RootTemplate) ValidateValue(path, key string, value any) error {
	if _, ok := t.Allowed[key]; !ok {
		return violation(path, "unknown top-level key %q", key)
	}
	return nil
}

func (t *RootTemplate) ValidateStructure(path string, node map[string]any) error {
	for key := range node {
		if _, ok := t.Allowed[key]; !ok {
			return violation(joinPath(path, key), "unknown top-level key %q", key)
		}
	}
	return nil
}

// FixedNodeTemplate enumerates the permitted child keys. Keys may not be
// added or removed; values are checked by the per-key predicate when one is
// declared.
type FixedNodeTemplate struct {
	Fields map[string]ValueCheck
}

func (t *FixedNodeTemplate) Kind() string { return "fixed" }

func (t *FixedNodeTemplate) CanAddKey(key string) bool    { return false }
func (t *FixedNodeTemplate) CanDeleteKey(key string) bool { return false }

func (t *FixedNodeTemplate) ValidateValue(path, key string, value any) error {
	check, ok := t.Fields[key]
	if !ok {
		return violation(path, "key %q is not permitted here", key)
	}
	if check == nil {
		return nil
	}
	if err := check(value); err != nil {
		return violation(path, "%v", err)
	}
	return nil
}

func (t *FixedNodeTemplate) ValidateStructure(path string, node map[string]any) error {
	for key := range node {
		if _, ok := t.Fields[key]; !ok {
			return violation(joinPath(path, key), "key %q is not permitted here", key)
		}
	}
	return nil
}

// FlexibleNodeTemplate allows arbitrary child keys but still refuses add and
// delete at this level; only nested subtrees may grow.
type FlexibleNodeTemplate struct{}

func (t *FlexibleNodeTemplate) Kind() string { return "flexible" }

func (t *FlexibleNodeTemplate) CanAddKey(key string) bool    { return false }
func (t *FlexibleNodeTemplate) CanDeleteKey(key string) bool { return false }

func (t *FlexibleNodeTemplate) ValidateValue(path, key string, value any) error { return nil }

func (t *FlexibleNodeTemplate) ValidateStructure(path string, node map[string]any) error {
	return nil
}

// VirtualModelsTemplate governs the virtual-model subtree: model names are
// arbitrary keys with full add/update/delete, but every value must be a
// mapping carrying the minimum virtual-model fields.
type VirtualModelsTemplate struct{}

func (t *VirtualModelsTemplate) Kind() string { return "virtual-models" }

func (t *VirtualModelsTemplate) CanAddKey(key string) bool    { return key != "" }
func (t *VirtualModelsTemplate) CanDeleteKey(key string) bool { return true }

// requiredVirtualModelFields are the fields every virtual model must declare.
var requiredVirtualModelFields = []string{"proxy_key", "base_url", "current", "use"}

func (t *VirtualModelsTemplate) ValidateValue(path, key string, value any) error {
	model, ok := value.(map[string]any)
	if !ok {
		return violation(path, "virtual model %q must be a mapping", key)
	}
	for _, field := range requiredVirtualModelFields {
		if _, ok := model[field]; !ok {
			return violation(path, "virtual model %q missing required field %q", key, field)
		}
	}
	if pk, _ := model["proxy_key"].(string); strings.TrimSpace(pk) == "" {
		return violation(path, "virtual model %q has an empty proxy_key", key)
	}
	if cur, _ := model["current"].(string); cur != "small" && cur != "big" {
		return violation(path, "virtual model %q: current must be \"small\" or \"big\"", key)
	}
	if _, ok := model["use"].(bool); !ok {
		return violation(path, "virtual model %q: use must be a boolean", key)
	}
	return nil
}

func (t *VirtualModelsTemplate) ValidateStructure(path string, node map[string]any) error {
	seen := make(map[string]string, len(node))
	for name, raw := range node {
		if err := t.ValidateValue(joinPath(path, name), name, raw); err != nil {
			return err
		}
		model := raw.(map[string]any)
		pk := model["proxy_key"].(string)
		if other, dup := seen[pk]; dup {
			return violation(joinPath(path, name), "proxy_key %q already used by virtual model %q", pk, other)
		}
		seen[pk] = name
	}
	return nil
}

// Value predicates shared by the default registry.

func stringValue(value any) error {
	if _, ok := value.(string); !ok {
		return fmt.Errorf("expected a string, got %T", value)
	}
	return nil
}

func intValue(value any) error {
	switch value.(type) {
	case int, int64, uint64:
		return nil
	}
	return fmt.Errorf("expected an integer, got %T", value)
}

func boolValue(value any) error {
	if _, ok := value.(bool); !ok {
		return fmt.Errorf("expected a boolean, got %T", value)
	}
	return nil
}

func mapValue(value any) error {
	if _, ok := value.(map[string]any); !ok {
		return fmt.Errorf("expected a mapping, got %T", value)
	}
	return nil
}

func listValue(value any) error {
	if _, ok := value.([]any); !ok {
		return fmt.Errorf("expected a sequence, got %T", value)
	}
	return nil
}

func anyValue(value any) error { return nil }

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func parentPath(path string) (string, string) {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}
