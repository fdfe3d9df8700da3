// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import "strings"

// topLevelKeys is the fixed set of sections recognised at the root of the
// configuration file.
var topLevelKeys = []string{
	"app", "storage", "web_search", "ai-gateway", "knowledge",
	"rss", "media", "text", "log",
}

// TemplateRegistry maps configuration paths to the templates governing them.
// Lookup falls back to the longest registered parent path, and ultimately to
// the root template.
type TemplateRegistry struct {
	templates map[string]Template
}

// NewTemplateRegistry returns an empty registry with only a permissive root.
func NewTemplateRegistry() *TemplateRegistry {
	allowed := make(map[string]struct{}, len(topLevelKeys))
	for _, k := range topLevelKeys {
		allowed[k] = struct{}{}
	}
	return &TemplateRegistry{
		templates: map[string]Template{
			"": &RootTemplate{Allowed: allowed},
		},
	}
}

// Register binds a template to a dot-joined path. The empty path addresses
// the root.
func (r *TemplateRegistry) Register(path string, tpl Template) {
	r.templates[path] = tpl
}

// TemplateFor resolves the template governing the children of path. When no
// template is registered at the exact path, the nearest registered ancestor
// wins; the root template is the final fallback.
func (r *TemplateRegistry) TemplateFor(path string) Template {
	for {
		if tpl, ok := r.templates[path]; ok {
			return tpl
		}
		idx := strings.LastIndex(path, ".")
		if idx < 0 {
			return r.templates[""]
		}
		path = path[:idx]
	}
}

// has reports whether a template is registered at exactly path.
func (r *TemplateRegistry) has(path string) bool {
	_, ok := r.templates[path]
	return ok
}

// ValidateTree runs every registered template's structural check against the
// corresponding node of the tree. Nodes absent from the tree are skipped;
// required-field enforcement lives in the templates themselves.
func (r *TemplateRegistry) ValidateTree(tree map[string]any) error {
	for path, tpl := range r.templates {
		node, ok := lookupTree(tree, path)
		if !ok {
			continue
		}
		mapping, ok := node.(map[string]any)
		if !ok {
			if path == "" {
				return violation("", "configuration root must be a mapping")
			}
			continue
		}
		if err := tpl.ValidateStructure(path, mapping); err != nil {
			return err
		}
	}
	return nil
}

// DefaultTemplateRegistry builds the registry used by the gateway. Section
// shapes follow the recognised configuration surface: fixed nodes enumerate
// their keys, flexible nodes accept arbitrary nesting, and the virtual-model
// subtree is the only place where keys come and go at runtime.
func DefaultTemplateRegistry() *TemplateRegistry {
	r := NewTemplateRegistry()

	r.Register("app", &FixedNodeTemplate{Fields: map[string]ValueCheck{
		"host":  stringValue,
		"port":  intValue,
		"debug": boolValue,
	}})

	r.Register("storage", &FixedNodeTemplate{Fields: map[string]ValueCheck{
		"mongodb": mapValue,
		"qdrant":  mapValue,
		"redis":   mapValue,
		"sqlite":  mapValue,
	}})
	r.Register("storage.mongodb", &FixedNodeTemplate{Fields: map[string]ValueCheck{
		"host":     stringValue,
		"port":     intValue,
		"username": stringValue,
		"password": stringValue,
		"database": stringValue,
	}})
	r.Register("storage.redis", &FixedNodeTemplate{Fields: map[string]ValueCheck{
		"host":     stringValue,
		"port":     intValue,
		"password": stringValue,
	}})
	r.Register("storage.sqlite", &FixedNodeTemplate{Fields: map[string]ValueCheck{
		"path": stringValue,
	}})

	r.Register("web_search", &FixedNodeTemplate{Fields: map[string]ValueCheck{
		"searxng": mapValue,
		"LibreX":  mapValue,
		"4get":    mapValue,
	}})

	r.Register("ai-gateway", &FlexibleNodeTemplate{})
	r.Register("ai-gateway.router", &FixedNodeTemplate{Fields: map[string]ValueCheck{
		"enable": boolValue,
		"rules":  listValue,
	}})
	r.Register("ai-gateway.virtual_models", &VirtualModelsTemplate{})

	r.Register("knowledge", &FlexibleNodeTemplate{})

	r.Register("rss", &FixedNodeTemplate{Fields: map[string]ValueCheck{
		"max_concurrent": intValue,
		"auto_fetch":     boolValue,
		"fetch_interval": intValue,
		"retention_days": intValue,
		"skill":          mapValue,
		"projects":       listValue,
	}})

	r.Register("media", &FixedNodeTemplate{Fields: map[string]ValueCheck{
		"video": mapValue,
		"audio": mapValue,
	}})

	r.Register("text", &FixedNodeTemplate{Fields: map[string]ValueCheck{
		"skill":    mapValue,
		"upload":   mapValue,
		"download": mapValue,
	}})

	r.Register("log", &FixedNodeTemplate{Fields: map[string]ValueCheck{
		"system":    mapValue,
		"operation": mapValue,
	}})
	r.Register("log.system", &FixedNodeTemplate{Fields: map[string]ValueCheck{
		"level":     stringValue,
		"storage":   stringValue,
		"retention": intValue,
	}})

	return r
}

// lookupTree navigates a dot-joined path through nested mappings.
func lookupTree(tree map[string]any, path string) (any, bool) {
	if path == "" {
		return tree, true
	}
	var current any = tree
	for _, seg := range splitPath(path) {
		mapping, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = mapping[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
