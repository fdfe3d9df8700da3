// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/traylinx/aigateway/internal/util"
)

// Store owns the in-memory configuration tree and its backing file. All reads
// hand out deep copies; all mutations validate against the template registry,
// persist to disk, and only then become visible to readers.
type Store struct {
	mu       sync.RWMutex
	path     string
	reg      *TemplateRegistry
	tree     map[string]any
	doc      *yaml.Node
	onReload []func()
}

// Load parses and validates the configuration file at path. The file must
// exist; use WriteDefault to seed a fresh installation.
func Load(path string, reg *TemplateRegistry) (*Store, error) {
	if reg == nil {
		reg = DefaultTemplateRegistry()
	}
	tree, doc, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	if err := reg.ValidateTree(tree); err != nil {
		return nil, err
	}
	return &Store{path: path, reg: reg, tree: tree, doc: doc}, nil
}

func parseFile(path string) (map[string]any, *yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}
	tree := map[string]any{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	doc := &yaml.Node{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	documentRoot(doc)
	return tree, doc, nil
}

// Path returns the location of the backing file.
func (s *Store) Path() string { return s.path }

// Get returns a deep copy of the value at a dot-joined path, or nil when the
// path does not exist.
func (s *Store) Get(path string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := lookupTree(s.tree, path)
	if !ok {
		return nil
	}
	return deepCopyValue(value)
}

// Tree returns a deep copy of the whole configuration tree.
func (s *Store) Tree() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyValue(s.tree).(map[string]any)
}

// GetString reads a string value, returning def when absent or mistyped.
func (s *Store) GetString(path, def string) string {
	if v, ok := s.Get(path).(string); ok {
		return v
	}
	return def
}

// GetInt reads an integer value, returning def when absent or mistyped.
func (s *Store) GetInt(path string, def int) int {
	switch v := s.Get(path).(type) {
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

// GetBool reads a boolean value, returning def when absent or mistyped.
func (s *Store) GetBool(path string, def bool) bool {
	if v, ok := s.Get(path).(bool); ok {
		return v
	}
	return def
}

// Set writes value at a dot-joined path. Creating the final key requires the
// governing template to permit adds; intermediate mappings are created only
// where templates allow growth. The mutation is persisted before it becomes
// visible; on any failure the in-memory tree is untouched.
func (s *Store) Set(path string, value any) error {
	if path == "" {
		return violation("", "empty path")
	}
	parent, key := parentPath(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := deepCopyValue(s.tree).(map[string]any)
	parentMap, err := s.navigateParent(candidate, parent, true)
	if err != nil {
		return err
	}

	tpl, base := s.reg.templateAndBase(parent)
	_, exists := parentMap[key]
	if !exists && !s.allowAdd(tpl, base, parent, key) {
		return violation(path, "%s template does not permit adding key %q", tpl.Kind(), key)
	}
	if parent == base {
		if err := tpl.ValidateValue(path, key, normalizeValue(value)); err != nil {
			return err
		}
	}
	parentMap[key] = normalizeValue(value)

	return s.commitLocked(candidate, func(root *yaml.Node) error {
		target := root
		for _, seg := range splitPath(parent) {
			target = getOrCreateMapValue(target, seg)
		}
		encoded, err := encodeValueNode(value)
		if err != nil {
			return err
		}
		mergeNodePreserve(getOrCreateMapValue(target, key), encoded)
		return nil
	})
}

// AddKey creates a new key under parent. It fails when the key already exists
// or when the governing template forbids structural growth.
func (s *Store) AddKey(parent, key string, value any) error {
	if key == "" {
		return violation(parent, "empty key")
	}
	path := joinPath(parent, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := deepCopyValue(s.tree).(map[string]any)
	parentMap, err := s.navigateParent(candidate, parent, false)
	if err != nil {
		return err
	}
	if _, exists := parentMap[key]; exists {
		return violation(path, "key already exists")
	}

	tpl, base := s.reg.templateAndBase(parent)
	if !s.allowAdd(tpl, base, parent, key) {
		return violation(path, "%s template does not permit adding key %q", tpl.Kind(), key)
	}
	if parent == base {
		if err := tpl.ValidateValue(path, key, normalizeValue(value)); err != nil {
			return err
		}
	}
	parentMap[key] = normalizeValue(value)

	return s.commitLocked(candidate, func(root *yaml.Node) error {
		target := root
		for _, seg := range splitPath(parent) {
			target = getOrCreateMapValue(target, seg)
		}
		encoded, err := encodeValueNode(value)
		if err != nil {
			return err
		}
		mergeNodePreserve(getOrCreateMapValue(target, key), encoded)
		return nil
	})
}

// DeleteKey removes a key under parent where the governing template permits
// deletion.
func (s *Store) DeleteKey(parent, key string) error {
	path := joinPath(parent, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := deepCopyValue(s.tree).(map[string]any)
	parentMap, err := s.navigateParent(candidate, parent, false)
	if err != nil {
		return err
	}
	if _, exists := parentMap[key]; !exists {
		return violation(path, "key does not exist")
	}

	tpl, base := s.reg.templateAndBase(parent)
	if !s.allowDelete(tpl, base, parent, key) {
		return violation(path, "%s template does not permit deleting key %q", tpl.Kind(), key)
	}
	delete(parentMap, key)

	return s.commitLocked(candidate, func(root *yaml.Node) error {
		target := root
		for _, seg := range splitPath(parent) {
			idx := findMapKeyIndex(target, seg)
			if idx < 0 {
				return nil
			}
			target = target.Content[idx+1]
		}
		removeMapKey(target, key)
		return nil
	})
}

// commitLocked validates the candidate tree, applies the node edit to a copy
// of the document, persists it, and swaps both in. The caller holds s.mu.
func (s *Store) commitLocked(candidate map[string]any, edit func(root *yaml.Node) error) error {
	if err := s.reg.ValidateTree(candidate); err != nil {
		return err
	}

	newDoc := deepCopyNode(s.doc)
	if err := edit(documentRoot(newDoc)); err != nil {
		return err
	}

	data, err := encodeDocument(newDoc)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.SecureWrite(s.path, data, nil); err != nil {
		return fmt.Errorf("failed to persist config: %w", err)
	}

	s.tree = candidate
	s.doc = newDoc
	return nil
}

// Reload re-reads the backing file. A failed parse or validation leaves the
// previous tree intact and returns the error.
func (s *Store) Reload() error {
	tree, doc, err := parseFile(s.path)
	if err != nil {
		return err
	}
	if err := s.reg.ValidateTree(tree); err != nil {
		return err
	}

	s.mu.Lock()
	s.tree = tree
	s.doc = doc
	callbacks := append([]func(){}, s.onReload...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	log.Debugf("configuration reloaded from %s", s.path)
	return nil
}

// OnReload registers a callback fired after every successful reload.
func (s *Store) OnReload(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = append(s.onReload, fn)
}

// navigateParent walks candidate down to the mapping at parent. When create
// is set, missing intermediate mappings are created where the governing
// template allows growth.
func (s *Store) navigateParent(candidate map[string]any, parent string, create bool) (map[string]any, error) {
	current := candidate
	currentPath := ""
	for _, seg := range splitPath(parent) {
		child, ok := current[seg]
		if !ok {
			if !create {
				return nil, violation(joinPath(currentPath, seg), "path does not exist")
			}
			tpl, base := s.reg.templateAndBase(currentPath)
			if !s.allowAdd(tpl, base, currentPath, seg) {
				return nil, violation(joinPath(currentPath, seg), "%s template does not permit adding key %q", tpl.Kind(), seg)
			}
			next := map[string]any{}
			current[seg] = next
			current = next
			currentPath = joinPath(currentPath, seg)
			continue
		}
		mapping, ok := child.(map[string]any)
		if !ok {
			return nil, violation(joinPath(currentPath, seg), "path is not a mapping")
		}
		current = mapping
		currentPath = joinPath(currentPath, seg)
	}
	return current, nil
}

// allowAdd decides whether key may be created under parent. Direct children
// of a template's own path defer to the template; deeper descendants may grow
// only under flexible and virtual-model subtrees.
func (s *Store) allowAdd(tpl Template, base, parent, key string) bool {
	if parent == base {
		return tpl.CanAddKey(key)
	}
	switch tpl.(type) {
	case *FlexibleNodeTemplate, *VirtualModelsTemplate:
		return true
	}
	return false
}

func (s *Store) allowDelete(tpl Template, base, parent, key string) bool {
	if parent == base {
		return tpl.CanDeleteKey(key)
	}
	switch tpl.(type) {
	case *FlexibleNodeTemplate, *VirtualModelsTemplate:
		return true
	}
	return false
}

// templateAndBase resolves the template governing the children of path along
// with the path it is registered at.
func (r *TemplateRegistry) templateAndBase(path string) (Template, string) {
	current := path
	for {
		if tpl, ok := r.templates[current]; ok {
			return tpl, current
		}
		parent, _ := parentPath(current)
		if parent == current {
			return r.templates[""], ""
		}
		current = parent
	}
}

// normalizeValue round-trips composite values through YAML so that mutation
// inputs built from Go structs or typed maps match the shapes produced by
// file parsing.
func normalizeValue(value any) any {
	switch value.(type) {
	case nil, string, bool, int, int64, float64:
		return value
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return value
	}
	return out
}

// deepCopyValue clones a configuration value: nested mappings and sequences
// are copied recursively, scalars are returned as-is.
func deepCopyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		cp := make(map[string]any, len(v))
		for k, item := range v {
			cp[k] = deepCopyValue(item)
		}
		return cp
	case []any:
		cp := make([]any, len(v))
		for i, item := range v {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		return v
	}
}
