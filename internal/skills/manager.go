// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package skills

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	yaml "github.com/goccy/go-yaml"
	log "github.com/sirupsen/logrus"
)

// skillFileName is the manifest every skill directory must carry.
const skillFileName = "SKILL.md"

// sourceDirs are the two roots scanned under the skills directory. System
// skills ship with the gateway; custom skills are operator-provided.
var sourceDirs = []string{"system", "custom"}

// ErrSkillNotFound reports a lookup miss.
type ErrSkillNotFound struct {
	Category string
	Name     string
	Version  string
}

func (e *ErrSkillNotFound) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("skill not found: %s/%s", e.Category, e.Name)
	}
	return fmt.Sprintf("skill not found: %s/%s@%s", e.Category, e.Name, e.Version)
}

// Manager discovers skills on disk and executes them. It is safe for
// concurrent use; Reload swaps the whole index atomically.
type Manager struct {
	root string

	mu     sync.RWMutex
	skills map[string]map[string]*Definition // category/name -> version -> definition

	engine *luaEngine
	rules  *ruleEvaluator
}

// NewManager creates a manager rooted at dir. Call Reload to scan.
func NewManager(dir string) *Manager {
	return &Manager{
		root:   dir,
		skills: make(map[string]map[string]*Definition),
		engine: newLuaEngine(),
		rules:  newRuleEvaluator(),
	}
}

// Reload rescans the skills directory. Layout is
// {system|custom}/{category}/{version}/{name}/SKILL.md; a malformed skill is
// logged and skipped, never fatal.
func (m *Manager) Reload() error {
	found := make(map[string]map[string]*Definition)
	count := 0

	for _, source := range sourceDirs {
		base := filepath.Join(m.root, source)
		if _, err := os.Stat(base); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || d.Name() != skillFileName {
				return nil
			}
			def, err := parseSkillFile(base, path)
			if err != nil {
				log.Warnf("skipping skill at %s: %v", path, err)
				return nil
			}
			key := skillKey(def.Category, def.Name)
			if found[key] == nil {
				found[key] = make(map[string]*Definition)
			}
			if _, dup := found[key][def.Version]; dup {
				log.Warnf("duplicate skill %s, keeping the first", def.ID())
				return nil
			}
			found[key][def.Version] = def
			count++
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to scan skills under %s: %w", base, err)
		}
	}

	m.mu.Lock()
	m.skills = found
	m.mu.Unlock()
	log.Infof("skills loaded | count=%d root=%s", count, m.root)
	return nil
}

// Get resolves a skill. An empty version picks the highest one available.
func (m *Manager) Get(category, name, version string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.skills[skillKey(category, name)]
	if len(versions) == 0 {
		return nil, &ErrSkillNotFound{Category: category, Name: name, Version: version}
	}
	if version == "" || version == "latest" {
		keys := make([]string, 0, len(versions))
		for v := range versions {
			keys = append(keys, v)
		}
		return versions[latestVersion(keys)], nil
	}
	def, ok := versions[version]
	if !ok {
		return nil, &ErrSkillNotFound{Category: category, Name: name, Version: version}
	}
	return def, nil
}

// List returns all loaded definitions sorted by ID.
func (m *Manager) List() []*Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Definition
	for _, versions := range m.skills {
		for _, def := range versions {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// parseSkillFile reads a SKILL.md, splits the frontmatter and derives the
// category from the path: base/{category}/{version}/{name}/SKILL.md.
func parseSkillFile(base, path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	content := string(raw)
	parts := strings.SplitN(content, "---", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("missing frontmatter")
	}

	var def Definition
	if err := yaml.Unmarshal([]byte(parts[1]), &def); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	def.Body = strings.TrimSpace(parts[2])
	def.Dir = filepath.Dir(path)

	rel, err := filepath.Rel(base, path)
	if err != nil {
		return nil, err
	}
	segments := strings.Split(filepath.ToSlash(rel), "/")
	if len(segments) != 4 {
		return nil, fmt.Errorf("unexpected layout %s, want category/version/name/SKILL.md", rel)
	}
	def.Category = segments[0]
	if def.Version == "" {
		def.Version = segments[1]
	}
	if def.Name == "" {
		def.Name = segments[2]
	}
	if def.Type == "" {
		def.Type = TypeRuleBased
	}
	switch def.Type {
	case TypeRuleBased, TypeLLMBased, TypeHybrid:
	default:
		return nil, fmt.Errorf("unknown skill type %q", def.Type)
	}
	return &def, nil
}
