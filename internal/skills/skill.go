// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package skills loads and executes the versioned enrichment units consulted
// by the router and the pipeline hooks. A skill lives on disk as a SKILL.md
// with YAML frontmatter and an optional execute.lua procedural body.
package skills

import (
	"fmt"
	"sort"
	"strings"
)

// Skill types.
const (
	TypeRuleBased = "rule-based"
	TypeLLMBased  = "llm-based"
	TypeHybrid    = "hybrid"
)

// Schema is the advisory input/output contract of a skill.
type Schema struct {
	Required   []string       `yaml:"required"`
	Properties map[string]any `yaml:"properties"`
}

// Rule is one declarative clause of a rule-based skill. When is an
// expression over the invocation input; Result is returned on the first
// match.
type Rule struct {
	When   string         `yaml:"when"`
	Result map[string]any `yaml:"result"`
}

// Definition is the parsed SKILL.md frontmatter plus its location.
type Definition struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Type         string `yaml:"type"`
	Priority     int    `yaml:"priority"`
	Version      string `yaml:"version"`
	InputSchema  Schema `yaml:"input_schema"`
	OutputSchema Schema `yaml:"output_schema"`
	Rules        []Rule `yaml:"rules"`

	// Category is derived from the directory layout, not the frontmatter.
	Category string `yaml:"-"`
	// Dir is the skill directory holding SKILL.md and any procedural body.
	Dir string `yaml:"-"`
	// Body is the markdown content after the frontmatter.
	Body string `yaml:"-"`
}

// ID identifies a skill as category/name@version.
func (d *Definition) ID() string {
	return fmt.Sprintf("%s/%s@%s", d.Category, d.Name, d.Version)
}

// key indexes skills by category and name; versions hang off the entry.
func skillKey(category, name string) string {
	return category + "/" + name
}

// latestVersion picks the highest version string. Versions are compared
// numerically segment by segment, falling back to string order.
func latestVersion(versions []string) string {
	if len(versions) == 0 {
		return ""
	}
	sorted := append([]string(nil), versions...)
	sort.Slice(sorted, func(i, j int) bool { return versionLess(sorted[i], sorted[j]) })
	return sorted[len(sorted)-1]
}

func versionLess(a, b string) bool {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		var an, bn int
		_, errA := fmt.Sscanf(as[i], "%d", &an)
		_, errB := fmt.Sscanf(bs[i], "%d", &bn)
		if errA != nil || errB != nil {
			if as[i] != bs[i] {
				return as[i] < bs[i]
			}
			continue
		}
		if an != bn {
			return an < bn
		}
	}
	return len(as) < len(bs)
}
