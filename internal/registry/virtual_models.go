// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry exposes the virtual-model view over the configuration
// tree: proxy-key resolution, upstream bindings, and routing blocks.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	yaml "github.com/goccy/go-yaml"

	"github.com/traylinx/aigateway/internal/config"
)

// virtualModelsPath locates the virtual-model subtree in the config.
const virtualModelsPath = "ai-gateway.virtual_models"

// ErrUnknownProxyKey is returned when no virtual model carries the key.
var ErrUnknownProxyKey = errors.New("unknown proxy key")

// ErrUnknownModel is returned when no virtual model has the requested name.
var ErrUnknownModel = errors.New("unknown virtual model")

// Binding is the concrete upstream a virtual model dispatches to.
type Binding struct {
	Provider string `yaml:"provider" json:"provider"`
	BaseURL  string `yaml:"base_url" json:"base_url"`
	APIKey   string `yaml:"api_key" json:"api_key"`
	Model    string `yaml:"model" json:"model"`
}

// KeywordRule switches routing when its pattern appears in the user input.
type KeywordRule struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Target  string `yaml:"target" json:"target"`
}

// KeywordRouting holds the declarative keyword rules of a virtual model.
type KeywordRouting struct {
	Enable bool          `yaml:"enable" json:"enable"`
	Rules  []KeywordRule `yaml:"rules" json:"rules"`
}

// SkillRouting configures the optional intent-classification skill.
type SkillRouting struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Category string `yaml:"category" json:"category"`
	Name     string `yaml:"name" json:"name"`
	Version  string `yaml:"version" json:"version"`
}

// RoutingBlock groups the routing options of a virtual model.
type RoutingBlock struct {
	Keywords KeywordRouting `yaml:"keywords" json:"keywords"`
	Skill    SkillRouting   `yaml:"skill" json:"skill"`
}

// EnrichmentBlock is the shared shape of the knowledge and web-search hooks.
// Only the switch and skill selector matter to the gateway core.
type EnrichmentBlock struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Skill   string `yaml:"skill" json:"skill"`
	Version string `yaml:"version" json:"version"`
}

// VirtualModel is the tenant-facing facade over one or two upstream models.
type VirtualModel struct {
	Name          string          `yaml:"-" json:"name"`
	ProxyKey      string          `yaml:"proxy_key" json:"proxy_key"`
	BaseURL       string          `yaml:"base_url" json:"base_url"`
	Current       string          `yaml:"current" json:"current"`
	ForceCurrent  bool            `yaml:"force_current" json:"force_current"`
	Use           bool            `yaml:"use" json:"use"`
	StreamSupport bool            `yaml:"stream_support" json:"stream_support"`
	Small         Binding         `yaml:"small" json:"small"`
	Big           Binding         `yaml:"big" json:"big"`
	Routing       RoutingBlock    `yaml:"routing" json:"routing"`
	Knowledge     EnrichmentBlock `yaml:"knowledge" json:"knowledge"`
	WebSearch     EnrichmentBlock `yaml:"web_search" json:"web_search"`
}

// BindingFor returns the upstream binding for a model type ("small" or "big").
func (vm *VirtualModel) BindingFor(modelType string) (Binding, error) {
	switch modelType {
	case "small":
		return vm.Small, nil
	case "big":
		return vm.Big, nil
	default:
		return Binding{}, fmt.Errorf("virtual model %s has no binding for model type %q", vm.Name, modelType)
	}
}

// Registry is a stateless view over the config store. Every call decodes the
// current subtree, so hot reloads are picked up without invalidation hooks.
type Registry struct {
	store *config.Store
}

// New creates a registry backed by the given config store.
func New(store *config.Store) *Registry {
	return &Registry{store: store}
}

// Store exposes the backing config store for components that persist
// routing switches.
func (r *Registry) Store() *config.Store { return r.store }

// decode converts the raw config subtree into typed virtual models. Unknown
// keys in the config are tolerated.
func (r *Registry) decode() (map[string]*VirtualModel, error) {
	raw := r.store.Get(virtualModelsPath)
	if raw == nil {
		return map[string]*VirtualModel{}, nil
	}
	mapping, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s is not a mapping", virtualModelsPath)
	}

	models := make(map[string]*VirtualModel, len(mapping))
	for name, entry := range mapping {
		data, err := yaml.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to encode virtual model %s: %w", name, err)
		}
		vm := &VirtualModel{}
		if err := yaml.Unmarshal(data, vm); err != nil {
			return nil, fmt.Errorf("failed to decode virtual model %s: %w", name, err)
		}
		vm.Name = name
		models[name] = vm
	}
	return models, nil
}

// ResolveProxyKey maps a client-presented proxy key to its virtual model.
// Disabled models resolve successfully; the caller decides how to reject
// them.
func (r *Registry) ResolveProxyKey(proxyKey string) (*VirtualModel, error) {
	proxyKey = strings.TrimSpace(proxyKey)
	if proxyKey == "" {
		return nil, ErrUnknownProxyKey
	}
	models, err := r.decode()
	if err != nil {
		return nil, err
	}
	for _, vm := range models {
		if vm.ProxyKey == proxyKey {
			return vm, nil
		}
	}
	return nil, ErrUnknownProxyKey
}

// Get returns the virtual model with the given name.
func (r *Registry) Get(name string) (*VirtualModel, error) {
	models, err := r.decode()
	if err != nil {
		return nil, err
	}
	vm, ok := models[name]
	if !ok {
		return nil, ErrUnknownModel
	}
	return vm, nil
}

// List returns all virtual models sorted by name.
func (r *Registry) List() ([]*VirtualModel, error) {
	models, err := r.decode()
	if err != nil {
		return nil, err
	}
	out := make([]*VirtualModel, 0, len(models))
	for _, vm := range models {
		out = append(out, vm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Names returns the names of all virtual models sorted alphabetically.
func (r *Registry) Names() ([]string, error) {
	models, err := r.decode()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// PersistCurrent writes a new current model type for a virtual model back to
// the configuration file.
func (r *Registry) PersistCurrent(name, modelType string) error {
	if modelType != "small" && modelType != "big" {
		return fmt.Errorf("invalid model type %q", modelType)
	}
	path := virtualModelsPath + "." + name + ".current"
	return r.store.Set(path, modelType)
}
