// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testConfigYAML = `# gateway settings
app:
  host: "127.0.0.1"
  port: 8100
  debug: false

storage:
  sqlite:
    path: "data/gateway.db"

ai-gateway:
  virtual_models:
    demo:
      proxy_key: "sk-demo"
      base_url: "http://small.example"
      current: "small"
      force_current: false
      use: true
      small:
        provider: "openai"
        base_url: "http://small.example"
        api_key: "k1"
        model: "m-s"
      big:
        provider: "openai"
        base_url: "http://big.example"
        api_key: "k2"
        model: "m-b"
      routing:
        keywords:
          enable: true
          rules:
            - pattern: "/big"
              target: "big"

log:
  system:
    level: "info"
    storage: "logs"
    retention: 30
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func loadTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Load(writeTestConfig(t, testConfigYAML), DefaultTemplateRegistry())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return store
}

func TestLoad_RejectsUnknownTopLevelKey(t *testing.T) {
	path := writeTestConfig(t, "app:\n  port: 8100\nbogus:\n  x: 1\n")
	if _, err := Load(path, DefaultTemplateRegistry()); err == nil {
		t.Fatal("expected load to reject unknown top-level key")
	}
}

func TestLoad_RejectsVirtualModelMissingField(t *testing.T) {
	content := `ai-gateway:
  virtual_models:
    broken:
      proxy_key: "sk-x"
      base_url: "http://x"
      current: "small"
`
	path := writeTestConfig(t, content)
	_, err := Load(path, DefaultTemplateRegistry())
	if err == nil {
		t.Fatal("expected load to fail on missing required field")
	}
	if !strings.Contains(err.Error(), "use") {
		t.Errorf("error should name the missing field: %v", err)
	}
}

func TestGet_ReturnsDeepCopy(t *testing.T) {
	store := loadTestStore(t)

	model, ok := store.Get("ai-gateway.virtual_models.demo").(map[string]any)
	if !ok {
		t.Fatal("expected a mapping")
	}
	model["current"] = "big"

	if got := store.GetString("ai-gateway.virtual_models.demo.current", ""); got != "small" {
		t.Errorf("mutating a returned copy must not affect the store, current = %q", got)
	}
}

func TestGet_MissingPathReturnsNil(t *testing.T) {
	store := loadTestStore(t)
	if v := store.Get("foo"); v != nil {
		t.Errorf("expected nil for missing path, got %v", v)
	}
	if v := store.Get("app.host.deeper"); v != nil {
		t.Errorf("expected nil when traversing through a scalar, got %v", v)
	}
}

func TestSet_PersistsAndVisible(t *testing.T) {
	store := loadTestStore(t)

	if err := store.Set("ai-gateway.virtual_models.demo.current", "big"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := store.GetString("ai-gateway.virtual_models.demo.current", ""); got != "big" {
		t.Errorf("in-memory tree should reflect the change, got %q", got)
	}

	// Persisted before return: a fresh load sees the change
	reloaded, err := Load(store.Path(), DefaultTemplateRegistry())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := reloaded.GetString("ai-gateway.virtual_models.demo.current", ""); got != "big" {
		t.Errorf("persisted file should reflect the change, got %q", got)
	}
}

func TestSet_PreservesComments(t *testing.T) {
	store := loadTestStore(t)

	if err := store.Set("app.port", 9000); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	data, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}
	if !strings.Contains(string(data), "# gateway settings") {
		t.Errorf("comments should survive a save:\n%s", data)
	}
	if !strings.Contains(string(data), "port: 9000") {
		t.Errorf("updated value missing from file:\n%s", data)
	}
}

func TestSet_RejectsNewTopLevelKey(t *testing.T) {
	store := loadTestStore(t)

	before, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Set("foo.bar", 1); err == nil {
		t.Fatal("expected template violation for new top-level key")
	}

	after, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("file on disk must be unchanged after a rejected mutation")
	}
	if v := store.Get("foo"); v != nil {
		t.Errorf("rejected mutation must not be visible, got %v", v)
	}
}

func TestSet_RejectsBadValueType(t *testing.T) {
	store := loadTestStore(t)
	if err := store.Set("app.port", "not-a-number"); err == nil {
		t.Fatal("expected value validation failure")
	}
}

func TestAddKey_VirtualModel(t *testing.T) {
	store := loadTestStore(t)

	model := map[string]any{
		"proxy_key": "sk-second",
		"base_url":  "http://second.example",
		"current":   "small",
		"use":       true,
	}
	if err := store.AddKey("ai-gateway.virtual_models", "second", model); err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}
	if got := store.GetString("ai-gateway.virtual_models.second.proxy_key", ""); got != "sk-second" {
		t.Errorf("added model not readable, got %q", got)
	}
}

func TestAddKey_DuplicateProxyKeyRejected(t *testing.T) {
	store := loadTestStore(t)

	model := map[string]any{
		"proxy_key": "sk-demo", // already used by demo
		"base_url":  "http://second.example",
		"current":   "small",
		"use":       true,
	}
	err := store.AddKey("ai-gateway.virtual_models", "second", model)
	if err == nil {
		t.Fatal("expected duplicate proxy_key to be rejected")
	}
	if !strings.Contains(err.Error(), "proxy_key") {
		t.Errorf("error should mention proxy_key: %v", err)
	}
}

func TestAddKey_RejectedOnFixedNode(t *testing.T) {
	store := loadTestStore(t)
	if err := store.AddKey("app", "extra", 1); err == nil {
		t.Fatal("expected fixed template to reject structural growth")
	}
}

func TestDeleteKey_VirtualModel(t *testing.T) {
	store := loadTestStore(t)

	if err := store.DeleteKey("ai-gateway.virtual_models", "demo"); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}
	if v := store.Get("ai-gateway.virtual_models.demo"); v != nil {
		t.Errorf("deleted model still readable: %v", v)
	}

	data, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-demo") {
		t.Error("deleted model still present on disk")
	}
}

func TestDeleteKey_RejectedOnFixedNode(t *testing.T) {
	store := loadTestStore(t)
	if err := store.DeleteKey("app", "port"); err == nil {
		t.Fatal("expected fixed template to reject key deletion")
	}
}

func TestReload_PicksUpExternalEdit(t *testing.T) {
	store := loadTestStore(t)

	updated := strings.Replace(testConfigYAML, `current: "small"`, `current: "big"`, 1)
	if err := os.WriteFile(store.Path(), []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := store.GetString("ai-gateway.virtual_models.demo.current", ""); got != "big" {
		t.Errorf("reload should pick up the external edit, got %q", got)
	}
}

func TestReload_KeepsOldTreeOnBrokenFile(t *testing.T) {
	store := loadTestStore(t)

	if err := os.WriteFile(store.Path(), []byte(":::not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("expected reload of broken file to fail")
	}
	if got := store.GetString("app.host", ""); got != "127.0.0.1" {
		t.Errorf("previous tree should survive a failed reload, got %q", got)
	}
}

func TestEnsureConfigFile_SeedsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := EnsureConfigFile(path); err != nil {
		t.Fatalf("EnsureConfigFile failed: %v", err)
	}
	store, err := Load(path, DefaultTemplateRegistry())
	if err != nil {
		t.Fatalf("default config should load cleanly: %v", err)
	}
	if got := store.GetInt("app.port", 0); got != 8100 {
		t.Errorf("unexpected default port %d", got)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "/tmp/from-env.yml")
	if got := ResolveConfigPath("/tmp/from-flag.yml"); got != "/tmp/from-flag.yml" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := ResolveConfigPath(""); got != "/tmp/from-env.yml" {
		t.Errorf("env should be used when flag empty, got %q", got)
	}
	t.Setenv("CONFIG_PATH", "")
	if got := ResolveConfigPath(""); got != DefaultConfigPath {
		t.Errorf("default expected, got %q", got)
	}
}
