// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"os"

	"github.com/traylinx/aigateway/internal/util"
)

// DefaultConfigPath is used when neither --config nor CONFIG_PATH is set.
const DefaultConfigPath = "config.yml"

// defaultConfigYAML seeds a fresh installation. The comments survive
// round trips through the store's mutation path.
const defaultConfigYAML = `# AI Gateway configuration
app:
  host: "0.0.0.0"
  port: 8100
  debug: false

storage:
  sqlite:
    path: "data/gateway.db"

web_search: {}

ai-gateway:
  virtual_models: {}

knowledge: {}

rss:
  max_concurrent: 3
  auto_fetch: false
  fetch_interval: 3600
  retention_days: 30
  skill: {}
  projects: []

media:
  video: {}
  audio: {}

text:
  skill: {}
  upload: {}
  download: {}

log:
  system:
    level: "info"
    storage: "logs"
    retention: 30
  operation: {}
`

// EnsureConfigFile writes the default configuration when path does not exist.
func EnsureConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return util.SecureWrite(path, []byte(defaultConfigYAML), &util.SecureWriteOptions{Permissions: 0o644})
}

// ResolveConfigPath picks the configuration file location: an explicit flag
// wins, then the CONFIG_PATH environment variable, then the default.
func ResolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return DefaultConfigPath
}
