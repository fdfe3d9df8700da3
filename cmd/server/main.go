// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main starts the AI gateway: an OpenAI-compatible proxy that routes
// chat completions between the small and big models bound to each virtual
// model.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aigateway/internal/api"
	"github.com/traylinx/aigateway/internal/buildinfo"
	"github.com/traylinx/aigateway/internal/config"
	"github.com/traylinx/aigateway/internal/logging"
	"github.com/traylinx/aigateway/internal/pipeline"
	"github.com/traylinx/aigateway/internal/registry"
	"github.com/traylinx/aigateway/internal/router"
	"github.com/traylinx/aigateway/internal/skills"
	"github.com/traylinx/aigateway/internal/store"
	"github.com/traylinx/aigateway/internal/upstream"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	configFlag := flag.String("config", "", "path to the configuration file")
	skillsFlag := flag.String("skills", "skills", "path to the skills directory")
	flag.Parse()

	// A local .env is optional
	_ = godotenv.Load()

	if err := run(*configFlag, *skillsFlag); err != nil {
		log.Fatalf("gateway failed: %v", err)
	}
}

func run(configFlag, skillsDir string) error {
	configPath := config.ResolveConfigPath(configFlag)
	if err := config.EnsureConfigFile(configPath); err != nil {
		return err
	}

	cfg, err := config.Load(configPath, config.DefaultTemplateRegistry())
	if err != nil {
		return err
	}
	log.Infof("gateway starting | version=%s commit=%s config=%s", buildinfo.Version, buildinfo.Commit, configPath)

	if level := cfg.GetString("log.system.level", ""); level != "" {
		logging.SetLevel(level)
	}
	if cfg.GetString("log.system.storage", "") == "file" {
		if err := logging.ConfigureLogOutput(filepath.Join(".", "logs"), true, cfg.GetInt("log.system.retention", 0)); err != nil {
			log.Warnf("file logging unavailable: %v", err)
		}
	}
	cfg.OnReload(func() {
		if level := cfg.GetString("log.system.level", ""); level != "" {
			logging.SetLevel(level)
		}
		log.Info("configuration reloaded")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Watch blocks until ctx is cancelled, so it runs beside the server.
	go func() {
		if err := cfg.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("config watcher stopped: %v", err)
		}
	}()

	convs, err := store.Open(cfg.GetString("storage.sqlite.path", "data/gateway.db"))
	if err != nil {
		return err
	}
	defer func() { _ = convs.Close() }()

	skillManager := skills.NewManager(skillsDir)
	if err := skillManager.Reload(); err != nil {
		log.Warnf("skill scan failed, continuing without skills: %v", err)
	}

	reg := registry.New(cfg)
	rt := router.New(reg, convs, skillManager)
	rt.Start(ctx)

	p := pipeline.New(convs, rt, skillManager, upstream.NewClient())
	server := api.NewServer(cfg, reg, p)
	return server.Run(ctx)
}
