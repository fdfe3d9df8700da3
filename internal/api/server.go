// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the OpenAI-compatible proxy surface over gin.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aigateway/internal/config"
	"github.com/traylinx/aigateway/internal/pipeline"
	"github.com/traylinx/aigateway/internal/registry"
)

const (
	// bufferedDeadline bounds a non-streaming request end to end.
	bufferedDeadline = 150 * time.Second
	// streamingDeadline bounds a streaming request end to end.
	streamingDeadline = 330 * time.Second
)

// conversationHeader carries the client's conversation affinity.
const conversationHeader = "X-Conversation-Id"

// Server hosts the proxy endpoints.
type Server struct {
	cfg      *config.Store
	registry *registry.Registry
	pipeline *pipeline.Pipeline

	engine *gin.Engine
	http   *http.Server
}

// NewServer wires the routes. Run starts serving.
func NewServer(cfg *config.Store, reg *registry.Registry, p *pipeline.Pipeline) *Server {
	if !cfg.GetBool("app.debug", false) {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		registry: reg,
		pipeline: p,
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	proxy := s.engine.Group("/proxy/ai/v1")
	proxy.Use(s.authMiddleware())
	proxy.POST("/chat/completions", s.handleChatCompletions)
	proxy.GET("/models", s.handleModels)
	proxy.POST("/embeddings", s.handleEmbeddings)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	host := s.cfg.GetString("app.host", "")
	port := s.cfg.GetInt("app.port", 8080)
	addr := fmt.Sprintf("%s:%d", host, port)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("gateway listening | addr=%s", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Info("shutting down gateway")
	return s.http.Shutdown(shutdownCtx)
}
