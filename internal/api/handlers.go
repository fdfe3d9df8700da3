// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aigateway/internal/buildinfo"
	"github.com/traylinx/aigateway/internal/pipeline"
	"github.com/traylinx/aigateway/internal/registry"
)

func (s *Server) handleHealth(c *gin.Context) {
	overall, storage := "ok", "ok"
	status := http.StatusOK
	if s.pipeline != nil && s.pipeline.Convs != nil {
		if err := s.pipeline.Convs.Ping(c.Request.Context()); err != nil {
			overall, storage = "degraded", "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{
		"status":  overall,
		"version": buildinfo.Version,
		"config":  s.cfg.Path(),
		"storage": storage,
	})
}

// handleChatCompletions is the main proxy entry point. The request rides the
// pipeline; streaming requests relay SSE frames as they arrive.
func (s *Server) handleChatCompletions(c *gin.Context) {
	vm := c.MustGet(modelContextKey).(*registry.VirtualModel)

	var req pipeline.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, pipeline.ErrTypeValidation, "malformed request body: "+err.Error())
		return
	}

	pc := pipeline.NewContext(vm, &req, c.GetHeader(conversationHeader))

	if req.Stream && vm.StreamSupport {
		s.streamCompletion(c, pc)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), bufferedDeadline)
	defer cancel()

	s.pipeline.Execute(ctx, pc)
	c.Header(conversationHeader, pc.ConversationID)
	c.JSON(pc.StatusCode, pc.Response)
}

func (s *Server) streamCompletion(c *gin.Context, pc *pipeline.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), streamingDeadline)
	defer cancel()

	chunks := s.pipeline.ExecuteStream(ctx, pc)
	if chunks == nil {
		c.Header(conversationHeader, pc.ConversationID)
		c.JSON(pc.StatusCode, pc.Response)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header(conversationHeader, pc.ConversationID)
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for chunk := range chunks {
		if chunk.Err != nil {
			log.Warnf("stream interrupted | reqID=%s err=%v", pc.RequestID, chunk.Err)
			return
		}
		if _, err := c.Writer.Write(append(chunk.Data, '\n', '\n')); err != nil {
			// Client disconnect; the pipeline notices through the context
			return
		}
		c.Writer.Flush()
	}
}

// handleModels lists the enabled virtual models in OpenAI's list shape.
func (s *Server) handleModels(c *gin.Context) {
	models, err := s.registry.List()
	if err != nil {
		writeError(c, http.StatusInternalServerError, pipeline.ErrTypePipeline, "failed to list models")
		return
	}

	now := time.Now().Unix()
	data := make([]gin.H, 0, len(models))
	for _, vm := range models {
		if !vm.Use {
			continue
		}
		data = append(data, gin.H{
			"id":       vm.Name,
			"object":   "model",
			"created":  now,
			"owned_by": "ai-gateway",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// handleEmbeddings is a stub; the gateway only proxies chat completions.
func (s *Server) handleEmbeddings(c *gin.Context) {
	writeError(c, http.StatusNotImplemented, pipeline.ErrTypeValidation, "embeddings are not supported by this gateway")
}
