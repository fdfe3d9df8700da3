// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aigateway/internal/pipeline"
)

// modelContextKey is where the auth middleware parks the resolved model.
const modelContextKey = "virtual-model"

// requestLogger tags every request with an ID and logs the outcome.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := uuid.NewString()[:8]
		c.Set("request_id", reqID)
		start := time.Now()

		c.Next()

		log.WithField("request_id", reqID).Infof("%s %s | status=%d duration=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// authMiddleware resolves the Bearer proxy key to a virtual model. Unknown
// keys get 401; known but disabled models get 403.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if header == "" || token == "" {
			writeError(c, http.StatusUnauthorized, pipeline.ErrTypeAuth, "missing bearer token")
			c.Abort()
			return
		}

		vm, err := s.registry.ResolveProxyKey(token)
		if err != nil {
			writeError(c, http.StatusUnauthorized, pipeline.ErrTypeAuth, "invalid proxy key")
			c.Abort()
			return
		}
		if !vm.Use {
			writeError(c, http.StatusForbidden, pipeline.ErrTypeDisabled, "virtual model is disabled")
			c.Abort()
			return
		}

		c.Set(modelContextKey, vm)
		c.Next()
	}
}

// writeError emits the error envelope shared with the pipeline.
func writeError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{"error": gin.H{
		"message":    message,
		"type":       errType,
		"request_id": c.GetString("request_id"),
	}})
}
