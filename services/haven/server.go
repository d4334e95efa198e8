// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package haven

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/services/haven/llm"
)

// Wire shapes shared by Server and Client.

type getOrCreateRequest struct {
	Name    string        `json:"name" binding:"required"`
	History []llm.Message `json:"history"`
}

type getOrCreateResponse struct {
	Created bool `json:"created"`
}

type sendMessageRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

type sendMessageResponse struct {
	Text string `json:"text"`
}

type listSessionsResponse struct {
	Sessions []string `json:"sessions"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

type traceResponse struct {
	Entries []TraceEntry `json:"entries"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes a Host over HTTP+JSON under /v1, authenticated with
// the shared key on every request.
type Server struct {
	host   *Host
	key    *Key
	logger *slog.Logger
	router *gin.Engine
}

// NewServer wires the routes. The returned value is an http.Handler.
func NewServer(host *Host, key *Key, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{host: host, key: key, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("havend"))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, statusResponse{Status: "ok"})
	})

	v1 := router.Group("/v1")
	v1.Use(s.requireKey)
	v1.POST("/sessions/get_or_create", s.handleGetOrCreate)
	v1.POST("/sessions/:name/messages", s.handleSendMessage)
	v1.GET("/sessions", s.handleListSessions)
	v1.DELETE("/sessions/:name", s.handleDeleteSession)
	v1.GET("/sessions/:name/exists", s.handleHasSession)
	v1.GET("/trace", s.handleTrace)

	s.router = router
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requireKey(c *gin.Context) {
	if !s.key.Verify(c.GetHeader(AuthHeader)) {
		s.logger.Warn("rejected request with bad auth key", "path", c.FullPath(), "remote", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid or missing auth key"})
		return
	}
	c.Next()
}

func (s *Server) handleGetOrCreate(c *gin.Context) {
	var req getOrCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	created, err := s.host.GetOrCreateSession(req.Name, req.History)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, getOrCreateResponse{Created: created})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	text, err := s.host.SendMessage(c.Request.Context(), c.Param("name"), req.Prompt)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sendMessageResponse{Text: text})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, listSessionsResponse{Sessions: s.host.ListSessions()})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	status := "absent"
	if s.host.DeleteSession(c.Param("name")) {
		status = "deleted"
	}
	c.JSON(http.StatusOK, statusResponse{Status: status})
}

func (s *Server) handleHasSession(c *gin.Context) {
	c.JSON(http.StatusOK, existsResponse{Exists: s.host.HasSession(c.Param("name"))})
}

func (s *Server) handleTrace(c *gin.Context) {
	c.JSON(http.StatusOK, traceResponse{Entries: s.host.TraceLog()})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.InvalidArgument:
		status = http.StatusBadRequest
	case fault.NotFound:
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}
