// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/pkg/telemetry"
	"github.com/kodiakworks/kodiak/services/agent/memory"
	"github.com/kodiakworks/kodiak/services/agent/tools"
)

// Register mounts the agent's routes on the router.
func Register(router *gin.Engine, bridge *Bridge) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metricsHandler())
	router.GET("/ws", bridge.Handler())

	// Session administration routes, for the operator CLI. Everything a
	// chat client needs goes over /ws instead.
	v1 := router.Group("/v1")
	{
		v1.GET("/sessions", bridge.handleListSessions)
		v1.DELETE("/sessions/:name", bridge.handleDeleteSession)
	}
}

// handleListSessions answers GET /v1/sessions with the same saved+hosted
// union the request_session_list event returns.
func (b *Bridge) handleListSessions(c *gin.Context) {
	tc := &tools.Context{
		Sessions: b.Sessions,
		Store:    b.Store,
		Host:     b.Host,
		Logger:   b.Logger,
	}
	entries, err := tools.SessionList(c.Request.Context(), tc)
	if err != nil {
		b.logger().Error("session list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": entries})
}

// handleDeleteSession answers DELETE /v1/sessions/:name. Store records
// go first; a host that still holds the name afterwards is reported but
// does not undo the store deletion.
func (b *Bridge) handleDeleteSession(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	saved, err := b.Store.HasSession(ctx, name)
	if err != nil {
		b.logger().Error("session lookup failed", "session_name", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up session"})
		return
	}
	if !saved {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "session_name": name})
		return
	}

	if err := memory.DeleteNamed(ctx, b.Store, name); err != nil {
		status := http.StatusInternalServerError
		if fault.IsKind(err, fault.InvalidArgument) {
			status = http.StatusBadRequest
		}
		b.logger().Error("session delete failed", "session_name", name, "error", err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if err := b.Host.DeleteSession(ctx, name); err != nil {
		b.logger().Warn("host still holds deleted session", "session_name", name, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "partial", "deleted_session": name,
			"warning": "session records deleted, but the model host could not be reached"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session": name})
}

// metricsHandler prefers the exporter registered by telemetry.Init and
// falls back to the default prometheus registry, which still serves Go
// runtime and process collectors.
func metricsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := telemetry.MetricsHandler()
		if h == nil {
			h = promhttp.Handler()
		}
		h.ServeHTTP(c.Writer, c.Request)
	}
}
