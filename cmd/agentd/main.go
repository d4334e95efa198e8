// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command agentd starts the Kodiak agent server.
//
// The server exposes the websocket bridge clients connect to, the health
// endpoint, and prometheus metrics. Configuration comes from a YAML file
// (created with commented defaults on first run) plus environment
// overrides; see configs/kodiak.yaml for the full reference.
//
// # Environment Variables
//
//   - KODIAK_CONFIG: config file path (default: configs/kodiak.yaml)
//   - KODIAK_LOG_DIR: directory for JSON log files (optional)
//   - DEBUG_MODE: set true for debug logging and gin debug mode
//   - HAVEN_ADDRESS, HAVEN_AUTH_KEY: model host connection
//   - WEAVIATE_HOST, STORE_BACKEND: vector store connection
//   - OTEL_TRACES_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT: tracing
//
// # Usage
//
//	# Build
//	go build -o agentd ./cmd/agentd
//
//	# Run (havend and weaviate should already be up)
//	./agentd
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kodiakworks/kodiak/pkg/logging"
	"github.com/kodiakworks/kodiak/pkg/telemetry"
	"github.com/kodiakworks/kodiak/services/agent"
)

func main() {
	configPath := getEnvString("KODIAK_CONFIG", agent.DefaultConfigPath)

	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  os.Getenv("KODIAK_LOG_DIR"),
		Service: "agentd",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	shutdown, err := telemetry.Init(context.Background(), telemetry.DefaultConfig("agentd"))
	if err != nil {
		log.Fatalf("Failed to setup telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Error("telemetry shutdown failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := agent.NewService(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create agent service: %v", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Error("service close failed", "error", err)
		}
	}()

	logger.Info("starting agent server",
		"port", cfg.ServerPort,
		"haven_address", cfg.Haven.Address,
		"store_backend", cfg.Store.Backend,
		"model", cfg.Model.Name,
	)

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("Agent server error: %v", err)
	}
	logger.Info("agent server stopped")
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
