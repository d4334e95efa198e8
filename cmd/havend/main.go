// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command havend starts the Haven model host.
//
// Haven is the only process that talks to a model backend. It keeps each
// session's conversation history in locked memory and serves the agent
// over authenticated HTTP on loopback. The auth key never touches disk:
// either pass one via HAVEN_AUTH_KEY (shared with agentd) or let havend
// generate one and print it once at startup.
//
// # Environment Variables
//
//   - KODIAK_CONFIG: config file path (default: configs/kodiak.yaml)
//   - HAVEN_PORT: listen port (default: 50000)
//   - HAVEN_AUTH_KEY: shared auth key (generated and printed if unset)
//   - LLM_BACKEND: model backend - ollama, openai, googleai (default: ollama)
//   - MODEL_NAME: model identifier for the chosen backend
//   - OLLAMA_URL, OPENAI_API_KEY, OPENAI_BASE_URL: backend connection
//
// # Usage
//
//	# Build
//	go build -o havend ./cmd/havend
//
//	# Run against a local Ollama
//	./havend
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kodiakworks/kodiak/pkg/logging"
	"github.com/kodiakworks/kodiak/pkg/telemetry"
	"github.com/kodiakworks/kodiak/services/agent"
	"github.com/kodiakworks/kodiak/services/haven"
	"github.com/kodiakworks/kodiak/services/haven/llm"
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
		Service: "havend",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	shutdown, err := telemetry.Init(context.Background(), telemetry.DefaultConfig("havend"))
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

	client, err := buildLLMClient(ctx, cfg, logger.Slog())
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	key, err := buildKey(cfg, logger.Slog())
	if err != nil {
		log.Fatalf("Failed to initialize auth key: %v", err)
	}
	defer key.Destroy()
	defer haven.PurgeSecureMemory()

	host := haven.NewHost(client, logger.Slog())
	server := haven.NewServer(host, key, logger.Slog())

	srv := &http.Server{
		// Loopback only. Haven holds conversation plaintext and must not
		// be reachable from the network.
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Haven.Port),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting haven model host",
		"addr", srv.Addr,
		"backend", cfg.Model.Backend,
		"model", cfg.Model.Name,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Haven server error: %v", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("haven shutdown failed", "error", err)
		}
	}
	logger.Info("haven model host stopped")
}

// buildLLMClient picks the model backend from config. Unknown backends
// fall back to ollama with a warning so a typo in the config does not
// leave the host dead.
func buildLLMClient(ctx context.Context, cfg *agent.Config, logger *slog.Logger) (llm.LLMClient, error) {
	switch cfg.Model.Backend {
	case "ollama":
		logger.Info("using Ollama backend", "url", cfg.Model.OllamaURL)
		return llm.NewOllamaClient(cfg.Model.OllamaURL, cfg.Model.Name, logger)
	case "openai":
		logger.Info("using OpenAI backend")
		return llm.NewOpenAIClient(cfg.Model.OpenAIAPIKey, cfg.Model.OpenAIBaseURL, cfg.Model.Name, logger)
	case "googleai":
		logger.Info("using Google AI backend", "project", cfg.ProjectID)
		return llm.NewGoogleAIClient(ctx, os.Getenv("GOOGLE_API_KEY"), cfg.ProjectID, cfg.Location, cfg.Model.Name, logger)
	default:
		logger.Warn("unknown model backend, defaulting to ollama", "backend", cfg.Model.Backend)
		return llm.NewOllamaClient(cfg.Model.OllamaURL, cfg.Model.Name, logger)
	}
}

// buildKey loads the configured auth key, or generates one and prints it
// so the operator can hand it to agentd. The plaintext is printed exactly
// once and never logged.
func buildKey(cfg *agent.Config, logger *slog.Logger) (*haven.Key, error) {
	if cfg.Haven.AuthKey != "" {
		return haven.NewKey(cfg.Haven.AuthKey, logger)
	}

	key, secret, err := haven.GenerateKey(logger)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "generated auth key (set HAVEN_AUTH_KEY for agentd): %s\n", secret)
	return key, nil
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
