// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/kodiakworks/kodiak/pkg/logging"
	"github.com/kodiakworks/kodiak/pkg/telemetry"
	"github.com/kodiakworks/kodiak/services/agent/audit"
	"github.com/kodiakworks/kodiak/services/agent/handlers"
	"github.com/kodiakworks/kodiak/services/agent/loop"
	"github.com/kodiakworks/kodiak/services/agent/parse"
	"github.com/kodiakworks/kodiak/services/agent/patch"
	"github.com/kodiakworks/kodiak/services/agent/sandbox"
	"github.com/kodiakworks/kodiak/services/agent/session"
	"github.com/kodiakworks/kodiak/services/agent/store"
	"github.com/kodiakworks/kodiak/services/agent/tools"
	"github.com/kodiakworks/kodiak/services/agent/worker"
	"github.com/kodiakworks/kodiak/services/haven"
)

// defaultProjectFiles is the read_project_file allow-list. Exact paths
// as the model must name them.
var defaultProjectFiles = []string{
	"README.md",
	"LICENSE.txt",
	"NOTICE.txt",
	"configs/kodiak.yaml",
}

// Service is the assembled agent: store, audit trail, model-host client,
// reasoning loop, and HTTP server. Build with NewService, run with Run,
// release with Close.
type Service struct {
	cfg     *Config
	logger  *slog.Logger
	router  *gin.Engine
	bridge  *handlers.Bridge
	store   store.Store
	audit   *audit.Store
	key     *haven.Key
	watcher *sandbox.Watcher
}

// NewService wires the service from cfg. Telemetry must already be
// initialized; the logger comes from the binary's main.
func NewService(ctx context.Context, cfg *Config, log *logging.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("agent: nil config")
	}
	if log == nil {
		log = logging.Default()
	}
	logger := log.Slog()

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics, err := telemetry.NewMetrics(otel.Meter("kodiak.agent"))
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	root, err := sandbox.NewRoot(cfg.Sandbox.Dir)
	if err != nil {
		return nil, fmt.Errorf("init sandbox: %w", err)
	}

	st := buildStore(ctx, cfg, logger)

	auditCfg := audit.DefaultConfig(cfg.Audit.DBPath)
	auditCfg.Logger = logger
	aud, err := audit.Open(auditCfg)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	var key *haven.Key
	if cfg.Haven.AuthKey != "" {
		key, err = haven.NewKey(cfg.Haven.AuthKey, logger)
		if err != nil {
			aud.Close()
			return nil, fmt.Errorf("seal haven key: %w", err)
		}
	}
	host := haven.NewClient(cfg.Haven.Address, key,
		time.Duration(cfg.Haven.TimeoutSeconds)*time.Second, logger)

	reasoner := loop.New(loop.Config{
		Parser:      parse.NewParser(log),
		Tools:       tools.NewRegistry(logger),
		Host:        host,
		AbsoluteMax: cfg.Loop.AbsoluteMaxIterations,
		NominalMax:  cfg.Loop.NominalMaxIterations,
		ToolTimeout: time.Duration(cfg.Loop.ToolTimeoutSeconds) * time.Second,
		Audit:       aud,
		Metrics:     metrics,
		Logger:      logger,
	})

	bridge := &handlers.Bridge{
		Sessions:         session.NewRegistry(logger),
		Loop:             reasoner,
		Store:            st,
		Host:             host,
		Sandbox:          root,
		Runner:           sandbox.NewScriptRunner(root, "", logger),
		Patcher:          patch.NewApplier(root, logger),
		Pool:             worker.NewPool(cfg.Workers.PoolSize, logger),
		Audit:            aud,
		Metrics:          metrics,
		ProjectFiles:     defaultProjectFiles,
		SegmentThreshold: cfg.Memory.SegmentThreshold,
		Logger:           logger,
	}

	s := &Service{
		cfg:    cfg,
		logger: logger,
		bridge: bridge,
		store:  st,
		audit:  aud,
		key:    key,
	}

	if cfg.Sandbox.Watch {
		w, err := sandbox.NewWatcher(root, s.auditSandboxChange, logger)
		if err != nil {
			logger.Warn("sandbox watcher unavailable", "error", err)
		} else {
			s.watcher = w
		}
	}

	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("agentd"))
	handlers.Register(router, bridge)
	s.router = router

	return s, nil
}

// buildStore selects the vector store backend. An unreachable Weaviate
// degrades to the in-memory store with a warning so the agent still
// comes up; nothing persists across restarts in that mode.
func buildStore(ctx context.Context, cfg *Config, logger *slog.Logger) store.Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Store.Backend != "weaviate" {
		logger.Info("using in-memory vector store")
		return store.NewMemoryStore(logger)
	}

	var embed store.Embedder = store.LocalEmbedder()
	if cfg.Store.EmbeddingServiceURL != "" {
		embed = store.NewServiceEmbedder(cfg.Store.EmbeddingServiceURL, logger)
	}

	ws, err := store.NewWeaviateStore(ctx, cfg.Store.WeaviateHost, cfg.Store.WeaviateScheme, embed, logger)
	if err != nil {
		logger.Warn("weaviate unreachable, continuing on the in-memory store",
			"host", cfg.Store.WeaviateHost, "error", err)
		return store.NewMemoryStore(logger)
	}
	logger.Info("connected to weaviate", "host", cfg.Store.WeaviateHost)
	return ws
}

// Router exposes the gin engine, for tests that mount the service under
// httptest.
func (s *Service) Router() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.ServerPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		s.logger.Info("agent server listening", "port", s.cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.watcher != nil {
		g.Go(func() error {
			s.logger.Info("sandbox watcher running", "dir", s.cfg.Sandbox.Dir)
			s.watcher.Run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Shutdown leaves hijacked websocket connections open; Close
		// drops them so their bridge teardowns run.
		srv.Close()
		return err
	})

	err := g.Wait()
	s.logger.Info("agent server stopped")
	return err
}

// Close releases resources not tied to Run's lifetime.
func (s *Service) Close() error {
	var errs []error
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.key != nil {
		s.key.Destroy()
	}
	return errors.Join(errs...)
}

// auditSandboxChange records one out-of-band sandbox modification.
func (s *Service) auditSandboxChange(c sandbox.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.audit.Append(ctx, audit.SandboxFile(c.Op, c.Path)); err != nil {
		s.logger.Debug("sandbox change not audited", "path", c.Path, "error", err)
	}
}
