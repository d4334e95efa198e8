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
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kodiakworks/kodiak/services/agent/store"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Store.Backend = "memory"
	cfg.Sandbox.Dir = filepath.Join(t.TempDir(), "sandbox")
	cfg.Audit.DBPath = filepath.Join(t.TempDir(), "audit")
	return &cfg
}

func TestNewServiceServesHealthAndMetrics(t *testing.T) {
	svc, err := NewService(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	srv := httptest.NewServer(svc.Router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewServiceRequiresConfig(t *testing.T) {
	_, err := NewService(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestNewServiceWiresWatcher(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sandbox.Watch = true

	svc, err := NewService(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	require.NotNil(t, svc.watcher)
}

func TestBuildStoreMemoryBackend(t *testing.T) {
	cfg := testConfig(t)
	st := buildStore(context.Background(), cfg, nil)
	_, ok := st.(*store.MemoryStore)
	require.True(t, ok, "expected the in-memory store")
}

func TestBuildStoreDegradesWhenWeaviateUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "weaviate"
	cfg.Store.WeaviateHost = "127.0.0.1:1"

	st := buildStore(context.Background(), cfg, nil)
	_, ok := st.(*store.MemoryStore)
	require.True(t, ok, "expected fallback to the in-memory store")
}
