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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/services/haven/llm"
)

func TestClientAgainstRealServer(t *testing.T) {
	ctx := context.Background()
	srv, key := newTestServer(t, "first reply", "second reply")
	c := NewClient(srv.URL, key, 0, nil)

	created, err := c.GetOrCreateSession(ctx, "my demo session", []llm.Message{
		{Role: llm.RoleSystem, Content: "protocol preamble"},
	})
	require.NoError(t, err)
	require.True(t, created)

	text, err := c.SendMessage(ctx, "my demo session", "hello")
	require.NoError(t, err)
	require.Equal(t, "first reply", text)

	ok, err := c.HasSession(ctx, "my demo session")
	require.NoError(t, err)
	require.True(t, ok)

	names, err := c.ListSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"my demo session"}, names)

	entries, err := c.TraceLog(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	require.NoError(t, c.DeleteSession(ctx, "my demo session"))
	ok, err = c.HasSession(ctx, "my demo session")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClientAuthRejection(t *testing.T) {
	t.Setenv("KODIAK_INSECURE_MEMORY", "true")
	srv, _ := newTestServer(t, "ok")

	wrong, err := NewKey("not-the-key", nil)
	require.NoError(t, err)
	defer wrong.Destroy()

	c := NewClient(srv.URL, wrong, 0, nil)
	_, err = c.ListSessions(context.Background())
	require.True(t, fault.IsKind(err, fault.ModelHostUnavailable), "got %v", err)
	require.Contains(t, err.Error(), "auth")
}

func TestClientTimeoutBecomesModelHostTimeout(t *testing.T) {
	t.Setenv("KODIAK_INSECURE_MEMORY", "true")

	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	key, err := NewKey("k", nil)
	require.NoError(t, err)
	defer key.Destroy()

	c := NewClient(slow.URL, key, 50*time.Millisecond, nil)
	_, err = c.SendMessage(context.Background(), "s", "hello")
	require.True(t, fault.IsKind(err, fault.ModelHostTimeout), "got %v", err)
}

func TestClientConnectionRefusedBecomesUnavailable(t *testing.T) {
	t.Setenv("KODIAK_INSECURE_MEMORY", "true")

	key, err := NewKey("k", nil)
	require.NoError(t, err)
	defer key.Destroy()

	// Port 1 is never listening.
	c := NewClient("127.0.0.1:1", key, time.Second, nil)
	_, err = c.SendMessage(context.Background(), "s", "hello")
	require.True(t, fault.IsKind(err, fault.ModelHostUnavailable), "got %v", err)
}

func TestClientCancellationPassesThrough(t *testing.T) {
	t.Setenv("KODIAK_INSECURE_MEMORY", "true")

	key, err := NewKey("k", nil)
	require.NoError(t, err)
	defer key.Destroy()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient("127.0.0.1:1", key, time.Second, nil)
	_, err = c.SendMessage(ctx, "s", "hello")
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, fault.IsKind(err, fault.ModelHostTimeout))
}

func TestKeyVerifyAndDestroy(t *testing.T) {
	t.Setenv("KODIAK_INSECURE_MEMORY", "true")

	k, err := NewKey("super-secret", nil)
	require.NoError(t, err)

	require.True(t, k.Verify("super-secret"))
	require.False(t, k.Verify("super-secret2"))
	require.False(t, k.Verify(""))
	require.Equal(t, "super-secret", k.Reveal())

	k.Destroy()
	require.False(t, k.Verify("super-secret"))
	require.Equal(t, "", k.Reveal())
	k.Destroy() // idempotent

	_, err = NewKey("", nil)
	require.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	t.Setenv("KODIAK_INSECURE_MEMORY", "true")

	k, secret, err := GenerateKey(nil)
	require.NoError(t, err)
	defer k.Destroy()

	require.Len(t, secret, 64, "32 random bytes hex encoded")
	require.True(t, k.Verify(secret))
}
