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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/services/haven/llm"
)

// DefaultCallTimeout matches HAVEN_TIMEOUT_SECONDS.
const DefaultCallTimeout = 120 * time.Second

// Client is the agent-side proxy to havend. Message sends within one
// session are serialized so the host history stays in program order;
// different sessions proceed in parallel.
type Client struct {
	baseURL string
	http    *http.Client
	key     *Key
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewClient builds a proxy for the haven at address (host:port or a
// full URL). timeout bounds every RPC; zero means DefaultCallTimeout.
func NewClient(address string, key *Key, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	base := address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimSuffix(base, "/"),
		http:    &http.Client{},
		key:     key,
		timeout: timeout,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (c *Client) sessionLock(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[name]
	if !ok {
		l = &sync.Mutex{}
		c.locks[name] = l
	}
	return l
}

// classify translates transport failures into the two kinds the loop
// distinguishes: timeouts continue as observations, everything else is
// terminal. Caller-side cancellation passes through untouched.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.ModelHostTimeout, err, "model call timed out")
	}
	return fault.Wrap(fault.ModelHostUnavailable, err, "model host unreachable")
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fault.Wrap(fault.InvalidArgument, err, "encoding request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fault.Wrap(fault.InvalidArgument, err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != nil {
		req.Header.Set(AuthHeader, c.key.Reveal())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fault.New(fault.ModelHostUnavailable, "model host rejected auth key")
		case http.StatusNotFound:
			return fault.New(fault.NotFound, "%s", msg)
		case http.StatusBadRequest:
			return fault.New(fault.InvalidArgument, "%s", msg)
		default:
			return fault.New(fault.ModelHostUnavailable, "model host error (%d): %s", resp.StatusCode, msg)
		}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fault.Wrap(fault.ModelHostUnavailable, err, "decoding model host response")
		}
	}
	return nil
}

// GetOrCreateSession registers name on the host, seeding or replacing
// its history when one is given. Reports whether the session was new.
func (c *Client) GetOrCreateSession(ctx context.Context, name string, history []llm.Message) (bool, error) {
	lock := c.sessionLock(name)
	lock.Lock()
	defer lock.Unlock()

	var resp getOrCreateResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/get_or_create",
		getOrCreateRequest{Name: name, History: history}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Created, nil
}

// SendMessage sends one prompt and returns the model's reply.
func (c *Client) SendMessage(ctx context.Context, name, prompt string) (string, error) {
	lock := c.sessionLock(name)
	lock.Lock()
	defer lock.Unlock()

	var resp sendMessageResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(name)+"/messages",
		sendMessageRequest{Prompt: prompt}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// ListSessions returns the host's registered session names.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	var resp listSessionsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// DeleteSession drops the host-side session. Absent sessions are not
// an error.
func (c *Client) DeleteSession(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(name), nil, nil)
}

// HasSession reports whether the host knows name.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	var resp existsResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(name)+"/exists", nil, &resp)
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// TraceLog fetches the host's RPC trace ring.
func (c *Client) TraceLog(ctx context.Context) ([]TraceEntry, error) {
	var resp traceResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/trace", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}
