// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

// DefaultServerURL is where a locally started agentd listens.
const DefaultServerURL = "http://127.0.0.1:5001"

// requestTimeout bounds the one-shot commands (sessions, db, trace).
// Interactive chat has no deadline.
const requestTimeout = 15 * time.Second

var httpClient = &http.Client{Timeout: requestTimeout}

// agentBaseURL resolves the server address: --server flag, then
// KODIAK_SERVER, then the local default.
func agentBaseURL() string {
	if serverURL != "" {
		return strings.TrimSuffix(serverURL, "/")
	}
	if url := os.Getenv("KODIAK_SERVER"); url != "" {
		return strings.TrimSuffix(url, "/")
	}
	return DefaultServerURL
}

// agentWSURL converts the base URL into the /ws endpoint.
func agentWSURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// getJSON issues a GET against the agent server and decodes the body.
func getJSON(path string, out any) error {
	resp, err := httpClient.Get(agentBaseURL() + path)
	if err != nil {
		return fmt.Errorf("could not reach the agent server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading server response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

// deleteJSON issues a DELETE and decodes the body. The HTTP status is
// returned so callers can tell "not found" apart from failure.
func deleteJSON(path string, out any) (int, error) {
	req, err := http.NewRequest(http.MethodDelete, agentBaseURL()+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("could not reach the agent server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading server response: %w", err)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding server response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// dialAgent opens the websocket event channel.
func dialAgent() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: requestTimeout}
	ws, _, err := dialer.Dial(agentWSURL(agentBaseURL()), nil)
	if err != nil {
		return nil, fmt.Errorf("could not reach the agent server at %s: %w", agentBaseURL(), err)
	}
	return ws, nil
}

// requestOnce dials the event channel, sends one request frame, and
// returns the first frame carrying wantEvent. Unrelated frames (the
// connect-time session_name_update, stray log lines) are skipped.
func requestOnce(event string, payload any, wantEvent string) (datatypes.Frame, error) {
	ws, err := dialAgent()
	if err != nil {
		return datatypes.Frame{}, err
	}
	defer ws.Close()

	frame, err := datatypes.NewFrame(event, payload)
	if err != nil {
		return datatypes.Frame{}, err
	}
	if err := ws.WriteJSON(frame); err != nil {
		return datatypes.Frame{}, fmt.Errorf("sending %s: %w", event, err)
	}

	deadline := time.Now().Add(requestTimeout)
	_ = ws.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		var got datatypes.Frame
		if err := ws.ReadJSON(&got); err != nil {
			return datatypes.Frame{}, fmt.Errorf("no answer to %s: %w", event, err)
		}
		if got.Event == wantEvent {
			return got, nil
		}
	}
	return datatypes.Frame{}, fmt.Errorf("no answer to %s within %s", event, requestTimeout)
}
