// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient replays scripted responses in order, repeating the last
// one once the script runs out. Tests inspect the recorded prompts and
// transcripts afterwards.
type MockClient struct {
	mu        sync.Mutex
	responses []string
	next      int

	// Err, when set, is returned from every call instead of a response.
	Err error

	// Delay is an optional per-call hook; tests use it to hold a call
	// open while asserting timeout behavior.
	Delay func(ctx context.Context) error

	prompts     []string
	transcripts [][]Message
}

// NewMockClient scripts the given responses.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{responses: responses}
}

func (m *MockClient) nextResponse() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.responses) == 0 {
		return "", fmt.Errorf("mock llm has no scripted responses")
	}
	resp := m.responses[m.next]
	if m.next < len(m.responses)-1 {
		m.next++
	}
	return resp, nil
}

func (m *MockClient) wait(ctx context.Context) error {
	m.mu.Lock()
	delay := m.Delay
	m.mu.Unlock()
	if delay == nil {
		return nil
	}
	return delay(ctx)
}

// Generate implements LLMClient.
func (m *MockClient) Generate(ctx context.Context, prompt string, _ GenerationParams) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	return m.nextResponse()
}

// Chat implements ChatClient.
func (m *MockClient) Chat(ctx context.Context, messages []Message, _ GenerationParams) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	copied := make([]Message, len(messages))
	copy(copied, messages)
	m.transcripts = append(m.transcripts, copied)
	if n := len(messages); n > 0 {
		m.prompts = append(m.prompts, messages[n-1].Content)
	}
	m.mu.Unlock()
	return m.nextResponse()
}

// Prompts returns every prompt seen so far, oldest first.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.prompts))
	copy(out, m.prompts)
	return out
}

// Transcripts returns the message lists passed to Chat.
func (m *MockClient) Transcripts() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Message, len(m.transcripts))
	copy(out, m.transcripts)
	return out
}
