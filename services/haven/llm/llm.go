// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm defines the backend seam the Haven model host generates
// through, with implementations for Ollama, OpenAI-compatible
// runtimes, and Google AI.
package llm

import "context"

// GenerationParams tunes a single generation. Nil pointers mean "use
// the backend default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Message is one turn of a chat transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// LLMClient is the minimum any backend must offer.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// ChatClient is implemented by backends with a native multi-turn API.
// Haven prefers it and flattens history into a single prompt only for
// backends without one.
type ChatClient interface {
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)
}

// Backend defaults applied when the caller leaves a knob nil.
const (
	defaultTemperature float32 = 0.2
	defaultTopK                = 20
	defaultTopP        float32 = 0.9
	defaultMaxTokens           = 8192
)
