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
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// GoogleAIClient generates through langchaingo's Google AI binding.
// Either an API key or a cloud project/location pair must be supplied.
type GoogleAIClient struct {
	model  llms.Model
	name   string
	logger *slog.Logger
}

// NewGoogleAIClient builds a client for the named model.
func NewGoogleAIClient(ctx context.Context, apiKey, project, location, model string, logger *slog.Logger) (*GoogleAIClient, error) {
	if model == "" {
		return nil, fmt.Errorf("googleai model name is required")
	}
	if apiKey == "" && project == "" {
		return nil, fmt.Errorf("googleai needs an api key or a cloud project")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []googleai.Option{googleai.WithDefaultModel(model)}
	if apiKey != "" {
		opts = append(opts, googleai.WithAPIKey(apiKey))
	}
	if project != "" {
		opts = append(opts, googleai.WithCloudProject(project))
	}
	if location != "" {
		opts = append(opts, googleai.WithCloudLocation(location))
	}

	client, err := googleai.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing googleai client: %w", err)
	}
	logger.Info("initializing googleai client", "model", model, "project", project, "location", location)
	return &GoogleAIClient{model: client, name: model, logger: logger}, nil
}

func callOptions(params GenerationParams) []llms.CallOption {
	var opts []llms.CallOption
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.TopK != nil {
		opts = append(opts, llms.WithTopK(*params.TopK))
	}
	if params.TopP != nil {
		opts = append(opts, llms.WithTopP(float64(*params.TopP)))
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}
	return opts
}

// Generate implements LLMClient.
func (g *GoogleAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, g.model, prompt, callOptions(params)...)
	if err != nil {
		g.logger.Error("googleai call failed", "model", g.name, "error", err)
		return "", fmt.Errorf("googleai call failed: %w", err)
	}
	return out, nil
}

// Chat implements ChatClient.
func (g *GoogleAIClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		var role llms.ChatMessageType
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeHuman
		}
		content = append(content, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextPart(m.Content)},
		})
	}

	resp, err := g.model.GenerateContent(ctx, content, callOptions(params)...)
	if err != nil {
		g.logger.Error("googleai chat failed", "model", g.name, "error", err)
		return "", fmt.Errorf("googleai chat failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("googleai returned no choices")
	}
	return resp.Choices[0].Content, nil
}
