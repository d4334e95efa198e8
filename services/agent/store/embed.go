// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kodiakworks/kodiak/pkg/fault"
)

// maxEmbedLength truncates oversized inputs before embedding; most
// embedding models clip past this anyway.
const maxEmbedLength = 8192

// Embedder turns text into a vector. Process-wide and read-only after
// construction; safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LocalEmbedder returns the deterministic trigram embedder the in-memory
// store uses, for running Weaviate without an embedding service.
func LocalEmbedder() Embedder { return localEmbedder{} }

// embeddingRequest is the wire shape of the embedding service's /embed
// endpoint.
type embeddingRequest struct {
	Text string `json:"text"`
}

// embeddingResponse mirrors the embedding service's reply. Only Vector
// is consumed; the rest is kept for debugging.
type embeddingResponse struct {
	ID        string    `json:"id"`
	Timestamp int64     `json:"timestamp"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	Dim       int       `json:"dim"`
}

// ServiceEmbedder calls the external HTTP embedding service configured
// via EMBEDDING_SERVICE_URL.
type ServiceEmbedder struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewServiceEmbedder builds an embedder for the given /embed endpoint.
func NewServiceEmbedder(url string, logger *slog.Logger) *ServiceEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceEmbedder{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Embed posts text to the embedding service and returns its vector.
func (e *ServiceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(text) > maxEmbedLength {
		e.logger.Debug("truncating text for embedding", "original_len", len(text), "max", maxEmbedLength)
		text = text[:maxEmbedLength]
	}

	payload, err := json.Marshal(embeddingRequest{Text: text})
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "marshal embedding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "call embedding service")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "read embedding response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.StoreError,
			"embedding service returned status %d: %s", resp.StatusCode, string(body))
	}

	var er embeddingResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fault.Wrap(fault.StoreError, err, fmt.Sprintf("decode embedding response: %q", truncateForLog(body)))
	}
	if len(er.Vector) == 0 {
		return nil, fault.New(fault.StoreError, "embedding service returned an empty vector")
	}
	return er.Vector, nil
}

func truncateForLog(b []byte) string {
	const n = 120
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
