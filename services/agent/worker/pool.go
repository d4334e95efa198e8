// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker bounds the blocking work the agent performs on behalf
// of reasoning loops: filesystem access, subprocess runs, vector-store
// calls, and model-host RPC all pass through one weighted semaphore so
// a burst of sessions cannot exhaust the process.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize matches the WORKER_POOL_SIZE default.
const DefaultPoolSize = 8

// Pool is a weighted-semaphore admission gate. It runs work on the
// caller's goroutine; only the slot count is shared state.
type Pool struct {
	sem    *semaphore.Weighted
	size   int64
	logger *slog.Logger
}

// NewPool builds a pool with the given slot count. Non-positive sizes
// fall back to DefaultPoolSize.
func NewPool(size int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   int64(size),
		logger: logger,
	}
}

// Size returns the configured slot count.
func (p *Pool) Size() int { return int(p.size) }

// Do waits for a slot, runs fn, and releases the slot when fn returns.
// Cancellation while queued returns the context error before fn starts.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring worker slot: %w", err)
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// TryDo runs fn only when a slot is free right now. Returns false
// without running fn when the pool is saturated.
func (p *Pool) TryDo(ctx context.Context, fn func(context.Context) error) (bool, error) {
	if !p.sem.TryAcquire(1) {
		return false, nil
	}
	defer p.sem.Release(1)
	return true, fn(ctx)
}

// Run executes fn under the pool and returns its value alongside the
// admission or work error.
func Run[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
