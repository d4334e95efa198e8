// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instrument set shared by the agent server.
//
// Counters carry attributes rather than name suffixes: tool executions
// are labeled by action and status, model calls by outcome.
//
// Thread safety: safe for concurrent use after creation.
type Metrics struct {
	// LoopIterationsTotal counts reasoning loop iterations.
	LoopIterationsTotal metric.Int64Counter

	// ToolExecutionsTotal counts tool dispatches by action and status.
	ToolExecutionsTotal metric.Int64Counter

	// ModelCallsTotal counts model host calls by outcome
	// (ok, timeout, unavailable).
	ModelCallsTotal metric.Int64Counter

	// ModelCallDuration records model host call latency in seconds.
	ModelCallDuration metric.Float64Histogram

	// SessionsActive tracks currently connected sessions.
	SessionsActive metric.Int64UpDownCounter

	// EventsTotal counts inbound channel events by name.
	EventsTotal metric.Int64Counter
}

// NewMetrics registers the kodiak instrument set with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LoopIterationsTotal, err = meter.Int64Counter(
		"kodiak_loop_iterations_total",
		metric.WithDescription("Total reasoning loop iterations"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create loop_iterations_total: %w", err)
	}

	m.ToolExecutionsTotal, err = meter.Int64Counter(
		"kodiak_tool_executions_total",
		metric.WithDescription("Total tool dispatches by action and status"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tool_executions_total: %w", err)
	}

	m.ModelCallsTotal, err = meter.Int64Counter(
		"kodiak_model_calls_total",
		metric.WithDescription("Total model host calls by outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create model_calls_total: %w", err)
	}

	m.ModelCallDuration, err = meter.Float64Histogram(
		"kodiak_model_call_duration_seconds",
		metric.WithDescription("Model host call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create model_call_duration: %w", err)
	}

	m.SessionsActive, err = meter.Int64UpDownCounter(
		"kodiak_sessions_active",
		metric.WithDescription("Currently connected sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sessions_active: %w", err)
	}

	m.EventsTotal, err = meter.Int64Counter(
		"kodiak_events_total",
		metric.WithDescription("Inbound channel events by name"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events_total: %w", err)
	}

	return m, nil
}
