// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.lspbridge")
	meter  = otel.Meter("aleutian.lspbridge")
)

var (
	queryLatency       metric.Float64Histogram
	queryTotal         metric.Int64Counter
	serverSpawns       metric.Int64Counter
	serverRestarts     metric.Int64Counter
	circuitTransitions metric.Int64Counter
	cacheEvents        metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the instruments once. The global meter provider may
// be replaced by telemetry.Init before the first call.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if queryLatency, err = meter.Float64Histogram("lsp_query_duration_seconds",
			metric.WithDescription("Duration of LSP queries, including cache hits"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if queryTotal, err = meter.Int64Counter("lsp_query_total",
			metric.WithDescription("LSP queries by kind, language and outcome")); err != nil {
			metricsErr = err
			return
		}
		if serverSpawns, err = meter.Int64Counter("lsp_server_spawns_total",
			metric.WithDescription("Language server start attempts")); err != nil {
			metricsErr = err
			return
		}
		if serverRestarts, err = meter.Int64Counter("lsp_server_restarts_total",
			metric.WithDescription("Automatic and manual language server restarts")); err != nil {
			metricsErr = err
			return
		}
		if circuitTransitions, err = meter.Int64Counter("lsp_circuit_transitions_total",
			metric.WithDescription("Circuit breaker state transitions")); err != nil {
			metricsErr = err
			return
		}
		cacheEvents, metricsErr = meter.Int64Counter("lsp_cache_events_total",
			metric.WithDescription("Result cache hits and misses"))
	})
	return metricsErr
}

func startQuerySpan(ctx context.Context, kind QueryKind, language, file string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Manager.Query",
		trace.WithAttributes(
			attribute.String("lsp.kind", string(kind)),
			attribute.String("lsp.language", language),
			attribute.String("lsp.file", file),
		),
	)
}

func recordQuery(ctx context.Context, kind QueryKind, language, outcome string, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("language", language),
		attribute.String("outcome", outcome),
	)
	queryLatency.Record(ctx, d.Seconds(), attrs)
	queryTotal.Add(ctx, 1, attrs)
}

func recordCache(ctx context.Context, language string, hit bool) {
	if initMetrics() != nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("result", result),
	))
}

func recordSpawn(ctx context.Context, language string, success bool) {
	if initMetrics() != nil {
		return
	}
	serverSpawns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.Bool("success", success),
	))
}

func recordRestart(ctx context.Context, language, reason string) {
	if initMetrics() != nil {
		return
	}
	serverRestarts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("reason", reason),
	))
}

func recordCircuitTransition(ctx context.Context, name, from, to string) {
	if initMetrics() != nil {
		return
	}
	circuitTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
