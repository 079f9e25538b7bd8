// Package observability is the runtime's single observability surface:
// metrics, structured logging, and distributed tracing for every component
// that executes tools, moves events, or tunes parameters.
//
// # Overview
//
// The package implements the three pillars once, so the Executor, Event
// Bus, Context Engine, and Virtual Connector never wire their own:
//
//  1. Metrics - Prometheus counters, histograms, and gauges
//  2. Logging - structured slog records with secret and path redaction
//  3. Tracing - OpenTelemetry spans exported over OTLP/gRPC
//
// # Metrics
//
// All metrics carry tenant_id and stage tags. Tag combinations per metric
// are capped; combinations past the budget aggregate into an _overflow
// series rather than growing the exposition without bound. The /metrics
// endpoint serves the default registry in Prometheus text format.
//
//	metrics := observability.NewMetrics()
//	metrics.RecordToolExecution("fs.read", "default", "dev", "success", 12.5)
//
// # Logging
//
// Logging is built on slog. Records automatically pick up reason_trace_id,
// tenant_id, stage, and tool from the context, and two redaction passes run
// on every message and field: secret shapes (API keys, bearer tokens, JWTs)
// and filesystem paths that fall outside the configured allow-list.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.WithFrame(ctx, frame.ReasonTraceID, frame.TenantID, string(frame.Stage))
//	logger.Info(ctx, "tool dispatched", "tool", "fs.read")
//
// # Tracing
//
// Every execution span embeds reason_trace_id so traces, logs, and events
// for one logical operation join on the same key. With no OTLP endpoint
// configured the tracer is a no-op; span guards still run so resource
// release paths are identical either way.
//
//	ctx, span := tracer.TraceToolExecution(ctx, name, frame.ReasonTraceID, frame.TenantID, string(frame.Stage), "wasm", tier)
//	guard := observability.Guard(span)
//	defer guard.End(err)
package observability
