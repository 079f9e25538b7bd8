// Package executor implements the tool executor: the single entry
// point that validates context, enforces policy, routes a tool name to its
// runner, and records every invocation's telemetry and lifecycle events.
package executor

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/coregov/runtime/internal/apierrors"
	"github.com/coregov/runtime/internal/contextframe"
	"github.com/coregov/runtime/internal/eventbus"
	"github.com/coregov/runtime/internal/manifest"
	"github.com/coregov/runtime/internal/observability"
	"github.com/coregov/runtime/internal/policy"
	"github.com/coregov/runtime/internal/runner"
)

// ToolResult is the caller-visible outcome of one execution.
type ToolResult struct {
	Success       bool               `json:"success"`
	Output        json.RawMessage    `json:"output,omitempty"`
	Error         *ResultError       `json:"error,omitempty"`
	ExecutionTime int64              `json:"execution_time"` // milliseconds
	ContextUsed   contextframe.Frame `json:"context_used"`
}

// ResultError is the wire shape of a failed execution.
type ResultError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Executor routes execute() calls through policy, runners, and telemetry.
// It owns no mutable state of its own; every collaborator is injected once
// at startup and safe for concurrent use.
type Executor struct {
	registry *manifest.Registry
	enforcer *policy.Enforcer
	bus      *eventbus.Bus
	wasi     runner.Runner
	native   *runner.NativeRunner
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *observability.Logger
	sink     ObservationSink
}

// ObservationSink receives per-invocation outcomes for cycle aggregation.
// Satisfied by *contextengine.Collector.
type ObservationSink interface {
	Observe(f contextframe.Frame, durationMs float64, success bool)
}

// SetObservationSink wires the Context Engine's collector. Called once at
// startup, before any traffic.
func (e *Executor) SetObservationSink(sink ObservationSink) { e.sink = sink }

// New wires an Executor. wasi may be nil when no WASI runtime is available;
// wasm-entry tools then fail with RunnerUnavailable instead of at startup.
func New(registry *manifest.Registry, enforcer *policy.Enforcer, bus *eventbus.Bus,
	wasi runner.Runner, native *runner.NativeRunner,
	metrics *observability.Metrics, tracer *observability.Tracer, logger *observability.Logger) *Executor {
	return &Executor{
		registry: registry,
		enforcer: enforcer,
		bus:      bus,
		wasi:     wasi,
		native:   native,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger,
	}
}

// writeClass reports whether the manifest's permissions put an invocation
// in the write class, which must carry a caller-supplied frame.
func writeClass(m manifest.Manifest) bool {
	for _, p := range []manifest.Permission{
		manifest.PermWrite, manifest.PermDelete, manifest.PermExecute,
		manifest.PermDB, manifest.PermSystem,
	} {
		if m.HasPermission(p) {
			return true
		}
	}
	return false
}

// Execute runs one tool invocation end to end. frame may be nil for
// read-class calls; a synthesized frame then carries trace identity only.
// The returned ToolResult always reflects the outcome; errors never escape
// as bare Go errors past this boundary.
func (e *Executor) Execute(ctx context.Context, tool string, input json.RawMessage, frame *contextframe.Frame) ToolResult {
	start := time.Now()

	// Structural validation comes first; whether a frameless call may be
	// synthesized depends on the manifest's write class, resolved next.
	var f contextframe.Frame
	if frame != nil {
		f = *frame
		if err := contextframe.Validate(f); err != nil {
			return e.fail(ctx, tool, f, start, err)
		}
	}

	m, err := e.registry.Get(tool)
	if err != nil {
		return e.fail(ctx, tool, frameOrSynthetic(frame), start, err)
	}
	if frame == nil {
		if writeClass(m) {
			return e.fail(ctx, tool, frameOrSynthetic(nil), start,
				apierrors.New(apierrors.KindInvalidContext, "tool %q is write-class and requires a context frame", tool).WithReason("MissingField"))
		}
		f = contextframe.DefaultForRead()
	}

	if err := e.enforcer.Admit(m, policy.Input{Paths: extractPaths(input)}, f); err != nil {
		// Denials are reported, never retried, and never open a span with
		// a tool-success status.
		return e.fail(ctx, tool, f, start, err)
	}

	scheme, entryPath, err := m.Scheme()
	if err != nil {
		return e.fail(ctx, tool, f, start, err)
	}
	tier := e.enforcer.EffectiveTier(m, f)

	ctx = observability.WithFrame(ctx, f.ReasonTraceID, f.TenantID, string(f.Stage))
	ctx = observability.WithTool(ctx, tool)
	ctx, span := e.tracer.TraceToolExecution(ctx, tool, f.ReasonTraceID, f.TenantID, string(f.Stage), string(scheme), tier)
	guard := observability.Guard(span)

	inv := runner.Invocation{Tool: tool, EntryPath: entryPath, Input: input, Frame: f, Tier: tier}
	var output json.RawMessage
	var runErr error
	switch scheme {
	case manifest.SchemeWasm:
		if e.wasi == nil {
			runErr = apierrors.New(apierrors.KindRunnerUnavailable, "no WASI runtime configured")
		} else {
			output, runErr = e.wasi.Run(ctx, inv)
		}
	case manifest.SchemeNative, manifest.SchemeNodeJS:
		output, runErr = e.native.Run(ctx, inv)
	default:
		runErr = apierrors.New(apierrors.KindInvalidManifest, "unroutable entry scheme %q", scheme)
	}
	guard.End(runErr)

	elapsed := time.Since(start)
	status := statusOf(runErr)
	e.metrics.RecordToolExecution(tool, f.TenantID, string(f.Stage), status, float64(elapsed.Milliseconds()))
	if e.sink != nil {
		e.sink.Observe(f, float64(elapsed.Milliseconds()), runErr == nil)
	}
	if ae, ok := apierrors.As(runErr); ok && ae.Kind == apierrors.KindRunnerUnavailable {
		e.metrics.RecordRunnerUnavailable(string(scheme))
	}

	// Lifecycle event, idempotent on reason_trace_id so a client retry of
	// the same logical operation never double-counts.
	if _, busErr := e.bus.Append("tool", "tool.invoked", map[string]any{
		"tool": tool, "status": status, "duration_ms": elapsed.Milliseconds(), "bytes_out": len(output),
	}, eventbus.Metadata{CorrelationID: f.ReasonTraceID}, f); busErr != nil {
		if ae, ok := apierrors.As(busErr); ok && ae.Kind == apierrors.KindBackpressured && runErr == nil {
			// The work happened, but the record did not: surface the
			// retryable condition so callers can re-drive the append.
			runErr = busErr
		} else {
			e.logger.Warn(ctx, "lifecycle event append failed", "error", busErr)
		}
	}

	if runErr != nil {
		e.logger.Error(ctx, "tool execution failed", "tool", tool, "error", runErr, "duration_ms", elapsed.Milliseconds())
		return result(f, start, nil, runErr)
	}
	e.logger.Info(ctx, "tool executed", "tool", tool, "duration_ms", elapsed.Milliseconds(), "bytes_out", len(output))
	return result(f, start, output, nil)
}

// fail records a pre-dispatch failure (validation, lookup, policy) without
// opening an execution span.
func (e *Executor) fail(ctx context.Context, tool string, f contextframe.Frame, start time.Time, err error) ToolResult {
	status := statusOf(err)
	e.metrics.RecordToolExecution(tool, f.TenantID, string(f.Stage), status, float64(time.Since(start).Milliseconds()))
	e.logger.Warn(ctx, "tool invocation rejected", "tool", tool, "error", err)
	return result(f, start, nil, err)
}

func result(f contextframe.Frame, start time.Time, output json.RawMessage, err error) ToolResult {
	res := ToolResult{
		Success:       err == nil,
		Output:        output,
		ExecutionTime: time.Since(start).Milliseconds(),
		ContextUsed:   f,
	}
	if err != nil {
		kind := string(apierrors.KindInternalError)
		msg := err.Error()
		if ae, ok := apierrors.As(err); ok {
			kind = string(ae.Kind)
			msg = ae.Message
		}
		res.Error = &ResultError{Kind: kind, Message: msg}
	}
	return res
}

func statusOf(err error) string {
	if err == nil {
		return "success"
	}
	if ae, ok := apierrors.As(err); ok {
		return string(ae.Kind)
	}
	return string(apierrors.KindInternalError)
}

func frameOrSynthetic(frame *contextframe.Frame) contextframe.Frame {
	if frame != nil {
		return *frame
	}
	return contextframe.DefaultForRead()
}

// extractPaths pulls every filesystem path field out of a tool input for
// policy admission: any string value under a key named "path", ending in
// "_path", or inside a "paths" array.
func extractPaths(input json.RawMessage) []string {
	if len(input) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return nil
	}
	var out []string
	walkPaths(decoded, "", &out)
	return out
}

func walkPaths(v any, key string, out *[]string) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			walkPaths(child, k, out)
		}
	case []any:
		for _, child := range val {
			walkPaths(child, key, out)
		}
	case string:
		if key == "path" || key == "paths" || strings.HasSuffix(key, "_path") {
			*out = append(*out, val)
		}
	}
}
