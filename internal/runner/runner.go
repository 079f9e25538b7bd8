// Package runner hosts the two tool execution backends: the sandboxed WASI
// runner and the in-process native runner. The Executor selects one by the
// manifest's entry scheme; both take the same Invocation and return one
// JSON document or a typed error.
package runner

import (
	"context"
	"encoding/json"

	"github.com/coregov/runtime/internal/contextframe"
)

// Invocation is everything a runner needs for one tool execution. The
// Executor has already validated the frame and admitted the call; runners
// enforce only resource bounds and protocol shape.
type Invocation struct {
	Tool      string
	EntryPath string
	Input     json.RawMessage
	Frame     contextframe.Frame
	Tier      int
}

// Runner executes one tool invocation. Implementations are stateless
// between invocations; cancellation arrives through ctx.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (json.RawMessage, error)
}

// Kind names a runner backend. Metrics and span attributes label a run by
// its manifest entry scheme instead.
type Kind string

const (
	KindWasi   Kind = "wasi"
	KindNative Kind = "native"
)
