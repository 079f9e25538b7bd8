package runner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/coregov/runtime/internal/apierrors"
	"github.com/coregov/runtime/internal/contextframe"
	"github.com/coregov/runtime/internal/eventbus"
	"github.com/coregov/runtime/internal/manifest"
	"github.com/coregov/runtime/internal/policy"
)

// Adapter is one in-process tool implementation. Each adapter declares its
// input schema and the permissions it requires; the Executor enforces
// permissions before dispatch, the runner enforces the schema.
type Adapter interface {
	Name() string
	InputSchema() string
	Permissions() []manifest.Permission
	Run(ctx context.Context, input json.RawMessage, frame contextframe.Frame) (any, error)
}

// EventAppender is the slice of the Event Bus the telemetry adapter needs.
type EventAppender interface {
	Append(stream, typ string, data any, meta eventbus.Metadata, ctx contextframe.Frame) (string, error)
}

// CancelGraceWindow is how long a cancelled adapter gets to return before
// the runner gives up and reports CancelTimedOut.
const CancelGraceWindow = 2 * time.Second

// NativeRunner dispatches to registered adapters by name. Registration
// happens once at startup; the map is read-only afterwards.
type NativeRunner struct {
	adapters map[string]Adapter
	schemas  map[string]*jsonschema.Schema
	grace    time.Duration
}

// NewNativeRunner compiles every adapter's schema up front so a bad schema
// fails startup, not the first invocation.
func NewNativeRunner(adapters ...Adapter) (*NativeRunner, error) {
	r := &NativeRunner{
		adapters: make(map[string]Adapter, len(adapters)),
		schemas:  make(map[string]*jsonschema.Schema, len(adapters)),
		grace:    CancelGraceWindow,
	}
	for _, a := range adapters {
		compiled, err := jsonschema.CompileString(a.Name()+".schema.json", a.InputSchema())
		if err != nil {
			return nil, apierrors.Wrap(apierrors.KindInvalidConfig, err, "compiling input schema for adapter %q", a.Name())
		}
		r.adapters[a.Name()] = a
		r.schemas[a.Name()] = compiled
	}
	return r, nil
}

// Adapter returns the registered adapter for name, for permission checks.
func (r *NativeRunner) Adapter(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Run validates the input against the adapter's schema and executes it.
// Cancellation is cooperative: the adapter sees ctx, and if it fails to
// return within the grace window after cancellation the runner reports
// CancelTimedOut and abandons the goroutine.
func (r *NativeRunner) Run(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	adapter, ok := r.adapters[inv.EntryPath]
	if !ok {
		return nil, apierrors.New(apierrors.KindRunnerUnavailable, "no native adapter %q", inv.EntryPath)
	}
	if err := r.validate(inv.EntryPath, inv.Input); err != nil {
		return nil, err
	}

	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := adapter.Run(ctx, inv.Input, inv.Frame)
		done <- outcome{out, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		raw, err := json.Marshal(res.out)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.KindInternalError, err, "encoding output of %q", inv.EntryPath)
		}
		return raw, nil
	case <-ctx.Done():
		select {
		case res := <-done:
			if res.err != nil {
				return nil, res.err
			}
			return nil, apierrors.New(apierrors.KindCancelled, "adapter %q cancelled", inv.EntryPath)
		case <-time.After(r.grace):
			return nil, apierrors.New(apierrors.KindCancelTimedOut, "adapter %q did not stop within the grace window", inv.EntryPath)
		}
	}
}

func (r *NativeRunner) validate(name string, raw json.RawMessage) error {
	schema := r.schemas[name]
	if schema == nil {
		return nil
	}
	var decoded any
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return apierrors.Wrap(apierrors.KindInvalidInput, err, "input for %q is not valid JSON", name)
	}
	if err := schema.Validate(decoded); err != nil {
		return apierrors.Wrap(apierrors.KindInvalidInput, err, "input for %q rejected by schema", name)
	}
	return nil
}

// ---- built-in adapters ----

// FSReadAdapter reads a file under the allow-list.
type FSReadAdapter struct {
	Allowlist *policy.Allowlist
}

func (FSReadAdapter) Name() string { return "fs.read" }

func (FSReadAdapter) Permissions() []manifest.Permission {
	return []manifest.Permission{manifest.PermRead}
}

func (FSReadAdapter) InputSchema() string {
	return `{
		"type": "object",
		"required": ["path"],
		"properties": {"path": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`
}

func (a FSReadAdapter) Run(ctx context.Context, input json.RawMessage, _ contextframe.Frame) (any, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, apierrors.Wrap(apierrors.KindInvalidInput, err, "decoding fs.read input")
	}
	resolved, err := a.Allowlist.Resolve(in.Path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInvalidInput, err, "reading %s", in.Path)
	}
	return map[string]any{"content": string(raw), "size": len(raw)}, nil
}

// FSWriteAdapter writes a file under the allow-list.
type FSWriteAdapter struct {
	Allowlist *policy.Allowlist
}

func (FSWriteAdapter) Name() string { return "fs.write" }

func (FSWriteAdapter) Permissions() []manifest.Permission {
	return []manifest.Permission{manifest.PermWrite}
}

func (FSWriteAdapter) InputSchema() string {
	return `{
		"type": "object",
		"required": ["path", "content"],
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		},
		"additionalProperties": false
	}`
}

func (a FSWriteAdapter) Run(ctx context.Context, input json.RawMessage, _ contextframe.Frame) (any, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, apierrors.Wrap(apierrors.KindInvalidInput, err, "decoding fs.write input")
	}
	resolved, err := a.Allowlist.Resolve(in.Path)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(resolved, []byte(in.Content), 0o644); err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternalError, err, "writing %s", in.Path)
	}
	return map[string]any{"written": len(in.Content), "path": in.Path}, nil
}

// HTTPFetchAdapter performs a bounded HTTP GET/HEAD.
type HTTPFetchAdapter struct {
	Client       *http.Client
	MaxBodyBytes int64
}

func (HTTPFetchAdapter) Name() string { return "http.fetch" }

func (HTTPFetchAdapter) Permissions() []manifest.Permission {
	return []manifest.Permission{manifest.PermNetwork}
}

func (HTTPFetchAdapter) InputSchema() string {
	return `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"method": {"type": "string", "enum": ["GET", "HEAD"]}
		},
		"additionalProperties": false
	}`
}

func (a HTTPFetchAdapter) Run(ctx context.Context, input json.RawMessage, _ contextframe.Frame) (any, error) {
	var in struct {
		URL    string `json:"url"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, apierrors.Wrap(apierrors.KindInvalidInput, err, "decoding http.fetch input")
	}
	if in.Method == "" {
		in.Method = http.MethodGet
	}
	if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
		return nil, apierrors.New(apierrors.KindInvalidInput, "url must be http or https")
	}

	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	limit := a.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}

	req, err := http.NewRequestWithContext(ctx, in.Method, in.URL, nil)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInvalidInput, err, "building request")
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierrors.New(apierrors.KindCancelled, "fetch cancelled")
		}
		return nil, apierrors.Wrap(apierrors.KindInternalError, err, "fetching %s", in.URL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternalError, err, "reading response body")
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
		"size":   len(body),
	}, nil
}

// TelemetryPushAdapter appends a caller-supplied telemetry record to the
// telemetry stream, inheriting the invocation's frame for attribution.
type TelemetryPushAdapter struct {
	Bus EventAppender
}

func (TelemetryPushAdapter) Name() string { return "telemetry.push" }

func (TelemetryPushAdapter) Permissions() []manifest.Permission {
	return []manifest.Permission{manifest.PermEmit}
}

func (TelemetryPushAdapter) InputSchema() string {
	return `{
		"type": "object",
		"required": ["name", "value"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"value": {"type": "number"},
			"tags": {"type": "object", "additionalProperties": {"type": "string"}}
		},
		"additionalProperties": false
	}`
}

func (a TelemetryPushAdapter) Run(ctx context.Context, input json.RawMessage, frame contextframe.Frame) (any, error) {
	var in struct {
		Name  string            `json:"name"`
		Value float64           `json:"value"`
		Tags  map[string]string `json:"tags"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, apierrors.Wrap(apierrors.KindInvalidInput, err, "decoding telemetry.push input")
	}
	eventID, err := a.Bus.Append("telemetry", "telemetry.pushed", map[string]any{
		"name": in.Name, "value": in.Value, "tags": in.Tags,
	}, eventbus.Metadata{CorrelationID: frame.ReasonTraceID + "/telemetry/" + in.Name}, frame)
	if err != nil {
		return nil, err
	}
	return map[string]any{"event_id": eventID}, nil
}
