package executor

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coregov/runtime/internal/apierrors"
	"github.com/coregov/runtime/internal/contextframe"
	"github.com/coregov/runtime/internal/eventbus"
	"github.com/coregov/runtime/internal/manifest"
	"github.com/coregov/runtime/internal/observability"
	"github.com/coregov/runtime/internal/policy"
	"github.com/coregov/runtime/internal/runner"
)

type fixture struct {
	exec *Executor
	bus  *eventbus.Bus
	dir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	registry := manifest.NewRegistry("")
	for _, m := range []manifest.Manifest{
		{Name: "fs.read", Version: "1.0.0", Entry: "native://fs.read", Permissions: []manifest.Permission{manifest.PermRead}, Enabled: true},
		{Name: "fs.write", Version: "1.0.0", Entry: "native://fs.write", Permissions: []manifest.Permission{manifest.PermWrite}, Enabled: true},
		{Name: "web.fetch", Version: "1.0.0", Entry: "native://http.fetch", Permissions: []manifest.Permission{manifest.PermNetwork}, Enabled: true},
		{Name: "fs.archive", Version: "1.0.0", Entry: "native://fs.read", Permissions: []manifest.Permission{manifest.PermRead}, Enabled: false},
	} {
		if err := registry.Create(m); err != nil {
			t.Fatal(err)
		}
	}

	enforcer, err := policy.NewEnforcer([]string{dir}, nil)
	if err != nil {
		t.Fatal(err)
	}
	al := enforcer.Allowlist()
	native, err := runner.NewNativeRunner(
		runner.FSReadAdapter{Allowlist: al},
		runner.FSWriteAdapter{Allowlist: al},
		runner.HTTPFetchAdapter{},
	)
	if err != nil {
		t.Fatal(err)
	}

	bus := eventbus.NewBus(0, 0)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), 0)
	tracer, _ := observability.NewTracer(observability.TraceConfig{ServiceName: "test"})
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})

	return &fixture{
		exec: New(registry, enforcer, bus, nil, native, metrics, tracer, logger),
		bus:  bus,
		dir:  dir,
	}
}

func validFrame(id string) contextframe.Frame {
	return contextframe.Frame{
		ReasonTraceID: id, TenantID: "default",
		Stage: contextframe.StageDev, RiskLevel: contextframe.RiskSafe,
		Timestamp: time.Date(2025, 11, 4, 0, 0, 0, 0, time.UTC),
	}
}

func TestExecute_HappyRead(t *testing.T) {
	fx := newFixture(t)
	path := filepath.Join(fx.dir, "test.txt")
	if err := os.WriteFile(path, []byte("Hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := validFrame("T1")
	input, _ := json.Marshal(map[string]string{"path": path})
	res := fx.exec.Execute(context.Background(), "fs.read", input, &f)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	var out struct {
		Content string `json:"content"`
		Size    int    `json:"size"`
	}
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatal(err)
	}
	if out.Content != "Hello" || out.Size != 5 {
		t.Fatalf("expected {Hello,5}, got %+v", out)
	}
	if res.ContextUsed.ReasonTraceID != "T1" {
		t.Fatalf("context_used must echo the caller's frame, got %+v", res.ContextUsed)
	}
}

func TestExecute_PolicyDenialViaAllowlist(t *testing.T) {
	fx := newFixture(t)
	f := validFrame("T2")
	input, _ := json.Marshal(map[string]string{"path": "/etc/passwd"})
	res := fx.exec.Execute(context.Background(), "fs.read", input, &f)
	if res.Success || res.Error == nil {
		t.Fatal("expected failure")
	}
	if res.Error.Kind != string(apierrors.KindPolicyDenied) {
		t.Fatalf("expected PolicyDenied, got %s", res.Error.Kind)
	}
}

func TestExecute_ReadOnlyBlocksWriteTool(t *testing.T) {
	fx := newFixture(t)
	f := validFrame("T3")
	f.Flags.ReadOnly = true
	input, _ := json.Marshal(map[string]string{"path": filepath.Join(fx.dir, "x"), "content": "y"})
	res := fx.exec.Execute(context.Background(), "fs.write", input, &f)
	if res.Success || res.Error.Kind != string(apierrors.KindReadOnlyViolation) {
		t.Fatalf("expected ReadOnlyViolation regardless of path, got %+v", res.Error)
	}
}

func TestExecute_RiskLevelTwoBlocksNetwork(t *testing.T) {
	fx := newFixture(t)
	f := validFrame("T4")
	f.RiskLevel = contextframe.RiskBlocked
	input, _ := json.Marshal(map[string]string{"url": "https://example.com"})
	res := fx.exec.Execute(context.Background(), "web.fetch", input, &f)
	if res.Success || res.Error.Kind != string(apierrors.KindPolicyDenied) {
		t.Fatalf("expected PolicyDenied at risk_level=2, got %+v", res.Error)
	}
}

func TestExecute_NotFoundAndDisabled(t *testing.T) {
	fx := newFixture(t)
	f := validFrame("T5")

	res := fx.exec.Execute(context.Background(), "ghost", nil, &f)
	if res.Error == nil || res.Error.Kind != string(apierrors.KindToolNotFound) {
		t.Fatalf("expected ToolNotFound, got %+v", res.Error)
	}

	res = fx.exec.Execute(context.Background(), "fs.archive", nil, &f)
	if res.Error == nil || res.Error.Kind != string(apierrors.KindToolDisabled) {
		t.Fatalf("expected ToolDisabled, got %+v", res.Error)
	}
}

func TestExecute_InvalidFrameRejected(t *testing.T) {
	fx := newFixture(t)
	f := validFrame("T6")
	f.Stage = "qa"
	res := fx.exec.Execute(context.Background(), "fs.read", nil, &f)
	if res.Error == nil || res.Error.Kind != string(apierrors.KindInvalidContext) {
		t.Fatalf("expected InvalidContext, got %+v", res.Error)
	}
}

func TestExecute_WriteClassRequiresFrame(t *testing.T) {
	fx := newFixture(t)
	input, _ := json.Marshal(map[string]string{"path": filepath.Join(fx.dir, "x"), "content": "y"})
	res := fx.exec.Execute(context.Background(), "fs.write", input, nil)
	if res.Error == nil || res.Error.Kind != string(apierrors.KindInvalidContext) {
		t.Fatalf("expected InvalidContext for frameless write-class call, got %+v", res.Error)
	}
}

func TestExecute_ReadClassSynthesizesFrame(t *testing.T) {
	fx := newFixture(t)
	path := filepath.Join(fx.dir, "r.txt")
	if err := os.WriteFile(path, []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	input, _ := json.Marshal(map[string]string{"path": path})
	res := fx.exec.Execute(context.Background(), "fs.read", input, nil)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	if res.ContextUsed.ReasonTraceID == "" || res.ContextUsed.TenantID != "default" {
		t.Fatalf("expected synthesized trace identity, got %+v", res.ContextUsed)
	}
}

func TestExecute_LifecycleEventIdempotentOnRetry(t *testing.T) {
	fx := newFixture(t)
	path := filepath.Join(fx.dir, "once.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := validFrame("T-RETRY")
	input, _ := json.Marshal(map[string]string{"path": path})

	fx.exec.Execute(context.Background(), "fs.read", input, &f)
	fx.exec.Execute(context.Background(), "fs.read", input, &f) // client retry, same trace id

	evs := fx.bus.Events("tool")
	if len(evs) != 1 {
		t.Fatalf("expected exactly one tool.invoked record for one logical operation, got %d", len(evs))
	}
	if evs[0].Metadata.CorrelationID != "T-RETRY" {
		t.Fatalf("correlation_id must be the reason_trace_id, got %q", evs[0].Metadata.CorrelationID)
	}
}

func TestExecute_WasmWithoutRuntimeIsRunnerUnavailable(t *testing.T) {
	fx := newFixture(t)
	if err := fxRegistryCreate(fx, manifest.Manifest{
		Name: "img.convert", Version: "1.0.0", Entry: "wasm://img_convert.wasm",
		Permissions: []manifest.Permission{manifest.PermRead}, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	f := validFrame("T7")
	res := fx.exec.Execute(context.Background(), "img.convert", nil, &f)
	if res.Error == nil || res.Error.Kind != string(apierrors.KindRunnerUnavailable) {
		t.Fatalf("expected RunnerUnavailable, got %+v", res.Error)
	}
}

func fxRegistryCreate(fx *fixture, m manifest.Manifest) error {
	return fx.exec.registry.Create(m)
}
