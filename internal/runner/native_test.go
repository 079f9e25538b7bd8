package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coregov/runtime/internal/apierrors"
	"github.com/coregov/runtime/internal/contextframe"
	"github.com/coregov/runtime/internal/eventbus"
	"github.com/coregov/runtime/internal/manifest"
	"github.com/coregov/runtime/internal/policy"
)

func testAllowlist(t *testing.T, prefixes ...string) *policy.Allowlist {
	t.Helper()
	al, err := policy.NewAllowlist(prefixes)
	if err != nil {
		t.Fatal(err)
	}
	return al
}

func frame() contextframe.Frame {
	return contextframe.Frame{
		ReasonTraceID: "T1", TenantID: "default",
		Stage: contextframe.StageDev, RiskLevel: contextframe.RiskSafe,
		Timestamp: time.Now().UTC(),
	}
}

func TestFSRead_HappyPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	if err := os.WriteFile(path, []byte("Hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewNativeRunner(FSReadAdapter{Allowlist: testAllowlist(t, dir)})
	if err != nil {
		t.Fatal(err)
	}
	input, _ := json.Marshal(map[string]string{"path": path})
	out, err := r.Run(context.Background(), Invocation{Tool: "fs.read", EntryPath: "fs.read", Input: input, Frame: frame()})
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Content string `json:"content"`
		Size    int    `json:"size"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Content != "Hello" || decoded.Size != 5 {
		t.Fatalf("expected {Hello,5}, got %+v", decoded)
	}
}

func TestFSRead_DeniesPathOutsideAllowlist(t *testing.T) {
	r, err := NewNativeRunner(FSReadAdapter{Allowlist: testAllowlist(t, t.TempDir())})
	if err != nil {
		t.Fatal(err)
	}
	input, _ := json.Marshal(map[string]string{"path": "/etc/passwd"})
	_, err = r.Run(context.Background(), Invocation{Tool: "fs.read", EntryPath: "fs.read", Input: input, Frame: frame()})
	ae, ok := apierrors.As(err)
	if !ok || ae.Kind != apierrors.KindPolicyDenied {
		t.Fatalf("expected PolicyDenied, got %v", err)
	}
}

func TestSchemaValidation_RejectsBadInput(t *testing.T) {
	r, err := NewNativeRunner(FSReadAdapter{Allowlist: testAllowlist(t, t.TempDir())})
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Run(context.Background(), Invocation{Tool: "fs.read", EntryPath: "fs.read", Input: json.RawMessage(`{"nope": true}`), Frame: frame()})
	ae, ok := apierrors.As(err)
	if !ok || ae.Kind != apierrors.KindInvalidInput {
		t.Fatalf("expected InvalidInput on schema violation, got %v", err)
	}
}

func TestFSWrite_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	al := testAllowlist(t, dir)
	r, err := NewNativeRunner(FSWriteAdapter{Allowlist: al}, FSReadAdapter{Allowlist: al})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "out.txt")
	input, _ := json.Marshal(map[string]string{"path": path, "content": "persisted"})
	if _, err := r.Run(context.Background(), Invocation{Tool: "fs.write", EntryPath: "fs.write", Input: input, Frame: frame()}); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "persisted" {
		t.Fatalf("expected written content, got %q", raw)
	}
}

// stubbornAdapter ignores cancellation until released, for grace-window tests.
type stubbornAdapter struct {
	release chan struct{}
}

func (stubbornAdapter) Name() string                            { return "stubborn" }
func (stubbornAdapter) InputSchema() string                     { return `{"type": "object"}` }
func (stubbornAdapter) Permissions() []manifest.Permission      { return nil }
func (s stubbornAdapter) Run(context.Context, json.RawMessage, contextframe.Frame) (any, error) {
	<-s.release
	return map[string]any{}, nil
}

func TestCancel_GraceWindowExpiresToCancelTimedOut(t *testing.T) {
	adapter := stubbornAdapter{release: make(chan struct{})}
	defer close(adapter.release)

	r, err := NewNativeRunner(adapter)
	if err != nil {
		t.Fatal(err)
	}
	r.grace = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Run(ctx, Invocation{Tool: "stubborn", EntryPath: "stubborn", Input: json.RawMessage(`{}`), Frame: frame()})
	ae, ok := apierrors.As(err)
	if !ok || ae.Kind != apierrors.KindCancelTimedOut {
		t.Fatalf("expected CancelTimedOut, got %v", err)
	}
}

func TestTelemetryPush_AppendsToTelemetryStream(t *testing.T) {
	bus := eventbus.NewBus(0, 0)
	r, err := NewNativeRunner(TelemetryPushAdapter{Bus: bus})
	if err != nil {
		t.Fatal(err)
	}
	input, _ := json.Marshal(map[string]any{"name": "edge.latency", "value": 12.5})
	out, err := r.Run(context.Background(), Invocation{Tool: "telemetry.push", EntryPath: "telemetry.push", Input: input, Frame: frame()})
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	evs := bus.Events("telemetry")
	if len(evs) != 1 || evs[0].EventID != decoded.EventID {
		t.Fatalf("expected one telemetry event matching %q, got %+v", decoded.EventID, evs)
	}
}

func TestRun_UnknownAdapterIsRunnerUnavailable(t *testing.T) {
	r, err := NewNativeRunner()
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Run(context.Background(), Invocation{Tool: "ghost", EntryPath: "ghost", Frame: frame()})
	ae, ok := apierrors.As(err)
	if !ok || ae.Kind != apierrors.KindRunnerUnavailable {
		t.Fatalf("expected RunnerUnavailable, got %v", err)
	}
}
