package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coregov/runtime/internal/auth"
	"github.com/coregov/runtime/internal/config"
	"github.com/coregov/runtime/internal/connector"
	"github.com/coregov/runtime/internal/contextengine"
	"github.com/coregov/runtime/internal/eventbus"
	"github.com/coregov/runtime/internal/executor"
	"github.com/coregov/runtime/internal/manifest"
	"github.com/coregov/runtime/internal/observability"
	"github.com/coregov/runtime/internal/policy"
	"github.com/coregov/runtime/internal/runner"
)

type harness struct {
	srv *Server
	ts  *httptest.Server
	dir string
}

func newHarness(t *testing.T, jwtSecret string) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.FSAllowlist = []string{dir}
	cfg.Auth.JWTSecret = jwtSecret

	registry := manifest.NewRegistry("")
	if err := registry.Create(manifest.Manifest{
		Name: "fs.read", Version: "1.0.0", Entry: "native://fs.read",
		Permissions: []manifest.Permission{manifest.PermRead}, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	enforcer, err := policy.NewEnforcer(cfg.FSAllowlist, nil)
	if err != nil {
		t.Fatal(err)
	}
	native, err := runner.NewNativeRunner(runner.FSReadAdapter{Allowlist: enforcer.Allowlist()})
	if err != nil {
		t.Fatal(err)
	}

	bus := eventbus.NewBus(0, 0)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), 0)
	tracer, _ := observability.NewTracer(observability.TraceConfig{ServiceName: "test"})
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})

	exec := executor.New(registry, enforcer, bus, nil, native, metrics, tracer, logger)
	engine := contextengine.NewEngine(contextengine.DefaultConfig(), contextengine.DefaultTunableSet(), bus)
	collector := contextengine.NewCollector()
	exec.SetObservationSink(collector)
	conns := connector.New(connector.DefaultIdleTTL, time.Second, metrics)

	srv := New(cfg, registry, enforcer, bus, exec, engine, collector, conns, metrics, logger,
		auth.NewService(jwtSecret, time.Hour))

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &harness{srv: srv, ts: ts, dir: dir}
}

func frameJSON() map[string]any {
	return map[string]any{
		"reason_trace_id": "T1", "tenant_id": "default",
		"stage": "dev", "risk_level": 0, "ts": "2025-11-04T00:00:00Z",
	}
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, buf)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func TestHealthAndStatus(t *testing.T) {
	h := newHarness(t, "")
	resp, body := h.do(t, "GET", "/api/health", nil, nil)
	if resp.StatusCode != 200 || body["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, "GET", "/api/status", nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if body["enabled_tools"].(float64) != 1 {
		t.Fatalf("expected 1 enabled tool, got %v", body["enabled_tools"])
	}
	if body["context_engine"] != true {
		t.Fatalf("expected engine enabled, got %v", body["context_engine"])
	}
}

func TestToolsCRUD(t *testing.T) {
	h := newHarness(t, "")

	create := map[string]any{
		"name": "echo", "version": "0.1.0", "entry": "native://echo",
		"permissions": []string{"read"}, "enabled": true,
		"context": frameJSON(),
	}
	resp, _ := h.do(t, "POST", "/api/tools", create, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}

	resp, body := h.do(t, "GET", "/api/tools/echo", nil, nil)
	if resp.StatusCode != 200 || body["name"] != "echo" {
		t.Fatalf("get: %d %v", resp.StatusCode, body)
	}

	patch := map[string]any{"enabled": false, "context": frameJSON()}
	resp, body = h.do(t, "PATCH", "/api/tools/echo", patch, nil)
	if resp.StatusCode != 200 || body["enabled"] != false {
		t.Fatalf("patch: %d %v", resp.StatusCode, body)
	}

	resp, _ = h.do(t, "DELETE", "/api/tools/echo", map[string]any{"context": frameJSON()}, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	resp, body = h.do(t, "GET", "/api/tools/echo", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d %v", resp.StatusCode, body)
	}
}

func TestToolsCreate_RequiresFrame(t *testing.T) {
	h := newHarness(t, "")
	create := map[string]any{"name": "echo", "version": "0.1.0", "entry": "native://echo"}
	resp, body := h.do(t, "POST", "/api/tools", create, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for frameless mutation, got %d %v", resp.StatusCode, body)
	}
}

func TestExecute_EndToEnd(t *testing.T) {
	h := newHarness(t, "")
	path := filepath.Join(h.dir, "test.txt")
	if err := os.WriteFile(path, []byte("Hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	body := map[string]any{
		"tool":    "fs.read",
		"input":   map[string]string{"path": path},
		"context": frameJSON(),
	}
	resp, decoded := h.do(t, "POST", "/api/tools/execute", body, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("execute: %d %v", resp.StatusCode, decoded)
	}
	if decoded["success"] != true {
		t.Fatalf("expected success, got %v", decoded)
	}
	out := decoded["output"].(map[string]any)
	if out["content"] != "Hello" || out["size"].(float64) != 5 {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestExecute_PolicyDenialMapsTo403(t *testing.T) {
	h := newHarness(t, "")
	body := map[string]any{
		"tool":    "fs.read",
		"input":   map[string]string{"path": "/etc/passwd"},
		"context": frameJSON(),
	}
	resp, decoded := h.do(t, "POST", "/api/tools/execute", body, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %v", resp.StatusCode, decoded)
	}
	errObj := decoded["error"].(map[string]any)
	if errObj["kind"] != "PolicyDenied" {
		t.Fatalf("expected PolicyDenied, got %v", errObj)
	}
}

func TestPolicies_GetAndReplace(t *testing.T) {
	h := newHarness(t, "")
	resp, body := h.do(t, "GET", "/api/policies", nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("get policies: %d", resp.StatusCode)
	}
	if _, ok := body["fs_allowlist"]; !ok {
		t.Fatalf("expected fs_allowlist, got %v", body)
	}

	replace := map[string]any{
		"fs_allowlist":  []string{h.dir, "/srv/shared"},
		"tier_ceilings": map[string]int{"0": 3, "1": 2, "2": 0},
		"context":       frameJSON(),
	}
	resp, body = h.do(t, "POST", "/api/policies", replace, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("replace policies: %d %v", resp.StatusCode, body)
	}
	prefixes := body["fs_allowlist"].([]any)
	if len(prefixes) != 2 {
		t.Fatalf("expected 2 prefixes, got %v", prefixes)
	}
}

func TestEngineToggle(t *testing.T) {
	h := newHarness(t, "")
	resp, body := h.do(t, "POST", "/api/context-engine", map[string]any{"enabled": false, "context": frameJSON()}, nil)
	if resp.StatusCode != 200 || body["enabled"] != false {
		t.Fatalf("toggle: %d %v", resp.StatusCode, body)
	}
	if h.srv.engine.Enabled() {
		t.Fatal("engine must be disabled after toggle")
	}
}

func TestConnections_Lifecycle(t *testing.T) {
	h := newHarness(t, "")
	resp, body := h.do(t, "POST", "/api/connections", map[string]any{"type": "vscode"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d", resp.StatusCode)
	}
	id := body["id"].(string)

	resp, _ = h.do(t, "POST", fmt.Sprintf("/api/connections/%s/heartbeat", id), nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("heartbeat: %d", resp.StatusCode)
	}

	resp, body = h.do(t, "GET", "/api/connections", nil, nil)
	if n := len(body["connections"].([]any)); n != 1 {
		t.Fatalf("expected 1 connection, got %d", n)
	}

	resp, _ = h.do(t, "DELETE", "/api/connections/"+id, nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("unregister: %d", resp.StatusCode)
	}
}

func TestAuth_MutatingEndpointsRequireToken(t *testing.T) {
	h := newHarness(t, "test-secret")
	create := map[string]any{
		"name": "echo", "version": "0.1.0", "entry": "native://echo", "context": frameJSON(),
	}
	resp, _ := h.do(t, "POST", "/api/tools", create, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	token, err := auth.NewService("test-secret", time.Hour).Generate(auth.Operator{ID: "op-1"})
	if err != nil {
		t.Fatal(err)
	}
	resp, _ = h.do(t, "POST", "/api/tools", create, map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with token, got %d", resp.StatusCode)
	}
}

func TestMetricsExposition(t *testing.T) {
	h := newHarness(t, "")
	resp, err := http.Get(h.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
}
