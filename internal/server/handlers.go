package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/coregov/runtime/internal/apierrors"
	"github.com/coregov/runtime/internal/connector"
	"github.com/coregov/runtime/internal/contextframe"
	"github.com/coregov/runtime/internal/manifest"
	"github.com/coregov/runtime/internal/policy"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a typed error onto its HTTP status and wire shape.
func writeError(w http.ResponseWriter, err error) {
	kind := apierrors.KindInternalError
	msg := err.Error()
	if ae, ok := apierrors.As(err); ok {
		kind = ae.Kind
		msg = ae.Message
	}
	writeErrorStatus(w, apierrors.HTTPStatus(kind), string(kind), msg)
}

func writeErrorStatus(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"kind": kind, "message": msg},
	})
}

// decodeInto decodes a JSON body, rejecting malformed documents early.
func decodeInto(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierrors.Wrap(apierrors.KindInvalidInput, err, "decoding request body")
	}
	return nil
}

// requireFrame validates the ContextFrame carried by the tool-registry,
// policy and context-engine mutations; the connection endpoints take no
// frame and do not call it.
func requireFrame(frame *contextframe.Frame) (contextframe.Frame, error) {
	if frame == nil {
		return contextframe.Frame{}, apierrors.New(apierrors.KindInvalidContext, "a context frame is required on mutating endpoints").WithReason("MissingField")
	}
	if err := contextframe.Validate(*frame); err != nil {
		return contextframe.Frame{}, err
	}
	return *frame, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	enabled := 0
	for _, m := range s.registry.List() {
		if m.Enabled {
			enabled++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"version":            Version,
		"profile":            s.cfg.Profile,
		"enabled_tools":      enabled,
		"active_connections": len(s.conns.List()),
		"context_engine":     s.engine.Enabled(),
		"runtimes": map[string]bool{
			"wasi":   s.WasiAvailable,
			"native": true,
		},
	})
}

// ---- registry CRUD ----

func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.registry.List()})
}

func (s *Server) handleToolGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.registry.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type manifestBody struct {
	manifest.Manifest
	Context *contextframe.Frame `json:"context"`
}

func (s *Server) handleToolsCreate(w http.ResponseWriter, r *http.Request) {
	var body manifestBody
	if err := decodeInto(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if _, err := requireFrame(body.Context); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Create(body.Manifest); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, body.Manifest)
}

type patchBody struct {
	Version     *string                `json:"version"`
	Entry       *string                `json:"entry"`
	Permissions *[]manifest.Permission `json:"permissions"`
	Description *string                `json:"description"`
	Enabled     *bool                  `json:"enabled"`
	Tier        *int                   `json:"tier"`
	Context     *contextframe.Frame    `json:"context"`
}

func (s *Server) handleToolPatch(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body patchBody
	if err := decodeInto(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if _, err := requireFrame(body.Context); err != nil {
		writeError(w, err)
		return
	}
	err := s.registry.Update(name, manifest.Patch{
		Version: body.Version, Entry: body.Entry, Permissions: body.Permissions,
		Description: body.Description, Enabled: body.Enabled, Tier: body.Tier,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := s.registry.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	if body.Enabled != nil && !*body.Enabled {
		s.evictCompiled(r, m)
	}
	writeJSON(w, http.StatusOK, m)
}

// evictCompiled drops a wasm tool's compiled-module cache entry when the
// manifest is disabled or removed.
func (s *Server) evictCompiled(r *http.Request, m manifest.Manifest) {
	if s.Wasi == nil {
		return
	}
	if scheme, path, err := m.Scheme(); err == nil && scheme == manifest.SchemeWasm {
		s.Wasi.Invalidate(r.Context(), path)
	}
}

// handleToolPut replaces a manifest wholesale; the name in the path wins
// over any name in the body.
func (s *Server) handleToolPut(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body manifestBody
	if err := decodeInto(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if _, err := requireFrame(body.Context); err != nil {
		writeError(w, err)
		return
	}
	body.Manifest.Name = name
	err := s.registry.Update(name, manifest.Patch{
		Version: &body.Manifest.Version, Entry: &body.Manifest.Entry,
		Permissions: &body.Manifest.Permissions, Description: &body.Manifest.Description,
		Enabled: &body.Manifest.Enabled, Tier: &body.Manifest.Tier,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body.Manifest)
}

type deleteBody struct {
	Context *contextframe.Frame `json:"context"`
}

func (s *Server) handleToolDelete(w http.ResponseWriter, r *http.Request) {
	var body deleteBody
	if err := decodeInto(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if _, err := requireFrame(body.Context); err != nil {
		writeError(w, err)
		return
	}
	name := r.PathValue("name")
	m, err := s.registry.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Delete(name); err != nil {
		writeError(w, err)
		return
	}
	s.evictCompiled(r, m)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// ---- execution ----

type executeBody struct {
	Tool    string              `json:"tool"`
	Input   json.RawMessage     `json:"input"`
	Context *contextframe.Frame `json:"context"`
}

func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	var body executeBody
	if err := decodeInto(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Tool == "" {
		writeError(w, apierrors.New(apierrors.KindInvalidInput, "tool name is required"))
		return
	}

	res := s.exec.Execute(r.Context(), body.Tool, body.Input, body.Context)
	status := http.StatusOK
	if res.Error != nil {
		status = apierrors.HTTPStatus(apierrors.Kind(res.Error.Kind))
	}
	writeJSON(w, status, res)
}

// ---- policies ----

func (s *Server) handlePoliciesGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"fs_allowlist":  s.enforcer.Allowlist().Prefixes(),
		"tier_ceilings": s.enforcer.Ceilings(),
	})
}

type policiesBody struct {
	FSAllowlist  []string            `json:"fs_allowlist"`
	TierCeilings map[int]int         `json:"tier_ceilings"`
	Context      *contextframe.Frame `json:"context"`
}

func (s *Server) handlePoliciesReplace(w http.ResponseWriter, r *http.Request) {
	var body policiesBody
	if err := decodeInto(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if _, err := requireFrame(body.Context); err != nil {
		writeError(w, err)
		return
	}
	var ceilings policy.TierCeilings
	if body.TierCeilings != nil {
		ceilings = policy.TierCeilings{}
		for risk, tier := range body.TierCeilings {
			ceilings[contextframe.RiskLevel(risk)] = tier
		}
	}
	if err := s.enforcer.Replace(body.FSAllowlist, ceilings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fs_allowlist":  s.enforcer.Allowlist().Prefixes(),
		"tier_ceilings": s.enforcer.Ceilings(),
	})
}

// ---- context engine ----

type engineBody struct {
	Enabled *bool               `json:"enabled"`
	Context *contextframe.Frame `json:"context"`
}

func (s *Server) handleEngineToggle(w http.ResponseWriter, r *http.Request) {
	var body engineBody
	if err := decodeInto(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if _, err := requireFrame(body.Context); err != nil {
		writeError(w, err)
		return
	}
	if body.Enabled == nil {
		writeError(w, apierrors.New(apierrors.KindInvalidInput, "enabled is required"))
		return
	}
	s.engine.SetEnabled(*body.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.engine.Enabled()})
}

// ---- connections ----

func (s *Server) handleConnectionsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"connections": s.conns.List()})
}

type connectionBody struct {
	ID   string         `json:"id"`
	Type connector.Type `json:"type"`
}

func (s *Server) handleConnectionRegister(w http.ResponseWriter, r *http.Request) {
	var body connectionBody
	if err := decodeInto(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	if body.Type == "" {
		body.Type = connector.TypeOther
	}
	conn := s.conns.Register(body.ID, body.Type)
	writeJSON(w, http.StatusCreated, conn)
}

func (s *Server) handleConnectionHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.conns.Heartbeat(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ts": time.Now().UTC()})
}

func (s *Server) handleConnectionUnregister(w http.ResponseWriter, r *http.Request) {
	if err := s.conns.Unregister(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}
