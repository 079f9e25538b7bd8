// Package manifest implements the tool manifest registry: parsing,
// validating and indexing manifests, with runtime create/update/delete and
// enable/disable. Persistence is one JSON file per manifest in a configured
// directory, written through atomically (write-to-temp, rename).
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coregov/runtime/internal/apierrors"
)

// Permission is one capability a manifest may request.
type Permission string

const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermNetwork Permission = "network"
	PermDB      Permission = "db"
	PermAI      Permission = "ai"
	PermExecute Permission = "execute"
	PermEmit    Permission = "emit"
	PermSystem  Permission = "system"
	PermDelete  Permission = "delete"
)

// EntryScheme is the runner selector parsed out of Manifest.Entry.
type EntryScheme string

const (
	SchemeWasm   EntryScheme = "wasm"
	SchemeNative EntryScheme = "native"
	SchemeNodeJS EntryScheme = "nodejs"
)

// Manifest is the descriptor for one tool: its entry point, declared
// permissions, optional tier, and enable state.
type Manifest struct {
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Entry       string       `json:"entry"`
	Permissions []Permission `json:"permissions"`
	Description string       `json:"description,omitempty"`
	Enabled     bool         `json:"enabled"`
	Tier        int          `json:"tier,omitempty"`
}

// Scheme parses the URI-like Entry field into its runner scheme and path.
func (m Manifest) Scheme() (EntryScheme, string, error) {
	idx := strings.Index(m.Entry, "://")
	if idx < 0 {
		return "", "", apierrors.New(apierrors.KindInvalidManifest, "entry %q has no scheme", m.Entry)
	}
	scheme, rest := m.Entry[:idx], m.Entry[idx+3:]
	switch EntryScheme(scheme) {
	case SchemeWasm, SchemeNative, SchemeNodeJS:
		return EntryScheme(scheme), rest, nil
	default:
		return "", "", apierrors.New(apierrors.KindInvalidManifest, "entry %q has unknown scheme %q", m.Entry, scheme)
	}
}

// HasPermission reports whether the manifest declares the given permission.
func (m Manifest) HasPermission(p Permission) bool {
	for _, have := range m.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

func (m Manifest) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return apierrors.New(apierrors.KindInvalidManifest, "name is required")
	}
	if strings.TrimSpace(m.Entry) == "" {
		return apierrors.New(apierrors.KindInvalidManifest, "entry is required")
	}
	if _, _, err := m.Scheme(); err != nil {
		return err
	}
	return nil
}

// snapshot is the copy-on-write immutable view readers retain for the
// duration of an in-flight call: mutations produce a new immutable map,
// readers retain the one they started with.
type snapshot map[string]Manifest

// Registry holds the live manifest set. Mutations are serialized on a
// single writer lane (writeMu); a writer swaps in a new snapshot built from
// a copy, so readers never see a map that is being mutated.
type Registry struct {
	dir string

	writeMu sync.Mutex // serializes create/update/delete/enable

	mu   sync.RWMutex
	live snapshot
}

// NewRegistry constructs an empty registry rooted at dir for persistence.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, live: snapshot{}}
}

// LoadAll scans dir for manifest files (one JSON document each, filename
// not semantically significant) and populates the registry. Duplicate
// names across files are rejected.
func (r *Registry) LoadAll(dir string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.dir = dir
			r.swap(snapshot{})
			return nil
		}
		return apierrors.Wrap(apierrors.KindInvalidConfig, err, "reading manifest directory %s", dir)
	}

	next := snapshot{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		m, err := loadManifestFile(path)
		if err != nil {
			return err
		}
		if _, dup := next[m.Name]; dup {
			return apierrors.New(apierrors.KindInvalidManifest, "duplicate manifest name %q in %s", m.Name, path)
		}
		next[m.Name] = m
	}

	r.dir = dir
	r.swap(next)
	return nil
}

func loadManifestFile(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, apierrors.Wrap(apierrors.KindInvalidManifest, err, "reading manifest %s", path)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, apierrors.Wrap(apierrors.KindInvalidManifest, err, "parsing manifest %s", path)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (r *Registry) swap(next snapshot) {
	r.mu.Lock()
	r.live = next
	r.mu.Unlock()
}

// snapshotView returns the current consistent read snapshot.
func (r *Registry) snapshotView() snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// Get returns the named manifest. Callers must not mutate the result.
func (r *Registry) Get(name string) (Manifest, error) {
	s := r.snapshotView()
	m, ok := s[name]
	if !ok {
		return Manifest{}, apierrors.New(apierrors.KindToolNotFound, "no manifest named %q", name)
	}
	return m, nil
}

// List returns all manifests, sorted by name for stable output.
func (r *Registry) List() []Manifest {
	s := r.snapshotView()
	out := make([]Manifest, 0, len(s))
	for _, m := range s {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Create registers a new manifest and persists it.
func (r *Registry) Create(m Manifest) error {
	if err := m.validate(); err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.snapshotView()
	if _, exists := cur[m.Name]; exists {
		return apierrors.New(apierrors.KindInvalidManifest, "manifest %q already exists", m.Name)
	}
	if err := r.persist(m); err != nil {
		return err
	}
	r.commit(cur, m)
	return nil
}

// Patch describes a partial update to an existing manifest. Nil fields are
// left unchanged.
type Patch struct {
	Version     *string
	Entry       *string
	Permissions *[]Permission
	Description *string
	Enabled     *bool
	Tier        *int
}

// Update applies patch to the named manifest and persists the result.
func (r *Registry) Update(name string, patch Patch) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.snapshotView()
	m, ok := cur[name]
	if !ok {
		return apierrors.New(apierrors.KindToolNotFound, "no manifest named %q", name)
	}
	if patch.Version != nil {
		m.Version = *patch.Version
	}
	if patch.Entry != nil {
		m.Entry = *patch.Entry
	}
	if patch.Permissions != nil {
		m.Permissions = *patch.Permissions
	}
	if patch.Description != nil {
		m.Description = *patch.Description
	}
	if patch.Enabled != nil {
		m.Enabled = *patch.Enabled
	}
	if patch.Tier != nil {
		m.Tier = *patch.Tier
	}
	if err := m.validate(); err != nil {
		return err
	}
	if err := r.persist(m); err != nil {
		return err
	}
	r.commit(cur, m)
	return nil
}

// Enable toggles a manifest's enabled flag.
func (r *Registry) Enable(name string, enabled bool) error {
	return r.Update(name, Patch{Enabled: &enabled})
}

// Delete removes a manifest from the registry and its backing file.
func (r *Registry) Delete(name string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.snapshotView()
	if _, ok := cur[name]; !ok {
		return apierrors.New(apierrors.KindToolNotFound, "no manifest named %q", name)
	}
	if r.dir != "" {
		path := filepath.Join(r.dir, name+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return apierrors.Wrap(apierrors.KindInternalError, err, "removing manifest file %s", path)
		}
	}
	next := make(snapshot, len(cur))
	for k, v := range cur {
		if k != name {
			next[k] = v
		}
	}
	r.swap(next)
	return nil
}

// commit installs m into a fresh copy-on-write snapshot built from base.
func (r *Registry) commit(base snapshot, m Manifest) {
	next := make(snapshot, len(base)+1)
	for k, v := range base {
		next[k] = v
	}
	next[m.Name] = m
	r.swap(next)
}

// persist writes m atomically to dir/<name>.json via write-to-temp+rename.
// A zero-value dir means the registry is in-memory only (tests).
func (r *Registry) persist(m Manifest) error {
	if r.dir == "" {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return apierrors.Wrap(apierrors.KindInternalError, err, "creating manifest dir %s", r.dir)
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternalError, err, "marshaling manifest %s", m.Name)
	}
	final := filepath.Join(r.dir, m.Name+".json")
	tmp := final + fmt.Sprintf(".tmp-%d", os.Getpid())
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return apierrors.Wrap(apierrors.KindInternalError, err, "writing manifest temp file")
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return apierrors.Wrap(apierrors.KindInternalError, err, "renaming manifest file into place")
	}
	return nil
}
