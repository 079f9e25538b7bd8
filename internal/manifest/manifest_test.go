package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/coregov/runtime/internal/apierrors"
)

func sample(name string) Manifest {
	return Manifest{
		Name: name, Version: "1.0.0", Entry: "wasm://" + name + ".wasm",
		Permissions: []Permission{PermRead}, Enabled: true,
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	r := NewRegistry("")
	m := sample("fs.read")
	if err := r.Create(m); err != nil {
		t.Fatal(err)
	}
	got, err := r.Get("fs.read")
	if err != nil {
		t.Fatal(err)
	}
	if got.Entry != m.Entry || got.Version != m.Version || !got.Enabled {
		t.Fatalf("get must reflect create, got %+v", got)
	}
}

func TestCreate_RejectsDuplicateName(t *testing.T) {
	r := NewRegistry("")
	if err := r.Create(sample("dup")); err != nil {
		t.Fatal(err)
	}
	err := r.Create(sample("dup"))
	ae, ok := apierrors.As(err)
	if !ok || ae.Kind != apierrors.KindInvalidManifest {
		t.Fatalf("expected InvalidManifest on duplicate, got %v", err)
	}
}

func TestUpdate_ReflectsPatch(t *testing.T) {
	r := NewRegistry("")
	if err := r.Create(sample("patchme")); err != nil {
		t.Fatal(err)
	}
	v := "2.0.0"
	enabled := false
	if err := r.Update("patchme", Patch{Version: &v, Enabled: &enabled}); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get("patchme")
	if got.Version != "2.0.0" || got.Enabled {
		t.Fatalf("patch not reflected: %+v", got)
	}
	if got.Entry != "wasm://patchme.wasm" {
		t.Fatalf("unpatched fields must survive, got %+v", got)
	}
}

func TestDelete_ThenGetIsNotFound(t *testing.T) {
	r := NewRegistry("")
	if err := r.Create(sample("gone")); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete("gone"); err != nil {
		t.Fatal(err)
	}
	_, err := r.Get("gone")
	ae, ok := apierrors.As(err)
	if !ok || ae.Kind != apierrors.KindToolNotFound {
		t.Fatalf("expected ToolNotFound after delete, got %v", err)
	}
}

func TestLoadAll_ScansDirectoryAndRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	write := func(file string, m Manifest) {
		raw, _ := json.Marshal(m)
		if err := os.WriteFile(filepath.Join(dir, file), raw, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("a.json", sample("alpha"))
	write("b.json", sample("beta"))

	r := NewRegistry(dir)
	if err := r.LoadAll(dir); err != nil {
		t.Fatal(err)
	}
	if len(r.List()) != 2 {
		t.Fatalf("expected 2 manifests, got %d", len(r.List()))
	}

	// Filename is not semantically significant, so a second file with an
	// already-registered name is a duplicate.
	write("c.json", sample("alpha"))
	if err := r.LoadAll(dir); err == nil {
		t.Fatal("expected duplicate-name rejection")
	}
}

func TestPersist_WritesThroughAtomically(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	if err := r.Create(sample("durable")); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "durable.json"))
	if err != nil {
		t.Fatal(err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m.Name != "durable" {
		t.Fatalf("persisted manifest mismatch: %+v", m)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			t.Fatalf("temp file leaked: %s", e.Name())
		}
	}
}

func TestScheme_Parsing(t *testing.T) {
	cases := []struct {
		entry  string
		scheme EntryScheme
		ok     bool
	}{
		{"wasm://fs_read.wasm", SchemeWasm, true},
		{"native://fs.read", SchemeNative, true},
		{"nodejs://compress.js", SchemeNodeJS, true},
		{"docker://img", "", false},
		{"no-scheme", "", false},
	}
	for _, tc := range cases {
		m := Manifest{Entry: tc.entry}
		scheme, _, err := m.Scheme()
		if tc.ok && (err != nil || scheme != tc.scheme) {
			t.Fatalf("%s: expected %s, got %s err=%v", tc.entry, tc.scheme, scheme, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.entry)
		}
	}
}

func TestSnapshotIsolation_ReadersKeepTheirView(t *testing.T) {
	r := NewRegistry("")
	if err := r.Create(sample("stable")); err != nil {
		t.Fatal(err)
	}
	before := r.List()

	enabled := false
	if err := r.Update("stable", Patch{Enabled: &enabled}); err != nil {
		t.Fatal(err)
	}
	if !before[0].Enabled {
		t.Fatal("a snapshot taken before the mutation must not observe it")
	}
	after, _ := r.Get("stable")
	if after.Enabled {
		t.Fatal("new reads must observe the mutation")
	}
}
