// Package policy implements the policy and RBAC enforcer: filesystem
// allow-list admission, risk-level tier gating, and write/read-only
// admission.
package policy

import (
	"path/filepath"
	"strings"

	"github.com/coregov/runtime/internal/apierrors"
)

// Allowlist is an ordered set of canonical filesystem prefixes under which
// tools may operate.
type Allowlist struct {
	prefixes []string
}

// NewAllowlist canonicalizes and stores the given prefixes.
func NewAllowlist(prefixes []string) (*Allowlist, error) {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		c, err := Canonicalize(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return &Allowlist{prefixes: out}, nil
}

// Canonicalize resolves a path to its absolute, cleaned form: Clean
// first, then Abs, so traversal segments never survive into the prefix
// comparison.
func Canonicalize(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", apierrors.New(apierrors.KindInvalidInput, "empty path")
	}
	cleaned := filepath.Clean(trimmed)
	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", apierrors.Wrap(apierrors.KindInvalidInput, err, "resolving path %q", path)
	}
	return abs, nil
}

// Admits reports whether the canonicalized path falls under one of the
// allow-listed prefixes. A path is admitted only if it equals a prefix or
// is nested under it (prefix + separator), so "/tmpx" never matches an
// allow-listed "/tmp".
func (a *Allowlist) Admits(path string) bool {
	canon, err := Canonicalize(path)
	if err != nil {
		return false
	}
	for _, prefix := range a.prefixes {
		if canon == prefix || strings.HasPrefix(canon, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Prefixes returns the canonical prefix set, for the policies read API.
func (a *Allowlist) Prefixes() []string {
	out := make([]string, len(a.prefixes))
	copy(out, a.prefixes)
	return out
}

// Resolve canonicalizes path and verifies it is admitted by the
// allow-list, returning the canonical path for use by native adapters.
// Every filesystem-touching adapter goes through this one helper.
func (a *Allowlist) Resolve(path string) (string, error) {
	canon, err := Canonicalize(path)
	if err != nil {
		return "", err
	}
	if !a.Admits(canon) {
		return "", apierrors.New(apierrors.KindPolicyDenied, "path %q is outside the allow-list", path).WithReason("PathDenied")
	}
	return canon, nil
}
