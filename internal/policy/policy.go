package policy

import (
	"github.com/coregov/runtime/internal/apierrors"
	"github.com/coregov/runtime/internal/contextframe"
	"github.com/coregov/runtime/internal/manifest"
)

// ManifestView is the subset of manifest.Manifest the enforcer needs to
// decide admission. Kept narrow so policy does not need the full registry.
type ManifestView = manifest.Manifest

// riskGatedPermissions is the static per-risk-level permission matrix:
// at risk_level=2 network/db/ai/execute are always denied; at
// risk_level=1 and 0 they are admitted (subject to tier capping, see
// EffectiveTier). read_only and delete are handled separately.
var riskGatedPermissions = []manifest.Permission{
	manifest.PermNetwork, manifest.PermDB, manifest.PermAI, manifest.PermExecute,
}

// TierCeilings maps a risk level to the maximum tier a tool may run at.
// Static per deployment: NewEnforcer installs DefaultTierCeilings unless it
// is given a table, and the whole table can be replaced through
// POST /api/policies; the configuration file carries no tier table.
type TierCeilings map[contextframe.RiskLevel]int

// DefaultTierCeilings is a conservative default: full tier at risk 0,
// capped at tier 1 under caution, capped at tier 0 when blocked.
func DefaultTierCeilings() TierCeilings {
	return TierCeilings{
		contextframe.RiskSafe:     3,
		contextframe.RiskCautious: 1,
		contextframe.RiskBlocked:  0,
	}
}

// EffectiveTier selects min(requested_tier, ceiling_for_risk_level).
func (c TierCeilings) EffectiveTier(requestedTier int, risk contextframe.RiskLevel) int {
	ceiling, ok := c[risk]
	if !ok {
		ceiling = 0
	}
	if requestedTier < ceiling {
		return requestedTier
	}
	return ceiling
}

// Input is the subset of a tool call's input the enforcer inspects for
// path fields. The Executor fills Paths from the values of input keys named
// "path", "paths" or ending in "_path"; the raw input is not passed in.
type Input struct {
	Paths []string
}

// Enforcer owns the allow-list and
// the tier ceiling table; both may be replaced wholesale via the admin API
// (POST /api/policies), hence the pointer-swap fields behind no mutex —
// reads always observe either the old or the new value, consistent with
// the copy-on-write style used elsewhere in the runtime.
type Enforcer struct {
	allowlist *Allowlist
	ceilings  TierCeilings
}

// NewEnforcer constructs an enforcer with the given allow-list prefixes and
// tier ceilings.
func NewEnforcer(allowlistPrefixes []string, ceilings TierCeilings) (*Enforcer, error) {
	al, err := NewAllowlist(allowlistPrefixes)
	if err != nil {
		return nil, err
	}
	if ceilings == nil {
		ceilings = DefaultTierCeilings()
	}
	return &Enforcer{allowlist: al, ceilings: ceilings}, nil
}

// Replace swaps in a new allow-list and tier table atomically from the
// caller's point of view (each field assignment is a single pointer write).
func (e *Enforcer) Replace(allowlistPrefixes []string, ceilings TierCeilings) error {
	al, err := NewAllowlist(allowlistPrefixes)
	if err != nil {
		return err
	}
	e.allowlist = al
	if ceilings != nil {
		e.ceilings = ceilings
	}
	return nil
}

// Ceilings returns the current tier ceiling table.
func (e *Enforcer) Ceilings() TierCeilings {
	out := make(TierCeilings, len(e.ceilings))
	for k, v := range e.ceilings {
		out[k] = v
	}
	return out
}

// Allowlist exposes the current allow-list for native adapters that need
// to resolve paths through the single validated-path helper.
func (e *Enforcer) Allowlist() *Allowlist { return e.allowlist }

// Admit decides whether an invocation may proceed: manifest enabled,
// every path under the allow-list, read-only and risk gates honored.
func (e *Enforcer) Admit(m manifest.Manifest, in Input, ctx contextframe.Frame) error {
	if !m.Enabled {
		return apierrors.New(apierrors.KindToolDisabled, "tool %q is disabled", m.Name)
	}

	if ctx.Flags.ReadOnly && (m.HasPermission(manifest.PermWrite) || m.HasPermission(manifest.PermDelete)) {
		return apierrors.New(apierrors.KindReadOnlyViolation, "tool %q requires write access under a read-only context", m.Name)
	}

	for _, p := range in.Paths {
		if !e.allowlist.Admits(p) {
			return apierrors.New(apierrors.KindPolicyDenied, "path %q is outside the allow-list", p).WithReason("PathDenied")
		}
	}

	if ctx.RiskLevel == contextframe.RiskBlocked {
		for _, gated := range riskGatedPermissions {
			if m.HasPermission(gated) {
				return apierrors.New(apierrors.KindPolicyDenied, "tool %q requires %q, blocked at risk_level=2", m.Name, gated).WithReason("RiskLevelBlocked")
			}
		}
	}

	return nil
}

// EffectiveTier caps the manifest's declared tier by the context's risk
// level, returning the tier the Executor records on the span and passes
// to the runner.
func (e *Enforcer) EffectiveTier(m manifest.Manifest, ctx contextframe.Frame) int {
	return e.ceilings.EffectiveTier(m.Tier, ctx.RiskLevel)
}
