// Package contextframe defines the ContextFrame carried by every
// operation and its sole structural validation gate. No other
// component re-checks these structural rules; they check policy and
// business invariants instead.
package contextframe

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coregov/runtime/internal/apierrors"
)

// Stage is the deployment stage an invocation was issued from.
type Stage string

const (
	StageDev     Stage = "dev"
	StageStaging Stage = "staging"
	StageProd    Stage = "prod"
)

func (s Stage) valid() bool {
	switch s {
	case StageDev, StageStaging, StageProd:
		return true
	default:
		return false
	}
}

// RiskLevel gates autotune eligibility and tier selection.
// 0 safe, 1 cautious, 2 blocks autotune and restricts tiers.
type RiskLevel int

const (
	RiskSafe     RiskLevel = 0
	RiskCautious RiskLevel = 1
	RiskBlocked  RiskLevel = 2
)

func (r RiskLevel) valid() bool { return r >= RiskSafe && r <= RiskBlocked }

// Budgets bounds the resources a single invocation may consume.
type Budgets struct {
	CPUMillis int64 `json:"cpu_ms,omitempty"`
	MemMB     int64 `json:"mem_mb,omitempty"`
	RPS       int64 `json:"rps,omitempty"`
}

// Flags carries operation-scoped toggles.
type Flags struct {
	AllowAutotune bool `json:"allow_autotune,omitempty"`
	ReadOnly      bool `json:"read_only,omitempty"`
}

// Frame is the immutable, per-invocation ContextFrame. Once validated it is
// never mutated; derived copies (e.g. default_for_read) are new values.
type Frame struct {
	ReasonTraceID     string    `json:"reason_trace_id"`
	TenantID          string    `json:"tenant_id"`
	Stage             Stage     `json:"stage"`
	RiskLevel         RiskLevel `json:"risk_level"`
	NoveltyScore      *float64  `json:"novelty_score,omitempty"`
	ContextConfidence *float64  `json:"context_confidence,omitempty"`
	Budgets           *Budgets  `json:"budgets,omitempty"`
	Flags             Flags     `json:"flags,omitempty"`
	Timestamp         time.Time `json:"ts"`
}

// Validate is the single structural gate for every ContextFrame that
// flows through the runtime. It never inspects policy or tenancy
// semantics, only structural shape.
func Validate(f Frame) error {
	if f.ReasonTraceID == "" {
		return apierrors.New(apierrors.KindInvalidContext, "reason_trace_id is required").WithReason("MissingField")
	}
	if f.TenantID == "" {
		return apierrors.New(apierrors.KindInvalidContext, "tenant_id is required").WithReason("MissingField")
	}
	if !f.Stage.valid() {
		return apierrors.New(apierrors.KindInvalidContext, "stage must be one of dev, staging, prod, got %q", f.Stage).WithReason("InvalidStage")
	}
	if !f.RiskLevel.valid() {
		return apierrors.New(apierrors.KindInvalidContext, "risk_level must be 0, 1, or 2, got %d", f.RiskLevel).WithReason("InvalidRisk")
	}
	if f.Timestamp.IsZero() {
		return apierrors.New(apierrors.KindInvalidContext, "ts is required").WithReason("BadTimestamp")
	}
	if f.NoveltyScore != nil && (*f.NoveltyScore < 0 || *f.NoveltyScore > 1) {
		return apierrors.New(apierrors.KindInvalidContext, "novelty_score must be within [0,1], got %v", *f.NoveltyScore).WithReason("OutOfRangeScore")
	}
	if f.ContextConfidence != nil && (*f.ContextConfidence < 0 || *f.ContextConfidence > 1) {
		return apierrors.New(apierrors.KindInvalidContext, "context_confidence must be within [0,1], got %v", *f.ContextConfidence).WithReason("OutOfRangeScore")
	}
	return nil
}

// DefaultForRead synthesizes a frame carrying trace identity only, for
// pure read-class operations that omit a caller-supplied ContextFrame. It
// must never be used for policy decisions — risk_level=0 here means
// "untrusted, trace-only", not "safe to autotune on".
func DefaultForRead() Frame {
	return Frame{
		ReasonTraceID: fmt.Sprintf("synthetic-%s", uuid.NewString()),
		TenantID:      "default",
		Stage:         StageDev,
		RiskLevel:     RiskSafe,
		Timestamp:     time.Now().UTC(),
	}
}
