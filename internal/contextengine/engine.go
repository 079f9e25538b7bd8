package contextengine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coregov/runtime/internal/apierrors"
	"github.com/coregov/runtime/internal/contextframe"
	"github.com/coregov/runtime/internal/eventbus"
)

// Snapshot is a timestamped, referenced copy of an entire TunableSet.
type Snapshot struct {
	ID        string
	Tunables  TunableSet
	CreatedAt time.Time
}

// Config controls the engine's safety bounds. The option set is closed;
// there are no dynamic knobs beyond these.
type Config struct {
	Enabled             bool
	ChangeCapPctPerDay  float64 // default 0.10
	PerCycleCapPct      float64 // default: half the daily cap
	MinConfidence       float64 // default 0.6
	MinScoreImprovement float64 // margin over the baseline score, default 0.01
	CycleDuration       time.Duration // default 60s
	SnapshotRingSize    int           // default 8
}

// DefaultConfig returns the stock safety bounds.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		ChangeCapPctPerDay:  0.10,
		PerCycleCapPct:      0.05,
		MinConfidence:       0.6,
		MinScoreImprovement: 0.01,
		CycleDuration:       60 * time.Second,
		SnapshotRingSize:    8,
	}
}

type baselinePoint struct {
	at    time.Time
	value float64
}

// Observation summarizes one cycle's traffic for score evaluation.
type Observation struct {
	RiskLevel         contextframe.RiskLevel
	ContextConfidence float64
	LatencyP95Ms      float64
	ErrorRate         float64
	SuccessCount      int64
	// GuardLatencyCeilingMs and GuardErrorRateCeiling trigger automatic
	// rollback when crossed, independent of the proposal logic.
	GuardLatencyCeilingMs  float64
	GuardErrorRateCeiling float64
}

// Engine owns the tunable set and drives its bounded adaptation.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	tunables TunableSet
	history  map[string][]baselinePoint

	// scoreBaseline is the score level the current baselines earned; a
	// cycle must beat it by MinScoreImprovement before anything moves. It
	// advances only when a promotion commits.
	scoreBaseline float64

	ring     []Snapshot
	lastGood Snapshot

	bus *eventbus.Bus
}

// NewEngine constructs an engine seeded with initial and wired to bus for
// the context.engine event stream. A nil bus is valid for tests that do
// not care about event emission.
func NewEngine(cfg Config, initial TunableSet, bus *eventbus.Bus) *Engine {
	now := time.Now().UTC()
	history := make(map[string][]baselinePoint, len(initial))
	for name, t := range initial {
		history[name] = []baselinePoint{{at: now, value: t.Baseline}}
	}
	snap := Snapshot{ID: uuid.NewString(), Tunables: initial.Clone(), CreatedAt: now}
	return &Engine{
		cfg:      cfg,
		tunables: initial.Clone(),
		history:  history,
		// Seed with the score of an idle window so the first real traffic
		// has something to beat.
		scoreBaseline: score(Observation{}),
		ring:          []Snapshot{snap},
		lastGood:      snap,
		bus:           bus,
	}
}

// Snapshot returns a read-only copy of the current tunable set. Reads are
// lock-free from the caller's perspective in spirit (a single mutex
// protects the whole engine, but the copy returned never aliases engine
// state, so callers never observe a torn write).
func (e *Engine) Snapshot() TunableSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tunables.Clone()
}

// Enabled reports whether adaptive tuning is on; false means the engine is
// in deterministic mode.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Enabled
}

// SetEnabled toggles deterministic mode. When disabled, values are fixed at
// baseline and RunCycle proposes nothing but still consumes metrics.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Enabled = enabled
	if !enabled {
		for name, t := range e.tunables {
			t.Current = t.Baseline
			t.State = StateSteady
			e.tunables[name] = t
		}
	}
}

// score is a simple composite: higher is better. Improvement is measured
// against the level the current baselines earned. Latency and error rate
// carry more weight than raw throughput.
func score(obs Observation) float64 {
	latencyTerm := 1.0 / (1.0 + obs.LatencyP95Ms/100.0)
	errorTerm := 1.0 - obs.ErrorRate
	throughputTerm := float64(obs.SuccessCount) / (float64(obs.SuccessCount) + 1.0)
	return 0.4*latencyTerm + 0.4*errorTerm + 0.2*throughputTerm
}

// dailyCapOK checks the rolling-24h drift bound:
// |candidate - baseline_at_window_start| / baseline <= ChangeCapPctPerDay.
// The window slides, anchored at the last baseline promotion.
func (e *Engine) dailyCapOK(name string, candidate float64) bool {
	pts := e.history[name]
	if len(pts) == 0 {
		return true
	}
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	windowStart := pts[0].value
	for _, p := range pts {
		if p.at.After(cutoff) {
			break
		}
		windowStart = p.value
	}
	if windowStart == 0 {
		return true
	}
	drift := (candidate - windowStart) / windowStart
	if drift < 0 {
		drift = -drift
	}
	return drift <= e.cfg.ChangeCapPctPerDay
}

// RunCycle evaluates one fixed-duration window's worth of observations and
// advances at most one state transition per tunable.
// Emits context.engine events for every proposal, promotion, and rollback.
func (e *Engine) RunCycle(obs Observation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Enabled {
		return
	}

	// Tunables promoted last cycle settle back to steady first, so the
	// settle never depends on this cycle qualifying, and
	// consecutive_good_cycles resets on settle.
	for name, t := range e.tunables {
		if t.State == StatePromoted {
			t.State = StateSteady
			t.ConsecutiveGoodCycles = 0
			e.tunables[name] = t
		}
	}

	// Guard-metric automatic rollback takes priority over any proposal.
	if obs.GuardLatencyCeilingMs > 0 && obs.LatencyP95Ms > obs.GuardLatencyCeilingMs {
		e.rollbackLocked("guard_latency_exceeded")
		return
	}
	if obs.GuardErrorRateCeiling > 0 && obs.ErrorRate > obs.GuardErrorRateCeiling {
		e.rollbackLocked("guard_error_rate_exceeded")
		return
	}

	if obs.RiskLevel == contextframe.RiskBlocked {
		return // no tunable changes baseline in a cycle that saw risk_level=2
	}
	if obs.ContextConfidence < e.cfg.MinConfidence {
		return
	}

	s := score(obs)
	if s <= e.scoreBaseline+e.cfg.MinScoreImprovement {
		// No improvement over what the current baselines already earn.
		return
	}

	promoted := false
	for name, t := range e.tunables {
		if e.stepTunable(name, t) {
			promoted = true
		}
	}
	if promoted {
		e.scoreBaseline = s
	}
}

// stepTunable advances one tunable at most one transition, reporting
// whether a promotion committed.
func (e *Engine) stepTunable(name string, t Tunable) bool {
	switch t.State {
	case StateSteady:
		candidate := t.clampToBounds(t.Baseline * (1 + e.cfg.PerCycleCapPct))
		if !e.dailyCapOK(name, candidate) {
			e.emit("context.engine", "proposal_rejected", map[string]any{
				"tunable": name, "reason": "cap_exceeded", "candidate": candidate, "baseline": t.Baseline,
			})
			return false
		}
		t.Proposed = candidate
		t.State = StateProposed
		t.Current = candidate
		t.LastUpdatedAt = time.Now().UTC()
		e.tunables[name] = t
		e.emit("context.engine", "proposed", map[string]any{
			"tunable": name, "proposed": candidate, "baseline": t.Baseline,
		})
		return false

	case StateProposed:
		if !e.dailyCapOK(name, t.Proposed) {
			t.State = StateSteady
			t.Current = t.Baseline
			e.tunables[name] = t
			e.emit("context.engine", "proposal_rejected", map[string]any{
				"tunable": name, "reason": "cap_exceeded", "candidate": t.Proposed, "baseline": t.Baseline,
			})
			return false
		}
		old := t.Baseline
		t.Baseline = t.Proposed
		t.Current = t.Proposed
		t.ConsecutiveGoodCycles++
		t.State = StatePromoted
		t.LastUpdatedAt = time.Now().UTC()
		e.tunables[name] = t
		e.history[name] = append(e.history[name], baselinePoint{at: t.LastUpdatedAt, value: t.Baseline})
		e.snapshotLocked()
		e.emit("context.engine", "promoted", map[string]any{
			"tunable": name, "old_baseline": old, "new_baseline": t.Baseline,
		})
		return true
	}
	return false
}

// snapshotLocked pushes the current tunable set into the ring buffer,
// evicting the oldest entry once the ring is full, and pins the new state
// as last-known-good (it was just promoted, so it is good by definition).
func (e *Engine) snapshotLocked() {
	snap := Snapshot{ID: uuid.NewString(), Tunables: e.tunables.Clone(), CreatedAt: time.Now().UTC()}
	e.ring = append(e.ring, snap)
	if len(e.ring) > e.cfg.SnapshotRingSize {
		e.ring = e.ring[len(e.ring)-e.cfg.SnapshotRingSize:]
	}
	e.lastGood = snap
}

// Rollback restores the TunableSet from the pinned last-known-good
// snapshot atomically.
func (e *Engine) Rollback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollbackLocked("explicit")
}

func (e *Engine) rollbackLocked(reason string) {
	before := e.tunables.Clone()
	e.tunables = e.lastGood.Tunables.Clone()
	for name, t := range e.tunables {
		t.State = StateSteady
		e.tunables[name] = t
	}
	e.emit("context.engine", "rollback", map[string]any{
		"reason": reason, "before": before, "after": e.tunables.Clone(),
	})
}

// Snapshots returns the current ring buffer contents, most recent last.
func (e *Engine) Snapshots() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, len(e.ring))
	copy(out, e.ring)
	return out
}

// SnapshotByID finds a historical snapshot by id.
func (e *Engine) SnapshotByID(id string) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.ring {
		if s.ID == id {
			return s, nil
		}
	}
	return Snapshot{}, apierrors.New(apierrors.KindSnapshotNotFound, "no snapshot %q", id)
}

func (e *Engine) emit(stream, typ string, data any) {
	if e.bus == nil {
		return
	}
	frame := contextframe.DefaultForRead()
	_, _ = e.bus.Append(stream, typ, data, eventbus.Metadata{CorrelationID: uuid.NewString()}, frame)
}
