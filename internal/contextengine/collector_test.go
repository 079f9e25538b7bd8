package contextengine

import (
	"math"
	"testing"

	"github.com/coregov/runtime/internal/contextframe"
)

func TestCollector_DrainAggregatesAndResets(t *testing.T) {
	c := NewCollector()
	conf := 0.8
	f := contextframe.Frame{RiskLevel: contextframe.RiskSafe, ContextConfidence: &conf}

	for i := 0; i < 9; i++ {
		c.Observe(f, 10, true)
	}
	c.Observe(f, 500, false)

	obs := c.Drain()
	if obs.SuccessCount != 9 {
		t.Fatalf("expected 9 successes, got %d", obs.SuccessCount)
	}
	if obs.ErrorRate != 0.1 {
		t.Fatalf("expected error rate 0.1, got %v", obs.ErrorRate)
	}
	if obs.LatencyP95Ms != 500 {
		t.Fatalf("expected p95 to catch the slow outlier, got %v", obs.LatencyP95Ms)
	}
	if math.Abs(obs.ContextConfidence-0.8) > 1e-9 {
		t.Fatalf("expected mean confidence 0.8, got %v", obs.ContextConfidence)
	}

	empty := c.Drain()
	if empty.SuccessCount != 0 || empty.ErrorRate != 0 || empty.LatencyP95Ms != 0 {
		t.Fatalf("drain must reset the window, got %+v", empty)
	}
}

func TestCollector_AnyBlockedTrafficMarksCycleBlocked(t *testing.T) {
	c := NewCollector()
	c.Observe(contextframe.Frame{RiskLevel: contextframe.RiskSafe}, 5, true)
	c.Observe(contextframe.Frame{RiskLevel: contextframe.RiskBlocked}, 5, true)
	c.Observe(contextframe.Frame{RiskLevel: contextframe.RiskSafe}, 5, true)

	if obs := c.Drain(); obs.RiskLevel != contextframe.RiskBlocked {
		t.Fatalf("one risk-2 invocation must block the cycle, got %v", obs.RiskLevel)
	}
}
