package contextengine

import (
	"math"
	"sort"
	"sync"

	"github.com/coregov/runtime/internal/contextframe"
)

// Collector accumulates one cycle's worth of execution outcomes and drains
// them into an Observation. The Executor feeds it on every invocation; the
// cycle ticker drains it once per window. Risk aggregation is conservative:
// if any traffic in the window carried risk_level=2, the whole cycle is
// treated as blocked.
type Collector struct {
	mu            sync.Mutex
	durations     []float64
	total         int64
	errors        int64
	maxRisk       contextframe.RiskLevel
	confidenceSum float64
	confidenceN   int64
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Observe records one execution outcome.
func (c *Collector) Observe(f contextframe.Frame, durationMs float64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.durations = append(c.durations, durationMs)
	c.total++
	if !success {
		c.errors++
	}
	if f.RiskLevel > c.maxRisk {
		c.maxRisk = f.RiskLevel
	}
	if f.ContextConfidence != nil {
		c.confidenceSum += *f.ContextConfidence
		c.confidenceN++
	}
}

// Drain returns the Observation for the window just ended and resets the
// collector for the next one. An empty window yields a zero-success
// observation the engine will not act on.
func (c *Collector) Drain() Observation {
	c.mu.Lock()
	defer c.mu.Unlock()

	obs := Observation{
		RiskLevel:    c.maxRisk,
		LatencyP95Ms: percentile(c.durations, 0.95),
		SuccessCount: c.total - c.errors,
	}
	if c.total > 0 {
		obs.ErrorRate = float64(c.errors) / float64(c.total)
	}
	if c.confidenceN > 0 {
		obs.ContextConfidence = c.confidenceSum / float64(c.confidenceN)
	}

	c.durations = nil
	c.total = 0
	c.errors = 0
	c.maxRisk = contextframe.RiskSafe
	c.confidenceSum = 0
	c.confidenceN = 0
	return obs
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	// Nearest-rank: the smallest value with at least p of the samples at or
	// below it.
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
