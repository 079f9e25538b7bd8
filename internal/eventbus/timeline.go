package eventbus

import (
	"sort"
	"strings"
	"time"
)

// Timeline is a read-side projection of the events recorded for one
// logical operation, joined on reason_trace_id. It is a debugging surface
// over the bus's records and carries none of the bus's delivery guarantees.
type Timeline struct {
	ReasonTraceID string           `json:"reason_trace_id"`
	TenantID      string           `json:"tenant_id"`
	StartTime     time.Time        `json:"start_time"`
	EndTime       time.Time        `json:"end_time"`
	Duration      time.Duration    `json:"duration"`
	Events        []Event          `json:"events"`
	Summary       *TimelineSummary `json:"summary"`
}

// TimelineSummary aggregates a timeline's events by category.
type TimelineSummary struct {
	TotalEvents       int `json:"total_events"`
	ToolInvocations   int `json:"tool_invocations"`
	EngineTransitions int `json:"engine_transitions"`
	TelemetryRecords  int `json:"telemetry_records"`
}

// EventsByTrace returns every recorded event whose frame carries the given
// reason_trace_id, across all streams, in timestamp order.
func (b *Bus) EventsByTrace(reasonTraceID string) []Event {
	b.mu.RLock()
	var out []Event
	for _, ss := range b.streams {
		for _, ev := range ss.events {
			if ev.Ctx.ReasonTraceID == reasonTraceID {
				out = append(out, ev)
			}
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// BuildTimeline assembles a display timeline from events.
func BuildTimeline(events []Event) *Timeline {
	if len(events) == 0 {
		return &Timeline{Summary: &TimelineSummary{}}
	}

	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	tl := &Timeline{
		Events:    sorted,
		StartTime: sorted[0].Timestamp,
		EndTime:   sorted[len(sorted)-1].Timestamp,
		Duration:  sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp),
		Summary:   &TimelineSummary{TotalEvents: len(sorted)},
	}

	for _, e := range sorted {
		if tl.ReasonTraceID == "" && e.Ctx.ReasonTraceID != "" {
			tl.ReasonTraceID = e.Ctx.ReasonTraceID
		}
		if tl.TenantID == "" && e.Ctx.TenantID != "" {
			tl.TenantID = e.Ctx.TenantID
		}
		switch {
		case e.Stream == "tool":
			tl.Summary.ToolInvocations++
		case strings.HasPrefix(e.Stream, "context.engine"):
			tl.Summary.EngineTransitions++
		case e.Stream == "telemetry":
			tl.Summary.TelemetryRecords++
		}
	}
	return tl
}
