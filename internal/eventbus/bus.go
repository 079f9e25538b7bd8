// Package eventbus implements the event bus: idempotent append,
// per-stream ordering, and subscription fan-out with at-least-once,
// independently-ordered delivery. The record store is in-memory,
// RWMutex-guarded maps with stream and correlation-id indices.
package eventbus

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coregov/runtime/internal/apierrors"
	"github.com/coregov/runtime/internal/contextframe"
)

// Metadata carries idempotency and causal-linking identifiers for an event.
type Metadata struct {
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id,omitempty"`
}

// Event is one bus record.
type Event struct {
	EventID   string              `json:"event_id"`
	Stream    string              `json:"stream"`
	Type      string              `json:"type"`
	Data      any                 `json:"data"`
	Metadata  Metadata            `json:"metadata"`
	Ctx       contextframe.Frame  `json:"ctx"`
	Timestamp time.Time           `json:"timestamp"`
	Seq       int64               `json:"seq"`
}

// Handler processes one delivered event. Handlers must be idempotent: the
// bus guarantees at-least-once delivery, never exactly-once.
type Handler func(Event)

type subscription struct {
	id      string
	pattern string
	handler Handler
	queue   chan Event
}

// matches reports whether stream satisfies the subscription's pattern.
// A pattern is "*" (every stream), a prefix followed by a trailing "*", or
// an exact stream name.
func (s subscription) matches(stream string) bool {
	if s.pattern == "*" {
		return true
	}
	if strings.HasSuffix(s.pattern, "*") {
		return strings.HasPrefix(stream, strings.TrimSuffix(s.pattern, "*"))
	}
	return s.pattern == stream
}

var wildcardRE = regexp.MustCompile(`\*$`)

func validPattern(p string) bool {
	return p != "" && (p == "*" || wildcardRE.MatchString(p) || !strings.ContainsAny(p, "*"))
}

type streamState struct {
	seq    int64
	events []Event
}

// Bus is the event bus. There is no global lock: the record store and
// the subscriber list each own a narrow mutex.
type Bus struct {
	mu          sync.RWMutex
	streams     map[string]*streamState
	byCorrelate map[string]string // correlation_id -> event_id, first-write-wins

	subMu sync.RWMutex
	subs  []*subscription

	inflight     atomic.Int64
	maxInflight  int64
	watermarkPct float64

	fanoutWG sync.WaitGroup

	recorder MetricsRecorder
}

// MetricsRecorder receives append outcomes. Satisfied by
// *observability.Metrics; narrow so the bus does not import observability.
type MetricsRecorder interface {
	RecordEvent(stream, outcome, tenantID, stage string)
}

// SetMetricsRecorder wires the observability sink. Called once at startup.
func (b *Bus) SetMetricsRecorder(r MetricsRecorder) { b.recorder = r }

func (b *Bus) record(stream, outcome string, ctx contextframe.Frame) {
	if b.recorder != nil {
		b.recorder.RecordEvent(stream, outcome, ctx.TenantID, string(ctx.Stage))
	}
}

// NewBus constructs an empty bus. maxInflight and watermarkPct come from
// the Context Engine's TunableSet (max_inflight, queue_watermark); a zero
// maxInflight disables backpressure (unit tests, bootstrapping).
func NewBus(maxInflight int64, watermarkPct float64) *Bus {
	return &Bus{
		streams:      map[string]*streamState{},
		byCorrelate:  map[string]string{},
		maxInflight:  maxInflight,
		watermarkPct: watermarkPct,
	}
}

// SetLimits updates the backpressure threshold. The server's engine loop
// calls it after every cycle with the engine's current max_inflight and
// queue_watermark.
func (b *Bus) SetLimits(maxInflight int64, watermarkPct float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxInflight = maxInflight
	b.watermarkPct = watermarkPct
}

func (b *Bus) threshold() int64 {
	if b.maxInflight <= 0 {
		return 0
	}
	return int64(float64(b.maxInflight) * b.watermarkPct)
}

// Append records one event: idempotent on metadata.correlation_id
// (first write wins), per-stream monotonic seq, asynchronous fan-out.
func (b *Bus) Append(stream, typ string, data any, meta Metadata, ctx contextframe.Frame) (string, error) {
	if meta.CorrelationID == "" {
		return "", apierrors.New(apierrors.KindInvalidInput, "metadata.correlation_id is required")
	}

	b.mu.Lock()
	if existing, ok := b.byCorrelate[meta.CorrelationID]; ok {
		b.mu.Unlock()
		b.record(stream, "duplicate", ctx)
		return existing, nil
	}

	if th := b.threshold(); th > 0 && b.inflight.Load() >= th {
		b.mu.Unlock()
		b.record(stream, "backpressured", ctx)
		return "", apierrors.New(apierrors.KindBackpressured, "stream %q is at capacity", stream)
	}

	ss, ok := b.streams[stream]
	if !ok {
		ss = &streamState{}
		b.streams[stream] = ss
	}
	ss.seq++
	ev := Event{
		EventID:   newEventID(),
		Stream:    stream,
		Type:      typ,
		Data:      data,
		Metadata:  meta,
		Ctx:       ctx,
		Timestamp: time.Now().UTC(),
		Seq:       ss.seq,
	}
	ss.events = append(ss.events, ev)
	b.byCorrelate[meta.CorrelationID] = ev.EventID
	b.mu.Unlock()

	b.record(stream, "appended", ctx)
	b.fanout(ev)
	return ev.EventID, nil
}

// QueryDuplicate implements query_duplicate(correlation_id).
func (b *Bus) QueryDuplicate(correlationID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.byCorrelate[correlationID]
	return id, ok
}

// Events returns all recorded events for a stream in append order.
// Present for the timeline projection and debugging; not part of the
// delivery contract.
func (b *Bus) Events(stream string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ss, ok := b.streams[stream]
	if !ok {
		return nil
	}
	out := make([]Event, len(ss.events))
	copy(out, ss.events)
	return out
}

// Subscribe registers handler for every future event on streams matching
// pattern. Delivery is at-least-once and in append order per stream, but
// independent across subscribers — one subscriber's backlog never blocks
// another's.
func (b *Bus) Subscribe(pattern string, handler Handler) (func(), error) {
	if !validPattern(pattern) {
		return nil, apierrors.New(apierrors.KindInvalidInput, "invalid subscription pattern %q", pattern)
	}
	sub := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
		queue:   make(chan Event, 256),
	}

	b.fanoutWG.Add(1)
	go func() {
		defer b.fanoutWG.Done()
		for ev := range sub.queue {
			// A panicking or slow handler must not take down the bus or
			// block other subscribers; each subscriber has its own
			// goroutine and its own queue.
			func() {
				defer b.inflight.Add(-1)
				defer func() { _ = recover() }()
				sub.handler(ev)
			}()
		}
	}()

	b.subMu.Lock()
	b.subs = append(b.subs, sub)
	b.subMu.Unlock()

	unsubscribe := func() {
		b.subMu.Lock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.subMu.Unlock()
		close(sub.queue)
	}
	return unsubscribe, nil
}

// fanout enqueues ev for every matching subscriber. Each pending delivery
// counts against the in-flight total that drives backpressure; the count
// drops when the handler finishes, so a slow subscriber eventually pushes
// Append into Backpressured instead of growing an unbounded backlog.
func (b *Bus) fanout(ev Event) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(ev.Stream) {
			continue
		}
		b.inflight.Add(1)
		select {
		case sub.queue <- ev:
		default:
			// Slow subscriber: drop into a blocking send on a fresh
			// goroutine rather than stalling fan-out for everyone else.
			go func(s *subscription, e Event) {
				defer func() {
					if r := recover(); r != nil {
						// Queue closed by unsubscribe; the delivery dies
						// with it.
						b.inflight.Add(-1)
					}
				}()
				s.queue <- e
			}(sub, ev)
		}
	}
}

var idCounter atomic.Uint64

// newEventID assigns a monotonically sortable id: a millisecond timestamp
// prefix followed by a per-process counter, so ids sort the same way they
// were created even within the same millisecond.
func newEventID() string {
	n := idCounter.Add(1)
	return fmt.Sprintf("%013d-%08d", time.Now().UnixMilli(), n)
}
