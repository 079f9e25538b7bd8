package eventbus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/coregov/runtime/internal/apierrors"
	"github.com/coregov/runtime/internal/contextframe"
)

func testFrame() contextframe.Frame {
	return contextframe.Frame{
		ReasonTraceID: "T1", TenantID: "default",
		Stage: contextframe.StageDev, RiskLevel: contextframe.RiskSafe,
		Timestamp: time.Now().UTC(),
	}
}

func TestAppend_IdempotentOnCorrelationID(t *testing.T) {
	b := NewBus(0, 0)
	var count int32
	done := make(chan struct{})
	unsub, err := b.Subscribe("*", func(Event) {
		if atomic.AddInt32(&count, 1) == 2 {
			close(done)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	id1, err := b.Append("tool", "tool.invoked", nil, Metadata{CorrelationID: "C-42"}, testFrame())
	if err != nil {
		t.Fatal(err)
	}
	id2, err := b.Append("tool", "tool.invoked", nil, Metadata{CorrelationID: "C-42"}, testFrame())
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("expected same event_id for duplicate correlation_id, got %q and %q", id1, id2)
	}
	if len(b.Events("tool")) != 1 {
		t.Fatalf("expected exactly one recorded event, got %d", len(b.Events("tool")))
	}

	// only the first append should have reached the subscriber
	select {
	case <-done:
		t.Fatal("handler invoked twice for one logical event")
	case <-time.After(50 * time.Millisecond):
	}
	if atomic.LoadInt32(&count) != 1 {
		t.Fatalf("expected exactly 1 handler invocation, got %d", count)
	}
}

func TestAppend_PerStreamSeqIncreasing(t *testing.T) {
	b := NewBus(0, 0)
	for i := 0; i < 3; i++ {
		if _, err := b.Append("s", "t", i, Metadata{CorrelationID: string(rune('A' + i))}, testFrame()); err != nil {
			t.Fatal(err)
		}
	}
	evs := b.Events("s")
	for i, ev := range evs {
		if ev.Seq != int64(i+1) {
			t.Fatalf("expected seq %d at index %d, got %d", i+1, i, ev.Seq)
		}
	}
}

func TestAppend_Backpressured(t *testing.T) {
	b := NewBus(10, 0.5) // threshold = 5, but nothing ever decrements inflight in this model;
	// exercise the denial path directly by forcing inflight above threshold.
	b.inflight.Store(5)
	_, err := b.Append("s", "t", nil, Metadata{CorrelationID: "X"}, testFrame())
	ae, ok := apierrors.As(err)
	if !ok || ae.Kind != apierrors.KindBackpressured {
		t.Fatalf("expected Backpressured, got %v", err)
	}
}

func TestQueryDuplicate(t *testing.T) {
	b := NewBus(0, 0)
	if _, ok := b.QueryDuplicate("missing"); ok {
		t.Fatal("expected no match for unseen correlation id")
	}
	id, _ := b.Append("s", "t", nil, Metadata{CorrelationID: "Y"}, testFrame())
	got, ok := b.QueryDuplicate("Y")
	if !ok || got != id {
		t.Fatalf("expected %q, got %q (ok=%v)", id, got, ok)
	}
}
