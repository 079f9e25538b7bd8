package connector

import (
	"testing"
	"time"
)

type fakeRecorder struct{ last int }

func (f *fakeRecorder) SetActiveConnections(n int) { f.last = n }

func TestRegisterHeartbeatUnregister(t *testing.T) {
	rec := &fakeRecorder{}
	c := New(time.Hour, time.Hour, rec)

	c.Register("c1", TypeCLI)
	if rec.last != 1 {
		t.Fatalf("expected active_connections=1, got %d", rec.last)
	}
	if err := c.Heartbeat("c1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Heartbeat("missing"); err == nil {
		t.Fatal("expected error heartbeating unknown connection")
	}
	if err := c.Unregister("c1"); err != nil {
		t.Fatal(err)
	}
	if rec.last != 0 {
		t.Fatalf("expected active_connections=0 after unregister, got %d", rec.last)
	}
}

func TestReap_RemovesIdleConnections(t *testing.T) {
	c := New(10*time.Millisecond, time.Hour, nil)
	c.Register("idle", TypeWeb)
	time.Sleep(20 * time.Millisecond)
	c.Register("fresh", TypeWeb)

	removed := c.Reap()
	if len(removed) != 1 || removed[0] != "idle" {
		t.Fatalf("expected only 'idle' reaped, got %v", removed)
	}
	remaining := c.List()
	if len(remaining) != 1 || remaining[0].ID != "fresh" {
		t.Fatalf("expected 'fresh' to remain, got %v", remaining)
	}
}
