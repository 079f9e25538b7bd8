// Package connector tracks live client sessions: per-connection records
// with heartbeat lifecycle and an idle-TTL reaper sweeping against
// last_activity.
package connector

import (
	"context"
	"sync"
	"time"

	"github.com/coregov/runtime/internal/apierrors"
)

// Type enumerates the kinds of clients that register a connection.
type Type string

const (
	TypeVSCode Type = "vscode"
	TypeQoder  Type = "qoder"
	TypeCLI    Type = "cli"
	TypeWeb    Type = "web"
	TypeOther  Type = "other"
)

// Connection is one live client session.
type Connection struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// HealthRecorder receives the active_connections gauge update. Satisfied
// by *observability.Metrics; kept as a narrow interface so the connector
// does not import observability directly.
type HealthRecorder interface {
	SetActiveConnections(n int)
}

// Connector tracks connections behind a single mutex — the registry is
// small and short-lived enough that a narrow RWMutex, not a copy-on-write
// scheme, is the right fit (unlike the manifest registry's read-heavy
// workload).
type Connector struct {
	mu          sync.RWMutex
	conns       map[string]Connection
	idleTTL     time.Duration
	reapPeriod  time.Duration
	metrics     HealthRecorder
}

// DefaultIdleTTL is how long a silent connection survives between sweeps.
const DefaultIdleTTL = 90 * time.Second

// New constructs a Connector with the given idle TTL and reap sweep period.
func New(idleTTL, reapPeriod time.Duration, metrics HealthRecorder) *Connector {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if reapPeriod <= 0 {
		reapPeriod = 15 * time.Second
	}
	return &Connector{
		conns:      map[string]Connection{},
		idleTTL:    idleTTL,
		reapPeriod: reapPeriod,
		metrics:    metrics,
	}
}

// Register creates a new connection record.
func (c *Connector) Register(id string, t Type) Connection {
	now := time.Now().UTC()
	conn := Connection{ID: id, Type: t, ConnectedAt: now, LastActivity: now}
	c.mu.Lock()
	c.conns[id] = conn
	n := len(c.conns)
	c.mu.Unlock()
	c.reportHealth(n)
	return conn
}

// Heartbeat refreshes a connection's last_activity.
func (c *Connector) Heartbeat(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[id]
	if !ok {
		return apierrors.New(apierrors.KindToolNotFound, "no connection %q", id)
	}
	conn.LastActivity = time.Now().UTC()
	c.conns[id] = conn
	return nil
}

// Unregister explicitly closes a connection.
func (c *Connector) Unregister(id string) error {
	c.mu.Lock()
	if _, ok := c.conns[id]; !ok {
		c.mu.Unlock()
		return apierrors.New(apierrors.KindToolNotFound, "no connection %q", id)
	}
	delete(c.conns, id)
	n := len(c.conns)
	c.mu.Unlock()
	c.reportHealth(n)
	return nil
}

// List returns all live connections.
func (c *Connector) List() []Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		out = append(out, conn)
	}
	return out
}

func (c *Connector) reportHealth(n int) {
	if c.metrics != nil {
		c.metrics.SetActiveConnections(n)
	}
}

// Reap runs the idle-TTL sweep once, returning the ids it removed.
func (c *Connector) Reap() []string {
	cutoff := time.Now().UTC().Add(-c.idleTTL)
	c.mu.Lock()
	var removed []string
	for id, conn := range c.conns {
		if conn.LastActivity.Before(cutoff) {
			delete(c.conns, id)
			removed = append(removed, id)
		}
	}
	n := len(c.conns)
	c.mu.Unlock()
	if len(removed) > 0 {
		c.reportHealth(n)
	}
	return removed
}

// RunReaper sweeps on a fixed interval until ctx is cancelled.
func (c *Connector) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(c.reapPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reap()
		}
	}
}
