// Package delivery maps each session to at most one live real-time connection.
//
// The only addressable unit for Send is the session id, and each session
// belongs to exactly one tenant, so payloads cannot cross tenants through the
// normal path. SendToTenant is an explicit administrative fan-out.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/logging"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/observability"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/ports"
	"github.com/google/uuid"
)

// Connection is one bound real-time channel.
type Connection struct {
	ID           string
	SessionID    string
	TenantID     string
	UserID       string
	Channel      ports.Channel
	LastActivity time.Time
}

// Router binds sessions to connections. Safe for concurrent use.
type Router struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	bySession map[string]string
	byTenant  map[string]map[string]struct{}

	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures the Router.
type Option func(*Router)

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithClock overrides the time source used for activity tracking.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// NewRouter creates an empty router.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		conns:     make(map[string]*Connection),
		bySession: make(map[string]string),
		byTenant:  make(map[string]map[string]struct{}),
		now:       time.Now,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect binds ch to the session and returns the new connection id.
// A connection already bound to the session is evicted and closed.
func (r *Router) Connect(ch ports.Channel, sessionID, tenantID, userID string) string {
	conn := &Connection{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		TenantID:     tenantID,
		UserID:       userID,
		Channel:      ch,
		LastActivity: r.now(),
	}

	r.mu.Lock()
	var evicted *Connection
	if prevID, ok := r.bySession[sessionID]; ok {
		evicted = r.conns[prevID]
		r.removeLocked(prevID)
	}
	r.conns[conn.ID] = conn
	r.bySession[sessionID] = conn.ID
	if r.byTenant[tenantID] == nil {
		r.byTenant[tenantID] = make(map[string]struct{})
	}
	r.byTenant[tenantID][conn.ID] = struct{}{}
	count := len(r.conns)
	r.mu.Unlock()

	if evicted != nil {
		r.logger.Info("Evicting previous connection", "session_id", sessionID, "connection_id", evicted.ID)
		r.closeQuietly(evicted)
	}
	r.metrics.SetConnections(count)
	r.logger.Debug("Connection bound", "session_id", sessionID, "tenant_id", tenantID, "connection_id", conn.ID)
	return conn.ID
}

// removeLocked drops id from every index. The session binding is only removed
// if it still points at id.
func (r *Router) removeLocked(id string) *Connection {
	conn, ok := r.conns[id]
	if !ok {
		return nil
	}
	delete(r.conns, id)
	if r.bySession[conn.SessionID] == id {
		delete(r.bySession, conn.SessionID)
	}
	if members := r.byTenant[conn.TenantID]; members != nil {
		delete(members, id)
		if len(members) == 0 {
			delete(r.byTenant, conn.TenantID)
		}
	}
	return conn
}

func (r *Router) closeQuietly(conn *Connection) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("Panic closing connection", "connection_id", conn.ID, "panic", p)
		}
	}()
	if err := conn.Channel.Close(); err != nil {
		r.logger.Debug("Close failed", "connection_id", conn.ID, "err", err)
	}
}

// Disconnect removes a connection. It does not close the channel; the caller owns it.
// Calling it repeatedly is safe.
func (r *Router) Disconnect(connectionID string) {
	r.mu.Lock()
	r.removeLocked(connectionID)
	count := len(r.conns)
	r.mu.Unlock()
	r.metrics.SetConnections(count)
}

// DisconnectSession removes and closes whatever connection the session has.
func (r *Router) DisconnectSession(sessionID string) bool {
	r.mu.Lock()
	var conn *Connection
	if id, ok := r.bySession[sessionID]; ok {
		conn = r.removeLocked(id)
	}
	count := len(r.conns)
	r.mu.Unlock()

	if conn == nil {
		return false
	}
	r.closeQuietly(conn)
	r.metrics.SetConnections(count)
	return true
}

// DisconnectAll removes and closes every connection.
func (r *Router) DisconnectAll() int {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Connection)
	r.bySession = make(map[string]string)
	r.byTenant = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, c := range conns {
		r.closeQuietly(c)
	}
	r.metrics.SetConnections(0)
	return len(conns)
}

// Lookup returns the connection bound to the session.
func (r *Router) Lookup(sessionID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.bySession[sessionID]
	if !ok {
		return Connection{}, false
	}
	return *r.conns[id], true
}

// Count returns the number of live connections.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Send delivers payload to the connection bound to the session. It reports
// false when none is bound or the write fails; it never panics.
// A connection whose write fails is dropped.
func (r *Router) Send(ctx context.Context, sessionID string, payload any) bool {
	r.mu.RLock()
	var conn *Connection
	if id, ok := r.bySession[sessionID]; ok {
		conn = r.conns[id]
	}
	r.mu.RUnlock()

	if conn == nil {
		r.logger.Debug("No connection bound", "session_id", sessionID)
		r.metrics.Delivered(false)
		return false
	}

	if err := r.write(ctx, conn, payload); err != nil {
		r.logger.Warn("Delivery failed, dropping connection", "session_id", sessionID, "connection_id", conn.ID, "err", err)
		r.Disconnect(conn.ID)
		r.metrics.Delivered(false)
		return false
	}
	r.metrics.Delivered(true)
	return true
}

func (r *Router) write(ctx context.Context, conn *Connection, payload any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("channel panic: %v", p)
		}
	}()
	return conn.Channel.Send(ctx, payload)
}

// SendToTenant delivers payload to every connection of a tenant and returns how
// many writes succeeded. Administrative use only.
func (r *Router) SendToTenant(ctx context.Context, tenantID string, payload any) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.byTenant[tenantID]))
	for id := range r.byTenant[tenantID] {
		targets = append(targets, r.conns[id])
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if err := r.write(ctx, conn, payload); err != nil {
			r.logger.Warn("Tenant broadcast failed", "tenant_id", tenantID, "connection_id", conn.ID, "err", err)
			continue
		}
		sent++
	}
	return sent
}

// Touch refreshes the last-activity time of a connection.
func (r *Router) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[connectionID]; ok {
		conn.LastActivity = r.now()
	}
}

// Stale returns the session ids whose connection has been idle longer than idle.
func (r *Router) Stale(idle time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.now().Add(-idle)
	var out []string
	for _, conn := range r.conns {
		if conn.LastActivity.Before(cutoff) {
			out = append(out, conn.SessionID)
		}
	}
	return out
}
