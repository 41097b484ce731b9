package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/logging"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/ports"
)

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager orchestrates session access, ensuring safe concurrent operations.
// It uses Reference Counting to garbage collect unused locks.
type Manager struct {
	store ports.SessionStore
	app   string

	mu    sync.Mutex            // Global lock for the map
	locks map[string]*lockEntry // Map of active locks

	locker  ports.DistributedLocker // Optional distributed locker
	lockTTL time.Duration
	limits  Limits
	logger  *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLockTTL bounds how long a distributed lock outlives a crashed holder.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.lockTTL = ttl
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithLimits sets the history trim bounds applied on commit.
func WithLimits(limits Limits) Option {
	return func(m *Manager) {
		m.limits = limits
	}
}

// WithApp sets the application namespace sessions are stored under.
func WithApp(app string) Option {
	return func(m *Manager) {
		m.app = app
	}
}

// NewManager creates a new session Manager with the given persistence store.
func NewManager(store ports.SessionStore, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		app:     "lexedge",
		locks:   make(map[string]*lockEntry),
		lockTTL: 2 * time.Minute,
		limits:  DefaultLimits(),
		logger:  logging.NewNop(), // Default to no-op
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(sessionID) after unlocking.
func (m *Manager) acquire(sessionID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[sessionID]
	if !exists {
		entry = &lockEntry{}
		m.locks[sessionID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[sessionID]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, sessionID)
	}
}

// WithLock executes a function while holding the lock for the session.
func (m *Manager) WithLock(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	entry := m.acquire(sessionID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(sessionID)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, sessionID, m.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			// The turn context may already be cancelled; release with a fresh one.
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"session_id", sessionID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}

// App returns the namespace sessions are stored under.
func (m *Manager) App() string {
	return m.app
}

// Limits returns the history bounds applied on commit.
func (m *Manager) Limits() Limits {
	return m.limits
}

// Store returns the underlying session store.
func (m *Manager) Store() ports.SessionStore {
	return m.store
}

// Resolve loads the caller's session:
//   - a missing session is recreated under the same id, so delivery keyed by it keeps working;
//   - an unreachable store yields an Ephemeral session for degraded operation.
//
// An empty sessionID creates a new session with a generated id. The only error
// is domain.ErrSessionOwned, when the id belongs to another user.
func (m *Manager) Resolve(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	if sessionID != "" {
		sess, err := m.store.Get(ctx, m.app, userID, sessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, domain.ErrSessionNotFound) {
			m.logger.Warn("Session store unreachable, continuing with ephemeral session",
				"session_id", sessionID,
				"err", err,
			)
			return domain.NewEphemeralSession(m.app, userID, sessionID), nil
		}
		m.logger.Info("Session not found, creating substitute", "session_id", sessionID)
	}

	sess, err := m.store.Upsert(ctx, m.app, userID, sessionID, domain.NewSessionState())
	if errors.Is(err, domain.ErrSessionOwned) {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	if err != nil {
		m.logger.Warn("Failed to create session, continuing with ephemeral session",
			"session_id", sessionID,
			"err", err,
		)
		return domain.NewEphemeralSession(m.app, userID, sessionID), nil
	}
	return sess, nil
}

// Commit records a completed turn in the session and persists it.
// Ephemeral sessions are updated in memory only.
func (m *Manager) Commit(ctx context.Context, sess *domain.Session, query, response string) error {
	now := time.Now()
	Record(&sess.State, query, response, m.limits, now)
	sess.UpdatedAt = now

	switch sess.Kind {
	case domain.Ephemeral:
		return nil
	case domain.Persisted:
		saved, err := m.store.Upsert(ctx, sess.App, sess.UserID, sess.ID, sess.State)
		if err != nil {
			return fmt.Errorf("failed to persist session: %w", err)
		}
		sess.CreatedAt = saved.CreatedAt
		if _, err := m.store.AppendMessage(ctx, sess.ID, domain.RoleUser, query); err != nil {
			return fmt.Errorf("failed to append user message: %w", err)
		}
		if response != "" {
			if _, err := m.store.AppendMessage(ctx, sess.ID, domain.RoleAssistant, response); err != nil {
				return fmt.Errorf("failed to append assistant message: %w", err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown session kind %v", sess.Kind)
	}
}

// PreserveQuery is the compensating write after a failed turn: the user's input
// is kept for continuity. Errors are logged, never returned.
func (m *Manager) PreserveQuery(ctx context.Context, sess *domain.Session, query string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic while preserving query", "session_id", sess.ID, "panic", r)
		}
	}()
	if err := m.Commit(ctx, sess, query, ""); err != nil {
		m.logger.Warn("Failed to preserve query after fault", "session_id", sess.ID, "err", err)
	}
}

// Delete removes the session from the store under its lock.
func (m *Manager) Delete(ctx context.Context, userID, sessionID string) error {
	return m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		return m.store.Delete(ctx, m.app, userID, sessionID)
	})
}

// List delegates to the store.
func (m *Manager) List(ctx context.Context, userID string) ([]*domain.Session, error) {
	return m.store.List(ctx, m.app, userID)
}
