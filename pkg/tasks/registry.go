// Package tasks tracks in-flight cancellable execution units, indexed by session.
//
// The Registry is the primary concurrency primitive of the service: any signal
// (a new message, a cancel request, an admin action) interrupts the current
// work of a session through CancelSession without knowing who is running it.
package tasks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/logging"
)

// ErrSessionBusy is returned by Register when the session already runs a task.
var ErrSessionBusy = errors.New("session already has an active task")

// ErrDuplicateTask is returned by Register when the id is already tracked.
var ErrDuplicateTask = errors.New("task id already registered")

// NewID returns a fresh task id for attempt 0, or its retry form for later attempts.
func NewID(attempt int) string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	id := "agent_run_" + hex.EncodeToString(b)
	if attempt > 0 {
		id = fmt.Sprintf("%s_retry_%d", id, attempt)
	}
	return id
}

type task struct {
	id          string
	sessionID   string
	userID      string
	description string
	createdAt   time.Time
	cancel      context.CancelCauseFunc
	done        chan struct{}

	cancelled bool
	finished  bool
}

func (t *task) isDone() bool {
	return t.finished || t.cancelled
}

// Snapshot is a point-in-time view of one task.
type Snapshot struct {
	ID          string        `json:"task_id"`
	SessionID   string        `json:"session_id"`
	UserID      string        `json:"user_id"`
	Description string        `json:"description"`
	Age         time.Duration `json:"age"`
	Done        bool          `json:"done"`
	Cancelled   bool          `json:"cancelled"`
}

// Stats summarizes the registry.
type Stats struct {
	ActiveTasks    int           `json:"active_tasks"`
	ActiveSessions int           `json:"active_sessions"`
	OldestAge      time.Duration `json:"oldest_task_age"`
	NewestAge      time.Duration `json:"newest_task_age"`
	AverageAge     time.Duration `json:"average_task_age"`
}

// Registry tracks tasks. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	tasks     map[string]*task
	bySession map[string]map[string]struct{}
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		tasks:     make(map[string]*task),
		bySession: make(map[string]map[string]struct{}),
		now:       time.Now,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register starts tracking a task. cancel is invoked with the reason as cause
// when the task is cancelled. A session may hold only one task that is not done.
func (r *Registry) Register(id, sessionID, userID string, cancel context.CancelCauseFunc, description string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	for other := range r.bySession[sessionID] {
		if !r.tasks[other].isDone() {
			return fmt.Errorf("%w: %s (running %s)", ErrSessionBusy, sessionID, other)
		}
	}

	r.tasks[id] = &task{
		id:          id,
		sessionID:   sessionID,
		userID:      userID,
		description: description,
		createdAt:   r.now(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = make(map[string]struct{})
	}
	r.bySession[sessionID][id] = struct{}{}

	r.logger.Debug("Task registered", "task_id", id, "session_id", sessionID)
	return nil
}

// Unregister stops tracking a task. Calling it more than once is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) {
	t, ok := r.tasks[id]
	if !ok {
		return
	}
	t.finished = true
	close(t.done)
	delete(r.tasks, id)
	if ids := r.bySession[t.sessionID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.bySession, t.sessionID)
		}
	}
	r.logger.Debug("Task unregistered", "task_id", id, "session_id", t.sessionID)
}

func (r *Registry) cancelLocked(t *task, reason string) bool {
	if t.isDone() {
		return false
	}
	t.cancelled = true
	if t.cancel != nil {
		t.cancel(fmt.Errorf("%w: %s", context.Canceled, reason))
	}
	r.logger.Info("Task cancelled", "task_id", t.id, "session_id", t.sessionID, "reason", reason)
	return true
}

// Cancel cooperatively cancels one task. It reports false if the task is
// unknown or already done.
func (r *Registry) Cancel(id, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	return r.cancelLocked(t, reason)
}

// CancelSession cancels every task of a session that is not already done and
// returns how many were cancelled.
func (r *Registry) CancelSession(sessionID, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for id := range r.bySession[sessionID] {
		if r.cancelLocked(r.tasks[id], reason) {
			count++
		}
	}
	return count
}

// CancelAll cancels every task that is not already done.
func (r *Registry) CancelAll(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, t := range r.tasks {
		if r.cancelLocked(t, reason) {
			count++
		}
	}
	return count
}

// Wait blocks until every task of the session has been unregistered or ctx is done.
func (r *Registry) Wait(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	var pending []chan struct{}
	for id := range r.bySession[sessionID] {
		pending = append(pending, r.tasks[id].done)
	}
	r.mu.Unlock()

	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CleanupCompleted drops tasks that were cancelled but never unregistered.
func (r *Registry) CleanupCompleted() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for id, t := range r.tasks {
		if t.isDone() {
			r.removeLocked(id)
			count++
		}
	}
	return count
}

// Active returns a snapshot of tracked tasks. An empty sessionID returns all.
func (r *Registry) Active(sessionID string) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []Snapshot
	add := func(t *task) {
		out = append(out, Snapshot{
			ID:          t.id,
			SessionID:   t.sessionID,
			UserID:      t.userID,
			Description: t.description,
			Age:         now.Sub(t.createdAt),
			Done:        t.isDone(),
			Cancelled:   t.cancelled,
		})
	}

	if sessionID != "" {
		for id := range r.bySession[sessionID] {
			add(r.tasks[id])
		}
		return out
	}
	for _, t := range r.tasks {
		add(t)
	}
	return out
}

// Running counts tasks of a session that are not done.
func (r *Registry) Running(sessionID string) int {
	n := 0
	for _, s := range r.Active(sessionID) {
		if !s.Done {
			n++
		}
	}
	return n
}

// Stats summarizes tracked tasks.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{ActiveTasks: len(r.tasks), ActiveSessions: len(r.bySession)}
	if len(r.tasks) == 0 {
		return st
	}

	now := r.now()
	var total time.Duration
	first := true
	for _, t := range r.tasks {
		age := now.Sub(t.createdAt)
		total += age
		if first || age > st.OldestAge {
			st.OldestAge = age
		}
		if first || age < st.NewestAge {
			st.NewestAge = age
		}
		first = false
	}
	st.AverageAge = total / time.Duration(len(r.tasks))
	return st
}
