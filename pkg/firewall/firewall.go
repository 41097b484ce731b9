// Package firewall expires idle sessions and tracks how many sessions each
// source opens.
//
// Activity is recorded on every inbound message. A background sweeper
// periodically removes sessions idle beyond the timeout: their tasks are
// cancelled, their connection unbound and their record deleted.
package firewall

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/logging"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/delivery"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/observability"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/session"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/tasks"
)

const (
	DefaultTimeout      = 120 * time.Minute
	DefaultInterval     = 300 * time.Second
	DefaultMaxPerSource = 5
)

type activity struct {
	userID string
	source string
	last   time.Time
}

// Firewall tracks session activity. The zero value is not usable; use New.
type Firewall struct {
	sessions *session.Manager
	tasks    *tasks.Registry
	router   *delivery.Router

	timeout      time.Duration
	interval     time.Duration
	maxPerSource int
	enforce      bool
	now          func() time.Time
	logger       *slog.Logger
	metrics      *observability.Metrics

	mu       sync.Mutex
	seen     map[string]*activity
	bySource map[string]map[string]struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// Option configures the Firewall.
type Option func(*Firewall)

// WithTimeout sets how long a session may stay idle.
func WithTimeout(d time.Duration) Option {
	return func(f *Firewall) {
		f.timeout = d
	}
}

// WithInterval sets how often the sweeper runs.
func WithInterval(d time.Duration) Option {
	return func(f *Firewall) {
		f.interval = d
	}
}

// WithMaxPerSource sets the number of sessions a single source may hold.
func WithMaxPerSource(n int) Option {
	return func(f *Firewall) {
		f.maxPerSource = n
	}
}

// WithEnforce makes Allow reject sources over the cap instead of only logging them.
func WithEnforce(enforce bool) Option {
	return func(f *Firewall) {
		f.enforce = enforce
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Firewall) {
		f.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Firewall) {
		f.logger = logger
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(f *Firewall) {
		f.metrics = m
	}
}

// New creates a Firewall. Call Start to launch the sweeper.
func New(sessions *session.Manager, registry *tasks.Registry, router *delivery.Router, opts ...Option) *Firewall {
	f := &Firewall{
		sessions:     sessions,
		tasks:        registry,
		router:       router,
		timeout:      DefaultTimeout,
		interval:     DefaultInterval,
		maxPerSource: DefaultMaxPerSource,
		now:          time.Now,
		logger:       logging.NewNop(),
		seen:         make(map[string]*activity),
		bySource:     make(map[string]map[string]struct{}),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Record marks the session as active. The source's session cap is checked
// only when the session is new to that source; see Allow.
func (f *Firewall) Record(userID, sessionID, source string) bool {
	allowed := true
	if !f.knownTo(sessionID, source) {
		allowed = f.Allow(sessionID, source)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.seen[sessionID]
	if !ok {
		a = &activity{}
		f.seen[sessionID] = a
	}
	a.userID = userID
	a.last = f.now()
	if source != "" && a.source != source {
		f.untrackLocked(sessionID, a.source)
		a.source = source
		if f.bySource[source] == nil {
			f.bySource[source] = make(map[string]struct{})
		}
		f.bySource[source][sessionID] = struct{}{}
	}
	return allowed
}

func (f *Firewall) knownTo(sessionID, source string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.bySource[source][sessionID]
	return ok
}

// Allow reports whether source may use sessionID without exceeding the
// per-source cap. Over-cap sources are logged; they are rejected only when
// enforcement is on.
func (f *Firewall) Allow(sessionID, source string) bool {
	if source == "" || f.maxPerSource <= 0 {
		return true
	}
	f.mu.Lock()
	ids := f.bySource[source]
	_, known := ids[sessionID]
	over := !known && len(ids) >= f.maxPerSource
	f.mu.Unlock()

	if !over {
		return true
	}
	f.logger.Warn("Source exceeds session cap",
		"source", source,
		"session_id", sessionID,
		"max", f.maxPerSource,
		"enforced", f.enforce,
	)
	return !f.enforce
}

// Unregister stops tracking a session, e.g. after an explicit logout.
func (f *Firewall) Unregister(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.seen[sessionID]; ok {
		f.untrackLocked(sessionID, a.source)
		delete(f.seen, sessionID)
	}
}

func (f *Firewall) untrackLocked(sessionID, source string) {
	if ids := f.bySource[source]; ids != nil {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(f.bySource, source)
		}
	}
}

// Tracked returns the number of sessions with recorded activity.
func (f *Firewall) Tracked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// Reset drops all tracking data.
func (f *Firewall) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = make(map[string]*activity)
	f.bySource = make(map[string]map[string]struct{})
	f.logger.Info("Firewall tracking data reset")
}

// Sweep expires sessions idle beyond the timeout and returns how many were
// expired. Deletion errors are logged; the session is untracked regardless.
func (f *Firewall) Sweep(ctx context.Context) int {
	cutoff := f.now().Add(-f.timeout)

	type expired struct{ sessionID, userID string }
	var victims []expired
	f.mu.Lock()
	for id, a := range f.seen {
		if a.last.Before(cutoff) {
			victims = append(victims, expired{id, a.userID})
			f.untrackLocked(id, a.source)
			delete(f.seen, id)
		}
	}
	f.mu.Unlock()

	for _, v := range victims {
		log := f.logger.With("session_id", v.sessionID, "user_id", v.userID)
		if n := f.tasks.CancelSession(v.sessionID, "session expired"); n > 0 {
			log.Info("Cancelled tasks of expired session", "tasks", n)
		}
		f.router.DisconnectSession(v.sessionID)
		if err := f.sessions.Delete(ctx, v.userID, v.sessionID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			log.Error("Failed to delete expired session", "err", err)
			continue
		}
		log.Info("Expired idle session")
	}
	f.metrics.Expired(len(victims))
	return len(victims)
}

// Start launches the sweeper. It stops when ctx is done or Shutdown is called.
// Calling Start more than once has no effect.
func (f *Firewall) Start(ctx context.Context) {
	f.startOnce.Do(func() {
		f.wg.Add(1)
		go f.loop(ctx)
		f.logger.Info("Session firewall started", "timeout", f.timeout, "interval", f.interval)
	})
}

func (f *Firewall) loop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		case <-ticker.C:
			f.sweepSafely(ctx)
		}
	}
}

func (f *Firewall) sweepSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Panic during session sweep", "panic", r)
		}
	}()
	f.Sweep(ctx)
}

// Shutdown stops the sweeper and waits for it to exit. It is idempotent.
func (f *Firewall) Shutdown() {
	f.stopOnce.Do(func() {
		close(f.stop)
	})
	f.wg.Wait()
	f.logger.Info("Session firewall stopped")
}
