package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/logging"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/delivery"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/observability"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/ports"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/registry"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/routing"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/session"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/tasks"
	"github.com/google/uuid"
)

// DefaultTarget is the capability used when no route matches.
const DefaultTarget = "coordinator"

var errSuperseded = errors.New("superseded by a new message")

// Turn is one inbound request for a session.
type Turn struct {
	UserID    string
	SessionID string
	TenantID  string
	Text      string

	// Target names a capability explicitly, bypassing the route table.
	Target     string
	Attachment *domain.Attachment
}

// Route selects a capability from the request envelope.
type Route = routing.Rule[domain.Envelope, string]

// Coordinator orchestrates turns. Its collaborators are constructed once per
// process and injected.
type Coordinator struct {
	sessions     *session.Manager
	tasks        *tasks.Registry
	router       *delivery.Router
	capabilities *registry.Registry
	seq          *sequencer

	routes      *routing.Table[domain.Envelope, string]
	retry       RetryPolicy
	sleep       Sleeper
	refiner     Refiner
	extractor   ports.Extractor
	inlineLimit int
	logger      *slog.Logger
	metrics     *observability.Metrics
	observer    func(turnID string, p Phase)
}

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithRetryPolicy overrides the retry ceiling and backoff base.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) {
		c.retry = p
	}
}

// WithSleeper replaces the backoff wait, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(c *Coordinator) {
		c.sleep = s
	}
}

// WithRoutes sets the capability route table.
func WithRoutes(table *routing.Table[domain.Envelope, string]) Option {
	return func(c *Coordinator) {
		c.routes = table
	}
}

// WithRefiner sets the input refinement step. nil disables refinement.
func WithRefiner(r Refiner) Option {
	return func(c *Coordinator) {
		c.refiner = r
	}
}

// WithExtractor sets the attachment extraction adapter.
func WithExtractor(e ports.Extractor) Option {
	return func(c *Coordinator) {
		c.extractor = e
	}
}

// WithInlineLimit caps the size of attachments forwarded to the model as-is.
func WithInlineLimit(n int) Option {
	return func(c *Coordinator) {
		c.inlineLimit = n
	}
}

// WithPhaseObserver is called on every phase transition.
func WithPhaseObserver(fn func(turnID string, p Phase)) Option {
	return func(c *Coordinator) {
		c.observer = fn
	}
}

// New creates a Coordinator.
func New(sessions *session.Manager, taskRegistry *tasks.Registry, router *delivery.Router, capabilities *registry.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		sessions:     sessions,
		tasks:        taskRegistry,
		router:       router,
		capabilities: capabilities,
		seq:          newSequencer(),
		routes:       routing.NewTable[domain.Envelope, string](DefaultTarget),
		retry:        DefaultRetryPolicy(),
		sleep:        sleepContext,
		refiner:      HeuristicRefiner,
		inlineLimit:  defaultInlineLimit,
		logger:       logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cancel interrupts whatever the session is running and returns how many tasks were cancelled.
func (c *Coordinator) Cancel(sessionID, reason string) int {
	return c.tasks.CancelSession(sessionID, reason)
}

// Admit queues a turn behind the session's earlier turns and supersedes them:
// running work is cancelled and queued turns are skipped when they come up.
// Call Admit in arrival order, before handing the ticket to another goroutine;
// commits within a session then follow admission order.
func (c *Coordinator) Admit(turn Turn) *Ticket {
	if turn.SessionID == "" {
		turn.SessionID = uuid.NewString()
	}
	t := c.seq.admit(turn)
	if n := c.tasks.CancelSession(turn.SessionID, "superseded by a new message"); n > 0 {
		c.logger.Info("Cancelled previous work for session", "session_id", turn.SessionID, "tasks", n)
	}
	return t
}

// Handle admits and serves a turn in the caller's goroutine.
func (c *Coordinator) Handle(ctx context.Context, turn Turn) domain.TurnResult {
	return c.Serve(ctx, c.Admit(turn))
}

// Serve waits for the ticket's turn, runs it to completion, delivers its
// terminal event to the session's connection and returns the result. It never
// returns an error: every outcome is a TurnResult.
func (c *Coordinator) Serve(ctx context.Context, t *Ticket) domain.TurnResult {
	defer t.release()
	start := time.Now()
	turn := t.turn
	log := c.logger.With("session_id", turn.SessionID, "user_id", turn.UserID)

	var result domain.TurnResult
	err := t.wait(ctx)
	if err == nil {
		err = c.sessions.WithLock(ctx, turn.SessionID, func(ctx context.Context) error {
			result = c.run(ctx, t, log)
			return nil
		})
	}
	if err != nil {
		log.Error("Failed to serialize turn", "err", err)
		kind := Classify(err)
		if kind == domain.FaultCancelled {
			result = cancelledResult(turn.SessionID, "", 0)
		} else {
			result = failedResult(turn.SessionID, "", domain.FaultDelegation, 0)
		}
	}

	c.router.Send(context.WithoutCancel(ctx), result.SessionID, Event(result))
	c.metrics.TurnFinished(string(result.Status), result.Fault, time.Since(start))
	return result
}

func (c *Coordinator) enter(taskID string, p Phase) {
	if c.observer != nil {
		c.observer(taskID, p)
	}
}

// run executes attempts until one succeeds, is cancelled, or fails for good.
func (c *Coordinator) run(ctx context.Context, t *Ticket, log *slog.Logger) domain.TurnResult {
	turn := t.turn
	for attempt := 0; ; attempt++ {
		res, sess, fault := c.attempt(ctx, t, attempt, log)
		if fault == nil {
			return res
		}

		if fault.Kind.Retryable() && c.retry.ShouldRetry(attempt) {
			delay := c.retry.Delay(attempt)
			log.Warn("Transient fault, retrying",
				"attempt", attempt,
				"delay", delay,
				"kind", fault.Kind.String(),
				"err", fault.Err,
			)
			c.metrics.Retried()
			if err := c.backoff(ctx, t, res.TaskID, delay); err != nil {
				log.Info("Turn cancelled during backoff", "attempt", attempt, "cause", err)
				if sess != nil {
					c.commit(ctx, sess, turn.Text, "", log)
				}
				c.enter(res.TaskID, Cancelled)
				return cancelledResult(turn.SessionID, res.TaskID, attempt+1)
			}
			continue
		}

		log.Error("Turn failed", "attempt", attempt, "kind", fault.Kind.String(), "err", fault.Err)
		c.enter(res.TaskID, Failed)
		if sess != nil {
			c.sessions.PreserveQuery(context.WithoutCancel(ctx), sess, turn.Text)
		}
		return failedResult(turn.SessionID, res.TaskID, fault.Kind, attempt+1)
	}
}

// backoff sleeps before a retry. The wait is registered as a task of the
// session so a client cancel or a superseding turn interrupts it.
func (c *Coordinator) backoff(ctx context.Context, t *Ticket, taskID string, delay time.Duration) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	id := taskID + "_backoff"
	if err := c.tasks.Register(id, t.turn.SessionID, t.turn.UserID, cancel, "retry backoff"); err == nil {
		defer c.tasks.Unregister(id)
	}
	if t.superseded() {
		cancel(errSuperseded)
	}
	if err := c.sleep(ctx, delay); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return err
	}
	return nil
}

// attempt runs the phases once. A non-nil fault means the attempt failed; the
// returned result then only carries the task id.
func (c *Coordinator) attempt(ctx context.Context, t *Ticket, attempt int, log *slog.Logger) (domain.TurnResult, *domain.Session, *domain.Fault) {
	turn := t.turn
	taskID := tasks.NewID(attempt)
	res := domain.TurnResult{SessionID: turn.SessionID, TaskID: taskID, Attempts: attempt + 1}
	log = log.With("task_id", taskID)

	c.enter(taskID, ResolvingSession)
	sess, err := c.sessions.Resolve(ctx, turn.UserID, turn.SessionID)
	if err != nil {
		return res, nil, domain.NewFault(domain.FaultDelegation, err)
	}
	res.Ephemeral = sess.IsEphemeral()

	c.enter(taskID, Preprocessing)
	ctx = domain.WithIdentity(ctx, turn.UserID, sess.ID)
	env := c.envelope(ctx, turn.Text, turn.Attachment)

	c.enter(taskID, Dispatching)
	target := turn.Target
	rule := "explicit"
	if target == "" {
		target, rule = c.routes.Resolve(env)
	}
	capability, err := c.capabilities.Resolve(ctx, target)
	if err != nil {
		return res, sess, domain.NewFault(domain.FaultDelegation, err)
	}
	log.Debug("Dispatching", "target", target, "rule", rule)

	c.enter(taskID, Streaming)
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := c.tasks.Register(taskID, sess.ID, turn.UserID, cancel, "turn via "+target); err != nil {
		return res, sess, domain.NewFault(domain.FaultDelegation, err)
	}
	// A turn admitted after this one but before Register could not reach it.
	if t.superseded() {
		cancel(errSuperseded)
	}
	c.metrics.TaskStarted()
	unregister := func() {
		c.tasks.Unregister(taskID)
		c.metrics.TaskEnded()
	}
	registered := true
	defer func() {
		if registered {
			unregister()
		}
	}()

	req := domain.Request{
		UserID:    turn.UserID,
		SessionID: sess.ID,
		Envelope:  env,
		History:   append([]domain.HistoryEntry(nil), sess.State.History...),
	}
	acc, err := consume(runCtx, capability.Stream(runCtx, req))
	if err != nil {
		kind := Classify(err)
		if kind == domain.FaultCancelled {
			acc.cancelled = true
		} else {
			return res, sess, domain.NewFault(kind, err)
		}
	}

	c.enter(taskID, Committing)
	unregister()
	registered = false
	res.Author = acc.author

	if acc.cancelled {
		log.Info("Turn cancelled", "partial_chars", acc.text.Len(), "cause", context.Cause(runCtx))
		c.commit(ctx, sess, turn.Text, "", log)
		c.enter(taskID, Cancelled)
		return cancelledResult(turn.SessionID, taskID, attempt+1), sess, nil
	}

	reply := scrub(acc.reply())
	if reply == "" {
		reply = emptyReplyFallback
	}
	c.commit(ctx, sess, turn.Text, reply, log)
	c.enter(taskID, Done)

	res.Status = domain.TurnDone
	res.Text = reply
	return res, sess, nil
}

// commit persists the turn; failures are logged because the reply is still valid.
func (c *Coordinator) commit(ctx context.Context, sess *domain.Session, query, reply string, log *slog.Logger) {
	if err := c.sessions.Commit(context.WithoutCancel(ctx), sess, query, reply); err != nil {
		log.Warn("Failed to commit turn", "err", err)
	}
}

func cancelledResult(sessionID, taskID string, attempts int) domain.TurnResult {
	return domain.TurnResult{
		SessionID: sessionID,
		TaskID:    taskID,
		Status:    domain.TurnCancelled,
		Fault:     domain.FaultCancelled.String(),
		Attempts:  attempts,
	}
}

func failedResult(sessionID, taskID string, kind domain.FaultKind, attempts int) domain.TurnResult {
	return domain.TurnResult{
		SessionID: sessionID,
		TaskID:    taskID,
		Status:    domain.TurnFailed,
		Text:      kind.UserMessage(),
		Fault:     kind.String(),
		Attempts:  attempts,
	}
}

// Event converts a terminal result into the payload delivered to the client.
func Event(res domain.TurnResult) domain.Event {
	ev := domain.Event{
		SessionID: res.SessionID,
		TaskID:    res.TaskID,
		Author:    res.Author,
		Attempts:  res.Attempts,
		Timestamp: time.Now().UTC(),
	}
	switch res.Status {
	case domain.TurnDone:
		ev.Type = domain.EventResponse
		ev.Content = res.Text
	case domain.TurnCancelled:
		ev.Type = domain.EventProcessingCancelled
		ev.Content = domain.FaultCancelled.UserMessage()
	default:
		ev.Type = domain.EventError
		ev.Content = res.Text
		ev.Category = res.Fault
	}
	return ev
}
