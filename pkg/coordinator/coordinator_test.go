package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/testutils"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/adapters/memory"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/coordinator"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/delivery"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/ports"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/registry"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/routing"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/session"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scripted is a capability whose stream is supplied by the test.
type scripted struct {
	name   string
	stream func(ctx context.Context, req domain.Request, call int) iter.Seq2[domain.Increment, error]

	mu       sync.Mutex
	calls    int
	requests []domain.Request
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Stream(ctx context.Context, req domain.Request) iter.Seq2[domain.Increment, error] {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.stream(ctx, req, call)
}

func (s *scripted) Requests() []domain.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Request(nil), s.requests...)
}

func texts(author string, parts ...string) func(context.Context, domain.Request, int) iter.Seq2[domain.Increment, error] {
	return func(context.Context, domain.Request, int) iter.Seq2[domain.Increment, error] {
		return func(yield func(domain.Increment, error) bool) {
			for _, p := range parts {
				if !yield(domain.Increment{Author: author, Text: p}, nil) {
					return
				}
			}
		}
	}
}

func failing(err error) iter.Seq2[domain.Increment, error] {
	return func(yield func(domain.Increment, error) bool) {
		yield(domain.Increment{}, err)
	}
}

type harness struct {
	store   ports.SessionStore
	tasks   *tasks.Registry
	router  *delivery.Router
	channel *testutils.Channel
	coord   *coordinator.Coordinator

	mu     sync.Mutex
	sleeps []time.Duration
}

func (h *harness) Sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func newHarness(t *testing.T, store ports.SessionStore, sessionID string, caps []ports.Capability, opts ...coordinator.Option) *harness {
	t.Helper()
	h := &harness{
		store:   store,
		tasks:   tasks.New(),
		router:  delivery.NewRouter(),
		channel: testutils.NewChannel(),
	}
	reg := registry.NewRegistry()
	for _, c := range caps {
		reg.Add(c)
	}
	h.router.Connect(h.channel, sessionID, "tenant", "alice")

	sleeper := func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	opts = append([]coordinator.Option{coordinator.WithSleeper(sleeper), coordinator.WithRefiner(nil)}, opts...)
	h.coord = coordinator.New(session.NewManager(store), h.tasks, h.router, reg, opts...)
	return h
}

func (h *harness) events(t *testing.T) []domain.Event {
	t.Helper()
	var out []domain.Event
	for _, p := range h.channel.Payloads() {
		ev, ok := p.(domain.Event)
		require.True(t, ok, "payload %T is not an event", p)
		out = append(out, ev)
	}
	return out
}

func TestCoordinator_NewSessionSuccess(t *testing.T) {
	store := memory.NewStore()
	capability := &scripted{name: coordinator.DefaultTarget, stream: texts("lexedge_manager", "Hello ", "world")}
	h := newHarness(t, store, "s1", []ports.Capability{capability})
	ctx := context.Background()

	res := h.coord.Handle(ctx, coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "hi"})

	assert.Equal(t, domain.TurnDone, res.Status)
	assert.Equal(t, "Hello world", res.Text)
	assert.Equal(t, "lexedge_manager", res.Author)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Ephemeral)

	sess, err := store.Get(ctx, "lexedge", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, "hi", sess.State.LastQuery)
	assert.Equal(t, "Hello world", sess.State.LastResponse)

	msgs, err := store.Messages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello world", msgs[1].Content)

	events := h.events(t)
	require.Len(t, events, 1, "exactly one terminal event")
	assert.Equal(t, domain.EventResponse, events[0].Type)
	assert.Equal(t, "Hello world", events[0].Content)
	assert.Equal(t, 0, h.tasks.Running("s1"))
}

func TestCoordinator_CancelMidStream(t *testing.T) {
	store := memory.NewStore()
	started := make(chan struct{})
	capability := &scripted{name: coordinator.DefaultTarget, stream: func(ctx context.Context, _ domain.Request, _ int) iter.Seq2[domain.Increment, error] {
		return func(yield func(domain.Increment, error) bool) {
			if !yield(domain.Increment{Text: "partial "}, nil) {
				return
			}
			close(started)
			<-ctx.Done()
			yield(domain.Increment{Text: "never delivered"}, nil)
		}
	}}
	h := newHarness(t, store, "s1", []ports.Capability{capability})

	done := make(chan domain.TurnResult, 1)
	go func() {
		done <- h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "long question"})
	}()

	<-started
	assert.Equal(t, 1, h.tasks.Running("s1"))
	assert.Equal(t, 1, h.coord.Cancel("s1", "user requested"))

	var res domain.TurnResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish after cancel")
	}

	assert.Equal(t, domain.TurnCancelled, res.Status)
	assert.Empty(t, res.Text, "partial output is not surfaced")
	assert.Equal(t, 0, h.tasks.Running("s1"))

	events := h.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventProcessingCancelled, events[0].Type)

	sess, err := store.Get(context.Background(), "lexedge", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, "long question", sess.State.LastQuery)
	assert.Empty(t, sess.State.LastResponse)
}

func TestCoordinator_MissingSessionKeepsID(t *testing.T) {
	store := memory.NewStore()
	capability := &scripted{name: coordinator.DefaultTarget, stream: texts("", "ok")}
	h := newHarness(t, store, "ghost", []ports.Capability{capability})

	res := h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "ghost", Text: "hello"})

	assert.Equal(t, domain.TurnDone, res.Status)
	assert.Equal(t, "ghost", res.SessionID)
	require.Len(t, capability.Requests(), 1)
	assert.Equal(t, "ghost", capability.Requests()[0].SessionID)

	_, err := store.Get(context.Background(), "lexedge", "alice", "ghost")
	assert.NoError(t, err)
	assert.Len(t, h.events(t), 1, "delivered to the caller's connection")
}

func TestCoordinator_TransientFaultsThenSuccess(t *testing.T) {
	capability := &scripted{name: coordinator.DefaultTarget, stream: func(ctx context.Context, req domain.Request, call int) iter.Seq2[domain.Increment, error] {
		if call < 2 {
			return failing(errors.New("503 service unavailable"))
		}
		return texts("", "recovered")(ctx, req, call)
	}}
	h := newHarness(t, memory.NewStore(), "s1", []ports.Capability{capability})

	res := h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "hi"})

	assert.Equal(t, domain.TurnDone, res.Status)
	assert.Equal(t, "recovered", res.Text)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.Sleeps())
	assert.True(t, strings.HasSuffix(res.TaskID, "_retry_2"), res.TaskID)
	assert.Len(t, h.events(t), 1)
}

func TestCoordinator_BackoffDoublesUntilCeiling(t *testing.T) {
	store := memory.NewStore()
	capability := &scripted{name: coordinator.DefaultTarget, stream: func(context.Context, domain.Request, int) iter.Seq2[domain.Increment, error] {
		return failing(domain.ErrTransient)
	}}
	h := newHarness(t, store, "s1", []ports.Capability{capability},
		coordinator.WithRetryPolicy(coordinator.RetryPolicy{MaxRetries: 3, Base: time.Second}))

	res := h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "preserve me"})

	assert.Equal(t, domain.TurnFailed, res.Status)
	assert.Equal(t, domain.FaultTransient.String(), res.Fault)
	assert.Equal(t, domain.FaultTransient.UserMessage(), res.Text)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.Sleeps())

	events := h.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventError, events[0].Type)
	assert.Equal(t, "transient", events[0].Category)

	sess, err := store.Get(context.Background(), "lexedge", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, "preserve me", sess.State.LastQuery, "query is preserved after failure")
}

func TestCoordinator_NonRetryableFaultFailsImmediately(t *testing.T) {
	capability := &scripted{name: coordinator.DefaultTarget, stream: func(context.Context, domain.Request, int) iter.Seq2[domain.Increment, error] {
		return failing(domain.ErrModelRequest)
	}}
	h := newHarness(t, memory.NewStore(), "s1", []ports.Capability{capability})

	res := h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "hi"})

	assert.Equal(t, domain.TurnFailed, res.Status)
	assert.Equal(t, "model_request", res.Fault)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, h.Sleeps())
}

func TestCoordinator_UnknownTargetIsDelegationFault(t *testing.T) {
	h := newHarness(t, memory.NewStore(), "s1", nil)

	res := h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "hi", Target: "nobody"})

	assert.Equal(t, domain.TurnFailed, res.Status)
	assert.Equal(t, domain.FaultDelegation.UserMessage(), res.Text)
}

func TestCoordinator_ToolOutcomeFallbackAndAuthor(t *testing.T) {
	capability := &scripted{name: coordinator.DefaultTarget, stream: func(context.Context, domain.Request, int) iter.Seq2[domain.Increment, error] {
		return func(yield func(domain.Increment, error) bool) {
			if !yield(domain.Increment{Author: "lexedge_manager", Outcome: &domain.ToolOutcome{Name: "lookup", Result: map[string]int{"answer": 42}}}, nil) {
				return
			}
			yield(domain.Increment{Author: "research_agent", Outcome: &domain.ToolOutcome{Status: "done"}}, nil)
		}
	}}
	h := newHarness(t, memory.NewStore(), "s1", []ports.Capability{capability})

	res := h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "hi"})

	assert.Equal(t, domain.TurnDone, res.Status)
	assert.Equal(t, "done", res.Text, "last outcome wins")
	assert.Equal(t, "research_agent", res.Author, "last author wins")
}

func TestCoordinator_EmptyReplyUsesFallback(t *testing.T) {
	capability := &scripted{name: coordinator.DefaultTarget, stream: texts("", "[function_call:lookup]")}
	h := newHarness(t, memory.NewStore(), "s1", []ports.Capability{capability})

	res := h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "hi"})

	assert.Equal(t, domain.TurnDone, res.Status)
	assert.Contains(t, res.Text, "Please try rephrasing")
}

func TestCoordinator_UnreadableAttachmentBecomesNote(t *testing.T) {
	capability := &scripted{name: coordinator.DefaultTarget, stream: texts("", "done")}
	extractor := ports.ExtractorFunc(func(context.Context, []byte, string) (domain.Extraction, error) {
		return domain.Extraction{}, errors.New("encrypted pdf")
	})
	h := newHarness(t, memory.NewStore(), "s1", []ports.Capability{capability}, coordinator.WithExtractor(extractor))

	res := h.coord.Handle(context.Background(), coordinator.Turn{
		UserID:     "alice",
		SessionID:  "s1",
		Text:       "review this",
		Attachment: &domain.Attachment{Name: "nda.pdf", MimeType: "application/pdf", Data: []byte("%PDF-1.7")},
	})

	assert.Equal(t, domain.TurnDone, res.Status, "extraction failure does not fail the turn")
	require.Len(t, capability.Requests(), 1)
	env := capability.Requests()[0].Envelope
	assert.Nil(t, env.Attachment)
	assert.Contains(t, env.Text, "review this")
	assert.Contains(t, env.Text, `[SYSTEM NOTE: The attached file "nda.pdf" could not be read (Reason: encrypted pdf).]`)
}

func TestCoordinator_RoutesByTable(t *testing.T) {
	general := &scripted{name: coordinator.DefaultTarget, stream: texts("", "general")}
	contracts := &scripted{name: "contracts", stream: texts("", "contracts")}
	routes := routing.NewTable(coordinator.DefaultTarget, coordinator.Route{
		Name:   "contract-review",
		Match:  func(env domain.Envelope) bool { return strings.Contains(env.Text, "clause") },
		Target: "contracts",
	})
	h := newHarness(t, memory.NewStore(), "s1", []ports.Capability{general, contracts}, coordinator.WithRoutes(routes))

	res := h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "check this clause"})
	assert.Equal(t, "contracts", res.Text)

	res = h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "anything else"})
	assert.Equal(t, "general", res.Text)
}

type unreachableStore struct {
	ports.SessionStore
}

func (unreachableStore) Get(context.Context, string, string, string) (*domain.Session, error) {
	return nil, domain.ErrStoreUnavailable
}

func TestCoordinator_UnreachableStoreRunsEphemeral(t *testing.T) {
	capability := &scripted{name: coordinator.DefaultTarget, stream: texts("", "still here")}
	h := newHarness(t, unreachableStore{}, "s1", []ports.Capability{capability})

	res := h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "hi"})

	assert.Equal(t, domain.TurnDone, res.Status)
	assert.True(t, res.Ephemeral)
	assert.Equal(t, "still here", res.Text)
}

func TestCoordinator_NewTurnSupersedesRunning(t *testing.T) {
	started := make(chan struct{})
	capability := &scripted{name: coordinator.DefaultTarget, stream: func(ctx context.Context, req domain.Request, call int) iter.Seq2[domain.Increment, error] {
		if call > 0 {
			return texts("", "second")(ctx, req, call)
		}
		return func(yield func(domain.Increment, error) bool) {
			close(started)
			<-ctx.Done()
		}
	}}
	h := newHarness(t, memory.NewStore(), "s1", []ports.Capability{capability})

	first := make(chan domain.TurnResult, 1)
	go func() {
		first <- h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "first"})
	}()
	<-started

	second := h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "second"})

	assert.Equal(t, domain.TurnCancelled, (<-first).Status)
	assert.Equal(t, domain.TurnDone, second.Status)
	assert.Equal(t, 0, h.tasks.Running("s1"))
}

func TestCoordinator_PhaseObserver(t *testing.T) {
	capability := &scripted{name: coordinator.DefaultTarget, stream: texts("", "ok")}
	var phases []coordinator.Phase
	h := newHarness(t, memory.NewStore(), "s1", []ports.Capability{capability},
		coordinator.WithPhaseObserver(func(_ string, p coordinator.Phase) { phases = append(phases, p) }))

	h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "hi"})

	assert.Equal(t, []coordinator.Phase{
		coordinator.ResolvingSession,
		coordinator.Preprocessing,
		coordinator.Dispatching,
		coordinator.Streaming,
		coordinator.Committing,
		coordinator.Done,
	}, phases)
	assert.True(t, phases[len(phases)-1].Terminal())
}

func TestCoordinator_ConcurrentTurnsCommitInArrivalOrder(t *testing.T) {
	store := memory.NewStore(memory.WithMaxMessagesPerSession(0))
	capability := &scripted{name: coordinator.DefaultTarget, stream: texts("", "ok")}
	h := newHarness(t, store, "s1", []ports.Capability{capability})
	ctx := context.Background()

	const n = 30
	want := make([]string, n)
	results := make([]domain.TurnResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		want[i] = fmt.Sprintf("q%02d", i)
		// Admit runs in the reader's goroutine, serving happens concurrently.
		ticket := h.coord.Admit(coordinator.Turn{UserID: "alice", SessionID: "s1", Text: want[i]})
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.coord.Serve(ctx, ticket)
		}(i)
	}
	wg.Wait()

	msgs, err := store.Messages(ctx, "s1", 0)
	require.NoError(t, err)
	var got []string
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			got = append(got, m.Content)
		}
	}
	assert.Equal(t, want, got, "user messages are committed in arrival order")

	assert.Equal(t, domain.TurnDone, results[n-1].Status, "the latest turn is never superseded")
	assert.Len(t, h.events(t), n, "every turn delivers exactly one terminal event")
	assert.Equal(t, 0, h.tasks.Running("s1"))
}

func TestCoordinator_QueuedTurnIsSkippedWhenSuperseded(t *testing.T) {
	store := memory.NewStore()
	started := make(chan struct{})
	capability := &scripted{name: coordinator.DefaultTarget, stream: func(ctx context.Context, req domain.Request, call int) iter.Seq2[domain.Increment, error] {
		if call > 0 {
			return texts("", "answer to "+req.Envelope.Text)(ctx, req, call)
		}
		return func(yield func(domain.Increment, error) bool) {
			close(started)
			<-ctx.Done()
		}
	}}
	h := newHarness(t, store, "s1", []ports.Capability{capability})
	ctx := context.Background()

	serve := func(ticket *coordinator.Ticket) <-chan domain.TurnResult {
		out := make(chan domain.TurnResult, 1)
		go func() { out <- h.coord.Serve(ctx, ticket) }()
		return out
	}

	first := serve(h.coord.Admit(coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "one"}))
	<-started
	second := serve(h.coord.Admit(coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "two"}))
	third := serve(h.coord.Admit(coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "three"}))

	assert.Equal(t, domain.TurnCancelled, (<-first).Status)
	assert.Equal(t, domain.TurnCancelled, (<-second).Status)
	last := <-third
	assert.Equal(t, domain.TurnDone, last.Status)
	assert.Equal(t, "answer to three", last.Text)

	sess, err := store.Get(ctx, "lexedge", "alice", "s1")
	require.NoError(t, err)
	var queries []string
	for _, e := range sess.State.History {
		if e.Role == domain.RoleUser {
			queries = append(queries, e.Content)
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, queries)
}

func TestCoordinator_CancelInterruptsBackoff(t *testing.T) {
	store := memory.NewStore()
	capability := &scripted{name: coordinator.DefaultTarget, stream: func(context.Context, domain.Request, int) iter.Seq2[domain.Increment, error] {
		return failing(domain.ErrTransient)
	}}
	sleeping := make(chan struct{}, 1)
	blocking := func(ctx context.Context, _ time.Duration) error {
		sleeping <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	h := newHarness(t, store, "s1", []ports.Capability{capability}, coordinator.WithSleeper(blocking))

	done := make(chan domain.TurnResult, 1)
	go func() {
		done <- h.coord.Handle(context.Background(), coordinator.Turn{UserID: "alice", SessionID: "s1", Text: "retry me"})
	}()

	<-sleeping
	assert.Equal(t, 1, h.coord.Cancel("s1", "user requested"), "the backoff is a cancellable task")

	var res domain.TurnResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn kept retrying after cancel")
	}
	assert.Equal(t, domain.TurnCancelled, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, h.tasks.Running("s1"))

	events := h.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventProcessingCancelled, events[0].Type)

	sess, err := store.Get(context.Background(), "lexedge", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, "retry me", sess.State.LastQuery)
}

func TestCoordinator_ForeignSessionIDIsRefused(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	_, err := store.Upsert(ctx, "lexedge", "alice", "s1", domain.NewSessionState())
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, "s1", domain.RoleUser, "alice's question")
	require.NoError(t, err)

	capability := &scripted{name: coordinator.DefaultTarget, stream: texts("", "leaked")}
	h := newHarness(t, store, "s1", []ports.Capability{capability})

	res := h.coord.Handle(ctx, coordinator.Turn{UserID: "bob", SessionID: "s1", Text: "hijack"})

	assert.Equal(t, domain.TurnFailed, res.Status)
	assert.Equal(t, domain.FaultDelegation.String(), res.Fault)
	assert.Empty(t, capability.Requests(), "the capability never sees the turn")

	msgs, err := store.Messages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice's question", msgs[0].Content)
}
