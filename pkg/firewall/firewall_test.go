package firewall_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/logging"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/testutils"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/adapters/memory"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/delivery"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/firewall"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/observability"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/session"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *memory.Store
	sessions *session.Manager
	tasks    *tasks.Registry
	router   *delivery.Router
	clock    *clock
}

func newFixture() *fixture {
	store := memory.NewStore()
	return &fixture{
		store:    store,
		sessions: session.NewManager(store),
		tasks:    tasks.New(),
		router:   delivery.NewRouter(),
		clock:    &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func (fx *fixture) firewall(opts ...firewall.Option) *firewall.Firewall {
	opts = append([]firewall.Option{firewall.WithClock(fx.clock.Now)}, opts...)
	return firewall.New(fx.sessions, fx.tasks, fx.router, opts...)
}

func TestFirewall_SweepExpiresIdleSessions(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	_, err := fx.store.Upsert(ctx, "lexedge", "alice", "idle", domain.NewSessionState())
	require.NoError(t, err)
	_, err = fx.store.Upsert(ctx, "lexedge", "bob", "fresh", domain.NewSessionState())
	require.NoError(t, err)

	ch := testutils.NewChannel()
	fx.router.Connect(ch, "idle", "tenant", "alice")
	_, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	require.NoError(t, fx.tasks.Register("agent_run_1", "idle", "alice", cancel, "stuck"))

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	fw := fx.firewall(firewall.WithTimeout(time.Hour), firewall.WithMetrics(metrics))
	fw.Record("alice", "idle", "10.0.0.1")
	fx.clock.Advance(50 * time.Minute)
	fw.Record("bob", "fresh", "10.0.0.2")
	fx.clock.Advance(20 * time.Minute)

	assert.Equal(t, 1, fw.Sweep(ctx))
	assert.Equal(t, 1, fw.Tracked())

	_, err = fx.store.Get(ctx, "lexedge", "alice", "idle")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = fx.store.Get(ctx, "lexedge", "bob", "fresh")
	assert.NoError(t, err)

	assert.True(t, ch.Closed())
	_, bound := fx.router.Lookup("idle")
	assert.False(t, bound)
	assert.Equal(t, 0, fx.tasks.Running("idle"))
	assert.Equal(t, 1.0, counterValue(t, reg, "lexedge_sessions_expired_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestFirewall_SweepToleratesMissingSession(t *testing.T) {
	fx := newFixture()
	fw := fx.firewall(firewall.WithTimeout(time.Minute))
	fw.Record("alice", "never-persisted", "")
	fx.clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, fw.Sweep(context.Background()))
	assert.Zero(t, fw.Tracked())
}

func TestFirewall_AllowReportsWithoutEnforcing(t *testing.T) {
	fx := newFixture()
	fw := fx.firewall(firewall.WithMaxPerSource(2))

	assert.True(t, fw.Record("u", "s1", "1.2.3.4"))
	assert.True(t, fw.Record("u", "s2", "1.2.3.4"))
	assert.True(t, fw.Record("u", "s3", "1.2.3.4"), "over cap is only reported")
}

func TestFirewall_RecordWarnsOncePerOverCapSession(t *testing.T) {
	fx := newFixture()
	var buf bytes.Buffer
	fw := fx.firewall(
		firewall.WithMaxPerSource(1),
		firewall.WithLogger(logging.NewWriter(&buf, slog.LevelWarn, logging.FormatText)),
	)

	assert.True(t, fw.Record("u", "s1", "1.2.3.4"))
	for i := 0; i < 5; i++ {
		assert.True(t, fw.Record("u", "s2", "1.2.3.4"))
		assert.True(t, fw.Record("u", "s1", "1.2.3.4"))
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "Source exceeds session cap"))
}

func TestFirewall_AllowEnforced(t *testing.T) {
	fx := newFixture()
	fw := fx.firewall(firewall.WithMaxPerSource(2), firewall.WithEnforce(true))

	assert.True(t, fw.Record("u", "s1", "1.2.3.4"))
	assert.True(t, fw.Record("u", "s2", "1.2.3.4"))
	assert.False(t, fw.Allow("s3", "1.2.3.4"))
	assert.True(t, fw.Allow("s1", "1.2.3.4"), "known sessions stay allowed")
	assert.True(t, fw.Allow("s3", "5.6.7.8"))

	fw.Unregister("s1")
	assert.True(t, fw.Allow("s3", "1.2.3.4"))
}

func TestFirewall_Reset(t *testing.T) {
	fx := newFixture()
	fw := fx.firewall()
	fw.Record("u", "s1", "a")
	fw.Record("u", "s2", "b")
	fw.Reset()
	assert.Zero(t, fw.Tracked())
}

func TestFirewall_BackgroundSweep(t *testing.T) {
	fx := newFixture()
	fw := fx.firewall(firewall.WithTimeout(time.Minute), firewall.WithInterval(5*time.Millisecond))
	fw.Record("alice", "s1", "")
	fx.clock.Advance(time.Hour)

	fw.Start(context.Background())
	fw.Start(context.Background())
	assert.Eventually(t, func() bool { return fw.Tracked() == 0 }, time.Second, 5*time.Millisecond)

	fw.Shutdown()
	fw.Shutdown()
}

func TestFirewall_StopsWithContext(t *testing.T) {
	fx := newFixture()
	fw := fx.firewall(firewall.WithInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	fw.Start(ctx)
	cancel()
	fw.Shutdown()
}
