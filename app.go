package lexedge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	redisstore "github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/adapters/redis"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/adapters/sqlite"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/config"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/extract"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/logging"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/adapters/memory"
	redislock "github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/adapters/redis"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/capability/echo"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/capability/gemini"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/coordinator"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/delivery"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/firewall"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/observability"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/persistence/middleware"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/ports"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/registry"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/routing"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/session"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	backend "github.com/redis/go-redis/v9"
)

// App holds the process-wide collaborators. They are built once by New and
// shared by every connection and turn.
type App struct {
	Config       *config.Config
	Store        ports.SessionStore
	Sessions     *session.Manager
	Tasks        *tasks.Registry
	Router       *delivery.Router
	Capabilities *registry.Registry
	Coordinator  *coordinator.Coordinator
	Firewall     *firewall.Firewall
	Metrics      *observability.Metrics
	Registry     *prometheus.Registry

	logger    *slog.Logger
	store     ports.SessionStore
	factories map[string]registry.Factory
	closers   []io.Closer
	closeOnce sync.Once
}

// Option configures the App.
type Option func(*App)

// WithLogger sets a custom structured logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithStore injects a session store, bypassing store.backend.
func WithStore(store ports.SessionStore) Option {
	return func(a *App) {
		a.store = store
	}
}

// WithCapability registers an additional capability, or replaces the
// configured provider for that name.
func WithCapability(name string, factory registry.Factory) Option {
	return func(a *App) {
		a.factories[name] = factory
	}
}

// New wires the application from configuration.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	a := &App{
		Config:    cfg,
		logger:    logging.NewNop(),
		factories: make(map[string]registry.Factory),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = observability.NewMetrics(a.Registry)

	var locker ports.DistributedLocker
	store := a.store
	if store == nil {
		var err error
		store, locker, err = a.openStore()
		if err != nil {
			return nil, err
		}
	}
	a.Store = middleware.Chain(store, a.storeMiddleware()...)

	sessionOpts := []session.Option{
		session.WithApp(cfg.Store.App),
		session.WithLimits(session.Limits{MaxEntries: cfg.History.MaxEntries, MaxChars: cfg.History.MaxChars}),
		session.WithLogger(a.logger),
	}
	if locker != nil {
		sessionOpts = append(sessionOpts, session.WithLocker(locker))
	}
	a.Sessions = session.NewManager(a.Store, sessionOpts...)
	a.Tasks = tasks.New(tasks.WithLogger(a.logger))
	a.Router = delivery.NewRouter(delivery.WithLogger(a.logger), delivery.WithMetrics(a.Metrics))

	a.Capabilities = registry.NewRegistry()
	for _, target := range Targets(cfg) {
		a.Capabilities.Register(target, a.providerFactory(target))
	}
	for name, factory := range a.factories {
		a.Capabilities.Register(name, factory)
	}

	a.Coordinator = coordinator.New(a.Sessions, a.Tasks, a.Router, a.Capabilities,
		coordinator.WithLogger(a.logger),
		coordinator.WithMetrics(a.Metrics),
		coordinator.WithRetryPolicy(coordinator.RetryPolicy{MaxRetries: cfg.Retry.MaxRetries, Base: cfg.Retry.Base}),
		coordinator.WithRoutes(Routes(cfg.Routes)),
		coordinator.WithExtractor(extract.New()),
		coordinator.WithInlineLimit(cfg.Attachments.InlineMaxBytes),
	)
	a.Firewall = firewall.New(a.Sessions, a.Tasks, a.Router,
		firewall.WithTimeout(cfg.Firewall.Timeout),
		firewall.WithInterval(cfg.Firewall.Interval),
		firewall.WithMaxPerSource(cfg.Firewall.MaxPerSource),
		firewall.WithEnforce(cfg.Firewall.Enforce),
		firewall.WithLogger(a.logger),
		firewall.WithMetrics(a.Metrics),
	)
	return a, nil
}

func (a *App) openStore() (ports.SessionStore, ports.DistributedLocker, error) {
	sc := a.Config.Store
	switch sc.Backend {
	case "", "memory":
		return memory.NewStore(
			memory.WithMaxSessionsPerUser(sc.MaxSessionsPerUser),
			memory.WithMaxMessagesPerSession(sc.MaxMessagesPerSession),
		), nil, nil
	case "sqlite":
		store, err := sqlite.Open(sc.DSN,
			sqlite.WithMaxSessionsPerUser(sc.MaxSessionsPerUser),
			sqlite.WithMaxMessagesPerSession(sc.MaxMessagesPerSession),
		)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil, nil
	case "redis":
		client := backend.NewClient(&backend.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		store := redisstore.NewFromClient(client,
			redisstore.WithTTL(sc.Redis.TTL),
			redisstore.WithPrefix(sc.Redis.Prefix),
			redisstore.WithMaxSessionsPerUser(sc.MaxSessionsPerUser),
			redisstore.WithMaxMessagesPerSession(sc.MaxMessagesPerSession),
		)
		a.closers = append(a.closers, store)
		var locker ports.DistributedLocker
		if sc.Redis.Lock {
			locker = redislock.NewLocker(client, sc.Redis.Prefix)
		}
		return store, locker, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}

func (a *App) storeMiddleware() []middleware.Middleware {
	var mws []middleware.Middleware
	if a.Config.Store.Redact {
		mws = append(mws, middleware.NewPIIMiddleware(middleware.DefaultSecretPatterns))
	}
	if key := a.Config.Store.EncryptionKey; key != "" {
		mws = append(mws, middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte(key)}))
	}
	return mws
}

func (a *App) providerFactory(name string) registry.Factory {
	mc := a.Config.Model
	switch mc.Provider {
	case "gemini":
		return func(ctx context.Context) (ports.Capability, error) {
			return gemini.New(ctx, name, mc.APIKey,
				gemini.WithModel(mc.Name),
				gemini.WithSystemInstruction(mc.SystemInstruction),
				gemini.WithLogger(a.logger.With("capability", name)),
			)
		}
	default:
		return func(context.Context) (ports.Capability, error) {
			return echo.New(name), nil
		}
	}
}

// Targets lists the default target followed by every distinct route target.
func Targets(cfg *config.Config) []string {
	targets := []string{coordinator.DefaultTarget}
	seen := map[string]bool{coordinator.DefaultTarget: true}
	for _, r := range cfg.Routes {
		if !seen[r.Target] {
			seen[r.Target] = true
			targets = append(targets, r.Target)
		}
	}
	return targets
}

// Routes builds the capability routing table. A rule matches when the text
// contains any of its keywords or the attachment MIME type has its prefix.
func Routes(rules []config.RouteConfig) *routing.Table[domain.Envelope, string] {
	built := make([]coordinator.Route, 0, len(rules))
	for i, r := range rules {
		name := r.RuleName(i)
		keywords := routing.ContainsAny(r.Keywords...)
		hasKeywords := len(r.Keywords) > 0
		prefix := r.MimePrefix
		built = append(built, coordinator.Route{
			Name:   name,
			Target: r.Target,
			Match: func(env domain.Envelope) bool {
				if hasKeywords && keywords(env.Text) {
					return true
				}
				return prefix != "" && env.Attachment != nil && strings.HasPrefix(env.Attachment.MimeType, prefix)
			},
		})
	}
	return routing.NewTable(coordinator.DefaultTarget, built...)
}

// Start launches background work.
func (a *App) Start(ctx context.Context) {
	a.Firewall.Start(ctx)
}

// Cleanup cancels all tasks, closes all connections, clears every stored
// session and resets the firewall and the capability cache. Each step runs
// even if an earlier one failed.
func (a *App) Cleanup(ctx context.Context) domain.CleanupReport {
	report := domain.CleanupReport{
		TasksCancelled:    a.Tasks.CancelAll("cleanup"),
		TasksCleaned:      a.Tasks.CleanupCompleted(),
		ConnectionsClosed: a.Router.DisconnectAll(),
	}
	n, err := a.Store.ClearAll(ctx)
	if err != nil {
		a.logger.Error("Failed to clear sessions", "err", err)
		report.Errors = append(report.Errors, "sessions: "+err.Error())
	}
	report.SessionsCleared = n

	a.Firewall.Reset()
	report.FirewallReset = true
	a.Capabilities.Reset()
	report.CapabilitiesReset = true

	a.logger.Info("Cleanup complete",
		"tasks_cancelled", report.TasksCancelled,
		"connections_closed", report.ConnectionsClosed,
		"sessions_cleared", report.SessionsCleared,
	)
	return report
}

// Close stops background work and releases the store. It is idempotent.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		a.Firewall.Shutdown()
		a.Tasks.CancelAll("shutdown")
		a.Router.DisconnectAll()
		for _, c := range a.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
