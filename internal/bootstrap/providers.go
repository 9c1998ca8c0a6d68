package bootstrap

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"agentrouter/internal/adapters/ai"
	chclient "agentrouter/internal/adapters/clickhouse"
	"agentrouter/internal/adapters/config"
	errnoop "agentrouter/internal/adapters/errors/noop"
	"agentrouter/internal/adapters/errors/sentry"
	"agentrouter/internal/adapters/kafka"
	pgclient "agentrouter/internal/adapters/postgres"
	redisclient "agentrouter/internal/adapters/redis"
	sqliteclient "agentrouter/internal/adapters/sqlite"
	"agentrouter/internal/adapters/telegram"
	"agentrouter/internal/api"
	"agentrouter/internal/api/health"
	"agentrouter/internal/audit"
	"agentrouter/internal/breaker"
	"agentrouter/internal/budget"
	"agentrouter/internal/dispatch"
	"agentrouter/internal/domain/model_profile"
	"agentrouter/internal/domain/role"
	"agentrouter/internal/events"
	"agentrouter/internal/metrics"
	"agentrouter/internal/orchestrator"
	chrepo "agentrouter/internal/repository/clickhouse"
	pgrepo "agentrouter/internal/repository/postgres"
	sqliterepo "agentrouter/internal/repository/sqlite"
	"agentrouter/internal/router"
	"agentrouter/internal/tracing"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
	"agentrouter/pkg/templates"
)

const (
	auditSinkTimeout = 5 * time.Second
	connectTimeout   = 10 * time.Second
	schemaTimeout    = 30 * time.Second
)

// ========================================
// Phase 1: Configuration & Logging
// ========================================

// MustInitConfig loads configuration, then initializes logger, error tracker, tracing and metrics
func (c *Container) MustInitConfig() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	c.Config = cfg

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}

	c.Log = logger.Get()
	c.Log.Infof("Starting %s %s in %s mode", cfg.App.Name, Version, cfg.App.Env)

	c.ErrorTracker = provideErrorTracker(cfg, c.Log)
	logger.SetErrorTracker(c.ErrorTracker)

	c.TracerShutdown, err = tracing.Setup(c.Context, cfg.Tracing)
	if err != nil {
		c.Log.Fatalf("failed to init tracing: %v", err)
	}
	if cfg.Tracing.Enabled {
		c.Log.Infow("✓ Tracing enabled", "exporter", cfg.Tracing.Exporter, "sample_rate", cfg.Tracing.Sample)
	}

	metrics.Init()
}

// ========================================
// Phase 2: Infrastructure Layer
// ========================================

// MustInitInfrastructure connects the stores the storage settings ask for
func (c *Container) MustInitInfrastructure() {
	var err error
	ctx, cancel := context.WithTimeout(c.Context, connectTimeout)
	defer cancel()
	storage := c.Config.Storage

	if storage.HasSink("sqlite") || storage.ProfileStore == "sqlite" {
		c.Log.Infow("Opening SQLite...", "path", storage.SQLitePath)
		c.SQLite, err = sqliteclient.Open(storage.SQLitePath)
		if err != nil {
			c.Log.Fatalf("failed to open sqlite: %v", err)
		}
		c.Log.Info("✓ SQLite opened")
	}

	if storage.HasSink("postgres") || storage.ProfileStore == "postgres" {
		c.Log.Info("Connecting to PostgreSQL...")
		c.PG, err = pgclient.NewClient(ctx, c.Config.Postgres)
		if err != nil {
			c.Log.Fatalf("failed to connect postgres: %v", err)
		}
		c.Log.Info("✓ PostgreSQL connected")
	}

	if storage.HasSink("clickhouse") {
		c.Log.Info("Connecting to ClickHouse...")
		c.CH, err = chclient.NewClient(ctx, c.Config.ClickHouse)
		if err != nil {
			c.Log.Fatalf("failed to connect clickhouse: %v", err)
		}
		c.Log.Info("✓ ClickHouse connected")
	}

	if storage.BudgetBackend == "redis" {
		c.Log.Info("Connecting to Redis...")
		c.Redis, err = redisclient.NewClient(ctx, c.Config.Redis)
		if err != nil {
			c.Log.Fatalf("failed to connect redis: %v", err)
		}
		c.Log.Info("✓ Redis connected")
	}
}

// ========================================
// Phase 3: Audit Log
// ========================================

// MustInitAudit builds every enabled sink, creates their schemas and picks the
// store the API reads audit history from
func (c *Container) MustInitAudit() {
	ctx, cancel := context.WithTimeout(c.Context, schemaTimeout)
	defer cancel()

	storage := c.Config.Storage
	var (
		sinks      []audit.Sink
		sqliteRepo *sqliterepo.AuditStore
		pgRepo     *pgrepo.AuditStore
	)

	if c.SQLite != nil {
		store, err := sqliterepo.NewAuditStore(ctx, c.SQLite.DB())
		if err != nil {
			c.Log.Fatalf("failed to init sqlite audit store: %v", err)
		}
		sqliteRepo = store
		if storage.HasSink("sqlite") {
			sinks = append(sinks, store)
		}
	}

	if c.PG != nil {
		store := pgrepo.NewAuditStore(c.PG.DB())
		if err := store.EnsureSchema(ctx); err != nil {
			c.Log.Fatalf("failed to init postgres audit schema: %v", err)
		}
		pgRepo = store
		if storage.HasSink("postgres") {
			sinks = append(sinks, store)
		}
	}

	if c.CH != nil {
		sink := chrepo.NewAuditSink(c.CH.Conn(), c.Config.ClickHouse.BatchSize, c.Config.ClickHouse.FlushInterval)
		if err := sink.EnsureSchema(ctx); err != nil {
			c.Log.Fatalf("failed to init clickhouse audit schema: %v", err)
		}
		c.Audit.ClickHouse = sink
		sinks = append(sinks, sink)
	}

	if storage.HasSink("kafka") {
		producer, err := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      c.Config.Kafka.Brokers,
			WriteTimeout: c.Config.Kafka.WriteTimeout,
		})
		if err != nil {
			c.Log.Fatalf("failed to init kafka producer: %v", err)
		}
		c.Audit.KafkaProducer = producer
		c.Audit.Publisher = events.NewPublisher(producer, c.Log)
		sinks = append(sinks, c.Audit.Publisher)
	}

	if storage.HasSink("memory") {
		c.Audit.Memory = audit.NewMemoryLog()
		sinks = append(sinks, c.Audit.Memory)
	}

	c.Audit.Fanout = audit.NewFanout(auditSinkTimeout, c.Log, sinks...)

	// The API reads from the first durable store that receives audit records
	switch {
	case sqliteRepo != nil && storage.HasSink("sqlite"):
		c.Audit.Reader = sqliteRepo
	case pgRepo != nil && storage.HasSink("postgres"):
		c.Audit.Reader = pgRepo
	case c.Audit.Memory != nil:
		c.Audit.Reader = c.Audit.Memory
	}

	switch storage.ProfileStore {
	case "sqlite":
		c.Audit.ProfileStore = sqliteRepo
	case "postgres":
		c.Audit.ProfileStore = pgRepo
	}

	if len(c.Audit.Fanout.Sinks()) == 0 {
		c.Log.Warn("No audit sinks configured, routing decisions will not be recorded")
	}
	c.Log.Infow("✓ Audit log initialized", "sinks", c.Audit.Fanout.Sinks(), "profile_store", storage.ProfileStore)
}

// ========================================
// Phase 4: Routing
// ========================================

// MustInitRouting loads the roster and builds the selector, dispatcher and their state
func (c *Container) MustInitRouting() {
	roster, err := config.LoadRoster(c.Config.App.RosterPath)
	if err != nil {
		c.Log.Fatalf("failed to load roster: %v", err)
	}
	c.Roster = roster

	c.Routing.Roles, err = role.NewRegistry(roster.Roles)
	if err != nil {
		c.Log.Fatalf("invalid roles in %s: %v", c.Config.App.RosterPath, err)
	}
	c.Log.Infow("✓ Roles loaded", "path", c.Config.App.RosterPath, "roles", c.Routing.Roles.Snapshot().Names())

	rc := c.Config.Routing
	c.Routing.Profiles = model_profile.NewRegistry(model_profile.Config{
		Alpha:      rc.LatencyAlpha,
		WindowSize: rc.SuccessWindow,
		StaleAfter: rc.ProfileStaleAfter,
	})
	restored := c.seedProfiles(roster.Catalog)
	c.Log.Infow("✓ Model profiles seeded", "catalog", len(roster.Catalog), "restored", restored)

	c.Routing.Breakers = breaker.NewSet[*ai.Completion](breaker.Config{
		Threshold: rc.BreakerThreshold,
		Window:    rc.BreakerWindow,
		Cooldown:  rc.BreakerCooldown,
	}, c.Log)

	c.Routing.Invokers, err = ai.BuildRegistry(c.Context, c.Config.AI)
	if err != nil {
		c.Log.Fatalf("failed to init AI providers: %v", err)
	}

	c.Routing.Ledger = c.provideLedger()

	c.Routing.Selector = router.NewSelector(c.Routing.Roles, c.Routing.Profiles, c.Routing.Breakers, c.Log)
	c.Routing.Dispatcher = dispatch.NewDispatcher(
		dispatch.Config{
			AttemptTimeout:       rc.AttemptTimeout,
			RetriesPerCandidate:  rc.RetriesPerCandidate,
			MaxAttempts:          rc.MaxAttempts,
			MaxOutputTokens:      rc.MaxOutputTokens,
			LowConfidencePenalty: rc.LowConfidencePenalty,
		},
		c.Routing.Selector,
		c.Routing.Invokers,
		c.Routing.Breakers,
		c.Routing.Profiles,
		c.Routing.Ledger,
		c.Audit.Fanout,
		c.Log,
	)

	c.Log.Info("✓ Routing initialized")
}

// seedProfiles loads the catalog, then overlays profiles learned in earlier runs.
// Prices always come from the catalog.
func (c *Container) seedProfiles(catalog []model_profile.Profile) int {
	prices := make(map[model_profile.Key]decimal.Decimal, len(catalog))
	for _, p := range catalog {
		c.Routing.Profiles.Put(p)
		prices[p.Key] = p.CostPerToken
	}

	if c.Audit.ProfileStore == nil {
		return 0
	}

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()

	persisted, err := c.Audit.ProfileStore.ListModelProfiles(ctx)
	if err != nil {
		c.Log.Warnw("Failed to restore model profiles, starting from catalog", "error", err)
		return 0
	}
	for _, p := range persisted {
		if price, ok := prices[p.Key]; ok {
			p.CostPerToken = price
		}
		c.Routing.Profiles.Put(*p)
	}
	return len(persisted)
}

func (c *Container) provideLedger() budget.Ledger {
	if c.Redis != nil {
		c.Log.Infow("✓ Budget ledger: redis", "ttl", c.Config.Storage.BudgetTTL)
		return budget.NewRedisLedger(c.Redis.Client(), c.Config.Storage.BudgetTTL)
	}
	c.Log.Info("✓ Budget ledger: memory")
	return budget.NewMemoryLedger()
}

// ========================================
// Phase 5: Application Layer
// ========================================

// MustInitApplication builds the orchestrator and the HTTP surface
func (c *Container) MustInitApplication() {
	sc := c.Config.Session

	defaultBudget, err := decimal.NewFromString(sc.DefaultBudget)
	if err != nil {
		c.Log.Fatalf("invalid SESSION_DEFAULT_BUDGET %q: %v", sc.DefaultBudget, err)
	}

	scorer, err := orchestrator.NewScorer(sc.Agreement)
	if err != nil {
		c.Log.Fatalf("invalid SESSION_AGREEMENT: %v", err)
	}

	prompts, err := templates.WithOverrides(c.Config.App.PromptsDir)
	if err != nil {
		c.Log.Fatalf("failed to load prompt templates: %v", err)
	}
	c.Application.Prompts = prompts
	if c.Config.App.PromptsDir != "" {
		c.Log.Infow("✓ Prompt overrides loaded", "dir", c.Config.App.PromptsDir, "templates", len(prompts.List()))
	}

	deps := orchestrator.Deps{
		Dispatcher: c.Routing.Dispatcher,
		Roles:      c.Routing.Roles,
		Rosters:    c.Roster.Strategies,
		Scorer:     scorer,
		Prompts:    prompts,
		Events:     c.Audit.Fanout,
		Ledger:     c.Routing.Ledger,
		Logger:     c.Log,
	}
	if c.Config.Telegram.Enabled() {
		c.Application.Notifier = c.provideNotifier()
		if c.Application.Notifier != nil {
			deps.Notifier = c.Application.Notifier
		}
	}

	c.Application.Orchestrator, err = orchestrator.New(orchestrator.Config{
		MaxIterations:      sc.MaxIterations,
		ConsensusThreshold: sc.ConsensusThreshold,
		StageTimeout:       sc.StageTimeout,
		SessionTimeout:     sc.Timeout,
		DefaultBudget:      defaultBudget,
		Retention:          sc.Retention,
	}, deps)
	if err != nil {
		c.Log.Fatalf("failed to init orchestrator: %v", err)
	}

	metrics.RegisterRuntimeCollector(metrics.NewRuntimeCollector(c))

	c.Application.HealthHandler = health.New(c.Log, c.Config.App.Name, Version, c.healthChecks()...).
		WithDetails(c.HealthDetails)

	sessions := api.NewSessionHandler(c.Application.Orchestrator, c.Audit.Reader, c.Log)
	c.Application.HTTPServer = api.NewServer(api.ServerConfig{
		Port:        c.Config.HTTP.Port,
		ServiceName: c.Config.App.Name,
		Version:     Version,
		ReadTimeout: c.Config.HTTP.ReadTimeout,
	}, c.Application.HealthHandler, sessions, c.Log)

	c.Log.Info("✓ Application initialized")
}

func (c *Container) provideNotifier() *telegram.Notifier {
	bot, err := telegram.NewBot(telegram.Config{
		Token:       c.Config.Telegram.BotToken,
		Debug:       c.Config.App.Debug,
		HTTPTimeout: 10 * time.Second,
	}, c.Log)
	if err != nil {
		// Notifications are best effort; the service runs without them
		c.Log.Warnw("Telegram notifications disabled", "error", err)
		return nil
	}
	c.Log.Infow("✓ Telegram notifications enabled", "chats", len(c.Config.Telegram.ChatIDs))
	return telegram.NewNotifier(bot, c.Config.Telegram.ChatIDs, c.Application.Prompts, c.Log)
}

// healthChecks probes every connected store. Stores the hot path depends on gate readiness.
func (c *Container) healthChecks() []health.Check {
	var checks []health.Check
	if c.SQLite != nil {
		checks = append(checks, health.Check{Name: "sqlite", Critical: true, Probe: c.SQLite.Health})
	}
	if c.PG != nil {
		checks = append(checks, health.Check{Name: "postgres", Critical: true, Probe: c.PG.Health})
	}
	if c.Redis != nil {
		checks = append(checks, health.Check{Name: "redis", Critical: true, Probe: c.Redis.Health})
	}
	if c.CH != nil {
		// Buffered writes survive short outages
		checks = append(checks, health.Check{Name: "clickhouse", Probe: c.CH.Health})
	}
	checks = append(checks, health.Check{
		Name:  "providers",
		Probe: c.probeBackends,
	})
	return checks
}

// probeBackends fails once every known backend has an open circuit
func (c *Container) probeBackends(context.Context) error {
	backends := make(map[model_profile.Backend]struct{})
	for _, p := range c.Routing.Profiles.List() {
		backends[p.Backend()] = struct{}{}
	}
	open := c.Routing.Breakers.OpenCount()
	if len(backends) > 0 && open >= len(backends) {
		return errors.Wrapf(errors.ErrUnavailable, "all %d backends have open circuits", open)
	}
	return nil
}

// ========================================
// Helper Provider Functions
// ========================================

func provideErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return errnoop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return errnoop.New()
	}

	log.Info("✓ Error tracking initialized (Sentry)")
	return tracker
}
