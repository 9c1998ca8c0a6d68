package bootstrap

import (
	"context"
	"sync"
	"time"

	"agentrouter/internal/adapters/ai"
	chclient "agentrouter/internal/adapters/clickhouse"
	"agentrouter/internal/adapters/config"
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
	"agentrouter/internal/orchestrator"
	chrepo "agentrouter/internal/repository/clickhouse"
	"agentrouter/internal/router"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
	"agentrouter/pkg/templates"
)

// Version is stamped at build time with -ldflags "-X agentrouter/internal/bootstrap.Version=..."
var Version = "dev"

const janitorInterval = time.Minute

// Container holds all application dependencies and their lifecycle
// Components are organized in initialization order
type Container struct {
	// Core configuration & logging
	Config         *config.Config
	Log            *logger.Logger
	ErrorTracker   errors.Tracker
	TracerShutdown func(context.Context) error

	// Infrastructure Layer. Every store is optional and only connected when configured.
	SQLite *sqliteclient.Client
	PG     *pgclient.Client
	CH     *chclient.Client
	Redis  *redisclient.Client

	// Roster file contents the service was started (or last reloaded) with
	Roster *config.Roster

	Audit       *Audit
	Routing     *Routing
	Application *Application

	// Lifecycle management
	Lifecycle *Lifecycle
	WG        *sync.WaitGroup
	Context   context.Context
	Cancel    context.CancelFunc
}

// Audit groups the audit log sinks and the reader the API queries
type Audit struct {
	Fanout        *audit.Fanout
	Reader        audit.Reader
	Memory        *audit.MemoryLog
	ClickHouse    *chrepo.AuditSink
	KafkaProducer *kafka.Producer
	Publisher     *events.Publisher

	// ProfileStore restores learned profiles on startup. Nil when PROFILE_STORE=none.
	ProfileStore model_profile.Store
}

// Routing groups everything between a role call and a provider
type Routing struct {
	Roles      *role.Registry
	Profiles   *model_profile.Registry
	Breakers   *breaker.Set[*ai.Completion]
	Invokers   *ai.Registry
	Selector   *router.Selector
	Dispatcher *dispatch.Dispatcher
	Ledger     budget.Ledger
}

// Application groups the session engine and its outer surfaces
type Application struct {
	Prompts       *templates.Registry
	Orchestrator  *orchestrator.Orchestrator
	Notifier      *telegram.Notifier
	HealthHandler *health.Handler
	HTTPServer    *api.Server
}

// NewContainer creates a new dependency container
func NewContainer() *Container {
	ctx, cancel := context.WithCancel(context.Background())

	return &Container{
		Audit:       &Audit{},
		Routing:     &Routing{},
		Application: &Application{},
		Lifecycle:   NewLifecycle(),
		WG:          &sync.WaitGroup{},
		Context:     ctx,
		Cancel:      cancel,
	}
}

// MustInit initializes all components in the correct order
// Panics on any initialization error (fail-fast at startup)
func (c *Container) MustInit() {
	c.MustInitConfig()
	c.MustInitInfrastructure()
	c.MustInitAudit()
	c.MustInitRouting()
	c.MustInitApplication()
}

// Start starts all background components
func (c *Container) Start() error {
	c.Log.Info("Starting all systems...")

	if c.Audit.ClickHouse != nil {
		c.Audit.ClickHouse.Start(c.Context)
		c.Log.Info("✓ ClickHouse audit writers started")
	}

	c.WG.Add(1)
	go func() {
		defer c.WG.Done()
		c.Application.Orchestrator.RunJanitor(c.Context, janitorInterval)
	}()

	// Start HTTP server
	c.WG.Add(1)
	go func() {
		defer c.WG.Done()
		if err := c.Application.HTTPServer.Start(); err != nil {
			c.Log.Errorf("HTTP server failed: %v", err)
			c.Cancel() // Trigger shutdown on fatal HTTP error
		}
	}()

	c.Log.Infow("✓ All systems operational",
		"roles", c.Application.Orchestrator.RoleCount(),
		"profiles", c.Routing.Profiles.Len(),
		"providers", c.Routing.Invokers.Providers(),
		"audit_sinks", c.Audit.Fanout.Sinks(),
	)
	return nil
}

// ReloadRoster re-reads the roster file and swaps in its role definitions.
// Running sessions keep the roles they started with. Catalog models that are
// not yet profiled are seeded; learned profiles are left alone.
func (c *Container) ReloadRoster() error {
	roster, err := config.LoadRoster(c.Config.App.RosterPath)
	if err != nil {
		return errors.Wrap(err, "reload roster")
	}
	if err := c.Application.Orchestrator.ReloadRoles(roster.Roles); err != nil {
		return errors.Wrap(err, "reload roles")
	}

	seeded := 0
	for _, p := range roster.Catalog {
		if _, ok := c.Routing.Profiles.Get(p.Key); ok {
			continue
		}
		c.Routing.Profiles.Put(p)
		seeded++
	}
	c.Roster = roster

	c.Log.Infow("✓ Roster reloaded",
		"path", c.Config.App.RosterPath,
		"roles", len(roster.Roles),
		"new_profiles", seeded,
	)
	return nil
}

// Shutdown performs graceful shutdown in the correct order
func (c *Container) Shutdown() {
	c.Log.Info("Initiating graceful shutdown...")

	c.Lifecycle.Shutdown(c.Context, c.Cancel, c.WG, Components{
		HTTPServer:     c.Application.HTTPServer,
		Orchestrator:   c.Application.Orchestrator,
		ClickHouseSink: c.Audit.ClickHouse,
		KafkaProducer:  c.Audit.KafkaProducer,
		TracerShutdown: c.TracerShutdown,
		ErrorTracker:   c.ErrorTracker,
		SQLite:         c.SQLite,
		PG:             c.PG,
		CH:             c.CH,
		Redis:          c.Redis,
	}, c.Log)
}

// ActiveSessions, ProfileCount and RoleCount feed the runtime metrics collector
func (c *Container) ActiveSessions() int { return c.Application.Orchestrator.ActiveSessions() }
func (c *Container) ProfileCount() int   { return c.Routing.Profiles.Len() }
func (c *Container) RoleCount() int      { return c.Application.Orchestrator.RoleCount() }

// HealthDetails reports breaker, batch writer and connection pool state on /health
func (c *Container) HealthDetails() map[string]any {
	details := map[string]any{
		"breakers":        c.Routing.Breakers.Snapshot(),
		"open_breakers":   c.Routing.Breakers.OpenCount(),
		"active_sessions": c.Application.Orchestrator.ActiveSessions(),
		"roles":           c.Application.Orchestrator.RoleCount(),
		"audit_sinks":     c.Audit.Fanout.Sinks(),
	}
	if c.Audit.ClickHouse != nil {
		details["clickhouse_writers"] = c.Audit.ClickHouse.Stats()
	}

	pools := map[string]any{}
	if c.PG != nil {
		pools["postgres"] = c.PG.Stats()
	}
	if c.CH != nil {
		pools["clickhouse"] = c.CH.Stats()
	}
	if c.Redis != nil {
		pools["redis"] = c.Redis.Stats()
	}
	if len(pools) > 0 {
		details["pools"] = pools
	}
	return details
}
