package bootstrap

import (
	"context"
	"sync"
	"time"

	chclient "agentrouter/internal/adapters/clickhouse"
	"agentrouter/internal/adapters/kafka"
	pgclient "agentrouter/internal/adapters/postgres"
	redisclient "agentrouter/internal/adapters/redis"
	sqliteclient "agentrouter/internal/adapters/sqlite"
	"agentrouter/internal/api"
	"agentrouter/internal/orchestrator"
	chrepo "agentrouter/internal/repository/clickhouse"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

// Lifecycle manages graceful shutdown of components
type Lifecycle struct {
	shutdownTimeout time.Duration
}

// NewLifecycle creates a new lifecycle manager
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		shutdownTimeout: 60 * time.Second,
	}
}

// Components are the pieces Shutdown tears down. Nil entries are skipped.
type Components struct {
	HTTPServer     *api.Server
	Orchestrator   *orchestrator.Orchestrator
	ClickHouseSink *chrepo.AuditSink
	KafkaProducer  *kafka.Producer
	TracerShutdown func(context.Context) error
	ErrorTracker   errors.Tracker

	SQLite *sqliteclient.Client
	PG     *pgclient.Client
	CH     *chclient.Client
	Redis  *redisclient.Client
}

// Shutdown performs coordinated cleanup of all components in the correct order:
// 1. No new requests accepted
// 2. Running sessions cancelled and their final events written
// 3. Buffered audit rows flushed before the stores close
// 4. Database connections last (other components may need them)
func (l *Lifecycle) Shutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, comp Components, log *logger.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), l.shutdownTimeout)
	defer shutdownCancel()

	// ========================================
	// Step 1: Stop HTTP Server (5s timeout)
	// ========================================
	log.Info("[1/8] Stopping HTTP server...")
	if comp.HTTPServer != nil {
		httpCtx, httpCancel := context.WithTimeout(shutdownCtx, 5*time.Second)
		if err := comp.HTTPServer.Shutdown(httpCtx); err != nil {
			log.Error("HTTP server shutdown failed", "error", err)
		}
		httpCancel()
	}

	// ========================================
	// Step 2: Cancel running sessions
	// Their cancellation events still go through the audit sinks
	// ========================================
	log.Info("[2/8] Cancelling running sessions...")
	if comp.Orchestrator != nil {
		orchCtx, orchCancel := context.WithTimeout(shutdownCtx, 15*time.Second)
		if err := comp.Orchestrator.Shutdown(orchCtx); err != nil {
			log.Error("Orchestrator shutdown failed", "error", err)
		} else {
			log.Info("✓ Sessions stopped")
		}
		orchCancel()
	}

	// ========================================
	// Step 3: Stop background goroutines (janitor, HTTP listener)
	// ========================================
	log.Info("[3/8] Waiting for background goroutines...")
	cancel()
	l.waitForGoroutines(wg, 5*time.Second, log)

	// ========================================
	// Step 4: Flush ClickHouse batch writers
	// ========================================
	log.Info("[4/8] Flushing ClickHouse audit writers...")
	if comp.ClickHouseSink != nil {
		chCtx, chCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		if err := comp.ClickHouseSink.Stop(chCtx); err != nil {
			log.Error("ClickHouse audit flush failed", "error", err)
		} else {
			log.Info("✓ ClickHouse audit writers flushed")
		}
		chCancel()
	}

	// ========================================
	// Step 5: Close Kafka Producer
	// ========================================
	log.Info("[5/8] Closing Kafka producer...")
	if comp.KafkaProducer != nil {
		if err := comp.KafkaProducer.Close(); err != nil {
			log.Error("Kafka producer close failed", "error", err)
		} else {
			log.Info("✓ Kafka producer closed")
		}
	}

	// ========================================
	// Step 6: Flush traces and errors
	// ========================================
	log.Info("[6/8] Flushing tracer and error tracker...")
	if comp.TracerShutdown != nil {
		if err := comp.TracerShutdown(shutdownCtx); err != nil {
			log.Warn("Tracer shutdown failed", "error", err)
		}
	}
	l.flushErrorTracker(shutdownCtx, comp.ErrorTracker, log)

	// ========================================
	// Step 7: Sync Logs
	// ========================================
	log.Info("[7/8] Syncing logs...")
	if err := logger.Sync(); err != nil {
		log.Warn("Log sync completed with warnings")
	}

	// ========================================
	// Step 8: Close Database Connections
	// LAST - other components may need them during shutdown
	// ========================================
	log.Info("[8/8] Closing database connections...")
	l.closeDatabases(comp, log)

	log.Info("✅ Graceful shutdown complete")
}

// waitForGoroutines waits for all goroutines with a timeout
func (l *Lifecycle) waitForGoroutines(wg *sync.WaitGroup, timeout time.Duration, log *logger.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("✓ All goroutines finished")
	case <-time.After(timeout):
		log.Warn("⚠ Some goroutines did not finish within timeout", "timeout", timeout)
	}
}

// flushErrorTracker flushes the error tracker (Sentry, etc.)
func (l *Lifecycle) flushErrorTracker(ctx context.Context, tracker errors.Tracker, log *logger.Logger) {
	if tracker == nil {
		return
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 3*time.Second)
	defer flushCancel()

	if err := tracker.Flush(flushCtx); err != nil {
		log.Error("Error tracker flush failed", "error", err)
	} else {
		log.Info("✓ Error tracker flushed")
	}
}

// closeDatabases closes every connected store
func (l *Lifecycle) closeDatabases(comp Components, log *logger.Logger) {
	var dbErrors []error

	if comp.SQLite != nil {
		if err := comp.SQLite.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "sqlite"))
		}
	}

	if comp.PG != nil {
		if err := comp.PG.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "postgres"))
		}
	}

	if comp.CH != nil {
		if err := comp.CH.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "clickhouse"))
		}
	}

	if comp.Redis != nil {
		if err := comp.Redis.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "redis"))
		}
	}

	if len(dbErrors) > 0 {
		log.Error("Database close errors", "errors", dbErrors)
	} else {
		log.Info("✓ Database connections closed")
	}
}
