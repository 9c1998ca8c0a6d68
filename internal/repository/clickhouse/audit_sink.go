package clickhouse

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/model_profile"
	"agentrouter/internal/domain/routing"
	"agentrouter/internal/metrics"
	"agentrouter/pkg/clickhouse"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

var tables = []string{
	`CREATE TABLE IF NOT EXISTS routing_decisions (
		created_at        DateTime64(3),
		decision_id       String,
		session_id        String,
		agent_role        LowCardinality(String),
		task_type         LowCardinality(String),
		complexity        LowCardinality(String),
		selected_model    LowCardinality(String),
		selected_provider LowCardinality(String),
		outcome           LowCardinality(String),
		dominant_factor   LowCardinality(String),
		attempts          UInt8,
		candidates        UInt8,
		confidence_score  Float64,
		execution_time_ms Int64,
		cost_estimate     Decimal(20, 10),
		actual_cost       Decimal(20, 10),
		tokens_in         UInt32,
		tokens_out        UInt32
	) ENGINE = ReplacingMergeTree()
	ORDER BY (session_id, decision_id)`,
	`CREATE TABLE IF NOT EXISTS collaboration_events (
		timestamp  DateTime64(3),
		session_id String,
		sequence   UInt32,
		kind       LowCardinality(String),
		stage      LowCardinality(String),
		status     LowCardinality(String),
		agent_role String,
		action     LowCardinality(String),
		direction  LowCardinality(String),
		confidence Float64,
		reason     String
	) ENGINE = ReplacingMergeTree()
	ORDER BY (session_id, sequence)`,
	`CREATE TABLE IF NOT EXISTS model_profile_snapshots (
		last_updated         DateTime64(3),
		model_id             LowCardinality(String),
		provider             LowCardinality(String),
		task_type            LowCardinality(String),
		performance_score    Float64,
		cost_per_token       Decimal(20, 12),
		avg_response_time_ms Float64,
		success_rate         Float64,
		samples              Int64
	) ENGINE = ReplacingMergeTree(last_updated)
	ORDER BY (provider, model_id, task_type)`,
}

type eventRow struct {
	sessionID string
	event     *collaboration.Event
}

type profileRow struct {
	key     model_profile.Key
	profile model_profile.Profile
}

// AuditSink streams audit records into ClickHouse for analytics. Writes are buffered,
// so Append* only fails when an inline flush fails. The tables use ReplacingMergeTree
// on the natural keys, which collapses replays on merge.
type AuditSink struct {
	conn      driver.Conn
	decisions *clickhouse.BatchWriter[*routing.Decision]
	events    *clickhouse.BatchWriter[eventRow]
	profiles  *clickhouse.BatchWriter[profileRow]
	log       *logger.Logger
}

// NewAuditSink creates the sink. Call EnsureSchema and Start before use.
func NewAuditSink(conn driver.Conn, batchSize int, flushInterval time.Duration) *AuditSink {
	s := &AuditSink{
		conn: conn,
		log:  logger.Get().With("component", "clickhouse_audit_sink"),
	}

	s.decisions = clickhouse.NewBatchWriter(clickhouse.BatchWriterConfig[*routing.Decision]{
		FlushFunc:    s.flushDecisions,
		OnFlush:      recordFlush,
		TableName:    "routing_decisions",
		MaxBatchSize: batchSize,
		MaxAge:       flushInterval,
	})
	s.events = clickhouse.NewBatchWriter(clickhouse.BatchWriterConfig[eventRow]{
		FlushFunc:    s.flushEvents,
		OnFlush:      recordFlush,
		TableName:    "collaboration_events",
		MaxBatchSize: batchSize,
		MaxAge:       flushInterval,
	})
	s.profiles = clickhouse.NewBatchWriter(clickhouse.BatchWriterConfig[profileRow]{
		FlushFunc:    s.flushProfiles,
		OnFlush:      recordFlush,
		TableName:    "model_profile_snapshots",
		MaxBatchSize: batchSize,
		MaxAge:       flushInterval,
	})

	return s
}

func recordFlush(table string, _ int, took time.Duration, err error) {
	metrics.RecordDBQuery("clickhouse", "flush_"+table, took, err)
}

// Name identifies the sink in logs and metrics
func (s *AuditSink) Name() string { return "clickhouse" }

// EnsureSchema creates the analytics tables when missing
func (s *AuditSink) EnsureSchema(ctx context.Context) error {
	for _, ddl := range tables {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return errors.Wrap(err, "failed to apply clickhouse schema")
		}
	}
	return nil
}

// Start begins the background flush loops
func (s *AuditSink) Start(ctx context.Context) {
	s.decisions.Start(ctx)
	s.events.Start(ctx)
	s.profiles.Start(ctx)
}

// Stop flushes what is buffered and stops the loops
func (s *AuditSink) Stop(ctx context.Context) error {
	var errs []error
	for _, stop := range []func(context.Context) error{s.decisions.Stop, s.events.Stop, s.profiles.Stop} {
		if err := stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats reports the buffered writers for the health endpoint
func (s *AuditSink) Stats() []clickhouse.BatchWriterStats {
	return []clickhouse.BatchWriterStats{s.decisions.Stats(), s.events.Stats(), s.profiles.Stats()}
}

// AppendRoutingDecision buffers a decision
func (s *AuditSink) AppendRoutingDecision(ctx context.Context, d *routing.Decision) error {
	return s.decisions.Add(ctx, d)
}

// AppendCollaborationEvent buffers a session event
func (s *AuditSink) AppendCollaborationEvent(ctx context.Context, sessionID string, e *collaboration.Event) error {
	return s.events.Add(ctx, eventRow{sessionID: sessionID, event: e})
}

// UpsertModelProfile buffers a profile snapshot. The profile is copied since the registry reuses it.
func (s *AuditSink) UpsertModelProfile(ctx context.Context, key model_profile.Key, p *model_profile.Profile) error {
	return s.profiles.Add(ctx, profileRow{key: key, profile: *p})
}

func (s *AuditSink) flushDecisions(ctx context.Context, batch []*routing.Decision) error {
	stmt, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO routing_decisions (
			created_at, decision_id, session_id, agent_role, task_type, complexity,
			selected_model, selected_provider, outcome, dominant_factor, attempts, candidates,
			confidence_score, execution_time_ms, cost_estimate, actual_cost, tokens_in, tokens_out
		)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare batch")
	}
	defer stmt.Close()

	for _, d := range batch {
		err := stmt.Append(
			d.CreatedAt, d.ID, d.SessionID, d.Role, d.TaskType, d.Complexity,
			d.SelectedModel, d.SelectedProvider, string(d.Outcome), string(d.Rationale.Dominant),
			uint8(min(len(d.Rationale.Attempts), 255)), uint8(min(len(d.Candidates), 255)),
			d.ConfidenceScore, d.ExecutionTimeMs, d.CostEstimate, d.ActualCost,
			uint32(d.TokensIn), uint32(d.TokensOut),
		)
		if err != nil {
			s.log.Warnw("Skipping routing decision", "decision_id", d.ID, "error", err)
		}
	}

	if err := stmt.Send(); err != nil {
		return errors.Wrap(err, "failed to send batch")
	}
	return nil
}

func (s *AuditSink) flushEvents(ctx context.Context, batch []eventRow) error {
	stmt, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO collaboration_events (
			timestamp, session_id, sequence, kind, stage, status,
			agent_role, action, direction, confidence, reason
		)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare batch")
	}
	defer stmt.Close()

	for _, row := range batch {
		f := flattenEvent(row.event)
		err := stmt.Append(
			row.event.Timestamp, row.sessionID, uint32(row.event.Sequence),
			string(row.event.Kind), string(row.event.Stage), string(row.event.Status),
			f.role, f.action, f.direction, f.confidence, f.reason,
		)
		if err != nil {
			s.log.Warnw("Skipping collaboration event", "session_id", row.sessionID, "sequence", row.event.Sequence, "error", err)
		}
	}

	if err := stmt.Send(); err != nil {
		return errors.Wrap(err, "failed to send batch")
	}
	return nil
}

func (s *AuditSink) flushProfiles(ctx context.Context, batch []profileRow) error {
	stmt, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO model_profile_snapshots (
			last_updated, model_id, provider, task_type, performance_score,
			cost_per_token, avg_response_time_ms, success_rate, samples
		)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare batch")
	}
	defer stmt.Close()

	for _, row := range batch {
		p := row.profile
		err := stmt.Append(
			p.LastUpdated, row.key.ModelID, row.key.Provider, row.key.TaskType, p.PerformanceScore,
			p.CostPerToken, p.AvgResponseTimeMs, p.SuccessRate, p.Samples,
		)
		if err != nil {
			s.log.Warnw("Skipping profile snapshot", "key", row.key.String(), "error", err)
		}
	}

	if err := stmt.Send(); err != nil {
		return errors.Wrap(err, "failed to send batch")
	}
	return nil
}

type flatEvent struct {
	role       string
	action     string
	direction  string
	confidence float64
	reason     string
}

// flattenEvent pulls the columns analytics queries filter on out of an event
func flattenEvent(e *collaboration.Event) flatEvent {
	var f flatEvent
	if in := e.Interaction; in != nil {
		f.role = in.Role
		f.action = string(in.Action)
		f.reason = in.Detail
	}
	if s := e.Session; s != nil {
		if s.FinalOutcome != nil {
			f.direction = string(s.FinalOutcome.Direction)
			f.confidence = s.FinalOutcome.Confidence
		}
		if s.FailureReason != "" {
			f.reason = s.FailureReason
		}
	}
	return f
}
