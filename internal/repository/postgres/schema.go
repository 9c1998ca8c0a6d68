package postgres

import (
	"context"

	"agentrouter/pkg/errors"
)

// schema is applied by EnsureSchema. Every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS routing_decisions (
	decision_id       TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	agent_role        TEXT NOT NULL,
	task_type         TEXT NOT NULL,
	complexity        TEXT NOT NULL,
	selected_model    TEXT NOT NULL DEFAULT '',
	selected_provider TEXT NOT NULL DEFAULT '',
	outcome           TEXT NOT NULL,
	confidence_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	cost_estimate     NUMERIC(20, 10) NOT NULL DEFAULT 0,
	actual_cost       NUMERIC(20, 10) NOT NULL DEFAULT 0,
	tokens_in         INTEGER NOT NULL DEFAULT 0,
	tokens_out        INTEGER NOT NULL DEFAULT 0,
	candidates        JSONB NOT NULL DEFAULT '[]',
	rationale         JSONB NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routing_decisions_session ON routing_decisions (session_id, created_at);

CREATE TABLE IF NOT EXISTS collaboration_events (
	session_id TEXT NOT NULL,
	sequence   INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	stage      TEXT NOT NULL,
	status     TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, sequence)
);

CREATE TABLE IF NOT EXISTS model_profiles (
	model_id             TEXT NOT NULL,
	provider             TEXT NOT NULL,
	task_type            TEXT NOT NULL,
	performance_score    DOUBLE PRECISION NOT NULL,
	cost_per_token       NUMERIC(20, 12) NOT NULL,
	avg_response_time_ms DOUBLE PRECISION NOT NULL,
	success_rate         DOUBLE PRECISION NOT NULL,
	samples              BIGINT NOT NULL DEFAULT 0,
	last_updated         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (model_id, provider, task_type)
);
`

// EnsureSchema creates the audit tables when missing
func (s *AuditStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to apply audit schema")
	}
	return nil
}
