package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/model_profile"
	"agentrouter/internal/domain/routing"
	"agentrouter/internal/metrics"
	"agentrouter/pkg/errors"
)

// Timestamps are stored as unix milliseconds, decimals as their exact string form
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
	confidence_score  REAL NOT NULL DEFAULT 0,
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	cost_estimate     TEXT NOT NULL DEFAULT '0',
	actual_cost       TEXT NOT NULL DEFAULT '0',
	tokens_in         INTEGER NOT NULL DEFAULT 0,
	tokens_out        INTEGER NOT NULL DEFAULT 0,
	candidates        TEXT NOT NULL DEFAULT '[]',
	rationale         TEXT NOT NULL DEFAULT '{}',
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routing_decisions_session ON routing_decisions (session_id, created_at);

CREATE TABLE IF NOT EXISTS collaboration_events (
	session_id TEXT NOT NULL,
	sequence   INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	stage      TEXT NOT NULL,
	status     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, sequence)
);

CREATE TABLE IF NOT EXISTS model_profiles (
	model_id             TEXT NOT NULL,
	provider             TEXT NOT NULL,
	task_type            TEXT NOT NULL,
	performance_score    REAL NOT NULL,
	cost_per_token       TEXT NOT NULL,
	avg_response_time_ms REAL NOT NULL,
	success_rate         REAL NOT NULL,
	samples              INTEGER NOT NULL DEFAULT 0,
	last_updated         INTEGER NOT NULL,
	PRIMARY KEY (model_id, provider, task_type)
);
`

// AuditStore is the embedded audit log. It implements audit.Sink, audit.Reader
// and model_profile.Store.
type AuditStore struct {
	db *sqlx.DB
}

// NewAuditStore creates the store and applies its schema
func NewAuditStore(ctx context.Context, db *sqlx.DB) (*AuditStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, errors.Wrap(err, "failed to apply sqlite audit schema")
	}
	return &AuditStore{db: db}, nil
}

// Name identifies the sink in logs and metrics
func (s *AuditStore) Name() string { return "sqlite" }

func observe(operation string) func(*error) {
	start := time.Now()
	return func(err *error) {
		metrics.RecordDBQuery("sqlite", operation, time.Since(start), *err)
	}
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// AppendRoutingDecision inserts a decision once
func (s *AuditStore) AppendRoutingDecision(ctx context.Context, d *routing.Decision) (err error) {
	defer observe("append_routing_decision")(&err)

	candidates, err := json.Marshal(d.Candidates)
	if err != nil {
		return errors.Wrap(err, "failed to marshal candidates")
	}
	rationale, err := json.Marshal(d.Rationale)
	if err != nil {
		return errors.Wrap(err, "failed to marshal rationale")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO routing_decisions (
			decision_id, session_id, agent_role, task_type, complexity,
			selected_model, selected_provider, outcome, confidence_score, execution_time_ms,
			cost_estimate, actual_cost, tokens_in, tokens_out, candidates, rationale, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SessionID, d.Role, d.TaskType, d.Complexity,
		d.SelectedModel, d.SelectedProvider, string(d.Outcome), d.ConfidenceScore, d.ExecutionTimeMs,
		d.CostEstimate.String(), d.ActualCost.String(), d.TokensIn, d.TokensOut,
		string(candidates), string(rationale), millis(d.CreatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert routing decision %s", d.ID)
	}
	return nil
}

// AppendCollaborationEvent inserts a session event once per (session, sequence)
func (s *AuditStore) AppendCollaborationEvent(ctx context.Context, sessionID string, e *collaboration.Event) (err error) {
	defer observe("append_collaboration_event")(&err)

	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO collaboration_events (session_id, sequence, kind, stage, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, e.Sequence, string(e.Kind), string(e.Stage), string(e.Status), string(payload), millis(e.Timestamp),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert event %s#%d", sessionID, e.Sequence)
	}
	return nil
}

// UpsertModelProfile writes the latest profile for a key
func (s *AuditStore) UpsertModelProfile(ctx context.Context, key model_profile.Key, p *model_profile.Profile) (err error) {
	defer observe("upsert_model_profile")(&err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_profiles (
			model_id, provider, task_type, performance_score, cost_per_token,
			avg_response_time_ms, success_rate, samples, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (model_id, provider, task_type) DO UPDATE SET
			performance_score = excluded.performance_score,
			cost_per_token = excluded.cost_per_token,
			avg_response_time_ms = excluded.avg_response_time_ms,
			success_rate = excluded.success_rate,
			samples = excluded.samples,
			last_updated = excluded.last_updated`,
		key.ModelID, key.Provider, key.TaskType, p.PerformanceScore, p.CostPerToken.String(),
		p.AvgResponseTimeMs, p.SuccessRate, p.Samples, millis(p.LastUpdated),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert profile %s", key)
	}
	return nil
}

type profileRow struct {
	ModelID           string  `db:"model_id"`
	Provider          string  `db:"provider"`
	TaskType          string  `db:"task_type"`
	PerformanceScore  float64 `db:"performance_score"`
	CostPerToken      string  `db:"cost_per_token"`
	AvgResponseTimeMs float64 `db:"avg_response_time_ms"`
	SuccessRate       float64 `db:"success_rate"`
	Samples           int64   `db:"samples"`
	LastUpdated       int64   `db:"last_updated"`
}

// ListModelProfiles returns every persisted profile
func (s *AuditStore) ListModelProfiles(ctx context.Context) (out []*model_profile.Profile, err error) {
	defer observe("list_model_profiles")(&err)

	var rows []profileRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT model_id, provider, task_type, performance_score, cost_per_token,
		       avg_response_time_ms, success_rate, samples, last_updated
		FROM model_profiles
		ORDER BY provider, model_id, task_type`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list model profiles")
	}

	out = make([]*model_profile.Profile, 0, len(rows))
	for _, r := range rows {
		var cost decimal.Decimal
		if cost, err = decimal.NewFromString(r.CostPerToken); err != nil {
			return nil, errors.Wrapf(err, "bad cost_per_token for %s/%s", r.Provider, r.ModelID)
		}
		out = append(out, &model_profile.Profile{
			Key:               model_profile.Key{ModelID: r.ModelID, Provider: r.Provider, TaskType: r.TaskType},
			PerformanceScore:  r.PerformanceScore,
			CostPerToken:      cost,
			AvgResponseTimeMs: r.AvgResponseTimeMs,
			SuccessRate:       r.SuccessRate,
			Samples:           r.Samples,
			LastUpdated:       fromMillis(r.LastUpdated),
		})
	}
	return out, nil
}

type decisionRow struct {
	ID               string  `db:"decision_id"`
	SessionID        string  `db:"session_id"`
	Role             string  `db:"agent_role"`
	TaskType         string  `db:"task_type"`
	Complexity       string  `db:"complexity"`
	SelectedModel    string  `db:"selected_model"`
	SelectedProvider string  `db:"selected_provider"`
	Outcome          string  `db:"outcome"`
	ConfidenceScore  float64 `db:"confidence_score"`
	ExecutionTimeMs  int64   `db:"execution_time_ms"`
	CostEstimate     string  `db:"cost_estimate"`
	ActualCost       string  `db:"actual_cost"`
	TokensIn         int     `db:"tokens_in"`
	TokensOut        int     `db:"tokens_out"`
	Candidates       string  `db:"candidates"`
	Rationale        string  `db:"rationale"`
	CreatedAt        int64   `db:"created_at"`
}

func (r decisionRow) decision() (*routing.Decision, error) {
	estimate, err := decimal.NewFromString(r.CostEstimate)
	if err != nil {
		return nil, errors.Wrapf(err, "bad cost_estimate of %s", r.ID)
	}
	actual, err := decimal.NewFromString(r.ActualCost)
	if err != nil {
		return nil, errors.Wrapf(err, "bad actual_cost of %s", r.ID)
	}

	d := &routing.Decision{
		ID:               r.ID,
		SessionID:        r.SessionID,
		Role:             r.Role,
		TaskType:         r.TaskType,
		Complexity:       r.Complexity,
		SelectedModel:    r.SelectedModel,
		SelectedProvider: r.SelectedProvider,
		Outcome:          routing.Outcome(r.Outcome),
		ConfidenceScore:  r.ConfidenceScore,
		ExecutionTimeMs:  r.ExecutionTimeMs,
		CostEstimate:     estimate,
		ActualCost:       actual,
		TokensIn:         r.TokensIn,
		TokensOut:        r.TokensOut,
		CreatedAt:        fromMillis(r.CreatedAt),
	}
	if err := json.Unmarshal([]byte(r.Candidates), &d.Candidates); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal candidates of %s", r.ID)
	}
	if err := json.Unmarshal([]byte(r.Rationale), &d.Rationale); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal rationale of %s", r.ID)
	}
	return d, nil
}

// RoutingDecisions returns a session's decisions oldest first. An empty session id returns all.
func (s *AuditStore) RoutingDecisions(ctx context.Context, sessionID string) (out []*routing.Decision, err error) {
	defer observe("routing_decisions")(&err)

	var rows []decisionRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT decision_id, session_id, agent_role, task_type, complexity,
		       selected_model, selected_provider, outcome, confidence_score, execution_time_ms,
		       cost_estimate, actual_cost, tokens_in, tokens_out, candidates, rationale, created_at
		FROM routing_decisions
		WHERE (? = '' OR session_id = ?)
		ORDER BY created_at, rowid`, sessionID, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query routing decisions")
	}

	out = make([]*routing.Decision, 0, len(rows))
	for _, r := range rows {
		var d *routing.Decision
		if d, err = r.decision(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// CollaborationEvents returns a session's events ordered by sequence
func (s *AuditStore) CollaborationEvents(ctx context.Context, sessionID string) (out []*collaboration.Event, err error) {
	defer observe("collaboration_events")(&err)

	var payloads []string
	err = s.db.SelectContext(ctx, &payloads,
		`SELECT payload FROM collaboration_events WHERE session_id = ? ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query collaboration events")
	}

	out = make([]*collaboration.Event, 0, len(payloads))
	for _, p := range payloads {
		var e collaboration.Event
		if err = json.Unmarshal([]byte(p), &e); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal event of %s", sessionID)
		}
		out = append(out, &e)
	}
	return out, nil
}
