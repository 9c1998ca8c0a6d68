package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/model_profile"
	"agentrouter/internal/domain/routing"
	"agentrouter/internal/metrics"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

// Queryer is the part of *sqlx.DB and *sqlx.Tx the store uses, so tests can run it
// inside a rolled-back transaction
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// AuditStore persists routing decisions, session events and model profiles in PostgreSQL.
// It implements audit.Sink, audit.Reader and model_profile.Store.
type AuditStore struct {
	db  Queryer
	log *logger.Logger
}

// NewAuditStore creates a store over a connection or transaction
func NewAuditStore(db Queryer) *AuditStore {
	return &AuditStore{
		db:  db,
		log: logger.Get().With("component", "postgres_audit_store"),
	}
}

// Name identifies the sink in logs and metrics
func (s *AuditStore) Name() string { return "postgres" }

// observe times one query. Use as defer observe("op")(&err).
func observe(operation string) func(*error) {
	start := time.Now()
	return func(err *error) {
		metrics.RecordDBQuery("postgres", operation, time.Since(start), *err)
	}
}

// AppendRoutingDecision inserts a decision. Replays of the same decision id are ignored.
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

	query := `
		INSERT INTO routing_decisions (
			decision_id, session_id, agent_role, task_type, complexity,
			selected_model, selected_provider, outcome, confidence_score, execution_time_ms,
			cost_estimate, actual_cost, tokens_in, tokens_out, candidates, rationale, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (decision_id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.SessionID, d.Role, d.TaskType, d.Complexity,
		d.SelectedModel, d.SelectedProvider, string(d.Outcome), d.ConfidenceScore, d.ExecutionTimeMs,
		d.CostEstimate, d.ActualCost, d.TokensIn, d.TokensOut, candidates, rationale, d.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert routing decision %s", d.ID)
	}
	return nil
}

// AppendCollaborationEvent inserts a session event. Replays of (session, sequence) are ignored.
func (s *AuditStore) AppendCollaborationEvent(ctx context.Context, sessionID string, e *collaboration.Event) (err error) {
	defer observe("append_collaboration_event")(&err)

	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	query := `
		INSERT INTO collaboration_events (session_id, sequence, kind, stage, status, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, sequence) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		sessionID, e.Sequence, string(e.Kind), string(e.Stage), string(e.Status), payload, e.Timestamp,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert event %s#%d", sessionID, e.Sequence)
	}
	return nil
}

// UpsertModelProfile writes the latest profile for a key
func (s *AuditStore) UpsertModelProfile(ctx context.Context, key model_profile.Key, p *model_profile.Profile) (err error) {
	defer observe("upsert_model_profile")(&err)

	query := `
		INSERT INTO model_profiles (
			model_id, provider, task_type, performance_score, cost_per_token,
			avg_response_time_ms, success_rate, samples, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (model_id, provider, task_type) DO UPDATE SET
			performance_score = EXCLUDED.performance_score,
			cost_per_token = EXCLUDED.cost_per_token,
			avg_response_time_ms = EXCLUDED.avg_response_time_ms,
			success_rate = EXCLUDED.success_rate,
			samples = EXCLUDED.samples,
			last_updated = EXCLUDED.last_updated
	`
	_, err = s.db.ExecContext(ctx, query,
		key.ModelID, key.Provider, key.TaskType, p.PerformanceScore, p.CostPerToken,
		p.AvgResponseTimeMs, p.SuccessRate, p.Samples, p.LastUpdated,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert profile %s", key)
	}
	return nil
}

type profileRow struct {
	ModelID           string          `db:"model_id"`
	Provider          string          `db:"provider"`
	TaskType          string          `db:"task_type"`
	PerformanceScore  float64         `db:"performance_score"`
	CostPerToken      decimal.Decimal `db:"cost_per_token"`
	AvgResponseTimeMs float64         `db:"avg_response_time_ms"`
	SuccessRate       float64         `db:"success_rate"`
	Samples           int64           `db:"samples"`
	LastUpdated       time.Time       `db:"last_updated"`
}

// ListModelProfiles returns every persisted profile
func (s *AuditStore) ListModelProfiles(ctx context.Context) (out []*model_profile.Profile, err error) {
	defer observe("list_model_profiles")(&err)

	var rows []profileRow
	query := `
		SELECT model_id, provider, task_type, performance_score, cost_per_token,
		       avg_response_time_ms, success_rate, samples, last_updated
		FROM model_profiles
		ORDER BY provider, model_id, task_type
	`
	if err = s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errors.Wrap(err, "failed to list model profiles")
	}

	out = make([]*model_profile.Profile, 0, len(rows))
	for _, r := range rows {
		out = append(out, &model_profile.Profile{
			Key:               model_profile.Key{ModelID: r.ModelID, Provider: r.Provider, TaskType: r.TaskType},
			PerformanceScore:  r.PerformanceScore,
			CostPerToken:      r.CostPerToken,
			AvgResponseTimeMs: r.AvgResponseTimeMs,
			SuccessRate:       r.SuccessRate,
			Samples:           r.Samples,
			LastUpdated:       r.LastUpdated,
		})
	}
	return out, nil
}

type decisionRow struct {
	ID               string          `db:"decision_id"`
	SessionID        string          `db:"session_id"`
	Role             string          `db:"agent_role"`
	TaskType         string          `db:"task_type"`
	Complexity       string          `db:"complexity"`
	SelectedModel    string          `db:"selected_model"`
	SelectedProvider string          `db:"selected_provider"`
	Outcome          string          `db:"outcome"`
	ConfidenceScore  float64         `db:"confidence_score"`
	ExecutionTimeMs  int64           `db:"execution_time_ms"`
	CostEstimate     decimal.Decimal `db:"cost_estimate"`
	ActualCost       decimal.Decimal `db:"actual_cost"`
	TokensIn         int             `db:"tokens_in"`
	TokensOut        int             `db:"tokens_out"`
	Candidates       []byte          `db:"candidates"`
	Rationale        []byte          `db:"rationale"`
	CreatedAt        time.Time       `db:"created_at"`
}

func (r decisionRow) decision() (*routing.Decision, error) {
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
		CostEstimate:     r.CostEstimate,
		ActualCost:       r.ActualCost,
		TokensIn:         r.TokensIn,
		TokensOut:        r.TokensOut,
		CreatedAt:        r.CreatedAt,
	}
	if err := json.Unmarshal(r.Candidates, &d.Candidates); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal candidates of %s", r.ID)
	}
	if err := json.Unmarshal(r.Rationale, &d.Rationale); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal rationale of %s", r.ID)
	}
	return d, nil
}

// RoutingDecisions returns a session's decisions oldest first. An empty session id returns all.
func (s *AuditStore) RoutingDecisions(ctx context.Context, sessionID string) (out []*routing.Decision, err error) {
	defer observe("routing_decisions")(&err)

	var rows []decisionRow
	query := `
		SELECT decision_id, session_id, agent_role, task_type, complexity,
		       selected_model, selected_provider, outcome, confidence_score, execution_time_ms,
		       cost_estimate, actual_cost, tokens_in, tokens_out, candidates, rationale, created_at
		FROM routing_decisions
		WHERE ($1::text = '' OR session_id = $1::text)
		ORDER BY created_at, decision_id
	`
	if err = s.db.SelectContext(ctx, &rows, query, sessionID); err != nil {
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

	var payloads [][]byte
	query := `SELECT payload FROM collaboration_events WHERE session_id = $1 ORDER BY sequence`
	if err = s.db.SelectContext(ctx, &payloads, query, sessionID); err != nil {
		return nil, errors.Wrap(err, "failed to query collaboration events")
	}

	out = make([]*collaboration.Event, 0, len(payloads))
	for _, p := range payloads {
		var e collaboration.Event
		if err = json.Unmarshal(p, &e); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal event of %s", sessionID)
		}
		out = append(out, &e)
	}
	return out, nil
}
