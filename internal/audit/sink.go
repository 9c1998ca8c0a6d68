package audit

import (
	"context"

	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/model_profile"
	"agentrouter/internal/domain/routing"
)

// Sink is an append-only audit destination. Every method is idempotent on its natural key:
// decision id, (session id, sequence) and profile key.
type Sink interface {
	Name() string
	AppendRoutingDecision(ctx context.Context, d *routing.Decision) error
	AppendCollaborationEvent(ctx context.Context, sessionID string, e *collaboration.Event) error
	UpsertModelProfile(ctx context.Context, key model_profile.Key, p *model_profile.Profile) error
}

// Reader answers audit queries. Implemented by the memory log and the SQL stores.
type Reader interface {
	RoutingDecisions(ctx context.Context, sessionID string) ([]*routing.Decision, error)
	CollaborationEvents(ctx context.Context, sessionID string) ([]*collaboration.Event, error)
}
