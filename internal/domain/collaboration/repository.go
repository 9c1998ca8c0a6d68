package collaboration

import "context"

// Repository appends session events. Appends are idempotent on (session, sequence).
type Repository interface {
	AppendCollaborationEvent(ctx context.Context, sessionID string, event *Event) error
}
