package routing

import "context"

// Repository stores routing decisions. Appends are idempotent on decision id.
type Repository interface {
	AppendRoutingDecision(ctx context.Context, d *Decision) error
}
