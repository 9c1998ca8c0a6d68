package budget

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger tracks the cost budget of collaboration sessions.
//
// Reserve is called before every dispatch attempt with the estimated cost and
// Settle afterwards with the reconciled cost. Once a reservation is refused the
// account is exhausted for good: every later Reserve returns ErrBudgetExceeded.
type Ledger interface {
	// Open creates the account if it does not exist. A non-positive limit means unlimited.
	Open(ctx context.Context, sessionID string, limit decimal.Decimal) error
	Reserve(ctx context.Context, sessionID string, amount decimal.Decimal) (Reservation, error)
	Settle(ctx context.Context, r Reservation, actual decimal.Decimal) error
	Usage(ctx context.Context, sessionID string) (Usage, error)
	Close(ctx context.Context, sessionID string) error
}

// Reservation is an amount held against a session budget until settled
type Reservation struct {
	ID        string
	SessionID string
	Amount    decimal.Decimal
}

func newReservation(sessionID string, amount decimal.Decimal) Reservation {
	return Reservation{ID: uuid.NewString(), SessionID: sessionID, Amount: amount}
}

// Usage is a point-in-time view of a session account
type Usage struct {
	Limit     decimal.Decimal `json:"limit"`
	Spent     decimal.Decimal `json:"spent"`
	Reserved  decimal.Decimal `json:"reserved"`
	Exhausted bool            `json:"exhausted"`
}

// Unlimited reports whether the account has no cap
func (u Usage) Unlimited() bool {
	return !u.Limit.IsPositive()
}

// Remaining returns what can still be reserved, zero when exhausted
func (u Usage) Remaining() decimal.Decimal {
	if u.Exhausted {
		return decimal.Zero
	}
	left := u.Limit.Sub(u.Spent).Sub(u.Reserved)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}
