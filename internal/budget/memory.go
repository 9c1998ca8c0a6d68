package budget

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"agentrouter/pkg/errors"
)

type account struct {
	mu        sync.Mutex
	limit     decimal.Decimal
	spent     decimal.Decimal
	reserved  decimal.Decimal
	exhausted bool
	holds     map[string]decimal.Decimal
}

// MemoryLedger keeps accounts in process. Each account has its own lock.
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

// NewMemoryLedger creates an empty in-process ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[string]*account)}
}

func (l *MemoryLedger) account(sessionID string) (*account, error) {
	l.mu.RLock()
	a, ok := l.accounts[sessionID]
	l.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "budget account %s", sessionID)
	}
	return a, nil
}

// Open creates the account if it does not exist yet
func (l *MemoryLedger) Open(_ context.Context, sessionID string, limit decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[sessionID]; ok {
		return nil
	}
	l.accounts[sessionID] = &account{limit: limit, holds: make(map[string]decimal.Decimal)}
	return nil
}

// Reserve holds amount against the session budget
func (l *MemoryLedger) Reserve(_ context.Context, sessionID string, amount decimal.Decimal) (Reservation, error) {
	a, err := l.account(sessionID)
	if err != nil {
		return Reservation{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.exhausted {
		return Reservation{}, errors.Wrapf(errors.ErrBudgetExceeded, "session %s", sessionID)
	}
	if a.limit.IsPositive() && a.spent.Add(a.reserved).Add(amount).GreaterThan(a.limit) {
		a.exhausted = true
		return Reservation{}, errors.Wrapf(errors.ErrBudgetExceeded, "session %s: spent %s of %s, need %s",
			sessionID, a.spent.String(), a.limit.String(), amount.String())
	}

	r := newReservation(sessionID, amount)
	a.reserved = a.reserved.Add(amount)
	a.holds[r.ID] = amount
	return r, nil
}

// Settle releases the reservation and charges the actual cost
func (l *MemoryLedger) Settle(_ context.Context, r Reservation, actual decimal.Decimal) error {
	a, err := l.account(r.SessionID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	held, ok := a.holds[r.ID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "reservation %s", r.ID)
	}
	delete(a.holds, r.ID)
	a.reserved = a.reserved.Sub(held)
	a.spent = a.spent.Add(actual)
	return nil
}

// Usage returns the account state
func (l *MemoryLedger) Usage(_ context.Context, sessionID string) (Usage, error) {
	a, err := l.account(sessionID)
	if err != nil {
		return Usage{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return Usage{Limit: a.limit, Spent: a.spent, Reserved: a.reserved, Exhausted: a.exhausted}, nil
}

// Close drops the account
func (l *MemoryLedger) Close(_ context.Context, sessionID string) error {
	l.mu.Lock()
	delete(l.accounts, sessionID)
	l.mu.Unlock()
	return nil
}
