package credit

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sourcehound/harvester/internal/harvest"
)

// MemoryLedger is a mutex-guarded in-memory Ledger for development and
// tests.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	freezes  map[string]freezeEntry
}

type freezeEntry struct {
	userID string
	amount decimal.Decimal
}

// NewMemoryLedger constructs an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]decimal.Decimal),
		freezes:  make(map[string]freezeEntry),
	}
}

// Credit adds amount to a user's balance (test/deposit helper).
func (l *MemoryLedger) Credit(userID string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] = l.balances[userID].Add(amount)
}

// Balance returns the available balance.
func (l *MemoryLedger) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

// Freeze reserves amount for taskID.
func (l *MemoryLedger) Freeze(_ context.Context, userID string, amount decimal.Decimal, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[userID].LessThan(amount) {
		return fmt.Errorf("freeze %s for task %s: %w", amount, taskID, harvest.ErrInsufficientFunds)
	}
	if _, exists := l.freezes[taskID]; exists {
		return fmt.Errorf("freeze already exists for task %s", taskID)
	}
	l.balances[userID] = l.balances[userID].Sub(amount)
	l.freezes[taskID] = freezeEntry{userID: userID, amount: amount}
	return nil
}

// Deduct subtracts amount, refusing to go negative.
func (l *MemoryLedger) Deduct(_ context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balances[userID]
	if bal.LessThan(amount) {
		return bal, fmt.Errorf("deduct %s: %w", amount, harvest.ErrInsufficientFunds)
	}
	bal = bal.Sub(amount)
	l.balances[userID] = bal
	return bal, nil
}

// Settle releases the task's freeze and refunds the unspent remainder.
func (l *MemoryLedger) Settle(_ context.Context, userID string, frozen, actual decimal.Decimal, taskID string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.freezes[taskID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no freeze for task %s", taskID)
	}
	if entry.userID != userID {
		return decimal.Zero, fmt.Errorf("freeze for task %s belongs to another user", taskID)
	}
	refund := frozen.Sub(actual)
	if refund.IsNegative() {
		refund = decimal.Zero
	}
	l.balances[userID] = l.balances[userID].Add(refund)
	delete(l.freezes, taskID)
	return refund, nil
}
