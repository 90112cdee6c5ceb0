package credit

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sourcehound/harvester/internal/harvest"
	"github.com/sourcehound/harvester/internal/metrics"
)

// Authorization meters one task's spend under a policy. The orchestrator
// calls Authorize once at submission, Approve before every external call,
// Charge immediately after a successful call, and Finalize exactly once at
// task end. Implementations are safe for use from a task's worker pools.
type Authorization interface {
	// Authorize validates the task can start. Under the freeze policy it
	// reserves the worst case; under pay-as-you-go it confirms at least
	// one call is affordable. Returns harvest.ErrInsufficientFunds when
	// the balance cannot cover the policy's requirement.
	Authorize(ctx context.Context) error
	// Approve reports whether the next call in the phase may be issued.
	Approve(ctx context.Context, phase harvest.Phase) bool
	// Charge records the cost of a completed call. A
	// harvest.ErrInsufficientFunds return means the balance was exhausted
	// concurrently; the caller must stop issuing calls for the phase.
	Charge(ctx context.Context, phase harvest.Phase) error
	// Finalize settles with the ledger and returns the realized spend.
	Finalize(ctx context.Context) (decimal.Decimal, error)
	// Used returns the spend recorded so far.
	Used() decimal.Decimal
}

// NewAuthorization builds the Authorization for a task under the given
// policy.
func NewAuthorization(policy harvest.Policy, ledger Ledger, pricing Pricing, ownerID, taskID string, units int) (Authorization, error) {
	switch policy {
	case harvest.PolicyFreeze:
		return &freezeAuth{
			ledger:  ledger,
			pricing: pricing,
			ownerID: ownerID,
			taskID:  taskID,
			frozen:  pricing.WorstCase(units),
		}, nil
	case harvest.PolicyPayAsYouGo:
		return &paygAuth{
			ledger:  ledger,
			pricing: pricing,
			ownerID: ownerID,
			taskID:  taskID,
		}, nil
	default:
		return nil, fmt.Errorf("unknown credit policy %q", policy)
	}
}

// freezeAuth reserves the worst-case cost upfront and refunds the unspent
// remainder at settlement.
type freezeAuth struct {
	ledger  Ledger
	pricing Pricing
	ownerID string
	taskID  string
	frozen  decimal.Decimal

	mu   sync.Mutex
	used decimal.Decimal
}

func (a *freezeAuth) Authorize(ctx context.Context) error {
	if err := a.ledger.Freeze(ctx, a.ownerID, a.frozen, a.taskID); err != nil {
		return fmt.Errorf("authorize task %s: %w", a.taskID, err)
	}
	return nil
}

func (a *freezeAuth) Approve(_ context.Context, phase harvest.Phase) bool {
	price := a.pricing.Price(phase)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.Add(price).LessThanOrEqual(a.frozen)
}

func (a *freezeAuth) Charge(_ context.Context, phase harvest.Phase) error {
	price := a.pricing.Price(phase)
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.used.Add(price)
	if next.GreaterThan(a.frozen) {
		return fmt.Errorf("charge past frozen allowance: %w", harvest.ErrInsufficientFunds)
	}
	a.used = next
	metrics.AddCreditsSpent(string(phase), price.InexactFloat64())
	return nil
}

func (a *freezeAuth) Finalize(ctx context.Context) (decimal.Decimal, error) {
	a.mu.Lock()
	used := a.used
	a.mu.Unlock()
	if _, err := a.ledger.Settle(ctx, a.ownerID, a.frozen, used, a.taskID); err != nil {
		return used, fmt.Errorf("settle task %s: %w", a.taskID, err)
	}
	return used, nil
}

func (a *freezeAuth) Used() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// paygAuth authorizes each call against the live balance and deducts right
// after the call completes. A failed deduction means the balance hit zero
// concurrently; already fetched data is kept by the caller.
type paygAuth struct {
	ledger  Ledger
	pricing Pricing
	ownerID string
	taskID  string

	mu   sync.Mutex
	used decimal.Decimal
}

func (a *paygAuth) Authorize(ctx context.Context) error {
	bal, err := a.ledger.Balance(ctx, a.ownerID)
	if err != nil {
		return fmt.Errorf("authorize task %s: %w", a.taskID, err)
	}
	if bal.LessThan(a.pricing.Price(harvest.PhaseDiscovery)) {
		return fmt.Errorf("authorize task %s: %w", a.taskID, harvest.ErrInsufficientFunds)
	}
	return nil
}

func (a *paygAuth) Approve(ctx context.Context, phase harvest.Phase) bool {
	bal, err := a.ledger.Balance(ctx, a.ownerID)
	if err != nil {
		return false
	}
	return bal.GreaterThanOrEqual(a.pricing.Price(phase))
}

func (a *paygAuth) Charge(ctx context.Context, phase harvest.Phase) error {
	price := a.pricing.Price(phase)
	if _, err := a.ledger.Deduct(ctx, a.ownerID, price); err != nil {
		return fmt.Errorf("charge task %s: %w", a.taskID, err)
	}
	a.mu.Lock()
	a.used = a.used.Add(price)
	a.mu.Unlock()
	metrics.AddCreditsSpent(string(phase), price.InexactFloat64())
	return nil
}

func (a *paygAuth) Finalize(context.Context) (decimal.Decimal, error) {
	// Spend was settled call by call; nothing to release.
	return a.Used(), nil
}

func (a *paygAuth) Used() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}
