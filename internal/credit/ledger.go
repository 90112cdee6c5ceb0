// Package credit meters external spend against per-user balances. Two
// interchangeable authorization policies, selected per task, sit on top of
// one Ledger whose mutations are atomic check-and-mutate operations.
package credit

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/sourcehound/harvester/internal/harvest"
)

// Ledger is the shared per-user balance. Implementations must make every
// mutation an atomic check-and-mutate: concurrent calls from a task's
// worker pool must not double-spend.
type Ledger interface {
	// Balance returns the user's available balance.
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	// Freeze atomically reserves amount for taskID, failing with
	// harvest.ErrInsufficientFunds when the balance cannot cover it.
	Freeze(ctx context.Context, userID string, amount decimal.Decimal, taskID string) error
	// Deduct atomically subtracts amount, failing with
	// harvest.ErrInsufficientFunds when the balance would go negative.
	// Returns the new balance.
	Deduct(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
	// Settle releases the freeze for taskID, keeping actual and refunding
	// frozen minus actual. Returns the refunded amount.
	Settle(ctx context.Context, userID string, frozen, actual decimal.Decimal, taskID string) (decimal.Decimal, error)
}

// Pricing holds per-call unit prices and the estimation knobs used for the
// freeze policy's worst-case cost.
type Pricing struct {
	DiscoveryCall decimal.Decimal
	DetailCall    decimal.Decimal
	// PagesPerUnit is the hard pagination cap per unit and the worst-case
	// page count assumed by the freeze estimate.
	PagesPerUnit int
	// ResultsPerPage is the expected candidate yield per listing page,
	// used only for the freeze estimate of enrichment calls.
	ResultsPerPage int
}

// Price returns the unit price for a phase.
func (p Pricing) Price(phase harvest.Phase) decimal.Decimal {
	if phase == harvest.PhaseEnrichment {
		return p.DetailCall
	}
	return p.DiscoveryCall
}

// WorstCase computes the maximum spend a task with the given unit count
// could realize: every unit paginating to the cap, every page yielding the
// expected number of candidates, every candidate enriched.
func (p Pricing) WorstCase(units int) decimal.Decimal {
	pages := decimal.NewFromInt(int64(units * p.PagesPerUnit))
	details := pages.Mul(decimal.NewFromInt(int64(p.ResultsPerPage)))
	return pages.Mul(p.DiscoveryCall).Add(details.Mul(p.DetailCall))
}
