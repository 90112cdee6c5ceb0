package credit

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sourcehound/harvester/internal/harvest"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testPricing() Pricing {
	return Pricing{
		DiscoveryCall:  dec("1"),
		DetailCall:     dec("0.5"),
		PagesPerUnit:   2,
		ResultsPerPage: 3,
	}
}

func TestMemoryLedger_DeductNeverGoesNegative(t *testing.T) {
	t.Parallel()

	ledger := NewMemoryLedger()
	ledger.Credit("u1", dec("10"))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Deduct(context.Background(), "u1", dec("1")); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, succeeded)
	bal, err := ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, bal.IsZero(), bal.String())
}

func TestMemoryLedger_FreezeAndSettleRefund(t *testing.T) {
	t.Parallel()

	ledger := NewMemoryLedger()
	ledger.Credit("u1", dec("25"))
	ctx := context.Background()

	require.NoError(t, ledger.Freeze(ctx, "u1", dec("20"), "t1"))
	bal, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("5")))

	refund, err := ledger.Settle(ctx, "u1", dec("20"), dec("13"), "t1")
	require.NoError(t, err)
	require.True(t, refund.Equal(dec("7")))

	bal, err = ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("12")))
}

func TestMemoryLedger_FreezeInsufficient(t *testing.T) {
	t.Parallel()

	ledger := NewMemoryLedger()
	ledger.Credit("u1", dec("3"))
	err := ledger.Freeze(context.Background(), "u1", dec("5"), "t1")
	require.ErrorIs(t, err, harvest.ErrInsufficientFunds)
}

func TestPricing_WorstCase(t *testing.T) {
	t.Parallel()

	// 2 units * 2 pages * 1 + 2 * 2 * 3 details * 0.5 = 4 + 6 = 10.
	require.True(t, testPricing().WorstCase(2).Equal(dec("10")))
}

func TestFreezeAuth_SettlesActualSpend(t *testing.T) {
	t.Parallel()

	ledger := NewMemoryLedger()
	ledger.Credit("u1", dec("30"))
	ctx := context.Background()

	auth, err := NewAuthorization(harvest.PolicyFreeze, ledger, testPricing(), "u1", "t1", 2)
	require.NoError(t, err)
	require.NoError(t, auth.Authorize(ctx))

	// Four discovery calls at 1.0 each.
	for i := 0; i < 4; i++ {
		require.True(t, auth.Approve(ctx, harvest.PhaseDiscovery))
		require.NoError(t, auth.Charge(ctx, harvest.PhaseDiscovery))
	}
	used, err := auth.Finalize(ctx)
	require.NoError(t, err)
	require.True(t, used.Equal(dec("4")))

	// frozen 10, used 4, refund 6: 30 - 10 + 6 = 26.
	bal, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("26")), bal.String())
}

func TestFreezeAuth_RejectsWhenBalanceTooLow(t *testing.T) {
	t.Parallel()

	ledger := NewMemoryLedger()
	ledger.Credit("u1", dec("5"))

	auth, err := NewAuthorization(harvest.PolicyFreeze, ledger, testPricing(), "u1", "t1", 2)
	require.NoError(t, err)
	require.ErrorIs(t, auth.Authorize(context.Background()), harvest.ErrInsufficientFunds)
}

func TestFreezeAuth_ChargeNeverExceedsFrozen(t *testing.T) {
	t.Parallel()

	ledger := NewMemoryLedger()
	ledger.Credit("u1", dec("100"))
	pricing := Pricing{DiscoveryCall: dec("1"), DetailCall: dec("1"), PagesPerUnit: 1, ResultsPerPage: 1}
	ctx := context.Background()

	auth, err := NewAuthorization(harvest.PolicyFreeze, ledger, pricing, "u1", "t1", 3)
	require.NoError(t, err)
	require.NoError(t, auth.Authorize(ctx))

	// Worst case is 6; concurrent charges past it must fail atomically.
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if auth.Charge(ctx, harvest.PhaseDiscovery) == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 6, succeeded)
	require.True(t, auth.Used().Equal(dec("6")))
}

func TestPaygAuth_StopsWhenBalanceExhausted(t *testing.T) {
	t.Parallel()

	ledger := NewMemoryLedger()
	ledger.Credit("u1", dec("2"))
	ctx := context.Background()

	auth, err := NewAuthorization(harvest.PolicyPayAsYouGo, ledger, testPricing(), "u1", "t1", 5)
	require.NoError(t, err)
	require.NoError(t, auth.Authorize(ctx))

	require.True(t, auth.Approve(ctx, harvest.PhaseDiscovery))
	require.NoError(t, auth.Charge(ctx, harvest.PhaseDiscovery))
	require.NoError(t, auth.Charge(ctx, harvest.PhaseDiscovery))

	require.False(t, auth.Approve(ctx, harvest.PhaseDiscovery))
	require.ErrorIs(t, auth.Charge(ctx, harvest.PhaseDiscovery), harvest.ErrInsufficientFunds)

	used, err := auth.Finalize(ctx)
	require.NoError(t, err)
	require.True(t, used.Equal(dec("2")))
}

func TestPaygAuth_AuthorizeNeedsOneCall(t *testing.T) {
	t.Parallel()

	ledger := NewMemoryLedger()
	ledger.Credit("u1", dec("0.25"))

	auth, err := NewAuthorization(harvest.PolicyPayAsYouGo, ledger, testPricing(), "u1", "t1", 1)
	require.NoError(t, err)
	require.ErrorIs(t, auth.Authorize(context.Background()), harvest.ErrInsufficientFunds)
}

func TestNewAuthorization_UnknownPolicy(t *testing.T) {
	t.Parallel()

	_, err := NewAuthorization(harvest.Policy("free-lunch"), NewMemoryLedger(), testPricing(), "u", "t", 1)
	require.Error(t, err)
}
