package credit

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/sourcehound/harvester/internal/harvest"
)

func TestPostgresLedger_DeductGuardedStatement(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewPostgresLedgerWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE balances SET balance = balance - ").
		WithArgs("u1", "1").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow("9"))

	bal, err := ledger.Deduct(context.Background(), "u1", dec("1"))
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("9")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_DeductInsufficient(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewPostgresLedgerWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE balances SET balance = balance - ").
		WithArgs("u1", "1").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}))

	_, err = ledger.Deduct(context.Background(), "u1", dec("1"))
	require.ErrorIs(t, err, harvest.ErrInsufficientFunds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_FreezeTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewPostgresLedgerWithPool(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE balances SET balance = balance - ").
		WithArgs("u1", "20").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO freezes").
		WithArgs("t1", "u1", "20").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	require.NoError(t, ledger.Freeze(context.Background(), "u1", dec("20"), "t1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_FreezeInsufficientRollsBack(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewPostgresLedgerWithPool(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE balances SET balance = balance - ").
		WithArgs("u1", "20").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err = ledger.Freeze(context.Background(), "u1", dec("20"), "t1")
	require.ErrorIs(t, err, harvest.ErrInsufficientFunds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_SettleRefunds(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewPostgresLedgerWithPool(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM freezes").
		WithArgs("t1", "u1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("UPDATE balances SET balance = balance \\+ ").
		WithArgs("u1", "7").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	refund, err := ledger.Settle(context.Background(), "u1", dec("20"), dec("13"), "t1")
	require.NoError(t, err)
	require.True(t, refund.Equal(dec("7")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_BalanceMissingUserIsZero(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewPostgresLedgerWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT balance::text FROM balances").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}))

	bal, err := ledger.Balance(context.Background(), "ghost")
	require.NoError(t, err)
	require.True(t, bal.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}
