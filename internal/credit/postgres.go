package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sourcehound/harvester/internal/harvest"
)

// ledgerConn is the pool surface the Postgres ledger needs; pgxpool.Pool
// and pgxmock both satisfy it.
type ledgerConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresLedger stores balances and freezes in Postgres. Balance checks
// and mutations happen in single guarded statements so concurrent workers
// cannot double-spend.
type PostgresLedger struct {
	pool ledgerConn
}

// NewPostgresLedger connects a ledger to the given DSN.
func NewPostgresLedger(ctx context.Context, dsn string) (*PostgresLedger, error) {
	if dsn == "" {
		return nil, errors.New("ledger dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres ledger: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

// NewPostgresLedgerWithPool constructs a ledger from an existing pool
// (primarily for testing).
func NewPostgresLedgerWithPool(pool ledgerConn) (*PostgresLedger, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PostgresLedger{pool: pool}, nil
}

// Close releases the underlying pool.
func (l *PostgresLedger) Close() {
	if l != nil && l.pool != nil {
		l.pool.Close()
	}
}

// Balance returns the user's available balance.
func (l *PostgresLedger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var raw string
	err := l.pool.QueryRow(ctx,
		`SELECT balance::text FROM balances WHERE user_id = $1`, userID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("query balance: %w", err)
	}
	bal, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", raw, err)
	}
	return bal, nil
}

// Freeze reserves amount for taskID inside one transaction.
func (l *PostgresLedger) Freeze(ctx context.Context, userID string, amount decimal.Decimal, taskID string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin freeze: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE balances SET balance = balance - $2 WHERE user_id = $1 AND balance >= $2`,
		userID, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("freeze balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("freeze %s for task %s: %w", amount, taskID, harvest.ErrInsufficientFunds)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO freezes (task_id, user_id, amount, created_at) VALUES ($1, $2, $3, now())`,
		taskID, userID, amount.String(),
	); err != nil {
		return fmt.Errorf("record freeze: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit freeze: %w", err)
	}
	return nil
}

// Deduct subtracts amount in one guarded statement.
func (l *PostgresLedger) Deduct(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var raw string
	err := l.pool.QueryRow(ctx,
		`UPDATE balances SET balance = balance - $2 WHERE user_id = $1 AND balance >= $2 RETURNING balance::text`,
		userID, amount.String(),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("deduct %s: %w", amount, harvest.ErrInsufficientFunds)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("deduct balance: %w", err)
	}
	bal, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", raw, err)
	}
	return bal, nil
}

// Settle refunds frozen minus actual and clears the freeze row.
func (l *PostgresLedger) Settle(ctx context.Context, userID string, frozen, actual decimal.Decimal, taskID string) (decimal.Decimal, error) {
	refund := frozen.Sub(actual)
	if refund.IsNegative() {
		refund = decimal.Zero
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin settle: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM freezes WHERE task_id = $1 AND user_id = $2`, taskID, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("clear freeze: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return decimal.Zero, fmt.Errorf("no freeze for task %s", taskID)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE balances SET balance = balance + $2 WHERE user_id = $1`,
		userID, refund.String(),
	); err != nil {
		return decimal.Zero, fmt.Errorf("refund balance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("commit settle: %w", err)
	}
	return refund, nil
}
