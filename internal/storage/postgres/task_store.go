// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sourcehound/harvester/internal/harvest"
)

// conn is the pool surface the stores need; pgxpool.Pool and pgxmock both
// satisfy it.
type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// TaskStore persists task snapshots in Postgres.
type TaskStore struct {
	pool conn
}

// NewTaskStore connects a TaskStore to the given DSN.
func NewTaskStore(ctx context.Context, dsn string) (*TaskStore, error) {
	if dsn == "" {
		return nil, errors.New("db.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &TaskStore{pool: pool}, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewTaskStoreWithPool(pool conn) (*TaskStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &TaskStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

const taskColumns = `id, owner_id, mode, policy, status, filters, total_units,
	completed_units, total_results, discovery_calls, enrichment_calls,
	cache_hits, credits_used::text, progress, logs, created_at, completed_at,
	error_message`

// Create inserts a new task snapshot.
func (s *TaskStore) Create(ctx context.Context, t harvest.Task) error {
	filters, logs, err := marshalTaskJSON(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, owner_id, mode, policy, status, filters,
			total_units, completed_units, total_results, discovery_calls,
			enrichment_calls, cache_hits, credits_used, progress, logs,
			created_at, completed_at, error_message, cancel_requested)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, false)`,
		t.ID, t.OwnerID, string(t.Mode), string(t.Policy), string(t.Status),
		filters, t.TotalUnits, t.CompletedUnits, t.TotalResults,
		t.Requests.Discovery, t.Requests.Enrichment, t.Requests.CacheHits,
		t.CreditsUsed.String(), t.Progress, logs, t.CreatedAt, t.CompletedAt,
		t.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get fetches a task snapshot by ID.
func (s *TaskStore) Get(ctx context.Context, id string) (harvest.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row, id)
}

// Update overwrites the mutable snapshot fields. Terminal rows are left
// untouched so absorbing states stay absorbing.
func (s *TaskStore) Update(ctx context.Context, t harvest.Task) error {
	filters, logs, err := marshalTaskJSON(t)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, filters = $3, total_units = $4,
			completed_units = $5, total_results = $6, discovery_calls = $7,
			enrichment_calls = $8, cache_hits = $9, credits_used = $10,
			progress = $11, logs = $12, completed_at = $13, error_message = $14
		WHERE id = $1 AND status NOT IN ('completed','failed','cancelled','insufficient_credits')`,
		t.ID, string(t.Status), filters, t.TotalUnits, t.CompletedUnits,
		t.TotalResults, t.Requests.Discovery, t.Requests.Enrichment,
		t.Requests.CacheHits, t.CreditsUsed.String(), t.Progress, logs,
		t.CompletedAt, t.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s not updatable: %w", t.ID, harvest.ErrNotFound)
	}
	return nil
}

// RequestCancel sets the persisted cooperative cancel flag.
func (s *TaskStore) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET cancel_requested = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, harvest.ErrNotFound)
	}
	return nil
}

// CancelRequested reports whether cancellation was requested.
func (s *TaskStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM tasks WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("task %s: %w", id, harvest.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("query cancel flag: %w", err)
	}
	return requested, nil
}

// SweepStale fails tasks left pending or running by a previous process.
func (s *TaskStore) SweepStale(ctx context.Context, reason string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'failed', error_message = $1, completed_at = now()
		WHERE status IN ('pending','running')`, reason)
	if err != nil {
		return 0, fmt.Errorf("sweep stale tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func marshalTaskJSON(t harvest.Task) (filters, logs []byte, err error) {
	filters, err = json.Marshal(t.Filters)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal filters: %w", err)
	}
	if t.Logs == nil {
		t.Logs = []harvest.LogEntry{}
	}
	logs, err = json.Marshal(t.Logs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal logs: %w", err)
	}
	return filters, logs, nil
}

func scanTask(row pgx.Row, id string) (harvest.Task, error) {
	var (
		t           harvest.Task
		mode        string
		policy      string
		status      string
		filters     []byte
		logs        []byte
		creditsUsed string
		completedAt *time.Time
	)
	err := row.Scan(&t.ID, &t.OwnerID, &mode, &policy, &status, &filters,
		&t.TotalUnits, &t.CompletedUnits, &t.TotalResults,
		&t.Requests.Discovery, &t.Requests.Enrichment, &t.Requests.CacheHits,
		&creditsUsed, &t.Progress, &logs, &t.CreatedAt, &completedAt,
		&t.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Task{}, fmt.Errorf("task %s: %w", id, harvest.ErrNotFound)
	}
	if err != nil {
		return harvest.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Mode = harvest.Mode(mode)
	t.Policy = harvest.Policy(policy)
	t.Status = harvest.Status(status)
	t.CompletedAt = completedAt
	if t.CreditsUsed, err = decimal.NewFromString(creditsUsed); err != nil {
		return harvest.Task{}, fmt.Errorf("parse credits_used %q: %w", creditsUsed, err)
	}
	if err := json.Unmarshal(filters, &t.Filters); err != nil {
		return harvest.Task{}, fmt.Errorf("unmarshal filters: %w", err)
	}
	if err := json.Unmarshal(logs, &t.Logs); err != nil {
		return harvest.Task{}, fmt.Errorf("unmarshal logs: %w", err)
	}
	return t, nil
}
