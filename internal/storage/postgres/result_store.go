package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sourcehound/harvester/internal/harvest"
)

// ResultStore writes enriched records into Postgres, deduplicated per task
// by a unique (task_id, fingerprint) constraint.
type ResultStore struct {
	pool conn
}

// NewResultStore connects a ResultStore to the given DSN.
func NewResultStore(ctx context.Context, dsn string) (*ResultStore, error) {
	if dsn == "" {
		return nil, errors.New("db.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ResultStore{pool: pool}, nil
}

// NewResultStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewResultStoreWithPool(pool conn) (*ResultStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ResultStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Put inserts rec; duplicate fingerprints within the task are rejected by
// the unique constraint and reported as not inserted.
func (s *ResultStore) Put(ctx context.Context, taskID string, rec harvest.DetailRecord) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO results (task_id, fingerprint, record, from_cache, fetched_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id, fingerprint) DO NOTHING`,
		taskID, rec.Fingerprint, payload, rec.FromCache, rec.FetchedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert result: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetPage returns one 1-based page of records in insertion order plus the
// total count for the task.
func (s *ResultStore) GetPage(ctx context.Context, taskID string, page, size int) ([]harvest.DetailRecord, int, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM results WHERE task_id = $1`, taskID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count results: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT record FROM results WHERE task_id = $1
		ORDER BY position LIMIT $2 OFFSET $3`,
		taskID, size, (page-1)*size,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []harvest.DetailRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, 0, fmt.Errorf("scan result: %w", err)
		}
		var rec harvest.DetailRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, 0, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate results: %w", err)
	}
	return out, total, nil
}
