package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sourcehound/harvester/internal/harvest"
)

func TestTaskStore_CreateInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	task := harvest.Task{
		ID:          "t1",
		OwnerID:     "u1",
		Mode:        harvest.ModeUnitOnly,
		Policy:      harvest.PolicyPayAsYouGo,
		Status:      harvest.StatusPending,
		TotalUnits:  3,
		CreditsUsed: decimal.Zero,
		CreatedAt:   now,
	}

	filters, _ := json.Marshal(task.Filters)
	logs, _ := json.Marshal([]harvest.LogEntry{})

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(
			"t1", "u1", "unit_only", "payg", "pending", filters,
			3, 0, 0, 0, 0, 0, "0", 0, logs, now, nil, "",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), task))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_UpdateSkipsTerminalRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.Update(context.Background(), harvest.Task{ID: "t1", CreditsUsed: decimal.Zero})
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_CancelFlagRoundTrip(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE tasks SET cancel_requested = true").
		WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("SELECT cancel_requested FROM tasks").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"cancel_requested"}).AddRow(true))

	require.NoError(t, store.RequestCancel(context.Background(), "t1"))
	requested, err := store.CancelRequested(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, requested)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_SweepStale(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE tasks SET status = 'failed'").
		WithArgs("interrupted by restart").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	swept, err := store.SweepStale(context.Background(), "interrupted by restart")
	require.NoError(t, err)
	require.Equal(t, 2, swept)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResultStore_PutIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewResultStoreWithPool(mock)
	require.NoError(t, err)

	rec := harvest.DetailRecord{Fingerprint: "fp-1", Name: "a", FetchedAt: time.Unix(1, 0).UTC()}
	payload, _ := json.Marshal(rec)

	mock.ExpectExec("INSERT INTO results").
		WithArgs("t1", "fp-1", payload, false, rec.FetchedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO results").
		WithArgs("t1", "fp-1", payload, false, rec.FetchedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := store.Put(context.Background(), "t1", rec)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.Put(context.Background(), "t1", rec)
	require.NoError(t, err)
	require.False(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResultStore_GetPage(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewResultStoreWithPool(mock)
	require.NoError(t, err)

	recA, _ := json.Marshal(harvest.DetailRecord{Fingerprint: "a"})
	recB, _ := json.Marshal(harvest.DetailRecord{Fingerprint: "b"})

	mock.ExpectQuery("SELECT count").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectQuery("SELECT record FROM results").
		WithArgs("t1", 2, 2).
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(recA).AddRow(recB))

	recs, total, err := store.GetPage(context.Background(), "t1", 2, 2)
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, recs, 2)
	require.Equal(t, "a", recs[0].Fingerprint)
	require.NoError(t, mock.ExpectationsWereMet())
}
