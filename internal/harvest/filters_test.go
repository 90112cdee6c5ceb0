package harvest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilters_Match(t *testing.T) {
	t.Parallel()

	rec := DetailRecord{Fingerprint: "fp-1", Age: 7, Category: "Residential"}

	require.True(t, Filters{}.Match(rec))
	require.True(t, Filters{MinAge: 5, MaxAge: 10}.Match(rec))
	require.False(t, Filters{MinAge: 8}.Match(rec))
	require.False(t, Filters{MaxAge: 6}.Match(rec))
	require.False(t, Filters{ExcludeCategories: []string{"residential"}}.Match(rec))
	require.True(t, Filters{ExcludeCategories: []string{"commercial"}}.Match(rec))
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusInsufficientCredits} {
		require.True(t, s.Terminal(), string(s))
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		require.False(t, s.Terminal(), string(s))
	}
}
