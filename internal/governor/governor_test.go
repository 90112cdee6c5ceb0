package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGovernor_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	g := New(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Acquire(ctx))
	}
	require.Equal(t, 3, g.InFlight())
	require.False(t, g.TryAcquire())

	g.Release()
	require.True(t, g.TryAcquire())
}

func TestGovernor_AcquireRespectsContext(t *testing.T) {
	t.Parallel()

	g := New(1)
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, g.InFlight())
}

func TestGovernor_PermitsCycleUnderLoad(t *testing.T) {
	t.Parallel()

	g := New(4)
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Acquire(context.Background()))
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			g.Release()
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxSeen, 4)
	require.Equal(t, 0, g.InFlight())
}

func TestGovernor_DefaultBound(t *testing.T) {
	t.Parallel()

	require.Equal(t, defaultBound, New(0).Bound())
	require.Equal(t, 7, New(7).Bound())
}
