package toolbridge

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSharedToolBudgetUsesLimit(t *testing.T) {
	b := NewSharedToolBudget(3)
	require.Equal(t, 3, b.Remaining())
}

func TestNewSharedToolBudgetFallsBackOnNonPositive(t *testing.T) {
	b := NewSharedToolBudget(0)
	require.Equal(t, defaultToolBudget, b.Remaining())

	b = NewSharedToolBudget(-5)
	require.Equal(t, defaultToolBudget, b.Remaining())
}

func TestTryConsumeDecrementsUntilExhausted(t *testing.T) {
	b := NewSharedToolBudget(2)

	require.True(t, b.TryConsume())
	require.Equal(t, 1, b.Remaining())

	require.True(t, b.TryConsume())
	require.Equal(t, 0, b.Remaining())

	require.False(t, b.TryConsume())
	require.Equal(t, 0, b.Remaining())
}

func TestTryConsumeConcurrentNeverOverspends(t *testing.T) {
	b := NewSharedToolBudget(50)

	var wg sync.WaitGroup
	var granted int64
	var mu sync.Mutex
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.TryConsume() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 50, granted)
	require.Equal(t, 0, b.Remaining())
}
