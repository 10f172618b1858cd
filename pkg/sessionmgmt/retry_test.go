package sessionmgmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryBudgetShouldRetryRespectsInterval(t *testing.T) {
	now := time.Now()
	b := NewRetryBudget(now, 50*time.Millisecond, time.Second)

	require.False(t, b.ShouldRetry(now), "must not retry before an interval has elapsed")
	require.True(t, b.ShouldRetry(now.Add(51*time.Millisecond)))
	require.Equal(t, 1, b.Attempts())
	require.False(t, b.ShouldRetry(now.Add(60*time.Millisecond)), "must not retry again immediately after a retry")
}

func TestRetryBudgetExhaustsAfterDeadline(t *testing.T) {
	now := time.Now()
	b := NewRetryBudget(now, 10*time.Millisecond, 100*time.Millisecond)

	require.False(t, b.Exhausted())
	require.False(t, b.ShouldRetry(now.Add(200*time.Millisecond)))
	require.True(t, b.Exhausted())
	require.False(t, b.ShouldRetry(now.Add(210*time.Millisecond)), "an exhausted budget never retries again")
}

func TestRetryBudgetSetInterval(t *testing.T) {
	now := time.Now()
	b := NewRetryBudget(now, 50*time.Millisecond, time.Second)
	b.SetInterval(1 * time.Second)

	require.False(t, b.ShouldRetry(now.Add(60*time.Millisecond)), "the slower interval must apply immediately")
}
