package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewTimelyStartsAtLineRate(t *testing.T) {
	tl := NewTimely(1000, 1_000_000)
	require.Equal(t, 1_000_000.0, tl.Rate())
}

func TestTimelyDecreasesOnHighRTT(t *testing.T) {
	tl := NewTimely(0, 1_000_000)
	tl.OnRTTSample(5 * time.Millisecond) // well above tHigh
	require.Less(t, tl.Rate(), 1_000_000.0, "a high RTT sample must decrease the target rate")
}

func TestTimelyIncreasesOnLowRTT(t *testing.T) {
	tl := NewTimely(0, 1_000_000)
	tl.OnRTTSample(4 * time.Millisecond)
	reduced := tl.Rate()

	tl.OnRTTSample(10 * time.Microsecond) // well below tLow
	require.Greater(t, tl.Rate(), reduced, "a low RTT sample must increase the target rate")
}

func TestTimelyRateNeverExceedsLineRateOrDropsBelowMin(t *testing.T) {
	tl := NewTimely(100, 1000)
	for i := 0; i < 50; i++ {
		tl.OnRTTSample(10 * time.Microsecond)
	}
	require.LessOrEqual(t, tl.Rate(), 1000.0)

	for i := 0; i < 50; i++ {
		tl.OnRTTSample(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, tl.Rate(), 100.0)
}

func TestTimelyLimiterTracksRate(t *testing.T) {
	tl := NewTimely(0, 1_000_000)
	require.NotNil(t, tl.Limiter())
	tl.OnRTTSample(5 * time.Millisecond)
	require.Less(t, float64(tl.Limiter().Limit()), 1_000_000.0)
}
