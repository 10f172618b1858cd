package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewSessionStartsWithFullCredits(t *testing.T) {
	s := NewSession(RoleClient, 0, RemoteRouting{Addr: "1.2.3.4:9000"}, 1)
	require.Equal(t, StateInit, s.State)
	require.Equal(t, DefaultSessionCredits, s.NumCredits)
	require.Equal(t, 0, s.OutstandingRequests())
	for i, c := range s.Credits {
		require.Equal(t, i, c.Idx)
		require.False(t, c.Busy)
	}
}

func TestAcquireReleaseCredit(t *testing.T) {
	s := NewSession(RoleClient, 0, RemoteRouting{}, 1)

	var acquired []*SSlot
	for i := 0; i < DefaultSessionCredits; i++ {
		slot, ok := s.AcquireCredit()
		require.True(t, ok)
		acquired = append(acquired, slot)
	}
	require.Equal(t, 0, s.NumCredits)
	require.Equal(t, DefaultSessionCredits, s.OutstandingRequests())

	_, ok := s.AcquireCredit()
	require.False(t, ok, "acquiring a 9th credit beyond kSessionCredits must fail")

	s.ReleaseCredit(acquired[0])
	require.Equal(t, 1, s.NumCredits)

	slot, ok := s.AcquireCredit()
	require.True(t, ok)
	require.Equal(t, acquired[0].Idx, slot.Idx)
}

func TestReleaseCreditIsIdempotent(t *testing.T) {
	s := NewSession(RoleClient, 0, RemoteRouting{}, 1)
	slot, ok := s.AcquireCredit()
	require.True(t, ok)

	s.ReleaseCredit(slot)
	require.Equal(t, DefaultSessionCredits, s.NumCredits)

	s.ReleaseCredit(slot)
	require.Equal(t, DefaultSessionCredits, s.NumCredits, "releasing an already-free slot must be a no-op")
}

func TestResetAllFailsEveryBusySlotAndFreesCredits(t *testing.T) {
	s := NewSession(RoleClient, 0, RemoteRouting{}, 1)
	for i := 0; i < 3; i++ {
		_, ok := s.AcquireCredit()
		require.True(t, ok)
	}
	require.Equal(t, 3, s.OutstandingRequests())

	var failed []int
	s.ResetAll(func(slot *SSlot) {
		failed = append(failed, slot.Idx)
	})

	require.Len(t, failed, 3)
	require.Equal(t, 0, s.OutstandingRequests())
	require.Equal(t, DefaultSessionCredits, s.NumCredits)
}

func TestStateStringCoversAllStates(t *testing.T) {
	states := []State{
		StateInit, StateConnectInFlight, StateConnected,
		StateDisconnectInFlight, StateResetInFlight, StateDisconnected, StateError,
	}
	for _, st := range states {
		require.NotEqual(t, "Unknown", st.String())
	}
	require.Equal(t, "Unknown", State(99).String())
}

func TestIsConnected(t *testing.T) {
	s := NewSession(RoleServer, 0, RemoteRouting{}, 1)
	require.False(t, s.IsConnected())
	s.State = StateConnected
	require.True(t, s.IsConnected())
}

func TestReusePoolCooldown(t *testing.T) {
	p := NewReusePool()
	require.False(t, p.InCooldown(5))

	p.MarkFreed(5)
	require.True(t, p.InCooldown(5))
}

func TestReusePoolCooldownExpires(t *testing.T) {
	p := NewReusePool()
	p.MarkFreed(5)
	require.True(t, p.InCooldown(5))

	// Directly exercise the post-expiry path without sleeping a full
	// cooldownWindow: reach in via the same LRU key/value contract
	// MarkFreed uses (value is the expiry instant).
	p.freed.Add(5, time.Now().Add(-time.Millisecond))
	require.False(t, p.InCooldown(5), "an expired cooldown entry must be treated as not-in-cooldown and evicted")
}

func TestExpectedFragment(t *testing.T) {
	slot := &SSlot{CurReqNum: 42, NumFragsRecvd: 3}
	require.True(t, slot.ExpectedFragment(42, 3))
	require.False(t, slot.ExpectedFragment(42, 4))
	require.False(t, slot.ExpectedFragment(41, 3))
}
