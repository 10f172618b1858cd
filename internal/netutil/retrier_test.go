package netutil

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// errNotConnectedYet stands in for the kind of transient error a
// ConnectReq wait or an RTO wait sees on every attempt but the last.
var errNotConnectedYet = errors.New("not connected yet")

func TestRetrierSucceedsOnceTheAttemptStopsErroring(t *testing.T) {
	// factor 1 is the fixed 50ms ConnectReq retry shape (spec §4.4):
	// every attempt waits the same interval, no exponential growth.
	r := NewRetrier(20*time.Millisecond, 500*time.Millisecond, 1)
	attempts := 0
	succeedOn := 3

	err := r.Do(func() error {
		attempts++
		if attempts >= succeedOn {
			return nil
		}
		return errNotConnectedYet
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, attempts, succeedOn)
}

func TestRetrierGivesUpAfterThresholdWithAnAlwaysFailingAttempt(t *testing.T) {
	r := NewRetrier(20*time.Millisecond, 100*time.Millisecond, 1)
	err := r.Do(func() error { return errNotConnectedYet })
	require.ErrorIs(t, err, ErrThresholdReached)
}

func TestRetrierThresholdFiresEvenWhenARetryAttemptBlocks(t *testing.T) {
	// The threshold clock only starts once the first attempt fails
	// (Do has nothing to time out until then), so this fails fast once
	// to arm it, then a later retry hangs well past the threshold -
	// mirroring a ConnectReq wait where the peer accepted the socket
	// but never replies.
	r := NewRetrier(10*time.Millisecond, 100*time.Millisecond, 1)
	calls := 0
	err := r.Do(func() error {
		calls++
		if calls == 1 {
			return errNotConnectedYet
		}
		time.Sleep(time.Second)
		return nil
	})
	require.ErrorIs(t, err, ErrThresholdReached)
}

func TestRetrierReturnsWhitelistedErrorInsteadOfRetrying(t *testing.T) {
	// Mirrors how a rejecting ConnectResp (e.g. InvalidRemoteRpcId)
	// should abort the connect wait immediately rather than keep
	// retrying against a peer that has already said no.
	errRejected := errors.New("connect rejected")
	r := NewRetrier(20*time.Millisecond, time.Second, 1).WithErrWhitelist(errRejected)

	attempts := 0
	err := r.Do(func() error {
		attempts++
		return errRejected
	})
	require.ErrorIs(t, err, errRejected)
	require.Equal(t, 1, attempts, "a whitelisted error must not be retried")
}

// TestRetrierWithMaxIntervalMatchesRTODoublingShape exercises Retrier
// the way pkg/rpc/retransmit.go's RTO doubling uses it conceptually:
// factor 2 growth capped at a ceiling (spec §4.6: "doubled per timeout,
// up to a cap"), rather than growing unbounded until the threshold.
func TestRetrierWithMaxIntervalMatchesRTODoublingShape(t *testing.T) {
	const initialRTO = 10 * time.Millisecond
	const maxRTOCap = 30 * time.Millisecond
	const factor = 2

	uncapped := NewRetrier(initialRTO, time.Second, factor)
	capped := NewRetrier(initialRTO, time.Second, factor).WithMaxInterval(maxRTOCap)

	attempts := 0
	succeedOn := 5
	attempt := func() error {
		attempts++
		if attempts >= succeedOn {
			return nil
		}
		return errNotConnectedYet
	}

	// Uncapped growth (10, 20, 40, 80ms between attempts) takes well
	// over 100ms to reach the 5th attempt.
	start := time.Now()
	attempts = 0
	require.NoError(t, uncapped.Do(attempt))
	uncappedElapsed := time.Since(start)

	// Capped growth (10, 20, 30, 30ms) reaches the same 5th attempt
	// noticeably sooner, since the interval stops doubling past
	// maxRTOCap instead of continuing to 40/80ms.
	start = time.Now()
	attempts = 0
	require.NoError(t, capped.Do(attempt))
	cappedElapsed := time.Since(start)

	require.Less(t, cappedElapsed, uncappedElapsed, "capping the interval must make the same retry count finish sooner")
}
