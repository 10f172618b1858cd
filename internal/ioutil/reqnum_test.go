package ioutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReqNumBefore(t *testing.T) {
	require.True(t, ReqNum(1).Before(ReqNum(2)))
	require.False(t, ReqNum(2).Before(ReqNum(1)))
	require.False(t, ReqNum(1).Before(ReqNum(1)))
}

func TestReqNumBeforeWraparound(t *testing.T) {
	last := ReqNum(math.MaxUint32)
	wrapped := ReqNum(0)
	require.True(t, last.Before(wrapped), "a request number just after wraparound must still compare as newer")
}

func TestAtomicBool(t *testing.T) {
	var b AtomicBool
	require.False(t, b.Get())

	changed := b.Set(true)
	require.True(t, changed)
	require.True(t, b.Get())

	changed = b.Set(true)
	require.False(t, changed, "setting to the same value again reports no change")

	changed = b.Set(false)
	require.True(t, changed)
	require.False(t, b.Get())
}
