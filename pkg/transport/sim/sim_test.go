package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skycoin/erpc/pkg/transport"
)

func TestTxBurstDeliversToDestination(t *testing.T) {
	net := NewNetwork(0)
	a := net.NewTransport("a")
	b := net.NewTransport("b")

	require.NoError(t, a.TxBurst([]transport.Packet{{Bytes: []byte("hello"), Addr: "b"}}))

	pkts, err := b.RxBurst()
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	require.Equal(t, []byte("hello"), pkts[0].Bytes)
	require.Equal(t, "a", pkts[0].Addr)
}

func TestTxBurstToDetachedPeerIsSilentlyDropped(t *testing.T) {
	net := NewNetwork(0)
	a := net.NewTransport("a")

	require.NoError(t, a.TxBurst([]transport.Packet{{Bytes: []byte("x"), Addr: "nowhere"}}))
}

func TestTxBurstRejectsPacketWithoutDestination(t *testing.T) {
	net := NewNetwork(0)
	a := net.NewTransport("a")

	err := a.TxBurst([]transport.Packet{{Bytes: []byte("x")}})
	require.Error(t, err)
}

func TestRxBurstCapsAtBurstSize(t *testing.T) {
	net := NewNetwork(0)
	a := net.NewTransport("a")
	b := net.NewTransport("b")

	for i := 0; i < defaultRxBurst+5; i++ {
		require.NoError(t, a.TxBurst([]transport.Packet{{Bytes: []byte{byte(i)}, Addr: "b"}}))
	}

	first, err := b.RxBurst()
	require.NoError(t, err)
	require.Len(t, first, defaultRxBurst)

	second, err := b.RxBurst()
	require.NoError(t, err)
	require.Len(t, second, 5)
}

func TestDropProbabilityDropsSomePackets(t *testing.T) {
	net := NewNetwork(1) // always drop
	a := net.NewTransport("a")
	b := net.NewTransport("b")

	require.NoError(t, a.TxBurst([]transport.Packet{{Bytes: []byte("x"), Addr: "b"}}))

	pkts, err := b.RxBurst()
	require.NoError(t, err)
	require.Empty(t, pkts, "dropProb=1 must drop every packet")
}

func TestWithMTUOverridesDefault(t *testing.T) {
	net := NewNetwork(0).WithMTU(576)
	a := net.NewTransport("a")
	require.Equal(t, uint32(576), a.MTU())
}

func TestCloseDetachesFromNetwork(t *testing.T) {
	net := NewNetwork(0)
	a := net.NewTransport("a")
	b := net.NewTransport("b")

	require.NoError(t, a.Close())
	require.NoError(t, b.TxBurst([]transport.Packet{{Bytes: []byte("x"), Addr: "a"}}))

	// a was detached, so its former queue is gone; nothing should
	// arrive anywhere and no panic should occur delivering to it.

	err := a.TxBurst([]transport.Packet{{Bytes: []byte("x"), Addr: "b"}})
	require.Error(t, err, "a closed transport must reject further sends")
}

func TestTxCopiesBytesRatherThanAliasingCallerBuffer(t *testing.T) {
	net := NewNetwork(0)
	a := net.NewTransport("a")
	b := net.NewTransport("b")

	buf := []byte("mutate-me")
	require.NoError(t, a.TxBurst([]transport.Packet{{Bytes: buf, Addr: "b"}}))
	buf[0] = 'X'

	pkts, err := b.RxBurst()
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	require.Equal(t, []byte("mutate-me"), pkts[0].Bytes, "delivered packet must not alias the sender's buffer")
}

func TestRegisterMemoryReturnsStableHandle(t *testing.T) {
	net := NewNetwork(0)
	a := net.NewTransport("a")
	h1, err := a.RegisterMemory(make([]byte, 16))
	require.NoError(t, err)
	h2, err := a.RegisterMemory(make([]byte, 16))
	require.NoError(t, err)
	require.NotEqual(t, h1, h2, "each registration mints a distinct handle")
}

func drainUntilEmpty(t *testing.T, tr *Transport, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pkts, err := tr.RxBurst()
		require.NoError(t, err)
		if len(pkts) == 0 {
			return
		}
	}
}
