package nexus

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skycoin/erpc/pkg/rpcerr"
	"github.com/skycoin/erpc/pkg/session"
	"github.com/skycoin/erpc/pkg/sessionmgmt"
)

func newTestNexus(t *testing.T, numBgThreads int) *Nexus {
	t.Helper()
	n, err := New("127.0.0.1:0", numBgThreads)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestBindInstanceRejectsDuplicateRPCID(t *testing.T) {
	n := newTestNexus(t, 0)

	_, err := n.BindInstance(1)
	require.NoError(t, err)

	_, err = n.BindInstance(1)
	require.Error(t, err)
}

func TestUnbindInstanceRemovesQueue(t *testing.T) {
	n := newTestNexus(t, 0)

	q, err := n.BindInstance(1)
	require.NoError(t, err)
	n.UnbindInstance(1)

	// Rebinding the same rpc_id must now succeed, since the slot was
	// freed.
	q2, err := n.BindInstance(1)
	require.NoError(t, err)
	require.NotEqual(t, q, q2)
}

func TestDispatchForegroundRunsInline(t *testing.T) {
	n := newTestNexus(t, 0)

	var ran bool
	n.RegisterReqFunc(5, func(h *session.ReqHandle) { ran = true }, ForegroundTerminal)

	ok := n.Dispatch(5, &session.ReqHandle{ReqType: 5})
	require.True(t, ok)
	require.True(t, ran, "a ForegroundTerminal handler must run before Dispatch returns")
}

func TestDispatchUnknownReqTypeReturnsFalse(t *testing.T) {
	n := newTestNexus(t, 0)
	ok := n.Dispatch(99, &session.ReqHandle{ReqType: 99})
	require.False(t, ok)
}

func TestDispatchBackgroundRunsOnWorker(t *testing.T) {
	n := newTestNexus(t, 1)

	done := make(chan struct{})
	n.RegisterReqFunc(7, func(h *session.ReqHandle) { close(done) }, Background)

	ok := n.Dispatch(7, &session.ReqHandle{ReqType: 7})
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background handler never ran")
	}
}

func TestRejectUnknownRPCIDRepliesToConnectReq(t *testing.T) {
	n := newTestNexus(t, 0)

	// No instance is bound to rpc_id 9, so a ConnectReq addressed to
	// it must be answered with a reject rather than silently dropped.
	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer clientConn.Close()

	req := sessionmgmt.ConnectReq{
		ClientHost:        "127.0.0.1",
		ClientRPCID:       3,
		ProposedLocalNum:  4,
		ClientRoutingInfo: clientConn.LocalAddr().String(),
		ServerRPCID:       9,
	}
	body, err := sessionmgmt.Encode(sessionmgmt.TypeConnectReq, 9, req)
	require.NoError(t, err)

	nAddr, err := net.ResolveUDPAddr("udp", n.LocalAddr())
	require.NoError(t, err)
	_, err = clientConn.WriteToUDP(body, nAddr)
	require.NoError(t, err)

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 4096)
	nRead, _, err := clientConn.ReadFromUDP(buf)
	require.NoError(t, err)

	env, err := sessionmgmt.Decode(buf[:nRead])
	require.NoError(t, err)
	require.Equal(t, sessionmgmt.TypeConnectResp, env.Type)
	var resp sessionmgmt.ConnectResp
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	require.False(t, resp.Accept)
	require.Equal(t, rpcerr.ReasonInvalidRemoteRpcId, resp.RejectReason)
}

func TestLocalAddrReturnsBoundSocket(t *testing.T) {
	n := newTestNexus(t, 0)
	require.NotEmpty(t, n.LocalAddr())
}
