package rpc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skycoin/erpc/internal/testhelpers"
	"github.com/skycoin/erpc/pkg/msgbuf"
	"github.com/skycoin/erpc/pkg/nexus"
	"github.com/skycoin/erpc/pkg/rpc"
	"github.com/skycoin/erpc/pkg/rpcerr"
	"github.com/skycoin/erpc/pkg/session"
	"github.com/skycoin/erpc/pkg/transport/sim"
)

const (
	testReqType uint8 = 2
	testRPCID   uint8 = 1
)

// harness wires a client and a server Rpc instance over a shared
// sim.Network, with an echo handler registered on the server, mirroring
// the wiring cmd/erpc-echo does over real UDP.
type harness struct {
	net        *sim.Network
	serverN    *nexus.Nexus
	clientN    *nexus.Nexus
	server     *rpc.Rpc
	client     *rpc.Rpc
	serverEvts []rpc.SMEventType
	clientEvts []rpc.SMEventType
}

func newHarness(t *testing.T, dropProb float64) *harness {
	t.Helper()
	h := &harness{net: sim.NewNetwork(dropProb)}

	serverN, err := nexus.New("127.0.0.1:0", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverN.Close() })

	var serverRPC *rpc.Rpc
	serverN.RegisterReqFunc(testReqType, func(reqH *session.ReqHandle) {
		echoHandler(t, serverRPC, reqH)
	}, nexus.ForegroundTerminal)

	serverTr := h.net.NewTransport(t.Name() + "-server")
	serverRPC, err = rpc.New(serverN, testRPCID, t.Name()+"-server", serverTr, func(_ int, ev rpc.SMEventType, _ error) {
		h.serverEvts = append(h.serverEvts, ev)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverRPC.Close() })

	clientN, err := nexus.New("127.0.0.1:0", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientN.Close() })

	clientTr := h.net.NewTransport(t.Name() + "-client")
	clientRPC, err := rpc.New(clientN, testRPCID, t.Name()+"-client", clientTr, func(_ int, ev rpc.SMEventType, _ error) {
		h.clientEvts = append(h.clientEvts, ev)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientRPC.Close() })

	h.serverN, h.clientN = serverN, clientN
	h.server, h.client = serverRPC, clientRPC
	return h
}

func echoHandler(t *testing.T, r *rpc.Rpc, h *session.ReqHandle) {
	t.Helper()
	resp, err := r.AllocMsgBuffer(h.ReqBuf.Size())
	require.NoError(t, err)
	copy(resp.Bytes(), h.ReqBuf.Bytes())
	h.Respond(resp, session.RespDynamic)
}

func (h *harness) pump() {
	_ = h.server.RunEventLoopOnce()
	_ = h.client.RunEventLoopOnce()
}

func (h *harness) connect(t *testing.T) int {
	t.Helper()
	sessionNum, err := h.client.CreateSession(h.serverN.LocalAddr(), testRPCID)
	require.NoError(t, err)
	testhelpers.RunUntil(t, h.pump, func() bool {
		sess, ok := h.client.Session(sessionNum)
		return ok && sess.IsConnected()
	})
	return sessionNum
}

func TestCreateSessionConnects(t *testing.T) {
	h := newHarness(t, 0)
	h.connect(t)

	require.Equal(t, 1, h.client.NumActiveSessions())
	require.Equal(t, 1, h.server.NumActiveSessions())
}

func TestEchoSmallRequest(t *testing.T) {
	h := newHarness(t, 0)
	sessionNum := h.connect(t)

	req, err := h.client.AllocMsgBuffer(16)
	require.NoError(t, err)
	for i := range req.Bytes() {
		req.Bytes()[i] = byte(i)
	}
	want := append([]byte(nil), req.Bytes()...)
	resp, err := h.client.AllocMsgBuffer(16)
	require.NoError(t, err)

	done := make(chan error, 1)
	var gotResp []byte
	err = h.client.EnqueueRequest(sessionNum, testReqType, req, resp, func(r *msgbuf.MsgBuffer, tag uint64, cbErr error) {
		require.Equal(t, uint64(7), tag)
		if r != nil {
			gotResp = append([]byte(nil), r.Bytes()...)
		}
		done <- cbErr
	}, 7)
	require.NoError(t, err)

	testhelpers.RunUntil(t, h.pump, func() bool {
		select {
		case cbErr := <-done:
			require.NoError(t, cbErr)
			return true
		default:
			return false
		}
	})
	require.Equal(t, want, gotResp)
}

func TestDestroySessionFiresDisconnectedOnBothSides(t *testing.T) {
	h := newHarness(t, 0)
	sessionNum := h.connect(t)

	require.NoError(t, h.client.DestroySession(sessionNum))
	testhelpers.RunUntil(t, h.pump, func() bool {
		_, stillThere := h.client.Session(sessionNum)
		return !stillThere
	})

	require.Contains(t, h.clientEvts, rpc.EventDisconnected)
	testhelpers.RunUntil(t, h.pump, func() bool {
		return h.server.NumActiveSessions() == 0
	})
	require.Contains(t, h.serverEvts, rpc.EventDisconnected)
}

func TestUnexpectedWindowRejectsOverAdmission(t *testing.T) {
	h := newHarness(t, 0)
	h.server.SetUnexpPktWindow(session.DefaultSessionCredits) // room for exactly one session

	h.connect(t) // consumes the only reservation

	sessionNum2, err := h.client.CreateSession(h.serverN.LocalAddr(), testRPCID)
	require.NoError(t, err)

	testhelpers.RunUntil(t, h.pump, func() bool {
		sess, ok := h.client.Session(sessionNum2)
		return ok && sess.State == session.StateError
	})
	require.Contains(t, h.clientEvts, rpc.EventConnectFailed)
}

func TestEnqueueRequestFailsOnUnknownSession(t *testing.T) {
	h := newHarness(t, 0)
	req, err := h.client.AllocMsgBuffer(16)
	require.NoError(t, err)
	err = h.client.EnqueueRequest(999, testReqType, req, req, func(*msgbuf.MsgBuffer, uint64, error) {}, 0)
	require.ErrorIs(t, err, rpcerr.ErrInvalidArgument)
}

func TestEnqueueRequestFailsWithoutCredits(t *testing.T) {
	h := newHarness(t, 0)
	sessionNum := h.connect(t)

	for i := 0; i < session.DefaultSessionCredits; i++ {
		req, err := h.client.AllocMsgBuffer(16)
		require.NoError(t, err)
		resp, err := h.client.AllocMsgBuffer(16)
		require.NoError(t, err)
		err = h.client.EnqueueRequest(sessionNum, testReqType, req, resp, func(*msgbuf.MsgBuffer, uint64, error) {}, uint64(i))
		require.NoError(t, err)
	}

	req, err := h.client.AllocMsgBuffer(16)
	require.NoError(t, err)
	err = h.client.EnqueueRequest(sessionNum, testReqType, req, req, func(*msgbuf.MsgBuffer, uint64, error) {}, 999)
	require.ErrorIs(t, err, rpcerr.ErrNoCredits)
}

func TestEchoLargeRequest(t *testing.T) {
	h := newHarness(t, 0)
	sessionNum := h.connect(t)

	const large = 4096 // several MTUs on the sim transport's default 1024-byte MTU
	req, err := h.client.AllocMsgBuffer(large)
	require.NoError(t, err)
	for i := range req.Bytes() {
		req.Bytes()[i] = byte(i)
	}
	want := append([]byte(nil), req.Bytes()...)
	resp, err := h.client.AllocMsgBuffer(large)
	require.NoError(t, err)

	done := make(chan error, 1)
	var gotResp []byte
	err = h.client.EnqueueRequest(sessionNum, testReqType, req, resp, func(r *msgbuf.MsgBuffer, _ uint64, cbErr error) {
		if r != nil {
			gotResp = append([]byte(nil), r.Bytes()...)
		}
		done <- cbErr
	}, 1)
	require.NoError(t, err)

	testhelpers.RunUntil(t, h.pump, func() bool {
		select {
		case cbErr := <-done:
			require.NoError(t, cbErr)
			return true
		default:
			return false
		}
	})
	require.Equal(t, want, gotResp)
}

func TestSessionEntersErrorAfterThreeConsecutiveTimeouts(t *testing.T) {
	// dropProb governs only the sim-backed data transport; the connect
	// handshake still goes over the harness's real UDP mgmt sockets, so
	// the session connects normally and only its data fragments are
	// lost from here on, forcing repeated RTOs on the in-flight request.
	h := newHarness(t, 1)
	sessionNum := h.connect(t)

	req, err := h.client.AllocMsgBuffer(16)
	require.NoError(t, err)
	resp, err := h.client.AllocMsgBuffer(16)
	require.NoError(t, err)

	done := make(chan error, 1)
	err = h.client.EnqueueRequest(sessionNum, testReqType, req, resp, func(_ *msgbuf.MsgBuffer, _ uint64, cbErr error) {
		done <- cbErr
	}, 3)
	require.NoError(t, err)

	testhelpers.RunUntil(t, h.pump, func() bool {
		select {
		case cbErr := <-done:
			require.ErrorIs(t, cbErr, rpcerr.ErrSessionReset)
			return true
		default:
			return false
		}
	})

	_, stillThere := h.client.Session(sessionNum)
	require.False(t, stillThere, "a session that gives up after three consecutive timeouts must be torn down")
}

func TestPacketLossScenarioStillCompletes(t *testing.T) {
	h := newHarness(t, 0.05)
	sessionNum := h.connect(t)

	req, err := h.client.AllocMsgBuffer(16)
	require.NoError(t, err)
	resp, err := h.client.AllocMsgBuffer(16)
	require.NoError(t, err)

	done := make(chan error, 1)
	err = h.client.EnqueueRequest(sessionNum, testReqType, req, resp, func(_ *msgbuf.MsgBuffer, _ uint64, cbErr error) {
		done <- cbErr
	}, 2)
	require.NoError(t, err)

	testhelpers.RunUntil(t, h.pump, func() bool {
		select {
		case cbErr := <-done:
			require.NoError(t, cbErr)
			return true
		default:
			return false
		}
	})
}
