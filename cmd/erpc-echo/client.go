package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skycoin/erpc/internal/netutil"
	"github.com/skycoin/erpc/pkg/msgbuf"
	"github.com/skycoin/erpc/pkg/nexus"
	"github.com/skycoin/erpc/pkg/rpc"
	"github.com/skycoin/erpc/pkg/rpcerr"
	"github.com/skycoin/erpc/pkg/transport/udp"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Dial the echo server and print the echoed response",
	Run:   runClient,
}

func init() {
	clientCmd.Flags().String("mgmt-listen", ":0", "UDP address for this client's own session-management socket")
	clientCmd.Flags().String("listen", ":0", "UDP address for this client's own data-transport socket")
	clientCmd.Flags().String("server-mgmt", "127.0.0.1:31850", "server's session-management address")
	clientCmd.Flags().Uint8("rpc-id", 1, "the server's rpc_id")
	clientCmd.Flags().Duration("timeout", 3*time.Second, "how long to wait for connect and for the echo reply")
	_ = viper.BindPFlag("client_mgmt_listen", clientCmd.Flags().Lookup("mgmt-listen"))
	_ = viper.BindPFlag("client_listen", clientCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("server_mgmt", clientCmd.Flags().Lookup("server-mgmt"))
	_ = viper.BindPFlag("client_rpc_id", clientCmd.Flags().Lookup("rpc-id"))
	_ = viper.BindPFlag("client_timeout", clientCmd.Flags().Lookup("timeout"))
}

func runClient(_ *cobra.Command, _ []string) {
	mgmtListen := viper.GetString("client_mgmt_listen")
	listen := viper.GetString("client_listen")
	serverMgmt := viper.GetString("server_mgmt")
	rpcID := uint8(viper.GetInt("client_rpc_id"))
	timeout := viper.GetDuration("client_timeout")

	n, err := nexus.New(mgmtListen, 0)
	if err != nil {
		log.Fatalf("erpc-echo: construct nexus: %v", err)
	}
	defer n.Close() //nolint:errcheck

	tr, err := udp.Listen(listen)
	if err != nil {
		log.Fatalf("erpc-echo: listen udp: %v", err)
	}

	r, err := rpc.New(n, rpcID, listen, tr, func(sessionNum int, event rpc.SMEventType, err error) {
		log.Infof("erpc-echo: client session %d event %v (%v)", sessionNum, event, err)
	})
	if err != nil {
		log.Fatalf("erpc-echo: construct rpc instance: %v", err)
	}
	defer r.Close() //nolint:errcheck

	sessionNum, err := r.CreateSession(serverMgmt, rpcID)
	if err != nil {
		log.Fatalf("erpc-echo: create session: %v", err)
	}

	if err := waitConnected(r, sessionNum, timeout); err != nil {
		log.Fatalf("erpc-echo: session never connected: %v", err)
	}
	log.Infof("erpc-echo: connected, session %d", sessionNum)

	req, err := r.AllocMsgBuffer(echoMsgSize)
	if err != nil {
		log.Fatalf("erpc-echo: alloc request buffer: %v", err)
	}
	for i := range req.Bytes() {
		req.Bytes()[i] = byte(i)
	}
	resp, err := r.AllocMsgBuffer(echoMsgSize)
	if err != nil {
		log.Fatalf("erpc-echo: alloc response buffer: %v", err)
	}

	done := make(chan error, 1)
	err = r.EnqueueRequest(sessionNum, echoReqType, req, resp, func(_ *msgbuf.MsgBuffer, _ uint64, cbErr error) {
		done <- cbErr
	}, 0)
	if err != nil {
		log.Fatalf("erpc-echo: enqueue request: %v", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := r.RunEventLoopOnce(); err != nil {
			log.Errorf("erpc-echo: event loop: %v", err)
		}
		select {
		case cbErr := <-done:
			if cbErr != nil {
				log.Fatalf("erpc-echo: request failed: %v", cbErr)
			}
			fmt.Printf("echoed %d bytes: %v\n", resp.Size(), resp.Bytes())
			teardown(r, sessionNum)
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
	log.Fatalf("erpc-echo: timed out waiting for echo response")
}

// waitConnected pumps the event loop until sessionNum reaches the
// Connected state or timeout elapses. The engine's own ConnectReq
// retry budget (sessionmgmt.RetryBudget) is non-blocking by design,
// ticked once per RunEventLoopOnce call; a CLI command driving nothing
// else needs a blocking wrapper around that, so this uses the
// teacher's Retrier rather than hand-rolling a poll loop.
func waitConnected(r *rpc.Rpc, sessionNum int, timeout time.Duration) error {
	retrier := netutil.NewRetrier(5*time.Millisecond, timeout, 1)
	return retrier.Do(func() error {
		if err := r.RunEventLoopOnce(); err != nil {
			return err
		}
		sess, ok := r.Session(sessionNum)
		if !ok {
			return rpcerr.ErrSessionNotConnected
		}
		if !sess.IsConnected() {
			return rpcerr.ErrSessionNotConnected
		}
		return nil
	})
}

// teardown destroys sessionNum and pumps the event loop briefly so the
// DisconnectReq/Resp exchange actually goes out before the process
// exits, rather than leaving the server waiting on a retry budget for
// a peer that is already gone.
func teardown(r *rpc.Rpc, sessionNum int) {
	if err := r.DestroySession(sessionNum); err != nil {
		log.Warnf("erpc-echo: destroy session: %v", err)
		return
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := r.RunEventLoopOnce(); err != nil {
			log.Errorf("erpc-echo: event loop: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
}
