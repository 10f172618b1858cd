package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skycoin/erpc/pkg/nexus"
	"github.com/skycoin/erpc/pkg/rpc"
	"github.com/skycoin/erpc/pkg/session"
	"github.com/skycoin/erpc/pkg/transport/udp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the echo server",
	Run:   runServe,
}

func init() {
	serveCmd.Flags().String("mgmt-listen", ":31850", "UDP address for the Nexus session-management socket")
	serveCmd.Flags().String("listen", ":31851", "UDP address for the data-transport socket")
	serveCmd.Flags().Uint8("rpc-id", 1, "this instance's rpc_id")
	serveCmd.Flags().String("debug-listen", ":31852", "HTTP address for /metrics and /reqtypes")
	_ = viper.BindPFlag("mgmt_listen", serveCmd.Flags().Lookup("mgmt-listen"))
	_ = viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("rpc_id", serveCmd.Flags().Lookup("rpc-id"))
	_ = viper.BindPFlag("debug_listen", serveCmd.Flags().Lookup("debug-listen"))
}

func runServe(_ *cobra.Command, _ []string) {
	mgmtListen := viper.GetString("mgmt_listen")
	listen := viper.GetString("listen")
	rpcID := uint8(viper.GetInt("rpc_id"))
	debugListen := viper.GetString("debug_listen")

	n, err := nexus.New(mgmtListen, 4)
	if err != nil {
		log.Fatalf("erpc-echo: construct nexus: %v", err)
	}
	defer n.Close() //nolint:errcheck

	// echoHandler needs the Rpc instance to allocate a response buffer
	// from the same pool the request buffer came from, but
	// RegisterReqFunc must run before rpc.New binds this rpc_id and
	// closes registration. rInstance is filled in once New returns;
	// by the time the Nexus ever actually invokes the handler, the
	// event loop (and so r) is long since up.
	var rInstance *rpc.Rpc
	n.RegisterReqFunc(echoReqType, func(h *session.ReqHandle) {
		echoHandler(rInstance, h)
	}, nexus.ForegroundTerminal)

	if _, err := n.DebugServer(debugListen); err != nil {
		log.Warnf("erpc-echo: debug server: %v", err)
	}

	tr, err := udp.Listen(listen)
	if err != nil {
		log.Fatalf("erpc-echo: listen udp: %v", err)
	}

	r, err := rpc.New(n, rpcID, listen, tr, func(sessionNum int, event rpc.SMEventType, err error) {
		log.Infof("erpc-echo: server session %d event %v (%v)", sessionNum, event, err)
	})
	if err != nil {
		log.Fatalf("erpc-echo: construct rpc instance: %v", err)
	}
	rInstance = r

	log.Infof("erpc-echo: serving on %s (rpc_id %d), debug at %s", listen, rpcID, debugListen)
	r.RunEventLoop(365 * 24 * time.Hour)
}

func echoHandler(r *rpc.Rpc, h *session.ReqHandle) {
	resp, err := r.AllocMsgBuffer(h.ReqBuf.Size())
	if err != nil {
		log.Errorf("erpc-echo: alloc response: %v", err)
		return
	}
	copy(resp.Bytes(), h.ReqBuf.Bytes())
	h.Respond(resp, session.RespDynamic)
}
