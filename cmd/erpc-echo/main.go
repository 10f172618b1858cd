// Command erpc-echo is a minimal demo application exercising the
// engine end to end over a real UDP transport: a server registers an
// echo handler at a fixed req_type, and a client dials it, sends a
// fixed-size payload, and prints the echoed response. It plays the
// role hello_world plays for the original runtime.
package main

import (
	"fmt"
	"os"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logging.MustGetLogger("erpc-echo")

// Demo wire constants, matching the original hello_world sample's
// fixed kReqType/kMsgSize rather than making them configurable: the
// point of this command is to exercise the engine, not to be a
// general-purpose RPC client.
const (
	echoReqType uint8 = 2
	echoMsgSize       = 16
)

var rootCmd = &cobra.Command{
	Use:   "erpc-echo",
	Short: "Minimal echo demo for the erpc engine",
}

func init() {
	viper.SetEnvPrefix("ERPC")
	viper.AutomaticEnv()
	rootCmd.AddCommand(serveCmd, clientCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
