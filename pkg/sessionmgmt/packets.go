// Package sessionmgmt implements the out-of-band session management
// control plane (spec §4.4): the UDP datagrams exchanged to connect
// and disconnect sessions, and the retry-budget bookkeeping driving
// the client-side state machine. Datagrams are JSON-framed over UDP,
// the same "structured, not performance-critical" framing choice the
// teacher makes for its own handshake frames in
// pkg/messaging/handshake.go (there: JSON over the data link; here:
// JSON over a UDP control socket; this protocol is intentionally kept
// off the hot datapath, which uses pkthdr's compact binary framing
// instead).
package sessionmgmt

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/skycoin/erpc/pkg/rpcerr"
)

// PacketType discriminates the session-management datagrams.
type PacketType uint8

// Packet types.
const (
	TypeConnectReq PacketType = iota
	TypeConnectResp
	TypeDisconnectReq
	TypeDisconnectResp
)

// Envelope wraps a typed payload for the wire; Payload is re-unmarshaled
// by the caller once Type is known, mirroring the teacher's
// handshakeFrame's flat-struct-over-JSON approach but split by type
// since this protocol carries four distinct message shapes rather than
// one evolving handshake frame.
type Envelope struct {
	Type    PacketType      `json:"type"`
	RPCID   uint8           `json:"rpc_id"`
	Payload json.RawMessage `json:"payload"`
}

// ConnectReq is sent client -> server to begin a session (spec §4.4.1).
type ConnectReq struct {
	ClientHost        string `json:"client_host"`
	ClientMgmtPort    int    `json:"client_mgmt_port"`
	ClientRPCID       uint8  `json:"client_rpc_id"`
	ProposedLocalNum  int    `json:"proposed_local_session_num"`
	ClientRoutingInfo string `json:"client_routing_info"`
	ServerRPCID       uint8  `json:"server_rpc_id"`
}

// ConnectResp is sent server -> client, either accepting or rejecting.
type ConnectResp struct {
	Accept            bool                `json:"accept"`
	ServerLocalNum    int                 `json:"server_local_session_num"`
	ServerRoutingInfo string              `json:"server_routing_info"`
	ClientLocalNum    int                 `json:"client_local_session_num"`
	RejectReason      rpcerr.RejectReason `json:"reject_reason,omitempty"`
}

// DisconnectReq is sent by either side to tear a session down. A
// DisconnectReq for a session the server no longer has is dropped
// without a reply; the client then finalizes the session itself once
// its retry budget runs out.
type DisconnectReq struct {
	LocalSessionNum  int `json:"local_session_num"`
	RemoteSessionNum int `json:"remote_session_num"`
}

// DisconnectResp acknowledges a DisconnectReq.
type DisconnectResp struct {
	LocalSessionNum  int `json:"local_session_num"`
	RemoteSessionNum int `json:"remote_session_num"`
}

// Encode wraps payload in an Envelope addressed to rpcID and marshals
// it to JSON. rpcID is the target instance's rpc_id: for ConnectReq the
// server being dialed, for every other message the rpc_id that owns
// the session on the receiving end, letting the Nexus demultiplex
// without unmarshaling the payload first.
func Encode(t PacketType, rpcID uint8, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal sm payload")
	}
	return json.Marshal(Envelope{Type: t, RPCID: rpcID, Payload: body})
}

// Decode unwraps an Envelope, leaving the caller to unmarshal Payload
// once Type is known.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, errors.Wrap(err, "unmarshal sm envelope")
	}
	return e, nil
}

// Retry/timing constants (spec §4.4).
const (
	// ConnectRetryInterval is how often an unanswered ConnectReq is
	// resent.
	ConnectRetryInterval = 50 * time.Millisecond

	// InvalidRPCIDRetryInterval is the retry interval after a reject
	// with InvalidRemoteRpcId, since the remote RPC may simply still be
	// initializing. The client always keeps retrying after that reject;
	// there is no option to turn it off.
	InvalidRPCIDRetryInterval = 1 * time.Second

	// DefaultConnectBudget bounds total time spent retrying a connect
	// before the client gives up and transitions to Error.
	DefaultConnectBudget = 2 * time.Second
)
