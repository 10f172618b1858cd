// Package session implements the Session and SSlot types (spec §3):
// the per-endpoint channel state machine and its fixed-size array of
// in-flight request/response slots. Session's field layout is grounded
// on the teacher's pkg/messaging channel struct (role, remote
// identity, link-level state, deadline bookkeeping); the credit/slot
// array is new, since the teacher's stream-oriented channel has no
// credit concept — it is grounded instead on spec §3/§4.5 directly.
package session

import (
	"time"

	"github.com/skycoin/erpc/pkg/congestion"
)

// Role identifies which side of a session this endpoint plays.
type Role uint8

// Roles.
const (
	RoleClient Role = iota
	RoleServer
)

// State is the session state machine's current state (spec §3, §4.4).
type State uint8

// States.
const (
	StateInit State = iota
	StateConnectInFlight
	StateConnected
	StateDisconnectInFlight
	StateResetInFlight
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateConnectInFlight:
		return "ConnectInFlight"
	case StateConnected:
		return "Connected"
	case StateDisconnectInFlight:
		return "DisconnectInFlight"
	case StateResetInFlight:
		return "ResetInFlight"
	case StateDisconnected:
		return "Disconnected"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// DefaultSessionCredits is kSessionCredits from spec §3.
const DefaultSessionCredits = 8

// RemoteRouting captures the destination address information
// installed at connect time. In this Go rendition (UDP transports
// rather than verbs/DPDK) this is simply a socket address, playing the
// role spec §3 assigns to "LID/QPN for verbs, MAC/IP for DPDK".
type RemoteRouting struct {
	Addr string
}

// Session represents one directional RPC channel to a remote
// (host, udp-port, rpc-id) triple (spec §3).
type Session struct {
	Role Role
	State State

	LocalSessionNum  int
	RemoteSessionNum int
	Remote           RemoteRouting
	RemoteRPCID      uint8

	// RemoteMgmtAddr is the peer's Nexus session-management socket
	// address, distinct from Remote.Addr (the peer's data-transport
	// address): this engine separates the SM control plane (one shared
	// UDP socket per Nexus) from the per-instance data transport, so
	// DisconnectReq/Resp must address the former while data fragments
	// address the latter.
	RemoteMgmtAddr string

	Credits    [DefaultSessionCredits]SSlot
	NumCredits int // free credits, 0..DefaultSessionCredits

	// RTO is checked once per event-loop turn against each busy
	// slot's LastProgress and doubles on every timeout.
	// RetransmitDeadline is not read or written by the engine.
	RetransmitDeadline time.Time
	RTO                time.Duration
	ConsecutiveTimeouts int

	// ConnectAttempts and LastConnectAttempt are not updated by the
	// engine; connect and disconnect retries are tracked by a
	// sessionmgmt.RetryBudget held in package rpc.
	ConnectAttempts    int
	LastConnectAttempt time.Time

	// Timely is the session's rate controller. The Rpc installs one on
	// every session it creates or accepts; there is no setting that
	// turns congestion control off.
	Timely *congestion.Timely

	StillInWheelDuringRetx uint64
	NumReTx                uint64
}

// NewSession constructs a Session in StateInit, with full credits.
func NewSession(role Role, localNum int, remote RemoteRouting, remoteRPCID uint8) *Session {
	s := &Session{
		Role:             role,
		State:            StateInit,
		LocalSessionNum:  localNum,
		Remote:           remote,
		RemoteRPCID:      remoteRPCID,
		NumCredits:       DefaultSessionCredits,
		RTO:              5 * time.Millisecond,
	}
	for i := range s.Credits {
		s.Credits[i].Idx = i
	}
	return s
}

// IsConnected reports whether the session can carry request traffic.
func (s *Session) IsConnected() bool {
	return s.State == StateConnected
}

// AcquireCredit finds a free slot and marks it busy, or returns false
// if the session has no free credits (spec invariant: outstanding
// requests <= kSessionCredits).
func (s *Session) AcquireCredit() (*SSlot, bool) {
	if s.NumCredits == 0 {
		return nil, false
	}
	for i := range s.Credits {
		if !s.Credits[i].Busy {
			s.Credits[i].Busy = true
			s.NumCredits--
			return &s.Credits[i], true
		}
	}
	return nil, false
}

// ReleaseCredit returns slot's credit to the session's free pool. It
// is idempotent: releasing an already-free slot is a no-op, matching
// the teacher's idempotent close() pattern (pkg/messaging/channel.go).
func (s *Session) ReleaseCredit(slot *SSlot) {
	if !slot.Busy {
		return
	}
	*slot = SSlot{Idx: slot.Idx}
	s.NumCredits++
}

// OutstandingRequests returns the number of busy slots, exercised by
// the property test "outstanding_requests <= kSessionCredits".
func (s *Session) OutstandingRequests() int {
	return DefaultSessionCredits - s.NumCredits
}

// ResetAll fails every busy slot, invoking cb(slot) for each one, and
// frees their credits. Used by DestroySession (spec §5 "Cancellation":
// destroy_session fails all outstanding requests on that session).
func (s *Session) ResetAll(cb func(*SSlot)) {
	for i := range s.Credits {
		if s.Credits[i].Busy {
			cb(&s.Credits[i])
			s.ReleaseCredit(&s.Credits[i])
		}
	}
}
