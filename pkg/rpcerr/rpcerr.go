// Package rpcerr defines the error contracts callers of the engine
// observe (spec §7). These are not exception types: they are sentinel
// values and small structs a caller type-switches or errors.Is/As on,
// in the same sentinel-error style as the teacher's
// pkg/messaging package (ErrConnExists, ErrPoolClosed, ...).
package rpcerr

import "github.com/pkg/errors"

// Sentinel errors surfaced to API callers. Datapath errors that are
// not in this list (malformed packets, stale request numbers, unknown
// sessions) are recovered locally per spec §7 and never surfaced.
var (
	// ErrInvalidArgument is returned for a session_num that names no
	// session on this instance. Oversized buffers are reported by
	// msgbuf instead, and calls from a goroutine other than the owner
	// are not detected.
	ErrInvalidArgument = errors.New("erpc: invalid argument")

	// ErrNoCredits is transient: the session is healthy but has no
	// free credit right now. The caller must retry after running the
	// event loop.
	ErrNoCredits = errors.New("erpc: no credits available")

	// ErrSessionNotConnected is returned when an operation targets a
	// session in Init, Error, or Disconnected state.
	ErrSessionNotConnected = errors.New("erpc: session not connected")

	// ErrOutOfMemory is delivered to a continuation when the response
	// is larger than the capacity of the response buffer the caller
	// passed to EnqueueRequest.
	ErrOutOfMemory = errors.New("erpc: out of memory")

	// ErrSessionReset is delivered to outstanding continuations when a
	// session transitions to Error or is torn down mid-flight.
	ErrSessionReset = errors.New("erpc: session reset")

	// ErrNoRingEntries is returned by CreateSession when this instance
	// already holds its maximum number of sessions. A server that
	// rejects a ConnectReq because of kRpcUnexpPktWindow reports it
	// through the SM callback as a ConnectRejected with
	// ReasonNoRingEntriesAvailable instead.
	ErrNoRingEntries = errors.New("erpc: no unexpected-window ring entries available")

	// ErrDuplicateReqType is fatal at handler-registration time: a
	// request type was registered twice with the Nexus.
	ErrDuplicateReqType = errors.New("erpc: duplicate request type registration")
)

// RejectReason enumerates why a ConnectReq was rejected (spec §4.4).
type RejectReason uint8

// Reject reasons.
const (
	ReasonInvalidRemoteRpcId RejectReason = iota
	ReasonNoRingEntriesAvailable
	ReasonOutOfMemory
	ReasonRoutingResolutionFailed
)

func (r RejectReason) String() string {
	switch r {
	case ReasonInvalidRemoteRpcId:
		return "InvalidRemoteRpcId"
	case ReasonNoRingEntriesAvailable:
		return "NoRingEntriesAvailable"
	case ReasonOutOfMemory:
		return "OutOfMemory"
	case ReasonRoutingResolutionFailed:
		return "RoutingResolutionFailed"
	default:
		return "Unknown"
	}
}

// ConnectRejected is delivered via the SM callback when a server
// rejects a ConnectReq.
type ConnectRejected struct {
	Reason RejectReason
}

func (e *ConnectRejected) Error() string {
	return "erpc: connect rejected: " + e.Reason.String()
}
