package session

import (
	"time"

	"github.com/skycoin/erpc/internal/ioutil"
	"github.com/skycoin/erpc/pkg/msgbuf"
)

// ContFunc is the client continuation invoked when a response
// completes or the session resets out from under it (spec §6).
// err is non-nil on forced completion: rpcerr.ErrSessionReset when the
// session resets, rpcerr.ErrOutOfMemory when the response does not fit
// the caller's response buffer. In both cases resp is nil; no
// zero-size buffer is passed.
type ContFunc func(resp *msgbuf.MsgBuffer, tag uint64, err error)

// HandlerFunc is a request handler registered with the Nexus (spec
// §4.3). It must eventually call the request handle's Respond, either
// inline (before returning, for ForegroundTerminal handlers) or later
// from a background goroutine.
type HandlerFunc func(h *ReqHandle)

// RespKind distinguishes a request handle's response buffer union
// (spec §9 design note: "tagged union {Prealloc, Dynamic} inside the
// request handle rather than two parallel fields").
type RespKind uint8

// Response buffer kinds.
const (
	RespUnset RespKind = iota
	RespPrealloc
	RespDynamic
)

// ReqHandle is the opaque handle a server-side request handler
// receives (spec §4.5 "Foreground-terminal handlers run inline;
// background handlers are placed on the nexus work queue with an
// opaque request handle").
type ReqHandle struct {
	Slot     *SSlot
	Session  *Session
	ReqType  uint8
	ReqBuf   *msgbuf.MsgBuffer
	ArrivedAt time.Time

	RespKind RespKind
	RespBuf  *msgbuf.MsgBuffer

	// respondFn is wired by the engine so ReqHandle.Respond can hand
	// the completed response back onto the owning Rpc instance's
	// queue without ReqHandle needing to import package rpc (which
	// would create an import cycle).
	respondFn func(h *ReqHandle)
	responded ioutil.AtomicBool
}

// SetRespondFn wires the engine callback invoked by Respond. Called
// once by the engine when it constructs the handle.
func (h *ReqHandle) SetRespondFn(fn func(h *ReqHandle)) {
	h.respondFn = fn
}

// Respond finalizes resp as this request's response and hands it back
// to the engine (spec §4.5: "the handler must eventually call
// enqueue_response on that handle"). Calling Respond twice, or not at
// all before the handle is discarded, is a handler contract violation
// (spec §7: fatal).
func (h *ReqHandle) Respond(resp *msgbuf.MsgBuffer, kind RespKind) {
	if !h.responded.Set(true) {
		panic("erpc: ReqHandle.Respond called twice (handler contract violation)")
	}
	h.RespBuf = resp
	h.RespKind = kind
	h.respondFn(h)
}

// Responded reports whether Respond has already been called, used by
// the engine to detect handles a background handler dropped without
// responding.
func (h *ReqHandle) Responded() bool {
	return h.responded.Get()
}

// SSlot is one credit's worth of request/response state (spec §3).
// Client-side and server-side fields coexist in the same struct, as
// the original does, since a slot is populated by exactly one role at
// a time and Go arrays of structs are cheaper to size statically than
// a role-tagged union here would be to justify.
type SSlot struct {
	Idx  int
	Busy bool

	CurReqNum ioutil.ReqNum

	// Client-side fields.
	ReqType        uint8
	ReqBuf         *msgbuf.MsgBuffer
	RespBuf        *msgbuf.MsgBuffer
	Cont           ContFunc
	ContTag        uint64
	NextPktToSend  uint16
	NextExpectedResp uint16

	// Server-side fields.
	ServerReqBuf     *msgbuf.MsgBuffer
	ServerRespBuf    *msgbuf.MsgBuffer
	ServerNextToSend uint16
	NumFragsRecvd    uint16
	Handle           *ReqHandle

	// Retransmission bookkeeping shared by both roles: timestamp of
	// last progress (fragment received or credit returned) and the
	// packet index a timeout resends from. EarliestUnacked is reset to
	// 0 per request and not advanced by any acknowledgement, so a
	// timed-out request is resent from its first fragment.
	LastProgress   time.Time
	EarliestUnacked uint16

	RTTStart time.Time
}

// ExpectedFragment reports whether (reqNum, pktIndex) matches this
// slot's current expectation (spec invariant: "receivers drop packets
// whose (sess, req_num, pkt_index) does not match the slot's
// expectation").
func (s *SSlot) ExpectedFragment(reqNum ioutil.ReqNum, pktIndex uint16) bool {
	if reqNum != s.CurReqNum {
		return false
	}
	return pktIndex == s.NumFragsRecvd
}
