package rpc

import (
	"strconv"
	"time"

	"github.com/skycoin/erpc/pkg/pkthdr"
	"github.com/skycoin/erpc/pkg/rpcerr"
	"github.com/skycoin/erpc/pkg/session"
	"github.com/skycoin/erpc/pkg/transport"
)

// maxConsecutiveTimeouts is how many back-to-back RTO expirations on
// the same session force it into the Error state (spec §4.6).
const maxConsecutiveTimeouts = 3

// maxRTO caps the exponential backoff applied to a session's
// retransmission timeout after repeated losses.
const maxRTO = 200 * time.Millisecond

// staleServerSlotAge bounds how long a partially-received request can
// sit without progress before its slot is reclaimed; a client that
// vanished mid-request must not permanently pin a credit.
const staleServerSlotAge = 2 * time.Second

// checkRetransmits scans every connected session's busy slots for RTO
// expiry and drives the doubling backoff / retransmit /
// give-up-after-3 state machine (spec §4.6). A timed-out request is
// resent from its slot's EarliestUnacked, which stays 0, so the whole
// request goes out again rather than only its missing fragments.
func (r *Rpc) checkRetransmits(now time.Time) {
	active := 0
	for _, sess := range r.sessions {
		if sess.State != session.StateConnected {
			continue
		}
		active++
		if sess.Timely != nil {
			r.metrics.SessionRate.WithLabelValues(sessionLabel(sess)).Set(sess.Timely.Rate())
		}
		if r.checkSessionTimeout(sess, now) {
			continue // session just transitioned to Error; its slots are gone
		}
		r.reapStaleServerSlots(sess, now)
	}
	r.metrics.ActiveSessions.Set(float64(active))
}

func sessionLabel(sess *session.Session) string {
	return strconv.Itoa(sess.LocalSessionNum)
}

func (r *Rpc) checkSessionTimeout(sess *session.Session, now time.Time) (becameError bool) {
	timedOut := false
	for i := range sess.Credits {
		slot := &sess.Credits[i]
		if !slot.Busy || slot.Cont == nil || slot.ReqBuf == nil {
			continue
		}
		if now.Sub(slot.LastProgress) < sess.RTO {
			continue
		}

		timedOut = true
		slot.NextPktToSend = slot.EarliestUnacked
		slot.LastProgress = now
		sess.NumReTx++
		r.metrics.Retransmits.Inc()

		remoteAddr := sess.Remote.Addr
		if cancelled := r.wheel.Cancel(func(pkt transport.Packet) bool { return pkt.Addr == remoteAddr }); cancelled > 0 {
			sess.StillInWheelDuringRetx += uint64(cancelled)
			r.metrics.StillInWheelDuringRetx.Add(float64(cancelled))
		}
	}

	if !timedOut {
		return false
	}

	sess.ConsecutiveTimeouts++
	sess.RTO *= 2
	if sess.RTO > maxRTO {
		sess.RTO = maxRTO
	}

	if sess.ConsecutiveTimeouts < maxConsecutiveTimeouts {
		return false
	}

	sess.State = session.StateError
	sess.ResetAll(func(slot *session.SSlot) {
		if slot.Cont != nil {
			slot.Cont(nil, slot.ContTag, rpcerr.ErrSessionReset)
		}
	})
	if sess.Role == session.RoleServer {
		r.unexpWindowInUse -= session.DefaultSessionCredits
	}
	localNum := sess.LocalSessionNum
	delete(r.sessions, localNum)
	r.reuse.MarkFreed(localNum)
	r.fireSMCallback(localNum, EventDisconnected, rpcerr.ErrSessionReset)
	return true
}

// reapStaleServerSlots reclaims server-side slots in two situations:
// reassembly stalled (the client vanished mid-request), or the
// response has been fully transmitted and the grace period during
// which a late NACK could still ask for a retransmit has passed.
func (r *Rpc) reapStaleServerSlots(sess *session.Session, now time.Time) {
	mtu := r.transport.MTU()
	for i := range sess.Credits {
		slot := &sess.Credits[i]
		if !slot.Busy || slot.ServerReqBuf == nil {
			continue
		}

		if slot.Handle == nil {
			if now.Sub(slot.LastProgress) < staleServerSlotAge {
				continue
			}
			r.alloc.Free(slot.ServerReqBuf)
			r.releaseServerSlot(sess, slot)
			continue
		}

		if slot.ServerRespBuf == nil {
			continue
		}
		total := pkthdr.NumPkts(uint32(slot.ServerRespBuf.Size()), mtu)
		if slot.ServerNextToSend < total {
			continue
		}
		if now.Sub(slot.LastProgress) < staleServerSlotAge {
			continue
		}
		r.alloc.Free(slot.ServerReqBuf)
		r.alloc.Free(slot.ServerRespBuf)
		r.releaseServerSlot(sess, slot)
	}
}

// releaseServerSlot clears slot and returns its credit to sess,
// mirroring Session.ReleaseCredit for the server-claimed side.
func (r *Rpc) releaseServerSlot(sess *session.Session, slot *session.SSlot) {
	*slot = session.SSlot{Idx: slot.Idx}
	sess.NumCredits++
}
