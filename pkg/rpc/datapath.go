package rpc

import (
	"time"

	"github.com/skycoin/erpc/internal/ioutil"
	"github.com/skycoin/erpc/pkg/msgbuf"
	"github.com/skycoin/erpc/pkg/pkthdr"
	"github.com/skycoin/erpc/pkg/rpcerr"
	"github.com/skycoin/erpc/pkg/session"
	"github.com/skycoin/erpc/pkg/transport"
)

// EnqueueRequest claims a credit on sess and begins sending req,
// invoking cont with resp once the full response has arrived (spec
// §4.5, §6). It does not block; the actual packets go out on the next
// RunEventLoopOnce call.
func (r *Rpc) EnqueueRequest(sessionNum int, reqType uint8, req, resp *msgbuf.MsgBuffer, cont session.ContFunc, tag uint64) error {
	sess, ok := r.sessions[sessionNum]
	if !ok {
		return rpcerr.ErrInvalidArgument
	}
	if !sess.IsConnected() {
		return rpcerr.ErrSessionNotConnected
	}

	slot, ok := sess.AcquireCredit()
	if !ok {
		return rpcerr.ErrNoCredits
	}

	now := time.Now()
	slot.CurReqNum++
	slot.ReqType = reqType
	slot.ReqBuf = req
	slot.RespBuf = resp
	slot.Cont = cont
	slot.ContTag = tag
	slot.NextPktToSend = 0
	slot.NextExpectedResp = 0
	slot.LastProgress = now
	slot.EarliestUnacked = 0
	slot.RTTStart = now

	return nil
}

// collectOutbound gathers up to txBatchMax ready-to-send fragments
// across every session's busy slots, covering both client-side request
// fragments and server-side response fragments (spec §5: "batch 16-32
// packets per transport call").
func (r *Rpc) collectOutbound(now time.Time) []transport.Packet {
	var batch []transport.Packet

	for _, sess := range r.sessions {
		if !sess.IsConnected() {
			continue
		}
		for i := range sess.Credits {
			slot := &sess.Credits[i]
			if !slot.Busy {
				continue
			}

			if slot.ReqBuf != nil && slot.Cont != nil {
				batch = appendFragments(batch, r, sess, slot, true, now)
			}
			if slot.Handle != nil && slot.ServerRespBuf != nil {
				batch = appendFragments(batch, r, sess, slot, false, now)
			}

			if len(batch) >= txBatchMax {
				return batch
			}
		}
	}
	return batch
}

// appendFragments appends any still-unsent fragments of either the
// slot's outgoing request (isRequest) or its server-side response.
func appendFragments(batch []transport.Packet, r *Rpc, sess *session.Session, slot *session.SSlot, isRequest bool, now time.Time) []transport.Packet {
	mtu := r.transport.MTU()

	var buf *msgbuf.MsgBuffer
	var next *uint16
	var kindSmall, kindLarge pkthdr.Kind

	if isRequest {
		buf = slot.ReqBuf
		next = &slot.NextPktToSend
		kindSmall, kindLarge = pkthdr.KindSmallReq, pkthdr.KindLargeReq
	} else {
		buf = slot.ServerRespBuf
		next = &slot.ServerNextToSend
		kindSmall, kindLarge = pkthdr.KindSmallResp, pkthdr.KindLargeResp
	}

	total := pkthdr.NumPkts(uint32(buf.Size()), mtu)
	for *next < total && len(batch) < txBatchMax {
		idx := *next
		kind := kindSmall
		if total > 1 {
			kind = kindLarge
		}
		hdr := pkthdr.Header{
			Kind:           kind,
			ReqType:        slot.ReqType,
			MsgSize:        uint32(buf.Size()),
			DestSessionNum: uint16(sess.RemoteSessionNum),
			ReqNum:         uint32(slot.CurReqNum),
			PktIndex:       idx,
		}
		payload := fragmentSlice(buf, idx, mtu)
		pkt := buildWirePacket(buf, int(idx), hdr, payload, sess.Remote.Addr)
		*next++
		slot.LastProgress = now

		if sess.Timely == nil {
			batch = append(batch, pkt)
			continue
		}
		if ready := r.wheel.Schedule(now, sess.Timely.Limiter(), pkt, len(pkt.Bytes)); ready {
			batch = append(batch, pkt)
		}
	}
	return batch
}

// fragmentSlice returns fragment idx's payload bytes out of buf.
func fragmentSlice(buf *msgbuf.MsgBuffer, idx uint16, mtu uint32) []byte {
	start := int(idx) * int(mtu)
	end := start + int(mtu)
	data := buf.Bytes()
	if end > len(data) {
		end = len(data)
	}
	if start > len(data) {
		start = len(data)
	}
	return data[start:end]
}

// buildWirePacket writes hdr into buf's reserved header slot (so a
// later retransmit can resend without recomputing it) and assembles
// the on-wire datagram.
func buildWirePacket(buf *msgbuf.MsgBuffer, idx int, hdr pkthdr.Header, payload []byte, addr string) transport.Packet {
	slot := buf.HeaderSlot(idx)
	pkthdr.Encode(slot, hdr)
	wire := make([]byte, pkthdr.Size+len(payload))
	copy(wire, slot)
	copy(wire[pkthdr.Size:], payload)
	return transport.Packet{Bytes: wire, Addr: addr}
}

// dispatchInbound decodes and routes one received packet.
func (r *Rpc) dispatchInbound(pkt transport.Packet, now time.Time) {
	hdr, ok := pkthdr.Decode(pkt.Bytes)
	if !ok {
		log.Warnf("rpc: dropping malformed packet from %s", pkt.Addr)
		return
	}
	payload := pkt.Bytes[pkthdr.Size:]

	sess, ok := r.sessions[int(hdr.DestSessionNum)]
	if !ok {
		log.Debugf("rpc: packet for unknown session %d dropped", hdr.DestSessionNum)
		return
	}

	switch hdr.Kind {
	case pkthdr.KindSmallReq, pkthdr.KindLargeReq:
		r.handleReqFragment(sess, hdr, payload, pkt.Addr, now)
	case pkthdr.KindSmallResp, pkthdr.KindLargeResp:
		r.handleRespFragment(sess, hdr, payload, now)
	case pkthdr.KindExplicitCR:
		log.Debugf("rpc: explicit credit return for session %d req %d", sess.LocalSessionNum, hdr.ReqNum)
	case pkthdr.KindNack:
		r.handleNack(sess, hdr)
	default:
		log.Warnf("rpc: protocol violation: unknown packet kind %d", hdr.Kind)
	}
}

// findOrClaimServerSlot locates the slot already assembling reqNum, or
// claims a free one if pktIndex == 0 and no such slot exists yet.
// Claiming a slot consumes a credit, mirroring AcquireCredit on the
// client side: a session's eight slots are shared bookkeeping for
// whichever role is using them, not a client-only resource.
func findOrClaimServerSlot(sess *session.Session, reqNum ioutil.ReqNum, pktIndex uint16) *session.SSlot {
	for i := range sess.Credits {
		slot := &sess.Credits[i]
		if slot.Busy && slot.CurReqNum == reqNum && slot.ServerReqBuf != nil {
			return slot
		}
	}
	if pktIndex != 0 {
		return nil
	}
	for i := range sess.Credits {
		slot := &sess.Credits[i]
		if !slot.Busy {
			slot.Busy = true
			slot.CurReqNum = reqNum
			slot.NumFragsRecvd = 0
			slot.ServerNextToSend = 0
			slot.ServerRespBuf = nil
			slot.Handle = nil
			sess.NumCredits--
			return slot
		}
	}
	return nil
}

func (r *Rpc) handleReqFragment(sess *session.Session, hdr pkthdr.Header, payload []byte, fromAddr string, now time.Time) {
	reqNum := ioutil.ReqNum(hdr.ReqNum)
	slot := findOrClaimServerSlot(sess, reqNum, hdr.PktIndex)
	if slot == nil {
		r.sendNack(sess, hdr, fromAddr)
		return
	}

	if !slot.ExpectedFragment(reqNum, hdr.PktIndex) {
		r.sendNack(sess, hdr, fromAddr)
		return
	}

	if hdr.PktIndex == 0 {
		buf, err := r.alloc.Alloc(int(hdr.MsgSize))
		if err != nil {
			log.Errorf("rpc: alloc request buffer: %v", err)
			slot.Busy = false
			return
		}
		slot.ServerReqBuf = buf
	}

	copy(slot.ServerReqBuf.Bytes()[int(hdr.PktIndex)*int(r.transport.MTU()):], payload)
	slot.NumFragsRecvd++
	slot.LastProgress = now

	total := pkthdr.NumPkts(hdr.MsgSize, r.transport.MTU())
	if slot.NumFragsRecvd < total {
		return
	}

	if total > 1 {
		r.sendExplicitCR(sess, slot)
	}

	handle := &session.ReqHandle{
		Slot:      slot,
		Session:   sess,
		ReqType:   hdr.ReqType,
		ReqBuf:    slot.ServerReqBuf,
		ArrivedAt: now,
	}
	handle.SetRespondFn(func(h *session.ReqHandle) {
		r.respondCh <- h
	})
	slot.Handle = handle

	r.nexus.Dispatch(hdr.ReqType, handle)
}

func (r *Rpc) sendExplicitCR(sess *session.Session, slot *session.SSlot) {
	hdr := pkthdr.Header{
		Kind:           pkthdr.KindExplicitCR,
		DestSessionNum: uint16(sess.RemoteSessionNum),
		ReqNum:         uint32(slot.CurReqNum),
	}
	wire := make([]byte, pkthdr.Size)
	pkthdr.Encode(wire, hdr)
	if err := r.transport.TxBurst([]transport.Packet{{Bytes: wire, Addr: sess.Remote.Addr}}); err != nil {
		log.Warnf("rpc: send explicit credit return: %v", err)
	}
}

func (r *Rpc) sendNack(sess *session.Session, hdr pkthdr.Header, fromAddr string) {
	expected := uint16(0)
	nackHdr := pkthdr.Header{
		Kind:           pkthdr.KindNack,
		DestSessionNum: uint16(sess.RemoteSessionNum),
		ReqNum:         hdr.ReqNum,
		PktIndex:       expected,
	}
	wire := make([]byte, pkthdr.Size)
	pkthdr.Encode(wire, nackHdr)
	if err := r.transport.TxBurst([]transport.Packet{{Bytes: wire, Addr: fromAddr}}); err != nil {
		log.Warnf("rpc: send nack: %v", err)
	}
}

func (r *Rpc) handleNack(sess *session.Session, hdr pkthdr.Header) {
	reqNum := ioutil.ReqNum(hdr.ReqNum)
	for i := range sess.Credits {
		slot := &sess.Credits[i]
		if !slot.Busy || slot.CurReqNum != reqNum {
			continue
		}
		if slot.ReqBuf != nil {
			slot.NextPktToSend = hdr.PktIndex
		} else if slot.ServerRespBuf != nil {
			slot.ServerNextToSend = hdr.PktIndex
		}
		r.metrics.Retransmits.Inc()
		return
	}
}

func (r *Rpc) handleRespFragment(sess *session.Session, hdr pkthdr.Header, payload []byte, now time.Time) {
	reqNum := ioutil.ReqNum(hdr.ReqNum)
	for i := range sess.Credits {
		slot := &sess.Credits[i]
		if !slot.Busy || slot.CurReqNum != reqNum || slot.Cont == nil {
			continue
		}

		if hdr.PktIndex != slot.NextExpectedResp {
			r.sendNack(sess, hdr, sess.Remote.Addr)
			return
		}

		if hdr.PktIndex == 0 {
			if err := slot.RespBuf.Resize(int(hdr.MsgSize)); err != nil {
				cont, tag := slot.Cont, slot.ContTag
				sess.ReleaseCredit(slot)
				cont(nil, tag, rpcerr.ErrOutOfMemory)
				return
			}
		}

		copy(slot.RespBuf.Bytes()[int(hdr.PktIndex)*int(r.transport.MTU()):], payload)
		slot.NextExpectedResp++
		slot.LastProgress = now

		total := pkthdr.NumPkts(hdr.MsgSize, r.transport.MTU())
		if slot.NextExpectedResp < total {
			return
		}

		if !slot.RTTStart.IsZero() {
			sess.Timely.OnRTTSample(now.Sub(slot.RTTStart))
		}
		sess.ConsecutiveTimeouts = 0

		cont, tag, resp := slot.Cont, slot.ContTag, slot.RespBuf
		sess.ReleaseCredit(slot)
		cont(resp, tag, nil)
		return
	}
}

// RunEventLoopOnce drives exactly one iteration of the engine: drain
// session management, gather and send outbound fragments, receive and
// dispatch inbound packets, hand completed background responses back
// to their sessions, and check retransmission timers (spec §4.6,
// §4.7).
func (r *Rpc) RunEventLoopOnce() error {
	now := time.Now()

	r.pumpSessionManagement(now)
	r.drainBackgroundResponses()

	batch := r.collectOutbound(now)
	batch = append(batch, r.wheel.Advance()...)
	if len(batch) > 0 {
		if err := r.transport.TxBurst(batch); err != nil {
			return err
		}
		r.metrics.TxBatchSize.Observe(float64(len(batch)))
	}

	pkts, err := r.transport.RxBurst()
	if err != nil {
		return err
	}
	if len(pkts) > 0 {
		r.metrics.RxBatchSize.Observe(float64(len(pkts)))
	}
	for _, pkt := range pkts {
		r.dispatchInbound(pkt, now)
	}

	// Drain again: a ForegroundTerminal handler invoked inline from
	// dispatchInbound above may have already called Respond, and doing
	// this now lets its response fragment go out on the very next
	// TxBurst instead of waiting a full extra iteration.
	r.drainBackgroundResponses()

	r.checkRetransmits(now)
	return nil
}

// RunEventLoop calls RunEventLoopOnce repeatedly until d has elapsed,
// yielding briefly between iterations so it does not spin a CPU core
// at 100% in test and demo code (production embedders are expected to
// drive RunEventLoopOnce from their own tight loop instead).
func (r *Rpc) RunEventLoop(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if err := r.RunEventLoopOnce(); err != nil {
			log.Errorf("rpc: event loop iteration failed: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
}

// drainBackgroundResponses picks up ReqHandles completed by background
// handler goroutines and enqueues their response buffers for sending.
func (r *Rpc) drainBackgroundResponses() {
	for {
		select {
		case h := <-r.respondCh:
			r.finishResponse(h)
		default:
			return
		}
	}
}

func (r *Rpc) finishResponse(h *session.ReqHandle) {
	if !h.Responded() {
		log.Warnf("rpc: handler dropped request without responding (req_type %d)", h.ReqType)
		return
	}
	h.Slot.ServerRespBuf = h.RespBuf
	h.Slot.ServerNextToSend = 0
}
