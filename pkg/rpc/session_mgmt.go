package rpc

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/skycoin/erpc/pkg/congestion"
	"github.com/skycoin/erpc/pkg/nexus"
	"github.com/skycoin/erpc/pkg/rpcerr"
	"github.com/skycoin/erpc/pkg/session"
	"github.com/skycoin/erpc/pkg/sessionmgmt"
	"github.com/skycoin/erpc/pkg/transport"
)

// maxSessionsPerInstance is a hard safety cap on top of the
// unexpected-window admission check, guarding the session map itself
// against unbounded growth regardless of window size.
const maxSessionsPerInstance = 65536

// CreateSession begins connecting to remoteURI (the remote's
// session-management address) under remoteRPCID. It returns
// immediately with the newly allocated local session number; the
// session is not usable until smCallback fires EventConnected for it
// (spec §5: "create_session ... returns immediately").
func (r *Rpc) CreateSession(remoteURI string, remoteRPCID uint8) (int, error) {
	if len(r.sessions) >= maxSessionsPerInstance {
		return 0, rpcerr.ErrNoRingEntries
	}

	localNum := r.allocSessionNum()
	// Remote.Addr is a placeholder until the ConnectResp arrives
	// bearing the server's actual data-transport address
	// (ServerRoutingInfo); remoteURI here is the server's Nexus
	// mgmt address, the one place a ConnectReq can be delivered.
	sess := session.NewSession(session.RoleClient, localNum, session.RemoteRouting{Addr: remoteURI}, remoteRPCID)
	sess.RemoteMgmtAddr = remoteURI
	sess.State = session.StateConnectInFlight
	sess.Timely = congestion.NewTimely(0, 1e9)
	r.sessions[localNum] = sess

	req := sessionmgmt.ConnectReq{
		ClientHost:        r.localURI,
		ClientRPCID:       r.rpcID,
		ProposedLocalNum:  localNum,
		ClientRoutingInfo: r.localURI,
		ServerRPCID:       remoteRPCID,
	}
	now := time.Now()
	pc := &pendingConnect{
		sessionNum:  localNum,
		remoteAddr:  remoteURI,
		remoteRPCID: remoteRPCID,
		budget:      sessionmgmt.NewRetryBudget(now, sessionmgmt.ConnectRetryInterval, sessionmgmt.DefaultConnectBudget),
		req:         req,
	}
	r.pendingConnects[localNum] = pc

	if err := r.sendConnectReq(pc); err != nil {
		log.Warnf("rpc: initial ConnectReq send failed: %v", err)
	}

	return localNum, nil
}

func (r *Rpc) sendConnectReq(pc *pendingConnect) error {
	body, err := sessionmgmt.Encode(sessionmgmt.TypeConnectReq, pc.remoteRPCID, pc.req)
	if err != nil {
		return errors.Wrap(err, "encode ConnectReq")
	}
	return r.nexus.SendTo(pc.remoteAddr, body)
}

// DestroySession begins tearing sessionNum down. It returns
// immediately; smCallback fires EventDisconnected once the remote has
// acknowledged (spec §5: "destroy_session ... returns immediately").
func (r *Rpc) DestroySession(sessionNum int) error {
	sess, ok := r.sessions[sessionNum]
	if !ok {
		return rpcerr.ErrInvalidArgument
	}
	if sess.State == session.StateDisconnectInFlight || sess.State == session.StateDisconnected {
		return nil
	}
	sess.State = session.StateDisconnectInFlight

	req := sessionmgmt.DisconnectReq{
		LocalSessionNum:  sessionNum,
		RemoteSessionNum: sess.RemoteSessionNum,
	}
	now := time.Now()
	pd := &pendingDisconnect{
		sessionNum: sessionNum,
		budget:     sessionmgmt.NewRetryBudget(now, sessionmgmt.ConnectRetryInterval, sessionmgmt.DefaultConnectBudget),
		req:        req,
	}
	r.pendingDisconnects[sessionNum] = pd

	if err := r.sendDisconnectReq(sess, pd); err != nil {
		log.Warnf("rpc: initial DisconnectReq send failed: %v", err)
	}
	return nil
}

func (r *Rpc) sendDisconnectReq(sess *session.Session, pd *pendingDisconnect) error {
	body, err := sessionmgmt.Encode(sessionmgmt.TypeDisconnectReq, sess.RemoteRPCID, pd.req)
	if err != nil {
		return errors.Wrap(err, "encode DisconnectReq")
	}
	return r.nexus.SendTo(sess.RemoteMgmtAddr, body)
}

// pumpSessionManagement drains any inbound SM entries delivered by the
// Nexus and retries any pending connect/disconnect whose budget says
// it is time (called once per RunEventLoopOnce).
func (r *Rpc) pumpSessionManagement(now time.Time) {
	for {
		select {
		case entry := <-r.smInbound:
			r.handleSMEnvelope(entry)
		default:
			goto retries
		}
	}
retries:
	for _, pc := range r.pendingConnects {
		if pc.budget.Exhausted() {
			continue
		}
		if pc.budget.ShouldRetry(now) {
			if err := r.sendConnectReq(pc); err != nil {
				log.Warnf("rpc: ConnectReq retry send failed: %v", err)
			}
		}
	}
	for num, pc := range r.pendingConnects {
		if !pc.budget.Exhausted() {
			continue
		}
		if sess, ok := r.sessions[num]; ok {
			sess.State = session.StateError
		}
		delete(r.pendingConnects, num)
		r.fireSMCallback(num, EventConnectFailed, rpcerr.ErrSessionReset)
	}
	for num, pd := range r.pendingDisconnects {
		if pd.budget.Exhausted() {
			if sess, ok := r.sessions[num]; ok {
				r.finalizeDisconnect(sess)
			}
			delete(r.pendingDisconnects, num)
			continue
		}
		if pd.budget.ShouldRetry(now) {
			if sess, ok := r.sessions[num]; ok {
				if err := r.sendDisconnectReq(sess, pd); err != nil {
					log.Warnf("rpc: DisconnectReq retry send failed: %v", err)
				}
			}
		}
	}
}

func (r *Rpc) handleSMEnvelope(entry nexus.InboundEntry) {
	env := entry.Envelope
	switch env.Type {
	case sessionmgmt.TypeConnectReq:
		r.handleConnectReq(env, entry.FromAddr)
	case sessionmgmt.TypeConnectResp:
		r.handleConnectResp(env)
	case sessionmgmt.TypeDisconnectReq:
		r.handleDisconnectReq(env)
	case sessionmgmt.TypeDisconnectResp:
		r.handleDisconnectResp(env)
	default:
		log.Warnf("rpc: protocol violation: unknown sm packet type %d", env.Type)
	}
}

func (r *Rpc) handleConnectReq(env sessionmgmt.Envelope, fromAddr string) {
	var req sessionmgmt.ConnectReq
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		log.Warnf("rpc: malformed ConnectReq: %v", err)
		return
	}

	// req.ServerRPCID is guaranteed to equal r.rpcID here: the Nexus
	// only delivers a ConnectReq to the instance bound under the
	// rpc_id it targets, and rejects it upfront (rejectUnknownRPCID)
	// when no such instance is bound at all.

	// Admission against kRpcUnexpPktWindow (spec §4.4): a session
	// reserves up to DefaultSessionCredits ring entries up front, since
	// that is the most large-request reassembly it can ever have in
	// flight at once. This is conservative (a session that never sends
	// a large request still reserves entries) but matches the spec's
	// literal "rejected ... if admitting this session could exceed the
	// bound" wording without needing a live per-fragment counter.
	if len(r.sessions) >= maxSessionsPerInstance || r.unexpWindowInUse+session.DefaultSessionCredits > r.unexpPktWindow {
		resp := sessionmgmt.ConnectResp{
			Accept:         false,
			ClientLocalNum: req.ProposedLocalNum,
			RejectReason:   rpcerr.ReasonNoRingEntriesAvailable,
		}
		r.replyConnect(req, fromAddr, resp)
		return
	}

	localNum := r.allocSessionNum()
	sess := session.NewSession(session.RoleServer, localNum, session.RemoteRouting{Addr: req.ClientRoutingInfo}, req.ClientRPCID)
	sess.RemoteSessionNum = req.ProposedLocalNum
	// fromAddr is the client's Nexus mgmt socket address (the UDP source
	// of this very ConnectReq); req.ClientRoutingInfo is its separate
	// data-transport address.
	sess.RemoteMgmtAddr = fromAddr
	sess.State = session.StateConnected
	sess.Timely = congestion.NewTimely(0, 1e9)
	r.sessions[localNum] = sess
	r.unexpWindowInUse += session.DefaultSessionCredits

	resp := sessionmgmt.ConnectResp{
		Accept:            true,
		ServerLocalNum:    localNum,
		ServerRoutingInfo: r.localURI,
		ClientLocalNum:    req.ProposedLocalNum,
	}
	r.replyConnect(req, fromAddr, resp)
	r.fireSMCallback(localNum, EventConnected, nil)
}

func (r *Rpc) replyConnect(req sessionmgmt.ConnectReq, fromAddr string, resp sessionmgmt.ConnectResp) {
	body, err := sessionmgmt.Encode(sessionmgmt.TypeConnectResp, req.ClientRPCID, resp)
	if err != nil {
		log.Errorf("rpc: encode ConnectResp: %v", err)
		return
	}
	if err := r.nexus.SendTo(fromAddr, body); err != nil {
		log.Warnf("rpc: send ConnectResp: %v", err)
	}
}

func (r *Rpc) handleConnectResp(env sessionmgmt.Envelope) {
	var resp sessionmgmt.ConnectResp
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		log.Warnf("rpc: malformed ConnectResp: %v", err)
		return
	}

	pc, ok := r.pendingConnects[resp.ClientLocalNum]
	if !ok {
		return
	}

	if !resp.Accept {
		if resp.RejectReason == rpcerr.ReasonInvalidRemoteRpcId {
			pc.budget.SetInterval(sessionmgmt.InvalidRPCIDRetryInterval)
			return
		}
		delete(r.pendingConnects, resp.ClientLocalNum)
		if sess, exists := r.sessions[resp.ClientLocalNum]; exists {
			sess.State = session.StateError
		}
		r.fireSMCallback(resp.ClientLocalNum, EventConnectFailed, &rpcerr.ConnectRejected{Reason: resp.RejectReason})
		return
	}

	sess, exists := r.sessions[resp.ClientLocalNum]
	if !exists {
		return
	}
	sess.RemoteSessionNum = resp.ServerLocalNum
	sess.Remote.Addr = resp.ServerRoutingInfo
	sess.State = session.StateConnected
	delete(r.pendingConnects, resp.ClientLocalNum)
	r.fireSMCallback(resp.ClientLocalNum, EventConnected, nil)
}

func (r *Rpc) handleDisconnectReq(env sessionmgmt.Envelope) {
	var req sessionmgmt.DisconnectReq
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		log.Warnf("rpc: malformed DisconnectReq: %v", err)
		return
	}

	sess, ok := r.sessions[req.RemoteSessionNum]
	if !ok {
		return
	}

	resp := sessionmgmt.DisconnectResp{
		LocalSessionNum:  req.RemoteSessionNum,
		RemoteSessionNum: req.LocalSessionNum,
	}
	body, err := sessionmgmt.Encode(sessionmgmt.TypeDisconnectResp, sess.RemoteRPCID, resp)
	if err == nil {
		_ = r.nexus.SendTo(sess.RemoteMgmtAddr, body)
	}

	r.finalizeDisconnect(sess)
}

func (r *Rpc) handleDisconnectResp(env sessionmgmt.Envelope) {
	var resp sessionmgmt.DisconnectResp
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		log.Warnf("rpc: malformed DisconnectResp: %v", err)
		return
	}
	// The server names its own session LocalSessionNum and ours
	// RemoteSessionNum.
	if _, ok := r.pendingDisconnects[resp.RemoteSessionNum]; !ok {
		return
	}
	delete(r.pendingDisconnects, resp.RemoteSessionNum)
	if sess, exists := r.sessions[resp.RemoteSessionNum]; exists {
		r.finalizeDisconnect(sess)
	}
}

// finalizeDisconnect cancels every outstanding credit on sess with
// ErrSessionReset (spec §5 "Cancellation"), frees its session number
// into the reuse cooldown, and fires the disconnected callback.
func (r *Rpc) finalizeDisconnect(sess *session.Session) {
	if sess.State == session.StateDisconnected {
		return
	}
	sess.ResetAll(func(slot *session.SSlot) {
		if slot.Cont != nil {
			slot.Cont(nil, slot.ContTag, rpcerr.ErrSessionReset)
		}
	})
	sess.State = session.StateDisconnected
	if sess.Role == session.RoleServer {
		r.unexpWindowInUse -= session.DefaultSessionCredits
	}
	localNum := sess.LocalSessionNum
	delete(r.sessions, localNum)
	r.reuse.MarkFreed(localNum)
	remoteAddr := sess.Remote.Addr
	r.wheel.Cancel(func(pkt transport.Packet) bool { return pkt.Addr == remoteAddr })
	r.fireSMCallback(localNum, EventDisconnected, nil)
}

func (r *Rpc) fireSMCallback(sessionNum int, event SMEventType, err error) {
	if r.smCallback == nil {
		return
	}
	r.smCallback(sessionNum, event, err)
}
