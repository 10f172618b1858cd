// Package nexus implements the process-wide registry and
// session-management demultiplexer shared by every RPC instance in a
// process (spec §4.3). It is grounded on the teacher's
// pkg/transport.Manager (a registry keyed by a typed identifier,
// serving a background listen loop that fans work out to per-entity
// channels) and pkg/messaging.Pool (connection bookkeeping behind a
// RWMutex, with a callback fanned out per event).
package nexus

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/erpc/pkg/rpcerr"
	"github.com/skycoin/erpc/pkg/session"
	"github.com/skycoin/erpc/pkg/sessionmgmt"
)

var log = logging.MustGetLogger("nexus")

// Mode is a registered handler's execution mode (spec §4.3).
type Mode uint8

// Modes.
const (
	ForegroundTerminal Mode = iota
	Background
)

type registeredHandler struct {
	fn   session.HandlerFunc
	mode Mode
}

// smInboundQueueDepth bounds each RPC instance's session-management
// inbound queue. Per spec §5, overflow here is fatal: SM traffic is
// meant to be infrequent, so a full queue means something is
// seriously wrong (e.g. an instance stopped draining its event loop).
const smInboundQueueDepth = 256

// backgroundQueueDepth bounds the shared background-handler work
// queue (spec §5: "multi-producer multi-consumer queue").
const backgroundQueueDepth = 1024

// InboundEntry pairs a decoded SM envelope with the UDP address it
// arrived from, so the owning instance can reply.
type InboundEntry struct {
	Envelope sessionmgmt.Envelope
	FromAddr string
}

// BackgroundJob is one unit of work handed to a background handler
// thread: invoking it calls through to the registered handler, which
// will eventually call the request handle's Respond.
type BackgroundJob struct {
	Handle *session.ReqHandle
}

// Nexus is the process-wide registry and SM demultiplexer.
type Nexus struct {
	mu                 sync.RWMutex
	handlers           map[uint8]registeredHandler
	registrationClosed bool

	instancesMu sync.RWMutex
	instances   map[uint8]chan InboundEntry

	bgQueue chan BackgroundJob
	bgDone  chan struct{}
	bgWG    sync.WaitGroup

	conn     *net.UDPConn
	doneCh   chan struct{}
	serveWG  sync.WaitGroup

	debugRouter chi.Router
}

// New constructs a Nexus listening on localURI ("host:port") for
// session-management traffic, with numBgThreads background handler
// goroutines draining a shared work queue (spec §4.3). With 0 no
// worker runs; RegisterReqFunc still accepts Background handlers, and
// requests dispatched to them stay queued without being run.
func New(localURI string, numBgThreads int) (*Nexus, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", localURI)
	if err != nil {
		return nil, errors.Wrap(err, "resolve nexus mgmt addr")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "listen nexus mgmt socket")
	}

	n := &Nexus{
		handlers:  make(map[uint8]registeredHandler),
		instances: make(map[uint8]chan InboundEntry),
		bgQueue:   make(chan BackgroundJob, backgroundQueueDepth),
		bgDone:    make(chan struct{}),
		conn:      conn,
		doneCh:    make(chan struct{}),
	}

	for i := 0; i < numBgThreads; i++ {
		n.bgWG.Add(1)
		go n.backgroundWorker()
	}

	n.serveWG.Add(1)
	go n.serveLoop()

	n.debugRouter = n.newDebugRouter()

	return n, nil
}

// LocalAddr returns the bound management socket address.
func (n *Nexus) LocalAddr() string {
	return n.conn.LocalAddr().String()
}

// RegisterReqFunc registers handler for reqType. Registration is only
// allowed before any RPC instance binds to this Nexus (spec §4.3); a
// duplicate registration is a fatal programming error, just as spec §7
// classifies it.
func (n *Nexus) RegisterReqFunc(reqType uint8, fn session.HandlerFunc, mode Mode) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.registrationClosed {
		log.Fatalf("erpc: RegisterReqFunc(%d) called after an RPC instance was created", reqType)
	}
	if _, exists := n.handlers[reqType]; exists {
		log.Fatalf("erpc: duplicate req_type registration: %d", reqType)
	}
	n.handlers[reqType] = registeredHandler{fn: fn, mode: mode}
}

func (n *Nexus) lookup(reqType uint8) (registeredHandler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[reqType]
	return h, ok
}

// BindInstance registers an RPC instance identified by rpcID and
// returns the inbound channel its session-management traffic will be
// delivered on. Once any instance has bound, further handler
// registration is rejected.
func (n *Nexus) BindInstance(rpcID uint8) (<-chan InboundEntry, error) {
	n.mu.Lock()
	n.registrationClosed = true
	n.mu.Unlock()

	n.instancesMu.Lock()
	defer n.instancesMu.Unlock()
	if _, exists := n.instances[rpcID]; exists {
		return nil, errors.Errorf("erpc: rpc_id %d already bound to this nexus", rpcID)
	}
	q := make(chan InboundEntry, smInboundQueueDepth)
	n.instances[rpcID] = q
	return q, nil
}

// UnbindInstance removes rpcID's inbound queue on instance shutdown.
func (n *Nexus) UnbindInstance(rpcID uint8) {
	n.instancesMu.Lock()
	defer n.instancesMu.Unlock()
	delete(n.instances, rpcID)
}

// SendTo transmits an SM envelope to addr over the shared management
// socket, used by every RPC instance's session-management state
// machine to stay off a busy datapath socket.
func (n *Nexus) SendTo(addr string, payload []byte) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrap(err, "resolve sm dest")
	}
	_, err = n.conn.WriteToUDP(payload, udpAddr)
	return err
}

func (n *Nexus) serveLoop() {
	defer n.serveWG.Done()
	buf := make([]byte, 64*1024)
	for {
		nRead, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.doneCh:
				return
			default:
				log.Errorf("nexus: mgmt socket read error: %v", err)
				return
			}
		}

		env, err := sessionmgmt.Decode(buf[:nRead])
		if err != nil {
			log.Warnf("nexus: protocol violation from %s: %v", from, err)
			continue
		}

		rpcID, ok := extractTargetRPCID(env)
		if !ok {
			log.Warnf("nexus: unroutable sm packet from %s, dropping", from)
			continue
		}

		n.instancesMu.RLock()
		q, exists := n.instances[rpcID]
		n.instancesMu.RUnlock()
		if !exists {
			log.Warnf("nexus: sm packet for unknown rpc_id %d from %s", rpcID, from)
			if env.Type == sessionmgmt.TypeConnectReq {
				n.rejectUnknownRPCID(env, from.String())
			}
			continue
		}

		select {
		case q <- InboundEntry{Envelope: env, FromAddr: from.String()}:
		default:
			log.Fatalf("nexus: inbound sm queue full for rpc_id %d (overflow is fatal)", rpcID)
		}
	}
}

// Dispatch looks up the handler registered for reqType and runs it:
// inline for ForegroundTerminal, or by queueing h for a background
// worker for Background. It reports false, after logging a protocol
// violation, when no handler is registered for reqType.
func (n *Nexus) Dispatch(reqType uint8, h *session.ReqHandle) (ran bool) {
	rh, ok := n.lookup(reqType)
	if !ok {
		log.Warnf("nexus: protocol violation: unknown req_type %d", reqType)
		return false
	}
	switch rh.mode {
	case ForegroundTerminal:
		rh.fn(h)
	case Background:
		select {
		case n.bgQueue <- BackgroundJob{Handle: h}:
		default:
			log.Fatalf("erpc: background handler queue full (overflow is fatal)")
		}
	}
	return true
}

func (n *Nexus) backgroundWorker() {
	defer n.bgWG.Done()
	for {
		select {
		case job := <-n.bgQueue:
			n.mu.RLock()
			rh, ok := n.handlers[job.Handle.ReqType]
			n.mu.RUnlock()
			if !ok {
				continue
			}
			rh.fn(job.Handle)
		case <-n.bgDone:
			return
		}
	}
}

// Close shuts the Nexus down: stops the SM listener and any background
// workers.
func (n *Nexus) Close() error {
	close(n.doneCh)
	err := n.conn.Close()
	n.serveWG.Wait()

	close(n.bgDone)
	n.bgWG.Wait()
	return err
}

// DebugServer serves Prometheus's /metrics and a /reqtypes listing of
// registered request types over HTTP, using go-chi/chi for routing. This
// is ambient observability tooling, not part of the datapath, and runs
// on its own goroutine.
func (n *Nexus) DebugServer(addr string) (*http.Server, error) {
	srv := &http.Server{Addr: addr, Handler: n.debugRouter}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen debug http")
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("nexus debug server: %v", err)
		}
	}()
	return srv, nil
}

func (n *Nexus) newDebugRouter() chi.Router {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/reqtypes", func(w http.ResponseWriter, req *http.Request) {
		n.mu.RLock()
		defer n.mu.RUnlock()
		for reqType, h := range n.handlers {
			mode := "foreground"
			if h.mode == Background {
				mode = "background"
			}
			_, _ = w.Write([]byte(modeLine(reqType, mode)))
		}
	})
	return r
}

func modeLine(reqType uint8, mode string) string {
	return "req_type=" + itoa(reqType) + " mode=" + mode + "\n"
}

func itoa(v uint8) string {
	if v == 0 {
		return "0"
	}
	digits := [3]byte{}
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}

// rejectUnknownRPCID answers a ConnectReq addressed to an rpc_id
// nothing has bound yet with an explicit reject, rather than silently
// dropping it: no Rpc instance exists to own the reply, but the Nexus
// itself can decode enough of the request to send one (spec §4.4
// RejectReason.InvalidRemoteRpcId).
func (n *Nexus) rejectUnknownRPCID(env sessionmgmt.Envelope, fromAddr string) {
	var req sessionmgmt.ConnectReq
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		log.Warnf("nexus: malformed ConnectReq from %s: %v", fromAddr, err)
		return
	}
	resp := sessionmgmt.ConnectResp{
		Accept:         false,
		ClientLocalNum: req.ProposedLocalNum,
		RejectReason:   rpcerr.ReasonInvalidRemoteRpcId,
	}
	body, err := sessionmgmt.Encode(sessionmgmt.TypeConnectResp, req.ClientRPCID, resp)
	if err != nil {
		log.Errorf("nexus: encode reject ConnectResp: %v", err)
		return
	}
	if err := n.SendTo(fromAddr, body); err != nil {
		log.Warnf("nexus: send reject ConnectResp: %v", err)
	}
}

// extractTargetRPCID recovers the rpc_id an inbound SM envelope is
// destined for. Every envelope carries it directly
// (sessionmgmt.Envelope.RPCID), so the Nexus never needs to unmarshal
// the payload to demultiplex.
func extractTargetRPCID(env sessionmgmt.Envelope) (uint8, bool) {
	return env.RPCID, true
}
