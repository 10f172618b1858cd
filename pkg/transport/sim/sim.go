// Package sim provides an in-process Transport implementation used by
// tests and the demo application in place of real verbs/DPDK hardware.
// A Network plays the role of the physical medium: every Transport
// bound to it can address every other by its assigned Addr, and the
// Network can be configured to drop packets with a fixed probability
// (spec §8 scenario 6: "Nexus configured with pkt_drop_prob = 0.05").
package sim

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/erpc/pkg/transport"
)

var log = logging.MustGetLogger("transport/sim")

const (
	defaultMTU       = 1024
	defaultMaxInline = 256
	defaultRxBurst   = 32
)

// Network is the shared medium a set of sim Transports are attached
// to. It is safe for concurrent use since, unlike the RPC engine
// itself, multiple goroutines (one per attached endpoint, or a single
// test driver) may deliver into it concurrently.
type Network struct {
	mu          sync.Mutex
	rxQueues    map[string]chan transport.Packet
	dropProb    float64
	rng         *rand.Rand
	mtu         uint32
	maxInline   uint32
}

// NewNetwork constructs a Network with the given per-packet drop
// probability (0 disables loss simulation entirely).
func NewNetwork(dropProb float64) *Network {
	return &Network{
		rxQueues:  make(map[string]chan transport.Packet),
		dropProb:  dropProb,
		rng:       rand.New(rand.NewSource(1)), //nolint:gosec // deterministic test traffic, not security sensitive
		mtu:       defaultMTU,
		maxInline: defaultMaxInline,
	}
}

// WithMTU overrides the simulated link MTU (default 1024 bytes),
// letting tests exercise small values of kMaxMsgSize quickly.
func (n *Network) WithMTU(mtu uint32) *Network {
	n.mtu = mtu
	return n
}

// NewTransport attaches a new Transport to the network under addr.
func (n *Network) NewTransport(addr string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := make(chan transport.Packet, 4096)
	n.rxQueues[addr] = q
	return &Transport{
		net:  n,
		addr: addr,
		rx:   q,
	}
}

func (n *Network) deliver(dstAddr string, pkt transport.Packet) {
	n.mu.Lock()
	drop := n.dropProb > 0 && n.rng.Float64() < n.dropProb
	q, ok := n.rxQueues[dstAddr]
	n.mu.Unlock()

	if !ok {
		return // peer detached; treat like a dropped packet on a torn-down link.
	}
	if drop {
		log.Debugf("sim: dropping packet to %s (pkt_drop_prob)", dstAddr)
		return
	}
	select {
	case q <- pkt:
	default:
		log.Warnf("sim: rx queue full for %s, dropping", dstAddr)
	}
}

// Transport is a Network-attached transport.Transport implementation.
type Transport struct {
	net  *Network
	addr string
	rx   chan transport.Packet

	mu     sync.Mutex
	closed bool
}

// Addr returns the address other endpoints use to reach this transport.
func (t *Transport) Addr() string { return t.addr }

// TxBurst implements transport.Transport.
func (t *Transport) TxBurst(pkts []transport.Packet) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errors.New("sim: transport closed")
	}
	for _, p := range pkts {
		if p.Addr == "" {
			return errors.New("sim: packet missing destination address")
		}
		cp := make([]byte, len(p.Bytes))
		copy(cp, p.Bytes)
		t.net.deliver(p.Addr, transport.Packet{Bytes: cp, Addr: t.addr})
	}
	return nil
}

// RxBurst implements transport.Transport.
func (t *Transport) RxBurst() ([]transport.Packet, error) {
	var out []transport.Packet
	for i := 0; i < defaultRxBurst; i++ {
		select {
		case p := <-t.rx:
			out = append(out, p)
		default:
			return out, nil
		}
	}
	return out, nil
}

// RegisterMemory implements transport.Transport. The sim transport has
// no real DMA region to register; it hands back a fresh handle purely
// so HugeAlloc slabs still carry distinct, stable identities.
func (t *Transport) RegisterMemory(_ []byte) (transport.MemoryHandle, error) {
	return transport.NewMemoryHandle(), nil
}

// MTU implements transport.Transport.
func (t *Transport) MTU() uint32 { return t.net.mtu }

// MaxInline implements transport.Transport.
func (t *Transport) MaxInline() uint32 { return t.net.maxInline }

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.net.mu.Lock()
	delete(t.net.rxQueues, t.addr)
	t.net.mu.Unlock()
	return nil
}
