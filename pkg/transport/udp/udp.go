// Package udp implements transport.Transport over plain UDP sockets,
// standing in for the verbs/DPDK NICs spec §4.1 targets: it gives the
// same "unreliable, MTU-limited datagram" semantics the engine is
// built to tolerate, without kernel bypass (which Go cannot express
// portably). Socket setup follows the teacher's
// pkg/net/factory/udp_factory.go idiom: net.ListenUDP plus a
// background read loop feeding a channel, rather than blocking reads
// interleaved with engine ticks.
package udp

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/erpc/pkg/transport"
)

var log = logging.MustGetLogger("transport/udp")

const (
	// defaultMTU is conservative relative to Ethernet's 1500-byte MTU,
	// leaving headroom for IP/UDP headers.
	defaultMTU       = 1400
	defaultMaxInline = 256
	rxBufSize        = 64 * 1024
	rxQueueDepth     = 4096
	rxBurstSize      = 32
)

// Transport is a transport.Transport backed by a single UDP socket.
type Transport struct {
	conn *net.UDPConn
	mtu  uint32

	rx       chan transport.Packet
	closeCh  chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

// Listen opens a UDP socket bound to addr (host:port, or ":0" for an
// ephemeral port) and starts its background receive loop.
func Listen(addr string) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolve udp addr")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "listen udp")
	}

	t := &Transport{
		conn:    conn,
		mtu:     defaultMTU,
		rx:      make(chan transport.Packet, rxQueueDepth),
		closeCh: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// LocalAddr returns the socket's bound local address.
func (t *Transport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

func (t *Transport) readLoop() {
	buf := make([]byte, rxBufSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
				log.Errorf("udp read error: %v", err)
				return
			}
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case t.rx <- transport.Packet{Bytes: cp, Addr: from.String()}:
		default:
			log.Warnf("udp rx queue full, dropping packet from %s", from)
		}
	}
}

// TxBurst implements transport.Transport.
func (t *Transport) TxBurst(pkts []transport.Packet) error {
	for _, p := range pkts {
		dst, err := net.ResolveUDPAddr("udp", p.Addr)
		if err != nil {
			return errors.Wrapf(err, "resolve dest %q", p.Addr)
		}
		if _, err := t.conn.WriteToUDP(p.Bytes, dst); err != nil {
			return errors.Wrap(err, "write udp")
		}
	}
	return nil
}

// RxBurst implements transport.Transport.
func (t *Transport) RxBurst() ([]transport.Packet, error) {
	var out []transport.Packet
	for i := 0; i < rxBurstSize; i++ {
		select {
		case p := <-t.rx:
			out = append(out, p)
		default:
			return out, nil
		}
	}
	return out, nil
}

// RegisterMemory implements transport.Transport. Plain UDP sockets
// have no DMA registration step; a handle is still minted so HugeAlloc
// slabs keep a stable identity across transports.
func (t *Transport) RegisterMemory(_ []byte) (transport.MemoryHandle, error) {
	return transport.NewMemoryHandle(), nil
}

// MTU implements transport.Transport.
func (t *Transport) MTU() uint32 { return t.mtu }

// MaxInline implements transport.Transport.
func (t *Transport) MaxInline() uint32 { return defaultMaxInline }

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)
	return t.conn.Close()
}
