// Package transport defines the capability interface the RPC engine
// depends on, plus real implementations. Spec §9's redesign note asks
// for a capability interface over a class hierarchy: Transport plays
// the role IBTransport/DPDKTransport play in the original, but the
// engine is generic over the interface rather than templated over a
// concrete type.
package transport

import (
	"github.com/google/uuid"
)

// Packet is a single outbound or inbound datagram: raw bytes plus a
// peer address, which is the destination on TX and the sender on RX.
type Packet struct {
	Bytes []byte
	Addr  string
}

// MemoryHandle identifies a memory region registered with the
// transport (in a real verbs/DPDK transport, an ibv_mr or DPDK memzone
// handle; here, an opaque identifier for a HugeAlloc slab), grounded
// on the teacher's use of uuid.UUID as the identity of a registered
// Transport in pkg/transport.Manager.
type MemoryHandle uuid.UUID

// NewMemoryHandle allocates a fresh, unique memory handle.
func NewMemoryHandle() MemoryHandle {
	return MemoryHandle(uuid.New())
}

func (h MemoryHandle) String() string {
	return uuid.UUID(h).String()
}

// Transport is the capability the RPC engine depends on. The engine
// does not treat its errors as fatal: RunEventLoopOnce returns a
// TxBurst or RxBurst error to its caller, and RunEventLoop logs it and
// keeps looping.
type Transport interface {
	// TxBurst posts pkts atomically from the caller's perspective,
	// blocking only as long as needed to hand them to the kernel/NIC
	// queue (never waiting on the peer).
	TxBurst(pkts []Packet) error

	// RxBurst polls the receive ring non-blockingly and returns a
	// bounded batch of received packets. An empty, nil-error result
	// means "nothing pending right now."
	RxBurst() ([]Packet, error)

	// RegisterMemory registers a region for DMA and returns a handle
	// every MsgBuffer carved from it will carry.
	RegisterMemory(region []byte) (MemoryHandle, error)

	// MTU returns the link MTU: message payloads larger than this are
	// fragmented into ceil(size/MTU) packets.
	MTU() uint32

	// MaxInline returns the maximum payload size the transport can
	// send without a separate DMA descriptor (informational; the
	// engine does not special-case inline sends and does not read or
	// export this value).
	MaxInline() uint32

	// Close releases transport resources.
	Close() error
}
