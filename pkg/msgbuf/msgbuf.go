// Package msgbuf implements the MsgBuffer type and the HugeAlloc
// size-class allocator backing it (spec §4.2). MsgBuffer reserves a
// packet-header prefix so a single allocation carries both the wire
// framing and the application payload, and HugeAlloc keeps allocation
// O(1) via per-size-class freelists — the multi-class generalization
// of the teacher's pkg/net/util/mempool.go FixedSizePool, which pools
// a single fixed buffer size behind a sync.Pool.
package msgbuf

import (
	"github.com/pkg/errors"

	"github.com/skycoin/erpc/pkg/pkthdr"
	"github.com/skycoin/erpc/pkg/transport"
)

// ErrTooLarge is returned when a requested size exceeds the
// allocator's maxMsgSize.
var ErrTooLarge = errors.New("msgbuf: requested size exceeds maximum")

// MsgBuffer is a contiguous, DMA-registered buffer with a reserved
// packet-header headroom preceding the application payload (spec §3).
type MsgBuffer struct {
	raw      []byte // headroom + payload capacity, backed by a slab or a direct allocation
	headroom int     // bytes reserved for packet headers, ceil(cap/MTU)*pkthdr.Size
	dataSize int     // logical size <= cap(payload)
	class    *sizeClass
	handle   transport.MemoryHandle
}

// Bytes returns the application-visible payload, sized to the current
// logical data size.
func (m *MsgBuffer) Bytes() []byte {
	return m.raw[m.headroom : m.headroom+m.dataSize]
}

// Cap returns the maximum size this MsgBuffer can be resized to
// without reallocation.
func (m *MsgBuffer) Cap() int {
	return len(m.raw) - m.headroom
}

// Size returns the current logical data size.
func (m *MsgBuffer) Size() int {
	return m.dataSize
}

// Handle returns the memory handle of the slab this buffer was carved
// from, for use when posting it to the transport.
func (m *MsgBuffer) Handle() transport.MemoryHandle {
	return m.handle
}

// HeaderSlot returns the header-sized region of the headroom reserved
// for fragment index idx, so the engine can write that fragment's
// pkthdr.Header directly into the buffer that will be transmitted.
func (m *MsgBuffer) HeaderSlot(idx int) []byte {
	off := idx * pkthdr.Size
	return m.raw[off : off+pkthdr.Size]
}

// Resize adjusts the logical data size. It never reallocates (spec
// invariant); newSize must be <= Cap().
func (m *MsgBuffer) Resize(newSize int) error {
	if newSize < 0 || newSize > m.Cap() {
		return errors.Errorf("msgbuf: resize %d exceeds capacity %d", newSize, m.Cap())
	}
	m.dataSize = newSize
	return nil
}

// sizeClass is one HugeAlloc size class: a fixed payload capacity plus
// the freelist of MsgBuffers carved from its slabs.
type sizeClass struct {
	payloadCap int
	headroom   int
	freelist   [][]byte // raw (headroom+payload) buffers ready for reuse
	handle     transport.MemoryHandle
}

// HugeAlloc is a size-class allocator over slabs registered once with
// the transport. Single-threaded per RPC instance: no locking, since
// spec §5 forbids datapath calls from any goroutine but the owner.
type HugeAlloc struct {
	mtu       uint32
	transport transport.Transport
	classes   []*sizeClass // sorted ascending by payloadCap
	maxSize   int

	// stats mirror what a production allocator exposes for telemetry
	// (spec §6 "Telemetry"); kept here rather than pkg/metrics and read
	// synchronously through Stats, not scraped by Prometheus.
	allocCount   uint64
	userAllocTot uint64
}

// classSizes are the size classes' payload capacities, matching the
// mempool idiom of picking a handful of useful fixed sizes rather than
// a size class per power of two.
var classSizes = []int{64, 256, 1024, 4096, 16384, 65536}

// New constructs a HugeAlloc over the given transport, whose MTU
// determines each class's header headroom (spec invariant: headroom
// >= ceil(payloadCap/MTU) * sizeof(pkt_hdr)). maxMsgSize is the
// largest size Alloc serves; requests above it fail with ErrTooLarge.
func New(t transport.Transport, maxMsgSize int) (*HugeAlloc, error) {
	mtu := t.MTU()
	a := &HugeAlloc{
		transport: t,
		mtu:       mtu,
		maxSize:   maxMsgSize,
	}
	for _, sz := range classSizes {
		if sz > maxMsgSize {
			break
		}
		headroom := headroomFor(sz, mtu)
		handle, err := t.RegisterMemory(make([]byte, headroom+sz))
		if err != nil {
			return nil, errors.Wrap(err, "register huge alloc slab class")
		}
		a.classes = append(a.classes, &sizeClass{
			payloadCap: sz,
			headroom:   headroom,
			handle:     handle,
		})
	}
	if len(a.classes) == 0 || a.classes[len(a.classes)-1].payloadCap < maxMsgSize {
		headroom := headroomFor(maxMsgSize, mtu)
		handle, err := t.RegisterMemory(make([]byte, headroom+maxMsgSize))
		if err != nil {
			return nil, errors.Wrap(err, "register huge alloc top slab class")
		}
		a.classes = append(a.classes, &sizeClass{
			payloadCap: maxMsgSize,
			headroom:   headroom,
			handle:     handle,
		})
	}
	return a, nil
}

func headroomFor(payloadCap int, mtu uint32) int {
	numPkts := int(pkthdr.NumPkts(uint32(payloadCap), mtu))
	return numPkts * pkthdr.Size
}

// Alloc returns a MsgBuffer with at least size bytes of payload
// capacity, allocated O(1) from the smallest size class that fits.
func (a *HugeAlloc) Alloc(size int) (*MsgBuffer, error) {
	if size > a.maxSize {
		return nil, ErrTooLarge
	}
	class := a.classFor(size)
	if class == nil {
		return nil, ErrTooLarge
	}

	a.allocCount++
	a.userAllocTot += uint64(size)

	var raw []byte
	if n := len(class.freelist); n > 0 {
		raw = class.freelist[n-1]
		class.freelist = class.freelist[:n-1]
	} else {
		raw = make([]byte, class.headroom+class.payloadCap)
	}

	return &MsgBuffer{
		raw:      raw,
		headroom: class.headroom,
		dataSize: size,
		class:    class,
		handle:   class.handle,
	}, nil
}

// Free returns buf's storage to its size class's freelist. buf must
// not be used after Free.
func (a *HugeAlloc) Free(buf *MsgBuffer) {
	if buf == nil || buf.class == nil {
		return
	}
	buf.class.freelist = append(buf.class.freelist, buf.raw)
	buf.raw = nil
}

func (a *HugeAlloc) classFor(size int) *sizeClass {
	for _, c := range a.classes {
		if c.payloadCap >= size {
			return c
		}
	}
	return nil
}

// Stats returns telemetry counters (spec §6: retransmit count etc. are
// on Rpc; allocator-side counters live here).
func (a *HugeAlloc) Stats() (allocCount, userAllocTot uint64) {
	return a.allocCount, a.userAllocTot
}
