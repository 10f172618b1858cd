// Package pkthdr defines the on-wire packet header shared by every
// packet the engine sends: session-management piggyback aside, this is
// the framing that turns an unreliable, MTU-limited datagram from the
// transport into a fragment of an RPC request or response.
package pkthdr

import "encoding/binary"

// Size is the fixed wire size of Header, locked for cross-version
// compatibility per the wire format contract.
const Size = 18

// Magic identifies a well-formed header. Packets with a different
// magic are dropped without inspection.
const Magic uint32 = 0xe12c0de1

// Kind enumerates the packet kinds carried on the wire.
type Kind uint8

// Packet kinds.
const (
	KindSmallReq Kind = iota
	KindLargeReq
	KindExplicitCR
	KindSmallResp
	KindLargeResp
	KindNack
)

func (k Kind) String() string {
	switch k {
	case KindSmallReq:
		return "SmallReq"
	case KindLargeReq:
		return "LargeReq"
	case KindExplicitCR:
		return "ExplicitCR"
	case KindSmallResp:
		return "SmallResp"
	case KindLargeResp:
		return "LargeResp"
	case KindNack:
		return "Nack"
	default:
		return "Unknown"
	}
}

// IsRequest reports whether the kind belongs to the request side of an
// exchange.
func (k Kind) IsRequest() bool {
	return k == KindSmallReq || k == KindLargeReq
}

// IsResponse reports whether the kind belongs to the response side of
// an exchange.
func (k Kind) IsResponse() bool {
	return k == KindSmallResp || k == KindLargeResp
}

// Header is the fixed-size, little-endian packet header prefixing
// every fragment on the wire.
//
// Wire layout (18 bytes, little-endian):
//
//	offset  size  field
//	0       4     Magic
//	4       1     Kind
//	5       1     ReqType
//	6       4     MsgSize
//	10      2     DestSessionNum
//	12      4     ReqNum
//	16      2     PktIndex
type Header struct {
	Kind           Kind
	ReqType        uint8
	MsgSize        uint32
	DestSessionNum uint16
	ReqNum         uint32
	PktIndex       uint16
}

// Encode writes h to b, which must be at least Size bytes long.
func Encode(b []byte, h Header) {
	_ = b[Size-1] // bounds check hint
	binary.LittleEndian.PutUint32(b[0:4], Magic)
	b[4] = byte(h.Kind)
	b[5] = h.ReqType
	binary.LittleEndian.PutUint32(b[6:10], h.MsgSize)
	binary.LittleEndian.PutUint16(b[10:12], h.DestSessionNum)
	binary.LittleEndian.PutUint32(b[12:16], h.ReqNum)
	binary.LittleEndian.PutUint16(b[16:18], h.PktIndex)
}

// Decode parses a header from b. ok is false if b is too short or the
// magic does not match; callers must drop the packet in that case.
func Decode(b []byte) (h Header, ok bool) {
	if len(b) < Size {
		return Header{}, false
	}
	if binary.LittleEndian.Uint32(b[0:4]) != Magic {
		return Header{}, false
	}
	h.Kind = Kind(b[4])
	h.ReqType = b[5]
	h.MsgSize = binary.LittleEndian.Uint32(b[6:10])
	h.DestSessionNum = binary.LittleEndian.Uint16(b[10:12])
	h.ReqNum = binary.LittleEndian.Uint32(b[12:16])
	h.PktIndex = binary.LittleEndian.Uint16(b[16:18])
	return h, true
}

// NumPkts returns ceil(msgSize / mtu), the number of fragments a
// message of msgSize is split into over a transport of the given MTU.
func NumPkts(msgSize, mtu uint32) uint16 {
	if msgSize == 0 {
		return 1
	}
	n := (msgSize + mtu - 1) / mtu
	return uint16(n)
}
