// Package ioutil holds small wire-adjacent helpers shared across the
// engine: wrap-safe sequence comparison and an atomic boolean, in the
// same spirit as the teacher's internal/ioutil package (which carries
// a Uint16Seq wait/ack sequence type and an AtomicBool).
package ioutil

import "sync/atomic"

// ReqNum is a monotonically increasing, wrap-safe request number
// carried in the packet header. Comparisons must use modular
// arithmetic so that a 32-bit counter wrapping after ~4 billion
// requests never causes a stale packet to look "newer" than the
// current one.
type ReqNum uint32

// Before reports whether a is strictly older than b, accounting for
// wraparound: the two are compared via their signed difference, the
// standard technique for sequence-number comparison (e.g. TCP ISNs).
func (a ReqNum) Before(b ReqNum) bool {
	return int32(a-b) < 0
}

// AtomicBool implements a thread-safe boolean value, adapted from the
// teacher's internal/ioutil/atomic_bool.go, used for the Rpc's closed
// flag and a ReqHandle's responded flag.
type AtomicBool struct {
	flag int32
}

// Set sets the boolean to v and reports whether the value changed.
func (b *AtomicBool) Set(v bool) bool {
	newF := int32(0)
	if v {
		newF = 1
	}
	return newF != atomic.SwapInt32(&b.flag, newF)
}

// Get returns the current value.
func (b *AtomicBool) Get() bool {
	return atomic.LoadInt32(&b.flag) == 1
}
