package session

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// cooldownSize bounds how many recently freed session numbers are
// remembered at once; well above DefaultSessionCredits-scale session
// counts for any single RPC instance in this engine's target
// deployments.
const cooldownSize = 4096

// cooldownWindow is how long a freed session number is held back from
// reuse before a fresh create_session call may hand it out again.
const cooldownWindow = 2 * time.Second

// ReusePool tracks local session numbers that have just been freed by
// DestroySession, holding each one back from reuse for cooldownWindow.
// Without this, a stale in-flight datagram addressed to a just-freed
// session number could be misrouted to a brand-new, unrelated session
// that immediately reused the same number (spec §3 invariant: "the
// header's pkt_index and msg_size ... uniquely identify the expected
// fragment" assumes the session number itself is stable for the
// datagram's lifetime).
//
// No file in the teacher pack implements this exact cooldown; it is
// realized with the pack's LRU cache (hashicorp/golang-lru), the
// closest idiomatic fit for "recently-seen-with-bounded-memory,
// evict-oldest" bookkeeping (see DESIGN.md).
type ReusePool struct {
	freed *lru.Cache
}

// NewReusePool constructs an empty ReusePool.
func NewReusePool() *ReusePool {
	c, err := lru.New(cooldownSize)
	if err != nil {
		// lru.New only errors on a non-positive size, which
		// cooldownSize never is.
		panic(err)
	}
	return &ReusePool{freed: c}
}

// MarkFreed records that sessionNum was just released.
func (p *ReusePool) MarkFreed(sessionNum int) {
	p.freed.Add(sessionNum, time.Now().Add(cooldownWindow))
}

// InCooldown reports whether sessionNum was freed too recently to be
// safely reused.
func (p *ReusePool) InCooldown(sessionNum int) bool {
	v, ok := p.freed.Get(sessionNum)
	if !ok {
		return false
	}
	until := v.(time.Time)
	if time.Now().After(until) {
		p.freed.Remove(sessionNum)
		return false
	}
	return true
}
