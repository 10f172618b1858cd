package sessionmgmt

import "time"

// RetryBudget tracks a client-side ConnectReq retry schedule without
// blocking: spec §5 requires create_session/destroy_session to return
// immediately, so unlike internal/netutil.Retrier (which blocks the
// calling goroutine), this type is polled once per event-loop turn and
// simply reports whether it is time to resend.
type RetryBudget struct {
	interval   time.Duration
	deadline   time.Time
	lastSend   time.Time
	attempts   int
	exhausted  bool
}

// NewRetryBudget starts a budget with the given retry interval and
// total budget duration, anchored at now.
func NewRetryBudget(now time.Time, interval, budget time.Duration) *RetryBudget {
	return &RetryBudget{
		interval: interval,
		deadline: now.Add(budget),
		lastSend: now,
	}
}

// SetInterval changes the retry interval, used when a ConnectResp
// reject with InvalidRemoteRpcId switches the client onto the slower
// retry_connect_on_invalid_rpc_id cadence (spec §4.4).
func (b *RetryBudget) SetInterval(d time.Duration) {
	b.interval = d
}

// ShouldRetry reports whether it is time to resend, given the current
// time. Calling it also records the attempt (callers must only call it
// when they are actually about to resend).
func (b *RetryBudget) ShouldRetry(now time.Time) bool {
	if b.exhausted {
		return false
	}
	if now.After(b.deadline) {
		b.exhausted = true
		return false
	}
	if now.Sub(b.lastSend) < b.interval {
		return false
	}
	b.lastSend = now
	b.attempts++
	return true
}

// Exhausted reports whether the budget has been spent without success
// (spec §4.4: "on exhaustion transition to Error").
func (b *RetryBudget) Exhausted() bool {
	return b.exhausted
}

// Attempts returns the number of retries sent so far.
func (b *RetryBudget) Attempts() int {
	return b.attempts
}
