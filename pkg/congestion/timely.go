// Package congestion implements the optional Timely-style rate
// controller and the pacing wheel that enforces it (spec §4.5 "Pacing
// wheel", §4.7 "Congestion control (Timely)"). The token-bucket
// primitive is golang.org/x/time/rate.Limiter rather than a hand-rolled
// limiter, matching this repo's policy of reaching for an ecosystem
// package over a bespoke one wherever the pack exercises one.
package congestion

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Timely parameters, named after the algorithm's own constants.
const (
	defaultTLow          = 50 * time.Microsecond
	defaultTHigh         = 1 * time.Millisecond
	defaultDecreaseFactor = 0.8
	defaultIncreaseBytes  = 2000.0 // additive increase, bytes/sec per RTT
	defaultEWMAAlpha      = 0.02
)

// Timely tracks one session's congestion state: an RTT gradient
// estimator and the resulting target send rate.
type Timely struct {
	minRate  float64 // bytes/sec
	lineRate float64 // bytes/sec

	rate       float64 // current target rate, bytes/sec
	prevRTT    time.Duration
	avgRTTDiff float64 // exponentially weighted RTT gradient
	lastUpdate time.Time

	limiter *rate.Limiter
}

// NewTimely constructs a Timely rate controller clamped to
// [minRate, lineRate], starting at lineRate (spec §4.7: "when
// disabled, sends at line rate"; when enabled the controller relaxes
// downward only once it observes rising RTT).
func NewTimely(minRate, lineRate float64) *Timely {
	t := &Timely{
		minRate:  minRate,
		lineRate: lineRate,
		rate:     lineRate,
	}
	t.limiter = rate.NewLimiter(rate.Limit(t.rate), int(lineRate/8)+1)
	return t
}

// Rate returns the current target rate in bytes/sec.
func (t *Timely) Rate() float64 {
	return t.rate
}

// Limiter returns the token-bucket limiter the pacing wheel consults
// for each candidate departure.
func (t *Timely) Limiter() *rate.Limiter {
	return t.limiter
}

// OnRTTSample updates the target rate from a fresh RTT sample, per the
// Timely algorithm: decrease multiplicatively on a rising RTT gradient,
// increase additively otherwise, and always respect the low/high RTT
// thresholds.
func (t *Timely) OnRTTSample(rtt time.Duration) {
	now := time.Now()
	if !t.lastUpdate.IsZero() && t.prevRTT > 0 {
		diff := float64(rtt-t.prevRTT) / float64(time.Microsecond)
		t.avgRTTDiff = (1-defaultEWMAAlpha)*t.avgRTTDiff + defaultEWMAAlpha*diff
	}
	t.prevRTT = rtt
	t.lastUpdate = now

	switch {
	case rtt < defaultTLow:
		t.rate += defaultIncreaseBytes
	case rtt > defaultTHigh:
		t.rate *= defaultDecreaseFactor
	case t.avgRTTDiff < 0:
		t.rate += defaultIncreaseBytes
	case t.avgRTTDiff > 0:
		t.rate *= 1 - defaultDecreaseFactor*normalizedGradient(t.avgRTTDiff)
	}

	t.rate = math.Max(t.minRate, math.Min(t.lineRate, t.rate))
	t.limiter.SetLimit(rate.Limit(t.rate))
}

// normalizedGradient squashes the RTT gradient into [0,1] so the
// multiplicative decrease never overshoots past minRate in one step.
func normalizedGradient(diffMicros float64) float64 {
	g := diffMicros / float64(defaultTHigh/time.Microsecond)
	if g > 1 {
		return 1
	}
	if g < 0 {
		return 0
	}
	return g
}
