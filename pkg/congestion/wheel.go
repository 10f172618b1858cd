package congestion

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/skycoin/erpc/pkg/transport"
)

// slotDuration is the wheel's tick granularity. At the microsecond
// scale this engine targets, a coarser tick would blur pacing
// decisions; a finer one buys nothing since the event loop itself only
// advances the wheel once per turn.
const slotDuration = 10 * time.Microsecond

// numSlots is the number of buckets in the wheel, giving a lookahead
// window of numSlots*slotDuration before a parked packet wraps back
// onto a slot the wheel has already replayed.
const numSlots = 1024

// Parked is a packet held in the wheel awaiting its earliest departure
// time.
type Parked struct {
	Pkt      transport.Packet
	Deadline time.Time
}

// Wheel is a hashed timing wheel scheduling packet departures under
// Timely pacing (spec §4.5). Packets whose computed earliest departure
// is in the future are parked here and replayed once their slot
// matures; packets that are due now bypass the wheel entirely.
type Wheel struct {
	slots   [numSlots][]Parked
	current int
	epoch   time.Time
}

// NewWheel constructs an empty Wheel anchored at now.
func NewWheel(now time.Time) *Wheel {
	return &Wheel{epoch: now}
}

// Limiter is the token-bucket contract Schedule needs from a session's
// rate controller (satisfied by *rate.Limiter, as returned by
// Timely.Limiter()).
type Limiter interface {
	AllowN(now time.Time, n int) bool
	ReserveN(now time.Time, n int) *rate.Reservation
}

// Schedule decides whether pkt should be sent immediately or parked.
// If limiter has size tokens available now, it consumes them and
// reports ready=true. Otherwise the packet is parked for the delay the
// limiter itself reports until size tokens are actually available,
// so a session clamped to a low target rate is genuinely paced rather
// than merely given a fixed head start before its next burst.
func (w *Wheel) Schedule(now time.Time, limiter Limiter, pkt transport.Packet, size int) (ready bool) {
	if limiter.AllowN(now, size) {
		return true
	}
	res := limiter.ReserveN(now, size)
	if !res.OK() {
		// size exceeds the limiter's burst; it can never be admitted
		// on its own, so send it now rather than parking forever.
		return true
	}
	w.Park(now, pkt, res.DelayFrom(now))
	return false
}

// Park places pkt into the slot `delay` in the future.
func (w *Wheel) Park(now time.Time, pkt transport.Packet, delay time.Duration) {
	offset := int(delay/slotDuration) + 1
	if offset >= numSlots {
		offset = numSlots - 1
	}
	idx := (w.current + offset) % numSlots
	w.slots[idx] = append(w.slots[idx], Parked{Pkt: pkt, Deadline: now.Add(delay)})
}

// Advance moves the wheel forward by one slot and returns every packet
// parked in the slot it leaves, ready for (re-)transmission. Deadline
// is not consulted, so a packet whose delay Park clamped to the last
// slot comes out then, before its Deadline.
func (w *Wheel) Advance() []transport.Packet {
	bucket := w.slots[w.current]
	w.slots[w.current] = nil
	w.current = (w.current + 1) % numSlots

	if len(bucket) == 0 {
		return nil
	}
	out := make([]transport.Packet, len(bucket))
	for i, p := range bucket {
		out[i] = p.Pkt
	}
	return out
}

// Cancel removes every parked packet for which match returns true,
// used when a retransmission decides to replace (rather than race
// with) a copy already sitting in the wheel. It returns the number of
// cancelled entries, which feeds the still_in_wheel_during_retx policy
// decision (spec §9 open question: this engine's policy is "cancel the
// parked copy," since letting it fire harmlessly still costs a
// duplicate transmission the wheel could have avoided for free).
func (w *Wheel) Cancel(match func(transport.Packet) bool) int {
	n := 0
	for i := range w.slots {
		if len(w.slots[i]) == 0 {
			continue
		}
		kept := w.slots[i][:0]
		for _, p := range w.slots[i] {
			if match(p.Pkt) {
				n++
				continue
			}
			kept = append(kept, p)
		}
		w.slots[i] = kept
	}
	return n
}
