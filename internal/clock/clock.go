// Package clock reconstructs wall-clock timestamps from the analyzer's
// wrapping 24-bit, 60 MHz tick counter.
package clock

import "time"

// FreqHz is the device's tick frequency.
const FreqHz = 60_000_000

// tickWrap is 2^24, the tick counter's wrap point.
const tickWrap = 1 << 24

// resyncGapNanos is the largest inter-packet wall-clock gap that tick
// wrap reconstruction alone can bridge: the 24-bit counter covers only
// ~0.28s before wrapping, so a longer gap forces a resync to wall-clock
// ground truth.
const resyncGapNanos = 280_179_507

// Now abstracts the wall-clock sample so tests can inject synthetic
// gaps without sleeping.
type Now func() time.Time

// Reconstructor converts device ticks into monotonically reconstructed
// (seconds, nanoseconds) pairs, resynchronizing on drift.
type Reconstructor struct {
	now Now

	utcSec     int64
	tickOffset uint64
	lastTick   uint32
	haveTick   bool
	lastWall   time.Time
}

// New returns a reconstructor that samples the wall clock with now (use
// time.Now in production; tests supply a deterministic Now).
func New(now Now) *Reconstructor {
	return &Reconstructor{now: now}
}

// Convert advances the reconstructor by one packet's 24-bit tick and
// returns the reconstructed (sec, nsec) pair. nsec is derived from the
// accumulated tick count as total*17 - total/3, within 1ns of the
// exact total/0.06.
func (r *Reconstructor) Convert(tick uint32) (sec int64, nsec uint32) {
	tick &= tickWrap - 1

	if r.haveTick && tick < r.lastTick {
		r.tickOffset += tickWrap
	}
	r.lastTick = tick
	r.haveTick = true

	total := r.tickOffset + uint64(tick)
	if total >= FreqHz {
		// tickOffset may drop below zero here; it wraps as a uint64 and
		// tickOffset+tick still yields the right total.
		r.utcSec++
		r.tickOffset -= FreqHz
		total -= FreqHz
	}

	nsec = uint32(total*17 - total/3)

	// An unset lastWall (first packet since open) counts as an
	// infinite gap below, forcing an initial resync to wall-clock
	// ground truth.
	wall := r.now()
	dsec, dnsec := diff(r.lastWall, wall)
	if r.lastWall.IsZero() || dnsec > resyncGapNanos || dsec > 0 {
		r.utcSec = wall.Unix()
		r.haveTick = false
		r.tickOffset = uint64(wall.Nanosecond())/17 + uint64(wall.Nanosecond())/850
		nsec = uint32(wall.Nanosecond())
	}
	r.lastWall = wall

	return r.utcSec, nsec
}

// diff returns the (seconds, nanoseconds) elapsed from -> to, with
// nanosecond borrow.
func diff(from, to time.Time) (dsec int64, dnsec int64) {
	d := to.Sub(from)
	if d < 0 {
		d = 0
	}
	dsec = int64(d / time.Second)
	dnsec = int64(d % time.Second)
	return dsec, dnsec
}

// ConvertFast bypasses reconstruction entirely, passing the raw tick
// through the seconds slot with nsec=0, for consumers doing their own
// clock handling.
func ConvertFast(tick uint32) (sec int64, nsec uint32) {
	return int64(tick), 0
}
