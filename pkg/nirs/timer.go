package nirs

import "time"

const (
	// CounterModulus is the period of the 15-bit packet sequence counter
	CounterModulus = 32768
	CounterMask    = CounterModulus - 1
)

// ElapsedTicks returns how many counter ticks separate prev and cur, assuming at most one wrap.
func ElapsedTicks(prev, cur uint16) uint32 {
	prev &= CounterMask
	cur &= CounterMask
	if cur >= prev {
		return uint32(cur - prev)
	}
	return (CounterModulus - uint32(prev)) + uint32(cur)
}

// Anchor reconstructs capture times for one stream of a device.
// Consecutive packets are chained off the device timer; any discontinuity re-anchors on host time.
type Anchor struct {
	instant     time.Time
	valid       bool
	lastCounter uint16

	seed   time.Time
	seeded bool
}

// Reset forgets the anchor, the last counter and any pending seed
func (a *Anchor) Reset() {
	*a = Anchor{}
}

// Restart forgets the anchor and last counter but keeps a pending seed
func (a *Anchor) Restart() {
	a.instant = time.Time{}
	a.valid = false
	a.lastCounter = 0
}

// Seed sets the instant used instead of host time the next time the anchor has to restart
func (a *Anchor) Seed(t time.Time) {
	a.seed = t
	a.seeded = true
}

// Instant returns the current anchor, if any
func (a *Anchor) Instant() (time.Time, bool) {
	return a.instant, a.valid
}

// LastCounter returns the counter of the last packet seen
func (a *Anchor) LastCounter() uint16 {
	return a.lastCounter
}

// Advance computes the capture time of the packet carrying counter and timerDelta.
// The anchor and last counter are updated unconditionally.
func (a *Anchor) Advance(counter uint16, timerDelta uint32, divisor float64, now time.Time) time.Time {
	counter &= CounterMask
	ticks := ElapsedTicks(a.lastCounter, counter)

	var capture time.Time
	switch {
	case a.valid && ticks == 1:
		capture = a.instant.Add(TimerDuration(timerDelta, divisor))
	case a.seeded:
		capture = a.seed
		a.seeded = false
	default:
		capture = now
	}

	a.instant = capture
	a.valid = true
	a.lastCounter = counter
	return capture
}

// TimerDuration converts device timer ticks to a duration
func TimerDuration(ticks uint32, divisor float64) time.Duration {
	if divisor <= 0 {
		return 0
	}
	return time.Duration(float64(ticks) / divisor * float64(time.Second))
}
