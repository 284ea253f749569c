package quality

import "time"

// Clock returns monotonic milliseconds since process start.
type Clock interface {
	NowMs() uint64
}

type uptimeClock struct {
	start time.Time
}

func NewUptimeClock() Clock {
	return uptimeClock{start: time.Now()}
}

func (c uptimeClock) NowMs() uint64 {
	return uint64(time.Since(c.start).Milliseconds())
}

// Interval fires once per period of clock time. It is marked with the
// reading of the tick that fired it, not with the time the work finished.
type Interval struct {
	period uint64
	last   uint64
	primed bool
}

func NewInterval(period time.Duration) *Interval {
	return &Interval{period: uint64(period.Milliseconds())}
}

// Prime makes the next Due call return true.
func (i *Interval) Prime() {
	i.primed = true
}

func (i *Interval) Due(now uint64) bool {
	if i.primed {
		return true
	}
	return now >= i.last && now-i.last >= i.period
}

func (i *Interval) Mark(now uint64) {
	i.last = now
	i.primed = false
}
