package sampler

import "sync"

// busyTracker turns cumulative busy/total tick counters into a percentage
// over the interval since the previous reading.
type busyTracker struct {
	mu        sync.Mutex
	prevBusy  float64
	prevTotal float64
	primed    bool
}

func (b *busyTracker) update(busy, total float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.primed || total < b.prevTotal {
		b.prevBusy, b.prevTotal, b.primed = busy, total, true
		return 0
	}
	dBusy := busy - b.prevBusy
	dTotal := total - b.prevTotal
	b.prevBusy, b.prevTotal = busy, total
	if dTotal <= 0 || dBusy < 0 {
		return 0
	}
	pct := dBusy / dTotal * 100
	if pct > 100 {
		return 100
	}
	return pct
}
