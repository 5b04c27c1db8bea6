package engine

import (
	"sync"

	"liqwatcher/internal/stream"
)

// SideVolume totals forced-close notional per side over one sampling
// interval.
type SideVolume struct {
	LongUSD  float64
	ShortUSD float64
}

// Total returns the combined notional of both sides.
func (v SideVolume) Total() float64 { return v.LongUSD + v.ShortUSD }

// Accumulator sums streamed liquidation notional per base asset
// between evaluation cycles. Safe for concurrent use: the dispatcher
// adds while the scheduler flushes.
type Accumulator struct {
	mu     sync.Mutex
	totals map[string]SideVolume
}

// NewAccumulator constructs an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{totals: make(map[string]SideVolume)}
}

// Add folds one event into the running interval totals.
func (a *Accumulator) Add(event stream.LiquidationEvent) {
	notional, _ := event.VolumeUSD.Float64()
	if notional <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	v := a.totals[event.BaseAsset]
	switch event.Side {
	case stream.SideLong:
		v.LongUSD += notional
	case stream.SideShort:
		v.ShortUSD += notional
	}
	a.totals[event.BaseAsset] = v
}

// Flush returns the accumulated totals and resets the interval.
func (a *Accumulator) Flush() map[string]SideVolume {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.totals
	a.totals = make(map[string]SideVolume)
	return out
}
