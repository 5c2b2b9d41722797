package rppg

import "sort"

// minClockSamples is the number of timestamps needed before the rate is re-estimated.
const minClockSamples = 6

// clock recovers the effective sampling rate from irregular arrival times.
type clock struct {
	rate   float64
	deltas []float64
}

func newClock(nominal float64) *clock {
	return &clock{rate: nominal}
}

// Update re-estimates the rate from the buffered timestamps and returns it.
// A non-positive median delta leaves the previous rate in place.
func (c *clock) Update(ts *ring[float64]) float64 {
	n := ts.Len()
	if n < minClockSamples {
		return c.rate
	}
	c.deltas = c.deltas[:0]
	for i := 1; i < n; i++ {
		c.deltas = append(c.deltas, ts.At(i)-ts.At(i-1))
	}
	if med := median(c.deltas); med > 0 {
		c.rate = 1.0 / med
	}
	return c.rate
}

// median sorts x in place and returns the middle value, averaging the two
// middle values for even lengths.
func median(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	sort.Float64s(x)
	mid := len(x) / 2
	if len(x)%2 == 1 {
		return x[mid]
	}
	return 0.5 * (x[mid-1] + x[mid])
}
